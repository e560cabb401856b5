//go:build linux

package scsitransport

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tapevault/tapebackarr/internal/tapeerr"
	"github.com/tapevault/tapebackarr/internal/transport"
)

const (
	opStartStopUnit = 0x1B
	blockSize       = 65536
)

// Ready issues TEST UNIT READY and reports whether the drive answered with
// GOOD status (medium present, drive ready).
func (t *Transport) Ready() (bool, error) {
	_, _, err := t.Execute(cdb6(opTestUnitReady), transport.DirNone, nil, 0)
	if err == nil {
		return true, nil
	}
	if tapeerr.Is(err, tapeerr.NotReady) {
		return false, nil
	}
	return false, err
}

// Load spins the drive up via START STOP UNIT with the start bit set (loej=0).
func (t *Transport) Load() error {
	cdb := cdb6(opStartStopUnit)
	cdb[4] = 0x01 // start=1, loej=0 (already loaded media spin-up)
	_, _, err := t.Execute(cdb, transport.DirNone, nil, 0)
	return err
}

// Unload ejects the medium via START STOP UNIT (loej=1, start=0).
func (t *Transport) Unload() error {
	cdb := cdb6(opStartStopUnit)
	cdb[4] = 0x02 // loej=1, start=0
	_, _, err := t.Execute(cdb, transport.DirNone, nil, 0)
	return err
}

func (t *Transport) Rewind() error {
	_, _, err := t.Execute(cdb6(opRewind), transport.DirNone, nil, 0)
	return err
}

// Erase issues ERASE(short) or ERASE(long) depending on the long bit.
func (t *Transport) Erase(short bool) error {
	cdb := cdb6(opErase)
	if !short {
		cdb[1] = 0x03 // long=1, immed=1
	} else {
		cdb[1] = 0x01 // immed=1
	}
	_, _, err := t.Execute(cdb, transport.DirNone, nil, 0)
	return err
}

// Format writes an LTFS volume with the given label. Decomposed as
// rewind -> erase(short) -> (caller writes the LTFS volume header
// carrying label via the mounted filesystem once the cartridge is blank).
// The SCSI-level responsibility stops at presenting a freshly erased,
// rewound cartridge; LTFS header construction happens above this layer
// (tape.LTFSService.Format, called by backupengine's formatAndMountLTFS).
// label and immediate are not used here, the erase is always short, and
// verify only adds a TEST UNIT READY after the erase.
func (t *Transport) Format(label string, immediate, verify bool) error {
	if err := t.Rewind(); err != nil {
		return err
	}
	if err := t.Erase(true); err != nil {
		return err
	}
	if verify {
		if _, err := t.Ready(); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile streams localPath to the tape at the current position using
// blocked WRITE(6) commands. This is the raw vocabulary primitive; the
// backup archive path itself goes through the mounted LTFS filesystem, not
// this method directly.
func (t *Transport) WriteFile(localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return tapeerr.Wrap(tapeerr.MediumError, "open source file", err)
	}
	defer f.Close()

	buf := make([]byte, blockSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			cdb := cdb6(opWrite6)
			cdb[1] = 0x01 // fixed block format
			put24(cdb, 2, int32(1))
			if _, _, werr := t.Execute(cdb, transport.DirOut, buf[:n], 0); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return tapeerr.Wrap(tapeerr.MediumError, "read source file", rerr)
		}
	}
}

// ReadFile streams from the tape at the current position into localPath
// using blocked READ(6) commands until a filemark (BLANK CHECK / short
// read) is observed.
func (t *Transport) ReadFile(remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return tapeerr.Wrap(tapeerr.HardwareError, "create destination directory", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return tapeerr.Wrap(tapeerr.HardwareError, "create destination file", err)
	}
	defer f.Close()

	buf := make([]byte, blockSize)
	for {
		cdb := cdb6(opRead6)
		cdb[1] = 0x01
		put24(cdb, 2, int32(1))
		data, _, rerr := t.Execute(cdb, transport.DirIn, buf, 0)
		if rerr != nil {
			if tapeerr.Is(rerr, tapeerr.MediumError) {
				return nil // filemark / blank check reached: end of this file
			}
			return rerr
		}
		if _, werr := f.Write(data); werr != nil {
			return tapeerr.Wrap(tapeerr.HardwareError, "write destination file", werr)
		}
	}
}

func (t *Transport) WriteFilemark(count int) error {
	cdb := cdb6(opWriteFilemarks)
	put24(cdb, 2, int32(count))
	_, _, err := t.Execute(cdb, transport.DirNone, nil, 0)
	return err
}

// SpaceFilemarks issues SPACE with code=001 (filemarks), signed count n.
func (t *Transport) SpaceFilemarks(n int) error {
	return t.space(0x01, n)
}

// SpaceRecords issues SPACE with code=000 (logical blocks/records), signed count n.
func (t *Transport) SpaceRecords(n int) error {
	return t.space(0x00, n)
}

func (t *Transport) space(code byte, n int) error {
	cdb := cdb6(opSpace)
	cdb[1] = code & 0x07
	put24(cdb, 2, int32(n))
	_, _, err := t.Execute(cdb, transport.DirNone, nil, 0)
	return err
}

// Position issues READ POSITION (short form, service action 0) and decodes
// partition number and logical block address.
func (t *Transport) Position() (transport.Position, error) {
	buf := make([]byte, 20)
	cdb := cdb10(opReadPosition)
	data, _, err := t.Execute(cdb, transport.DirIn, buf, 0)
	if err != nil {
		return transport.Position{}, err
	}

	flags := data[0]
	return transport.Position{
		Partition:    int(data[1]),
		LogicalBlock: int64(binary.BigEndian.Uint32(data[4:8])),
		AtBOP:        flags&0x80 != 0,
		AtEOP:        flags&0x40 != 0,
	}, nil
}

// DeviceInfo issues a standard INQUIRY and returns its vendor, product and
// firmware revision fields; Serial, Generation and NativeCapacity are left
// empty.
func (t *Transport) DeviceInfo() (transport.DeviceInfo, error) {
	buf := make([]byte, 96)
	cdb := cdb6(opInquiry)
	binary.BigEndian.PutUint16(cdb[3:], uint16(len(buf)))
	data, _, err := t.Execute(cdb, transport.DirIn, buf, 0)
	if err != nil {
		return transport.DeviceInfo{}, err
	}

	return transport.DeviceInfo{
		Vendor:   trimInquiryField(data[8:16]),
		Product:  trimInquiryField(data[16:32]),
		Firmware: trimInquiryField(data[32:36]),
	}, nil
}

func trimInquiryField(b []byte) string {
	i := len(b)
	for i > 0 && (b[i-1] == ' ' || b[i-1] == 0) {
		i--
	}
	return string(b[:i])
}

// TapeAlert issues LOG SENSE page 0x2E (TapeAlert) and decodes the set
// flags raw; the core does not interpret individual flag semantics beyond
// exposing which numbered alerts are currently active. LOG SENSE page
// content is treated as an opaque diagnostic passthrough.
func (t *Transport) TapeAlert() ([]transport.AlertCode, error) {
	buf := make([]byte, 512)
	cdb := cdb10(opLogSense)
	cdb[2] = 0x40 | 0x2E // PC=01 (current cumulative), page=0x2E
	binary.BigEndian.PutUint16(cdb[7:], uint16(len(buf)))
	data, _, err := t.Execute(cdb, transport.DirIn, buf, 0)
	if err != nil {
		return nil, err
	}

	var alerts []transport.AlertCode
	// Parameter entries start at offset 4; each is {param-code(2), ctrl(1), len(1), value...}.
	off := 4
	for off+4 <= len(data) {
		paramCode := binary.BigEndian.Uint16(data[off : off+2])
		paramLen := int(data[off+3])
		valOff := off + 4
		if valOff > len(data) {
			break
		}
		if paramLen > 0 && valOff < len(data) && data[valOff] != 0 {
			alerts = append(alerts, transport.AlertCode(paramCode))
		}
		off = valOff + paramLen
	}
	return alerts, nil
}

// PerformanceCounters issues LOG SENSE page 0x17 (sequential access) and
// decodes the cumulative counters used by this core's vocabulary.
func (t *Transport) PerformanceCounters() (transport.PerformanceCounters, error) {
	buf := make([]byte, 128)
	cdb := cdb10(opLogSense)
	cdb[2] = 0x40 | 0x17
	binary.BigEndian.PutUint16(cdb[7:], uint16(len(buf)))
	data, _, err := t.Execute(cdb, transport.DirIn, buf, 0)
	if err != nil {
		return transport.PerformanceCounters{}, err
	}

	var pc transport.PerformanceCounters
	off := 4
	for off+4 <= len(data) {
		paramCode := binary.BigEndian.Uint16(data[off : off+2])
		paramLen := int(data[off+3])
		valOff := off + 4
		if valOff+paramLen > len(data) {
			break
		}
		val := decodeCounter(data[valOff : valOff+paramLen])
		switch paramCode {
		case 0x0000:
			pc.MBWritten = val
		case 0x0001:
			pc.MBRead = val
		}
		off = valOff + paramLen
	}
	return pc, nil
}

func decodeCounter(b []byte) int64 {
	var v int64
	for _, x := range b {
		v = v<<8 | int64(x)
	}
	return v
}

// SetEncryption issues MODE SELECT against the device's Data Encryption
// Configuration page; the raw key blob is handed through opaquely.
func (t *Transport) SetEncryption(enabled bool, keyBlob []byte) error {
	if enabled && len(keyBlob) == 0 {
		return tapeerr.New(tapeerr.ConfigError, "encryption enable requires a non-empty key blob")
	}

	page := make([]byte, 4+len(keyBlob))
	if enabled {
		page[0] = 0x02 // encryption mode: encrypt
		copy(page[4:], keyBlob)
	}

	cdb := cdb10(opModeSelect)
	cdb[1] = 0x10 // PF=1
	binary.BigEndian.PutUint16(cdb[7:], uint16(len(page)))
	_, _, err := t.Execute(cdb, transport.DirOut, page, 0)
	return err
}

// SetWorm issues MODE SELECT to toggle the drive's WORM mode page.
func (t *Transport) SetWorm(enabled bool) error {
	page := make([]byte, 4)
	if enabled {
		page[0] = 0x01
	}
	cdb := cdb10(opModeSelect)
	cdb[1] = 0x10
	binary.BigEndian.PutUint16(cdb[7:], uint16(len(page)))
	_, _, err := t.Execute(cdb, transport.DirOut, page, 0)
	return err
}

// Scan enumerates /dev/nst* (non-rewinding tape devices, preferred over
// /dev/st* which rewinds on close) by probing each candidate path and
// issuing INQUIRY, returning transport.DeviceDescriptor for each one found.
func (t *Transport) Scan() ([]transport.DeviceDescriptor, error) {
	var descriptors []transport.DeviceDescriptor
	for i := 0; i < 16; i++ {
		path := fmt.Sprintf("/dev/nst%d", i)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		probe, err := New(path)
		if err != nil {
			continue
		}
		info, err := probe.DeviceInfo()
		probe.Close()
		if err != nil {
			continue
		}
		descriptors = append(descriptors, transport.DeviceDescriptor{
			Path:    path,
			Vendor:  info.Vendor,
			Product: info.Product,
			Rev:     info.Firmware,
		})
	}
	return descriptors, nil
}
