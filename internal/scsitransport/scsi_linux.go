//go:build linux

// Package scsitransport implements transport.Transport by issuing SCSI
// Command Descriptor Blocks directly against a Linux tape device via the
// SG_IO ioctl, adapted to the tape command set (REWIND/ERASE/WRITE
// FILEMARKS/LOCATE/...) rather than disk INQUIRY/MODE SENSE/READ CAPACITY.
//
// Windows SPTI is not implemented: the reference deployment target for
// this core is Linux (/dev/nst*), and a scsi_windows.go counterpart would
// be pure unexercised boilerplate without a Windows build target to
// validate it against.
package scsitransport

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tapevault/tapebackarr/internal/tapeerr"
	"github.com/tapevault/tapebackarr/internal/transport"
)

// SCSI opcodes used by this package, per the T10 SSC command set.
const (
	opTestUnitReady    = 0x00
	opRewind           = 0x01
	opRequestSense     = 0x03
	opRead6            = 0x08
	opWrite6           = 0x0A
	opWriteFilemarks   = 0x10
	opSpace            = 0x11
	opInquiry          = 0x12
	opModeSelect       = 0x55
	opErase            = 0x19
	opModeSense        = 0x5A
	opLogSense         = 0x4D
	opReceiveDiag      = 0x1C
	opReadPosition     = 0x34
)

const (
	sgDxferNone     = -1
	sgDxferToDev    = -2
	sgDxferFromDev  = -3
	sgInfoOKMask    = 0x1
	sgInfoOK        = 0x0
	sgIO            = 0x2285
	defaultTimeoutMs = 30000
)

// sgIoHdr mirrors sg_io_hdr_t from <scsi/sg.h>, laid out identically to the
// struct used by the pool's dd894fb3 go-tcg-storage/drive/sgio reference.
type sgIoHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         uintptr
	cmdp           uintptr
	sbp            uintptr
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         uintptr
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

// Transport issues CDBs against a single Linux SCSI generic tape device.
type Transport struct {
	devicePath string
	f          *os.File
	timeout    time.Duration
}

// New opens devicePath for SG_IO access. The caller must Close it.
func New(devicePath string) (*Transport, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, tapeerr.Wrap(tapeerr.DeviceUnavailable, "open "+devicePath, err)
	}
	return &Transport{devicePath: devicePath, f: f, timeout: transport.DefaultTimeout}, nil
}

func (t *Transport) Close() error {
	if t.f == nil {
		return nil
	}
	return t.f.Close()
}

// Execute sends a CDB and returns the data read back plus any sense bytes,
// classifying the outcome into the shared taxonomy. direction controls
// whether dataBuf is filled from the device (DirIn), used as write source
// (DirOut) or unused (DirNone).
func (t *Transport) Execute(cdb []byte, direction transport.Direction, dataBuf []byte, timeout time.Duration) (data []byte, sense []byte, err error) {
	if timeout <= 0 {
		timeout = t.timeout
	}

	senseBuf := make([]byte, 32)
	hdr := sgIoHdr{
		interfaceID: 'S',
		cmdLen:      uint8(len(cdb)),
		mxSbLen:     uint8(len(senseBuf)),
		timeout:     uint32(timeout / time.Millisecond),
		sbp:         uintptr(unsafe.Pointer(&senseBuf[0])),
		cmdp:        uintptr(unsafe.Pointer(&cdb[0])),
	}

	switch direction {
	case transport.DirIn:
		hdr.dxferDirection = sgDxferFromDev
	case transport.DirOut:
		hdr.dxferDirection = sgDxferToDev
	default:
		hdr.dxferDirection = sgDxferNone
	}

	if len(dataBuf) > 0 {
		hdr.dxferLen = uint32(len(dataBuf))
		hdr.dxferp = uintptr(unsafe.Pointer(&dataBuf[0]))
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), sgIO, uintptr(unsafe.Pointer(&hdr)))
	if errno == unix.ETIMEDOUT {
		return nil, nil, tapeerr.New(tapeerr.Timeout, "SG_IO ioctl timed out")
	}
	if errno != 0 {
		return nil, nil, tapeerr.Wrap(tapeerr.HardwareError, "SG_IO ioctl", errno)
	}

	if hdr.info&sgInfoOKMask != sgInfoOK {
		return dataBuf, senseBuf[:hdr.sbLenWr], classifySense(senseBuf[:hdr.sbLenWr], hdr.hostStatus)
	}

	return dataBuf, nil, nil
}

// classifySense maps SCSI sense key / ASC / ASCQ to the shared taxonomy.
// Sense data format: byte 2 low nibble = sense key, byte 12 = ASC, byte 13 = ASCQ.
func classifySense(sense []byte, hostStatus uint16) error {
	if hostStatus != 0 {
		return tapeerr.New(tapeerr.DeviceUnavailable, fmt.Sprintf("host status 0x%x", hostStatus))
	}
	if len(sense) < 14 {
		return tapeerr.New(tapeerr.HardwareError, "short sense data")
	}

	senseKey := sense[2] & 0x0F
	asc := sense[12]
	ascq := sense[13]

	switch senseKey {
	case 0x06: // UNIT ATTENTION
		return tapeerr.New(tapeerr.NotReady, "unit attention")
	case 0x02: // NOT READY
		if asc == 0x04 { // becoming ready / in progress
			return tapeerr.New(tapeerr.NotReady, "logical unit not ready, becoming ready")
		}
		return tapeerr.New(tapeerr.NotReady, fmt.Sprintf("not ready (asc=0x%02x ascq=0x%02x)", asc, ascq))
	case 0x07: // DATA PROTECT
		return tapeerr.New(tapeerr.WriteProtected, "data protect")
	case 0x03: // MEDIUM ERROR
		if asc == 0x00 && ascq == 0x02 {
			return tapeerr.New(tapeerr.EndOfMedium, "end-of-partition/medium detected")
		}
		return tapeerr.New(tapeerr.MediumError, fmt.Sprintf("medium error (asc=0x%02x ascq=0x%02x)", asc, ascq))
	case 0x04: // HARDWARE ERROR
		return tapeerr.New(tapeerr.HardwareError, "hardware error")
	case 0x05: // ILLEGAL REQUEST
		return tapeerr.New(tapeerr.InvalidCommand, "illegal request")
	case 0x08: // BLANK CHECK -- often end of data on read
		return tapeerr.New(tapeerr.MediumError, "blank check")
	default:
		if asc == 0x00 && ascq == 0x02 {
			return tapeerr.New(tapeerr.EndOfMedium, "end-of-partition/medium detected")
		}
		return tapeerr.New(tapeerr.HardwareError, fmt.Sprintf("sense key 0x%02x (asc=0x%02x ascq=0x%02x)", senseKey, asc, ascq))
	}
}

func cdb6(opcode byte) []byte  { b := make([]byte, 6); b[0] = opcode; return b }
func cdb10(opcode byte) []byte { b := make([]byte, 10); b[0] = opcode; return b }

// put24 writes a 24-bit two's-complement big-endian count into
// cdb[off:off+3], the layout used by SPACE, WRITE FILEMARKS and similar
// 6-byte tape CDBs (negative counts mean "reverse direction").
func put24(cdb []byte, off int, v int32) {
	u := uint32(v) & 0xFFFFFF
	cdb[off] = byte(u >> 16)
	cdb[off+1] = byte(u >> 8)
	cdb[off+2] = byte(u)
}
