// Package itdttransport implements transport.Transport by spawning the IBM
// Tape Diagnostic Tool (ITDT) as a child process per call and parsing its
// line-oriented stdout. The exec.Cmd/exit-code/stderr handling follows the
// same pattern as internal/cmdutil.ErrorDetail (the shared helper for
// extracting exit-code and stderr text from exec.ExitError), generalized
// here into a fixed error-substring table that classifies ITDT's textual
// failures into the shared tapeerr taxonomy instead of returning opaque
// strings.
package itdttransport

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tapevault/tapebackarr/internal/tapeerr"
	"github.com/tapevault/tapebackarr/internal/transport"
)

// Transport wraps the itdt binary for a single device path.
type Transport struct {
	itdtPath   string
	devicePath string
	timeout    time.Duration
}

// New returns an ItdtTransport addressing devicePath via the itdt binary at
// itdtPath ("itdt" resolved from PATH if empty).
func New(itdtPath, devicePath string) *Transport {
	if itdtPath == "" {
		itdtPath = "itdt"
	}
	return &Transport{itdtPath: itdtPath, devicePath: devicePath, timeout: transport.DefaultTimeout}
}

func (t *Transport) Close() error { return nil }

// errorTable maps fixed ITDT stderr/stdout substrings to taxonomy kinds,
// checked in order (first match wins).
var errorTable = []struct {
	substr string
	kind   tapeerr.Kind
}{
	{"Device not ready", tapeerr.NotReady},
	{"Medium not present", tapeerr.NotReady},
	{"not ready", tapeerr.NotReady},
	{"Write protected", tapeerr.WriteProtected},
	{"write protected", tapeerr.WriteProtected},
	{"Invalid command", tapeerr.InvalidCommand},
	{"invalid parameter", tapeerr.InvalidCommand},
	{"Medium error", tapeerr.MediumError},
	{"End of medium", tapeerr.EndOfMedium},
	{"end of medium", tapeerr.EndOfMedium},
	{"Hardware error", tapeerr.HardwareError},
	{"device not found", tapeerr.DeviceUnavailable},
	{"cannot open", tapeerr.DeviceUnavailable},
}

// run executes `itdt -f <device> [args...]` with a scoped timeout, killing
// the child on expiry, and classifies any non-zero exit via errorTable.
func (t *Transport) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	fullArgs := append([]string{"-f", t.devicePath}, args...)
	cmd := exec.CommandContext(ctx, t.itdtPath, fullArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", tapeerr.New(tapeerr.Timeout, fmt.Sprintf("itdt %s timed out", strings.Join(args, " ")))
	}
	if err != nil {
		combined := stdout.String() + "\n" + stderr.String()
		for _, e := range errorTable {
			if strings.Contains(combined, e.substr) {
				return "", tapeerr.Wrap(e.kind, strings.TrimSpace(combined), err)
			}
		}
		return "", tapeerr.Wrap(tapeerr.HardwareError, exitDetail(err, &stderr), err)
	}

	return stdout.String(), nil
}

// exitDetail mirrors cmdutil.ErrorDetail: prefer the captured stderr buffer,
// fall back to exec.ExitError's own Stderr field.
func exitDetail(err error, stderr *bytes.Buffer) string {
	var exitErr *exec.ExitError
	if ee, ok := err.(*exec.ExitError); ok {
		exitErr = ee
	}
	if exitErr == nil {
		return err.Error()
	}
	detail := fmt.Sprintf("exit code %d", exitErr.ExitCode())
	text := strings.TrimSpace(stderr.String())
	if text == "" {
		text = strings.TrimSpace(string(exitErr.Stderr))
	}
	if text != "" {
		detail += ": " + text
	}
	return detail
}

func (t *Transport) Ready() (bool, error) {
	_, err := t.run("tur")
	if err == nil {
		return true, nil
	}
	if tapeerr.Is(err, tapeerr.NotReady) {
		return false, nil
	}
	return false, err
}

func (t *Transport) Load() error {
	_, err := t.run("load")
	return err
}

func (t *Transport) Unload() error {
	_, err := t.run("unload")
	return err
}

func (t *Transport) Rewind() error {
	_, err := t.run("rewind")
	return err
}

func (t *Transport) Erase(short bool) error {
	args := []string{"erase"}
	if short {
		args = append(args, "-short")
	}
	_, err := t.run(args...)
	return err
}

func (t *Transport) Format(label string, immediate, verify bool) error {
	args := []string{"formattape"}
	if immediate {
		args = append(args, "-immed")
	}
	if verify {
		args = append(args, "-verify")
	}
	_, err := t.run(args...)
	return err
}

func (t *Transport) WriteFile(localPath string) error {
	_, err := t.run("write", "-s", localPath)
	return err
}

func (t *Transport) ReadFile(remotePath, localPath string) error {
	_, err := t.run("read", "-d", localPath)
	return err
}

func (t *Transport) WriteFilemark(count int) error {
	_, err := t.run("weof", strconv.Itoa(count))
	return err
}

func (t *Transport) SpaceFilemarks(n int) error {
	if n >= 0 {
		_, err := t.run("fsf", strconv.Itoa(n))
		return err
	}
	_, err := t.run("bsf", strconv.Itoa(-n))
	return err
}

func (t *Transport) SpaceRecords(n int) error {
	if n >= 0 {
		_, err := t.run("fsr", strconv.Itoa(n))
		return err
	}
	_, err := t.run("bsr", strconv.Itoa(-n))
	return err
}

var positionRe = regexp.MustCompile(`[Pp]artition[:\s]+(\d+).*[Bb]lock[:\s]+(\d+)`)

func (t *Transport) Position() (transport.Position, error) {
	out, err := t.run("qrypos")
	if err != nil {
		return transport.Position{}, err
	}

	pos := transport.Position{
		AtBOP: strings.Contains(out, "BOP") || strings.Contains(out, "BOT"),
		AtEOP: strings.Contains(out, "EOP") || strings.Contains(out, "EOM"),
	}
	if m := positionRe.FindStringSubmatch(out); m != nil {
		pos.Partition, _ = strconv.Atoi(m[1])
		block, _ := strconv.ParseInt(m[2], 10, 64)
		pos.LogicalBlock = block
	}
	return pos, nil
}

var devinfoFieldRe = regexp.MustCompile(`(?m)^\s*([A-Za-z ]+?)\s*[:=]\s*(.+?)\s*$`)

func (t *Transport) DeviceInfo() (transport.DeviceInfo, error) {
	out, err := t.run("devinfo")
	if err != nil {
		return transport.DeviceInfo{}, err
	}

	info := transport.DeviceInfo{}
	for _, m := range devinfoFieldRe.FindAllStringSubmatch(out, -1) {
		key := strings.ToLower(strings.TrimSpace(m[1]))
		val := strings.TrimSpace(m[2])
		switch {
		case strings.Contains(key, "vendor"):
			info.Vendor = val
		case strings.Contains(key, "product"):
			info.Product = val
		case strings.Contains(key, "firmware") || strings.Contains(key, "revision"):
			info.Firmware = val
		case strings.Contains(key, "serial"):
			info.Serial = val
		}
	}
	return info, nil
}

func (t *Transport) TapeAlert() ([]transport.AlertCode, error) {
	out, err := t.run("logsense")
	if err != nil {
		return nil, err
	}
	// ITDT logsense/modesense pages are treated as opaque diagnostic
	// passthroughs: each output line mentioning "alert" is surfaced as an
	// AlertCode equal to its line index, without interpreting individual
	// field semantics.
	var alerts []transport.AlertCode
	for i, line := range strings.Split(out, "\n") {
		if strings.Contains(strings.ToLower(line), "alert") {
			alerts = append(alerts, transport.AlertCode(i))
		}
	}
	return alerts, nil
}

func (t *Transport) PerformanceCounters() (transport.PerformanceCounters, error) {
	out, err := t.run("devinfo")
	if err != nil {
		return transport.PerformanceCounters{}, err
	}
	var pc transport.PerformanceCounters
	for _, m := range devinfoFieldRe.FindAllStringSubmatch(out, -1) {
		key := strings.ToLower(strings.TrimSpace(m[1]))
		val := strings.TrimSpace(m[2])
		switch {
		case strings.Contains(key, "mount"):
			pc.Mounts, _ = strconv.ParseInt(val, 10, 64)
		case strings.Contains(key, "written"):
			pc.MBWritten, _ = strconv.ParseInt(val, 10, 64)
		case strings.Contains(key, "read"):
			pc.MBRead, _ = strconv.ParseInt(val, 10, 64)
		}
	}
	return pc, nil
}

// SetEncryption is not supported over the ITDT backend: spec.md's ITDT
// subcommand vocabulary is closed ("exactly: scan, tur, load, unload,
// rewind, erase, formattape, write, read, weof, fsf|fsr|bsf|bsr, qrypos,
// devinfo, inquiry, logsense, vpd, qrypath") and has no setencryption
// member. Deployments needing drive-level encryption toggling must select
// the SCSI backend, whose MODE SELECT-based SetEncryption stays inside the
// documented CDB set.
func (t *Transport) SetEncryption(enabled bool, keyBlob []byte) error {
	return tapeerr.New(tapeerr.ConfigError, "SetEncryption is not supported over the ITDT transport; use the scsi interface")
}

// SetWorm is not supported over the ITDT backend for the same reason as
// SetEncryption: "setworm" is not a member of spec.md's closed ITDT
// subcommand vocabulary.
func (t *Transport) SetWorm(enabled bool) error {
	return tapeerr.New(tapeerr.ConfigError, "SetWorm is not supported over the ITDT transport; use the scsi interface")
}

// scanLineRe matches ITDT's fixed "scan" output grammar:
// #N <device-file> - [<product-id>]-[<firmware>] S/N:<serial> H<h>-B<b>-T<t>-L<l> [Changer:<chgsn>] (IBM-Device|Generic-Device)
var scanLineRe = regexp.MustCompile(`^#\d+\s+(\S+)\s+-\s+\[([^\]]*)\]-\[([^\]]*)\]\s+S/N:(\S+)\s+H(\d+)-B(\d+)-T(\d+)-L(\d+)`)

func (t *Transport) Scan() ([]transport.DeviceDescriptor, error) {
	out, err := t.run("scan")
	if err != nil {
		return nil, err
	}

	var descriptors []transport.DeviceDescriptor
	for _, line := range strings.Split(out, "\n") {
		m := scanLineRe.FindStringSubmatch(line)
		if m == nil {
			continue // unknown lines ignored
		}
		descriptors = append(descriptors, transport.DeviceDescriptor{
			Path:     m[1],
			Product:  m[2],
			Rev:      m[3],
			Serial:   m[4],
			ScsiAddr: fmt.Sprintf("H%s-B%s-T%s-L%s", m[5], m[6], m[7], m[8]),
		})
	}
	return descriptors, nil
}
