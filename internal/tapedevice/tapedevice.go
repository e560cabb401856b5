// Package tapedevice exposes a stable tape operation vocabulary over
// whichever transport.Transport backend was configured at startup
// (ScsiTransport or ItdtTransport), adding the shared retry policy for
// transient errors that both backends must honor identically.
package tapedevice

import (
	"math/rand"
	"time"

	"github.com/tapevault/tapebackarr/internal/tapeerr"
	"github.com/tapevault/tapebackarr/internal/transport"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryCapDelay  = 8 * time.Second
	retryMaxAttempts = 5
)

// Device is the polymorphic tape handle; it never branches on which
// transport backend is wired in.
type Device struct {
	t       transport.Transport
	lastPos *transport.Position
	sleep   func(time.Duration) // overridable for tests
}

// New wraps an already-constructed transport (either *scsitransport.Transport
// or *itdttransport.Transport, both satisfying transport.Transport).
func New(t transport.Transport) *Device {
	return &Device{t: t, sleep: time.Sleep}
}

// withRetry runs op, retrying transient taxonomy kinds (NotReady, Busy,
// Timeout -- the UNIT ATTENTION / NOT READY-becoming-ready / BUSY sense
// classes) with bounded exponential backoff: base 500ms, cap 8s, up to 5
// attempts, before surfacing. Permanent errors (WriteProtected,
// MediumError, HardwareError, ...) surface immediately.
func (d *Device) withRetry(op func() error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		kind, ok := tapeerr.KindOf(err)
		if !ok || !kind.Transient() {
			return err
		}

		if attempt == retryMaxAttempts-1 {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(delay) / 4+1))
		d.sleep(delay + jitter)
		delay *= 2
		if delay > retryCapDelay {
			delay = retryCapDelay
		}
	}
	return lastErr
}

func (d *Device) Ready() (ready bool, err error) {
	err = d.withRetry(func() error {
		var rerr error
		ready, rerr = d.t.Ready()
		return rerr
	})
	return ready, err
}

func (d *Device) Load() error {
	return d.withRetry(d.t.Load)
}

func (d *Device) Unload() error {
	err := d.withRetry(d.t.Unload)
	if err == nil {
		d.lastPos = nil
	}
	return err
}

func (d *Device) Rewind() error {
	err := d.withRetry(d.t.Rewind)
	if err == nil {
		d.lastPos = &transport.Position{AtBOP: true}
	}
	return err
}

func (d *Device) Erase(short bool) error {
	return d.withRetry(func() error { return d.t.Erase(short) })
}

// Format performs the rewind+erase(short=true) portion of spec.md's
// "rewind -> erase(short=true) -> write LTFS volume header with label"
// decomposition via the wired transport backend. The LTFS header write
// itself is the caller's responsibility (backupengine.Engine.formatAndMountLTFS
// invokes it immediately afterward) since it needs tape.LTFSService's
// mkltfs/ltfs process management, which this package does not itself own.
func (d *Device) Format(label string, immediate, verify bool) error {
	return d.withRetry(func() error { return d.t.Format(label, immediate, verify) })
}

func (d *Device) WriteFile(localPath string) error {
	return d.withRetry(func() error { return d.t.WriteFile(localPath) })
}

func (d *Device) ReadFile(remotePath, localPath string) error {
	return d.withRetry(func() error { return d.t.ReadFile(remotePath, localPath) })
}

func (d *Device) WriteFilemark(count int) error {
	return d.withRetry(func() error { return d.t.WriteFilemark(count) })
}

func (d *Device) SpaceFilemarks(n int) error {
	return d.withRetry(func() error { return d.t.SpaceFilemarks(n) })
}

func (d *Device) SpaceRecords(n int) error {
	return d.withRetry(func() error { return d.t.SpaceRecords(n) })
}

// Position returns the drive's current position, preserving the
// last-known value across retries rather than returning a zeroed position
// on a transient failure.
func (d *Device) Position() (transport.Position, error) {
	var pos transport.Position
	err := d.withRetry(func() error {
		var perr error
		pos, perr = d.t.Position()
		return perr
	})
	if err != nil {
		if d.lastPos != nil {
			return *d.lastPos, err
		}
		return transport.Position{}, err
	}
	d.lastPos = &pos
	return pos, nil
}

func (d *Device) DeviceInfo() (transport.DeviceInfo, error) {
	var info transport.DeviceInfo
	err := d.withRetry(func() error {
		var ierr error
		info, ierr = d.t.DeviceInfo()
		return ierr
	})
	return info, err
}

func (d *Device) TapeAlert() ([]transport.AlertCode, error) {
	var alerts []transport.AlertCode
	err := d.withRetry(func() error {
		var aerr error
		alerts, aerr = d.t.TapeAlert()
		return aerr
	})
	return alerts, err
}

func (d *Device) PerformanceCounters() (transport.PerformanceCounters, error) {
	var pc transport.PerformanceCounters
	err := d.withRetry(func() error {
		var perr error
		pc, perr = d.t.PerformanceCounters()
		return perr
	})
	return pc, err
}

func (d *Device) SetEncryption(enabled bool, keyBlob []byte) error {
	return d.withRetry(func() error { return d.t.SetEncryption(enabled, keyBlob) })
}

func (d *Device) SetWorm(enabled bool) error {
	return d.withRetry(func() error { return d.t.SetWorm(enabled) })
}

func (d *Device) Scan() ([]transport.DeviceDescriptor, error) {
	return d.t.Scan()
}

func (d *Device) Close() error {
	return d.t.Close()
}

// WaitForReady polls Ready with the given poll interval until it reports
// true or the bounded deadline elapses.
func (d *Device) WaitForReady(deadline time.Duration, pollEvery time.Duration) error {
	start := time.Now()
	for {
		ready, err := d.Ready()
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if time.Since(start) >= deadline {
			return tapeerr.New(tapeerr.NotReady, "drive did not become ready within deadline")
		}
		d.sleep(pollEvery)
	}
}
