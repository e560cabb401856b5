package tapedevice

import (
	"testing"
	"time"

	"github.com/tapevault/tapebackarr/internal/tapeerr"
	"github.com/tapevault/tapebackarr/internal/transport"
)

// fakeTransport is a scriptable transport.Transport for exercising Device's
// retry policy without any real hardware or child process.
type fakeTransport struct {
	readyErrs    []error
	readyCalls   int
	positionErrs []error
	positionCalls int
	position     transport.Position

	loadCalls int
	loadErr   error
}

func (f *fakeTransport) Ready() (bool, error) {
	i := f.readyCalls
	f.readyCalls++
	if i < len(f.readyErrs) && f.readyErrs[i] != nil {
		return false, f.readyErrs[i]
	}
	return true, nil
}

func (f *fakeTransport) Load() error {
	f.loadCalls++
	return f.loadErr
}

func (f *fakeTransport) Unload() error                                  { return nil }
func (f *fakeTransport) Rewind() error                                  { return nil }
func (f *fakeTransport) Erase(short bool) error                         { return nil }
func (f *fakeTransport) Format(label string, immediate, verify bool) error { return nil }
func (f *fakeTransport) WriteFile(localPath string) error               { return nil }
func (f *fakeTransport) ReadFile(remotePath, localPath string) error    { return nil }
func (f *fakeTransport) WriteFilemark(count int) error                  { return nil }
func (f *fakeTransport) SpaceFilemarks(n int) error                     { return nil }
func (f *fakeTransport) SpaceRecords(n int) error                       { return nil }

func (f *fakeTransport) Position() (transport.Position, error) {
	i := f.positionCalls
	f.positionCalls++
	if i < len(f.positionErrs) && f.positionErrs[i] != nil {
		return transport.Position{}, f.positionErrs[i]
	}
	return f.position, nil
}

func (f *fakeTransport) DeviceInfo() (transport.DeviceInfo, error) { return transport.DeviceInfo{}, nil }
func (f *fakeTransport) TapeAlert() ([]transport.AlertCode, error) { return nil, nil }
func (f *fakeTransport) PerformanceCounters() (transport.PerformanceCounters, error) {
	return transport.PerformanceCounters{}, nil
}
func (f *fakeTransport) SetEncryption(enabled bool, keyBlob []byte) error { return nil }
func (f *fakeTransport) SetWorm(enabled bool) error                      { return nil }
func (f *fakeTransport) Scan() ([]transport.DeviceDescriptor, error)     { return nil, nil }
func (f *fakeTransport) Close() error                                    { return nil }

func newTestDevice(ft *fakeTransport) *Device {
	d := New(ft)
	d.sleep = func(time.Duration) {} // no real delay in tests
	return d
}

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	ft := &fakeTransport{
		loadErr: tapeerr.New(tapeerr.Busy, "drive busy"),
	}
	// fail twice then succeed
	calls := 0
	orig := ft.loadErr
	d := newTestDevice(ft)
	d.t = transportFunc{
		Transport: ft,
		loadFn: func() error {
			calls++
			if calls < 3 {
				return orig
			}
			return nil
		},
	}

	if err := d.Load(); err != nil {
		t.Fatalf("Load() = %v, want nil after retries", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	ft := &fakeTransport{}
	calls := 0
	d := newTestDevice(ft)
	d.t = transportFunc{
		Transport: ft,
		loadFn: func() error {
			calls++
			return tapeerr.New(tapeerr.Timeout, "still timing out")
		},
	}

	err := d.Load()
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != retryMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", retryMaxAttempts, calls)
	}
}

func TestPermanentErrorSurfacesImmediately(t *testing.T) {
	ft := &fakeTransport{}
	calls := 0
	d := newTestDevice(ft)
	d.t = transportFunc{
		Transport: ft,
		loadFn: func() error {
			calls++
			return tapeerr.New(tapeerr.WriteProtected, "cartridge is write protected")
		},
	}

	err := d.Load()
	if !tapeerr.Is(err, tapeerr.WriteProtected) {
		t.Fatalf("Load() = %v, want WriteProtected", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error should not retry, got %d attempts", calls)
	}
}

func TestPositionPreservedAcrossRetryFailure(t *testing.T) {
	ft := &fakeTransport{
		position: transport.Position{Partition: 0, LogicalBlock: 42, AtBOP: false},
	}
	d := newTestDevice(ft)

	pos, err := d.Position()
	if err != nil {
		t.Fatalf("Position() unexpected error: %v", err)
	}
	if pos.LogicalBlock != 42 {
		t.Fatalf("LogicalBlock = %d, want 42", pos.LogicalBlock)
	}

	// Now make Position fail permanently; Device should fall back to the
	// last-known position rather than zero it out.
	failing := transportFunc{
		Transport: ft,
		positionFn: func() (transport.Position, error) {
			return transport.Position{}, tapeerr.New(tapeerr.HardwareError, "bus reset")
		},
	}
	d.t = failing

	pos2, err := d.Position()
	if err == nil {
		t.Fatal("expected error from failing Position call")
	}
	if pos2.LogicalBlock != 42 {
		t.Fatalf("Position() on failure = %+v, want preserved last-known LogicalBlock=42", pos2)
	}
}

func TestWaitForReadyTimesOut(t *testing.T) {
	ft := &fakeTransport{
		readyErrs: nil, // Ready() always reports false (because fakeTransport defaults ready=true on no-err; override below)
	}
	d := newTestDevice(ft)
	d.t = transportFunc{
		Transport: ft,
		readyFn:   func() (bool, error) { return false, nil },
	}

	err := d.WaitForReady(10*time.Millisecond, 2*time.Millisecond)
	if !tapeerr.Is(err, tapeerr.NotReady) {
		t.Fatalf("WaitForReady() = %v, want NotReady on deadline", err)
	}
}

func TestWaitForReadySucceeds(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDevice(ft)

	if err := d.WaitForReady(time.Second, time.Millisecond); err != nil {
		t.Fatalf("WaitForReady() = %v, want nil", err)
	}
}

// transportFunc lets individual tests override one or two methods of an
// embedded fakeTransport without redeclaring the whole interface.
type transportFunc struct {
	transport.Transport
	loadFn     func() error
	readyFn    func() (bool, error)
	positionFn func() (transport.Position, error)
}

func (t transportFunc) Load() error {
	if t.loadFn != nil {
		return t.loadFn()
	}
	return t.Transport.Load()
}

func (t transportFunc) Ready() (bool, error) {
	if t.readyFn != nil {
		return t.readyFn()
	}
	return t.Transport.Ready()
}

func (t transportFunc) Position() (transport.Position, error) {
	if t.positionFn != nil {
		return t.positionFn()
	}
	return t.Transport.Position()
}
