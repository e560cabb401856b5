// Package tapesession enforces exactly one logical writer on the physical
// tape transport at any time and mediates the cartridge state machine. It
// follows a sync.Mutex-guarded-struct-plus-defer-release discipline,
// generalized from a single ad-hoc lock into an explicit scoped-acquisition
// API.
package tapesession

import (
	"fmt"
	"sync"
	"time"

	"github.com/tapevault/tapebackarr/internal/models"
	"github.com/tapevault/tapebackarr/internal/tapeerr"
)

// Reason identifies why a caller wants the session.
type Reason struct {
	Kind   string // "backup", "format", "diagnostic", "retention"
	TaskID string
	Label  string
}

func BackupReason(taskID string) Reason     { return Reason{Kind: "backup", TaskID: taskID} }
func FormatReason(label string) Reason      { return Reason{Kind: "format", Label: label} }
func DiagnosticReason() Reason              { return Reason{Kind: "diagnostic"} }
func RetentionReason() Reason               { return Reason{Kind: "retention"} }

func (r Reason) String() string {
	switch r.Kind {
	case "backup":
		return fmt.Sprintf("Backup{%s}", r.TaskID)
	case "format":
		return fmt.Sprintf("Format{%s}", r.Label)
	default:
		return r.Kind
	}
}

// BusyError reports a failed acquisition attempt, carrying the current
// holder's reason and when it acquired the session.
type BusyError struct {
	CurrentHolder Reason
	Since         time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("tape session busy: held by %s since %s", e.CurrentHolder, e.Since.Format(time.RFC3339))
}

// Session is the single-writer state machine guarding the physical tape
// transport. The zero value is not usable; construct with New.
type Session struct {
	mu sync.Mutex

	held   bool
	holder Reason
	since  time.Time

	status models.CartridgeStatus
}

// New returns a Session with the cartridge initially Idle.
func New() *Session {
	return &Session{status: models.CartridgeIdle}
}

// Handle is the scoped resource returned by Acquire. Callers must defer
// Release immediately upon a successful Acquire.
type Handle struct {
	s        *Session
	released bool
}

// Acquire attempts to take exclusive ownership of the session for reason.
// On success it returns a Handle whose Release must be deferred by the
// caller on every exit path (success, error, cancellation). On failure it
// returns a *BusyError naming the current holder.
func (s *Session) Acquire(reason Reason) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held {
		return nil, &BusyError{CurrentHolder: s.holder, Since: s.since}
	}

	s.held = true
	s.holder = reason
	s.since = time.Now()
	return &Handle{s: s}, nil
}

// Release returns the session to the free state. Idempotent: calling it
// more than once (e.g. once explicitly and once via a deferred call) is a
// no-op after the first invocation.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true

	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.held = false
	h.s.holder = Reason{}
}

// legalTransitions enumerates the cartridge state machine's edges:
// Idle<->Mounted<->Writing plus the terminal/sweep edges.
var legalTransitions = map[models.CartridgeStatus]map[models.CartridgeStatus]bool{
	models.CartridgeIdle: {
		models.CartridgeMounted: true,
	},
	models.CartridgeMounted: {
		models.CartridgeIdle:    true, // unload()
		models.CartridgeWriting: true, // writer start
		models.CartridgeExpired: true, // retention sweep
	},
	models.CartridgeWriting: {
		models.CartridgeMounted: true, // success, back to mounted
		models.CartridgeErrored: true, // fatal error
		models.CartridgeFull:    true, // end of medium
	},
}

// Transition enforces the cartridge state machine, rejecting any edge not
// explicitly present in legalTransitions (e.g. Idle->Writing without first
// passing through Mounted).
func (h *Handle) Transition(to models.CartridgeStatus) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	from := h.s.status
	if from == to {
		return nil
	}
	if edges, ok := legalTransitions[from]; ok && edges[to] {
		h.s.status = to
		return nil
	}
	return tapeerr.New(tapeerr.ConfigError, fmt.Sprintf("illegal cartridge state transition %s -> %s", from, to))
}

// Status returns the cartridge's current state-machine status.
func (s *Session) Status() models.CartridgeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Retire forces the Idle/Mounted -> Expired edge used by the retention
// sweep, which does not itself hold the session for a write (this edge
// runs directly from {Idle, Mounted}, bypassing Acquire/Release since no
// transport I/O is involved).
func (s *Session) Retire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case models.CartridgeIdle, models.CartridgeMounted:
		s.status = models.CartridgeExpired
		return nil
	default:
		return tapeerr.New(tapeerr.ConfigError, fmt.Sprintf("cannot retire cartridge from status %s", s.status))
	}
}
