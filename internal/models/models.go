// Package models defines the persisted entities of the tape-backup core:
// cartridges, tasks, plans and the append-only log records. Column types
// are the persistence layer's concern; these are semantic records matching
// the struct-tag-driven manual-scan convention used throughout this codebase
// (no ORM).
package models

import (
	"strings"
	"time"
)

// CartridgeStatus is the tape state machine's observable status.
type CartridgeStatus string

const (
	CartridgeIdle    CartridgeStatus = "idle"
	CartridgeMounted CartridgeStatus = "mounted"
	CartridgeWriting CartridgeStatus = "writing"
	CartridgeFull    CartridgeStatus = "full"
	CartridgeExpired CartridgeStatus = "expired"
	CartridgeErrored CartridgeStatus = "errored"
)

// LTOCapacities maps LTO generation to native capacity in bytes.
var LTOCapacities = map[string]int64{
	"LTO-1":  100000000000,
	"LTO-2":  200000000000,
	"LTO-3":  400000000000,
	"LTO-4":  800000000000,
	"LTO-5":  1500000000000,
	"LTO-6":  2500000000000,
	"LTO-7":  6000000000000,
	"LTO-8":  12000000000000,
	"LTO-9":  18000000000000,
	"LTO-10": 36000000000000,
}

// DensityToLTOType maps SCSI density codes (as returned by MODE SENSE /
// READ BLOCK LIMITS) to an LTO generation string.
var DensityToLTOType = map[string]string{
	"0x40": "LTO-1",
	"0x42": "LTO-2",
	"0x44": "LTO-3",
	"0x46": "LTO-4",
	"0x58": "LTO-5",
	"0x5a": "LTO-6",
	"0x5c": "LTO-7",
	"0x5d": "LTO-7", // LTO-7 Type M
	"0x5e": "LTO-8",
	"0x60": "LTO-9",
	"0x62": "LTO-10",
}

// LTOTypeFromDensity resolves a hex density code like "0x58" to an LTO
// generation string.
func LTOTypeFromDensity(densityCode string) (string, bool) {
	ltoType, ok := DensityToLTOType[strings.ToLower(densityCode)]
	return ltoType, ok
}

// TapeCartridge identifies a physical cartridge. tape_id is opaque and
// equals the label at creation time; label is the live TPYYYYMMNN value and
// may be rewritten on reformat.
type TapeCartridge struct {
	ID             int64           `json:"id" db:"id"`
	TapeID         string          `json:"tape_id" db:"tape_id"`
	Label          string          `json:"label" db:"label"`
	Type           string          `json:"type" db:"type"` // LTO generation or "3592"
	CapacityBytes  int64           `json:"capacity_bytes" db:"capacity_bytes"`
	UsedBytes      int64           `json:"used_bytes" db:"used_bytes"`
	Location       string          `json:"location" db:"location"` // library slot, or "drive"
	ManufacturedOn *time.Time      `json:"manufactured_on" db:"manufactured_on"`
	ExpiresOn      *time.Time      `json:"expires_on" db:"expires_on"`
	Status         CartridgeStatus `json:"status" db:"status"`
	LastHealth     string          `json:"last_health" db:"last_health"` // opaque diagnostic blob
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// TaskKind is the backup kind a BackupTask executes.
type TaskKind string

const (
	TaskFull         TaskKind = "full"
	TaskIncremental  TaskKind = "incremental"
	TaskDifferential TaskKind = "differential"
)

// TaskState is the BackupTask lifecycle state. Transitions are monotone in
// {Pending} < {Running} < {Succeeded, Failed, Cancelled}, except the
// allowed shortcut Pending -> Cancelled.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// BackupTask is one execution of one plan (or an ad-hoc run).
type BackupTask struct {
	ID           int64      `json:"id" db:"id"`
	TaskID       string     `json:"task_id" db:"task_id"`
	PlanID       *int64     `json:"plan_id" db:"plan_id"`
	Kind         TaskKind   `json:"kind" db:"kind"`
	State        TaskState  `json:"state" db:"state"`
	TapeID       *int64     `json:"tape_id" db:"tape_id"`
	SourceRoots  string     `json:"source_roots" db:"source_roots"` // JSON array
	StartedAt    *time.Time `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	BytesWritten int64      `json:"bytes_written" db:"bytes_written"`
	FilesWritten int64      `json:"files_written" db:"files_written"`
	ArchiveName  string     `json:"archive_name" db:"archive_name"`
	ErrorKind    string     `json:"error_kind" db:"error_kind"`
	ErrorText    string     `json:"error_text" db:"error_text"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether state is one of the terminal states.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// BackupPlan is declarative recurring intent.
type BackupPlan struct {
	ID              int64      `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	Schedule        string     `json:"schedule" db:"schedule"` // cron expression, 5 or 6 field
	Kind            TaskKind   `json:"kind" db:"kind"`
	SourceRoots     string     `json:"source_roots" db:"source_roots"` // JSON array
	RetentionMonths int        `json:"retention_months" db:"retention_months"`
	Enabled         bool       `json:"enabled" db:"enabled"`
	LastFireAt      *time.Time `json:"last_fire_at" db:"last_fire_at"`
	NextFireAt      *time.Time `json:"next_fire_at" db:"next_fire_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// OperationLog is an append-only record of a notable action and its outcome.
type OperationLog struct {
	ID        int64     `json:"id" db:"id"`
	Timestamp time.Time `json:"ts" db:"ts"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	Target    string    `json:"target" db:"target"`
	Outcome   string    `json:"outcome" db:"outcome"`
	Details   string    `json:"details" db:"details"` // JSON
}

// SystemLog is an append-only free-text log record.
type SystemLog struct {
	ID        int64     `json:"id" db:"id"`
	Timestamp time.Time `json:"ts" db:"ts"`
	Level     string    `json:"level" db:"level"`
	Component string    `json:"component" db:"component"`
	Message   string    `json:"message" db:"message"`
}

// DriveStatus is the observable status of a physical tape drive binding.
type DriveStatus string

const (
	DriveStatusReady   DriveStatus = "ready"
	DriveStatusBusy    DriveStatus = "busy"
	DriveStatusOffline DriveStatus = "offline"
	DriveStatusError   DriveStatus = "error"
)

// TapeDrive is the configured physical drive the core addresses. Exactly
// one drive is driven per process; concurrent multi-drive orchestration is
// out of scope.
type TapeDrive struct {
	ID           int64       `json:"id" db:"id"`
	DevicePath   string      `json:"device_path" db:"device_path"`
	Interface    string      `json:"interface" db:"interface"` // "scsi" or "itdt"
	DisplayName  string      `json:"display_name" db:"display_name"`
	Vendor       string      `json:"vendor" db:"vendor"`
	SerialNumber string      `json:"serial_number" db:"serial_number"`
	Model        string      `json:"model" db:"model"`
	Status       DriveStatus `json:"status" db:"status"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// EncryptionKey is an opaquely-supplied key blob record used only to toggle
// drive-level hardware encryption; the core never generates or manages
// cryptographic key material itself.
type EncryptionKey struct {
	ID             int64     `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Algorithm      string    `json:"algorithm" db:"algorithm"`
	KeyFingerprint string    `json:"key_fingerprint" db:"key_fingerprint"`
	Description    string    `json:"description" db:"description"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
