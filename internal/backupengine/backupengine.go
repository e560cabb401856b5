// Package backupengine executes a single BackupTask end-to-end under an
// exclusive tape session: preconditions, optional format, archive streaming,
// and finalization. The job-protocol shape (acquire -> load -> ready-poll ->
// stream -> finalize -> unconditional release) is structured around
// TapeSession's scoped-acquisition handle rather than a service-wide mutex
// plus manual cancelFuncs/pauseFlags maps.
package backupengine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tapevault/tapebackarr/internal/archivewriter"
	"github.com/tapevault/tapebackarr/internal/logging"
	"github.com/tapevault/tapebackarr/internal/models"
	"github.com/tapevault/tapebackarr/internal/notifications"
	"github.com/tapevault/tapebackarr/internal/tape"
	"github.com/tapevault/tapebackarr/internal/tapedevice"
	"github.com/tapevault/tapebackarr/internal/tapeerr"
	"github.com/tapevault/tapebackarr/internal/tapesession"
	"github.com/tapevault/tapebackarr/internal/volumelabel"
)

const (
	readyPollDeadline = 60 * time.Second
	readyPollInterval = 2 * time.Second
	progressInterval  = 5 * time.Second
)

// Store is the narrow persistence port BackupEngine depends on; a full
// internal/database implementation satisfies this alongside the rest of the
// operations the service layer needs.
type Store interface {
	ListKnownLabels() ([]string, error)
	UpdateCartridgeLabel(tapeID int64, label string) error
	SaveTask(task *models.BackupTask) error
	RecordOperationLog(entry models.OperationLog) error
}

// Engine runs BackupTasks against one physical drive guarded by a
// TapeSession. Exactly one Engine exists per process; concurrent
// multi-drive orchestration is out of scope.
type Engine struct {
	Device       *tapedevice.Device
	Session      *tapesession.Session
	Store        Store
	Sender       notifications.Sender
	Logger       *logging.Logger
	LTFS         *tape.LTFSService // mounts/formats the filesystem ArchiveWriter writes into; nil skips LTFS steps (tests against a fake transport)
	MountPath    string            // LTFS mount point the archive is written under
	GzipArchives bool
}

// Run executes task against cartridge end-to-end through the ordered job
// protocol (acquire, load, ready-poll, stream, finalize), returning the
// terminal error (if any). The caller is expected to have already loaded
// cartridge and task from the persistence port; Run mutates both in place
// and persists them via Store.
func (e *Engine) Run(ctx context.Context, task *models.BackupTask, cartridge *models.TapeCartridge) error {
	now := time.Now().UTC()

	// Step 1: Pending -> Running.
	task.State = models.TaskRunning
	task.StartedAt = &now
	if err := e.Store.SaveTask(task); err != nil {
		return tapeerr.Wrap(tapeerr.HardwareError, "persist task start", err)
	}

	// Step 2: acquire the exclusive session.
	handle, err := e.Session.Acquire(tapesession.BackupReason(task.TaskID))
	if err != nil {
		e.fail(task, tapeerr.Busy, err.Error())
		return err
	}
	defer handle.Release()

	if runErr := e.run(ctx, handle, task, cartridge); runErr != nil {
		e.finishFailed(task, runErr)
		return runErr
	}

	e.finishSucceeded(task)
	return nil
}

func (e *Engine) run(ctx context.Context, handle *tapesession.Handle, task *models.BackupTask, cartridge *models.TapeCartridge) error {
	// Step 3: mount + readiness poll.
	if cartridge.Status != models.CartridgeMounted && cartridge.Status != models.CartridgeWriting {
		if err := e.Device.Load(); err != nil {
			return err
		}
		if err := handle.Transition(models.CartridgeMounted); err != nil {
			return err
		}
	}
	if err := e.Device.WaitForReady(readyPollDeadline, readyPollInterval); err != nil {
		return err
	}

	// Step 4: device info + current on-volume label. The live label is
	// kept in cartridge.Label, updated in lockstep with the LTFS volume
	// header by the last successful Format (see tapedevice.Device.Format).
	if _, err := e.Device.DeviceInfo(); err != nil {
		return err
	}
	currentLabel := cartridge.Label
	now := time.Now().UTC()

	switch task.Kind {
	case models.TaskFull:
		desired, err := e.desiredFullLabel(currentLabel, now)
		if err != nil {
			return err
		}
		// tapedevice.Device.Format only performs the SCSI/ITDT-level
		// rewind+erase; the LTFS volume header write that completes the
		// single-call format contract (spec.md:113) happens here, against
		// the now-rewound-and-erased cartridge.
		if err := e.Device.Format(desired.String(), false, false); err != nil {
			return err
		}
		if err := e.formatAndMountLTFS(ctx, desired.String()); err != nil {
			return err
		}
		cartridge.Label = desired.String()
		if err := e.Store.UpdateCartridgeLabel(cartridge.ID, cartridge.Label); err != nil {
			return tapeerr.Wrap(tapeerr.HardwareError, "persist new cartridge label", err)
		}
	case models.TaskIncremental, models.TaskDifferential:
		if !volumelabel.IsCurrentMonth(currentLabel, now) {
			return tapeerr.New(tapeerr.LabelMonthMismatch,
				fmt.Sprintf("cartridge label %q is not valid for the current month; a Full backup is required first", currentLabel))
		}
		if err := e.ensureLTFSMounted(ctx); err != nil {
			return err
		}
	default:
		return tapeerr.New(tapeerr.ConfigError, fmt.Sprintf("unknown task kind %q", task.Kind))
	}

	// Step 7: archive name.
	task.ArchiveName = archiveName(planOrTaskLabel(task), now, e.GzipArchives)
	destPath := filepath.Join(e.MountPath, task.ArchiveName)

	// Step 8: stream the archive, observing counters at least every 5s.
	if err := handle.Transition(models.CartridgeWriting); err != nil {
		return err
	}
	if err := e.stream(ctx, destPath, task); err != nil {
		// Cancellation returns the cartridge to Mounted (positioned at
		// the partial write); any other streaming failure marks it
		// Errored.
		if tapeerr.Is(err, tapeerr.Cancelled) {
			_ = handle.Transition(models.CartridgeMounted)
		} else {
			_ = handle.Transition(models.CartridgeErrored)
		}
		return err
	}

	return handle.Transition(models.CartridgeMounted)
}

// formatAndMountLTFS writes the LTFS volume header carrying label onto the
// just rewound-and-erased cartridge, then mounts it so ArchiveWriter has a
// real filesystem at MountPath to write into. LTFS is nil in unit tests
// exercising Engine against a fake transport, which never has mkltfs/ltfs
// on PATH; those tests skip this step entirely, the same way they skip
// real SCSI/ITDT I/O.
func (e *Engine) formatAndMountLTFS(ctx context.Context, label string) error {
	if e.LTFS == nil {
		return nil
	}
	if e.LTFS.IsMounted() {
		if err := e.LTFS.Unmount(ctx); err != nil {
			return tapeerr.Wrap(tapeerr.HardwareError, "unmount LTFS volume before reformat", err)
		}
	}
	if err := e.LTFS.Format(ctx, label); err != nil {
		return tapeerr.Wrap(tapeerr.HardwareError, "write LTFS volume header", err)
	}
	if err := e.LTFS.Mount(ctx); err != nil {
		return tapeerr.Wrap(tapeerr.HardwareError, "mount LTFS volume", err)
	}
	return nil
}

// ensureLTFSMounted mounts the volume that a prior Full's formatAndMountLTFS
// already wrote a header for, covering the case where the process restarted
// (or this is the first task since startup) and the volume isn't mounted
// yet. A no-op once the volume is already mounted.
func (e *Engine) ensureLTFSMounted(ctx context.Context) error {
	if e.LTFS == nil || e.LTFS.IsMounted() {
		return nil
	}
	if err := e.LTFS.Mount(ctx); err != nil {
		return tapeerr.Wrap(tapeerr.HardwareError, "mount LTFS volume", err)
	}
	return nil
}

// desiredFullLabel preserves the existing label's sequence number when its
// month/year already matches the current month; otherwise it mints the
// next unused TPYYYYMM01-style label.
func (e *Engine) desiredFullLabel(currentLabel string, now time.Time) (volumelabel.Label, error) {
	if cur, err := volumelabel.Parse(currentLabel); err == nil && volumelabel.IsCurrentMonth(currentLabel, now) {
		return cur, nil
	}

	known, err := e.Store.ListKnownLabels()
	if err != nil {
		return volumelabel.Label{}, tapeerr.Wrap(tapeerr.HardwareError, "list known volume labels", err)
	}
	return volumelabel.NextInMonth(known, now.Year(), int(now.Month())), nil
}

func planOrTaskLabel(task *models.BackupTask) string {
	if task.PlanID != nil {
		return fmt.Sprintf("plan%d", *task.PlanID)
	}
	return task.TaskID
}

// archiveName follows spec.md's on-volume naming grammar
// <job>_<YYYYMMDD_HHMMSS>[Z].tar[.gz]. The trailing "Z" is bracketed
// (optional) in that grammar, marking a timestamp whose zone isn't
// otherwise implied; every timestamp this engine names an archive with is
// always ts.UTC() already (see Run), so the bare YYYYMMDD_HHMMSS form is
// unambiguous and the optional marker is never needed. Scenario S1
// (spec.md:313-316) names the literal result without it:
// plan1_20250115_100000.tar.
func archiveName(prefix string, ts time.Time, gzip bool) string {
	ext := ".tar"
	if gzip {
		ext = ".tar.gz"
	}
	return fmt.Sprintf("%s_%s%s", prefix, ts.Format("20060102_150405"), ext)
}

// stream runs ArchiveWriter in a background goroutine and mirrors its
// counters into task at progressInterval, keeping bytes_written/
// files_written current at least every 5s while still reacting to ctx
// cancellation promptly (ArchiveWriter itself checks ctx between files and
// within large files).
func (e *Engine) stream(ctx context.Context, destPath string, task *models.BackupTask) error {
	w := archivewriter.New(destPath, e.GzipArchives, e.Logger)

	var roots []string
	if err := splitSourceRoots(task.SourceRoots, &roots); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, roots) }()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			snap := w.Snapshot()
			task.BytesWritten = snap.BytesWritten
			task.FilesWritten = snap.FilesWritten
			_ = e.Store.SaveTask(task)
			return err
		case <-ticker.C:
			snap := w.Snapshot()
			task.BytesWritten = snap.BytesWritten
			task.FilesWritten = snap.FilesWritten
			if e.Logger != nil {
				e.Logger.Info("backup progress", map[string]interface{}{
					"task_id": task.TaskID,
					"bytes":   humanize.Bytes(uint64(snap.BytesWritten)),
					"files":   snap.FilesWritten,
				})
			}
			_ = e.Store.SaveTask(task)
		}
	}
}

func (e *Engine) finishSucceeded(task *models.BackupTask) {
	now := time.Now().UTC()
	task.State = models.TaskSucceeded
	task.FinishedAt = &now
	_ = e.Store.SaveTask(task)
	_ = e.Store.RecordOperationLog(models.OperationLog{
		Timestamp: now,
		Actor:     "backupengine",
		Action:    "backup.completed",
		Target:    task.TaskID,
		Outcome:   "success",
		Details:   fmt.Sprintf("archive=%s bytes=%d files=%d", task.ArchiveName, task.BytesWritten, task.FilesWritten),
	})
	if e.Sender != nil {
		_ = e.Sender.Send(context.Background(), &notifications.Notification{
			Type:      notifications.NotifyBackupComplete,
			Title:     "Backup Completed",
			Message:   fmt.Sprintf("Task %s completed: %s written, %d files", task.TaskID, humanize.Bytes(uint64(task.BytesWritten)), task.FilesWritten),
			Priority:  "normal",
			Timestamp: now,
		})
	}
}

func (e *Engine) finishFailed(task *models.BackupTask, err error) {
	kind, ok := tapeerr.KindOf(err)
	if !ok {
		kind = tapeerr.HardwareError
	}
	e.fail(task, kind, err.Error())
}

func (e *Engine) fail(task *models.BackupTask, kind tapeerr.Kind, message string) {
	now := time.Now().UTC()

	if kind == tapeerr.Cancelled {
		task.State = models.TaskCancelled
	} else {
		task.State = models.TaskFailed
	}
	task.FinishedAt = &now
	task.ErrorKind = string(kind)
	task.ErrorText = message
	_ = e.Store.SaveTask(task)

	outcome := "failed"
	action := "backup.failed"
	if task.State == models.TaskCancelled {
		outcome = "cancelled"
		action = "backup.cancelled"
	}
	_ = e.Store.RecordOperationLog(models.OperationLog{
		Timestamp: now,
		Actor:     "backupengine",
		Action:    action,
		Target:    task.TaskID,
		Outcome:   outcome,
		Details:   fmt.Sprintf("kind=%s message=%s", kind, message),
	})

	if e.Sender != nil && task.State == models.TaskFailed {
		_ = e.Sender.Send(context.Background(), &notifications.Notification{
			Type:      notifications.NotifyBackupFailed,
			Title:     "Backup Failed",
			Message:   fmt.Sprintf("Task %s failed: %s", task.TaskID, message),
			Priority:  "urgent",
			Timestamp: now,
		})
	}
}

// NewTaskID mints an opaque task identifier, used by callers constructing
// ad-hoc BackupTasks outside of a BackupPlan dispatch.
func NewTaskID() string {
	return uuid.NewString()
}

// splitSourceRoots decodes BackupTask.SourceRoots, persisted as a JSON array
// string, into the slice ArchiveWriter expects.
func splitSourceRoots(raw string, out *[]string) error {
	var roots []string
	if err := json.Unmarshal([]byte(raw), &roots); err != nil {
		return tapeerr.Wrap(tapeerr.ConfigError, "decode task source roots", err)
	}
	*out = roots
	return nil
}
