package backupengine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/tapevault/tapebackarr/internal/models"
	"github.com/tapevault/tapebackarr/internal/tapedevice"
	"github.com/tapevault/tapebackarr/internal/tapeerr"
	"github.com/tapevault/tapebackarr/internal/tapesession"
	"github.com/tapevault/tapebackarr/internal/transport"
	"github.com/tapevault/tapebackarr/internal/volumelabel"
)

var archiveNameRe = regexp.MustCompile(`^[^_]+_\d{8}_\d{6}\.tar(\.gz)?$`)

// TestArchiveNameMatchesScenarioS1 pins archiveName's literal output against
// spec.md scenario S1 (spec.md:313-316): a plan1 Full backup at
// 2025-01-15T10:00:00Z must name its archive exactly
// "plan1_20250115_100000.tar", not the "T...Z"-suffixed form.
func TestArchiveNameMatchesScenarioS1(t *testing.T) {
	ts := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	got := archiveName("plan1", ts, false)
	want := "plan1_20250115_100000.tar"
	if got != want {
		t.Fatalf("archiveName() = %q, want %q", got, want)
	}
}

// fakeStore is an in-memory Store for exercising Engine without a real
// database.
type fakeStore struct {
	labels []string
	tasks  []*models.BackupTask
	logs   []models.OperationLog
}

func (s *fakeStore) ListKnownLabels() ([]string, error) { return s.labels, nil }

func (s *fakeStore) UpdateCartridgeLabel(tapeID int64, label string) error {
	s.labels = append(s.labels, label)
	return nil
}

func (s *fakeStore) SaveTask(task *models.BackupTask) error {
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *fakeStore) RecordOperationLog(entry models.OperationLog) error {
	s.logs = append(s.logs, entry)
	return nil
}

// fakeTransport is a minimal transport.Transport stub, always ready and
// successful, sufficient for exercising the engine's control flow.
type fakeTransport struct{}

func (fakeTransport) Ready() (bool, error)                                    { return true, nil }
func (fakeTransport) Load() error                                             { return nil }
func (fakeTransport) Unload() error                                           { return nil }
func (fakeTransport) Rewind() error                                           { return nil }
func (fakeTransport) Erase(short bool) error                                  { return nil }
func (fakeTransport) Format(label string, immediate, verify bool) error       { return nil }
func (fakeTransport) WriteFile(localPath string) error                       { return nil }
func (fakeTransport) ReadFile(remotePath, localPath string) error            { return nil }
func (fakeTransport) WriteFilemark(count int) error                          { return nil }
func (fakeTransport) SpaceFilemarks(n int) error                             { return nil }
func (fakeTransport) SpaceRecords(n int) error                               { return nil }
func (fakeTransport) Position() (transport.Position, error)                  { return transport.Position{}, nil }
func (fakeTransport) DeviceInfo() (transport.DeviceInfo, error)               { return transport.DeviceInfo{}, nil }
func (fakeTransport) TapeAlert() ([]transport.AlertCode, error)               { return nil, nil }
func (fakeTransport) PerformanceCounters() (transport.PerformanceCounters, error) {
	return transport.PerformanceCounters{}, nil
}
func (fakeTransport) SetEncryption(enabled bool, keyBlob []byte) error { return nil }
func (fakeTransport) SetWorm(enabled bool) error                      { return nil }
func (fakeTransport) Scan() ([]transport.DeviceDescriptor, error)      { return nil, nil }
func (fakeTransport) Close() error                                    { return nil }

func newTestEngine(t *testing.T, store *fakeStore) *Engine {
	t.Helper()
	dev := tapedevice.New(fakeTransport{})
	return &Engine{
		Device:    dev,
		Session:   tapesession.New(),
		Store:     store,
		MountPath: t.TempDir(),
	}
}

func newSourceTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newTask(t *testing.T, kind models.TaskKind, src string) *models.BackupTask {
	roots, _ := json.Marshal([]string{src})
	return &models.BackupTask{
		TaskID:      "task-1",
		Kind:        kind,
		State:       models.TaskPending,
		SourceRoots: string(roots),
	}
}

func TestRunFullSucceeds(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store)
	cartridge := &models.TapeCartridge{ID: 1, Status: models.CartridgeIdle}

	task := newTask(t, models.TaskFull, newSourceTree(t))

	if err := e.Run(context.Background(), task, cartridge); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if task.State != models.TaskSucceeded {
		t.Fatalf("task.State = %s, want Succeeded", task.State)
	}
	if task.ArchiveName == "" {
		t.Error("expected ArchiveName to be set")
	}
	if !archiveNameRe.MatchString(task.ArchiveName) {
		t.Errorf("ArchiveName = %q, want match of %s (e.g. plan1_20250115_100000.tar)", task.ArchiveName, archiveNameRe)
	}
	if cartridge.Label == "" {
		t.Error("expected cartridge.Label to be set by Full backup")
	}
	if len(store.logs) != 1 || store.logs[0].Action != "backup.completed" {
		t.Fatalf("expected one backup.completed log, got %+v", store.logs)
	}
}

func TestRunIncrementalFailsOnMonthMismatch(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store)

	stale := time.Now().AddDate(0, -2, 0)
	cartridge := &models.TapeCartridge{
		ID:     1,
		Label:  volumelabelFor(stale),
		Status: models.CartridgeMounted,
	}
	task := newTask(t, models.TaskIncremental, newSourceTree(t))

	err := e.Run(context.Background(), task, cartridge)
	if !tapeerr.Is(err, tapeerr.LabelMonthMismatch) {
		t.Fatalf("Run() = %v, want LabelMonthMismatch", err)
	}
	if task.State != models.TaskFailed {
		t.Fatalf("task.State = %s, want Failed", task.State)
	}
}

func TestRunIncrementalSucceedsWithCurrentMonthLabel(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store)

	cartridge := &models.TapeCartridge{
		ID:     1,
		Label:  volumelabelFor(time.Now()),
		Status: models.CartridgeMounted,
	}
	task := newTask(t, models.TaskIncremental, newSourceTree(t))

	if err := e.Run(context.Background(), task, cartridge); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if task.State != models.TaskSucceeded {
		t.Fatalf("task.State = %s, want Succeeded", task.State)
	}
}

func TestRunBusyWhenSessionHeld(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store)

	held, err := e.Session.Acquire(tapesession.DiagnosticReason())
	if err != nil {
		t.Fatalf("Acquire() unexpected error: %v", err)
	}
	defer held.Release()

	cartridge := &models.TapeCartridge{ID: 1, Label: volumelabelFor(time.Now()), Status: models.CartridgeMounted}
	task := newTask(t, models.TaskIncremental, newSourceTree(t))

	err = e.Run(context.Background(), task, cartridge)
	if err == nil {
		t.Fatal("expected Busy error while session already held")
	}
	if task.State != models.TaskFailed {
		t.Fatalf("task.State = %s, want Failed", task.State)
	}
}

func volumelabelFor(ts time.Time) string {
	return volumelabel.Format(ts.Year(), int(ts.Month()), 1)
}
