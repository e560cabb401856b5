package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tapevault/tapebackarr/internal/models"
)

// Repository is the concrete persistence port backing backupengine.Store,
// tapescheduler.PlanStore and the remaining operations the service layer
// needs (upsert_cartridge, update_cartridge_status, create_task,
// update_task_state, list_plans, record_operation_log, record_system_log,
// list_known_labels). It is raw SQL with manual Scan, no ORM, matching the
// database access style used throughout the rest of the service layer.
type Repository struct {
	db *DB
}

// NewRepository wraps db for use by BackupEngine and Scheduler.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// --- cartridges ---

// UpsertCartridge inserts c or updates the existing row matching TapeID.
func (r *Repository) UpsertCartridge(c *models.TapeCartridge) error {
	_, err := r.db.Exec(`
		INSERT INTO tape_cartridges (tape_id, label, type, capacity_bytes, used_bytes, location,
			manufactured_on, expires_on, status, last_health, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tape_id) DO UPDATE SET
			label = excluded.label,
			type = excluded.type,
			capacity_bytes = excluded.capacity_bytes,
			used_bytes = excluded.used_bytes,
			location = excluded.location,
			manufactured_on = excluded.manufactured_on,
			expires_on = excluded.expires_on,
			status = excluded.status,
			last_health = excluded.last_health,
			updated_at = CURRENT_TIMESTAMP
	`, c.TapeID, c.Label, c.Type, c.CapacityBytes, c.UsedBytes, c.Location,
		c.ManufacturedOn, c.ExpiresOn, c.Status, c.LastHealth)
	if err != nil {
		return fmt.Errorf("upsert cartridge %s: %w", c.TapeID, err)
	}
	return nil
}

// UpdateCartridgeStatus transitions tapeID's recorded status.
func (r *Repository) UpdateCartridgeStatus(tapeID int64, status models.CartridgeStatus) error {
	_, err := r.db.Exec(`UPDATE tape_cartridges SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, tapeID)
	if err != nil {
		return fmt.Errorf("update cartridge %d status: %w", tapeID, err)
	}
	return nil
}

// UpdateCartridgeLabel rewrites a cartridge's live label, satisfying
// backupengine.Store.
func (r *Repository) UpdateCartridgeLabel(tapeID int64, label string) error {
	_, err := r.db.Exec(`UPDATE tape_cartridges SET label = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, label, tapeID)
	if err != nil {
		return fmt.Errorf("update cartridge %d label: %w", tapeID, err)
	}
	return nil
}

// ListKnownLabels returns every non-empty label on record, used by
// volumelabel.NextInMonth to avoid minting a collision.
func (r *Repository) ListKnownLabels() ([]string, error) {
	rows, err := r.db.Query(`SELECT label FROM tape_cartridges WHERE label != ''`)
	if err != nil {
		return nil, fmt.Errorf("list known labels: %w", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// GetCartridge fetches a single cartridge by its primary key.
func (r *Repository) GetCartridge(id int64) (*models.TapeCartridge, error) {
	row := r.db.QueryRow(`
		SELECT id, tape_id, label, type, capacity_bytes, used_bytes, location,
			manufactured_on, expires_on, status, last_health, created_at, updated_at
		FROM tape_cartridges WHERE id = ?`, id)
	return scanCartridge(row)
}

// GetActiveCartridge returns the cartridge this single-drive process is
// currently bound to: the most recently touched non-Expired, non-Errored
// cartridge on record. Exactly one drive is addressed per process, so
// there is always at most one plausible "current" cartridge; the operator
// is responsible for having upserted it after physically loading it into
// the drive.
func (r *Repository) GetActiveCartridge() (*models.TapeCartridge, error) {
	row := r.db.QueryRow(`
		SELECT id, tape_id, label, type, capacity_bytes, used_bytes, location,
			manufactured_on, expires_on, status, last_health, created_at, updated_at
		FROM tape_cartridges
		WHERE status NOT IN (?, ?)
		ORDER BY updated_at DESC LIMIT 1`, models.CartridgeExpired, models.CartridgeErrored)
	c, err := scanCartridge(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no active cartridge on record; upsert one after loading it into the drive")
	}
	return c, err
}

func scanCartridge(row *sql.Row) (*models.TapeCartridge, error) {
	var c models.TapeCartridge
	err := row.Scan(&c.ID, &c.TapeID, &c.Label, &c.Type, &c.CapacityBytes, &c.UsedBytes, &c.Location,
		&c.ManufacturedOn, &c.ExpiresOn, &c.Status, &c.LastHealth, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// --- tasks ---

// CreateTask inserts task and populates its generated ID.
func (r *Repository) CreateTask(task *models.BackupTask) error {
	res, err := r.db.Exec(`
		INSERT INTO backup_tasks (task_id, plan_id, kind, state, tape_id, source_roots,
			started_at, finished_at, bytes_written, files_written, archive_name, error_kind, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.TaskID, task.PlanID, task.Kind, task.State, task.TapeID, task.SourceRoots,
		task.StartedAt, task.FinishedAt, task.BytesWritten, task.FilesWritten,
		task.ArchiveName, task.ErrorKind, task.ErrorText)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.TaskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read inserted task id: %w", err)
	}
	task.ID = id
	return nil
}

// UpdateTaskState persists a task's lifecycle state transition.
func (r *Repository) UpdateTaskState(taskID string, state models.TaskState) error {
	_, err := r.db.Exec(`UPDATE backup_tasks SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE task_id = ?`, state, taskID)
	if err != nil {
		return fmt.Errorf("update task %s state: %w", taskID, err)
	}
	return nil
}

// SaveTask upserts task by TaskID, satisfying backupengine.Store. BackupEngine
// calls this repeatedly across a task's lifetime (start, progress, finish),
// so unlike CreateTask this is idempotent on task_id.
func (r *Repository) SaveTask(task *models.BackupTask) error {
	_, err := r.db.Exec(`
		INSERT INTO backup_tasks (task_id, plan_id, kind, state, tape_id, source_roots,
			started_at, finished_at, bytes_written, files_written, archive_name, error_kind, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			kind = excluded.kind,
			state = excluded.state,
			tape_id = excluded.tape_id,
			source_roots = excluded.source_roots,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			bytes_written = excluded.bytes_written,
			files_written = excluded.files_written,
			archive_name = excluded.archive_name,
			error_kind = excluded.error_kind,
			error_text = excluded.error_text,
			updated_at = CURRENT_TIMESTAMP
	`, task.TaskID, task.PlanID, task.Kind, task.State, task.TapeID, task.SourceRoots,
		task.StartedAt, task.FinishedAt, task.BytesWritten, task.FilesWritten,
		task.ArchiveName, task.ErrorKind, task.ErrorText)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.TaskID, err)
	}
	return nil
}

// --- plans ---

// ListPlans returns every BackupPlan regardless of Enabled.
func (r *Repository) ListPlans() ([]*models.BackupPlan, error) {
	return r.queryPlans(`SELECT id, name, schedule, kind, source_roots, retention_months,
		enabled, last_fire_at, next_fire_at, created_at, updated_at FROM backup_plans ORDER BY id`)
}

// ListEnabledPlans returns only plans with Enabled = true, satisfying
// tapescheduler.PlanStore.
func (r *Repository) ListEnabledPlans() ([]*models.BackupPlan, error) {
	return r.queryPlans(`SELECT id, name, schedule, kind, source_roots, retention_months,
		enabled, last_fire_at, next_fire_at, created_at, updated_at FROM backup_plans WHERE enabled = 1 ORDER BY id`)
}

func (r *Repository) queryPlans(query string, args ...interface{}) ([]*models.BackupPlan, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.BackupPlan
	for rows.Next() {
		var p models.BackupPlan
		if err := rows.Scan(&p.ID, &p.Name, &p.Schedule, &p.Kind, &p.SourceRoots, &p.RetentionMonths,
			&p.Enabled, &p.LastFireAt, &p.NextFireAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, &p)
	}
	return plans, rows.Err()
}

// UpdatePlanFireTimes persists the scheduler's last/next fire bookkeeping,
// satisfying tapescheduler.PlanStore.
func (r *Repository) UpdatePlanFireTimes(planID int64, lastFire, nextFire time.Time) error {
	_, err := r.db.Exec(`UPDATE backup_plans SET last_fire_at = ?, next_fire_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		lastFire, nextFire, planID)
	if err != nil {
		return fmt.Errorf("update plan %d fire times: %w", planID, err)
	}
	return nil
}

// --- logs ---

// RecordOperationLog appends an OperationLog row.
func (r *Repository) RecordOperationLog(entry models.OperationLog) error {
	_, err := r.db.Exec(`INSERT INTO operation_log (ts, actor, action, target, outcome, details) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Actor, entry.Action, entry.Target, entry.Outcome, entry.Details)
	if err != nil {
		return fmt.Errorf("record operation log: %w", err)
	}
	return nil
}

// RecordSystemLog appends a SystemLog row.
func (r *Repository) RecordSystemLog(entry models.SystemLog) error {
	_, err := r.db.Exec(`INSERT INTO system_log (ts, level, component, message) VALUES (?, ?, ?, ?)`,
		entry.Timestamp, entry.Level, entry.Component, entry.Message)
	if err != nil {
		return fmt.Errorf("record system log: %w", err)
	}
	return nil
}
