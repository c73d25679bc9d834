// Package state implements the durable state store for the snapshot
// lifecycle saga. All cross-handler coordination goes through this
// store; conditional updates keyed on the expected prior state are the
// only concurrency-control primitive. A conditional write that finds
// the record not in the expected state reports applied=false and is a
// no-op, never an error.
package state

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/devbox-infra/lifecycle/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store provides database operations for projects and volume snapshot records
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database and ensures the schema exists
func NewStore(dbPath string) (*Store, error) {
	slog.Info("state_store_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("state_store_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Handlers run concurrently; a single writer connection keeps
	// SQLite's locking out of the picture.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("state_store_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("state_store_ready", "db_path", dbPath)
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetProject retrieves a project by name. Returns nil when not found.
func (s *Store) GetProject(ctx context.Context, name string) (*Project, error) {
	query := `
		SELECT name, status, current_image_id, pending_image_id, expected_volume_count,
		       instance_id, root_device_name, architecture, virtualization_type, instance_type,
		       created_at, updated_at
		FROM projects WHERE name = ?
	`
	return s.scanProject(s.db.QueryRowContext(ctx, query, name))
}

// ProjectByPendingImage retrieves the project whose pending image pointer
// equals imageID. Returns nil when no project is waiting on that image.
func (s *Store) ProjectByPendingImage(ctx context.Context, imageID string) (*Project, error) {
	query := `
		SELECT name, status, current_image_id, pending_image_id, expected_volume_count,
		       instance_id, root_device_name, architecture, virtualization_type, instance_type,
		       created_at, updated_at
		FROM projects WHERE pending_image_id = ?
	`
	return s.scanProject(s.db.QueryRowContext(ctx, query, imageID))
}

func (s *Store) scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var currentImage, pendingImage, instanceID sql.NullString
	var rootDevice, arch, virt, instanceType sql.NullString

	err := row.Scan(
		&p.Name, &p.Status, &currentImage, &pendingImage, &p.ExpectedVolumeCount,
		&instanceID, &rootDevice, &arch, &virt, &instanceType,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("state_project_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to query project")
	}

	p.CurrentImageID = currentImage.String
	p.PendingImageID = pendingImage.String
	p.InstanceID = instanceID.String
	p.RootDeviceName = rootDevice.String
	p.Architecture = arch.String
	p.VirtualizationType = virt.String
	p.InstanceType = instanceType.String
	return &p, nil
}

// EnsureProject creates a project in status NEW if it does not exist yet.
// Existing projects are left untouched.
func (s *Store) EnsureProject(ctx context.Context, name string) error {
	query := `INSERT OR IGNORE INTO projects (name, status) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, query, name, StatusNew); err != nil {
		slog.Error("state_ensure_project_failed", "project", name, "error", err)
		return errors.Wrap(err, "failed to ensure project")
	}
	return nil
}

// ListProjects returns all projects ordered by name
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	query := `
		SELECT name, status, current_image_id, pending_image_id, expected_volume_count,
		       instance_id, root_device_name, architecture, virtualization_type, instance_type,
		       created_at, updated_at
		FROM projects ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("state_list_projects_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list projects")
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		var currentImage, pendingImage, instanceID sql.NullString
		var rootDevice, arch, virt, instanceType sql.NullString

		err := rows.Scan(
			&p.Name, &p.Status, &currentImage, &pendingImage, &p.ExpectedVolumeCount,
			&instanceID, &rootDevice, &arch, &virt, &instanceType,
			&p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan project row")
		}

		p.CurrentImageID = currentImage.String
		p.PendingImageID = pendingImage.String
		p.InstanceID = instanceID.String
		p.RootDeviceName = rootDevice.String
		p.Architecture = arch.String
		p.VirtualizationType = virt.String
		p.InstanceType = instanceType.String
		projects = append(projects, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return projects, nil
}

// CycleInfo carries the instance details captured when a snapshot cycle
// begins. The image builder needs them to register the new image.
type CycleInfo struct {
	InstanceID          string
	RootDeviceName      string
	Architecture        string
	VirtualizationType  string
	InstanceType        string
	ExpectedVolumeCount int
}

// BeginCycle transitions a project into SNAPSHOTTING, conditioned on the
// project currently being in a cycle start state (NEW, READY or ERROR).
// Reports whether the transition applied; a project already mid-cycle is
// left untouched. Volume records left behind by a previous cycle (an
// ERROR'd instance, or a racer that lost this transition) are cleared in
// the same transaction so they can never count toward this cycle's
// fan-in.
func (s *Store) BeginCycle(ctx context.Context, name string, info CycleInfo) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		UPDATE projects
		SET status = ?, expected_volume_count = ?, instance_id = ?,
		    root_device_name = ?, architecture = ?, virtualization_type = ?, instance_type = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE name = ? AND status IN (` + placeholders(len(CycleStartStates)) + `)
	`
	args := []any{
		StatusSnapshotting, info.ExpectedVolumeCount, info.InstanceID,
		info.RootDeviceName, info.Architecture, info.VirtualizationType, info.InstanceType,
		name,
	}
	for _, st := range CycleStartStates {
		args = append(args, st)
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin cycle")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Info("state_begin_cycle", "project", name, "instance_id", info.InstanceID,
			"expected_volumes", info.ExpectedVolumeCount, "applied", false)
		return false, nil
	}

	cleanup := `DELETE FROM volume_snapshots WHERE project = ? AND instance_id <> ?`
	stale, err := tx.ExecContext(ctx, cleanup, name, info.InstanceID)
	if err != nil {
		return false, errors.Wrap(err, "failed to clear stale volume records")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit cycle start")
	}

	staleRows, _ := stale.RowsAffected()
	slog.Info("state_begin_cycle", "project", name, "instance_id", info.InstanceID,
		"expected_volumes", info.ExpectedVolumeCount, "stale_records_cleared", staleRows, "applied", true)
	return true, nil
}

// SetPendingImage transitions a project from SNAPSHOTTING to IMAGE_PENDING
// and records the newly registered image. Only one of possibly several
// racing fan-in evaluations wins this transition.
func (s *Store) SetPendingImage(ctx context.Context, name, imageID string) (bool, error) {
	query := `
		UPDATE projects
		SET status = ?, pending_image_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ? AND status = ?
	`
	applied, err := s.conditional(ctx, query, StatusImagePending, imageID, name, StatusSnapshotting)
	if err != nil {
		return false, errors.Wrap(err, "failed to set pending image")
	}
	slog.Info("state_set_pending_image", "project", name, "image_id", imageID, "applied", applied)
	return applied, nil
}

// CompletePromotion swaps the project's active image pointer: current
// becomes imageID, pending is cleared, status becomes READY. Conditioned
// on pending_image_id still equalling imageID, so redelivered
// image-available events after promotion are no-ops. Returns the previous
// current image id so the caller can reclaim it.
func (s *Store) CompletePromotion(ctx context.Context, name, imageID string) (applied bool, oldImageID string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var current sql.NullString
	query := `SELECT current_image_id FROM projects WHERE name = ? AND pending_image_id = ? AND status = ?`
	err = tx.QueryRowContext(ctx, query, name, imageID, StatusImagePending).Scan(&current)
	if err == sql.ErrNoRows {
		return false, "", nil // Already promoted, or not this project's image
	}
	if err != nil {
		return false, "", errors.Wrap(err, "failed to query project for promotion")
	}

	update := `
		UPDATE projects
		SET current_image_id = ?, pending_image_id = NULL, status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ? AND pending_image_id = ? AND status = ?
	`
	result, err := tx.ExecContext(ctx, update, imageID, StatusReady, name, imageID, StatusImagePending)
	if err != nil {
		return false, "", errors.Wrap(err, "failed to promote image")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, "", errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return false, "", nil
	}

	if err := tx.Commit(); err != nil {
		return false, "", errors.Wrap(err, "failed to commit promotion")
	}

	slog.Info("state_promotion_complete", "project", name, "image_id", imageID, "old_image_id", current.String)
	return true, current.String, nil
}

// MarkError moves a project to ERROR. Used when a cycle can no longer
// complete, e.g. a volume was lost before its snapshot finished. ERROR
// is a valid cycle start state, so the next shutdown recovers naturally.
func (s *Store) MarkError(ctx context.Context, name string) error {
	query := `UPDATE projects SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?`
	if _, err := s.db.ExecContext(ctx, query, StatusError, name); err != nil {
		slog.Error("state_mark_error_failed", "project", name, "error", err)
		return errors.Wrap(err, "failed to mark project error")
	}
	slog.Warn("state_project_errored", "project", name)
	return nil
}

// PutVolumeRecord inserts a PENDING volume snapshot record. The volume id
// is the natural idempotency key: an existing record for the same
// (project, volume) wins and the insert reports applied=false.
func (s *Store) PutVolumeRecord(ctx context.Context, rec VolumeSnapshot) (bool, error) {
	query := `
		INSERT OR IGNORE INTO volume_snapshots (project, volume_id, snapshot_id, device_name, instance_id, state)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	applied, err := s.conditional(ctx, query,
		rec.Project, rec.VolumeID, rec.SnapshotID, rec.DeviceName, rec.InstanceID, SnapshotPending)
	if err != nil {
		return false, errors.Wrap(err, "failed to put volume record")
	}
	slog.Info("state_volume_record_put", "project", rec.Project, "volume_id", rec.VolumeID,
		"snapshot_id", rec.SnapshotID, "applied", applied)
	return applied, nil
}

// VolumeRecordBySnapshot retrieves a record via the snapshot_id index.
// Returns nil when the snapshot is not tracked.
func (s *Store) VolumeRecordBySnapshot(ctx context.Context, snapshotID string) (*VolumeSnapshot, error) {
	query := `
		SELECT project, volume_id, snapshot_id, device_name, instance_id, state, created_at
		FROM volume_snapshots WHERE snapshot_id = ?
	`
	return s.scanVolumeRecord(s.db.QueryRowContext(ctx, query, snapshotID))
}

// VolumeRecordByVolume retrieves the record for a volume id. Returns nil
// when the volume is not part of any tracked cycle.
func (s *Store) VolumeRecordByVolume(ctx context.Context, volumeID string) (*VolumeSnapshot, error) {
	query := `
		SELECT project, volume_id, snapshot_id, device_name, instance_id, state, created_at
		FROM volume_snapshots WHERE volume_id = ?
	`
	return s.scanVolumeRecord(s.db.QueryRowContext(ctx, query, volumeID))
}

func (s *Store) scanVolumeRecord(row *sql.Row) (*VolumeSnapshot, error) {
	var rec VolumeSnapshot
	err := row.Scan(&rec.Project, &rec.VolumeID, &rec.SnapshotID, &rec.DeviceName,
		&rec.InstanceID, &rec.State, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query volume record")
	}
	return &rec, nil
}

// MarkSnapshotComplete transitions a record from PENDING to
// SNAPSHOT_COMPLETE. Redelivery of the same completion event finds the
// record already complete and reports applied=false.
func (s *Store) MarkSnapshotComplete(ctx context.Context, project, volumeID string) (bool, error) {
	query := `
		UPDATE volume_snapshots SET state = ?
		WHERE project = ? AND volume_id = ? AND state = ?
	`
	applied, err := s.conditional(ctx, query, SnapshotComplete, project, volumeID, SnapshotPending)
	if err != nil {
		return false, errors.Wrap(err, "failed to mark snapshot complete")
	}
	slog.Info("state_snapshot_complete", "project", project, "volume_id", volumeID, "applied", applied)
	return applied, nil
}

// ListVolumeRecords returns all records for a project ordered by device name
func (s *Store) ListVolumeRecords(ctx context.Context, project string) ([]*VolumeSnapshot, error) {
	query := `
		SELECT project, volume_id, snapshot_id, device_name, instance_id, state, created_at
		FROM volume_snapshots WHERE project = ? ORDER BY device_name
	`
	return s.queryRecords(ctx, query, project)
}

// ListCycleRecords returns the records belonging to the cycle started by
// instanceID, ordered by device name. Records from any other instance
// are not part of the cycle and are excluded.
func (s *Store) ListCycleRecords(ctx context.Context, project, instanceID string) ([]*VolumeSnapshot, error) {
	query := `
		SELECT project, volume_id, snapshot_id, device_name, instance_id, state, created_at
		FROM volume_snapshots WHERE project = ? AND instance_id = ? ORDER BY device_name
	`
	return s.queryRecords(ctx, query, project, instanceID)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*VolumeSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list volume records")
	}
	defer rows.Close()

	var records []*VolumeSnapshot
	for rows.Next() {
		var rec VolumeSnapshot
		err := rows.Scan(&rec.Project, &rec.VolumeID, &rec.SnapshotID, &rec.DeviceName,
			&rec.InstanceID, &rec.State, &rec.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan volume record")
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return records, nil
}

// CountComplete returns the number of SNAPSHOT_COMPLETE records for the
// cycle started by instanceID. The fan-in check compares this against
// the project's expected volume count, recomputed from durable state on
// every completion event.
func (s *Store) CountComplete(ctx context.Context, project, instanceID string) (int, error) {
	query := `SELECT COUNT(*) FROM volume_snapshots WHERE project = ? AND instance_id = ? AND state = ?`
	var count int
	if err := s.db.QueryRowContext(ctx, query, project, instanceID, SnapshotComplete).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count complete records")
	}
	return count, nil
}

// DeleteVolumeRecords removes all records for a project (cycle cleanup).
// Deleting already-deleted records is success-by-absence.
func (s *Store) DeleteVolumeRecords(ctx context.Context, project string) error {
	query := `DELETE FROM volume_snapshots WHERE project = ?`
	result, err := s.db.ExecContext(ctx, query, project)
	if err != nil {
		slog.Error("state_delete_records_failed", "project", project, "error", err)
		return errors.Wrap(err, "failed to delete volume records")
	}
	rows, _ := result.RowsAffected()
	slog.Info("state_volume_records_deleted", "project", project, "record_count", rows)
	return nil
}

// conditional executes a write and reports whether it changed a row
func (s *Store) conditional(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
