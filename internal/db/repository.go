// Package db provides repository operations for FleetSync data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/marinops/fleetsync/internal/errors"
	"github.com/marinops/fleetsync/internal/models"
	"github.com/marinops/fleetsync/internal/uuid"
)

// Repository provides persistence for records, conflicts and the change
// log. It includes a prepared statement cache for frequently used
// queries; statements are prepared on first use and cached for reuse.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Record Operations
// =====================================================

// ApplyMeta carries attribution for an apply.
type ApplyMeta struct {
	DeviceID string
	UserID   string
}

// GetRecord retrieves the current state of a record. Returns an error
// with code NOT_FOUND when the record does not exist.
func (r *Repository) GetRecord(table, recordID string) (*models.VersionedRecord, error) {
	query := `
	SELECT version, fields, updated_at, updated_by, updated_device
	FROM records WHERE table_name = ? AND record_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rec := &models.VersionedRecord{Table: table, RecordID: recordID}
	var fieldsJSON string
	err = stmt.QueryRow(table, recordID).Scan(
		&rec.Version, &fieldsJSON, &rec.UpdatedAt, &rec.UpdatedBy, &rec.UpdatedDevice,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "record %s/%s not found", table, recordID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read record", err)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt record fields", err)
	}
	return rec, nil
}

// ApplyRecordCAS performs the compare-and-swap apply for a record inside
// a single transaction. It succeeds only when the stored version equals
// expectedVersion; on success it merges the field changes, increments
// the version by exactly one and writes a change_log row. An
// expectedVersion of zero with no existing row creates the record at
// version one.
func (r *Repository) ApplyRecordCAS(table, recordID string, expectedVersion int64, changes map[string]models.FieldChange, meta ApplyMeta) (int64, error) {
	if len(changes) == 0 {
		return 0, apperrors.New(apperrors.ErrInvalid, "no field changes to apply")
	}

	tx, err := r.db.Begin()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	var currentVersion int64
	var fieldsJSON string
	exists := true
	err = tx.QueryRow(
		`SELECT version, fields FROM records WHERE table_name = ? AND record_id = ?`,
		table, recordID,
	).Scan(&currentVersion, &fieldsJSON)
	if err == sql.ErrNoRows {
		exists = false
	} else if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to read record", err)
	}

	if !exists {
		if expectedVersion != 0 {
			return 0, apperrors.Newf(apperrors.ErrNotFound, "record %s/%s not found", table, recordID)
		}
		newVersion := int64(1)
		fields := make(map[string]models.FieldState, len(changes))
		mergeFieldChanges(fields, changes, newVersion, now, meta)

		data, err := json.Marshal(fields)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to encode fields", err)
		}
		_, err = tx.Exec(
			`INSERT INTO records (table_name, record_id, version, fields, updated_at, updated_by, updated_device)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			table, recordID, newVersion, string(data), now, meta.UserID, meta.DeviceID,
		)
		if err != nil {
			// A concurrent insert for the same key loses the race.
			return 0, apperrors.Wrap(apperrors.ErrVersionMismatch, "record was created concurrently", err)
		}
		if err := r.insertChangeLog(tx, table, recordID, changes, newVersion, meta, now); err != nil {
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit apply", err)
		}
		return newVersion, nil
	}

	if currentVersion != expectedVersion {
		return 0, apperrors.Newf(apperrors.ErrVersionMismatch,
			"record %s/%s is at version %d, expected %d", table, recordID, currentVersion, expectedVersion)
	}

	var fields map[string]models.FieldState
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "corrupt record fields", err)
	}
	if fields == nil {
		fields = make(map[string]models.FieldState)
	}

	newVersion := expectedVersion + 1
	mergeFieldChanges(fields, changes, newVersion, now, meta)

	data, err := json.Marshal(fields)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to encode fields", err)
	}

	// The WHERE version guard is the CAS correctness boundary: a racing
	// apply that committed first leaves zero rows affected here.
	result, err := tx.Exec(
		`UPDATE records SET version = ?, fields = ?, updated_at = ?, updated_by = ?, updated_device = ?
		 WHERE table_name = ? AND record_id = ? AND version = ?`,
		newVersion, string(data), now, meta.UserID, meta.DeviceID,
		table, recordID, expectedVersion,
	)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to update record", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, apperrors.Newf(apperrors.ErrVersionMismatch,
			"record %s/%s moved past version %d", table, recordID, expectedVersion)
	}

	if err := r.insertChangeLog(tx, table, recordID, changes, newVersion, meta, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit apply", err)
	}
	return newVersion, nil
}

// mergeFieldChanges writes the changes into the field map with per-field
// provenance. UpdatedAt keeps the originating device's edit time so
// last-write-wins compares user intent, not server arrival order.
func mergeFieldChanges(fields map[string]models.FieldState, changes map[string]models.FieldChange, version, now int64, meta ApplyMeta) {
	for name, ch := range changes {
		ts := ch.UserTimestamp
		if ts == 0 {
			ts = now
		}
		fields[name] = models.FieldState{
			Value:         ch.Value,
			Version:       version,
			UpdatedAt:     ts,
			UpdatedBy:     meta.UserID,
			UpdatedDevice: meta.DeviceID,
		}
	}
}

// insertChangeLog appends an audit row within the apply transaction.
func (r *Repository) insertChangeLog(tx *sql.Tx, table, recordID string, changes map[string]models.FieldChange, version int64, meta ApplyMeta, now int64) error {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)

	_, err := tx.Exec(
		`INSERT INTO change_log (id, table_name, record_id, fields, version, device_id, user_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New(), table, recordID, strings.Join(names, ","), version, meta.DeviceID, meta.UserID, now,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write change log", err)
	}
	return nil
}

// ListChangeLog returns audit rows for a record, newest first.
func (r *Repository) ListChangeLog(table, recordID string, limit int) ([]*models.ChangeLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT id, table_name, record_id, fields, version, device_id, user_id, timestamp
	FROM change_log WHERE table_name = ? AND record_id = ?
	ORDER BY version DESC LIMIT ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(table, recordID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list change log", err)
	}
	defer rows.Close()

	var entries []*models.ChangeLog
	for rows.Next() {
		var e models.ChangeLog
		if err := rows.Scan(&e.ID, &e.Table, &e.RecordID, &e.Fields, &e.Version, &e.DeviceID, &e.UserID, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// PruneChangeLog deletes audit rows older than the cutoff timestamp.
func (r *Repository) PruneChangeLog(olderThan int64) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM change_log WHERE timestamp < ?`, olderThan)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to prune change log", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// =====================================================
// FieldConflict Operations
// =====================================================

// CreateConflict inserts a new conflict row. ID and DetectedAt are
// assigned here when absent.
func (r *Repository) CreateConflict(c *models.FieldConflict) error {
	if c.ID == "" {
		c.ID = uuid.New()
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().Unix()
	}
	if c.Status == "" {
		c.Status = models.ConflictStatusPending
	}

	localJSON, err := json.Marshal(c.LocalValue)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode local value", err)
	}
	serverJSON, err := json.Marshal(c.ServerValue)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode server value", err)
	}
	suggestedJSON, err := marshalNullableValue(c.SuggestedResolution)
	if err != nil {
		return err
	}
	resolvedJSON, err := marshalNullableValue(c.ResolvedValue)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO field_conflicts (
		id, table_name, record_id, field,
		local_value, local_version, local_timestamp, local_user, local_device,
		server_value, server_version, server_timestamp, server_user, server_device,
		is_safety_critical, strategy, reason, suggested_resolution,
		status, resolved_value, resolved_by, resolved_at, detected_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query,
		c.ID, c.Table, c.RecordID, c.Field,
		string(localJSON), c.LocalVersion, c.LocalTimestamp, c.LocalUser, c.LocalDevice,
		string(serverJSON), c.ServerVersion, c.ServerTimestamp, c.ServerUser, c.ServerDevice,
		boolToInt(c.IsSafetyCritical), c.Strategy, c.Reason, suggestedJSON,
		string(c.Status), resolvedJSON, c.ResolvedBy, c.ResolvedAt, c.DetectedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert conflict", err)
	}
	return nil
}

// GetConflict retrieves a conflict by ID.
func (r *Repository) GetConflict(id string) (*models.FieldConflict, error) {
	query := conflictSelect + ` WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	c, err := scanConflict(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read conflict", err)
	}
	return c, nil
}

// ConflictScope narrows ListConflicts. Zero values match everything.
type ConflictScope struct {
	Table    string
	RecordID string
	Status   models.ConflictStatus
	Limit    int
}

// ListConflicts returns conflicts matching the scope, oldest first so
// resolution UIs work through the backlog in detection order.
func (r *Repository) ListConflicts(scope ConflictScope) ([]*models.FieldConflict, error) {
	query := conflictSelect + ` WHERE 1=1`
	var args []interface{}
	if scope.Table != "" {
		query += ` AND table_name = ?`
		args = append(args, scope.Table)
	}
	if scope.RecordID != "" {
		query += ` AND record_id = ?`
		args = append(args, scope.RecordID)
	}
	if scope.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(scope.Status))
	}
	limit := scope.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` ORDER BY detected_at ASC LIMIT ?`
	args = append(args, limit)

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*models.FieldConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// MarkConflictResolved transitions a pending conflict to a resolved
// status. The WHERE status guard makes double-resolution detectable:
// zero rows affected means the conflict already left pending.
func (r *Repository) MarkConflictResolved(id string, status models.ConflictStatus, resolvedValue *models.FieldValue, resolvedBy string) error {
	resolvedJSON, err := marshalNullableValue(resolvedValue)
	if err != nil {
		return err
	}

	result, err := r.db.Exec(
		`UPDATE field_conflicts SET status = ?, resolved_value = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), resolvedJSON, resolvedBy, time.Now().Unix(), id,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update conflict", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.Newf(apperrors.ErrAlreadyResolved, "conflict %s is not pending", id)
	}
	return nil
}

// PruneResolvedConflicts deletes resolved conflicts older than the
// cutoff. Pending conflicts are never pruned.
func (r *Repository) PruneResolvedConflicts(olderThan int64) (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM field_conflicts WHERE status != 'pending' AND detected_at < ?`, olderThan)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to prune conflicts", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

const conflictSelect = `
	SELECT id, table_name, record_id, field,
		   local_value, local_version, local_timestamp, local_user, local_device,
		   server_value, server_version, server_timestamp, server_user, server_device,
		   is_safety_critical, strategy, reason, suggested_resolution,
		   status, resolved_value, resolved_by, resolved_at, detected_at
	FROM field_conflicts`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(row rowScanner) (*models.FieldConflict, error) {
	var c models.FieldConflict
	var localJSON, serverJSON, status string
	var suggestedJSON, resolvedJSON sql.NullString
	var critical int

	err := row.Scan(
		&c.ID, &c.Table, &c.RecordID, &c.Field,
		&localJSON, &c.LocalVersion, &c.LocalTimestamp, &c.LocalUser, &c.LocalDevice,
		&serverJSON, &c.ServerVersion, &c.ServerTimestamp, &c.ServerUser, &c.ServerDevice,
		&critical, &c.Strategy, &c.Reason, &suggestedJSON,
		&status, &resolvedJSON, &c.ResolvedBy, &c.ResolvedAt, &c.DetectedAt,
	)
	if err != nil {
		return nil, err
	}

	c.IsSafetyCritical = critical != 0
	c.Status = models.ConflictStatus(status)
	if err := json.Unmarshal([]byte(localJSON), &c.LocalValue); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt local value", err)
	}
	if err := json.Unmarshal([]byte(serverJSON), &c.ServerValue); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt server value", err)
	}
	if c.SuggestedResolution, err = unmarshalNullableValue(suggestedJSON); err != nil {
		return nil, err
	}
	if c.ResolvedValue, err = unmarshalNullableValue(resolvedJSON); err != nil {
		return nil, err
	}
	return &c, nil
}

func marshalNullableValue(v *models.FieldValue) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(*v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode field value", err)
	}
	return string(data), nil
}

func unmarshalNullableValue(s sql.NullString) (*models.FieldValue, error) {
	if !s.Valid {
		return nil, nil
	}
	var v models.FieldValue
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt field value", err)
	}
	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
