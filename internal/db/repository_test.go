// Package db provides unit tests for the FleetSync repository.
package db

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	apperrors "github.com/marinops/fleetsync/internal/errors"
	"github.com/marinops/fleetsync/internal/models"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// Every pool connection to :memory: is a distinct database.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE records (
			table_name     TEXT NOT NULL,
			record_id      TEXT NOT NULL,
			version        INTEGER NOT NULL DEFAULT 0 CHECK(version >= 0),
			fields         TEXT NOT NULL DEFAULT '{}',
			updated_at     INTEGER NOT NULL DEFAULT 0,
			updated_by     TEXT NOT NULL DEFAULT '',
			updated_device TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (table_name, record_id)
		);

		CREATE TABLE field_conflicts (
			id                   TEXT PRIMARY KEY,
			table_name           TEXT NOT NULL,
			record_id            TEXT NOT NULL,
			field                TEXT NOT NULL,
			local_value          TEXT NOT NULL,
			local_version        INTEGER NOT NULL,
			local_timestamp      INTEGER NOT NULL,
			local_user           TEXT NOT NULL DEFAULT '',
			local_device         TEXT NOT NULL DEFAULT '',
			server_value         TEXT NOT NULL,
			server_version       INTEGER NOT NULL,
			server_timestamp     INTEGER NOT NULL,
			server_user          TEXT NOT NULL DEFAULT '',
			server_device        TEXT NOT NULL DEFAULT '',
			is_safety_critical   INTEGER NOT NULL DEFAULT 0,
			strategy             TEXT NOT NULL,
			reason               TEXT NOT NULL DEFAULT '',
			suggested_resolution TEXT,
			status               TEXT NOT NULL DEFAULT 'pending'
			                     CHECK(status IN ('pending', 'auto_resolved', 'manually_resolved')),
			resolved_value       TEXT,
			resolved_by          TEXT NOT NULL DEFAULT '',
			resolved_at          INTEGER NOT NULL DEFAULT 0,
			detected_at          INTEGER NOT NULL
		);

		CREATE TABLE change_log (
			id         TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			fields     TEXT NOT NULL DEFAULT '',
			version    INTEGER NOT NULL,
			device_id  TEXT NOT NULL DEFAULT '',
			user_id    TEXT NOT NULL DEFAULT '',
			timestamp  INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		t.Fatalf("Failed to create test schema: %v", err)
	}

	return db
}

// =====================================================
// Record CAS Tests
// =====================================================

func TestApplyRecordCASCreatesAtVersionOne(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	changes := map[string]models.FieldChange{
		"status": {Value: models.StringValue("pending"), UserTimestamp: 1700000000},
	}
	v, err := repo.ApplyRecordCAS("work_orders", "wo-1", 0, changes, ApplyMeta{DeviceID: "tablet-1", UserID: "tech-1"})
	if err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}
	if v != 1 {
		t.Errorf("Expected version 1, got %d", v)
	}

	rec, err := repo.GetRecord("work_orders", "wo-1")
	if err != nil {
		t.Fatalf("Failed to read record: %v", err)
	}
	state, ok := rec.Field("status")
	if !ok {
		t.Fatal("status field missing")
	}
	if !state.Value.Equal(models.StringValue("pending")) {
		t.Errorf("Unexpected value: %v", state.Value)
	}
	if state.Version != 1 {
		t.Errorf("Field provenance should record version 1, got %d", state.Version)
	}
	if state.UpdatedAt != 1700000000 {
		t.Errorf("Field should keep the device edit time, got %d", state.UpdatedAt)
	}
	if state.UpdatedDevice != "tablet-1" {
		t.Errorf("Unexpected device: %s", state.UpdatedDevice)
	}
}

func TestApplyRecordCASIncrementsByOne(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	meta := ApplyMeta{DeviceID: "tablet-1"}
	change := func(s string) map[string]models.FieldChange {
		return map[string]models.FieldChange{"status": {Value: models.StringValue(s)}}
	}

	if _, err := repo.ApplyRecordCAS("work_orders", "wo-1", 0, change("pending"), meta); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	v, err := repo.ApplyRecordCAS("work_orders", "wo-1", 1, change("scheduled"), meta)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if v != 2 {
		t.Errorf("Expected version 2, got %d", v)
	}
	v, err = repo.ApplyRecordCAS("work_orders", "wo-1", 2, change("in_progress"), meta)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if v != 3 {
		t.Errorf("Expected version 3, got %d", v)
	}
}

func TestApplyRecordCASRejectsStaleVersion(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	meta := ApplyMeta{DeviceID: "tablet-1"}
	changes := map[string]models.FieldChange{"priority": {Value: models.NumberValue(2)}}
	if _, err := repo.ApplyRecordCAS("work_orders", "wo-1", 0, changes, meta); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := repo.ApplyRecordCAS("work_orders", "wo-1", 1, changes, meta); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Record is now at version 2; an apply against 1 must fail and leave
	// the record untouched.
	_, err := repo.ApplyRecordCAS("work_orders", "wo-1",
		1, map[string]models.FieldChange{"priority": {Value: models.NumberValue(9)}}, meta)
	if err == nil {
		t.Fatal("Expected version mismatch")
	}
	if apperrors.CodeOf(err) != apperrors.ErrVersionMismatch {
		t.Errorf("Expected VERSION_MISMATCH, got %s", apperrors.CodeOf(err))
	}

	rec, err := repo.GetRecord("work_orders", "wo-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("Version must not move on a failed apply, got %d", rec.Version)
	}
	state, _ := rec.Field("priority")
	if !state.Value.Equal(models.NumberValue(2)) {
		t.Errorf("Value must not change on a failed apply: %v", state.Value)
	}
}

func TestApplyRecordCASUnknownRecordNonZeroBase(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	_, err := repo.ApplyRecordCAS("work_orders", "missing",
		3, map[string]models.FieldChange{"status": {Value: models.StringValue("x")}}, ApplyMeta{})
	if err == nil {
		t.Fatal("Expected error for missing record with non-zero expected version")
	}
	if apperrors.CodeOf(err) != apperrors.ErrNotFound {
		t.Errorf("Expected NOT_FOUND, got %s", apperrors.CodeOf(err))
	}
}

func TestApplyRecordCASPreservesOtherFields(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	meta := ApplyMeta{DeviceID: "tablet-1"}
	if _, err := repo.ApplyRecordCAS("work_orders", "wo-1", 0, map[string]models.FieldChange{
		"status": {Value: models.StringValue("pending")},
		"notes":  {Value: models.StringValue("initial inspection")},
	}, meta); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := repo.ApplyRecordCAS("work_orders", "wo-1", 1, map[string]models.FieldChange{
		"status": {Value: models.StringValue("scheduled")},
	}, meta); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rec, err := repo.GetRecord("work_orders", "wo-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	notes, ok := rec.Field("notes")
	if !ok || !notes.Value.Equal(models.StringValue("initial inspection")) {
		t.Errorf("Untouched field lost: %+v", notes)
	}
	if notes.Version != 1 {
		t.Errorf("Untouched field provenance must stay at 1, got %d", notes.Version)
	}
	status, _ := rec.Field("status")
	if status.Version != 2 {
		t.Errorf("Changed field provenance should be 2, got %d", status.Version)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	_, err := repo.GetRecord("work_orders", "nope")
	if apperrors.CodeOf(err) != apperrors.ErrNotFound {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

// =====================================================
// Change Log Tests
// =====================================================

func TestApplyWritesChangeLog(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	meta := ApplyMeta{DeviceID: "tablet-1", UserID: "tech-1"}
	if _, err := repo.ApplyRecordCAS("work_orders", "wo-1", 0, map[string]models.FieldChange{
		"status": {Value: models.StringValue("pending")},
		"notes":  {Value: models.StringValue("a")},
	}, meta); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := repo.ApplyRecordCAS("work_orders", "wo-1", 1, map[string]models.FieldChange{
		"status": {Value: models.StringValue("scheduled")},
	}, meta); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	entries, err := repo.ListChangeLog("work_orders", "wo-1", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 audit rows, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Version != 2 || entries[0].Fields != "status" {
		t.Errorf("Unexpected newest entry: %+v", entries[0])
	}
	if entries[1].Version != 1 || entries[1].Fields != "notes,status" {
		t.Errorf("Field names should be sorted: %+v", entries[1])
	}
	if entries[0].DeviceID != "tablet-1" || entries[0].UserID != "tech-1" {
		t.Errorf("Attribution missing: %+v", entries[0])
	}
}

func TestPruneChangeLog(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	if _, err := repo.ApplyRecordCAS("work_orders", "wo-1", 0, map[string]models.FieldChange{
		"status": {Value: models.StringValue("pending")},
	}, ApplyMeta{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	n, err := repo.PruneChangeLog(0)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Nothing is older than epoch zero, pruned %d", n)
	}

	n, err = repo.PruneChangeLog(1<<62 - 1)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned row, got %d", n)
	}
}

// =====================================================
// FieldConflict Tests
// =====================================================

func sampleConflict() *models.FieldConflict {
	return &models.FieldConflict{
		Table:           "work_orders",
		RecordID:        "wo-1",
		Field:           "status",
		LocalValue:      models.StringValue("completed"),
		LocalVersion:    2,
		LocalTimestamp:  1700000200,
		LocalUser:       "tech-1",
		LocalDevice:     "tablet-1",
		ServerValue:     models.StringValue("paused"),
		ServerVersion:   5,
		ServerTimestamp: 1700000100,
		ServerUser:      "tech-2",
		ServerDevice:    "tablet-2",
		Strategy:        "priority",
		Reason:          "auto-rule priority for work_orders.status",
	}
}

func TestCreateAndGetConflict(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	c := sampleConflict()
	suggestion := models.StringValue("completed")
	c.SuggestedResolution = &suggestion

	if err := repo.CreateConflict(c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if c.ID == "" {
		t.Fatal("Create should assign an ID")
	}
	if c.Status != models.ConflictStatusPending {
		t.Errorf("Create should default status to pending, got %s", c.Status)
	}

	got, err := repo.GetConflict(c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.LocalValue.Equal(c.LocalValue) || !got.ServerValue.Equal(c.ServerValue) {
		t.Errorf("Value round trip mismatch: %+v", got)
	}
	if got.SuggestedResolution == nil || !got.SuggestedResolution.Equal(suggestion) {
		t.Errorf("Suggestion round trip mismatch: %+v", got.SuggestedResolution)
	}
	if got.ResolvedValue != nil {
		t.Error("Unresolved conflict should have nil resolved value")
	}
	if got.ServerDevice != "tablet-2" || got.LocalDevice != "tablet-1" {
		t.Errorf("Device attribution mismatch: %+v", got)
	}
}

func TestListConflictsByScope(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	first := sampleConflict()
	first.DetectedAt = 100
	second := sampleConflict()
	second.RecordID = "wo-2"
	second.DetectedAt = 200
	for _, c := range []*models.FieldConflict{first, second} {
		if err := repo.CreateConflict(c); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, err := repo.ListConflicts(ConflictScope{Status: models.ConflictStatusPending})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 conflicts, got %d", len(all))
	}
	if all[0].DetectedAt > all[1].DetectedAt {
		t.Error("Conflicts should list oldest first")
	}

	scoped, err := repo.ListConflicts(ConflictScope{RecordID: "wo-2"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(scoped) != 1 || scoped[0].RecordID != "wo-2" {
		t.Errorf("Record scope mismatch: %+v", scoped)
	}
}

func TestMarkConflictResolvedOnce(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	c := sampleConflict()
	if err := repo.CreateConflict(c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	chosen := models.StringValue("completed")
	if err := repo.MarkConflictResolved(c.ID, models.ConflictStatusManuallyResolved, &chosen, "supervisor-1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got, err := repo.GetConflict(c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ConflictStatusManuallyResolved {
		t.Errorf("Expected manually_resolved, got %s", got.Status)
	}
	if got.ResolvedValue == nil || !got.ResolvedValue.Equal(chosen) {
		t.Errorf("Resolved value mismatch: %+v", got.ResolvedValue)
	}
	if got.ResolvedBy != "supervisor-1" {
		t.Errorf("Resolver attribution mismatch: %s", got.ResolvedBy)
	}

	// Second transition must fail.
	err = repo.MarkConflictResolved(c.ID, models.ConflictStatusManuallyResolved, &chosen, "supervisor-2")
	if apperrors.CodeOf(err) != apperrors.ErrAlreadyResolved {
		t.Errorf("Expected ALREADY_RESOLVED, got %v", err)
	}
}

func TestPruneResolvedConflictsKeepsPending(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	repo := NewRepository(db)

	pendingConflict := sampleConflict()
	pendingConflict.DetectedAt = 100
	resolved := sampleConflict()
	resolved.DetectedAt = 100
	for _, c := range []*models.FieldConflict{pendingConflict, resolved} {
		if err := repo.CreateConflict(c); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	chosen := models.StringValue("completed")
	if err := repo.MarkConflictResolved(resolved.ID, models.ConflictStatusAutoResolved, &chosen, "strategy:priority"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	n, err := repo.PruneResolvedConflicts(1<<62 - 1)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned conflict, got %d", n)
	}

	if _, err := repo.GetConflict(pendingConflict.ID); err != nil {
		t.Errorf("Pending conflict must survive pruning: %v", err)
	}
}
