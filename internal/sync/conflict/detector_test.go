package conflict

import (
	"testing"

	"github.com/marinops/fleetsync/internal/models"
)

func testRecord(version int64, fields map[string]models.FieldState) *models.VersionedRecord {
	return &models.VersionedRecord{
		Table:    "work_orders",
		RecordID: "wo-1",
		Version:  version,
		Fields:   fields,
	}
}

func testAttempt(base int64, changes map[string]models.FieldChange) *models.SyncAttempt {
	return &models.SyncAttempt{
		Table:         "work_orders",
		RecordID:      "wo-1",
		BaseVersion:   base,
		ChangedFields: changes,
		DeviceID:      "tablet-1",
		UserID:        "tech-1",
	}
}

func TestDetectNewRecordIsConflictFree(t *testing.T) {
	attempt := testAttempt(0, map[string]models.FieldChange{
		"status": {Value: models.StringValue("pending")},
	})

	det := NewDetector().Detect(attempt, nil)
	if len(det.DirectApply) != 1 || len(det.Conflicts) != 0 {
		t.Fatalf("Expected 1 direct apply and no conflicts, got %d/%d",
			len(det.DirectApply), len(det.Conflicts))
	}
	if det.CurrentVersion != 0 {
		t.Errorf("Expected current version 0, got %d", det.CurrentVersion)
	}
}

func TestDetectMatchingBaseVersionIsDirect(t *testing.T) {
	record := testRecord(3, map[string]models.FieldState{
		"status": {Value: models.StringValue("scheduled"), Version: 3},
	})
	attempt := testAttempt(3, map[string]models.FieldChange{
		"status": {Value: models.StringValue("in_progress")},
	})

	det := NewDetector().Detect(attempt, record)
	if len(det.DirectApply) != 1 || len(det.Conflicts) != 0 {
		t.Fatalf("Matching base version should apply directly, got %d conflicts", len(det.Conflicts))
	}
}

func TestDetectUnrelatedFieldMovementIsDirect(t *testing.T) {
	// The record moved from version 2 to 5, but only the notes field
	// changed in the interim; a status edit based on version 2 is clean.
	record := testRecord(5, map[string]models.FieldState{
		"status": {Value: models.StringValue("scheduled"), Version: 2},
		"notes":  {Value: models.StringValue("updated"), Version: 5},
	})
	attempt := testAttempt(2, map[string]models.FieldChange{
		"status": {Value: models.StringValue("in_progress")},
	})

	det := NewDetector().Detect(attempt, record)
	if len(det.DirectApply) != 1 {
		t.Fatalf("Expected direct apply for an unmoved field, got %+v", det)
	}
	if len(det.Conflicts) != 0 {
		t.Errorf("Expected no conflicts, got %d", len(det.Conflicts))
	}
}

func TestDetectIdenticalValueIsNoOp(t *testing.T) {
	record := testRecord(5, map[string]models.FieldState{
		"status": {Value: models.StringValue("completed"), Version: 5},
	})
	attempt := testAttempt(2, map[string]models.FieldChange{
		"status": {Value: models.StringValue("completed")},
	})

	det := NewDetector().Detect(attempt, record)
	if len(det.NoOps) != 1 || det.NoOps[0] != "status" {
		t.Fatalf("Expected status no-op, got %+v", det)
	}
	if len(det.DirectApply) != 0 || len(det.Conflicts) != 0 {
		t.Error("No-op must not apply or conflict")
	}
}

func TestDetectConcurrentEditIsConflict(t *testing.T) {
	record := testRecord(5, map[string]models.FieldState{
		"status": {
			Value:         models.StringValue("paused"),
			Version:       4,
			UpdatedAt:     1700000100,
			UpdatedBy:     "tech-2",
			UpdatedDevice: "tablet-2",
		},
	})
	attempt := testAttempt(2, map[string]models.FieldChange{
		"status": {Value: models.StringValue("completed"), UserTimestamp: 1700000200},
	})

	det := NewDetector().Detect(attempt, record)
	if len(det.Conflicts) != 1 {
		t.Fatalf("Expected one conflict, got %d", len(det.Conflicts))
	}

	fc := det.Conflicts[0]
	if fc.Field != "status" {
		t.Errorf("Expected status conflict, got %s", fc.Field)
	}
	if !fc.LocalValue.Equal(models.StringValue("completed")) {
		t.Errorf("Local side mismatch: %v", fc.LocalValue)
	}
	if !fc.ServerValue.Equal(models.StringValue("paused")) {
		t.Errorf("Server side mismatch: %v", fc.ServerValue)
	}
	if fc.ServerVersion != 5 || fc.LocalVersion != 2 {
		t.Errorf("Version capture mismatch: server %d local %d", fc.ServerVersion, fc.LocalVersion)
	}
	if fc.ServerDevice != "tablet-2" || fc.LocalDevice != "tablet-1" {
		t.Errorf("Device capture mismatch: server %s local %s", fc.ServerDevice, fc.LocalDevice)
	}
	if fc.Status != models.ConflictStatusPending {
		t.Errorf("Expected pending status, got %s", fc.Status)
	}
}

func TestDetectPartitionsMixedAttempt(t *testing.T) {
	record := testRecord(6, map[string]models.FieldState{
		"status":   {Value: models.StringValue("in_progress"), Version: 6},
		"priority": {Value: models.NumberValue(2), Version: 1},
		"notes":    {Value: models.StringValue("same text"), Version: 6},
	})
	attempt := testAttempt(1, map[string]models.FieldChange{
		"status":   {Value: models.StringValue("completed")},
		"priority": {Value: models.NumberValue(3)},
		"notes":    {Value: models.StringValue("same text")},
	})

	det := NewDetector().Detect(attempt, record)
	if _, ok := det.DirectApply["priority"]; !ok {
		t.Error("priority should apply directly")
	}
	if len(det.NoOps) != 1 || det.NoOps[0] != "notes" {
		t.Errorf("notes should be a no-op, got %v", det.NoOps)
	}
	if len(det.Conflicts) != 1 || det.Conflicts[0].Field != "status" {
		t.Errorf("status should conflict, got %+v", det.Conflicts)
	}
}
