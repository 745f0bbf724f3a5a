package conflict

import (
	"time"

	"github.com/marinops/fleetsync/internal/logging"
	"github.com/marinops/fleetsync/internal/models"
)

// Detection is the outcome of comparing one sync attempt against the
// current server state. DirectApply holds the conflict-free field
// changes (applied together in a single CAS), NoOps the fields whose
// proposed value already matches the server, and Conflicts the true
// concurrent edits, one per field.
type Detection struct {
	CurrentVersion int64
	DirectApply    map[string]models.FieldChange
	NoOps          []string
	Conflicts      []*models.FieldConflict
}

// Detector compares sync attempts with server records field by field.
type Detector struct{}

// NewDetector creates a Detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect partitions an attempt's changed fields. record may be nil when
// the record does not exist yet; every field is then conflict-free.
//
// Per field the decision is:
//   - record version equals the attempt's base version: no interleaving
//     write occurred, direct apply.
//   - the field last changed at or before the base version: only
//     unrelated fields moved, direct apply.
//   - the server value equals the proposed value: idempotent no-op.
//   - otherwise: a true conflict.
func (d *Detector) Detect(attempt *models.SyncAttempt, record *models.VersionedRecord) *Detection {
	det := &Detection{
		DirectApply: make(map[string]models.FieldChange),
	}
	if record != nil {
		det.CurrentVersion = record.Version
	}

	now := time.Now().Unix()

	for field, change := range attempt.ChangedFields {
		if record == nil || record.Version == attempt.BaseVersion {
			det.DirectApply[field] = change
			continue
		}

		state, exists := record.Field(field)
		if !exists || state.Version <= attempt.BaseVersion {
			// The field itself did not move since the client's base read.
			det.DirectApply[field] = change
			continue
		}

		if state.Value.Equal(change.Value) {
			det.NoOps = append(det.NoOps, field)
			continue
		}

		det.Conflicts = append(det.Conflicts, &models.FieldConflict{
			Table:    attempt.Table,
			RecordID: attempt.RecordID,
			Field:    field,

			LocalValue:     change.Value,
			LocalVersion:   attempt.BaseVersion,
			LocalTimestamp: change.UserTimestamp,
			LocalUser:      attempt.UserID,
			LocalDevice:    attempt.DeviceID,

			ServerValue:     state.Value,
			ServerVersion:   record.Version,
			ServerTimestamp: state.UpdatedAt,
			ServerUser:      state.UpdatedBy,
			ServerDevice:    state.UpdatedDevice,

			Status:     models.ConflictStatusPending,
			DetectedAt: now,
		})
	}

	if len(det.Conflicts) > 0 {
		logging.Warn("Concurrent edit conflicts detected",
			map[string]interface{}{
				"table":        attempt.Table,
				"record_id":    attempt.RecordID,
				"base_version": attempt.BaseVersion,
				"version":      det.CurrentVersion,
				"conflicts":    len(det.Conflicts),
				"device_id":    attempt.DeviceID,
			})
	}

	return det
}
