// Package sync orchestrates conflict-aware synchronization: detection,
// classification, resolution routing and the apply/broadcast flow.
package sync

import (
	"context"
	"time"

	"github.com/marinops/fleetsync/internal/db"
	apperrors "github.com/marinops/fleetsync/internal/errors"
	"github.com/marinops/fleetsync/internal/logging"
	"github.com/marinops/fleetsync/internal/metrics"
	"github.com/marinops/fleetsync/internal/models"
	"github.com/marinops/fleetsync/internal/sync/conflict"
	"github.com/marinops/fleetsync/internal/sync/pending"
	"github.com/marinops/fleetsync/internal/sync/version"
)

// Engine processes sync attempts from devices. Per attempt it runs
// conflict detection against the version store, applies all
// conflict-free fields in one CAS, and routes each true conflict either
// through the strategy library (auto path) or into the pending store
// (manual path). One contested field never blocks unrelated progress on
// the same record.
type Engine struct {
	versions    *version.Store
	detector    *conflict.Detector
	registry    *conflict.Registry
	pending     *pending.Store
	broadcaster Broadcaster
	metrics     *metrics.Metrics
}

// NewEngine creates an Engine. broadcaster and m may be nil.
func NewEngine(versions *version.Store, registry *conflict.Registry, pendingStore *pending.Store, broadcaster Broadcaster, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		versions:    versions,
		detector:    conflict.NewDetector(),
		registry:    registry,
		pending:     pendingStore,
		broadcaster: broadcaster,
		metrics:     m,
	}
}

// AutoResolution describes one conflict merged by the strategy library.
type AutoResolution struct {
	ConflictID string            `json:"conflict_id"`
	Field      string            `json:"field"`
	Strategy   string            `json:"strategy"`
	Value      models.FieldValue `json:"value"`
}

// SyncResult is the outcome of one processed attempt.
type SyncResult struct {
	Table        string                  `json:"table"`
	RecordID     string                  `json:"record_id"`
	NewVersion   int64                   `json:"new_version"`
	Applied      []string                `json:"applied"`
	NoOps        []string                `json:"noops,omitempty"`
	AutoResolved []AutoResolution        `json:"auto_resolved,omitempty"`
	Pending      []*models.FieldConflict `json:"pending,omitempty"`
}

// ProcessAttempt runs one sync attempt through detection, resolution
// routing and apply. A CAS failure on the conflict-free batch surfaces
// as VERSION_MISMATCH: the client driver retries with a fresh read,
// the engine does not retry internally. Partial application is expected
// and safe; fields applied before a failure stay committed.
func (e *Engine) ProcessAttempt(ctx context.Context, attempt *models.SyncAttempt) (*SyncResult, error) {
	if err := validateAttempt(attempt); err != nil {
		return nil, err
	}
	e.metrics.IncSyncAttempts()

	record, err := e.versions.Get(ctx, attempt.Table, attempt.RecordID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		if attempt.BaseVersion != 0 {
			return nil, err
		}
		record = nil
	}

	detection := e.detector.Detect(attempt, record)
	e.metrics.AddFieldsNoOp(len(detection.NoOps))
	e.metrics.AddConflictsDetected(len(detection.Conflicts))

	result := &SyncResult{
		Table:      attempt.Table,
		RecordID:   attempt.RecordID,
		NewVersion: detection.CurrentVersion,
		NoOps:      detection.NoOps,
	}

	meta := db.ApplyMeta{DeviceID: attempt.DeviceID, UserID: attempt.UserID}

	// All conflict-free fields go through one CAS so unrelated edits in
	// the batch commit or fail together.
	if len(detection.DirectApply) > 0 {
		newVersion, err := e.versions.Apply(ctx, attempt.Table, attempt.RecordID, detection.CurrentVersion, detection.DirectApply, meta)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrVersionMismatch) {
				e.metrics.IncVersionMismatches()
			}
			return nil, err
		}
		result.NewVersion = newVersion
		for field := range detection.DirectApply {
			result.Applied = append(result.Applied, field)
		}
		e.metrics.AddFieldsApplied(len(detection.DirectApply))
		if e.broadcaster != nil {
			e.broadcaster.RecordUpdated(attempt.Table, attempt.RecordID)
		}
	}

	for _, fc := range detection.Conflicts {
		if err := e.routeConflict(ctx, fc, meta, result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// routeConflict classifies one conflict and either auto-resolves it or
// enqueues it for human resolution. Safety-critical fields never reach
// the version store from here except through an explicit Resolve.
func (e *Engine) routeConflict(ctx context.Context, fc *models.FieldConflict, meta db.ApplyMeta, result *SyncResult) error {
	cls := e.registry.Classify(fc.Table, fc.Field)
	fc.IsSafetyCritical = cls.IsSafetyCritical
	fc.Strategy = cls.Strategy.String()
	fc.Reason = cls.Reason

	local := conflict.Side{Value: fc.LocalValue, Timestamp: fc.LocalTimestamp, DeviceID: fc.LocalDevice, UserID: fc.LocalUser}
	server := conflict.Side{Value: fc.ServerValue, Timestamp: fc.ServerTimestamp, DeviceID: fc.ServerDevice, UserID: fc.ServerUser}
	opts := e.registry.MergeOptions(fc.Table, fc.Field)

	if cls.IsSafetyCritical || cls.Strategy == conflict.StrategyManual {
		// Suggestion is a UI hint only, computed with the conservative
		// default; the server value stays authoritative until a human
		// decides.
		if suggested, err := conflict.Merge(e.registry.DefaultStrategy(), local, server, opts); err == nil {
			fc.SuggestedResolution = &suggested
		}
		return e.enqueuePending(ctx, fc, result)
	}

	merged, err := conflict.Merge(cls.Strategy, local, server, opts)
	if err != nil {
		// The strategy could not interpret the values; route to a human
		// rather than guess.
		fc.Reason = cls.Reason + "; auto-merge failed: " + err.Error()
		return e.enqueuePending(ctx, fc, result)
	}

	if merged.Equal(fc.ServerValue) {
		// The merge kept the server value: nothing to write, but the
		// conflict is still recorded for audit.
		return e.recordAutoResolved(ctx, fc, merged, result, result.NewVersion)
	}

	changes := map[string]models.FieldChange{
		fc.Field: {Value: merged, UserTimestamp: time.Now().Unix()},
	}
	newVersion, err := e.versions.Apply(ctx, fc.Table, fc.RecordID, result.NewVersion, changes, meta)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrVersionMismatch) {
			// The record moved between detection and this apply; park
			// the conflict for resolution against fresh state.
			e.metrics.IncVersionMismatches()
			fc.Reason = cls.Reason + "; record moved during auto-resolution"
			return e.enqueuePending(ctx, fc, result)
		}
		return err
	}
	result.NewVersion = newVersion

	if e.broadcaster != nil {
		e.broadcaster.RecordUpdated(fc.Table, fc.RecordID)
	}
	return e.recordAutoResolved(ctx, fc, merged, result, newVersion)
}

func (e *Engine) enqueuePending(ctx context.Context, fc *models.FieldConflict, result *SyncResult) error {
	// Earlier applies in this attempt (the conflict-free batch, prior
	// auto-resolves) moved the record past the detection-time version
	// without touching this field. Stamp the running version so the
	// eventual resolve CAS targets the state the conflict is queued
	// against, not a version that is already stale on arrival.
	if result.NewVersion > fc.ServerVersion {
		fc.ServerVersion = result.NewVersion
	}
	if _, err := e.pending.Enqueue(ctx, fc); err != nil {
		return err
	}
	result.Pending = append(result.Pending, fc)
	return nil
}

func (e *Engine) recordAutoResolved(ctx context.Context, fc *models.FieldConflict, merged models.FieldValue, result *SyncResult, version int64) error {
	now := time.Now().Unix()
	fc.Status = models.ConflictStatusAutoResolved
	fc.ResolvedValue = &merged
	fc.ResolvedBy = "strategy:" + fc.Strategy
	fc.ResolvedAt = now

	if err := e.pending.RecordResolved(ctx, fc); err != nil {
		return err
	}
	e.metrics.IncAutoResolved()

	logging.Info("Conflict auto-resolved",
		map[string]interface{}{
			"conflict_id": fc.ID,
			"table":       fc.Table,
			"record_id":   fc.RecordID,
			"field":       fc.Field,
			"strategy":    fc.Strategy,
			"version":     version,
		})

	if e.broadcaster != nil {
		e.broadcaster.ConflictResolved(fc.Table, fc.RecordID, fc.ID)
	}

	result.AutoResolved = append(result.AutoResolved, AutoResolution{
		ConflictID: fc.ID,
		Field:      fc.Field,
		Strategy:   fc.Strategy,
		Value:      merged,
	})
	return nil
}

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

func validateAttempt(attempt *models.SyncAttempt) error {
	if attempt == nil {
		return apperrors.New(apperrors.ErrInvalid, "nil sync attempt")
	}
	if attempt.Table == "" || attempt.RecordID == "" {
		return apperrors.New(apperrors.ErrInvalid, "sync attempt requires table and record_id")
	}
	if attempt.BaseVersion < 0 {
		return apperrors.New(apperrors.ErrInvalid, "base_version must not be negative")
	}
	if len(attempt.ChangedFields) == 0 {
		return apperrors.New(apperrors.ErrInvalid, "sync attempt has no changed fields")
	}
	if attempt.DeviceID == "" {
		return apperrors.New(apperrors.ErrInvalid, "sync attempt requires device_id")
	}
	return nil
}
