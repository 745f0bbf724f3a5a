// Package pending provides the durable queue of unresolved field
// conflicts and the resolution API over it.
package pending

import (
	"context"
	"time"

	"github.com/marinops/fleetsync/internal/db"
	apperrors "github.com/marinops/fleetsync/internal/errors"
	"github.com/marinops/fleetsync/internal/logging"
	"github.com/marinops/fleetsync/internal/models"
	"github.com/marinops/fleetsync/internal/sync/conflict"
	"github.com/marinops/fleetsync/internal/sync/version"
)

// Broadcaster receives conflict lifecycle notifications. Delivery is
// best-effort; implementations must never block.
type Broadcaster interface {
	ConflictDetected(table, recordID, conflictID string)
	ConflictResolved(table, recordID, conflictID string)
	RecordUpdated(table, recordID string)
}

// Store owns FieldConflict rows: it is the only component that creates
// them or moves them out of pending.
type Store struct {
	repo        *db.Repository
	versions    *version.Store
	registry    *conflict.Registry
	broadcaster Broadcaster
}

// NewStore creates a pending conflict store. broadcaster may be nil.
func NewStore(repo *db.Repository, versions *version.Store, registry *conflict.Registry, broadcaster Broadcaster) *Store {
	return &Store{
		repo:        repo,
		versions:    versions,
		registry:    registry,
		broadcaster: broadcaster,
	}
}

// Enqueue persists a pending conflict and returns its ID. The server
// value stays authoritative until the conflict is resolved.
func (s *Store) Enqueue(ctx context.Context, c *models.FieldConflict) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.Status = models.ConflictStatusPending
	if err := s.repo.CreateConflict(c); err != nil {
		return "", err
	}

	logging.Warn("Conflict queued for manual resolution",
		map[string]interface{}{
			"conflict_id": c.ID,
			"table":       c.Table,
			"record_id":   c.RecordID,
			"field":       c.Field,
			"critical":    c.IsSafetyCritical,
			"reason":      c.Reason,
		})

	if s.broadcaster != nil {
		s.broadcaster.ConflictDetected(c.Table, c.RecordID, c.ID)
	}
	return c.ID, nil
}

// RecordResolved persists a conflict that was already auto-resolved by
// the strategy library. The row exists purely for audit and undo; no
// further action is required on it.
func (s *Store) RecordResolved(ctx context.Context, c *models.FieldConflict) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.repo.CreateConflict(c)
}

// Scope narrows ListPending.
type Scope struct {
	Table    string
	RecordID string
	Limit    int
}

// ListPending returns unresolved conflicts in detection order.
func (s *Store) ListPending(ctx context.Context, scope Scope) ([]*models.FieldConflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.repo.ListConflicts(db.ConflictScope{
		Table:    scope.Table,
		RecordID: scope.RecordID,
		Status:   models.ConflictStatusPending,
		Limit:    scope.Limit,
	})
}

// Get returns a conflict by ID. Pending conflicts are realigned with
// the current record where possible so API consumers see the server
// side a resolve would actually compete against.
func (s *Store) Get(ctx context.Context, id string) (*models.FieldConflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.repo.GetConflict(id)
	if err != nil {
		return nil, err
	}
	if c.IsPending() {
		// Best effort: when the contested field itself moved, or the
		// record cannot be read, the stored detection-time side is
		// still the most useful thing to show.
		_ = s.refreshServerSide(ctx, c)
	}
	return c, nil
}

// refreshServerSide realigns a pending conflict with the current
// record. Unrelated writes move the record version without touching
// the contested field; the field's own provenance decides whether a
// resolve can still proceed. A contested field that moved after
// detection makes the conflict genuinely stale.
func (s *Store) refreshServerSide(ctx context.Context, c *models.FieldConflict) error {
	record, err := s.versions.Get(ctx, c.Table, c.RecordID)
	if err != nil {
		return err
	}
	if record.Version == c.ServerVersion {
		return nil
	}

	state, exists := record.Field(c.Field)
	if exists && state.Version > c.ServerVersion {
		return apperrors.Newf(apperrors.ErrStaleResolution,
			"field %s.%s changed at version %d, after the conflict was detected at version %d",
			c.Table, c.Field, state.Version, c.ServerVersion)
	}

	c.ServerVersion = record.Version
	if exists {
		c.ServerValue = state.Value
		c.ServerTimestamp = state.UpdatedAt
		c.ServerUser = state.UpdatedBy
		c.ServerDevice = state.UpdatedDevice
	}
	return nil
}

// Resolve applies a human-chosen value for a pending conflict. The
// apply is a CAS against the record version the conflict is aligned
// to; writes that only touched unrelated fields are absorbed by a
// refresh first, so STALE_RESOLUTION means the contested field itself
// moved (or raced this call) and the caller must re-fetch and decide
// again. Resolving a conflict that already left pending fails with
// ALREADY_RESOLVED.
func (s *Store) Resolve(ctx context.Context, conflictID string, resolvedValue models.FieldValue, resolvedBy string) (int64, error) {
	c, err := s.repo.GetConflict(conflictID)
	if err != nil {
		return 0, err
	}
	if !c.IsPending() {
		return 0, apperrors.Newf(apperrors.ErrAlreadyResolved,
			"conflict %s already %s", conflictID, c.Status)
	}
	if err := s.refreshServerSide(ctx, c); err != nil {
		return 0, err
	}

	changes := map[string]models.FieldChange{
		c.Field: {Value: resolvedValue, UserTimestamp: time.Now().Unix()},
	}
	newVersion, err := s.versions.Apply(ctx, c.Table, c.RecordID, c.ServerVersion, changes, db.ApplyMeta{
		UserID: resolvedBy,
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrVersionMismatch) {
			return 0, apperrors.Wrap(apperrors.ErrStaleResolution,
				"record moved during resolution, re-fetch and re-resolve", err)
		}
		return 0, err
	}

	if err := s.repo.MarkConflictResolved(c.ID, models.ConflictStatusManuallyResolved, &resolvedValue, resolvedBy); err != nil {
		return 0, err
	}

	logging.Info("Conflict resolved manually",
		map[string]interface{}{
			"conflict_id": c.ID,
			"table":       c.Table,
			"record_id":   c.RecordID,
			"field":       c.Field,
			"resolved_by": resolvedBy,
			"new_version": newVersion,
		})

	if s.broadcaster != nil {
		s.broadcaster.RecordUpdated(c.Table, c.RecordID)
		s.broadcaster.ConflictResolved(c.Table, c.RecordID, c.ID)
	}
	return newVersion, nil
}

// BatchResult is the per-item outcome of AutoResolveBatch.
type BatchResult struct {
	ConflictID string             `json:"conflict_id"`
	Resolved   bool               `json:"resolved"`
	Value      *models.FieldValue `json:"value,omitempty"`
	NewVersion int64              `json:"new_version,omitempty"`
	Error      string             `json:"error,omitempty"`
	ErrorCode  string             `json:"error_code,omitempty"`
}

// AutoResolveBatch short-circuits non-safety-critical pending conflicts
// through the resolution strategy library in bulk ("accept all
// suggested resolutions"). Safety-critical items are refused per item;
// already-resolved IDs are reported as ALREADY_RESOLVED without
// re-applying anything.
func (s *Store) AutoResolveBatch(ctx context.Context, conflictIDs []string, resolvedBy string) []BatchResult {
	results := make([]BatchResult, 0, len(conflictIDs))
	for _, id := range conflictIDs {
		results = append(results, s.autoResolveOne(ctx, id, resolvedBy))
	}
	return results
}

func (s *Store) autoResolveOne(ctx context.Context, id, resolvedBy string) BatchResult {
	res := BatchResult{ConflictID: id}

	fail := func(err error) BatchResult {
		res.Error = err.Error()
		res.ErrorCode = string(apperrors.CodeOf(err))
		return res
	}

	c, err := s.repo.GetConflict(id)
	if err != nil {
		return fail(err)
	}
	if !c.IsPending() {
		return fail(apperrors.Newf(apperrors.ErrAlreadyResolved, "conflict %s already %s", id, c.Status))
	}
	if c.IsSafetyCritical {
		return fail(apperrors.Newf(apperrors.ErrSafetyCritical,
			"conflict %s on %s.%s requires explicit resolution", id, c.Table, c.Field))
	}
	if err := s.refreshServerSide(ctx, c); err != nil {
		return fail(err)
	}

	value, err := s.suggestedValue(c)
	if err != nil {
		return fail(err)
	}

	changes := map[string]models.FieldChange{
		c.Field: {Value: value, UserTimestamp: time.Now().Unix()},
	}
	newVersion, err := s.versions.Apply(ctx, c.Table, c.RecordID, c.ServerVersion, changes, db.ApplyMeta{
		UserID: resolvedBy,
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrVersionMismatch) {
			return fail(apperrors.Wrap(apperrors.ErrStaleResolution,
				"record moved since the conflict was detected", err))
		}
		return fail(err)
	}

	if err := s.repo.MarkConflictResolved(c.ID, models.ConflictStatusAutoResolved, &value, resolvedBy); err != nil {
		return fail(err)
	}

	if s.broadcaster != nil {
		s.broadcaster.RecordUpdated(c.Table, c.RecordID)
		s.broadcaster.ConflictResolved(c.Table, c.RecordID, c.ID)
	}

	res.Resolved = true
	res.Value = &value
	res.NewVersion = newVersion
	return res
}

// suggestedValue returns the stored suggestion when present, otherwise
// recomputes it with the conflict's strategy (falling back to the
// registry default for manual-routed, non-critical conflicts).
func (s *Store) suggestedValue(c *models.FieldConflict) (models.FieldValue, error) {
	if c.SuggestedResolution != nil {
		return *c.SuggestedResolution, nil
	}

	strategy := conflict.Strategy(c.Strategy)
	if !strategy.IsValid() || strategy == conflict.StrategyManual {
		strategy = s.registry.DefaultStrategy()
	}

	local := conflict.Side{Value: c.LocalValue, Timestamp: c.LocalTimestamp, DeviceID: c.LocalDevice, UserID: c.LocalUser}
	server := conflict.Side{Value: c.ServerValue, Timestamp: c.ServerTimestamp, DeviceID: c.ServerDevice, UserID: c.ServerUser}
	return conflict.Merge(strategy, local, server, s.registry.MergeOptions(c.Table, c.Field))
}
