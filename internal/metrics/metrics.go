// Package metrics tracks engine counters. Counters are monotonically
// increasing and safe for concurrent use.
package metrics

import "sync/atomic"

// Metrics holds the engine's operational counters.
type Metrics struct {
	syncAttempts      atomic.Int64
	fieldsApplied     atomic.Int64
	fieldsNoOp        atomic.Int64
	conflictsDetected atomic.Int64
	autoResolved      atomic.Int64
	manualResolved    atomic.Int64
	versionMismatches atomic.Int64
	eventsPublished   atomic.Int64
	eventsDropped     atomic.Int64
}

// New creates a Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSyncAttempts()           { m.syncAttempts.Add(1) }
func (m *Metrics) AddFieldsApplied(n int)     { m.fieldsApplied.Add(int64(n)) }
func (m *Metrics) AddFieldsNoOp(n int)        { m.fieldsNoOp.Add(int64(n)) }
func (m *Metrics) AddConflictsDetected(n int) { m.conflictsDetected.Add(int64(n)) }
func (m *Metrics) IncAutoResolved()           { m.autoResolved.Add(1) }
func (m *Metrics) IncManualResolved()         { m.manualResolved.Add(1) }
func (m *Metrics) IncVersionMismatches()      { m.versionMismatches.Add(1) }
func (m *Metrics) IncEventsPublished()        { m.eventsPublished.Add(1) }
func (m *Metrics) IncEventsDropped()          { m.eventsDropped.Add(1) }

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	SyncAttempts      int64 `json:"sync_attempts"`
	FieldsApplied     int64 `json:"fields_applied"`
	FieldsNoOp        int64 `json:"fields_noop"`
	ConflictsDetected int64 `json:"conflicts_detected"`
	AutoResolved      int64 `json:"auto_resolved"`
	ManualResolved    int64 `json:"manual_resolved"`
	VersionMismatches int64 `json:"version_mismatches"`
	EventsPublished   int64 `json:"events_published"`
	EventsDropped     int64 `json:"events_dropped"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		SyncAttempts:      m.syncAttempts.Load(),
		FieldsApplied:     m.fieldsApplied.Load(),
		FieldsNoOp:        m.fieldsNoOp.Load(),
		ConflictsDetected: m.conflictsDetected.Load(),
		AutoResolved:      m.autoResolved.Load(),
		ManualResolved:    m.manualResolved.Load(),
		VersionMismatches: m.versionMismatches.Load(),
		EventsPublished:   m.eventsPublished.Load(),
		EventsDropped:     m.eventsDropped.Load(),
	}
}
