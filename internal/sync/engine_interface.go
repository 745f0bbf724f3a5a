package sync

// Broadcaster receives change notifications after successful applies.
// Delivery is best-effort and must never block the write path;
// implementations buffer or drop rather than stall.
type Broadcaster interface {
	// RecordUpdated announces a successful apply for a record.
	RecordUpdated(table, recordID string)

	// ConflictDetected announces a newly queued pending conflict.
	ConflictDetected(table, recordID, conflictID string)

	// ConflictResolved announces a conflict leaving the pending state,
	// whether by strategy or by human decision.
	ConflictResolved(table, recordID, conflictID string)
}
