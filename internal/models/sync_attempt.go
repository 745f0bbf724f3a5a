// Package models provides data model definitions for the FleetSync core.
package models

// FieldChange is one field edit inside a sync attempt. UserTimestamp is
// the wall-clock time of the edit on the originating device, used only
// for last-write-wins tie-breaking.
type FieldChange struct {
	Value         FieldValue `json:"value"`
	UserTimestamp int64      `json:"user_timestamp"`
}

// SyncAttempt is an incoming batch of field edits against one record,
// made by a device that last observed the record at BaseVersion. It is
// consumed once per detection pass and not persisted beyond the audit
// change log.
type SyncAttempt struct {
	Table         string                 `json:"table"`
	RecordID      string                 `json:"record_id"`
	BaseVersion   int64                  `json:"base_version"`
	ChangedFields map[string]FieldChange `json:"changed_fields"`
	DeviceID      string                 `json:"device_id"`
	UserID        string                 `json:"user_id"`
}
