// Package models provides data model definitions for the FleetSync core.
package models

import "time"

// ConflictStatus is the lifecycle state of a FieldConflict.
type ConflictStatus string

const (
	ConflictStatusPending          ConflictStatus = "pending"
	ConflictStatusAutoResolved     ConflictStatus = "auto_resolved"
	ConflictStatusManuallyResolved ConflictStatus = "manually_resolved"
)

// FieldConflict records a detected concurrent edit of a single field.
// Both sides' value and metadata are captured so a human (or the
// resolution strategy library) can decide. A conflict is immutable once
// its status leaves pending; the pending store owns every row.
type FieldConflict struct {
	ID       string `db:"id" json:"id"`
	Table    string `db:"table_name" json:"table"`
	RecordID string `db:"record_id" json:"record_id"`
	Field    string `db:"field" json:"field"`

	LocalValue     FieldValue `db:"local_value" json:"local_value"`
	LocalVersion   int64      `db:"local_version" json:"local_version"`
	LocalTimestamp int64      `db:"local_timestamp" json:"local_timestamp"`
	LocalUser      string     `db:"local_user" json:"local_user"`
	LocalDevice    string     `db:"local_device" json:"local_device"`

	ServerValue     FieldValue `db:"server_value" json:"server_value"`
	ServerVersion   int64      `db:"server_version" json:"server_version"`
	ServerTimestamp int64      `db:"server_timestamp" json:"server_timestamp"`
	ServerUser      string     `db:"server_user" json:"server_user"`
	ServerDevice    string     `db:"server_device" json:"server_device"`

	IsSafetyCritical bool   `db:"is_safety_critical" json:"is_safety_critical"`
	Strategy         string `db:"strategy" json:"strategy"`
	Reason           string `db:"reason" json:"reason"`

	// SuggestedResolution is a hint for the resolution UI; it is never
	// applied automatically to safety-critical fields.
	SuggestedResolution *FieldValue `db:"suggested_resolution" json:"suggested_resolution,omitempty"`

	Status        ConflictStatus `db:"status" json:"status"`
	ResolvedValue *FieldValue    `db:"resolved_value" json:"resolved_value,omitempty"`
	ResolvedBy    string         `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt    int64          `db:"resolved_at" json:"resolved_at,omitempty"`

	DetectedAt int64 `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for FieldConflict.
func (FieldConflict) TableName() string {
	return "field_conflicts"
}

// IsPending reports whether the conflict still awaits resolution.
func (c *FieldConflict) IsPending() bool {
	return c.Status == ConflictStatusPending
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *FieldConflict) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
