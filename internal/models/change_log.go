// Package models provides data model definitions for the FleetSync core.
package models

import "time"

// ChangeLog is one audit row per applied mutation. It records which
// fields moved, the resulting record version, and who pushed the change.
type ChangeLog struct {
	ID        string `db:"id" json:"id"`
	Table     string `db:"table_name" json:"table"`
	RecordID  string `db:"record_id" json:"record_id"`
	Fields    string `db:"fields" json:"fields"` // comma-separated field names
	Version   int64  `db:"version" json:"version"`
	DeviceID  string `db:"device_id" json:"device_id"`
	UserID    string `db:"user_id" json:"user_id"`
	Timestamp int64  `db:"timestamp" json:"timestamp"`
}

// TableName returns the table name for ChangeLog.
func (ChangeLog) TableName() string {
	return "change_log"
}

// Time returns the Timestamp as time.Time.
func (c *ChangeLog) Time() time.Time {
	return time.Unix(c.Timestamp, 0)
}
