// Package models provides data model definitions for the FleetSync core.
package models

import "time"

// FieldState is the current value of a single record field together with
// its provenance. Version is the record version at which this field last
// changed; the conflict detector uses it to decide whether a field moved
// since a client's base read.
type FieldState struct {
	Value         FieldValue `json:"value"`
	Version       int64      `json:"version"`
	UpdatedAt     int64      `json:"updated_at"`
	UpdatedBy     string     `json:"updated_by,omitempty"`
	UpdatedDevice string     `json:"updated_device,omitempty"`
}

// VersionedRecord is the server-side state of one synchronized record.
// Version is owned by the server: it increases by exactly one on every
// successful apply and never decreases.
type VersionedRecord struct {
	Table         string                `json:"table"`
	RecordID      string                `json:"record_id"`
	Version       int64                 `json:"version"`
	Fields        map[string]FieldState `json:"fields"`
	UpdatedAt     int64                 `json:"updated_at"`
	UpdatedBy     string                `json:"updated_by,omitempty"`
	UpdatedDevice string                `json:"updated_device,omitempty"`
}

// Field returns the state of a named field and whether it exists.
func (r *VersionedRecord) Field(name string) (FieldState, bool) {
	if r == nil || r.Fields == nil {
		return FieldState{}, false
	}
	fs, ok := r.Fields[name]
	return fs, ok
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *VersionedRecord) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}
