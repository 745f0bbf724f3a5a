// Package models provides data model definitions for the FleetSync core.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind identifies the concrete type held by a FieldValue.
type ValueKind string

const (
	KindNull   ValueKind = "null"
	KindNumber ValueKind = "number"
	KindString ValueKind = "string"
	KindBool   ValueKind = "bool"
)

// FieldValue is a closed scalar variant for synchronized field values.
// Richer JSON structures (objects, arrays) are rejected at the boundary
// because resolution strategies assume scalar comparability.
type FieldValue struct {
	Kind   ValueKind `json:"kind"`
	Number float64   `json:"number,omitempty"`
	Str    string    `json:"str,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
}

// Null returns the null FieldValue.
func Null() FieldValue {
	return FieldValue{Kind: KindNull}
}

// NumberValue wraps a numeric value.
func NumberValue(f float64) FieldValue {
	return FieldValue{Kind: KindNumber, Number: f}
}

// StringValue wraps a string value.
func StringValue(s string) FieldValue {
	return FieldValue{Kind: KindString, Str: s}
}

// BoolValue wraps a boolean value.
func BoolValue(b bool) FieldValue {
	return FieldValue{Kind: KindBool, Bool: b}
}

// IsNull reports whether the value is null.
func (v FieldValue) IsNull() bool {
	return v.Kind == KindNull || v.Kind == ""
}

// Equal reports whether two values are identical in kind and content.
func (v FieldValue) Equal(other FieldValue) bool {
	if v.IsNull() && other.IsNull() {
		return true
	}
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number == other.Number
	case KindString:
		return v.Str == other.Str
	case KindBool:
		return v.Bool == other.Bool
	}
	return false
}

// String renders the value for logs and audit rows.
func (v FieldValue) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return "null"
	}
}

// MarshalJSON encodes the value as the bare scalar it wraps.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Number)
	case KindString:
		return json.Marshal(v.Str)
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a bare JSON scalar into a FieldValue.
// Objects and arrays are rejected.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fv, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = fv
	return nil
}

// FromInterface converts a decoded JSON value into a FieldValue.
// Returns an error for non-scalar input.
func FromInterface(raw interface{}) (FieldValue, error) {
	switch val := raw.(type) {
	case nil:
		return Null(), nil
	case float64:
		return NumberValue(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return FieldValue{}, fmt.Errorf("invalid numeric value %q: %w", val.String(), err)
		}
		return NumberValue(f), nil
	case string:
		return StringValue(val), nil
	case bool:
		return BoolValue(val), nil
	default:
		return FieldValue{}, fmt.Errorf("unsupported field value type %T: only scalar values can be synchronized", raw)
	}
}
