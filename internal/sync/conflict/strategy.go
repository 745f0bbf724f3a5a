// Package conflict provides field-level conflict detection,
// classification and resolution for multi-device synchronization.
package conflict

import (
	"strings"

	apperrors "github.com/marinops/fleetsync/internal/errors"
	"github.com/marinops/fleetsync/internal/models"
)

// Strategy defines how a conflicting field is merged.
type Strategy string

const (
	// StrategyMax keeps the numerically larger value; ties keep server.
	StrategyMax Strategy = "max"

	// StrategyMin keeps the numerically smaller value; ties keep server.
	StrategyMin Strategy = "min"

	// StrategyOr keeps the logical OR of two booleans.
	StrategyOr Strategy = "or"

	// StrategyAppend concatenates distinct string values with a
	// separator. If the server value already contains the local value as
	// a substring the append is skipped, which keeps repeated merges of
	// the same attempt idempotent. The guard is textual: notes that say
	// the same thing in different words are still appended.
	StrategyAppend Strategy = "append"

	// StrategyLWW keeps the value with the later user timestamp. Exact
	// ties break deterministically on the lexically greater device ID so
	// every replica computes the same winner without coordination.
	StrategyLWW Strategy = "lww"

	// StrategyPriority keeps the value with the higher ordinal in the
	// field's configured priority order.
	StrategyPriority Strategy = "priority"

	// StrategyServer always keeps the server value; local is discarded.
	StrategyServer Strategy = "server"

	// StrategyManual routes the conflict to human resolution; it is
	// never invoked as a merge function.
	StrategyManual Strategy = "manual"
)

// IsValid returns true if the strategy is recognized.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyMax, StrategyMin, StrategyOr, StrategyAppend,
		StrategyLWW, StrategyPriority, StrategyServer, StrategyManual:
		return true
	default:
		return false
	}
}

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	return string(s)
}

// Side is one side of a conflict as seen by a merge function: the value
// plus the metadata strategies may consult.
type Side struct {
	Value     models.FieldValue
	Timestamp int64
	DeviceID  string
	UserID    string
}

// MergeOptions carries per-field configuration for strategies that need
// it. PriorityOrder maps enum values to ordinals; AppendSeparator joins
// appended strings.
type MergeOptions struct {
	PriorityOrder   map[string]int
	AppendSeparator string
}

// Merge applies a strategy to a (local, server) pair and returns the
// merged value. Merge functions are pure and deterministic: any two
// replicas given the same pair compute the same winner. A strategy that
// cannot interpret the values returns an error; callers route such
// conflicts to manual resolution instead of guessing.
func Merge(strategy Strategy, local, server Side, opts MergeOptions) (models.FieldValue, error) {
	switch strategy {
	case StrategyMax:
		return mergeNumeric(local, server, true)
	case StrategyMin:
		return mergeNumeric(local, server, false)
	case StrategyOr:
		return mergeOr(local, server)
	case StrategyAppend:
		return mergeAppend(local, server, opts.AppendSeparator)
	case StrategyLWW:
		return mergeLWW(local, server), nil
	case StrategyPriority:
		return mergePriority(local, server, opts.PriorityOrder)
	case StrategyServer:
		return server.Value, nil
	case StrategyManual:
		return models.FieldValue{}, apperrors.New(apperrors.ErrInvalid, "manual strategy cannot be auto-applied")
	default:
		return models.FieldValue{}, apperrors.Newf(apperrors.ErrInvalid, "unknown strategy %q", strategy)
	}
}

func mergeNumeric(local, server Side, wantMax bool) (models.FieldValue, error) {
	if local.Value.Kind != models.KindNumber || server.Value.Kind != models.KindNumber {
		return models.FieldValue{}, apperrors.Newf(apperrors.ErrInvalidValue,
			"numeric strategy on non-numeric values (%s, %s)", local.Value.Kind, server.Value.Kind)
	}
	if wantMax {
		if local.Value.Number > server.Value.Number {
			return local.Value, nil
		}
		return server.Value, nil
	}
	if local.Value.Number < server.Value.Number {
		return local.Value, nil
	}
	return server.Value, nil
}

func mergeOr(local, server Side) (models.FieldValue, error) {
	if local.Value.Kind != models.KindBool || server.Value.Kind != models.KindBool {
		return models.FieldValue{}, apperrors.Newf(apperrors.ErrInvalidValue,
			"or strategy on non-boolean values (%s, %s)", local.Value.Kind, server.Value.Kind)
	}
	return models.BoolValue(local.Value.Bool || server.Value.Bool), nil
}

func mergeAppend(local, server Side, separator string) (models.FieldValue, error) {
	if local.Value.Kind != models.KindString || server.Value.Kind != models.KindString {
		return models.FieldValue{}, apperrors.Newf(apperrors.ErrInvalidValue,
			"append strategy on non-string values (%s, %s)", local.Value.Kind, server.Value.Kind)
	}
	if separator == "" {
		separator = "\n"
	}
	localStr, serverStr := local.Value.Str, server.Value.Str
	if localStr == "" {
		return server.Value, nil
	}
	if serverStr == "" {
		return local.Value, nil
	}
	// Idempotence guard against repeated merges of the same attempt.
	if strings.Contains(serverStr, localStr) {
		return server.Value, nil
	}
	return models.StringValue(serverStr + separator + localStr), nil
}

func mergeLWW(local, server Side) models.FieldValue {
	if local.Timestamp > server.Timestamp {
		return local.Value
	}
	if local.Timestamp < server.Timestamp {
		return server.Value
	}
	// Exact tie: lexically greater device ID wins on every replica.
	if local.DeviceID > server.DeviceID {
		return local.Value
	}
	return server.Value
}

func mergePriority(local, server Side, order map[string]int) (models.FieldValue, error) {
	if len(order) == 0 {
		return models.FieldValue{}, apperrors.New(apperrors.ErrInvalidValue, "priority strategy without a priority order")
	}
	if local.Value.Kind != models.KindString || server.Value.Kind != models.KindString {
		return models.FieldValue{}, apperrors.Newf(apperrors.ErrInvalidValue,
			"priority strategy on non-string values (%s, %s)", local.Value.Kind, server.Value.Kind)
	}

	localOrd, localKnown := order[local.Value.Str]
	serverOrd, serverKnown := order[server.Value.Str]
	switch {
	case localKnown && serverKnown:
		if localOrd > serverOrd {
			return local.Value, nil
		}
		return server.Value, nil
	case localKnown:
		return local.Value, nil
	case serverKnown:
		return server.Value, nil
	default:
		return server.Value, nil
	}
}
