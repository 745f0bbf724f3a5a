package conflict

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/marinops/fleetsync/internal/errors"
)

// RegistryConfig is the on-disk shape of the classification registry.
// It is loaded once at startup; the built Registry is immutable, so
// rule changes are a config rollout, not a code change.
type RegistryConfig struct {
	// DefaultStrategy applies when no rule matches. Default: lww.
	DefaultStrategy string `yaml:"default_strategy"`

	// SafetyCritical maps table name to the fields whose incorrect
	// auto-merge could cause physical harm. These always classify as
	// manual regardless of any auto rule.
	SafetyCritical map[string][]string `yaml:"safety_critical"`

	// AutoRules maps table -> field -> strategy name.
	AutoRules map[string]map[string]string `yaml:"auto_rules"`

	// PriorityOrders maps "table.field" to its enum progression, lowest
	// ordinal first.
	PriorityOrders map[string][]string `yaml:"priority_orders"`

	// AppendSeparator joins values merged by the append strategy.
	// Default: newline.
	AppendSeparator string `yaml:"append_separator"`
}

// Classification is the routing decision for one (table, field) pair.
type Classification struct {
	IsSafetyCritical bool
	Strategy         Strategy
	Reason           string
}

// Registry answers Classify lookups with the precedence
// safety-critical list > auto-rule list > default strategy.
type Registry struct {
	defaultStrategy Strategy
	critical        map[string]map[string]bool
	rules           map[string]map[string]Strategy
	priorities      map[string]map[string]int
	separator       string
}

// LoadRegistry reads and validates a registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRegistryInvalid, "failed to read registry file", err)
	}

	var cfg RegistryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRegistryInvalid, "failed to parse registry file", err)
	}
	return NewRegistry(cfg)
}

// NewRegistry builds an immutable Registry from a config.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	defStrategy := StrategyLWW
	if cfg.DefaultStrategy != "" {
		defStrategy = Strategy(cfg.DefaultStrategy)
		if !defStrategy.IsValid() || defStrategy == StrategyManual {
			return nil, apperrors.Newf(apperrors.ErrRegistryInvalid,
				"invalid default strategy %q", cfg.DefaultStrategy)
		}
	}

	r := &Registry{
		defaultStrategy: defStrategy,
		critical:        make(map[string]map[string]bool),
		rules:           make(map[string]map[string]Strategy),
		priorities:      make(map[string]map[string]int),
		separator:       cfg.AppendSeparator,
	}

	for table, fields := range cfg.SafetyCritical {
		set := make(map[string]bool, len(fields))
		for _, f := range fields {
			set[f] = true
		}
		r.critical[table] = set
	}

	for table, fields := range cfg.AutoRules {
		rules := make(map[string]Strategy, len(fields))
		for field, name := range fields {
			s := Strategy(name)
			if !s.IsValid() {
				return nil, apperrors.Newf(apperrors.ErrRegistryInvalid,
					"unknown strategy %q for %s.%s", name, table, field)
			}
			rules[field] = s
		}
		r.rules[table] = rules
	}

	for key, values := range cfg.PriorityOrders {
		if !strings.Contains(key, ".") {
			return nil, apperrors.Newf(apperrors.ErrRegistryInvalid,
				"priority order key %q must be table.field", key)
		}
		order := make(map[string]int, len(values))
		for i, v := range values {
			order[v] = i
		}
		r.priorities[key] = order
	}

	return r, nil
}

// Classify returns the routing decision for a field. Unknown tables and
// fields fall back to the default strategy; a lookup miss is a
// configuration gap, never a runtime failure.
func (r *Registry) Classify(table, field string) Classification {
	if fields, ok := r.critical[table]; ok && fields[field] {
		return Classification{
			IsSafetyCritical: true,
			Strategy:         StrategyManual,
			Reason:           fmt.Sprintf("%s.%s is safety-critical and requires human resolution", table, field),
		}
	}

	if rules, ok := r.rules[table]; ok {
		if s, ok := rules[field]; ok {
			return Classification{
				Strategy: s,
				Reason:   fmt.Sprintf("auto-rule %s for %s.%s", s, table, field),
			}
		}
		return Classification{
			Strategy: r.defaultStrategy,
			Reason:   fmt.Sprintf("no rule for field %s.%s, default %s", table, field, r.defaultStrategy),
		}
	}

	return Classification{
		Strategy: r.defaultStrategy,
		Reason:   fmt.Sprintf("no rules for table %s, default %s", table, r.defaultStrategy),
	}
}

// MergeOptions returns the per-field options strategies consume.
func (r *Registry) MergeOptions(table, field string) MergeOptions {
	return MergeOptions{
		PriorityOrder:   r.priorities[table+"."+field],
		AppendSeparator: r.separator,
	}
}

// DefaultStrategy returns the configured fallback strategy.
func (r *Registry) DefaultStrategy() Strategy {
	return r.defaultStrategy
}
