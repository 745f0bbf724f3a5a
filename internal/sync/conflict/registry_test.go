package conflict

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/marinops/fleetsync/internal/errors"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryConfig{
		DefaultStrategy: "lww",
		SafetyCritical: map[string][]string{
			"sensor_configurations": {"critical_high_threshold", "critical_low_threshold"},
		},
		AutoRules: map[string]map[string]string{
			"work_orders": {
				"status":   "priority",
				"priority": "max",
				"notes":    "append",
			},
			"crew_assignments": {"confirmed": "or"},
		},
		PriorityOrders: map[string][]string{
			"work_orders.status": {"pending", "scheduled", "in_progress", "paused", "completed", "cancelled"},
		},
	})
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	return r
}

func TestClassifySafetyCriticalOverridesAutoRule(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{
		SafetyCritical: map[string][]string{"sensor_configurations": {"critical_high_threshold"}},
		AutoRules: map[string]map[string]string{
			"sensor_configurations": {"critical_high_threshold": "max"},
		},
	})
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	cls := r.Classify("sensor_configurations", "critical_high_threshold")
	if !cls.IsSafetyCritical {
		t.Error("Expected safety-critical classification")
	}
	if cls.Strategy != StrategyManual {
		t.Errorf("Expected manual strategy, got %s", cls.Strategy)
	}
}

func TestClassifyAutoRule(t *testing.T) {
	r := testRegistry(t)

	cls := r.Classify("work_orders", "priority")
	if cls.IsSafetyCritical {
		t.Error("priority should not be safety-critical")
	}
	if cls.Strategy != StrategyMax {
		t.Errorf("Expected max, got %s", cls.Strategy)
	}
}

func TestClassifyFallsBackToDefault(t *testing.T) {
	r := testRegistry(t)

	if cls := r.Classify("work_orders", "unlisted_field"); cls.Strategy != StrategyLWW {
		t.Errorf("Unlisted field should classify as default, got %s", cls.Strategy)
	}
	if cls := r.Classify("unknown_table", "anything"); cls.Strategy != StrategyLWW {
		t.Errorf("Unknown table should classify as default, got %s", cls.Strategy)
	}
}

func TestNewRegistryRejectsUnknownStrategy(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{
		AutoRules: map[string]map[string]string{"work_orders": {"status": "fanciest"}},
	})
	if err == nil {
		t.Fatal("Expected error for unknown strategy")
	}
	if apperrors.CodeOf(err) != apperrors.ErrRegistryInvalid {
		t.Errorf("Expected REGISTRY_INVALID, got %s", apperrors.CodeOf(err))
	}
}

func TestNewRegistryRejectsManualDefault(t *testing.T) {
	if _, err := NewRegistry(RegistryConfig{DefaultStrategy: "manual"}); err == nil {
		t.Fatal("Expected error for manual default strategy")
	}
}

func TestNewRegistryRejectsBadPriorityKey(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{
		PriorityOrders: map[string][]string{"status": {"a", "b"}},
	})
	if err == nil {
		t.Fatal("Expected error for priority key without table qualifier")
	}
}

func TestMergeOptionsCarryPriorityOrder(t *testing.T) {
	r := testRegistry(t)

	opts := r.MergeOptions("work_orders", "status")
	if len(opts.PriorityOrder) != 6 {
		t.Fatalf("Expected 6 ordinals, got %d", len(opts.PriorityOrder))
	}
	if opts.PriorityOrder["cancelled"] <= opts.PriorityOrder["completed"] {
		t.Error("cancelled should outrank completed in the default order")
	}
}

func TestLoadRegistryFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	content := `
default_strategy: lww
safety_critical:
  sensor_configurations:
    - critical_high_threshold
auto_rules:
  work_orders:
    priority: max
priority_orders:
  work_orders.status:
    - pending
    - completed
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write registry file: %v", err)
	}

	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("Failed to load registry: %v", err)
	}
	if cls := r.Classify("sensor_configurations", "critical_high_threshold"); !cls.IsSafetyCritical {
		t.Error("Expected safety-critical classification from file")
	}
	if cls := r.Classify("work_orders", "priority"); cls.Strategy != StrategyMax {
		t.Errorf("Expected max from file, got %s", cls.Strategy)
	}
}

func TestLoadRegistryMissingFile(t *testing.T) {
	if _, err := LoadRegistry("/nonexistent/registry.yaml"); err == nil {
		t.Fatal("Expected error for missing registry file")
	}
}
