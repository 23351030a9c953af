package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

type alertSpec struct {
	Groups []alertGroup `yaml:"groups"`
}

func TestLedgerAlertRules(t *testing.T) {
	path := filepath.Join("..", "..", "deploy", "prometheus", "alerts", "ledger.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read alert file: %v", err)
	}

	var spec alertSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		t.Fatalf("failed to unmarshal alert file: %v", err)
	}

	var ledgerGroup *alertGroup
	for i := range spec.Groups {
		if spec.Groups[i].Name == "ledger" {
			ledgerGroup = &spec.Groups[i]
			break
		}
	}
	if ledgerGroup == nil {
		t.Fatal("ledger alert group missing")
	}

	expected := map[string]string{
		"HighErrorRate":            "critical",
		"LedgerImbalance":          "critical",
		"TransfersStuckDispatched": "warning",
		"PSPFailures":              "warning",
	}

	if len(ledgerGroup.Rules) != len(expected) {
		t.Fatalf("expected %d rules, got %d", len(expected), len(ledgerGroup.Rules))
	}

	for _, rule := range ledgerGroup.Rules {
		severity, ok := expected[rule.Alert]
		if !ok {
			t.Fatalf("unexpected rule %q", rule.Alert)
		}
		if rule.Labels["severity"] != severity {
			t.Fatalf("rule %s severity mismatch: %s", rule.Alert, rule.Labels["severity"])
		}
		if !strings.HasPrefix(rule.Annotations["runbook"], "docs/runbook-ledger.md#") {
			t.Fatalf("rule %s runbook mismatch: %s", rule.Alert, rule.Annotations["runbook"])
		}
		if rule.Annotations["summary"] == "" || rule.Annotations["description"] == "" {
			t.Fatalf("rule %s must include summary and description annotations", rule.Alert)
		}
		if !strings.Contains(rule.Expr, "thriftbank_") {
			t.Fatalf("rule %s must reference a service metric", rule.Alert)
		}
		if rule.For == "" {
			t.Fatalf("rule %s must define a hold duration", rule.Alert)
		}
	}
}
