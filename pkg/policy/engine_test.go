package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/planq/planq/pkg/queue"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

func testQueue(items ...queue.Item) *queue.Queue {
	q := queue.NewQueue(testNow)
	q.Objective = "ship checkout #42"
	q.Items = append(q.Items, items...)
	return q
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	return path
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("Expected 2 built-in policies, got %d", len(policies))
	}
	for i, want := range []string{"dependencies", "leases"} {
		if policies[i].Name != want {
			t.Errorf("Expected policy %d to be %s, got %s", i, want, policies[i].Name)
		}
		if !policies[i].Builtin || !policies[i].Enabled {
			t.Errorf("Expected %s to be an enabled built-in", want)
		}
	}
}

func TestEvaluate_Dependencies(t *testing.T) {
	eng := newTestEngine(t)
	q := testQueue(
		queue.Item{ID: "a", State: queue.StatePending},
		queue.Item{ID: "b", State: queue.StateActive, DependsOn: []string{"a", "c"}},
		queue.Item{ID: "c", State: queue.StateComplete},
		queue.Item{ID: "d", State: queue.StatePending, DependsOn: []string{"a"}},
		queue.Item{ID: "e", State: queue.StateActive, DependsOn: []string{"archived-elsewhere"}},
	)

	result, err := eng.Evaluate(context.Background(), q, testNow)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("Unexpected evaluation errors: %v", result.Errors)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}

	v := result.Violations[0]
	if v.Policy != "dependencies" || v.ItemID != "b" || v.Severity != SeverityError {
		t.Errorf("Unexpected violation %+v", v)
	}
	if !strings.Contains(v.Message, "unfinished item a (pending)") {
		t.Errorf("Unexpected message %q", v.Message)
	}
	if !result.Blocking() {
		t.Error("Expected an error violation to block")
	}
}

func TestEvaluate_Leases(t *testing.T) {
	eng := newTestEngine(t)
	q := testQueue(
		queue.Item{ID: "expired", State: queue.StateActive, ClaimedBy: strp("w1"), LeaseExpiresAt: strp("2026-03-01T11:00:00Z")},
		queue.Item{ID: "valid", State: queue.StateActive, ClaimedBy: strp("w2"), LeaseExpiresAt: strp("2026-03-01T13:00:00Z")},
		queue.Item{ID: "unleased", State: queue.StateActive},
		queue.Item{ID: "garbled", State: queue.StateActive, LeaseExpiresAt: strp("soon")},
		queue.Item{ID: "pending", State: queue.StatePending, LeaseExpiresAt: strp("2026-03-01T11:00:00Z")},
	)

	result, err := eng.Evaluate(context.Background(), q, testNow)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}

	v := result.Violations[0]
	if v.Policy != "leases" || v.ItemID != "expired" || v.Severity != SeverityWarning {
		t.Errorf("Unexpected violation %+v", v)
	}
	if !strings.Contains(v.Message, "held by w1") {
		t.Errorf("Unexpected message %q", v.Message)
	}
	if result.Blocking() {
		t.Error("Expected a warning not to block")
	}
}

func TestApply(t *testing.T) {
	result := &Result{Violations: []Violation{
		{Policy: "dependencies", ItemID: "b", Message: "m1", Severity: SeverityError},
		{Policy: "objective", Message: "m2", Severity: SeverityInfo},
	}}

	tests := []struct {
		name         string
		mode         queue.GateMode
		wantBlocking bool
	}{
		{"fail mode", queue.GateFail, true},
		{"warn mode", queue.GateWarn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := queue.NewGateResult(tt.mode, []string{"policy:dependencies"})
			result.Apply(&g)

			if g.Blocking() != tt.wantBlocking {
				t.Errorf("Expected blocking=%v", tt.wantBlocking)
			}
			byRule := g.ByRule()
			if got := byRule["policy:dependencies"]; len(got) != 1 || got[0] != "b" {
				t.Errorf("Unexpected dependencies subjects %v", got)
			}
			if got := byRule["policy:objective"]; len(got) != 1 || got[0] != queue.QueueSubject {
				t.Errorf("Unexpected objective subjects %v", got)
			}
			if g.Issues[1].Severity != queue.SeverityWarning {
				t.Errorf("Expected info to map to warning, got %s", g.Issues[1].Severity)
			}
			if held := g.HeldItems(); len(held["b"]) != 1 {
				t.Errorf("Expected b to be held back, got %v", held)
			}
		})
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "titles.rego", `# Placeholder titles must be replaced before work starts.
# severity: error
package custom.titles

import rego.v1

deny contains {"message": sprintf("item %s has a placeholder title", [item.id]), "item_id": item.id} if {
	some item in input.queue.items
	startswith(lower(item.title), "tbd")
}
`)
	writePolicy(t, dir, "nested/ticket.rego", `package custom.ticket

import rego.v1

deny contains "queue objective must reference a ticket" if {
	not contains(input.queue.objective, "#")
}

deny contains {"message": "never", "severity": "info"} if {
	input.queue.state == "unknown"
}
`)
	writePolicy(t, dir, "README.md", "not a policy")

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	titles, err := eng.GetPolicy("titles")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if titles.Severity != SeverityError || titles.Description != "Placeholder titles must be replaced before work starts." {
		t.Errorf("Unexpected header parse %+v", titles)
	}

	q := testQueue(
		queue.Item{ID: "x", State: queue.StatePending, Title: "TBD later"},
		queue.Item{ID: "y", State: queue.StatePending, Title: "Real work"},
	)
	q.Objective = "no ticket"

	result, err := eng.Evaluate(context.Background(), q, testNow)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
	}
	if len(result.Violations) != 2 {
		t.Fatalf("Expected 2 violations, got %+v", result.Violations)
	}

	ticket, title := result.Violations[0], result.Violations[1]
	if ticket.Policy != "ticket" || ticket.ItemID != "" || ticket.Severity != SeverityWarning {
		t.Errorf("Unexpected ticket violation %+v", ticket)
	}
	if title.Policy != "titles" || title.ItemID != "x" || title.Severity != SeverityError {
		t.Errorf("Unexpected title violation %+v", title)
	}
}

func TestLoadPolicies_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "syntax error",
			file:    "broken.rego",
			content: "package broken\n\ndeny contains x if {\n",
			wantErr: "failed to compile policy broken",
		},
		{
			name:    "name clash with built-in",
			file:    "leases.rego",
			content: "package other.leases\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n",
			wantErr: "clashes with the built-in policy",
		},
		{
			name:    "unknown severity",
			file:    "loud.rego",
			content: "# severity: critical\npackage loud\n",
			wantErr: "unknown severity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePolicy(t, t.TempDir(), tt.file, tt.content)

			eng := newTestEngine(t)
			err := eng.LoadPolicies(context.Background(), []string{path})
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	q := testQueue(
		queue.Item{ID: "a", State: queue.StatePending},
		queue.Item{ID: "b", State: queue.StateActive, DependsOn: []string{"a"}},
	)

	if err := eng.DisablePolicy("dependencies"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), q, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Violations) != 0 {
		t.Errorf("Expected no violations with the policy disabled, got %+v", result.Violations)
	}

	if err := eng.EnablePolicy("dependencies"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, err = eng.Evaluate(context.Background(), q, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Violations) != 1 {
		t.Errorf("Expected 1 violation, got %+v", result.Violations)
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReloadPolicies(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "extra.rego", "package extra\n\nimport rego.v1\n\ndeny contains \"one\" if { true }\n")

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}
	if err := eng.DisablePolicy("leases"); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReloadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("extra"); err == nil {
		t.Error("Expected removed policy to be gone after reload")
	}
	leases, err := eng.GetPolicy("leases")
	if err != nil {
		t.Fatal(err)
	}
	if leases.Enabled {
		t.Error("Expected disabled state to survive reload")
	}

	writePolicy(t, dir, "bad.rego", "package bad\n\ndeny contains {\n")
	if err := eng.ReloadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected reload with a broken policy to fail")
	}
	if len(eng.ListPolicies()) != 2 {
		t.Errorf("Expected previous policy set to stay in place, got %d", len(eng.ListPolicies()))
	}
}
