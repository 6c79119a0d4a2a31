package policy

import (
	"sort"
	"time"

	"github.com/planq/planq/pkg/queue"
)

// RulePrefix prefixes the quality-gate rule id of every policy violation.
const RulePrefix = "policy:"

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that block the gate in fail mode.
	SeverityError Severity = "error"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// gateSeverity maps a policy severity onto the two gate severities.
func (s Severity) gateSeverity() string {
	if s == SeverityError {
		return queue.SeverityError
	}
	return queue.SeverityWarning
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy. Violations are reported under
	// the gate rule "policy:<name>".
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. Its deny set is evaluated.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with planq.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	ItemID   string   `json:"item_id,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Rule returns the gate rule id of the violation.
func (v Violation) Rule() string {
	return RulePrefix + v.Policy
}

// Input is the document a policy sees as input.
type Input struct {
	// Queue is the queue document in its on-disk JSON form.
	Queue any `json:"queue"`

	// Now is the evaluation time, RFC 3339.
	Now string `json:"now"`

	// NowNS is the evaluation time in Unix nanoseconds, comparable with
	// time.parse_rfc3339_ns.
	NowNS int64 `json:"now_ns"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Violations []Violation `json:"violations"`

	// Errors lists policies that failed to evaluate. They never abort the run.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Blocking reports whether any violation is an error.
func (r *Result) Blocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Apply adds every violation to the gate as an issue.
func (r *Result) Apply(g *queue.GateResult) {
	for _, v := range r.Violations {
		subject := v.ItemID
		if subject == "" {
			subject = queue.QueueSubject
		}
		g.Add(queue.Issue{
			Rule:     v.Rule(),
			Subject:  subject,
			Message:  v.Message,
			Severity: v.Severity.gateSeverity(),
		})
	}
}

func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Policy != vs[j].Policy {
			return vs[i].Policy < vs[j].Policy
		}
		if vs[i].ItemID != vs[j].ItemID {
			return vs[i].ItemID < vs[j].ItemID
		}
		return vs[i].Message < vs[j].Message
	})
}
