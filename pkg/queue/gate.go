package queue

import (
	"fmt"
	"sort"
	"strings"
)

// Built-in quality-gate issue ids.
const (
	IssueMissingDeferredReason       = "missingDeferredReasonIds"
	IssueQueueMissingScope           = "queueMissingScopeText"
	IssueQueueMissingAcceptance      = "queueMissingAcceptanceCriteria"
	IssueActiveMissingStartedAt      = "activeItemMissingStartedAtIds"
	IssueCompleteMissingStartedAt    = "completeItemMissingStartedAtIds"
	IssueCompleteMissingCompletedAt  = "completeItemMissingCompletedAtIds"
	IssueCompleteMissingVerification = "completeItemMissingVerificationEvidenceIds"
	IssueCompleteMissingResolution   = "completeItemMissingResolutionIds"
	IssueDanglingDependency          = "danglingDependencyIds"
	IssueMissingRequiredField        = "missingRequiredFieldIds"
)

// BuiltinIssues lists every built-in issue id.
var BuiltinIssues = []string{
	IssueMissingDeferredReason,
	IssueQueueMissingScope,
	IssueQueueMissingAcceptance,
	IssueActiveMissingStartedAt,
	IssueCompleteMissingStartedAt,
	IssueCompleteMissingCompletedAt,
	IssueCompleteMissingVerification,
	IssueCompleteMissingResolution,
	IssueDanglingDependency,
	IssueMissingRequiredField,
}

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is one quality-gate finding.
type Issue struct {
	Rule     string `json:"rule"`
	Subject  string `json:"subject"`
	Message  string `json:"message"`
	Severity string `json:"severity"`

	// Blocking is set when the gate is in fail mode and the issue is an error.
	Blocking bool `json:"blocking"`

	// HoldsArchive is set when the rule is configured as archive-blocking.
	HoldsArchive bool `json:"holds_archive"`
}

// GateResult collects the issues found in one evaluation.
type GateResult struct {
	Mode   GateMode `json:"mode"`
	Issues []Issue  `json:"issues"`

	archiveBlocking map[string]bool
}

// NewGateResult returns an empty result for the given mode.
func NewGateResult(mode GateMode, archiveBlocking []string) GateResult {
	g := GateResult{Mode: mode, Issues: []Issue{}, archiveBlocking: make(map[string]bool)}
	for _, rule := range archiveBlocking {
		g.archiveBlocking[rule] = true
	}
	return g
}

// Add records an issue, deriving its blocking flags from the mode and the
// archive-blocking configuration.
func (g *GateResult) Add(issue Issue) {
	if issue.Severity == "" {
		issue.Severity = SeverityError
	}
	issue.Blocking = g.Mode == GateFail && issue.Severity == SeverityError
	issue.HoldsArchive = g.archiveBlocking[issue.Rule] && issue.Subject != QueueSubject
	g.Issues = append(g.Issues, issue)
}

// Blocking reports whether the gate fails the run.
func (g GateResult) Blocking() bool {
	for _, issue := range g.Issues {
		if issue.Blocking {
			return true
		}
	}
	return false
}

// HeldItems maps item ids to the archive-blocking rules that hold them back.
func (g GateResult) HeldItems() map[string][]string {
	held := make(map[string][]string)
	for _, issue := range g.Issues {
		if issue.HoldsArchive {
			held[issue.Subject] = append(held[issue.Subject], issue.Rule)
		}
	}
	return held
}

// ByRule groups issue subjects per rule id.
func (g GateResult) ByRule() map[string][]string {
	out := make(map[string][]string)
	for _, issue := range g.Issues {
		out[issue.Rule] = append(out[issue.Rule], issue.Subject)
	}
	for rule := range out {
		sort.Strings(out[rule])
	}
	return out
}

// EvaluateGate runs the enabled built-in checks over an already normalized
// queue. known reports ids that live outside the hot queue; it may be nil.
func EvaluateGate(q *Queue, rules Rules, known func(string) bool) GateResult {
	rules = rules.withDefaults()
	g := NewGateResult(rules.GateMode, rules.ArchiveBlocking)

	enabled := make(map[string]bool)
	if len(rules.GateRules) == 0 {
		for _, id := range BuiltinIssues {
			enabled[id] = true
		}
	} else {
		for _, id := range rules.GateRules {
			enabled[id] = true
		}
	}
	add := func(rule, subject, format string, args ...any) {
		if !enabled[rule] {
			return
		}
		g.Add(Issue{Rule: rule, Subject: subject, Message: fmt.Sprintf(format, args...)})
	}

	populated := len(q.Items) > 0 || q.State == StateActive || q.State == StateComplete
	if q.State == StateDeferred && strValue(q.DeferredReason) == "" && strValue(q.CancelReason) == "" {
		add(IssueMissingDeferredReason, QueueSubject, "queue is deferred without a reason")
	}
	if populated && strings.TrimSpace(q.Objective) == "" && len(q.InScope) == 0 {
		add(IssueQueueMissingScope, QueueSubject, "queue has neither an objective nor in-scope entries")
	}
	if populated && len(q.AcceptanceCriteria) == 0 {
		add(IssueQueueMissingAcceptance, QueueSubject, "queue has no acceptance criteria")
	}

	ids := make(map[string]bool, len(q.Items))
	for i := range q.Items {
		ids[q.Items[i].ID] = true
	}

	for i := range q.Items {
		it := &q.Items[i]

		for _, field := range missingRequiredFields(it, rules.RequiredFields) {
			add(IssueMissingRequiredField, it.ID, "item %s is missing required field %s", it.ID, field)
		}

		for _, dep := range it.DependsOn {
			if !ids[dep] && (known == nil || !known(dep)) {
				add(IssueDanglingDependency, it.ID, "item %s depends on unknown item %s", it.ID, dep)
			}
		}

		switch it.State {
		case StateDeferred:
			if strValue(it.DeferredReason) == "" {
				add(IssueMissingDeferredReason, it.ID, "item %s is deferred without a reason", it.ID)
			}
		case StateActive:
			if it.ExecutionStartedAt == nil {
				add(IssueActiveMissingStartedAt, it.ID, "active item %s has no execution_started_at", it.ID)
			}
		case StateComplete:
			if it.ExecutionStartedAt == nil {
				add(IssueCompleteMissingStartedAt, it.ID, "complete item %s has no execution_started_at", it.ID)
			}
			if it.CompletedAt == nil {
				add(IssueCompleteMissingCompletedAt, it.ID, "complete item %s has no completed_at", it.ID)
			}
			if strValue(it.ResolutionSummary) == "" || len(it.Outputs) == 0 || len(it.Evidence) == 0 {
				add(IssueCompleteMissingResolution, it.ID, "complete item %s needs a resolution summary, outputs and evidence", it.ID)
			}
			if !HasVerificationEvidence(it.Evidence, rules.VerificationMarkers) {
				add(IssueCompleteMissingVerification, it.ID, "complete item %s has no evidence marked as verification", it.ID)
			}
		}
	}
	return g
}

// HasVerificationEvidence reports whether any evidence entry carries one of
// the verification markers, case-insensitively.
func HasVerificationEvidence(evidence, markers []string) bool {
	for _, e := range evidence {
		lower := strings.ToLower(e)
		for _, m := range markers {
			if m != "" && strings.Contains(lower, strings.ToLower(m)) {
				return true
			}
		}
	}
	return false
}

func missingRequiredFields(it *Item, required []string) []string {
	var missing []string
	for _, field := range required {
		var present bool
		switch field {
		case "id":
			present = it.ID != ""
		case "title":
			present = strings.TrimSpace(it.Title) != ""
		case "feature_id":
			present = strings.TrimSpace(it.FeatureID) != ""
		case "owner":
			present = strings.TrimSpace(it.Owner) != ""
		case "type":
			present = it.Type != ""
		case "subscope":
			present = strValue(it.Subscope) != ""
		case "plan_ref":
			present = strValue(it.PlanRef) != ""
		case "acceptance_criteria":
			present = len(it.AcceptanceCriteria) > 0
		case "constraints":
			present = len(it.Constraints) > 0
		case "references":
			present = len(it.References) > 0
		default:
			present = true
		}
		if !present {
			missing = append(missing, field)
		}
	}
	return missing
}
