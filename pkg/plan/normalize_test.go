package plan

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const testPlanRef = "plans/current/checkout-v2/PLAN.json"

func currentTarget() Target {
	return Target{Root: CurrentRoot, PlanRef: testPlanRef, FeatureID: "checkout-v2"}
}

func clockAt(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func TestNormalizeCreatesDefaultDocument(t *testing.T) {
	doc := &Document{}
	rep := NewNormalizer(clockAt(fixedNow)).Normalize(doc, currentTarget())

	require.True(t, rep.Changed())
	assert.Equal(t, SchemaVersion, doc.SchemaVersion)
	assert.Equal(t, "checkout-v2", doc.FeatureID)
	assert.Equal(t, "Checkout v2", doc.FeatureTitle)
	assert.Equal(t, testPlanRef, doc.PlanRef)
	assert.Equal(t, StatusDraft, doc.Status)
	assert.Equal(t, "2025-06-01T12:00:00Z", doc.UpdatedAt)
	assert.Equal(t, map[string]Progress{
		StageSpecOutline:        ProgressPending,
		StageRefinedSpec:        ProgressPending,
		StageImplementationPlan: ProgressPending,
	}, doc.PlanningStages)
	assert.Equal(t, RequirementOptional, doc.Subagent.Requirement)
	assert.Empty(t, rep.Issues)
	require.NoError(t, NewValidator().Validate(doc))

	// A second pass with a later clock is a no-op and keeps updated_at.
	first, err := Encode(doc)
	require.NoError(t, err)
	again, err := Decode(first)
	require.NoError(t, err)
	rep = NewNormalizer(clockAt(fixedNow.Add(time.Hour))).Normalize(again, currentTarget())
	assert.False(t, rep.Changed(), "changes: %+v repairs: %+v", rep.Changes, rep.Repairs)
	second, err := Encode(again)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(string(first), string(second)))
}

func TestNormalizeReshapesLegacySections(t *testing.T) {
	doc, err := Decode([]byte(`{
		"schema_version": 1,
		"feature_id": "checkout-v2",
		"feature_title": "Checkout",
		"plan_ref": "old/PLAN.json",
		"status": "bogus",
		"updated_at": "2025-01-01T00:00:00Z",
		"planning_stages": {"spec_outline": "done", "refined_spec": "complete"},
		"narrative": {
			"pre_spec_outline": {"purpose_goals": "Faster checkout", "non_goals": []},
			"spec_outline": "Legacy outline text",
			"refined_spec": ["Use Stripe because it is already integrated"],
			"implementation_plan": {"summary": " Ship it ", "entries": [
				{"title": "Build API in pkg/api/handler.go", "deliverable": "TODO", "status": "started"},
				{"id": "Wire UI", "deliverable": "Step 2", "acceptance_criteria": ["UI renders totals"]},
				"Write docs"
			]}
		},
		"custom": true
	}`))
	require.NoError(t, err)

	rep := NewNormalizer(clockAt(fixedNow)).Normalize(doc, currentTarget())
	require.True(t, rep.Changed())

	assert.Equal(t, SchemaVersion, doc.SchemaVersion)
	assert.Equal(t, "Checkout", doc.FeatureTitle)
	assert.Equal(t, testPlanRef, doc.PlanRef)
	assert.Equal(t, StatusDraft, doc.Status)
	assert.Equal(t, "2025-06-01T12:00:00Z", doc.UpdatedAt)
	assert.Equal(t, ProgressPending, doc.PlanningStages[StageSpecOutline])
	assert.Equal(t, ProgressComplete, doc.PlanningStages[StageRefinedSpec])
	assert.Equal(t, ProgressPending, doc.PlanningStages[StageImplementationPlan])

	nv := doc.Narrative
	assert.Equal(t, []string{"Faster checkout"}, nv.PreSpecOutline.PurposeGoals)
	assert.Equal(t, "Legacy outline text", nv.SpecOutline.Summary)
	assert.Empty(t, nv.SpecOutline.Entries)

	require.Len(t, nv.RefinedSpec.Entries, 1)
	decision := nv.RefinedSpec.Entries[0]
	assert.Equal(t, "use-stripe-because-it-is-already-integrated", decision.ID)
	assert.Equal(t, decision.Decision, decision.Rationale)
	assert.Equal(t, []string{decision.Decision}, decision.AcceptanceCriteria)
	assert.Equal(t, []string{testPlanRef}, decision.References)

	assert.Equal(t, "Ship it", nv.ImplementationPlan.Summary)
	steps := nv.ImplementationPlan.Entries
	require.Len(t, steps, 3)

	assert.Equal(t, "build-api-in-pkg-api-handler-go", steps[0].ID)
	assert.Equal(t, "Build API in pkg/api/handler.go", steps[0].Deliverable)
	assert.Equal(t, ProgressPending, steps[0].Status)
	assert.Equal(t, []string{"pkg/api/handler.go"}, steps[0].References)
	assert.Equal(t, []string{steps[0].Deliverable}, steps[0].AcceptanceCriteria)

	assert.Equal(t, "wire-ui", steps[1].ID)
	assert.Equal(t, "UI renders totals", steps[1].Deliverable)

	assert.Equal(t, "write-docs", steps[2].ID)
	assert.Equal(t, "Write docs", steps[2].Deliverable)

	assert.Contains(t, doc.Extra, "custom")
	require.NoError(t, NewValidator().Validate(doc))

	// Converged.
	out, err := Encode(doc)
	require.NoError(t, err)
	reread, err := Decode(out)
	require.NoError(t, err)
	rep = NewNormalizer(clockAt(fixedNow.Add(time.Hour))).Normalize(reread, currentTarget())
	assert.False(t, rep.Changed(), "changes: %+v repairs: %+v", rep.Changes, rep.Repairs)
}

func stepsDoc(status Status, steps ...Progress) *Document {
	doc := &Document{Status: status}
	for i, s := range steps {
		doc.Narrative.ImplementationPlan.Entries = append(doc.Narrative.ImplementationPlan.Entries, StepEntry{
			Title:  "step title " + string(rune('a'+i)),
			Status: s,
		})
	}
	return doc
}

func stepStatuses(doc *Document) []Progress {
	var out []Progress
	for _, s := range doc.Narrative.ImplementationPlan.Entries {
		out = append(out, s.Status)
	}
	return out
}

func TestNormalizeStatusCoherence(t *testing.T) {
	tests := []struct {
		name       string
		root       Root
		doc        *Document
		wantStatus Status
		wantSteps  []Progress
	}{
		{
			name:       "complete with unfinished steps is reopened",
			root:       CurrentRoot,
			doc:        stepsDoc(StatusComplete, ProgressComplete, ProgressPending),
			wantStatus: StatusInProgress,
			wantSteps:  []Progress{ProgressComplete, ProgressInProgress},
		},
		{
			name:       "in progress starts the first pending step",
			root:       CurrentRoot,
			doc:        stepsDoc(StatusInProgress, ProgressComplete, ProgressPending, ProgressPending),
			wantStatus: StatusInProgress,
			wantSteps:  []Progress{ProgressComplete, ProgressInProgress, ProgressPending},
		},
		{
			name:       "in progress with every step done is complete",
			root:       CurrentRoot,
			doc:        stepsDoc(StatusInProgress, ProgressComplete, ProgressComplete),
			wantStatus: StatusComplete,
			wantSteps:  []Progress{ProgressComplete, ProgressComplete},
		},
		{
			name:       "in progress without steps is ready",
			root:       CurrentRoot,
			doc:        stepsDoc(StatusInProgress),
			wantStatus: StatusReady,
		},
		{
			name:       "deferred parks running steps",
			root:       DeferredRoot,
			doc:        stepsDoc(StatusDeferred, ProgressInProgress, ProgressComplete),
			wantStatus: StatusDeferred,
			wantSteps:  []Progress{ProgressPending, ProgressComplete},
		},
		{
			name:       "archive root closes every step",
			root:       ArchiveRoot,
			doc:        stepsDoc(StatusComplete, ProgressPending, ProgressInProgress),
			wantStatus: StatusComplete,
			wantSteps:  []Progress{ProgressComplete, ProgressComplete},
		},
		{
			name:       "status not allowed under the root falls back",
			root:       CurrentRoot,
			doc:        stepsDoc(StatusArchived, ProgressPending),
			wantStatus: StatusDraft,
			wantSteps:  []Progress{ProgressPending},
		},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := Target{Root: tt.root, PlanRef: testPlanRef, FeatureID: "checkout-v2"}
			NewNormalizer(clockAt(fixedNow)).Normalize(tt.doc, target)

			assert.Equal(t, tt.wantStatus, tt.doc.Status)
			assert.Equal(t, tt.wantSteps, stepStatuses(tt.doc))
			assert.NoError(t, v.Validate(tt.doc))
		})
	}
}

func TestNormalizeExecutorAndIssues(t *testing.T) {
	doc := stepsDoc(StatusInProgress, ProgressInProgress)
	doc.Subagent.ExecutionAgents = []string{"  ", "codex", "codex"}
	rep := NewNormalizer(clockAt(fixedNow)).Normalize(doc, currentTarget())

	assert.Equal(t, []string{"codex"}, doc.Subagent.ExecutionAgents)
	require.NotNil(t, doc.Subagent.LastExecutor)
	assert.Equal(t, "codex", *doc.Subagent.LastExecutor)
	assert.Equal(t, []string{IssueMissingNonGoals}, issueRules(rep))

	bare := stepsDoc(StatusInProgress, ProgressInProgress)
	bare.Narrative.PreSpecOutline.NonGoals = []string{"No redesign"}
	rep = NewNormalizer(clockAt(fixedNow), WithRequiredFields([]string{"subagent.primary_agent"})).Normalize(bare, currentTarget())
	assert.Nil(t, bare.Subagent.LastExecutor)
	assert.Equal(t, []string{IssueMissingLastExecutor, IssueMissingRequiredPlanField}, issueRules(rep))

	draft := &Document{}
	rep = NewNormalizer(clockAt(fixedNow)).Normalize(draft, currentTarget())
	assert.Empty(t, rep.Issues, "draft plans need neither non-goals nor an executor")
}

func issueRules(rep *Report) []string {
	var out []string
	for _, issue := range rep.Issues {
		out = append(out, issue.Rule)
	}
	return out
}

func TestNormalizeEntryIDsAreUnique(t *testing.T) {
	doc, err := Decode([]byte(`{"narrative": {"spec_outline": {"entries": [
		{"objective": "Same"},
		{"objective": "Same"},
		{"id": "same-2", "objective": "Other"},
		{"objective": "   "}
	]}}}`))
	require.NoError(t, err)

	NewNormalizer(clockAt(fixedNow)).Normalize(doc, currentTarget())

	var ids []string
	for _, e := range doc.Narrative.SpecOutline.Entries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"same", "same-2", "same-2-2", "outline-4"}, ids)
	assert.Equal(t, "Same", doc.Narrative.SpecOutline.Entries[0].Deliverable)
}

func TestDecodeRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`[1, 2]`, `not json`, `"text"`} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidDocument, raw)
	}
}

func TestValidatorReportsIncoherentStatus(t *testing.T) {
	doc := stepsDoc(StatusInProgress, ProgressPending)
	NewNormalizer(clockAt(fixedNow)).Normalize(doc, currentTarget())
	v := NewValidator()
	require.NoError(t, v.Validate(doc))

	doc.Status = StatusComplete
	err := v.Validate(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "complete_steps")

	doc.Status = StatusDeferred
	assert.ErrorContains(t, v.Validate(doc), "deferred_steps")

	doc.Status = "shipped"
	assert.ErrorContains(t, v.Validate(doc), "oneof")
}

func TestChooseDeliverable(t *testing.T) {
	deny, err := CompileDenyPatterns(DefaultDenyPatterns)
	require.NoError(t, err)

	tests := []struct {
		name       string
		candidates []string
		want       string
		ok         bool
	}{
		{"first usable", []string{"Ship the API", "other"}, "Ship the API", true},
		{"skips placeholder", []string{"TODO: fill in", "Ship the API"}, "Ship the API", true},
		{"skips todo markers", []string{"TODO", "todo...", "TODO(ana) wire it", "TODO later", "Ship the API"}, "Ship the API", true},
		{"todo as a word is fine", []string{"todo list export"}, "todo list export", true},
		{"skips step label", []string{"Step 3", "", "Wire the UI"}, "Wire the UI", true},
		{"step with text is fine", []string{"Step 3 wires the UI"}, "Step 3 wires the UI", true},
		{"trims", []string{"  n/a ", "  Write docs  "}, "Write docs", true},
		{"nothing usable", []string{"tbd", "...", "Placeholder text", ""}, "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ChooseDeliverable(tt.candidates, deny)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = CompileDenyPatterns([]string{"("})
	assert.Error(t, err)
}

func TestNormalizeBackfillsPlaceholderStep(t *testing.T) {
	doc, err := Decode([]byte(`{"narrative": {"implementation_plan": {"entries": [
		{"title": "Step 2", "completion_summary": "TODO later"},
		{"title": "TODO", "acceptance_criteria": ["Export the todo list"]}
	]}}}`))
	require.NoError(t, err)

	rep := NewNormalizer(clockAt(fixedNow)).Normalize(doc, currentTarget())

	steps := doc.Narrative.ImplementationPlan.Entries
	assert.Equal(t, "Step 2", steps[0].Deliverable)
	assert.Equal(t, []string{"Step 2"}, steps[0].AcceptanceCriteria)
	assert.Equal(t, "Export the todo list", steps[1].Deliverable)
	assert.Equal(t, []string{"Export the todo list"}, steps[1].AcceptanceCriteria)
	assert.Equal(t, []string{IssueStepMissingDeliverable}, issueRules(rep), "a placeholder deliverable is still reported")
	require.NoError(t, NewValidator().Validate(doc))
}

func TestExtractReferences(t *testing.T) {
	refs := ExtractReferences(
		"Update `pkg/api/handler.go` and docs/api.md, see https://example.com/spec.",
		"Again pkg/api/handler.go",
	)
	assert.Equal(t, []string{"https://example.com/spec", "pkg/api/handler.go", "docs/api.md"}, refs)
	assert.Empty(t, ExtractReferences("no references here"))
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "Checkout v2", Humanize("checkout-v2"))
	assert.Equal(t, "Billing sync job", Humanize("billing_sync-job"))
	assert.Equal(t, "", Humanize("--"))
}
