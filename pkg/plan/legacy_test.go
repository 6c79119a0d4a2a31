package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyPlan = `---
feature_id: checkout-v2
title: Checkout v2
status: In Progress
owner: ana
---
# Checkout v2

## Purpose / Goals
- Cut checkout latency

## Non-goals
- Redesign the cart

## Spec Outline
Covers the payment step.

- Card payments
- Wallet payments

## Decisions
- Use Stripe because it is already integrated

## Implementation Plan
- [x] Build API in ` + "`pkg/api/handler.go`" + `
- [ ] Wire UI
- [ ] TODO
`

func TestMigrateMarkdown(t *testing.T) {
	doc := MigrateMarkdown([]byte(legacyPlan))

	assert.Equal(t, "checkout-v2", doc.FeatureID)
	assert.Equal(t, "Checkout v2", doc.FeatureTitle)
	assert.Equal(t, StatusInProgress, doc.Status)
	assert.Equal(t, "ana", doc.Subagent.PrimaryAgent)

	nv := doc.Narrative
	assert.Equal(t, []string{"Cut checkout latency"}, nv.PreSpecOutline.PurposeGoals)
	assert.Equal(t, []string{"Redesign the cart"}, nv.PreSpecOutline.NonGoals)
	assert.Equal(t, "Covers the payment step.", nv.SpecOutline.Summary)
	require.Len(t, nv.SpecOutline.Entries, 2)
	assert.Equal(t, "Wallet payments", nv.SpecOutline.Entries[1].Objective)

	require.Len(t, nv.RefinedSpec.Entries, 1)
	assert.Equal(t, "Use Stripe", nv.RefinedSpec.Entries[0].Decision)
	assert.Equal(t, "it is already integrated", nv.RefinedSpec.Entries[0].Rationale)

	require.Len(t, nv.ImplementationPlan.Entries, 3)
	assert.Equal(t, []Progress{ProgressComplete, ProgressPending, ProgressPending}, stepStatuses(doc))
	assert.Equal(t, "Build API in `pkg/api/handler.go`", nv.ImplementationPlan.Entries[0].Title)
}

func TestMigrateMarkdownThenNormalize(t *testing.T) {
	doc := MigrateMarkdown([]byte(legacyPlan))
	rep := NewNormalizer(clockAt(fixedNow)).Normalize(doc, currentTarget())

	require.True(t, rep.Changed())
	require.NotEmpty(t, rep.Repairs)
	assert.Equal(t, "migrated", rep.Repairs[0].Action)

	assert.Equal(t, StatusInProgress, doc.Status)
	assert.Equal(t, []Progress{ProgressComplete, ProgressInProgress, ProgressPending}, stepStatuses(doc))

	steps := doc.Narrative.ImplementationPlan.Entries
	assert.Equal(t, []string{"pkg/api/handler.go"}, steps[0].References)
	assert.Equal(t, "Wire UI", steps[1].Deliverable)
	assert.Equal(t, "TODO", steps[2].Deliverable, "a placeholder is kept when the step has nothing else")
	assert.Equal(t, []string{"TODO"}, steps[2].AcceptanceCriteria)
	require.NoError(t, NewValidator().Validate(doc))

	require.NotNil(t, doc.Subagent.LastExecutor)
	assert.Equal(t, "ana", *doc.Subagent.LastExecutor)

	rules := issueRules(rep)
	assert.Contains(t, rules, IssueStepMissingDeliverable)
	assert.Contains(t, rules, IssueStepMissingCompletion)
	assert.NotContains(t, rules, IssueMissingNonGoals)
}

func TestMigrateMarkdownWithoutFrontMatter(t *testing.T) {
	doc := MigrateMarkdown([]byte("# Billing sync\n\nSome intro.\n\n## Steps\n- Write the job\n"))

	assert.Empty(t, doc.FeatureID)
	assert.Equal(t, "Billing sync", doc.FeatureTitle)
	require.Len(t, doc.Narrative.ImplementationPlan.Entries, 1)
	assert.Equal(t, "Write the job", doc.Narrative.ImplementationPlan.Entries[0].Title)
}

func TestMigrateMarkdownInvalidFrontMatter(t *testing.T) {
	doc := MigrateMarkdown([]byte("---\nfeature_id: [unclosed\n---\n## Tasks\n- one\n"))

	assert.Empty(t, doc.FeatureID)
	require.Len(t, doc.repairs, 2)
	assert.Equal(t, "front_matter", doc.repairs[1].Field)
	assert.Len(t, doc.Narrative.ImplementationPlan.Entries, 1)
}

func TestSplitFrontMatter(t *testing.T) {
	fm, body := splitFrontMatter([]byte("---\na: 1\n---\nbody\n"))
	assert.Equal(t, "a: 1\n", string(fm))
	assert.Equal(t, "body\n", string(body))

	fm, body = splitFrontMatter([]byte("no front matter\n---\n"))
	assert.Nil(t, fm)
	assert.Equal(t, "no front matter\n---\n", string(body))

	fm, body = splitFrontMatter([]byte("---\nunterminated: true\n"))
	assert.Nil(t, fm)
	assert.Equal(t, "---\nunterminated: true\n", string(body))
}
