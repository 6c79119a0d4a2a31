package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/planq/planq/pkg/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func decodeQueue(t *testing.T, raw string) *Queue {
	t.Helper()
	q, err := Decode([]byte(raw))
	require.NoError(t, err)
	return q
}

func newTestNormalizer(rules Rules) *Normalizer {
	return NewNormalizer(rules, WithClock(fixedClock))
}

func TestNormalizeAssignsIdentityAndBackfillsLastAttempt(t *testing.T) {
	q := decodeQueue(t, `{
		"state": "active",
		"feature_id": "checkout-v2",
		"items": [{
			"title": "Write docs",
			"feature_id": "Checkout V2",
			"state": "pending",
			"attempt_count": 2,
			"last_attempt_at": null,
			"created_at": "2025-05-01T10:00:00Z",
			"updated_at": "2025-05-02T10:00:00Z"
		}]
	}`)

	rep := newTestNormalizer(DefaultRules()).Normalize(q)
	require.True(t, rep.Changed())

	it := q.Items[0]
	assert.Equal(t, "checkout-v2-write-docs", it.ID)
	assert.Equal(t, "checkout-v2:write-docs", it.IdempotencyKey)
	assert.Equal(t, 2, it.AttemptCount)
	require.NotNil(t, it.LastAttemptAt)
	assert.Equal(t, "2025-05-02T10:00:00Z", *it.LastAttemptAt)
	assert.Equal(t, "2025-05-01T10:00:00Z", it.PlannedAt)
	assert.Equal(t, TypeTask, it.Type)
}

func TestNormalizeDropsInvalidCompletedAtAndHoldsArchive(t *testing.T) {
	q := decodeQueue(t, `{
		"state": "active",
		"objective": "ship",
		"acceptance_criteria": ["works"],
		"items": [{
			"id": "a",
			"idempotency_key": "k-a",
			"title": "A",
			"feature_id": "f",
			"state": "complete",
			"created_at": "2025-05-01T10:00:00Z",
			"updated_at": "2025-05-01T10:00:00Z",
			"planned_at": "2025-05-01T10:00:00Z",
			"execution_started_at": "2025-05-02T10:00:00Z",
			"completed_at": "not a time",
			"resolution_summary": "done",
			"outputs": ["pkg/a.go"],
			"evidence": ["verification: go test ./..."]
		}]
	}`)

	rep := newTestNormalizer(DefaultRules()).Normalize(q)
	assert.Nil(t, q.Items[0].CompletedAt)

	held := rep.Gate.HeldItems()
	assert.Equal(t, []string{IssueCompleteMissingCompletedAt}, held["a"])
	assert.False(t, rep.Gate.Blocking(), "warn mode never blocks the run")
}

func TestNormalizeCompletedBeforeStartIsDropped(t *testing.T) {
	q := decodeQueue(t, `{"items": [{
		"id": "a", "title": "A", "feature_id": "f", "state": "complete",
		"created_at": "2025-05-01T10:00:00Z",
		"execution_started_at": "2025-05-03T10:00:00Z",
		"completed_at": "2025-05-02T10:00:00Z"
	}]}`)
	newTestNormalizer(DefaultRules()).Normalize(q)
	assert.NotNil(t, q.Items[0].ExecutionStartedAt)
	assert.Nil(t, q.Items[0].CompletedAt)
}

func TestNormalizeStateTypeAndTimestamps(t *testing.T) {
	q := decodeQueue(t, `{"items": [{
		"id": "a",
		"title": "A",
		"feature_id": "f",
		"state": "in-flight",
		"type": "epic",
		"created_at": "2025-05-05T00:00:00Z",
		"updated_at": "2025-05-01T00:00:00Z",
		"planned_at": "garbage",
		"execution_started_at": "2025-05-04T00:00:00Z",
		"attempt_count": -3,
		"retry_after": "soon"
	}]}`)
	newTestNormalizer(DefaultRules()).Normalize(q)

	it := q.Items[0]
	assert.Equal(t, StatePending, it.State)
	assert.Equal(t, TypeTask, it.Type)
	assert.Equal(t, "2025-05-05T00:00:00Z", it.UpdatedAt)
	assert.Equal(t, "2025-05-05T00:00:00Z", it.PlannedAt)
	assert.Nil(t, it.ExecutionStartedAt, "start before planned_at is dropped")
	assert.Equal(t, 0, it.AttemptCount)
	assert.Nil(t, it.RetryAfter)
}

func TestNormalizeMissingCreatedAtUsesFallbacks(t *testing.T) {
	q := decodeQueue(t, `{"items": [
		{"id": "a", "title": "A", "updated_at": "2025-05-01T00:00:00Z"},
		{"id": "b", "title": "B"}
	]}`)
	newTestNormalizer(DefaultRules()).Normalize(q)

	assert.Equal(t, "2025-05-01T00:00:00Z", q.Items[0].CreatedAt)
	assert.Equal(t, docstore.FormatTimestamp(fixedNow), q.Items[1].CreatedAt)
	assert.Equal(t, docstore.FormatTimestamp(fixedNow), q.LastUpdated)
}

func TestNormalizeLease(t *testing.T) {
	q := decodeQueue(t, `{"items": [
		{"id": "active-no-lease", "title": "x", "state": "active", "owner": "ana",
		 "created_at": "2025-05-01T00:00:00Z", "execution_started_at": "2025-05-02T00:00:00Z"},
		{"id": "active-bad-lease", "title": "x", "state": "active",
		 "created_at": "2025-05-01T00:00:00Z", "claimed_by": "bo",
		 "claimed_at": "2025-05-03T00:00:00Z", "lease_expires_at": "2025-05-02T00:00:00Z"},
		{"id": "active-anonymous", "title": "x", "state": "active",
		 "created_at": "2025-05-01T00:00:00Z"},
		{"id": "pending-partial", "title": "x", "state": "pending",
		 "created_at": "2025-05-01T00:00:00Z", "claimed_by": "cy"},
		{"id": "deferred-consistent", "title": "x", "state": "deferred", "deferred_reason": "waiting",
		 "created_at": "2025-05-01T00:00:00Z", "claimed_by": "dee",
		 "claimed_at": "2025-05-03T00:00:00Z", "lease_expires_at": "2025-05-03T02:00:00Z"}
	]}`)
	newTestNormalizer(DefaultRules()).Normalize(q)

	byID := func(id string) Item {
		it, _ := q.Find(id)
		require.NotNil(t, it, id)
		return *it
	}

	a := byID("active-no-lease")
	assert.Equal(t, "ana", *a.ClaimedBy)
	assert.Equal(t, "2025-05-02T00:00:00Z", *a.ClaimedAt)
	assert.Equal(t, "2025-05-02T02:00:00Z", *a.LeaseExpiresAt)

	b := byID("active-bad-lease")
	assert.Equal(t, "bo", *b.ClaimedBy)
	assert.Equal(t, "2025-05-03T00:00:00Z", *b.ClaimedAt)
	assert.Equal(t, "2025-05-03T02:00:00Z", *b.LeaseExpiresAt)

	c := byID("active-anonymous")
	assert.Equal(t, "planq", *c.ClaimedBy)

	d := byID("pending-partial")
	assert.False(t, d.HasLease())

	e := byID("deferred-consistent")
	assert.True(t, e.LeaseValid(), "a consistent lease on a non-active item is kept")

	// Lease invariant over every item.
	for _, it := range q.Items {
		if it.State == StateActive {
			assert.True(t, it.LeaseValid(), it.ID)
		} else {
			assert.True(t, !it.HasLease() || it.LeaseValid(), it.ID)
		}
	}
}

func TestNormalizeDeduplicatesIdentity(t *testing.T) {
	q := decodeQueue(t, `{"items": [
		{"id": "dup", "idempotency_key": "k", "title": "one"},
		{"id": "dup", "idempotency_key": "k", "title": "two"},
		{"title": "Dup"},
		{"id": "dup-2", "title": "explicit"}
	]}`)
	newTestNormalizer(DefaultRules()).Normalize(q)

	var ids, keys []string
	for _, it := range q.Items {
		ids = append(ids, it.ID)
		keys = append(keys, it.IdempotencyKey)
	}
	assert.Equal(t, []string{"dup", "dup-3", "dup-4", "dup-2"}, ids)
	assert.Equal(t, []string{"k", "k:2", "unscoped:dup", "unscoped:explicit"}, keys)
}

func TestNormalizeSetsAndReasons(t *testing.T) {
	q := decodeQueue(t, `{
		"state": "pending",
		"deferred_reason": "stale reason",
		"in_scope": [" a ", "a", "", "b"],
		"items": [
			{"id": "x", "title": "x", "state": "pending", "deferred_reason": "old",
			 "depends_on": ["x", "y", "y", "ghost"], "evidence": "single"},
			{"id": "y", "title": "y", "state": "deferred", "deferred_reason": "  "}
		]
	}`)
	rep := newTestNormalizer(DefaultRules()).Normalize(q)

	assert.Nil(t, q.DeferredReason)
	assert.Equal(t, []string{"a", "b"}, q.InScope)
	assert.Equal(t, []string{"y", "ghost"}, q.Items[0].DependsOn)
	assert.Equal(t, []string{"single"}, q.Items[0].Evidence)
	assert.Nil(t, q.Items[0].DeferredReason)
	assert.Nil(t, q.Items[1].DeferredReason)

	byRule := rep.Gate.ByRule()
	assert.Equal(t, []string{"x"}, byRule[IssueDanglingDependency])
	assert.Equal(t, []string{"y"}, byRule[IssueMissingDeferredReason])
}

func TestNormalizeKnownIDsSuppressDangling(t *testing.T) {
	q := decodeQueue(t, `{"items": [{"id": "x", "title": "x", "feature_id": "f", "depends_on": ["archived-one"]}]}`)
	n := NewNormalizer(DefaultRules(), WithClock(fixedClock), WithKnownIDs(func(id string) bool { return id == "archived-one" }))
	rep := n.Normalize(q)
	assert.Empty(t, rep.Gate.ByRule()[IssueDanglingDependency])
}

func TestNormalizeDerivedIdentityAvoidsArchived(t *testing.T) {
	q := decodeQueue(t, `{"items": [
		{"title": "Write tests", "feature_id": "checkout"},
		{"id": "kept", "idempotency_key": "checkout:write-tests", "title": "explicit", "feature_id": "checkout"}
	]}`)
	archivedIDs := map[string]bool{"checkout-write-tests": true}
	archivedKeys := map[string]bool{"checkout:write-tests": true}
	n := NewNormalizer(DefaultRules(), WithClock(fixedClock),
		WithKnownIDs(func(id string) bool { return archivedIDs[id] }),
		WithKnownKeys(func(key string) bool { return archivedKeys[key] }),
	)
	n.Normalize(q)

	assert.Equal(t, "checkout-write-tests-2", q.Items[0].ID)
	assert.Equal(t, "checkout:write-tests:2", q.Items[0].IdempotencyKey)
	// An explicit key is left alone even when the archive already has it.
	assert.Equal(t, "kept", q.Items[1].ID)
	assert.Equal(t, "checkout:write-tests", q.Items[1].IdempotencyKey)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	raw := `{
		"state": "bogus",
		"feature_id": "checkout",
		"objective": 12,
		"in_scope": "everything",
		"custom_top": {"keep": true},
		"items": [
			"not an item",
			{"title": "Build API", "state": "active", "attempt_count": "1", "owner": "ana",
			 "created_at": "2025-05-01", "x-note": "preserved"},
			{"title": "Build API", "state": "complete", "execution_started_at": "2025-05-02T00:00:00Z",
			 "completed_at": "2025-05-01T00:00:00Z", "claimed_at": "2025-05-02T00:00:00Z"},
			{"id": "q1", "type": "question", "state": "deferred", "depends_on": ["q1"]}
		]
	}`

	q := decodeQueue(t, raw)
	first := newTestNormalizer(DefaultRules()).Normalize(q)
	require.True(t, first.Changed())
	out1, err := Encode(q)
	require.NoError(t, err)

	later := NewNormalizer(DefaultRules(), WithClock(func() time.Time { return fixedNow.Add(time.Hour) }))

	q2 := decodeQueue(t, string(out1))
	second := later.Normalize(q2)
	assert.Empty(t, second.Changes)
	assert.Empty(t, second.Repairs)
	out2, err := Encode(q2)
	require.NoError(t, err)

	if diff := cmp.Diff(string(out1), string(out2)); diff != "" {
		t.Errorf("second normalization changed the document (-first +second):\n%s", diff)
	}

	// Re-running in memory is also a no-op.
	again := later.Normalize(q)
	assert.Empty(t, again.Changes)
	assert.Empty(t, again.Repairs)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out1, &doc))
	assert.Contains(t, doc, "custom_top")
	assert.Contains(t, string(out1), `"x-note": "preserved"`)
}

func TestGateFailModeBlocks(t *testing.T) {
	rules := DefaultRules()
	rules.GateMode = GateFail

	q := decodeQueue(t, `{"state": "deferred", "items": []}`)
	rep := newTestNormalizer(rules).Normalize(q)

	require.True(t, rep.Gate.Blocking())
	assert.Equal(t, []string{QueueSubject}, rep.Gate.ByRule()[IssueMissingDeferredReason])
}

func TestGateRuleSelection(t *testing.T) {
	rules := DefaultRules()
	rules.GateMode = GateFail
	rules.GateRules = []string{IssueCompleteMissingVerification}

	q := decodeQueue(t, `{"items": [{"id": "a", "title": "A", "state": "complete",
		"execution_started_at": "2025-05-02T00:00:00Z", "completed_at": "2025-05-03T00:00:00Z",
		"resolution_summary": "ok", "outputs": ["x"], "evidence": ["manual check"]}]}`)
	rep := newTestNormalizer(rules).Normalize(q)

	require.Len(t, rep.Gate.Issues, 1)
	assert.Equal(t, IssueCompleteMissingVerification, rep.Gate.Issues[0].Rule)
	assert.True(t, rep.Gate.Blocking())
}

func TestGateTemplateQueueHasNoScopeIssues(t *testing.T) {
	q := NewQueue(fixedNow)
	rep := newTestNormalizer(DefaultRules()).Normalize(q)
	assert.Empty(t, rep.Gate.Issues)
	assert.False(t, rep.Changed())
}

func TestHasVerificationEvidence(t *testing.T) {
	markers := DefaultRules().VerificationMarkers
	assert.True(t, HasVerificationEvidence([]string{"Verification: ran e2e"}, markers))
	assert.True(t, HasVerificationEvidence([]string{"ci run [verification] #42"}, markers))
	assert.False(t, HasVerificationEvidence([]string{"screenshot.png"}, markers))
	assert.False(t, HasVerificationEvidence(nil, markers))
}
