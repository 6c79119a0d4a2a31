package queue

import (
	"testing"
	"time"

	"github.com/planq/planq/pkg/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingItem(id string) Item {
	ts := docstore.FormatTimestamp(fixedNow.Add(-24 * time.Hour))
	return Item{
		ID:             id,
		IdempotencyKey: "checkout:" + id,
		FeatureID:      "checkout",
		Title:          id,
		Type:           TypeTask,
		State:          StatePending,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		PlannedAt:      ts,
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateActive, true},
		{StatePending, StateDeferred, true},
		{StatePending, StateComplete, false},
		{StateActive, StateComplete, true},
		{StateActive, StatePending, true},
		{StateDeferred, StateActive, true},
		{StateDeferred, StateComplete, false},
		{StateComplete, StatePending, false},
		{StateComplete, StateActive, false},
		{StateComplete, StateDeferred, false},
		{StatePending, StatePending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestClaimSetsLease(t *testing.T) {
	it := pendingItem("a")
	require.NoError(t, it.Claim("worker-1", fixedNow, time.Hour))

	assert.Equal(t, StateActive, it.State)
	assert.Equal(t, "worker-1", *it.ClaimedBy)
	assert.Equal(t, "2025-06-01T12:00:00Z", *it.ClaimedAt)
	assert.Equal(t, "2025-06-01T13:00:00Z", *it.LeaseExpiresAt)
	assert.Equal(t, "2025-06-01T12:00:00Z", *it.ExecutionStartedAt)
	assert.Equal(t, "worker-1", it.Owner)
	assert.Equal(t, 1, it.AttemptCount)
	assert.Equal(t, "2025-06-01T12:00:00Z", *it.LastAttemptAt)
	assert.True(t, it.LeaseValid())
}

func TestClaimRespectsLiveLease(t *testing.T) {
	it := pendingItem("a")
	require.NoError(t, it.Claim("worker-1", fixedNow, time.Hour))

	err := it.Claim("worker-2", fixedNow.Add(30*time.Minute), time.Hour)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// Same worker may re-claim.
	require.NoError(t, it.Claim("worker-1", fixedNow.Add(30*time.Minute), time.Hour))
	assert.Equal(t, 2, it.AttemptCount)

	// Expired lease can be taken over.
	later := fixedNow.Add(3 * time.Hour)
	require.NoError(t, it.Claim("worker-2", later, time.Hour))
	assert.Equal(t, "worker-2", *it.ClaimedBy)
	assert.Equal(t, "worker-1", it.Owner, "owner is kept on takeover")
	assert.Equal(t, "2025-06-01T12:00:00Z", *it.ExecutionStartedAt, "start is kept on takeover")
	assert.Equal(t, 3, it.AttemptCount)
}

func TestClaimRejections(t *testing.T) {
	t.Run("no worker", func(t *testing.T) {
		it := pendingItem("a")
		assert.Error(t, it.Claim("  ", fixedNow, time.Hour))
		assert.Equal(t, StatePending, it.State)
	})

	t.Run("complete", func(t *testing.T) {
		it := pendingItem("a")
		it.State = StateComplete
		assert.ErrorIs(t, it.Claim("w", fixedNow, time.Hour), ErrIllegalTransition)
	})

	t.Run("retry window", func(t *testing.T) {
		it := pendingItem("a")
		it.RetryAfter = docstore.TimestampPtr(fixedNow.Add(time.Minute))
		assert.ErrorIs(t, it.Claim("w", fixedNow, time.Hour), ErrRetryPending)

		require.NoError(t, it.Claim("w", fixedNow.Add(time.Minute), time.Hour))
		assert.Nil(t, it.RetryAfter)
	})

	t.Run("deferred clears reason", func(t *testing.T) {
		it := pendingItem("a")
		require.NoError(t, it.Defer("waiting on design", fixedNow))
		require.NoError(t, it.Claim("w", fixedNow, time.Hour))
		assert.Nil(t, it.DeferredReason)
	})
}

func TestRenewAndRelease(t *testing.T) {
	it := pendingItem("a")
	require.NoError(t, it.Claim("worker-1", fixedNow, time.Hour))

	assert.ErrorIs(t, it.Renew("worker-2", fixedNow, time.Hour), ErrNotClaimed)
	require.NoError(t, it.Renew("worker-1", fixedNow.Add(50*time.Minute), time.Hour))
	assert.Equal(t, "2025-06-01T13:50:00Z", *it.LeaseExpiresAt)

	assert.ErrorIs(t, it.Release("worker-2", fixedNow), ErrNotClaimed)
	require.NoError(t, it.Release("", fixedNow))
	assert.Equal(t, StatePending, it.State)
	assert.False(t, it.HasLease())

	assert.ErrorIs(t, it.Release("", fixedNow), ErrIllegalTransition)
}

func TestDeferAndResume(t *testing.T) {
	it := pendingItem("a")
	assert.Error(t, it.Defer("", fixedNow))

	require.NoError(t, it.Claim("w", fixedNow, time.Hour))
	require.NoError(t, it.Defer("blocked upstream", fixedNow))
	assert.Equal(t, StateDeferred, it.State)
	assert.Equal(t, "blocked upstream", *it.DeferredReason)
	assert.False(t, it.HasLease())

	require.NoError(t, it.Resume(fixedNow))
	assert.Equal(t, StatePending, it.State)
	assert.Nil(t, it.DeferredReason)
	assert.ErrorIs(t, it.Resume(fixedNow), ErrIllegalTransition)

	done := pendingItem("b")
	done.State = StateComplete
	assert.ErrorIs(t, done.Defer("late", fixedNow), ErrIllegalTransition)
}

func TestBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Minute, p.Backoff(0))
	assert.Equal(t, time.Minute, p.Backoff(1))
	assert.Equal(t, 2*time.Minute, p.Backoff(2))
	assert.Equal(t, 4*time.Minute, p.Backoff(3))
	assert.Equal(t, 32*time.Minute, p.Backoff(6))
	assert.Equal(t, time.Hour, p.Backoff(7))
	assert.Equal(t, time.Hour, p.Backoff(200))

	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.False(t, RetryPolicy{BaseDelay: time.Second}.Exhausted(1000))
}

func TestFailSchedulesRetryThenDefers(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 2}
	it := pendingItem("a")

	require.NoError(t, it.Claim("w", fixedNow, time.Hour))
	assert.ErrorIs(t, it.Fail("other", "boom", fixedNow, policy), ErrNotClaimed)
	require.NoError(t, it.Fail("w", "boom", fixedNow, policy))
	assert.Equal(t, StatePending, it.State)
	assert.Equal(t, "boom", *it.LastError)
	assert.Equal(t, "2025-06-01T12:01:00Z", *it.RetryAfter)
	assert.False(t, it.HasLease())

	next := fixedNow.Add(time.Minute)
	require.NoError(t, it.Claim("w", next, time.Hour))
	require.NoError(t, it.Fail("w", "", next, policy))
	assert.Equal(t, StateDeferred, it.State)
	assert.Nil(t, it.RetryAfter)
	assert.Equal(t, "retry budget exhausted after 2 attempts: unspecified failure", *it.DeferredReason)

	assert.ErrorIs(t, it.Fail("w", "again", next, policy), ErrIllegalTransition)
}

func TestComplete(t *testing.T) {
	it := pendingItem("a")
	assert.ErrorIs(t, it.Complete("", Completion{Summary: "done"}, fixedNow), ErrIllegalTransition)

	require.NoError(t, it.Claim("w", fixedNow, time.Hour))
	it.LastError = strPtr("earlier failure")

	err := it.Complete("w", Completion{Summary: "done", Outputs: []string{"api.go"}}, fixedNow)
	assert.ErrorIs(t, err, ErrIncompleteResolution)
	assert.Equal(t, StateActive, it.State)

	done := fixedNow.Add(10 * time.Minute)
	require.NoError(t, it.Complete("w", Completion{
		Summary:  " shipped ",
		Outputs:  []string{"api.go", "api.go"},
		Evidence: []string{"verification: go test ./..."},
	}, done))
	assert.Equal(t, StateComplete, it.State)
	assert.Equal(t, "shipped", *it.ResolutionSummary)
	assert.Equal(t, []string{"api.go"}, it.Outputs)
	assert.Equal(t, "2025-06-01T12:10:00Z", *it.CompletedAt)
	assert.Nil(t, it.LastError)
	assert.False(t, it.HasLease())

	for _, to := range AllStates {
		assert.False(t, CanTransition(it.State, to))
	}
}

func TestQueueClaimChecksDependencies(t *testing.T) {
	q := NewQueue(fixedNow)
	dep := pendingItem("dep")
	work := pendingItem("work")
	work.DependsOn = []string{"dep", "archived-elsewhere"}
	q.Items = append(q.Items, dep, work)

	_, err := q.Claim("work", "w", fixedNow, time.Hour)
	assert.ErrorIs(t, err, ErrBlocked)

	_, err = q.Claim("missing", "w", fixedNow, time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, "dep", q.NextClaimable(fixedNow).ID)

	d, err := q.Claim("dep", "w", fixedNow, time.Hour)
	require.NoError(t, err)
	require.NoError(t, d.Complete("w", Completion{Summary: "ok", Outputs: []string{"x"}, Evidence: []string{"verified: yes"}}, fixedNow))

	assert.Equal(t, "work", q.NextClaimable(fixedNow).ID)
	claimed, err := q.Claim("work", "w", fixedNow, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StateActive, claimed.State)
	assert.Nil(t, q.NextClaimable(fixedNow))
}

func TestNextClaimableSkipsBackoff(t *testing.T) {
	q := NewQueue(fixedNow)
	waiting := pendingItem("waiting")
	waiting.RetryAfter = docstore.TimestampPtr(fixedNow.Add(time.Hour))
	q.Items = append(q.Items, waiting, pendingItem("ready"))

	assert.Equal(t, "ready", q.NextClaimable(fixedNow).ID)
	assert.Equal(t, "waiting", q.NextClaimable(fixedNow.Add(time.Hour)).ID)
}

func TestReclaimExpired(t *testing.T) {
	q := NewQueue(fixedNow)
	q.Items = append(q.Items, pendingItem("short"), pendingItem("long"))
	require.NoError(t, q.Items[0].Claim("w1", fixedNow, time.Minute))
	require.NoError(t, q.Items[1].Claim("w2", fixedNow, 4*time.Hour))

	later := fixedNow.Add(time.Hour)
	assert.Equal(t, []string{"short"}, q.ReclaimExpired(later))
	assert.Equal(t, StatePending, q.Items[0].State)
	assert.False(t, q.Items[0].HasLease())
	assert.Equal(t, "lease held by w1 expired at 2025-06-01T12:01:00Z", *q.Items[0].LastError)
	assert.Equal(t, "2025-06-01T13:00:00Z", q.LastUpdated)
	assert.Equal(t, StateActive, q.Items[1].State)

	assert.Empty(t, q.ReclaimExpired(later))
}

func TestSubmitIsIdempotent(t *testing.T) {
	q := NewQueue(fixedNow)

	id, added := q.Submit(Item{FeatureID: "Checkout V2", Title: "Write docs"}, fixedNow)
	require.True(t, added)
	assert.Equal(t, "checkout-v2-write-docs", id)

	again, added := q.Submit(Item{FeatureID: "Checkout V2", Title: "Write docs"}, fixedNow.Add(time.Hour))
	assert.False(t, added)
	assert.Equal(t, id, again)
	require.Len(t, q.Items, 1)

	it := q.Items[0]
	assert.Equal(t, "checkout-v2:write-docs", it.IdempotencyKey)
	assert.Equal(t, StatePending, it.State)
	assert.Equal(t, "2025-06-01T12:00:00Z", it.CreatedAt)
	assert.Equal(t, it.CreatedAt, it.PlannedAt)

	// An explicit key makes a same-titled item distinct.
	other, added := q.Submit(Item{FeatureID: "Checkout V2", Title: "Write docs", IdempotencyKey: "checkout-v2:write-docs-again"}, fixedNow)
	require.True(t, added)
	assert.Equal(t, "checkout-v2-write-docs-2", other)

	// Submitted items survive normalization untouched apart from defaults.
	rep := newTestNormalizer(DefaultRules()).Normalize(q)
	for _, c := range rep.Changes {
		assert.NotEqual(t, "id", c.Field)
		assert.NotEqual(t, "idempotency_key", c.Field)
	}
}
