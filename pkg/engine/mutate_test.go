package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/planq/planq/pkg/config"
	"github.com/planq/planq/pkg/queue"
	"github.com/planq/planq/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submit(t *testing.T, ws *Workspace, title string, deps ...string) string {
	t.Helper()
	res, err := ws.Submit(context.Background(), queue.Item{FeatureID: "checkout", Title: title, DependsOn: deps})
	require.NoError(t, err)
	return res.ID
}

func TestSubmitDeduplicates(t *testing.T) {
	ws, _ := newTestWorkspace(t, "")
	ctx := context.Background()

	first, err := ws.Submit(ctx, queue.Item{FeatureID: "checkout", Title: "Write docs"})
	require.NoError(t, err)
	assert.True(t, first.Added)
	assert.Equal(t, "checkout-write-docs", first.ID)

	before, err := os.ReadFile(ws.QueuePath())
	require.NoError(t, err)

	again, err := ws.Submit(ctx, queue.Item{FeatureID: "checkout", Title: " Write docs "})
	require.NoError(t, err)
	assert.False(t, again.Added)
	assert.False(t, again.Archived)
	assert.Equal(t, first.ID, again.ID)

	after, err := os.ReadFile(ws.QueuePath())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "a duplicate submit writes nothing")

	q := readQueue(t, ws)
	require.Len(t, q.Items, 1)
	it := q.Items[0]
	assert.Equal(t, queue.StatePending, it.State)
	assert.Equal(t, queue.TypeTask, it.Type)
	assert.Equal(t, "checkout:write-docs", it.IdempotencyKey)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	ws, _ := newTestWorkspace(t, "")
	ctx := context.Background()

	tests := []struct {
		name string
		item queue.Item
	}{
		{"no title", queue.Item{FeatureID: "checkout"}},
		{"active", queue.Item{Title: "x", State: queue.StateActive}},
		{"deferred without reason", queue.Item{Title: "x", State: queue.StateDeferred}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ws.Submit(ctx, tt.item)
			require.Error(t, err)
			assert.Equal(t, ErrCodeInvalidArgument, Code(err))
			assert.Equal(t, ExitUsage, ExitCode(err))
		})
	}
}

func TestClaimLifecycle(t *testing.T) {
	ws, clock := newTestWorkspace(t, "")
	ctx := context.Background()
	a := submit(t, ws, "Write docs")
	b := submit(t, ws, "Publish docs", a)

	_, err := ws.Claim(ctx, ClaimRequest{ID: b, Worker: "alice"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeIllegalTransition, Code(err))
	assert.True(t, IsConflict(err))

	it, err := ws.Claim(ctx, ClaimRequest{})
	require.NoError(t, err)
	assert.Equal(t, a, it.ID)
	assert.Equal(t, queue.StateActive, it.State)
	require.NotNil(t, it.ClaimedBy)
	assert.Equal(t, "planq", *it.ClaimedBy, "the configured claimant is the default worker")
	require.NotNil(t, it.LeaseExpiresAt)
	assert.Equal(t, "2025-06-01T14:00:00Z", *it.LeaseExpiresAt)

	_, err = ws.Claim(ctx, ClaimRequest{ID: a, Worker: "bob"})
	assert.Equal(t, ErrCodeIllegalTransition, Code(err), "a live lease is not stolen")

	clock.Advance(time.Hour)
	it, err = ws.Renew(ctx, a, "planq", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01T13:30:00Z", *it.LeaseExpiresAt)

	_, err = ws.Renew(ctx, a, "bob", 0)
	assert.Equal(t, ErrCodeIllegalTransition, Code(err))

	it, err = ws.Release(ctx, a, "")
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, it.State)
	assert.Nil(t, it.ClaimedBy)

	_, err = ws.Claim(ctx, ClaimRequest{ID: a, Worker: "alice"})
	require.NoError(t, err)
	_, err = ws.Complete(ctx, a, "alice", queue.Completion{Summary: "written"})
	assert.Equal(t, ErrCodeIllegalTransition, Code(err), "completion needs outputs and evidence")

	it, err = ws.Complete(ctx, a, "alice", queue.Completion{
		Summary:  "written",
		Outputs:  []string{"docs/checkout.md"},
		Evidence: []string{"verified: rendered locally"},
	})
	require.NoError(t, err)
	assert.Equal(t, queue.StateComplete, it.State)
	require.NotNil(t, it.CompletedAt)

	it, err = ws.Claim(ctx, ClaimRequest{Worker: "alice"})
	require.NoError(t, err)
	assert.Equal(t, b, it.ID, "the dependent becomes claimable")

	_, err = ws.Claim(ctx, ClaimRequest{})
	assert.Equal(t, ErrCodeNotFound, Code(err))
}

func TestFailSchedulesRetry(t *testing.T) {
	ws, clock := newTestWorkspace(t, "rules:\n  retry:\n    base_delay: 10m\n    max_attempts: 2\n")
	ctx := context.Background()
	id := submit(t, ws, "Flaky migration")

	_, err := ws.Claim(ctx, ClaimRequest{ID: id, Worker: "alice"})
	require.NoError(t, err)
	it, err := ws.Fail(ctx, id, "alice", "timeout")
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, it.State)
	require.NotNil(t, it.RetryAfter)
	assert.Equal(t, "2025-06-01T12:10:00Z", *it.RetryAfter)
	require.NotNil(t, it.LastError)
	assert.Equal(t, "timeout", *it.LastError)

	_, err = ws.Claim(ctx, ClaimRequest{ID: id, Worker: "alice"})
	assert.Equal(t, ErrCodeIllegalTransition, Code(err), "the retry window is respected")

	clock.Advance(15 * time.Minute)
	_, err = ws.Claim(ctx, ClaimRequest{ID: id, Worker: "alice"})
	require.NoError(t, err)
	it, err = ws.Fail(ctx, id, "alice", "timeout again")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDeferred, it.State, "the retry budget is spent")
	require.NotNil(t, it.DeferredReason)
	assert.Contains(t, *it.DeferredReason, "retry budget exhausted after 2 attempts")

	_, err = ws.Defer(ctx, id, " ")
	assert.Equal(t, ErrCodeInvalidArgument, Code(err))

	it, err = ws.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, it.State)
	assert.Nil(t, it.DeferredReason)

	it, err = ws.Defer(ctx, id, "waiting on vendor")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDeferred, it.State)

	_, err = ws.Resume(ctx, "nope")
	assert.Equal(t, ErrCodeNotFound, Code(err))
	assert.False(t, IsRetryable(err))
}

func TestReclaimExpired(t *testing.T) {
	ws, clock := newTestWorkspace(t, "")
	ctx := context.Background()
	a := submit(t, ws, "Write docs")
	submit(t, ws, "Review docs")

	_, err := ws.Claim(ctx, ClaimRequest{ID: a, Worker: "alice", Lease: time.Minute})
	require.NoError(t, err)

	ids, err := ws.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	clock.Advance(2 * time.Minute)
	summary, err := ws.Preflight(ctx, PreflightOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, summary.Queue.ExpiredLeases)
	assert.Contains(t, summary.NextActions, "reclaim expired lease on "+a)

	ids, err = ws.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, ids)

	it, _ := readQueue(t, ws).Find(a)
	require.NotNil(t, it)
	assert.Equal(t, queue.StatePending, it.State)
	require.NotNil(t, it.LastError)
	assert.Contains(t, *it.LastError, "lease held by alice expired")
}

func TestMutatePublishesChanges(t *testing.T) {
	root := t.TempDir()
	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
	require.NoError(t, err)
	var changes telemetry.Collector
	tel.Events.Subscribe(changes.Collect, telemetry.FilterByType(telemetry.EventTypeItemChanged))

	ws := NewWorkspace(root, config.Defaults(), "", Options{
		Now:       func() time.Time { return fixedNow },
		Logger:    zerolog.Nop(),
		Telemetry: tel,
	})
	ctx := context.Background()
	id := submit(t, ws, "Write docs")
	_, err = ws.Claim(ctx, ClaimRequest{ID: id, Worker: "alice"})
	require.NoError(t, err)
	require.NoError(t, tel.Shutdown(ctx))

	events := changes.Events()
	require.Len(t, events, 2)
	assert.Equal(t, id, events[0].Subject)
	assert.Equal(t, "submit", events[0].Data["reason"])
	assert.Equal(t, "pending", events[0].Data["to"])
	assert.Equal(t, "active", events[1].Data["to"])
}
