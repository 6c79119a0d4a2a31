package engine

import (
	"context"
	"testing"
	"time"

	"github.com/planq/planq/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type watchRun struct {
	summary *Summary
	err     error
}

func waitRun(t *testing.T, runs <-chan watchRun) watchRun {
	t.Helper()
	select {
	case r := <-runs:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a preflight run")
		return watchRun{}
	}
}

func TestWatchRerunsOnChanges(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ws, _ := newTestWorkspace(t, "")
	mkdir(t, ws.Root, "plans/current")

	runs := make(chan watchRun, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- ws.Watch(ctx, WatchOptions{
			Debounce: 50 * time.Millisecond,
			OnRun: func(s *Summary, err error) {
				runs <- watchRun{summary: s, err: err}
			},
		})
	}()

	first := waitRun(t, runs)
	require.NoError(t, first.err)
	assert.Equal(t, 0, first.summary.Queue.Items)

	mkdir(t, ws.Root, "plans/current/checkout-v2")
	second := waitRun(t, runs)
	require.NoError(t, second.err)
	assert.Equal(t, []string{"plan-checkout-v2"}, second.summary.Plans.ItemsCreated)
	assert.NotEmpty(t, second.summary.Written)

	// The files the run wrote do not trigger another run.
	select {
	case r := <-runs:
		t.Fatalf("unexpected run after own writes: %v", r.summary.Written)
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, ws.Root, "planq.yaml", "rules:\n  quality_gate:\n    mode: fail\n")
	third := waitRun(t, runs)
	require.Error(t, third.err)
	assert.Equal(t, ErrCodeGateFailed, Code(third.err))
	assert.Equal(t, queue.GateFail, third.summary.Gate.Mode)

	// An invalid configuration is rejected and the previous one kept.
	writeFile(t, ws.Root, "planq.yaml", "rules:\n  quality_gate:\n    mode: sometimes\n")
	fourth := waitRun(t, runs)
	assert.Equal(t, queue.GateFail, fourth.summary.Gate.Mode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
