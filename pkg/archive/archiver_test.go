package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestArchiver(t *testing.T, hygiene bool) (*Archiver, Store) {
	t.Helper()
	store := NewStore(t.TempDir())
	opts := DefaultOptions()
	opts.EnforceHygiene = hygiene
	opts.Now = func() time.Time { return fixedNow }
	return New(store, opts), store
}

func item(id string, state queue.State) queue.Item {
	ts := docstore.FormatTimestamp(fixedNow.Add(-2 * time.Hour))
	it := queue.Item{
		ID:             id,
		IdempotencyKey: "checkout-v2:" + id,
		FeatureID:      "checkout-v2",
		Title:          id,
		Type:           queue.TypeTask,
		State:          state,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		PlannedAt:      ts,
	}
	if state == queue.StateComplete {
		it.ExecutionStartedAt = &ts
		it.CompletedAt = &ts
	}
	return it
}

func testQueue(state queue.State, items ...queue.Item) *queue.Queue {
	q := queue.NewQueue(fixedNow.Add(-24 * time.Hour))
	q.State = state
	q.FeatureID = "checkout-v2"
	q.Items = items
	return q
}

func warnGate() queue.GateResult {
	return queue.NewGateResult(queue.GateWarn, nil)
}

func TestPlanArchivesCompleteItems(t *testing.T) {
	a, store := newTestArchiver(t, true)
	q := testQueue(queue.StatePending, item("done", queue.StateComplete), item("todo", queue.StatePending))
	idx := NewIndex(fixedNow)

	p, err := a.Plan(q, idx, warnGate())
	require.NoError(t, err)

	assert.Equal(t, []string{"done"}, p.ArchivedItems)
	assert.Empty(t, p.ArchivedFeatures)
	require.Len(t, p.Appends, 1)
	assert.Equal(t, "state/archive/checkout-v2.jsonl", p.Appends[0].Ref)
	require.Len(t, p.Queue.Items, 1)
	assert.Equal(t, "todo", p.Queue.Items[0].ID)
	assert.Len(t, q.Items, 2, "planning leaves the input queue alone")
	assert.Empty(t, idx.Entries, "planning leaves the input index alone")
	assert.True(t, p.IndexChanged())
	assert.True(t, p.QueueChanged())

	entry, ok := p.Index.Lookup("item:checkout-v2:done")
	require.True(t, ok)
	assert.Equal(t, "done", entry.ItemID)
	assert.Equal(t, KindItem, entry.Kind)
	assert.False(t, docstore.Exists(store.Resolve(entry.ArchiveRef)), "nothing is written before commit")

	require.NoError(t, a.Commit(p))
	lines, bad, err := store.ReadShard(entry.ArchiveRef)
	require.NoError(t, err)
	assert.Empty(t, bad)
	require.Len(t, lines, 1)
	assert.Equal(t, "item:checkout-v2:done", lines[0].Record.ArchiveKey)

	loaded, err := store.LoadIndex(fixedNow)
	require.NoError(t, err)
	assert.True(t, store.Verify(loaded).OK())

	// A second run over the committed state finds nothing to do.
	again, err := a.Plan(p.Queue, loaded, warnGate())
	require.NoError(t, err)
	assert.False(t, again.Changed())
}

func TestPlanSkipsWhenGateFails(t *testing.T) {
	a, store := newTestArchiver(t, true)
	q := testQueue(queue.StateComplete, item("done", queue.StateComplete))

	gate := queue.NewGateResult(queue.GateFail, nil)
	gate.Add(queue.Issue{Rule: queue.IssueCompleteMissingVerification, Subject: "done", Message: "no evidence"})

	p, err := a.Plan(q, NewIndex(fixedNow), gate)
	require.NoError(t, err)
	assert.True(t, p.Skipped)
	assert.Equal(t, "quality gate failed with 1 blocking issues", p.SkipReason)
	assert.Same(t, q, p.Queue)
	assert.False(t, p.Changed())

	require.NoError(t, a.Commit(p))
	assert.False(t, docstore.Exists(store.IndexFile()))
}

func TestPlanHoldsBackItems(t *testing.T) {
	a, _ := newTestArchiver(t, true)
	held := item("held", queue.StateComplete)
	held.CompletedAt = nil
	q := testQueue(queue.StateComplete, held, item("done", queue.StateComplete))

	gate := queue.NewGateResult(queue.GateWarn, []string{queue.IssueCompleteMissingCompletedAt})
	gate.Add(queue.Issue{Rule: queue.IssueCompleteMissingCompletedAt, Subject: "held", Message: "no completed_at"})

	p, err := a.Plan(q, NewIndex(fixedNow), gate)
	require.NoError(t, err)
	assert.False(t, p.Skipped)
	assert.Equal(t, []string{"done"}, p.ArchivedItems)
	assert.Equal(t, map[string][]string{"held": {queue.IssueCompleteMissingCompletedAt}}, p.HeldBack)
	assert.True(t, p.FeatureDeferred)
	assert.False(t, p.QueueReset)
	require.Len(t, p.Queue.Items, 1)
	assert.Equal(t, "held", p.Queue.Items[0].ID)
}

func TestPlanArchivesFeatureAndResetsQueue(t *testing.T) {
	a, store := newTestArchiver(t, true)
	q := testQueue(queue.StateComplete, item("done", queue.StateComplete))
	featureKey := FeatureKey("checkout-v2", q.UpdatedAt)

	p, err := a.Plan(q, NewIndex(fixedNow), warnGate())
	require.NoError(t, err)
	assert.Equal(t, []string{featureKey}, p.ArchivedFeatures)
	assert.True(t, p.QueueReset)
	assert.Equal(t, queue.StatePending, p.Queue.State)
	assert.Empty(t, p.Queue.Items)
	assert.Equal(t, map[Kind]int{KindItem: 1, KindFeature: 1}, p.Index.Counts())

	require.Len(t, p.Appends, 1)
	require.Len(t, p.Appends[0].Records, 2)
	assert.Equal(t, KindFeature, p.Appends[0].Records[1].Kind)

	require.NoError(t, a.Commit(p))
	loaded, err := store.LoadIndex(fixedNow)
	require.NoError(t, err)
	rep := store.Verify(loaded)
	assert.True(t, rep.OK(), "%v", rep.Problems)
	assert.Equal(t, 2, rep.Records)

	again, err := a.Plan(p.Queue, loaded, warnGate())
	require.NoError(t, err)
	assert.False(t, again.Changed())
}

func TestPlanArchivesFeatureOnceWithoutHygiene(t *testing.T) {
	a, store := newTestArchiver(t, false)
	q := testQueue(queue.StateComplete, item("done", queue.StateComplete), item("left", queue.StatePending))

	p, err := a.Plan(q, NewIndex(fixedNow), warnGate())
	require.NoError(t, err)
	require.NoError(t, a.Commit(p))
	assert.False(t, p.QueueReset)
	assert.Equal(t, queue.StateComplete, p.Queue.State)
	require.Len(t, p.Queue.Items, 1)

	snapshot := p.Appends[0].Records[1]
	assert.Contains(t, string(snapshot.Payload), `"left"`, "remaining hot items are kept in the snapshot")

	loaded, err := store.LoadIndex(fixedNow)
	require.NoError(t, err)
	again, err := a.Plan(p.Queue, loaded, warnGate())
	require.NoError(t, err)
	assert.False(t, again.Changed())
	assert.Empty(t, again.ArchivedFeatures)
}

func TestPlanRecoversFromInterruptedCommit(t *testing.T) {
	a, store := newTestArchiver(t, true)
	done := item("done", queue.StateComplete)
	rec, err := itemRecord(&done, fixedNow.Add(-time.Minute))
	require.NoError(t, err)
	ref := store.ShardRef("checkout-v2")
	require.NoError(t, store.Append(ref, []Record{rec}))

	// The shard was appended but neither the index nor the queue was written.
	q := testQueue(queue.StatePending, done)
	p, err := a.Plan(q, NewIndex(fixedNow), warnGate())
	require.NoError(t, err)

	assert.Equal(t, []string{"item:checkout-v2:done"}, p.Backfilled)
	assert.Empty(t, p.Appends, "the record is not appended twice")
	assert.Equal(t, []string{"done"}, p.ArchivedItems)
	assert.Empty(t, p.Queue.Items)

	require.NoError(t, a.Commit(p))
	lines, _, err := store.ReadShard(ref)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestPlanHoldsBackItemWhoseKeyBelongsToAnother(t *testing.T) {
	a, store := newTestArchiver(t, true)
	first := item("done", queue.StateComplete)
	rec, err := itemRecord(&first, fixedNow.Add(-time.Hour))
	require.NoError(t, err)
	ref := store.ShardRef("checkout-v2")
	require.NoError(t, store.Append(ref, []Record{rec}))
	idx := NewIndex(fixedNow)
	idx.put(entryFor(rec, ref))

	// Same key, different item.
	second := item("done-again", queue.StateComplete)
	second.IdempotencyKey = first.IdempotencyKey
	// Same id and key, created later.
	third := item("done", queue.StateComplete)
	third.IdempotencyKey = "checkout-v2:done"
	third.CreatedAt = docstore.FormatTimestamp(fixedNow.Add(-time.Minute))

	for _, it := range []queue.Item{second, third} {
		p, err := a.Plan(testQueue(queue.StatePending, it), idx, warnGate())
		require.NoError(t, err)

		assert.Empty(t, p.ArchivedItems, it.ID)
		assert.Empty(t, p.Appends, it.ID)
		require.Len(t, p.Queue.Items, 1, it.ID)
		assert.Equal(t, it.ID, p.Queue.Items[0].ID)
		assert.Equal(t, []string{IssueKeyConflict}, p.HeldBack[it.ID])
		require.Len(t, p.Issues, 1)
		assert.Equal(t, IssueKeyConflict, p.Issues[0].Rule)
		assert.Equal(t, queue.SeverityWarning, p.Issues[0].Severity)
	}

	// The archived item itself is still recognized and leaves the queue.
	p, err := a.Plan(testQueue(queue.StatePending, first), idx, warnGate())
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, p.ArchivedItems)
	assert.Empty(t, p.Issues)
	assert.Empty(t, p.Queue.Items)
}

func TestVerifyReportsProblems(t *testing.T) {
	store := NewStore(t.TempDir())
	ref := store.ShardRef("billing")
	shard := store.Resolve(ref)
	require.NoError(t, os.MkdirAll(filepath.Dir(shard), 0o755))
	content := strings.Join([]string{
		`{"archive_key":"item:billing:a","kind":"item","feature_id":"billing","archived_at":"2025-06-01T10:00:00Z","payload":{"id":"a"}}`,
		`not json`,
		`{"kind":"item"}`,
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(shard, []byte(content), 0o644))

	idx := NewIndex(fixedNow)
	idx.Entries = []Entry{
		{ArchiveKey: "item:billing:a", Kind: KindItem, FeatureID: "billing", ArchiveRef: ref},
		{ArchiveKey: "item:billing:a", Kind: KindItem, FeatureID: "billing", ArchiveRef: ref},
		{ArchiveKey: "item:billing:b", Kind: KindItem, FeatureID: "billing", ArchiveRef: ref},
		{ArchiveKey: "item:search:c", Kind: KindItem, FeatureID: "search", ArchiveRef: store.ShardRef("search")},
	}

	rep := store.Verify(idx)
	assert.False(t, rep.OK())
	assert.Equal(t, 4, rep.Entries)
	assert.Equal(t, 1, rep.Shards)
	assert.Equal(t, 1, rep.Records)

	var kinds []string
	var lines []int
	for _, p := range rep.Problems {
		kinds = append(kinds, p.Kind)
		if p.Kind == ProblemMalformedLine {
			lines = append(lines, p.Line)
		}
	}
	assert.Equal(t, []string{
		ProblemMalformedLine,
		ProblemMalformedLine,
		ProblemDuplicateKey,
		ProblemMissingRecord,
		ProblemMissingRecord,
	}, kinds)
	assert.Equal(t, []int{2, 3}, lines)
}

func TestRebuildIndex(t *testing.T) {
	store := NewStore(t.TempDir())
	a := item("a", queue.StateComplete)
	b := item("b", queue.StateComplete)
	b.FeatureID = "billing"
	ra, err := itemRecord(&a, fixedNow)
	require.NoError(t, err)
	rb, err := itemRecord(&b, fixedNow)
	require.NoError(t, err)
	require.NoError(t, store.Append(store.ShardRef(a.FeatureID), []Record{ra}))
	require.NoError(t, store.Append(store.ShardRef(b.FeatureID), []Record{rb}))

	idx := NewIndex(fixedNow.Add(-time.Hour))
	idx.Entries = append(idx.Entries, entryFor(ra, store.ShardRef(a.FeatureID)))

	added, err := store.RebuildIndex(idx, fixedNow)
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "item:checkout-v2:b", added[0].ArchiveKey)
	assert.Equal(t, "state/archive/billing.jsonl", added[0].ArchiveRef)
	assert.Equal(t, docstore.FormatTimestamp(fixedNow), idx.LastUpdated)
	assert.Len(t, idx.Entries, 2)

	added, err = store.RebuildIndex(idx, fixedNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, docstore.FormatTimestamp(fixedNow), idx.LastUpdated)
}

func TestSearch(t *testing.T) {
	idx := NewIndex(fixedNow)
	idx.Entries = []Entry{
		{ArchiveKey: "item:checkout-v2:a", Kind: KindItem, FeatureID: "checkout-v2", ItemID: "a", ArchivedAt: "2025-06-01T10:00:00Z"},
		{ArchiveKey: "item:checkout-v2:b", Kind: KindItem, FeatureID: "checkout-v2", ItemID: "b", ArchivedAt: "2025-06-01T11:00:00Z"},
		{ArchiveKey: "feature:checkout-v2:2025-06-01T11:00:00Z", Kind: KindFeature, FeatureID: "checkout-v2", ArchivedAt: "2025-06-01T11:30:00Z"},
		{ArchiveKey: "item:billing:c", Kind: KindItem, FeatureID: "billing", ItemID: "c", ArchivedAt: "2025-06-01T09:00:00Z"},
	}

	keys := func(entries []Entry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.ArchiveKey)
		}
		return out
	}

	assert.Equal(t, []string{"item:checkout-v2:b", "item:checkout-v2:a"}, keys(Search(idx, Query{FeatureID: "Checkout V2", Kind: KindItem})))
	assert.Equal(t, []string{"item:billing:c"}, keys(Search(idx, Query{Text: "BILLING"})))
	assert.Equal(t, []string{"feature:checkout-v2:2025-06-01T11:00:00Z"}, keys(Search(idx, Query{Limit: 1})))
	assert.Empty(t, Search(idx, Query{Kind: KindFeature, FeatureID: "billing"}))
}

func TestIndexRoundTripKeepsUnknownKeys(t *testing.T) {
	raw := []byte(`{"last_updated":"2025-06-01T12:00:00Z","entries":[{"archive_key":"item:x","kind":"item","feature_id":"f","archived_at":"2025-06-01T12:00:00Z","archive_ref":"state/archive/f.jsonl"},"junk"],"owner":"ops"}`)
	idx, err := DecodeIndex(raw)
	require.NoError(t, err)
	assert.Len(t, idx.Entries, 1)
	assert.Len(t, idx.DecodeRepairs(), 1)
	assert.True(t, idx.HasItem("x"))

	out, err := EncodeIndex(idx)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"owner": "ops"`)
}

func TestShardRef(t *testing.T) {
	store := NewStore("/work")
	assert.Equal(t, "state/archive/unscoped.jsonl", store.ShardRef(""))
	assert.Equal(t, "state/archive/checkout-v2.jsonl", store.ShardRef("Checkout v2"))
	assert.Equal(t, filepath.FromSlash("/work/state/archive/index.json"), store.IndexFile())

	store.Root = "/elsewhere/archive"
	assert.Equal(t, "/elsewhere/archive/billing.jsonl", store.ShardRef("billing"))
}
