package archive

import (
	"fmt"
	"time"

	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/queue"
	"github.com/rs/zerolog"
)

// IssueKeyConflict is the gate rule raised for a terminal item whose archive
// key already belongs to a different archived item. Such an item stays in
// the hot queue.
const IssueKeyConflict = "archiveKeyConflictIds"

// Options configures an Archiver.
type Options struct {
	// ArchiveStates are the item states that move an item to the archive.
	ArchiveStates []queue.State

	// FeatureArchiveStates are the queue states that archive the queue
	// snapshot as a whole.
	FeatureArchiveStates []queue.State

	// EnforceHygiene resets the queue to an empty template once its snapshot
	// is archived.
	EnforceHygiene bool

	Now    func() time.Time
	Logger zerolog.Logger
}

// DefaultOptions archives complete items and complete queues, and resets the
// hot queue after a feature is archived.
func DefaultOptions() Options {
	return Options{
		ArchiveStates:        []queue.State{queue.StateComplete},
		FeatureArchiveStates: []queue.State{queue.StateComplete},
		EnforceHygiene:       true,
	}
}

// Archiver moves terminal work out of the hot queue into shards.
type Archiver struct {
	store  Store
	opts   Options
	logger zerolog.Logger
}

// New creates an archiver over store.
func New(store Store, opts Options) *Archiver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Archiver{
		store:  store,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "archive").Logger(),
	}
}

// Store returns the archive layout the archiver writes to.
func (a *Archiver) Store() Store {
	return a.store
}

// ShardAppend is the records to append to one shard.
type ShardAppend struct {
	Ref     string   `json:"ref"`
	Records []Record `json:"-"`
}

// Plan is the archival a run intends to make. Nothing is written until
// Commit.
type Plan struct {
	Queue *queue.Queue `json:"-"`
	Index *Index       `json:"-"`

	Appends          []ShardAppend       `json:"appends"`
	ArchivedItems    []string            `json:"archived_items"`
	ArchivedFeatures []string            `json:"archived_features"`
	HeldBack         map[string][]string `json:"held_back,omitempty"`
	Backfilled       []string            `json:"backfilled,omitempty"`
	FeatureDeferred  bool                `json:"feature_deferred,omitempty"`
	QueueReset       bool                `json:"queue_reset,omitempty"`
	Skipped          bool                `json:"skipped"`
	SkipReason       string              `json:"skip_reason,omitempty"`
	MalformedLines   int                 `json:"malformed_lines,omitempty"`

	// Issues are gate findings raised while planning.
	Issues []queue.Issue `json:"-"`

	indexChanged bool
	queueChanged bool
	shards       map[string]bool
	stored       map[string]Record
}

// IndexChanged reports whether the index must be rewritten.
func (p *Plan) IndexChanged() bool { return p.indexChanged }

// QueueChanged reports whether the hot queue lost items or was reset.
func (p *Plan) QueueChanged() bool { return p.queueChanged }

// Changed reports whether committing the plan writes anything.
func (p *Plan) Changed() bool {
	return len(p.Appends) > 0 || p.indexChanged || p.queueChanged
}

func (p *Plan) appendRecord(ref string, rec Record) {
	for i := range p.Appends {
		if p.Appends[i].Ref == ref {
			p.Appends[i].Records = append(p.Appends[i].Records, rec)
			p.remember(rec)
			return
		}
	}
	p.Appends = append(p.Appends, ShardAppend{Ref: ref, Records: []Record{rec}})
	p.remember(rec)
}

// remember keeps the first record seen for each key.
func (p *Plan) remember(rec Record) {
	if _, ok := p.stored[rec.ArchiveKey]; !ok {
		p.stored[rec.ArchiveKey] = rec
	}
}

func (p *Plan) holdBack(itemID, rule string) {
	if p.HeldBack == nil {
		p.HeldBack = make(map[string][]string)
	}
	p.HeldBack[itemID] = append(p.HeldBack[itemID], rule)
}

// Plan computes the archival of q against idx without touching either or the
// disk, apart from reading shards. A blocking gate skips archival entirely.
// Records already present in a touched shard but missing from the index are
// backfilled into it.
func (a *Archiver) Plan(q *queue.Queue, idx *Index, gate queue.GateResult) (*Plan, error) {
	now := a.opts.Now().UTC()
	p := &Plan{
		Queue:            q,
		Index:            idx.clone(),
		ArchivedItems:    []string{},
		ArchivedFeatures: []string{},
		shards:           make(map[string]bool),
		stored:           make(map[string]Record),
	}

	if gate.Mode == queue.GateFail && gate.Blocking() {
		n := 0
		for _, issue := range gate.Issues {
			if issue.Blocking {
				n++
			}
		}
		p.Skipped = true
		p.SkipReason = fmt.Sprintf("quality gate failed with %d blocking issues", n)
		a.logger.Warn().Int("blocking", n).Msg("Archival skipped")
		return p, nil
	}

	held := gate.HeldItems()
	out := *q
	out.Items = make([]queue.Item, 0, len(q.Items))

	for i := range q.Items {
		it := &q.Items[i]
		if !containsState(a.opts.ArchiveStates, it.State) {
			out.Items = append(out.Items, *it)
			continue
		}
		if rules, ok := held[it.ID]; ok {
			for _, rule := range rules {
				p.holdBack(it.ID, rule)
			}
			out.Items = append(out.Items, *it)
			a.logger.Warn().Str("item_id", it.ID).Strs("rules", rules).Msg("Item held back from archival")
			continue
		}

		archived := *it
		if archived.IdempotencyKey == "" {
			archived.IdempotencyKey = archived.ID
		}
		ok, err := a.archiveItem(p, &archived, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			p.holdBack(it.ID, IssueKeyConflict)
			p.Issues = append(p.Issues, queue.Issue{
				Rule:     IssueKeyConflict,
				Subject:  it.ID,
				Message:  fmt.Sprintf("Item %s has archive key %s, which belongs to another archived item", it.ID, ItemKey(archived.IdempotencyKey)),
				Severity: queue.SeverityWarning,
			})
			out.Items = append(out.Items, *it)
			continue
		}
		p.ArchivedItems = append(p.ArchivedItems, it.ID)
		p.queueChanged = true
	}

	if containsState(a.opts.FeatureArchiveStates, q.State) {
		if len(p.HeldBack) > 0 {
			p.FeatureDeferred = true
			a.logger.Info().Int("held_back", len(p.HeldBack)).Msg("Feature archival waits for held back items")
		} else if err := a.archiveFeature(p, &out, now); err != nil {
			return nil, err
		}
	}

	if p.QueueReset {
		p.Queue = queue.NewQueue(now)
	} else if p.queueChanged {
		out.LastUpdated = docstore.FormatTimestamp(now)
		p.Queue = &out
	}
	if p.indexChanged {
		p.Index.LastUpdated = docstore.FormatTimestamp(now)
	}
	return p, nil
}

// archiveItem plans the record for it. It reports false, and plans nothing,
// when the key is already archived for a different item.
func (a *Archiver) archiveItem(p *Plan, it *queue.Item, now time.Time) (bool, error) {
	key := ItemKey(it.IdempotencyKey)
	ref := a.store.ShardRef(it.FeatureID)
	if err := a.touchShard(p, ref); err != nil {
		return false, err
	}
	if e, ok := p.Index.Lookup(key); ok {
		same, err := a.sameItem(p, e, it)
		if err != nil {
			return false, err
		}
		if !same {
			a.logger.Warn().Str("item_id", it.ID).Str("archive_key", key).Str("archived_item_id", e.ItemID).
				Msg("Archive key belongs to another item")
			return false, nil
		}
		a.logger.Debug().Str("item_id", it.ID).Str("archive_key", key).Msg("Item already archived")
		return true, nil
	}
	rec, err := itemRecord(it, now)
	if err != nil {
		return false, err
	}
	p.appendRecord(ref, rec)
	p.Index.put(entryFor(rec, ref))
	p.indexChanged = true
	a.logger.Debug().Str("item_id", it.ID).Str("archive_ref", ref).Msg("Archiving item")
	return true, nil
}

// sameItem reports whether the record indexed by e is it, judged by id and
// creation time. Without the record only the indexed id is compared.
func (a *Archiver) sameItem(p *Plan, e Entry, it *queue.Item) (bool, error) {
	if e.ItemID != "" && e.ItemID != it.ID {
		return false, nil
	}
	if e.ArchiveRef != "" {
		if err := a.touchShard(p, e.ArchiveRef); err != nil {
			return false, err
		}
	}
	rec, ok := p.stored[e.ArchiveKey]
	if !ok {
		return e.ItemID == it.ID, nil
	}
	id, createdAt := rec.itemIdentity()
	return id == it.ID && createdAt == it.CreatedAt, nil
}

func (a *Archiver) archiveFeature(p *Plan, q *queue.Queue, now time.Time) error {
	key := FeatureKey(q.FeatureID, q.UpdatedAt)
	ref := a.store.ShardRef(q.FeatureID)
	if err := a.touchShard(p, ref); err != nil {
		return err
	}
	if !p.Index.Has(key) {
		rec, err := featureRecord(q, now)
		if err != nil {
			return err
		}
		p.appendRecord(ref, rec)
		p.Index.put(entryFor(rec, ref))
		p.indexChanged = true
		p.ArchivedFeatures = append(p.ArchivedFeatures, key)
		a.logger.Info().Str("archive_key", key).Int("hot_items", len(q.Items)).Msg("Archiving queue snapshot")
	}
	if a.opts.EnforceHygiene {
		p.QueueReset = true
		p.queueChanged = true
	}
	return nil
}

// touchShard reads a shard the first time the plan uses it and backfills
// index entries for records the index does not know.
func (a *Archiver) touchShard(p *Plan, ref string) error {
	if p.shards[ref] {
		return nil
	}
	p.shards[ref] = true

	lines, bad, err := a.store.ReadShard(ref)
	if err != nil {
		return err
	}
	for _, le := range bad {
		a.logger.Warn().Str("archive_ref", ref).Int("line", le.Line).Err(le.Err).Msg("Malformed shard line")
	}
	p.MalformedLines += len(bad)

	for _, sl := range lines {
		p.remember(sl.Record)
		if p.Index.Has(sl.Record.ArchiveKey) {
			continue
		}
		p.Index.put(entryFor(sl.Record, ref))
		p.indexChanged = true
		p.Backfilled = append(p.Backfilled, sl.Record.ArchiveKey)
		a.logger.Info().Str("archive_key", sl.Record.ArchiveKey).Str("archive_ref", ref).Msg("Backfilled index entry")
	}
	return nil
}

// Commit appends the planned shard records, then rewrites the index. The
// caller writes the queue afterwards, so a crash leaves records that the
// next run finds and skips.
func (a *Archiver) Commit(p *Plan) error {
	if p.Skipped {
		return nil
	}
	for _, ap := range p.Appends {
		if err := a.store.Append(ap.Ref, ap.Records); err != nil {
			return fmt.Errorf("append to shard %s: %w", ap.Ref, err)
		}
	}
	if p.indexChanged {
		if _, err := a.store.SaveIndex(p.Index); err != nil {
			return fmt.Errorf("write archive index: %w", err)
		}
	}
	return nil
}

func containsState(states []queue.State, s queue.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
