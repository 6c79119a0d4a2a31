// Package reconcile keeps plan directories and queue items in step: every
// plan directory gets a canonical plan document and exactly one queue item.
package reconcile

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/plan"
	"github.com/planq/planq/pkg/queue"
	"github.com/rs/zerolog"
)

// autoReasonPrefix marks deferred reasons written by the synchronizer, so
// they can be lifted again when a plan leaves a deferring root.
const autoReasonPrefix = "plan parked in "

// Root is a plan root directory together with the queue semantics of the
// plans beneath it.
type Root struct {
	plan.Root

	// Path is the root directory relative to the workspace.
	Path string

	// ItemState is the state given to queue items created for its plans.
	ItemState queue.State

	// ForceItemState keeps existing items in ItemState.
	ForceItemState bool

	// DeferredReason is recorded on items deferred because of the root.
	DeferredReason string

	// SkipItems disables queue item creation for the root.
	SkipItems bool
}

// DefaultRoots returns the current, deferred and archive roots under plans/.
func DefaultRoots() []Root {
	return []Root{
		{Root: plan.CurrentRoot, Path: "plans/current", ItemState: queue.StatePending},
		{Root: plan.DeferredRoot, Path: "plans/deferred", ItemState: queue.StateDeferred, ForceItemState: true},
		{Root: plan.ArchiveRoot, Path: "plans/archive", ItemState: queue.StateComplete, SkipItems: true},
	}
}

func (r Root) deferredReason() string {
	if strings.TrimSpace(r.DeferredReason) != "" {
		return r.DeferredReason
	}
	return autoReasonPrefix + r.Path
}

// Options configures a Synchronizer.
type Options struct {
	// Workspace is the directory plan references are relative to.
	Workspace string

	Roots       []Root
	PlanFile    string
	LegacyFiles []string

	// Archived reports idempotency keys already moved to the archive. Items
	// for those keys are not recreated.
	Archived func(key string) bool

	Normalizer *plan.Normalizer
	Validator  *plan.Validator
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Synchronizer keeps plan directories and queue items consistent.
type Synchronizer struct {
	opts   Options
	logger zerolog.Logger
}

// New creates a synchronizer.
func New(opts Options) *Synchronizer {
	if opts.PlanFile == "" {
		opts.PlanFile = "PLAN.json"
	}
	if opts.LegacyFiles == nil {
		opts.LegacyFiles = []string{"PLAN.md"}
	}
	if opts.Roots == nil {
		opts.Roots = DefaultRoots()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Normalizer == nil {
		opts.Normalizer = plan.NewNormalizer(plan.WithClock(opts.Now), plan.WithLogger(opts.Logger))
	}
	if opts.Validator == nil {
		opts.Validator = plan.NewValidator()
	}
	return &Synchronizer{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "reconcile").Logger(),
	}
}

// Write is a document the caller should persist once every transformation
// of the run has succeeded.
type Write struct {
	Path string
	Data []byte
}

// InvalidPlan is a plan document that could not be read as structured data,
// or that still breaks a structural rule after normalization.
type InvalidPlan struct {
	Path string
	Err  error

	// Normalized is set when the document was read and normalized. Such a
	// plan is also listed in Result.Plans.
	Normalized bool
}

func (p InvalidPlan) Error() string {
	return fmt.Sprintf("%s: %v", p.Path, p.Err)
}

func (p InvalidPlan) Unwrap() error {
	return p.Err
}

// PlanResult describes what happened to one plan directory.
type PlanResult struct {
	Root     string       `json:"root"`
	Dir      string       `json:"dir"`
	PlanRef  string       `json:"plan_ref"`
	Created  bool         `json:"created"`
	Migrated bool         `json:"migrated"`
	Changed  bool         `json:"changed"`
	ItemID   string       `json:"item_id,omitempty"`
	Report   *plan.Report `json:"report,omitempty"`
}

// Result is the outcome of one synchronization pass.
type Result struct {
	Roots        []string       `json:"roots"`
	Plans        []PlanResult   `json:"plans"`
	Invalid      []InvalidPlan  `json:"-"`
	ItemsCreated []string       `json:"items_created"`
	ItemChanges  []queue.Change `json:"item_changes"`

	// Duplicates maps a plan reference to the ids of every item pointing at
	// it when there is more than one. Duplicates are reported, not removed.
	Duplicates map[string][]string `json:"duplicates,omitempty"`

	Writes []Write `json:"-"`
}

// Discovered returns the number of distinct plan documents seen.
func (r *Result) Discovered() int {
	n := len(r.Plans)
	for _, inv := range r.Invalid {
		if !inv.Normalized {
			n++
		}
	}
	return n
}

// Err joins the errors of every invalid plan document.
func (r *Result) Err() error {
	errs := make([]error, 0, len(r.Invalid))
	for _, inv := range r.Invalid {
		errs = append(errs, inv)
	}
	return errors.Join(errs...)
}

// Count returns the number of plans matching pred.
func (r *Result) Count(pred func(PlanResult) bool) int {
	n := 0
	for _, p := range r.Plans {
		if pred(p) {
			n++
		}
	}
	return n
}

// Sync discovers plan directories under every root, normalizes or creates
// their plan documents and ensures q holds exactly one item per plan. It
// mutates q in place and returns the plan documents to write. A plan
// document that is not structured data is recorded in Result.Invalid and
// the remaining directories are still processed. A normalized document that
// fails validation is recorded there too, but is still written and tracked.
func (s *Synchronizer) Sync(q *queue.Queue) (*Result, error) {
	res := &Result{}
	now := s.opts.Now().UTC()

	for _, root := range s.opts.Roots {
		dirs, err := s.discover(root)
		if err != nil {
			return nil, err
		}
		res.Roots = append(res.Roots, root.Name)
		for _, dir := range dirs {
			s.syncDir(q, root, dir, now, res)
		}
	}

	for ref, ids := range s.duplicates(q) {
		if res.Duplicates == nil {
			res.Duplicates = make(map[string][]string)
		}
		res.Duplicates[ref] = ids
		s.logger.Warn().Str("plan_ref", ref).Strs("item_ids", ids).Msg("Several queue items reference one plan")
	}
	return res, nil
}

// discover lists plan directories directly beneath a root, sorted by name.
// A missing root is not an error.
func (s *Synchronizer) discover(root Root) ([]string, error) {
	base := filepath.Join(s.opts.Workspace, filepath.FromSlash(root.Path))
	entries, err := os.ReadDir(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list plan root %s: %w", root.Path, err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dirs = append(dirs, filepath.Join(base, e.Name()))
	}
	return dirs, nil
}

func (s *Synchronizer) syncDir(q *queue.Queue, root Root, dir string, now time.Time, res *Result) {
	planPath := filepath.Join(dir, s.opts.PlanFile)
	ref := s.relative(planPath)
	log := s.logger.With().Str("plan_ref", ref).Logger()
	pr := PlanResult{Root: root.Name, Dir: s.relative(dir), PlanRef: ref}

	original, err := os.ReadFile(planPath)
	var doc *plan.Document
	switch {
	case err == nil:
		doc, err = plan.Decode(original)
		if err != nil {
			log.Error().Err(err).Msg("Plan document is not valid structured data")
			res.Invalid = append(res.Invalid, InvalidPlan{Path: ref, Err: err})
			return
		}
	case errors.Is(err, fs.ErrNotExist):
		pr.Created = true
		doc, pr.Migrated = s.seedDocument(dir, log)
	default:
		res.Invalid = append(res.Invalid, InvalidPlan{Path: ref, Err: err})
		return
	}

	rep := s.opts.Normalizer.Normalize(doc, plan.Target{
		Root:      root.Root,
		PlanRef:   ref,
		FeatureID: filepath.Base(dir),
	})
	pr.Report = rep
	if err := s.opts.Validator.Validate(doc); err != nil {
		log.Error().Err(err).Msg("Plan document breaks structural rules after normalization")
		res.Invalid = append(res.Invalid, InvalidPlan{
			Path:       ref,
			Err:        fmt.Errorf("%w: %v", plan.ErrInvalidDocument, err),
			Normalized: true,
		})
	}

	data, err := plan.Encode(doc)
	if err != nil {
		res.Invalid = append(res.Invalid, InvalidPlan{Path: ref, Err: err})
		return
	}
	if !bytes.Equal(data, original) {
		pr.Changed = true
		res.Writes = append(res.Writes, Write{Path: planPath, Data: data})
	}

	if !root.SkipItems {
		pr.ItemID = s.ensureItem(q, root, doc, ref, now, res)
	}
	if pr.Created {
		log.Info().Bool("migrated", pr.Migrated).Msg("Created plan document")
	}
	res.Plans = append(res.Plans, pr)
}

// seedDocument returns the starting point for a directory without a plan
// document: the first legacy narrative found, or an empty document.
func (s *Synchronizer) seedDocument(dir string, log zerolog.Logger) (*plan.Document, bool) {
	for _, name := range s.opts.LegacyFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		log.Debug().Str("legacy_file", name).Msg("Migrating legacy plan narrative")
		return plan.MigrateMarkdown(data), true
	}
	return &plan.Document{}, false
}

// ItemKey is the idempotency key of the queue item tracking a plan. It is
// derived from the plan directory.
func ItemKey(planRef string) string {
	return "plan:" + docstore.Slug(path.Dir(planRef))
}

func (s *Synchronizer) ensureItem(q *queue.Queue, root Root, doc *plan.Document, ref string, now time.Time, res *Result) string {
	key := ItemKey(ref)
	matches := s.itemsFor(q, root, ref, key)
	if len(matches) == 0 {
		if s.opts.Archived != nil && s.opts.Archived(key) {
			return ""
		}
		return s.createItem(q, root, doc, ref, key, now, res)
	}

	it := matches[0]
	record := func(field, from, to string) {
		res.ItemChanges = append(res.ItemChanges, queue.Change{ItemID: it.ID, Field: field, From: from, To: to})
	}

	if it.PlanRef == nil || *it.PlanRef != ref {
		from := ""
		if it.PlanRef != nil {
			from = *it.PlanRef
		}
		it.PlanRef = &ref
		record("plan_ref", from, ref)
	}
	if !contains(it.References, ref) {
		it.References = append(it.References, ref)
		record("references", "", ref)
	}
	if strings.TrimSpace(it.FeatureID) == "" && doc.FeatureID != "" {
		it.FeatureID = doc.FeatureID
		record("feature_id", "", doc.FeatureID)
	}
	if strings.TrimSpace(it.Title) == "" && doc.FeatureTitle != "" {
		it.Title = doc.FeatureTitle
		record("title", "", doc.FeatureTitle)
	}

	from := string(it.State)
	switch {
	case root.ForceItemState && root.ItemState == queue.StateDeferred:
		if it.State != queue.StateDeferred && it.State != queue.StateComplete {
			if err := it.Defer(root.deferredReason(), now); err == nil {
				record("state", from, string(it.State))
			}
		} else if it.State == queue.StateDeferred && (it.DeferredReason == nil || strings.TrimSpace(*it.DeferredReason) == "") {
			reason := root.deferredReason()
			it.DeferredReason = &reason
			record("deferred_reason", "", reason)
		}
	case it.State == queue.StateDeferred && it.DeferredReason != nil && strings.HasPrefix(*it.DeferredReason, autoReasonPrefix):
		if err := it.Resume(now); err == nil {
			record("state", from, string(it.State))
		}
	}
	return it.ID
}

func (s *Synchronizer) createItem(q *queue.Queue, root Root, doc *plan.Document, ref, key string, now time.Time, res *Result) string {
	state := root.ItemState
	if state == "" || state == queue.StateActive || state == queue.StateComplete {
		state = queue.StatePending
	}
	item := queue.Item{
		ID:             "plan-" + queue.FeatureSlug(doc.FeatureID),
		IdempotencyKey: key,
		FeatureID:      doc.FeatureID,
		Title:          doc.FeatureTitle,
		Type:           queue.TypeTask,
		State:          state,
		Owner:          doc.Subagent.PrimaryAgent,
		PlanRef:        &ref,
		References:     []string{ref},
	}
	if state == queue.StateDeferred {
		reason := root.deferredReason()
		item.DeferredReason = &reason
	}
	id, added := q.Submit(item, now)
	if added {
		res.ItemsCreated = append(res.ItemsCreated, id)
		s.logger.Info().Str("item_id", id).Str("plan_ref", ref).Str("state", string(state)).Msg("Created queue item for plan")
	}
	return id
}

// itemsFor returns the items tracking a plan: those whose plan_ref points
// at it, failing that the one holding its key, and failing that an item
// whose plan moved here from another root.
func (s *Synchronizer) itemsFor(q *queue.Queue, root Root, ref, key string) []*queue.Item {
	var out []*queue.Item
	for i := range q.Items {
		it := &q.Items[i]
		if it.PlanRef != nil && s.canonicalRef(*it.PlanRef) == ref {
			out = append(out, it)
		}
	}
	if len(out) > 0 {
		return out
	}
	if it := q.FindByKey(key); it != nil {
		return []*queue.Item{it}
	}

	name := path.Base(path.Dir(ref))
	for _, other := range s.opts.Roots {
		if other.Path == root.Path {
			continue
		}
		old := path.Join(other.Path, name, s.opts.PlanFile)
		if docstore.Exists(filepath.Join(s.opts.Workspace, filepath.FromSlash(old))) {
			continue
		}
		for i := range q.Items {
			it := &q.Items[i]
			if it.PlanRef != nil && s.canonicalRef(*it.PlanRef) == old {
				return []*queue.Item{it}
			}
		}
	}
	return nil
}

func (s *Synchronizer) duplicates(q *queue.Queue) map[string][]string {
	byRef := make(map[string][]string)
	for i := range q.Items {
		if ref := q.Items[i].PlanRef; ref != nil && *ref != "" {
			c := s.canonicalRef(*ref)
			byRef[c] = append(byRef[c], q.Items[i].ID)
		}
	}
	out := make(map[string][]string)
	for ref, ids := range byRef {
		if len(ids) > 1 {
			out[ref] = ids
		}
	}
	return out
}

// canonicalRef maps a stored plan reference, possibly absolute or unclean,
// onto the workspace-relative slash form.
func (s *Synchronizer) canonicalRef(ref string) string {
	p := filepath.FromSlash(ref)
	if filepath.IsAbs(p) {
		return s.relative(p)
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func (s *Synchronizer) relative(file string) string {
	rel, err := filepath.Rel(s.opts.Workspace, file)
	if err != nil {
		return filepath.ToSlash(file)
	}
	return filepath.ToSlash(rel)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
