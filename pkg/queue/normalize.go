package queue

import (
	"strings"
	"time"

	"github.com/planq/planq/pkg/docstore"
	"github.com/rs/zerolog"
)

// QueueSubject names the queue itself in changes and gate issues.
const QueueSubject = "queue"

// Change describes one repair normalization applied.
type Change struct {
	ItemID string `json:"item_id"`
	Field  string `json:"field"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// Report is the outcome of one normalization pass.
type Report struct {
	Changes []Change          `json:"changes"`
	Repairs []docstore.Repair `json:"repairs"`
	Gate    GateResult        `json:"gate"`
}

// Changed reports whether the pass modified the queue.
func (r *Report) Changed() bool {
	return len(r.Changes) > 0 || len(r.Repairs) > 0
}

func (r *Report) record(subject, field, from, to string) {
	r.Changes = append(r.Changes, Change{ItemID: subject, Field: field, From: from, To: to})
}

// Normalizer repairs a queue document in place so that every structural
// invariant holds. Running it on its own output changes nothing.
type Normalizer struct {
	rules    Rules
	now      func() time.Time
	logger   zerolog.Logger
	knownIDs  func(string) bool
	knownKeys func(string) bool
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the clock used for backfilled timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(n *Normalizer) { n.logger = logger }
}

// WithKnownIDs supplies ids that exist outside the hot queue, typically
// archived items, so dependencies on them are not reported as dangling.
func WithKnownIDs(known func(string) bool) Option {
	return func(n *Normalizer) { n.knownIDs = known }
}

// WithKnownKeys supplies idempotency keys that exist outside the hot queue.
// A key derived for an item without one never reuses a known key.
func WithKnownKeys(known func(string) bool) Option {
	return func(n *Normalizer) { n.knownKeys = known }
}

// NewNormalizer creates a normalizer for the given rules.
func NewNormalizer(rules Rules, opts ...Option) *Normalizer {
	n := &Normalizer{
		rules:  rules.withDefaults(),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With().Str("component", "queue-normalizer").Logger()
	return n
}

// Rules returns the effective rules.
func (n *Normalizer) Rules() Rules {
	return n.rules
}

// Normalize runs the repair steps in order (identity, state, timestamps,
// lease) over the queue and its items and then evaluates the quality gate.
func (n *Normalizer) Normalize(q *Queue) *Report {
	now := n.now().UTC()
	rep := &Report{Repairs: q.DecodeRepairs()}
	q.repairs = nil
	for i := range q.Items {
		q.Items[i].repairs = nil
	}

	for _, c := range assignIdentities(q.Items, n.knownIDs, n.knownKeys) {
		rep.record(c.ItemID, c.Field, c.From, c.To)
	}
	for i := range q.Items {
		n.normalizeItem(&q.Items[i], now, rep)
	}
	n.normalizeQueue(q, now, rep)

	if rep.Changed() {
		ts := docstore.FormatTimestamp(now)
		if last, ok := docstore.ParseTimestamp(q.LastUpdated); !ok || last.Before(now) {
			q.LastUpdated = ts
		}
	}

	rep.Gate = EvaluateGate(q, n.rules, n.knownIDs)

	for _, c := range rep.Changes {
		n.logger.Debug().Str("item_id", c.ItemID).Str("field", c.Field).
			Str("from", c.From).Str("to", c.To).Msg("Queue field repaired")
	}
	for _, r := range rep.Repairs {
		n.logger.Debug().Str("repair", r.String()).Msg("Queue document repaired on read")
	}
	return rep
}

func (n *Normalizer) normalizeQueue(q *Queue, now time.Time, rep *Report) {
	if q.State != StatePending && !n.rules.stateAllowed(q.State) {
		rep.record(QueueSubject, "state", string(q.State), string(StatePending))
		q.State = StatePending
	}

	for _, f := range []struct {
		name string
		set  *[]string
	}{
		{"in_scope", &q.InScope},
		{"out_of_scope", &q.OutOfScope},
		{"acceptance_criteria", &q.AcceptanceCriteria},
		{"constraints", &q.Constraints},
		{"references", &q.References},
		{"open_questions", &q.OpenQuestions},
	} {
		n.normalizeSetField(QueueSubject, f.name, f.set, "", rep)
	}

	created := n.repairTimestamp(QueueSubject, "created_at", &q.CreatedAt, now, rep, q.UpdatedAt, q.LastUpdated)
	updated := n.clampTimestamp(QueueSubject, "updated_at", &q.UpdatedAt, created, rep)
	n.clampTimestamp(QueueSubject, "last_updated", &q.LastUpdated, updated, rep)

	if q.State == StateDeferred {
		n.blankToNil(QueueSubject, "deferred_reason", &q.DeferredReason, rep)
		n.blankToNil(QueueSubject, "cancel_reason", &q.CancelReason, rep)
	} else {
		n.clear(QueueSubject, "deferred_reason", &q.DeferredReason, rep)
		n.clear(QueueSubject, "cancel_reason", &q.CancelReason, rep)
	}
}

func (n *Normalizer) normalizeItem(it *Item, now time.Time, rep *Report) {
	// State and type.
	if it.State != StatePending && !n.rules.stateAllowed(it.State) {
		rep.record(it.ID, "state", string(it.State), string(StatePending))
		it.State = StatePending
	}
	if !n.rules.typeAllowed(it.Type) {
		rep.record(it.ID, "type", it.Type, n.rules.DefaultType)
		it.Type = n.rules.DefaultType
	}

	// Timestamps.
	created := n.repairTimestamp(it.ID, "created_at", &it.CreatedAt, now, rep,
		it.UpdatedAt, it.PlannedAt, strValue(it.ExecutionStartedAt), strValue(it.CompletedAt), strValue(it.LastAttemptAt))
	n.clampTimestamp(it.ID, "updated_at", &it.UpdatedAt, created, rep)
	planned := n.clampTimestamp(it.ID, "planned_at", &it.PlannedAt, created, rep)

	started, hasStarted := n.dropInvalidAfter(it.ID, "execution_started_at", &it.ExecutionStartedAt, planned, true, rep)
	n.dropInvalidAfter(it.ID, "completed_at", &it.CompletedAt, started, hasStarted, rep)
	n.dropInvalidAfter(it.ID, "retry_after", &it.RetryAfter, time.Time{}, false, rep)
	n.dropInvalidAfter(it.ID, "last_attempt_at", &it.LastAttemptAt, time.Time{}, false, rep)

	if it.AttemptCount < 0 {
		rep.record(it.ID, "attempt_count", "negative", "0")
		it.AttemptCount = 0
	}
	if it.AttemptCount > 0 && it.LastAttemptAt == nil {
		backfill := it.UpdatedAt
		if hasStarted {
			backfill = *it.ExecutionStartedAt
		}
		it.LastAttemptAt = strPtr(backfill)
		rep.record(it.ID, "last_attempt_at", "", backfill)
	}

	// Nullable text.
	n.blankToNil(it.ID, "subscope", &it.Subscope, rep)
	n.blankToNil(it.ID, "last_error", &it.LastError, rep)
	n.blankToNil(it.ID, "resolution_summary", &it.ResolutionSummary, rep)
	n.blankToNil(it.ID, "plan_ref", &it.PlanRef, rep)
	if it.State == StateDeferred {
		n.blankToNil(it.ID, "deferred_reason", &it.DeferredReason, rep)
	} else {
		n.clear(it.ID, "deferred_reason", &it.DeferredReason, rep)
	}

	// Lease.
	n.normalizeLease(it, rep)

	// Sets.
	n.normalizeSetField(it.ID, "acceptance_criteria", &it.AcceptanceCriteria, "", rep)
	n.normalizeSetField(it.ID, "constraints", &it.Constraints, "", rep)
	n.normalizeSetField(it.ID, "references", &it.References, "", rep)
	n.normalizeSetField(it.ID, "outputs", &it.Outputs, "", rep)
	n.normalizeSetField(it.ID, "evidence", &it.Evidence, "", rep)
	n.normalizeSetField(it.ID, "depends_on", &it.DependsOn, it.ID, rep)
}

// normalizeLease enforces the all-or-nothing lease triple. An active item
// without a valid lease gets one synthesized from its owner and start time;
// any other item keeps a lease only if it is complete and consistent.
func (n *Normalizer) normalizeLease(it *Item, rep *Report) {
	if it.State != StateActive {
		if it.HasLease() && !it.LeaseValid() {
			it.clearLease()
			rep.record(it.ID, "lease", "partial", "cleared")
		}
		return
	}
	if it.LeaseValid() {
		return
	}

	claimant := strings.TrimSpace(strValue(it.ClaimedBy))
	if claimant == "" {
		claimant = strings.TrimSpace(it.Owner)
	}
	if claimant == "" {
		claimant = n.rules.DefaultClaimant
	}

	claimedAt, ok := docstore.ParseTimestampPtr(it.ClaimedAt)
	if !ok {
		claimedAt, ok = docstore.ParseTimestampPtr(it.ExecutionStartedAt)
	}
	if !ok {
		claimedAt, _ = docstore.ParseTimestamp(it.UpdatedAt)
	}

	it.ClaimedBy = strPtr(claimant)
	it.ClaimedAt = docstore.TimestampPtr(claimedAt)
	it.LeaseExpiresAt = docstore.TimestampPtr(claimedAt.Add(n.rules.LeaseDuration))
	rep.record(it.ID, "lease", "", "synthesized for "+claimant)
}

// repairTimestamp makes *field a valid timestamp, falling back to the
// earliest valid candidate and finally to now.
func (n *Normalizer) repairTimestamp(subject, name string, field *string, now time.Time, rep *Report, fallbacks ...string) time.Time {
	if t, ok := docstore.ParseTimestamp(*field); ok {
		return t
	}
	old := *field
	t := now
	found := false
	for _, candidate := range fallbacks {
		if ct, ok := docstore.ParseTimestamp(candidate); ok && (!found || ct.Before(t)) {
			t = ct
			found = true
		}
	}
	*field = docstore.FormatTimestamp(t)
	rep.record(subject, name, old, *field)
	return t
}

// clampTimestamp makes *field a valid timestamp no earlier than floor.
func (n *Normalizer) clampTimestamp(subject, name string, field *string, floor time.Time, rep *Report) time.Time {
	t, ok := docstore.ParseTimestamp(*field)
	if ok && !t.Before(floor) {
		return t
	}
	old := *field
	*field = docstore.FormatTimestamp(floor)
	rep.record(subject, name, old, *field)
	return floor
}

// dropInvalidAfter nulls an optional timestamp that does not parse or, when
// checkFloor is set, precedes floor.
func (n *Normalizer) dropInvalidAfter(subject, name string, field **string, floor time.Time, checkFloor bool, rep *Report) (time.Time, bool) {
	if *field == nil {
		return time.Time{}, false
	}
	t, ok := docstore.ParseTimestamp(**field)
	if ok && (!checkFloor || !t.Before(floor)) {
		return t, true
	}
	rep.record(subject, name, **field, "")
	*field = nil
	return time.Time{}, false
}

func (n *Normalizer) blankToNil(subject, name string, field **string, rep *Report) {
	if *field == nil {
		return
	}
	trimmed := strings.TrimSpace(**field)
	if trimmed == "" {
		rep.record(subject, name, **field, "")
		*field = nil
		return
	}
	if trimmed != **field {
		rep.record(subject, name, **field, trimmed)
		*field = strPtr(trimmed)
	}
}

func (n *Normalizer) clear(subject, name string, field **string, rep *Report) {
	if *field == nil {
		return
	}
	rep.record(subject, name, **field, "")
	*field = nil
}

func (n *Normalizer) normalizeSetField(subject, name string, set *[]string, exclude string, rep *Report) {
	normalized := normalizeSet(*set)
	if exclude != "" {
		filtered := normalized[:0]
		for _, v := range normalized {
			if v != exclude {
				filtered = append(filtered, v)
			}
		}
		normalized = filtered
	}
	if !equalStrings(*set, normalized) {
		rep.record(subject, name, "", "")
	}
	*set = normalized
}

// normalizeSet trims entries, drops empty ones and removes duplicates while
// keeping first-occurrence order. It never returns nil.
func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
