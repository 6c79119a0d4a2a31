package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/planq/planq/pkg/docstore"
)

var (
	// ErrIllegalTransition is returned for a state change the lifecycle forbids.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrLeaseHeld is returned when another worker holds an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another worker")

	// ErrNotClaimed is returned when the caller does not hold the item's lease.
	ErrNotClaimed = errors.New("item is not claimed by this worker")

	// ErrRetryPending is returned when an item is still inside its backoff window.
	ErrRetryPending = errors.New("item is waiting for its retry window")

	// ErrBlocked is returned when an item depends on unfinished work.
	ErrBlocked = errors.New("item has unfinished dependencies")

	// ErrIncompleteResolution is returned when completion data is missing.
	ErrIncompleteResolution = errors.New("completion requires a resolution summary, outputs and evidence")

	// ErrNotFound is returned when no item has the requested id.
	ErrNotFound = errors.New("item not found")
)

var transitions = map[State][]State{
	StatePending:  {StateActive, StateDeferred},
	StateActive:   {StateComplete, StateDeferred, StatePending},
	StateDeferred: {StateActive, StatePending},
}

// CanTransition reports whether an item may move from one state to another.
// Moving to the same state is not a transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(it *Item, to State) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, it.ID, it.State, to)
}

// Claim gives worker a lease on the item and marks it active. A pending or
// deferred item can be claimed; an active item only when its lease is
// expired or already held by the same worker.
func (it *Item) Claim(worker string, now time.Time, lease time.Duration) error {
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return errors.New("claim requires a worker name")
	}

	switch it.State {
	case StateActive:
		if it.LeaseValid() && !it.LeaseExpired(now) && strValue(it.ClaimedBy) != worker {
			return fmt.Errorf("%w: %s held by %s until %s", ErrLeaseHeld, it.ID, strValue(it.ClaimedBy), strValue(it.LeaseExpiresAt))
		}
	case StatePending, StateDeferred:
	default:
		return transitionError(it, StateActive)
	}

	if retryAt, ok := docstore.ParseTimestampPtr(it.RetryAfter); ok && now.Before(retryAt) {
		return fmt.Errorf("%w: %s until %s", ErrRetryPending, it.ID, *it.RetryAfter)
	}

	ts := docstore.FormatTimestamp(now)
	it.State = StateActive
	it.ClaimedBy = strPtr(worker)
	it.ClaimedAt = strPtr(ts)
	it.LeaseExpiresAt = docstore.TimestampPtr(now.Add(lease))
	if it.ExecutionStartedAt == nil {
		it.ExecutionStartedAt = strPtr(ts)
	}
	if it.Owner == "" {
		it.Owner = worker
	}
	it.AttemptCount++
	it.LastAttemptAt = strPtr(ts)
	it.RetryAfter = nil
	it.DeferredReason = nil
	it.UpdatedAt = ts
	return nil
}

// Renew extends the lease held by worker.
func (it *Item) Renew(worker string, now time.Time, lease time.Duration) error {
	if it.State != StateActive || strValue(it.ClaimedBy) != worker {
		return fmt.Errorf("%w: %s", ErrNotClaimed, it.ID)
	}
	it.LeaseExpiresAt = docstore.TimestampPtr(now.Add(lease))
	it.UpdatedAt = docstore.FormatTimestamp(now)
	return nil
}

// Release hands an active item back to the pending pool. An empty worker
// releases regardless of holder.
func (it *Item) Release(worker string, now time.Time) error {
	if it.State != StateActive {
		return transitionError(it, StatePending)
	}
	if worker != "" && strValue(it.ClaimedBy) != worker {
		return fmt.Errorf("%w: %s", ErrNotClaimed, it.ID)
	}
	it.State = StatePending
	it.clearLease()
	it.UpdatedAt = docstore.FormatTimestamp(now)
	return nil
}

// Defer parks the item with a reason.
func (it *Item) Defer(reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return errors.New("defer requires a reason")
	}
	if !CanTransition(it.State, StateDeferred) {
		return transitionError(it, StateDeferred)
	}
	it.State = StateDeferred
	it.DeferredReason = strPtr(reason)
	it.clearLease()
	it.UpdatedAt = docstore.FormatTimestamp(now)
	return nil
}

// Resume returns a deferred item to pending.
func (it *Item) Resume(now time.Time) error {
	if it.State != StateDeferred {
		return transitionError(it, StatePending)
	}
	it.State = StatePending
	it.DeferredReason = nil
	it.UpdatedAt = docstore.FormatTimestamp(now)
	return nil
}

// Fail records a failed attempt. The item returns to pending behind a
// backoff window, or is deferred once the retry budget is spent.
func (it *Item) Fail(worker, message string, now time.Time, policy RetryPolicy) error {
	if it.State != StateActive {
		return transitionError(it, StatePending)
	}
	if worker != "" && strValue(it.ClaimedBy) != worker {
		return fmt.Errorf("%w: %s", ErrNotClaimed, it.ID)
	}

	message = strings.TrimSpace(message)
	if message == "" {
		message = "unspecified failure"
	}
	it.LastError = strPtr(message)
	it.clearLease()
	it.UpdatedAt = docstore.FormatTimestamp(now)

	if policy.Exhausted(it.AttemptCount) {
		it.State = StateDeferred
		it.RetryAfter = nil
		it.DeferredReason = strPtr(fmt.Sprintf("retry budget exhausted after %d attempts: %s", it.AttemptCount, message))
		return nil
	}

	it.State = StatePending
	it.RetryAfter = docstore.TimestampPtr(now.Add(policy.Backoff(it.AttemptCount)))
	return nil
}

// Completion carries the resolution recorded when work finishes.
type Completion struct {
	Summary  string
	Outputs  []string
	Evidence []string
}

// Complete closes an active item. Verification markers on evidence are
// checked by the quality gate, not here.
func (it *Item) Complete(worker string, c Completion, now time.Time) error {
	if it.State != StateActive {
		return transitionError(it, StateComplete)
	}
	if worker != "" && strValue(it.ClaimedBy) != worker {
		return fmt.Errorf("%w: %s", ErrNotClaimed, it.ID)
	}

	outputs := normalizeSet(append(append([]string(nil), it.Outputs...), c.Outputs...))
	evidence := normalizeSet(append(append([]string(nil), it.Evidence...), c.Evidence...))
	summary := strings.TrimSpace(c.Summary)
	if summary == "" {
		summary = strValue(it.ResolutionSummary)
	}
	if summary == "" || len(outputs) == 0 || len(evidence) == 0 {
		return fmt.Errorf("%w: %s", ErrIncompleteResolution, it.ID)
	}

	ts := docstore.FormatTimestamp(now)
	it.State = StateComplete
	it.ResolutionSummary = strPtr(summary)
	it.Outputs = outputs
	it.Evidence = evidence
	it.CompletedAt = strPtr(ts)
	if it.ExecutionStartedAt == nil {
		it.ExecutionStartedAt = strPtr(ts)
	}
	it.RetryAfter = nil
	it.LastError = nil
	it.clearLease()
	it.UpdatedAt = ts
	return nil
}

// Claim claims the item with the given id after checking that every
// dependency still in the hot queue is complete. Dependencies no longer in
// the hot queue are taken as archived.
func (q *Queue) Claim(id, worker string, now time.Time, lease time.Duration) (*Item, error) {
	it, _ := q.Find(id)
	if it == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var blocked []string
	for _, dep := range it.DependsOn {
		if d, _ := q.Find(dep); d != nil && d.State != StateComplete {
			blocked = append(blocked, dep)
		}
	}
	if len(blocked) > 0 {
		return nil, fmt.Errorf("%w: %s waits on %s", ErrBlocked, id, strings.Join(blocked, ", "))
	}
	if err := it.Claim(worker, now, lease); err != nil {
		return nil, err
	}
	q.touch(now)
	return it, nil
}

// NextClaimable returns the first pending item that could be claimed at now.
func (q *Queue) NextClaimable(now time.Time) *Item {
	for i := range q.Items {
		it := &q.Items[i]
		if it.State != StatePending {
			continue
		}
		if retryAt, ok := docstore.ParseTimestampPtr(it.RetryAfter); ok && now.Before(retryAt) {
			continue
		}
		ready := true
		for _, dep := range it.DependsOn {
			if d, _ := q.Find(dep); d != nil && d.State != StateComplete {
				ready = false
				break
			}
		}
		if ready {
			return it
		}
	}
	return nil
}

// ReclaimExpired returns every active item whose lease has run out to the
// pending pool and reports their ids.
func (q *Queue) ReclaimExpired(now time.Time) []string {
	var reclaimed []string
	for i := range q.Items {
		it := &q.Items[i]
		if it.State != StateActive || !it.LeaseExpired(now) {
			continue
		}
		expiredAt := strValue(it.LeaseExpiresAt)
		holder := strValue(it.ClaimedBy)
		it.State = StatePending
		it.clearLease()
		it.LastError = strPtr(fmt.Sprintf("lease held by %s expired at %s", holder, expiredAt))
		it.UpdatedAt = docstore.FormatTimestamp(now)
		reclaimed = append(reclaimed, it.ID)
	}
	if len(reclaimed) > 0 {
		q.touch(now)
	}
	return reclaimed
}

// Submit appends item unless an item with the same idempotency key is
// already queued, in which case the existing id is returned and added is
// false. Missing identity fields are derived the same way normalization
// derives them.
func (q *Queue) Submit(item Item, now time.Time) (id string, added bool) {
	if item.IdempotencyKey == "" {
		item.IdempotencyKey = baseKey(&item)
	}
	if existing := q.FindByKey(item.IdempotencyKey); existing != nil {
		return existing.ID, false
	}

	ts := docstore.FormatTimestamp(now)
	if item.State == "" {
		item.State = StatePending
	}
	if item.CreatedAt == "" {
		item.CreatedAt = ts
	}
	if item.UpdatedAt == "" {
		item.UpdatedAt = ts
	}
	if item.PlannedAt == "" {
		item.PlannedAt = item.CreatedAt
	}

	ids := newIdentitySet(q.Items)
	ids.assign(&item)

	q.Items = append(q.Items, item)
	q.touch(now)
	return item.ID, true
}

func (q *Queue) touch(now time.Time) {
	q.LastUpdated = docstore.FormatTimestamp(now)
}
