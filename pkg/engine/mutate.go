package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/planq/planq/pkg/archive"
	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/queue"
)

// Mutation changes the queue in memory. The archive index is read-only
// context.
type Mutation func(q *queue.Queue, idx *archive.Index, now time.Time) error

// Mutate applies fn to the queue under the workspace lock and writes the
// queue back if it changed. Nothing is written when fn fails.
func (w *Workspace) Mutate(ctx context.Context, op string, fn Mutation) error {
	ctx = w.tel.WithContext(ctx)
	runID := uuid.New().String()
	log := w.logger.With().Str("run_id", runID).Str("op", op).Logger()

	err := w.withLock(ctx, op, func() error {
		q, err := w.loadQueue()
		if err != nil {
			return err
		}
		idx, err := w.loadIndex()
		if err != nil {
			return err
		}
		before, err := queue.Encode(q)
		if err != nil {
			return NewPermanentError("encode queue", err).WithCode(ErrCodeDocumentInvalid)
		}
		states := make(map[string]queue.State, len(q.Items))
		for _, it := range q.Items {
			states[it.ID] = it.State
		}

		now := w.now().UTC()
		if err := w.phase(ctx, "mutate", func(context.Context) error {
			return fn(q, idx, now)
		}); err != nil {
			return classify(op, err)
		}

		after, err := queue.Encode(q)
		if err != nil {
			return NewPermanentError("encode queue", err).WithCode(ErrCodeDocumentInvalid)
		}
		if bytes.Equal(before, after) {
			log.Debug().Msg("Queue unchanged")
			return nil
		}
		q.LastUpdated = docstore.FormatTimestamp(now)
		if _, err := w.writeQueue(q); err != nil {
			return err
		}

		for _, it := range q.Items {
			from, ok := states[it.ID]
			if ok && from == it.State {
				continue
			}
			_ = w.tel.Events.PublishItemChanged(runID, it.ID, string(from), string(it.State), op)
			log.Info().Str("item_id", it.ID).Str("from", string(from)).Str("to", string(it.State)).Msg("Item changed")
		}
		return nil
	})
	if err != nil {
		w.tel.Metrics.RecordError(Code(err))
	}
	return err
}

// mutateItem applies fn to the item with the given id and returns a copy of
// the result.
func (w *Workspace) mutateItem(ctx context.Context, op, id string, fn func(it *queue.Item, now time.Time) error) (*queue.Item, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalidArgument(op, "an item id is required")
	}
	var out queue.Item
	err := w.Mutate(ctx, op, func(q *queue.Queue, _ *archive.Index, now time.Time) error {
		it, _ := q.Find(id)
		if it == nil {
			return fmt.Errorf("%w: %s", queue.ErrNotFound, id)
		}
		if err := fn(it, now); err != nil {
			return err
		}
		out = *it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func invalidArgument(op, msg string) error {
	return NewPermanentError(msg, nil).WithCode(ErrCodeInvalidArgument).WithOperation(op)
}

// SubmitResult reports where a submitted item ended up.
type SubmitResult struct {
	ID string `json:"id"`

	// Added is false when an item with the same idempotency key already
	// exists in the queue or the archive.
	Added bool `json:"added"`

	// Archived is true when the key was found in the archive.
	Archived bool `json:"archived"`
}

// Submit adds an item to the queue. Items are deduplicated by idempotency
// key against both the hot queue and the archive, so re-submitting finished
// work is a no-op.
func (w *Workspace) Submit(ctx context.Context, item queue.Item) (*SubmitResult, error) {
	item.Title = strings.TrimSpace(item.Title)
	if item.Title == "" {
		return nil, invalidArgument("submit", "an item title is required")
	}
	rules := w.Config.QueueRules()
	if item.Type == "" {
		item.Type = rules.DefaultType
	}
	if item.State != "" && item.State != queue.StatePending && item.State != queue.StateDeferred {
		return nil, invalidArgument("submit", fmt.Sprintf("items cannot be submitted as %s", item.State))
	}
	if item.State == queue.StateDeferred && item.DeferredReason == nil {
		return nil, invalidArgument("submit", "a deferred item needs a reason")
	}

	res := &SubmitResult{}
	err := w.Mutate(ctx, "submit", func(q *queue.Queue, idx *archive.Index, now time.Time) error {
		if e, ok := idx.Lookup(archive.ItemKey(queue.IdentityKey(&item))); ok {
			res.ID = e.ItemID
			res.Archived = true
			return nil
		}
		res.ID, res.Added = q.Submit(item, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ClaimRequest selects the item to claim. An empty ID claims the first
// claimable item in queue order.
type ClaimRequest struct {
	ID     string
	Worker string
	Lease  time.Duration
}

// Claim leases an item to a worker. The worker defaults to the configured
// claimant and the lease to the configured duration.
func (w *Workspace) Claim(ctx context.Context, req ClaimRequest) (*queue.Item, error) {
	rules := w.Config.QueueRules()
	worker := strings.TrimSpace(req.Worker)
	if worker == "" {
		worker = rules.DefaultClaimant
	}
	lease := req.Lease
	if lease <= 0 {
		lease = rules.LeaseDuration
	}

	var out queue.Item
	err := w.Mutate(ctx, "claim", func(q *queue.Queue, _ *archive.Index, now time.Time) error {
		id := strings.TrimSpace(req.ID)
		if id == "" {
			next := q.NextClaimable(now)
			if next == nil {
				return NewPermanentError("no claimable item", nil).WithCode(ErrCodeNotFound)
			}
			id = next.ID
		}
		it, err := q.Claim(id, worker, now, lease)
		if err != nil {
			return err
		}
		out = *it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Renew extends the lease worker holds on an item.
func (w *Workspace) Renew(ctx context.Context, id, worker string, lease time.Duration) (*queue.Item, error) {
	rules := w.Config.QueueRules()
	if worker = strings.TrimSpace(worker); worker == "" {
		worker = rules.DefaultClaimant
	}
	if lease <= 0 {
		lease = rules.LeaseDuration
	}
	return w.mutateItem(ctx, "renew", id, func(it *queue.Item, now time.Time) error {
		return it.Renew(worker, now, lease)
	})
}

// Release returns an active item to the pending pool. An empty worker
// releases whoever holds it.
func (w *Workspace) Release(ctx context.Context, id, worker string) (*queue.Item, error) {
	return w.mutateItem(ctx, "release", id, func(it *queue.Item, now time.Time) error {
		return it.Release(strings.TrimSpace(worker), now)
	})
}

// Defer parks an item with a reason.
func (w *Workspace) Defer(ctx context.Context, id, reason string) (*queue.Item, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, invalidArgument("defer", "a reason is required")
	}
	return w.mutateItem(ctx, "defer", id, func(it *queue.Item, now time.Time) error {
		return it.Defer(reason, now)
	})
}

// Resume moves a deferred item back to pending.
func (w *Workspace) Resume(ctx context.Context, id string) (*queue.Item, error) {
	return w.mutateItem(ctx, "resume", id, func(it *queue.Item, now time.Time) error {
		return it.Resume(now)
	})
}

// Fail records a failed attempt under the configured retry policy.
func (w *Workspace) Fail(ctx context.Context, id, worker, message string) (*queue.Item, error) {
	policy := w.Config.QueueRules().Retry
	return w.mutateItem(ctx, "fail", id, func(it *queue.Item, now time.Time) error {
		return it.Fail(strings.TrimSpace(worker), message, now, policy)
	})
}

// Complete closes an active item with its resolution.
func (w *Workspace) Complete(ctx context.Context, id, worker string, c queue.Completion) (*queue.Item, error) {
	return w.mutateItem(ctx, "complete", id, func(it *queue.Item, now time.Time) error {
		return it.Complete(strings.TrimSpace(worker), c, now)
	})
}

// ReclaimExpired returns every item with an expired lease to pending.
func (w *Workspace) ReclaimExpired(ctx context.Context) ([]string, error) {
	var ids []string
	err := w.Mutate(ctx, "reclaim", func(q *queue.Queue, _ *archive.Index, now time.Time) error {
		ids = q.ReclaimExpired(now)
		return nil
	})
	return ids, err
}
