package engine

import (
	"context"

	"github.com/planq/planq/pkg/archive"
	"github.com/planq/planq/pkg/policy"
	"github.com/planq/planq/pkg/queue"
	"github.com/planq/planq/pkg/stores"
)

// VerifyArchive checks that every index entry resolves to exactly one shard
// record. It reads under the lock so it never observes a half-written run.
func (w *Workspace) VerifyArchive(ctx context.Context) (*archive.VerifyReport, error) {
	ctx = w.tel.WithContext(ctx)
	var rep *archive.VerifyReport
	err := w.withLock(ctx, "verify archive", func() error {
		idx, err := w.loadIndex()
		if err != nil {
			return err
		}
		return w.phase(ctx, "verify", func(context.Context) error {
			rep = w.Archive().Verify(idx)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info().
		Int("entries", rep.Entries).
		Int("shards", rep.Shards).
		Int("problems", len(rep.Problems)).
		Msg("Archive verified")
	return rep, nil
}

// Reindex adds index entries for shard records the index lacks, which is
// the state a crash between a shard append and the index write leaves
// behind. It returns the entries it added.
func (w *Workspace) Reindex(ctx context.Context) ([]archive.Entry, error) {
	ctx = w.tel.WithContext(ctx)
	var added []archive.Entry
	err := w.withLock(ctx, "reindex archive", func() error {
		idx, err := w.loadIndex()
		if err != nil {
			return err
		}
		store := w.Archive()
		added, err = store.RebuildIndex(idx, w.now().UTC())
		if err != nil {
			return NewTransientError("rebuild archive index", err).WithCode(ErrCodeIOFailed)
		}
		if _, err := store.SaveIndex(idx); err != nil {
			return NewTransientError("write archive index", err).
				WithCode(ErrCodeIOFailed).
				WithResource(w.Rel(store.IndexFile()))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info().Int("added", len(added)).Msg("Archive index rebuilt")
	return added, nil
}

// SearchResult holds archive search hits. Catalog is empty when the
// catalog is disabled; its entries also carry the run that archived them.
type SearchResult struct {
	Index   []archive.Entry        `json:"index"`
	Catalog []*stores.ArchiveEntry `json:"catalog,omitempty"`
}

// SearchArchive looks up archived records in the index and, when enabled,
// in the catalog. It does not take the lock: the index is replaced
// atomically and the catalog is advisory.
func (w *Workspace) SearchArchive(ctx context.Context, q archive.Query) (*SearchResult, error) {
	idx, err := w.loadIndex()
	if err != nil {
		return nil, err
	}
	res := &SearchResult{Index: archive.Search(idx, q)}

	store, err := w.OpenCatalog(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Archive catalog unavailable")
		return res, nil
	}
	if store == nil {
		return res, nil
	}
	defer store.Close()

	res.Catalog, err = store.ListArchiveEntries(ctx, stores.ArchiveFilter{
		FeatureID: q.FeatureID,
		Kind:      string(q.Kind),
		Text:      q.Text,
		Limit:     q.Limit,
	})
	if err != nil {
		w.logger.Warn().Err(err).Msg("Archive catalog search failed")
	}
	return res, nil
}

// Queue reads the current queue document without repairing it. Like
// SearchArchive it takes no lock.
func (w *Workspace) Queue() (*queue.Queue, error) {
	return w.loadQueue()
}

// Policies compiles the built-in and configured policies and lists them.
// A policy that does not compile fails with CONFIG_INVALID.
func (w *Workspace) Policies(ctx context.Context) ([]policy.Policy, error) {
	engine, err := w.policyEngine(ctx)
	if err != nil {
		return nil, err
	}
	return engine.ListPolicies(), nil
}
