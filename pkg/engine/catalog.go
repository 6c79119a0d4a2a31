package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/planq/planq/pkg/archive"
	"github.com/planq/planq/pkg/stores"
	"github.com/planq/planq/pkg/telemetry"
	"github.com/rs/zerolog"
)

// OpenCatalog opens and migrates the archive catalog. It returns nil when
// the catalog is disabled. The caller closes the store.
func (w *Workspace) OpenCatalog(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, ok := w.Config.CatalogSettings(w.Root)
	if !ok {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return store, nil
}

// recordCatalog mirrors the index and the run into the catalog. The catalog
// is advisory: failures are logged and never fail the run.
func (w *Workspace) recordCatalog(ctx context.Context, st *runState, s *Summary, runErr error, log zerolog.Logger) {
	store, err := w.OpenCatalog(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Archive catalog unavailable")
		return
	}
	if store == nil {
		return
	}
	defer store.Close()

	counters, err := json.Marshal(map[string]int{
		"items":             s.Queue.Items,
		"archived_items":    len(s.Archive.ArchivedItems),
		"archived_features": len(s.Archive.ArchivedFeatures),
		"held_back":         len(s.Archive.HeldBack),
		"index_entries":     s.Archive.IndexEntries,
		"plans":             s.Plans.Discovered,
		"plans_created":     s.Plans.Created,
		"plans_invalid":     len(s.Plans.Invalid),
		"gate_issues":       s.Gate.Count,
		"policy_violations": len(s.PolicyViolations),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode run counters")
		return
	}

	finished := w.now().UTC()
	run := &stores.Run{
		ID:         st.runID,
		Workspace:  w.Root,
		Status:     s.Status.catalogStatus(),
		StartedAt:  st.now,
		FinishedAt: &finished,
		Counters:   string(counters),
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}

	idx := st.index
	if st.archive != nil {
		idx = st.archive.Index
	}
	entries := make([]stores.ArchiveEntry, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		entries = append(entries, stores.ArchiveEntry{
			ArchiveKey: e.ArchiveKey,
			Kind:       string(e.Kind),
			FeatureID:  e.FeatureID,
			ItemID:     e.ItemID,
			ArchivedAt: e.ArchivedAt,
			ArchiveRef: e.ArchiveRef,
		})
	}

	stats, err := store.RecordRun(ctx, run, entries, catalogEvents(st, finished))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record run in archive catalog")
		return
	}
	log.Debug().Int("upserted", stats.Upserted).Int("removed", stats.Removed).Msg("Archive catalog updated")
}

// catalogEvents lists the notable outcomes of a run for the catalog.
func catalogEvents(st *runState, at time.Time) []*stores.Event {
	var events []*stores.Event
	add := func(level stores.EventLevel, kind, subject, message string) {
		events = append(events, &stores.Event{
			Level:     level,
			Kind:      kind,
			Subject:   subject,
			Message:   message,
			CreatedAt: at,
		})
	}

	if st.sync != nil {
		for _, inv := range st.sync.Invalid {
			add(stores.EventLevelError, telemetry.EventTypePlanInvalid, inv.Path, inv.Err.Error())
		}
		for _, p := range st.sync.Plans {
			if p.Created {
				add(stores.EventLevelInfo, telemetry.EventTypePlanCreated, p.PlanRef, "plan document created")
			}
		}
	}
	for _, issue := range st.gate.Issues {
		level := stores.EventLevelWarning
		if issue.Blocking {
			level = stores.EventLevelError
		}
		add(level, telemetry.EventTypeGateIssue, issue.Subject, issue.Rule+": "+issue.Message)
	}
	if ap := st.archive; ap != nil && !ap.Skipped {
		for _, a := range ap.Appends {
			for _, rec := range a.Records {
				kind := telemetry.EventTypeItemArchived
				if rec.Kind == archive.KindFeature {
					kind = telemetry.EventTypeFeatureArchived
				}
				add(stores.EventLevelInfo, kind, rec.ArchiveKey, "archived to "+a.Ref)
			}
		}
	}
	return events
}
