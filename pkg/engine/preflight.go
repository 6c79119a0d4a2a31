package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/planq/planq/pkg/archive"
	"github.com/planq/planq/pkg/config"
	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/plan"
	"github.com/planq/planq/pkg/policy"
	"github.com/planq/planq/pkg/queue"
	"github.com/planq/planq/pkg/reconcile"
	"github.com/planq/planq/pkg/telemetry"
	"github.com/rs/zerolog"
)

// PreflightOptions tunes one preflight run.
type PreflightOptions struct {
	// DryRun computes everything but writes nothing, not even the summary.
	DryRun bool
}

// policyCache holds the compiled policies of a workspace.
type policyCache struct {
	once   sync.Once
	engine *policy.Engine
	err    error
}

// Preflight runs the whole pipeline under the workspace lock: plan
// synchronization, queue normalization, the quality gate, custom policies
// and archival. Every transformation happens in memory; documents are
// written only once all of them succeeded, plans first, then archive shards
// and index, then the queue.
//
// A blocking gate in fail mode skips archival, still writes repairs and
// returns a GATE_FAILED error. Unreadable plan documents do not stop the
// other repairs; the run returns a PLAN_INVALID error afterwards. The
// summary is returned whenever the lock was acquired.
func (w *Workspace) Preflight(ctx context.Context, opts PreflightOptions) (*Summary, error) {
	st := &runState{runID: uuid.New().String(), now: w.now().UTC()}
	log := w.logger.With().Str("run_id", st.runID).Logger()

	ctx = w.tel.WithContext(ctx)
	ctx = telemetry.WithRunContext(ctx, st.runID, w.Root)

	var summary *Summary
	status := RunStatusFailed
	err := w.withLock(ctx, "preflight", func() error {
		var runErr error
		status, runErr = w.runLocked(ctx, st, opts, log)
		if st.queue == nil || st.index == nil || st.sync == nil {
			// Nothing was read that a snapshot could describe.
			return runErr
		}
		summary = buildSummary(st, status, runErr)
		w.recordMetrics(st, summary)

		if !opts.DryRun {
			w.writeSummary(summary, log)
			w.recordCatalog(ctx, st, summary, runErr, log)
		}
		return runErr
	})

	telemetry.EndRunContext(ctx, st.runID, string(status), Code(err), err)
	if !opts.DryRun {
		if ferr := w.tel.Metrics.WriteTextfile(); ferr != nil {
			log.Warn().Err(ferr).Msg("Failed to write metrics textfile")
		}
	}

	var ev *zerolog.Event
	if err != nil {
		ev = log.Error().Err(err)
	} else {
		ev = log.Info()
	}
	if summary != nil {
		ev = ev.Int("items", summary.Queue.Items).
			Int("archived_items", len(summary.Archive.ArchivedItems)).
			Int("gate_issues", summary.Gate.Count).
			Int("written", len(summary.Written))
	}
	ev.Str("status", string(status)).Msg("Preflight finished")
	return summary, err
}

// runLocked does the work of Preflight while the lock is held.
func (w *Workspace) runLocked(ctx context.Context, st *runState, opts PreflightOptions, log zerolog.Logger) (RunStatus, error) {
	var err error
	if st.queue, err = w.loadQueue(); err != nil {
		return RunStatusFailed, err
	}
	if st.index, err = w.loadIndex(); err != nil {
		return RunStatusFailed, err
	}

	if err := w.phase(ctx, "reconcile", func(context.Context) error {
		return w.reconcile(st, log)
	}); err != nil {
		return RunStatusFailed, err
	}

	_ = w.phase(ctx, "normalize", func(context.Context) error {
		w.normalize(st, log)
		return nil
	})

	if err := w.phase(ctx, "policy", func(ctx context.Context) error {
		return w.evaluatePolicies(ctx, st)
	}); err != nil {
		return RunStatusFailed, err
	}
	w.publishIssues(st, st.gate.Issues)

	if err := w.phase(ctx, "archive", func(context.Context) error {
		archiver := archive.New(w.Archive(), w.archiveOptions(log))
		ap, err := archiver.Plan(st.queue, st.index, st.gate)
		if err != nil {
			return NewTransientError("plan archival", err).WithCode(ErrCodeIOFailed)
		}
		st.archive = ap
		for _, issue := range ap.Issues {
			st.gate.Add(issue)
		}
		w.publishIssues(st, ap.Issues)
		return nil
	}); err != nil {
		return RunStatusFailed, err
	}

	outcome := w.outcome(st)
	status := RunStatusCommitted
	if opts.DryRun {
		status = RunStatusDryRun
	} else {
		if err := w.phase(ctx, "commit", func(context.Context) error {
			return w.commit(st, log)
		}); err != nil {
			return RunStatusFailed, err
		}
		w.publishCommitted(st)
	}

	if outcome != nil && !opts.DryRun {
		status = RunStatusFailed
		if Code(outcome) == ErrCodeGateFailed {
			status = RunStatusGateFailed
		}
	}
	return status, outcome
}

// phase runs fn inside a telemetry phase.
func (w *Workspace) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ic := telemetry.StartPhase(ctx, name)
	err := fn(ic.Ctx)
	ic.End(err)
	return err
}

func (w *Workspace) planNormalizer(log zerolog.Logger) (*plan.Normalizer, error) {
	deny, err := w.Config.DenyPatterns()
	if err != nil {
		return nil, NewPermanentError("invalid deliverable deny pattern", err).WithCode(ErrCodeConfigInvalid)
	}
	return plan.NewNormalizer(
		plan.WithClock(w.now),
		plan.WithLogger(log),
		plan.WithDenyPatterns(deny),
		plan.WithRequiredFields(w.Config.Rules.RequiredFields.Plan),
	), nil
}

func (w *Workspace) reconcile(st *runState, log zerolog.Logger) error {
	normalizer, err := w.planNormalizer(log)
	if err != nil {
		return err
	}
	idx := st.index
	syncer := reconcile.New(reconcile.Options{
		Workspace:   w.Root,
		Roots:       w.Config.PlanRoots(),
		PlanFile:    w.Config.PlanFile,
		LegacyFiles: w.Config.LegacyPlanFiles,
		Archived: func(key string) bool {
			return idx.Has(archive.ItemKey(key))
		},
		Normalizer: normalizer,
		Now:        w.now,
		Logger:     log,
	})
	res, err := syncer.Sync(st.queue)
	if err != nil {
		return NewTransientError("synchronize plans", err).WithCode(ErrCodeIOFailed)
	}
	st.sync = res

	for _, p := range res.Plans {
		if p.Created {
			_ = w.tel.Events.PublishPlanCreated(st.runID, p.PlanRef, p.Migrated)
		}
	}
	for _, inv := range res.Invalid {
		_ = w.tel.Events.PublishPlanInvalid(st.runID, inv.Path, inv.Err.Error())
	}
	return nil
}

func (w *Workspace) normalize(st *runState, log zerolog.Logger) {
	idx := st.index
	n := queue.NewNormalizer(w.Config.QueueRules(),
		queue.WithClock(w.now),
		queue.WithLogger(log),
		queue.WithKnownIDs(idx.HasItem),
		queue.WithKnownKeys(func(key string) bool {
			return idx.Has(archive.ItemKey(key))
		}),
	)
	st.queueRep = n.Normalize(st.queue)
	st.gate = st.queueRep.Gate

	for _, id := range st.sync.ItemsCreated {
		it, _ := st.queue.Find(id)
		if it == nil {
			continue
		}
		planRef := ""
		if it.PlanRef != nil {
			planRef = *it.PlanRef
		}
		_ = w.tel.Events.PublishItemCreated(st.runID, it.FeatureID, id, planRef)
	}
	changes := make([]queue.Change, 0, len(st.sync.ItemChanges)+len(st.queueRep.Changes))
	changes = append(changes, st.sync.ItemChanges...)
	changes = append(changes, st.queueRep.Changes...)
	for _, c := range changes {
		if c.Field == "state" {
			_ = w.tel.Events.PublishItemChanged(st.runID, c.ItemID, c.From, c.To, "repaired")
		}
	}

	w.addPlanIssues(st)
}

// addPlanIssues puts the advisory plan issues on the gate. A missing
// required field is an error; the others are warnings.
func (w *Workspace) addPlanIssues(st *runState) {
	enabled := make(map[string]bool)
	for _, rule := range w.Config.Rules.QualityGate.Rules {
		enabled[rule] = true
	}
	for _, p := range st.sync.Plans {
		if p.Report == nil {
			continue
		}
		for _, issue := range p.Report.Issues {
			if len(enabled) > 0 && !enabled[issue.Rule] {
				continue
			}
			severity := queue.SeverityWarning
			if issue.Rule == plan.IssueMissingRequiredPlanField {
				severity = queue.SeverityError
			}
			st.gate.Add(queue.Issue{
				Rule:     issue.Rule,
				Subject:  p.PlanRef,
				Message:  issue.Message,
				Severity: severity,
			})
		}
	}
}

func (w *Workspace) policyEngine(ctx context.Context) (*policy.Engine, error) {
	w.policies.once.Do(func() {
		engine, err := policy.NewEngine(w.logger)
		if err != nil {
			w.policies.err = err
			return
		}
		paths := make([]string, 0, len(w.Config.Policies))
		for _, p := range w.Config.Policies {
			paths = append(paths, config.Resolve(w.Root, p))
		}
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			w.policies.err = err
			return
		}
		w.policies.engine = engine
	})
	if w.policies.err != nil {
		return nil, NewPermanentError("load policies", w.policies.err).WithCode(ErrCodeConfigInvalid)
	}
	return w.policies.engine, nil
}

func (w *Workspace) evaluatePolicies(ctx context.Context, st *runState) error {
	engine, err := w.policyEngine(ctx)
	if err != nil {
		return err
	}
	res, err := engine.Evaluate(ctx, st.queue, st.now)
	if err != nil {
		return NewPermanentError("evaluate policies", err).WithCode(ErrCodeDocumentInvalid)
	}
	st.policies = res
	res.Apply(&st.gate)
	for _, v := range res.Violations {
		_ = w.tel.Events.PublishPolicyViolation(st.runID, v.Policy, v.ItemID, v.Message, string(v.Severity))
	}
	return nil
}

func (w *Workspace) publishIssues(st *runState, issues []queue.Issue) {
	for _, issue := range issues {
		w.logger.Warn().
			Str("rule", issue.Rule).
			Str("subject", issue.Subject).
			Bool("blocking", issue.Blocking).
			Msg(issue.Message)
		_ = w.tel.Events.PublishGateIssue(st.runID, issue.Rule, issue.Subject, issue.Message, issue.Blocking)
	}
}

func (w *Workspace) archiveOptions(log zerolog.Logger) archive.Options {
	opts := w.Config.ArchiveOptions()
	opts.Now = w.now
	opts.Logger = log
	return opts
}

// outcome turns unreadable plans and a blocking gate into the run error.
func (w *Workspace) outcome(st *runState) error {
	var errs []error
	if len(st.sync.Invalid) > 0 {
		errs = append(errs, NewPermanentError(
			fmt.Sprintf("%d plan documents are invalid", len(st.sync.Invalid)),
			st.sync.Err(),
		).WithCode(ErrCodePlanInvalid))
	}
	if st.gate.Mode == queue.GateFail && st.gate.Blocking() {
		errs = append(errs, NewPermanentError("quality gate failed", errors.New(st.archive.SkipReason)).
			WithCode(ErrCodeGateFailed))
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// commit writes plans, then the archive, then the queue. A crash between
// the archive and the queue leaves records the next run finds and skips.
func (w *Workspace) commit(st *runState, log zerolog.Logger) error {
	var written []string
	for _, wr := range st.sync.Writes {
		changed, err := docstore.WriteIfChanged(wr.Path, wr.Data)
		if err != nil {
			return NewTransientError("write plan document", err).WithCode(ErrCodeIOFailed).WithResource(w.Rel(wr.Path))
		}
		if changed {
			written = append(written, wr.Path)
			log.Debug().Str("plan_ref", w.Rel(wr.Path)).Msg("Plan document written")
		}
	}

	ap := st.archive
	store := w.Archive()
	if err := archive.New(store, w.archiveOptions(log)).Commit(ap); err != nil {
		return NewTransientError("commit archive", err).WithCode(ErrCodeIOFailed)
	}
	for _, a := range ap.Appends {
		written = append(written, store.Resolve(a.Ref))
	}
	// Repairs made while reading the index are persisted even when
	// archival was skipped.
	changed, err := store.SaveIndex(ap.Index)
	if err != nil {
		return NewTransientError("write archive index", err).WithCode(ErrCodeIOFailed)
	}
	if changed || ap.IndexChanged() {
		written = append(written, store.IndexFile())
	}

	changed, err = w.writeQueue(ap.Queue)
	if err != nil {
		return err
	}
	if changed {
		written = append(written, w.QueuePath())
	}

	st.written = written
	return nil
}

func (w *Workspace) publishCommitted(st *runState) {
	ap := st.archive
	for _, a := range ap.Appends {
		for _, rec := range a.Records {
			switch rec.Kind {
			case archive.KindItem:
				_ = w.tel.Events.PublishItemArchived(st.runID, rec.FeatureID, rec.ArchiveKey, a.Ref)
			case archive.KindFeature:
				_ = w.tel.Events.PublishFeatureArchived(st.runID, rec.FeatureID, rec.ArchiveKey, a.Ref, ap.QueueReset)
			}
		}
	}
}

// writeSummary writes the advisory snapshot. Failing to write it does not
// fail the run.
func (w *Workspace) writeSummary(s *Summary, log zerolog.Logger) {
	data, err := docstore.Marshal(s)
	if err == nil {
		err = docstore.WriteFileAtomic(w.SummaryPath(), data, 0o644)
	}
	if err != nil {
		log.Warn().Err(err).Str("path", w.Rel(w.SummaryPath())).Msg("Failed to write summary")
	}
}

func (w *Workspace) recordMetrics(st *runState, s *Summary) {
	m := w.tel.Metrics
	if !m.Enabled() {
		return
	}

	byState := make(map[string]int, len(s.Queue.ByState))
	for state, n := range s.Queue.ByState {
		byState[string(state)] = n
	}
	m.SetQueueItems(byState, len(s.Queue.ExpiredLeases))
	m.RecordArchived(string(archive.KindItem), len(s.Archive.ArchivedItems))
	m.RecordArchived(string(archive.KindFeature), len(s.Archive.ArchivedFeatures))
	m.SetArchiveState(s.Archive.IndexEntries, len(s.Archive.HeldBack))

	counts := make(map[[2]string]int)
	for _, issue := range st.gate.Issues {
		counts[[2]string{issue.Rule, issue.Severity}]++
	}
	issues := make([]telemetry.IssueCount, 0, len(counts))
	for k, n := range counts {
		issues = append(issues, telemetry.IssueCount{Rule: k[0], Severity: k[1], Count: n})
	}
	m.SetGateIssues(issues)

	if st.queueRep != nil {
		m.RecordRepairs("queue", len(st.queueRep.Changes)+len(st.queueRep.Repairs))
	}
	if st.sync != nil {
		plans := 0
		byRoot := make(map[string]int)
		for _, p := range st.sync.Plans {
			byRoot[p.Root]++
			if p.Report != nil {
				plans += len(p.Report.Changes) + len(p.Report.Repairs)
			}
		}
		m.RecordRepairs("plan", plans)
		m.SetPlans(byRoot)
	}
}
