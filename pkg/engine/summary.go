package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/planq/planq/pkg/archive"
	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/policy"
	"github.com/planq/planq/pkg/queue"
	"github.com/planq/planq/pkg/reconcile"
)

// maxClaimHints caps the "claim" hints in NextActions.
const maxClaimHints = 3

// Summary is the advisory snapshot written after every run. It is never
// read back as state.
type Summary struct {
	GeneratedAt      string             `json:"generated_at"`
	RunID            string             `json:"run_id"`
	Status           RunStatus          `json:"status"`
	Error            string             `json:"error,omitempty"`
	Queue            QueueSummary       `json:"queue"`
	Archive          ArchiveSummary     `json:"archive"`
	Plans            PlanSummary        `json:"plans"`
	Gate             GateSummary        `json:"gate"`
	PolicyViolations []policy.Violation `json:"policy_violations"`
	PolicyErrors     []string           `json:"policy_errors,omitempty"`
	NextActions      []string           `json:"next_actions"`

	// Written lists the absolute paths of the state documents the run
	// changed. The summary itself is not included.
	Written []string `json:"-"`
}

// QueueSummary describes the hot queue after the run.
type QueueSummary struct {
	State         queue.State         `json:"state"`
	FeatureID     string              `json:"feature_id"`
	Items         int                 `json:"items"`
	ByState       map[queue.State]int `json:"by_state"`
	ExpiredLeases []string            `json:"expired_leases"`
	RetryWaiting  []string            `json:"retry_waiting"`
	Ready         []string            `json:"ready"`
	Changes       int                 `json:"changes"`
	Repairs       int                 `json:"repairs"`
	Duplicates    map[string][]string `json:"duplicates,omitempty"`
	Cycles        [][]string          `json:"dependency_cycles,omitempty"`
}

// ArchiveSummary describes what archival did.
type ArchiveSummary struct {
	ArchivedItems    []string            `json:"archived_items"`
	ArchivedFeatures []string            `json:"archived_features"`
	IndexEntries     int                 `json:"index_entries"`
	Skipped          bool                `json:"skipped"`
	SkipReason       string              `json:"skip_reason,omitempty"`
	HeldBack         map[string][]string `json:"held_back"`
	Backfilled       []string            `json:"backfilled,omitempty"`
	FeatureDeferred  bool                `json:"feature_deferred,omitempty"`
	QueueReset       bool                `json:"queue_reset,omitempty"`
	MalformedLines   int                 `json:"malformed_lines,omitempty"`
}

// PlanSummary describes plan synchronization.
type PlanSummary struct {
	Roots        []string            `json:"roots"`
	Discovered   int                 `json:"discovered"`
	Created      int                 `json:"created"`
	Migrated     int                 `json:"migrated"`
	Normalized   int                 `json:"normalized"`
	ItemsCreated []string            `json:"items_created"`
	Invalid      []InvalidPlanReport `json:"invalid"`
}

// InvalidPlanReport names a plan document that could not be read.
type InvalidPlanReport struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// GateSummary describes the quality gate.
type GateSummary struct {
	Mode     queue.GateMode      `json:"mode"`
	Blocking bool                `json:"blocking"`
	Count    int                 `json:"count"`
	Issues   map[string][]string `json:"issues"`
}

// runState is everything a run computed, before and after commit.
type runState struct {
	runID    string
	now      time.Time
	queue    *queue.Queue
	index    *archive.Index
	queueRep *queue.Report
	sync     *reconcile.Result
	gate     queue.GateResult
	policies *policy.Result
	archive  *archive.Plan
	graph    *DependencyGraph
	written  []string
}

// buildSummary assembles the snapshot from the final state of a run.
func buildSummary(st *runState, status RunStatus, runErr error) *Summary {
	q := st.queue
	if st.archive != nil && st.archive.Queue != nil {
		q = st.archive.Queue
	}
	graph := NewDependencyGraph(q)
	st.graph = graph

	s := &Summary{
		GeneratedAt:      docstore.FormatTimestamp(st.now),
		RunID:            st.runID,
		Status:           status,
		PolicyViolations: []policy.Violation{},
		NextActions:      []string{},
		Written:          st.written,
	}
	if runErr != nil {
		s.Error = runErr.Error()
	}

	s.Queue = QueueSummary{
		State:         q.State,
		FeatureID:     q.FeatureID,
		Items:         len(q.Items),
		ByState:       q.CountByState(),
		ExpiredLeases: []string{},
		RetryWaiting:  []string{},
		Ready:         graph.Ready(st.now),
		Cycles:        graph.Cycles(),
	}
	if s.Queue.Ready == nil {
		s.Queue.Ready = []string{}
	}
	for i := range q.Items {
		it := &q.Items[i]
		if it.State == queue.StateActive && it.LeaseExpired(st.now) {
			s.Queue.ExpiredLeases = append(s.Queue.ExpiredLeases, it.ID)
		}
		if retryAt, ok := docstore.ParseTimestampPtr(it.RetryAfter); ok && it.State == queue.StatePending && st.now.Before(retryAt) {
			s.Queue.RetryWaiting = append(s.Queue.RetryWaiting, it.ID)
		}
	}
	if st.queueRep != nil {
		s.Queue.Changes = len(st.queueRep.Changes)
		s.Queue.Repairs = len(st.queueRep.Repairs)
	}

	s.Archive = ArchiveSummary{
		ArchivedItems:    []string{},
		ArchivedFeatures: []string{},
		HeldBack:         map[string][]string{},
	}
	if st.index != nil {
		s.Archive.IndexEntries = len(st.index.Entries)
	}
	if ap := st.archive; ap != nil {
		s.Archive.ArchivedItems = ap.ArchivedItems
		s.Archive.ArchivedFeatures = ap.ArchivedFeatures
		s.Archive.IndexEntries = len(ap.Index.Entries)
		s.Archive.Skipped = ap.Skipped
		s.Archive.SkipReason = ap.SkipReason
		if ap.HeldBack != nil {
			s.Archive.HeldBack = ap.HeldBack
		}
		s.Archive.Backfilled = ap.Backfilled
		s.Archive.FeatureDeferred = ap.FeatureDeferred
		s.Archive.QueueReset = ap.QueueReset
		s.Archive.MalformedLines = ap.MalformedLines
	}

	s.Plans = PlanSummary{Roots: []string{}, ItemsCreated: []string{}, Invalid: []InvalidPlanReport{}}
	if res := st.sync; res != nil {
		s.Plans.Roots = res.Roots
		s.Plans.Discovered = res.Discovered()
		s.Plans.Created = res.Count(func(p reconcile.PlanResult) bool { return p.Created })
		s.Plans.Migrated = res.Count(func(p reconcile.PlanResult) bool { return p.Migrated })
		s.Plans.Normalized = res.Count(func(p reconcile.PlanResult) bool { return p.Changed && !p.Created })
		if res.ItemsCreated != nil {
			s.Plans.ItemsCreated = res.ItemsCreated
		}
		for _, inv := range res.Invalid {
			s.Plans.Invalid = append(s.Plans.Invalid, InvalidPlanReport{Path: inv.Path, Error: inv.Err.Error()})
		}
		s.Queue.Duplicates = res.Duplicates
	}

	s.Gate = GateSummary{
		Mode:     st.gate.Mode,
		Blocking: st.gate.Blocking(),
		Count:    len(st.gate.Issues),
		Issues:   st.gate.ByRule(),
	}
	if st.policies != nil {
		s.PolicyViolations = st.policies.Violations
		s.PolicyErrors = st.policies.Errors
	}

	s.NextActions = nextActions(s, st.gate)
	return s
}

// nextActions derives hints from the summary, most urgent first.
func nextActions(s *Summary, gate queue.GateResult) []string {
	actions := []string{}
	for _, inv := range s.Plans.Invalid {
		actions = append(actions, fmt.Sprintf("fix %s: %s", inv.Path, inv.Error))
	}
	if s.Gate.Blocking {
		n := 0
		for _, issue := range gate.Issues {
			if issue.Blocking {
				n++
			}
		}
		actions = append(actions, fmt.Sprintf("resolve %d blocking quality-gate issues before archival can run", n))
	}

	byRule := s.Gate.Issues
	for _, id := range byRule[queue.IssueCompleteMissingVerification] {
		actions = append(actions, "add verification evidence to "+id)
	}
	for _, id := range byRule[queue.IssueCompleteMissingCompletedAt] {
		actions = append(actions, "record completed_at for "+id)
	}
	for _, id := range byRule[queue.IssueMissingDeferredReason] {
		actions = append(actions, "record why "+id+" is deferred")
	}

	held := make([]string, 0, len(s.Archive.HeldBack))
	for id := range s.Archive.HeldBack {
		held = append(held, id)
	}
	sort.Strings(held)
	for _, id := range held {
		actions = append(actions, fmt.Sprintf("%s is held back from archival by %v", id, s.Archive.HeldBack[id]))
	}

	for _, id := range s.Queue.ExpiredLeases {
		actions = append(actions, "reclaim expired lease on "+id)
	}
	for _, cycle := range s.Queue.Cycles {
		actions = append(actions, "break dependency cycle "+formatCycle(cycle))
	}
	for i, id := range s.Queue.Ready {
		if i == maxClaimHints {
			break
		}
		actions = append(actions, "claim "+id)
	}
	if s.Queue.Items == 0 && len(s.Plans.Invalid) == 0 {
		actions = append(actions, "add a plan directory to start new work")
	}
	return actions
}
