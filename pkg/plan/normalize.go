package plan

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/planq/planq/pkg/docstore"
	"github.com/rs/zerolog"
)

// Root describes the plan semantics of one plan root directory.
type Root struct {
	Name              string
	DefaultStatus     Status
	AllowedStatuses   []Status
	DefaultStageState Progress
}

// Closed reports whether plans under the root are finished work.
func (r Root) Closed() bool {
	return r.DefaultStageState == ProgressComplete
}

func (r Root) allows(s Status) bool {
	for _, a := range r.AllowedStatuses {
		if a == s {
			return true
		}
	}
	return false
}

// Built-in roots.
var (
	CurrentRoot = Root{
		Name:              "current",
		DefaultStatus:     StatusDraft,
		AllowedStatuses:   []Status{StatusDraft, StatusReady, StatusInProgress, StatusComplete},
		DefaultStageState: ProgressPending,
	}
	DeferredRoot = Root{
		Name:              "deferred",
		DefaultStatus:     StatusDeferred,
		AllowedStatuses:   []Status{StatusDeferred},
		DefaultStageState: ProgressPending,
	}
	ArchiveRoot = Root{
		Name:              "archive",
		DefaultStatus:     StatusArchived,
		AllowedStatuses:   []Status{StatusArchived, StatusComplete},
		DefaultStageState: ProgressComplete,
	}
)

// Target identifies where a document lives.
type Target struct {
	Root      Root
	PlanRef   string
	FeatureID string
}

// Issue ids raised by plan normalization. They are advisory; a document
// carrying them is still written.
const (
	IssueMissingNonGoals          = "planMissingNonGoals"
	IssueMissingLastExecutor      = "planMissingLastExecutor"
	IssueStepMissingDeliverable   = "planStepMissingDeliverable"
	IssueStepMissingCompletion    = "planStepMissingCompletionSummary"
	IssueMissingRequiredPlanField = "planMissingRequiredField"
)

// Change describes one repair.
type Change struct {
	Field string `json:"field"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

// Issue is a defect normalization cannot fix without inventing content.
type Issue struct {
	Rule    string `json:"rule"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Report is the outcome of normalizing one document.
type Report struct {
	PlanRef string            `json:"plan_ref"`
	Changes []Change          `json:"changes"`
	Repairs []docstore.Repair `json:"repairs"`
	Issues  []Issue           `json:"issues"`
}

// Changed reports whether the document was modified.
func (r *Report) Changed() bool {
	return len(r.Changes) > 0 || len(r.Repairs) > 0
}

func (r *Report) record(field, from, to string) {
	r.Changes = append(r.Changes, Change{Field: field, From: from, To: to})
}

func (r *Report) issue(rule, field, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Rule: rule, Field: field, Message: fmt.Sprintf(format, args...)})
}

// Normalizer turns raw plan documents into canonical ones.
type Normalizer struct {
	now      func() time.Time
	logger   zerolog.Logger
	deny     []*regexp.Regexp
	required []string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the clock used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(n *Normalizer) { n.logger = logger }
}

// WithDenyPatterns replaces the compiled placeholder patterns.
func WithDenyPatterns(deny []*regexp.Regexp) Option {
	return func(n *Normalizer) { n.deny = deny }
}

// WithRequiredFields lists document fields whose absence is reported.
func WithRequiredFields(fields []string) Option {
	return func(n *Normalizer) { n.required = fields }
}

// NewNormalizer creates a normalizer with the default deny patterns.
func NewNormalizer(opts ...Option) *Normalizer {
	deny, _ := CompileDenyPatterns(DefaultDenyPatterns)
	n := &Normalizer{
		now:    time.Now,
		logger: zerolog.Nop(),
		deny:   deny,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With().Str("component", "plan-normalizer").Logger()
	return n
}

// Normalize repairs doc in place for the given target. updated_at moves to
// now only when something else changed.
func (n *Normalizer) Normalize(doc *Document, target Target) *Report {
	rep := &Report{PlanRef: target.PlanRef, Repairs: doc.DecodeRepairs()}
	doc.clearRepairs()

	n.normalizeHeader(doc, target, rep)
	n.normalizeStages(doc, target.Root, rep)
	n.normalizeNarrative(doc, target.PlanRef, rep)
	n.normalizeSubagent(doc, rep)
	n.enforceCoherence(doc, target.Root, rep)
	n.backfillExecutor(doc, rep)
	n.collectIssues(doc, rep)

	if !docstore.ValidTimestamp(doc.UpdatedAt) {
		rep.record("updated_at", doc.UpdatedAt, "")
	}
	if rep.Changed() {
		doc.UpdatedAt = docstore.FormatTimestamp(n.now())
	}

	log := n.logger.With().Str("plan_ref", target.PlanRef).Logger()
	for _, c := range rep.Changes {
		log.Debug().Str("field", c.Field).Str("from", c.From).Str("to", c.To).Msg("Plan field repaired")
	}
	for _, r := range rep.Repairs {
		log.Debug().Str("repair", r.String()).Msg("Plan document repaired on read")
	}
	return rep
}

func (n *Normalizer) normalizeHeader(doc *Document, target Target, rep *Report) {
	if doc.SchemaVersion != SchemaVersion {
		rep.record("schema_version", fmt.Sprint(doc.SchemaVersion), fmt.Sprint(SchemaVersion))
		doc.SchemaVersion = SchemaVersion
	}

	setText(&doc.FeatureID, "feature_id", rep)
	if doc.FeatureID == "" && target.FeatureID != "" {
		doc.FeatureID = target.FeatureID
		rep.record("feature_id", "", target.FeatureID)
	}
	setText(&doc.FeatureTitle, "feature_title", rep)
	if doc.FeatureTitle == "" && doc.FeatureID != "" {
		doc.FeatureTitle = Humanize(doc.FeatureID)
		rep.record("feature_title", "", doc.FeatureTitle)
	}
	if target.PlanRef != "" && doc.PlanRef != target.PlanRef {
		rep.record("plan_ref", doc.PlanRef, target.PlanRef)
		doc.PlanRef = target.PlanRef
	}

	if !target.Root.allows(doc.Status) {
		rep.record("status", string(doc.Status), string(target.Root.DefaultStatus))
		doc.Status = target.Root.DefaultStatus
	}
}

func (n *Normalizer) normalizeStages(doc *Document, root Root, rep *Report) {
	if doc.PlanningStages == nil {
		doc.PlanningStages = make(map[string]Progress, len(RequiredStages))
	}
	for _, stage := range RequiredStages {
		if v := doc.PlanningStages[stage]; !v.Valid() {
			rep.record("planning_stages."+stage, string(v), string(root.DefaultStageState))
			doc.PlanningStages[stage] = root.DefaultStageState
		}
	}
}

func (n *Normalizer) normalizeNarrative(doc *Document, planRef string, rep *Report) {
	nv := &doc.Narrative

	pre := &nv.PreSpecOutline
	setList(&pre.PurposeGoals, "narrative.pre_spec_outline.purpose_goals", rep)
	setList(&pre.NonGoals, "narrative.pre_spec_outline.non_goals", rep)

	setText(&nv.SpecOutline.Summary, "narrative.spec_outline.summary", rep)
	ids := make(map[string]bool)
	for i := range nv.SpecOutline.Entries {
		e := &nv.SpecOutline.Entries[i]
		field := fmt.Sprintf("narrative.spec_outline.entries[%d]", i)
		setText(&e.Objective, field+".objective", rep)
		setText(&e.Deliverable, field+".deliverable", rep)
		fillFrom(&e.Objective, e.Deliverable, field+".objective", rep)
		fillFrom(&e.Deliverable, e.Objective, field+".deliverable", rep)
		assignEntryID(&e.ID, "outline", i, e.Objective, ids, field, rep)
		backfillCriteria(&e.AcceptanceCriteria, field, rep, e.Deliverable)
		backfillReferences(&e.References, field, planRef, rep, e.Objective, e.Deliverable)
	}

	setText(&nv.RefinedSpec.Summary, "narrative.refined_spec.summary", rep)
	ids = make(map[string]bool)
	for i := range nv.RefinedSpec.Entries {
		e := &nv.RefinedSpec.Entries[i]
		field := fmt.Sprintf("narrative.refined_spec.entries[%d]", i)
		setText(&e.Decision, field+".decision", rep)
		setText(&e.Rationale, field+".rationale", rep)
		fillFrom(&e.Decision, e.Rationale, field+".decision", rep)
		fillFrom(&e.Rationale, e.Decision, field+".rationale", rep)
		assignEntryID(&e.ID, "decision", i, e.Decision, ids, field, rep)
		backfillCriteria(&e.AcceptanceCriteria, field, rep, e.Decision)
		backfillReferences(&e.References, field, planRef, rep, e.Decision, e.Rationale)
	}

	setText(&nv.ImplementationPlan.Summary, "narrative.implementation_plan.summary", rep)
	ids = make(map[string]bool)
	for i := range nv.ImplementationPlan.Entries {
		e := &nv.ImplementationPlan.Entries[i]
		field := fmt.Sprintf("narrative.implementation_plan.entries[%d]", i)
		setText(&e.Title, field+".title", rep)
		setText(&e.CompletionSummary, field+".completion_summary", rep)
		if !e.Status.Valid() {
			rep.record(field+".status", string(e.Status), string(ProgressPending))
			e.Status = ProgressPending
		}
		setList(&e.AcceptanceCriteria, field+".acceptance_criteria", rep)

		var firstCriterion string
		if len(e.AcceptanceCriteria) > 0 {
			firstCriterion = e.AcceptanceCriteria[0]
		}
		candidates := []string{e.Deliverable, e.Title, e.CompletionSummary, firstCriterion}
		d, ok := ChooseDeliverable(candidates, n.deny)
		if !ok && e.Deliverable == "" {
			// Placeholder text is kept only when the step has nothing else.
			d = firstNonEmpty(candidates...)
		}
		if d != "" && d != e.Deliverable {
			rep.record(field+".deliverable", e.Deliverable, d)
			e.Deliverable = d
		}

		assignEntryID(&e.ID, "step", i, firstNonEmpty(e.Title, e.Deliverable), ids, field, rep)
		backfillCriteria(&e.AcceptanceCriteria, field, rep, firstNonEmpty(e.Deliverable, e.Title, e.CompletionSummary))
		backfillReferences(&e.References, field, planRef, rep, e.Title, e.Deliverable, e.CompletionSummary)
	}
}

func (n *Normalizer) normalizeSubagent(doc *Document, rep *Report) {
	s := &doc.Subagent
	req := strings.ToLower(strings.TrimSpace(s.Requirement))
	switch req {
	case RequirementRequired, RequirementOptional, RequirementNone:
	default:
		req = RequirementOptional
	}
	if req != s.Requirement {
		rep.record("subagent.requirement", s.Requirement, req)
		s.Requirement = req
	}
	setText(&s.PrimaryAgent, "subagent.primary_agent", rep)
	setList(&s.ExecutionAgents, "subagent.execution_agents", rep)
	if s.LastExecutor != nil {
		trimmed := strings.TrimSpace(*s.LastExecutor)
		if trimmed == "" {
			rep.record("subagent.last_executor", *s.LastExecutor, "")
			s.LastExecutor = nil
		} else if trimmed != *s.LastExecutor {
			rep.record("subagent.last_executor", *s.LastExecutor, trimmed)
			s.LastExecutor = &trimmed
		}
	}
}

// enforceCoherence makes plan status and step statuses agree. Plans under a
// closed root have every step complete. A complete plan with unfinished
// steps is reopened; an in-progress plan gets its first pending step
// started, or is closed or demoted when no step is left to start; a
// deferred plan has no step in progress.
func (n *Normalizer) enforceCoherence(doc *Document, root Root, rep *Report) {
	steps := doc.Narrative.ImplementationPlan.Entries
	setStep := func(i int, to Progress) {
		rep.record(fmt.Sprintf("narrative.implementation_plan.entries[%d].status", i), string(steps[i].Status), string(to))
		steps[i].Status = to
	}
	setStatus := func(to Status) {
		if !root.allows(to) {
			to = root.DefaultStatus
		}
		if to != doc.Status {
			rep.record("status", string(doc.Status), string(to))
			doc.Status = to
		}
	}

	if root.Closed() {
		for i := range steps {
			if steps[i].Status != ProgressComplete {
				setStep(i, ProgressComplete)
			}
		}
	}

	if doc.Status == StatusComplete {
		for i := range steps {
			if steps[i].Status != ProgressComplete {
				setStatus(StatusInProgress)
				break
			}
		}
	}

	if doc.Status == StatusInProgress && stepIndex(steps, ProgressInProgress) < 0 {
		switch {
		case stepIndex(steps, ProgressPending) >= 0:
			setStep(stepIndex(steps, ProgressPending), ProgressInProgress)
		case len(steps) > 0:
			setStatus(StatusComplete)
		default:
			setStatus(StatusReady)
		}
	}

	if doc.Status == StatusDeferred {
		for i := range steps {
			if steps[i].Status == ProgressInProgress {
				setStep(i, ProgressPending)
			}
		}
	}
}

func (n *Normalizer) backfillExecutor(doc *Document, rep *Report) {
	if doc.Status != StatusInProgress && doc.Status != StatusComplete {
		return
	}
	s := &doc.Subagent
	if s.LastExecutor != nil {
		return
	}
	candidate := s.PrimaryAgent
	if candidate == "" && len(s.ExecutionAgents) > 0 {
		candidate = s.ExecutionAgents[0]
	}
	if candidate == "" {
		return
	}
	s.LastExecutor = &candidate
	rep.record("subagent.last_executor", "", candidate)
}

func (n *Normalizer) collectIssues(doc *Document, rep *Report) {
	switch doc.Status {
	case StatusReady, StatusInProgress, StatusComplete, StatusDeferred:
		if len(doc.Narrative.PreSpecOutline.NonGoals) == 0 {
			rep.issue(IssueMissingNonGoals, "narrative.pre_spec_outline.non_goals", "plan is %s but lists no non-goals", doc.Status)
		}
	}
	if (doc.Status == StatusInProgress || doc.Status == StatusComplete) && doc.Subagent.LastExecutor == nil {
		rep.issue(IssueMissingLastExecutor, "subagent.last_executor", "plan is %s but no executor is recorded", doc.Status)
	}
	for i, step := range doc.Narrative.ImplementationPlan.Entries {
		field := fmt.Sprintf("narrative.implementation_plan.entries[%d]", i)
		if _, ok := ChooseDeliverable([]string{step.Deliverable}, n.deny); !ok {
			rep.issue(IssueStepMissingDeliverable, field+".deliverable", "step %s has no usable deliverable", step.ID)
		}
		if step.Status == ProgressComplete && step.CompletionSummary == "" {
			rep.issue(IssueStepMissingCompletion, field+".completion_summary", "step %s is complete without a completion summary", step.ID)
		}
	}
	for _, field := range n.required {
		if !hasField(doc, field) {
			rep.issue(IssueMissingRequiredPlanField, field, "required field %s is empty", field)
		}
	}
}

func hasField(doc *Document, field string) bool {
	switch field {
	case "feature_id":
		return doc.FeatureID != ""
	case "feature_title":
		return doc.FeatureTitle != ""
	case "subagent.primary_agent":
		return doc.Subagent.PrimaryAgent != ""
	case "subagent.execution_agents":
		return len(doc.Subagent.ExecutionAgents) > 0
	case "narrative.pre_spec_outline.purpose_goals":
		return len(doc.Narrative.PreSpecOutline.PurposeGoals) > 0
	case "narrative.pre_spec_outline.non_goals":
		return len(doc.Narrative.PreSpecOutline.NonGoals) > 0
	case "narrative.spec_outline":
		return len(doc.Narrative.SpecOutline.Entries) > 0
	case "narrative.refined_spec":
		return len(doc.Narrative.RefinedSpec.Entries) > 0
	case "narrative.implementation_plan":
		return len(doc.Narrative.ImplementationPlan.Entries) > 0
	}
	return true
}

var (
	slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	urlPattern  = regexp.MustCompile(`https?://[^\s)>\]]+`)
	pathPattern = regexp.MustCompile(`(?:^|[\s(\x60'"])((?:[\w.-]+/)*[\w-]+\.(?:go|md|json|jsonl|ya?ml|cue|rego|sql|ts|tsx|js|py|sh|toml))\b`)
)

// assignEntryID keeps a well-formed id, slugs a malformed one, or derives
// one from text, then makes it unique within its section.
func assignEntryID(id *string, prefix string, index int, text string, taken map[string]bool, field string, rep *Report) {
	candidate := strings.TrimSpace(*id)
	if !slugPattern.MatchString(candidate) {
		candidate = docstore.Slug(candidate)
	}
	if candidate == "" {
		candidate = docstore.Slug(text)
	}
	if candidate == "" {
		candidate = fmt.Sprintf("%s-%d", prefix, index+1)
	}
	if taken[candidate] {
		for k := 2; ; k++ {
			next := fmt.Sprintf("%s-%d", candidate, k)
			if !taken[next] {
				candidate = next
				break
			}
		}
	}
	taken[candidate] = true
	if candidate != *id {
		rep.record(field+".id", *id, candidate)
		*id = candidate
	}
}

// backfillCriteria uses the entry's own deliverable text as its acceptance
// criterion when none is recorded.
func backfillCriteria(list *[]string, field string, rep *Report, text string) {
	setList(list, field+".acceptance_criteria", rep)
	if len(*list) > 0 || text == "" {
		return
	}
	*list = []string{text}
	rep.record(field+".acceptance_criteria", "", text)
}

// backfillReferences collects paths and URLs mentioned in the entry's text,
// falling back to the plan document itself.
func backfillReferences(list *[]string, field, planRef string, rep *Report, texts ...string) {
	setList(list, field+".references", rep)
	if len(*list) > 0 {
		return
	}
	refs := ExtractReferences(texts...)
	if len(refs) == 0 && planRef != "" {
		refs = []string{planRef}
	}
	if len(refs) == 0 {
		return
	}
	*list = refs
	rep.record(field+".references", "", strings.Join(refs, ", "))
}

// ExtractReferences returns the URLs and file paths mentioned in texts, in
// order of first appearance.
func ExtractReferences(texts ...string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimRight(s, ".,;:")
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, text := range texts {
		for _, m := range urlPattern.FindAllString(text, -1) {
			add(m)
		}
		for _, m := range pathPattern.FindAllStringSubmatch(text, -1) {
			if !strings.Contains(m[1], "://") {
				add(m[1])
			}
		}
	}
	return out
}

// Humanize turns a feature id into a readable title.
func Humanize(id string) string {
	words := strings.FieldsFunc(id, func(r rune) bool { return r == '-' || r == '_' || unicode.IsSpace(r) })
	s := strings.Join(words, " ")
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return ""
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func setText(field *string, name string, rep *Report) {
	trimmed := strings.TrimSpace(*field)
	if trimmed != *field {
		rep.record(name, *field, trimmed)
		*field = trimmed
	}
}

func fillFrom(field *string, source, name string, rep *Report) {
	if *field == "" && source != "" {
		*field = source
		rep.record(name, "", source)
	}
}

func setList(list *[]string, name string, rep *Report) {
	out := make([]string, 0, len(*list))
	seen := make(map[string]bool, len(*list))
	for _, v := range *list {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if *list == nil || len(out) != len(*list) || !sameStrings(out, *list) {
		if *list != nil {
			rep.record(name, "", "")
		}
	}
	*list = out
}

func sameStrings(a, b []string) bool {
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

func stepIndex(steps []StepEntry, status Progress) int {
	for i := range steps {
		if steps[i].Status == status {
			return i
		}
	}
	return -1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
