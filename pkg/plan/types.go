package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/planq/planq/pkg/docstore"
)

// SchemaVersion is the version written by this package.
const SchemaVersion = 2

// ErrInvalidDocument is returned for a plan document that is not structured
// data at all and cannot be repaired.
var ErrInvalidDocument = errors.New("invalid plan document")

// Status is the lifecycle status of a plan.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusDeferred   Status = "deferred"
	StatusArchived   Status = "archived"
)

// AllStatuses lists every known plan status.
var AllStatuses = []Status{StatusDraft, StatusReady, StatusInProgress, StatusComplete, StatusDeferred, StatusArchived}

// Progress is the state of a planning stage or an implementation step.
type Progress string

const (
	ProgressPending    Progress = "pending"
	ProgressInProgress Progress = "in_progress"
	ProgressComplete   Progress = "complete"
)

// Valid reports whether p is a known progress value.
func (p Progress) Valid() bool {
	switch p {
	case ProgressPending, ProgressInProgress, ProgressComplete:
		return true
	}
	return false
}

// Planning stages every document carries.
const (
	StageSpecOutline        = "spec_outline"
	StageRefinedSpec        = "refined_spec"
	StageImplementationPlan = "implementation_plan"
)

// RequiredStages lists the planning stages in order.
var RequiredStages = []string{StageSpecOutline, StageRefinedSpec, StageImplementationPlan}

// Subagent requirement levels.
const (
	RequirementRequired = "required"
	RequirementOptional = "optional"
	RequirementNone     = "none"
)

// Document is the canonical plan record of one plan directory.
type Document struct {
	SchemaVersion  int                 `json:"schema_version" validate:"eq=2"`
	FeatureID      string              `json:"feature_id" validate:"required"`
	FeatureTitle   string              `json:"feature_title" validate:"required"`
	PlanRef        string              `json:"plan_ref" validate:"required"`
	Status         Status              `json:"status" validate:"oneof=draft ready in_progress complete deferred archived"`
	UpdatedAt      string              `json:"updated_at" validate:"timestamp"`
	PlanningStages map[string]Progress `json:"planning_stages" validate:"required,dive,oneof=pending in_progress complete"`
	Narrative      Narrative           `json:"narrative"`
	Subagent       Subagent            `json:"subagent"`

	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
}

type documentFields Document

// UnmarshalJSON decodes leniently; fields of the wrong shape are repaired or
// dropped and reported through DecodeRepairs.
func (d *Document) UnmarshalJSON(data []byte) error {
	var f documentFields
	extra, repairs, err := docstore.DecodeLenient(data, &f)
	if err != nil {
		return err
	}
	*d = Document(f)
	d.Extra = extra
	d.repairs = repairs
	return nil
}

// MarshalJSON writes declared fields in order, then unknown keys.
func (d Document) MarshalJSON() ([]byte, error) {
	f := documentFields(d)
	if f.PlanningStages == nil {
		f.PlanningStages = map[string]Progress{}
	}
	return docstore.MarshalObject(f, d.Extra)
}

// DecodeRepairs returns every repair made while reading the document,
// including nested sections.
func (d *Document) DecodeRepairs() []docstore.Repair {
	out := append([]docstore.Repair(nil), d.repairs...)
	out = append(out, prefixRepairs("narrative.", d.Narrative.decodeRepairs())...)
	out = append(out, prefixRepairs("subagent.", d.Subagent.repairs)...)
	return out
}

func (d *Document) clearRepairs() {
	d.repairs = nil
	d.Subagent.repairs = nil
	n := &d.Narrative
	n.repairs = nil
	n.PreSpecOutline.repairs = nil
	n.SpecOutline.repairs = nil
	n.RefinedSpec.repairs = nil
	n.ImplementationPlan.repairs = nil
}

// Narrative holds the structured content of each planning stage.
type Narrative struct {
	PreSpecOutline     PreSpec               `json:"pre_spec_outline"`
	SpecOutline        Section[OutlineEntry] `json:"spec_outline"`
	RefinedSpec        Section[RefinedEntry] `json:"refined_spec"`
	ImplementationPlan Section[StepEntry]    `json:"implementation_plan"`

	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
}

type narrativeFields Narrative

func (n *Narrative) UnmarshalJSON(data []byte) error {
	var f narrativeFields
	extra, repairs, err := docstore.DecodeLenient(data, &f)
	if err != nil {
		return err
	}
	*n = Narrative(f)
	n.Extra = extra
	n.repairs = repairs
	return nil
}

func (n Narrative) MarshalJSON() ([]byte, error) {
	return docstore.MarshalObject(narrativeFields(n), n.Extra)
}

func (n *Narrative) decodeRepairs() []docstore.Repair {
	out := append([]docstore.Repair(nil), n.repairs...)
	out = append(out, prefixRepairs("pre_spec_outline.", n.PreSpecOutline.repairs)...)
	out = append(out, prefixRepairs("spec_outline.", n.SpecOutline.repairs)...)
	out = append(out, prefixRepairs("refined_spec.", n.RefinedSpec.repairs)...)
	out = append(out, prefixRepairs("implementation_plan.", n.ImplementationPlan.repairs)...)
	return out
}

// PreSpec is the free-form framing written before the spec outline.
type PreSpec struct {
	PurposeGoals []string `json:"purpose_goals"`
	NonGoals     []string `json:"non_goals"`

	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
}

type preSpecFields PreSpec

func (p *PreSpec) UnmarshalJSON(data []byte) error {
	var f preSpecFields
	extra, repairs, err := docstore.DecodeLenient(data, &f)
	if err != nil {
		return err
	}
	*p = PreSpec(f)
	p.Extra = extra
	p.repairs = repairs
	return nil
}

func (p PreSpec) MarshalJSON() ([]byte, error) {
	f := preSpecFields(p)
	f.PurposeGoals = nonNil(f.PurposeGoals)
	f.NonGoals = nonNil(f.NonGoals)
	return docstore.MarshalObject(f, p.Extra)
}

// Section is a narrative stage: a summary plus typed entries. Older
// documents stored a section as plain text or as a bare list; both shapes
// are accepted and rewritten as an object.
type Section[E any] struct {
	Summary string `json:"summary"`
	Entries []E    `json:"entries" validate:"dive"`

	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
}

type sectionFields[E any] struct {
	Summary string `json:"summary"`
	Entries []E    `json:"entries"`
}

// repairCarrier is implemented by entry types that record decode repairs.
type repairCarrier interface {
	takeRepairs() []docstore.Repair
}

func (s *Section[E]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = Section[E]{}
		return nil
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*s = Section[E]{
			Summary: text,
			repairs: []docstore.Repair{{Field: "summary", Action: "reshaped", Detail: "text section"}},
		}
	case '[':
		var f sectionFields[E]
		_, repairs, err := docstore.DecodeLenient([]byte(`{"entries":`+string(trimmed)+`}`), &f)
		if err != nil {
			return err
		}
		*s = Section[E]{
			Entries: f.Entries,
			repairs: append([]docstore.Repair{{Field: "entries", Action: "reshaped", Detail: "list section"}}, repairs...),
		}
	case '{':
		var f sectionFields[E]
		extra, repairs, err := docstore.DecodeLenient(trimmed, &f)
		if err != nil {
			return err
		}
		*s = Section[E]{Summary: f.Summary, Entries: f.Entries, Extra: extra, repairs: repairs}
	default:
		return fmt.Errorf("section must be text, a list or an object, got %s", truncate(trimmed))
	}

	for i := range s.Entries {
		if rc, ok := any(&s.Entries[i]).(repairCarrier); ok {
			s.repairs = append(s.repairs, prefixRepairs(fmt.Sprintf("entries[%d].", i), rc.takeRepairs())...)
		}
	}
	return nil
}

func (s Section[E]) MarshalJSON() ([]byte, error) {
	f := sectionFields[E]{Summary: s.Summary, Entries: s.Entries}
	if f.Entries == nil {
		f.Entries = []E{}
	}
	return docstore.MarshalObject(f, s.Extra)
}

// OutlineEntry is one item of the spec outline.
type OutlineEntry struct {
	ID                 string   `json:"id" validate:"required"`
	Objective          string   `json:"objective" validate:"required"`
	Deliverable        string   `json:"deliverable" validate:"required"`
	AcceptanceCriteria []string `json:"acceptance_criteria" validate:"min=1"`
	References         []string `json:"references" validate:"min=1"`

	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
}

type outlineFields OutlineEntry

func (e *OutlineEntry) UnmarshalJSON(data []byte) error {
	if text, ok := textEntry(data); ok {
		*e = OutlineEntry{Objective: text, repairs: reshapedEntry()}
		return nil
	}
	var f outlineFields
	extra, repairs, err := docstore.DecodeLenient(data, &f)
	if err != nil {
		return err
	}
	*e = OutlineEntry(f)
	e.Extra = extra
	e.repairs = repairs
	return nil
}

func (e OutlineEntry) MarshalJSON() ([]byte, error) {
	f := outlineFields(e)
	f.AcceptanceCriteria = nonNil(f.AcceptanceCriteria)
	f.References = nonNil(f.References)
	return docstore.MarshalObject(f, e.Extra)
}

func (e *OutlineEntry) takeRepairs() []docstore.Repair {
	r := e.repairs
	e.repairs = nil
	return r
}

// RefinedEntry is one decision of the refined spec.
type RefinedEntry struct {
	ID                 string   `json:"id" validate:"required"`
	Decision           string   `json:"decision" validate:"required"`
	Rationale          string   `json:"rationale" validate:"required"`
	AcceptanceCriteria []string `json:"acceptance_criteria" validate:"min=1"`
	References         []string `json:"references" validate:"min=1"`

	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
}

type refinedFields RefinedEntry

func (e *RefinedEntry) UnmarshalJSON(data []byte) error {
	if text, ok := textEntry(data); ok {
		*e = RefinedEntry{Decision: text, repairs: reshapedEntry()}
		return nil
	}
	var f refinedFields
	extra, repairs, err := docstore.DecodeLenient(data, &f)
	if err != nil {
		return err
	}
	*e = RefinedEntry(f)
	e.Extra = extra
	e.repairs = repairs
	return nil
}

func (e RefinedEntry) MarshalJSON() ([]byte, error) {
	f := refinedFields(e)
	f.AcceptanceCriteria = nonNil(f.AcceptanceCriteria)
	f.References = nonNil(f.References)
	return docstore.MarshalObject(f, e.Extra)
}

func (e *RefinedEntry) takeRepairs() []docstore.Repair {
	r := e.repairs
	e.repairs = nil
	return r
}

// StepEntry is one implementation step.
type StepEntry struct {
	ID                 string   `json:"id" validate:"required"`
	Title              string   `json:"title"`
	Status             Progress `json:"status" validate:"oneof=pending in_progress complete"`
	Deliverable        string   `json:"deliverable" validate:"required"`
	AcceptanceCriteria []string `json:"acceptance_criteria" validate:"min=1"`
	References         []string `json:"references" validate:"min=1"`
	CompletionSummary  string   `json:"completion_summary"`

	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
}

type stepFields StepEntry

func (e *StepEntry) UnmarshalJSON(data []byte) error {
	if text, ok := textEntry(data); ok {
		*e = StepEntry{Title: text, repairs: reshapedEntry()}
		return nil
	}
	var f stepFields
	extra, repairs, err := docstore.DecodeLenient(data, &f)
	if err != nil {
		return err
	}
	*e = StepEntry(f)
	e.Extra = extra
	e.repairs = repairs
	return nil
}

func (e StepEntry) MarshalJSON() ([]byte, error) {
	f := stepFields(e)
	f.AcceptanceCriteria = nonNil(f.AcceptanceCriteria)
	f.References = nonNil(f.References)
	return docstore.MarshalObject(f, e.Extra)
}

func (e *StepEntry) takeRepairs() []docstore.Repair {
	r := e.repairs
	e.repairs = nil
	return r
}

// Subagent records who is expected to execute the plan.
type Subagent struct {
	Requirement     string   `json:"requirement" validate:"oneof=required optional none"`
	PrimaryAgent    string   `json:"primary_agent"`
	ExecutionAgents []string `json:"execution_agents"`
	LastExecutor    *string  `json:"last_executor"`

	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
}

type subagentFields Subagent

func (s *Subagent) UnmarshalJSON(data []byte) error {
	var f subagentFields
	extra, repairs, err := docstore.DecodeLenient(data, &f)
	if err != nil {
		return err
	}
	*s = Subagent(f)
	s.Extra = extra
	s.repairs = repairs
	return nil
}

func (s Subagent) MarshalJSON() ([]byte, error) {
	f := subagentFields(s)
	f.ExecutionAgents = nonNil(f.ExecutionAgents)
	return docstore.MarshalObject(f, s.Extra)
}

// Decode reads a plan document. Anything short of a JSON object is
// irreparable and reported as ErrInvalidDocument.
func Decode(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &d, nil
}

// Encode renders the document in canonical form.
func Encode(d *Document) ([]byte, error) {
	return docstore.Marshal(d)
}

func textEntry(data []byte) (string, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return "", false
	}
	return text, true
}

func reshapedEntry() []docstore.Repair {
	return []docstore.Repair{{Field: "entry", Action: "reshaped", Detail: "text entry"}}
}

func prefixRepairs(prefix string, in []docstore.Repair) []docstore.Repair {
	out := make([]docstore.Repair, 0, len(in))
	for _, r := range in {
		r.Field = prefix + r.Field
		out = append(out, r)
	}
	return out
}

func truncate(b []byte) string {
	if len(b) > 40 {
		return string(b[:40]) + "..."
	}
	return string(b)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
