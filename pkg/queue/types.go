package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/planq/planq/pkg/docstore"
)

// State is the lifecycle state shared by the queue and its items.
type State string

const (
	// StatePending is work that is planned but not started.
	StatePending State = "pending"

	// StateActive is work a worker currently holds a lease on.
	StateActive State = "active"

	// StateDeferred is work parked with a recorded reason.
	StateDeferred State = "deferred"

	// StateComplete is finished work. Nothing leaves this state.
	StateComplete State = "complete"
)

// AllStates lists every known state in lifecycle order.
var AllStates = []State{StatePending, StateActive, StateDeferred, StateComplete}

// IsTerminal returns true for states with no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateComplete
}

// Validate checks if the state is one of the known states.
func (s State) Validate() error {
	switch s {
	case StatePending, StateActive, StateDeferred, StateComplete:
		return nil
	default:
		return fmt.Errorf("invalid state: %q", string(s))
	}
}

// Default item types.
const (
	TypeTask     = "task"
	TypeQuestion = "question"
	TypeDecision = "decision"
)

// Item is one unit of work in the hot queue. Timestamps are kept as the raw
// strings found on disk so a malformed value can be repaired rather than
// rejected; nullable fields are pointers.
type Item struct {
	ID                 string   `json:"id"`
	IdempotencyKey     string   `json:"idempotency_key"`
	FeatureID          string   `json:"feature_id"`
	Subscope           *string  `json:"subscope"`
	Title              string   `json:"title"`
	Type               string   `json:"type"`
	State              State    `json:"state"`
	Owner              string   `json:"owner"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
	PlannedAt          string   `json:"planned_at"`
	ExecutionStartedAt *string  `json:"execution_started_at"`
	CompletedAt        *string  `json:"completed_at"`
	DeferredReason     *string  `json:"deferred_reason"`
	ClaimedBy          *string  `json:"claimed_by"`
	ClaimedAt          *string  `json:"claimed_at"`
	LeaseExpiresAt     *string  `json:"lease_expires_at"`
	AttemptCount       int      `json:"attempt_count"`
	LastAttemptAt      *string  `json:"last_attempt_at"`
	RetryAfter         *string  `json:"retry_after"`
	LastError          *string  `json:"last_error"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Constraints        []string `json:"constraints"`
	References         []string `json:"references"`
	Outputs            []string `json:"outputs"`
	Evidence           []string `json:"evidence"`
	DependsOn          []string `json:"depends_on"`
	ResolutionSummary  *string  `json:"resolution_summary"`
	PlanRef            *string  `json:"plan_ref"`

	// Extra holds keys this version does not know about; they round-trip.
	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
}

type itemFields Item

// UnmarshalJSON decodes leniently; see docstore.DecodeLenient.
func (it *Item) UnmarshalJSON(data []byte) error {
	var f itemFields
	extra, repairs, err := docstore.DecodeLenient(data, &f)
	if err != nil {
		return err
	}
	*it = Item(f)
	it.Extra = extra
	it.repairs = repairs
	return nil
}

// MarshalJSON writes declared fields in order, then unknown keys.
func (it Item) MarshalJSON() ([]byte, error) {
	f := itemFields(it)
	f.AcceptanceCriteria = nonNil(f.AcceptanceCriteria)
	f.Constraints = nonNil(f.Constraints)
	f.References = nonNil(f.References)
	f.Outputs = nonNil(f.Outputs)
	f.Evidence = nonNil(f.Evidence)
	f.DependsOn = nonNil(f.DependsOn)
	return docstore.MarshalObject(f, it.Extra)
}

// DecodeRepairs returns the field repairs made when the item was read.
func (it *Item) DecodeRepairs() []docstore.Repair {
	return it.repairs
}

// HasLease reports whether any lease field is set.
func (it *Item) HasLease() bool {
	return it.ClaimedBy != nil || it.ClaimedAt != nil || it.LeaseExpiresAt != nil
}

// LeaseValid reports whether the lease triple is complete and ordered.
func (it *Item) LeaseValid() bool {
	if it.ClaimedBy == nil || *it.ClaimedBy == "" {
		return false
	}
	claimed, ok := docstore.ParseTimestampPtr(it.ClaimedAt)
	if !ok {
		return false
	}
	expires, ok := docstore.ParseTimestampPtr(it.LeaseExpiresAt)
	if !ok {
		return false
	}
	return expires.After(claimed)
}

// LeaseExpired reports whether a valid lease has run out at now.
func (it *Item) LeaseExpired(now time.Time) bool {
	if !it.LeaseValid() {
		return false
	}
	expires, _ := docstore.ParseTimestampPtr(it.LeaseExpiresAt)
	return !now.Before(expires)
}

func (it *Item) clearLease() {
	it.ClaimedBy = nil
	it.ClaimedAt = nil
	it.LeaseExpiresAt = nil
}

// Queue is the execution queue document of a workspace.
type Queue struct {
	State              State    `json:"state"`
	FeatureID          string   `json:"feature_id"`
	TaskID             string   `json:"task_id"`
	Objective          string   `json:"objective"`
	InScope            []string `json:"in_scope"`
	OutOfScope         []string `json:"out_of_scope"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Constraints        []string `json:"constraints"`
	References         []string `json:"references"`
	OpenQuestions      []string `json:"open_questions"`
	DeferredReason     *string  `json:"deferred_reason"`
	CancelReason       *string  `json:"cancel_reason"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
	LastUpdated        string   `json:"last_updated"`
	Items              []Item   `json:"items"`

	Extra map[string]json.RawMessage `json:"-"`

	repairs []docstore.Repair
}

type queueFields Queue

// UnmarshalJSON decodes leniently. Item entries that are not objects are
// dropped and reported as repairs.
func (q *Queue) UnmarshalJSON(data []byte) error {
	var f queueFields
	extra, repairs, err := docstore.DecodeLenient(data, &f)
	if err != nil {
		return err
	}
	*q = Queue(f)
	q.Extra = extra
	q.repairs = repairs
	return nil
}

// MarshalJSON writes declared fields in order, then unknown keys.
func (q Queue) MarshalJSON() ([]byte, error) {
	f := queueFields(q)
	f.InScope = nonNil(f.InScope)
	f.OutOfScope = nonNil(f.OutOfScope)
	f.AcceptanceCriteria = nonNil(f.AcceptanceCriteria)
	f.Constraints = nonNil(f.Constraints)
	f.References = nonNil(f.References)
	f.OpenQuestions = nonNil(f.OpenQuestions)
	if f.Items == nil {
		f.Items = []Item{}
	}
	return docstore.MarshalObject(f, q.Extra)
}

// DecodeRepairs returns the repairs made when the queue document was read,
// including those of its items.
func (q *Queue) DecodeRepairs() []docstore.Repair {
	out := append([]docstore.Repair(nil), q.repairs...)
	for i := range q.Items {
		for _, r := range q.Items[i].repairs {
			r.Field = fmt.Sprintf("items[%d].%s", i, r.Field)
			out = append(out, r)
		}
	}
	return out
}

// NewQueue returns an empty queue template stamped at now.
func NewQueue(now time.Time) *Queue {
	ts := docstore.FormatTimestamp(now)
	return &Queue{
		State:              StatePending,
		InScope:            []string{},
		OutOfScope:         []string{},
		AcceptanceCriteria: []string{},
		Constraints:        []string{},
		References:         []string{},
		OpenQuestions:      []string{},
		CreatedAt:          ts,
		UpdatedAt:          ts,
		LastUpdated:        ts,
		Items:              []Item{},
	}
}

// Decode reads a queue document.
func Decode(data []byte) (*Queue, error) {
	var q Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Encode renders the queue in canonical form.
func Encode(q *Queue) ([]byte, error) {
	return docstore.Marshal(q)
}

// Find returns the item with the given id and its index.
func (q *Queue) Find(id string) (*Item, int) {
	for i := range q.Items {
		if q.Items[i].ID == id {
			return &q.Items[i], i
		}
	}
	return nil, -1
}

// FindByKey returns the item with the given idempotency key.
func (q *Queue) FindByKey(key string) *Item {
	if key == "" {
		return nil
	}
	for i := range q.Items {
		if q.Items[i].IdempotencyKey == key {
			return &q.Items[i]
		}
	}
	return nil
}

// CountByState tallies items per state.
func (q *Queue) CountByState() map[State]int {
	counts := make(map[State]int, len(AllStates))
	for i := range q.Items {
		counts[q.Items[i].State]++
	}
	return counts
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func strPtr(s string) *string {
	return &s
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
