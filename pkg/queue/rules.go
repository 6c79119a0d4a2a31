package queue

import (
	"math"
	"time"
)

// RetryPolicy schedules the next attempt after a failure.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Minute,
		MaxDelay:    time.Hour,
		MaxAttempts: 5,
	}
}

// Backoff returns the wait before the attempt following the given number of
// attempts: BaseDelay * 2^(attempts-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempts-1)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether no further attempt is allowed.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// GateMode decides whether quality-gate issues block the run.
type GateMode string

const (
	// GateWarn records issues without blocking.
	GateWarn GateMode = "warn"

	// GateFail blocks archival and fails the run while issues remain.
	GateFail GateMode = "fail"
)

// Rules is the declarative rule configuration consumed by normalization and
// the quality gate.
type Rules struct {
	AllowedStates       []State
	AllowedTypes        []string
	DefaultType         string
	RequiredFields      []string
	LeaseDuration       time.Duration
	Retry               RetryPolicy
	VerificationMarkers []string
	GateMode            GateMode

	// GateRules lists the enabled issue ids. Empty enables all built-in ones.
	GateRules []string

	// ArchiveBlocking lists issue ids that hold an item back from archival
	// even when the gate only warns.
	ArchiveBlocking []string

	// DefaultClaimant is recorded as lease holder when an active item has
	// neither a claimant nor an owner.
	DefaultClaimant string
}

// DefaultRules returns the built-in rule configuration.
func DefaultRules() Rules {
	return Rules{
		AllowedStates:       append([]State(nil), AllStates...),
		AllowedTypes:        []string{TypeTask, TypeQuestion, TypeDecision},
		DefaultType:         TypeTask,
		RequiredFields:      []string{"title", "feature_id"},
		LeaseDuration:       2 * time.Hour,
		Retry:               DefaultRetryPolicy(),
		VerificationMarkers: []string{"verification:", "verified:", "[verification]"},
		GateMode:            GateWarn,
		ArchiveBlocking:     []string{IssueCompleteMissingCompletedAt},
		DefaultClaimant:     "planq",
	}
}

func (r Rules) withDefaults() Rules {
	d := DefaultRules()
	if len(r.AllowedStates) == 0 {
		r.AllowedStates = d.AllowedStates
	}
	if len(r.AllowedTypes) == 0 {
		r.AllowedTypes = d.AllowedTypes
	}
	if r.DefaultType == "" {
		r.DefaultType = r.AllowedTypes[0]
	}
	if r.LeaseDuration <= 0 {
		r.LeaseDuration = d.LeaseDuration
	}
	if r.Retry.BaseDelay <= 0 {
		r.Retry = d.Retry
	}
	if len(r.VerificationMarkers) == 0 {
		r.VerificationMarkers = d.VerificationMarkers
	}
	if r.GateMode == "" {
		r.GateMode = d.GateMode
	}
	if r.DefaultClaimant == "" {
		r.DefaultClaimant = d.DefaultClaimant
	}
	return r
}

func (r Rules) stateAllowed(s State) bool {
	if s.Validate() != nil {
		return false
	}
	for _, allowed := range r.AllowedStates {
		if allowed == s {
			return true
		}
	}
	return false
}

func (r Rules) typeAllowed(t string) bool {
	for _, allowed := range r.AllowedTypes {
		if allowed == t {
			return true
		}
	}
	return false
}
