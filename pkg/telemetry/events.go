package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event represents a notable step of a preflight run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// FeatureID is the associated feature, if applicable.
	FeatureID string `json:"feature_id,omitempty"`

	// Subject is the item id, plan reference or archive key the event is about.
	Subject string `json:"subject,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypePlanCreated     = "plan.created"
	EventTypePlanMigrated    = "plan.migrated"
	EventTypePlanInvalid     = "plan.invalid"
	EventTypeItemCreated     = "item.created"
	EventTypeItemChanged     = "item.changed"
	EventTypeItemArchived    = "item.archived"
	EventTypeFeatureArchived = "feature.archived"
	EventTypeGateIssue       = "gate.issue"
	EventTypePolicyViolation = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers, in publish order. Delivery
// is synchronous unless EnableAsync is set, in which case a single background
// goroutine drains a buffer.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closeOnce   sync.Once
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.done:
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.done:
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, workspace string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started in %s", runID, workspace),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"workspace": workspace,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishPlanCreated publishes a plan created event.
func (ep *EventPublisher) PublishPlanCreated(runID, planRef string, migrated bool) error {
	eventType, verb := EventTypePlanCreated, "created"
	if migrated {
		eventType, verb = EventTypePlanMigrated, "migrated from a legacy narrative"
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "reconcile",
		RunID:   runID,
		Subject: planRef,
		Message: fmt.Sprintf("Plan %s %s", planRef, verb),
		Level:   EventLevelInfo,
	})
}

// PublishPlanInvalid publishes an event for an irreparable plan document.
func (ep *EventPublisher) PublishPlanInvalid(runID, planRef, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePlanInvalid,
		Source:  "reconcile",
		RunID:   runID,
		Subject: planRef,
		Message: fmt.Sprintf("Plan %s is invalid: %s", planRef, reason),
		Level:   EventLevelError,
	})
}

// PublishItemCreated publishes an event for a queue item created from a plan.
func (ep *EventPublisher) PublishItemCreated(runID, featureID, itemID, planRef string) error {
	return ep.Publish(Event{
		Type:      EventTypeItemCreated,
		Source:    "reconcile",
		RunID:     runID,
		FeatureID: featureID,
		Subject:   itemID,
		Message:   fmt.Sprintf("Item %s created for plan %s", itemID, planRef),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"plan_ref": planRef,
		},
	})
}

// PublishItemChanged publishes an item state change.
func (ep *EventPublisher) PublishItemChanged(runID, itemID, from, to, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeItemChanged,
		Source:  "reconcile",
		RunID:   runID,
		Subject: itemID,
		Message: fmt.Sprintf("Item %s moved from %s to %s: %s", itemID, from, to, reason),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishItemArchived publishes an item archived event.
func (ep *EventPublisher) PublishItemArchived(runID, featureID, archiveKey, ref string) error {
	return ep.Publish(Event{
		Type:      EventTypeItemArchived,
		Source:    "archive",
		RunID:     runID,
		FeatureID: featureID,
		Subject:   archiveKey,
		Message:   fmt.Sprintf("Archived %s to %s", archiveKey, ref),
		Level:     EventLevelInfo,
	})
}

// PublishFeatureArchived publishes a feature archived event.
func (ep *EventPublisher) PublishFeatureArchived(runID, featureID, archiveKey, ref string, queueReset bool) error {
	return ep.Publish(Event{
		Type:      EventTypeFeatureArchived,
		Source:    "archive",
		RunID:     runID,
		FeatureID: featureID,
		Subject:   archiveKey,
		Message:   fmt.Sprintf("Archived feature %s to %s", featureID, ref),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"queue_reset": queueReset,
		},
	})
}

// PublishGateIssue publishes a quality-gate issue.
func (ep *EventPublisher) PublishGateIssue(runID, rule, subject, message string, blocking bool) error {
	level := EventLevelWarning
	if blocking {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeGateIssue,
		Source:  "gate",
		RunID:   runID,
		Subject: subject,
		Message: message,
		Level:   level,
		Data: map[string]interface{}{
			"rule":     rule,
			"blocking": blocking,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(runID, policyName, subject, message, severity string) error {
	level := EventLevelWarning
	if severity == EventLevelError {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		RunID:   runID,
		Subject: subject,
		Message: fmt.Sprintf("Policy %s: %s", policyName, message),
		Level:   level,
		Data: map[string]interface{}{
			"policy":   policyName,
			"severity": severity,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains what is
// left in the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)

		case <-ep.done:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// LogSubscriber returns a subscriber that writes each event to logger at
// debug level.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		e := logger.Debug().
			Str("event_type", event.Type).
			Str("event_level", event.Level).
			Str("source", event.Source)
		if event.RunID != "" {
			e = e.Str("run_id", event.RunID)
		}
		if event.FeatureID != "" {
			e = e.Str("feature_id", event.FeatureID)
		}
		if event.Subject != "" {
			e = e.Str("subject", event.Subject)
		}
		if len(event.Data) > 0 {
			e = e.Interface("data", event.Data)
		}
		e.Msg(event.Message)
	}
}

// Collector is a subscriber that keeps every event it receives.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Collect is an EventSubscriber.
func (c *Collector) Collect(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}
