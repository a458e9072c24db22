package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a structured record of something that happened during a task run.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`

	// RunID is the associated run ID, if any.
	RunID string `json:"run_id,omitempty"`

	// Subject names what the event is about: a tool, URL, endpoint or file.
	Subject string `json:"subject,omitempty"`

	Message string                 `json:"message"`
	Level   string                 `json:"level"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeRunFailed        = "run.failed"
	EventTypeCommandStarted   = "command.started"
	EventTypeCommandCompleted = "command.completed"
	EventTypeCommandFailed    = "command.failed"
	EventTypePollAttempt      = "poll.attempt"
	EventTypePollCompleted    = "poll.completed"
	EventTypeConnectionOpened = "connection.opened"
	EventTypeConnectionClosed = "connection.closed"
	EventTypeTransformApplied = "transform.applied"
	EventTypePolicyViolation  = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode a single
// goroutine delivers events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
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
	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1
		}
		ep.buffer = make(chan Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s event dropped", event.Type)
	}
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, task string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "run",
		RunID:   runID,
		Subject: task,
		Message: fmt.Sprintf("run %s started for %s", runID, task),
		Level:   EventLevelInfo,
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "run",
		RunID:   runID,
		Message: fmt.Sprintf("run %s completed with status %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":      status,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "run",
		RunID:   runID,
		Message: fmt.Sprintf("run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"status":      "failed",
			"reason":      reason,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishCommandStarted publishes a command started event. args must
// already be redacted.
func (ep *EventPublisher) PublishCommandStarted(runID, tool string, args []string, dir string) error {
	return ep.Publish(Event{
		Type:    EventTypeCommandStarted,
		Source:  "execution",
		RunID:   runID,
		Subject: tool,
		Message: fmt.Sprintf("executing %s", tool),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"args": args,
			"dir":  dir,
		},
	})
}

// PublishCommandCompleted publishes a successful command event.
func (ep *EventPublisher) PublishCommandCompleted(runID, tool string, args []string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeCommandCompleted,
		Source:  "execution",
		RunID:   runID,
		Subject: tool,
		Message: fmt.Sprintf("%s exited 0", tool),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"args":        args,
			"exit_code":   0,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishCommandFailed publishes a failed command event. kind is the
// error kind; exitCode is -1 when the process never ran to completion.
func (ep *EventPublisher) PublishCommandFailed(runID, tool string, args []string, kind string, exitCode int, reason string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeCommandFailed,
		Source:  "execution",
		RunID:   runID,
		Subject: tool,
		Message: fmt.Sprintf("%s failed: %s", tool, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"args":        args,
			"kind":        kind,
			"exit_code":   exitCode,
			"reason":      reason,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishPollAttempt publishes a single poll attempt. status is 0 when the
// request did not get a response.
func (ep *EventPublisher) PublishPollAttempt(runID, url string, attempt, status int, ready bool, reason string) error {
	level := EventLevelInfo
	if !ready {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypePollAttempt,
		Source:  "poll",
		RunID:   runID,
		Subject: url,
		Message: fmt.Sprintf("attempt %d against %s: status %d", attempt, url, status),
		Level:   level,
		Data: map[string]interface{}{
			"attempt": attempt,
			"status":  status,
			"ready":   ready,
			"reason":  reason,
		},
	})
}

// PublishPollCompleted publishes the end of a poll loop.
func (ep *EventPublisher) PublishPollCompleted(runID, url string, ready bool, attempts int, elapsed time.Duration) error {
	level := EventLevelInfo
	if !ready {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypePollCompleted,
		Source:  "poll",
		RunID:   runID,
		Subject: url,
		Message: fmt.Sprintf("%s ready=%t after %d attempts", url, ready, attempts),
		Level:   level,
		Data: map[string]interface{}{
			"ready":       ready,
			"attempts":    attempts,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
}

// PublishConnectionOpened publishes a connection opened event.
func (ep *EventPublisher) PublishConnectionOpened(runID, connID, endpoint, kind string) error {
	return ep.Publish(Event{
		Type:    EventTypeConnectionOpened,
		Source:  "connection",
		RunID:   runID,
		Subject: endpoint,
		Message: fmt.Sprintf("connection %s opened to %s", connID, endpoint),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"connection_id": connID,
			"kind":          kind,
		},
	})
}

// PublishConnectionClosed publishes a connection closed event.
func (ep *EventPublisher) PublishConnectionClosed(runID, connID, endpoint, kind string, cleanupErr error) error {
	level := EventLevelInfo
	data := map[string]interface{}{
		"connection_id": connID,
		"kind":          kind,
	}
	if cleanupErr != nil {
		level = EventLevelWarning
		data["error"] = cleanupErr.Error()
	}
	return ep.Publish(Event{
		Type:    EventTypeConnectionClosed,
		Source:  "connection",
		RunID:   runID,
		Subject: endpoint,
		Message: fmt.Sprintf("connection %s closed", connID),
		Level:   level,
		Data:    data,
	})
}

// PublishTransformApplied publishes a transformed document event.
func (ep *EventPublisher) PublishTransformApplied(runID, path, format, operation string, substitutions int) error {
	return ep.Publish(Event{
		Type:    EventTypeTransformApplied,
		Source:  "transform",
		RunID:   runID,
		Subject: path,
		Message: fmt.Sprintf("%s %s (%d values)", operation, path, substitutions),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"format":        format,
			"operation":     operation,
			"substitutions": substitutions,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(runID, tool, policyName, severity, reason string) error {
	level := EventLevelWarning
	if severity == "error" || severity == "critical" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		RunID:   runID,
		Subject: tool,
		Message: fmt.Sprintf("policy %s: %s", policyName, reason),
		Level:   level,
		Data: map[string]interface{}{
			"policy":   policyName,
			"severity": severity,
			"reason":   reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter receives everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.done:
			// Drain what was accepted before shutdown.
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
	if ep == nil || !ep.config.Enabled {
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

// FilterByLevel allows events at minLevel or above.
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

// FilterByType allows only the given event types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID allows only events for runID.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
