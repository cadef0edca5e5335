package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a run lifecycle notification.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	RunID      string                 `json:"run_id,omitempty"`
	Deployment string                 `json:"deployment,omitempty"`
	Unit       string                 `json:"unit,omitempty"`
	Command    string                 `json:"command,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Event types emitted by the orchestrator.
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunCompleted  = "run.completed"
	EventTypeRunFailed     = "run.failed"
	EventTypeUnitStarted   = "unit.started"
	EventTypeUnitSucceeded = "unit.succeeded"
	EventTypeUnitFailed    = "unit.failed"
	EventTypeUnitSkipped   = "unit.skipped"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers from a single worker goroutine,
// so each subscriber sees events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	ep.wg.Add(1)
	go ep.processEvents()

	return ep
}

// Publish queues an event for delivery. It fails when the buffer is full.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if ep.ctx.Err() != nil {
		return ErrPublisherStopped
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s event", event.Type)
	}
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, deployment, command string) error {
	return ep.Publish(Event{
		Type:       EventTypeRunStarted,
		RunID:      runID,
		Deployment: deployment,
		Command:    command,
		Message:    fmt.Sprintf("%s started on %s", command, deployment),
	})
}

// PublishRunCompleted publishes the terminal event of a run.
func (ep *EventPublisher) PublishRunCompleted(runID, deployment, command, status string, duration time.Duration, runErr error) error {
	event := Event{
		Type:       EventTypeRunCompleted,
		RunID:      runID,
		Deployment: deployment,
		Command:    command,
		Message:    fmt.Sprintf("%s on %s finished: %s", command, deployment, status),
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	}
	if runErr != nil {
		event.Type = EventTypeRunFailed
		event.Level = EventLevelError
		event.Data["error"] = runErr.Error()
	}
	return ep.Publish(event)
}

// PublishUnit publishes a unit lifecycle event of the given type.
func (ep *EventPublisher) PublishUnit(eventType, runID, unit, command string, unitErr error) error {
	event := Event{
		Type:    eventType,
		RunID:   runID,
		Unit:    unit,
		Command: command,
		Message: fmt.Sprintf("%s %s: %s", unit, command, eventType),
	}
	if unitErr != nil {
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("%s %s failed: %v", unit, command, unitErr)
	}
	return ep.Publish(event)
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
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
		case <-ep.ctx.Done():
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

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel only allows events of minLevel or higher.
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

// FilterByType only allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByUnit only allows events for a specific unit.
func FilterByUnit(unit string) EventFilter {
	return func(event Event) bool {
		return event.Unit == unit
	}
}
