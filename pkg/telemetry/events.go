package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a pipeline event.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	Package   string                 `json:"package,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Phase     string                 `json:"phase,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeInstallStarted   = "install.started"
	EventTypeInstallCompleted = "install.completed"
	EventTypeInstallFailed    = "install.failed"
	EventTypePhaseStarted     = "phase.started"
	EventTypePhaseCompleted   = "phase.completed"
	EventTypePhaseFailed      = "phase.failed"
	EventTypePolicyDenied     = "policy.denied"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopped     chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher. Async publishers deliver from a
// background goroutine until Shutdown.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		config:  cfg,
		stopped: make(chan struct{}),
	}
	if cfg.Enabled && cfg.Async {
		size := cfg.BufferSize
		if size <= 0 {
			size = 256
		}
		ep.buffer = make(chan Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Subscribe registers a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// Publish delivers an event to all matching subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
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

	select {
	case <-ep.stopped:
		return ErrPublisherStopped
	default:
	}

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.stopped:
		return ErrPublisherStopped
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

// PublishPhase publishes a phase transition. A nil err means the phase
// completed, and started reports the phase beginning.
func (ep *EventPublisher) PublishPhase(runID, pkg, version, phase string, started bool, err error) error {
	event := Event{
		RunID:   runID,
		Package: pkg,
		Version: version,
		Phase:   phase,
	}
	switch {
	case started:
		event.Type = EventTypePhaseStarted
		event.Message = fmt.Sprintf("%s@%s: %s", pkg, version, phase)
	case err != nil:
		event.Type = EventTypePhaseFailed
		event.Level = EventLevelError
		event.Message = err.Error()
	default:
		event.Type = EventTypePhaseCompleted
		event.Message = fmt.Sprintf("%s@%s: %s done", pkg, version, phase)
	}
	return ep.Publish(event)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.stopped:
			// Drain whatever was queued before Shutdown.
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
	subs := make([]subscriberEntry, len(ep.subscribers))
	copy(subs, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stopped) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FilterByRunID only passes events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByType only passes the given event types.
func FilterByType(types ...string) EventFilter {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return func(event Event) bool {
		return allowed[event.Type]
	}
}

// FilterByLevel passes events at or above minLevel.
func FilterByLevel(minLevel string) EventFilter {
	rank := map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}
	floor := rank[minLevel]
	return func(event Event) bool {
		return rank[event.Level] >= floor
	}
}
