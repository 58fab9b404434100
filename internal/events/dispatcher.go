package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/id"
)

// ErrDispatcherClosed is returned by Publish after Close.
var ErrDispatcherClosed = errors.New("event dispatcher closed")

const (
	// DefaultObserverBuffer bounds how far an observer may lag before events are dropped for it.
	DefaultObserverBuffer = 64

	orderingWindow = 10 * time.Minute
	pruneEvery     = 1024
)

// EventHandler handles a published event.
type EventHandler func(context.Context, Event) error

// ObserverFilter decides whether an observer receives an event.
type ObserverFilter func(Event) bool

// Publisher is the write side used by the lifecycle service and the sweeper.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Dispatcher interface allows event publication/subscription.
type Dispatcher interface {
	Publisher
	Subscribe(eventType EventType, handler EventHandler)
	Attach(buffer int, filter ObserverFilter) *Observer
	Detach(o *Observer)
	Close()
}

// Observer is a connected client's mailbox. Delivery is best-effort: a full buffer drops the
// event for this observer only, and nothing is replayed after a reconnect.
type Observer struct {
	ID      string
	events  chan Event
	filter  ObserverFilter
	dropped atomic.Int64
}

// Events yields delivered events until the observer is detached.
func (o *Observer) Events() <-chan Event {
	return o.events
}

// Dropped reports events lost to a full buffer.
func (o *Observer) Dropped() int64 {
	return o.dropped.Load()
}

type versionMark struct {
	version int64
	seenAt  time.Time
}

// inMemoryDispatcher fans events out to in-process handlers and attached observers.
type inMemoryDispatcher struct {
	mu        sync.Mutex
	logger    *zap.Logger
	listeners map[EventType][]EventHandler
	observers map[string]*Observer
	versions  map[string]versionMark
	published int
	closed    bool
}

// NewInMemoryDispatcher creates a dispatcher instance.
func NewInMemoryDispatcher(logger *zap.Logger) Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &inMemoryDispatcher{
		logger:    logger,
		listeners: make(map[EventType][]EventHandler),
		observers: make(map[string]*Observer),
		versions:  make(map[string]versionMark),
	}
}

// Publish delivers the event without blocking on slow observers, then runs handlers.
// An event whose ticket version is not newer than the last one delivered for that ticket is
// dropped for observers and handlers alike, so observers never see a ticket move backwards.
//
// Delivery is best effort. When two writers commit v1 and v2 but v2 is published first, the
// v1 event is dropped and its change never reaches observers as its own event. Likewise a full
// observer buffer drops events (see Observer.Dropped). Observers must treat events as hints and
// re-read the ticket whenever the version they receive skips ahead of the one they hold.
func (d *inMemoryDispatcher) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = id.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	now := time.Now()
	if event.TicketID != "" {
		if mark, ok := d.versions[event.TicketID]; ok && event.TicketVersion <= mark.version {
			d.mu.Unlock()
			d.logger.Debug("dropping stale event",
				zap.String("ticket_id", event.TicketID),
				zap.String("event_type", string(event.Type)),
				zap.Int64("version", event.TicketVersion),
				zap.Int64("last_version", mark.version))
			return nil
		}
		d.versions[event.TicketID] = versionMark{version: event.TicketVersion, seenAt: now}
	}
	d.published++
	if d.published%pruneEvery == 0 {
		d.pruneLocked(now)
	}
	for _, o := range d.observers {
		if o.filter != nil && !o.filter(event) {
			continue
		}
		select {
		case o.events <- event:
		default:
			o.dropped.Add(1)
		}
	}
	handlers := append([]EventHandler{}, d.listeners[event.Type]...)
	d.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			d.logger.Warn("event handler failed",
				zap.String("event_type", string(event.Type)),
				zap.String("ticket_id", event.TicketID),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for the given event type.
func (d *inMemoryDispatcher) Subscribe(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[eventType] = append(d.listeners[eventType], handler)
}

// Attach registers an observer. A nil filter receives every event.
func (d *inMemoryDispatcher) Attach(buffer int, filter ObserverFilter) *Observer {
	if buffer <= 0 {
		buffer = DefaultObserverBuffer
	}
	o := &Observer{ID: id.New(), events: make(chan Event, buffer), filter: filter}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(o.events)
		return o
	}
	d.observers[o.ID] = o
	return o
}

// Detach removes the observer and closes its channel. Safe to call twice.
func (d *inMemoryDispatcher) Detach(o *Observer) {
	if o == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.observers[o.ID]; !ok {
		return
	}
	delete(d.observers, o.ID)
	close(o.events)
}

// Close detaches every observer and rejects further publishes.
func (d *inMemoryDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for key, o := range d.observers {
		delete(d.observers, key)
		close(o.events)
	}
}

func (d *inMemoryDispatcher) pruneLocked(now time.Time) {
	for ticketID, mark := range d.versions {
		if now.Sub(mark.seenAt) > orderingWindow {
			delete(d.versions, ticketID)
		}
	}
}
