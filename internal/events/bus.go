// Package events decouples document lifecycle publishers from their
// subscribers through a buffered channel and a single background dispatcher.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tomehq/tome/internal/tenant"
)

// Type enumerates document lifecycle events.
type Type string

const (
	TypeCreated            Type = "created"
	TypeUpdated            Type = "updated"
	TypeDeleted            Type = "deleted"
	TypePromoted           Type = "promoted"
	TypeSuperseded         Type = "superseded"
	TypeReferencesResolved Type = "references_resolved"
	TypeValidated          Type = "validated"
)

// Event is one document lifecycle occurrence.
type Event struct {
	Type          Type
	FilePath      string
	Tenant        tenant.Key
	Timestamp     time.Time
	CorrelationID string
	// Payload carries type-specific details, e.g. ContentChanged on updates.
	Payload map[string]any
}

// Handler processes one event. Handler failures are isolated: they are
// logged and never affect other handlers or later events.
type Handler func(ctx context.Context, ev Event) error

// Bus fans events out to registered handlers from one dispatcher goroutine.
// The channel is bounded; when full, the oldest queued event is dropped and
// counted rather than blocking publishers.
type Bus struct {
	// ch is never closed; Close signals shutdown through done instead, so a
	// publisher racing Close can never send on a closed channel.
	ch     chan Event
	done   chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[int]subscription

	closed  atomic.Bool
	dropped atomic.Int64
	onDrop  func()

	wg sync.WaitGroup
}

type subscription struct {
	// filter is empty for OnAny subscriptions.
	filter  Type
	handler Handler
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		ch:       make(chan Event, buffer),
		done:     make(chan struct{}),
		logger:   logger.With("component", "events"),
		handlers: make(map[int]subscription),
	}
}

// On registers a handler for one event type. The returned function removes
// the subscription.
func (b *Bus) On(t Type, h Handler) func() {
	return b.subscribe(t, h)
}

// OnAny registers a handler for every event type.
func (b *Bus) OnAny(h Handler) func() {
	return b.subscribe("", h)
}

func (b *Bus) subscribe(filter Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = subscription{filter: filter, handler: h}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
		})
	}
}

// Publish enqueues an event. Events published after Close are dropped with
// a warning. A full buffer drops the oldest queued event to make room.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		b.logger.Warn("event published after shutdown", "type", ev.Type, "file_path", ev.FilePath)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}

	for {
		select {
		case b.ch <- ev:
			return
		case <-b.done:
			b.logger.Warn("event published after shutdown", "type", ev.Type, "file_path", ev.FilePath)
			return
		default:
		}
		// Buffer full: drop the oldest and retry.
		select {
		case <-b.ch:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
			b.logger.Warn("event buffer full, dropped oldest event")
		default:
		}
	}
}

// SetDropHook registers a callback invoked once per event discarded under
// backpressure. Set before the first Publish.
func (b *Bus) SetDropHook(fn func()) {
	b.onDrop = fn
}

// Dropped returns how many events were discarded under backpressure.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Start runs the dispatcher until the context is cancelled or Close drains
// the queue. Handlers for one event run in parallel; the dispatcher waits
// for all of them before taking the next event, which keeps delivery for a
// correlation chain in program order.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-b.ch:
				b.dispatch(ctx, ev)
			case <-b.done:
				// Drain what is already queued, then exit.
				for {
					select {
					case ev := <-b.ch:
						b.dispatch(ctx, ev)
					default:
						return
					}
				}
			}
		}
	}()
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.Lock()
	var matched []Handler
	for _, sub := range b.handlers {
		if sub.filter == "" || sub.filter == ev.Type {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range matched {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", "type", ev.Type, "panic", r)
				}
			}()
			if err := h(ctx, ev); err != nil {
				b.logger.Error("event handler failed",
					"type", ev.Type,
					"file_path", ev.FilePath,
					"error", err,
				)
			}
		}(h)
	}
	wg.Wait()
}

// Close stops accepting events, lets the dispatcher drain the queue and
// waits for it to exit. Safe to call concurrently with Publish.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
	b.wg.Wait()
}
