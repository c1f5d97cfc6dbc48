package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/logging"
)

// Handler processes one event. Handlers must not block indefinitely; sync
// handlers hold a worker-pool slot while running.
type Handler func(Event)

// Mode selects how a subscriber's handler is executed.
type Mode int

const (
	// ModeSync runs the handler on the bus worker pool; publish_blocking
	// waits for it.
	ModeSync Mode = iota
	// ModeAsync enqueues events to a private per-subscriber queue drained
	// by its own goroutine.
	ModeAsync
)

// Filter narrows which events a subscriber receives. Empty slices match all.
type Filter struct {
	Types      []string
	Severities []core.Severity
}

func (f Filter) matches(e Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Severities) > 0 {
		ok := false
		for _, s := range f.Severities {
			if s == e.Severity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

const asyncQueueSize = 256

type subscriber struct {
	id      string
	handler Handler
	filter  Filter
	mode    Mode
	queue   chan Event    // async only
	stop    chan struct{} // async only; closed on unsubscribe
}

type envelope struct {
	event Event
	done  chan struct{} // non-nil for blocking publish
}

// Bus dispatches events to subscribers in publish order. A single dispatcher
// goroutine pops events and fans out per snapshot, which gives FIFO delivery
// per subscriber. The subscriber-set lock is held only to snapshot or mutate
// the set, never across handler invocation.
type Bus struct {
	mu   sync.Mutex
	subs []*subscriber

	dispatch chan envelope
	closing  chan struct{}
	done     chan struct{}

	maxWorkers    int
	slowThreshold time.Duration
	logger        *logging.Logger

	closeOnce sync.Once
}

// Option configures the bus.
type Option func(*Bus)

// WithMaxWorkers bounds concurrent sync handler execution. 0 runs handlers
// inline on the dispatcher.
func WithMaxWorkers(n int) Option {
	return func(b *Bus) { b.maxWorkers = n }
}

// WithSlowHandlerThreshold flags handlers exceeding d.
func WithSlowHandlerThreshold(d time.Duration) Option {
	return func(b *Bus) { b.slowThreshold = d }
}

// WithLogger sets the bus logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates a bus and starts its dispatcher.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		dispatch:      make(chan envelope, 1024),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
		maxWorkers:    10,
		slowThreshold: time.Second,
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Subscribe registers a handler and returns its subscription id.
func (b *Bus) Subscribe(handler Handler, filter Filter, mode Mode) string {
	sub := &subscriber{
		id:      uuid.NewString(),
		handler: handler,
		filter:  filter,
		mode:    mode,
	}
	if mode == ModeAsync {
		sub.queue = make(chan Event, asyncQueueSize)
		sub.stop = make(chan struct{})
		go b.drainAsync(sub)
	}

	b.mu.Lock()
	// Copy-on-write: concurrent publishes iterate the old slice safely.
	next := make([]*subscriber, len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, sub)
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription. Idempotent.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			next := make([]*subscriber, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			next = append(next, b.subs[i+1:]...)
			b.subs = next
			if sub.stop != nil {
				close(sub.stop)
			}
			return
		}
	}
}

// SubscriberCount returns the current subscriber-set size.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish schedules dispatch and returns without waiting for handlers.
func (b *Bus) Publish(e Event) {
	select {
	case <-b.closing:
	case b.dispatch <- envelope{event: e}:
	}
}

// PublishBlocking returns after all sync handlers have completed or the
// context deadline expires. Async handlers only have the event enqueued.
func (b *Bus) PublishBlocking(ctx context.Context, e Event) error {
	done := make(chan struct{})
	select {
	case <-b.closing:
		return core.ErrState("BUS_CLOSED", "event bus is closed")
	case <-ctx.Done():
		return ctx.Err()
	case b.dispatch <- envelope{event: e, done: done}:
	}
	select {
	case <-done:
		return nil
	case <-b.done:
		// The dispatcher drains its buffer before exiting, so an accepted
		// envelope has usually been delivered by now.
		select {
		case <-done:
			return nil
		default:
			return core.ErrState("BUS_CLOSED", "event bus is closed")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the dispatcher and closes async queues. Pending events in the
// dispatch buffer are delivered first. The dispatch channel itself is never
// closed, so a publish racing shutdown is dropped instead of panicking.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.closing)
		<-b.done

		b.mu.Lock()
		for _, sub := range b.subs {
			if sub.stop != nil {
				close(sub.stop)
			}
		}
		b.subs = nil
		b.mu.Unlock()
	})
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case env := <-b.dispatch:
			b.deliver(env)
		case <-b.closing:
			for {
				select {
				case env := <-b.dispatch:
					b.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) snapshot() []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

func (b *Bus) deliver(env envelope) {
	subs := b.snapshot()

	var wg sync.WaitGroup
	var slots chan struct{}
	if b.maxWorkers > 0 {
		slots = make(chan struct{}, b.maxWorkers)
	}

	for _, sub := range subs {
		if !sub.filter.matches(env.event) {
			continue
		}
		switch sub.mode {
		case ModeAsync:
			select {
			case sub.queue <- env.event:
			default:
				b.logger.Warn("async subscriber queue full, event skipped",
					"subscription_id", sub.id, "event_type", env.event.Type)
			}
		default:
			if slots == nil {
				b.invoke(sub, env.event)
				continue
			}
			slots <- struct{}{}
			wg.Add(1)
			go func(s *subscriber) {
				defer func() {
					<-slots
					wg.Done()
				}()
				b.invoke(s, env.event)
			}(sub)
		}
	}

	// Waiting per event keeps delivery FIFO for every sync subscriber.
	wg.Wait()
	if env.done != nil {
		close(env.done)
	}
}

func (b *Bus) drainAsync(sub *subscriber) {
	for {
		select {
		case e := <-sub.queue:
			b.invoke(sub, e)
		case <-sub.stop:
			return
		}
	}
}

// invoke runs a handler with panic isolation and slow-handler detection.
func (b *Bus) invoke(sub *subscriber, e Event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"subscription_id", sub.id, "event_type", e.Type, "panic", r)
		}
		if elapsed := time.Since(start); elapsed > b.slowThreshold {
			b.logger.Warn("slow event handler",
				"subscription_id", sub.id, "event_type", e.Type, "duration", elapsed)
		}
	}()
	sub.handler(e)
}
