// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

// Package bus implements the runtime's publish/subscribe event bus. Delivery
// is synchronous and in subscription order; a failing handler never prevents
// later handlers from running.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	faceterr "github.com/facetlabs/facet/pkg/errors"
)

const (
	// Wildcard subscribes to every event.
	Wildcard = "*"

	// ErrorEvent is published once per handler failure. Failures of
	// ErrorEvent handlers themselves are logged but not republished.
	ErrorEvent = "eventbus:error"

	defaultHistoryCapacity = 1000
)

// Event is a published occurrence on the bus.
type Event struct {
	ID        string
	Name      string
	Source    string
	Data      any
	Timestamp time.Time
}

// Handler consumes an event. A non-nil return is isolated from other
// handlers and republished as ErrorEvent.
type Handler func(ctx context.Context, evt Event) error

// ErrorPayload is the Data carried by ErrorEvent events.
type ErrorPayload struct {
	Event string
	Err   error
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     uint64
	Delivered     uint64
	Dropped       uint64
	HandlerErrors uint64
	HandlerPanics uint64
	Subscriptions int
}

// Subscription is a live handler registration.
type Subscription struct {
	id    uint64
	event string
	once  bool
	fired atomic.Bool
	fn    Handler
	bus   *Bus
}

// Event returns the pattern the subscription was registered for.
func (s *Subscription) Event() string { return s.event }

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.event, s.id)
}

// Bus is the in-process event bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	nextID  uint64
	history []Event
	histCap int
	logger  *slog.Logger

	published     atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	handlerErrors atomic.Uint64
	handlerPanics atomic.Uint64
}

// Option customises bus construction.
type Option func(*Bus)

// WithHistoryCapacity overrides the size of the retained event history.
func WithHistoryCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.histCap = n
		}
	}
}

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]*Subscription),
		histCap: defaultHistoryCapacity,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for an exact event name, or for every event
// when pattern is Wildcard.
func (b *Bus) Subscribe(pattern string, fn Handler) (*Subscription, error) {
	return b.subscribe(pattern, fn, false)
}

// Once registers a handler that is removed after its first delivery.
func (b *Bus) Once(pattern string, fn Handler) (*Subscription, error) {
	return b.subscribe(pattern, fn, true)
}

func (b *Bus) subscribe(pattern string, fn Handler, once bool) (*Subscription, error) {
	if pattern == "" {
		return nil, faceterr.New(faceterr.CodeBusSubscriptionInvalid, "event pattern must not be empty")
	}
	if fn == nil {
		return nil, faceterr.New(faceterr.CodeBusSubscriptionInvalid, "handler must not be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, event: pattern, once: once, fn: fn, bus: b}
	b.subs[pattern] = append(b.subs[pattern], sub)
	return sub, nil
}

func (b *Bus) remove(pattern string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[pattern]
	for i, sub := range list {
		if sub.id == id {
			b.subs[pattern] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[pattern]) == 0 {
		delete(b.subs, pattern)
	}
}

// Publish delivers an event synchronously, to exact-match subscribers
// first and wildcard subscribers after, each in subscription order.
// Handler failures are counted, logged, and republished as ErrorEvent.
func (b *Bus) Publish(ctx context.Context, name string, data any) Event {
	return b.publishFrom(ctx, "", name, data)
}

// PublishFrom is Publish with an attributed source, typically a plugin name.
func (b *Bus) PublishFrom(ctx context.Context, source, name string, data any) Event {
	return b.publishFrom(ctx, source, name, data)
}

func (b *Bus) publishFrom(ctx context.Context, source, name string, data any) Event {
	evt := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	b.published.Add(1)
	b.record(evt)

	targets := b.match(name)
	if len(targets) == 0 {
		b.dropped.Add(1)
		return evt
	}

	for _, sub := range targets {
		if sub.once && !sub.fired.CompareAndSwap(false, true) {
			continue
		}
		if err := b.deliver(ctx, sub, evt); err != nil {
			b.logger.Warn("event handler failed",
				slog.String("event", name),
				slog.String("pattern", sub.event),
				slog.String("error", err.Error()))
			if name != ErrorEvent {
				b.publishFrom(ctx, source, ErrorEvent, ErrorPayload{Event: name, Err: err})
			}
		} else {
			b.delivered.Add(1)
		}
		if sub.once {
			sub.Unsubscribe()
		}
	}
	return evt
}

// match returns exact-match subscriptions first, then wildcard
// subscriptions, each group in registration order.
func (b *Bus) match(name string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	exact := b.subs[name]
	wild := b.subs[Wildcard]
	if name == Wildcard {
		wild = nil
	}

	out := make([]*Subscription, 0, len(exact)+len(wild))
	out = append(out, exact...)
	out = append(out, wild...)
	return out
}

func (b *Bus) deliver(ctx context.Context, sub *Subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			err = faceterr.Errorf(faceterr.CodeBusSubscriptionInvalid,
				"handler for %q panicked: %v", sub.event, r)
		}
	}()

	if err := sub.fn(ctx, evt); err != nil {
		b.handlerErrors.Add(1)
		return fmt.Errorf("handler for %q: %w", sub.event, err)
	}
	return nil
}

func (b *Bus) record(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, evt)
	if len(b.history) > b.histCap {
		b.history = b.history[len(b.history)-b.histCap:]
	}
}

// History returns retained events, oldest first. A non-empty name filters by
// exact event name; limit > 0 keeps only the most recent matches.
func (b *Bus) History(name string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, evt := range b.history {
		if name != "" && evt.Name != name {
			continue
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := 0
	for _, list := range b.subs {
		subs += len(list)
	}
	b.mu.RUnlock()

	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		HandlerPanics: b.handlerPanics.Load(),
		Subscriptions: subs,
	}
}
