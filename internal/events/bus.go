// Package events provides the in-process observer bus the core components
// publish lifecycle events on. It replaces ad-hoc callback wiring with an
// explicit subscription surface: hosts subscribe by event name (or to
// everything) and receive synchronous, best-effort delivery. A panicking
// handler never propagates back into the publishing component.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names published by the core.
const (
	PolicyAdded          = "policyAdded"
	PolicyRemoved        = "policyRemoved"
	LevelChanged         = "levelChanged"
	ConfirmationRequired = "confirmationRequired"
	ConfirmationResolved = "confirmationResolved"
	PolicyViolation      = "policyViolation"
	RuleAdded            = "ruleAdded"
	RuleRemoved          = "ruleRemoved"
	RequestIntercepted   = "requestIntercepted"
	ReplayStarted        = "replayStarted"
	ReplayPaused         = "replayPaused"
	ReplayResumed        = "replayResumed"
	ReplayCompleted      = "replayCompleted"
	ReplayStopped        = "replayStopped"
	ReplayFailed         = "replayFailed"
	BreakpointHit        = "breakpointHit"
	RecoveryAttempted    = "recoveryAttempted"
)

// Event is a named occurrence with loosely typed payload fields.
type Event struct {
	Name   string
	At     time.Time
	Fields map[string]any
}

// Handler consumes events. Handlers run synchronously on the publisher's
// goroutine and should return quickly.
type Handler func(Event)

type subscription struct {
	id      uint64
	name    string // "" subscribes to all events
	handler Handler
}

// Bus is a synchronous publish/subscribe hub. The zero value is not usable;
// construct with New.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// New creates a Bus. logger may be nil, in which case delivery failures are
// silently dropped.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.Named("events")}
}

// Subscribe registers a handler for events with the given name. It returns
// an unsubscribe function that is safe to call more than once.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	return b.Subscribe("", h)
}

// Publish delivers the event to matching subscribers in registration order.
// Delivery is synchronous and best-effort: a handler panic is recovered and
// logged, never surfaced to the publisher.
func (b *Bus) Publish(name string, fields map[string]any) {
	ev := Event{Name: name, At: time.Now(), Fields: fields}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == "" || s.name == name {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ev, h)
	}
}

func (b *Bus) deliver(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("Event handler panicked.",
				zap.String("event", ev.Name), zap.Any("panic", r))
		}
	}()
	h(ev)
}
