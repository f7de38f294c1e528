package bus

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
)

// MemoryEventBus delivers events to in-process subscribers on the
// publisher's goroutine. Synchronous dispatch is a load-bearing
// property: subscribers observe events in publish order, and streaming
// consumers (text deltas, move notifications) depend on that.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
	logger *logger.Logger
}

// NewMemoryEventBus returns an empty bus ready for subscriptions.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memorySubscription),
		logger: log,
	}
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	// matcher is nil for exact subjects and compiled once for patterns.
	matcher *regexp.Regexp
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// matches reports whether a concrete subject falls under this
// subscription's subject or pattern.
func (s *memorySubscription) matches(subject string) bool {
	if s.matcher != nil {
		return s.matcher.MatchString(subject)
	}
	return subject == s.subject
}

func (s *memorySubscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Unsubscribe deactivates the handler and removes it from the bus.
// A publish that already collected this subscription may still deliver
// one final event; handlers must tolerate that.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	kept := s.bus.subs[s.subject][:0]
	for _, sub := range s.bus.subs[s.subject] {
		if sub != s {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(s.bus.subs, s.subject)
	} else {
		s.bus.subs[s.subject] = kept
	}
	return nil
}

// Subscribe registers a handler for a subject or wildcard pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		matcher: compileSubjectPattern(subject),
		handler: handler,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)
	b.logger.Debug("Bus subscription added", zap.String("subject", subject))
	return sub, nil
}

// Publish runs every matching handler before returning. Matches are
// collected under the read lock and dispatched after releasing it, so a
// handler may itself publish or subscribe without deadlocking.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var matched []*memorySubscription
	for _, subs := range b.subs {
		for _, sub := range subs {
			if sub.isActive() && sub.matches(subject) {
				matched = append(matched, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Close drops every subscription. Publishes after Close return ErrClosed.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
}

// compileSubjectPattern translates NATS-style wildcards into an anchored
// regexp: "*" spans one dot-separated token, ">" spans the rest.
// Returns nil for exact subjects.
func compileSubjectPattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, `[^.]+`)
	expr = strings.ReplaceAll(expr, `>`, `.+`)
	compiled, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil
	}
	return compiled
}
