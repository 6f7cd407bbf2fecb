package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eenlars/alive-sub006/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus backend, the default when no
// NATS URL is configured. Delivery is asynchronous: handlers run on their
// own goroutine so a slow subscriber never blocks the publisher (the pool
// publishes from its request path).
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	groups map[string]*rrGroup // queue+":"+pattern -> rotation
	closed bool
	logger *logger.Logger
}

type memorySub struct {
	bus     *MemoryEventBus
	pattern string
	queue   string // empty for plain subscriptions
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// rrGroup rotates deliveries across the members of one queue group.
type rrGroup struct {
	mu      sync.Mutex
	members []*memorySub
	next    int
}

// NewMemoryEventBus returns an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		groups: make(map[string]*rrGroup),
		logger: log,
	}
}

// Publish fans event out to every matching plain subscriber and to one
// member of every matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus: closed")
	}

	var plain []*memorySub
	groupsSeen := make(map[string]*rrGroup)
	for _, sub := range b.subs {
		if !sub.alive() || !subjectMatches(subject, sub.pattern) {
			continue
		}
		if sub.queue == "" {
			plain = append(plain, sub)
			continue
		}
		key := sub.queue + ":" + sub.pattern
		if g, ok := b.groups[key]; ok {
			groupsSeen[key] = g
		}
	}
	b.mu.RUnlock()

	for _, sub := range plain {
		b.deliver(ctx, sub, subject, event)
	}
	for _, g := range groupsSeen {
		if sub := g.pick(); sub != nil {
			b.deliver(ctx, sub, subject, event)
		}
	}
	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySub, subject string, event *Event) {
	go func() {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", subject),
				zap.String("eventType", event.Type),
				zap.Error(err))
		}
	}()
}

// Subscribe registers a plain subscription for pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	return b.subscribe(pattern, "", handler)
}

// QueueSubscribe registers handler as a member of queue for pattern.
func (b *MemoryEventBus) QueueSubscribe(pattern, queue string, handler EventHandler) (Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("bus: queue name is required")
	}
	return b.subscribe(pattern, queue, handler)
}

func (b *MemoryEventBus) subscribe(pattern, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus: closed")
	}

	sub := &memorySub{bus: b, pattern: pattern, queue: queue, handler: handler, active: true}
	b.subs = append(b.subs, sub)
	if queue != "" {
		key := queue + ":" + pattern
		g, ok := b.groups[key]
		if !ok {
			g = &rrGroup{}
			b.groups[key] = g
		}
		g.mu.Lock()
		g.members = append(g.members, sub)
		g.mu.Unlock()
	}
	return sub, nil
}

// Close deactivates every subscription; subsequent publishes fail.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.deactivate()
	}
	b.subs = nil
	b.groups = make(map[string]*rrGroup)
}

// IsConnected reports whether the bus still accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySub) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySub) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Unsubscribe deactivates the subscription and removes it from the bus.
func (s *memorySub) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if g, ok := s.bus.groups[s.queue+":"+s.pattern]; ok {
			g.mu.Lock()
			for i, member := range g.members {
				if member == s {
					g.members = append(g.members[:i], g.members[i+1:]...)
					break
				}
			}
			g.mu.Unlock()
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySub) IsValid() bool { return s.alive() }

// pick returns the next active member in rotation, or nil if none remain.
func (g *rrGroup) pick() *memorySub {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < len(g.members); i++ {
		idx := (g.next + i) % len(g.members)
		if g.members[idx].alive() {
			g.next = (idx + 1) % len(g.members)
			return g.members[idx]
		}
	}
	return nil
}

// subjectMatches applies NATS-style wildcard matching token by token:
// "*" matches exactly one token, a trailing ">" matches the remainder.
func subjectMatches(subject, pattern string) bool {
	if pattern == subject {
		return true
	}
	subjTokens := strings.Split(subject, ".")
	patTokens := strings.Split(pattern, ".")
	for i, pt := range patTokens {
		if pt == ">" {
			return i < len(subjTokens)
		}
		if i >= len(subjTokens) {
			return false
		}
		if pt != "*" && pt != subjTokens[i] {
			return false
		}
	}
	return len(subjTokens) == len(patTokens)
}
