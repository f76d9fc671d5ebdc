// Package eventbus implements the in-process Event Bus (§4.J): topic and
// wildcard subscription with a bounded mailbox per plugin. Grounded on
// original_source/src/runtime/bus.rs's EventBus.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vtxmedia/vtx/internal/logger"
)

// Context carries the identity of whoever triggered an Event, mirroring
// bus.rs's EventContext.
type Context struct {
	UserID    string
	Username  string
	RequestID string
}

// Event is one published message, mirroring bus.rs's VtxEvent.
type Event struct {
	ID         string
	Topic      string
	Source     string
	Payload    map[string]any
	Context    Context
	OccurredAt time.Time
}

// WildcardTopic subscribes a plugin to every published event.
const WildcardTopic = "*"

// Bus is the shared event router. One Bus instance serves the whole
// runtime; every plugin gets its own bounded mailbox channel.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]string // topic -> plugin ids
	mailboxes     map[string]chan Event
	capacity      int
}

// New builds a Bus whose per-plugin mailbox holds capacity undelivered
// events; once a mailbox is full, Publish drops further events for that
// plugin.
func New(capacity int) *Bus {
	return &Bus{
		subscriptions: map[string][]string{},
		mailboxes:     map[string]chan Event{},
		capacity:      capacity,
	}
}

// RegisterPlugin opens pluginID's mailbox (if not already open) and
// subscribes it to each requested topic present in allowedTopics, denying
// and logging the rest. It returns the mailbox to range over.
func (b *Bus) RegisterPlugin(pluginID string, topics, allowedTopics []string) <-chan Event {
	allowed := make(map[string]bool, len(allowedTopics))
	for _, t := range allowedTopics {
		allowed[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	mailbox, ok := b.mailboxes[pluginID]
	if !ok {
		mailbox = make(chan Event, b.capacity)
		b.mailboxes[pluginID] = mailbox
	}

	for _, topic := range topics {
		if !allowed[topic] {
			logger.EventBus().Warn().Str("plugin_id", pluginID).Str("topic", topic).Msg("subscription denied")
			continue
		}
		b.subscribe(topic, pluginID)
	}
	return mailbox
}

func (b *Bus) subscribe(topic, pluginID string) {
	subs := b.subscriptions[topic]
	for _, id := range subs {
		if id == pluginID {
			return
		}
	}
	b.subscriptions[topic] = append(subs, pluginID)
}

// UnregisterPlugin closes pluginID's mailbox and removes it from every
// topic's subscriber list.
func (b *Bus) UnregisterPlugin(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mailbox, ok := b.mailboxes[pluginID]; ok {
		close(mailbox)
		delete(b.mailboxes, pluginID)
	}
	for topic, ids := range b.subscriptions {
		b.subscriptions[topic] = removeID(ids, pluginID)
	}
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Publish delivers event to every subscriber of event.Topic plus every
// wildcard subscriber, deduplicated, attempting non-blocking delivery to
// each mailbox. A full mailbox drops the event silently — publishers are
// never backpressured by a slow subscriber. Publish returns the count of
// successful deliveries.
func (b *Bus) Publish(ctx context.Context, event Event) int {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	b.mu.RLock()
	targets := map[string]bool{}
	for _, id := range b.subscriptions[event.Topic] {
		targets[id] = true
	}
	for _, id := range b.subscriptions[WildcardTopic] {
		targets[id] = true
	}
	mailboxes := make(map[string]chan Event, len(targets))
	for id := range targets {
		if mb, ok := b.mailboxes[id]; ok {
			mailboxes[id] = mb
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, mailbox := range mailboxes {
		select {
		case mailbox <- event:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the plugin ids currently subscribed to topic, for
// diagnostics and tests.
func (b *Bus) Subscribers(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := append([]string(nil), b.subscriptions[topic]...)
	return out
}
