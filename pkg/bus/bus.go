// Package bus provides a typed in-process event bus. Topics are enumerated;
// each subscriber pulls from its own bounded queue, which preserves per-topic
// ordering without reentrant locking between publishers and handlers.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/swarmfleet/swarmd/pkg/ident"
)

// Topic enumerates the event streams published by the control plane.
type Topic string

// Known topics.
const (
	TopicAgentStatus   Topic = "agent.status"
	TopicTaskStatus    Topic = "task.status"
	TopicScalingAction Topic = "scaling.action"
	TopicMetricsSample Topic = "metrics.sample"
)

var knownTopics = map[Topic]bool{
	TopicAgentStatus:   true,
	TopicTaskStatus:    true,
	TopicScalingAction: true,
	TopicMetricsSample: true,
}

// Event is one published frame. Payload is the topic's payload struct;
// receivers type-switch and log-and-drop anything unexpected.
type Event struct {
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload"`
}

// AgentStatusPayload reports an agent state transition.
type AgentStatusPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// TaskStatusPayload reports a task state transition.
type TaskStatusPayload struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	AgentID string `json:"agent_id,omitempty"`
}

// ScalingActionPayload reports one recorded scaling action.
type ScalingActionPayload struct {
	ActionID  string `json:"action_id"`
	Kind      string `json:"kind"`
	FromCount int    `json:"from_count"`
	ToCount   int    `json:"to_count"`
	Status    string `json:"status"`
}

// Subscription is one subscriber's bounded event queue.
type Subscription struct {
	bus    *Bus
	topics map[Topic]bool
	ch     chan Event
	once   sync.Once
}

// Events returns the subscriber's receive channel. It is closed when the
// subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose queue is full loses the event (logged at warn), so a stalled consumer
// cannot stall a publisher.
type Bus struct {
	clock ident.Clock

	mu     sync.RWMutex
	subs   map[*Subscription]bool
	depth  int
	closed bool
}

// New creates a Bus whose subscriber queues hold up to depth events.
func New(depth int) *Bus {
	return NewWithClock(depth, ident.RealClock{})
}

// NewWithClock is New with an injected clock for event timestamps.
func NewWithClock(depth int, clock ident.Clock) *Bus {
	if depth <= 0 {
		depth = 64
	}
	return &Bus{clock: clock, subs: make(map[*Subscription]bool), depth: depth}
}

// Subscribe registers interest in the given topics. Unknown topics are
// rejected by dropping them with a warning rather than failing the caller.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		bus:    b,
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Event, b.depth),
	}
	for _, t := range topics {
		if !knownTopics[t] {
			slog.Warn("Ignoring subscription to unknown topic", "topic", t)
			continue
		}
		sub.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = true
	return sub
}

// Publish delivers an event to every subscriber of its topic.
func (b *Bus) Publish(topic Topic, payload any) {
	if !knownTopics[topic] {
		slog.Warn("Dropping event for unknown topic", "topic", topic)
		return
	}
	evt := Event{Topic: topic, Timestamp: b.clock.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			slog.Warn("Subscriber queue full, dropping event", "topic", topic)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]bool)
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.subs[s] {
		delete(b.subs, s)
		close(s.ch)
	}
}
