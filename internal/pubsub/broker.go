// Package pubsub fans out server-push events to WebSocket subscribers.
package pubsub

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/shellport/shellport/internal/logging"
)

const (
	terminalTopicPrefix = "/topic/terminal-"
	progressTopicPrefix = "/topic/transfer-progress/"
)

// TerminalTopic is the topic terminal events for sessionID are published on.
func TerminalTopic(sessionID string) string { return terminalTopicPrefix + sessionID }

// TransferProgressTopic is the topic progress snapshots for transferID are
// published on.
func TransferProgressTopic(transferID string) string { return progressTopicPrefix + transferID }

// TransferIDFromTopic returns the transfer id of a progress topic.
func TransferIDFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, progressTopicPrefix)
	return id, ok && id != ""
}

// Publisher accepts fire-and-forget events. There is no delivery guarantee.
type Publisher interface {
	Publish(topic string, payload any)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(topic string, payload any)

func (f PublisherFunc) Publish(topic string, payload any) { f(topic, payload) }

// Message is one event delivered to a subscriber.
type Message struct {
	Topic   string
	Payload any
}

// DefaultBuffer is the per-subscription queue depth.
const DefaultBuffer = 256

// Subscription receives messages for one topic until Close.
type Subscription struct {
	broker *Broker
	topic  string
	ch     chan Message
	once   sync.Once
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.broker.remove(s) })
}

// Broker is an in-process topic fan-out. Publish never blocks: a subscriber
// whose queue is full misses the message.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	logger *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		topics: make(map[string]map[*Subscription]struct{}),
		logger: logging.OrDiscard(logger).With("component", "pubsub"),
	}
}

// Subscribe registers interest in topic. buffer <= 0 uses DefaultBuffer.
func (b *Broker) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{broker: b, topic: topic, ch: make(chan Message, buffer)}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish implements Publisher.
func (b *Broker) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("subscriber queue full, dropping message", "topic", topic)
		}
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	close(sub.ch)
}
