// Package logging provides the level-gated logger and in-process event bus
// used across the gateway: the management API's recent-log snapshot and SSE
// stream are both views onto the same hub.
package logging

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Record is a single emitted log entry, also the payload published on the
// "log" topic.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Tag       string    `json:"tag"`
	Message   string    `json:"message"`
}

// ringSize is the number of recent records kept for snapshot reads.
const ringSize = 200

// Subscriber receives events for topics it registered for, or every event if
// registered under TopicAll.
type Subscriber func(topic string, rec Record)

// TopicAll subscribes to every published event regardless of topic.
const TopicAll = "*"

// Hub is a logrus.Hook that also maintains a bounded ring buffer and a
// topic-keyed publish/subscribe fan-out. It is the sole entry point for both
// log records and internal domain events (health, retry, request).
type Hub struct {
	mu   sync.Mutex
	ring []Record
	head int
	subs map[string][]Subscriber
}

// NewHub builds an empty hub and wires it into the given logger as a hook.
func NewHub(logger *logrus.Logger) *Hub {
	h := &Hub{
		ring: make([]Record, 0, ringSize),
		subs: make(map[string][]Subscriber),
	}
	logger.AddHook(h)
	return h
}

// Levels implements logrus.Hook: the hub observes every level.
func (h *Hub) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook. It is invoked synchronously on the emitting
// goroutine for every log call, so it both records the entry and publishes
// it on the "log" topic.
func (h *Hub) Fire(e *logrus.Entry) error {
	rec := Record{
		ID:        uuid.NewString(),
		Timestamp: e.Time,
		Level:     e.Level.String(),
		Tag:       tagOf(e),
		Message:   e.Message,
	}
	h.append(rec)
	h.Publish("log", rec)
	return nil
}

func tagOf(e *logrus.Entry) string {
	if v, ok := e.Data["tag"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (h *Hub) append(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) < ringSize {
		h.ring = append(h.ring, rec)
		return
	}
	h.ring[h.head] = rec
	h.head = (h.head + 1) % ringSize
}

// Recent returns up to n most-recent records, oldest first.
func (h *Hub) Recent(n int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := len(h.ring)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]Record, 0, n)
	if total < ringSize {
		start := total - n
		out = append(out, h.ring[start:total]...)
		return out
	}
	// full ring: oldest entry is at h.head
	for i := total - n; i < total; i++ {
		out = append(out, h.ring[(h.head+i)%ringSize])
	}
	return out
}

// Subscribe registers sub to receive every event published on topic (or
// every event at all, for TopicAll). It returns an unsubscribe function.
func (h *Hub) Subscribe(topic string, sub Subscriber) (unsubscribe func()) {
	h.mu.Lock()
	h.subs[topic] = append(h.subs[topic], sub)
	idx := len(h.subs[topic]) - 1
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subs[topic]
		if idx < 0 || idx >= len(subs) {
			return
		}
		subs[idx] = nil
	}
}

// Publish invokes every subscriber registered for topic plus every wildcard
// subscriber, synchronously, on the caller's goroutine. A subscriber panic
// is recovered so it cannot poison the bus or block its peers.
func (h *Hub) Publish(topic string, rec Record) {
	h.mu.Lock()
	targets := make([]Subscriber, 0, len(h.subs[topic])+len(h.subs[TopicAll]))
	targets = append(targets, h.subs[topic]...)
	if topic != TopicAll {
		targets = append(targets, h.subs[TopicAll]...)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if sub == nil {
			continue
		}
		callSafely(sub, topic, rec)
	}
}

func callSafely(sub Subscriber, topic string, rec Record) {
	defer func() { _ = recover() }()
	sub(topic, rec)
}
