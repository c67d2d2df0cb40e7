package channel

import (
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// subscriber receives frames published to a topic.
type subscriber interface {
	deliver(frame []byte) bool
}

type subscriptionKey struct {
	owner subscriber
	id    string
}

// Hub fans published messages out to topic subscribers in this process.
type Hub struct {
	mutex     sync.Mutex
	topics    map[string]map[subscriptionKey]struct{}
	sequence  atomic.Uint64
	logger    *zap.Logger
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{topics: make(map[string]map[subscriptionKey]struct{}), logger: logger}
}

// Subscribe registers owner's subscription id on topic.
func (hub *Hub) Subscribe(topic string, owner subscriber, subscriptionID string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	members, ok := hub.topics[topic]
	if !ok {
		members = make(map[subscriptionKey]struct{})
		hub.topics[topic] = members
	}
	members[subscriptionKey{owner: owner, id: subscriptionID}] = struct{}{}
}

// Unsubscribe removes owner's subscription id from topic.
func (hub *Hub) Unsubscribe(topic string, owner subscriber, subscriptionID string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.removeLocked(topic, subscriptionKey{owner: owner, id: subscriptionID})
}

// Remove drops every subscription held by owner. After Remove returns the hub
// never delivers to owner again.
func (hub *Hub) Remove(owner subscriber) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for topic, members := range hub.topics {
		for key := range members {
			if key.owner == owner {
				hub.removeLocked(topic, key)
			}
		}
	}
}

func (hub *Hub) removeLocked(topic string, key subscriptionKey) {
	members, ok := hub.topics[topic]
	if !ok {
		return
	}
	delete(members, key)
	if len(members) == 0 {
		delete(hub.topics, topic)
	}
}

// Publish sends body as a MESSAGE frame to every subscription on topic and
// returns the number of subscriptions reached.
func (hub *Hub) Publish(topic string, contentType string, body []byte) int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	reached := 0
	for key := range hub.topics[topic] {
		messageID := strconv.FormatUint(hub.sequence.Add(1), 10)
		frame := NewFrame(CommandMessage, body,
			"subscription", key.id,
			"message-id", messageID,
			"destination", topic,
			"content-type", contentType,
		).Encode()
		if !key.owner.deliver(frame) {
			hub.dropped.Add(1)
			hub.logger.Warn("slow subscriber dropped message",
				zap.String("code", "channel.publish.dropped"),
				zap.String("topic", topic))
			continue
		}
		hub.delivered.Add(1)
		reached++
	}
	return reached
}

// SubscriberCount reports the number of subscriptions on topic.
func (hub *Hub) SubscriberCount(topic string) int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.topics[topic])
}

// Stats returns delivered and dropped message counts.
func (hub *Hub) Stats() (delivered int64, dropped int64) {
	return hub.delivered.Load(), hub.dropped.Load()
}
