// Package session implements the broker's per-client session state: the set
// of topic subscriptions a non-clean-session client keeps across reconnects,
// and the pluggable stores that persist it.
package session

import (
	"sync"

	"github.com/kestrelmqtt/kestrel/internal/packet"
)

// Session is the set of subscriptions held by one client_id. Equality of a
// subscription considers topic only — a repeated SUBSCRIBE for an existing
// topic overwrites the stored QoS.
type Session struct {
	mu   sync.Mutex
	subs map[string]packet.Qos
}

// New returns an empty Session.
func New() *Session {
	return &Session{subs: make(map[string]packet.Qos)}
}

// Add inserts or overwrites the subscription for topic.
func (s *Session) Add(topic string, qos packet.Qos) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[topic] = qos
}

// Remove drops the subscription for topic, if present.
func (s *Session) Remove(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, topic)
}

// Topics returns a snapshot of the currently subscribed topics.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.subs))
	for t := range s.subs {
		topics = append(topics, t)
	}
	return topics
}

// Len reports how many subscriptions the session currently holds.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// snapshot is the serializable form of a Session, used by persistent
// backends (PebbleStore, RedisStore).
type snapshot struct {
	Subscriptions map[string]packet.Qos `json:"subscriptions"`
}

func (s *Session) toSnapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make(map[string]packet.Qos, len(s.subs))
	for k, v := range s.subs {
		subs[k] = v
	}
	return snapshot{Subscriptions: subs}
}

func fromSnapshot(snap snapshot) *Session {
	subs := snap.Subscriptions
	if subs == nil {
		subs = make(map[string]packet.Qos)
	}
	return &Session{subs: subs}
}
