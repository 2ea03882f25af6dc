// Package pubsub implements the broker's topic registry: a lazily
// allocated, bounded broadcast channel per topic, and the subscriber
// handles that read from them.
package pubsub

import (
	"sync"

	"github.com/kestrelmqtt/kestrel/internal/packet"
)

// Registry maps topic names to their broadcaster, creating one on first
// subscribe and fanning PUBLISH frames out through it on dispatch.
type Registry struct {
	mu    sync.RWMutex
	topic map[string]*broadcaster
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{topic: make(map[string]*broadcaster)}
}

// Dispatch enqueues p for delivery to every current subscriber of topic. If
// no broadcaster exists for topic — nobody has ever subscribed — this is a
// no-op: there is nothing to deliver to and nothing is persisted.
func (r *Registry) Dispatch(topic string, p *packet.Publish) {
	r.mu.RLock()
	b := r.topic[topic]
	r.mu.RUnlock()
	if b == nil {
		return
	}
	b.send(p)
}

// Subscribe returns a Subscriber bound to topic, allocating the
// broadcaster on first use.
func (r *Registry) Subscribe(topic string) *Subscriber {
	r.mu.RLock()
	b := r.topic[topic]
	r.mu.RUnlock()
	if b != nil {
		return b.subscribe()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b = r.topic[topic]
	if b == nil {
		b = newBroadcaster()
		r.topic[topic] = b
	}
	return b.subscribe()
}

// Remove drops the broadcaster for topic. In-flight subscribers observe
// ErrClosed on their next Recv once they drain what is already buffered.
func (r *Registry) Remove(topic string) {
	r.mu.Lock()
	b := r.topic[topic]
	delete(r.topic, topic)
	r.mu.Unlock()
	if b != nil {
		b.close()
	}
}
