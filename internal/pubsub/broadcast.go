package pubsub

import (
	"context"
	"sync"

	"github.com/kestrelmqtt/kestrel/internal/packet"
)

// ringCapacity bounds how many unread PUBLISH frames a broadcaster retains
// per topic. A subscriber that falls this far behind loses the oldest
// unread frames rather than blocking the publisher; it observes the gap as
// a LaggedError and resumes from the oldest frame still retained.
const ringCapacity = 1024

// broadcaster is a multi-consumer, single-producer-at-a-time fan-out of
// *packet.Publish frames for one topic. It is the Go translation of the
// ring-buffered broadcast channel the broker's original implementation
// built on; no library in this module's dependency graph offers the same
// lag-and-advance semantics, so it is hand-rolled here.
type broadcaster struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   [ringCapacity]*packet.Publish
	next   uint64 // sequence number of the next frame to be written
	closed bool
}

func newBroadcaster() *broadcaster {
	b := &broadcaster{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// send publishes a frame to every current and future subscriber. It never
// blocks: a slow subscriber simply falls behind in the ring.
func (b *broadcaster) send(p *packet.Publish) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring[b.next%ringCapacity] = p
	b.next++
	b.cond.Broadcast()
}

// close marks the broadcaster closed; blocked and future Recv calls return
// ErrClosed. Already-buffered frames remain readable until a subscriber
// catches up past them.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Subscriber reads frames published to one topic, starting from the point
// it subscribed.
type Subscriber struct {
	b      *broadcaster
	cursor uint64
}

func (b *broadcaster) subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscriber{b: b, cursor: b.next}
}

// Recv blocks until a frame is available, the subscriber has lagged, the
// broadcaster is closed, or ctx is done.
func (s *Subscriber) Recv(ctx context.Context) (*packet.Publish, error) {
	b := s.b
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		close(done)
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case <-done:
			return nil, ctx.Err()
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		oldest := uint64(0)
		if b.next > ringCapacity {
			oldest = b.next - ringCapacity
		}
		if s.cursor < oldest {
			skipped := oldest - s.cursor
			s.cursor = oldest
			return nil, &LaggedError{Skipped: skipped}
		}
		if s.cursor < b.next {
			p := b.ring[s.cursor%ringCapacity]
			s.cursor++
			return p, nil
		}
		if b.closed {
			return nil, ErrClosed
		}
		b.cond.Wait()
	}
}
