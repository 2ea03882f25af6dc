package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmqtt/kestrel/internal/packet"
)

func TestDispatchToSubscriberAtMostOnce(t *testing.T) {
	r := NewRegistry()
	sub := r.Subscribe("a/b")

	p := &packet.Publish{Topic: "a/b", Raw: []byte("hello")}
	r.Dispatch("a/b", p)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Same(t, p, got)
}

func TestFanOutLocality(t *testing.T) {
	r := NewRegistry()
	subA := r.Subscribe("a")
	subB := r.Subscribe("b")

	r.Dispatch("a", &packet.Publish{Topic: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := subA.Recv(ctx)
	require.NoError(t, err)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = subB.Recv(ctx2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchWithNoSubscriberIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.NotPanics(t, func() {
		r.Dispatch("nobody/listening", &packet.Publish{Topic: "nobody/listening"})
	})
}

func TestMultipleSubscribersEachReceiveOne(t *testing.T) {
	r := NewRegistry()
	subs := make([]*Subscriber, 3)
	for i := range subs {
		subs[i] = r.Subscribe("t")
	}
	r.Dispatch("t", &packet.Publish{Topic: "t"})

	for _, s := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := s.Recv(ctx)
		cancel()
		require.NoError(t, err)
	}
}

func TestSubscriberLagReportsSkippedCount(t *testing.T) {
	r := NewRegistry()
	sub := r.Subscribe("t")

	for i := 0; i < ringCapacity+5; i++ {
		r.Dispatch("t", &packet.Publish{Topic: "t"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.Recv(ctx)
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.EqualValues(t, 5, lagged.Skipped)

	// the stream continues after a lag event
	_, err = sub.Recv(ctx)
	assert.NoError(t, err)
}

func TestRemoveClosesSubscriber(t *testing.T) {
	r := NewRegistry()
	sub := r.Subscribe("t")
	r.Remove("t")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecvRespectsContextCancellation(t *testing.T) {
	r := NewRegistry()
	sub := r.Subscribe("t")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
