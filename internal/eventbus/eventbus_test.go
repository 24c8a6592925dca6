package eventbus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FIFODelivery(t *testing.T) {
	b := New(zerolog.Nop())
	_, ch := b.Subscribe(nil)

	b.PublishHubState("starting")
	b.PublishHubState("ready")
	b.PublishSubscription(SubtypeConfigChanged, "srv", nil)

	require.Equal(t, "starting", (<-ch).HubState)
	require.Equal(t, "ready", (<-ch).HubState)
	ev := <-ch
	require.Equal(t, TopicSubscriber, ev.Topic)
	assert.Equal(t, SubtypeConfigChanged, ev.Subtype)
}

func TestBus_FilterRestrictsSubtypes(t *testing.T) {
	b := New(zerolog.Nop())
	_, ch := b.Subscribe(AcceptSubtypes(SubtypeToolListChanged))

	b.PublishSubscription(SubtypeConfigChanged, "srv", nil)
	b.PublishSubscription(SubtypeToolListChanged, "srv", nil)
	b.PublishHubState("ready")

	ev := <-ch
	assert.Equal(t, TopicSubscriber, ev.Topic)
	assert.Equal(t, SubtypeToolListChanged, ev.Subtype)

	ev2 := <-ch
	assert.Equal(t, TopicHubState, ev2.Topic)
}

func TestBus_BackpressureDropsSubscriber(t *testing.T) {
	b := New(zerolog.Nop(), WithQueueDepth(1))
	var dropped string
	b2 := New(zerolog.Nop(), WithQueueDepth(1), WithDropHandler(func(id string) { dropped = id }))
	_ = b

	id, ch := b2.Subscribe(nil)
	b2.PublishHubState("one")
	b2.PublishHubState("two") // queue depth 1 already full, this drops the subscriber

	assert.Eventually(t, func() bool { return dropped == id }, time.Second, time.Millisecond)
	assert.Equal(t, 0, b2.Count())
	_, stillOpen := <-ch
	_ = stillOpen // channel closed on drop; draining is safe either way
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := New(zerolog.Nop())
	id, _ := b.Subscribe(nil)
	b.Unsubscribe(id)
	assert.NotPanics(t, func() { b.Unsubscribe(id) })
	assert.Equal(t, 0, b.Count())
}
