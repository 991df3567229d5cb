package hub

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesOnlyOwner(t *testing.T) {
	h := New(zerolog.Nop(), nil)
	alice := h.Subscribe(1)
	bob := h.Subscribe(2)
	defer alice.Close()
	defer bob.Close()

	h.Publish(1, Message{Type: "alert", DeviceID: 7})

	select {
	case msg := <-alice.C:
		assert.Equal(t, "alert", msg.Type)
		assert.Equal(t, int64(7), msg.DeviceID)
	default:
		t.Fatal("expected a message for alice")
	}
	assert.Empty(t, bob.C)
}

func TestBroadcastReachesEveryone(t *testing.T) {
	h := New(zerolog.Nop(), nil)
	subs := []*Subscriber{h.Subscribe(1), h.Subscribe(1), h.Subscribe(2)}
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	h.Broadcast(Message{Type: "position"})
	for i, s := range subs {
		require.Len(t, s.C, 1, "subscriber %d", i)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := New(zerolog.Nop(), nil)
	sub := h.Subscribe(1)

	for i := 0; i < SubscriberBuffer+1; i++ {
		h.Publish(1, Message{Type: "position"})
	}
	assert.Equal(t, uint64(1), h.Dropped())

	// The channel is closed after draining the buffered messages.
	for i := 0; i < SubscriberBuffer; i++ {
		_, ok := <-sub.C
		require.True(t, ok)
	}
	_, ok := <-sub.C
	assert.False(t, ok)

	// A healthy subscriber of the same user is unaffected.
	fresh := h.Subscribe(1)
	defer fresh.Close()
	h.Publish(1, Message{Type: "position"})
	assert.Len(t, fresh.C, 1)
}

func TestCloseRemovesSubscriber(t *testing.T) {
	h := New(zerolog.Nop(), nil)
	sub := h.Subscribe(1)
	sub.Close()

	h.Publish(1, Message{Type: "alert"})
	assert.Empty(t, sub.C)
	assert.Zero(t, h.Dropped())
}
