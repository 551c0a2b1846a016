package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFansOut(t *testing.T) {
	bus := NewBus()
	ch1, unsub1 := bus.Subscribe(8)
	ch2, unsub2 := bus.Subscribe(8)
	defer unsub1()
	defer unsub2()

	bus.Publish(TypePageExplored, "https://x.test/", map[string]any{"score": 90})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := <-ch
		assert.Equal(t, TypePageExplored, ev.Type)
		assert.Equal(t, "https://x.test/", ev.Subject)
		assert.Equal(t, 90, ev.Detail["score"])
		assert.False(t, ev.At.IsZero())
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(TypeIntelSaved, "first", nil)
	bus.Publish(TypeIntelSaved, "second", nil)
	bus.Publish(TypeIntelSaved, "third", nil)

	ev := <-ch
	assert.Equal(t, "first", ev.Subject)
	select {
	case extra := <-ch:
		t.Fatalf("expected overflow drop, got %q", extra.Subject)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)

	unsub()
	unsub() // idempotent

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(TypeCrawlFinished, "done", nil)
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish(TypeCrawlStarted, "nobody listening", nil)
}
