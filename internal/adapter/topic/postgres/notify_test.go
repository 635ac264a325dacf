package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyRegistry_FanOut(t *testing.T) {
	key := hubKey{topic: "fanout", schema: "sim_fanout"}
	a := registry.subscribe(key, 2)
	b := registry.subscribe(key, 2)
	defer a.Close()
	defer b.Close()

	registry.offer(key, 11)

	for _, sub := range []*subscriber{a, b} {
		select {
		case id := <-sub.Events():
			assert.Equal(t, int64(11), id)
		default:
			t.Fatal("every subscriber gets its own copy of the event")
		}
	}
}

func TestNotifyRegistry_FullQueueDropsWithoutBlocking(t *testing.T) {
	key := hubKey{topic: "full", schema: "sim_full"}
	s := registry.subscribe(key, 1)
	defer s.Close()

	registry.offer(key, 1)
	registry.offer(key, 2) // dropped, must not block

	select {
	case id := <-s.Events():
		assert.Equal(t, int64(1), id)
	default:
		t.Fatal("first event should be buffered")
	}
	select {
	case id := <-s.Events():
		t.Fatalf("unexpected buffered event %d", id)
	default:
	}
}

func TestNotifyRegistry_OfferWithoutSubscribersIsNoop(t *testing.T) {
	registry.offer(hubKey{topic: "nobody", schema: "sim_nobody"}, 99)
}

func TestNotifyRegistry_LastCloseDropsHub(t *testing.T) {
	key := hubKey{topic: "drop", schema: "sim_drop"}
	a := registry.subscribe(key, 1)
	b := registry.subscribe(key, 1)

	a.Close()
	registry.mu.Lock()
	_, stillThere := registry.hubs[key]
	registry.mu.Unlock()
	require.True(t, stillThere)

	b.Close()
	registry.mu.Lock()
	_, stillThere = registry.hubs[key]
	registry.mu.Unlock()
	assert.False(t, stillThere)

	// Closing twice is harmless.
	a.Close()
}
