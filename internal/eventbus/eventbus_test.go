package eventbus

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajfrai/agent-queue/internal/store"
)

func newTestBus(t *testing.T) *Bus {
	dbPath := "/tmp/agent-queue-eventbus-test-" + time.Now().Format("20060102150405.000000000") + ".db"
	st, err := store.New(dbPath, zerolog.New(os.Stderr))
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	})
	return New(st, zerolog.New(os.Stderr))
}

func TestPublish_PersistsEvenWithNoSubscribers(t *testing.T) {
	bus := newTestBus(t)

	id, err := bus.Publish("task.created", "task", "1", nil)
	require.NoError(t, err)
	assert.NotZero(t, id)

	events, err := bus.store.ListEvents(store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task.created", events[0].EventType)
}

func TestSubscribe_OnlyReceivesEventsAfterSubscribing(t *testing.T) {
	bus := newTestBus(t)

	_, err := bus.Publish("task.created", "task", "1", nil)
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	_, err = bus.Publish("task.assessed", "task", "1", nil)
	require.NoError(t, err)

	select {
	case evt := <-sub.Events:
		assert.Equal(t, "task.assessed", evt.EventType)
	case <-time.After(time.Second):
		t.Fatal("expected to receive the post-subscribe event")
	}

	select {
	case evt := <-sub.Events:
		t.Fatalf("unexpected second event: %+v", evt)
	default:
	}
}

func TestPublish_DropsForFullSubscriberWithoutBlocking(t *testing.T) {
	bus := newTestBus(t)
	bus.bufferSize = 1
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_, err := bus.Publish("heartbeat.tick", "heartbeat", "0", nil)
			assert.NoError(t, err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	bus := newTestBus(t)
	sub := bus.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())
}
