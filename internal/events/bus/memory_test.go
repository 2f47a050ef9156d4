package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("job.completed", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	event := NewEvent("job.completed", "test", map[string]interface{}{"job_id": "j1"})
	require.NoError(t, b.Publish(context.Background(), "job.completed", event))

	select {
	case got := <-received:
		assert.Equal(t, "j1", got.Data["job_id"])
		assert.Equal(t, "test", got.Source)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var star, arrow atomic.Int64
	_, err := b.Subscribe("job.*", func(_ context.Context, e *Event) error {
		star.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("workflow.>", func(_ context.Context, e *Event) error {
		arrow.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "job.completed", NewEvent("job.completed", "test", nil)))
	require.NoError(t, b.Publish(ctx, "workflow.instance.started", NewEvent("workflow.instance.started", "test", nil)))
	require.NoError(t, b.Publish(ctx, "agent.ready", NewEvent("agent.ready", "test", nil)))

	assert.Eventually(t, func() bool {
		return star.Load() == 1 && arrow.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBusOrderPreserved(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	_, err := b.Subscribe("seq", func(_ context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e.Data["n"].(string))
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	want := []string{"1", "2", "3", "4", "5"}
	for _, n := range want {
		require.NoError(t, b.Publish(context.Background(), "seq", NewEvent("seq", "test", map[string]interface{}{"n": n})))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var count atomic.Int64
	sub, err := b.Subscribe("topic", func(_ context.Context, e *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "topic", NewEvent("topic", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, count.Load())
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var total atomic.Int64
	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe("work", "pool", func(_ context.Context, e *Event) error {
			total.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(context.Background(), "work", NewEvent("work", "test", nil)))
	}

	assert.Eventually(t, func() bool { return total.Load() == 6 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(6), total.Load())
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "topic", NewEvent("topic", "test", nil)))
	_, err := b.Subscribe("topic", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}
