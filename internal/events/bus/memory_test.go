package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eenlars/alive-sub006/internal/common/logger"
	"github.com/eenlars/alive-sub006/internal/events/bus"
)

func collectInto(mu *sync.Mutex, got *[]string) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		*got = append(*got, event.Type)
		return nil
	}
}

func TestMemoryBus_PublishReachesMatchingSubscriber(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe("pool.worker:ready", collectInto(&mu, &got))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "pool.worker:ready", bus.NewEvent("worker:ready", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "pool.worker:idle", bus.NewEvent("worker:idle", "test", nil)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"worker:ready"}, got)
	mu.Unlock()
}

func TestMemoryBus_WildcardPatterns(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var star, tail []string
	_, err := b.Subscribe("pool.*", collectInto(&mu, &star))
	require.NoError(t, err)
	_, err = b.Subscribe("pool.>", collectInto(&mu, &tail))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "pool.worker:spawned", bus.NewEvent("worker:spawned", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "pool.deep.nested", bus.NewEvent("nested", "test", nil)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(star) == 1 && len(tail) == 2
	}, time.Second, 5*time.Millisecond, `"*" matches one token, ">" matches the rest`)
}

func TestMemoryBus_QueueGroupRoundRobins(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	member := func(name string) bus.EventHandler {
		return func(ctx context.Context, event *bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			counts[name]++
			return nil
		}
	}

	_, err := b.QueueSubscribe("pool.>", "scrapers", member("m1"))
	require.NoError(t, err)
	_, err = b.QueueSubscribe("pool.>", "scrapers", member("m2"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), "pool.request:completed", bus.NewEvent("request:completed", "test", nil)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["m1"]+counts["m2"] == 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, counts["m1"], "each group member takes every other event")
	assert.Equal(t, 2, counts["m2"])
	mu.Unlock()
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	sub, err := b.Subscribe("pool.>", collectInto(&mu, &got))
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "pool.worker:ready", bus.NewEvent("worker:ready", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, got)
	mu.Unlock()
}

func TestMemoryBus_ClosedBusRejectsPublish(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	require.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "pool.worker:ready", bus.NewEvent("worker:ready", "test", nil)))
}
