package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubWakesAllWaiters(t *testing.T) {
	hub := NewHub(NewMemoryBus(), "stream:")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := hub.Wait(ctx, "ue5-main", 5*time.Second)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	require.Eventually(t, func() bool { return hub.Waiters("ue5-main") == 3 }, time.Second, time.Millisecond)

	require.NoError(t, hub.Notify(ctx, "ue5-main"))
	wg.Wait()
	close(results)
	for ok := range results {
		assert.True(t, ok)
	}
	assert.Equal(t, 0, hub.Waiters("ue5-main"))
}

func TestHubSharesOneSubscription(t *testing.T) {
	bus := NewMemoryBus()
	hub := NewHub(bus, "stream:")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = hub.Wait(ctx, "s", time.Minute)
			done <- struct{}{}
		}()
	}
	require.Eventually(t, func() bool { return hub.Waiters("s") == 2 }, time.Second, time.Millisecond)
	bus.mu.Lock()
	assert.Len(t, bus.subs["stream:s"], 1)
	bus.mu.Unlock()

	cancel()
	<-done
	<-done
	bus.mu.Lock()
	assert.Len(t, bus.subs["stream:s"], 0, "last waiter closes the subscription")
	bus.mu.Unlock()
}

func TestHubTimeoutAndCancel(t *testing.T) {
	hub := NewHub(NewMemoryBus(), "")

	ok, err := hub.Wait(context.Background(), "s", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err = hub.Wait(ctx, "s", time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHubOtherStreamsUnaffected(t *testing.T) {
	hub := NewHub(NewMemoryBus(), "")
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Eventually(t, func() bool { return hub.Waiters("a") == 1 }, time.Second, time.Millisecond)
		_ = hub.Notify(ctx, "b")
	}()
	ok, err := hub.Wait(ctx, "a", 500*time.Millisecond)
	<-done
	require.NoError(t, err)
	assert.False(t, ok)
}

// gatedBus holds subscriptions to the "slow" channel until gate is closed.
type gatedBus struct {
	*MemoryBus
	gate    chan struct{}
	entered chan struct{}
}

func (b *gatedBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if channel == "slow" {
		b.entered <- struct{}{}
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.MemoryBus.Subscribe(ctx, channel)
}

func TestHubSlowSubscribeDoesNotBlockOtherStreams(t *testing.T) {
	bus := &gatedBus{MemoryBus: NewMemoryBus(), gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	hub := NewHub(bus, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := make(chan error, 1)
	go func() {
		_, err := hub.Wait(ctx, "slow", time.Minute)
		slow <- err
	}()
	<-bus.entered

	fast := make(chan bool, 1)
	go func() {
		ok, err := hub.Wait(ctx, "fast", 5*time.Second)
		assert.NoError(t, err)
		fast <- ok
	}()
	require.Eventually(t, func() bool { return hub.Waiters("fast") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, hub.Notify(ctx, "fast"))
	select {
	case ok := <-fast:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter on fast was not woken")
	}

	close(bus.gate)
	require.Eventually(t, func() bool { return hub.Waiters("slow") == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-slow, context.Canceled)
}

func TestHubConcurrentFirstWaitersKeepOneSubscription(t *testing.T) {
	bus := NewMemoryBus()
	hub := NewHub(bus, "")
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = hub.Wait(ctx, "s", time.Minute)
		}()
	}
	require.Eventually(t, func() bool { return hub.Waiters("s") == 8 }, time.Second, time.Millisecond)
	bus.mu.Lock()
	assert.Len(t, bus.subs["s"], 1)
	bus.mu.Unlock()

	cancel()
	wg.Wait()
	bus.mu.Lock()
	assert.Len(t, bus.subs["s"], 0)
	bus.mu.Unlock()
}

func TestRedisBus(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	hub := NewHub(NewRedisBus(rdb), "depotmirror:test:stream:")
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Eventually(t, func() bool { return hub.Waiters("s") == 1 }, time.Second, time.Millisecond)
		_ = hub.Notify(ctx, "s")
	}()
	ok, err := hub.Wait(ctx, "s", 5*time.Second)
	<-done
	require.NoError(t, err)
	assert.True(t, ok)
}
