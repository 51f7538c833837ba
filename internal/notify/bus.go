package notify

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes over Redis pub/sub.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus { return &RedisBus{rdb: rdb} }

func (b *RedisBus) Publish(ctx context.Context, channel, payload string) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// wait for the subscription to be confirmed so no publish after this call is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &redisSubscription{ps: ps, ch: make(chan string, 1)}
	go s.forward()
	return s, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan string
}

func (s *redisSubscription) forward() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- msg.Payload:
		default:
			// a notification is already pending
		}
	}
}

func (s *redisSubscription) C() <-chan string { return s.ch }
func (s *redisSubscription) Close() error     { return s.ps.Close() }

// MemoryBus delivers within the process.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string]map[*memorySubscription]struct{}{}}
}

func (b *MemoryBus) Publish(ctx context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[channel] {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memorySubscription{bus: b, channel: channel, ch: make(chan string, 1)}
	if b.subs[channel] == nil {
		b.subs[channel] = map[*memorySubscription]struct{}{}
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	ch      chan string
	once    sync.Once
}

func (s *memorySubscription) C() <-chan string { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.channel], s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
	return nil
}
