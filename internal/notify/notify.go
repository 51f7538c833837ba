// Package notify carries "stream updated" notifications between the poller and subscribers.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Subscription interface {
	C() <-chan string
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type watch struct {
	sub     Subscription
	waiters map[chan struct{}]struct{}
}

// Hub shares one bus subscription per stream between every waiter of that stream.
type Hub struct {
	bus    Bus
	prefix string

	mu      sync.Mutex
	watches map[string]*watch
}

func NewHub(bus Bus, prefix string) *Hub {
	return &Hub{bus: bus, prefix: prefix, watches: map[string]*watch{}}
}

func (h *Hub) channel(stream string) string { return h.prefix + stream }

// Notify tells every waiter of stream, in any process sharing the bus, that it changed.
func (h *Hub) Notify(ctx context.Context, stream string) error {
	return h.bus.Publish(ctx, h.channel(stream), stream)
}

// Wait blocks until stream is notified, timeout elapses or ctx is done. It reports whether a
// notification arrived.
func (h *Hub) Wait(ctx context.Context, stream string, timeout time.Duration) (bool, error) {
	ch, err := h.register(ctx, stream)
	if err != nil {
		return false, err
	}
	defer h.unregister(stream, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// register adds a waiter for stream. The bus subscription is made without holding the hub lock;
// when another waiter installed one first the extra subscription is closed.
func (h *Hub) register(ctx context.Context, stream string) (chan struct{}, error) {
	ch := make(chan struct{})
	var sub Subscription
	for {
		h.mu.Lock()
		w, ok := h.watches[stream]
		switch {
		case ok && sub == nil:
			w.waiters[ch] = struct{}{}
			h.mu.Unlock()
			return ch, nil
		case !ok && sub != nil:
			w = &watch{sub: sub, waiters: map[chan struct{}]struct{}{ch: {}}}
			h.watches[stream] = w
			h.mu.Unlock()
			go h.pump(stream, w)
			return ch, nil
		}
		h.mu.Unlock()

		if sub != nil {
			h.closeSubscription(stream, sub)
			sub = nil
			continue
		}
		var err error
		if sub, err = h.bus.Subscribe(ctx, h.channel(stream)); err != nil {
			return nil, err
		}
	}
}

func (h *Hub) unregister(stream string, ch chan struct{}) {
	h.mu.Lock()
	w, ok := h.watches[stream]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(w.waiters, ch)
	var idle Subscription
	if len(w.waiters) == 0 {
		delete(h.watches, stream)
		idle = w.sub
	}
	h.mu.Unlock()
	if idle != nil {
		h.closeSubscription(stream, idle)
	}
}

func (h *Hub) closeSubscription(stream string, sub Subscription) {
	if err := sub.Close(); err != nil {
		log.Warn().Err(err).Str("stream", stream).Msg("close stream subscription")
	}
}

func (h *Hub) pump(stream string, w *watch) {
	for range w.sub.C() {
		h.mu.Lock()
		for ch := range w.waiters {
			close(ch)
			delete(w.waiters, ch)
		}
		h.mu.Unlock()
	}
}

// Waiters returns the number of goroutines waiting on stream.
func (h *Hub) Waiters(stream string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watches[stream]; ok {
		return len(w.waiters)
	}
	return 0
}
