// Package docstore stores versioned singleton documents updated by compare-and-swap.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// newBackOff paces rereads after a lost compare-and-swap.
var newBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Store holds documents by key. A missing document has version 0.
type Store interface {
	Load(ctx context.Context, key string) (data []byte, version int64, err error)
	// CompareAndSwap writes data if the stored version still equals version and reports whether it
	// did. The stored version is incremented on success.
	CompareAndSwap(ctx context.Context, key string, version int64, data []byte) (bool, error)
}

// Get decodes the document at key, returning the zero value when it does not exist.
func Get[T any](ctx context.Context, s Store, key string) (*T, int64, error) {
	data, version, err := s.Load(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("load %s: %w", key, err)
	}
	doc := new(T)
	if len(data) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, 0, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	return doc, version, nil
}

// Update reads the document, applies fn and writes it back, rereading and reapplying fn whenever
// another writer got there first. Lost races are retried until ctx is done; they are never
// returned as errors. fn returns false to leave the document untouched. The returned document is
// the one that was stored, or the current one when fn declined.
func Update[T any](ctx context.Context, s Store, key string, fn func(doc *T) (bool, error)) (*T, error) {
	b := newBackOff()

	for attempt := 1; ; attempt++ {
		doc, version, err := Get[T](ctx, s, key)
		if err != nil {
			return nil, err
		}
		changed, err := fn(doc)
		if err != nil {
			return nil, err
		}
		if !changed {
			return doc, nil
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		ok, err := s.CompareAndSwap(ctx, key, version, data)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", key, err)
		}
		if ok {
			return doc, nil
		}
		log.Debug().Str("key", key).Int("attempt", attempt).Msg("document changed concurrently, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}
