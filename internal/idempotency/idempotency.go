// Package idempotency implements the admission pipeline's duplicate-request
// suppression: replaying the original Ack for a retried request instead of
// appending its records a second time. Entries are keyed by token +
// X-Idempotency-Key and bounded to a 15-minute window via an expirable
// LRU, since they must age out on their own rather than on capacity
// pressure alone.
package idempotency

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/loggate/ingestgw/internal/wal"
)

const (
	window     = 15 * time.Minute
	maxEntries = 100_000
)

// Cache deduplicates concurrent and retried ingest requests sharing the
// same token and idempotency key. A single in-flight request is ever
// charged against the WAL; any concurrent duplicate blocks on
// singleflight and then replays the same Ack.
type Cache struct {
	entries *expirable.LRU[string, wal.Ack]
	group   singleflight.Group
}

// New constructs a Cache with the standard 15-minute window.
func New() *Cache {
	return &Cache{entries: expirable.NewLRU[string, wal.Ack](maxEntries, nil, window)}
}

func key(token, idempotencyKey string) string {
	return token + "\x00" + idempotencyKey
}

// Do runs fn at most once per (token, idempotencyKey) within the window,
// regardless of how many goroutines call Do concurrently for the same key,
// and replays its Ack to every caller including retries that arrive after
// fn has already completed. idempotencyKey == "" disables deduplication
// (every call runs fn); the header is optional.
func (c *Cache) Do(token, idempotencyKey string, fn func() (wal.Ack, error)) (wal.Ack, error) {
	if idempotencyKey == "" {
		return fn()
	}
	k := key(token, idempotencyKey)

	if ack, ok := c.entries.Get(k); ok {
		return ack, nil
	}

	v, err, _ := c.group.Do(k, func() (interface{}, error) {
		if ack, ok := c.entries.Get(k); ok {
			return ack, nil
		}
		ack, err := fn()
		if err != nil {
			return wal.Ack{}, err
		}
		c.entries.Add(k, ack)
		return ack, nil
	})
	if err != nil {
		return wal.Ack{}, err
	}
	return v.(wal.Ack), nil
}

// Len reports the number of tracked idempotency keys, for tests and admin
// status.
func (c *Cache) Len() int {
	return c.entries.Len()
}
