// Package cache defines the shared store contract used by the proxy and the
// envelope its responses are stored in.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Interface is the key/value contract of the cache backend. Get reports a miss as
// (nil, false, nil).
type Interface interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Entry is what a cache value decodes to. Body is base64 in the stored JSON.
type Entry struct {
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	FetchedAt   time.Time `json:"fetched_at"`
}

var ErrCorruptEntry = errors.New("corrupt cache entry")

func EncodeEntry(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return b, nil
}

func DecodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	if e.Body == nil {
		e.Body = []byte{}
	}
	return e, nil
}

type timeoutStore struct {
	next Interface
	d    time.Duration
}

// WithTimeout bounds every call on next by d. Calls run on a context detached
// from the caller's cancellation, so a client disconnect cannot abort a write
// other requests will read.
func WithTimeout(next Interface, d time.Duration) Interface {
	if d <= 0 {
		return next
	}
	return &timeoutStore{next: next, d: d}
}

func (t *timeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), t.d)
}

func (t *timeoutStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.next.Get(ctx, key)
}

func (t *timeoutStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.next.Set(ctx, key, val, ttl)
}

func (t *timeoutStore) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.next.Del(ctx, keys...)
}

func (t *timeoutStore) Ping(ctx context.Context) error {
	p, ok := t.next.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return p.Ping(ctx)
}
