// Package coordinator runs the cache-aside flow for one proxied request:
// authenticate, derive the key, look up the cache, coalesce concurrent misses
// into one upstream fetch and write the result through.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ternlabs/osm-proxy/internal/auth"
	"github.com/ternlabs/osm-proxy/internal/cache"
	"github.com/ternlabs/osm-proxy/internal/cache/keys"
	"github.com/ternlabs/osm-proxy/internal/core/model"
	"github.com/ternlabs/osm-proxy/internal/core/observability"
	"github.com/ternlabs/osm-proxy/internal/inflight"
	"github.com/ternlabs/osm-proxy/internal/upstream"
)

type Authenticator interface {
	Authenticate(presented string) auth.Result
}

// Recorder indexes a freshly cached key by its spatial footprint.
type Recorder interface {
	Record(ctx context.Context, key string, area model.BBox, ttl time.Duration) error
}

// Outcome is the terminal result of one request.
type Outcome struct {
	State State
	// Trace lists every state visited, terminal included.
	Trace []State

	ContentType string
	Body        []byte
	Cache       CacheStatus
	Coalesced   bool

	// KeyDigest is empty when the request bypassed the cache.
	KeyDigest string
	// Reason is the auth rejection reason for Unauthorized.
	Reason string
	// Err is set for Failed. Upstream and cancellation failures are
	// *upstream.Error; anything else is internal.
	Err error
}

type Options struct {
	Gate     Authenticator
	Upstream upstream.Fetcher
	// Cache nil turns the coordinator into a plain authenticated forwarder.
	Cache cache.Interface
	TTL   time.Duration
	// Index is optional.
	Index  Recorder
	Logger *slog.Logger
	Now    func() time.Time
}

type Coordinator struct {
	gate  Authenticator
	up    upstream.Fetcher
	cache cache.Interface
	ttl   time.Duration
	index Recorder
	log   *slog.Logger
	now   func() time.Time
	group *inflight.Group[cache.Entry]

	// background runs index writes off the request path.
	background func(func())
}

func New(opts Options) (*Coordinator, error) {
	if opts.Gate == nil {
		return nil, errors.New("coordinator: auth gate is required")
	}
	if opts.Upstream == nil {
		return nil, errors.New("coordinator: upstream is required")
	}
	if opts.Cache != nil && opts.TTL <= 0 {
		return nil, fmt.Errorf("coordinator: cache ttl must be > 0, got %v", opts.TTL)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		gate:  opts.Gate,
		up:    opts.Upstream,
		cache: opts.Cache,
		ttl:   opts.TTL,
		index: opts.Index,
		log:   opts.Logger.With("component", "coordinator"),
		now:   opts.Now,
		group: inflight.New[cache.Entry](),

		background: func(f func()) { go f() },
	}, nil
}

// Handle drives req through the machine until it reaches a terminal state.
func (c *Coordinator) Handle(ctx context.Context, req model.Request) Outcome {
	m := &machine{c: c, req: req}
	s := Authenticating
	for !s.Terminal() {
		m.out.Trace = append(m.out.Trace, s)
		s = m.step(ctx, s)
	}
	m.out.Trace = append(m.out.Trace, s)
	m.out.State = s
	return m.out
}

type machine struct {
	c   *Coordinator
	req model.Request
	key keys.Key
	out Outcome

	// set by Coalescing when this request owns the fetch
	flight *inflight.Flight[cache.Entry]
}

func (m *machine) step(ctx context.Context, s State) State {
	switch s {
	case Authenticating:
		return m.authenticate()
	case KeyDerivation:
		return m.derive(ctx)
	case CacheLookup:
		return m.lookup(ctx)
	case Coalescing:
		return m.coalesce(ctx)
	case Fetching:
		return m.settle(m.flight.Run(ctx))
	case Uncached:
		return m.uncached(ctx)
	}
	m.out.Err = fmt.Errorf("coordinator: unexpected state %s", s)
	return Failed
}

func (m *machine) authenticate() State {
	res := m.c.gate.Authenticate(m.req.APIKey)
	if !res.Authorized {
		m.out.Reason = res.Reason
		return Unauthorized
	}
	return KeyDerivation
}

func (m *machine) derive(ctx context.Context) State {
	if m.c.cache == nil {
		return Uncached
	}
	k, err := keys.Derive(m.req.Path, m.req.RawQuery)
	if err != nil {
		m.c.log.DebugContext(ctx, "bypassing cache", "path", m.req.Path, "err", err)
		return Uncached
	}
	m.key = k
	m.out.KeyDigest = k.Digest
	return CacheLookup
}

// lookup treats every backend problem as a miss.
func (m *machine) lookup(ctx context.Context) State {
	raw, ok, err := m.c.cache.Get(ctx, m.key.Store)
	switch {
	case err != nil:
		observability.IncCacheResult("error")
		m.c.log.WarnContext(ctx, "cache read failed, fetching upstream", "key", m.key.Digest, "err", err)
		return Coalescing
	case !ok:
		observability.IncCacheResult("miss")
		return Coalescing
	}
	e, err := cache.DecodeEntry(raw)
	if err != nil {
		observability.IncCacheResult("corrupt")
		m.c.log.WarnContext(ctx, "discarding corrupt cache entry", "key", m.key.Digest, "err", err)
		return Coalescing
	}
	observability.IncCacheResult("hit")
	m.out.Cache = StatusHit
	m.serve(e)
	return Serving
}

// coalesce registers for the single fetch of this key. The owner moves on to
// Fetching, which runs it; a waiter resolves directly with the shared result.
func (m *machine) coalesce(ctx context.Context) State {
	f, e, err := m.c.group.Join(ctx, m.key.Store, m.fill)
	if f != nil {
		m.flight = f
		return Fetching
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		m.out.Err = &upstream.Error{Kind: upstream.KindCanceled, Err: err}
		return Failed
	}
	m.out.Coalesced = true
	observability.IncCoalesced()
	return m.settle(e, err)
}

// fill runs once per key among concurrent callers, on a context detached from
// the owner. Waiters are released after the entry write; the cell index is
// written in the background.
func (m *machine) fill(ctx context.Context) (cache.Entry, error) {
	resp, err := m.c.up.Fetch(ctx, m.req)
	if err != nil {
		return cache.Entry{}, err
	}
	e := cache.Entry{ContentType: resp.ContentType, Body: resp.Body, FetchedAt: m.c.now().UTC()}
	m.store(ctx, e)
	return e, nil
}

func (m *machine) store(ctx context.Context, e cache.Entry) {
	raw, err := cache.EncodeEntry(e)
	if err != nil {
		m.c.log.WarnContext(ctx, "cache entry not encodable", "key", m.key.Digest, "err", err)
		return
	}
	if err := m.c.cache.Set(ctx, m.key.Store, raw, m.c.ttl); err != nil {
		m.c.log.WarnContext(ctx, "cache write failed", "key", m.key.Digest, "err", err)
		return
	}
	if m.c.index == nil || m.key.Footprint == nil {
		return
	}
	key, area := m.key, *m.key.Footprint
	m.c.background(func() {
		if err := m.c.index.Record(ctx, key.Store, area, m.c.ttl); err != nil {
			m.c.log.WarnContext(ctx, "cell index record failed", "key", key.Digest, "err", err)
		}
	})
}

func (m *machine) uncached(ctx context.Context) State {
	m.out.Cache = StatusBypass
	observability.IncCacheResult("bypass")
	resp, err := m.c.up.Fetch(ctx, m.req)
	if err != nil {
		return m.settle(cache.Entry{}, err)
	}
	m.serve(cache.Entry{ContentType: resp.ContentType, Body: resp.Body})
	return Serving
}

func (m *machine) settle(e cache.Entry, err error) State {
	if err != nil {
		var ue *upstream.Error
		if !errors.As(err, &ue) && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			err = &upstream.Error{Kind: upstream.KindCanceled, Err: err}
		}
		m.out.Err = err
		return Failed
	}
	if m.out.Cache == "" {
		m.out.Cache = StatusMiss
	}
	m.serve(e)
	return Serving
}

func (m *machine) serve(e cache.Entry) {
	m.out.ContentType = e.ContentType
	m.out.Body = e.Body
}
