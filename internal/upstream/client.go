// Package upstream forwards proxied queries to the map-data provider with a
// bounded retry budget and classifies every failure.
package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternlabs/osm-proxy/internal/core/config"
	"github.com/ternlabs/osm-proxy/internal/core/httpclient"
	"github.com/ternlabs/osm-proxy/internal/core/model"
	"github.com/ternlabs/osm-proxy/internal/core/observability"
)

// header the proxy authenticates its own callers with; never sent upstream
const proxyKeyHeader = "x-api-key"

// Response is a successful (2xx) upstream reply.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Fetcher is what the coordinator needs from the upstream side.
type Fetcher interface {
	Fetch(ctx context.Context, req model.Request) (Response, error)
}

type Options struct {
	BaseURL string
	// Timeout bounds each attempt, including reading the body.
	Timeout time.Duration
	Retry   RetryConfig
	MaxBody int64

	CredentialHeader string
	Credential       string
	UserAgent        string

	HTTPClient *http.Client
	Sleep      Sleeper
	Rand       func() float64
	Logger     *slog.Logger
}

// OptionsFromConfig maps the upstream section of the service config.
func OptionsFromConfig(c config.UpstreamCfg) Options {
	return Options{
		BaseURL: c.URL,
		Timeout: c.Timeout,
		Retry: RetryConfig{
			MaxAttempts:       c.MaxAttempts,
			InitialBackoff:    c.BackoffInitial,
			MaxBackoff:        c.BackoffMax,
			BackoffMultiplier: 2.0,
		},
		MaxBody:          c.MaxBody,
		CredentialHeader: c.APIKeyHeader,
		Credential:       c.APIKey,
		UserAgent:        c.UserAgent,
	}
}

type Client struct {
	base  *url.URL
	opts  Options
	retry RetryConfig
	http  *http.Client
	log   *slog.Logger
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = 16 << 20
	}
	if opts.Sleep == nil {
		opts.Sleep = realSleep
	}
	if opts.Rand == nil {
		opts.Rand = defaultRand
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = httpclient.NewOutbound(opts.Timeout)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:  u,
		opts:  opts,
		retry: opts.Retry.withDefaults(),
		http:  hc,
		log:   log.With("component", "upstream"),
	}, nil
}

// Fetch issues req upstream. Transient failures (network, timeout, 5xx, 429)
// are retried up to the attempt budget; anything else returns at once.
func (c *Client) Fetch(ctx context.Context, req model.Request) (Response, error) {
	var (
		lastStatus int
		lastErr    error
	)
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		start := time.Now()
		resp, cl, err := c.attempt(ctx, req)
		observability.ObserveUpstreamLatency("osm", time.Since(start).Seconds())

		if cl == classNone {
			observability.IncUpstreamResult("success")
			if attempt > 1 {
				c.log.InfoContext(ctx, "upstream succeeded after retry", "attempt", attempt)
			}
			return resp, nil
		}
		if resp.Status != 0 {
			lastStatus = resp.Status
		}
		lastErr = err

		if ctx.Err() != nil {
			observability.IncUpstreamResult("canceled")
			return Response{}, &Error{Kind: KindCanceled, Status: lastStatus, Attempts: attempt, Err: ctx.Err()}
		}
		switch cl {
		case classClient:
			observability.IncUpstreamResult("client_fault")
			return Response{}, &Error{Kind: KindClientFault, Status: lastStatus, Attempts: attempt, Err: err}
		case classTooLarge:
			observability.IncUpstreamResult("too_large")
			return Response{}, &Error{Kind: KindTooLarge, Status: lastStatus, Attempts: attempt, Err: err}
		}

		if attempt >= c.retry.MaxAttempts {
			break
		}
		observability.IncUpstreamRetry(string(cl))
		wait := c.retry.backoff(attempt, c.opts.Rand)
		c.log.WarnContext(ctx, "upstream transient failure, retrying",
			"class", string(cl), "status", resp.Status, "attempt", attempt, "backoff", wait, "err", err)

		if serr := c.opts.Sleep(ctx, wait); serr != nil {
			observability.IncUpstreamResult("canceled")
			return Response{}, &Error{Kind: KindCanceled, Status: lastStatus, Attempts: attempt, Err: serr}
		}
	}

	observability.IncUpstreamResult("exhausted")
	c.log.ErrorContext(ctx, "upstream retries exhausted",
		"attempts", c.retry.MaxAttempts, "status", lastStatus, "err", lastErr)
	return Response{}, &Error{Kind: KindExhausted, Status: lastStatus, Attempts: c.retry.MaxAttempts, Err: lastErr}
}

// attempt performs one round trip. The returned Response carries the status
// even on failure.
func (c *Client) attempt(ctx context.Context, req model.Request) (Response, class, error) {
	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(actx, http.MethodGet, c.target(req), nil)
	if err != nil {
		return Response{}, classClient, fmt.Errorf("build upstream request: %w", err)
	}
	if req.Accept != "" {
		hreq.Header.Set("Accept", req.Accept)
	}
	if c.opts.UserAgent != "" {
		hreq.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if c.opts.Credential != "" && c.opts.CredentialHeader != "" {
		hreq.Header.Set(c.opts.CredentialHeader, c.opts.Credential)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return Response{}, classNetwork, fmt.Errorf("upstream GET: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := Response{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
	if cl := classifyStatus(resp.StatusCode); cl != classNone {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return out, cl, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBody+1))
	if err != nil {
		// a body cut off mid-stream is a transport failure
		return out, classNetwork, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > c.opts.MaxBody {
		return out, classTooLarge, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, c.opts.MaxBody)
	}
	out.Body = body
	return out, classNone, nil
}

// target mirrors the inbound path and query onto the base URL, minus the
// proxy's own credential parameter.
func (c *Client) target(req model.Request) string {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + req.Path
	u.RawPath = ""
	u.RawQuery = stripProxyKey(req.RawQuery)
	return u.String()
}

func stripProxyKey(raw string) string {
	if raw == "" || !strings.Contains(strings.ToLower(raw), proxyKeyHeader) {
		return raw
	}
	parts := strings.Split(raw, "&")
	kept := parts[:0]
	for _, p := range parts {
		name, _, _ := strings.Cut(p, "=")
		if n, err := url.QueryUnescape(name); err == nil && strings.EqualFold(n, proxyKeyHeader) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}
