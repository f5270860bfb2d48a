package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternlabs/osm-proxy/internal/core/config"
	"github.com/ternlabs/osm-proxy/internal/core/model"
	"github.com/ternlabs/osm-proxy/internal/logger"
)

type fakeSleep struct {
	mu    sync.Mutex
	waits []time.Duration
	err   error
}

func (f *fakeSleep) sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, d)
	return f.err
}

func newTestClient(t *testing.T, url string, fs *fakeSleep, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		BaseURL: url,
		Timeout: time.Second,
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2,
		},
		Sleep:  fs.sleep,
		Rand:   func() float64 { return 0.5 }, // no jitter
		Logger: logger.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetch_Success_ForwardsPathQueryAndHeaders(t *testing.T) {
	var gotPath, gotQuery, gotAccept, gotUA, gotCred, gotProxyKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		gotAccept, gotUA = r.Header.Get("Accept"), r.Header.Get("User-Agent")
		gotCred, gotProxyKey = r.Header.Get("Authorization"), r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(`{"type":"FeatureCollection"}`))
	}))
	defer srv.Close()

	fs := &fakeSleep{}
	c := newTestClient(t, srv.URL+"/api/", fs, func(o *Options) {
		o.CredentialHeader = "Authorization"
		o.Credential = "Bearer upstream-token"
		o.UserAgent = "osm-proxy/test"
	})

	resp, err := c.Fetch(context.Background(), model.Request{
		Method: "GET", Path: "/features", RawQuery: "bbox=1,2,3,4&x-api-key=leak",
		APIKey: "proxy-secret", Accept: "application/json",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != `{"type":"FeatureCollection"}` || resp.ContentType != "application/geo+json" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gotPath != "/api/features" || gotQuery != "bbox=1,2,3,4" {
		t.Fatalf("upstream saw path=%q query=%q", gotPath, gotQuery)
	}
	if gotAccept != "application/json" || gotUA != "osm-proxy/test" || gotCred != "Bearer upstream-token" {
		t.Fatalf("headers accept=%q ua=%q cred=%q", gotAccept, gotUA, gotCred)
	}
	if gotProxyKey != "" {
		t.Fatalf("proxy key forwarded upstream: %q", gotProxyKey)
	}
	if len(fs.waits) != 0 {
		t.Fatalf("unexpected backoff: %v", fs.waits)
	}
}

func TestFetch_ClientFault_NoRetry(t *testing.T) {
	for _, status := range []int{400, 404, 410, 302} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			if status == 302 {
				w.Header().Set("Location", "/elsewhere")
			}
			w.WriteHeader(status)
		}))

		fs := &fakeSleep{}
		c := newTestClient(t, srv.URL, fs, nil)
		_, err := c.Fetch(context.Background(), model.Request{Path: "/features"})
		srv.Close()

		var ue *Error
		if !errors.As(err, &ue) || ue.Kind != KindClientFault {
			t.Fatalf("status %d: err=%v want ClientFault", status, err)
		}
		if !errors.Is(err, ErrClientFault) {
			t.Fatalf("status %d: errors.Is(ErrClientFault) false", status)
		}
		if ue.Status != status || ue.Attempts != 1 {
			t.Fatalf("status %d: got status=%d attempts=%d", status, ue.Status, ue.Attempts)
		}
		if got := calls.Load(); got != 1 {
			t.Fatalf("status %d: upstream calls=%d want 1", status, got)
		}
		if len(fs.waits) != 0 {
			t.Fatalf("status %d: slept %v", status, fs.waits)
		}
	}
}

func TestFetch_ServerError_RetriesToBoundThenExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fs := &fakeSleep{}
	c := newTestClient(t, srv.URL, fs, nil)
	_, err := c.Fetch(context.Background(), model.Request{Path: "/features"})

	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != KindExhausted || !errors.Is(err, ErrExhausted) {
		t.Fatalf("err=%v want Exhausted", err)
	}
	if ue.Status != 503 || ue.Attempts != 3 {
		t.Fatalf("status=%d attempts=%d", ue.Status, ue.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("upstream calls=%d want 3", got)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(fs.waits) != len(want) || fs.waits[0] != want[0] || fs.waits[1] != want[1] {
		t.Fatalf("waits=%v want %v", fs.waits, want)
	}
}

func TestFetch_RateLimitThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeSleep{}, nil)
	resp, err := c.Fetch(context.Background(), model.Request{Path: "/x"})
	if err != nil || string(resp.Body) != "ok" {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls=%d want 2", got)
	}
}

func TestFetch_AttemptTimeoutIsTransient(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, &fakeSleep{}, func(o *Options) {
		o.Timeout = 50 * time.Millisecond
		o.Retry.MaxAttempts = 2
	})
	_, err := c.Fetch(context.Background(), model.Request{Path: "/slow"})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err=%v want Exhausted", err)
	}
	var ue *Error
	if errors.As(err, &ue) && ue.Status != 0 {
		t.Fatalf("status=%d want 0 for timeouts", ue.Status)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls=%d want 2", got)
	}
}

func TestFetch_NetworkErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	fs := &fakeSleep{}
	c := newTestClient(t, url, fs, nil)
	_, err := c.Fetch(context.Background(), model.Request{Path: "/x"})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err=%v want Exhausted", err)
	}
	if len(fs.waits) != 2 {
		t.Fatalf("waits=%v want 2 backoffs", fs.waits)
	}
}

func TestFetch_CanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fs := &fakeSleep{err: context.Canceled}
	c := newTestClient(t, srv.URL, fs, nil)
	_, err := c.Fetch(context.Background(), model.Request{Path: "/x"})

	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != KindCanceled || ue.Status != 502 {
		t.Fatalf("err=%v want Canceled with status 502", err)
	}
}

func TestFetch_BodyTooLarge(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeSleep{}, func(o *Options) { o.MaxBody = 1024 })
	_, err := c.Fetch(context.Background(), model.Request{Path: "/big"})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err=%v want TooLarge", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls=%d want 1", got)
	}
}

func TestBackoff_CappedAndJittered(t *testing.T) {
	rc := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, BackoffMultiplier: 2}
	mid := func() float64 { return 0.5 }
	if got := rc.backoff(1, mid); got != time.Second {
		t.Fatalf("n=1 got=%v want 1s", got)
	}
	if got := rc.backoff(3, mid); got != 4*time.Second {
		t.Fatalf("n=3 got=%v want 4s", got)
	}
	if got := rc.backoff(8, mid); got != 4*time.Second {
		t.Fatalf("n=8 got=%v want cap 4s", got)
	}
	lo := rc.backoff(1, func() float64 { return 0 })
	hi := rc.backoff(1, func() float64 { return 0.999999 })
	if lo != 800*time.Millisecond || hi < 1199*time.Millisecond || hi > 1200*time.Millisecond {
		t.Fatalf("jitter bounds lo=%v hi=%v", lo, hi)
	}
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	if _, err := New(Options{BaseURL: "/relative"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Upstream
	cfg.URL = "http://upstream"
	o := OptionsFromConfig(cfg)
	if o.Retry.MaxAttempts != 3 || o.CredentialHeader != "Authorization" || o.MaxBody != 16<<20 {
		t.Fatalf("unexpected options: %+v", o)
	}
}

func TestStripProxyKey(t *testing.T) {
	cases := map[string]string{
		"":                    "",
		"a=1":                 "a=1",
		"X-Api-Key=s&a=1":     "a=1",
		"a=1&x-api-key=s&b=2": "a=1&b=2",
		"x%2Dapi%2Dkey=s":     "",
		"x-api-keys=kept":     "x-api-keys=kept",
	}
	for in, want := range cases {
		if got := stripProxyKey(in); got != want {
			t.Fatalf("stripProxyKey(%q)=%q want %q", in, got, want)
		}
	}
}
