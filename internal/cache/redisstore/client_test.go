package redisstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/ternlabs/osm-proxy/internal/core/observability"
	"github.com/ternlabs/osm-proxy/internal/metrics"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestSetGetDel_HappyPath(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rc.Set(ctx, "k1", []byte("v1"), 5*time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := rc.Get(ctx, "k1")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get got=%q ok=%v err=%v", got, ok, err)
	}

	if _, ok, err := rc.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing key: ok=%v err=%v want miss without error", ok, err)
	}

	if err := rc.Del(ctx, "k1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := rc.Get(ctx, "k1"); ok {
		t.Fatal("k1 still present after Del")
	}
	if err := rc.Del(ctx); err != nil {
		t.Fatalf("Del with no keys: %v", err)
	}
}

func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty addr")
	}
}

func TestNew_UnreachableFailsPing(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := New(ctx, addr, WithDialTimeout(100*time.Millisecond)); err == nil {
		t.Fatal("expected ping error for closed server")
	}
}

func TestNewLazy_StartsWithoutServerAndRecovers(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	addr := mr.Addr()
	mr.Close()

	rc, err := NewLazy(addr, WithDialTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("NewLazy: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := rc.Get(ctx, "k"); err == nil {
		t.Fatal("expected error while server is down")
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := rc.Ping(ctx); err != nil {
		t.Fatalf("ping after restart: %v", err)
	}
}

func TestContextDeadline_IsRespected(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rc.Set(ctx, "k", []byte("v"), time.Second); err == nil {
		t.Fatalf("expected error on Set with canceled context")
	}
	if _, _, err := rc.Get(ctx, "k"); err == nil {
		t.Fatalf("expected error on Get with canceled context")
	}
	if err := rc.Del(ctx, "k"); err == nil {
		t.Fatalf("expected error on Del with canceled context")
	}
}

func TestSetOps_AddMembersAndExpire(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()

	if err := rc.SAddWithTTL(ctx, []string{"cell:a"}, time.Minute, "k1", "k2", "k1"); err != nil {
		t.Fatalf("SAddWithTTL: %v", err)
	}
	got, err := rc.SMembers(ctx, "cell:a")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != "k1,k2" {
		t.Fatalf("members=%v want [k1 k2]", got)
	}
	if ttl := mr.TTL("cell:a"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl=%v", ttl)
	}

	if err := rc.SRem(ctx, []string{"cell:a"}, "k1"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	got, _ = rc.SMembers(ctx, "cell:a")
	if len(got) != 1 || got[0] != "k2" {
		t.Fatalf("after SRem members=%v", got)
	}

	empty, err := rc.SMembers(ctx, "cell:none")
	if err != nil || len(empty) != 0 {
		t.Fatalf("missing set: %v %v", empty, err)
	}
}

func TestSetOps_ManySets(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()
	sets := []string{"cell:a", "cell:b", "cell:c"}

	if err := rc.SAddWithTTL(ctx, sets, time.Minute, "k1"); err != nil {
		t.Fatalf("SAddWithTTL: %v", err)
	}
	if err := rc.SAddWithTTL(ctx, sets[1:], time.Minute, "k2"); err != nil {
		t.Fatalf("SAddWithTTL: %v", err)
	}
	for _, s := range sets {
		if ttl := mr.TTL(s); ttl <= 0 || ttl > time.Minute {
			t.Fatalf("%s ttl=%v", s, ttl)
		}
	}

	got, err := rc.SMembers(ctx, append(sets, "cell:none")...)
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != "k1,k1,k1,k2,k2" {
		t.Fatalf("union=%v", got)
	}

	if err := rc.SRem(ctx, sets, "k1"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	got, _ = rc.SMembers(ctx, sets...)
	if strings.Join(got, ",") != "k2,k2" {
		t.Fatalf("after SRem=%v", got)
	}
	if got, err := rc.SMembers(ctx); err != nil || got != nil {
		t.Fatalf("no keys: %v %v", got, err)
	}
}

func TestMetrics_Incremented(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)

	rc, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = rc.Set(ctx, "m1", []byte("x"), time.Minute)
	_, _, _ = rc.Get(ctx, "m1")
	_ = rc.Del(ctx, "m1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `cache_op_total{op="set"`) ||
		!strings.Contains(body, `cache_op_total{op="get"`) ||
		!strings.Contains(body, `cache_op_total{op="del"`) {
		t.Fatalf("missing cache_op_total metrics; got:\n%s", body)
	}
	if !strings.Contains(body, `redis_operation_duration_seconds_bucket{op="set"`) {
		t.Fatalf("missing redis_operation_duration_seconds histogram; got:\n%s", body)
	}
}
