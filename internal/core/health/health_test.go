package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type reporter bool

func (r reporter) Readiness() (bool, []int32) { return bool(r), nil }

func readyz(t *testing.T, checks ...Check) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	Readiness(time.Second, checks...)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, rr.Body.String())
	}
	return rr.Code, body
}

func TestReadiness_AllUp(t *testing.T) {
	code, body := readyz(t, PingCheck("redis", pinger{}), ConsumerCheck("kafka", reporter(true)))
	if code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestReadiness_OneDown(t *testing.T) {
	code, body := readyz(t,
		PingCheck("redis", pinger{err: errors.New("dial tcp 10.0.0.1:6379: refused")}),
		ConsumerCheck("kafka", reporter(true)),
	)
	if code != http.StatusServiceUnavailable || body["status"] != "not_ready" {
		t.Fatalf("code=%d body=%v", code, body)
	}
	checks := body["checks"].(map[string]any)
	if checks["redis"] != "down" || checks["kafka"] != "up" {
		t.Fatalf("checks=%v", checks)
	}
	raw, _ := json.Marshal(body)
	if strings.Contains(string(raw), "10.0.0.1") {
		t.Fatalf("backend detail leaked: %s", raw)
	}
}

func TestReadiness_ConsumerUnassigned(t *testing.T) {
	code, _ := readyz(t, ConsumerCheck("kafka", reporter(false)))
	if code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d want 503", code)
	}
}
