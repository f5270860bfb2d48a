package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ternlabs/osm-proxy/internal/auth"
	"github.com/ternlabs/osm-proxy/internal/coordinator"
	"github.com/ternlabs/osm-proxy/internal/core/model"
	"github.com/ternlabs/osm-proxy/internal/logger"
	"github.com/ternlabs/osm-proxy/internal/upstream"
)

type stubHandler struct {
	out coordinator.Outcome
	got model.Request
}

func (s *stubHandler) Handle(_ context.Context, req model.Request) coordinator.Outcome {
	s.got = req
	return s.out
}

func serve(t *testing.T, h Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	Proxy(logger.Discard(), h)(rr, req)
	return rr
}

func TestProxy_ForwardsRequestFields(t *testing.T) {
	s := &stubHandler{out: coordinator.Outcome{State: coordinator.Serving, Cache: coordinator.StatusHit, Body: []byte("b")}}
	serve(t, s, http.MethodGet, "/features?bbox=1,2,3,4", map[string]string{"x-api-key": "k", "Accept": "application/json"})
	want := model.Request{Method: "GET", Path: "/features", RawQuery: "bbox=1,2,3,4", APIKey: "k", Accept: "application/json"}
	if s.got != want {
		t.Fatalf("got=%+v want=%+v", s.got, want)
	}
}

func TestProxy_Serving(t *testing.T) {
	s := &stubHandler{out: coordinator.Outcome{
		State: coordinator.Serving, Cache: coordinator.StatusMiss,
		ContentType: "application/geo+json", Body: []byte(`{"a":1}`), KeyDigest: "00ff",
	}}
	rr := serve(t, s, http.MethodGet, "/x", nil)
	if rr.Code != 200 || rr.Body.String() != `{"a":1}` {
		t.Fatalf("code=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Cache") != "MISS" || rr.Header().Get("X-Cache-Key") != "00ff" || rr.Header().Get("Content-Type") != "application/geo+json" {
		t.Fatalf("headers=%v", rr.Header())
	}

	s.out = coordinator.Outcome{State: coordinator.Serving, Cache: coordinator.StatusBypass}
	rr = serve(t, s, http.MethodHead, "/x", nil)
	if rr.Header().Get("X-Cache") != "BYPASS" || rr.Header().Get("X-Cache-Key") != "" {
		t.Fatalf("bypass headers=%v", rr.Header())
	}
	if rr.Header().Get("Content-Type") != "application/octet-stream" {
		t.Fatalf("default content type=%q", rr.Header().Get("Content-Type"))
	}
}

func TestProxy_Unauthorized(t *testing.T) {
	s := &stubHandler{out: coordinator.Outcome{State: coordinator.Unauthorized, Reason: auth.ReasonInvalid}}
	rr := serve(t, s, http.MethodGet, "/x", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("code=%d want 401", rr.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "unauthorized" || body.Reason != auth.ReasonInvalid {
		t.Fatalf("body=%+v", body)
	}
}

func TestProxy_MethodNotAllowed(t *testing.T) {
	s := &stubHandler{}
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rr := serve(t, s, m, "/x", nil)
		if rr.Code != http.StatusMethodNotAllowed || rr.Header().Get("Allow") != "GET, HEAD" {
			t.Fatalf("%s: code=%d allow=%q", m, rr.Code, rr.Header().Get("Allow"))
		}
	}
	if s.got.Method != "" {
		t.Fatal("handler called for a rejected method")
	}
}

func TestProxy_FailureMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		body string
	}{
		{&upstream.Error{Kind: upstream.KindExhausted, Status: 503, Attempts: 3}, 502, "upstream_unavailable"},
		{&upstream.Error{Kind: upstream.KindClientFault, Status: 404, Attempts: 1}, 404, "upstream_rejected"},
		{&upstream.Error{Kind: upstream.KindClientFault, Status: 302, Attempts: 1}, 502, "upstream_rejected"},
		{&upstream.Error{Kind: upstream.KindTooLarge, Status: 200, Attempts: 1}, 502, "upstream_too_large"},
		{&upstream.Error{Kind: upstream.KindCanceled}, StatusClientClosed, ""},
		{errors.New("redis 10.1.2.3 exploded"), 500, "internal_error"},
	}
	for _, c := range cases {
		s := &stubHandler{out: coordinator.Outcome{State: coordinator.Failed, Err: c.err}}
		rr := serve(t, s, http.MethodGet, "/x", nil)
		if rr.Code != c.code {
			t.Fatalf("%v: code=%d want %d", c.err, rr.Code, c.code)
		}
		if c.body != "" && !strings.Contains(rr.Body.String(), c.body) {
			t.Fatalf("%v: body=%q want %q", c.err, rr.Body.String(), c.body)
		}
		for _, leak := range []string{"attempts", "10.1.2.3", "503"} {
			if strings.Contains(rr.Body.String(), leak) {
				t.Fatalf("%v: body leaks %q: %s", c.err, leak, rr.Body.String())
			}
		}
	}
}
