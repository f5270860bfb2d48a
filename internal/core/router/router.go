// Package router turns HTTP requests into coordinator calls and coordinator
// outcomes back into HTTP responses.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ternlabs/osm-proxy/internal/auth"
	"github.com/ternlabs/osm-proxy/internal/coordinator"
	"github.com/ternlabs/osm-proxy/internal/core/model"
	"github.com/ternlabs/osm-proxy/internal/core/observability"
	mylog "github.com/ternlabs/osm-proxy/internal/logger"
	"github.com/ternlabs/osm-proxy/internal/upstream"
)

// Handler resolves one proxied request.
type Handler interface {
	Handle(ctx context.Context, req model.Request) coordinator.Outcome
}

// StatusClientClosed is logged and recorded when the caller went away.
const StatusClientClosed = 499

// Proxy serves GET and HEAD for any path through h.
func Proxy(logger *slog.Logger, h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/*", sw.code, time.Since(start).Seconds())
		}()

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			sw.Header().Set("Allow", "GET, HEAD")
			writeError(sw, http.StatusMethodNotAllowed, "method_not_allowed", "")
			return
		}

		out := h.Handle(r.Context(), requestFrom(r))
		writeOutcome(mylog.WithCacheStatus(r.Context(), string(out.Cache)), logger, sw, out)
	}
}

func requestFrom(r *http.Request) model.Request {
	return model.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		APIKey:   r.Header.Get(auth.Header),
		Accept:   r.Header.Get("Accept"),
	}
}

func writeOutcome(ctx context.Context, logger *slog.Logger, w *statusWriter, out coordinator.Outcome) {
	switch out.State {
	case coordinator.Unauthorized:
		writeError(w, http.StatusUnauthorized, "unauthorized", out.Reason)
	case coordinator.Serving:
		ct := out.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("X-Cache", strings.ToUpper(string(out.Cache)))
		if out.KeyDigest != "" {
			w.Header().Set("X-Cache-Key", out.KeyDigest)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.Body)
	default:
		writeFailure(ctx, logger, w, out.Err)
	}
}

// writeFailure maps the failure class to a status. Bodies carry only the class.
func writeFailure(ctx context.Context, logger *slog.Logger, w *statusWriter, err error) {
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		logger.ErrorContext(ctx, "request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	switch ue.Kind {
	case upstream.KindClientFault:
		status := ue.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		writeError(w, status, "upstream_rejected", "")
	case upstream.KindExhausted:
		logger.WarnContext(ctx, "upstream unavailable", "err", err)
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "")
	case upstream.KindTooLarge:
		logger.WarnContext(ctx, "upstream response too large", "err", err)
		writeError(w, http.StatusBadGateway, "upstream_too_large", "")
	case upstream.KindCanceled:
		// nobody is listening; the status only reaches logs and metrics
		logger.InfoContext(ctx, "client closed request", "err", err)
		w.WriteHeader(StatusClientClosed)
	default:
		logger.ErrorContext(ctx, "request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, errorBody{Error: code, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
