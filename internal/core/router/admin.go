package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternlabs/osm-proxy/internal/auth"
	"github.com/ternlabs/osm-proxy/internal/cache/keys"
	"github.com/ternlabs/osm-proxy/internal/coordinator"
	"github.com/ternlabs/osm-proxy/internal/core/model"
	"github.com/ternlabs/osm-proxy/internal/core/observability"
	"github.com/ternlabs/osm-proxy/internal/invalidation"
)

type Invalidator interface {
	Request(ctx context.Context, source, path, rawQuery string) (string, error)
	Area(ctx context.Context, source string, bb model.BBox) (int, error)
}

// Admin serves DELETE /admin/cache.
//
//	?path=/features&bbox=1,2,3,4   drops the entry that request is cached under
//	?bbox=1,2,3,4                  drops every entry whose footprint overlaps the box
func Admin(logger *slog.Logger, gate coordinator.Authenticator, inv Invalidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/admin/cache", sw.code, time.Since(start).Seconds())
		}()

		if res := gate.Authenticate(r.Header.Get(auth.Header)); !res.Authorized {
			writeError(sw, http.StatusUnauthorized, "unauthorized", res.Reason)
			return
		}

		path, rest, err := splitTarget(r.URL.RawQuery)
		if err != nil {
			writeError(sw, http.StatusBadRequest, "bad_request", "")
			return
		}

		ctx := r.Context()
		if path != "" {
			if _, err := inv.Request(ctx, invalidation.SourceAdmin, path, rest); err != nil {
				adminFailure(ctx, logger, sw, err)
				return
			}
			sw.WriteHeader(http.StatusNoContent)
			return
		}

		raw := r.URL.Query().Get("bbox")
		if raw == "" {
			writeError(sw, http.StatusBadRequest, "missing_target", "")
			return
		}
		bb, err := keys.ParseBBox(raw)
		if err != nil {
			writeError(sw, http.StatusBadRequest, "invalid_bbox", "")
			return
		}
		n, err := inv.Area(ctx, invalidation.SourceAdmin, bb)
		if err != nil {
			adminFailure(ctx, logger, sw, err)
			return
		}
		writeJSON(sw, http.StatusOK, map[string]int{"deleted": n})
	}
}

// splitTarget pulls the single path parameter out of raw and returns the rest
// untouched, so the target's own query is derived exactly as the proxy would.
func splitTarget(raw string) (path, rest string, err error) {
	if raw == "" {
		return "", "", nil
	}
	var kept []string
	for _, p := range strings.Split(raw, "&") {
		name, val, _ := strings.Cut(p, "=")
		if name != "path" {
			kept = append(kept, p)
			continue
		}
		if path != "" {
			return "", "", errors.New("path given twice")
		}
		if path, err = url.QueryUnescape(val); err != nil {
			return "", "", err
		}
		if path == "" {
			return "", "", errors.New("empty path")
		}
	}
	return path, strings.Join(kept, "&"), nil
}

func adminFailure(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invalidation.ErrNotCacheable):
		writeError(w, http.StatusBadRequest, "not_cacheable", "")
	case errors.Is(err, invalidation.ErrAreaTooLarge):
		writeError(w, http.StatusBadRequest, "area_too_large", "")
	case errors.Is(err, invalidation.ErrNoIndex):
		writeError(w, http.StatusNotImplemented, "spatial_index_disabled", "")
	default:
		logger.WarnContext(ctx, "admin invalidation failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "cache_unavailable", "")
	}
}
