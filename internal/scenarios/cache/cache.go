package cache

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ternlabs/osm-proxy/internal/coordinator"
	"github.com/ternlabs/osm-proxy/internal/core/config"
	"github.com/ternlabs/osm-proxy/internal/core/router"
	"github.com/ternlabs/osm-proxy/internal/scenarios"
)

func init() {
	scenarios.Register(config.ScenarioCache, newCache)
}

func newCache(cfg config.Config, logger *slog.Logger, d scenarios.Deps) (router.Handler, error) {
	if d.Cache == nil {
		return nil, errors.New("cache scenario: no cache backend")
	}
	opts := coordinator.Options{
		Gate:     d.Gate,
		Upstream: d.Upstream,
		Cache:    d.Cache,
		TTL:      cfg.CacheTTL,
		Logger:   logger,
	}
	if cfg.CellIndexEnabled {
		opts.Index = d.Index
	}
	c, err := coordinator.New(opts)
	if err != nil {
		return nil, fmt.Errorf("cache scenario: %w", err)
	}
	return c, nil
}
