package baseline

import (
	"fmt"
	"log/slog"

	"github.com/ternlabs/osm-proxy/internal/coordinator"
	"github.com/ternlabs/osm-proxy/internal/core/config"
	"github.com/ternlabs/osm-proxy/internal/core/router"
	"github.com/ternlabs/osm-proxy/internal/scenarios"
)

func init() {
	scenarios.Register(config.ScenarioBaseline, newBaseline)
}

// authenticated pass-through; the cache is never consulted
func newBaseline(_ config.Config, logger *slog.Logger, d scenarios.Deps) (router.Handler, error) {
	c, err := coordinator.New(coordinator.Options{
		Gate:     d.Gate,
		Upstream: d.Upstream,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("baseline scenario: %w", err)
	}
	return c, nil
}
