// Package scenarios selects how proxied requests are served: "cache" runs the
// cache-aside coordinator, "baseline" forwards every request upstream.
package scenarios

import (
	"fmt"
	"log/slog"

	"github.com/ternlabs/osm-proxy/internal/cache"
	"github.com/ternlabs/osm-proxy/internal/coordinator"
	"github.com/ternlabs/osm-proxy/internal/core/config"
	"github.com/ternlabs/osm-proxy/internal/core/router"
	"github.com/ternlabs/osm-proxy/internal/upstream"
)

// Deps are built once in main and shared by every scenario.
type Deps struct {
	Gate     coordinator.Authenticator
	Upstream upstream.Fetcher
	Cache    cache.Interface
	Index    coordinator.Recorder
}

type Factory func(cfg config.Config, logger *slog.Logger, deps Deps) (router.Handler, error)

var reg = map[string]Factory{}

func Register(name string, f Factory) {
	reg[name] = f
}

func New(name string, cfg config.Config, logger *slog.Logger, deps Deps) (router.Handler, error) {
	if f, ok := reg[name]; ok {
		return f(cfg, logger, deps)
	}
	if f, ok := reg[config.ScenarioBaseline]; ok {
		logger.Warn("unknown scenario; falling back to baseline", "scenario", name)
		return f(cfg, logger, deps)
	}
	return nil, fmt.Errorf("no factory for scenario %q and no baseline registered", name)
}
