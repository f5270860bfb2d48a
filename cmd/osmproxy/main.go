package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ternlabs/osm-proxy/internal/auth"
	"github.com/ternlabs/osm-proxy/internal/cache"
	"github.com/ternlabs/osm-proxy/internal/cache/cellindex"
	"github.com/ternlabs/osm-proxy/internal/cache/redisstore"
	"github.com/ternlabs/osm-proxy/internal/core/config"
	"github.com/ternlabs/osm-proxy/internal/core/health"
	"github.com/ternlabs/osm-proxy/internal/core/observability"
	"github.com/ternlabs/osm-proxy/internal/core/server"
	"github.com/ternlabs/osm-proxy/internal/invalidation"
	"github.com/ternlabs/osm-proxy/internal/logger"
	h3mapper "github.com/ternlabs/osm-proxy/internal/mapper/h3"
	"github.com/ternlabs/osm-proxy/internal/metrics"
	"github.com/ternlabs/osm-proxy/internal/scenarios"
	_ "github.com/ternlabs/osm-proxy/internal/scenarios/baseline"
	_ "github.com/ternlabs/osm-proxy/internal/scenarios/cache"
	"github.com/ternlabs/osm-proxy/internal/upstream"
	"github.com/ternlabs/osm-proxy/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", os.Getenv("CONFIG_FILE"), "optional TOML config file")
	scenarioFlag := flag.String("scenario", "", "scenario name (cache|baseline)")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *scenarioFlag != "" {
		cfg.Scenario = strings.TrimSpace(*scenarioFlag)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		return 2
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Scenario:  cfg.Scenario,
		Component: "osmproxy",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// metrics: standalone listener when enabled, otherwise /metrics on the main
	// router serves the default registry
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if cfg.Metrics.Enabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
			Path:    cfg.Metrics.Path,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		observability.Init(p.Registerer(), true)
		reg = p.Registerer()
		go func() {
			if err := p.Serve(ctx, appLog); err != nil {
				appLog.Error("metrics server exited", "err", err)
			}
		}()
	}
	observability.SetScenario(cfg.Scenario)
	observability.ExposeBuildInfo(Version)

	appLog.Info("starting osm proxy",
		"addr", cfg.Addr,
		"version", Version,
		"upstream", cfg.Upstream.URL,
		"scenario", cfg.Scenario,
		"cell_index", cfg.CellIndexEnabled)

	gate, err := auth.NewGate(cfg.APIKey)
	if err != nil {
		appLog.Error("auth gate", "err", err)
		return 2
	}

	upOpts := upstream.OptionsFromConfig(cfg.Upstream)
	upOpts.Logger = appLog
	up, err := upstream.New(upOpts)
	if err != nil {
		appLog.Error("upstream client", "err", err)
		return 2
	}

	rc := connectRedis(ctx, cfg, appLog)
	defer func() { _ = rc.Close() }()
	store := cache.WithTimeout(rc, cfg.CacheOpTimeout)

	invOpts := invalidation.Options{Res: cfg.H3Res, MaxCells: cfg.CellIndexMaxCells, Logger: appLog}
	if cfg.CellIndexEnabled {
		invOpts.Index = cellindex.NewRedisIndex(timeoutSets{rc, cfg.CacheOpTimeout}, cfg.H3Res)
		invOpts.Mapper = h3mapper.New()
	}
	inv := invalidation.New(store, invOpts)

	handler, err := scenarios.New(cfg.Scenario, cfg, appLog, scenarios.Deps{
		Gate:     gate,
		Upstream: up,
		Cache:    store,
		Index:    inv,
	})
	if err != nil {
		appLog.Error("scenario setup failed", "err", err)
		return 1
	}

	runner := kafka.New(kafka.FromConfig(cfg.Invalidation), inv, kafka.Options{Logger: appLog, Register: reg})
	if err := runner.Start(ctx); err != nil {
		appLog.Error("invalidation runner", "err", err)
		return 1
	}
	defer runner.Stop()

	checks := []health.Check{health.PingCheck("redis", rc)}
	if kafka.FromConfig(cfg.Invalidation).Active() {
		checks = append(checks, health.ConsumerCheck("kafka", runner))
	}

	if err := server.Run(ctx, cfg, appLog, server.Deps{
		Proxy:       handler,
		Gate:        gate,
		Invalidator: inv,
		Checks:      checks,
	}); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// connectRedis never fails: an unreachable Redis degrades every request to an
// upstream fetch until it comes back.
func connectRedis(ctx context.Context, cfg config.Config, log *slog.Logger) *redisstore.Client {
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rc, err := redisstore.New(pctx, cfg.RedisAddr)
	if err == nil {
		return rc
	}
	log.Warn("redis unreachable at startup; serving uncached until it recovers", "addr", cfg.RedisAddr, "err", err)
	rc, _ = redisstore.NewLazy(cfg.RedisAddr)
	return rc
}

// timeoutSets bounds cell index calls the way cache.WithTimeout bounds entries.
type timeoutSets struct {
	rc *redisstore.Client
	d  time.Duration
}

func (t timeoutSets) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), t.d)
}

func (t timeoutSets) SAddWithTTL(ctx context.Context, keys []string, ttl time.Duration, members ...string) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.rc.SAddWithTTL(ctx, keys, ttl, members...)
}

func (t timeoutSets) SMembers(ctx context.Context, keys ...string) ([]string, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.rc.SMembers(ctx, keys...)
}

func (t timeoutSets) SRem(ctx context.Context, keys []string, members ...string) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.rc.SRem(ctx, keys, members...)
}
