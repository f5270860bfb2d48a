// Package cmd implements osmproxyctl, the operator CLI for the proxy cache.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternlabs/osm-proxy/internal/cache"
	"github.com/ternlabs/osm-proxy/internal/cache/cellindex"
	"github.com/ternlabs/osm-proxy/internal/cache/redisstore"
	"github.com/ternlabs/osm-proxy/internal/core/config"
	"github.com/ternlabs/osm-proxy/internal/invalidation"
	"github.com/ternlabs/osm-proxy/internal/logger"
	h3mapper "github.com/ternlabs/osm-proxy/internal/mapper/h3"
	"github.com/ternlabs/osm-proxy/pkg/invalidation/kafka"
)

type options struct {
	configPath string
	redisAddr  string
	verbose    bool
	log        *slog.Logger
	// newPublisher is swapped in tests.
	newPublisher func(kafka.InvalidationConfig) (publisher, error)
}

type publisher interface {
	Publish(ev invalidation.Event) (int32, int64, error)
	Close() error
}

func defaultOptions() *options {
	return &options{newPublisher: func(c kafka.InvalidationConfig) (publisher, error) {
		return kafka.NewPublisher(c)
	}}
}

func newRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "osmproxyctl",
		Short: "Inspect and invalidate the OSM proxy cache",
		Long: `osmproxyctl works against the same Redis the proxy uses.

It reads the proxy's TOML config (--config or CONFIG_FILE) and the same
environment overrides, so REDIS_ADDR, CELL_INDEX_ENABLED and H3_RES match
the running server.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := "warn"
			if o.verbose {
				level = "debug"
			}
			zl := logger.Build(logger.Config{Level: level, Console: true, Component: "osmproxyctl"}, cmd.ErrOrStderr())
			o.log = logger.NewSlog(&zl)
		},
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", os.Getenv("CONFIG_FILE"), "TOML config file")
	root.PersistentFlags().StringVar(&o.redisAddr, "redis", "", "Redis address, overrides the config")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "Enable debug logging")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newKeyCmd())
	root.AddCommand(newInvalidateCmd(o))
	return root
}

func Execute() error {
	return newRootCmd(defaultOptions()).Execute()
}

func (o *options) config() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.redisAddr != "" {
		cfg.RedisAddr = o.redisAddr
	}
	return cfg, nil
}

// applier connects to Redis and builds the same invalidation path the server
// uses. The returned func closes the connection.
func (o *options) applier(ctx context.Context) (*invalidation.Applier, func(), error) {
	cfg, err := o.config()
	if err != nil {
		return nil, nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rc, err := redisstore.New(pctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	opts := invalidation.Options{Res: cfg.H3Res, MaxCells: cfg.CellIndexMaxCells, Logger: o.log}
	if cfg.CellIndexEnabled {
		opts.Index = cellindex.NewRedisIndex(rc, cfg.H3Res)
		opts.Mapper = h3mapper.New()
	}
	timeout := cfg.CacheOpTimeout
	if timeout < time.Second {
		timeout = time.Second
	}
	a := invalidation.New(cache.WithTimeout(rc, timeout), opts)
	return a, func() { _ = rc.Close() }, nil
}
