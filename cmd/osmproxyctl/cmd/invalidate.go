package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternlabs/osm-proxy/internal/cache/keys"
	"github.com/ternlabs/osm-proxy/internal/core/model"
	"github.com/ternlabs/osm-proxy/internal/invalidation"
	"github.com/ternlabs/osm-proxy/pkg/invalidation/kafka"
)

type invalidateFlags struct {
	path    string
	query   string
	bbox    string
	key     string
	publish bool
}

func (f invalidateFlags) targets() int {
	n := 0
	for _, s := range []string{f.path, f.bbox, f.key} {
		if s != "" {
			n++
		}
	}
	return n
}

func newInvalidateCmd(o *options) *cobra.Command {
	var f invalidateFlags
	c := &cobra.Command{
		Use:   "invalidate",
		Short: "Delete cached responses",
		Long: `Deletes cached responses by request, by raw store key, or by area.

  osmproxyctl invalidate --path /features --query 'bbox=1,2,3,4'
  osmproxyctl invalidate --key 'osm:v1:/features?bbox=1,2,3,4:f=...'
  osmproxyctl invalidate --bbox 18,59,18.1,59.1

Area invalidation needs the cell index (cell_index_enabled).

With --publish the event goes to the invalidation topic instead and every
proxy consuming it applies it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.targets() != 1 {
				return errors.New("exactly one of --path, --key or --bbox is required")
			}
			if f.query != "" && f.path == "" {
				return errors.New("--query needs --path")
			}
			var area model.BBox
			if f.bbox != "" {
				var err error
				if area, err = keys.ParseBBox(f.bbox); err != nil {
					return fmt.Errorf("--bbox: %w", err)
				}
			}

			if f.publish {
				return publish(cmd, o, f, area)
			}

			a, closeFn, err := o.applier(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			switch {
			case f.path != "":
				k, err := a.Request(cmd.Context(), invalidation.SourceCLI, f.path, f.query)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %s\n", k)
			case f.key != "":
				if _, err := a.Keys(cmd.Context(), invalidation.SourceCLI, f.key); err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %s\n", f.key)
			default:
				n, err := a.Area(cmd.Context(), invalidation.SourceCLI, area)
				if errors.Is(err, invalidation.ErrNoIndex) {
					return errors.New("area invalidation needs cell_index_enabled=true")
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %d entries\n", n)
			}
			return nil
		},
	}
	c.Flags().StringVar(&f.path, "path", "", "request path to invalidate")
	c.Flags().StringVar(&f.query, "query", "", "raw query string of the request (with --path)")
	c.Flags().StringVar(&f.key, "key", "", "raw store key to delete")
	c.Flags().StringVar(&f.bbox, "bbox", "", "minx,miny,maxx,maxy area to invalidate")
	c.Flags().BoolVar(&f.publish, "publish", false, "publish to the Kafka invalidation topic instead of deleting directly")
	return c
}

func publish(cmd *cobra.Command, o *options, f invalidateFlags, area model.BBox) error {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	p, err := o.newPublisher(kafka.FromConfig(cfg.Invalidation))
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	ev := invalidation.Event{Key: f.key, Path: f.path, Query: f.query}
	if f.bbox != "" {
		ev.BBox = &invalidation.BBox{X1: area.X1, Y1: area.Y1, X2: area.X2, Y2: area.Y2}
	}
	part, off, err := p.Publish(ev)
	if err != nil {
		return err
	}
	o.log.Debug("invalidation published", "target", ev.Target(), "partition", part, "offset", off)
	fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", ev.Target(), cfg.Invalidation.Topic)
	return nil
}
