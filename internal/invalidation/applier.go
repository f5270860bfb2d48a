package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ternlabs/osm-proxy/internal/cache"
	"github.com/ternlabs/osm-proxy/internal/cache/cellindex"
	"github.com/ternlabs/osm-proxy/internal/cache/keys"
	"github.com/ternlabs/osm-proxy/internal/core/model"
	"github.com/ternlabs/osm-proxy/internal/core/observability"
	"github.com/ternlabs/osm-proxy/internal/mapper"
)

// Sources label where an invalidation came from.
const (
	SourceAdmin = "admin"
	SourceKafka = "kafka"
	SourceCLI   = "cli"
)

var (
	// ErrNoIndex is returned for area invalidation when the cell index is off.
	ErrNoIndex = errors.New("spatial invalidation needs the cell index")
	// ErrNotCacheable means the request would never have been cached.
	ErrNotCacheable = errors.New("request is not cacheable")
	// ErrAreaTooLarge is returned when an invalidation area spans more cells
	// than MaxAreaCells.
	ErrAreaTooLarge = errors.New("invalidation area too large for the cell index")
)

const (
	DefaultMaxCells     = 1024
	DefaultMaxAreaCells = 1 << 16
)

type Options struct {
	Index  cellindex.CellIndex
	Mapper mapper.Interface
	Res    int
	// MaxCells bounds the cells one cached footprint is indexed under; larger
	// footprints go to the wide set. Zero means DefaultMaxCells.
	MaxCells int
	// MaxAreaCells bounds the cover of one area invalidation. Zero means
	// DefaultMaxAreaCells.
	MaxAreaCells int
	Logger       *slog.Logger
}

// Applier deletes cache entries and keeps the cell index in step.
type Applier struct {
	cache    cache.Interface
	index    cellindex.CellIndex
	mapper   mapper.Interface
	res      int
	maxCells int
	maxArea  int
	log      *slog.Logger
}

func New(c cache.Interface, opts Options) *Applier {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxCells <= 0 {
		opts.MaxCells = DefaultMaxCells
	}
	if opts.MaxAreaCells <= 0 {
		opts.MaxAreaCells = DefaultMaxAreaCells
	}
	a := &Applier{
		cache:    c,
		res:      opts.Res,
		maxCells: opts.MaxCells,
		maxArea:  opts.MaxAreaCells,
		log:      log.With("component", "invalidation"),
	}
	// the index is useless without a mapper
	if opts.Index != nil && opts.Mapper != nil {
		a.index = opts.Index
		a.mapper = opts.Mapper
	}
	return a
}

// Spatial reports whether area invalidation is available.
func (a *Applier) Spatial() bool { return a.index != nil }

// Record indexes key under the cells covering area so a later area
// invalidation finds it. A footprint over MaxCells is kept in the wide set and
// matched against invalidations by its bbox.
func (a *Applier) Record(ctx context.Context, key string, area model.BBox, ttl time.Duration) error {
	if a.index == nil {
		return nil
	}
	cells, err := a.mapper.CellsForBBox(area, a.res, a.maxCells)
	if errors.Is(err, mapper.ErrTooManyCells) {
		if err := a.index.AddWide(ctx, key, ttl); err != nil {
			return fmt.Errorf("record wide footprint: %w", err)
		}
		a.log.DebugContext(ctx, "footprint indexed as wide", "area", area.String(), "max_cells", a.maxCells)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cells for %s: %w", area, err)
	}
	if err := a.index.Add(ctx, key, cells, ttl); err != nil {
		return fmt.Errorf("record %d cells: %w", len(cells), err)
	}
	return nil
}

// Keys deletes the given store keys.
func (a *Applier) Keys(ctx context.Context, source string, storeKeys ...string) (int, error) {
	if len(storeKeys) == 0 {
		return 0, nil
	}
	if err := a.cache.Del(ctx, storeKeys...); err != nil {
		return 0, fmt.Errorf("delete %d keys: %w", len(storeKeys), err)
	}
	observability.AddInvalidations(source, len(storeKeys))
	a.log.InfoContext(ctx, "cache invalidated", "source", source, "keys", len(storeKeys))
	return len(storeKeys), nil
}

// Request deletes the entry a proxied request for path and rawQuery would be
// served from, and returns its store key.
func (a *Applier) Request(ctx context.Context, source, path, rawQuery string) (string, error) {
	k, err := keys.Derive(path, rawQuery)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotCacheable, err)
	}
	if _, err := a.Keys(ctx, source, k.Store); err != nil {
		return "", err
	}
	return k.Store, nil
}

// Area deletes every indexed entry whose footprint overlaps bb.
func (a *Applier) Area(ctx context.Context, source string, bb model.BBox) (int, error) {
	if a.index == nil {
		return 0, ErrNoIndex
	}
	cells, err := a.mapper.CellsForBBox(bb, a.res, a.maxArea)
	if errors.Is(err, mapper.ErrTooManyCells) {
		return 0, fmt.Errorf("%w: %s at res %d", ErrAreaTooLarge, bb, a.res)
	}
	if err != nil {
		return 0, fmt.Errorf("cells for %s: %w", bb, err)
	}
	return a.cells(ctx, source, cells, func(fp model.BBox) bool { return fp.Overlaps(bb) })
}

// Geometry is Area for a GeoJSON Polygon or MultiPolygon. Every wide entry is
// treated as overlapping the geometry.
func (a *Applier) Geometry(ctx context.Context, source string, geojson string) (int, error) {
	if a.index == nil {
		return 0, ErrNoIndex
	}
	cells, err := a.mapper.CellsForPolygon(model.Polygon{GeoJSON: geojson}, a.res, a.maxArea)
	if errors.Is(err, mapper.ErrTooManyCells) {
		return 0, fmt.Errorf("%w: geometry at res %d", ErrAreaTooLarge, a.res)
	}
	if err != nil {
		return 0, fmt.Errorf("cells for geometry: %w", err)
	}
	return a.cells(ctx, source, cells, func(model.BBox) bool { return true })
}

// cells deletes the keys indexed under cells plus the wide keys whose
// footprint hits reports true for.
func (a *Applier) cells(ctx context.Context, source string, cells model.Cells, hits func(model.BBox) bool) (int, error) {
	ks, err := a.index.Keys(ctx, cells)
	if err != nil {
		return 0, fmt.Errorf("lookup cell index: %w", err)
	}
	wide, err := a.index.Wide(ctx)
	if err != nil {
		return 0, fmt.Errorf("lookup wide footprints: %w", err)
	}
	seen := make(map[string]struct{}, len(ks))
	for _, k := range ks {
		seen[k] = struct{}{}
	}
	for _, k := range wide {
		if _, dup := seen[k]; dup {
			continue
		}
		// a key whose footprint cannot be read is dropped rather than kept stale
		if fp, ok := keys.Footprint(k); !ok || hits(fp) {
			ks = append(ks, k)
		}
	}
	if len(ks) == 0 {
		return 0, nil
	}
	n, err := a.Keys(ctx, source, ks...)
	if err != nil {
		return 0, err
	}
	if err := a.index.Forget(ctx, cells, ks); err != nil {
		// stale members only point at deleted keys and expire with them
		a.log.WarnContext(ctx, "cell index cleanup failed", "cells", len(cells), "err", err)
	}
	return n, nil
}

// Apply dispatches a validated event to the matching operation.
func (a *Applier) Apply(ctx context.Context, source string, ev Event) (int, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	switch {
	case ev.Key != "":
		return a.Keys(ctx, source, ev.Key)
	case ev.Path != "":
		if _, err := a.Request(ctx, source, ev.Path, ev.Query); err != nil {
			return 0, err
		}
		return 1, nil
	case ev.BBox != nil:
		return a.Area(ctx, source, ev.BBox.Model())
	default:
		return a.Geometry(ctx, source, string(ev.Geometry))
	}
}
