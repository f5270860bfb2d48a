// Package cellindex records which cached responses cover which H3 cells so a
// geographic area can be invalidated without scanning the keyspace.
package cellindex

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ternlabs/osm-proxy/internal/core/model"
)

// SetStore is the subset of the Redis client the index needs. Each call is one
// round trip however many sets it touches.
type SetStore interface {
	SAddWithTTL(ctx context.Context, keys []string, ttl time.Duration, members ...string) error
	SMembers(ctx context.Context, keys ...string) ([]string, error)
	SRem(ctx context.Context, keys []string, members ...string) error
}

type CellIndex interface {
	// Add records key under every cell; ttl should match the entry's ttl.
	Add(ctx context.Context, key string, cells model.Cells, ttl time.Duration) error
	// AddWide records key in the wide set, for footprints too large to index
	// cell by cell.
	AddWide(ctx context.Context, key string, ttl time.Duration) error
	// Keys returns the sorted, unique cache keys recorded under any of cells.
	Keys(ctx context.Context, cells model.Cells) ([]string, error)
	// Wide returns the sorted keys in the wide set.
	Wide(ctx context.Context) ([]string, error)
	// Forget drops keys from the given cells and from the wide set.
	Forget(ctx context.Context, cells model.Cells, keys []string) error
}

type redisCellIndex struct {
	cli SetStore
	res int
}

func NewRedisIndex(cli SetStore, res int) CellIndex {
	return &redisCellIndex{cli: cli, res: res}
}

// CellKey names the set holding the cache keys of one cell.
func CellKey(res int, cell string) string {
	return "osm:cell:" + strconv.Itoa(res) + ":" + cell
}

// WideKey names the set of keys whose footprint spans too many cells.
func WideKey(res int) string {
	return "osm:cell:" + strconv.Itoa(res) + ":wide"
}

func (ci *redisCellIndex) setKeys(cells model.Cells) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = CellKey(ci.res, c)
	}
	return out
}

func (ci *redisCellIndex) Add(ctx context.Context, key string, cells model.Cells, ttl time.Duration) error {
	if err := ci.cli.SAddWithTTL(ctx, ci.setKeys(cells), ttl, key); err != nil {
		return fmt.Errorf("cellindex add %d cells: %w", len(cells), err)
	}
	return nil
}

func (ci *redisCellIndex) AddWide(ctx context.Context, key string, ttl time.Duration) error {
	if err := ci.cli.SAddWithTTL(ctx, []string{WideKey(ci.res)}, ttl, key); err != nil {
		return fmt.Errorf("cellindex add wide: %w", err)
	}
	return nil
}

func (ci *redisCellIndex) Keys(ctx context.Context, cells model.Cells) ([]string, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	members, err := ci.cli.SMembers(ctx, ci.setKeys(cells)...)
	if err != nil {
		return nil, fmt.Errorf("cellindex members of %d cells: %w", len(cells), err)
	}
	return unique(members), nil
}

func (ci *redisCellIndex) Wide(ctx context.Context) ([]string, error) {
	members, err := ci.cli.SMembers(ctx, WideKey(ci.res))
	if err != nil {
		return nil, fmt.Errorf("cellindex wide members: %w", err)
	}
	return unique(members), nil
}

func (ci *redisCellIndex) Forget(ctx context.Context, cells model.Cells, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	sets := append(ci.setKeys(cells), WideKey(ci.res))
	if err := ci.cli.SRem(ctx, sets, keys...); err != nil {
		return fmt.Errorf("cellindex forget from %d sets: %w", len(sets), err)
	}
	return nil
}

// unique returns the sorted distinct members, nil when there are none.
func unique(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	var out []string
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
