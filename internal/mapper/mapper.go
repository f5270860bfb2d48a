// Package mapper turns the spatial footprint of a cached request, or the area
// of an invalidation, into the H3 cells the cell index is keyed by.
package mapper

import (
	"errors"

	"github.com/ternlabs/osm-proxy/internal/core/model"
)

// ErrTooManyCells is returned when a cover would pass the caller's limit.
var ErrTooManyCells = errors.New("mapper: cover exceeds cell limit")

// Interface must cover every cell a footprint touches: a cell missed when an
// entry is recorded is a cell an area invalidation cannot reach.
//
// A limit <= 0 means no limit.
type Interface interface {
	// CellsForBBox accepts degenerate boxes (an ll= point).
	CellsForBBox(bb model.BBox, res, limit int) (model.Cells, error)
	// CellsForPolygon takes a GeoJSON Polygon or MultiPolygon.
	CellsForPolygon(poly model.Polygon, res, limit int) (model.Cells, error)
}
