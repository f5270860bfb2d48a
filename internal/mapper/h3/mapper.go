package h3mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/ternlabs/osm-proxy/internal/core/model"
	"github.com/ternlabs/osm-proxy/internal/mapper"
)

type Mapper struct{}

var _ mapper.Interface = (*Mapper)(nil)

func New() *Mapper { return &Mapper{} }

// degenerateSpan widens a zero-width or zero-height box into a polygon H3 can
// fill; about 0.1 mm at the equator.
const degenerateSpan = 1e-9

// CellsForBBox returns every cell overlapping bb, edge cells included. A point
// yields exactly one cell.
func (m *Mapper) CellsForBBox(bb model.BBox, res, limit int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	anchors := []h3.LatLng{{Lat: (bb.Y1 + bb.Y2) / 2, Lng: (bb.X1 + bb.X2) / 2}}
	if bb.IsPoint() {
		return cellsAt(anchors, res)
	}
	if bb.X1 == bb.X2 {
		bb.X2 += degenerateSpan
	}
	if bb.Y1 == bb.Y2 {
		bb.Y2 += degenerateSpan
	}
	// rectangular loop in EPSG:4326; v4 wants degrees
	outer := h3.GeoLoop{
		{Lat: bb.Y1, Lng: bb.X1},
		{Lat: bb.Y1, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X1},
	}
	return coverLoop(outer, nil, anchors, res, limit)
}

func (m *Mapper) CellsForPolygon(poly model.Polygon, res, limit int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}

	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(poly.GeoJSON), &hdr); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	switch hdr.Type {
	case "Polygon":
		var tmp struct {
			Type        string        `json:"type"`
			Coordinates [][][]float64 `json:"coordinates"` // [ring][i][lon,lat]
		}
		if err := json.Unmarshal([]byte(poly.GeoJSON), &tmp); err != nil {
			return nil, fmt.Errorf("parse polygon coords: %w", err)
		}
		if len(tmp.Coordinates) == 0 {
			return nil, errors.New("empty polygon")
		}
		outer := toLoop(tmp.Coordinates[0])
		if len(outer) < 4 {
			return nil, errors.New("outer ring has < 4 vertices")
		}
		var holes []h3.GeoLoop
		for i := 1; i < len(tmp.Coordinates); i++ {
			h := toLoop(tmp.Coordinates[i])
			if len(h) < 4 {
				return nil, fmt.Errorf("hole %d has < 4 vertices", i-1)
			}
			holes = append(holes, h)
		}
		return coverLoop(outer, holes, nil, res, limit)

	case "MultiPolygon":
		var tmp struct {
			Type        string          `json:"type"`
			Coordinates [][][][]float64 `json:"coordinates"` // [poly][ring][i][lon,lat]
		}
		if err := json.Unmarshal([]byte(poly.GeoJSON), &tmp); err != nil {
			return nil, fmt.Errorf("parse multipolygon coords: %w", err)
		}
		if len(tmp.Coordinates) == 0 {
			return nil, errors.New("empty multipolygon")
		}
		var all [][]string
		for pi, polyRings := range tmp.Coordinates {
			if len(polyRings) == 0 {
				return nil, fmt.Errorf("polygon %d is empty", pi)
			}
			outer := toLoop(polyRings[0])
			if len(outer) < 4 {
				return nil, fmt.Errorf("polygon %d outer ring has < 4 vertices", pi)
			}
			var holes []h3.GeoLoop
			for i := 1; i < len(polyRings); i++ {
				h := toLoop(polyRings[i])
				if len(h) < 4 {
					return nil, fmt.Errorf("polygon %d hole %d has < 4 vertices", pi, i-1)
				}
				holes = append(holes, h)
			}
			cells, err := coverLoop(outer, holes, nil, res, limit)
			if err != nil {
				return nil, err
			}
			all = append(all, cells)
		}
		return capped(merge(all...), limit)

	default:
		return nil, fmt.Errorf("unsupported GeoJSON type: %s", hdr.Type)
	}
}

// --- helpers ---

// coverLoop returns the cells overlapping the polygon plus the cells under the
// outer ring's vertices and any extra points, so shapes smaller than a cell
// still map somewhere.
func coverLoop(outer h3.GeoLoop, holes []h3.GeoLoop, extra []h3.LatLng, res, limit int) (model.Cells, error) {
	if limit > 0 {
		n, err := estimate(outer, res)
		if err != nil {
			return nil, err
		}
		if n > float64(limit) {
			return nil, mapper.ErrTooManyCells
		}
	}
	filled, err := overlapping(outer, holes, res, limit)
	if err != nil {
		return nil, err
	}
	edge, err := cellsAt(append(append([]h3.LatLng(nil), outer...), extra...), res)
	if err != nil {
		return nil, err
	}
	return capped(merge(filled, edge), limit)
}

const earthRadiusKm = 6371.0088

// estimate is roughly how many cells at res the envelope of loop spans. It
// runs before polyfill, which sizes its buffer for the whole shape up front.
func estimate(loop h3.GeoLoop, res int) (float64, error) {
	avg, err := h3.HexagonAreaAvgKm2(res)
	if err != nil {
		return 0, fmt.Errorf("h3 hexagon area at res %d: %w", res, err)
	}
	minLat, maxLat := loop[0].Lat, loop[0].Lat
	minLng, maxLng := loop[0].Lng, loop[0].Lng
	for _, p := range loop[1:] {
		minLat, maxLat = math.Min(minLat, p.Lat), math.Max(maxLat, p.Lat)
		minLng, maxLng = math.Min(minLng, p.Lng), math.Max(maxLng, p.Lng)
	}
	rad := math.Pi / 180
	area := earthRadiusKm * earthRadiusKm * (maxLng - minLng) * rad *
		math.Abs(math.Sin(maxLat*rad)-math.Sin(minLat*rad))
	return area / avg, nil
}

func capped(cells model.Cells, limit int) (model.Cells, error) {
	if limit > 0 && len(cells) > limit {
		return nil, mapper.ErrTooManyCells
	}
	return cells, nil
}

func cellsAt(pts []h3.LatLng, res int) (model.Cells, error) {
	out := make([]string, 0, len(pts))
	for _, p := range pts {
		c, err := h3.LatLngToCell(p, res)
		if err != nil {
			return nil, fmt.Errorf("h3 cell for %v,%v: %w", p.Lat, p.Lng, err)
		}
		out = append(out, c.String())
	}
	return merge(out), nil
}

// merge returns the sorted union of the given cell sets.
func merge(sets ...[]string) model.Cells {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range sets {
		for _, c := range s {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// Convert a GeoJSON ring [[lon,lat], ...] to an h3.GeoLoop (in degrees).
// If the ring is explicitly closed (last == first), drop the trailing duplicate.
func toLoop(coords [][]float64) h3.GeoLoop {
	loop := make(h3.GeoLoop, 0, len(coords))
	for _, xy := range coords {
		if len(xy) != 2 {
			continue
		}
		loop = append(loop, h3.LatLng{Lat: xy[1], Lng: xy[0]})
	}
	// drop duplicated closing vertex if present
	if len(loop) >= 2 {
		last := loop[len(loop)-1]
		first := loop[0]
		if last.Lat == first.Lat && last.Lng == first.Lng {
			loop = loop[:len(loop)-1]
		}
	}
	return loop
}

// overlapping returns the sorted cells that touch the polygon anywhere, not
// just those whose centers fall inside it.
func overlapping(outer h3.GeoLoop, holes []h3.GeoLoop, res, limit int) (model.Cells, error) {
	if len(outer) < 3 {
		return nil, errors.New("outer ring has < 3 vertices")
	}
	poly := h3.GeoPolygon{
		GeoLoop: outer,
		Holes:   holes,
	}

	var bound []int64
	if limit > 0 {
		bound = append(bound, int64(limit))
	}
	indexes, err := h3.PolygonToCellsExperimental(poly, res, h3.ContainmentOverlapping, bound...)
	if errors.Is(err, h3.ErrMemoryBounds) {
		return nil, mapper.ErrTooManyCells
	}
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	out := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, idx.String())
	}
	return merge(out), nil
}
