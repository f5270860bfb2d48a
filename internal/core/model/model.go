// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"math"
)

// Request is one inbound proxy query, decoupled from net/http.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	APIKey   string
	Accept   string
}

// URI returns path and query as they are forwarded upstream
func (r Request) URI() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
}

// String representation matching the bbox query parameter format
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.X1, b.Y1, b.X2, b.Y2)
}

// IsPoint reports whether the box collapses to a single coordinate.
func (b BBox) IsPoint() bool {
	return b.X1 == b.X2 && b.Y1 == b.Y2
}

// Overlaps reports whether b and o share at least one point, edges included.
func (b BBox) Overlaps(o BBox) bool {
	return math.Min(b.X1, b.X2) <= math.Max(o.X1, o.X2) && math.Min(o.X1, o.X2) <= math.Max(b.X1, b.X2) &&
		math.Min(b.Y1, b.Y2) <= math.Max(o.Y1, o.Y2) && math.Min(o.Y1, o.Y2) <= math.Max(b.Y1, b.Y2)
}

type Polygon struct {
	GeoJSON string
}

type Cells []string
