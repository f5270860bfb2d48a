// Package invalidation removes cached responses by exact request, by store key or
// by geographic area, and records the spatial footprint of new entries.
package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternlabs/osm-proxy/internal/core/model"
)

const OpInvalidate = "invalidate"

// Event is the wire form of one invalidation. Exactly one target is set:
// key, path (with optional query), bbox or geometry.
type Event struct {
	Version  int             `json:"version"`
	Op       string          `json:"op"`
	Key      string          `json:"key,omitempty"`
	Path     string          `json:"path,omitempty"`
	Query    string          `json:"query,omitempty"`
	BBox     *BBox           `json:"bbox,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
	// Seq orders events for the same target; zero falls back to TS.
	Seq uint64    `json:"seq,omitempty"`
	TS  time.Time `json:"ts"`
}

type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Model() model.BBox {
	return model.BBox{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2}
}

var ErrInvalidEvent = errors.New("invalid invalidation event")

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("%w: version must be 1", ErrInvalidEvent)
	}
	if e.Op != OpInvalidate {
		return fmt.Errorf("%w: op must be %q", ErrInvalidEvent, OpInvalidate)
	}
	n := 0
	for _, set := range []bool{e.Key != "", e.Path != "", e.BBox != nil, len(e.Geometry) > 0} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: exactly one of key, path, bbox or geometry is required", ErrInvalidEvent)
	}
	if e.Query != "" && e.Path == "" {
		return fmt.Errorf("%w: query needs a path", ErrInvalidEvent)
	}
	if e.BBox != nil {
		bb := *e.BBox
		if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
			return fmt.Errorf("%w: bbox longitude out of range", ErrInvalidEvent)
		}
		if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
			return fmt.Errorf("%w: bbox latitude out of range", ErrInvalidEvent)
		}
		if bb.X2 < bb.X1 || bb.Y2 < bb.Y1 {
			return fmt.Errorf("%w: bbox must satisfy x2>=x1 and y2>=y1", ErrInvalidEvent)
		}
	}
	if len(e.Geometry) > 0 {
		var hdr struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(e.Geometry, &hdr); err != nil {
			return fmt.Errorf("%w: geometry parse: %w", ErrInvalidEvent, err)
		}
		if hdr.Type != "Polygon" && hdr.Type != "MultiPolygon" {
			return fmt.Errorf("%w: geometry.type must be Polygon or MultiPolygon", ErrInvalidEvent)
		}
	}
	return nil
}

// Target names what the event addresses, for ordering and logs.
func (e Event) Target() string {
	switch {
	case e.Key != "":
		return "key:" + e.Key
	case e.Path != "":
		return "req:" + e.Path + "?" + e.Query
	case e.BBox != nil:
		return "bbox:" + e.BBox.Model().String()
	default:
		return "geom:" + string(e.Geometry)
	}
}

// OrderVersion is the ordering value used to drop replays.
func (e Event) OrderVersion() uint64 {
	if e.Seq > 0 {
		return e.Seq
	}
	if e.TS.IsZero() {
		return 0
	}
	return uint64(e.TS.UnixNano())
}
