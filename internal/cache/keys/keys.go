// Package keys derives cache keys from the semantic content of a proxied request.
package keys

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/ternlabs/osm-proxy/internal/core/model"
)

const (
	prefix = "osm:v1:"

	// canonical encodings longer than this are not cached
	MaxCanonicalLen = 1024
)

// ErrUnsupported means the request cannot be normalized safely and must bypass
// the cache. It is never surfaced to the caller.
var ErrUnsupported = errors.New("request not cacheable")

// Key identifies one cacheable request.
type Key struct {
	// Store is the full key written to the backend.
	Store string
	// Digest is the xxhash64 of the canonical part, used in logs and headers.
	Digest string
	// Footprint is the request's spatial extent, when it has one.
	Footprint *model.BBox
}

func (k Key) String() string { return k.Store }

// Derive normalizes path and rawQuery into a Key. Parameter order never matters.
func Derive(path, rawQuery string) (Key, error) {
	p, err := normalizePath(path)
	if err != nil {
		return Key{}, err
	}

	vals, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Key{}, fmt.Errorf("%w: parse query: %w", ErrUnsupported, err)
	}

	names := make([]string, 0, len(vals))
	for name, vs := range vals {
		if !validName(name) {
			return Key{}, fmt.Errorf("%w: parameter name %q", ErrUnsupported, name)
		}
		if reservedName(name) {
			return Key{}, fmt.Errorf("%w: credential parameter %q in query", ErrUnsupported, name)
		}
		if len(vs) != 1 {
			return Key{}, fmt.Errorf("%w: parameter %q repeated", ErrUnsupported, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	fp, err := footprint(vals)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}

	var b strings.Builder
	b.Grow(len(p) + len(rawQuery) + 8)
	b.WriteString(p)
	b.WriteByte('?')
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(vals[name][0]))
	}
	canonical := b.String()
	if len(canonical) > MaxCanonicalLen {
		return Key{}, fmt.Errorf("%w: canonical form is %d bytes", ErrUnsupported, len(canonical))
	}

	digest := fmt.Sprintf("%016x", xxhash.Sum64String(canonical))
	return Key{
		Store:     prefix + canonical + ":f=" + digest,
		Digest:    digest,
		Footprint: fp,
	}, nil
}

// footprint is bbox when present, else the ll point, else nil. Both are
// validated when both are given.
func footprint(vals url.Values) (*model.BBox, error) {
	var fp *model.BBox
	if v, ok := vals["bbox"]; ok {
		bb, err := ParseBBox(v[0])
		if err != nil {
			return nil, err
		}
		fp = &bb
	}
	if v, ok := vals["ll"]; ok {
		pt, err := ParseLatLon(v[0])
		if err != nil {
			return nil, err
		}
		if fp == nil {
			fp = &pt
		}
	}
	return fp, nil
}

// Footprint recovers the spatial extent from a store key built by Derive. ok is
// false for foreign keys and keys without one.
func Footprint(store string) (bb model.BBox, ok bool) {
	rest, found := strings.CutPrefix(store, prefix)
	if !found {
		return bb, false
	}
	i := strings.LastIndex(rest, ":f=")
	if i < 0 {
		return bb, false
	}
	_, query, found := strings.Cut(rest[:i], "?")
	if !found {
		return bb, false
	}
	vals, err := url.ParseQuery(query)
	if err != nil {
		return bb, false
	}
	fp, err := footprint(vals)
	if err != nil || fp == nil {
		return bb, false
	}
	return *fp, true
}

// normalizePath collapses repeated slashes and drops a trailing slash. The result
// is returned in escaped form so a literal '?' in the path cannot collide with
// the query separator.
func normalizePath(path string) (string, error) {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: relative path %q", ErrUnsupported, path)
	}

	segs := strings.Split(path, "/")
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		switch s {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("%w: dot segment in path %q", ErrUnsupported, path)
		}
		out = append(out, s)
	}
	clean := "/" + strings.Join(out, "/")
	return (&url.URL{Path: clean}).EscapedPath(), nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '.', c == ':', c == '-':
		default:
			return false
		}
	}
	return true
}

func reservedName(s string) bool {
	switch strings.ToLower(s) {
	case "x-api-key", "api_key", "apikey":
		return true
	}
	return false
}

// ParseBBox reads "x1,y1,x2,y2" in degrees. Corner order is not enforced; the
// returned box is normalized so X1<=X2 and Y1<=Y2.
func ParseBBox(s string) (model.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return model.BBox{}, fmt.Errorf("bbox %q: want 4 comma-separated numbers", s)
	}
	var f [4]float64
	for i, p := range parts {
		v, err := parseFinite(p)
		if err != nil {
			return model.BBox{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		f[i] = v
	}
	for _, x := range []float64{f[0], f[2]} {
		if x < -180 || x > 180 {
			return model.BBox{}, fmt.Errorf("bbox %q: longitude %v out of range", s, x)
		}
	}
	for _, y := range []float64{f[1], f[3]} {
		if y < -90 || y > 90 {
			return model.BBox{}, fmt.Errorf("bbox %q: latitude %v out of range", s, y)
		}
	}
	return model.BBox{
		X1: math.Min(f[0], f[2]), Y1: math.Min(f[1], f[3]),
		X2: math.Max(f[0], f[2]), Y2: math.Max(f[1], f[3]),
	}, nil
}

// ParseLatLon reads "lat,lon" and returns it as a degenerate box.
func ParseLatLon(s string) (model.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return model.BBox{}, fmt.Errorf("ll %q: want lat,lon", s)
	}
	lat, err := parseFinite(parts[0])
	if err != nil {
		return model.BBox{}, fmt.Errorf("ll %q: %w", s, err)
	}
	lon, err := parseFinite(parts[1])
	if err != nil {
		return model.BBox{}, fmt.Errorf("ll %q: %w", s, err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return model.BBox{}, fmt.Errorf("ll %q: out of range", s)
	}
	return model.BBox{X1: lon, Y1: lat, X2: lon, Y2: lat}, nil
}

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not finite: %q", s)
	}
	return v, nil
}
