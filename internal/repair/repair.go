// Package repair validates feature geometries and repairs the ones it can.
//
// A geometry is accepted when every ring is simple: closed, non-degenerate
// and free of self-intersections. A self-touching ring (the classic bowtie)
// is repaired by splitting it at each crossing point into simple sub-rings
// and keeping the parts with real area, which matches what a zero-distance
// self-union does to near-valid shapes. Features whose geometry is nil or
// collapses to nothing are dropped.
package repair

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"github.com/rs/zerolog"

	"github.com/geoberg/vectile/internal/geo"
)

// minRingArea is the planar area below which a repaired part is considered
// degenerate and discarded.
const minRingArea = 1e-12

// Report counts what happened to the input features.
type Report struct {
	Input    int
	Repaired int
	Dropped  int
	Kept     int
}

type Repairer struct {
	// SimplifyTolerance, when positive, applies Douglas-Peucker
	// simplification to repaired geometries. Units are dataset CRS units.
	SimplifyTolerance float64

	log zerolog.Logger
}

func New(log zerolog.Logger) *Repairer {
	return &Repairer{log: log.With().Str("component", "repair").Logger()}
}

// Repair returns a derived dataset containing only valid geometries, together
// with a report of repairs and drops. The input dataset is not modified.
// When nothing survives, the error is *geo.EmptyDatasetError.
func (r *Repairer) Repair(ds geo.Dataset) (geo.Dataset, Report, error) {
	rep := Report{Input: len(ds.Features)}
	out := geo.Dataset{
		Name:   ds.Name,
		SRID:   ds.SRID,
		Schema: ds.Schema.Clone(),
	}

	for _, f := range ds.Features {
		g, repaired := repairGeometry(f.Geometry)
		if g == nil {
			rep.Dropped++
			continue
		}
		if repaired {
			rep.Repaired++
		}
		if r.SimplifyTolerance > 0 {
			g = simplify.DouglasPeucker(r.SimplifyTolerance).Simplify(g)
			if g == nil {
				rep.Dropped++
				continue
			}
		}
		out.Features = append(out.Features, geo.Feature{
			Geometry:   g,
			Attributes: f.CloneAttributes(),
		})
		rep.Kept++
	}

	r.log.Info().
		Str("dataset", ds.Name).
		Int("input", rep.Input).
		Int("repaired", rep.Repaired).
		Int("dropped", rep.Dropped).
		Msg("geometry repair finished")

	if out.Empty() {
		return geo.Dataset{}, rep, &geo.EmptyDatasetError{Dataset: ds.Name}
	}
	return out, rep, nil
}

// repairGeometry returns a valid geometry derived from g, or nil when the
// geometry cannot be salvaged. The second result reports whether a repair
// was applied.
func repairGeometry(g orb.Geometry) (orb.Geometry, bool) {
	switch v := g.(type) {
	case nil:
		return nil, false
	case orb.Point:
		return v, false
	case orb.MultiPoint:
		if len(v) == 0 {
			return nil, false
		}
		return v, false
	case orb.LineString:
		if len(v) < 2 {
			return nil, false
		}
		return v, false
	case orb.MultiLineString:
		if len(v) == 0 {
			return nil, false
		}
		return v, false
	case orb.Polygon:
		return repairPolygon(v)
	case orb.MultiPolygon:
		var out orb.MultiPolygon
		repaired := false
		for _, p := range v {
			rp, r := repairPolygon(p)
			if r {
				repaired = true
			}
			switch t := rp.(type) {
			case orb.Polygon:
				out = append(out, t)
			case orb.MultiPolygon:
				out = append(out, t...)
			}
		}
		if len(out) == 0 {
			return nil, repaired
		}
		if len(out) == 1 {
			return out[0], repaired
		}
		return out, repaired
	case orb.Collection:
		// Flatten collections to their polygonal content; mixed-type input
		// does not survive the persistence model.
		var out orb.MultiPolygon
		repaired := false
		for _, member := range v {
			rg, r := repairGeometry(member)
			if r {
				repaired = true
			}
			switch t := rg.(type) {
			case orb.Polygon:
				out = append(out, t)
			case orb.MultiPolygon:
				out = append(out, t...)
			}
		}
		if len(out) == 0 {
			return nil, repaired
		}
		return out, true
	default:
		return nil, false
	}
}

// repairPolygon validates every ring of p, splitting self-intersecting rings
// into simple parts. The result is nil, an orb.Polygon or an orb.MultiPolygon.
func repairPolygon(p orb.Polygon) (orb.Geometry, bool) {
	if len(p) == 0 {
		return nil, false
	}

	outer, outerRepaired := repairRing(p[0])
	if len(outer) == 0 {
		return nil, outerRepaired
	}

	holes := make([]orb.Ring, 0, len(p)-1)
	holesRepaired := false
	for _, h := range p[1:] {
		parts, r := repairRing(h)
		if r {
			holesRepaired = true
		}
		holes = append(holes, parts...)
	}
	repaired := outerRepaired || holesRepaired

	if len(outer) == 1 {
		poly := orb.Polygon{orient(outer[0], true)}
		for _, h := range holes {
			poly = append(poly, orient(h, false))
		}
		return poly, repaired
	}

	// The outer ring split into several simple rings. Holes are assigned to
	// the part that contains their first vertex.
	mp := make(orb.MultiPolygon, 0, len(outer))
	for _, ring := range outer {
		mp = append(mp, orb.Polygon{orient(ring, true)})
	}
	for _, h := range holes {
		if len(h) == 0 {
			continue
		}
		for i, poly := range mp {
			if planar.RingContains(poly[0], h[0]) {
				mp[i] = append(mp[i], orient(h, false))
				break
			}
		}
	}
	return mp, repaired
}

// repairRing returns the simple rings derived from r. A ring that is already
// simple comes back unchanged as a single element. Degenerate parts (fewer
// than four points or near-zero area) are discarded.
func repairRing(r orb.Ring) ([]orb.Ring, bool) {
	r = closeRing(r)
	if len(r) < 4 {
		return nil, false
	}
	i, j, pt, found := firstSelfIntersection(r)
	if !found {
		if degenerate(r) {
			return nil, false
		}
		return []orb.Ring{r}, false
	}

	first, second := splitAt(r, i, j, pt)
	var out []orb.Ring
	for _, part := range [][]orb.Ring{mustRepair(first), mustRepair(second)} {
		out = append(out, part...)
	}
	return out, true
}

func mustRepair(r orb.Ring) []orb.Ring {
	parts, _ := repairRing(r)
	return parts
}

func closeRing(r orb.Ring) orb.Ring {
	if len(r) == 0 {
		return r
	}
	if r[0] != r[len(r)-1] {
		r = append(append(orb.Ring(nil), r...), r[0])
	}
	return r
}

func degenerate(r orb.Ring) bool {
	a := planar.Area(r)
	if a < 0 {
		a = -a
	}
	return a < minRingArea
}

func orient(r orb.Ring, ccw bool) orb.Ring {
	want := orb.CW
	if ccw {
		want = orb.CCW
	}
	if r.Orientation() == want {
		return r
	}
	out := make(orb.Ring, len(r))
	for i := range r {
		out[i] = r[len(r)-1-i]
	}
	return out
}

// firstSelfIntersection finds the first proper crossing between two
// non-adjacent segments of the ring. Segment i spans r[i]..r[i+1].
func firstSelfIntersection(r orb.Ring) (int, int, orb.Point, bool) {
	n := len(r) - 1 // closed ring: last point repeats the first
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue // adjacent through the closure point
			}
			if pt, ok := segmentCross(r[i], r[i+1], r[j], r[j+1]); ok {
				return i, j, pt, true
			}
		}
	}
	return 0, 0, orb.Point{}, false
}

// splitAt cuts a closed ring at the crossing point between segments i and j
// into the two loops that meet there.
func splitAt(r orb.Ring, i, j int, pt orb.Point) (orb.Ring, orb.Ring) {
	// Loop one: pt -> r[i+1..j] -> pt
	first := orb.Ring{pt}
	first = append(first, r[i+1:j+1]...)
	first = append(first, pt)

	// Loop two: pt -> r[j+1..end-1], r[0..i] -> pt
	second := orb.Ring{pt}
	second = append(second, r[j+1:len(r)-1]...)
	second = append(second, r[:i+1]...)
	second = append(second, pt)
	return first, second
}

// segmentCross reports a proper intersection between segments ab and cd,
// excluding shared endpoints.
func segmentCross(a, b, c, d orb.Point) (orb.Point, bool) {
	if a == c || a == d || b == c || b == d {
		return orb.Point{}, false
	}
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		t := d1 / (d1 - d2)
		return orb.Point{
			a[0] + t*(b[0]-a[0]),
			a[1] + t*(b[1]-a[1]),
		}, true
	}
	return orb.Point{}, false
}

func cross(o, p, q orb.Point) float64 {
	return (p[0]-o[0])*(q[1]-o[1]) - (p[1]-o[1])*(q[0]-o[0])
}
