// Package normalize reshapes a dataset's attribute schema before load:
// dropping configured columns, rounding numeric columns and folding all
// identifiers into the target store's rules. Every operation is idempotent
// and returns a derived dataset.
package normalize

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/geoberg/vectile/internal/geo"
)

// Options configure the normalizer. Listed columns that are absent from the
// dataset are ignored, not an error.
type Options struct {
	// DropColumns are removed from the schema and every feature.
	DropColumns []string
	// RoundColumns maps attribute name to decimal places. Only float
	// attributes are touched.
	RoundColumns map[string]int
}

type Normalizer struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options, log zerolog.Logger) *Normalizer {
	return &Normalizer{opts: opts, log: log.With().Str("component", "normalize").Logger()}
}

// Apply runs column removal, numeric rounding and identifier sanitization in
// that order and returns the derived dataset.
func (n *Normalizer) Apply(ds geo.Dataset) (geo.Dataset, error) {
	out := dropColumns(ds, n.opts.DropColumns)
	out = roundColumns(out, n.opts.RoundColumns)
	out, err := sanitizeSchema(out)
	if err != nil {
		return geo.Dataset{}, err
	}

	n.log.Debug().
		Str("dataset", ds.Name).
		Int("columns_in", len(ds.Schema.Names)).
		Int("columns_out", len(out.Schema.Names)).
		Msg("schema normalized")
	return out, nil
}

func dropColumns(ds geo.Dataset, drop []string) geo.Dataset {
	if len(drop) == 0 {
		return ds
	}
	gone := make(map[string]struct{}, len(drop))
	for _, c := range drop {
		gone[c] = struct{}{}
	}

	out := geo.Dataset{Name: ds.Name, SRID: ds.SRID}
	out.Schema.Types = make(map[string]geo.AttrType, len(ds.Schema.Types))
	for _, name := range ds.Schema.Names {
		if _, ok := gone[name]; ok {
			continue
		}
		out.Schema.Names = append(out.Schema.Names, name)
		out.Schema.Types[name] = ds.Schema.Types[name]
	}

	out.Features = make([]geo.Feature, len(ds.Features))
	for i, f := range ds.Features {
		attrs := make(map[string]any, len(f.Attributes))
		for k, v := range f.Attributes {
			if _, ok := gone[k]; ok {
				continue
			}
			attrs[k] = v
		}
		out.Features[i] = geo.Feature{Geometry: f.Geometry, Attributes: attrs}
	}
	return out
}

func roundColumns(ds geo.Dataset, places map[string]int) geo.Dataset {
	if len(places) == 0 {
		return ds
	}
	out := geo.Dataset{Name: ds.Name, SRID: ds.SRID, Schema: ds.Schema.Clone()}
	out.Features = make([]geo.Feature, len(ds.Features))
	for i, f := range ds.Features {
		attrs := f.CloneAttributes()
		for col, n := range places {
			if ds.Schema.Types[col] != geo.TypeFloat {
				continue
			}
			if v, ok := attrs[col].(float64); ok {
				attrs[col] = roundTo(v, n)
			}
		}
		out.Features[i] = geo.Feature{Geometry: f.Geometry, Attributes: attrs}
	}
	return out
}

// roundTo rounds half away from zero, matching common GIS tooling.
func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func sanitizeSchema(ds geo.Dataset) (geo.Dataset, error) {
	clean, err := Identifiers(ds.Schema.Names)
	if err != nil {
		return geo.Dataset{}, err
	}

	changed := false
	rename := make(map[string]string, len(clean))
	for i, name := range ds.Schema.Names {
		rename[name] = clean[i]
		if name != clean[i] {
			changed = true
		}
	}
	if !changed {
		return ds, nil
	}

	out := geo.Dataset{Name: ds.Name, SRID: ds.SRID}
	out.Schema.Names = clean
	out.Schema.Types = make(map[string]geo.AttrType, len(clean))
	for _, name := range ds.Schema.Names {
		out.Schema.Types[rename[name]] = ds.Schema.Types[name]
	}

	out.Features = make([]geo.Feature, len(ds.Features))
	for i, f := range ds.Features {
		attrs := make(map[string]any, len(f.Attributes))
		for k, v := range f.Attributes {
			if to, ok := rename[k]; ok {
				attrs[to] = v
			} else {
				attrs[k] = v
			}
		}
		out.Features[i] = geo.Feature{Geometry: f.Geometry, Attributes: attrs}
	}
	return out, nil
}
