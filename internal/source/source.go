// Package source reads input datasets. The pipeline is format-agnostic
// beyond the geometry+attribute collection abstraction; GeoJSON and
// FlatGeobuf sources are supported here.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/geoberg/vectile/internal/exchange"
	"github.com/geoberg/vectile/internal/geo"
)

// Read loads a dataset from path, dispatching on the file extension. The
// dataset name is the file's base name without extension, the usual layer
// base name downstream. A missing or unreadable file is a
// *geo.MissingSourceError.
func Read(path string, defaultSRID int) (geo.Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fgb":
		ds, err := exchange.ReadDataset(path)
		if err != nil {
			return geo.Dataset{}, err
		}
		ds.Name = baseName(path)
		if ds.SRID == 0 {
			ds.SRID = defaultSRID
		}
		return ds, nil
	case ".geojson", ".json":
		return readGeoJSON(path)
	default:
		return geo.Dataset{}, &geo.MissingSourceError{
			Path: path,
			Err:  fmt.Errorf("unsupported source format %q", filepath.Ext(path)),
		}
	}
}

// Discover expands a glob pattern into a sorted list of source paths.
func Discover(pattern string) ([]string, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, &geo.ConfigurationError{Reason: fmt.Sprintf("bad source pattern %q: %v", pattern, err)}
	}
	sort.Strings(paths)
	return paths, nil
}

func readGeoJSON(path string) (geo.Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return geo.Dataset{}, &geo.MissingSourceError{Path: path, Err: err}
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return geo.Dataset{}, &geo.MissingSourceError{
			Path: path,
			Err:  fmt.Errorf("parse geojson: %w", err),
		}
	}

	ds := geo.Dataset{
		Name: baseName(path),
		// GeoJSON coordinates are WGS84 by definition.
		SRID:   4326,
		Schema: geo.Schema{Types: map[string]geo.AttrType{}},
	}

	for _, f := range fc.Features {
		feat := geo.Feature{
			Geometry:   f.Geometry,
			Attributes: make(map[string]any, len(f.Properties)),
		}
		for k, v := range f.Properties {
			feat.Attributes[k] = v
			if !ds.Schema.Has(k) {
				ds.Schema.Names = append(ds.Schema.Names, k)
				ds.Schema.Types[k] = attrType(v)
			}
		}
		ds.Features = append(ds.Features, feat)
	}
	// Property iteration order is not stable across features; keep the
	// schema deterministic.
	sort.Strings(ds.Schema.Names)
	return ds, nil
}

func attrType(v any) geo.AttrType {
	switch v.(type) {
	case float64:
		return geo.TypeFloat
	case bool:
		return geo.TypeBool
	default:
		return geo.TypeString
	}
}

func baseName(path string) string {
	b := filepath.Base(path)
	return strings.TrimSuffix(b, filepath.Ext(b))
}
