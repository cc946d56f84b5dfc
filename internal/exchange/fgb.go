// Package exchange persists datasets as FlatGeobuf, the lossless binary
// format used to hand partitions from the splitter to the store loader and
// accepted as a pipeline input format.
package exchange

import (
	"fmt"
	"os"

	"github.com/paulmach/orb/geojson"
	flatgeobuf "github.com/tingold/orb-flatgeobuf"

	"github.com/geoberg/vectile/internal/geo"
)

// WriteDataset streams the dataset into a FlatGeobuf file at path. The file
// is created or truncated.
func WriteDataset(path string, ds geo.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	fc := geojson.NewFeatureCollection()
	for _, feat := range ds.Features {
		gf := geojson.NewFeature(feat.Geometry)
		for _, name := range ds.Schema.Names {
			if v, ok := feat.Attributes[name]; ok {
				gf.Properties[name] = v
			}
		}
		fc.Append(gf)
	}
	if err := flatgeobuf.WriteFeatures(f, fc, &flatgeobuf.Options{
		Name:         ds.Name,
		IncludeIndex: true,
		CRS:          &flatgeobuf.CRS{Code: ds.SRID},
	}); err != nil {
		return fmt.Errorf("write features to %s: %w", path, err)
	}
	return f.Close()
}

// ReadDataset loads a FlatGeobuf file back into a dataset. The attribute
// schema comes from the file header; column order is preserved.
func ReadDataset(path string) (geo.Dataset, error) {
	if _, err := os.Stat(path); err != nil {
		return geo.Dataset{}, &geo.MissingSourceError{Path: path, Err: err}
	}

	r, err := flatgeobuf.NewReader(path)
	if err != nil {
		return geo.Dataset{}, fmt.Errorf("flatgeobuf reader %s: %w", path, err)
	}
	defer r.Close()

	hdr := r.Header()
	ds := geo.Dataset{
		Name:   hdr.Name,
		Schema: geo.Schema{Types: map[string]geo.AttrType{}},
	}
	if hdr.CRS != nil {
		ds.SRID = hdr.CRS.Code
	}
	for _, col := range hdr.Columns {
		ds.Schema.Names = append(ds.Schema.Names, col.Name)
		ds.Schema.Types[col.Name] = columnType(col.Type)
	}

	fc, err := r.ReadAll()
	if err != nil {
		return geo.Dataset{}, fmt.Errorf("read features from %s: %w", path, err)
	}
	for _, gf := range fc.Features {
		feat := geo.Feature{
			Geometry:   gf.Geometry,
			Attributes: make(map[string]any, len(gf.Properties)),
		}
		for k, v := range gf.Properties {
			feat.Attributes[k] = v
			if !ds.Schema.Has(k) {
				ds.Schema.Names = append(ds.Schema.Names, k)
				ds.Schema.Types[k] = inferType(v)
			}
		}
		ds.Features = append(ds.Features, feat)
	}
	return ds, nil
}

func columnType(t string) geo.AttrType {
	switch t {
	case "Double", "Float":
		return geo.TypeFloat
	case "Int", "Long", "Short", "Byte", "UByte", "UInt", "ULong":
		return geo.TypeInt
	case "Bool":
		return geo.TypeBool
	default:
		return geo.TypeString
	}
}

func inferType(v any) geo.AttrType {
	switch v.(type) {
	case float64, float32:
		return geo.TypeFloat
	case int, int32, int64, uint32, uint64:
		return geo.TypeInt
	case bool:
		return geo.TypeBool
	default:
		return geo.TypeString
	}
}
