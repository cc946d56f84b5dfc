// Package geo holds the feature/dataset model shared by the ingest pipeline
// and the tile encoder, plus the pipeline-level error taxonomy.
package geo

import (
	"fmt"

	"github.com/paulmach/orb"
)

// AttrType is the logical type of an attribute column.
type AttrType int

const (
	TypeString AttrType = iota
	TypeFloat
	TypeInt
	TypeBool
)

func (t AttrType) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	default:
		return "string"
	}
}

// Schema is the ordered attribute schema shared by all features of a dataset.
type Schema struct {
	Names []string
	Types map[string]AttrType
}

// Clone returns a deep copy so derived datasets never alias schema state.
func (s Schema) Clone() Schema {
	out := Schema{
		Names: append([]string(nil), s.Names...),
		Types: make(map[string]AttrType, len(s.Types)),
	}
	for k, v := range s.Types {
		out.Types[k] = v
	}
	return out
}

// Has reports whether the schema contains the named attribute.
func (s Schema) Has(name string) bool {
	_, ok := s.Types[name]
	return ok
}

// Feature is one geometry with its attribute values.
type Feature struct {
	Geometry   orb.Geometry
	Attributes map[string]any
}

// CloneAttributes returns a shallow copy of the attribute map. Values are
// scalars, so a map copy is enough.
func (f Feature) CloneAttributes() map[string]any {
	out := make(map[string]any, len(f.Attributes))
	for k, v := range f.Attributes {
		out[k] = v
	}
	return out
}

// Dataset is an ordered feature collection with one CRS and one schema.
// Pipeline stages treat datasets as immutable and return derived copies.
type Dataset struct {
	Name     string
	SRID     int
	Schema   Schema
	Features []Feature
}

// Empty reports whether the dataset has no features.
func (d Dataset) Empty() bool { return len(d.Features) == 0 }

func (d Dataset) String() string {
	return fmt.Sprintf("%s (srid=%d, features=%d, columns=%d)",
		d.Name, d.SRID, len(d.Features), len(d.Schema.Names))
}
