// Package partition splits a dataset into disjoint groups by one attribute's
// value and materializes each group as a FlatGeobuf file ready for loading.
package partition

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/geoberg/vectile/internal/exchange"
	"github.com/geoberg/vectile/internal/geo"
	"github.com/geoberg/vectile/internal/normalize"
)

// Partition is one group of the split: the rendered key value, the sanitized
// table identifier derived from it, the exchange file holding the group and
// its feature count.
type Partition struct {
	Key       string
	TableName string
	Path      string
	Count     int
}

type Splitter struct {
	// Dir is the scratch directory for exchange files.
	Dir string
	// BaseName, when non-empty, prefixes derived table names.
	BaseName string

	log zerolog.Logger
}

func New(dir, baseName string, log zerolog.Logger) *Splitter {
	return &Splitter{
		Dir:      dir,
		BaseName: baseName,
		log:      log.With().Str("component", "partition").Logger(),
	}
}

// Split groups features by the attribute's value. The grouping is disjoint
// and covering: every feature lands in exactly one group. Groups are returned
// in first-seen order of their key value. A missing attribute is a
// *geo.ConfigurationError.
func (s *Splitter) Split(ds geo.Dataset, attribute string) ([]Partition, error) {
	if !ds.Schema.Has(attribute) {
		return nil, &geo.ConfigurationError{
			Reason: fmt.Sprintf("partition attribute %q not in dataset %s", attribute, ds.Name),
		}
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("scratch dir %s: %w", s.Dir, err)
	}

	var order []any
	groups := make(map[any][]geo.Feature)
	for _, f := range ds.Features {
		v := f.Attributes[attribute]
		if _, seen := groups[v]; !seen {
			order = append(order, v)
		}
		groups[v] = append(groups[v], f)
	}

	// Table names are resolved as one batch so distinct keys that fold to
	// the same identifier get distinct tables instead of overwriting each
	// other's exchange file. The seed carries the value's type: "1" and
	// 1.0 render alike but must not share a name.
	keys := make([]string, len(order))
	seeds := make([]string, len(order))
	for i, v := range order {
		keys[i] = keyString(v)
		seeds[i] = fmt.Sprintf("%T %s", v, keys[i])
	}
	tables, err := normalize.TableNames(s.BaseName, keys, seeds)
	if err != nil {
		return nil, err
	}

	out := make([]Partition, 0, len(order))
	for i, v := range order {
		table := tables[i]
		path := filepath.Join(s.Dir, table+".fgb")
		sub := geo.Dataset{
			Name:     table,
			SRID:     ds.SRID,
			Schema:   ds.Schema.Clone(),
			Features: groups[v],
		}
		if err := exchange.WriteDataset(path, sub); err != nil {
			return nil, fmt.Errorf("partition %q: %w", keys[i], err)
		}
		out = append(out, Partition{
			Key:       keys[i],
			TableName: table,
			Path:      path,
			Count:     len(sub.Features),
		})
	}

	s.log.Info().
		Str("dataset", ds.Name).
		Str("attribute", attribute).
		Int("partitions", len(out)).
		Msg("dataset split")
	return out, nil
}

// keyString renders a partition key value. Grouping uses exact value
// equality; the string form only names the group.
func keyString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case float64:
		// Render integral floats without the trailing ".0" so keys read
		// like the source values.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
