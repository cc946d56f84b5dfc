package partition

import (
	"io"
	"testing"

	"github.com/paulmach/orb"

	"github.com/geoberg/vectile/internal/exchange"
	"github.com/geoberg/vectile/internal/geo"
	"github.com/geoberg/vectile/internal/logger"
)

func newSplitter(t *testing.T, base string) *Splitter {
	t.Helper()
	return New(t.TempDir(), base, logger.Build(logger.Config{Level: "error"}, io.Discard))
}

func regionDataset(values ...string) geo.Dataset {
	ds := geo.Dataset{
		Name: "parcels",
		SRID: 2154,
		Schema: geo.Schema{
			Names: []string{"region"},
			Types: map[string]geo.AttrType{"region": geo.TypeString},
		},
	}
	for i, v := range values {
		ds.Features = append(ds.Features, geo.Feature{
			Geometry:   orb.Point{float64(i), float64(i)},
			Attributes: map[string]any{"region": v},
		})
	}
	return ds
}

func TestSplit_NorthSouth(t *testing.T) {
	ds := regionDataset(
		"north", "north", "south", "north", "south",
		"north", "south", "north", "south", "north",
	)
	parts, err := newSplitter(t, "").Split(ds, "region")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if parts[0].TableName != "north" || parts[0].Count != 6 {
		t.Fatalf("unexpected first partition: %+v", parts[0])
	}
	if parts[1].TableName != "south" || parts[1].Count != 4 {
		t.Fatalf("unexpected second partition: %+v", parts[1])
	}
}

func TestSplit_DisjointAndCovering(t *testing.T) {
	ds := regionDataset("a", "b", "c", "a", "b", "a")
	parts, err := newSplitter(t, "").Split(ds, "region")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	total := 0
	seen := map[string]bool{}
	for _, p := range parts {
		if seen[p.Key] {
			t.Fatalf("duplicate partition key %q", p.Key)
		}
		seen[p.Key] = true
		total += p.Count
	}
	if total != len(ds.Features) {
		t.Fatalf("partitions cover %d features, dataset has %d", total, len(ds.Features))
	}
}

func TestSplit_FirstSeenOrder(t *testing.T) {
	ds := regionDataset("zulu", "alpha", "zulu", "mike")
	parts, err := newSplitter(t, "").Split(ds, "region")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := []string{parts[0].Key, parts[1].Key, parts[2].Key}
	want := []string{"zulu", "alpha", "mike"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestSplit_MissingAttributeIsConfigurationError(t *testing.T) {
	ds := regionDataset("north")
	_, err := newSplitter(t, "").Split(ds, "commune")
	if _, ok := err.(*geo.ConfigurationError); !ok {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestSplit_TableNamesAreSanitized(t *testing.T) {
	ds := regionDataset("Nord-Est")
	parts, err := newSplitter(t, "roofs").Split(ds, "region")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parts[0].TableName != "roofs_nord_est" {
		t.Fatalf("unexpected table name %q", parts[0].TableName)
	}
}

func TestSplit_CollidingKeysKeepSeparateTables(t *testing.T) {
	// "Nord-Est" and "Nord Est" both fold to nord_est; each group must
	// still get its own table and its own exchange file.
	ds := regionDataset("Nord-Est", "Nord-Est", "Nord Est")
	parts, err := newSplitter(t, "").Split(ds, "region")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if parts[0].TableName != "nord_est" {
		t.Fatalf("first table = %q, want nord_est", parts[0].TableName)
	}
	if parts[1].TableName == parts[0].TableName {
		t.Fatalf("collision not resolved: both tables named %q", parts[0].TableName)
	}
	if parts[1].Path == parts[0].Path {
		t.Fatalf("partitions share exchange file %q", parts[0].Path)
	}
	first, err := exchange.ReadDataset(parts[0].Path)
	if err != nil {
		t.Fatalf("read first partition: %v", err)
	}
	if len(first.Features) != 2 {
		t.Fatalf("first partition file holds %d features, want 2", len(first.Features))
	}
	second, err := exchange.ReadDataset(parts[1].Path)
	if err != nil {
		t.Fatalf("read second partition: %v", err)
	}
	if len(second.Features) != 1 {
		t.Fatalf("second partition file holds %d features, want 1", len(second.Features))
	}
}

func TestSplit_GroupsByValueNotRendering(t *testing.T) {
	// String "1" and float 1.0 render to the same key string but are
	// different values, so they form different groups and tables.
	ds := geo.Dataset{
		Name: "zones",
		SRID: 2154,
		Schema: geo.Schema{
			Names: []string{"code"},
			Types: map[string]geo.AttrType{"code": geo.TypeString},
		},
		Features: []geo.Feature{
			{Geometry: orb.Point{0, 0}, Attributes: map[string]any{"code": "1"}},
			{Geometry: orb.Point{1, 1}, Attributes: map[string]any{"code": float64(1)}},
			{Geometry: orb.Point{2, 2}, Attributes: map[string]any{"code": "1"}},
		},
	}
	parts, err := newSplitter(t, "").Split(ds, "code")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if parts[0].Count != 2 || parts[1].Count != 1 {
		t.Fatalf("unexpected counts: %+v", parts)
	}
	if parts[0].TableName == parts[1].TableName {
		t.Fatalf("distinct values share table %q", parts[0].TableName)
	}
}
