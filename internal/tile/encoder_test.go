package tile

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/geoberg/vectile/internal/cache"
	"github.com/geoberg/vectile/internal/geo"
	"github.com/geoberg/vectile/internal/logger"
	"github.com/geoberg/vectile/internal/store"
)

// fakeStore serves canned layers and per-table results or failures.
type fakeStore struct {
	layers    []store.LayerInfo
	layersErr error
	features  map[string][]store.TileFeature
	tableErr  map[string]error
	queries   []string
}

func (f *fakeStore) ReplaceTable(context.Context, store.TableSpec, geo.Dataset) (int, error) {
	panic("not used")
}

func (f *fakeStore) ListLayers(_ context.Context, _ string) ([]store.LayerInfo, error) {
	if f.layersErr != nil {
		return nil, f.layersErr
	}
	return f.layers, nil
}

func (f *fakeStore) TileFeatures(_ context.Context, q store.TileQuery) ([]store.TileFeature, error) {
	f.queries = append(f.queries, q.Table)
	if err := f.tableErr[q.Table]; err != nil {
		return nil, err
	}
	return f.features[q.Table], nil
}

func (f *fakeStore) CreateSpatialIndex(context.Context, string, string, string, string) error {
	return nil
}
func (f *fakeStore) TableSRID(context.Context, string, string, string) (int, error) { return 0, nil }
func (f *fakeStore) SetOwner(context.Context, string, string, string) error         { return nil }
func (f *fakeStore) Grant(context.Context, string, string, string, string) error    { return nil }

func mustWKB(t *testing.T, g orb.Geometry) []byte {
	t.Helper()
	raw, err := wkb.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newEncoder(client store.Client, opts Options) *Encoder {
	return NewEncoder(client, opts, logger.Build(logger.Config{Level: "error"}, io.Discard))
}

// Paris: tile 16/33195/22545 contains lon 2.35, lat 48.85.
const (
	testZ = uint32(16)
	testX = uint32(33195)
	testY = uint32(22545)
)

func parisPoint() orb.Point { return orb.Point{2.35, 48.85} }

func TestTile_MultiLayerSingleMessage(t *testing.T) {
	fs := &fakeStore{
		layers: []store.LayerInfo{
			{Table: "parcels", GeomColumn: "geom", SRID: 2154},
			{Table: "roads", GeomColumn: "geom", SRID: 2154},
		},
		features: map[string][]store.TileFeature{
			"parcels": {{WKB: mustWKB(t, parisPoint()), Props: map[string]any{"nom": "a"}}},
			"roads":   {{WKB: mustWKB(t, parisPoint()), Props: map[string]any{}}},
		},
	}
	enc := newEncoder(fs, Options{Allowlist: map[string][]string{"parcels": {"nom"}}})

	data, err := enc.Tile(context.Background(), "public", testZ, testX, testY)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	layers, err := mvt.UnmarshalGzipped(data)
	if err != nil {
		t.Fatalf("tile does not decode as one MVT message: %v", err)
	}
	if len(layers) != 2 {
		t.Fatalf("expected 2 layers in one tile, got %d", len(layers))
	}
	names := map[string]bool{}
	for _, l := range layers {
		names[l.Name] = true
		if l.Extent != 4096 {
			t.Fatalf("layer %s extent = %d, want 4096", l.Name, l.Extent)
		}
	}
	if !names["parcels"] || !names["roads"] {
		t.Fatalf("unexpected layer names: %v", names)
	}
}

func TestTile_PartialFailureOmitsLayer(t *testing.T) {
	fs := &fakeStore{
		layers: []store.LayerInfo{
			{Table: "parcels", GeomColumn: "geom", SRID: 2154},
			{Table: "roads", GeomColumn: "geom", SRID: 2154},
		},
		features: map[string][]store.TileFeature{
			"parcels": {{WKB: mustWKB(t, parisPoint()), Props: map[string]any{}}},
		},
		tableErr: map[string]error{"roads": errors.New("transient query failure")},
	}
	enc := newEncoder(fs, Options{})

	data, err := enc.Tile(context.Background(), "public", testZ, testX, testY)
	if err != nil {
		t.Fatalf("partial failure must not fail the request: %v", err)
	}
	layers, err := mvt.UnmarshalGzipped(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(layers) != 1 || layers[0].Name != "parcels" {
		t.Fatalf("expected only the parcels layer, got %v", layers)
	}
	if len(fs.queries) != 2 {
		t.Fatalf("both tables must be queried, got %v", fs.queries)
	}
}

func TestTile_EmptyIsValidZeroLayerTile(t *testing.T) {
	fs := &fakeStore{
		layers: []store.LayerInfo{{Table: "parcels", GeomColumn: "geom", SRID: 2154}},
	}
	enc := newEncoder(fs, Options{})

	data, err := enc.Tile(context.Background(), "public", 1, 0, 0)
	if err != nil {
		t.Fatalf("empty tile must not be an error: %v", err)
	}
	layers, err := mvt.UnmarshalGzipped(data)
	if err != nil {
		t.Fatalf("empty tile must still decode: %v", err)
	}
	if len(layers) != 0 {
		t.Fatalf("expected zero layers, got %d", len(layers))
	}
}

func TestTile_EnumerationFailureIsDatabaseError(t *testing.T) {
	fs := &fakeStore{
		layersErr: &store.DatabaseError{Op: "list layers", Err: errors.New("conn refused")},
	}
	enc := newEncoder(fs, Options{})
	_, err := enc.Tile(context.Background(), "public", 1, 0, 0)
	var dbe *store.DatabaseError
	if !errors.As(err, &dbe) {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
}

func TestTile_InvalidCoordinates(t *testing.T) {
	enc := newEncoder(&fakeStore{}, Options{})
	if _, err := enc.Tile(context.Background(), "public", 3, 8, 0); !errors.Is(err, ErrInvalidCoordinate) {
		t.Fatalf("x out of range: got %v", err)
	}
	if _, err := enc.Tile(context.Background(), "public", 40, 0, 0); !errors.Is(err, ErrInvalidCoordinate) {
		t.Fatalf("zoom out of range: got %v", err)
	}
}

func TestTile_CacheHitSkipsStore(t *testing.T) {
	c, err := cache.NewLRU(4)
	if err != nil {
		t.Fatal(err)
	}
	fs := &fakeStore{
		layers: []store.LayerInfo{{Table: "parcels", GeomColumn: "geom", SRID: 2154}},
		features: map[string][]store.TileFeature{
			"parcels": {{WKB: mustWKB(t, parisPoint()), Props: map[string]any{}}},
		},
	}
	enc := newEncoder(fs, Options{Cache: c})

	first, err := enc.Tile(context.Background(), "public", testZ, testX, testY)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	queriesAfterFirst := len(fs.queries)

	second, err := enc.Tile(context.Background(), "public", testZ, testX, testY)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if len(fs.queries) != queriesAfterFirst {
		t.Fatalf("cache hit still queried the store")
	}
	if string(first) != string(second) {
		t.Fatalf("cached tile differs from encoded tile")
	}
}
