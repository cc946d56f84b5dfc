package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/geoberg/vectile/internal/geo"
	"github.com/geoberg/vectile/internal/invalidation"
	"github.com/geoberg/vectile/internal/logger"
	"github.com/geoberg/vectile/internal/normalize"
	"github.com/geoberg/vectile/internal/repair"
	"github.com/geoberg/vectile/internal/store"
)

// fakeDB implements store.Client for the loader and tracks how many
// replaces run at once.
type fakeDB struct {
	srid  int
	delay time.Duration

	mu      sync.Mutex
	tables  map[string]int // qualified name -> row count
	current int
	peak    int
}

func newFakeDB(srid int) *fakeDB {
	return &fakeDB{srid: srid, tables: map[string]int{}}
}

func (f *fakeDB) ReplaceTable(_ context.Context, spec store.TableSpec, ds geo.Dataset) (int, error) {
	f.mu.Lock()
	f.current++
	if f.current > f.peak {
		f.peak = f.current
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.current--
	f.tables[spec.Schema+"."+spec.Name] = len(ds.Features)
	f.mu.Unlock()
	return len(ds.Features), nil
}

func (f *fakeDB) CreateSpatialIndex(context.Context, string, string, string, string) error {
	return nil
}

func (f *fakeDB) TableSRID(context.Context, string, string, string) (int, error) {
	return f.srid, nil
}

func (f *fakeDB) SetOwner(context.Context, string, string, string) error      { return nil }
func (f *fakeDB) Grant(context.Context, string, string, string, string) error { return nil }

func (f *fakeDB) ListLayers(context.Context, string) ([]store.LayerInfo, error) {
	return nil, nil
}

func (f *fakeDB) TileFeatures(context.Context, store.TileQuery) ([]store.TileFeature, error) {
	return nil, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []invalidation.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e invalidation.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func testLog() zerolog.Logger {
	return logger.Build(logger.Config{Level: "error"}, io.Discard)
}

// writeSource materializes a two-region GeoJSON file with unit squares.
func writeSource(t *testing.T, dir, name string) string {
	t.Helper()
	const body = `{
	  "type": "FeatureCollection",
	  "features": [
	    {"type": "Feature",
	     "properties": {"nom": "north", "surface_ut": 12.345},
	     "geometry": {"type": "Polygon",
	       "coordinates": [[[0,2],[1,2],[1,3],[0,3],[0,2]]]}},
	    {"type": "Feature",
	     "properties": {"nom": "north", "surface_ut": 3.2},
	     "geometry": {"type": "Polygon",
	       "coordinates": [[[2,2],[3,2],[3,3],[2,3],[2,2]]]}},
	    {"type": "Feature",
	     "properties": {"nom": "south", "surface_ut": 7.01},
	     "geometry": {"type": "Polygon",
	       "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]}}
	  ]
	}`
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newOrchestrator(cfg Config, db *fakeDB, pub invalidation.Publisher) *Orchestrator {
	log := testLog()
	loader := store.NewLoader(db, store.LoaderConfig{TargetSRID: db.srid}, log)
	return New(cfg, Deps{
		Repairer:   repair.New(log),
		Normalizer: normalize.New(normalize.Options{}, log),
		Loader:     loader,
		Publisher:  pub,
	}, log)
}

func TestRun_SplitsAndLoadsEveryPartition(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "roofs.geojson")
	db := newFakeDB(4326)
	pub := &recordingPublisher{}

	o := newOrchestrator(Config{
		Schema:         "public",
		SplitAttribute: "nom",
		DefaultSRID:    4326,
		ScratchDir:     filepath.Join(dir, "scratch"),
	}, db, pub)

	rep, err := o.Run(context.Background(), []string{src})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Tables != 2 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want 2 tables, 0 failed", rep)
	}
	if db.tables["public.north"] != 2 || db.tables["public.south"] != 1 {
		t.Fatalf("loaded tables = %v", db.tables)
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected one replace event per table, got %d", len(pub.events))
	}
	for _, e := range pub.events {
		if err := e.Validate(); err != nil {
			t.Fatalf("published event invalid: %v", err)
		}
		if e.Schema != "public" {
			t.Fatalf("event schema = %q", e.Schema)
		}
	}
}

func TestRun_NoSplitLoadsOneTablePerSource(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "roofs.geojson")
	db := newFakeDB(4326)

	o := newOrchestrator(Config{
		Schema:      "public",
		DefaultSRID: 4326,
		ScratchDir:  filepath.Join(dir, "scratch"),
	}, db, nil)

	rep, err := o.Run(context.Background(), []string{src})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Tables != 1 {
		t.Fatalf("tables = %d, want 1", rep.Tables)
	}
	if db.tables["public.roofs"] != 3 {
		t.Fatalf("loaded tables = %v", db.tables)
	}
}

func TestRun_ItemFailuresAreIsolated(t *testing.T) {
	dir := t.TempDir()
	good := writeSource(t, dir, "roofs.geojson")
	missing := filepath.Join(dir, "absent.geojson")
	db := newFakeDB(4326)

	o := newOrchestrator(Config{
		Schema:         "public",
		SplitAttribute: "nom",
		DefaultSRID:    4326,
		ScratchDir:     filepath.Join(dir, "scratch"),
	}, db, nil)

	rep, err := o.Run(context.Background(), []string{good, missing})
	var pbf *PartialBatchFailure
	if !errors.As(err, &pbf) {
		t.Fatalf("expected PartialBatchFailure, got %v", err)
	}
	if pbf.Failed != 1 || pbf.Total != 2 {
		t.Fatalf("failure = %+v", pbf)
	}
	if rep.Tables != 2 {
		t.Fatalf("the healthy source must still load, report = %+v", rep)
	}
	if rep.Items[0].Err != nil {
		t.Fatalf("healthy item carries error: %v", rep.Items[0].Err)
	}
	var mse *geo.MissingSourceError
	if !errors.As(rep.Items[1].Err, &mse) {
		t.Fatalf("broken item error = %v", rep.Items[1].Err)
	}
}

func TestRun_EmptyBatchIsConfigurationError(t *testing.T) {
	o := newOrchestrator(Config{Schema: "public"}, newFakeDB(4326), nil)
	_, err := o.Run(context.Background(), nil)
	var ce *geo.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestRun_SameBaseNameSourcesGetSeparateScratchDirs(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	for _, sub := range []string{a, b} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	srcA := writeSource(t, a, "roofs.geojson")
	srcB := writeSource(t, b, "roofs.geojson")
	scratch := filepath.Join(dir, "scratch")
	db := newFakeDB(4326)

	o := newOrchestrator(Config{
		Schema:         "public",
		SplitAttribute: "nom",
		DefaultSRID:    4326,
		ScratchDir:     scratch,
		Workers:        2,
	}, db, nil)

	if _, err := o.Run(context.Background(), []string{srcA, srcB}); err != nil {
		t.Fatalf("run: %v", err)
	}
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected one scratch dir per source, got %d", len(entries))
	}
}

func TestRun_WorkerBoundHolds(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 6; i++ {
		paths = append(paths, writeSource(t, dir, fmt.Sprintf("src_%d.geojson", i)))
	}
	db := newFakeDB(4326)
	db.delay = 10 * time.Millisecond

	o := newOrchestrator(Config{
		Schema:      "public",
		DefaultSRID: 4326,
		ScratchDir:  filepath.Join(dir, "scratch"),
		Workers:     2,
	}, db, nil)

	if _, err := o.Run(context.Background(), paths); err != nil {
		t.Fatalf("run: %v", err)
	}
	if db.peak > 2 {
		t.Fatalf("observed %d concurrent loads, worker bound is 2", db.peak)
	}
}
