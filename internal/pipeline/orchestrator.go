// Package pipeline runs the full ingest path for a batch of source files:
// read, repair, normalize, partition, load. Items run concurrently on a
// bounded worker pool and fail independently; one broken source never stops
// the rest of the batch.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/geoberg/vectile/internal/exchange"
	"github.com/geoberg/vectile/internal/geo"
	"github.com/geoberg/vectile/internal/invalidation"
	"github.com/geoberg/vectile/internal/metrics"
	"github.com/geoberg/vectile/internal/normalize"
	"github.com/geoberg/vectile/internal/partition"
	"github.com/geoberg/vectile/internal/repair"
	"github.com/geoberg/vectile/internal/source"
	"github.com/geoberg/vectile/internal/store"
)

// Config drives one batch run.
type Config struct {
	// Schema is the target database schema.
	Schema string
	// SplitAttribute, when set, partitions each dataset by that attribute
	// into one table per value. When empty the whole dataset loads into a
	// single table named after the source.
	SplitAttribute string
	// TableBaseName, when set, prefixes partition-derived table names.
	TableBaseName string
	// DefaultSRID is assumed for sources that do not declare a CRS.
	DefaultSRID int
	// ScratchDir holds the intermediate exchange files. Each source gets
	// its own subdirectory so concurrent items never collide.
	ScratchDir string
	// Workers bounds concurrent items. Values below 1 mean 4.
	Workers int
}

func (c Config) workers() int {
	if c.Workers < 1 {
		return 4
	}
	return c.Workers
}

// Deps are the collaborating components. Publisher and Metrics may be nil.
type Deps struct {
	Repairer   *repair.Repairer
	Normalizer *normalize.Normalizer
	Loader     *store.Loader
	Publisher  invalidation.Publisher
	Metrics    *metrics.Pipeline
}

// ItemResult is the outcome of one source file.
type ItemResult struct {
	Source   string
	Tables   []store.Table
	Repaired int
	Dropped  int
	Err      error
}

// Report summarizes a batch run.
type Report struct {
	Items  []ItemResult
	Tables int
	Failed int
}

// PartialBatchFailure reports a batch where some items failed while others
// loaded. The loaded tables stay loaded.
type PartialBatchFailure struct {
	Failed int
	Total  int
	Errors []error
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("%d of %d sources failed", e.Failed, e.Total)
}

func (e *PartialBatchFailure) Unwrap() []error { return e.Errors }

type Orchestrator struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
}

func New(cfg Config, deps Deps, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("component", "pipeline").Logger(),
	}
}

// Run processes the batch. The returned report always covers every input in
// order. The error is nil when everything loaded and a *PartialBatchFailure
// otherwise; each item's own error is kept in its report slot. An empty
// batch is a *geo.ConfigurationError.
func (o *Orchestrator) Run(ctx context.Context, paths []string) (Report, error) {
	if len(paths) == 0 {
		return Report{}, &geo.ConfigurationError{Reason: "no input sources"}
	}

	results := make([]ItemResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.workers())
	for i, path := range paths {
		g.Go(func() error {
			results[i] = o.runItem(ctx, path)
			return nil
		})
	}
	// Workers record failures in their slot instead of returning them, so
	// Wait never surfaces an error here.
	_ = g.Wait()

	rep := Report{Items: results}
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			rep.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", res.Source, res.Err))
			o.countDataset("failed")
			continue
		}
		rep.Tables += len(res.Tables)
		o.countDataset("ok")
	}

	o.log.Info().
		Int("sources", len(paths)).
		Int("tables", rep.Tables).
		Int("failed", rep.Failed).
		Msg("batch finished")

	if rep.Failed == 0 {
		return rep, nil
	}
	return rep, &PartialBatchFailure{Failed: rep.Failed, Total: len(paths), Errors: errs}
}

func (o *Orchestrator) runItem(ctx context.Context, path string) ItemResult {
	res := ItemResult{Source: path}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	log := o.log.With().Str("source", path).Logger()

	ds, err := source.Read(path, o.cfg.DefaultSRID)
	if err != nil {
		res.Err = err
		return res
	}

	ds, report, err := o.deps.Repairer.Repair(ds)
	if err != nil {
		res.Err = err
		return res
	}
	res.Repaired, res.Dropped = report.Repaired, report.Dropped

	ds, err = o.deps.Normalizer.Apply(ds)
	if err != nil {
		res.Err = err
		return res
	}

	if o.cfg.SplitAttribute == "" {
		tbl, err := o.load(ctx, ds, normalize.Identifier(ds.Name), path)
		if err != nil {
			res.Err = err
			return res
		}
		res.Tables = append(res.Tables, tbl)
		return res
	}

	// The subdirectory hashes the full source path: two sources with the
	// same base name in different directories must not share scratch files.
	scratch := filepath.Join(o.cfg.ScratchDir,
		fmt.Sprintf("%s_%08x", normalize.Identifier(ds.Name), uint32(xxhash.Sum64String(path))))
	splitter := partition.New(scratch, o.cfg.TableBaseName, log)
	parts, err := splitter.Split(ds, o.cfg.SplitAttribute)
	if err != nil {
		res.Err = err
		return res
	}

	for _, p := range parts {
		pds, err := exchange.ReadDataset(p.Path)
		if err != nil {
			res.Err = fmt.Errorf("partition %s: %w", p.Key, err)
			return res
		}
		tbl, err := o.load(ctx, pds, p.TableName, path)
		if err != nil {
			res.Err = err
			return res
		}
		res.Tables = append(res.Tables, tbl)
	}
	return res
}

func (o *Orchestrator) load(ctx context.Context, ds geo.Dataset, table, src string) (store.Table, error) {
	tbl, err := o.deps.Loader.Load(ctx, ds, o.cfg.Schema, table)
	if err != nil {
		return store.Table{}, err
	}
	if m := o.deps.Metrics; m != nil {
		m.TablesLoaded.Inc()
		m.Features.Add(float64(tbl.Rows))
	}
	o.publish(ctx, tbl, src)
	return tbl, nil
}

// publish announces the replace so tile caches drop the schema. A publish
// failure leaves caches stale until their TTL, which is preferable to
// failing a load that already committed.
func (o *Orchestrator) publish(ctx context.Context, tbl store.Table, src string) {
	if o.deps.Publisher == nil {
		return
	}
	ev := invalidation.NewReplace(tbl.Schema, tbl.Name, tbl.SRID, src)
	if err := o.deps.Publisher.Publish(ctx, ev); err != nil {
		o.log.Warn().Err(err).
			Str("table", tbl.Name).
			Msg("invalidation publish failed")
	}
}

func (o *Orchestrator) countDataset(outcome string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.Datasets.WithLabelValues(outcome).Inc()
	}
}
