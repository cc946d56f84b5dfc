// ingest runs the batch pipeline: discover source files, repair and
// normalize them, partition by attribute and replace the matching tables in
// the spatial store.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/geoberg/vectile/internal/config"
	"github.com/geoberg/vectile/internal/invalidation"
	"github.com/geoberg/vectile/internal/logger"
	"github.com/geoberg/vectile/internal/metrics"
	"github.com/geoberg/vectile/internal/normalize"
	"github.com/geoberg/vectile/internal/pipeline"
	"github.com/geoberg/vectile/internal/repair"
	"github.com/geoberg/vectile/internal/source"
	"github.com/geoberg/vectile/internal/store"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	sourcesFlag := flag.String("sources", "", "glob of source files, overrides SOURCE_GLOB")
	flag.Parse()

	cfg := config.FromEnv()
	if *sourcesFlag != "" {
		cfg.SourceGlob = strings.TrimSpace(*sourcesFlag)
	}

	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "ingest",
	}, os.Stdout)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	if cfg.SourceGlob == "" {
		log.Error().Msg("no sources: set SOURCE_GLOB or -sources")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	paths, err := source.Discover(cfg.SourceGlob)
	if err != nil {
		log.Error().Err(err).Str("glob", cfg.SourceGlob).Msg("source discovery failed")
		return 1
	}
	log.Info().
		Str("version", Version).
		Int("sources", len(paths)).
		Str("schema", cfg.Schema).
		Int("target_srid", cfg.TargetSRID).
		Msg("starting ingest")

	pg, err := store.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error().Err(err).Msg("database connect failed")
		return 1
	}
	defer pg.Close()

	repairer := repair.New(log)
	repairer.SimplifyTolerance = cfg.SimplifyTolerance

	loader := store.NewLoader(pg, store.LoaderConfig{
		TargetSRID:      cfg.TargetSRID,
		IndexKind:       cfg.IndexKind,
		Owner:           cfg.Owner,
		GrantRole:       cfg.GrantRole,
		GrantPrivileges: cfg.GrantPrivs,
	}, log)

	var publisher invalidation.Publisher
	if cfg.Invalidation.Enabled {
		publisher, err = invalidation.NewKafkaPublisher(invalidation.KafkaConfig{
			Brokers: cfg.Invalidation.BrokerList(),
			Topic:   cfg.Invalidation.Topic,
		}, log)
		if err != nil {
			log.Error().Err(err).Msg("kafka publisher init failed")
			return 1
		}
		defer publisher.Close()
	}

	var pipeMetrics *metrics.Pipeline
	if cfg.MetricsEnabled {
		provider := metrics.Init(metrics.BuildInfo{Version: Version})
		pipeMetrics = metrics.NewPipeline(provider.Registerer())
	}

	o := pipeline.New(pipeline.Config{
		Schema:         cfg.Schema,
		SplitAttribute: cfg.SplitAttribute,
		TableBaseName:  cfg.TableBaseName,
		DefaultSRID:    cfg.TargetSRID,
		ScratchDir:     cfg.ScratchDir,
		Workers:        cfg.Workers,
	}, pipeline.Deps{
		Repairer:   repairer,
		Normalizer: normalize.New(normalize.Options{DropColumns: cfg.DropColumns, RoundColumns: cfg.RoundColumns}, log),
		Loader:     loader,
		Publisher:  publisher,
		Metrics:    pipeMetrics,
	}, log)

	report, err := o.Run(ctx, paths)
	for _, item := range report.Items {
		ev := log.Info()
		if item.Err != nil {
			ev = log.Error().Err(item.Err)
		}
		ev.Str("source", item.Source).
			Int("tables", len(item.Tables)).
			Int("repaired", item.Repaired).
			Int("dropped", item.Dropped).
			Msg("source finished")
	}
	if err != nil {
		log.Error().Err(err).Msg("ingest finished with failures")
		return 1
	}
	log.Info().Int("tables", report.Tables).Msg("ingest finished")
	return 0
}
