// tileserver serves gzipped Mapbox vector tiles straight from the spatial
// store, with an optional LRU or Redis tile cache kept fresh by Kafka
// replace events.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/geoberg/vectile/internal/cache"
	"github.com/geoberg/vectile/internal/config"
	"github.com/geoberg/vectile/internal/invalidation"
	"github.com/geoberg/vectile/internal/logger"
	"github.com/geoberg/vectile/internal/metrics"
	"github.com/geoberg/vectile/internal/server"
	"github.com/geoberg/vectile/internal/store"
	"github.com/geoberg/vectile/internal/tile"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "tileserver",
	}, os.Stdout)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error().Err(err).Msg("database connect failed")
		return 1
	}
	defer pg.Close()

	tileCache, err := buildCache(ctx, cfg.Cache)
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.Cache.Driver).Msg("cache init failed")
		return 1
	}

	var provider *metrics.Provider
	var tileMetrics *metrics.Tile
	if cfg.MetricsEnabled {
		provider = metrics.Init(metrics.BuildInfo{Version: Version})
		tileMetrics = metrics.NewTile(provider.Registerer())
	}

	encoder := tile.NewEncoder(pg, tile.Options{
		Allowlist: cfg.FieldAllowlist,
		Cache:     tileCache,
		CacheTTL:  cfg.Cache.TTL,
		Metrics:   tileMetrics,
	}, log)

	if cfg.Invalidation.Enabled && tileCache != nil {
		consumer := invalidation.NewConsumer(invalidation.KafkaConfig{
			Brokers: cfg.Invalidation.BrokerList(),
			Topic:   cfg.Invalidation.Topic,
			GroupID: cfg.Invalidation.GroupID,
		}, tileCache, log)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("invalidation consumer stopped")
			}
		}()
	}

	deps := server.Deps{Encoder: encoder}
	if provider != nil {
		deps.Metrics = provider.Handler()
	}

	log.Info().
		Str("version", Version).
		Str("addr", cfg.Addr).
		Str("cache", cfg.Cache.Driver).
		Msg("starting tileserver")

	if err := server.New(cfg.Addr, deps, log).Run(ctx); err != nil {
		log.Error().Err(err).Msg("http server failed")
		return 1
	}
	return 0
}

func buildCache(ctx context.Context, cfg config.CacheCfg) (cache.Cache, error) {
	switch cfg.Driver {
	case "lru":
		c, err := cache.NewLRU(cfg.LRUSize)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "redis":
		c, err := cache.NewRedis(ctx, cfg.Addr)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, nil
	}
}
