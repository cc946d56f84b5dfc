// Package tile turns (schema, z, x, y) requests into Mapbox vector tiles.
//
// Each geometry table of the schema contributes one layer named after the
// table. All layers are assembled into a single tile message before
// encoding; the MVT container is one structured protobuf, so layers are
// never serialized independently and concatenated.
package tile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/rs/zerolog"

	"github.com/geoberg/vectile/internal/cache"
	"github.com/geoberg/vectile/internal/metrics"
	"github.com/geoberg/vectile/internal/store"
)

// MaxZoom bounds accepted tile requests.
const MaxZoom = 22

// ErrInvalidCoordinate marks a tile request outside the tiling scheme.
var ErrInvalidCoordinate = errors.New("invalid tile coordinate")

// Options configure the encoder.
type Options struct {
	// Allowlist maps table name to the attribute columns passed through
	// into that table's layer. Tables without an entry contribute geometry
	// only.
	Allowlist map[string][]string
	// Cache, when non-nil, is consulted before encoding and filled after.
	Cache    cache.Cache
	CacheTTL time.Duration
	// Metrics, when non-nil, records encode timings and cache outcomes.
	Metrics *metrics.Tile
}

type Encoder struct {
	client store.Client
	opts   Options
	log    zerolog.Logger
}

func NewEncoder(client store.Client, opts Options, log zerolog.Logger) *Encoder {
	return &Encoder{
		client: client,
		opts:   opts,
		log:    log.With().Str("component", "tile").Logger(),
	}
}

// Tile builds the gzipped vector tile for one request. Per-table query
// failures drop that table's layer and encoding continues; a failure to
// enumerate the schema's tables fails the whole request. A request touching
// no data yields a well-formed tile with zero layers.
func (e *Encoder) Tile(ctx context.Context, schema string, z, x, y uint32) ([]byte, error) {
	if z > MaxZoom || x >= 1<<z || y >= 1<<z {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrInvalidCoordinate, z, x, y)
	}

	key := cache.TileKey(schema, z, x, y)
	if e.opts.Cache != nil {
		if data, ok, err := e.opts.Cache.Get(ctx, key); err == nil && ok {
			e.countCache("get", "hit")
			return data, nil
		} else if err != nil {
			e.countCache("get", "error")
			e.log.Warn().Err(err).Str("key", key).Msg("cache read failed, encoding")
		} else {
			e.countCache("get", "miss")
		}
	}

	start := time.Now()
	data, layers, err := e.encode(ctx, schema, z, x, y)
	if err != nil {
		return nil, err
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.EncodeSeconds.Observe(time.Since(start).Seconds())
		e.opts.Metrics.Layers.Observe(float64(layers))
	}

	if e.opts.Cache != nil {
		if err := e.opts.Cache.Set(ctx, key, data, e.opts.CacheTTL); err != nil {
			e.countCache("set", "error")
			e.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
		} else {
			e.countCache("set", "ok")
		}
	}
	return data, nil
}

func (e *Encoder) encode(ctx context.Context, schema string, z, x, y uint32) ([]byte, int, error) {
	tables, err := e.client.ListLayers(ctx, schema)
	if err != nil {
		var dbe *store.DatabaseError
		if errors.As(err, &dbe) {
			return nil, 0, err
		}
		return nil, 0, &store.DatabaseError{Op: "list layers", Err: err}
	}

	t := maptile.New(x, y, maptile.Zoom(z))
	bound := t.Bound()

	layers := mvt.Layers{}
	for _, tbl := range tables {
		feats, err := e.client.TileFeatures(ctx, store.TileQuery{
			Schema:     schema,
			Table:      tbl.Table,
			GeomColumn: tbl.GeomColumn,
			SRID:       tbl.SRID,
			Bound:      bound,
			Columns:    e.opts.Allowlist[tbl.Table],
		})
		if err != nil {
			// Partial-result tolerance: this table's layer is omitted,
			// the remaining tables still render.
			if e.opts.Metrics != nil {
				e.opts.Metrics.LayerErrors.Inc()
			}
			e.log.Warn().Err(err).
				Str("table", tbl.Table).
				Uint32("z", z).Uint32("x", x).Uint32("y", y).
				Msg("layer query failed, omitting layer")
			continue
		}
		if len(feats) == 0 {
			continue
		}

		fc := geojson.NewFeatureCollection()
		for _, tf := range feats {
			g, err := wkb.Unmarshal(tf.WKB)
			if err != nil {
				e.log.Warn().Err(err).Str("table", tbl.Table).Msg("bad geometry skipped")
				continue
			}
			f := geojson.NewFeature(g)
			for k, v := range tf.Props {
				f.Properties[k] = v
			}
			fc.Append(f)
		}
		if len(fc.Features) == 0 {
			continue
		}
		layers = append(layers, mvt.NewLayer(tbl.Table, fc))
	}

	layers.ProjectToTile(t)
	data, err := mvt.MarshalGzipped(layers)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal tile %d/%d/%d: %w", z, x, y, err)
	}
	return data, len(layers), nil
}

func (e *Encoder) countCache(op, outcome string) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.CacheOps.WithLabelValues(op, outcome).Inc()
	}
}
