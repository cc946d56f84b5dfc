// Package metrics exposes Prometheus metrics for the ingest pipeline and the
// tile server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version   string
	Revision  string
	BuildDate string
}

type Provider struct {
	reg *prometheus.Registry
}

func Init(build BuildInfo) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vectile_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version", "revision", "build_date"},
	)
	reg.MustRegister(info)
	if build.Version == "" {
		build.Version = "dev"
	}
	info.WithLabelValues(build.Version, build.Revision, build.BuildDate).Set(1)

	return &Provider{reg: reg}
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

// Pipeline holds the ingest-side collectors.
type Pipeline struct {
	Datasets     *prometheus.CounterVec
	TablesLoaded prometheus.Counter
	Features     prometheus.Counter
}

func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		Datasets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vectile_pipeline_datasets_total",
				Help: "Dataset pipelines finished, by outcome.",
			},
			[]string{"outcome"},
		),
		TablesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vectile_pipeline_tables_loaded_total",
			Help: "Tables replaced in the spatial store.",
		}),
		Features: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vectile_pipeline_features_total",
			Help: "Features persisted across all loads.",
		}),
	}
	reg.MustRegister(p.Datasets, p.TablesLoaded, p.Features)
	return p
}

// Tile holds the serving-side collectors.
type Tile struct {
	EncodeSeconds prometheus.Histogram
	Layers        prometheus.Histogram
	CacheOps      *prometheus.CounterVec
	LayerErrors   prometheus.Counter
}

func NewTile(reg prometheus.Registerer) *Tile {
	t := &Tile{
		EncodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vectile_tile_encode_seconds",
			Help:    "End-to-end time to query and encode one tile.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		Layers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vectile_tile_layers",
			Help:    "Layers per encoded tile.",
			Buckets: prometheus.LinearBuckets(0, 1, 16),
		}),
		CacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vectile_tile_cache_ops_total",
				Help: "Tile cache operations by op and outcome.",
			},
			[]string{"op", "outcome"},
		),
		LayerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vectile_tile_layer_errors_total",
			Help: "Per-table query failures skipped during tile encoding.",
		}),
	}
	reg.MustRegister(t.EncodeSeconds, t.Layers, t.CacheOps, t.LayerErrors)
	return t
}
