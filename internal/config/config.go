// Package config reads the process configuration from the environment.
// Unset or malformed variables fall back to defaults; Validate catches the
// combinations that cannot work at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/geoberg/vectile/internal/geo"
)

// CacheCfg selects and sizes the tile cache.
type CacheCfg struct {
	Driver  string // none, lru or redis
	LRUSize int
	Addr    string // redis only
	TTL     time.Duration
}

// InvalidationCfg wires the Kafka invalidation channel.
type InvalidationCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	GroupID string
}

type Config struct {
	Addr     string
	LogLevel string

	DatabaseURL string
	Schema      string
	TargetSRID  int

	SourceGlob     string
	SplitAttribute string
	TableBaseName  string
	DropColumns    []string
	RoundColumns   map[string]int
	ScratchDir     string
	Workers        int
	IndexKind      string
	Owner          string
	GrantRole      string
	GrantPrivs     string

	SimplifyTolerance float64
	FieldAllowlist    map[string][]string

	Cache          CacheCfg
	Invalidation   InvalidationCfg
	MetricsEnabled bool
}

func FromEnv() Config {
	return Config{
		Addr:     getenv("ADDR", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		DatabaseURL: getenv("DATABASE_URL", ""),
		Schema:      getenv("DB_SCHEMA", "public"),
		TargetSRID:  getint("TARGET_SRID", 2154),

		SourceGlob:     getenv("SOURCE_GLOB", ""),
		SplitAttribute: getenv("SPLIT_ATTRIBUTE", ""),
		TableBaseName:  getenv("TABLE_BASE_NAME", ""),
		DropColumns:    parseList(getenv("DROP_COLUMNS", "")),
		RoundColumns:   parseIntMap(getenv("ROUND_COLUMNS", "")),
		ScratchDir:     getenv("SCRATCH_DIR", os.TempDir()),
		Workers:        getint("WORKERS", 4),
		IndexKind:      getenv("INDEX_KIND", "gist"),
		Owner:          getenv("OWNER", ""),
		GrantRole:      getenv("GRANT_ROLE", ""),
		GrantPrivs:     getenv("GRANT_PRIVS", ""),

		SimplifyTolerance: getfloat("SIMPLIFY_TOLERANCE", 0),
		FieldAllowlist:    parseAllowlist(getenv("FIELD_ALLOWLIST", "")),

		Cache: CacheCfg{
			Driver:  strings.ToLower(getenv("CACHE_DRIVER", "none")),
			LRUSize: getint("CACHE_LRU_SIZE", 1024),
			Addr:    getenv("REDIS_ADDR", "localhost:6379"),
			TTL:     getduration("CACHE_TTL", 5*time.Minute),
		},
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "table-invalidation"),
			GroupID: getenv("KAFKA_GROUP_ID", "tile-invalidator"),
		},
		MetricsEnabled: getbool("METRICS_ENABLED", true),
	}
}

// Validate rejects configurations that guarantee failure downstream.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return &geo.ConfigurationError{Reason: "DATABASE_URL is required"}
	}
	if c.TargetSRID <= 0 {
		return &geo.ConfigurationError{Reason: fmt.Sprintf("TARGET_SRID %d is not a valid SRID", c.TargetSRID)}
	}
	if c.Workers < 1 {
		return &geo.ConfigurationError{Reason: fmt.Sprintf("WORKERS must be at least 1, got %d", c.Workers)}
	}
	switch strings.ToLower(c.IndexKind) {
	case "", "gist", "spgist":
	default:
		return &geo.ConfigurationError{Reason: fmt.Sprintf("unknown INDEX_KIND %q", c.IndexKind)}
	}
	switch c.Cache.Driver {
	case "none", "lru", "redis":
	default:
		return &geo.ConfigurationError{Reason: fmt.Sprintf("unknown CACHE_DRIVER %q", c.Cache.Driver)}
	}
	if c.Cache.Driver == "lru" && c.Cache.LRUSize < 1 {
		return &geo.ConfigurationError{Reason: fmt.Sprintf("CACHE_LRU_SIZE must be positive, got %d", c.Cache.LRUSize)}
	}
	return nil
}

// BrokerList splits the comma-separated broker list.
func (c InvalidationCfg) BrokerList() []string {
	return parseList(c.Brokers)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseList splits "a,b,c" dropping empty entries.
func parseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseIntMap parses "surface_ut=2,production=3" into a name to decimal
// places map.
func parseIntMap(s string) map[string]int {
	out := map[string]int{}
	for _, p := range parseList(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		if k == "" {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil {
			out[k] = n
		}
	}
	return out
}

// parseAllowlist parses "parcels=nom;surface_ut,roads=nom" into a table to
// column list map. Columns are ;-separated because , separates tables.
func parseAllowlist(s string) map[string][]string {
	out := map[string][]string{}
	for _, p := range parseList(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		table := strings.TrimSpace(kv[0])
		if table == "" {
			continue
		}
		var cols []string
		for _, c := range strings.Split(kv[1], ";") {
			if c = strings.TrimSpace(c); c != "" {
				cols = append(cols, c)
			}
		}
		out[table] = cols
	}
	return out
}
