package config

import (
	"errors"
	"testing"

	"github.com/geoberg/vectile/internal/geo"
)

func TestFromEnvParsesStructuredValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/app")
	t.Setenv("TARGET_SRID", "2154")
	t.Setenv("DROP_COLUMNS", "reference_, overlap_ra")
	t.Setenv("ROUND_COLUMNS", "surface_ut=2,production=3,PROD_EURO=4")
	t.Setenv("FIELD_ALLOWLIST", "parcels=nom;surface_ut,roads=nom")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	c := FromEnv()
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(c.DropColumns) != 2 || c.DropColumns[0] != "reference_" {
		t.Fatalf("drop columns = %v", c.DropColumns)
	}
	if c.RoundColumns["PROD_EURO"] != 4 || c.RoundColumns["surface_ut"] != 2 {
		t.Fatalf("round columns = %v", c.RoundColumns)
	}
	if cols := c.FieldAllowlist["parcels"]; len(cols) != 2 || cols[1] != "surface_ut" {
		t.Fatalf("allowlist = %v", c.FieldAllowlist)
	}
	if got := c.Invalidation.BrokerList(); len(got) != 2 || got[1] != "k2:9092" {
		t.Fatalf("brokers = %v", got)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := FromEnv()
		c.DatabaseURL = "postgres://localhost/app"
		return c
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults with dsn", func(*Config) {}, true},
		{"missing dsn", func(c *Config) { c.DatabaseURL = " " }, false},
		{"bad srid", func(c *Config) { c.TargetSRID = 0 }, false},
		{"bad workers", func(c *Config) { c.Workers = 0 }, false},
		{"bad index kind", func(c *Config) { c.IndexKind = "btree" }, false},
		{"spgist index", func(c *Config) { c.IndexKind = "spgist" }, true},
		{"bad cache driver", func(c *Config) { c.Cache.Driver = "memcached" }, false},
		{"lru without capacity", func(c *Config) { c.Cache.Driver = "lru"; c.Cache.LRUSize = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			err := c.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				var ce *geo.ConfigurationError
				if !errors.As(err, &ce) {
					t.Fatalf("expected ConfigurationError, got %v", err)
				}
			}
		})
	}
}
