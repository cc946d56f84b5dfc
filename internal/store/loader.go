package store

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/geoberg/vectile/internal/geo"
)

// Table describes a successfully loaded table.
type Table struct {
	Schema     string
	Name       string
	GeomColumn string
	SRID       int
	Owner      string
	Rows       int
}

// LoaderConfig configures the persistence steps.
type LoaderConfig struct {
	TargetSRID int
	// IndexKind is gist (default) or spgist.
	IndexKind string
	// Owner, when set, becomes the table owner after load.
	Owner string
	// GrantRole and GrantPrivileges configure the post-load grant. Empty
	// privileges means ALL PRIVILEGES.
	GrantRole       string
	GrantPrivileges string
	// GeomColumn defaults to "geom".
	GeomColumn string
}

func (c LoaderConfig) geomColumn() string {
	if c.GeomColumn == "" {
		return "geom"
	}
	return c.GeomColumn
}

// Loader persists one dataset per call. The five steps run strictly in
// order; a failure aborts the remaining steps for that table only.
type Loader struct {
	client Client
	cfg    LoaderConfig
	log    zerolog.Logger
}

func NewLoader(client Client, cfg LoaderConfig, log zerolog.Logger) *Loader {
	return &Loader{
		client: client,
		cfg:    cfg,
		log:    log.With().Str("component", "loader").Logger(),
	}
}

// Load persists the dataset into schema.table with full replace semantics
// and returns the resulting table descriptor.
func (l *Loader) Load(ctx context.Context, ds geo.Dataset, schema, table string) (Table, error) {
	geomCol := l.cfg.geomColumn()

	// Step 1: reprojection setup. The transform itself happens store-side
	// on insert; this step pins down that both SRIDs are usable.
	if ds.SRID <= 0 {
		return Table{}, &LoadError{Step: "reproject", Table: table,
			Err: &geo.ConfigurationError{Reason: "source dataset has no SRID"}}
	}
	if l.cfg.TargetSRID <= 0 {
		return Table{}, &LoadError{Step: "reproject", Table: table,
			Err: &geo.ConfigurationError{Reason: "target SRID is not configured"}}
	}
	if ds.SRID != l.cfg.TargetSRID {
		l.log.Debug().
			Str("table", table).
			Int("from", ds.SRID).
			Int("to", l.cfg.TargetSRID).
			Msg("reprojecting on load")
	}

	// Step 2: full-replace persistence.
	spec := TableSpec{
		Schema:     schema,
		Name:       table,
		GeomColumn: geomCol,
		SRID:       l.cfg.TargetSRID,
		Columns:    columnsOf(ds.Schema),
	}
	rows, err := l.client.ReplaceTable(ctx, spec, ds)
	if err != nil {
		return Table{}, &LoadError{Step: "load", Table: table, Err: err}
	}

	// Step 3: spatial index.
	if err := l.client.CreateSpatialIndex(ctx, schema, table, geomCol, l.cfg.IndexKind); err != nil {
		return Table{}, &LoadError{Step: "index", Table: table, Err: err}
	}

	// Step 4: CRS verification against the configured target.
	srid, err := l.client.TableSRID(ctx, schema, table, geomCol)
	if err != nil {
		return Table{}, &LoadError{Step: "crs", Table: table, Err: err}
	}
	if srid != l.cfg.TargetSRID {
		return Table{}, &CRSMismatchError{Table: table, Want: l.cfg.TargetSRID, Got: srid}
	}

	// Step 5: ownership and grants.
	if l.cfg.Owner != "" {
		if err := l.client.SetOwner(ctx, schema, table, l.cfg.Owner); err != nil {
			return Table{}, &LoadError{Step: "grant", Table: table, Err: err}
		}
	}
	if l.cfg.GrantRole != "" {
		if err := l.client.Grant(ctx, schema, table, l.cfg.GrantRole, l.cfg.GrantPrivileges); err != nil {
			return Table{}, &LoadError{Step: "grant", Table: table, Err: err}
		}
	}

	l.log.Info().
		Str("table", schema+"."+table).
		Int("rows", rows).
		Int("srid", srid).
		Msg("load complete")

	return Table{
		Schema:     schema,
		Name:       table,
		GeomColumn: geomCol,
		SRID:       srid,
		Owner:      l.cfg.Owner,
		Rows:       rows,
	}, nil
}

func columnsOf(s geo.Schema) []ColumnDef {
	out := make([]ColumnDef, 0, len(s.Names))
	for _, name := range s.Names {
		out = append(out, ColumnDef{Name: name, Type: s.Types[name]})
	}
	return out
}
