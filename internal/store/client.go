// Package store talks to the spatial database. The Client interface is the
// contract the loader and tile encoder depend on; PG implements it against
// PostGIS through a pgx connection pool.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/rs/zerolog"

	"github.com/geoberg/vectile/internal/geo"
)

// TableSpec describes the table a dataset is persisted into.
type TableSpec struct {
	Schema     string
	Name       string
	GeomColumn string
	SRID       int // target SRID; geometries are transformed on insert
	Columns    []ColumnDef
}

// ColumnDef is one attribute column of a spatial table.
type ColumnDef struct {
	Name string
	Type geo.AttrType
}

// Qualified returns the quoted schema.name pair.
func (t TableSpec) Qualified() string {
	return pgx.Identifier{t.Schema, t.Name}.Sanitize()
}

// LayerInfo is one geometry table registered in a schema.
type LayerInfo struct {
	Table      string
	GeomColumn string
	SRID       int
}

// TileQuery selects the features of one table intersecting a tile bound.
// Bound is in WGS84; the store transforms it into the table's CRS for the
// index scan and hands geometries back in WGS84 WKB.
type TileQuery struct {
	Schema     string
	Table      string
	GeomColumn string
	SRID       int
	Bound      orb.Bound
	Columns    []string
}

// TileFeature is one row of a tile query result.
type TileFeature struct {
	WKB   []byte
	Props map[string]any
}

// Client is the spatial store contract used by the loader and tile encoder.
type Client interface {
	ReplaceTable(ctx context.Context, spec TableSpec, ds geo.Dataset) (int, error)
	CreateSpatialIndex(ctx context.Context, schema, table, column, kind string) error
	TableSRID(ctx context.Context, schema, table, column string) (int, error)
	SetOwner(ctx context.Context, schema, table, owner string) error
	Grant(ctx context.Context, schema, table, role, privileges string) error
	ListLayers(ctx context.Context, schema string) ([]LayerInfo, error)
	TileFeatures(ctx context.Context, q TileQuery) ([]TileFeature, error)
}

// PG is the PostGIS-backed Client.
type PG struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens a pgx pool against dsn and verifies the connection.
func Connect(ctx context.Context, dsn string, log zerolog.Logger) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &DatabaseError{Op: "connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &DatabaseError{Op: "ping", Err: err}
	}
	return &PG{pool: pool, log: log.With().Str("component", "store").Logger()}, nil
}

func (p *PG) Close() { p.pool.Close() }

// ReplaceTable drops any existing table of that name and recreates it with
// the dataset's content inside one transaction, so readers never observe a
// half-replaced table. Geometries are promoted to multi and transformed to
// the spec SRID on insert. Returns the number of rows written.
func (p *PG) ReplaceTable(ctx context.Context, spec TableSpec, ds geo.Dataset) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, &DatabaseError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	qualified := spec.Qualified()
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+qualified); err != nil {
		return 0, fmt.Errorf("drop %s: %w", qualified, err)
	}
	if _, err := tx.Exec(ctx, createTableSQL(spec)); err != nil {
		return 0, fmt.Errorf("create %s: %w", qualified, err)
	}

	insert, geomExpr := insertSQL(spec, ds.SRID)
	batch := &pgx.Batch{}
	for _, f := range ds.Features {
		raw, err := wkb.Marshal(f.Geometry)
		if err != nil {
			return 0, fmt.Errorf("encode geometry: %w", err)
		}
		args := make([]any, 0, len(spec.Columns)+1)
		for _, col := range spec.Columns {
			args = append(args, f.Attributes[col.Name])
		}
		args = append(args, raw)
		batch.Queue(insert, args...)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("insert into %s (%s): %w", qualified, geomExpr, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, &DatabaseError{Op: "commit", Err: err}
	}

	p.log.Info().
		Str("table", qualified).
		Int("rows", len(ds.Features)).
		Int("srid", spec.SRID).
		Msg("table replaced")
	return len(ds.Features), nil
}

func createTableSQL(spec TableSpec) string {
	cols := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", pgx.Identifier{c.Name}.Sanitize(), sqlType(c.Type)))
	}
	cols = append(cols, fmt.Sprintf("%s geometry(Geometry, %d)",
		pgx.Identifier{spec.GeomColumn}.Sanitize(), spec.SRID))
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", spec.Qualified(), strings.Join(cols, ",\n  "))
}

// insertSQL builds the insert statement. The geometry placeholder is last;
// a transform is added only when the source SRID differs from the target.
func insertSQL(spec TableSpec, srcSRID int) (string, string) {
	names := make([]string, 0, len(spec.Columns)+1)
	ph := make([]string, 0, len(spec.Columns)+1)
	for i, c := range spec.Columns {
		names = append(names, pgx.Identifier{c.Name}.Sanitize())
		ph = append(ph, fmt.Sprintf("$%d", i+1))
	}
	names = append(names, pgx.Identifier{spec.GeomColumn}.Sanitize())

	geomExpr := fmt.Sprintf("ST_Multi(ST_SetSRID(ST_GeomFromWKB($%d), %d))",
		len(spec.Columns)+1, srcSRID)
	if srcSRID != spec.SRID {
		geomExpr = fmt.Sprintf("ST_Transform(%s, %d)", geomExpr, spec.SRID)
	}
	ph = append(ph, geomExpr)

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.Qualified(), strings.Join(names, ", "), strings.Join(ph, ", ")), geomExpr
}

func sqlType(t geo.AttrType) string {
	switch t {
	case geo.TypeFloat:
		return "double precision"
	case geo.TypeInt:
		return "bigint"
	case geo.TypeBool:
		return "boolean"
	default:
		return "text"
	}
}

// CreateSpatialIndex builds a spatial index on the geometry column. Kind is
// gist or spgist; the original data (low-overlap building footprints) favors
// the space-partitioned index.
func (p *PG) CreateSpatialIndex(ctx context.Context, schema, table, column, kind string) error {
	method, err := indexMethod(kind)
	if err != nil {
		return err
	}
	name := pgx.Identifier{fmt.Sprintf("idx_%s_%s", table, column)}.Sanitize()
	sql := fmt.Sprintf("CREATE INDEX %s ON %s USING %s (%s)",
		name, pgx.Identifier{schema, table}.Sanitize(), method,
		pgx.Identifier{column}.Sanitize())
	if _, err := p.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create %s index on %s.%s: %w", method, schema, table, err)
	}
	return nil
}

func indexMethod(kind string) (string, error) {
	switch strings.ToLower(kind) {
	case "", "gist":
		return "GIST", nil
	case "spgist":
		return "SPGIST", nil
	default:
		return "", &geo.ConfigurationError{Reason: fmt.Sprintf("unknown index kind %q", kind)}
	}
}

// TableSRID reads the stored SRID of the geometry column.
func (p *PG) TableSRID(ctx context.Context, schema, table, column string) (int, error) {
	var srid int
	err := p.pool.QueryRow(ctx,
		"SELECT Find_SRID($1, $2, $3)", schema, table, column).Scan(&srid)
	if err != nil {
		return 0, fmt.Errorf("find srid of %s.%s: %w", schema, table, err)
	}
	return srid, nil
}

func (p *PG) SetOwner(ctx context.Context, schema, table, owner string) error {
	sql := fmt.Sprintf("ALTER TABLE %s OWNER TO %s",
		pgx.Identifier{schema, table}.Sanitize(), pgx.Identifier{owner}.Sanitize())
	if _, err := p.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("alter owner of %s.%s: %w", schema, table, err)
	}
	return nil
}

func (p *PG) Grant(ctx context.Context, schema, table, role, privileges string) error {
	privs, err := grantPrivileges(privileges)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf("GRANT %s ON TABLE %s TO %s",
		privs, pgx.Identifier{schema, table}.Sanitize(), pgx.Identifier{role}.Sanitize())
	if _, err := p.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("grant on %s.%s: %w", schema, table, err)
	}
	return nil
}

// grantPrivileges whitelists the privilege list; it is interpolated into DDL.
func grantPrivileges(privileges string) (string, error) {
	if strings.TrimSpace(privileges) == "" {
		return "ALL PRIVILEGES", nil
	}
	allowed := map[string]struct{}{
		"SELECT": {}, "INSERT": {}, "UPDATE": {}, "DELETE": {},
		"TRUNCATE": {}, "REFERENCES": {}, "TRIGGER": {}, "ALL PRIVILEGES": {}, "ALL": {},
	}
	parts := strings.Split(privileges, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		up := strings.ToUpper(strings.TrimSpace(part))
		if _, ok := allowed[up]; !ok {
			return "", &geo.ConfigurationError{Reason: fmt.Sprintf("unknown privilege %q", part)}
		}
		out = append(out, up)
	}
	return strings.Join(out, ", "), nil
}

// ListLayers enumerates the geometry tables registered in a schema.
func (p *PG) ListLayers(ctx context.Context, schema string) ([]LayerInfo, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT f_table_name, f_geometry_column, srid
		   FROM geometry_columns
		  WHERE f_table_schema = $1
		  ORDER BY f_table_name`, schema)
	if err != nil {
		return nil, &DatabaseError{Op: "list layers", Err: err}
	}
	defer rows.Close()

	var out []LayerInfo
	for rows.Next() {
		var li LayerInfo
		if err := rows.Scan(&li.Table, &li.GeomColumn, &li.SRID); err != nil {
			return nil, &DatabaseError{Op: "list layers", Err: err}
		}
		out = append(out, li)
	}
	if err := rows.Err(); err != nil {
		return nil, &DatabaseError{Op: "list layers", Err: err}
	}
	return out, nil
}

// TileFeatures runs the spatial intersection query for one table. The tile
// bound arrives in WGS84 and is transformed into the table CRS so the
// spatial index applies; geometries come back transformed to WGS84.
func (p *PG) TileFeatures(ctx context.Context, q TileQuery) ([]TileFeature, error) {
	sel := make([]string, 0, len(q.Columns)+1)
	for _, c := range q.Columns {
		sel = append(sel, pgx.Identifier{c}.Sanitize())
	}
	geom := pgx.Identifier{q.GeomColumn}.Sanitize()
	sel = append(sel, fmt.Sprintf("ST_AsBinary(ST_Transform(%s, 4326))", geom))

	sql := fmt.Sprintf(
		`SELECT %s
		   FROM %s
		  WHERE %s && ST_Transform(ST_MakeEnvelope($1, $2, $3, $4, 4326), %d)
		    AND ST_Intersects(%s, ST_Transform(ST_MakeEnvelope($1, $2, $3, $4, 4326), %d))`,
		strings.Join(sel, ", "),
		pgx.Identifier{q.Schema, q.Table}.Sanitize(),
		geom, q.SRID, geom, q.SRID)

	rows, err := p.pool.Query(ctx, sql,
		q.Bound.Min[0], q.Bound.Min[1], q.Bound.Max[0], q.Bound.Max[1])
	if err != nil {
		return nil, fmt.Errorf("tile query %s.%s: %w", q.Schema, q.Table, err)
	}
	defer rows.Close()

	var out []TileFeature
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("tile scan %s.%s: %w", q.Schema, q.Table, err)
		}
		tf := TileFeature{Props: make(map[string]any, len(q.Columns))}
		for i, c := range q.Columns {
			tf.Props[c] = vals[i]
		}
		raw, ok := vals[len(vals)-1].([]byte)
		if !ok {
			return nil, fmt.Errorf("tile scan %s.%s: geometry is %T, want bytes",
				q.Schema, q.Table, vals[len(vals)-1])
		}
		tf.WKB = raw
		out = append(out, tf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tile query %s.%s: %w", q.Schema, q.Table, err)
	}
	return out, nil
}
