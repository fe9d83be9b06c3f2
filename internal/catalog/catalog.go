// Package catalog implements schema/table/column/PK discovery and the TTL
// metadata cache (spec.md §4.6). Query shapes are grounded on spec.md §4.6
// directly (no pack file queries sys.* catalog views); the cache state
// machine and "registered once, read concurrently" locking discipline is
// modeled on the teacher's health.Checker periodic-refresh + status-map
// pattern, generalized from a per-tenant health map to a per-(schema,table)
// metadata map.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbbouncer/mssqlcore/internal/errs"
	"github.com/dbbouncer/mssqlcore/internal/pool"
	"github.com/dbbouncer/mssqlcore/internal/query"
	"github.com/dbbouncer/mssqlcore/internal/settings"
	"github.com/dbbouncer/mssqlcore/internal/sqltext"
)

// Kind distinguishes tables from views in sys.objects.
type Kind int

const (
	KindTable Kind = iota
	KindView
)

// ColumnInfo is one column's catalog-visible shape.
type ColumnInfo struct {
	Name        string
	SQLType     string
	Nullable    bool
	Precision   byte
	Scale       byte
	MaxLength   int
	LogicalType string
}

// PrimaryKey lists the PK columns in key_ordinal order.
type PrimaryKey struct {
	Columns []string
}

// TableInfo is one cache entry's payload (spec.md §3 "Metadata cache
// entry").
type TableInfo struct {
	Schema         string
	Name           string
	Kind           Kind
	Columns        []ColumnInfo
	PrimaryKey     *PrimaryKey
	ApproxRowCount int64
	Collation      string
	FetchedAt      time.Time
}

type cacheState int

const (
	stateEmpty cacheState = iota
	stateLoading
	stateLoaded
	stateStale
)

type cacheEntry struct {
	state cacheState
	info  TableInfo
}

// Provider is the per-attachment catalog surface (spec.md §4.6).
type Provider struct {
	pool     *pool.Pool
	ttl      time.Duration
	readOnly bool

	mu      sync.Mutex
	tables  map[string]*cacheEntry // key: "schema.table"
	schemas []string
	schemasFetched time.Time
}

// New creates a catalog provider bound to p, honoring cfg.CatalogCacheTTL
// and cfg.ReadOnly.
func New(p *pool.Pool, cfg settings.Settings) *Provider {
	return &Provider{pool: p, ttl: cfg.CatalogCacheTTL, readOnly: cfg.ReadOnly, tables: make(map[string]*cacheEntry)}
}

func key(schema, table string) string { return schema + "." + table }

// Schemas returns user schemas containing at least one table or view
// (spec.md §4.6 "Discovery queries").
func (p *Provider) Schemas(ctx context.Context) ([]string, error) {
	const sql = `SELECT s.name FROM sys.schemas s
WHERE s.schema_id < 16384
  AND EXISTS (SELECT 1 FROM sys.objects o WHERE o.schema_id = s.schema_id AND o.type IN ('U','V'))
ORDER BY s.name;`
	res, err := query.Run(ctx, p.pool, sql)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if name, ok := row[0].(string); ok {
			out = append(out, name)
		}
	}
	p.mu.Lock()
	p.schemas = out
	p.schemasFetched = time.Now()
	p.mu.Unlock()
	return out, nil
}

// Tables lists tables and views in schema with a cardinality estimate
// (spec.md §4.6 "Tables and views per schema").
func (p *Provider) Tables(ctx context.Context, schema string) ([]TableInfo, error) {
	sql := fmt.Sprintf(`SELECT o.name, o.type,
  (SELECT SUM(ps.rows) FROM sys.partitions ps WHERE ps.object_id = o.object_id AND ps.index_id IN (0,1))
FROM sys.objects o
JOIN sys.schemas s ON s.schema_id = o.schema_id
WHERE s.name = %s AND o.type IN ('U','V')
ORDER BY o.name;`, sqltext.QuoteStringLiteral(schema))
	res, err := query.Run(ctx, p.pool, sql)
	if err != nil {
		return nil, err
	}
	out := make([]TableInfo, 0, len(res.Rows))
	for _, row := range res.Rows {
		name, _ := row[0].(string)
		typ, _ := row[1].(string)
		kind := KindTable
		if typ == "V " || typ == "V" {
			kind = KindView
		}
		var rows int64
		if v, ok := row[2].(int64); ok {
			rows = v
		}
		out = append(out, TableInfo{Schema: schema, Name: name, Kind: kind, ApproxRowCount: rows})
	}
	return out, nil
}

// TableInfo returns the cached metadata entry for (schema, table),
// refetching if missing or past TTL (spec.md §3 "Metadata cache entry":
// "entries older than configured TTL are refetched on next access; TTL=0
// disables auto-refresh").
func (p *Provider) TableInfo(ctx context.Context, schema, table string) (TableInfo, error) {
	k := key(schema, table)
	p.mu.Lock()
	entry, ok := p.tables[k]
	if ok && entry.state == stateLoaded {
		if p.ttl > 0 && time.Since(entry.info.FetchedAt) > p.ttl {
			entry.state = stateStale
		} else {
			info := entry.info
			p.mu.Unlock()
			if m := p.pool.Metrics(); m != nil {
				m.CatalogCacheHit(p.pool.AttachmentName())
			}
			return info, nil
		}
	}
	p.mu.Unlock()

	if m := p.pool.Metrics(); m != nil {
		m.CatalogCacheMiss(p.pool.AttachmentName())
	}
	info, err := p.fetchTableInfo(ctx, schema, table)
	if err != nil {
		return TableInfo{}, err
	}
	p.mu.Lock()
	p.tables[k] = &cacheEntry{state: stateLoaded, info: info}
	p.mu.Unlock()
	return info, nil
}

// fetchTableInfo runs the column and primary-key discovery queries
// concurrently (spec.md §4.6 "Columns per object", "Primary key"), using
// errgroup the way the pack's proxy-egress component fans out concurrent
// backend calls.
func (p *Provider) fetchTableInfo(ctx context.Context, schema, table string) (TableInfo, error) {
	info := TableInfo{Schema: schema, Name: table, FetchedAt: time.Now()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cols, err := p.fetchColumns(gctx, schema, table)
		if err != nil {
			return err
		}
		info.Columns = cols
		return nil
	})
	g.Go(func() error {
		pk, err := p.fetchPrimaryKey(gctx, schema, table)
		if err != nil {
			return err
		}
		info.PrimaryKey = pk
		return nil
	})
	g.Go(func() error {
		coll, err := p.fetchDefaultCollation(gctx)
		if err != nil {
			return err
		}
		info.Collation = coll
		return nil
	})
	if err := g.Wait(); err != nil {
		return TableInfo{}, err
	}
	return info, nil
}

func (p *Provider) fetchColumns(ctx context.Context, schema, table string) ([]ColumnInfo, error) {
	sql := fmt.Sprintf(`SELECT c.name, t.name, c.is_nullable, c.precision, c.scale, c.max_length
FROM sys.columns c
JOIN sys.types t ON t.user_type_id = c.user_type_id
JOIN sys.objects o ON o.object_id = c.object_id
JOIN sys.schemas s ON s.schema_id = o.schema_id
WHERE s.name = %s AND o.name = %s
ORDER BY c.column_id;`, sqltext.QuoteStringLiteral(schema), sqltext.QuoteStringLiteral(table))
	res, err := query.Run(ctx, p.pool, sql)
	if err != nil {
		return nil, err
	}
	out := make([]ColumnInfo, 0, len(res.Rows))
	for _, row := range res.Rows {
		name, _ := row[0].(string)
		sqlType, _ := row[1].(string)
		nullable, _ := row[2].(bool)
		var prec, scale byte
		var maxLen int
		if v, ok := row[3].(int64); ok {
			prec = byte(v)
		}
		if v, ok := row[4].(int64); ok {
			scale = byte(v)
		}
		if v, ok := row[5].(int64); ok {
			maxLen = int(v)
		}
		out = append(out, ColumnInfo{
			Name: name, SQLType: sqlType, Nullable: nullable,
			Precision: prec, Scale: scale, MaxLength: maxLen,
			LogicalType: ToLogicalType(sqlType, prec, scale),
		})
	}
	return out, nil
}

func (p *Provider) fetchPrimaryKey(ctx context.Context, schema, table string) (*PrimaryKey, error) {
	sql := fmt.Sprintf(`SELECT c.name
FROM sys.indexes i
JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
JOIN sys.objects o ON o.object_id = i.object_id
JOIN sys.schemas s ON s.schema_id = o.schema_id
WHERE i.is_primary_key = 1 AND s.name = %s AND o.name = %s
ORDER BY ic.key_ordinal;`, sqltext.QuoteStringLiteral(schema), sqltext.QuoteStringLiteral(table))
	res, err := query.Run(ctx, p.pool, sql)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	cols := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if name, ok := row[0].(string); ok {
			cols = append(cols, name)
		}
	}
	return &PrimaryKey{Columns: cols}, nil
}

func (p *Provider) fetchDefaultCollation(ctx context.Context) (string, error) {
	const sql = `SELECT DATABASEPROPERTYEX(DB_NAME(), 'Collation');`
	res, err := query.Run(ctx, p.pool, sql)
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 {
		return "", nil
	}
	s, _ := res.Rows[0][0].(string)
	return s, nil
}

// RefreshCache forces schema's table entries from Loaded/Stale back to
// Empty so the next access refetches (spec.md §4.6 "manual refresh forces
// Loaded->Empty->Loading").
func (p *Provider) RefreshCache(schema string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := schema + "."
	for k := range p.tables {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(p.tables, k)
		}
	}
}

// InvalidateSchema is invoked after a successful DDL statement against
// schema (spec.md §3 "Invalidated en masse per-schema on successful DDL").
func (p *Provider) InvalidateSchema(schema string) { p.RefreshCache(schema) }

// ExecDDL runs sql as a control statement, translated by the caller (DDL
// hooks never string-concatenate the engine's own SQL directly — spec.md
// §4.6), and invalidates schema's cache on success. Rejects before any I/O
// when the attachment is READ_ONLY (spec.md §4.6 "READ_ONLY mode").
func (p *Provider) ExecDDL(ctx context.Context, schema, sql string) error {
	if p.readOnly {
		return errs.New(errs.KindReadOnlyViolation, "DDL rejected: attachment is read-only")
	}
	if _, err := query.Run(ctx, p.pool, sql); err != nil {
		return err
	}
	p.InvalidateSchema(schema)
	return nil
}
