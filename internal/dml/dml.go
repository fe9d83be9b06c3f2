// Package dml implements the batched data-modification executors (spec.md
// §4.7: INSERT with OUTPUT INSERTED, UPDATE/DELETE by primary key, and the
// two-phase CTAS flow). Every statement is assembled through
// internal/sqltext's quoting/literal helpers, never by raw string
// concatenation, and executed through internal/query.Run the same way the
// catalog provider issues its discovery queries — grounded on the teacher's
// pool-acquire-then-single-request pattern generalized to a batch of
// statements instead of one.
package dml

import (
	"context"
	"fmt"
	"strings"

	"github.com/dbbouncer/mssqlcore/internal/catalog"
	"github.com/dbbouncer/mssqlcore/internal/errs"
	"github.com/dbbouncer/mssqlcore/internal/pool"
	"github.com/dbbouncer/mssqlcore/internal/query"
	"github.com/dbbouncer/mssqlcore/internal/settings"
	"github.com/dbbouncer/mssqlcore/internal/sqltext"
)

// Row is one engine-supplied row, column values in the same order as the
// Columns slice passed alongside it.
type Row []any

// InsertRequest describes one batched INSERT operation.
type InsertRequest struct {
	Schema  string
	Table   string
	Columns []string
	Rows    []Row

	// Returning lists identity/computed columns to collect via OUTPUT
	// INSERTED.<col>. Empty when the caller does not need RETURNING.
	Returning []string
}

// InsertResult reports how many rows were sent and, when Returning was
// requested, the ordered returned values (one Row per inserted row, in
// Returning column order).
type InsertResult struct {
	RowsAffected int64
	Returned     []Row
}

// Insert batches req.Rows into INSERT statements of at most cfg.InsertBatchSize
// rows or cfg.InsertMaxSQLBytes bytes, flushing whichever limit is hit first
// (spec.md §4.7 "flushing when either batch size or max-SQL-bytes is
// reached").
func Insert(ctx context.Context, p *pool.Pool, cfg settings.Settings, req InsertRequest) (InsertResult, error) {
	if len(req.Columns) == 0 {
		return InsertResult{}, errs.New(errs.KindConfig, "dml: insert requires at least one column")
	}

	batchSize := cfg.InsertBatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	maxBytes := cfg.InsertMaxSQLBytes
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}

	target := sqltext.QuoteQualified(req.Schema, req.Table)
	colList := quoteIdentList(req.Columns)

	var result InsertResult
	batch := make([]Row, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		stmt, err := buildInsertStatement(target, colList, batch, req.Returning)
		if err != nil {
			return err
		}
		if len(req.Returning) > 0 {
			res, err := query.Run(ctx, p, stmt)
			if err != nil {
				return err
			}
			for _, r := range res.Rows {
				result.Returned = append(result.Returned, Row(r))
			}
			result.RowsAffected += int64(len(res.Rows))
		} else {
			res, err := query.Run(ctx, p, stmt)
			if err != nil {
				return err
			}
			result.RowsAffected += int64(len(batch))
			_ = res
		}
		batch = batch[:0]
		return nil
	}

	approxLen := len(target) + len(colList) + 32
	for _, row := range req.Rows {
		rowSQL, err := buildValuesTuple(row)
		if err != nil {
			return InsertResult{}, err
		}
		if len(batch) > 0 && (len(batch) >= batchSize || approxLen+len(rowSQL) > maxBytes) {
			if err := flush(); err != nil {
				return InsertResult{}, err
			}
			approxLen = len(target) + len(colList) + 32
		}
		batch = append(batch, row)
		approxLen += len(rowSQL) + 1
	}
	if err := flush(); err != nil {
		return InsertResult{}, err
	}
	return result, nil
}

func buildInsertStatement(target, colList string, rows []Row, returning []string) (string, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(target)
	sb.WriteString(" (")
	sb.WriteString(colList)
	sb.WriteString(")")

	if len(returning) > 0 {
		sb.WriteString(" OUTPUT ")
		outs := make([]string, len(returning))
		for i, c := range returning {
			outs[i] = "INSERTED." + sqltext.QuoteIdent(c)
		}
		sb.WriteString(strings.Join(outs, ", "))
	}

	sb.WriteString(" VALUES ")
	tuples := make([]string, len(rows))
	for i, row := range rows {
		tuple, err := buildValuesTuple(row)
		if err != nil {
			return "", err
		}
		tuples[i] = tuple
	}
	sb.WriteString(strings.Join(tuples, ","))
	sb.WriteString(";")
	return sb.String(), nil
}

func buildValuesTuple(row Row) (string, error) {
	vals := make([]string, len(row))
	for i, v := range row {
		lit, err := sqltext.Literal(v)
		if err != nil {
			return "", fmt.Errorf("dml: column %d: %w", i, err)
		}
		vals[i] = lit
	}
	return "(" + strings.Join(vals, ",") + ")", nil
}

func quoteIdentList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = sqltext.QuoteIdent(c)
	}
	return strings.Join(quoted, ",")
}

// UpdateRequest describes one batched UPDATE keyed by primary key.
type UpdateRequest struct {
	Schema     string
	Table      string
	PrimaryKey []string // PK column names, in key_ordinal order
	SetColumns []string // columns assigned by SET, same order as each Row's prefix
	// Rows holds, per row, the SET values followed by the PK values
	// (len(SetColumns)+len(PrimaryKey) entries), in that order.
	Rows []Row
}

// Update issues one UPDATE statement per row, batched cfg.DMLBatchSize
// statements at a time inside a single round trip (spec.md §4.7
// "UPDATE/DELETE ... composite keys use AND-joined equality").
func Update(ctx context.Context, p *pool.Pool, cfg settings.Settings, req UpdateRequest) (int64, error) {
	if len(req.PrimaryKey) == 0 {
		return 0, errs.New(errs.KindConfig, "dml: update requires a primary key; table has none")
	}
	target := sqltext.QuoteQualified(req.Schema, req.Table)
	batchSize := cfg.DMLBatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	var total int64
	for start := 0; start < len(req.Rows); start += batchSize {
		end := start + batchSize
		if end > len(req.Rows) {
			end = len(req.Rows)
		}
		var sb strings.Builder
		for _, row := range req.Rows[start:end] {
			setVals := row[:len(req.SetColumns)]
			pkVals := row[len(req.SetColumns):]
			stmt, err := buildUpdateStatement(target, req.SetColumns, setVals, req.PrimaryKey, pkVals)
			if err != nil {
				return total, err
			}
			sb.WriteString(stmt)
		}
		if _, err := query.Run(ctx, p, sb.String()); err != nil {
			return total, err
		}
		total += int64(end - start)
	}
	return total, nil
}

func buildUpdateStatement(target string, setCols []string, setVals Row, pkCols []string, pkVals Row) (string, error) {
	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(target)
	sb.WriteString(" SET ")
	assigns := make([]string, len(setCols))
	for i, c := range setCols {
		lit, err := sqltext.Literal(setVals[i])
		if err != nil {
			return "", fmt.Errorf("dml: set column %q: %w", c, err)
		}
		assigns[i] = sqltext.QuoteIdent(c) + "=" + lit
	}
	sb.WriteString(strings.Join(assigns, ","))
	sb.WriteString(" WHERE ")
	where, err := buildPKEquality(pkCols, pkVals)
	if err != nil {
		return "", err
	}
	sb.WriteString(where)
	sb.WriteString(";")
	return sb.String(), nil
}

// DeleteRequest describes one batched DELETE keyed by primary key.
type DeleteRequest struct {
	Schema     string
	Table      string
	PrimaryKey []string
	// Rows holds, per row, the PK values in PrimaryKey order.
	Rows []Row
}

// Delete issues one DELETE per row, batched the same way Update is.
func Delete(ctx context.Context, p *pool.Pool, cfg settings.Settings, req DeleteRequest) (int64, error) {
	if len(req.PrimaryKey) == 0 {
		return 0, errs.New(errs.KindConfig, "dml: delete requires a primary key; table has none")
	}
	target := sqltext.QuoteQualified(req.Schema, req.Table)
	batchSize := cfg.DMLBatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	var total int64
	for start := 0; start < len(req.Rows); start += batchSize {
		end := start + batchSize
		if end > len(req.Rows) {
			end = len(req.Rows)
		}
		var sb strings.Builder
		for _, row := range req.Rows[start:end] {
			where, err := buildPKEquality(req.PrimaryKey, row)
			if err != nil {
				return total, err
			}
			sb.WriteString("DELETE FROM ")
			sb.WriteString(target)
			sb.WriteString(" WHERE ")
			sb.WriteString(where)
			sb.WriteString(";")
		}
		if _, err := query.Run(ctx, p, sb.String()); err != nil {
			return total, err
		}
		total += int64(end - start)
	}
	return total, nil
}

func buildPKEquality(pkCols []string, pkVals Row) (string, error) {
	if len(pkCols) != len(pkVals) {
		return "", errs.New(errs.KindConfig, "dml: primary key column/value count mismatch")
	}
	clauses := make([]string, len(pkCols))
	for i, c := range pkCols {
		lit, err := sqltext.Literal(pkVals[i])
		if err != nil {
			return "", fmt.Errorf("dml: primary key column %q: %w", c, err)
		}
		clauses[i] = sqltext.QuoteIdent(c) + "=" + lit
	}
	return strings.Join(clauses, " AND "), nil
}

// CTASRequest describes a CREATE TABLE AS SELECT-shaped ingestion: create
// the target table from an engine schema, then sink rows into it.
type CTASRequest struct {
	Schema  string
	Table   string
	Columns []ColumnDef
	Rows    []Row

	// DropOnFailure controls whether a failed phase 2 attempts a cleanup
	// DROP TABLE (spec.md §4.7 "unless disabled").
	DropOnFailure bool
}

// ColumnDef names one CTAS column and its engine logical type, reverse
// mapped to a SQL Server column definition via internal/catalog.FromLogicalType.
type ColumnDef struct {
	Name        string
	LogicalType string
	Nullable    bool
}

// CTAS runs the two-phase create-then-sink flow: CREATE TABLE with
// reverse-mapped types, then a batched INSERT sink. On phase-2 failure, a
// cleanup DROP TABLE is attempted unless req.DropOnFailure is false
// (spec.md §4.7 "On phase-2 failure, a cleanup DROP TABLE is attempted
// unless disabled").
func CTAS(ctx context.Context, p *pool.Pool, cfg settings.Settings, req CTASRequest) (InsertResult, error) {
	if cfg.ReadOnly {
		return InsertResult{}, errs.New(errs.KindReadOnlyViolation, "dml: CTAS rejected, attachment is read-only")
	}

	createStmt, err := buildCreateTableStatement(req.Schema, req.Table, req.Columns, cfg.CTASTextType)
	if err != nil {
		return InsertResult{}, err
	}
	if _, err := query.Run(ctx, p, createStmt); err != nil {
		return InsertResult{}, fmt.Errorf("dml: CTAS phase 1 (CREATE TABLE) failed: %w", err)
	}

	colNames := make([]string, len(req.Columns))
	for i, c := range req.Columns {
		colNames[i] = c.Name
	}
	insertReq := InsertRequest{Schema: req.Schema, Table: req.Table, Columns: colNames, Rows: req.Rows}
	result, err := Insert(ctx, p, cfg, insertReq)
	if err != nil {
		if req.DropOnFailure {
			dropStmt := "DROP TABLE " + sqltext.QuoteQualified(req.Schema, req.Table) + ";"
			if _, dropErr := query.Run(ctx, p, dropStmt); dropErr != nil {
				return InsertResult{}, fmt.Errorf("dml: CTAS phase 2 failed (%v), cleanup DROP TABLE also failed: %w", err, dropErr)
			}
		}
		return InsertResult{}, fmt.Errorf("dml: CTAS phase 2 (INSERT sink) failed: %w", err)
	}
	return result, nil
}

func buildCreateTableStatement(schema, table string, cols []ColumnDef, textType string) (string, error) {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	sb.WriteString(sqltext.QuoteQualified(schema, table))
	sb.WriteString(" (")
	defs := make([]string, len(cols))
	for i, c := range cols {
		sqlType, err := catalog.FromLogicalType(c.LogicalType)
		if err != nil {
			return "", fmt.Errorf("dml: CTAS column %q: %w", c.Name, err)
		}
		if textType == "VARCHAR" && sqlType == "nvarchar(max)" {
			sqlType = "varchar(max)"
		}
		nullability := "NOT NULL"
		if c.Nullable {
			nullability = "NULL"
		}
		defs[i] = sqltext.QuoteIdent(c.Name) + " " + sqlType + " " + nullability
	}
	sb.WriteString(strings.Join(defs, ", "))
	sb.WriteString(");")
	return sb.String(), nil
}
