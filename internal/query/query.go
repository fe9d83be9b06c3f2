// Package query implements the simple query runner (spec.md §4, "Simple
// query runner": execute a T-SQL string and collect a small row set
// synchronously) — the thin synchronous counterpart to internal/stream's
// incremental chunked path, used by the catalog provider and DML executors
// for metadata/control statements where an entire (small) result fits in
// memory.
package query

import (
	"context"
	"time"

	"github.com/dbbouncer/mssqlcore/internal/errs"
	"github.com/dbbouncer/mssqlcore/internal/pool"
	"github.com/dbbouncer/mssqlcore/internal/stream"
	"github.com/dbbouncer/mssqlcore/internal/wire"
)

// Result is a fully materialized small result set.
type Result struct {
	Columns []wire.ColumnMeta
	Rows    [][]any
}

const smallResultChunkSize = 256

// Run acquires a connection from p, executes sql synchronously, collects
// every row into memory, and releases the connection. Intended for
// metadata/control queries (sys.* lookups, RETURNING collection, row
// counts) — not for arbitrary large scans, which belong to internal/stream
// directly.
func Run(ctx context.Context, p *pool.Pool, sql string) (Result, error) {
	start := time.Now()
	res, err := run(ctx, p, sql)
	if m := p.Metrics(); m != nil {
		fatal := false
		if err != nil {
			kind, _ := errs.KindOf(err)
			fatal = kind == errs.KindFatalServer || kind == errs.KindProtocol
		}
		m.QueryCompleted(p.AttachmentName(), time.Since(start), fatal)
	}
	return res, err
}

func run(ctx context.Context, p *pool.Pool, sql string) (Result, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer p.Release(conn)

	s, err := stream.Open(conn, sql, smallResultChunkSize, 5000)
	if err != nil {
		return Result{}, err
	}
	defer s.Close()

	res := Result{Columns: s.Columns()}
	chunk := stream.NewChunk(s.Columns(), smallResultChunkSize)
	for {
		n, err := s.FillChunk(chunk)
		if err != nil {
			return Result{}, err
		}
		for r := 0; r < n; r++ {
			row := make([]any, len(chunk.Cols))
			for c := range chunk.Cols {
				row[c] = chunk.Cols[c][r]
			}
			res.Rows = append(res.Rows, row)
		}
		if n == 0 || s.State() == stream.StateComplete {
			break
		}
	}
	return res, nil
}
