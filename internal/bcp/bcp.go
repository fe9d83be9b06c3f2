// Package bcp implements the native bulk-copy sub-protocol (spec.md §4.8):
// an INSERT BULK handshake, a binary row encoder reusing internal/wire's
// scalar codec, and batch-threshold flushing with DONE acknowledgment. The
// wire-level length-prefix encoding is grounded directly on
// internal/wire's COLMETADATA/ROW decode shapes, mirrored in the write
// direction (no pack example encodes BCP rows; the byte layout is fixed by
// the TDS documentation the rest of internal/wire follows).
package bcp

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dbbouncer/mssqlcore/internal/catalog"
	"github.com/dbbouncer/mssqlcore/internal/errs"
	"github.com/dbbouncer/mssqlcore/internal/metrics"
	"github.com/dbbouncer/mssqlcore/internal/settings"
	"github.com/dbbouncer/mssqlcore/internal/sqltext"
	"github.com/dbbouncer/mssqlcore/internal/tds"
	"github.com/dbbouncer/mssqlcore/internal/wire"
)

var intWidths = map[string]int{"tinyint": 1, "smallint": 2, "int": 4, "bigint": 8}

// conn is the subset of *tds.Conn the writer needs, so tests can substitute
// a fake without standing up a real connection state machine.
type conn interface {
	SendBatch(sql string) error
	BeginExecute() error
	EndExecute() error
	ReadNextMessage() ([]byte, error)
	NewParser(payload []byte) *wire.Parser
	SendBulkData(payload []byte) error
	Cancel() error
}

var _ conn = (*tds.Conn)(nil)

// Writer drives one bulk-copy session against a single table. Rows buffer
// until the row-count threshold (flushRows) is hit, then flush as one
// BULK_LOAD_DATA message; there is no byte-size threshold.
type Writer struct {
	conn    conn
	cols    []catalog.ColumnInfo
	header  []byte // pre-built COLMETADATA-shaped header, resent at the top of every flushed message
	flushRows int

	buf      []byte
	rowsInBuf int
	totalRows int64
	closed   bool

	// metrics/attachment are optional: a Writer never given SetMetrics
	// records nothing (every test writer).
	metrics    *metrics.Collector
	attachment string
}

// SetMetrics attaches a metrics collector under attachment's label, recorded
// against every subsequent Flush.
func (w *Writer) SetMetrics(m *metrics.Collector, attachment string) {
	w.metrics = m
	w.attachment = attachment
}

// Begin sends `INSERT BULK [s].[t] (...) WITH (TABLOCK)` as a SQL_BATCH and
// waits for the server's acknowledgment (spec.md §4.8 "Handshake").
func Begin(c conn, schema, table string, cols []catalog.ColumnInfo, cfg settings.Settings) (*Writer, error) {
	if cfg.ReadOnly {
		return nil, errs.New(errs.KindReadOnlyViolation, "bcp: bulk load rejected, attachment is read-only")
	}
	if len(cols) == 0 {
		return nil, errs.New(errs.KindConfig, "bcp: bulk load requires at least one column")
	}

	stmt, err := buildInsertBulkStatement(schema, table, cols)
	if err != nil {
		return nil, err
	}
	if err := c.SendBatch(stmt); err != nil {
		return nil, err
	}
	if err := c.BeginExecute(); err != nil {
		return nil, err
	}
	if err := awaitBulkAck(c); err != nil {
		return nil, err
	}

	header, err := encodeColMetadataHeader(cols)
	if err != nil {
		return nil, err
	}

	flushRows := cfg.CopyFlushRows
	if flushRows <= 0 {
		flushRows = 10000
	}

	return &Writer{conn: c, cols: cols, header: header, flushRows: flushRows}, nil
}

func buildInsertBulkStatement(schema, table string, cols []catalog.ColumnInfo) (string, error) {
	defs := make([]string, len(cols))
	for i, c := range cols {
		clause, err := columnTypeClause(c)
		if err != nil {
			return "", err
		}
		defs[i] = sqltext.QuoteIdent(c.Name) + " " + clause
	}
	stmt := "INSERT BULK " + sqltext.QuoteQualified(schema, table) + " ("
	for i, d := range defs {
		if i > 0 {
			stmt += ", "
		}
		stmt += d
	}
	stmt += ") WITH (TABLOCK)"
	return stmt, nil
}

// columnTypeClause renders the T-SQL type declaration INSERT BULK expects
// per column, from the catalog's discovered SQLType/Precision/Scale/MaxLength.
func columnTypeClause(c catalog.ColumnInfo) (string, error) {
	switch c.SQLType {
	case "decimal", "numeric":
		return fmt.Sprintf("%s(%d,%d)", c.SQLType, c.Precision, c.Scale), nil
	case "char", "varchar", "binary", "varbinary":
		if c.MaxLength <= 0 {
			return c.SQLType + "(max)", nil
		}
		return fmt.Sprintf("%s(%d)", c.SQLType, c.MaxLength), nil
	case "nchar", "nvarchar":
		if c.MaxLength <= 0 {
			return c.SQLType + "(max)", nil
		}
		return fmt.Sprintf("%s(%d)", c.SQLType, c.MaxLength/2), nil
	case "time", "datetime2", "datetimeoffset":
		return fmt.Sprintf("%s(%d)", c.SQLType, c.Scale), nil
	case "xml", "sql_variant", "hierarchyid", "geography", "geometry", "image", "text", "ntext":
		return "", errs.New(errs.KindUnsupported, "bcp: column type "+c.SQLType+" is not a supported bulk-load scalar type")
	default:
		return c.SQLType, nil
	}
}

// awaitBulkAck drains tokens until it sees the server's acknowledgment of
// the bulk session (spec.md §4.8: "wait for the server's COLMETADATA-like
// response acknowledging the bulk session"). A DONE with no preceding
// ERROR is the acknowledgment; an ERROR surfaces immediately.
func awaitBulkAck(c conn) error {
	for {
		msg, err := c.ReadNextMessage()
		if err != nil {
			return err
		}
		p := c.NewParser(msg)
		for {
			tok, err := p.Next()
			if err == wire.ErrNeedMoreData {
				break
			}
			if err != nil {
				return errs.Wrap(errs.KindProtocol, "bcp: parse bulk handshake ack", err)
			}
			switch tok.Type {
			case wire.TokenError:
				sev := tok.Error.Severity
				return errs.FromServerToken(sev >= 20, tok.Error.Number, tok.Error.State, sev, tok.Error.Message, tok.Error.Server, tok.Error.Proc, tok.Error.Line)
			case wire.TokenDone, wire.TokenDoneProc, wire.TokenDoneInProc:
				return nil
			}
		}
	}
}

// WriteRow appends one row's encoded cells to the pending batch, flushing
// automatically once flushRows is reached.
func (w *Writer) WriteRow(values []any) error {
	if w.closed {
		return errs.New(errs.KindProtocol, "bcp: write after Close")
	}
	if len(values) != len(w.cols) {
		return errs.New(errs.KindConfig, "bcp: row has wrong column count")
	}
	if len(w.buf) == 0 {
		w.buf = append(w.buf, w.header...)
	}
	w.buf = append(w.buf, byte(wire.TokenRow))
	for i, v := range values {
		enc, err := encodeCell(v, w.cols[i])
		if err != nil {
			return err
		}
		w.buf = append(w.buf, enc...)
	}
	w.rowsInBuf++
	w.totalRows++
	if w.rowsInBuf >= w.flushRows {
		return w.Flush()
	}
	return nil
}

// Flush sends the accumulated rows as one BULK_LOAD_DATA message and waits
// for the server's DONE acknowledgment before starting a new batch (spec.md
// §4.8 "Batching").
func (w *Writer) Flush() error {
	if w.rowsInBuf == 0 {
		return nil
	}
	start := time.Now()
	rows := w.rowsInBuf
	if err := w.conn.SendBulkData(w.buf); err != nil {
		return err
	}
	if err := awaitBulkAck(w.conn); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.BCPBatchCompleted(w.attachment, rows, time.Since(start))
	}
	w.buf = w.buf[:0]
	w.rowsInBuf = 0
	return nil
}

// Close flushes any remaining rows, ends the session by sending an empty
// BULK_LOAD_DATA message (no DONE token is written by the client), waits for
// the server's acknowledgment, and returns the connection to Idle. On
// failure it calls abort, which leaves the connection cancelled but not
// drained, so it is not reusable.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.Flush(); err != nil {
		w.abort()
		return err
	}
	if err := w.conn.SendBulkData(nil); err != nil {
		w.abort()
		return err
	}
	if err := awaitBulkAck(w.conn); err != nil {
		w.abort()
		return err
	}
	return w.conn.EndExecute()
}

// abort sends ATTENTION (conn.Cancel) on a failed bulk session. It does not
// read the server's reply or drain the token stream, and it does not
// release the connection; the connection stays out of Idle, so a pool
// Release closes it instead of reusing it.
func (w *Writer) abort() {
	_ = w.conn.Cancel()
}

// TotalRows reports how many rows have been accepted into the writer so far
// (flushed or still buffered).
func (w *Writer) TotalRows() int64 { return w.totalRows }

func encodeColMetadataHeader(cols []catalog.ColumnInfo) ([]byte, error) {
	out := []byte{byte(wire.TokenColMetadata)}
	out = append(out, byte(len(cols)), byte(len(cols)>>8))
	for _, c := range cols {
		colDef, err := encodeColumnTypeInfo(c)
		if err != nil {
			return nil, err
		}
		out = append(out, 0, 0, 0, 0) // UserType
		flags := uint16(0)
		if c.Nullable {
			flags |= 0x01
		}
		out = append(out, byte(flags), byte(flags>>8))
		out = append(out, colDef...)
		nameUTF16, err := wire.EncodeUTF16LERaw(c.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, byte(len(c.Name)))
		out = append(out, nameUTF16...)
	}
	return out, nil
}

// encodeColumnTypeInfo writes the TYPE_INFO portion of one COLMETADATA
// column (type byte plus its type-specific metadata), the same shape
// Parser.decodeOneColumn reads in reverse.
func encodeColumnTypeInfo(c catalog.ColumnInfo) ([]byte, error) {
	switch c.SQLType {
	case "bit":
		return []byte{byte(wire.TypeBitN), 1}, nil
	case "tinyint":
		return []byte{byte(wire.TypeIntN), 1}, nil
	case "smallint":
		return []byte{byte(wire.TypeIntN), 2}, nil
	case "int":
		return []byte{byte(wire.TypeIntN), 4}, nil
	case "bigint":
		return []byte{byte(wire.TypeIntN), 8}, nil
	case "real":
		return []byte{byte(wire.TypeFltN), 4}, nil
	case "float":
		return []byte{byte(wire.TypeFltN), 8}, nil
	case "smallmoney":
		return []byte{byte(wire.TypeMoneyN), 4}, nil
	case "money":
		return []byte{byte(wire.TypeMoneyN), 8}, nil
	case "decimal", "numeric":
		width := wire.DecimalMantissaWidth(c.Precision)
		return []byte{byte(wire.TypeDecimalN), byte(width + 1), c.Precision, c.Scale}, nil
	case "uniqueidentifier":
		return []byte{byte(wire.TypeGUID), 16}, nil
	case "date":
		return []byte{byte(wire.TypeDateN)}, nil
	case "time":
		return []byte{byte(wire.TypeTimeN), c.Scale}, nil
	case "datetime2":
		return []byte{byte(wire.TypeDateTime2N), c.Scale}, nil
	case "datetimeoffset":
		return []byte{byte(wire.TypeDateTimeOffsetN), c.Scale}, nil
	case "datetime", "smalldatetime":
		return []byte{byte(wire.TypeDateTimeN), 8}, nil
	case "char", "varchar", "nchar", "nvarchar":
		// Row data is always sent as NVARCHAR regardless of the target
		// column's narrow/wide distinction: the server performs an
		// implicit NVARCHAR->(N)VARCHAR conversion during the bulk load,
		// the same relaxation BCP format files rely on. Keeps the row
		// encoder single-path rather than needing a codepage encoder for
		// narrow CHAR/VARCHAR targets.
		out := []byte{byte(wire.TypeNVarChar)}
		maxLen := c.MaxLength
		if maxLen <= 0 || maxLen > 8000 {
			maxLen = 8000
		}
		out = append(out, byte(maxLen), byte(maxLen>>8))
		col := wire.Collation{LCID: 0x0409, Flags: 0}
		enc := col.Encode()
		out = append(out, enc[:]...)
		return out, nil
	case "binary", "varbinary":
		out := []byte{byte(wire.TypeBigVarBinary)}
		maxLen := c.MaxLength
		if maxLen <= 0 || maxLen > 8000 {
			maxLen = 8000
		}
		out = append(out, byte(maxLen), byte(maxLen>>8))
		return out, nil
	default:
		return nil, errs.New(errs.KindUnsupported, "bcp: column type "+c.SQLType+" is not a supported bulk-load scalar type")
	}
}

// encodeCell encodes one value per spec.md §4.8 "Row emission": fixed-length
// nullable types get a BYTELEN prefix (0x00 meaning NULL), variable
// USHORTLEN types get a two-byte length (0xFFFF meaning NULL).
func encodeCell(v any, c catalog.ColumnInfo) ([]byte, error) {
	switch c.SQLType {
	case "bit":
		if v == nil {
			return []byte{0}, nil
		}
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects bool, got %T", c.Name, v)
		}
		iv := int64(0)
		if b {
			iv = 1
		}
		return wire.EncodeIntN(iv, 1), nil
	case "tinyint", "smallint", "int", "bigint":
		if v == nil {
			return []byte{0}, nil
		}
		iv, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("bcp: column %q: %w", c.Name, err)
		}
		return wire.EncodeIntN(iv, intWidths[c.SQLType]), nil
	case "real", "float":
		if v == nil {
			return []byte{0}, nil
		}
		f, err := toFloat64(v)
		if err != nil {
			return nil, fmt.Errorf("bcp: column %q: %w", c.Name, err)
		}
		return encodeFltN(f, c.SQLType), nil
	case "uniqueidentifier":
		if v == nil {
			return []byte{0}, nil
		}
		u, ok := v.(uuid.UUID)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects uuid.UUID, got %T", c.Name, v)
		}
		return wire.EncodeGUID(u), nil
	case "char", "varchar", "nchar", "nvarchar":
		if v == nil {
			return []byte{0xFF, 0xFF}, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects string, got %T", c.Name, v)
		}
		return wire.EncodeNCharData(s)
	case "binary", "varbinary":
		if v == nil {
			return []byte{0xFF, 0xFF}, nil
		}
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects []byte, got %T", c.Name, v)
		}
		return wire.EncodeBinaryData(b), nil
	case "date":
		if v == nil {
			return []byte{0}, nil
		}
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects time.Time, got %T", c.Name, v)
		}
		return wire.EncodeDate(t), nil
	case "time":
		if v == nil {
			return []byte{0}, nil
		}
		d, ok := v.(time.Duration)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects time.Duration, got %T", c.Name, v)
		}
		return wire.EncodeTime(d, c.Scale), nil
	case "datetime2":
		if v == nil {
			return []byte{0}, nil
		}
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects time.Time, got %T", c.Name, v)
		}
		return wire.EncodeDateTime2(t, c.Scale), nil
	case "datetimeoffset":
		if v == nil {
			return []byte{0}, nil
		}
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects time.Time, got %T", c.Name, v)
		}
		return wire.EncodeDateTimeOffset(t, c.Scale), nil
	case "datetime", "smalldatetime":
		if v == nil {
			return []byte{0}, nil
		}
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects time.Time, got %T", c.Name, v)
		}
		return wire.EncodeDateTimeFixed(t), nil
	case "smallmoney", "money":
		if v == nil {
			return []byte{0}, nil
		}
		m, ok := v.(wire.Money)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects wire.Money, got %T", c.Name, v)
		}
		width := 8
		if c.SQLType == "smallmoney" {
			width = 4
		}
		return wire.EncodeMoneyN(m, width), nil
	case "decimal", "numeric":
		if v == nil {
			return []byte{0}, nil
		}
		d, ok := v.(wire.Decimal)
		if !ok {
			return nil, fmt.Errorf("bcp: column %q expects wire.Decimal, got %T", c.Name, v)
		}
		return wire.EncodeDecimalN(d, c.Precision), nil
	default:
		return nil, errs.New(errs.KindUnsupported, "bcp: column type "+c.SQLType+" is not a supported bulk-load scalar type")
	}
}

func encodeFltN(f float64, sqlType string) []byte {
	if sqlType == "real" {
		bits := math.Float32bits(float32(f))
		return []byte{4, byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
	}
	bits := math.Float64bits(f)
	out := make([]byte, 9)
	out[0] = 8
	for i := 0; i < 8; i++ {
		out[1+i] = byte(bits >> (8 * i))
	}
	return out
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("expected float, got %T", v)
	}
}
