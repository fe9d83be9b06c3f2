package bcp

import (
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/dbbouncer/mssqlcore/internal/catalog"
	"github.com/dbbouncer/mssqlcore/internal/metrics"
	"github.com/dbbouncer/mssqlcore/internal/settings"
	"github.com/dbbouncer/mssqlcore/internal/wire"
)

// fakeConn implements conn without a real socket, scripted the same way
// tdstest.Server scripts a fake listener: a queue of raw token payloads
// handed back one per ReadNextMessage call.
type fakeConn struct {
	sentBatches []string
	sentBulk    [][]byte
	acks        [][]byte
	ackIdx      int
	cancelled   bool
}

func (f *fakeConn) SendBatch(sql string) error {
	f.sentBatches = append(f.sentBatches, sql)
	return nil
}
func (f *fakeConn) BeginExecute() error { return nil }
func (f *fakeConn) EndExecute() error   { return nil }
func (f *fakeConn) ReadNextMessage() ([]byte, error) {
	if f.ackIdx >= len(f.acks) {
		return nil, io.EOF
	}
	m := f.acks[f.ackIdx]
	f.ackIdx++
	return m, nil
}
func (f *fakeConn) NewParser(payload []byte) *wire.Parser {
	buf := wire.NewBuffer()
	buf.Feed(payload)
	return wire.NewParser(buf, 0)
}
func (f *fakeConn) SendBulkData(payload []byte) error {
	f.sentBulk = append(f.sentBulk, payload)
	return nil
}
func (f *fakeConn) Cancel() error {
	f.cancelled = true
	return nil
}

func doneAck() []byte {
	out := []byte{byte(wire.TokenDone)}
	out = append(out, byte(wire.DoneCount), 0)
	out = append(out, 0, 0)
	return append(out, 0, 0, 0, 0, 0, 0, 0, 0)
}

func errorAck(number int32, severity byte) []byte {
	out := []byte{byte(wire.TokenError)}
	out = append(out, 0, 0)
	out = append(out, byte(number), byte(number>>8), byte(number>>16), byte(number>>24))
	out = append(out, 1, severity)
	out = append(out, 0, 0) // empty message
	out = append(out, 0)    // empty server
	out = append(out, 0)    // empty proc
	out = append(out, 0, 0, 0, 0)
	return out
}

func intCol(name string) catalog.ColumnInfo {
	return catalog.ColumnInfo{Name: name, SQLType: "int", Nullable: false}
}

func TestBeginSendsInsertBulkStatementAndAwaitsAck(t *testing.T) {
	f := &fakeConn{acks: [][]byte{doneAck()}}
	cfg := settings.Defaults()
	w, err := Begin(f, "dbo", "widgets", []catalog.ColumnInfo{intCol("id")}, cfg)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if len(f.sentBatches) != 1 || !strings.HasPrefix(f.sentBatches[0], "INSERT BULK") {
		t.Fatalf("sentBatches = %v, want one INSERT BULK statement", f.sentBatches)
	}
	if !strings.Contains(f.sentBatches[0], "[widgets]") {
		t.Errorf("statement = %q, want quoted table name", f.sentBatches[0])
	}
	if w == nil {
		t.Fatal("expected non-nil writer")
	}
}

func TestBeginRejectsWhenReadOnly(t *testing.T) {
	f := &fakeConn{acks: [][]byte{doneAck()}}
	cfg := settings.Defaults()
	cfg.ReadOnly = true
	_, err := Begin(f, "dbo", "widgets", []catalog.ColumnInfo{intCol("id")}, cfg)
	if err == nil {
		t.Fatal("expected read-only rejection")
	}
}

func TestBeginSurfacesHandshakeError(t *testing.T) {
	f := &fakeConn{acks: [][]byte{errorAck(208, 20)}}
	cfg := settings.Defaults()
	_, err := Begin(f, "dbo", "missing_table", []catalog.ColumnInfo{intCol("id")}, cfg)
	if err == nil {
		t.Fatal("expected handshake error to surface")
	}
}

func TestWriteRowFlushesAtConfiguredThreshold(t *testing.T) {
	// acks: handshake, threshold flush (row 2), Close's remainder flush
	// (row 3), Close's final empty BULK_LOAD_DATA terminator.
	f := &fakeConn{acks: [][]byte{doneAck(), doneAck(), doneAck(), doneAck()}}
	cfg := settings.Defaults()
	cfg.CopyFlushRows = 2
	w, err := Begin(f, "dbo", "widgets", []catalog.ColumnInfo{intCol("id")}, cfg)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := w.WriteRow([]any{int32(i)}); err != nil {
			t.Fatalf("WriteRow(%d): %v", i, err)
		}
	}
	if len(f.sentBulk) != 1 {
		t.Fatalf("sentBulk after 3 rows at threshold 2 = %d, want 1 flush", len(f.sentBulk))
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(f.sentBulk) != 3 {
		t.Fatalf("sentBulk after Close = %d, want 3 (threshold flush + remainder flush + final empty terminator)", len(f.sentBulk))
	}
	if w.TotalRows() != 3 {
		t.Errorf("TotalRows = %d, want 3", w.TotalRows())
	}
}

func TestWriteRowRejectsWrongColumnCount(t *testing.T) {
	f := &fakeConn{acks: [][]byte{doneAck()}}
	cfg := settings.Defaults()
	w, err := Begin(f, "dbo", "widgets", []catalog.ColumnInfo{intCol("id")}, cfg)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.WriteRow([]any{1, 2}); err == nil {
		t.Fatal("expected error for mismatched column count")
	}
}

func TestFlushFailureAbortsViaCancel(t *testing.T) {
	f := &fakeConn{acks: [][]byte{doneAck(), errorAck(547, 20)}}
	cfg := settings.Defaults()
	cfg.CopyFlushRows = 1000
	w, err := Begin(f, "dbo", "widgets", []catalog.ColumnInfo{intCol("id")}, cfg)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.WriteRow([]any{int32(1)}); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if err := w.Close(); err == nil {
		t.Fatal("expected Close to surface the flush error")
	}
	if !f.cancelled {
		t.Error("expected writer to Cancel the connection on flush failure")
	}
}

func TestFlushRecordsBCPBatchMetrics(t *testing.T) {
	// acks: handshake, threshold flush (row 2), Close's remainder flush
	// (row 3), Close's final empty BULK_LOAD_DATA terminator.
	f := &fakeConn{acks: [][]byte{doneAck(), doneAck(), doneAck(), doneAck()}}
	cfg := settings.Defaults()
	cfg.CopyFlushRows = 2
	w, err := Begin(f, "dbo", "widgets", []catalog.ColumnInfo{intCol("id")}, cfg)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	m := metrics.New()
	w.SetMetrics(m, "att1")

	for i := 0; i < 3; i++ {
		if err := w.WriteRow([]any{int32(i)}); err != nil {
			t.Fatalf("WriteRow(%d): %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var rowsTotal float64
	var batches uint64
	for _, fam := range families {
		switch fam.GetName() {
		case "mssqlcore_bcp_rows_total":
			for _, mm := range fam.GetMetric() {
				if hasAttachmentLabel(mm, "att1") {
					rowsTotal = mm.GetCounter().GetValue()
				}
			}
		case "mssqlcore_bcp_batch_duration_seconds":
			for _, mm := range fam.GetMetric() {
				if hasAttachmentLabel(mm, "att1") {
					batches = mm.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	// 2 rows in the threshold flush, 1 row in Close's remainder flush: two
	// flush batches totaling 3 rows.
	if rowsTotal != 3 {
		t.Errorf("bcp_rows_total = %v, want 3", rowsTotal)
	}
	if batches != 2 {
		t.Errorf("bcp_batch_duration sample count = %v, want 2", batches)
	}
}

func hasAttachmentLabel(m *dto.Metric, attachment string) bool {
	for _, lbl := range m.GetLabel() {
		if lbl.GetName() == "attachment" && lbl.GetValue() == attachment {
			return true
		}
	}
	return false
}

func TestEncodeCellNullEncodingByTypeFamily(t *testing.T) {
	b, err := encodeCell(nil, intCol("id"))
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 1 || b[0] != 0 {
		t.Errorf("fixed-type NULL encoding = %v, want [0]", b)
	}

	b, err = encodeCell(nil, catalog.ColumnInfo{Name: "name", SQLType: "nvarchar"})
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 2 || b[0] != 0xFF || b[1] != 0xFF {
		t.Errorf("variable-type NULL encoding = %v, want [0xFF 0xFF]", b)
	}
}

func TestEncodeCellRejectsUnsupportedScalarTypes(t *testing.T) {
	_, err := encodeCell("x", catalog.ColumnInfo{Name: "x", SQLType: "xml"})
	if err == nil {
		t.Fatal("expected xml column to be rejected")
	}
}

func TestEncodeCellDecimal(t *testing.T) {
	col := catalog.ColumnInfo{Name: "price", SQLType: "decimal", Precision: 9, Scale: 2}
	d := wire.Decimal{Negative: false, Mantissa: big.NewInt(12345), Scale: 2}
	b, err := encodeCell(d, col)
	if err != nil {
		t.Fatal(err)
	}
	buf := wire.NewBuffer()
	buf.Feed(b)
	got, null, err := wire.DecodeDecimalN(buf, col.Scale)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if got.Mantissa.Cmp(d.Mantissa) != 0 {
		t.Errorf("got %+v, want %+v", got, d)
	}

	nullBytes, err := encodeCell(nil, col)
	if err != nil {
		t.Fatal(err)
	}
	if len(nullBytes) != 1 || nullBytes[0] != 0 {
		t.Errorf("decimal NULL encoding = %v, want [0]", nullBytes)
	}
}

func TestEncodeCellDate(t *testing.T) {
	col := catalog.ColumnInfo{Name: "d", SQLType: "date"}
	want := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	b, err := encodeCell(want, col)
	if err != nil {
		t.Fatal(err)
	}
	buf := wire.NewBuffer()
	buf.Feed(b)
	got, null, err := wire.DecodeDate(buf)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEncodeCellTime(t *testing.T) {
	col := catalog.ColumnInfo{Name: "t", SQLType: "time", Scale: 0}
	want := 3661 * time.Second
	b, err := encodeCell(want, col)
	if err != nil {
		t.Fatal(err)
	}
	buf := wire.NewBuffer()
	buf.Feed(b)
	got, null, err := wire.DecodeTime(buf, 0)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEncodeCellDateTime2(t *testing.T) {
	col := catalog.ColumnInfo{Name: "ts", SQLType: "datetime2", Scale: 0}
	want := time.Date(2026, 7, 31, 13, 45, 9, 0, time.UTC)
	b, err := encodeCell(want, col)
	if err != nil {
		t.Fatal(err)
	}
	buf := wire.NewBuffer()
	buf.Feed(b)
	got, null, err := wire.DecodeDateTime2(buf, 0)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEncodeCellDateTimeOffset(t *testing.T) {
	col := catalog.ColumnInfo{Name: "ts", SQLType: "datetimeoffset", Scale: 0}
	loc := time.FixedZone("UTC+2", 2*60*60)
	want := time.Date(2026, 7, 31, 13, 45, 9, 0, loc)
	b, err := encodeCell(want, col)
	if err != nil {
		t.Fatal(err)
	}
	buf := wire.NewBuffer()
	buf.Feed(b)
	got, null, err := wire.DecodeDateTimeOffset(buf, 0)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if got.Hour() != 13 || got.Minute() != 45 {
		t.Errorf("got %v", got)
	}
}

func TestEncodeCellDateTimeFixed(t *testing.T) {
	for _, sqlType := range []string{"datetime", "smalldatetime"} {
		col := catalog.ColumnInfo{Name: "ts", SQLType: sqlType}
		want := time.Date(2026, 7, 31, 13, 45, 9, 0, time.UTC)
		b, err := encodeCell(want, col)
		if err != nil {
			t.Fatalf("%s: %v", sqlType, err)
		}
		if b[0] != 8 {
			t.Errorf("%s: length prefix = %d, want 8", sqlType, b[0])
		}
		buf := wire.NewBuffer()
		buf.Feed(b[1:])
		got, err := wire.DecodeDateTime(buf)
		if err != nil {
			t.Fatalf("%s: %v", sqlType, err)
		}
		if got.Hour() != 13 || got.Minute() != 45 {
			t.Errorf("%s: got %v", sqlType, got)
		}
	}
}

func TestEncodeCellMoney(t *testing.T) {
	col := catalog.ColumnInfo{Name: "amt", SQLType: "money"}
	want := wire.Money(123456)
	b, err := encodeCell(want, col)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 8 {
		t.Fatalf("length prefix = %d, want 8", b[0])
	}
	buf := wire.NewBuffer()
	buf.Feed(b[1:])
	got, err := wire.DecodeMoney(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEncodeCellSmallMoney(t *testing.T) {
	col := catalog.ColumnInfo{Name: "amt", SQLType: "smallmoney"}
	want := wire.Money(-250000)
	b, err := encodeCell(want, col)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 4 {
		t.Fatalf("length prefix = %d, want 4", b[0])
	}
	buf := wire.NewBuffer()
	buf.Feed(b[1:])
	got, err := wire.DecodeMoney4(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
