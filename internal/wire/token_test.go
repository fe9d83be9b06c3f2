package wire

import "testing"

func buildColMetadataForSingleIntColumn(name string) []byte {
	nameUTF16, _ := EncodeUTF16LERaw(name)
	col := make([]byte, 0, 16)
	col = append(col, 0, 0, 0, 0) // UserType
	col = append(col, 0, 0)       // Flags: not nullable
	col = append(col, byte(TypeInt4))
	col = append(col, byte(len(name)))
	col = append(col, nameUTF16...)

	out := []byte{byte(TokenColMetadata)}
	out = append(out, 1, 0) // column count = 1
	out = append(out, col...)
	return out
}

func TestParserColMetadataThenRow(t *testing.T) {
	buf := NewBuffer()
	buf.Feed(buildColMetadataForSingleIntColumn("id"))
	p := NewParser(buf, 0)
	tok, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Type != TokenColMetadata || len(tok.ColMetadata) != 1 {
		t.Fatalf("got %+v", tok)
	}
	if tok.ColMetadata[0].Name != "id" {
		t.Errorf("column name = %q", tok.ColMetadata[0].Name)
	}

	row := []byte{byte(TokenRow), 0x2A, 0, 0, 0}
	buf.Feed(row)
	tok, err = p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Type != TokenRow {
		t.Fatalf("got %+v", tok)
	}
	if v, ok := tok.Row[0].(int64); !ok || v != 42 {
		t.Errorf("row[0] = %v", tok.Row[0])
	}
}

func TestParserNeedsMoreDataRetriesWholeToken(t *testing.T) {
	buf := NewBuffer()
	full := buildColMetadataForSingleIntColumn("id")
	buf.Feed(full[:len(full)-1]) // withhold the last byte
	p := NewParser(buf, 0)
	if _, err := p.Next(); err != ErrNeedMoreData {
		t.Fatalf("expected ErrNeedMoreData, got %v", err)
	}
	if buf.Len() != len(full)-1 {
		t.Fatalf("buffer position should be unchanged after a failed Next(), Len()=%d want %d", buf.Len(), len(full)-1)
	}
	buf.Feed(full[len(full)-1:])
	tok, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Type != TokenColMetadata {
		t.Fatalf("got %+v", tok)
	}
}

func TestParserDoneToken(t *testing.T) {
	buf := NewBuffer()
	done := []byte{byte(TokenDone), 0x10, 0x00, 0x00, 0x00, 5, 0, 0, 0, 0, 0, 0, 0}
	buf.Feed(done)
	p := NewParser(buf, 0)
	tok, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Type != TokenDone {
		t.Fatalf("got %+v", tok)
	}
	if !tok.Done.HasCount() || tok.Done.RowCount != 5 {
		t.Errorf("done = %+v", tok.Done)
	}
}

func TestParserEnvChangeRouting(t *testing.T) {
	buf := NewBuffer()
	serverName := "redirect-target"
	nameUTF16, _ := EncodeUTF16LERaw(serverName)

	valueLen := 1 + 2 + 2 + len(nameUTF16) // proto + port + namelen + name bytes
	body := []byte{byte(TokenEnvChange)}
	body = append(body, 0, 0) // total length placeholder, unused by the parser
	body = append(body, EnvChangeRouting)
	vl := make([]byte, 2)
	putUint16LE(vl, uint16(valueLen))
	body = append(body, vl...)
	body = append(body, 0) // protocol
	port := make([]byte, 2)
	putUint16LE(port, 1433)
	body = append(body, port...)
	nl := make([]byte, 2)
	putUint16LE(nl, uint16(len(serverName)))
	body = append(body, nl...)
	body = append(body, nameUTF16...)
	body = append(body, 0, 0) // old value length = 0

	buf.Feed(body)
	p := NewParser(buf, 0)
	tok, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Type != TokenEnvChange || tok.EnvChange.Routing == nil {
		t.Fatalf("got %+v", tok)
	}
	if tok.EnvChange.Routing.Server != serverName || tok.EnvChange.Routing.Port != 1433 {
		t.Errorf("routing = %+v", tok.EnvChange.Routing)
	}
}

func TestParserUnsupportedTypeColumnFailsOnCellDecode(t *testing.T) {
	buf := NewBuffer()
	col := make([]byte, 0, 16)
	col = append(col, 0, 0, 0, 0)
	col = append(col, 0, 0)
	col = append(col, byte(TypeXML))
	col = append(col, 1, 'x')
	meta := []byte{byte(TokenColMetadata)}
	meta = append(meta, 1, 0)
	meta = append(meta, col...)
	buf.Feed(meta)
	p := NewParser(buf, 0)
	if _, err := p.Next(); err != nil {
		t.Fatal(err)
	}

	buf.Feed([]byte{byte(TokenRow)})
	_, err := p.Next()
	if _, ok := err.(*UnsupportedTypeError); !ok {
		t.Fatalf("expected *UnsupportedTypeError, got %v", err)
	}
}
