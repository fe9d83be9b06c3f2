package wire

import "fmt"

// TokenType is the one-byte token identifier at the start of each entry in
// the tabular result token stream (spec.md §4.1).
type TokenType byte

const (
	TokenReturnStatus  TokenType = 0x79
	TokenColMetadata   TokenType = 0x81
	TokenOrder         TokenType = 0xA9
	TokenError         TokenType = 0xAA
	TokenInfo          TokenType = 0xAB
	TokenReturnValue   TokenType = 0xAC
	TokenLoginAck      TokenType = 0xAD
	TokenFeatureExtAck TokenType = 0xAE
	TokenRow           TokenType = 0xD1
	TokenNbcRow        TokenType = 0xD2
	TokenEnvChange     TokenType = 0xE3
	TokenSSPI          TokenType = 0xED
	TokenFedAuthInfo   TokenType = 0xEE
	TokenDone          TokenType = 0xFD
	TokenDoneProc      TokenType = 0xFE
	TokenDoneInProc    TokenType = 0xFF
)

// DONE status flags (spec.md §4.1 "DONE*").
const (
	DoneFinal    uint16 = 0x0000
	DoneMore     uint16 = 0x0001
	DoneError    uint16 = 0x0002
	DoneInTxn    uint16 = 0x0004
	DoneCount    uint16 = 0x0010
	DoneAttn     uint16 = 0x0020
	DoneSrvError uint16 = 0x0100
)

// EnvChange type bytes (spec.md §4.1 "ENVCHANGE").
const (
	EnvChangeDatabase     byte = 1
	EnvChangeLanguage     byte = 2
	EnvChangeCharset      byte = 3
	EnvChangePacketSize   byte = 4
	EnvChangeBeginTxn     byte = 8
	EnvChangeCommitTxn    byte = 9
	EnvChangeRollbackTxn  byte = 10
	EnvChangeRouting      byte = 20
)

// Done describes a DONE/DONEPROC/DONEINPROC token.
type Done struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

func (d Done) More() bool  { return d.Status&DoneMore != 0 }
func (d Done) Error() bool { return d.Status&DoneError != 0 }
func (d Done) Attn() bool  { return d.Status&DoneAttn != 0 }
func (d Done) HasCount() bool { return d.Status&DoneCount != 0 }

// ServerMessage is the decoded shape shared by ERROR and INFO tokens.
type ServerMessage struct {
	Number   int32
	State    byte
	Severity byte
	Message  string
	Server   string
	Proc     string
	Line     int32
}

// LoginAck describes the LOGINACK token sent after successful LOGIN7.
type LoginAck struct {
	Interface  byte
	TDSVersion uint32
	ProgName   string
	ProgVersion [4]byte
}

// EnvChange carries one environment-change notification. Old/New are
// populated for string-valued changes (database, language, charset, packet
// size); Desc carries the raw 8-byte transaction descriptor for
// BEGIN/COMMIT/ROLLBACK, which is binary (B_VARBYTE) rather than UTF-16 on
// the wire; Routing carries the redirect target for EnvChangeRouting.
type EnvChange struct {
	Type    byte
	Old     string
	New     string
	Desc    [8]byte
	Routing *RoutingTarget
}

// RoutingTarget is the redirect destination carried by an ENVCHANGE(ROUTING)
// token (spec.md SPEC_FULL.md "single-redirect-follow").
type RoutingTarget struct {
	Protocol byte
	Port     uint16
	Server   string
}

// Token is a tagged union over every token kind the parser understands.
// Exactly one of the typed fields is meaningful, selected by Type.
type Token struct {
	Type TokenType

	ColMetadata []ColumnMeta
	Row         []any
	Done        Done
	Error       ServerMessage
	Info        ServerMessage
	EnvChange   EnvChange
	LoginAck    LoginAck
	ReturnStatus int32
	Order       []uint16
	FeatureExtAck map[byte][]byte
	FedAuthInfo map[uint32][]byte
}

// Parser pulls one Token at a time out of a Buffer. It holds the column
// metadata from the most recent COLMETADATA token since ROW/NBCROW tokens
// carry no type information of their own.
type Parser struct {
	buf        *Buffer
	cols       []ColumnMeta
	maxLOBBytes int
	skip       bool
}

func NewParser(buf *Buffer, maxLOBBytes int) *Parser {
	return &Parser{buf: buf, maxLOBBytes: maxLOBBytes}
}

// Columns returns the column metadata captured by the last COLMETADATA
// token, for callers that need it outside of a Row token (e.g. the stream
// layer building its result schema before the first row arrives).
func (p *Parser) Columns() []ColumnMeta { return p.cols }

// SetSkipMode toggles skip-mode (spec.md §3 "ResultStreamState": "optional
// skip-mode (used during drain to discard ROW bodies without materializing
// values)"). In skip-mode, ROW/NBCROW tokens are still walked cell-by-cell
// (required to find the token boundary) but the decoded values are
// discarded rather than returned, so a drain over a wide result set doesn't
// hold onto every row it skips past.
func (p *Parser) SetSkipMode(v bool) { p.skip = v }

// Next decodes the next token. It returns ErrNeedMoreData if the buffered
// bytes end mid-token; the buffer's read cursor is left exactly where it
// started (via Mark/Reset) so the caller can Feed more bytes and call Next
// again without losing any progress already made by earlier tokens.
func (p *Parser) Next() (Token, error) {
	p.buf.Mark()
	idByte, err := p.buf.ReadByte()
	if err != nil {
		return Token{}, err
	}
	id := TokenType(idByte)
	var (
		tok Token
		derr error
	)
	switch id {
	case TokenColMetadata:
		tok, derr = p.decodeColMetadata()
	case TokenRow:
		tok, derr = p.decodeRow(false)
	case TokenNbcRow:
		tok, derr = p.decodeRow(true)
	case TokenDone, TokenDoneProc, TokenDoneInProc:
		tok, derr = p.decodeDone(id)
	case TokenError:
		tok, derr = p.decodeServerMessage(id)
	case TokenInfo:
		tok, derr = p.decodeServerMessage(id)
	case TokenEnvChange:
		tok, derr = p.decodeEnvChange()
	case TokenLoginAck:
		tok, derr = p.decodeLoginAck()
	case TokenReturnStatus:
		tok, derr = p.decodeReturnStatus()
	case TokenOrder:
		tok, derr = p.decodeOrder()
	case TokenFeatureExtAck:
		tok, derr = p.decodeFeatureExtAck()
	case TokenFedAuthInfo:
		tok, derr = p.decodeFedAuthInfo()
	case TokenReturnValue, TokenSSPI:
		tok, derr = p.decodeOpaqueUSVarByte(id)
	default:
		return Token{}, fmt.Errorf("wire: unrecognized token id 0x%02X", idByte)
	}
	if derr != nil {
		p.buf.Reset()
		return Token{}, derr
	}
	return tok, nil
}

func (p *Parser) decodeColMetadata() (Token, error) {
	count, err := p.buf.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	if count == ushortNull {
		return Token{Type: TokenColMetadata, ColMetadata: nil}, nil
	}
	cols := make([]ColumnMeta, 0, count)
	for i := 0; i < int(count); i++ {
		col, err := p.decodeOneColumn(i)
		if err != nil {
			return Token{}, err
		}
		cols = append(cols, col)
	}
	p.cols = cols
	return Token{Type: TokenColMetadata, ColMetadata: cols}, nil
}

func (p *Parser) decodeOneColumn(ordinal int) (ColumnMeta, error) {
	// UserType + Flags precede the type byte; not interpreted beyond the
	// nullable bit in Flags.
	if _, err := p.buf.Uint32LE(); err != nil {
		return ColumnMeta{}, err
	}
	flags, err := p.buf.Uint16LE()
	if err != nil {
		return ColumnMeta{}, err
	}
	typByte, err := p.buf.ReadByte()
	if err != nil {
		return ColumnMeta{}, err
	}
	typ := TypeID(typByte)
	col := ColumnMeta{Ordinal: ordinal, Nullable: flags&0x01 != 0, Type: typ, MaxLength: 0}

	switch typ {
	case TypeIntN, TypeBitN, TypeFltN, TypeMoneyN, TypeDateTimeN, TypeGUID:
		n, err := p.buf.ReadByte()
		if err != nil {
			return ColumnMeta{}, err
		}
		col.MaxLength = int(n)
	case TypeDecimalN, TypeNumericN:
		n, err := p.buf.ReadByte()
		if err != nil {
			return ColumnMeta{}, err
		}
		col.MaxLength = int(n)
		prec, err := p.buf.ReadByte()
		if err != nil {
			return ColumnMeta{}, err
		}
		scale, err := p.buf.ReadByte()
		if err != nil {
			return ColumnMeta{}, err
		}
		col.Precision, col.Scale = prec, scale
	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		scale, err := p.buf.ReadByte()
		if err != nil {
			return ColumnMeta{}, err
		}
		col.Scale = scale
	case TypeDateN:
		// fixed 3-byte payload, no extra metadata
	case TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
		n, err := p.buf.Uint16LE()
		if err != nil {
			return ColumnMeta{}, err
		}
		col.MaxLength = int(int16(n)) // -1 (0xFFFF) marks MAX
		collRaw, err := p.buf.ReadBytes(5)
		if err != nil {
			return ColumnMeta{}, err
		}
		col.Collation = DecodeCollation(collRaw)
	case TypeBigVarBinary, TypeBigBinary:
		n, err := p.buf.Uint16LE()
		if err != nil {
			return ColumnMeta{}, err
		}
		col.MaxLength = int(int16(n))
	case TypeXML, TypeUDT, TypeText, TypeImage, TypeNText, TypeVariant:
		// Explicit non-goal: consume nothing further here; decodeRow will
		// refuse this column with UnsupportedTypeError before reading its
		// cell, since the remaining metadata shape varies by sub-type and
		// we never need it.
	}

	nameLen, err := p.buf.ReadByte()
	if err != nil {
		return ColumnMeta{}, err
	}
	nameRaw, err := p.buf.ReadBytes(int(nameLen) * 2)
	if err != nil {
		return ColumnMeta{}, err
	}
	name, err := utf16LEDecoder().String(string(nameRaw))
	if err != nil {
		return ColumnMeta{}, fmt.Errorf("wire: invalid column name encoding: %w", err)
	}
	col.Name = name
	return col, nil
}

func (p *Parser) decodeRow(nbc bool) (Token, error) {
	var nullBitmap []byte
	if nbc {
		nBytes := (len(p.cols) + 7) / 8
		raw, err := p.buf.ReadBytes(nBytes)
		if err != nil {
			return Token{}, err
		}
		nullBitmap = raw
	}
	var row []any
	if !p.skip {
		row = make([]any, len(p.cols))
	}
	for i, col := range p.cols {
		if nbc && nullBitmap[i/8]&(1<<(uint(i)%8)) != 0 {
			if !p.skip {
				row[i] = nil
			}
			continue
		}
		v, err := p.decodeCell(col)
		if err != nil {
			return Token{}, err
		}
		if !p.skip {
			row[i] = v
		}
	}
	return Token{Type: TokenRow, Row: row}, nil
}

func (p *Parser) decodeCell(col ColumnMeta) (any, error) {
	if col.IsUnsupported() {
		return nil, &UnsupportedTypeError{Type: col.Type}
	}
	switch col.Type {
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8:
		v, _, err := DecodeFixedInt(p.buf, col.Type)
		return v, err
	case TypeIntN:
		v, null, err := DecodeIntN(p.buf)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeBit:
		return DecodeBit(p.buf)
	case TypeBitN:
		v, null, err := DecodeBitN(p.buf)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeFlt4:
		return DecodeFlt4(p.buf)
	case TypeFlt8:
		return DecodeFlt8(p.buf)
	case TypeFltN:
		v, null, err := DecodeFltN(p.buf)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeMoney:
		return DecodeMoney(p.buf)
	case TypeMoney4:
		return DecodeMoney4(p.buf)
	case TypeMoneyN:
		v, null, err := DecodeMoneyN(p.buf)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeDecimalN, TypeNumericN:
		v, null, err := DecodeDecimalN(p.buf, col.Scale)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeGUID:
		v, null, err := DecodeGUID(p.buf)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeDateN:
		v, null, err := DecodeDate(p.buf)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeTimeN:
		v, null, err := DecodeTime(p.buf, col.Scale)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeDateTime2N:
		v, null, err := DecodeDateTime2(p.buf, col.Scale)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeDateTimeOffsetN:
		v, null, err := DecodeDateTimeOffset(p.buf, col.Scale)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeDateTime:
		return DecodeDateTime(p.buf)
	case TypeDateTime4:
		return DecodeSmallDateTime(p.buf)
	case TypeDateTimeN:
		v, null, err := DecodeDateTimeN(p.buf)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeNVarChar, TypeNChar:
		if col.MaxLength == -1 {
			v, null, trunc, err := DecodePLPText(p.buf, p.maxLOBBytes)
			if err != nil {
				return nil, err
			}
			if null {
				return nil, nil
			}
			if trunc {
				return truncatedString(v), nil
			}
			return v, nil
		}
		v, null, err := DecodeNCharData(p.buf)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeBigVarChar, TypeBigChar:
		if col.MaxLength == -1 {
			v, null, trunc, err := DecodePLPChar(p.buf, col.Collation, p.maxLOBBytes)
			if err != nil {
				return nil, err
			}
			if null {
				return nil, nil
			}
			if trunc {
				return truncatedString(v), nil
			}
			return v, nil
		}
		v, null, err := DecodeCharData(p.buf, col.Collation)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	case TypeBigVarBinary, TypeBigBinary:
		if col.MaxLength == -1 {
			v, null, _, err := DecodePLPBinary(p.buf, p.maxLOBBytes)
			if err != nil {
				return nil, err
			}
			if null {
				return nil, nil
			}
			return v, nil
		}
		v, null, err := DecodeBinaryData(p.buf)
		if null || err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("wire: no cell decoder registered for type 0x%02X", byte(col.Type))
	}
}

// truncatedString marks a LOB value cut at max_lob_bytes, keeping the bytes
// that did fit. The type is unexported and internal/stream does not inspect
// it, so a truncated value reaches the caller without a warning.
type truncatedString string

func (p *Parser) decodeDone(id TokenType) (Token, error) {
	status, err := p.buf.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	curCmd, err := p.buf.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	rowCount, err := p.buf.Uint64LE()
	if err != nil {
		return Token{}, err
	}
	return Token{Type: id, Done: Done{Status: status, CurCmd: curCmd, RowCount: rowCount}}, nil
}

func (p *Parser) decodeServerMessage(id TokenType) (Token, error) {
	if _, err := p.buf.Uint16LE(); err != nil { // total length, unused: fields are individually length-prefixed
		return Token{}, err
	}
	number, err := p.buf.Uint32LE()
	if err != nil {
		return Token{}, err
	}
	state, err := p.buf.ReadByte()
	if err != nil {
		return Token{}, err
	}
	severity, err := p.buf.ReadByte()
	if err != nil {
		return Token{}, err
	}
	msg, err := p.readUSVarChar()
	if err != nil {
		return Token{}, err
	}
	server, err := p.readBVarChar()
	if err != nil {
		return Token{}, err
	}
	proc, err := p.readBVarChar()
	if err != nil {
		return Token{}, err
	}
	line, err := p.buf.Uint32LE()
	if err != nil {
		return Token{}, err
	}
	sm := ServerMessage{Number: int32(number), State: state, Severity: severity, Message: msg, Server: server, Proc: proc, Line: int32(line)}
	if id == TokenError {
		return Token{Type: TokenError, Error: sm}, nil
	}
	return Token{Type: TokenInfo, Info: sm}, nil
}

func (p *Parser) decodeEnvChange() (Token, error) {
	if _, err := p.buf.Uint16LE(); err != nil {
		return Token{}, err
	}
	typ, err := p.buf.ReadByte()
	if err != nil {
		return Token{}, err
	}
	ec := EnvChange{Type: typ}
	switch typ {
	case EnvChangeRouting:
		// New value: 2-byte length, then protocol byte, 2-byte port,
		// 2-byte-count UTF-16 server name. Old value: always empty (2-byte
		// zero length) for ROUTING per the wire spec.
		if _, err := p.buf.Uint16LE(); err != nil { // value length, unused
			return Token{}, err
		}
		proto, err := p.buf.ReadByte()
		if err != nil {
			return Token{}, err
		}
		port, err := p.buf.Uint16LE()
		if err != nil {
			return Token{}, err
		}
		nameLen, err := p.buf.Uint16LE()
		if err != nil {
			return Token{}, err
		}
		nameRaw, err := p.buf.ReadBytes(int(nameLen) * 2)
		if err != nil {
			return Token{}, err
		}
		name, err := utf16LEDecoder().String(string(nameRaw))
		if err != nil {
			return Token{}, err
		}
		if _, err := p.buf.Uint16LE(); err != nil { // old value length, always 0
			return Token{}, err
		}
		ec.Routing = &RoutingTarget{Protocol: proto, Port: port, Server: name}
	case EnvChangeBeginTxn, EnvChangeCommitTxn, EnvChangeRollbackTxn:
		// B_VARBYTE, not B_VARCHAR: 1-byte length then that many raw bytes.
		// COMMIT/ROLLBACK carry an empty (zero-length) new descriptor.
		newRaw, err := p.readBVarByte()
		if err != nil {
			return Token{}, err
		}
		if _, err := p.readBVarByte(); err != nil { // old value, unused
			return Token{}, err
		}
		copy(ec.Desc[:], newRaw)
	default:
		newVal, err := p.readBVarChar()
		if err != nil {
			return Token{}, err
		}
		oldVal, err := p.readBVarChar()
		if err != nil {
			return Token{}, err
		}
		ec.New, ec.Old = newVal, oldVal
	}
	return Token{Type: TokenEnvChange, EnvChange: ec}, nil
}

func (p *Parser) decodeLoginAck() (Token, error) {
	if _, err := p.buf.Uint16LE(); err != nil {
		return Token{}, err
	}
	iface, err := p.buf.ReadByte()
	if err != nil {
		return Token{}, err
	}
	tdsVersion, err := p.buf.Uint32LE()
	if err != nil {
		return Token{}, err
	}
	prog, err := p.readBVarChar()
	if err != nil {
		return Token{}, err
	}
	verRaw, err := p.buf.ReadBytes(4)
	if err != nil {
		return Token{}, err
	}
	var ver [4]byte
	copy(ver[:], verRaw)
	return Token{Type: TokenLoginAck, LoginAck: LoginAck{Interface: iface, TDSVersion: tdsVersion, ProgName: prog, ProgVersion: ver}}, nil
}

func (p *Parser) decodeReturnStatus() (Token, error) {
	v, err := p.buf.Uint32LE()
	if err != nil {
		return Token{}, err
	}
	return Token{Type: TokenReturnStatus, ReturnStatus: int32(v)}, nil
}

func (p *Parser) decodeOrder() (Token, error) {
	length, err := p.buf.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	count := int(length) / 2
	cols := make([]uint16, count)
	for i := 0; i < count; i++ {
		v, err := p.buf.Uint16LE()
		if err != nil {
			return Token{}, err
		}
		cols[i] = v
	}
	return Token{Type: TokenOrder, Order: cols}, nil
}

func (p *Parser) decodeFeatureExtAck() (Token, error) {
	out := make(map[byte][]byte)
	for {
		featureID, err := p.buf.ReadByte()
		if err != nil {
			return Token{}, err
		}
		if featureID == 0xFF {
			break
		}
		length, err := p.buf.Uint32LE()
		if err != nil {
			return Token{}, err
		}
		data, err := p.buf.ReadBytes(int(length))
		if err != nil {
			return Token{}, err
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		out[featureID] = buf
	}
	return Token{Type: TokenFeatureExtAck, FeatureExtAck: out}, nil
}

func (p *Parser) decodeFedAuthInfo() (Token, error) {
	if _, err := p.buf.Uint32LE(); err != nil { // total token length, unused
		return Token{}, err
	}
	count, err := p.buf.Uint32LE()
	if err != nil {
		return Token{}, err
	}
	type opt struct{ id byte; length, offset uint32 }
	opts := make([]opt, count)
	for i := range opts {
		id, err := p.buf.ReadByte()
		if err != nil {
			return Token{}, err
		}
		length, err := p.buf.Uint32LE()
		if err != nil {
			return Token{}, err
		}
		offset, err := p.buf.Uint32LE()
		if err != nil {
			return Token{}, err
		}
		opts[i] = opt{id: id, length: length, offset: offset}
	}
	out := make(map[uint32][]byte, len(opts))
	for _, o := range opts {
		data, err := p.buf.ReadBytes(int(o.length))
		if err != nil {
			return Token{}, err
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		out[uint32(o.id)] = buf
	}
	return Token{Type: TokenFedAuthInfo, FedAuthInfo: out}, nil
}

// decodeOpaqueUSVarByte consumes a token whose only field the parser needs
// to skip over is a 2-byte-length byte blob (RETURNVALUE's value payload,
// SSPI's security blob) — neither carries information the planner/pool
// layers act on directly today.
func (p *Parser) decodeOpaqueUSVarByte(id TokenType) (Token, error) {
	length, err := p.buf.Uint16LE()
	if err != nil {
		return Token{}, err
	}
	if _, err := p.buf.ReadBytes(int(length)); err != nil {
		return Token{}, err
	}
	return Token{Type: id}, nil
}

func (p *Parser) readBVarChar() (string, error) {
	n, err := p.buf.ReadByte()
	if err != nil {
		return "", err
	}
	raw, err := p.buf.ReadBytes(int(n) * 2)
	if err != nil {
		return "", err
	}
	return utf16LEDecoder().String(string(raw))
}

// readBVarByte reads a 1-byte length followed by that many raw bytes
// (B_VARBYTE), the binary counterpart of readBVarChar used by transaction
// descriptor ENVCHANGEs.
func (p *Parser) readBVarByte() ([]byte, error) {
	n, err := p.buf.ReadByte()
	if err != nil {
		return nil, err
	}
	raw, err := p.buf.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (p *Parser) readUSVarChar() (string, error) {
	n, err := p.buf.Uint16LE()
	if err != nil {
		return "", err
	}
	raw, err := p.buf.ReadBytes(int(n) * 2)
	if err != nil {
		return "", err
	}
	return utf16LEDecoder().String(string(raw))
}
