package wire

import (
	"fmt"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// DecodeNCharData decodes a fixed-length NCHAR/NVARCHAR cell: a two-byte
// length prefix (0xFFFF meaning NULL) followed by that many bytes of
// UTF-16LE (spec.md §4.1).
func DecodeNCharData(b *Buffer) (string, bool, error) {
	b.Mark()
	n, err := b.Uint16LE()
	if err != nil {
		return "", false, err
	}
	if n == ushortNull {
		return "", true, nil
	}
	raw, err := b.ReadBytes(int(n))
	if err != nil {
		b.Reset()
		return "", false, err
	}
	s, err := utf16LEDecoder().String(string(raw))
	if err != nil {
		return "", false, fmt.Errorf("wire: invalid UTF-16LE in NCHAR/NVARCHAR cell: %w", err)
	}
	return s, false, nil
}

// DecodePLPText decodes the MAX-length NVARCHAR(MAX)/NTEXT-compatible PLP
// form: an 8-byte total-length (or one of the PLP sentinels), then a
// sequence of chunks each prefixed by a 4-byte chunk length, terminated by a
// zero-length chunk. maxBytes bounds how much UTF-16 payload is buffered
// before the value is truncated (SPEC_FULL.md max_lob_bytes).
func DecodePLPText(b *Buffer, maxBytes int) (string, bool, bool, error) {
	raw, null, truncated, err := decodePLPBytes(b, maxBytes)
	if err != nil || null {
		return "", null, truncated, err
	}
	s, err := utf16LEDecoder().String(string(raw))
	if err != nil {
		return "", false, truncated, fmt.Errorf("wire: invalid UTF-16LE in PLP cell: %w", err)
	}
	return s, false, truncated, nil
}

func utf16LEDecoder() *unicodeDecoder {
	return &unicodeDecoder{enc: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)}
}

// unicodeDecoder is a tiny adapter so callers don't need to thread
// transform.Transformer plumbing through every call site.
type unicodeDecoder struct {
	enc *unicode.Encoding
}

func (d *unicodeDecoder) String(raw string) (string, error) {
	out, err := d.enc.NewDecoder().String(raw)
	if err != nil {
		return "", err
	}
	return out, nil
}

// EncodeUTF16LERaw encodes a Go string as raw UTF-16LE bytes with no length
// prefix, for contexts that carry their own framing (SQLBATCH/RPC text).
func EncodeUTF16LERaw(s string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	raw, err := enc.NewEncoder().String(s)
	if err != nil {
		return nil, fmt.Errorf("wire: cannot encode %q as UTF-16LE: %w", s, err)
	}
	return raw, nil
}

// EncodeNCharData encodes a Go string as UTF-16LE with a two-byte length
// prefix, for parameter binding.
func EncodeNCharData(s string) ([]byte, error) {
	raw, err := EncodeUTF16LERaw(s)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0xFFFE {
		return nil, fmt.Errorf("wire: NVARCHAR value too long for non-MAX binding (%d bytes)", len(raw))
	}
	out := make([]byte, 2+len(raw))
	putUint16LE(out, uint16(len(raw)))
	copy(out[2:], raw)
	return out, nil
}

// DecodeCharData decodes a fixed-length CHAR/VARCHAR cell: a two-byte length
// prefix, then that many bytes in the column's collation-derived codepage
// (spec.md §4.1 "codepage-dependent").
func DecodeCharData(b *Buffer, col Collation) (string, bool, error) {
	b.Mark()
	n, err := b.Uint16LE()
	if err != nil {
		return "", false, err
	}
	if n == ushortNull {
		return "", true, nil
	}
	raw, err := b.ReadBytes(int(n))
	if err != nil {
		b.Reset()
		return "", false, err
	}
	s, err := decodeCodepage(raw, col.Codepage())
	if err != nil {
		return "", false, err
	}
	return s, false, nil
}

// DecodePLPChar decodes a VARCHAR(MAX) PLP cell the same way as
// DecodePLPText but through the collation codepage instead of UTF-16.
func DecodePLPChar(b *Buffer, col Collation, maxBytes int) (string, bool, bool, error) {
	raw, null, truncated, err := decodePLPBytes(b, maxBytes)
	if err != nil || null {
		return "", null, truncated, err
	}
	s, err := decodeCodepage(raw, col.Codepage())
	if err != nil {
		return "", false, truncated, err
	}
	return s, false, truncated, nil
}

func decodeCodepage(raw []byte, codepage int) (string, error) {
	cm := charmapFor(codepage)
	if cm == nil {
		// Unknown codepage: treat as Latin1, which is a safe superset for
		// the ASCII range every SQL Server install shares.
		cm = charmap.Windows1252
	}
	s, err := cm.NewDecoder().String(string(raw))
	if err != nil {
		return "", fmt.Errorf("wire: invalid codepage %d bytes in CHAR/VARCHAR cell: %w", codepage, err)
	}
	return s, nil
}

func charmapFor(codepage int) *charmap.Charmap {
	switch codepage {
	case 1252:
		return charmap.Windows1252
	case 1250:
		return charmap.Windows1250
	case 1251:
		return charmap.Windows1251
	case 1253:
		return charmap.Windows1253
	case 1254:
		return charmap.Windows1254
	case 1255:
		return charmap.Windows1255
	case 1256:
		return charmap.Windows1256
	default:
		return nil // CJK codepages (932/936/949/950) need a wider table than golang.org/x/text/encoding/charmap ships; caller falls back to Windows1252 for the ASCII-compatible subset
	}
}

// decodePLPBytes implements the shared PLP chunk-streaming shape used by
// NVARCHAR(MAX), VARCHAR(MAX), and VARBINARY(MAX) (spec.md §4.1 "PLP").
// It is deliberately generic over the payload interpretation: callers decode
// the returned raw bytes as UTF-16, a codepage, or pass them through as-is.
func decodePLPBytes(b *Buffer, maxBytes int) ([]byte, bool, bool, error) {
	b.Mark()
	total, err := b.Uint64LE()
	if err != nil {
		return nil, false, false, err
	}
	if total == plpNull {
		return nil, true, false, nil
	}
	var out []byte
	truncated := false
	for {
		chunkLen, err := b.Uint32LE()
		if err != nil {
			b.Reset()
			return nil, false, false, err
		}
		if chunkLen == 0 {
			break
		}
		chunk, err := b.ReadBytes(int(chunkLen))
		if err != nil {
			b.Reset()
			return nil, false, false, err
		}
		if maxBytes > 0 && len(out)+len(chunk) > maxBytes {
			room := maxBytes - len(out)
			if room > 0 {
				out = append(out, chunk[:room]...)
			}
			truncated = true
			continue // still must drain remaining chunks to stay in sync with the stream
		}
		out = append(out, chunk...)
	}
	return out, false, truncated, nil
}
