package wire

// Collation is the 5-byte SQL Server collation descriptor attached to
// character columns in COLMETADATA (spec.md §4.1). Only the pieces needed to
// pick a codepage for CHAR/VARCHAR decode are broken out; the sort-order
// bits are preserved verbatim for echoing back in DDL but otherwise unused.
type Collation struct {
	LCID      uint32 // low 20 bits of the first 4 bytes
	Flags     byte   // next 8 bits (case/accent/kana/width sensitivity, binary)
	SortID    byte   // 5th byte: pre-90 sort id, 0 if LCID-based
}

// DecodeCollation parses the 5 raw bytes from COLMETADATA into a Collation.
func DecodeCollation(b []byte) Collation {
	_ = b[4] // bounds check hint
	raw := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return Collation{
		LCID:   raw & 0x000FFFFF,
		Flags:  byte((raw >> 20) & 0xFF),
		SortID: b[4],
	}
}

// Encode writes the collation back out as 5 raw bytes.
func (c Collation) Encode() [5]byte {
	raw := c.LCID&0x000FFFFF | uint32(c.Flags)<<20
	return [5]byte{
		byte(raw), byte(raw >> 8), byte(raw >> 16), byte(raw >> 24), c.SortID,
	}
}

// CaseInsensitive reports whether the collation sorts case-insensitively —
// the predicate the pushdown planner needs to decide whether ILIKE can push
// down as a bare LIKE (SPEC_FULL.md Open Question decision).
func (c Collation) CaseInsensitive() bool {
	// Bit 0 of the flags byte is the case-sensitive flag in the SQL Server
	// collation wire format; 0 means case-insensitive (the common default).
	return c.Flags&0x01 == 0
}

// codepageByLCID maps the handful of LCIDs the catalog actually encounters
// in practice to a Windows codepage, for legacy CHAR/VARCHAR decode (spec.md
// §4.1: "codepage-dependent, derived from the column's collation LCID").
// Unrecognized LCIDs fall back to 1252 (Latin1), the SQL Server install
// default, rather than failing the whole row.
var codepageByLCID = map[uint32]int{
	0x0409: 1252, // en-US
	0x0809: 1252, // en-GB
	0x040c: 1252, // fr-FR
	0x0407: 1252, // de-DE
	0x0410: 1252, // it-IT
	0x040a: 1252, // es-ES
	0x0416: 1252, // pt-BR
	0x0419: 1251, // ru-RU
	0x0405: 1250, // cs-CZ
	0x040e: 1250, // hu-HU
	0x0415: 1250, // pl-PL
	0x0411: 932,  // ja-JP
	0x0412: 949,  // ko-KR
	0x0804: 936,  // zh-CN
	0x0404: 950,  // zh-TW
	0x040d: 1255, // he-IL
	0x0401: 1256, // ar-SA
	0x041f: 1254, // tr-TR
	0x0408: 1253, // el-GR
}

// Codepage resolves the Windows codepage this collation implies for
// CHAR/VARCHAR byte decode.
func (c Collation) Codepage() int {
	if cp, ok := codepageByLCID[c.LCID]; ok {
		return cp
	}
	return 1252
}
