package wire

// DecodeBinaryData decodes a fixed/var-length BIGBINARY/BIGVARBINARY cell: a
// two-byte length prefix (0xFFFF meaning NULL) then that many raw bytes
// (spec.md §4.1).
func DecodeBinaryData(b *Buffer) ([]byte, bool, error) {
	b.Mark()
	n, err := b.Uint16LE()
	if err != nil {
		return nil, false, err
	}
	if n == ushortNull {
		return nil, true, nil
	}
	raw, err := b.ReadBytes(int(n))
	if err != nil {
		b.Reset()
		return nil, false, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, false, nil
}

// DecodePLPBinary decodes a VARBINARY(MAX) PLP cell, bounded by maxBytes
// (SPEC_FULL.md max_lob_bytes).
func DecodePLPBinary(b *Buffer, maxBytes int) ([]byte, bool, bool, error) {
	return decodePLPBytes(b, maxBytes)
}

// EncodeBinaryData encodes a []byte as a length-prefixed BIGVARBINARY value
// for parameter binding.
func EncodeBinaryData(v []byte) []byte {
	out := make([]byte, 2+len(v))
	putUint16LE(out, uint16(len(v)))
	copy(out[2:], v)
	return out
}
