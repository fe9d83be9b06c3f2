package wire

import "github.com/google/uuid"

// DecodeGUID decodes a UNIQUEIDENTIFIER cell. SQL Server stores GUIDs with
// the first three fields (time-low, time-mid, time-hi-and-version)
// byte-swapped to little-endian and the last two fields (clock-seq, node)
// left big-endian — the .NET Guid layout, not RFC 4122 (spec.md §4.1
// "mixed-endian"). Present as a standard uuid.UUID so callers never need to
// know the wire quirk.
func DecodeGUID(b *Buffer) (uuid.UUID, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return uuid.UUID{}, false, err
	}
	if n == 0 {
		return uuid.UUID{}, true, nil
	}
	raw, err := b.ReadBytes(int(n))
	if err != nil {
		b.Reset()
		return uuid.UUID{}, false, err
	}
	return mixedEndianToUUID(raw), false, nil
}

// DecodeFixedGUID decodes a GUIDTYPE cell that is not wrapped in a
// length-prefixed nullable form (always exactly 16 bytes).
func DecodeFixedGUID(b *Buffer) (uuid.UUID, error) {
	raw, err := b.ReadBytes(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	return mixedEndianToUUID(raw), nil
}

func mixedEndianToUUID(raw []byte) uuid.UUID {
	var u uuid.UUID
	if len(raw) != 16 {
		return u
	}
	u[0], u[1], u[2], u[3] = raw[3], raw[2], raw[1], raw[0]
	u[4], u[5] = raw[5], raw[4]
	u[6], u[7] = raw[7], raw[6]
	copy(u[8:], raw[8:16])
	return u
}

// EncodeGUID writes a uuid.UUID back into SQL Server's mixed-endian wire
// form, length-prefixed, for parameter binding.
func EncodeGUID(u uuid.UUID) []byte {
	out := make([]byte, 17)
	out[0] = 16
	raw := out[1:]
	raw[0], raw[1], raw[2], raw[3] = u[3], u[2], u[1], u[0]
	raw[4], raw[5] = u[5], u[4]
	raw[6], raw[7] = u[7], u[6]
	copy(raw[8:16], u[8:16])
	return out
}
