package wire

import (
	"fmt"
	"math"
	"math/big"
)

// DecodeFixedInt decodes the four fixed-width integer types (INT1/INT2/
// INT4/INT8 when not wrapped in INTN), returning an int64 regardless of
// width; the INTN nullable family goes through DecodeIntN instead. INT1 is
// unsigned per the wire format, the other three signed (spec.md §4.1).
func DecodeFixedInt(b *Buffer, typ TypeID) (int64, bool, error) {
	switch typ {
	case TypeInt1:
		v, err := b.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return int64(v), false, nil
	case TypeInt2:
		v, err := b.Uint16LE()
		if err != nil {
			return 0, false, err
		}
		return int64(int16(v)), false, nil
	case TypeInt4:
		v, err := b.Uint32LE()
		if err != nil {
			return 0, false, err
		}
		return int64(int32(v)), false, nil
	case TypeInt8:
		v, err := b.Uint64LE()
		if err != nil {
			return 0, false, err
		}
		return int64(v), false, nil
	default:
		return 0, false, fmt.Errorf("wire: %v is not a fixed integer type", typ)
	}
}

// DecodeIntN decodes an INTN column: a one-byte length prefix (0, 1, 2, 4,
// or 8) followed by that many little-endian bytes, 0 meaning SQL NULL.
func DecodeIntN(b *Buffer) (int64, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch n {
	case 0:
		return 0, true, nil
	case 1:
		v, err := b.ReadByte()
		if err != nil {
			b.Reset()
			return 0, false, err
		}
		return int64(v), false, nil
	case 2:
		v, err := b.Uint16LE()
		if err != nil {
			b.Reset()
			return 0, false, err
		}
		return int64(int16(v)), false, nil
	case 4:
		v, err := b.Uint32LE()
		if err != nil {
			b.Reset()
			return 0, false, err
		}
		return int64(int32(v)), false, nil
	case 8:
		v, err := b.Uint64LE()
		if err != nil {
			b.Reset()
			return 0, false, err
		}
		return int64(v), false, nil
	default:
		return 0, false, fmt.Errorf("wire: invalid INTN length %d", n)
	}
}

// EncodeIntN writes an INTN value (used for parameter binding in the
// pushdown planner and DML executors). width must be one of 1/2/4/8.
func EncodeIntN(v int64, width int) []byte {
	out := make([]byte, 1+width)
	out[0] = byte(width)
	switch width {
	case 1:
		out[1] = byte(v)
	case 2:
		putUint16LE(out[1:], uint16(v))
	case 4:
		putUint32LE(out[1:], uint32(v))
	case 8:
		putUint64LE(out[1:], uint64(v))
	}
	return out
}

// DecodeBit decodes a fixed BIT column (always present, never null on the
// wire — nullability is carried by BITN instead).
func DecodeBit(b *Buffer) (bool, error) {
	v, err := b.ReadByte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// DecodeBitN decodes a BITN column: one-byte length (0 or 1) then the byte.
func DecodeBitN(b *Buffer) (bool, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return false, false, err
	}
	if n == 0 {
		return false, true, nil
	}
	v, err := b.ReadByte()
	if err != nil {
		b.Reset()
		return false, false, err
	}
	return v != 0, false, nil
}

// DecodeFlt4 decodes a fixed REAL (IEEE 754 single precision).
func DecodeFlt4(b *Buffer) (float64, error) {
	raw, err := b.Uint32LE()
	if err != nil {
		return 0, err
	}
	return float64(math.Float32frombits(raw)), nil
}

// DecodeFlt8 decodes a fixed FLOAT (IEEE 754 double precision).
func DecodeFlt8(b *Buffer) (float64, error) {
	raw, err := b.Uint64LE()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(raw), nil
}

// DecodeFltN decodes the nullable FLTN family: one-byte length (0, 4, or 8).
func DecodeFltN(b *Buffer) (float64, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch n {
	case 0:
		return 0, true, nil
	case 4:
		v, err := DecodeFlt4(b)
		if err != nil {
			b.Reset()
			return 0, false, err
		}
		return v, false, nil
	case 8:
		v, err := DecodeFlt8(b)
		if err != nil {
			b.Reset()
			return 0, false, err
		}
		return v, false, nil
	default:
		return 0, false, fmt.Errorf("wire: invalid FLTN length %d", n)
	}
}

// Decimal is a sign-magnitude arbitrary-precision fixed-point value as it
// appears on the wire for DECIMAL/NUMERIC (spec.md §4.1). Value = (sign ?
// -1 : 1) * Mantissa * 10^-Scale.
type Decimal struct {
	Negative bool
	Mantissa *big.Int
	Scale    byte
}

// String renders the decimal without going through float64, so full
// precision survives round-tripping to the engine's own decimal type.
func (d Decimal) String() string {
	s := d.Mantissa.String()
	neg := ""
	if d.Negative && d.Mantissa.Sign() != 0 {
		neg = "-"
	}
	if d.Scale == 0 {
		return neg + s
	}
	for len(s) <= int(d.Scale) {
		s = "0" + s
	}
	cut := len(s) - int(d.Scale)
	return neg + s[:cut] + "." + s[cut:]
}

// DecodeDecimalN decodes DECIMALN/NUMERICN: one-byte length prefix (0, or
// mantissa-width+1), then a sign byte (0=negative, 1=positive — inverted
// from the usual convention), then the little-endian unsigned mantissa.
func DecodeDecimalN(b *Buffer, scale byte) (Decimal, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return Decimal{}, false, err
	}
	if n == 0 {
		return Decimal{}, true, nil
	}
	signByte, err := b.ReadByte()
	if err != nil {
		b.Reset()
		return Decimal{}, false, err
	}
	mantissaLen := int(n) - 1
	raw, err := b.ReadBytes(mantissaLen)
	if err != nil {
		b.Reset()
		return Decimal{}, false, err
	}
	// Wire mantissa is little-endian; big.Int.SetBytes wants big-endian.
	be := make([]byte, mantissaLen)
	for i, v := range raw {
		be[mantissaLen-1-i] = v
	}
	mantissa := new(big.Int).SetBytes(be)
	return Decimal{Negative: signByte == 0, Mantissa: mantissa, Scale: scale}, false, nil
}

// EncodeDecimalN writes a Decimal value for parameter binding, given the
// target precision (which determines mantissa width per
// DecimalMantissaWidth) and scale.
func EncodeDecimalN(d Decimal, precision byte) []byte {
	width := DecimalMantissaWidth(precision)
	be := d.Mantissa.Bytes()
	if len(be) > width {
		be = be[len(be)-width:] // truncation here would be a caller bug; best-effort
	}
	le := make([]byte, width)
	for i := 0; i < len(be); i++ {
		le[i] = be[len(be)-1-i]
	}
	signByte := byte(1)
	if d.Negative {
		signByte = 0
	}
	out := make([]byte, 2+width)
	out[0] = byte(width + 1)
	out[1] = signByte
	copy(out[2:], le)
	return out
}

// Money is the fixed-point MONEY/SMALLMONEY representation: an int64 scaled
// by 10^4 (spec.md §4.1). SMALLMONEY uses the same scale over a narrower
// wire width.
type Money int64

// DecodeMoney decodes the fixed 8-byte MONEY: two big-endian... no, two
// little-endian int32 halves, high then low, forming a 64-bit scaled value.
func DecodeMoney(b *Buffer) (Money, error) {
	hi, err := b.Uint32LE()
	if err != nil {
		return 0, err
	}
	lo, err := b.Uint32LE()
	if err != nil {
		return 0, err
	}
	return Money(int64(int32(hi))<<32 | int64(lo)), nil
}

// DecodeMoney4 decodes the fixed 4-byte SMALLMONEY.
func DecodeMoney4(b *Buffer) (Money, error) {
	v, err := b.Uint32LE()
	if err != nil {
		return 0, err
	}
	return Money(int64(int32(v))), nil
}

// DecodeMoneyN decodes the nullable MONEYN family: one-byte length (0, 4, or 8).
func DecodeMoneyN(b *Buffer) (Money, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch n {
	case 0:
		return 0, true, nil
	case 4:
		v, err := DecodeMoney4(b)
		if err != nil {
			b.Reset()
			return 0, false, err
		}
		return v, false, nil
	case 8:
		v, err := DecodeMoney(b)
		if err != nil {
			b.Reset()
			return 0, false, err
		}
		return v, false, nil
	default:
		return 0, false, fmt.Errorf("wire: invalid MONEYN length %d", n)
	}
}

// EncodeMoneyN writes a MONEYN cell for the BCP row format: width must be 4
// (SMALLMONEY) or 8 (MONEY), matching the width encodeColumnTypeInfo declared
// in COLMETADATA.
func EncodeMoneyN(m Money, width int) []byte {
	out := make([]byte, 1+width)
	out[0] = byte(width)
	if width == 4 {
		putUint32LE(out[1:], uint32(int32(m)))
		return out
	}
	v := uint64(m)
	putUint32LE(out[1:5], uint32(v>>32))
	putUint32LE(out[5:9], uint32(v))
	return out
}

// Float64 converts the fixed-point money value to a float64 for display;
// callers that need exact arithmetic should stay in the int64 domain.
func (m Money) Float64() float64 { return float64(m) / 10000.0 }

func putUint16LE(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
