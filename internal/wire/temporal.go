package wire

import (
	"fmt"
	"time"
)

// sqlEpoch is day zero for DATE/DATETIME2/DATETIMEOFFSET: 0001-01-01.
var sqlEpoch = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

// legacyEpoch is day zero for the pre-2008 DATETIME/SMALLDATETIME types:
// 1900-01-01.
var legacyEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// DecodeDate decodes a DATE cell: 3 little-endian bytes giving days since
// sqlEpoch (spec.md §4.1). Length-prefixed nullable form (0 or 3).
func DecodeDate(b *Buffer) (time.Time, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return time.Time{}, false, err
	}
	if n == 0 {
		return time.Time{}, true, nil
	}
	if n != 3 {
		return time.Time{}, false, fmt.Errorf("wire: invalid DATE length %d", n)
	}
	days, err := read3ByteUint(b)
	if err != nil {
		b.Reset()
		return time.Time{}, false, err
	}
	return sqlEpoch.AddDate(0, 0, int(days)), false, nil
}

// DecodeTime decodes a TIME(scale) cell: a length-prefixed (0, or
// variableScaleWidth(scale)) little-endian integer counting ticks of
// 10^-scale seconds since midnight.
func DecodeTime(b *Buffer, scale byte) (time.Duration, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, true, nil
	}
	width := variableScaleWidth(scale)
	if int(n) != width {
		return 0, false, fmt.Errorf("wire: TIME(%d) length %d does not match expected %d", scale, n, width)
	}
	raw, err := b.ReadBytes(width)
	if err != nil {
		b.Reset()
		return 0, false, err
	}
	var ticks int64
	for i := width - 1; i >= 0; i-- {
		ticks = ticks<<8 | int64(raw[i])
	}
	nanosPerTick := int64(1000000000)
	for i := byte(0); i < scale; i++ {
		nanosPerTick /= 10
	}
	return time.Duration(ticks * nanosPerTick), false, nil
}

// DecodeDateTime2 decodes a DATETIME2(scale) cell: TIME(scale) followed
// immediately by a 3-byte DATE, both present/absent together under one
// length prefix equal to width(scale)+3.
func DecodeDateTime2(b *Buffer, scale byte) (time.Time, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return time.Time{}, false, err
	}
	if n == 0 {
		return time.Time{}, true, nil
	}
	timeWidth := variableScaleWidth(scale)
	if int(n) != timeWidth+3 {
		return time.Time{}, false, fmt.Errorf("wire: DATETIME2(%d) length %d does not match expected %d", scale, n, timeWidth+3)
	}
	raw, err := b.ReadBytes(int(n))
	if err != nil {
		b.Reset()
		return time.Time{}, false, err
	}
	d, err := decodeTimeTicks(raw[:timeWidth], scale)
	if err != nil {
		return time.Time{}, false, err
	}
	days := uint32(raw[timeWidth]) | uint32(raw[timeWidth+1])<<8 | uint32(raw[timeWidth+2])<<16
	date := sqlEpoch.AddDate(0, 0, int(days))
	return date.Add(d), false, nil
}

// DecodeDateTimeOffset decodes a DATETIMEOFFSET(scale) cell: DATETIME2(scale)
// followed by a 2-byte little-endian signed offset in minutes from UTC.
func DecodeDateTimeOffset(b *Buffer, scale byte) (time.Time, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return time.Time{}, false, err
	}
	if n == 0 {
		return time.Time{}, true, nil
	}
	timeWidth := variableScaleWidth(scale)
	expect := timeWidth + 3 + 2
	if int(n) != expect {
		return time.Time{}, false, fmt.Errorf("wire: DATETIMEOFFSET(%d) length %d does not match expected %d", scale, n, expect)
	}
	raw, err := b.ReadBytes(int(n))
	if err != nil {
		b.Reset()
		return time.Time{}, false, err
	}
	d, err := decodeTimeTicks(raw[:timeWidth], scale)
	if err != nil {
		return time.Time{}, false, err
	}
	days := uint32(raw[timeWidth]) | uint32(raw[timeWidth+1])<<8 | uint32(raw[timeWidth+2])<<16
	offsetRaw := int16(uint16(raw[timeWidth+3]) | uint16(raw[timeWidth+4])<<8)
	date := sqlEpoch.AddDate(0, 0, int(days)).Add(d)
	loc := time.FixedZone(fmt.Sprintf("UTC%+d:%02d", offsetRaw/60, abs16(offsetRaw%60)), int(offsetRaw)*60)
	return time.Date(date.Year(), date.Month(), date.Day(), date.Hour(), date.Minute(), date.Second(), date.Nanosecond(), loc), false, nil
}

// DecodeDateTime decodes the legacy fixed DATETIME: 4-byte signed day count
// since legacyEpoch, then 4-byte unsigned ticks of 1/300 second since
// midnight.
func DecodeDateTime(b *Buffer) (time.Time, error) {
	days, err := b.Uint32LE()
	if err != nil {
		return time.Time{}, err
	}
	ticks, err := b.Uint32LE()
	if err != nil {
		return time.Time{}, err
	}
	d := time.Duration(int32(ticks)) * (time.Second / 300)
	return legacyEpoch.AddDate(0, 0, int(int32(days))).Add(d), nil
}

// DecodeDateTimeN decodes the nullable DATETIMN family: one-byte length (0,
// 4 for SMALLDATETIME, or 8 for DATETIME).
func DecodeDateTimeN(b *Buffer) (time.Time, bool, error) {
	b.Mark()
	n, err := b.ReadByte()
	if err != nil {
		return time.Time{}, false, err
	}
	switch n {
	case 0:
		return time.Time{}, true, nil
	case 4:
		v, err := DecodeSmallDateTime(b)
		if err != nil {
			b.Reset()
			return time.Time{}, false, err
		}
		return v, false, nil
	case 8:
		v, err := DecodeDateTime(b)
		if err != nil {
			b.Reset()
			return time.Time{}, false, err
		}
		return v, false, nil
	default:
		return time.Time{}, false, fmt.Errorf("wire: invalid DATETIMN length %d", n)
	}
}

// DecodeSmallDateTime decodes the legacy fixed SMALLDATETIME: 2-byte day
// count since legacyEpoch, then 2-byte minute-of-day (no seconds).
func DecodeSmallDateTime(b *Buffer) (time.Time, error) {
	days, err := b.Uint16LE()
	if err != nil {
		return time.Time{}, err
	}
	mins, err := b.Uint16LE()
	if err != nil {
		return time.Time{}, err
	}
	return legacyEpoch.AddDate(0, 0, int(days)).Add(time.Duration(mins) * time.Minute), nil
}

func decodeTimeTicks(raw []byte, scale byte) (time.Duration, error) {
	var ticks int64
	for i := len(raw) - 1; i >= 0; i-- {
		ticks = ticks<<8 | int64(raw[i])
	}
	nanosPerTick := int64(1000000000)
	for i := byte(0); i < scale; i++ {
		nanosPerTick /= 10
	}
	return time.Duration(ticks * nanosPerTick), nil
}

func read3ByteUint(b *Buffer) (uint32, error) {
	raw, err := b.ReadBytes(3)
	if err != nil {
		return 0, err
	}
	return uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16, nil
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}

// daysFromCivil converts a proleptic Gregorian calendar date to a day count
// relative to 1970-01-01 (Howard Hinnant's days_from_civil algorithm). Plain
// integer arithmetic, not time.Time.Sub: DATE/DATETIME2 span up to 9999-12-31,
// and a Duration spanning that many years overflows its int64 nanosecond
// range.
func daysFromCivil(y, m, d int64) int64 {
	if m <= 2 {
		y--
	}
	era := y
	if y < 0 {
		era -= 399
	}
	era /= 400
	yoe := y - era*400
	mp := m + 9
	if m > 2 {
		mp = m - 3
	}
	doy := (153*mp+2)/5 + d - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}

func daysSince(t, epoch time.Time) int64 {
	y, m, d := t.Date()
	ey, em, ed := epoch.Date()
	return daysFromCivil(int64(y), int64(m), int64(d)) - daysFromCivil(int64(ey), int64(em), int64(ed))
}

// durationTicks converts a time-of-day duration to ticks of 10^-scale
// seconds, the inverse of decodeTimeTicks.
func durationTicks(d time.Duration, scale byte) int64 {
	nanosPerTick := int64(1000000000)
	for i := byte(0); i < scale; i++ {
		nanosPerTick /= 10
	}
	return int64(d) / nanosPerTick
}

// timeOfDayTicks returns t's wall-clock time of day (in t's own location) as
// ticks of 10^-scale seconds since midnight.
func timeOfDayTicks(t time.Time, scale byte) int64 {
	hh, mm, ss := t.Clock()
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second + time.Duration(t.Nanosecond())
	return durationTicks(d, scale)
}

// EncodeDate writes a DATE cell for the BCP row format (spec.md §4.8): a
// BYTELEN prefix of 3 followed by little-endian days since sqlEpoch.
func EncodeDate(t time.Time) []byte {
	days := daysSince(t, sqlEpoch)
	return []byte{3, byte(days), byte(days >> 8), byte(days >> 16)}
}

// EncodeTime writes a TIME(scale) cell: BYTELEN prefix of
// variableScaleWidth(scale) followed by little-endian ticks since midnight.
// d is a time-of-day duration (spec.md's TIME representation, as DecodeTime
// returns and sqltext's literal formatting expects), not a calendar time.
func EncodeTime(d time.Duration, scale byte) []byte {
	width := variableScaleWidth(scale)
	ticks := durationTicks(d, scale)
	out := make([]byte, 1+width)
	out[0] = byte(width)
	for i := 0; i < width; i++ {
		out[1+i] = byte(ticks >> (8 * i))
	}
	return out
}

// EncodeDateTime2 writes a DATETIME2(scale) cell: TIME(scale) immediately
// followed by a 3-byte DATE, under one combined length prefix.
func EncodeDateTime2(t time.Time, scale byte) []byte {
	timeWidth := variableScaleWidth(scale)
	ticks := timeOfDayTicks(t, scale)
	days := daysSince(t, sqlEpoch)
	out := make([]byte, 1+timeWidth+3)
	out[0] = byte(timeWidth + 3)
	for i := 0; i < timeWidth; i++ {
		out[1+i] = byte(ticks >> (8 * i))
	}
	out[1+timeWidth] = byte(days)
	out[1+timeWidth+1] = byte(days >> 8)
	out[1+timeWidth+2] = byte(days >> 16)
	return out
}

// EncodeDateTimeOffset writes a DATETIMEOFFSET(scale) cell: DATETIME2(scale)
// in t's own wall-clock location, followed by a 2-byte signed offset in
// minutes from UTC — the inverse of DecodeDateTimeOffset's FixedZone
// reconstruction.
func EncodeDateTimeOffset(t time.Time, scale byte) []byte {
	timeWidth := variableScaleWidth(scale)
	ticks := timeOfDayTicks(t, scale)
	days := daysSince(t, sqlEpoch)
	_, offsetSec := t.Zone()
	offsetMin := int16(offsetSec / 60)

	n := timeWidth + 3 + 2
	out := make([]byte, 1+n)
	out[0] = byte(n)
	for i := 0; i < timeWidth; i++ {
		out[1+i] = byte(ticks >> (8 * i))
	}
	out[1+timeWidth] = byte(days)
	out[1+timeWidth+1] = byte(days >> 8)
	out[1+timeWidth+2] = byte(days >> 16)
	out[1+timeWidth+3] = byte(offsetMin)
	out[1+timeWidth+4] = byte(uint16(offsetMin) >> 8)
	return out
}

// EncodeDateTimeFixed writes the legacy fixed DATETIME cell: BYTELEN prefix
// of 8, a 4-byte day count since legacyEpoch, then 4-byte ticks of 1/300
// second since midnight. Used for both DATETIME and SMALLDATETIME columns,
// since encodeColumnTypeInfo always declares DATETIMEN at width 8 on the
// wire for this pair (the row format only has one fixed layout to target).
func EncodeDateTimeFixed(t time.Time) []byte {
	days := daysSince(t, legacyEpoch)
	hh, mm, ss := t.Clock()
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second + time.Duration(t.Nanosecond())
	ticks := int64(d / (time.Second / 300))
	out := make([]byte, 9)
	out[0] = 8
	putUint32LE(out[1:5], uint32(int32(days)))
	putUint32LE(out[5:9], uint32(int32(ticks)))
	return out
}
