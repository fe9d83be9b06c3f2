package wire

import (
	"testing"
	"time"
)

func TestDecodeDate(t *testing.T) {
	b := NewBuffer()
	// 730896 days (0x0B2710) since 0001-01-01 lands in the modern era; just check it
	// round-trips through AddDate without erroring and stays monotonic.
	b.Feed([]byte{3, 0x10, 0x27, 0x0B}) // arbitrary 3-byte day count
	d, null, err := DecodeDate(b)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if d.Year() < 1 {
		t.Errorf("unexpected date %v", d)
	}
}

func TestDecodeDateNull(t *testing.T) {
	b := NewBuffer()
	b.Feed([]byte{0})
	_, null, err := DecodeDate(b)
	if err != nil || !null {
		t.Fatalf("err=%v null=%v", err, null)
	}
}

func TestDecodeTimeScale0(t *testing.T) {
	// scale 0 -> width 3, one tick == 1 second. Encode 3661 seconds (1h1m1s).
	b := NewBuffer()
	b.Feed([]byte{3, 0x4D, 0x0E, 0x00}) // 3661 = 0x0E4D
	d, null, err := DecodeTime(b, 0)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if d != 3661*time.Second {
		t.Errorf("got %v, want 3661s", d)
	}
}

func TestDecodeSmallDateTime(t *testing.T) {
	b := NewBuffer()
	// 0 days since 1900-01-01, 90 minutes -> 1900-01-01 01:30:00
	b.Feed([]byte{0, 0, 90, 0})
	d, err := DecodeSmallDateTime(b)
	if err != nil {
		t.Fatal(err)
	}
	if d.Year() != 1900 || d.Hour() != 1 || d.Minute() != 30 {
		t.Errorf("got %v", d)
	}
}

func TestDecodeDateTimeNDispatch(t *testing.T) {
	b := NewBuffer()
	b.Feed([]byte{0})
	_, null, err := DecodeDateTimeN(b)
	if err != nil || !null {
		t.Fatalf("err=%v null=%v", err, null)
	}
}

func TestDecodeDateTimeOffsetPreservesClockTime(t *testing.T) {
	// Build a DATETIME2(0)+offset payload by hand: 3-byte time (width for
	// scale 0 is 3), 3-byte date, 2-byte offset minutes = +120 (UTC+2).
	timeBytes := []byte{0x4D, 0x0E, 0x00} // 3661 ticks @ 1s = 01:01:01
	dateBytes := []byte{0x10, 0x27, 0x0B}
	offset := []byte{0x78, 0x00} // +120 minutes
	payload := append([]byte{byte(len(timeBytes) + len(dateBytes) + len(offset))}, timeBytes...)
	payload = append(payload, dateBytes...)
	payload = append(payload, offset...)
	b := NewBuffer()
	b.Feed(payload)
	d, null, err := DecodeDateTimeOffset(b, 0)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if d.Hour() != 1 || d.Minute() != 1 || d.Second() != 1 {
		t.Errorf("got %v", d)
	}
	_, offsetSecs := d.Zone()
	if offsetSecs != 120*60 {
		t.Errorf("offset = %ds, want %ds", offsetSecs, 120*60)
	}
}

func TestEncodeDateRoundTripsThroughDecodeDate(t *testing.T) {
	want := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	b := NewBuffer()
	b.Feed(EncodeDate(want))
	got, null, err := DecodeDate(b)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEncodeTimeRoundTripsThroughDecodeTime(t *testing.T) {
	want := 3661 * time.Second // 1h1m1s
	b := NewBuffer()
	b.Feed(EncodeTime(want, 0))
	got, null, err := DecodeTime(b, 0)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEncodeDateTime2RoundTrips(t *testing.T) {
	want := time.Date(2026, 7, 31, 13, 45, 9, 0, time.UTC)
	b := NewBuffer()
	b.Feed(EncodeDateTime2(want, 0))
	got, null, err := DecodeDateTime2(b, 0)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEncodeDateTimeOffsetRoundTripsClockAndOffset(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	want := time.Date(2026, 7, 31, 13, 45, 9, 0, loc)
	b := NewBuffer()
	b.Feed(EncodeDateTimeOffset(want, 0))
	got, null, err := DecodeDateTimeOffset(b, 0)
	if err != nil || null {
		t.Fatalf("err=%v null=%v", err, null)
	}
	if got.Hour() != 13 || got.Minute() != 45 || got.Second() != 9 {
		t.Errorf("got %v, want clock 13:45:09", got)
	}
	_, offsetSecs := got.Zone()
	if offsetSecs != 2*60*60 {
		t.Errorf("offset = %ds, want %ds", offsetSecs, 2*60*60)
	}
}

func TestEncodeDateTimeFixedRoundTripsThroughDecodeDateTime(t *testing.T) {
	want := time.Date(2026, 7, 31, 13, 45, 9, 0, time.UTC)
	b := NewBuffer()
	raw := EncodeDateTimeFixed(want)
	b.Feed(raw[1:]) // DecodeDateTime has no length prefix of its own
	got, err := DecodeDateTime(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Year() != want.Year() || got.Month() != want.Month() || got.Day() != want.Day() ||
		got.Hour() != want.Hour() || got.Minute() != want.Minute() || got.Second() != want.Second() {
		t.Errorf("got %v, want %v", got, want)
	}
}
