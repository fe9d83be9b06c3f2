package wire

import "errors"

// ErrNeedMoreData is returned by any decode function that ran off the end
// of the currently buffered bytes. The caller (token parser, type decoders)
// restores its read cursor to where it started and waits for Buffer.Feed to
// append the next packet's payload before retrying — this is how the parser
// "resumes when a token boundary splits across two packets" (spec.md §4.1)
// without tracking per-field partial state by hand.
var ErrNeedMoreData = errors.New("wire: need more data")

// Buffer is the rolling byte buffer the token parser reads from. Bytes are
// appended by Feed (one packet payload at a time) and consumed by Read*
// calls; Mark/Reset lets a caller retry a whole token from its start once
// more data has arrived, instead of resuming mid-field.
type Buffer struct {
	data []byte
	pos  int
	mark int
}

func NewBuffer() *Buffer { return &Buffer{} }

// Feed appends one packet's payload to the buffer.
func (b *Buffer) Feed(payload []byte) {
	if b.pos > 1<<20 && b.pos == len(b.data) {
		// Fully drained and has grown large: compact so a long-running
		// stream doesn't retain every packet it has ever seen.
		b.data = append([]byte(nil), b.data[b.pos:]...)
		b.pos = 0
	}
	b.data = append(b.data, payload...)
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.data) - b.pos }

// Mark records the current read position so a failed decode can roll back.
func (b *Buffer) Mark() { b.mark = b.pos }

// Reset rolls the read cursor back to the last Mark.
func (b *Buffer) Reset() { b.pos = b.mark }

// Peek returns up to n unread bytes without consuming them (may return fewer
// if that many aren't buffered).
func (b *Buffer) Peek(n int) []byte {
	avail := b.Len()
	if n > avail {
		n = avail
	}
	return b.data[b.pos : b.pos+n]
}

// ReadByte consumes and returns one byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, ErrNeedMoreData
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

// ReadBytes consumes and returns exactly n bytes.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New("wire: negative length")
	}
	if b.Len() < n {
		return nil, ErrNeedMoreData
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

// Uint16LE reads a little-endian uint16.
func (b *Buffer) Uint16LE() (uint16, error) {
	v, err := b.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return uint16(v[0]) | uint16(v[1])<<8, nil
}

// Uint32LE reads a little-endian uint32.
func (b *Buffer) Uint32LE() (uint32, error) {
	v, err := b.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(v[0]) | uint32(v[1])<<8 | uint32(v[2])<<16 | uint32(v[3])<<24, nil
}

// Uint64LE reads a little-endian uint64.
func (b *Buffer) Uint64LE() (uint64, error) {
	v, err := b.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	var out uint64
	for i := 7; i >= 0; i-- {
		out = out<<8 | uint64(v[i])
	}
	return out, nil
}
