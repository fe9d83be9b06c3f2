// Package wire implements the TDS packet framing, token stream, and scalar
// type codec (spec.md §4.1). It has no knowledge of sockets or connection
// state — callers hand it byte slices to decode and get byte slices back to
// write.
package wire

import (
	"encoding/binary"
	"fmt"
)

// PacketType selects protocol semantics for a TDS packet header (spec.md
// §4.1).
type PacketType byte

const (
	PacketSQLBatch     PacketType = 0x01
	PacketRPC          PacketType = 0x02
	PacketTabularResult PacketType = 0x03
	PacketAttention    PacketType = 0x04
	PacketBulkLoadData PacketType = 0x07
	PacketFedAuthToken PacketType = 0x08
	PacketPrelogin     PacketType = 0x10
	PacketLogin7       PacketType = 0x11
	PacketSSPI         PacketType = 0x12
	PacketTLS          PacketType = 0x17
)

// StatusEOM is the only status bit this codec requires of callers: low bit
// set means "last packet of the logical message."
const (
	StatusNormal byte = 0x00
	StatusEOM    byte = 0x01
	StatusIgnore byte = 0x02
)

// HeaderSize is the fixed 8-byte TDS packet header.
const HeaderSize = 8

// Header is the 8-byte packet header (spec.md §3 "Packet").
type Header struct {
	Type     PacketType
	Status   byte
	Length   uint16 // big-endian, inclusive of header
	SPID     uint16
	PacketID byte // wraps at 256
	Window   byte
}

func (h Header) EOM() bool { return h.Status&StatusEOM != 0 }

// Encode writes the 8-byte header into buf (len(buf) must be >= HeaderSize).
func (h Header) Encode(buf []byte) {
	buf[0] = byte(h.Type)
	buf[1] = h.Status
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
}

// DecodeHeader parses the 8-byte header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short packet header (%d bytes)", len(buf))
	}
	h := Header{
		Type:     PacketType(buf[0]),
		Status:   buf[1],
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}
	if h.Length < HeaderSize {
		return Header{}, fmt.Errorf("wire: packet length %d smaller than header", h.Length)
	}
	return h, nil
}

// Writer splits an outgoing logical message into packets no larger than the
// negotiated packet size, setting EOM on the last one (spec.md §4.1 "Message
// assembly").
type Writer struct {
	packetSize int
	spid       uint16
	nextID     byte
}

func NewWriter(packetSize int, spid uint16) *Writer {
	if packetSize < HeaderSize+1 {
		packetSize = 4096
	}
	return &Writer{packetSize: packetSize, spid: spid}
}

// SetSPID updates the SPID stamped on outgoing packets (assigned by the
// server during login; zero before that).
func (w *Writer) SetSPID(spid uint16) { w.spid = spid }

// Split frames payload as a sequence of complete packets of the given type.
// An empty payload still produces one packet (e.g. ATTENTION).
func (w *Writer) Split(typ PacketType, payload []byte) [][]byte {
	maxPayload := w.packetSize - HeaderSize
	var packets [][]byte
	offset := 0
	for {
		end := offset + maxPayload
		last := false
		if end >= len(payload) {
			end = len(payload)
			last = true
		}
		chunk := payload[offset:end]
		status := StatusNormal
		if last {
			status = StatusEOM
		}
		buf := make([]byte, HeaderSize+len(chunk))
		h := Header{
			Type:     typ,
			Status:   status,
			Length:   uint16(HeaderSize + len(chunk)),
			SPID:     w.spid,
			PacketID: w.nextID,
			Window:   0,
		}
		h.Encode(buf)
		copy(buf[HeaderSize:], chunk)
		packets = append(packets, buf)
		w.nextID++ // wraps at 256 automatically (byte)
		offset = end
		if last {
			break
		}
	}
	if len(packets) == 0 {
		// Still emit a single empty-EOM packet (ATTENTION, empty batches).
		buf := make([]byte, HeaderSize)
		h := Header{Type: typ, Status: StatusEOM, Length: HeaderSize, SPID: w.spid, PacketID: w.nextID}
		h.Encode(buf)
		w.nextID++
		packets = append(packets, buf)
	}
	return packets
}

// MaxPayload returns the negotiated payload capacity per packet.
func (w *Writer) MaxPayload() int { return w.packetSize - HeaderSize }

// Reassembler accumulates incoming packets sharing a type into one logical
// message's payload, feeding the token parser only complete messages'
// worth of bytes. The result stream reads through tds.Conn.ReadNextMessage,
// which is backed by a Reassembler, one message at a time.
type Reassembler struct {
	typ     PacketType
	started bool
	buf     []byte
}

// Feed appends one packet's payload. It returns (message, true) once EOM is
// observed, or (nil, false) if more packets are needed.
func (a *Reassembler) Feed(h Header, payload []byte) ([]byte, bool, error) {
	if !a.started {
		a.typ = h.Type
		a.started = true
	} else if h.Type != a.typ {
		return nil, false, fmt.Errorf("wire: packet type changed mid-message (%v -> %v)", a.typ, h.Type)
	}
	a.buf = append(a.buf, payload...)
	if h.EOM() {
		msg := a.buf
		a.buf = nil
		a.started = false
		return msg, true, nil
	}
	return nil, false, nil
}
