package tdstest

import (
	"net"

	"github.com/dbbouncer/mssqlcore/internal/wire"
)

// HandshakeServer accepts one connection, answers PRELOGIN with encryption
// turned off and LOGIN7 with an immediate LOGINACK+DONE, then hands control
// to an optional script of further steps. This is enough for internal/tds
// connection tests to exercise Dial without a real SQL Server.
type HandshakeServer struct {
	ln   net.Listener
	Addr string
	after []Step
}

func NewHandshakeServer(after []Step) (*HandshakeServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &HandshakeServer{ln: ln, Addr: ln.Addr().String(), after: after}
	go s.run()
	return s, nil
}

func (s *HandshakeServer) Close() error { return s.ln.Close() }

func (s *HandshakeServer) run() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	// PRELOGIN: read the client's option table, reply with ENCRYPT=OFF and
	// a single VERSION option so the client's decoder has something to
	// walk.
	if _, err := readMessage(conn); err != nil {
		return
	}
	preloginReply := []byte{
		0x00, 0x00, 0x0B, 0x00, 0x06, // VERSION option header: offset 11, len 6
		0x01, 0x00, 0x11, 0x00, 0x01, // ENCRYPT option header: offset 17, len 1
		0xFF,
		0, 0, 0, 0, 0, 0, // version payload
		0x00, // ENCRYPT = off
	}
	writer := wire.NewWriter(4096, 1)
	for _, pkt := range writer.Split(wire.PacketPrelogin, preloginReply) {
		if _, err := conn.Write(pkt); err != nil {
			return
		}
	}

	// LOGIN7: read it, ignore contents, reply with LOGINACK + DONE(FINAL).
	if _, err := readMessage(conn); err != nil {
		return
	}
	loginAck := []byte{byte(wireTokenLoginAck)}
	loginAck = append(loginAck, 0, 0) // length placeholder, unused by the parser
	loginAck = append(loginAck, 1)    // interface
	loginAck = append(loginAck, 0, 0, 0, 0x74) // TDS version 7.4-ish
	loginAck = append(loginAck, 0)    // prog name length 0
	loginAck = append(loginAck, 0, 0, 0, 0) // prog version

	done := []byte{byte(wireTokenDone), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	resp := append(loginAck, done...)
	for _, pkt := range writer.Split(wire.PacketTabularResult, resp) {
		if _, err := conn.Write(pkt); err != nil {
			return
		}
	}

	for _, step := range s.after {
		hdr := make([]byte, wire.HeaderSize)
		if _, err := readFull(conn, hdr); err != nil {
			return
		}
		h, err := wire.DecodeHeader(hdr)
		if err != nil {
			return
		}
		payload := make([]byte, int(h.Length)-wire.HeaderSize)
		if len(payload) > 0 {
			if _, err := readFull(conn, payload); err != nil {
				return
			}
		}
		if step.ExpectType != 0 && h.Type != step.ExpectType {
			return
		}
		for _, pkt := range writer.Split(wire.PacketTabularResult, step.Respond) {
			if _, err := conn.Write(pkt); err != nil {
				return
			}
		}
	}
}

// wireTokenLoginAck/wireTokenDone mirror internal/wire's unexported-from-
// here token ids; duplicated as untyped constants to avoid importing test
// internals into the fake server.
const (
	wireTokenLoginAck = 0xAD
	wireTokenDone     = 0xFD
)

func readMessage(conn net.Conn) ([]byte, error) {
	var a wire.Reassembler
	for {
		hdr := make([]byte, wire.HeaderSize)
		if _, err := readFull(conn, hdr); err != nil {
			return nil, err
		}
		h, err := wire.DecodeHeader(hdr)
		if err != nil {
			return nil, err
		}
		payload := make([]byte, int(h.Length)-wire.HeaderSize)
		if len(payload) > 0 {
			if _, err := readFull(conn, payload); err != nil {
				return nil, err
			}
		}
		msg, done, err := a.Feed(h, payload)
		if err != nil {
			return nil, err
		}
		if done {
			return msg, nil
		}
	}
}
