// Package tdstest is a minimal in-process fake TDS server used as test
// scaffolding for internal/tds and internal/stream, standing in for the
// driver-injection test seams the wire-protocol example repos in the
// retrieval pack use (a listener that accepts one connection, replays a
// scripted token stream, and hands back whatever bytes it was told to).
package tdstest

import (
	"net"

	"github.com/dbbouncer/mssqlcore/internal/wire"
)

// Server accepts exactly one connection and replays a scripted sequence of
// framed responses, one per request it receives. It does not implement
// PRELOGIN/LOGIN7 itself — callers that need a full handshake use
// NewHandshakeServer (handshake.go).
type Server struct {
	ln    net.Listener
	Addr  string
	script []Step
}

// Step is one request/response pair the fake server replays in order.
type Step struct {
	// ExpectType, if nonzero, asserts the next request's packet type.
	ExpectType wire.PacketType
	// Respond is the raw token-stream payload to send back, framed as
	// PacketTabularResult.
	Respond []byte
}

func New(script []Step) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, Addr: ln.Addr().String(), script: script}
	go s.run()
	return s, nil
}

func (s *Server) run() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	writer := wire.NewWriter(4096, 1)
	for _, step := range s.script {
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

func (s *Server) Close() error { return s.ln.Close() }

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
