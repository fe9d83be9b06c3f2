package tds

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/mssqlcore/internal/errs"
	"github.com/dbbouncer/mssqlcore/internal/secret"
	"github.com/dbbouncer/mssqlcore/internal/settings"
	"github.com/dbbouncer/mssqlcore/internal/wire"
)

const defaultPacketSize = 4096

// Conn owns one physical socket speaking TDS to a single SQL Server/Azure
// SQL backend. State changes happen under mu: setState checks each
// transition against the state machine, while fail (to Broken) and Close
// (to Disconnected) set the state directly, mirroring the teacher's
// PooledConn tri-state guard expanded to the full 7-state machine (spec.md
// §4.2).
type Conn struct {
	mu    sync.Mutex
	state State

	raw        net.Conn
	encrypted  *tls.Conn
	writer     *wire.Writer
	reassembler wire.Reassembler

	spid        uint16
	packetSize  int
	maxLOBBytes int

	Database      string
	ServerVersion  uint32
	Collation     wire.Collation

	txnDescriptor [8]byte

	secret   secret.Secret
	settings settings.Settings
}

// Dial opens the socket, negotiates PRELOGIN/TLS, and runs LOGIN7, following
// at most one ENVCHANGE(ROUTING) redirect (SPEC_FULL.md's
// "single-redirect-follow" decision). On return the Conn is in StateIdle.
func Dial(ctx context.Context, s secret.Secret, cfg settings.Settings) (*Conn, error) {
	c := &Conn{state: StateDisconnected, packetSize: defaultPacketSize, maxLOBBytes: cfg.MaxLOBBytes, secret: s, settings: cfg}
	if err := c.dial(ctx, s.Addr()); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) dial(ctx context.Context, addr string) error {
	if err := c.setState(StateConnecting); err != nil {
		return err
	}
	d := net.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		d.Deadline = deadline
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.setState(StateBroken)
		return errs.Wrap(errs.KindNetwork, fmt.Sprintf("dial %s", addr), err)
	}
	c.raw = conn
	c.writer = wire.NewWriter(c.packetSize, 0)

	preloginResp, err := c.sendPrelogin()
	if err != nil {
		c.fail(err)
		return err
	}
	encryptRequired := preloginResp.encrypt
	if c.secret.UseEncrypt || encryptRequired {
		tlsConn, err := negotiateTLS(c.raw, c.packetSize, hostOnly(addr), c.settings.StrictTLSVerification)
		if err != nil {
			c.fail(err)
			return err
		}
		c.encrypted = tlsConn
	}

	if err := c.setState(StateAuthenticating); err != nil {
		c.fail(err)
		return err
	}
	redirected, err := c.sendLogin7AndAwaitAck(ctx)
	if err != nil {
		c.fail(err)
		return err
	}
	if redirected != nil {
		// One redirect only: tear down and reconnect to the routing target,
		// then finish without following any further ENVCHANGE(ROUTING).
		c.closeTransport()
		newAddr := fmt.Sprintf("%s:%d", redirected.Server, redirected.Port)
		c2 := &Conn{state: StateDisconnected, packetSize: c.packetSize, maxLOBBytes: c.maxLOBBytes, secret: c.secret, settings: c.settings}
		if err := c2.dialNoRedirect(ctx, newAddr); err != nil {
			return err
		}
		*c = *c2
		return nil
	}
	return c.setState(StateIdle)
}

// dialNoRedirect is dial's body without the redirect-following branch, used
// once we've already followed one redirect so a misbehaving server can't
// bounce us forever.
func (c *Conn) dialNoRedirect(ctx context.Context, addr string) error {
	if err := c.setState(StateConnecting); err != nil {
		return err
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		c.setState(StateBroken)
		return errs.Wrap(errs.KindNetwork, fmt.Sprintf("dial routed target %s", addr), err)
	}
	c.raw = conn
	c.writer = wire.NewWriter(c.packetSize, 0)
	preloginResp, err := c.sendPrelogin()
	if err != nil {
		c.fail(err)
		return err
	}
	if c.secret.UseEncrypt || preloginResp.encrypt {
		tlsConn, err := negotiateTLS(c.raw, c.packetSize, hostOnly(addr), c.settings.StrictTLSVerification)
		if err != nil {
			c.fail(err)
			return err
		}
		c.encrypted = tlsConn
	}
	if err := c.setState(StateAuthenticating); err != nil {
		c.fail(err)
		return err
	}
	if _, err := c.sendLogin7AndAwaitAck(ctx); err != nil {
		c.fail(err)
		return err
	}
	return c.setState(StateIdle)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	c.state = StateBroken
	c.mu.Unlock()
}

func (c *Conn) setState(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkTransition(c.state, to); err != nil {
		return err
	}
	c.state = to
	return nil
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transport returns whichever of raw/encrypted is currently live.
func (c *Conn) transport() net.Conn {
	if c.encrypted != nil {
		return c.encrypted
	}
	return c.raw
}

// writePacket frames and writes one logical message.
func (c *Conn) writePacket(typ wire.PacketType, payload []byte) error {
	for _, pkt := range c.writer.Split(typ, payload) {
		if _, err := c.transport().Write(pkt); err != nil {
			return errs.Wrap(errs.KindNetwork, "write TDS packet", err)
		}
	}
	return nil
}

// readMessage reads packets until one complete logical message has been
// reassembled.
func (c *Conn) readMessage() ([]byte, error) {
	c.reassembler = wire.Reassembler{}
	for {
		hdr := make([]byte, wire.HeaderSize)
		if _, err := readFull(c.transport(), hdr); err != nil {
			return nil, errs.Wrap(errs.KindNetwork, "read TDS packet header", err)
		}
		h, err := wire.DecodeHeader(hdr)
		if err != nil {
			return nil, errs.Wrap(errs.KindProtocol, "decode TDS packet header", err)
		}
		payload := make([]byte, int(h.Length)-wire.HeaderSize)
		if len(payload) > 0 {
			if _, err := readFull(c.transport(), payload); err != nil {
				return nil, errs.Wrap(errs.KindNetwork, "read TDS packet payload", err)
			}
		}
		msg, done, err := c.reassembler.Feed(h, payload)
		if err != nil {
			return nil, errs.Wrap(errs.KindProtocol, "reassemble TDS message", err)
		}
		if done {
			return msg, nil
		}
	}
}

// Close tears down the transport. Safe to call from any state.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeTransport()
	c.state = StateDisconnected
	return nil
}

func (c *Conn) closeTransport() {
	if c.encrypted != nil {
		c.encrypted.Close()
		c.encrypted = nil
	}
	if c.raw != nil {
		c.raw.Close()
		c.raw = nil
	}
}

// BeginExecute transitions Idle -> Executing. Callers must call
// EndExecute/Cancel when the result stream finishes or is abandoned.
func (c *Conn) BeginExecute() error { return c.setState(StateExecuting) }

// EndExecute transitions Executing -> Idle once a DONE(FINAL) with no MORE
// bit has been observed.
func (c *Conn) EndExecute() error { return c.setState(StateIdle) }

// Cancel sends ATTENTION and transitions Executing -> Cancelling. The
// caller must keep draining tokens until a DONE with the ATTN flag arrives,
// then call EndExecute to return to Idle (spec.md §4.2's drain contract).
func (c *Conn) Cancel() error {
	if err := c.setState(StateCancelling); err != nil {
		return err
	}
	return c.writePacket(wire.PacketAttention, nil)
}

// SendBatch writes a SQL batch as an ALL_HEADERS preamble (carrying the
// connection's current transaction descriptor, zero outside an explicit
// transaction) followed by the raw UTF-16LE T-SQL text (spec.md §4.4
// "Initialization": "Send SQL_BATCH (with ALL_HEADERS preamble carrying the
// transaction descriptor)").
func (c *Conn) SendBatch(sql string) error {
	raw, err := wire.EncodeUTF16LERaw(sql)
	if err != nil {
		return err
	}
	payload := append(wire.EncodeAllHeaders(c.txnDescriptor, 1), raw...)
	return c.writePacket(wire.PacketSQLBatch, payload)
}

// SendBulkData writes one BULK_LOAD_DATA packet stream carrying a
// COLMETADATA + ROW token payload for the BCP sub-protocol (spec.md §4.8
// "Row emission"). The connection must already be Executing (the caller
// sent the INSERT BULK batch and drained its acknowledgment first).
func (c *Conn) SendBulkData(payload []byte) error {
	return c.writePacket(wire.PacketBulkLoadData, payload)
}

// TxnDescriptor returns the connection's current transaction descriptor
// (all-zero outside an explicit transaction).
func (c *Conn) TxnDescriptor() [8]byte { return c.txnDescriptor }

// InTransaction reports whether the server has issued a non-zero
// transaction descriptor that hasn't yet been cleared by COMMIT/ROLLBACK.
func (c *Conn) InTransaction() bool {
	var zero [8]byte
	return c.txnDescriptor != zero
}

// Begin sends BEGIN TRANSACTION and captures the server-issued transaction
// descriptor from the resulting ENVCHANGE(BEGIN) (spec.md §3 "Transaction
// descriptor").
func (c *Conn) Begin() error {
	if err := c.SendBatch("BEGIN TRANSACTION"); err != nil {
		return err
	}
	return c.drainControlBatch()
}

// Commit sends COMMIT TRANSACTION and clears the transaction descriptor on
// the resulting ENVCHANGE(COMMIT).
func (c *Conn) Commit() error {
	if err := c.SendBatch("COMMIT TRANSACTION"); err != nil {
		return err
	}
	return c.drainControlBatch()
}

// Rollback sends ROLLBACK TRANSACTION and clears the transaction
// descriptor on the resulting ENVCHANGE(ROLLBACK).
func (c *Conn) Rollback() error {
	if err := c.SendBatch("ROLLBACK TRANSACTION"); err != nil {
		return err
	}
	return c.drainControlBatch()
}

// drainControlBatch reads tokens for a batch whose only purpose is its
// ENVCHANGE/DONE side effects (BEGIN/COMMIT/ROLLBACK), applying ENVCHANGEs
// and returning the first ERROR encountered, if any.
func (c *Conn) drainControlBatch() error {
	for {
		msg, err := c.readMessage()
		if err != nil {
			return err
		}
		buf := wire.NewBuffer()
		buf.Feed(msg)
		parser := wire.NewParser(buf, c.maxLOBBytes)
		done := false
		for buf.Len() > 0 {
			tok, err := parser.Next()
			if err != nil {
				return errs.Wrap(errs.KindProtocol, "parse control batch response", err)
			}
			switch tok.Type {
			case wire.TokenEnvChange:
				c.applyEnvChange(tok.EnvChange)
			case wire.TokenError:
				return errs.FromServerToken(tok.Error.Severity >= 20, tok.Error.Number, tok.Error.State, tok.Error.Severity, tok.Error.Message, tok.Error.Server, tok.Error.Proc, tok.Error.Line)
			case wire.TokenDone, wire.TokenDoneProc, wire.TokenDoneInProc:
				if !tok.Done.More() {
					done = true
				}
			}
		}
		if done {
			return nil
		}
	}
}

// ReadNextMessage reads the next complete (reassembled) message from the
// server; NewParser returns a fresh token parser bound to such a payload.
// Call repeatedly for multi-packet result sets; internal/stream owns that loop.
func (c *Conn) ReadNextMessage() ([]byte, error) { return c.readMessage() }

func (c *Conn) NewParser(payload []byte) *wire.Parser {
	buf := wire.NewBuffer()
	buf.Feed(payload)
	return wire.NewParser(buf, c.maxLOBBytes)
}

type preloginResponse struct {
	encrypt bool
}

// sendPrelogin writes a minimal PRELOGIN packet (version + encryption
// option + terminator) and parses the server's response for whether TLS is
// mandatory (spec.md §4.2 "PRELOGIN").
func (c *Conn) sendPrelogin() (preloginResponse, error) {
	payload := encodePrelogin(c.secret.UseEncrypt)
	if err := c.writePacket(wire.PacketPrelogin, payload); err != nil {
		return preloginResponse{}, err
	}
	msg, err := c.readMessage()
	if err != nil {
		return preloginResponse{}, err
	}
	return decodePrelogin(msg)
}

// sendLogin7AndAwaitAck writes LOGIN7 (with FEDAUTH extension when the
// secret carries an Azure token reference) and reads tokens until LOGINACK
// or ERROR/DONE. It returns a non-nil *RoutingTarget if the server asked us
// to redirect.
func (c *Conn) sendLogin7AndAwaitAck(ctx context.Context) (*wire.RoutingTarget, error) {
	payload, err := encodeLogin7(c.secret, c.packetSize)
	if err != nil {
		return nil, err
	}
	if err := c.writePacket(wire.PacketLogin7, payload); err != nil {
		return nil, err
	}
	msg, err := c.readMessage()
	if err != nil {
		return nil, err
	}
	buf := wire.NewBuffer()
	buf.Feed(msg)
	parser := wire.NewParser(buf, c.maxLOBBytes)
	var routing *wire.RoutingTarget
	loginAcked := false
	for buf.Len() > 0 {
		tok, err := parser.Next()
		if err != nil {
			return nil, errs.Wrap(errs.KindProtocol, "parse LOGIN7 response", err)
		}
		switch tok.Type {
		case wire.TokenError:
			return nil, errs.FromServerToken(true, tok.Error.Number, tok.Error.State, tok.Error.Severity, tok.Error.Message, tok.Error.Server, tok.Error.Proc, tok.Error.Line)
		case wire.TokenLoginAck:
			loginAcked = true
			c.ServerVersion = tok.LoginAck.TDSVersion
		case wire.TokenEnvChange:
			c.applyEnvChange(tok.EnvChange)
			if tok.EnvChange.Routing != nil {
				routing = tok.EnvChange.Routing
			}
		case wire.TokenDone, wire.TokenDoneProc, wire.TokenDoneInProc:
			if tok.Done.Error() {
				return nil, errs.New(errs.KindAuth, "login failed (DONE with error bit set)")
			}
		}
	}
	if !loginAcked && routing == nil {
		return nil, errs.New(errs.KindAuth, "server never sent LOGINACK")
	}
	return routing, nil
}

func (c *Conn) applyEnvChange(ec wire.EnvChange) {
	switch ec.Type {
	case wire.EnvChangeDatabase:
		c.Database = ec.New
	case wire.EnvChangePacketSize:
		// Honored on the next connection only; mid-session packet size
		// renegotiation is not supported (spec.md §4.2 does not require it).
	case wire.EnvChangeBeginTxn:
		c.txnDescriptor = ec.Desc
	case wire.EnvChangeCommitTxn, wire.EnvChangeRollbackTxn:
		c.txnDescriptor = [8]byte{}
	}
}

// AcquireTimeout / QueryTimeout expose the settings this Conn was built
// with, so pool/stream code doesn't need to thread settings.Settings
// through separately.
func (c *Conn) AcquireTimeout() time.Duration { return c.settings.AcquireTimeout }
func (c *Conn) QueryTimeout() time.Duration   { return c.settings.QueryTimeout }
