// Package stream implements the incremental, back-pressured result stream
// (spec.md §4.4): a token-stream-to-chunk converter with cancel/drain and
// multi-result-set detection. Grounded on go-mssqldb's token.go
// tokenProcessor/iterateResponse pull loop for the "pull tokens until
// enough rows or DONE" shape, and on spec.md §4.2's ATTENTION contract for
// the drain state machine (the teacher's proxy.relay loop has no cancel of
// its own to imitate here — see DESIGN.md).
package stream

import (
	"time"

	"github.com/dbbouncer/mssqlcore/internal/errs"
	"github.com/dbbouncer/mssqlcore/internal/tds"
	"github.com/dbbouncer/mssqlcore/internal/wire"
)

// State is the result-stream lifecycle (spec.md §3 "ResultStreamState").
type State int

const (
	StateInitializing State = iota
	StateStreaming
	StateDraining
	StateComplete
	StateError
)

// Chunk is a fixed-size column-oriented batch of decoded cells: Cols[c][r]
// is column c's value for row r within this chunk. NumRows is the count of
// valid rows (Cols may be pre-sized larger and only partially filled).
type Chunk struct {
	Columns []wire.ColumnMeta
	Cols    [][]any
	NumRows int
}

// NewChunk allocates a chunk sized for chunkSize rows over columns.
func NewChunk(columns []wire.ColumnMeta, chunkSize int) *Chunk {
	cols := make([][]any, len(columns))
	for i := range cols {
		cols[i] = make([]any, chunkSize)
	}
	return &Chunk{Columns: columns, Cols: cols}
}

func (c *Chunk) reset() { c.NumRows = 0 }

func (c *Chunk) append(row []any) {
	for i, v := range row {
		c.Cols[i][c.NumRows] = v
	}
	c.NumRows++
}

func (c *Chunk) full(capacity int) bool { return c.NumRows >= capacity }

// Stream converts one SQL batch's token stream into successive Chunks. It
// owns conn for its entire lifetime: the caller must call Close (or drain
// to Complete) to release the connection back to whatever pool it came
// from.
type Stream struct {
	conn      *tds.Conn
	buf       *wire.Buffer
	parser    *wire.Parser
	columns   []wire.ColumnMeta
	state     State
	chunkSize int

	cancelled    bool
	cancelBudget time.Duration

	// warnings is a bounded ring buffer (last 50) of INFO-token messages,
	// the "bounded memory" supplement from SPEC_FULL.md's INFO section.
	warnings []string

	// bufferedErr holds a non-fatal ServerError (severity below 20) seen mid-
	// stream; spec.md §4.4 step 6 says these surface at end-of-stream, not
	// immediately.
	bufferedErr error

	skipMode bool // true while draining: ROW bodies are consumed, not decoded
}

const maxWarnings = 50

// Open moves conn (which must be Idle) to Executing via BeginExecute, sends
// sql as a SQL_BATCH and reads tokens until COLMETADATA, or until a
// DONE/ERROR makes it clear there is no result set.
func Open(conn *tds.Conn, sql string, chunkSize, cancelBudgetMS int) (*Stream, error) {
	if err := conn.BeginExecute(); err != nil {
		return nil, err
	}
	if err := conn.SendBatch(sql); err != nil {
		return nil, err
	}
	s := &Stream{
		conn:         conn,
		buf:          wire.NewBuffer(),
		chunkSize:    chunkSize,
		cancelBudget: time.Duration(cancelBudgetMS) * time.Millisecond,
		state:        StateInitializing,
	}
	s.parser = wire.NewParser(s.buf, 0)
	if err := s.awaitColMetadataOrDone(); err != nil {
		s.state = StateError
		return nil, err
	}
	return s, nil
}

func (s *Stream) awaitColMetadataOrDone() error {
	for {
		tok, err := s.next()
		if err != nil {
			return err
		}
		switch tok.Type {
		case wire.TokenColMetadata:
			s.columns = tok.ColMetadata
			s.state = StateStreaming
			return nil
		case wire.TokenDone, wire.TokenDoneProc, wire.TokenDoneInProc:
			if tok.Done.Error() {
				return s.drainToFatalAfterError()
			}
			if !tok.Done.More() {
				// No result set at all — a non-query statement like an
				// UPDATE. Zero columns, already Complete.
				s.state = StateComplete
				return s.conn.EndExecute()
			}
		case wire.TokenError:
			sev := tok.Error.Severity
			e := errs.FromServerToken(sev >= 20, tok.Error.Number, tok.Error.State, sev, tok.Error.Message, tok.Error.Server, tok.Error.Proc, tok.Error.Line)
			if sev >= 20 {
				s.markBroken()
				return e
			}
			s.bufferedErr = e
		case wire.TokenInfo:
			s.addWarning(tok.Info.Message)
		case wire.TokenEnvChange, wire.TokenReturnStatus, wire.TokenOrder, wire.TokenFeatureExtAck, wire.TokenLoginAck:
			// no-op for stream purposes
		}
	}
}

func (s *Stream) drainToFatalAfterError() error {
	s.markBroken()
	return errs.New(errs.KindProtocol, "batch errored with no further tokens")
}

// Columns returns the result set's schema (empty if the batch produced no
// result set).
func (s *Stream) Columns() []wire.ColumnMeta { return s.columns }

// State returns the stream's current lifecycle state.
func (s *Stream) State() State { return s.state }

// Warnings returns buffered INFO-token messages (last 50).
func (s *Stream) Warnings() []string { return s.warnings }

func (s *Stream) addWarning(msg string) {
	s.warnings = append(s.warnings, msg)
	if len(s.warnings) > maxWarnings {
		s.warnings = s.warnings[len(s.warnings)-maxWarnings:]
	}
}

// next pulls one token, reading more packets from conn as needed.
func (s *Stream) next() (wire.Token, error) {
	for {
		tok, err := s.parser.Next()
		if err == nil {
			return tok, nil
		}
		if err != wire.ErrNeedMoreData {
			s.markBroken()
			return wire.Token{}, errs.Wrap(errs.KindProtocol, "parse token stream", err)
		}
		msg, rerr := s.conn.ReadNextMessage()
		if rerr != nil {
			s.markBroken()
			return wire.Token{}, rerr
		}
		s.buf.Feed(msg)
	}
}

// FillChunk writes up to chunkSize rows into out starting at row 0,
// returning the row count and an error; State() reports whether the stream
// is now Complete (spec.md §4.4 "Steady state").
func (s *Stream) FillChunk(out *Chunk) (int, error) {
	if s.state == StateComplete {
		return 0, nil
	}
	if s.cancelled {
		if err := s.drain(); err != nil {
			return 0, err
		}
		return 0, nil
	}
	out.reset()
	for !out.full(s.chunkSize) {
		tok, err := s.next()
		if err != nil {
			return out.NumRows, err
		}
		switch tok.Type {
		case wire.TokenRow, wire.TokenNbcRow:
			out.append(tok.Row)
		case wire.TokenDone, wire.TokenDoneProc, wire.TokenDoneInProc:
			if !tok.Done.More() {
				s.state = StateComplete
				if err := s.conn.EndExecute(); err != nil {
					return out.NumRows, err
				}
				return out.NumRows, s.finalError()
			}
		case wire.TokenColMetadata:
			// Second result set: explicitly unsupported (spec.md §4.4 step
			// 5). Drain without ATTENTION — the server is already sending —
			// and leave the connection Idle once drained.
			if err := s.drainSecondResultSet(); err != nil {
				return out.NumRows, err
			}
			return out.NumRows, errs.New(errs.KindUnsupported, "multiple result sets in one batch are not supported")
		case wire.TokenError:
			sev := tok.Error.Severity
			e := errs.FromServerToken(sev >= 20, tok.Error.Number, tok.Error.State, sev, tok.Error.Message, tok.Error.Server, tok.Error.Proc, tok.Error.Line)
			if sev >= 20 {
				s.markBroken()
				return out.NumRows, e
			}
			s.bufferedErr = e
		case wire.TokenInfo:
			s.addWarning(tok.Info.Message)
		}
	}
	return out.NumRows, nil
}

func (s *Stream) finalError() error {
	if s.bufferedErr != nil {
		return s.bufferedErr
	}
	return nil
}

// drainSecondResultSet consumes tokens (skip-mode, no ATTENTION since the
// server already decided to keep sending) until the overall DONE with no
// MORE bit, then returns the connection to Idle.
func (s *Stream) drainSecondResultSet() error {
	s.skipMode = true
	s.parser.SetSkipMode(true)
	for {
		tok, err := s.next()
		if err != nil {
			s.markBroken()
			return err
		}
		if (tok.Type == wire.TokenDone || tok.Type == wire.TokenDoneProc || tok.Type == wire.TokenDoneInProc) && !tok.Done.More() {
			s.state = StateComplete
			return s.conn.EndExecute()
		}
	}
}

// Cancel requests early termination (user cancel, or LIMIT already
// satisfied): sends ATTENTION and enters drain mode (spec.md §4.4
// "Cancellation").
func (s *Stream) Cancel() error {
	if s.state == StateComplete {
		return nil
	}
	s.cancelled = true
	if err := s.conn.Cancel(); err != nil {
		s.markBroken()
		return err
	}
	return s.drain()
}

// drain consumes tokens in skip-mode until a DONE with DONE_ATTN, honoring
// the cancel budget; on timeout the connection is marked Broken (spec.md
// §4.2 "Attention").
func (s *Stream) drain() error {
	s.skipMode = true
	s.parser.SetSkipMode(true)
	deadline := time.Now().Add(s.cancelBudget)
	for {
		if s.cancelBudget > 0 && time.Now().After(deadline) {
			s.markBroken()
			return errs.New(errs.KindNetwork, "cancel drain exceeded budget")
		}
		tok, err := s.next()
		if err != nil {
			s.markBroken()
			return err
		}
		if (tok.Type == wire.TokenDone || tok.Type == wire.TokenDoneProc || tok.Type == wire.TokenDoneInProc) && tok.Done.Attn() {
			s.state = StateComplete
			return s.conn.EndExecute()
		}
	}
}

func (s *Stream) markBroken() {
	s.state = StateError
	s.conn.Close()
}

// Close finalizes the stream: if it never reached Complete, it cancels and
// drains so the connection is reusable, matching spec.md §3's
// "ResultStreamState" drop-without-completion contract.
func (s *Stream) Close() error {
	if s.state == StateComplete || s.state == StateError {
		return nil
	}
	return s.Cancel()
}
