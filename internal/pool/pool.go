// Package pool implements the per-attachment connection pool (spec.md
// §4.3): acquire/release, idle reaping, transaction pinning, and
// statistics. Grounded on the teacher's internal/pool.TenantPool — same
// sync.Cond-based acquire loop, the same idle/active bookkeeping, reaper
// goroutine shape — generalized from a tenant-keyed multi-backend pool to
// a single-attachment TDS connection pool with a pinned set on top.
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dbbouncer/mssqlcore/internal/errs"
	"github.com/dbbouncer/mssqlcore/internal/metrics"
	"github.com/dbbouncer/mssqlcore/internal/secret"
	"github.com/dbbouncer/mssqlcore/internal/settings"
	"github.com/dbbouncer/mssqlcore/internal/tds"
)

// Stats is the snapshot spec.md §4.3 requires: "snapshot must be consistent
// under lock."
type Stats struct {
	Total                int
	Idle                 int
	Active               int
	Pinned               int
	Created              int64
	Closed               int64
	AcquireCount         int64
	AcquireTimeoutCount  int64
	AcquireWaitTotalMS   int64
}

// idleConn pairs an idle connection with the time it was returned to the
// pool, so the reaper can gate eviction on actual idle duration rather than
// pure count (spec.md §4.3 "connections idle longer than idle_timeout are
// closed").
type idleConn struct {
	conn      *tds.Conn
	releasedAt time.Time
}

// Pool owns every Conn for one attachment.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	secret   secret.Secret
	settings settings.Settings

	idle   []idleConn
	active map[*tds.Conn]struct{}
	pinned map[*tds.Conn]struct{}
	total  int

	created, closed                     int64
	acquireCount, acquireTimeoutCount   int64
	acquireWaitTotalMS                  int64

	closedPool bool
	stopCh     chan struct{}

	// metrics/attachment are optional: a pool never given SetMetrics (every
	// test pool, and any pool created before a Collector exists) records
	// nothing.
	metrics    *metrics.Collector
	attachment string

	// dialLimiter paces every dial (successful or not) once a burst of
	// dials has used up its tokens, so a backend that just came back up
	// isn't hammered by every waiter retrying at once (new relative to the
	// teacher, whose pools never back off reconnects; see DESIGN.md).
	dialLimiter *rate.Limiter
}

// New creates a pool for one attachment. The idle reaper starts
// immediately; MinConnections are warmed in the background.
func New(s secret.Secret, cfg settings.Settings) *Pool {
	p := &Pool{
		secret:      s,
		settings:    cfg,
		active:      make(map[*tds.Conn]struct{}),
		pinned:      make(map[*tds.Conn]struct{}),
		stopCh:      make(chan struct{}),
		dialLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	if cfg.MinConnections > 0 {
		go p.warmUp()
	}
	return p
}

func (p *Pool) warmUp() {
	for i := 0; i < p.settings.MinConnections; i++ {
		p.mu.Lock()
		if p.closedPool || p.total >= p.settings.MinConnections {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		conn, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
		if p.closedPool {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.idle = append(p.idle, idleConn{conn: conn, releasedAt: time.Now()})
		p.mu.Unlock()
	}
}

// SetMetrics attaches a metrics collector under attachment's label. Optional
// — a pool that never calls this (every test pool, and pool.New before a
// Collector exists) simply records nothing.
func (p *Pool) SetMetrics(m *metrics.Collector, attachment string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
	p.attachment = attachment
}

// Metrics and AttachmentName let pool-adjacent packages (internal/query,
// internal/catalog) record their own metrics against the same collector and
// label without each one threading a *metrics.Collector through separately.
func (p *Pool) Metrics() *metrics.Collector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

func (p *Pool) AttachmentName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attachment
}

// recordStatsLocked pushes the current pool gauges to the metrics collector.
// Caller must hold p.mu.
func (p *Pool) recordStatsLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.UpdatePoolStats(p.attachment, len(p.active), len(p.idle), p.total, len(p.pinned))
}

func (p *Pool) dial(ctx context.Context) (*tds.Conn, error) {
	if err := p.dialLimiter.Wait(ctx); err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "reconnect pacing", err)
	}
	conn, err := tds.Dial(ctx, p.secret, p.settings)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return conn, nil
}

// Acquire returns an Idle connection or fails with KindPoolExhausted after
// settings.AcquireTimeout (spec.md §4.3's acquire contract).
func (p *Pool) Acquire(ctx context.Context) (*tds.Conn, error) {
	deadline := time.Now().Add(p.settings.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	waitStart := time.Now()

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, errs.Wrap(errs.KindNetwork, "acquire", ctx.Err())
		default:
		}

		if p.closedPool {
			p.mu.Unlock()
			return nil, errs.New(errs.KindConfig, "pool closed")
		}

		for len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1].conn
			p.idle = p.idle[:len(p.idle)-1]
			if conn.State() != tds.StateIdle {
				// A connection that died without being returned properly;
				// drop it rather than hand it to a caller.
				conn.Close()
				p.total--
				p.closed++
				continue
			}
			p.active[conn] = struct{}{}
			p.acquireCount++
			p.acquireWaitTotalMS += time.Since(waitStart).Milliseconds()
			if p.metrics != nil {
				p.metrics.AcquireDuration(p.attachment, time.Since(waitStart))
			}
			p.recordStatsLocked()
			p.mu.Unlock()
			return conn, nil
		}

		if p.total < p.settings.ConnectionLimit {
			p.total++
			p.mu.Unlock()

			conn, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Lock()
			p.active[conn] = struct{}{}
			p.acquireCount++
			p.acquireWaitTotalMS += time.Since(waitStart).Milliseconds()
			if p.metrics != nil {
				p.metrics.AcquireDuration(p.attachment, time.Since(waitStart))
			}
			p.recordStatsLocked()
			p.mu.Unlock()
			return conn, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.acquireTimeoutCount++
			if p.metrics != nil {
				p.metrics.AcquireTimeout(p.attachment)
				p.metrics.PoolExhausted(p.attachment)
			}
			p.mu.Unlock()
			return nil, errs.New(errs.KindPoolExhausted, "acquire timed out: pool exhausted")
		}
		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()

		if p.closedPool {
			p.mu.Unlock()
			return nil, errs.New(errs.KindConfig, "pool closing")
		}
		if time.Now().After(deadline) {
			p.acquireTimeoutCount++
			if p.metrics != nil {
				p.metrics.AcquireTimeout(p.attachment)
				p.metrics.PoolExhausted(p.attachment)
			}
			p.mu.Unlock()
			return nil, errs.New(errs.KindPoolExhausted, "acquire timed out: pool exhausted")
		}
	}
}

// Release returns conn to the pool (spec.md §4.3's release contract).
// Pinned connections are a no-op here; Unpin handles the real return.
func (p *Pool) Release(conn *tds.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, pinned := p.pinned[conn]; pinned {
		return
	}
	p.releaseLocked(conn)
}

func (p *Pool) releaseLocked(conn *tds.Conn) {
	delete(p.active, conn)
	switch conn.State() {
	case tds.StateIdle:
		p.idle = append(p.idle, idleConn{conn: conn, releasedAt: time.Now()})
	default:
		conn.Close()
		p.total--
		p.closed++
	}
	p.recordStatsLocked()
	p.cond.Signal()
}

// Pin marks conn as held by a transaction; Release becomes a no-op until
// Unpin (spec.md §4.3 "Pinning").
func (p *Pool) Pin(conn *tds.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned[conn] = struct{}{}
}

// Unpin releases a transaction's hold and returns the connection to the
// pool as Release would have, had it not been pinned.
func (p *Pool) Unpin(conn *tds.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pinned, conn)
	p.releaseLocked(conn)
}

// Stats returns a consistent snapshot under lock.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:               p.total,
		Idle:                len(p.idle),
		Active:              len(p.active),
		Pinned:              len(p.pinned),
		Created:             p.created,
		Closed:              p.closed,
		AcquireCount:        p.acquireCount,
		AcquireTimeoutCount: p.acquireTimeoutCount,
		AcquireWaitTotalMS:  p.acquireWaitTotalMS,
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle closes idle connections that have sat longer than IdleTimeout,
// preserving MinConnections (spec.md §4.3 "Idle reaper": "connections idle
// longer than idle_timeout are closed"). p.idle is in release order (oldest
// at the front, since Acquire pops from the back and Release/warmUp append),
// so the scan can stop at the first connection still within the timeout.
func (p *Pool) reapIdle() {
	if p.settings.IdleTimeout <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	cut := 0
	for cut < len(p.idle) && len(p.idle)-cut > p.settings.MinConnections {
		if now.Sub(p.idle[cut].releasedAt) < p.settings.IdleTimeout {
			break
		}
		p.idle[cut].conn.Close()
		p.total--
		p.closed++
		cut++
	}
	p.idle = p.idle[cut:]
}

// Close shuts down the pool: idle and active connections alike are closed
// immediately.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closedPool {
		p.mu.Unlock()
		return
	}
	p.closedPool = true
	close(p.stopCh)
	for _, ic := range p.idle {
		ic.conn.Close()
		p.total--
		p.closed++
	}
	p.idle = nil
	for conn := range p.active {
		conn.Close()
		p.total--
		p.closed++
	}
	p.active = make(map[*tds.Conn]struct{})
	p.cond.Broadcast()
	p.mu.Unlock()
}
