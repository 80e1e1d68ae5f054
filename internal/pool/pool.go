// Package pool implements a bounded database connection pool with FIFO
// waiter fairness, explicit eviction, and staleness pings.
//
// The pool is the only shared mutable resource in the server: every state
// transition (acquire, release, evict, replace) happens under one mutex so
// the live-connection count and the idle set are always observed atomically.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Conn is the minimal surface the pool needs from a database connection.
// The production implementation wraps *pgx.Conn; tests use fakes.
type Conn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// DialFunc opens a new database connection.
type DialFunc[C Conn] func(ctx context.Context) (C, error)

// Config holds pool settings. MaxConns must be > 0 and MinConns must not
// exceed it; New panics otherwise (programmer error, validated upstream).
type Config[C Conn] struct {
	MinConns int
	MaxConns int

	// AcquireTimeout bounds how long Acquire blocks waiting for a free
	// slot. 0 means the caller's context is the only bound.
	AcquireTimeout time.Duration

	// PingAfterIdle is the staleness threshold: an idle connection older
	// than this is pinged before being handed out. 0 disables the ping.
	PingAfterIdle time.Duration

	Dial   DialFunc[C]
	Logger zerolog.Logger
}

var (
	// ErrExhausted is returned when Acquire times out with all connection
	// slots busy.
	ErrExhausted = errors.New("pool: timed out waiting for a connection")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: pool is closed")
)

type connState int

const (
	stateIdle connState = iota
	stateAcquired
	stateBroken
)

// Resource is a pooled connection exclusively owned by the caller between
// Acquire and Release/Evict. It is never shared concurrently.
type Resource[C Conn] struct {
	value     C
	pool      *Pool[C]
	state     connState
	idleSince time.Time
}

// Value returns the underlying connection.
func (r *Resource[C]) Value() C {
	return r.value
}

// grant is what a blocked waiter receives. Exactly one of the cases holds:
// res carries an already-acquired connection, reserved means the waiter
// holds a live-count reservation and must dial a fresh connection, and the
// zero grant means the pool closed.
type grant[C Conn] struct {
	res      *Resource[C]
	reserved bool
}

// Pool is a bounded set of reusable connections.
type Pool[C Conn] struct {
	cfg    Config[C]
	logger zerolog.Logger

	mu      sync.Mutex
	idle    []*Resource[C]
	live    int // idle + acquired + in-flight dial reservations
	waiters *list.List // of chan grant[C], FIFO
	closed  bool
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Live     int
	Idle     int
	Acquired int
	Waiting  int
}

// New creates a Pool. No connections are opened until Start.
func New[C Conn](cfg Config[C]) *Pool[C] {
	if cfg.MaxConns <= 0 {
		panic("pool: MaxConns must be > 0")
	}
	if cfg.MinConns < 0 || cfg.MinConns > cfg.MaxConns {
		panic("pool: MinConns must be in [0, MaxConns]")
	}
	if cfg.Dial == nil {
		panic("pool: Dial must be set")
	}
	return &Pool[C]{
		cfg:     cfg,
		logger:  cfg.Logger,
		waiters: list.New(),
	}
}

// Start eagerly opens MinConns connections. A failure closes whatever was
// opened and is fatal to the caller: the server does not start against an
// unreachable database.
func (p *Pool[C]) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.MinConns; i++ {
		c, err := p.cfg.Dial(ctx)
		if err != nil {
			p.Close(ctx)
			return fmt.Errorf("pool: opening initial connection %d of %d: %w", i+1, p.cfg.MinConns, err)
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			closeQuietly(c)
			return ErrClosed
		}
		p.live++
		p.idle = append(p.idle, &Resource[C]{value: c, pool: p, state: stateIdle, idleSince: time.Now()})
		p.mu.Unlock()
	}
	p.logger.Info().Int("min_conns", p.cfg.MinConns).Int("max_conns", p.cfg.MaxConns).Msg("pool started")
	return nil
}

// Acquire returns an idle connection, or opens a new one while the live
// count is below MaxConns, or blocks in FIFO order until a Release or Evict
// creates availability. A timeout surfaces as ErrExhausted.
//
// An idle connection past the staleness threshold is pinged first; on ping
// failure it is evicted and the acquire silently retries once with a fresh
// connection.
func (p *Pool[C]) Acquire(ctx context.Context) (*Resource[C], error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	retriedPing := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if n := len(p.idle); n > 0 {
			res := p.idle[n-1]
			p.idle = p.idle[:n-1]
			res.state = stateAcquired
			stale := p.cfg.PingAfterIdle > 0 && time.Since(res.idleSince) > p.cfg.PingAfterIdle
			p.mu.Unlock()

			if stale {
				if err := res.value.Ping(ctx); err != nil {
					p.logger.Warn().Err(err).Msg("idle connection failed staleness ping, evicting")
					res.Evict()
					if retriedPing {
						return nil, fmt.Errorf("pool: connection failed ping after replacement: %w", err)
					}
					retriedPing = true
					// Retry with a fresh dial: the remaining idle
					// connections aged alongside this one and likely broke
					// for the same reason.
					p.mu.Lock()
					if !p.closed && p.live < p.cfg.MaxConns {
						p.live++
						p.mu.Unlock()
						return p.dialReserved(ctx)
					}
					p.mu.Unlock()
					continue
				}
			}
			return res, nil
		}

		if p.live < p.cfg.MaxConns {
			p.live++ // reservation, released in dialReserved on failure
			p.mu.Unlock()
			return p.dialReserved(ctx)
		}

		// All slots busy: join the FIFO wait queue.
		ready := make(chan grant[C], 1)
		elem := p.waiters.PushBack(ready)
		waiting := p.waiters.Len()
		p.mu.Unlock()
		p.logger.Debug().Int("waiting", waiting).Msg("pool exhausted, queued for a connection")

		select {
		case g := <-ready:
			if g.reserved {
				return p.dialReserved(ctx)
			}
			if g.res != nil {
				return g.res, nil
			}
			return nil, ErrClosed

		case <-ctx.Done():
			p.mu.Lock()
			select {
			case g := <-ready:
				// A grant raced with cancellation; hand it back.
				if g.reserved {
					p.live--
					p.wakeLocked()
					p.mu.Unlock()
				} else if g.res != nil {
					p.mu.Unlock()
					g.res.Release()
				} else {
					p.mu.Unlock()
				}
			default:
				p.waiters.Remove(elem)
				p.mu.Unlock()
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrExhausted
			}
			return nil, ctx.Err()
		}
	}
}

// dialReserved opens a connection against a live-count reservation already
// held by the caller.
func (p *Pool[C]) dialReserved(ctx context.Context) (*Resource[C], error) {
	c, err := p.cfg.Dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.wakeLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: opening connection: %w", err)
	}
	return &Resource[C]{value: c, pool: p, state: stateAcquired}, nil
}

// wakeLocked grants capacity to the oldest waiter. Caller holds p.mu.
func (p *Pool[C]) wakeLocked() {
	if p.closed || p.live >= p.cfg.MaxConns {
		return
	}
	e := p.waiters.Front()
	if e == nil {
		return
	}
	p.waiters.Remove(e)
	p.live++
	e.Value.(chan grant[C]) <- grant[C]{reserved: true}
}

// Release returns the connection to the idle set, or hands it directly to
// the oldest waiter. Panics if the resource is not currently acquired: a
// double release is a programming error, not a runtime condition.
func (r *Resource[C]) Release() {
	p := r.pool
	p.mu.Lock()
	if r.state != stateAcquired {
		p.mu.Unlock()
		panic("pool: Release of a connection that is not acquired")
	}
	if p.closed {
		r.state = stateBroken
		p.live--
		p.mu.Unlock()
		closeQuietly(r.value)
		return
	}
	if e := p.waiters.Front(); e != nil {
		p.waiters.Remove(e)
		// Ownership transfers to the waiter; the connection stays acquired.
		e.Value.(chan grant[C]) <- grant[C]{res: r}
		p.mu.Unlock()
		return
	}
	r.state = stateIdle
	r.idleSince = time.Now()
	p.idle = append(p.idle, r)
	p.mu.Unlock()
}

// Evict closes the connection and drops it from the pool without a
// replacement; the next Acquire that needs one opens it lazily. Used when a
// connection errored mid-statement and its state cannot be trusted.
func (r *Resource[C]) Evict() {
	p := r.pool
	p.mu.Lock()
	if r.state != stateAcquired {
		p.mu.Unlock()
		panic("pool: Evict of a connection that is not acquired")
	}
	r.state = stateBroken
	p.live--
	p.wakeLocked()
	p.mu.Unlock()
	closeQuietly(r.value)
}

// Close tears the pool down: idle connections are closed now, acquired ones
// on their Release, and every blocked waiter fails with ErrClosed.
func (p *Pool[C]) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(chan grant[C]) <- grant[C]{}
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, r := range idle {
		r.state = stateBroken
		r.value.Close(ctx)
	}
	p.logger.Info().Int("closed_idle", len(idle)).Msg("pool closed")
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Live:     p.live,
		Idle:     len(p.idle),
		Acquired: p.live - len(p.idle),
		Waiting:  p.waiters.Len(),
	}
}

func closeQuietly[C Conn](c C) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Close(ctx)
}
