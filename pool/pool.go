// Package pool implements the connection pool: per-endpoint groups with a
// browser's limits (6 sockets per group, 256 total), idle reuse with
// liveness probing, a priority-ordered waiter queue, and a background reaper
// for stale idle sockets.
//
// The pool governs socket acquisition, not traffic: a socket handed to a
// caller is invisible to the pool until it is released or discarded.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/veilhttp/veilhttp/connect"
	"github.com/veilhttp/veilhttp/neterror"
	"github.com/veilhttp/veilhttp/socket"
)

var (
	ErrPoolClosed = errors.New("connection pool is closed")
)

// Priority orders waiters when a group is at its socket limit.
type Priority int

const (
	PriorityThrottled Priority = iota
	PriorityIdle
	PriorityLowest
	PriorityLow
	PriorityMedium
	PriorityHighest
)

// DialFunc spawns a connect job for an endpoint.
type DialFunc func(ctx context.Context, ep connect.Endpoint) (socket.Stream, error)

// Reaper thresholds: a socket that served at least one transaction may sit
// idle for five minutes; one that never did is dropped after ten seconds.
const (
	DefaultMaxPerGroup       = 6
	DefaultMaxTotal          = 256
	DefaultReapInterval      = 60 * time.Second
	DefaultUsedIdleTimeout   = 5 * time.Minute
	DefaultUnusedIdleTimeout = 10 * time.Second
)

// Config configures a Pool.
type Config struct {
	Dial              DialFunc
	MaxPerGroup       int
	MaxTotal          int
	ReapInterval      time.Duration
	UsedIdleTimeout   time.Duration
	UnusedIdleTimeout time.Duration
}

// Pool manages socket groups keyed by endpoint.
type Pool struct {
	mu     sync.Mutex
	groups map[string]*group
	total  int // Σ(active+idle) across groups
	seq    uint64
	closed bool

	cfg  Config
	stop chan struct{}
}

type group struct {
	active  int
	idle    []idleSocket // newest first
	waiters []*waiter
}

func (g *group) slots() int { return g.active + len(g.idle) }

type idleSocket struct {
	stream socket.Stream
	since  time.Time
}

// grant is what a parked waiter receives: a live socket, or a reserved slot
// (nil stream) giving it the right to dial.
type grant struct {
	stream socket.Stream
}

type waiter struct {
	priority Priority
	seq      uint64
	ch       chan grant
}

// New creates a pool and starts its background reaper.
func New(cfg Config) *Pool {
	if cfg.MaxPerGroup <= 0 {
		cfg.MaxPerGroup = DefaultMaxPerGroup
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = DefaultMaxTotal
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.UsedIdleTimeout <= 0 {
		cfg.UsedIdleTimeout = DefaultUsedIdleTimeout
	}
	if cfg.UnusedIdleTimeout <= 0 {
		cfg.UnusedIdleTimeout = DefaultUnusedIdleTimeout
	}

	p := &Pool{
		groups: make(map[string]*group),
		cfg:    cfg,
		stop:   make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// PooledSocket is a socket checked out of the pool. Exactly one of Release
// or Discard must be called when the caller is done with it.
type PooledSocket struct {
	Stream   socket.Stream
	Endpoint connect.Endpoint

	pool   *Pool
	reused bool
	done   bool
	doneMu sync.Mutex
}

// Reused reports whether the socket came from the idle list rather than a
// fresh connect. Retry classification depends on this.
func (ps *PooledSocket) Reused() bool { return ps.reused }

// Release returns the socket to the pool for reuse.
func (ps *PooledSocket) Release() {
	if ps.finish() {
		ps.pool.release(ps.Endpoint.Key(), ps.Stream)
	}
}

// Discard removes the socket from the pool accounting and closes it.
func (ps *PooledSocket) Discard() {
	if ps.finish() {
		ps.pool.discard(ps.Endpoint.Key(), ps.Stream)
	}
}

func (ps *PooledSocket) finish() bool {
	ps.doneMu.Lock()
	defer ps.doneMu.Unlock()
	if ps.done {
		return false
	}
	ps.done = true
	return true
}

// Acquire returns a socket for the endpoint, reusing an idle one when
// possible, dialing when the group has capacity, and otherwise parking the
// caller in the group's priority queue.
func (p *Pool) Acquire(ctx context.Context, ep connect.Endpoint, priority Priority) (*PooledSocket, error) {
	key := ep.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	g := p.group(key)

	// Idle sockets first, newest first; dead ones are dropped on the spot.
	for len(g.idle) > 0 {
		is := g.idle[0]
		g.idle = g.idle[1:]
		if is.stream.Probe() == nil {
			g.active++
			p.mu.Unlock()
			return &PooledSocket{Stream: is.stream, Endpoint: ep, pool: p, reused: true}, nil
		}
		p.total--
		is.stream.Close()
	}

	// Capacity for a fresh connect?
	if g.slots() < p.cfg.MaxPerGroup && p.total < p.cfg.MaxTotal {
		g.active++
		p.total++
		p.mu.Unlock()
		return p.dialSlot(ctx, ep, key)
	}

	// Park in the waiter queue.
	w := &waiter{priority: priority, seq: p.seq, ch: make(chan grant, 1)}
	p.seq++
	g.waiters = append(g.waiters, w)
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		p.cancelWaiter(key, w)
		return nil, neterror.Wrap(neterror.KindConnectionAborted, "pool_wait", ctx.Err())
	case gr := <-w.ch:
		if gr.stream != nil {
			return &PooledSocket{Stream: gr.stream, Endpoint: ep, pool: p, reused: true}, nil
		}
		// A slot was reserved for us; dial it.
		return p.dialSlot(ctx, ep, key)
	}
}

// dialSlot runs the connect job for an already-reserved slot.
func (p *Pool) dialSlot(ctx context.Context, ep connect.Endpoint, key string) (*PooledSocket, error) {
	stream, err := p.cfg.Dial(ctx, ep)
	if err != nil {
		p.releaseSlot(key)
		return nil, err
	}
	return &PooledSocket{Stream: stream, Endpoint: ep, pool: p, reused: false}, nil
}

// release returns an active socket. If a waiter is parked and the socket is
// still usable it is handed over directly without touching the idle list;
// otherwise it joins the idle list, or is dropped if dead.
func (p *Pool) release(key string, stream socket.Stream) {
	p.mu.Lock()
	g := p.group(key)
	usable := stream.Probe() == nil

	if usable && len(g.waiters) > 0 {
		w := p.popWaiter(g)
		// Socket stays active; ownership moves to the waiter.
		p.mu.Unlock()
		w.ch <- grant{stream: stream}
		return
	}

	g.active--
	if usable && !p.closed {
		g.idle = append([]idleSocket{{stream: stream, since: time.Now()}}, g.idle...)
		p.mu.Unlock()
		return
	}

	p.total--
	w := p.reserveForWaiter(g)
	p.mu.Unlock()

	stream.Close()
	if w != nil {
		w.ch <- grant{}
	}
}

// discard removes a socket from accounting entirely. The freed slot is
// offered to the next waiter as a dial grant.
func (p *Pool) discard(key string, stream socket.Stream) {
	p.mu.Lock()
	g := p.group(key)
	g.active--
	p.total--
	w := p.reserveForWaiter(g)
	p.mu.Unlock()

	stream.Close()
	if w != nil {
		w.ch <- grant{}
	}
}

// releaseSlot gives back a reserved-but-unconnected slot after a failed
// dial, waking the next waiter so the failure does not strand the queue.
func (p *Pool) releaseSlot(key string) {
	p.mu.Lock()
	g := p.group(key)
	g.active--
	p.total--
	w := p.reserveForWaiter(g)
	p.mu.Unlock()

	if w != nil {
		w.ch <- grant{}
	}
}

// reserveForWaiter pops the best waiter and reserves a slot for it.
// Caller holds p.mu.
func (p *Pool) reserveForWaiter(g *group) *waiter {
	if len(g.waiters) == 0 || p.closed {
		return nil
	}
	if g.slots() >= p.cfg.MaxPerGroup || p.total >= p.cfg.MaxTotal {
		return nil
	}
	w := p.popWaiter(g)
	g.active++
	p.total++
	return w
}

// popWaiter removes the highest-priority, oldest waiter. Caller holds p.mu.
func (p *Pool) popWaiter(g *group) *waiter {
	best := 0
	for i, w := range g.waiters[1:] {
		idx := i + 1
		b := g.waiters[best]
		if w.priority > b.priority || (w.priority == b.priority && w.seq < b.seq) {
			best = idx
		}
	}
	w := g.waiters[best]
	g.waiters = append(g.waiters[:best], g.waiters[best+1:]...)
	return w
}

// cancelWaiter removes a parked waiter by identity. If the waiter raced with
// a grant, the grant is put back into circulation so no slot leaks.
func (p *Pool) cancelWaiter(key string, w *waiter) {
	p.mu.Lock()
	g := p.group(key)
	for i, cand := range g.waiters {
		if cand == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Already granted: hand the result back to the pool.
	select {
	case gr := <-w.ch:
		if gr.stream != nil {
			p.release(key, gr.stream)
		} else {
			p.releaseSlot(key)
		}
	default:
		// Grant in flight; the sender holds no lock, so it will land in the
		// buffered channel. Take it when it does.
		go func() {
			gr := <-w.ch
			if gr.stream != nil {
				p.release(key, gr.stream)
			} else {
				p.releaseSlot(key)
			}
		}()
	}
}

func (p *Pool) group(key string) *group {
	g, ok := p.groups[key]
	if !ok {
		g = &group{}
		p.groups[key] = g
	}
	return g
}

// reapLoop periodically drops idle sockets that outlived their threshold or
// fail a liveness probe.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Reap drops stale or dead idle sockets and removes empty groups.
func (p *Pool) Reap() {
	now := time.Now()
	var doomed []socket.Stream

	p.mu.Lock()
	for key, g := range p.groups {
		kept := g.idle[:0]
		for _, is := range g.idle {
			timeout := p.cfg.UnusedIdleTimeout
			if is.stream.WasEverUsed() {
				timeout = p.cfg.UsedIdleTimeout
			}
			if now.Sub(is.since) > timeout || is.stream.Probe() != nil {
				doomed = append(doomed, is.stream)
				p.total--
				continue
			}
			kept = append(kept, is)
		}
		g.idle = kept

		if g.active == 0 && len(g.idle) == 0 && len(g.waiters) == 0 {
			delete(p.groups, key)
		}
	}
	p.mu.Unlock()

	for _, s := range doomed {
		s.Close()
	}
}

// TotalCount returns Σ(active+idle) across all groups.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// GroupCounts returns the active, idle and waiter counts for an endpoint.
func (p *Pool) GroupCounts(ep connect.Endpoint) (active, idle, waiters int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[ep.Key()]
	if !ok {
		return 0, 0, 0
	}
	return g.active, len(g.idle), len(g.waiters)
}

// Close shuts down the pool, closing idle sockets and failing waiters.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)

	var doomed []socket.Stream
	for _, g := range p.groups {
		for _, is := range g.idle {
			doomed = append(doomed, is.stream)
			p.total--
		}
		g.idle = nil
	}
	p.mu.Unlock()

	for _, s := range doomed {
		s.Close()
	}
}
