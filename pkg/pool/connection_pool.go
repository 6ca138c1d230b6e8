// Package pool keeps reusable client connections to cluster peers.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPoolClosed    = errors.New("connection pool is closed")
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// Connection represents a pooled connection
type Connection interface {
	Close() error
	IsValid() bool
}

// Dialer opens a new connection to addr.
type Dialer func(ctx context.Context, addr string) (Connection, error)

// PoolConfig configures the pool of a single address.
type PoolConfig struct {
	MaxSize           int           // Maximum connections per address
	MaxIdleTime       time.Duration // Max time a connection can be idle
	MaxLifetime       time.Duration // Max lifetime of a connection
	AcquireTimeout    time.Duration // Timeout for acquiring a connection
	HealthCheckPeriod time.Duration // Period between idle sweeps
}

// DefaultPoolConfig suits multiplexed connections such as gRPC, where a
// couple of connections per peer is plenty.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:           2,
		MaxIdleTime:       5 * time.Minute,
		MaxLifetime:       30 * time.Minute,
		AcquireTimeout:    5 * time.Second,
		HealthCheckPeriod: 30 * time.Second,
	}
}

type pooledConn struct {
	conn      Connection
	createdAt time.Time
	lastUsed  time.Time
}

// Pool manages the connections to one address.
type Pool struct {
	addr   string
	config PoolConfig
	dial   Dialer

	mu      sync.Mutex
	idle    []*pooledConn
	busy    map[Connection]*pooledConn
	waiting []chan *pooledConn
	closed  bool
}

func newPool(addr string, config PoolConfig, dial Dialer) *Pool {
	if config.MaxSize <= 0 {
		config.MaxSize = 1
	}
	return &Pool{
		addr:   addr,
		config: config,
		dial:   dial,
		busy:   make(map[Connection]*pooledConn),
	}
}

func (p *Pool) size() int {
	return len(p.idle) + len(p.busy)
}

// Acquire returns an idle connection, dials a new one below MaxSize, or
// waits for a Release.
func (p *Pool) Acquire(ctx context.Context) (Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// LIFO keeps the warmest connection in use
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.isValidConnection(pc) {
			pc.lastUsed = time.Now()
			p.busy[pc.conn] = pc
			p.mu.Unlock()
			return pc.conn, nil
		}
		pc.conn.Close()
	}

	if p.size() < p.config.MaxSize {
		// reserve the slot while dialing
		placeholder := &pooledConn{}
		slot := reservedSlot{placeholder}
		p.busy[slot] = placeholder
		p.mu.Unlock()

		conn, err := p.dial(ctx, p.addr)

		p.mu.Lock()
		delete(p.busy, slot)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return nil, ErrPoolClosed
		}
		now := time.Now()
		p.busy[conn] = &pooledConn{conn: conn, createdAt: now, lastUsed: now}
		p.mu.Unlock()
		return conn, nil
	}

	waitCh := make(chan *pooledConn, 1)
	p.waiting = append(p.waiting, waitCh)
	p.mu.Unlock()

	var timeoutCh <-chan time.Time
	if p.config.AcquireTimeout > 0 {
		timer := time.NewTimer(p.config.AcquireTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case pc, ok := <-waitCh:
		if !ok {
			return nil, ErrPoolClosed
		}
		return pc.conn, nil
	case <-timeoutCh:
		if conn, ok := p.abandonWait(waitCh); ok {
			return conn, nil
		}
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		if conn, ok := p.abandonWait(waitCh); ok {
			p.Release(conn)
		}
		return nil, ctx.Err()
	}
}

// abandonWait removes waitCh from the queue. A connection handed over
// concurrently is returned to the caller.
func (p *Pool) abandonWait(waitCh chan *pooledConn) (Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ch := range p.waiting {
		if ch == waitCh {
			p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
			return nil, false
		}
	}
	select {
	case pc, ok := <-waitCh:
		if ok {
			return pc.conn, true
		}
	default:
	}
	return nil, false
}

// Release hands conn back to the pool.
func (p *Pool) Release(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.busy[conn]
	if !ok {
		conn.Close()
		return
	}
	if p.closed || !conn.IsValid() {
		delete(p.busy, conn)
		conn.Close()
		return
	}

	pc.lastUsed = time.Now()
	if len(p.waiting) > 0 {
		waitCh := p.waiting[0]
		p.waiting = p.waiting[1:]
		waitCh <- pc
		return
	}
	delete(p.busy, conn)
	p.idle = append(p.idle, pc)
}

// Discard closes conn instead of reusing it, freeing its slot.
func (p *Pool) Discard(conn Connection) {
	p.mu.Lock()
	delete(p.busy, conn)
	p.mu.Unlock()
	conn.Close()
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	for _, pc := range p.idle {
		pc.conn.Close()
	}
	p.idle = nil
	for _, ch := range p.waiting {
		close(ch)
	}
	p.waiting = nil
	return nil
}

// Stats returns pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:    p.size(),
		Idle:    len(p.idle),
		Waiting: len(p.waiting),
		MaxSize: p.config.MaxSize,
		Closed:  p.closed,
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	Size    int  `json:"size"`
	Idle    int  `json:"idle"`
	Waiting int  `json:"waiting"`
	MaxSize int  `json:"max_size"`
	Closed  bool `json:"closed"`
}

func (p *Pool) isValidConnection(pc *pooledConn) bool {
	if p.config.MaxLifetime > 0 && time.Since(pc.createdAt) > p.config.MaxLifetime {
		return false
	}
	if p.config.MaxIdleTime > 0 && time.Since(pc.lastUsed) > p.config.MaxIdleTime {
		return false
	}
	return pc.conn.IsValid()
}

// sweep closes idle connections that expired or went bad.
func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	valid := p.idle[:0]
	for _, pc := range p.idle {
		if p.isValidConnection(pc) {
			valid = append(valid, pc)
		} else {
			pc.conn.Close()
		}
	}
	p.idle = valid
}

// reservedSlot occupies a busy entry while a dial is in flight.
type reservedSlot struct{ *pooledConn }

func (reservedSlot) Close() error  { return nil }
func (reservedSlot) IsValid() bool { return false }

// Group keeps one Pool per peer address.
type Group struct {
	config PoolConfig
	dial   Dialer

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewGroup(config PoolConfig, dial Dialer) *Group {
	g := &Group{
		config: config,
		dial:   dial,
		pools:  make(map[string]*Pool),
		stopCh: make(chan struct{}),
	}
	if config.HealthCheckPeriod > 0 {
		g.wg.Add(1)
		go g.healthChecker()
	}
	return g
}

// Pool returns the pool for addr, creating it on first use.
func (g *Group) Pool(addr string) (*Pool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrPoolClosed
	}
	p, ok := g.pools[addr]
	if !ok {
		p = newPool(addr, g.config, g.dial)
		g.pools[addr] = p
	}
	return p, nil
}

func (g *Group) Acquire(ctx context.Context, addr string) (Connection, error) {
	p, err := g.Pool(addr)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

func (g *Group) Release(addr string, conn Connection) {
	if p, err := g.Pool(addr); err == nil {
		p.Release(conn)
		return
	}
	conn.Close()
}

func (g *Group) Discard(addr string, conn Connection) {
	if p, err := g.Pool(addr); err == nil {
		p.Discard(conn)
		return
	}
	conn.Close()
}

// Remove closes and forgets the pool of addr.
func (g *Group) Remove(addr string) {
	g.mu.Lock()
	p, ok := g.pools[addr]
	delete(g.pools, addr)
	g.mu.Unlock()
	if ok {
		p.Close()
	}
}

func (g *Group) Stats() map[string]PoolStats {
	g.mu.Lock()
	pools := make(map[string]*Pool, len(g.pools))
	for addr, p := range g.pools {
		pools[addr] = p
	}
	g.mu.Unlock()

	stats := make(map[string]PoolStats, len(pools))
	for addr, p := range pools {
		stats[addr] = p.Stats()
	}
	return stats
}

func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	pools := g.pools
	g.pools = nil
	g.mu.Unlock()

	close(g.stopCh)
	for _, p := range pools {
		p.Close()
	}
	g.wg.Wait()
	return nil
}

func (g *Group) healthChecker() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			pools := make([]*Pool, 0, len(g.pools))
			for _, p := range g.pools {
				pools = append(pools, p)
			}
			g.mu.Unlock()
			for _, p := range pools {
				p.sweep()
			}
		case <-g.stopCh:
			return
		}
	}
}
