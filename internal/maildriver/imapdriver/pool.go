package imapdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbsyncgo/mbsyncgo/internal/logging"
)

// PoolConfig tunes the connection pool's lifetime and retry behavior.
type PoolConfig struct {
	MaxPerAccount int
	IdleTimeout   time.Duration
	WaitTimeout   time.Duration
}

// DefaultPoolConfig mirrors the teacher's defaults: a handful of connections
// per account, idle ones reaped after a few minutes.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPerAccount: 4,
		IdleTimeout:   5 * time.Minute,
		WaitTimeout:   30 * time.Second,
	}
}

// PooledConnection wraps a logged-in client with pool bookkeeping.
type PooledConnection struct {
	account  string
	client   *client
	mu       sync.Mutex
	healthy  bool
	inUse    bool
	lastUsed time.Time
}

// CredentialsFunc resolves the dial config for an account, typically backed
// by internal/config's keyring lookup.
type CredentialsFunc func(account string) (Config, error)

// Pool hands out pooled IMAP connections per account, dialing fresh ones on
// demand and reusing idle ones, grounded on the teacher's waiter-channel
// design (internal/imap/pool.go).
type Pool struct {
	cfg         PoolConfig
	credentials CredentialsFunc
	log         zerolog.Logger

	mu          sync.Mutex
	connections map[string][]*PooledConnection
	waiters     map[string][]chan *PooledConnection
}

// NewPool constructs a pool and starts its idle-cleanup goroutine.
func NewPool(cfg PoolConfig, credentials CredentialsFunc) *Pool {
	p := &Pool{
		cfg:         cfg,
		credentials: credentials,
		log:         logging.WithComponent("imapdriver.pool"),
		connections: make(map[string][]*PooledConnection),
		waiters:     make(map[string][]chan *PooledConnection),
	}
	go p.cleanupLoop()
	return p
}

// GetConnection returns a healthy idle connection for account, or dials a
// new one if under the per-account cap, or waits for one to be released.
func (p *Pool) GetConnection(ctx context.Context, account string) (*PooledConnection, error) {
	p.mu.Lock()
	for _, c := range p.connections[account] {
		c.mu.Lock()
		if c.healthy && !c.inUse {
			c.inUse = true
			c.mu.Unlock()
			p.mu.Unlock()
			return c, nil
		}
		c.mu.Unlock()
	}
	if len(p.connections[account]) < p.cfg.MaxPerAccount {
		p.mu.Unlock()
		return p.createConnection(ctx, account)
	}

	ch := make(chan *PooledConnection, 1)
	p.waiters[account] = append(p.waiters[account], ch)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.WaitTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for a free connection to %s", account)
	case conn := <-ch:
		return conn, nil
	}
}

func (p *Pool) createConnection(ctx context.Context, account string) (*PooledConnection, error) {
	cfg, err := p.credentials(account)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %s: %w", account, err)
	}
	cl := newClient(cfg)
	if err := cl.connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", account, err)
	}
	pc := &PooledConnection{account: account, client: cl, healthy: true, inUse: true, lastUsed: time.Now()}
	p.mu.Lock()
	p.connections[account] = append(p.connections[account], pc)
	p.mu.Unlock()
	return pc, nil
}

// Release returns a connection to the idle pool, handing it directly to a
// waiter if one is queued.
func (p *Pool) Release(c *PooledConnection) {
	c.mu.Lock()
	c.inUse = false
	c.lastUsed = time.Now()
	healthy := c.healthy
	c.mu.Unlock()

	if !healthy {
		p.Discard(c)
		return
	}

	p.mu.Lock()
	waiters := p.waiters[c.account]
	if len(waiters) > 0 {
		ch := waiters[0]
		p.waiters[c.account] = waiters[1:]
		p.mu.Unlock()
		c.mu.Lock()
		c.inUse = true
		c.mu.Unlock()
		ch <- c
		return
	}
	p.mu.Unlock()
}

// Discard removes a connection from the pool and closes it, used when a
// driver call observes a fatal transport error.
func (p *Pool) Discard(c *PooledConnection) {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
	_ = c.client.close()

	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.connections[c.account]
	for i, x := range conns {
		if x == c {
			p.connections[c.account] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
}

// CloseAccount closes every connection for account, used when a channel's
// side fails fatally and the run aborts (§4.7).
func (p *Pool) CloseAccount(account string) {
	p.mu.Lock()
	conns := p.connections[account]
	delete(p.connections, account)
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.client.close()
	}
}

// CloseAll closes every pooled connection across every account.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	accounts := make([]string, 0, len(p.connections))
	for a := range p.connections {
		accounts = append(accounts, a)
	}
	p.mu.Unlock()
	for _, a := range accounts {
		p.CloseAccount(a)
	}
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		p.cleanupIdle()
	}
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for account, conns := range p.connections {
		kept := conns[:0]
		for _, c := range conns {
			c.mu.Lock()
			stale := !c.inUse && time.Since(c.lastUsed) > p.cfg.IdleTimeout
			c.mu.Unlock()
			if stale {
				_ = c.client.close()
				continue
			}
			kept = append(kept, c)
		}
		p.connections[account] = kept
	}
}
