package connector

import (
	"context"
	"sync"
	"time"

	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/log"
)

// PoolConfig bounds a role-keyed connection pool.
type PoolConfig struct {
	// MaxPerRole caps open connections per role identity.
	MaxPerRole int

	// AcquireTimeout bounds the wait for a slot.
	AcquireTimeout time.Duration

	// MaxIdle caps idle connections retained per role.
	MaxIdle int
}

// DefaultPoolConfig returns the standard pool bounds.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPerRole:     10,
		AcquireTimeout: 30 * time.Second,
		MaxIdle:        2,
	}
}

// DialFunc opens a new connection for a role.
type DialFunc func(ctx context.Context, role string) (Connection, error)

// Pool is a bounded, role-keyed connection pool usable by any connector.
// Released connections are retained idle up to MaxIdle; acquisition blocks
// on a per-role semaphore with a deadline and fails loudly on exhaustion.
type Pool struct {
	cfg    PoolConfig
	dial   DialFunc
	logger *log.Logger

	mu     sync.Mutex
	roles  map[string]*rolePool
	closed bool
}

type rolePool struct {
	slots chan struct{}
	idle  []Connection
}

// NewPool creates a pool dialing new connections with dial.
func NewPool(cfg PoolConfig, dial DialFunc, logger *log.Logger) *Pool {
	if cfg.MaxPerRole <= 0 {
		cfg.MaxPerRole = DefaultPoolConfig().MaxPerRole
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultPoolConfig().AcquireTimeout
	}

	return &Pool{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
		roles:  make(map[string]*rolePool),
	}
}

func (p *Pool) role(role string) *rolePool {
	p.mu.Lock()
	defer p.mu.Unlock()

	rp, ok := p.roles[role]
	if !ok {
		rp = &rolePool{slots: make(chan struct{}, p.cfg.MaxPerRole)}
		p.roles[role] = rp
	}
	return rp
}

// Acquire returns a pooled or freshly dialed connection for the role.
func (p *Pool) Acquire(ctx context.Context, role string) (Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New(errors.ErrCodeConnectionClosed, "pool is closed").Err()
	}
	p.mu.Unlock()

	rp := p.role(role)

	deadline := time.NewTimer(p.cfg.AcquireTimeout)
	defer deadline.Stop()

	select {
	case rp.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrCodePoolTimeout,
			"cancelled while waiting for connection").Err()
	case <-deadline.C:
		return nil, errors.Timeout("pool acquire", p.cfg.AcquireTimeout).
			WithField("role", role).
			Err()
	}

	// Slot held; reuse idle or dial.
	p.mu.Lock()
	var conn Connection
	if n := len(rp.idle); n > 0 {
		conn = rp.idle[n-1]
		rp.idle = rp.idle[:n-1]
	}
	p.mu.Unlock()

	if conn != nil {
		return &pooledConn{Connection: conn, pool: p, rp: rp}, nil
	}

	conn, err := p.dial(ctx, role)
	if err != nil {
		<-rp.slots
		return nil, errors.Wrap(err, errors.ErrCodeSourceRefused,
			"failed to open connection").
			WithField("role", role).
			Err()
	}

	return &pooledConn{Connection: conn, pool: p, rp: rp}, nil
}

// Close closes idle connections and refuses further acquisitions.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, rp := range p.roles {
		for _, conn := range rp.idle {
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		rp.idle = nil
	}

	return errors.Join(errs...)
}

// pooledConn returns itself to the pool on Close.
type pooledConn struct {
	Connection
	pool *Pool
	rp   *rolePool

	once sync.Once
}

func (c *pooledConn) Close() error {
	var err error
	c.once.Do(func() {
		c.pool.mu.Lock()
		closed := c.pool.closed
		retain := !closed && len(c.rp.idle) < c.pool.cfg.MaxIdle
		if retain {
			c.rp.idle = append(c.rp.idle, c.Connection)
		}
		c.pool.mu.Unlock()

		if !retain {
			err = c.Connection.Close()
		}

		<-c.rp.slots
	})
	return err
}

var _ ConnectionPool = (*Pool)(nil)
