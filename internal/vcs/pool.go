package vcs

import (
	"context"
	"sync"
	"time"
)

// PoolKey identifies interchangeable connections.
type PoolKey struct {
	Cluster string
	Server  string
	User    string
	Client  string
}

type pooledConn struct {
	key      PoolKey
	conn     Conn
	returned time.Time
}

// Pool keeps idle connections for reuse. Acquire hands out an idle connection matching the key or
// dials a new one; the release func returns it, evicting the oldest idle connection when the pool
// is full.
type Pool struct {
	dialer   Dialer
	capacity int

	mu   sync.Mutex
	idle []pooledConn // oldest first
	now  func() time.Time
}

func NewPool(dialer Dialer, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 16
	}
	return &Pool{dialer: dialer, capacity: capacity, now: time.Now}
}

// Acquire returns a connection for key. The release func must be called exactly once; calling it
// more than once is a no-op.
func (p *Pool) Acquire(ctx context.Context, key PoolKey, password string) (Conn, func(), error) {
	if conn := p.take(key); conn != nil {
		return conn, p.releaser(key, conn), nil
	}
	conn, err := p.dialer.Dial(ctx, DialOptions{Server: key.Server, User: key.User, Password: password, Client: key.Client})
	if err != nil {
		return nil, nil, err
	}
	return conn, p.releaser(key, conn), nil
}

// With runs fn with a pooled connection, releasing it on every exit path.
func (p *Pool) With(ctx context.Context, key PoolKey, password string, fn func(Conn) error) error {
	conn, release, err := p.Acquire(ctx, key, password)
	if err != nil {
		return err
	}
	defer release()
	return fn(conn)
}

// Len returns the number of idle connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, pc := range idle {
		_ = pc.conn.Close()
	}
}

func (p *Pool) take(key PoolKey) Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	// most recently returned first
	for i := len(p.idle) - 1; i >= 0; i-- {
		if p.idle[i].key == key {
			conn := p.idle[i].conn
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return conn
		}
	}
	return nil
}

func (p *Pool) releaser(key PoolKey, conn Conn) func() {
	var once sync.Once
	return func() {
		once.Do(func() { p.put(key, conn) })
	}
}

func (p *Pool) put(key PoolKey, conn Conn) {
	var evicted Conn
	p.mu.Lock()
	if len(p.idle) >= p.capacity {
		evicted = p.idle[0].conn
		p.idle = p.idle[1:]
	}
	p.idle = append(p.idle, pooledConn{key: key, conn: conn, returned: p.now()})
	p.mu.Unlock()
	if evicted != nil {
		_ = evicted.Close()
	}
}
