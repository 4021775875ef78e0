package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// ConnectionPool tracks every live connection so shutdown can close them and
// wait for their cleanup to finish.
type ConnectionPool struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	active sync.WaitGroup
	closed bool
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{conns: map[string]*Conn{}}
}

// Add registers c. It returns false once the pool is shutting down.
func (cp *ConnectionPool) Add(c *Conn) bool {
	if cp == nil || c == nil {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return false
	}
	cp.conns[c.ID()] = c
	cp.active.Add(1)
	return true
}

// Remove is called once per added connection, after its cleanup ran.
func (cp *ConnectionPool) Remove(c *Conn) {
	if cp == nil || c == nil {
		return
	}
	cp.mu.Lock()
	if _, ok := cp.conns[c.ID()]; ok {
		delete(cp.conns, c.ID())
		cp.active.Done()
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Get(id string) (*Conn, bool) {
	if cp == nil {
		return nil, false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	c, ok := cp.conns[id]
	return c, ok
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

// CloseAll stops accepting connections, closes the live ones with code and
// waits until each has been released or ctx expires.
func (cp *ConnectionPool) CloseAll(ctx context.Context, code int, reason string) error {
	if cp == nil {
		return nil
	}
	cp.mu.Lock()
	cp.closed = true
	conns := make([]*Conn, 0, len(cp.conns))
	for _, c := range cp.conns {
		conns = append(conns, c)
	}
	cp.mu.Unlock()

	for _, c := range conns {
		c.closeWith(code, reason)
	}
	log.Info().Str("component", "gateway").Int("connections", len(conns)).Msg("closing websocket connections")

	done := make(chan struct{})
	go func() {
		cp.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
