package client

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/halilertekin/simplexmq/transport"
	"github.com/halilertekin/simplexmq/wire"
)

// Pool caches one Conn per (host, port, key_hash), the identity of a
// server address, dialing lazily and reusing live connections. dialGroup
// collapses concurrent Get calls racing to redial the same dead/missing
// entry into a single dial, so the slower caller can't silently overwrite
// the connection the faster one just published.
type Pool struct {
	dial Dialer

	mu    sync.Mutex
	conns map[string]*Conn

	dialGroup singleflight.Group
}

// NewPool creates a pool that dials fresh connections with dial.
func NewPool(dial Dialer) *Pool {
	return &Pool{dial: dial, conns: make(map[string]*Conn)}
}

// TLSDialer dials addr over TLS, pinning the server certificate's SPKI
// fingerprint to addr.KeyHash.
func TLSDialer(ctx context.Context, addr wire.ServerAddress) (transport.Transport, error) {
	return transport.DialTLS(ctx, addr.String(), addr.KeyHash)
}

// Get returns the pooled connection for addr, dialing one if none exists
// or the cached one has died.
func (p *Pool) Get(ctx context.Context, addr wire.ServerAddress) (*Conn, error) {
	key := poolKey(addr)

	p.mu.Lock()
	if c, ok := p.conns[key]; ok && !c.isClosed() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	v, err, _ := p.dialGroup.Do(key, func() (interface{}, error) {
		// Re-check under the singleflight key: another caller may have
		// already redialed and published a fresh Conn while this one
		// waited to enter Do.
		p.mu.Lock()
		if c, ok := p.conns[key]; ok && !c.isClosed() {
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		c, err := NewConn(ctx, addr, p.dial)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.conns[key] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

// Close tears down every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, c := range p.conns {
		_ = c.Close()
		delete(p.conns, k)
	}
}

func poolKey(addr wire.ServerAddress) string {
	return addr.KeyHash + "@" + addr.Host + ":" + strconv.Itoa(addr.Port)
}
