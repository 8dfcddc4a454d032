package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/halilertekin/simplexmq/transport"
	"github.com/halilertekin/simplexmq/wire"
)

// TestPoolGetCollapsesConcurrentDials exercises the race Pool.Get used to
// lose: many callers missing the cache for the same address all called Get
// at once, and whichever dial finished last silently overwrote the pool
// entry, orphaning every earlier connection. singleflight should now
// collapse them into exactly one dial and one shared *Conn.
func TestPoolGetCollapsesConcurrentDials(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context, addr wire.ServerAddress) (transport.Transport, error) {
		atomic.AddInt32(&dials, 1)
		c1, _ := net.Pipe()
		return transport.NewTLSTransport(c1), nil
	}

	pool := NewPool(dial)
	addr := wire.ServerAddress{Host: "test", Port: 1}

	const n = 20
	var wg sync.WaitGroup
	conns := make([]*Conn, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Get(context.Background(), addr)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
	for i := 1; i < n; i++ {
		if conns[i] != conns[0] {
			t.Fatalf("conns[%d] != conns[0], pool handed out divergent connections", i)
		}
	}
}

// TestPoolGetRedialsAfterClose confirms a dead cached entry is replaced,
// not reused, on the next Get.
func TestPoolGetRedialsAfterClose(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context, addr wire.ServerAddress) (transport.Transport, error) {
		atomic.AddInt32(&dials, 1)
		c1, _ := net.Pipe()
		return transport.NewTLSTransport(c1), nil
	}

	pool := NewPool(dial)
	addr := wire.ServerAddress{Host: "test", Port: 1}

	first, err := pool.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = first.Close()

	// isClosed() only flips once stop() runs, which Close triggers
	// synchronously, so no need to wait here.
	second, err := pool.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second == first {
		t.Fatal("Get returned a closed connection instead of redialing")
	}
	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}

	_ = second.Close()
}
