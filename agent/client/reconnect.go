package client

import (
	"context"
	"time"

	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/halilertekin/simplexmq/internal/metrics"
	"github.com/halilertekin/simplexmq/wire"
)

// backoffInitial and backoffMax bound the reconnect loop's capped doubling.
const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
)

// RunReconnecting keeps a *Conn for addr alive in pool, blocking until ctx
// is cancelled. On every (re)connect it calls onConnect with the fresh
// Conn so the caller can reissue SUB for each locally known receive queue,
// per scenario S6.
func RunReconnecting(ctx context.Context, pool *Pool, addr wire.ServerAddress, log logger.Logger, onConnect func(*Conn)) {
	backoff := backoffInitial
	server := addr.String()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := pool.Get(ctx, addr)
		if err != nil {
			metrics.ReconnectAttempts.WithLabelValues(server).Inc()
			log.Warn("reconnect failed", logger.String("server", server), logger.Error(err))
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
		onConnect(conn)

		select {
		case <-conn.Done():
			metrics.ReconnectAttempts.WithLabelValues(server).Inc()
		case <-ctx.Done():
			return
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
