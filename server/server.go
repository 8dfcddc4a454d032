// Package server implements the SMP broker's per-session command loop
// (C6): authentication, queue lifecycle and send/recv dispatch atop a
// queue.Store and a subscription.Manager.
package server

import (
	"context"
	"sync"

	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/halilertekin/simplexmq/queue"
	"github.com/halilertekin/simplexmq/subscription"
	"github.com/halilertekin/simplexmq/transport"
)

// Server owns the accept loop across every configured transport listener.
type Server struct {
	store queue.Store
	subs  *subscription.Manager
	locks *recipientLocks
	log   logger.Logger

	listeners []transport.Listener

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a server bound to store, with subs as its subscription
// manager. The caller must call store.SetNotifier(subs) before serving.
func New(store queue.Store, subs *subscription.Manager, log logger.Logger) *Server {
	return &Server{
		store:    store,
		subs:     subs,
		locks:    newRecipientLocks(256),
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Serve accepts connections from ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		tr, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn("accept failed", logger.Error(err))
				continue
			}
		}
		sess := newSession(tr, s)
		s.mu.Lock()
		s.sessions[sess.ID()] = sess
		s.mu.Unlock()
		go func() {
			sess.Run(ctx)
			s.mu.Lock()
			delete(s.sessions, sess.ID())
			s.mu.Unlock()
		}()
	}
}

// Shutdown closes every listener and in-flight session's transport.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sess := range s.sessions {
		sess.stop()
	}
	return firstErr
}
