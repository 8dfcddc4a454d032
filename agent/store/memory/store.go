// Package memory provides an in-memory store.Store, used in tests and for
// ephemeral agent runs.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/halilertekin/simplexmq/agent/store"
)

type conn struct {
	connection store.Connection
	recv       *store.RecvQueue
	send       *store.SendQueue
	messages   []store.StoredMessage
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu    sync.Mutex
	conns map[string]*conn
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{conns: make(map[string]*conn)}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) CreateConnection(ctx context.Context, c store.Connection, recv store.RecvQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conns[c.ConnAlias]; exists {
		return nil
	}
	r := recv
	s.conns[c.ConnAlias] = &conn{connection: c, recv: &r}
	return nil
}

func (s *Store) AttachSendQueue(ctx context.Context, connAlias string, send store.SendQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connAlias]
	if !ok {
		return store.ErrNotFound
	}
	q := send
	c.send = &q
	return nil
}

func (s *Store) GetConnection(ctx context.Context, connAlias string) (*store.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connAlias]
	if !ok {
		return nil, store.ErrNotFound
	}
	cc := c.connection
	return &cc, nil
}

func (s *Store) GetRecvQueue(ctx context.Context, connAlias string) (*store.RecvQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connAlias]
	if !ok || c.recv == nil {
		return nil, store.ErrNotFound
	}
	rq := *c.recv
	return &rq, nil
}

func (s *Store) GetSendQueue(ctx context.Context, connAlias string) (*store.SendQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connAlias]
	if !ok || c.send == nil {
		return nil, store.ErrNotFound
	}
	sq := *c.send
	return &sq, nil
}

func (s *Store) ListConnections(ctx context.Context) ([]store.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.connection)
	}
	return out, nil
}

func (s *Store) SetStatus(ctx context.Context, connAlias string, status store.ConnStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connAlias]
	if !ok {
		return store.ErrNotFound
	}
	c.connection.Status = status
	return nil
}

func (s *Store) AppendReceived(ctx context.Context, connAlias string, msg store.StoredMessage, expectedPrevHash, nextHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connAlias]
	if !ok {
		return store.ErrNotFound
	}
	if !bytes.Equal(c.connection.PrevRcvHash, expectedPrevHash) {
		return store.ErrChainMismatch
	}
	c.messages = append(c.messages, msg)
	c.connection.PrevRcvHash = nextHash
	c.connection.LastRcvMsgID = msg.AgentMsgID
	return nil
}

func (s *Store) AppendReceivedResync(ctx context.Context, connAlias string, msg store.StoredMessage, nextHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connAlias]
	if !ok {
		return store.ErrNotFound
	}
	c.messages = append(c.messages, msg)
	c.connection.PrevRcvHash = nextHash
	c.connection.LastRcvMsgID = msg.AgentMsgID
	return nil
}

func (s *Store) AppendSent(ctx context.Context, connAlias string, body []byte, nextHash []byte) (store.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connAlias]
	if !ok {
		return store.StoredMessage{}, store.ErrNotFound
	}
	c.connection.LastSndMsgID++
	msg := store.StoredMessage{
		ConnAlias:  connAlias,
		Direction:  store.DirectionOutbound,
		AgentMsgID: c.connection.LastSndMsgID,
		Timestamp:  time.Now().UTC(),
		Body:       body,
		Status:     store.MessagePending,
	}
	c.messages = append(c.messages, msg)
	c.connection.PrevSndHash = nextHash
	return msg, nil
}

func (s *Store) MarkAcked(ctx context.Context, connAlias string, agentMsgID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connAlias]
	if !ok {
		return store.ErrNotFound
	}
	for i := range c.messages {
		if c.messages[i].Direction == store.DirectionOutbound && c.messages[i].AgentMsgID == agentMsgID {
			c.messages[i].Status = store.MessageAcked
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListMessages(ctx context.Context, connAlias string) ([]store.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connAlias]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]store.StoredMessage, len(c.messages))
	copy(out, c.messages)
	return out, nil
}

