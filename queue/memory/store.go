// Package memory provides an in-memory queue.Store, used in tests and for
// ephemeral deployments.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/halilertekin/simplexmq/queue"
	"github.com/halilertekin/simplexmq/wire"
)

type entry struct {
	record   queue.Record
	buffer   []queue.Message
	nextID   uint64
	notified bool // delivery_pending: a push has been sent, awaiting ACK
}

// Store is an in-memory implementation of queue.Store.
type Store struct {
	mu       sync.Mutex
	byRcpt   map[string]*entry
	bySender map[string]string // sender_id -> recipient_id
	notifier queue.Notifier
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		byRcpt:   make(map[string]*entry),
		bySender: make(map[string]string),
	}
}

func (s *Store) SetNotifier(n queue.Notifier) { s.notifier = n }

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Create(ctx context.Context, recipientVerifyKey []byte) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if queue.MaxActiveQueues > 0 && len(s.byRcpt) >= queue.MaxActiveQueues {
		return "", "", queue.ErrTooManyQueues
	}

	var rid, sid string
	for {
		ridBytes, err := wire.NewID()
		if err != nil {
			return "", "", err
		}
		rid = wire.EncodeB64URL(ridBytes)
		if _, exists := s.byRcpt[rid]; !exists {
			break
		}
	}
	for {
		sidBytes, err := wire.NewID()
		if err != nil {
			return "", "", err
		}
		sid = wire.EncodeB64URL(sidBytes)
		if _, exists := s.bySender[sid]; !exists {
			break
		}
	}

	s.byRcpt[rid] = &entry{record: queue.Record{
		RecipientID:        rid,
		SenderID:           sid,
		RecipientVerifyKey: recipientVerifyKey,
		Status:             queue.StatusNew,
		CreatedAt:          time.Now().UTC(),
	}}
	s.bySender[sid] = rid
	return rid, sid, nil
}

func (s *Store) Secure(ctx context.Context, recipientID string, senderVerifyKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byRcpt[recipientID]
	if !ok {
		return queue.ErrNotFound
	}
	if e.record.Status == queue.StatusNew {
		e.record.SenderVerifyKey = senderVerifyKey
		e.record.Status = queue.StatusSecured
		return nil
	}
	if bytes.Equal(e.record.SenderVerifyKey, senderVerifyKey) {
		return nil
	}
	return queue.ErrAuth
}

func (s *Store) Activate(ctx context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byRcpt[recipientID]
	if !ok {
		return queue.ErrNotFound
	}
	if e.record.Status == queue.StatusSecured {
		e.record.Status = queue.StatusActive
	}
	return nil
}

func (s *Store) GetByRecipient(ctx context.Context, recipientID string) (*queue.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byRcpt[recipientID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	rec := e.record
	return &rec, nil
}

func (s *Store) GetBySender(ctx context.Context, senderID string) (*queue.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rid, ok := s.bySender[senderID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	rec := s.byRcpt[rid].record
	return &rec, nil
}

func (s *Store) Disable(ctx context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byRcpt[recipientID]
	if !ok {
		return queue.ErrNotFound
	}
	e.record.Status = queue.StatusDisabled
	return nil
}

func (s *Store) Delete(ctx context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byRcpt[recipientID]
	if !ok {
		return queue.ErrNotFound
	}
	delete(s.bySender, e.record.SenderID)
	delete(s.byRcpt, recipientID)
	return nil
}

func (s *Store) Enqueue(ctx context.Context, recipientID string, body []byte, senderMsgID string) (uint64, error) {
	s.mu.Lock()
	e, ok := s.byRcpt[recipientID]
	if !ok {
		s.mu.Unlock()
		return 0, queue.ErrNotFound
	}
	if len(e.buffer) >= queue.Quota {
		s.mu.Unlock()
		return 0, queue.ErrQuota
	}
	e.nextID++
	msg := queue.Message{
		InternalID:      e.nextID,
		BrokerTimestamp: time.Now().UTC(),
		Body:            body,
		SenderMsgID:     senderMsgID,
	}
	wasEmpty := len(e.buffer) == 0
	e.buffer = append(e.buffer, msg)
	notifier := s.notifier
	shouldNotify := wasEmpty && !e.notified
	if shouldNotify {
		e.notified = true
	}
	s.mu.Unlock()

	if shouldNotify && notifier != nil {
		notifier.Deliver(recipientID, msg)
	}
	return msg.InternalID, nil
}

func (s *Store) Peek(ctx context.Context, recipientID string) (*queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byRcpt[recipientID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if len(e.buffer) == 0 {
		return nil, nil
	}
	msg := e.buffer[0]
	return &msg, nil
}

func (s *Store) Ack(ctx context.Context, recipientID string, msgID uint64) (*queue.Message, error) {
	s.mu.Lock()
	e, ok := s.byRcpt[recipientID]
	if !ok {
		s.mu.Unlock()
		return nil, queue.ErrNotFound
	}
	if len(e.buffer) > 0 && e.buffer[0].InternalID == msgID {
		e.buffer = e.buffer[1:]
	}
	e.notified = false
	var next *queue.Message
	var notifier queue.Notifier
	if len(e.buffer) > 0 {
		m := e.buffer[0]
		next = &m
		e.notified = true
		notifier = s.notifier
	}
	s.mu.Unlock()

	if next != nil && notifier != nil {
		notifier.Deliver(recipientID, *next)
	}
	return next, nil
}
