// Package sqlite persists queue records in a local SQLite database file,
// applying numbered migrations at startup; message buffers stay in-memory
// regardless of backend, per the store's durability contract.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/halilertekin/simplexmq/queue"
	"github.com/halilertekin/simplexmq/wire"
)

// Store is a SQLite-backed queue.Store.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	buffers  map[string]*messageBuffer
	notifier queue.Notifier
}

type messageBuffer struct {
	messages []queue.Message
	nextID   uint64
	notified bool
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	if err := runMigrations(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer, many-reader per §5
	return &Store{db: db, buffers: make(map[string]*messageBuffer)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SetNotifier(n queue.Notifier) { s.notifier = n }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Create(ctx context.Context, recipientVerifyKey []byte) (string, string, error) {
	if queue.MaxActiveQueues > 0 {
		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queues WHERE status != ?`, string(queue.StatusDisabled),
		).Scan(&count); err != nil {
			return "", "", fmt.Errorf("sqlite: count active queues: %w", err)
		}
		if count >= queue.MaxActiveQueues {
			return "", "", queue.ErrTooManyQueues
		}
	}
	for attempt := 0; attempt < 8; attempt++ {
		ridBytes, err := wire.NewID()
		if err != nil {
			return "", "", err
		}
		sidBytes, err := wire.NewID()
		if err != nil {
			return "", "", err
		}
		rid := wire.EncodeB64URL(ridBytes)
		sid := wire.EncodeB64URL(sidBytes)

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO queues (recipient_id, sender_id, recipient_verify_key, status, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			rid, sid, recipientVerifyKey, string(queue.StatusNew), time.Now().UTC())
		if err == nil {
			return rid, sid, nil
		}
		// Collision on either unique key: retry with fresh ids.
	}
	return "", "", fmt.Errorf("sqlite: create queue: exhausted id collision retries")
}

func (s *Store) Secure(ctx context.Context, recipientID string, senderVerifyKey []byte) error {
	rec, err := s.GetByRecipient(ctx, recipientID)
	if err != nil {
		return err
	}
	if rec.Status == queue.StatusNew {
		_, err := s.db.ExecContext(ctx,
			`UPDATE queues SET sender_verify_key = ?, status = ? WHERE recipient_id = ?`,
			senderVerifyKey, string(queue.StatusSecured), recipientID)
		return err
	}
	if bytes.Equal(rec.SenderVerifyKey, senderVerifyKey) {
		return nil
	}
	return queue.ErrAuth
}

func (s *Store) Activate(ctx context.Context, recipientID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queues SET status = ? WHERE recipient_id = ? AND status = ?`,
		string(queue.StatusActive), recipientID, string(queue.StatusSecured))
	return err
}

func (s *Store) GetByRecipient(ctx context.Context, recipientID string) (*queue.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT recipient_id, sender_id, recipient_verify_key, sender_verify_key, status, notifier_id, created_at
		 FROM queues WHERE recipient_id = ?`, recipientID)
	return scanRecord(row)
}

func (s *Store) GetBySender(ctx context.Context, senderID string) (*queue.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT recipient_id, sender_id, recipient_verify_key, sender_verify_key, status, notifier_id, created_at
		 FROM queues WHERE sender_id = ?`, senderID)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (*queue.Record, error) {
	var rec queue.Record
	var status string
	var notifierID sql.NullString
	var senderKey []byte
	if err := row.Scan(&rec.RecipientID, &rec.SenderID, &rec.RecipientVerifyKey, &senderKey, &status, &notifierID, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, queue.ErrNotFound
		}
		return nil, err
	}
	rec.SenderVerifyKey = senderKey
	rec.Status = queue.Status(status)
	rec.NotifierID = notifierID.String
	return &rec, nil
}

func (s *Store) Disable(ctx context.Context, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queues SET status = ? WHERE recipient_id = ?`,
		string(queue.StatusDisabled), recipientID)
	return err
}

func (s *Store) Delete(ctx context.Context, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queues WHERE recipient_id = ?`, recipientID)
	s.mu.Lock()
	delete(s.buffers, recipientID)
	s.mu.Unlock()
	return err
}

func (s *Store) bufferFor(recipientID string) *messageBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[recipientID]
	if !ok {
		b = &messageBuffer{}
		s.buffers[recipientID] = b
	}
	return b
}

func (s *Store) Enqueue(ctx context.Context, recipientID string, body []byte, senderMsgID string) (uint64, error) {
	if _, err := s.GetByRecipient(ctx, recipientID); err != nil {
		return 0, err
	}
	b := s.bufferFor(recipientID)
	s.mu.Lock()
	if len(b.messages) >= queue.Quota {
		s.mu.Unlock()
		return 0, queue.ErrQuota
	}
	b.nextID++
	msg := queue.Message{InternalID: b.nextID, BrokerTimestamp: time.Now().UTC(), Body: body, SenderMsgID: senderMsgID}
	wasEmpty := len(b.messages) == 0
	b.messages = append(b.messages, msg)
	shouldNotify := wasEmpty && !b.notified
	if shouldNotify {
		b.notified = true
	}
	notifier := s.notifier
	s.mu.Unlock()

	if shouldNotify && notifier != nil {
		notifier.Deliver(recipientID, msg)
	}
	return msg.InternalID, nil
}

func (s *Store) Peek(ctx context.Context, recipientID string) (*queue.Message, error) {
	b := s.bufferFor(recipientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(b.messages) == 0 {
		return nil, nil
	}
	m := b.messages[0]
	return &m, nil
}

func (s *Store) Ack(ctx context.Context, recipientID string, msgID uint64) (*queue.Message, error) {
	b := s.bufferFor(recipientID)
	s.mu.Lock()
	if len(b.messages) > 0 && b.messages[0].InternalID == msgID {
		b.messages = b.messages[1:]
	}
	b.notified = false
	var next *queue.Message
	var notifier queue.Notifier
	if len(b.messages) > 0 {
		m := b.messages[0]
		next = &m
		b.notified = true
		notifier = s.notifier
	}
	s.mu.Unlock()

	if next != nil && notifier != nil {
		notifier.Deliver(recipientID, *next)
	}
	return next, nil
}
