package queue

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by Store implementations; the server layer maps
// these to ERR codes.
var (
	ErrNotFound     = errors.New("queue: not found")
	ErrAuth         = errors.New("queue: auth")
	ErrQuota        = errors.New("queue: quota")
	ErrNoQueue      = errors.New("queue: no queue")
	ErrSenderExists = errors.New("queue: sender_id already in use")
	ErrTooManyQueues = errors.New("queue: max_active_queues reached")
)

// Store persists queue records and their in-memory message buffers.
//
// Invariants: at most one queue per sender_id; Secure is idempotent with
// an identical key and fails ErrAuth with a different one.
type Store interface {
	// Create generates fresh recipient_id/sender_id, stores a New queue
	// with recipientVerifyKey, and returns the pair.
	Create(ctx context.Context, recipientVerifyKey []byte) (recipientID, senderID string, err error)

	// Secure sets senderVerifyKey and moves the queue to Secured. Only
	// valid from New; idempotent if senderVerifyKey is unchanged.
	Secure(ctx context.Context, recipientID string, senderVerifyKey []byte) error

	// Activate transitions a Secured queue to Active on first SEND.
	Activate(ctx context.Context, recipientID string) error

	GetByRecipient(ctx context.Context, recipientID string) (*Record, error)
	GetBySender(ctx context.Context, senderID string) (*Record, error)

	Disable(ctx context.Context, recipientID string) error
	Delete(ctx context.Context, recipientID string) error

	// Enqueue appends body to recipientID's buffer, failing ErrQuota if the
	// buffer is at quota. On success it notifies the attached Notifier if
	// the queue was previously empty.
	Enqueue(ctx context.Context, recipientID string, body []byte, senderMsgID string) (msgID uint64, err error)
	// Peek returns the head message, if any.
	Peek(ctx context.Context, recipientID string) (*Message, error)
	// Ack removes the head message (by id) and, if another remains, returns it.
	Ack(ctx context.Context, recipientID string, msgID uint64) (next *Message, err error)

	// SetNotifier attaches the subscription manager used for push fan-out.
	SetNotifier(n Notifier)

	// Ping verifies the store's underlying connection is alive.
	Ping(ctx context.Context) error
}
