// Package queue implements the server-side queue store (C4): persistent
// queue records plus in-memory message buffers, with push fan-out to a
// subscription manager on enqueue.
package queue

import "time"

// Status is a queue's lifecycle state.
type Status string

const (
	StatusNew      Status = "New"
	StatusSecured  Status = "Secured"
	StatusActive   Status = "Active"
	StatusDisabled Status = "Disabled"
)

// DefaultQuota is the default per-queue message buffer bound (MSG_QUEUE_QUOTA).
const DefaultQuota = 128

// Quota is the per-queue message buffer bound Enqueue enforces. It starts
// at DefaultQuota and is overridden at startup from the server's
// message_quota_per_queue configuration.
var Quota = DefaultQuota

// MaxActiveQueues bounds how many queues Create will allow (the in-memory
// store counts every non-deleted queue, the SQLite store every queue not
// Disabled),
// overridden at startup from the server's max_active_queues configuration.
// Zero means unbounded.
var MaxActiveQueues = 0

// Record is a queue's persistent state.
type Record struct {
	RecipientID        string // base64url
	SenderID           string // base64url
	RecipientVerifyKey []byte
	SenderVerifyKey    []byte // nil until Secure
	Status             Status
	NotifierID         string
	CreatedAt          time.Time
}

// Message is a buffered, not-yet-acked message in a queue.
type Message struct {
	InternalID      uint64
	BrokerTimestamp time.Time
	Body            []byte
	SenderMsgID     string
}

// Notifier is implemented by the subscription manager: the queue store
// calls Deliver after a successful Enqueue when the queue was previously
// empty and a subscriber is attached.
type Notifier interface {
	Deliver(recipientID string, msg Message)
}
