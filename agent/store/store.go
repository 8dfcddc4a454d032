package store

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by Store implementations.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrChainMismatch = errors.New("store: prev_hash does not match stored chain tip")
)

// Store persists the agent's connections, their queue halves, and message
// history. The four operations below are required to be atomic: a crash or
// concurrent call must never leave a connection with a receive queue but no
// row, a hash-chain advanced without its message recorded, or vice versa.
type Store interface {
	// CreateConnection creates conn and its receive queue half in one
	// transaction, used by both NewConn (as initiator) and JoinConn (as
	// joiner, before the reply queue is known).
	CreateConnection(ctx context.Context, conn Connection, recv RecvQueue) error

	// AttachSendQueue records send as conn's send half. It does not change
	// the connection's status; callers do that with SetStatus.
	AttachSendQueue(ctx context.Context, connAlias string, send SendQueue) error

	GetConnection(ctx context.Context, connAlias string) (*Connection, error)
	GetRecvQueue(ctx context.Context, connAlias string) (*RecvQueue, error)
	GetSendQueue(ctx context.Context, connAlias string) (*SendQueue, error)
	ListConnections(ctx context.Context) ([]Connection, error)

	SetStatus(ctx context.Context, connAlias string, status ConnStatus) error

	// AppendReceived records an inbound message and advances prev_rcv_hash
	// to nextHash, but only if the connection's current prev_rcv_hash
	// equals expectedPrevHash: this makes hash-chain advancement atomic
	// with message persistence and rejects a replayed or out-of-order link.
	AppendReceived(ctx context.Context, connAlias string, msg StoredMessage, expectedPrevHash, nextHash []byte) error

	// AppendReceivedResync is AppendReceived without the hash-parent check,
	// used to recover the chain after a detected MsgBadHash: the message is
	// still recorded and prev_rcv_hash re-synced to nextHash so later
	// messages validate against it.
	AppendReceivedResync(ctx context.Context, connAlias string, msg StoredMessage, nextHash []byte) error

	// AppendSent records an outbound message and advances prev_snd_hash,
	// assigning the next agent_msg_id itself (callers read it back off the
	// returned StoredMessage).
	AppendSent(ctx context.Context, connAlias string, body []byte, nextHash []byte) (StoredMessage, error)

	// MarkAcked transitions a stored outbound message to MessageAcked.
	MarkAcked(ctx context.Context, connAlias string, agentMsgID uint64) error

	ListMessages(ctx context.Context, connAlias string) ([]StoredMessage, error)

	Ping(ctx context.Context) error
}
