// Package store implements the agent-side persistence layer (C7):
// connections, their send/recv queue halves, and per-direction message
// history, SQL-backed with an in-memory implementation for tests.
package store

import (
	"crypto/ecdh"
	"crypto/rsa"
	"time"

	"github.com/halilertekin/simplexmq/wire"
)

// ConnStatus mirrors the agent connection lifecycle.
type ConnStatus string

const (
	ConnNew       ConnStatus = "New"
	ConnJoined    ConnStatus = "Joined"
	ConnConfirmed ConnStatus = "Confirmed"
	ConnActive    ConnStatus = "Active"
	ConnDisabled  ConnStatus = "Disabled"
)

// Connection is the persistent state of one agent connection.
type Connection struct {
	ConnAlias    string
	Status       ConnStatus
	LastRcvMsgID uint64
	LastSndMsgID uint64
	PrevRcvHash  []byte
	PrevSndHash  []byte
}

// RecvQueue is the connection's receive half: a queue this agent owns as
// recipient on some server.
type RecvQueue struct {
	ConnAlias     string
	Server        wire.ServerAddress
	RecipientID   string
	RecipientPriv *rsa.PrivateKey
	SenderID      string // handed out to the peer as part of the invitation
	EncPriv       *ecdh.PrivateKey
	Status        ConnStatus
}

// SendQueue is the connection's send half: a queue the peer owns, that
// this agent sends to as sender.
type SendQueue struct {
	ConnAlias  string
	Server     wire.ServerAddress
	SenderID   string
	SenderPriv *rsa.PrivateKey
	PeerEncPub *ecdh.PublicKey // peer's published encryption_key
}

// MessageDirection is the direction of a stored agent message.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "in"
	DirectionOutbound MessageDirection = "out"
)

// MessageStatus reflects delivery/ack state of a stored message.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageOK      MessageStatus = "ok"
	MessageErr     MessageStatus = "err"
	MessageAcked   MessageStatus = "acked"
)

// StoredMessage is one row of per-connection message history.
type StoredMessage struct {
	ConnAlias  string
	Direction  MessageDirection
	AgentMsgID uint64
	Timestamp  time.Time
	Body       []byte
	Status     MessageStatus
}
