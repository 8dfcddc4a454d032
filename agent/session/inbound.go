package session

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/halilertekin/simplexmq/agent/client"
	"github.com/halilertekin/simplexmq/agent/store"
	"github.com/halilertekin/simplexmq/crypto"
	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/halilertekin/simplexmq/wire"
)

// handlePush decrypts and dispatches one server-pushed frame on connAlias's
// recv queue: the first-ever confirmation, or a subsequent hash-chained
// envelope carrying HELLO, REPLY or an application A_MSG.
func (a *Agent) handlePush(ctx context.Context, connAlias string, rt *runtime, p client.Push) {
	if p.Evicted {
		a.deliver(rt, InboundMessage{ConnAlias: connAlias, Status: "ERR SubscriptionEvicted"})
		return
	}
	if p.Msg == nil {
		return
	}

	sealed, err := crypto.ParseSealed(p.Msg.Body)
	if err != nil {
		a.log.Warn("agent: malformed sealed push", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}
	plaintext, err := crypto.Open(rt.encPriv, sealed)
	if err != nil {
		a.log.Warn("agent: failed to open push", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}

	rt.hsMu.Lock()
	firstMessage := !rt.confirmed
	rt.hsMu.Unlock()

	if firstMessage {
		if conf, err := wire.ParseSMPConfirmation(plaintext); err == nil {
			a.handleConfirmation(ctx, connAlias, rt, conf)
			return
		}
	}

	msg, err := wire.ParseSMPMessage(plaintext)
	if err != nil {
		a.log.Warn("agent: malformed envelope", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}
	a.handleEnvelope(ctx, connAlias, rt, msg, plaintext)
}

// handleConfirmation processes the very first sender→recipient body: it
// secures the queue with the peer's verify key and moves the connection
// toward Confirmed.
func (a *Agent) handleConfirmation(ctx context.Context, connAlias string, rt *runtime, conf wire.SMPConfirmation) {
	recv, err := a.str.GetRecvQueue(ctx, connAlias)
	if err != nil {
		a.log.Warn("agent: confirmation for unknown recv queue", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}
	recipientID, err := wire.DecodeB64URL(recv.RecipientID)
	if err != nil {
		return
	}
	if _, err := rt.conn.SendCommand(ctx, recipientID, recv.RecipientPriv, wire.Key{SenderKey: conf.SenderVerifyKey}); err != nil {
		a.log.Warn("agent: KEY failed", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}
	rt.hsMu.Lock()
	rt.confirmed = true
	rt.hsMu.Unlock()
	if err := a.str.SetStatus(ctx, connAlias, store.ConnConfirmed); err != nil {
		a.log.Warn("agent: set status Confirmed failed", logger.String("connAlias", connAlias), logger.Error(err))
	}
}

// handleEnvelope validates and records an inbound SMPMessage, then
// dispatches its inner payload.
func (a *Agent) handleEnvelope(ctx context.Context, connAlias string, rt *runtime, msg wire.SMPMessage, raw []byte) {
	conn, err := a.str.GetConnection(ctx, connAlias)
	if err != nil {
		a.log.Warn("agent: envelope for unknown connection", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}

	if conn.LastRcvMsgID != 0 && msg.AgentMsgID == conn.LastRcvMsgID {
		return // duplicate of the last accepted message, drop silently
	}
	if msg.AgentMsgID > conn.LastRcvMsgID+1 {
		a.deliver(rt, InboundMessage{
			ConnAlias: connAlias,
			Status:    fmt.Sprintf("ERR MsgSkipped %d %d", conn.LastRcvMsgID+1, msg.AgentMsgID),
		})
	}

	status := store.MessageOK
	inboundStatus := "OK"
	matches := bytes.Equal(msg.PrevMsgHash, conn.PrevRcvHash)
	nextHash := crypto.HashChainNext(msg.PrevMsgHash, raw)

	stored := store.StoredMessage{
		ConnAlias:  connAlias,
		Direction:  store.DirectionInbound,
		AgentMsgID: msg.AgentMsgID,
		Timestamp:  time.Now().UTC(),
	}

	if matches {
		stored.Status = store.MessageOK
		if err := a.str.AppendReceived(ctx, connAlias, stored, conn.PrevRcvHash, nextHash); err != nil {
			a.log.Warn("agent: append received failed", logger.String("connAlias", connAlias), logger.Error(err))
			return
		}
	} else {
		status = store.MessageErr
		inboundStatus = "ERR MsgBadHash"
		stored.Status = status
		if err := a.str.AppendReceivedResync(ctx, connAlias, stored, nextHash); err != nil {
			a.log.Warn("agent: resync append failed", logger.String("connAlias", connAlias), logger.Error(err))
			return
		}
	}

	switch inner := msg.Inner.(type) {
	case wire.Hello:
		a.handleHello(ctx, connAlias, rt)
	case wire.Reply:
		a.handleReply(ctx, connAlias, rt, inner)
	case wire.AMsg:
		a.deliver(rt, InboundMessage{ConnAlias: connAlias, AgentMsgID: msg.AgentMsgID, Body: inner.Body, Status: inboundStatus})
	}
}

// handleHello marks the connection Active and signals the local client.
func (a *Agent) handleHello(ctx context.Context, connAlias string, rt *runtime) {
	if err := a.str.SetStatus(ctx, connAlias, store.ConnActive); err != nil {
		a.log.Warn("agent: set status Active failed", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}
	a.deliver(rt, InboundMessage{ConnAlias: connAlias, Status: "CON"})
}

// handleReply attaches the reverse send queue the peer just published,
// then joins it symmetrically: a confirmation followed by our own HELLO,
// exactly as JoinConn does for the original invitation.
func (a *Agent) handleReply(ctx context.Context, connAlias string, rt *runtime, reply wire.Reply) {
	peerEncPub, err := crypto.ParseEncryptionPublicKey(reply.QueueInfo.EncryptionKey)
	if err != nil {
		a.log.Warn("agent: bad REPLY encryption_key", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}
	senderKP, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return
	}
	if err := a.str.AttachSendQueue(ctx, connAlias, store.SendQueue{
		ConnAlias:  connAlias,
		Server:     reply.QueueInfo.Server,
		SenderID:   wire.EncodeB64URL(reply.QueueInfo.SenderID),
		SenderPriv: senderKP.Private,
		PeerEncPub: peerEncPub,
	}); err != nil {
		a.log.Warn("agent: attach reply send queue failed", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}

	senderPubDER, err := crypto.EncodePublicKey(senderKP.Public)
	if err != nil {
		return
	}
	conf := wire.SMPConfirmation{SenderVerifyKey: senderPubDER}
	sealed, err := crypto.Seal(peerEncPub, []byte(conf.Serialize()))
	if err != nil {
		return
	}
	conn, err := a.pool.Get(ctx, reply.QueueInfo.Server)
	if err != nil {
		a.log.Warn("agent: dial reply queue server failed", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}
	if _, err := conn.SendCommand(ctx, reply.QueueInfo.SenderID, senderKP.Private, wire.SendCmd{Body: crypto.SerializeSealed(sealed)}); err != nil {
		a.log.Warn("agent: confirm reply queue failed", logger.String("connAlias", connAlias), logger.Error(err))
		return
	}
	if _, err := a.sendEnvelope(ctx, connAlias, wire.Hello{VerifyKey: senderPubDER, AckMode: wire.AckModeAuto}); err != nil {
		a.log.Warn("agent: HELLO over reply queue failed", logger.String("connAlias", connAlias), logger.Error(err))
	}
}

// deliver pushes msg to the connection's inbox, dropping it (with a log)
// rather than blocking a slow or absent local subscriber.
func (a *Agent) deliver(rt *runtime, msg InboundMessage) {
	select {
	case rt.inbox <- msg:
	default:
		a.log.Warn("agent: inbox full, dropping delivery", logger.String("connAlias", msg.ConnAlias), logger.String("status", msg.Status))
	}
}
