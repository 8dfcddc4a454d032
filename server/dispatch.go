package server

import (
	"context"

	"github.com/halilertekin/simplexmq/crypto"
	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/halilertekin/simplexmq/internal/metrics"
	"github.com/halilertekin/simplexmq/queue"
	"github.com/halilertekin/simplexmq/wire"
)

// dispatch verifies t's signature against the claimed queue, parses its
// command and executes it, returning the response to write back.
func (s *Session) dispatch(ctx context.Context, t *wire.Transmission) wire.ServerCommand {
	cmd, err := wire.ParseClientCommand(t.CommandLine, t.Body, t.HasBody)
	if err != nil {
		metrics.CommandsProcessed.WithLabelValues("?", "SYNTAX").Inc()
		return wire.ErrCmd{Code: CodeSyntax}
	}

	name := commandName(cmd)
	recipientID := wire.EncodeB64URL(t.QueueID)

	if _, isNew := cmd.(wire.NewQueue); isNew {
		resp := s.handleNew(ctx, cmd.(wire.NewQueue), t)
		metrics.CommandsProcessed.WithLabelValues(name, resultOf(resp)).Inc()
		return resp
	}

	s.srv.locks.Lock(recipientID)
	defer s.srv.locks.Unlock(recipientID)

	rec, verr := s.authorize(ctx, recipientID, cmd, t)
	if verr != nil {
		metrics.CommandsProcessed.WithLabelValues(name, CodeAuth).Inc()
		return wire.ErrCmd{Code: CodeAuth}
	}

	var resp wire.ServerCommand
	switch v := cmd.(type) {
	case wire.Key:
		resp = s.handleKey(ctx, rec, v)
	case wire.Sub:
		resp = s.handleSub(ctx, rec)
	case wire.Ack:
		resp = s.handleAck(ctx, rec)
	case wire.SendCmd:
		resp = s.handleSend(ctx, rec, v)
	case wire.Off:
		resp = s.handleOff(ctx, rec)
	case wire.Del:
		resp = s.handleDel(ctx, rec)
	case wire.Ping:
		resp = wire.Pong{}
	default:
		resp = wire.ErrCmd{Code: CodeSyntax}
	}
	metrics.CommandsProcessed.WithLabelValues(name, resultOf(resp)).Inc()
	return resp
}

func commandName(c wire.ClientCommand) string {
	switch c.(type) {
	case wire.NewQueue:
		return "NEW"
	case wire.Sub:
		return "SUB"
	case wire.Key:
		return "KEY"
	case wire.Ack:
		return "ACK"
	case wire.Off:
		return "OFF"
	case wire.Del:
		return "DEL"
	case wire.SendCmd:
		return "SEND"
	case wire.Ping:
		return "PING"
	default:
		return "?"
	}
}

func resultOf(resp wire.ServerCommand) string {
	if e, ok := resp.(wire.ErrCmd); ok {
		return e.Code
	}
	return "OK"
}

// authorize fetches the queue record and verifies the signer is entitled
// to issue cmd against it: recipient_verify_key for recipient commands,
// sender_verify_key for SEND.
func (s *Session) authorize(ctx context.Context, recipientID string, cmd wire.ClientCommand, t *wire.Transmission) (*queue.Record, error) {
	var rec *queue.Record
	var err error
	if _, isSend := cmd.(wire.SendCmd); isSend {
		rec, err = s.srv.store.GetBySender(ctx, recipientID)
	} else {
		rec, err = s.srv.store.GetByRecipient(ctx, recipientID)
	}
	if err != nil {
		return nil, err
	}

	verifyKey := rec.RecipientVerifyKey
	if _, isSend := cmd.(wire.SendCmd); isSend {
		verifyKey = rec.SenderVerifyKey
	}
	pub, err := crypto.DecodeRSAPublicKey(verifyKey)
	if err != nil {
		return nil, err
	}
	if len(t.Sig) == 0 {
		return nil, crypto.ErrInvalidSignature
	}
	if err := crypto.VerifySignature(pub, t.SignedBytes(), t.Sig); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Session) handleNew(ctx context.Context, cmd wire.NewQueue, t *wire.Transmission) wire.ServerCommand {
	pub, err := crypto.DecodeRSAPublicKey(cmd.RecvKey)
	if err != nil {
		return wire.ErrCmd{Code: CodeAuth}
	}
	if len(t.Sig) == 0 {
		return wire.ErrCmd{Code: CodeAuth}
	}
	if err := crypto.VerifySignature(pub, t.SignedBytes(), t.Sig); err != nil {
		return wire.ErrCmd{Code: CodeAuth}
	}

	rid, sid, err := s.srv.store.Create(ctx, cmd.RecvKey)
	if err != nil {
		if err == queue.ErrTooManyQueues {
			metrics.QueueQuotaRejections.Inc()
			return wire.ErrCmd{Code: CodeQuota}
		}
		s.log.Error("create queue failed", logger.Error(err))
		return wire.ErrCmd{Code: CodeInternal}
	}
	ridBytes, _ := wire.DecodeB64URL(rid)
	sidBytes, _ := wire.DecodeB64URL(sid)
	return wire.Ids{RecipientID: ridBytes, SenderID: sidBytes}
}

func (s *Session) handleKey(ctx context.Context, rec *queue.Record, cmd wire.Key) wire.ServerCommand {
	if rec.Status != queue.StatusNew {
		return wire.ErrCmd{Code: CodeProhibited}
	}
	if err := s.srv.store.Secure(ctx, rec.RecipientID, cmd.SenderKey); err != nil {
		return wire.ErrCmd{Code: CodeAuth}
	}
	return wire.Ok{}
}

func (s *Session) handleSub(ctx context.Context, rec *queue.Record) wire.ServerCommand {
	s.srv.subs.Subscribe(rec.RecipientID, s)
	s.markSubscribed(rec.RecipientID)
	if msg, err := s.srv.store.Peek(ctx, rec.RecipientID); err == nil && msg != nil {
		s.Deliver(rec.RecipientID, *msg)
	}
	return wire.Ok{}
}

func (s *Session) handleAck(ctx context.Context, rec *queue.Record) wire.ServerCommand {
	msg, err := s.srv.store.Peek(ctx, rec.RecipientID)
	if err != nil || msg == nil {
		return wire.ErrCmd{Code: CodeNoMsg}
	}
	s.clearPending(rec.RecipientID)
	if _, err := s.srv.store.Ack(ctx, rec.RecipientID, msg.InternalID); err != nil {
		return wire.ErrCmd{Code: CodeInternal}
	}
	return wire.Ok{}
}

func (s *Session) handleSend(ctx context.Context, rec *queue.Record, cmd wire.SendCmd) wire.ServerCommand {
	if rec.Status != queue.StatusSecured && rec.Status != queue.StatusActive {
		return wire.ErrCmd{Code: CodeNoQueue}
	}
	if _, err := s.srv.store.Enqueue(ctx, rec.RecipientID, cmd.Body, ""); err != nil {
		if err == queue.ErrQuota {
			metrics.QueueQuotaRejections.Inc()
			return wire.ErrCmd{Code: CodeQuota}
		}
		return wire.ErrCmd{Code: CodeInternal}
	}
	if rec.Status == queue.StatusSecured {
		_ = s.srv.store.Activate(ctx, rec.RecipientID)
	}
	return wire.Ok{}
}

func (s *Session) handleOff(ctx context.Context, rec *queue.Record) wire.ServerCommand {
	if err := s.srv.store.Disable(ctx, rec.RecipientID); err != nil {
		return wire.ErrCmd{Code: CodeInternal}
	}
	return wire.Ok{}
}

func (s *Session) handleDel(ctx context.Context, rec *queue.Record) wire.ServerCommand {
	s.srv.subs.Unsubscribe(s)
	if err := s.srv.store.Delete(ctx, rec.RecipientID); err != nil {
		return wire.ErrCmd{Code: CodeInternal}
	}
	return wire.Ok{}
}
