package memory

import (
	"context"
	"testing"

	"github.com/halilertekin/simplexmq/agent/store"
)

func TestCreateConnectionThenAttachSendQueue(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateConnection(ctx, store.Connection{ConnAlias: "a", Status: store.ConnNew}, store.RecvQueue{ConnAlias: "a"}); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if _, err := s.GetRecvQueue(ctx, "a"); err != nil {
		t.Fatalf("GetRecvQueue: %v", err)
	}
	if _, err := s.GetSendQueue(ctx, "a"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound before attach, got %v", err)
	}

	if err := s.AttachSendQueue(ctx, "a", store.SendQueue{ConnAlias: "a", SenderID: "sid"}); err != nil {
		t.Fatalf("AttachSendQueue: %v", err)
	}
	sq, err := s.GetSendQueue(ctx, "a")
	if err != nil {
		t.Fatalf("GetSendQueue after attach: %v", err)
	}
	if sq.SenderID != "sid" {
		t.Fatalf("SenderID = %q, want sid", sq.SenderID)
	}
}

func TestAppendReceivedRejectsHashMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateConnection(ctx, store.Connection{ConnAlias: "a"}, store.RecvQueue{ConnAlias: "a"}); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	err := s.AppendReceived(ctx, "a", store.StoredMessage{AgentMsgID: 1}, []byte("wrong"), []byte("h1"))
	if err != store.ErrChainMismatch {
		t.Fatalf("expected ErrChainMismatch, got %v", err)
	}

	if err := s.AppendReceived(ctx, "a", store.StoredMessage{AgentMsgID: 1}, nil, []byte("h1")); err != nil {
		t.Fatalf("AppendReceived with correct prev hash: %v", err)
	}
	c, err := s.GetConnection(ctx, "a")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if string(c.PrevRcvHash) != "h1" {
		t.Fatalf("PrevRcvHash = %q, want h1", c.PrevRcvHash)
	}
}

func TestAppendSentAssignsMonotonicIDsAndMarkAcked(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateConnection(ctx, store.Connection{ConnAlias: "a"}, store.RecvQueue{ConnAlias: "a"}); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	m1, err := s.AppendSent(ctx, "a", []byte("one"), []byte("h1"))
	if err != nil {
		t.Fatalf("AppendSent 1: %v", err)
	}
	m2, err := s.AppendSent(ctx, "a", []byte("two"), []byte("h2"))
	if err != nil {
		t.Fatalf("AppendSent 2: %v", err)
	}
	if m2.AgentMsgID != m1.AgentMsgID+1 {
		t.Fatalf("agent_msg_id not monotonic: %d then %d", m1.AgentMsgID, m2.AgentMsgID)
	}

	if err := s.MarkAcked(ctx, "a", m1.AgentMsgID); err != nil {
		t.Fatalf("MarkAcked: %v", err)
	}
	msgs, err := s.ListMessages(ctx, "a")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if msgs[0].Status != store.MessageAcked {
		t.Fatalf("message 1 status = %v, want acked", msgs[0].Status)
	}
	if msgs[1].Status != store.MessagePending {
		t.Fatalf("message 2 status = %v, want pending", msgs[1].Status)
	}
}
