package memory

import (
	"context"
	"testing"

	"github.com/halilertekin/simplexmq/queue"
)

func TestCreateYieldsUniqueIDs(t *testing.T) {
	s := New()
	ctx := context.Background()
	seenR := map[string]bool{}
	seenS := map[string]bool{}
	for i := 0; i < 50; i++ {
		rid, sid, err := s.Create(ctx, []byte("key"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seenR[rid] {
			t.Fatalf("duplicate recipient_id %s", rid)
		}
		if seenS[sid] {
			t.Fatalf("duplicate sender_id %s", sid)
		}
		seenR[rid] = true
		seenS[sid] = true
	}
}

func TestSecureIdempotentSameKeyRejectsDifferent(t *testing.T) {
	s := New()
	ctx := context.Background()
	rid, _, _ := s.Create(ctx, []byte("rk"))

	if err := s.Secure(ctx, rid, []byte("sk")); err != nil {
		t.Fatalf("first secure: %v", err)
	}
	if err := s.Secure(ctx, rid, []byte("sk")); err != nil {
		t.Fatalf("idempotent secure: %v", err)
	}
	if err := s.Secure(ctx, rid, []byte("other")); err != queue.ErrAuth {
		t.Fatalf("expected ErrAuth for differing key, got %v", err)
	}
}

func TestFIFODelivery(t *testing.T) {
	s := New()
	ctx := context.Background()
	rid, _, _ := s.Create(ctx, []byte("rk"))

	bodies := [][]byte{[]byte("b1"), []byte("b2"), []byte("b3")}
	for _, b := range bodies {
		if _, err := s.Enqueue(ctx, rid, b, ""); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for _, want := range bodies {
		msg, err := s.Peek(ctx, rid)
		if err != nil || msg == nil {
			t.Fatalf("peek: %v", err)
		}
		if string(msg.Body) != string(want) {
			t.Fatalf("fifo violated: got %q want %q", msg.Body, want)
		}
		if _, err := s.Ack(ctx, rid, msg.InternalID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
}

func TestQuotaRejectsThenRecovers(t *testing.T) {
	s := New()
	ctx := context.Background()
	rid, _, _ := s.Create(ctx, []byte("rk"))

	var lastID uint64
	for i := 0; i < queue.DefaultQuota; i++ {
		id, err := s.Enqueue(ctx, rid, []byte("x"), "")
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		lastID = id
	}
	if _, err := s.Enqueue(ctx, rid, []byte("overflow"), ""); err != queue.ErrQuota {
		t.Fatalf("expected ErrQuota, got %v", err)
	}
	if _, err := s.Ack(ctx, rid, 1); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := s.Enqueue(ctx, rid, []byte("fits-now"), ""); err != nil {
		t.Fatalf("expected enqueue to succeed after ack, got %v", err)
	}
	_ = lastID
}
