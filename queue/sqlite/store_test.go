package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/halilertekin/simplexmq/queue"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestEnqueueDoesNotDeadlock exercises the exact path a SEND command takes
// in production: Create a queue, then Enqueue a message against it. Enqueue
// used to lock s.mu and call bufferFor while still holding it, and bufferFor
// itself locks s.mu -- a non-reentrant sync.Mutex deadlocks on that call.
func TestEnqueueDoesNotDeadlock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rid, _, err := s.Create(ctx, []byte("recv-key"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Enqueue(ctx, rid, []byte("hello"), "sender-msg-1")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Enqueue deadlocked")
	}

	msg, err := s.Peek(ctx, rid)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if msg == nil || string(msg.Body) != "hello" {
		t.Fatalf("peek returned %v", msg)
	}
}

func TestEnqueueFIFOAndQuota(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rid, _, _ := s.Create(ctx, []byte("recv-key"))

	old := queue.Quota
	queue.Quota = 2
	defer func() { queue.Quota = old }()

	if _, err := s.Enqueue(ctx, rid, []byte("one"), "m1"); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if _, err := s.Enqueue(ctx, rid, []byte("two"), "m2"); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if _, err := s.Enqueue(ctx, rid, []byte("three"), "m3"); err != queue.ErrQuota {
		t.Fatalf("expected ErrQuota, got %v", err)
	}

	first, err := s.Peek(ctx, rid)
	if err != nil || first == nil {
		t.Fatalf("peek: %v %v", first, err)
	}
	if string(first.Body) != "one" {
		t.Fatalf("expected FIFO head %q, got %q", "one", first.Body)
	}
	next, err := s.Ack(ctx, rid, first.InternalID)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if next == nil || string(next.Body) != "two" {
		t.Fatalf("expected next %q, got %v", "two", next)
	}
}

func TestCreateRespectsMaxActiveQueues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := queue.MaxActiveQueues
	queue.MaxActiveQueues = 1
	defer func() { queue.MaxActiveQueues = old }()

	if _, _, err := s.Create(ctx, []byte("k1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, _, err := s.Create(ctx, []byte("k2")); err != queue.ErrTooManyQueues {
		t.Fatalf("expected ErrTooManyQueues, got %v", err)
	}
}
