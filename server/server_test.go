package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/halilertekin/simplexmq/crypto"
	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/halilertekin/simplexmq/queue/memory"
	"github.com/halilertekin/simplexmq/subscription"
	"github.com/halilertekin/simplexmq/transport"
	"github.com/halilertekin/simplexmq/wire"
)

// testClient drives one side of an in-memory pipe using the raw wire
// protocol, standing in for the agent's C8 client for these tests.
type testClient struct {
	tr  transport.Transport
	ctx context.Context
}

func newTestServer(t *testing.T) (*testClient, func()) {
	t.Helper()
	store := memory.New()
	subs := subscription.NewManager()
	store.SetNotifier(subs)
	srv := New(store, subs, logger.NewDefaultLogger())

	clientConn, serverConn := net.Pipe()
	clientTr := transport.NewTLSTransport(clientConn)
	serverTr := transport.NewTLSTransport(serverConn)

	ctx, cancel := context.WithCancel(context.Background())
	sess := newSession(serverTr, srv)
	go sess.Run(ctx)

	return &testClient{tr: clientTr, ctx: ctx}, func() { cancel(); _ = clientConn.Close() }
}

func (c *testClient) roundTrip(t *testing.T, corrID []byte, queueID []byte, signer *crypto.SigningKeyPair, cmd wire.ClientCommand) wire.ServerCommand {
	t.Helper()
	line, body, hasBody := wire.ClientCommandLine(cmd)
	tr := &wire.Transmission{CorrelationID: corrID, QueueID: queueID, CommandLine: line, Body: body, HasBody: hasBody}
	if signer != nil {
		sig, err := signer.Sign(tr.SignedBytes())
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		tr.Sig = sig
	}
	if err := c.tr.PutBytes(c.ctx, tr.Serialize()); err != nil {
		t.Fatalf("write: %v", err)
	}
	return c.readResponse(t)
}

func (c *testClient) readResponse(t *testing.T) wire.ServerCommand {
	t.Helper()
	ctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
	defer cancel()

	_, err := c.tr.GetLine(ctx) // sig (empty for responses)
	if err != nil {
		t.Fatalf("read sig: %v", err)
	}
	_, err = c.tr.GetLine(ctx) // correlation id
	if err != nil {
		t.Fatalf("read corr: %v", err)
	}
	_, err = c.tr.GetLine(ctx) // queue id (empty)
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	line, err := c.tr.GetLine(ctx)
	if err != nil {
		t.Fatalf("read cmd line: %v", err)
	}
	hasBody := len(line) >= 4 && string(line[:3]) == "MSG"
	var body []byte
	if hasBody {
		nLine, err := c.tr.GetLine(ctx)
		if err != nil {
			t.Fatalf("read body len: %v", err)
		}
		n := 0
		for _, d := range nLine {
			n = n*10 + int(d-'0')
		}
		body, err = c.tr.GetBytes(ctx, n)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		_, _ = c.tr.GetBytes(ctx, 1)
	}
	resp, err := wire.ParseServerCommand(string(line), body, hasBody)
	if err != nil {
		t.Fatalf("parse response %q: %v", line, err)
	}
	return resp
}

func TestScenarioS1NewKeySendSubAck(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	recipientKeys, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate recipient key: %v", err)
	}
	senderKeys, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate sender key: %v", err)
	}
	recvKeyDER, _ := crypto.EncodePublicKey(recipientKeys.Public)
	sendKeyDER, _ := crypto.EncodePublicKey(senderKeys.Public)

	corr1, _ := wire.NewID()
	resp := client.roundTrip(t, corr1, nil, recipientKeys, wire.NewQueue{RecvKey: recvKeyDER})
	ids, ok := resp.(wire.Ids)
	if !ok {
		t.Fatalf("expected IDS, got %#v", resp)
	}

	corr2, _ := wire.NewID()
	resp = client.roundTrip(t, corr2, ids.RecipientID, recipientKeys, wire.Key{SenderKey: sendKeyDER})
	if _, ok := resp.(wire.Ok); !ok {
		t.Fatalf("expected OK for KEY, got %#v", resp)
	}

	corr3, _ := wire.NewID()
	resp = client.roundTrip(t, corr3, ids.SenderID, senderKeys, wire.SendCmd{Body: []byte("hello")})
	if _, ok := resp.(wire.Ok); !ok {
		t.Fatalf("expected OK for SEND, got %#v", resp)
	}

	corr4, _ := wire.NewID()
	resp = client.roundTrip(t, corr4, ids.RecipientID, recipientKeys, wire.Sub{})
	if _, ok := resp.(wire.Ok); !ok {
		t.Fatalf("expected OK for SUB, got %#v", resp)
	}

	msgResp := client.readResponse(t)
	msg, ok := msgResp.(wire.Msg)
	if !ok {
		t.Fatalf("expected pushed MSG, got %#v", msgResp)
	}
	if string(msg.Body) != "hello" {
		t.Fatalf("expected body 'hello', got %q", msg.Body)
	}

	corr5, _ := wire.NewID()
	resp = client.roundTrip(t, corr5, ids.RecipientID, recipientKeys, wire.Ack{})
	if _, ok := resp.(wire.Ok); !ok {
		t.Fatalf("expected OK for ACK, got %#v", resp)
	}
}

func TestScenarioS2BadSignature(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	recipientKeys, _ := crypto.GenerateSigningKeyPair()
	recvKeyDER, _ := crypto.EncodePublicKey(recipientKeys.Public)
	corr1, _ := wire.NewID()
	resp := client.roundTrip(t, corr1, nil, recipientKeys, wire.NewQueue{RecvKey: recvKeyDER})
	ids := resp.(wire.Ids)

	randomKeys, _ := crypto.GenerateSigningKeyPair()
	corr2, _ := wire.NewID()
	resp = client.roundTrip(t, corr2, ids.RecipientID, randomKeys, wire.Sub{})
	errResp, ok := resp.(wire.ErrCmd)
	if !ok || errResp.Code != CodeAuth {
		t.Fatalf("expected ERR AUTH, got %#v", resp)
	}
}

func TestScenarioS3Quota(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	recipientKeys, _ := crypto.GenerateSigningKeyPair()
	senderKeys, _ := crypto.GenerateSigningKeyPair()
	recvKeyDER, _ := crypto.EncodePublicKey(recipientKeys.Public)
	sendKeyDER, _ := crypto.EncodePublicKey(senderKeys.Public)

	corr, _ := wire.NewID()
	ids := client.roundTrip(t, corr, nil, recipientKeys, wire.NewQueue{RecvKey: recvKeyDER}).(wire.Ids)
	corr, _ = wire.NewID()
	client.roundTrip(t, corr, ids.RecipientID, recipientKeys, wire.Key{SenderKey: sendKeyDER})

	for i := 0; i < queueDefaultQuotaForTest; i++ {
		corr, _ = wire.NewID()
		resp := client.roundTrip(t, corr, ids.SenderID, senderKeys, wire.SendCmd{Body: []byte("x")})
		if _, ok := resp.(wire.Ok); !ok {
			t.Fatalf("enqueue %d: expected OK, got %#v", i, resp)
		}
	}
	corr, _ = wire.NewID()
	resp := client.roundTrip(t, corr, ids.SenderID, senderKeys, wire.SendCmd{Body: []byte("overflow")})
	errResp, ok := resp.(wire.ErrCmd)
	if !ok || errResp.Code != CodeQuota {
		t.Fatalf("expected ERR QUOTA, got %#v", resp)
	}
}

const queueDefaultQuotaForTest = 128
