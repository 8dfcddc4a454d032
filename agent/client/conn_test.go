package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/halilertekin/simplexmq/crypto"
	"github.com/halilertekin/simplexmq/transport"
	"github.com/halilertekin/simplexmq/wire"
)

func newPipePair(t *testing.T) (client, serverSide transport.Transport) {
	t.Helper()
	c1, c2 := net.Pipe()
	return transport.NewTLSTransport(c1), transport.NewTLSTransport(c2)
}

func TestSendCommandRoundTrip(t *testing.T) {
	clientTr, serverTr := newPipePair(t)
	ctx := context.Background()

	dial := func(ctx context.Context, addr wire.ServerAddress) (transport.Transport, error) {
		return clientTr, nil
	}

	go func() {
		_, _ = serverTr.GetLine(ctx) // signature
		corrLine, _ := serverTr.GetLine(ctx)
		_, _ = serverTr.GetLine(ctx) // queue id
		_, _ = serverTr.GetLine(ctx) // command line

		resp := &wire.Transmission{CorrelationID: mustDecodeB64(corrLine), CommandLine: "OK"}
		_ = serverTr.PutBytes(ctx, resp.Serialize())
	}()

	conn, err := NewConn(ctx, wire.ServerAddress{Host: "test"}, dial)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	kp, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair: %v", err)
	}

	resp, err := conn.SendCommand(ctx, []byte("recipient"), kp.Private, wire.Sub{})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if _, ok := resp.(wire.Ok); !ok {
		t.Fatalf("response = %#v, want wire.Ok", resp)
	}
}

func TestSendCommandTimesOutWithNoResponse(t *testing.T) {
	clientTr, _ := newPipePair(t)
	ctx := context.Background()
	dial := func(ctx context.Context, addr wire.ServerAddress) (transport.Transport, error) {
		return clientTr, nil
	}
	conn, err := NewConn(ctx, wire.ServerAddress{Host: "test"}, dial)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	kp, _ := crypto.GenerateSigningKeyPair()
	if _, err := conn.SendCommand(timeoutCtx, []byte("recipient"), kp.Private, wire.Sub{}); err == nil {
		t.Fatal("expected an error, got nil")
	}
}

func mustDecodeB64(line []byte) []byte {
	b, _ := wire.DecodeB64(string(line))
	return b
}
