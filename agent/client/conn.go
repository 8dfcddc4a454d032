// Package client implements the agent's server-facing half (C8): a pooled
// connection per (host, port, key_hash) that multiplexes signed commands
// and their responses over one transport, fans out pushed MSG/END frames
// to per-queue subscriber channels, and reconnects with backoff.
package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/halilertekin/simplexmq/crypto"
	"github.com/halilertekin/simplexmq/transport"
	"github.com/halilertekin/simplexmq/wire"
)

// CommandTimeout bounds how long SendCommand waits for a matching response
// before failing with ErrTimeout, surfaced to the session layer as a
// BROKER tcp_connection error.
const CommandTimeout = 5 * time.Second

var (
	ErrTimeout = errors.New("agent/client: command timed out")
	ErrClosed  = errors.New("agent/client: connection closed")
)

// Push is a server-initiated frame: a delivered message or a subscriber
// eviction (End), keyed by recipient_id.
type Push struct {
	RecipientID string
	Msg         *wire.Msg
	Evicted     bool
}

// Conn is one multiplexed connection to a single server.
type Conn struct {
	addr wire.ServerAddress
	dial Dialer

	mu      sync.Mutex
	tr      transport.Transport
	waiters map[string]chan wire.ServerCommand
	subs    map[string]chan Push
	closed  bool
	done    chan struct{}
}

// Dialer opens a fresh transport to addr; production code wires
// transport.DialTLS, tests a fake in-memory dialer.
type Dialer func(ctx context.Context, addr wire.ServerAddress) (transport.Transport, error)

// NewConn dials addr and starts its read loop.
func NewConn(ctx context.Context, addr wire.ServerAddress, dial Dialer) (*Conn, error) {
	tr, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		addr:    addr,
		dial:    dial,
		tr:      tr,
		waiters: make(map[string]chan wire.ServerCommand),
		subs:    make(map[string]chan Push),
		done:    make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c, nil
}

// Subscribe returns (creating if needed) the push channel for recipientID.
func (c *Conn) Subscribe(recipientID string) <-chan Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.subs[recipientID]
	if !ok {
		ch = make(chan Push, 16)
		c.subs[recipientID] = ch
	}
	return ch
}

// SendCommand signs cmd against queueID with signer, writes it, and blocks
// until the matching response arrives or CommandTimeout elapses.
func (c *Conn) SendCommand(ctx context.Context, queueID []byte, signer *rsa.PrivateKey, cmd wire.ClientCommand) (wire.ServerCommand, error) {
	corrID, err := wire.NewID()
	if err != nil {
		return nil, err
	}
	line, body, hasBody := wire.ClientCommandLine(cmd)
	t := &wire.Transmission{CorrelationID: corrID, QueueID: queueID, CommandLine: line, Body: body, HasBody: hasBody}
	if signer != nil {
		sig := sha256Sign(signer, t.SignedBytes())
		t.Sig = sig
	}

	waitKey := wire.EncodeB64(corrID)
	respCh := make(chan wire.ServerCommand, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.waiters[waitKey] = respCh
	tr := c.tr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, waitKey)
		c.mu.Unlock()
	}()

	if err := tr.PutBytes(ctx, t.Serialize()); err != nil {
		return nil, err
	}

	timer := time.NewTimer(CommandTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func sha256Sign(signer *rsa.PrivateKey, data []byte) []byte {
	kp := &crypto.SigningKeyPair{Private: signer, Public: &signer.PublicKey}
	sig, err := kp.Sign(data)
	if err != nil {
		return nil
	}
	return sig
}

// readLoop parses one server response/push per iteration, routing it to
// the waiting SendCommand call (by correlation id) or the recipient's
// push channel (pushed MSG/END carry no correlation id).
func (c *Conn) readLoop(ctx context.Context) {
	defer c.stop()
	for {
		t, err := c.readTransmission(ctx)
		if err != nil {
			return
		}
		cmd, err := wire.ParseServerCommand(t.CommandLine, t.Body, t.HasBody)
		if err != nil {
			continue
		}

		if len(t.CorrelationID) > 0 {
			key := wire.EncodeB64(t.CorrelationID)
			c.mu.Lock()
			ch, ok := c.waiters[key]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- cmd:
				default:
				}
			}
			continue
		}

		recipientID := wire.EncodeB64URL(t.QueueID)
		switch v := cmd.(type) {
		case wire.Msg:
			c.dispatchPush(recipientID, Push{RecipientID: recipientID, Msg: &v})
		case wire.End:
			c.dispatchPush(recipientID, Push{RecipientID: recipientID, Evicted: true})
		}
	}
}

func (c *Conn) dispatchPush(recipientID string, p Push) {
	c.mu.Lock()
	ch, ok := c.subs[recipientID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

func (c *Conn) readTransmission(ctx context.Context) (*wire.Transmission, error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	if _, err := tr.GetLine(ctx); err != nil { // server responses are never signed, but still carry the line
		return nil, err
	}

	corrLine, err := tr.GetLine(ctx)
	if err != nil {
		return nil, err
	}
	corrID, _ := wire.DecodeB64(string(corrLine))

	qLine, err := tr.GetLine(ctx)
	if err != nil {
		return nil, err
	}
	queueID, _ := wire.DecodeB64URL(string(qLine))

	cmdLineBytes, err := tr.GetLine(ctx)
	if err != nil {
		return nil, err
	}
	cmdLine := string(cmdLineBytes)

	t := &wire.Transmission{CorrelationID: corrID, QueueID: queueID, CommandLine: cmdLine}

	if strings.HasPrefix(cmdLine, "MSG") {
		nLine, err := tr.GetLine(ctx)
		if err != nil {
			return nil, err
		}
		n, convErr := strconv.Atoi(string(nLine))
		if convErr == nil && n >= 0 {
			body, err := tr.GetBytes(ctx, n)
			if err != nil {
				return nil, err
			}
			_, _ = tr.GetBytes(ctx, 1) // trailing LF
			t.Body = body
			t.HasBody = true
		}
	}
	return t, nil
}

func (c *Conn) stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	tr := c.tr
	c.mu.Unlock()
	_ = tr.Close()
}

// Close tears down the connection without reconnecting.
func (c *Conn) Close() error {
	c.stop()
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done returns a channel closed when the connection has died, so callers
// can drive a reconnect-with-backoff loop and reissue SUB for every
// locally known receive queue.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) String() string {
	return fmt.Sprintf("agent/client.Conn{%s}", c.addr.Serialize())
}
