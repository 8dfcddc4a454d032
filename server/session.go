package server

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/halilertekin/simplexmq/queue"
	"github.com/halilertekin/simplexmq/transport"
	"github.com/halilertekin/simplexmq/wire"
)

type outboundFrame struct {
	corrID []byte // empty for server-initiated pushes (MSG/END)
	cmd    wire.ServerCommand
}

// Session is a single accepted connection's command loop: one goroutine
// reads, verifies and dispatches; a second drains the outbox and writes,
// so pushed MSG/END frames never interleave with in-flight writes.
type Session struct {
	id  string
	tr  transport.Transport
	srv *Server
	log logger.Logger

	outbox chan outboundFrame
	done   chan struct{}
	closed sync.Once

	mu              sync.Mutex
	subscribed      map[string]bool // recipient_id -> true while subscribed
	deliveryPending map[string]bool
}

func newSession(tr transport.Transport, srv *Server) *Session {
	return &Session{
		id:              uuid.NewString(),
		tr:              tr,
		srv:             srv,
		log:             srv.log,
		outbox:          make(chan outboundFrame, 64),
		done:            make(chan struct{}),
		subscribed:      make(map[string]bool),
		deliveryPending: make(map[string]bool),
	}
}

func (s *Session) ID() string { return s.id }

// Deliver implements subscription.Subscriber: push a MSG frame.
func (s *Session) Deliver(recipientID string, msg queue.Message) {
	s.mu.Lock()
	if s.deliveryPending[recipientID] {
		s.mu.Unlock()
		return
	}
	s.deliveryPending[recipientID] = true
	s.mu.Unlock()

	select {
	case s.outbox <- outboundFrame{cmd: wire.Msg{MsgID: msg.InternalID, Timestamp: msg.BrokerTimestamp.UnixNano(), Body: msg.Body}}:
	case <-s.done:
	}
}

// Evict implements subscription.Subscriber: push an END frame.
func (s *Session) Evict(recipientID string) {
	s.mu.Lock()
	delete(s.subscribed, recipientID)
	delete(s.deliveryPending, recipientID)
	s.mu.Unlock()

	select {
	case s.outbox <- outboundFrame{cmd: wire.End{}}:
	case <-s.done:
	}
}

func (s *Session) markSubscribed(recipientID string) {
	s.mu.Lock()
	s.subscribed[recipientID] = true
	s.mu.Unlock()
}

func (s *Session) clearPending(recipientID string) {
	s.mu.Lock()
	delete(s.deliveryPending, recipientID)
	s.mu.Unlock()
}

// Run drives the session until the transport closes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	go s.writeLoop(ctx)
	defer s.stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		tr, err := s.readTransmission(ctx)
		if err != nil {
			return
		}
		resp := s.dispatch(ctx, tr)
		select {
		case s.outbox <- outboundFrame{corrID: tr.CorrelationID, cmd: resp}:
		case <-s.done:
			return
		}
	}
}

func (s *Session) stop() {
	s.closed.Do(func() {
		close(s.done)
		s.srv.subs.Unsubscribe(s)
		_ = s.tr.Close()
	})
}

// readTransmission reads one full client transmission off the wire.
func (s *Session) readTransmission(ctx context.Context) (*wire.Transmission, error) {
	sigLine, err := s.tr.GetLine(ctx)
	if err != nil {
		return nil, err
	}
	var sig []byte
	if len(sigLine) > 0 {
		sig, err = wire.DecodeB64URL(string(sigLine))
		if err != nil {
			return nil, &SyntaxParseError{}
		}
	}

	corrLine, err := s.tr.GetLine(ctx)
	if err != nil {
		return nil, err
	}
	corrID, _ := wire.DecodeB64(string(corrLine))

	qLine, err := s.tr.GetLine(ctx)
	if err != nil {
		return nil, err
	}
	queueID, _ := wire.DecodeB64URL(string(qLine))

	cmdLineBytes, err := s.tr.GetLine(ctx)
	if err != nil {
		return nil, err
	}
	cmdLine := string(cmdLineBytes)

	t := &wire.Transmission{Sig: sig, CorrelationID: corrID, QueueID: queueID, CommandLine: cmdLine}

	if strings.HasPrefix(cmdLine, "SEND") {
		nLine, err := s.tr.GetLine(ctx)
		if err != nil {
			return nil, err
		}
		n, convErr := strconv.Atoi(string(nLine))
		if convErr == nil && n >= 0 {
			body, err := s.tr.GetBytes(ctx, n)
			if err != nil {
				return nil, err
			}
			_, _ = s.tr.GetBytes(ctx, 1) // trailing LF
			t.Body = body
			t.HasBody = true
		}
	}
	return t, nil
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-s.outbox:
			line, body, hasBody := wire.ServerCommandLine(frame.cmd)
			resp := &wire.Transmission{CorrelationID: frame.corrID, CommandLine: line, Body: body, HasBody: hasBody}
			if err := s.tr.PutBytes(ctx, resp.Serialize()); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SyntaxParseError marks a malformed signature line.
type SyntaxParseError struct{}

func (e *SyntaxParseError) Error() string { return "server: malformed signature line" }
