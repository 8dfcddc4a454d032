package transport

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport adapts a gorilla/websocket connection to the Transport
// interface using binary frames: each PutLine/PutBytes call is one frame,
// and GetLine/GetBytes buffer across frame boundaries as needed.
type WSTransport struct {
	conn    *websocket.Conn
	pending []byte // unread bytes from the most recent inbound frame
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  MaxLine,
	WriteBufferSize: MaxLine,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWSTransport wraps an already-established websocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// UpgradeWS upgrades an inbound HTTP request to a websocket Transport.
func UpgradeWS(w http.ResponseWriter, r *http.Request) (*WSTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, &TLSError{Cause: err}
	}
	return NewWSTransport(conn), nil
}

// DialWS connects to a ws:// or wss:// URL.
func DialWS(ctx context.Context, url string) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &TLSError{Cause: err}
	}
	return NewWSTransport(conn), nil
}

func (t *WSTransport) deadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(IdleTimeout)
}

func (t *WSTransport) PutLine(ctx context.Context, b []byte) error {
	_ = t.conn.SetWriteDeadline(t.deadline(ctx))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return ErrConnClosed
	}
	return nil
}

func (t *WSTransport) PutBytes(ctx context.Context, b []byte) error {
	return t.PutLine(ctx, b)
}

// nextFrame reads the next binary frame into t.pending if it is empty.
func (t *WSTransport) nextFrame(ctx context.Context) error {
	if len(t.pending) > 0 {
		return nil
	}
	_ = t.conn.SetReadDeadline(t.deadline(ctx))
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return ErrConnClosed
	}
	if len(data) > MaxLine {
		return ErrLineTooLong
	}
	t.pending = data
	return nil
}

// GetLine returns one full frame as a line; the websocket framing already
// delimits messages, so LF-splitting is unnecessary here.
func (t *WSTransport) GetLine(ctx context.Context) ([]byte, error) {
	if err := t.nextFrame(ctx); err != nil {
		return nil, err
	}
	line := t.pending
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		t.pending = line[i+1:]
		return line[:i], nil
	}
	t.pending = nil
	return line, nil
}

// GetBytes returns exactly n bytes, pulling additional frames if needed.
func (t *WSTransport) GetBytes(ctx context.Context, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if err := t.nextFrame(ctx); err != nil {
			return nil, err
		}
		take := n - len(out)
		if take > len(t.pending) {
			take = len(t.pending)
		}
		out = append(out, t.pending[:take]...)
		t.pending = t.pending[take:]
	}
	return out, nil
}

func (t *WSTransport) Close() error { return t.conn.Close() }

// WSListener serves WebSocket upgrades on a plain HTTP listener, so a
// single session loop (server.Server.Serve) works identically whether a
// client dialed in over TLS or a browser-facing WebSocket front end.
type WSListener struct {
	ln     net.Listener
	accept chan acceptResult
	done   chan struct{}
	srv    *http.Server
}

type acceptResult struct {
	tr  Transport
	err error
}

// ListenWS starts an HTTP server on addr that upgrades every request to a
// WebSocket Transport and hands it to Accept.
func ListenWS(addr string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &WSListener{ln: ln, accept: make(chan acceptResult), done: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		tr, err := UpgradeWS(w, r)
		select {
		case l.accept <- acceptResult{tr: tr, err: err}:
		case <-l.done:
			// Close shut the listener down while this upgrade was in
			// flight or between Accept calls; nobody will ever read this
			// result, so close the freshly upgraded socket ourselves
			// instead of leaking this goroutine on a send nobody drains.
			if tr != nil {
				_ = tr.Close()
			}
		}
	})
	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(ln)
	return l, nil
}

func (l *WSListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case res := <-l.accept:
		return res.tr, res.err
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WSListener) Close() error {
	close(l.done)
	return l.srv.Close()
}
