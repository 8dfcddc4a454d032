package transport

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"time"
)

// IdleTimeout is the default per-read deadline, per §5.
const IdleTimeout = 30 * time.Second

// TLSTransport frames a TLS connection line-oriented for commands and
// length-prefixed for bodies.
type TLSTransport struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewTLSTransport wraps an already-established TLS connection.
func NewTLSTransport(conn net.Conn) *TLSTransport {
	return &TLSTransport{conn: conn, r: bufio.NewReaderSize(conn, MaxLine)}
}

// DialTLS connects to addr and verifies the server certificate's SPKI
// SHA-256 fingerprint against keyHash, if non-empty.
func DialTLS(ctx context.Context, addr, keyHash string) (*TLSTransport, error) {
	dialer := &tls.Dialer{Config: &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: keyHash == "",
	}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TLSError{Cause: err}
	}
	tlsConn := conn.(*tls.Conn)
	if keyHash != "" {
		if err := verifySPKI(tlsConn, keyHash); err != nil {
			_ = conn.Close()
			return nil, &TLSError{Cause: err}
		}
	}
	return NewTLSTransport(conn), nil
}

func verifySPKI(conn *tls.Conn, keyHash string) error {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("no peer certificates presented")
	}
	spki, err := x509.MarshalPKIXPublicKey(state.PeerCertificates[0].PublicKey)
	if err != nil {
		return fmt.Errorf("marshal spki: %w", err)
	}
	sum := sha256.Sum256(spki)
	got := fmt.Sprintf("%x", sum[:])
	if got != keyHash {
		return fmt.Errorf("spki fingerprint mismatch: got %s want %s", got, keyHash)
	}
	return nil
}

// TLSListener accepts TLS connections and wraps them as Transports.
type TLSListener struct {
	ln net.Listener
}

// ListenTLS starts listening on addr with the given server certificate.
func ListenTLS(addr string, cert tls.Certificate) (*TLSListener, error) {
	ln, err := tls.Listen("tcp", addr, &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	})
	if err != nil {
		return nil, &TLSError{Cause: err}
	}
	return &TLSListener{ln: ln}, nil
}

func (l *TLSListener) Accept(ctx context.Context) (Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, &TLSError{Cause: err}
	}
	return NewTLSTransport(conn), nil
}

func (l *TLSListener) Close() error { return l.ln.Close() }

func (t *TLSTransport) deadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(IdleTimeout)
}

func (t *TLSTransport) PutLine(ctx context.Context, b []byte) error {
	_ = t.conn.SetWriteDeadline(t.deadline(ctx))
	if _, err := t.conn.Write(append(append([]byte{}, b...), '\n')); err != nil {
		return ErrConnClosed
	}
	return nil
}

func (t *TLSTransport) GetLine(ctx context.Context) ([]byte, error) {
	_ = t.conn.SetReadDeadline(t.deadline(ctx))
	line, err := t.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, ErrLineTooLong
	}
	if err != nil {
		return nil, ErrConnClosed
	}
	return line[:len(line)-1], nil
}

func (t *TLSTransport) PutBytes(ctx context.Context, b []byte) error {
	_ = t.conn.SetWriteDeadline(t.deadline(ctx))
	if _, err := t.conn.Write(b); err != nil {
		return ErrConnClosed
	}
	return nil
}

func (t *TLSTransport) GetBytes(ctx context.Context, n int) ([]byte, error) {
	_ = t.conn.SetReadDeadline(t.deadline(ctx))
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return nil, ErrConnClosed
	}
	return buf, nil
}

func (t *TLSTransport) Close() error { return t.conn.Close() }
