package wire

import (
	"bytes"
	"fmt"
	"strconv"
)

// Transmission is the line-structured unit of the wire protocol: an
// optional signature, a correlation id, a queue id or conn alias, a
// command line, and an optional length-prefixed body.
type Transmission struct {
	Sig           []byte // nil/empty if unsigned
	CorrelationID []byte
	QueueID       []byte // recipient_id / sender_id, or a conn_alias on the agent side
	CommandLine   string
	Body          []byte // nil if the command carries no body
	HasBody       bool
}

// SignedBytes returns the bytes that a signature covers: everything after
// the signature line, i.e. correlation id line through the end of body.
func (t *Transmission) SignedBytes() []byte {
	return t.serialize(false)
}

// Serialize renders the full transmission, including the signature line.
func (t *Transmission) Serialize() []byte {
	return t.serialize(true)
}

func (t *Transmission) serialize(withSig bool) []byte {
	var buf bytes.Buffer
	if withSig {
		if len(t.Sig) > 0 {
			buf.WriteString(EncodeB64URL(t.Sig))
		}
		buf.WriteByte('\n')
	}
	buf.WriteString(EncodeB64(t.CorrelationID))
	buf.WriteByte('\n')
	buf.WriteString(EncodeB64URL(t.QueueID))
	buf.WriteByte('\n')
	buf.WriteString(t.CommandLine)
	buf.WriteByte('\n')
	if t.HasBody {
		buf.WriteString(strconv.Itoa(len(t.Body)))
		buf.WriteByte('\n')
		buf.Write(t.Body)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ParseTransmission parses a complete signed transmission: signature line,
// correlation id, queue id/alias, command line, optional body.
func ParseTransmission(raw []byte) (*Transmission, error) {
	rest := raw

	sigLine, rest, err := cutLine(rest)
	if err != nil {
		return nil, syntaxErr(SyntaxBadEncoding, "missing signature line")
	}
	var sig []byte
	if len(sigLine) > 0 {
		sig, err = DecodeB64URL(string(sigLine))
		if err != nil {
			return nil, syntaxErr(SyntaxBadEncoding, "bad signature encoding")
		}
	}

	corrLine, rest, err := cutLine(rest)
	if err != nil {
		return nil, syntaxErr(SyntaxBadEncoding, "missing correlation id line")
	}
	corr, err := DecodeB64(string(corrLine))
	if err != nil {
		return nil, syntaxErr(SyntaxBadEncoding, "bad correlation id encoding")
	}

	qLine, rest, err := cutLine(rest)
	if err != nil {
		return nil, syntaxErr(SyntaxBadEncoding, "missing queue id line")
	}
	qid, err := DecodeB64URL(string(qLine))
	if err != nil {
		return nil, syntaxErr(SyntaxBadEncoding, "bad queue id encoding")
	}

	cmdLine, rest, err := cutLine(rest)
	if err != nil {
		return nil, syntaxErr(SyntaxBadCommand, "missing command line")
	}

	t := &Transmission{
		Sig:           sig,
		CorrelationID: corr,
		QueueID:       qid,
		CommandLine:   string(cmdLine),
	}

	if len(rest) == 0 {
		return t, nil
	}

	nLine, rest, err := cutLine(rest)
	if err != nil {
		return nil, syntaxErr(SyntaxBadCommand, "missing body length")
	}
	n, err := strconv.Atoi(string(nLine))
	if err != nil || n < 0 {
		return nil, syntaxErr(SyntaxBadCommand, "invalid body length")
	}
	if len(rest) < n+1 {
		return nil, syntaxErr(SyntaxBadCommand, "truncated body")
	}
	t.Body = rest[:n]
	t.HasBody = true
	if rest[n] != '\n' {
		return nil, syntaxErr(SyntaxBadCommand, "body not newline-terminated")
	}
	return t, nil
}

// cutLine splits off the bytes up to (not including) the first LF and
// returns the remainder after it.
func cutLine(b []byte) (line, rest []byte, err error) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return nil, nil, fmt.Errorf("wire: unterminated line")
	}
	return b[:i], b[i+1:], nil
}
