package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// SMPConfirmation is the very first sender→recipient body: it carries the
// sender's verify key so the recipient can KEY-secure its recv queue.
type SMPConfirmation struct {
	SenderVerifyKey []byte
}

// Serialize renders "CONF <sender_verify_key>".
func (c SMPConfirmation) Serialize() string {
	return "CONF " + EncodeB64(c.SenderVerifyKey)
}

// AgentAckMode controls whether the agent auto-acks delivered messages.
type AgentAckMode string

const (
	AckModeAuto   AgentAckMode = "auto"
	AckModeClient AgentAckMode = "client"
)

// Hello is the inner "HELLO(verify_key, ack_mode)" payload.
type Hello struct {
	VerifyKey []byte
	AckMode   AgentAckMode
}

// Reply is the inner "REPLY(queue_info)" payload.
type Reply struct {
	QueueInfo QueueInfo
}

// AMsg is the inner "A_MSG(body)" payload: an opaque application body.
type AMsg struct {
	Body []byte
}

// Inner is the sum type of SMPMessage payloads.
type Inner interface{ inner() }

func (Hello) inner() {}
func (Reply) inner() {}
func (AMsg) inner()  {}

// SMPMessage is the agent-level envelope sent after confirmation:
// monotonic agent_msg_id, timestamp, hash-chain link and an inner payload.
type SMPMessage struct {
	AgentMsgID  uint64
	AgentTsUnix int64
	PrevMsgHash []byte // 32 bytes, or empty for the first message
	Inner       Inner
}

// Serialize renders the full envelope as a single line plus (for A_MSG) a
// length-prefixed body, suitable for hashing and for AEAD-sealing.
func (m SMPMessage) Serialize() []byte {
	ph := "-" // empty for the first message of a chain; "-" keeps the field non-empty so Fields() can't swallow it
	if len(m.PrevMsgHash) > 0 {
		ph = EncodeB64URL(m.PrevMsgHash)
	}
	head := fmt.Sprintf("MSG %d %d %s", m.AgentMsgID, m.AgentTsUnix, ph)
	switch v := m.Inner.(type) {
	case Hello:
		return []byte(fmt.Sprintf("%s HELLO %s %s\n", head, EncodeB64(v.VerifyKey), v.AckMode))
	case Reply:
		return []byte(fmt.Sprintf("%s REPLY %s\n", head, v.QueueInfo.Serialize()))
	case AMsg:
		return []byte(fmt.Sprintf("%s A_MSG %d\n%s\n", head, len(v.Body), v.Body))
	default:
		return nil
	}
}

// ParseSMPMessage parses a serialized SMPMessage envelope.
func ParseSMPMessage(raw []byte) (SMPMessage, error) {
	// Only the single trailing "\n" Serialize appends is a terminator; an
	// A_MSG body is allowed to end in its own "\n" bytes, and TrimRight
	// would eat those along with the terminator.
	s := strings.TrimSuffix(string(raw), "\n")
	lines := strings.SplitN(s, "\n", 2)
	fields := strings.Fields(lines[0])
	if len(fields) < 5 || fields[0] != "MSG" {
		return SMPMessage{}, syntaxErr(SyntaxBadMessage, "malformed message envelope")
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return SMPMessage{}, syntaxErr(SyntaxBadMessage, "bad agent_msg_id")
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return SMPMessage{}, syntaxErr(SyntaxBadMessage, "bad agent_timestamp")
	}
	var prevHash []byte
	if fields[3] != "-" {
		prevHash, err = DecodeB64URL(fields[3])
		if err != nil {
			return SMPMessage{}, syntaxErr(SyntaxBadMessage, "bad prev_msg_hash")
		}
	}

	m := SMPMessage{AgentMsgID: id, AgentTsUnix: ts, PrevMsgHash: prevHash}
	switch fields[4] {
	case "HELLO":
		if len(fields) != 7 {
			return SMPMessage{}, syntaxErr(SyntaxBadMessage, "malformed HELLO")
		}
		key, err := DecodeB64(fields[5])
		if err != nil {
			return SMPMessage{}, syntaxErr(SyntaxBadMessage, "bad HELLO verify_key")
		}
		m.Inner = Hello{VerifyKey: key, AckMode: AgentAckMode(fields[6])}
		return m, nil
	case "REPLY":
		if len(fields) != 6 {
			return SMPMessage{}, syntaxErr(SyntaxBadMessage, "malformed REPLY")
		}
		qi, err := ParseQueueInfo(fields[5])
		if err != nil {
			return SMPMessage{}, err
		}
		m.Inner = Reply{QueueInfo: qi}
		return m, nil
	case "A_MSG":
		if len(lines) != 2 {
			return SMPMessage{}, syntaxErr(SyntaxBadMessage, "missing A_MSG body")
		}
		n, err := strconv.Atoi(fields[5])
		if err != nil || n < 0 || n > len(lines[1]) {
			return SMPMessage{}, syntaxErr(SyntaxBadMessage, "bad A_MSG length")
		}
		m.Inner = AMsg{Body: []byte(lines[1][:n])}
		return m, nil
	default:
		return SMPMessage{}, syntaxErr(SyntaxBadMessage, "unknown inner kind "+fields[4])
	}
}

// ParseSMPConfirmation parses a "CONF <sender_verify_key>" body.
func ParseSMPConfirmation(raw []byte) (SMPConfirmation, error) {
	fields := strings.Fields(string(raw))
	if len(fields) != 2 || fields[0] != "CONF" {
		return SMPConfirmation{}, syntaxErr(SyntaxBadMessage, "malformed confirmation")
	}
	key, err := DecodeB64(fields[1])
	if err != nil {
		return SMPConfirmation{}, syntaxErr(SyntaxBadMessage, "bad sender_verify_key")
	}
	return SMPConfirmation{SenderVerifyKey: key}, nil
}
