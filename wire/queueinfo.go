package wire

import "strings"

// QueueInfo is the invitation tuple an inviter shares out-of-band so the
// invitee can reach the inviter's recv queue as sender: serialized as
// "smp::<server>::<sender_id>::<encryption_key>".
type QueueInfo struct {
	Server        ServerAddress
	SenderID      []byte
	EncryptionKey []byte // raw X25519 public key
}

// Serialize renders the queue info string.
func (q QueueInfo) Serialize() string {
	return strings.Join([]string{
		"smp",
		q.Server.String(),
		EncodeB64URL(q.SenderID),
		EncodeB64URL(q.EncryptionKey),
	}, "::")
}

// ParseQueueInfo parses a "smp::server::sender_id::encryption_key" string.
func ParseQueueInfo(s string) (QueueInfo, error) {
	parts := strings.Split(s, "::")
	if len(parts) != 4 || parts[0] != "smp" {
		return QueueInfo{}, syntaxErr(SyntaxBadInvitation, "malformed queue info")
	}
	server, err := ParseServerAddress(parts[1])
	if err != nil {
		return QueueInfo{}, syntaxErr(SyntaxBadInvitation, "bad server in queue info")
	}
	senderID, err := DecodeB64URL(parts[2])
	if err != nil {
		return QueueInfo{}, syntaxErr(SyntaxBadInvitation, "bad sender_id in queue info")
	}
	encKey, err := DecodeB64URL(parts[3])
	if err != nil {
		return QueueInfo{}, syntaxErr(SyntaxBadInvitation, "bad encryption_key in queue info")
	}
	return QueueInfo{Server: server, SenderID: senderID, EncryptionKey: encKey}, nil
}
