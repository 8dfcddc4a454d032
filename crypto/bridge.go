// Package crypto: bridge.go lets this agent exchange sealed envelopes with
// peers from external SimpleX-compatible networks that publish Ed25519
// identity keys instead of the X25519 encryption keys §4.3 invitations
// carry natively. It is additive to, and independent of, the X25519 Seal/
// Open pair in seal.go: nothing on the NewConn/JoinConn handshake path
// calls into this file.
package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/cloudflare/circl/hpke"
)

// bridgeSuite fixes the HPKE ciphersuite used for bridged envelopes: X25519
// KEM, HKDF-SHA256, ChaCha20-Poly1305, matching the AEAD seal.go already
// uses for native envelopes.
var bridgeSuite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)

// ConvertEd25519PrivateToX25519 derives the X25519 scalar RFC 8032 §5.1.5
// assigns to an Ed25519 private key, so a key an external peer generated
// for signing can also decrypt HPKE envelopes addressed to it.
func ConvertEd25519PrivateToX25519(priv ed25519.PrivateKey) (*ecdh.PrivateKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: bad ed25519 private key length %d", len(priv))
	}
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return ecdh.X25519().NewPrivateKey(h[:32])
}

// ConvertEd25519PublicToX25519 decompresses an Ed25519 public key's Edwards
// point and returns its Montgomery-form X25519 equivalent.
func ConvertEd25519PublicToX25519(pub ed25519.PublicKey) (*ecdh.PublicKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: bad ed25519 public key length %d", len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid ed25519 public key: %w", err)
	}
	return ecdh.X25519().NewPublicKey(p.BytesMontgomery())
}

// bridgeInfo domain-separates bridged HPKE contexts from any other use of
// the same recipient key.
var bridgeInfo = []byte("simplexmq-bridge-envelope-v1")

// SealForBridgedPeer HPKE-seals plaintext to peer's X25519 public key
// (typically obtained via ConvertEd25519PublicToX25519) and returns
// enc||ciphertext, a self-describing packet OpenFromBridgedPeer can open
// given only the matching private key.
func SealForBridgedPeer(peer *ecdh.PublicKey, plaintext []byte) ([]byte, error) {
	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	recipient, err := kem.UnmarshalBinaryPublicKey(peer.Bytes())
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke unmarshal peer key: %w", err)
	}
	sender, err := bridgeSuite.NewSender(recipient, bridgeInfo)
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke new sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke setup: %w", err)
	}
	ct, err := sealer.Seal(plaintext, bridgeInfo)
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke seal: %w", err)
	}
	return append(enc, ct...), nil
}

// bridgeEncLen is the HPKE encapsulated-key length for the X25519 KEM.
const bridgeEncLen = 32

// OpenFromBridgedPeer reverses SealForBridgedPeer given the recipient's
// X25519 private key.
func OpenFromBridgedPeer(priv *ecdh.PrivateKey, packet []byte) ([]byte, error) {
	if len(packet) < bridgeEncLen {
		return nil, fmt.Errorf("crypto: bridged packet too short")
	}
	enc, ct := packet[:bridgeEncLen], packet[bridgeEncLen:]

	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	skR, err := kem.UnmarshalBinaryPrivateKey(priv.Bytes())
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke unmarshal priv: %w", err)
	}
	receiver, err := bridgeSuite.NewReceiver(skR, bridgeInfo)
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke new receiver: %w", err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke receiver setup: %w", err)
	}
	pt, err := opener.Open(ct, bridgeInfo)
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke open: %w", err)
	}
	return pt, nil
}
