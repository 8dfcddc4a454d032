package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is a fixed domain-separation string for deriving the AEAD key
// from an X25519 shared secret. Both sender and recipient must agree on it.
var hkdfInfo = []byte("simplexmq-agent-message-v1")

// EncryptionKeyPair is the X25519 key pair an agent publishes in an
// invitation as its "encryption_key" and holds privately to open sealed
// messages addressed to it.
type EncryptionKeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateEncryptionKeyPair creates a fresh X25519 key pair.
func GenerateEncryptionKeyPair() (*EncryptionKeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate x25519 key: %w", err)
	}
	return &EncryptionKeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ParseEncryptionPublicKey parses a raw 32-byte X25519 public key.
func ParseEncryptionPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse x25519 public key: %w", err)
	}
	return pub, nil
}

// ParseEncryptionPrivateKey parses a raw 32-byte X25519 private scalar, as
// persisted by the agent store.
func ParseEncryptionPrivateKey(raw []byte) (*ecdh.PrivateKey, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse x25519 private key: %w", err)
	}
	return priv, nil
}

func deriveAEADKey(secret, transcript []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, transcript, hkdfInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: derive aead key: %w", err)
	}
	return key, nil
}

// Sealed is a message encrypted to a recipient's static X25519 public key:
// a fresh ephemeral key pair per message, so no state is shared across
// calls to Seal.
type Sealed struct {
	EphemeralPublicKey []byte
	Nonce              []byte
	Ciphertext         []byte
}

// Seal encrypts plaintext to recipientPub using an ephemeral-static ECDH
// exchange: a new ephemeral key pair is generated, the shared secret is
// stretched with HKDF into a ChaCha20-Poly1305 key, and the transcript
// (ephemeral public || recipient public) is bound as additional data.
func Seal(recipientPub *ecdh.PublicKey, plaintext []byte) (*Sealed, error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ephemeral key: %w", err)
	}
	secret, err := eph.ECDH(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdh: %w", err)
	}
	ephPubBytes := eph.PublicKey().Bytes()
	transcript := append(append([]byte{}, ephPubBytes...), recipientPub.Bytes()...)
	key, err := deriveAEADKey(secret, transcript)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, transcript)
	return &Sealed{EphemeralPublicKey: ephPubBytes, Nonce: nonce, Ciphertext: ct}, nil
}

// Open decrypts a Sealed message using the recipient's private key.
func Open(recipientPriv *ecdh.PrivateKey, sealed *Sealed) ([]byte, error) {
	ephPub, err := ecdh.X25519().NewPublicKey(sealed.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse ephemeral key: %w", err)
	}
	secret, err := recipientPriv.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdh: %w", err)
	}
	transcript := append(append([]byte{}, sealed.EphemeralPublicKey...), recipientPriv.PublicKey().Bytes()...)
	key, err := deriveAEADKey(secret, transcript)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	pt, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, transcript)
	if err != nil {
		return nil, fmt.Errorf("crypto: open sealed message: %w", err)
	}
	return pt, nil
}

// SerializeSealed renders a Sealed message as a flat byte string: the
// fixed-size X25519 ephemeral public key, the fixed-size ChaCha20-Poly1305
// nonce, then the ciphertext, so it can ride as an opaque SEND/A_MSG body.
func SerializeSealed(s *Sealed) []byte {
	out := make([]byte, 0, len(s.EphemeralPublicKey)+len(s.Nonce)+len(s.Ciphertext))
	out = append(out, s.EphemeralPublicKey...)
	out = append(out, s.Nonce...)
	out = append(out, s.Ciphertext...)
	return out
}

// ParseSealed parses the flat encoding SerializeSealed produces.
func ParseSealed(raw []byte) (*Sealed, error) {
	const ephLen = 32 // X25519 public key
	nonceLen := chacha20poly1305.NonceSize
	if len(raw) < ephLen+nonceLen {
		return nil, fmt.Errorf("crypto: sealed body too short")
	}
	return &Sealed{
		EphemeralPublicKey: append([]byte{}, raw[:ephLen]...),
		Nonce:              append([]byte{}, raw[ephLen:ephLen+nonceLen]...),
		Ciphertext:         append([]byte{}, raw[ephLen+nonceLen:]...),
	}, nil
}

// HashChainNext computes the next hash-chain link: SHA-256 of the previous
// link concatenated with the serialized message it covers.
func HashChainNext(prevHash, serializedMsg []byte) []byte {
	h := sha256.Sum256(append(append([]byte{}, prevHash...), serializedMsg...))
	return h[:]
}
