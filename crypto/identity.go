// Package crypto provides the two cryptographic primitives the protocol
// needs: RSA-PSS signing of transmissions and X25519-based sealed
// encryption of agent message bodies.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidSignature is returned when a signature fails verification.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

const rsaKeyBits = 2048

// SigningKeyPair is a party's signature key pair, used both for the
// per-queue recipient/sender verify keys of §4.3 and for transport-level
// transmission signing.
type SigningKeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateSigningKeyPair creates a fresh RSA-2048 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate rsa key: %w", err)
	}
	return &SigningKeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// Sign produces an RSA-PSS signature over the SHA-256 digest of data.
func (kp *SigningKeyPair) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPSS(rand.Reader, kp.Private, crypto.SHA256, digest[:], nil)
}

// VerifySignature checks an RSA-PSS signature over data against pub.
func VerifySignature(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// EncodePublicKey returns the deterministic SPKI (DER) encoding of pub, the
// form exchanged on the wire as a base64url verify/encryption key.
func EncodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// EncodePrivateKey returns the PKCS8 DER encoding of priv, used by the
// agent store to persist recipient/sender signing keys.
func EncodePrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(priv)
}

// DecodeRSAPrivateKey parses a PKCS8-encoded RSA private key.
func DecodeRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse pkcs8 key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: pkcs8 key is not RSA")
	}
	return rsaKey, nil
}

// DecodeRSAPublicKey parses an SPKI-encoded RSA public key.
func DecodeRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse spki key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: spki key is not RSA")
	}
	return rsaPub, nil
}

// Fingerprint returns the hex-encoded SHA-256 fingerprint of a DER-encoded
// key or certificate, used for SPKI pinning of server addresses.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
