// Package wire implements the SMP line protocol: transmissions, client and
// server commands, server addresses and queue info, all as pure functions
// over bytes with no transport or I/O.
package wire

import "encoding/base64"

// EncodeB64 always emits padded standard base64.
func EncodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// EncodeB64URL always emits padded base64url, the form used for ids, keys
// and key_hash values.
func EncodeB64URL(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeB64URL accepts both padded and unpadded base64url input.
func DecodeB64URL(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// DecodeB64 accepts both padded and unpadded standard base64 input.
func DecodeB64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
