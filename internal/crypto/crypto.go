// Package crypto provides the cryptographic primitives for the witness
// protocol.
//
// This package implements:
//   - SHA-256 hashing and secure random bytes (C1 primitives)
//   - AES-256-GCM authenticated encryption
//   - HKDF-SHA256 key derivation
//   - secp256k1 signature normalization for EIP-712 typed-data signing
//   - the KeyVault master-key / session-key / chunk-key derivation chain (C2)
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SHA256 hashes b and returns the 32-byte digest.
func SHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// Hex encodes b as lowercase hex without a leading "0x".
func Hex(b []byte) string {
	return hex.EncodeToString(b)
}

// HexWithPrefix encodes b as lowercase hex with a leading "0x".
func HexWithPrefix(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// DecodeHex decodes a hex string, accepting an optional "0x" prefix.
func DecodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// ComputeFingerprint computes a SHA-256 fingerprint of an arbitrary public
// key or commitment, formatted the way key-management tooling displays it.
func ComputeFingerprint(key []byte) string {
	hash := sha256.Sum256(key)
	return "SHA256:" + hex.EncodeToString(hash[:8])
}
