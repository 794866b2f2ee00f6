// Package witnesserr centralizes the error taxonomy shared by every
// witness-protocol component, so callers can branch on category with
// errors.Is/errors.As instead of parsing message strings.
package witnesserr

import (
	"errors"
	"fmt"
)

// Category groups sentinel errors by how the caller is expected to react.
type Category string

const (
	CategoryUserInput     Category = "user_input"
	CategoryKeyDerivation Category = "key_derivation"
	CategoryCrypto        Category = "crypto"
	CategoryIntegrity     Category = "integrity"
	CategoryTransport     Category = "transport"
	CategoryState         Category = "state"
	CategoryStorage       Category = "storage"
)

var (
	// UserInput: malformed invite, wrong chain, already member, unknown group secret.
	ErrMalformedInvite  = errors.New("malformed group invite")
	ErrChainMismatch    = errors.New("invite chain id does not match local configuration")
	ErrAlreadyMember    = errors.New("caller is already a member of this group")
	ErrUnknownGroup     = errors.New("no group secret available for this content")
	ErrGroupNotActive   = errors.New("group is not active on the registry")

	// KeyDerivation: provider denied or produced a non-deterministic signature.
	ErrKeyDerivationFailed = errors.New("key derivation failed")
	ErrSignatureCacheMiss  = errors.New("cached signature does not match requested signer address")
	ErrIdentityNotFound    = errors.New("no witness identity exists for this device")

	// Crypto: AES-GCM tag failure, HKDF input errors.
	ErrInvalidKeySize       = errors.New("key must be exactly 32 bytes for AES-256")
	ErrInvalidNonceSize     = errors.New("nonce must be exactly 12 bytes for GCM")
	ErrAuthenticationFailed = errors.New("authentication failed: ciphertext has been tampered with")

	// Integrity: hash/root mismatch.
	ErrHashMismatch        = errors.New("content hash does not match recorded digest")
	ErrMerkleRootMismatch  = errors.New("merkle root does not match on-ledger record")
	ErrInvalidMerkleProof  = errors.New("merkle proof failed verification")
	ErrMembershipTreeDrift = errors.New("local membership tree root diverges from on-ledger root")

	// Transport: object-store or ledger I/O.
	ErrUploadExhausted = errors.New("upload failed after exhausting retry budget")
	ErrAnchorFailed    = errors.New("ledger anchor call failed")
	ErrObjectNotFound  = errors.New("object not found in object store")

	// State: durable-store write conflict, session-not-active.
	ErrSessionNotActive  = errors.New("session is not in an active recording state")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNullifierReused   = errors.New("nullifier has already been recorded for this content")
	ErrAlreadyAttested   = errors.New("identity has already attested to this content")

	// Storage: quota exhaustion / eviction.
	ErrStorageQuotaExceeded = errors.New("local storage usage exceeds the configured threshold")
)

// Wrap annotates err with msg while preserving errors.Is/As compatibility.
func Wrap(category Category, err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", category, msg, err)
}
