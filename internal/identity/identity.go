// Package identity implements Identity (C3): a deterministic,
// privacy-preserving commitment derived from a distinct signed domain
// message, persisted encrypted in SecureStore and read back from there on
// later boots.
//
// The real protocol's commitment and nullifier are Poseidon-hash based, to
// stay inside a Groth16 circuit's field. No Poseidon or Groth16 library is
// available anywhere in the retrieved corpus (see DESIGN.md), so this
// package defines the same commitment-scheme SHAPE — a public commitment
// derived one-way from a private scalar, and a nullifier bound to a
// content scope — using SHA-256 in place of Poseidon. No proof is generated
// here; internal/attestation fills the proof points with placeholders.
package identity

import (
	"math/big"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	wcrypto "github.com/witness-protocol/core/internal/crypto"
	"github.com/witness-protocol/core/internal/securestore"
)

const (
	secureStoreKey = "semaphore_identity"

	identitySaltPrefix = "witness-protocol:identity:"
	identityInfo       = "semaphore-identity-scalar"

	commitmentInfo = "identity-commitment"
	nullifierInfo  = "identity-nullifier"

	identityVersion = 1
)

var identityRequestTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"SemaphoreIdentityRequest": {
		{Name: "purpose", Type: "string"},
		{Name: "application", Type: "string"},
		{Name: "identityVersion", Type: "uint256"},
	},
}

// Identity is the (privateScalar, commitment) pair described in spec §3.
type Identity struct {
	PrivateScalar [32]byte `json:"private_scalar"`
	Commitment    [32]byte `json:"commitment"`
}

// commitmentHash is the stand-in for PoseidonHash(privateScalar): a
// domain-separated SHA-256 of the scalar. See the package doc for why.
func commitmentHash(scalar [32]byte) [32]byte {
	buf := make([]byte, 0, len(commitmentInfo)+32)
	buf = append(buf, []byte(commitmentInfo)...)
	buf = append(buf, scalar[:]...)
	return wcrypto.SHA256(buf)
}

// NullifierFor computes N = Hash(privateScalar, scope=contentId), the
// SHA-256 stand-in for Poseidon(privateScalar, scope). Deterministic: the
// same (identity, contentId) pair always yields the same nullifier,
// guaranteeing the contract rejects a second attestation (invariant I4).
func (id Identity) NullifierFor(contentID [32]byte) [32]byte {
	buf := make([]byte, 0, len(nullifierInfo)+64)
	buf = append(buf, []byte(nullifierInfo)...)
	buf = append(buf, id.PrivateScalar[:]...)
	buf = append(buf, contentID[:]...)
	return wcrypto.SHA256(buf)
}

// deriveScalar derives the private scalar deterministically from a
// signature over the SemaphoreIdentityRequest typed message, so the
// identity survives re-install as long as the same EOA re-signs.
func deriveScalar(sig [65]byte) [32]byte {
	buf := make([]byte, 0, len(identitySaltPrefix)+len(identityInfo)+65)
	buf = append(buf, []byte(identitySaltPrefix)...)
	buf = append(buf, []byte(identityInfo)...)
	buf = append(buf, sig[:]...)
	return wcrypto.SHA256(buf)
}

// GetOrCreate reconstructs the caller's identity from SecureStore if
// present; otherwise it requests a signature over a SemaphoreIdentityRequest
// typed message distinct from the MasterKey's EncryptionKeyRequest, derives
// a fresh identity, and persists it encrypted.
func GetOrCreate(store *securestore.Store, signer wcrypto.Signer, chainID uint64) (*Identity, error) {
	var existing Identity
	found, err := store.GetJSON(secureStoreKey, &existing)
	if err != nil {
		return nil, err
	}
	if found {
		return &existing, nil
	}

	message := apitypes.TypedDataMessage{
		"purpose":         "Derive anonymous membership identity",
		"application":     "witness-protocol",
		"identityVersion": big.NewInt(identityVersion),
	}
	sig, err := wcrypto.SignTypedDataDigest(signer, chainID, "SemaphoreIdentityRequest", identityRequestTypes, message)
	if err != nil {
		return nil, err
	}

	scalar := deriveScalar(sig)
	id := Identity{PrivateScalar: scalar, Commitment: commitmentHash(scalar)}
	if err := store.PutJSON(secureStoreKey, id); err != nil {
		return nil, err
	}
	return &id, nil
}
