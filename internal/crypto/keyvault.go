package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"golang.org/x/crypto/hkdf"

	"github.com/witness-protocol/core/internal/witnesserr"
)

const (
	masterKeySalt = "witness-protocol:"
	masterKeyInfo = "AES-256-GCM-master-key"

	groupWrapSalt = "witness-protocol:group-key"
	groupWrapInfo = "AES-256-GCM-group-wrapping"

	chunkKeySalt = "witness-chunk"

	// TypedDataVersion is the EIP-712 domain version every signed message
	// in this protocol uses.
	TypedDataVersion = "1"
	domainName        = "Witness Protocol"
)

// Signer is the externally-owned signer boundary (spec §6): it must be
// backed by an EOA key, never a smart-account wrapper, because smart
// accounts are not guaranteed to produce deterministic signatures across
// calls with identical input.
type Signer interface {
	Address() [20]byte
	SignDigest(digest [32]byte) (sig [65]byte, err error)
}

// WrappedKey is the result of wrapping a SessionKey for one group.
type WrappedKey struct {
	IV      [12]byte
	Wrapped []byte
}

// KeyVault derives and caches the key hierarchy described in spec §3/§4:
// MasterKey, SessionKey, per-chunk keys, and group wrapping keys.
type KeyVault struct {
	mu             sync.Mutex
	cachedSig      [65]byte
	cachedSigAddr  [20]byte
	hasCachedSig   bool
}

// NewKeyVault creates an empty vault with no cached signature.
func NewKeyVault() *KeyVault {
	return &KeyVault{}
}

// secp256k1HalfN is the canonical low-s threshold for secp256k1 ECDSA
// signatures, required by EIP-2 signature malleability protection.
var secp256k1HalfN = func() *big.Int {
	n := ethcrypto.S256().Params().N
	return new(big.Int).Rsh(n, 1)
}()

// normalizeLowS rewrites sig's S component to the canonical low-s form in
// place, flipping the recovery id's parity bit when it does.
func normalizeLowS(sig []byte) {
	if len(sig) != 65 {
		return
	}
	s := new(big.Int).SetBytes(sig[32:64])
	if s.Cmp(secp256k1HalfN) > 0 {
		n := ethcrypto.S256().Params().N
		s.Sub(n, s)
		sBytes := s.Bytes()
		var padded [32]byte
		copy(padded[32-len(sBytes):], sBytes)
		copy(sig[32:64], padded[:])
		sig[64] ^= 0x01
	}
}

// domain returns the shared EIP-712 domain for every typed message this
// protocol signs. verifyingContract is the zero address, since these
// messages derive key material rather than authorize a contract call.
func domain(chainID uint64) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           TypedDataVersion,
		ChainId:           math.NewHexOrDecimal256(int64(chainID)),
		VerifyingContract: "0x0000000000000000000000000000000000000000",
	}
}

// typedDataHash computes the EIP-712 signing hash: keccak256("\x19\x01" ||
// domainSeparator || hashStruct(message)).
func typedDataHash(chainID uint64, primaryType string, types apitypes.Types, message apitypes.TypedDataMessage) ([32]byte, error) {
	td := apitypes.TypedData{
		Types:       types,
		PrimaryType: primaryType,
		Domain:      domain(chainID),
		Message:     message,
	}
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return [32]byte{}, fmt.Errorf("hash domain separator: %w", err)
	}
	msgHash, err := td.HashStruct(primaryType, td.Message)
	if err != nil {
		return [32]byte{}, fmt.Errorf("hash typed message: %w", err)
	}
	raw := append(append([]byte("\x19\x01"), []byte(domainSeparator)...), []byte(msgHash)...)
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(raw))
	return out, nil
}

var encryptionKeyRequestTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"EncryptionKeyRequest": {
		{Name: "purpose", Type: "string"},
		{Name: "application", Type: "string"},
		{Name: "keyVersion", Type: "uint256"},
	},
}

// DeriveMasterKey requests a signature over the canonical EncryptionKeyRequest
// typed message and derives the MasterKey via HKDF-SHA256. The normalized
// signature is cached for subsequent calls within the vault's lifetime;
// requesting for a different signer address invalidates the cache.
func (v *KeyVault) DeriveMasterKey(signer Signer, chainID uint64) (*[32]byte, error) {
	addr := signer.Address()

	v.mu.Lock()
	if v.hasCachedSig && v.cachedSigAddr != addr {
		v.hasCachedSig = false
	}
	cached := v.hasCachedSig
	sig := v.cachedSig
	v.mu.Unlock()

	if !cached {
		message := apitypes.TypedDataMessage{
			"purpose":     "Derive master encryption key for evidence protection",
			"application": "witness-protocol",
			"keyVersion":  big.NewInt(1),
		}
		digest, err := typedDataHash(chainID, "EncryptionKeyRequest", encryptionKeyRequestTypes, message)
		if err != nil {
			return nil, witnesserr.Wrap(witnesserr.CategoryKeyDerivation, err, "build typed data digest")
		}
		s, err := signer.SignDigest(digest)
		if err != nil {
			return nil, witnesserr.Wrap(witnesserr.CategoryKeyDerivation, witnesserr.ErrKeyDerivationFailed, err.Error())
		}
		normalizeLowS(s[:])
		sig = s

		v.mu.Lock()
		v.cachedSig = sig
		v.cachedSigAddr = addr
		v.hasCachedSig = true
		v.mu.Unlock()
	}

	salt := []byte(masterKeySalt + strings.ToLower(HexWithPrefix(addr[:])))
	key, err := hkdfDerive(sig[:], salt, []byte(masterKeyInfo), 32)
	if err != nil {
		return nil, err
	}
	var out [32]byte
	copy(out[:], key)
	return &out, nil
}

// SignTypedDataDigest is a helper for callers (e.g. Identity) that need to
// sign a distinct typed message through the same Signer, without going
// through the MasterKey cache.
func SignTypedDataDigest(signer Signer, chainID uint64, primaryType string, types apitypes.Types, message apitypes.TypedDataMessage) ([65]byte, error) {
	digest, err := typedDataHash(chainID, primaryType, types, message)
	if err != nil {
		return [65]byte{}, fmt.Errorf("build typed data digest: %w", err)
	}
	sig, err := signer.SignDigest(digest)
	if err != nil {
		return [65]byte{}, err
	}
	normalizeLowS(sig[:])
	return sig, nil
}

// SessionKeyGen returns a fresh random 256-bit SessionKey.
func SessionKeyGen() (*[32]byte, error) {
	b, err := RandomBytes(32)
	if err != nil {
		return nil, err
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

// groupWrapKey derives the per-group wrapping key from a group secret.
func groupWrapKey(groupSecret [32]byte) ([]byte, error) {
	return hkdfDerive(groupSecret[:], []byte(groupWrapSalt), []byte(groupWrapInfo), 32)
}

// WrapSessionKey wraps sessionKey for a group using a key derived from the
// group's secret, producing the {iv, wrappedKey} pair stored in the
// manifest's AccessList.
func WrapSessionKey(sessionKey [32]byte, groupSecret [32]byte) (*WrappedKey, error) {
	wk, err := groupWrapKey(groupSecret)
	if err != nil {
		return nil, err
	}
	ivBytes, err := RandomBytes(12)
	if err != nil {
		return nil, err
	}
	var iv [12]byte
	copy(iv[:], ivBytes)
	ciphertext, err := Seal(wk, iv[:], nil, sessionKey[:])
	if err != nil {
		return nil, err
	}
	return &WrappedKey{IV: iv, Wrapped: ciphertext}, nil
}

// UnwrapSessionKeyForChunks reverses WrapSessionKey, returning a SessionKey
// handle still usable as HKDF input material for per-chunk key derivation.
// This is a distinct code path from a hypothetical one-shot content-key
// unwrap, because the session key must remain HKDF-capable for every chunk.
func UnwrapSessionKeyForChunks(wk *WrappedKey, groupSecret [32]byte) (*[32]byte, error) {
	wrapKey, err := groupWrapKey(groupSecret)
	if err != nil {
		return nil, err
	}
	plaintext, err := Open(wrapKey, wk.IV[:], nil, wk.Wrapped)
	if err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryCrypto, witnesserr.ErrAuthenticationFailed, "unwrap session key: wrong group secret")
	}
	if len(plaintext) != 32 {
		return nil, fmt.Errorf("unwrapped session key has invalid length %d", len(plaintext))
	}
	var sk [32]byte
	copy(sk[:], plaintext)
	return &sk, nil
}

// ChunkKey derives the non-extractable per-chunk key for chunk index i from
// the SessionKey via HKDF with info = big-endian uint32(i).
func ChunkKey(sessionKey [32]byte, index uint32) (*[32]byte, error) {
	info := []byte{byte(index >> 24), byte(index >> 16), byte(index >> 8), byte(index)}
	key, err := hkdfDerive(sessionKey[:], []byte(chunkKeySalt), info, 32)
	if err != nil {
		return nil, err
	}
	var k [32]byte
	copy(k[:], key)
	return &k, nil
}

// DeriveGroupID computes GroupId = SHA256(GroupSecret), invariant I1.
func DeriveGroupID(secret [32]byte) [32]byte {
	return SHA256(secret[:])
}

func hkdfDerive(ikm, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, witnesserr.Wrap(witnesserr.CategoryCrypto, err, "hkdf derive")
	}
	return out, nil
}
