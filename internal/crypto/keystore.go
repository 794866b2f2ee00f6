package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (recommended values for interactive use)
	argon2Time      = 3     // Number of iterations
	argon2Memory    = 65536 // Memory in KiB (64 MiB)
	argon2Threads   = 4     // Parallelism factor
	argon2KeyLen    = 32    // Output key length (AES-256)
	saltSize        = 32    // Salt size in bytes
	keystoreVersion = 1     // Keystore format version
)

// ErrInvalidPassphrase is returned when the passphrase fails to decrypt the keystore.
var ErrInvalidPassphrase = errors.New("invalid passphrase or corrupted keystore")

// KeystoreEntry is the on-disk encrypted keystore format: an Argon2id-derived
// key over AES-256-GCM (spec §4.1). It is a separate format from
// SecureStore's {iv, ciphertext} envelope, which carries no KDF fields.
type KeystoreEntry struct {
	Version       int    `json:"version"`
	KDF           string `json:"kdf"`
	Argon2Time    int    `json:"argon2_time"`
	Argon2Memory  int    `json:"argon2_memory"`
	Argon2Threads int    `json:"argon2_threads"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
}

// SaveKey encrypts and saves a secp256k1 private key (32 bytes) to disk —
// the local identity key backing a Signer (spec §6's externally-owned
// signer boundary).
//
// If passphrase is empty, the key is stored unencrypted (insecure, only for
// testing). Otherwise the key is encrypted with AES-256-GCM using an
// Argon2id-derived key.
func SaveKey(privateKey []byte, keystorePath string, passphrase string) error {
	if len(privateKey) != 32 {
		return errors.New("secp256k1 private key must be 32 bytes")
	}

	dir := filepath.Dir(keystorePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}

	var data []byte
	if passphrase == "" {
		data = privateKey
		keystorePath += ".insecure"
	} else {
		entry, err := encryptKey(privateKey, passphrase)
		if err != nil {
			return fmt.Errorf("failed to encrypt key: %w", err)
		}
		data, err = json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal keystore entry: %w", err)
		}
	}

	if err := os.WriteFile(keystorePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write keystore file: %w", err)
	}
	return nil
}

// LoadKey loads and decrypts a secp256k1 private key from disk. A path
// ending in ".insecure" is read without decryption.
func LoadKey(keystorePath string, passphrase string) ([]byte, error) {
	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore file: %w", err)
	}

	if filepath.Ext(keystorePath) == ".insecure" {
		if len(data) != 32 {
			return nil, errors.New("invalid unencrypted keystore: expected 32 bytes")
		}
		return data, nil
	}

	var entry KeystoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keystore entry: %w", err)
	}

	privateKey, err := decryptKey(&entry, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}
	return privateKey, nil
}

func encryptKey(privateKey []byte, passphrase string) (*KeystoreEntry, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	derivedKey := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := Seal(derivedKey, nonce, nil, privateKey)
	if err != nil {
		return nil, err
	}

	return &KeystoreEntry{
		Version:       keystoreVersion,
		KDF:           "argon2id",
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
	}, nil
}

func decryptKey(entry *KeystoreEntry, passphrase string) ([]byte, error) {
	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version: %d", entry.Version)
	}
	if entry.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported KDF: %s", entry.KDF)
	}

	derivedKey := argon2.IDKey(
		[]byte(passphrase),
		entry.Salt,
		uint32(entry.Argon2Time),
		uint32(entry.Argon2Memory),
		uint8(entry.Argon2Threads),
		argon2KeyLen,
	)

	plaintext, err := Open(derivedKey, entry.Nonce, nil, entry.Ciphertext)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	if len(plaintext) != 32 {
		return nil, errors.New("decrypted key has invalid size")
	}
	return plaintext, nil
}

// GetDefaultKeystorePath returns the default keystore directory path.
func GetDefaultKeystorePath() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "witnessd", "keys")
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "witnessd", "keys")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "witnessd", "keys")
}

// LocalSigner is a Signer backed by a secp256k1 private key held in memory
// (loaded from a keystore via LoadKey). It signs EIP-712 digests directly
// with ecrecover-compatible 65-byte signatures.
type LocalSigner struct {
	addr [20]byte
	priv []byte // 32-byte secp256k1 scalar
}

// NewLocalSigner wraps a raw secp256k1 private key as a Signer.
func NewLocalSigner(privateKey []byte) (*LocalSigner, error) {
	if len(privateKey) != 32 {
		return nil, errors.New("secp256k1 private key must be 32 bytes")
	}
	key, err := ethcrypto.ToECDSA(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secp256k1 private key: %w", err)
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)

	var out [20]byte
	copy(out[:], addr[:])
	return &LocalSigner{addr: out, priv: append([]byte(nil), privateKey...)}, nil
}

// Address implements Signer.
func (s *LocalSigner) Address() [20]byte { return s.addr }

// SignDigest implements Signer, normalizing the signature to low-s form
// (spec §4.12's replay-safety requirement for on-chain verification).
func (s *LocalSigner) SignDigest(digest [32]byte) ([65]byte, error) {
	key, err := ethcrypto.ToECDSA(s.priv)
	if err != nil {
		return [65]byte{}, err
	}
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return [65]byte{}, err
	}
	var out [65]byte
	copy(out[:], sig)
	return out, nil
}
