package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// testSigner is a minimal Signer backed by a secp256k1-shaped digest signer
// using Ed25519 for the test's own internal consistency checks (the real
// EOA signer lives outside this module per spec §6; this fixture only
// exercises the EIP-712 digest construction and the HKDF derivation chain
// built on top of it).
type testSigner struct {
	addr [20]byte
	priv ed25519.PrivateKey
}

func newTestSigner() *testSigner {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	var addr [20]byte
	copy(addr[:], pub[:20])
	return &testSigner{addr: addr, priv: priv}
}

func (s *testSigner) Address() [20]byte { return s.addr }

func (s *testSigner) SignDigest(digest [32]byte) ([65]byte, error) {
	sig := ed25519.Sign(s.priv, digest[:])
	var out [65]byte
	copy(out[:64], sig[:64])
	return out, nil
}

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	signer := newTestSigner()

	k1, err := NewKeyVault().DeriveMasterKey(signer, 84532)
	if err != nil {
		t.Fatalf("DeriveMasterKey() failed: %v", err)
	}
	k2, err := NewKeyVault().DeriveMasterKey(signer, 84532)
	if err != nil {
		t.Fatalf("DeriveMasterKey() failed: %v", err)
	}
	if !bytes.Equal(k1[:], k2[:]) {
		t.Error("master key derivation is not deterministic for a fixed signer/chain")
	}
}

func TestDeriveMasterKeyCacheInvalidatesOnAddressChange(t *testing.T) {
	v := NewKeyVault()
	signerA := newTestSigner()
	signerB := newTestSigner()

	if _, err := v.DeriveMasterKey(signerA, 1); err != nil {
		t.Fatalf("DeriveMasterKey(A) failed: %v", err)
	}
	cachedAddr := v.cachedSigAddr
	if _, err := v.DeriveMasterKey(signerB, 1); err != nil {
		t.Fatalf("DeriveMasterKey(B) failed: %v", err)
	}
	if v.cachedSigAddr == cachedAddr {
		t.Error("cache did not invalidate when signer address changed")
	}
}

func TestSessionKeyWrapRoundTrip(t *testing.T) {
	sk, err := SessionKeyGen()
	if err != nil {
		t.Fatalf("SessionKeyGen() failed: %v", err)
	}
	var groupSecret [32]byte
	rand.Read(groupSecret[:])

	wrapped, err := WrapSessionKey(*sk, groupSecret)
	if err != nil {
		t.Fatalf("WrapSessionKey() failed: %v", err)
	}
	unwrapped, err := UnwrapSessionKeyForChunks(wrapped, groupSecret)
	if err != nil {
		t.Fatalf("UnwrapSessionKeyForChunks() failed: %v", err)
	}
	if !bytes.Equal(sk[:], unwrapped[:]) {
		t.Error("unwrapped session key does not match original")
	}

	var wrongSecret [32]byte
	rand.Read(wrongSecret[:])
	if _, err := UnwrapSessionKeyForChunks(wrapped, wrongSecret); err == nil {
		t.Error("UnwrapSessionKeyForChunks() should fail with the wrong group secret")
	}
}

func TestChunkKeyDeterministicPerIndex(t *testing.T) {
	sk, _ := SessionKeyGen()
	k0a, err := ChunkKey(*sk, 0)
	if err != nil {
		t.Fatalf("ChunkKey() failed: %v", err)
	}
	k0b, _ := ChunkKey(*sk, 0)
	k1, _ := ChunkKey(*sk, 1)

	if !bytes.Equal(k0a[:], k0b[:]) {
		t.Error("ChunkKey is not deterministic for a fixed index")
	}
	if bytes.Equal(k0a[:], k1[:]) {
		t.Error("ChunkKey must differ across indices")
	}
}

func TestDeriveGroupID(t *testing.T) {
	var secret [32]byte
	rand.Read(secret[:])
	gid := DeriveGroupID(secret)
	want := SHA256(secret[:])
	if gid != want {
		t.Error("GroupId must equal SHA256(GroupSecret)")
	}
}

func TestSealAndOpen(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	plaintext := []byte("evidence chunk payload")
	aad := []byte("chunk-0")

	ciphertext, err := Seal(key, nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	if len(ciphertext) != len(plaintext)+16 {
		t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+16)
	}

	decrypted, err := Open(key, nonce, aad, ciphertext)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("decrypted plaintext does not match original")
	}
}

func TestAuthenticationFailure(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	ciphertext, err := Seal(key, nonce, nil, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	ciphertext[0] ^= 0x01

	if _, err := Open(key, nonce, nil, ciphertext); err == nil {
		t.Error("Open() should fail on tampered ciphertext")
	}
}

func generateSecp256k1Key(t *testing.T) []byte {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}
	return ethcrypto.FromECDSA(key)
}

func TestSaveLoadKeyWithPassphrase(t *testing.T) {
	priv := generateSecp256k1Key(t)

	tmpDir := t.TempDir()
	keystorePath := filepath.Join(tmpDir, "identity.key")
	passphrase := "test-passphrase-123"

	if err := SaveKey(priv, keystorePath, passphrase); err != nil {
		t.Fatalf("SaveKey() failed: %v", err)
	}
	loadedKey, err := LoadKey(keystorePath, passphrase)
	if err != nil {
		t.Fatalf("LoadKey() failed: %v", err)
	}
	if !bytes.Equal(loadedKey, priv) {
		t.Error("loaded key does not match original")
	}
	if _, err := LoadKey(keystorePath, "wrong-passphrase"); err == nil {
		t.Error("LoadKey() should fail with wrong passphrase")
	}
}

func TestSaveLoadKeyWithoutPassphrase(t *testing.T) {
	priv := generateSecp256k1Key(t)

	tmpDir := t.TempDir()
	keystorePath := filepath.Join(tmpDir, "identity.key")

	if err := SaveKey(priv, keystorePath, ""); err != nil {
		t.Fatalf("SaveKey() failed: %v", err)
	}
	insecurePath := keystorePath + ".insecure"
	if _, err := os.Stat(insecurePath); os.IsNotExist(err) {
		t.Error("insecure keystore file was not created")
	}
	loadedKey, err := LoadKey(insecurePath, "")
	if err != nil {
		t.Fatalf("LoadKey() failed: %v", err)
	}
	if !bytes.Equal(loadedKey, priv) {
		t.Error("loaded key does not match original")
	}
}

func TestLocalSignerProducesRecoverableSignature(t *testing.T) {
	priv := generateSecp256k1Key(t)
	signer, err := NewLocalSigner(priv)
	if err != nil {
		t.Fatalf("NewLocalSigner() failed: %v", err)
	}

	digest := SHA256([]byte("attest this"))
	sig, err := signer.SignDigest(digest)
	if err != nil {
		t.Fatalf("SignDigest() failed: %v", err)
	}

	pub, err := ethcrypto.SigToPub(digest[:], sig[:])
	if err != nil {
		t.Fatalf("SigToPub() failed: %v", err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if [20]byte(recovered) != signer.Address() {
		t.Error("recovered address does not match signer address")
	}
}
