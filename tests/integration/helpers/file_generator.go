package helpers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FileGenerator produces deterministic-size, random-content evidence
// payloads for scenarios that exercise chunk upload without a real
// capture adapter.
type FileGenerator struct {
	TempDir string
}

// NewFileGenerator creates a scratch directory for generated fixtures.
func NewFileGenerator() (*FileGenerator, error) {
	tempDir := filepath.Join(os.TempDir(), fmt.Sprintf("witnessd-test-%d", os.Getpid()))
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &FileGenerator{TempDir: tempDir}, nil
}

// GenerateChunk returns size random bytes and their hex-encoded SHA-256,
// the same plaintext hash chunk.Processor computes on upload.
func (fg *FileGenerator) GenerateChunk(size int) ([]byte, string, error) {
	blob := make([]byte, size)
	if _, err := rand.Read(blob); err != nil {
		return nil, "", fmt.Errorf("failed to generate random chunk: %w", err)
	}
	sum := sha256.Sum256(blob)
	return blob, hex.EncodeToString(sum[:]), nil
}

// Cleanup removes the scratch directory.
func (fg *FileGenerator) Cleanup() {
	os.RemoveAll(fg.TempDir)
}
