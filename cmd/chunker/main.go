// chunker is an offline utility that encrypts a local file the same way
// session capture would: split into fixed-size chunks, encrypt each under
// a fresh SessionKey, and print the resulting manifest as JSON. It is
// meant for ops inspection and local testing, not for production capture
// (which goes through internal/session.Manager so chunks stream as
// they're captured rather than all at once).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	wcrypto "github.com/witness-protocol/core/internal/crypto"

	"github.com/witness-protocol/core/internal/chunk"
	"github.com/witness-protocol/core/internal/manifest"
	"github.com/witness-protocol/core/internal/merkle"
	"github.com/witness-protocol/core/internal/objectstore"
)

func main() {
	chunkSize := flag.Int("chunk-size", 1<<20, "Chunk size in bytes (default: 1 MiB)")
	output := flag.String("output", "", "Output manifest to file (default: stdout)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: chunker [options] <file_path>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	filePath := flag.Arg(0)

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	sessionKey, err := wcrypto.SessionKeyGen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating session key: %v\n", err)
		os.Exit(3)
	}

	store := objectstore.NewMemStore()
	proc := chunk.NewProcessor(*sessionKey, store)
	tree := merkle.New()

	var contentID [32]byte
	if _, err := rand.Read(contentID[:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(3)
	}

	builder := manifest.NewBuilder("offline-session", hex.EncodeToString(contentID[:]), "", nil)

	ctx := context.Background()
	chunkSz := *chunkSize
	for i, off := 0, 0; off < len(data); i, off = i+1, off+chunkSz {
		end := off + chunkSz
		if end > len(data) {
			end = len(data)
		}
		meta, err := proc.Process(ctx, data[off:end], uint32(i), 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error processing chunk %d: %v\n", i, err)
			os.Exit(4)
		}
		leaf := merkle.ComputeLeaf(meta.ChunkIndex, meta.PlaintextHash, meta.EncryptedHash, meta.CapturedAtMs)
		tree.Insert(leaf)
		builder.AddChunk(meta, 0, "")
	}

	root, _ := tree.Root()
	builder.SetRoot(root)
	builder.SetStatus(manifest.StatusComplete)
	snap := builder.Snapshot()

	fmt.Fprintf(os.Stderr, "File size: %d bytes\n", len(data))
	fmt.Fprintf(os.Stderr, "Chunk size: %d bytes\n", chunkSz)
	fmt.Fprintf(os.Stderr, "Chunks: %d\n", len(snap.Chunks))
	fmt.Fprintf(os.Stderr, "Session key (hex, not persisted anywhere): %s\n\n", hex.EncodeToString(sessionKey[:]))

	jsonData, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error serializing manifest: %v\n", err)
		os.Exit(5)
	}

	if *output != "" {
		if err := os.WriteFile(*output, jsonData, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
			os.Exit(6)
		}
		fmt.Fprintf(os.Stderr, "Manifest written to: %s\n", *output)
		return
	}
	fmt.Println(string(jsonData))
}
