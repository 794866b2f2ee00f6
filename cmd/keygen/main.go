package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/term"

	"github.com/witness-protocol/core/internal/crypto"
)

const (
	identityKeyFile = "identity.key"
	identityPubFile = "identity.addr"
)

var (
	outputDir    string
	noPassphrase bool
	force        bool
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "generate":
		generateCmd(args)
	case "show":
		showCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("keygen - witness-protocol identity key tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  keygen generate [flags]  - Generate a new secp256k1 EOA signer key")
	fmt.Println("  keygen show [flags]      - Display the signer address")
	fmt.Println()
	fmt.Println("Run 'keygen <command> -h' for command-specific help")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	fs.StringVar(&outputDir, "output-dir", crypto.GetDefaultKeystorePath(), "Key storage directory")
	fs.BoolVar(&noPassphrase, "no-passphrase", false, "Generate without passphrase protection")
	fs.BoolVar(&force, "force", false, "Overwrite existing keys")
	fs.Parse(args)

	if err := os.MkdirAll(outputDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	keyPath := filepath.Join(outputDir, identityKeyFile)
	addrPath := filepath.Join(outputDir, identityPubFile)

	if !force {
		if _, err := os.Stat(keyPath); !os.IsNotExist(err) {
			fmt.Println("A signer key already exists.")
			fmt.Print("Overwrite existing keys? [y/N]: ")
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Aborted.")
				return
			}
		}
	}

	fmt.Println("Generating new signer keypair...")
	fmt.Println()

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate keypair: %v\n", err)
		os.Exit(1)
	}
	priv := ethcrypto.FromECDSA(key)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)

	var passphrase string
	if !noPassphrase {
		fmt.Print("Enter passphrase (leave empty for no encryption): ")
		passphraseBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
			os.Exit(1)
		}
		passphrase = string(passphraseBytes)

		if passphrase != "" {
			fmt.Print("Confirm passphrase: ")
			confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
				os.Exit(1)
			}
			if passphrase != string(confirmBytes) {
				fmt.Fprintln(os.Stderr, "Passphrases do not match.")
				os.Exit(1)
			}
		}
	}

	if err := crypto.SaveKey(priv, keyPath, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save private key: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(addrPath, []byte(addr.Hex()+"\n"), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save address: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Signer keypair generated successfully!")
	fmt.Println()
	fmt.Println("Address:")
	fmt.Printf("  %s\n", addr.Hex())
	fmt.Println()
	fmt.Println("Keys stored in:")
	fmt.Printf("  %s\n", outputDir)

	if passphrase == "" {
		fmt.Println()
		fmt.Println("WARNING: Keys stored WITHOUT encryption (insecure)")
	}
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.StringVar(&outputDir, "keys-dir", crypto.GetDefaultKeystorePath(), "Key storage directory")
	fs.Parse(args)

	addrPath := filepath.Join(outputDir, identityPubFile)

	addrData, err := os.ReadFile(addrPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read address: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'keygen generate' first to create keys")
		os.Exit(1)
	}

	fileInfo, _ := os.Stat(addrPath)
	var modTime string
	if fileInfo != nil {
		modTime = fileInfo.ModTime().Format(time.RFC3339)
	}

	fmt.Println("Signer Address:")
	fmt.Printf("  %s", string(addrData))
	fmt.Println()
	fmt.Println("Key Type: secp256k1")
	fmt.Printf("Created: %s\n", modTime)
}
