// Command democrit-key manages the transport identity of a node: it
// generates keys, shows the key stored in a data directory, and signs or
// verifies messages with it.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/democrit/pkg/crypto"
	"github.com/uhyunpark/democrit/pkg/p2p"
	"github.com/uhyunpark/democrit/pkg/storage"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  democrit-key gen
  democrit-key show   -data DIR -account NAME
  democrit-key sign   (-key HEX | -data DIR -account NAME) MESSAGE
  democrit-key verify -addr 0x... -sig HEX MESSAGE`)
	os.Exit(2)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	keyHex := fs.String("key", "", "private key hex")
	dataDir := fs.String("data", "", "node data directory")
	account := fs.String("account", "", "account whose store holds the key")
	addr := fs.String("addr", "", "expected signer address")
	sig := fs.String("sig", "", "signature hex")
	fs.Parse(args)

	switch cmd {
	case "gen":
		signer, err := crypto.GenerateKey()
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Address: %s\n", signer.Address().Hex())
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		fmt.Println("Use it with DEMOCRIT_P2P_KEY or [p2p] key_hex.")

	case "show":
		signer := loadSigner("", *dataDir, *account)
		fmt.Printf("Address: %s\n", signer.Address().Hex())
		fmt.Printf("Public Key: %s\n", signer.PublicKeyHex())

	case "sign":
		if fs.NArg() != 1 {
			usage()
		}
		signer := loadSigner(*keyHex, *dataDir, *account)
		signature, err := signer.SignMessage([]byte(fs.Arg(0)))
		if err != nil {
			fail("signing: %v", err)
		}
		fmt.Printf("Address: %s\n", signer.Address().Hex())
		fmt.Printf("Signature: 0x%x\n", signature)

	case "verify":
		if fs.NArg() != 1 || *addr == "" || *sig == "" {
			usage()
		}
		signature, err := hex.DecodeString(strings.TrimPrefix(*sig, "0x"))
		if err != nil {
			fail("signature: %v", err)
		}
		hash := ethcrypto.Keccak256([]byte(fs.Arg(0)))
		if !crypto.VerifySignature(common.HexToAddress(*addr), hash, signature) {
			fmt.Println("✗ Signature INVALID")
			os.Exit(1)
		}
		fmt.Println("✓ Signature VALID")

	default:
		usage()
	}
}

func loadSigner(keyHex, dataDir, account string) *crypto.Signer {
	if keyHex != "" {
		s, err := crypto.FromPrivateKeyHex(keyHex)
		if err != nil {
			fail("%v", err)
		}
		return s
	}
	if dataDir == "" || account == "" {
		usage()
	}
	store, err := storage.NewPebbleStore(filepath.Join(dataDir, account))
	if err != nil {
		fail("opening store: %v", err)
	}
	defer store.Close()

	b, err := store.GetMeta(p2p.IdentityMeta)
	if err != nil {
		fail("%v", err)
	}
	if b == nil {
		fail("no identity stored for %s yet; start the node once", account)
	}
	s, err := crypto.FromPrivateKeyBytes(b)
	if err != nil {
		fail("%v", err)
	}
	return s
}
