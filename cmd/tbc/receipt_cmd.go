package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"tbc/cmd/internal/passphrase"
	tbccrypto "tbc/crypto"
	"tbc/crypto/ownership"
)

// keystorePassphrase is replaced in tests.
var keystorePassphrase = passphrase.NewSource("TBC_KEYSTORE_PASSPHRASE", "keystore passphrase")

func runReceiptCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, receiptUsage())
		return 1
	}
	switch args[0] {
	case "get":
		return runReceiptGet(args[1:], stdout, stderr)
	case "prove":
		return runReceiptProve(args[1:], stdout, stderr)
	case "verify":
		return runReceiptVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown receipt subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, receiptUsage())
		return 1
	}
}

func runReceiptGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("receipt get", receiptUsage(), stderr)
	var id string
	fs.StringVar(&id, "id", "", "Receipt id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return printError(stderr, "--id is required")
	}
	result, err := controllerCall(http.MethodGet, "/receipts/"+url.PathEscape(strings.TrimSpace(id)), nil)
	if code := handleCallError(stdout, stderr, result, err); code != 0 {
		return code
	}
	writeResult(stdout, result)
	return 0
}

// runReceiptProve signs the receipt digest locally. The key never leaves the
// machine; only the proof is printed.
func runReceiptProve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("receipt prove", receiptUsage(), stderr)
	var id, keystorePath, keyHex string
	fs.StringVar(&id, "id", "", "Receipt id")
	fs.StringVar(&keystorePath, "keystore", "", "Keystore holding the owner key")
	fs.StringVar(&keyHex, "key-hex", "", "Raw owner key in hex (testing only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return printError(stderr, "--id is required")
	}
	key, err := loadOwnerKey(keystorePath, keyHex)
	if err != nil {
		return printError(stderr, err.Error())
	}
	proof, err := ownership.SignReceipt(strings.TrimSpace(id), key)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, hexutil.Encode(proof))
	return 0
}

func runReceiptVerify(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("receipt verify", receiptUsage(), stderr)
	var id, proof string
	fs.StringVar(&id, "id", "", "Receipt id")
	fs.StringVar(&proof, "proof", "", "Hex-encoded ownership proof")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return printError(stderr, "--id is required")
	}
	raw := common.FromHex(strings.TrimSpace(proof))
	if len(raw) != ownership.ProofLength {
		return printError(stderr, fmt.Sprintf("--proof must be %d hex-encoded bytes", ownership.ProofLength))
	}
	body := map[string]string{"proof": hexutil.Encode(raw)}
	result, err := controllerCall(http.MethodPost, "/receipts/"+url.PathEscape(strings.TrimSpace(id))+"/verify", body)
	if code := handleCallError(stdout, stderr, result, err); code != 0 {
		return code
	}
	writeResult(stdout, result)
	return 0
}

func loadOwnerKey(keystorePath, keyHex string) (*tbccrypto.PrivateKey, error) {
	keystorePath = strings.TrimSpace(keystorePath)
	keyHex = strings.TrimSpace(keyHex)
	switch {
	case keystorePath != "" && keyHex != "":
		return nil, fmt.Errorf("use either --keystore or --key-hex, not both")
	case keyHex != "":
		raw, err := hexutil.Decode(ensure0x(keyHex))
		if err != nil {
			return nil, fmt.Errorf("--key-hex: %w", err)
		}
		return tbccrypto.PrivateKeyFromBytes(raw)
	case keystorePath != "":
		pass, err := keystorePassphrase.Get()
		if err != nil {
			return nil, err
		}
		return tbccrypto.LoadKeystore(keystorePath, pass)
	default:
		return nil, fmt.Errorf("--keystore or --key-hex is required")
	}
}

func ensure0x(v string) string {
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		return v
	}
	return "0x" + v
}

func receiptUsage() string {
	return strings.TrimSpace(`Usage:
  tbc receipt <command> [flags]

Commands:
  get     Fetch a settlement receipt
  prove   Sign an ownership proof for a receipt with the owner key
  verify  Ask the controller to verify an ownership proof
`)
}
