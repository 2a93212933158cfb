package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	tbccrypto "tbc/crypto"
)

var statKeystore = os.Stat

func runKeyCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, keyUsage())
		return 1
	}
	switch args[0] {
	case "generate":
		return runKeyGenerate(args[1:], stdout, stderr)
	case "address":
		return runKeyAddress(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown key subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, keyUsage())
		return 1
	}
}

func runKeyGenerate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("key generate", keyUsage(), stderr)
	var out string
	var force bool
	fs.StringVar(&out, "out", "", "Keystore file to write")
	fs.BoolVar(&force, "force", false, "Overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return printError(stderr, "--out is required")
	}
	if _, err := statKeystore(out); err == nil && !force {
		return printError(stderr, fmt.Sprintf("%s already exists; pass --force to overwrite", out))
	}
	pass, err := keystorePassphrase.Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := tbccrypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := tbccrypto.SaveKeystore(out, key, pass); err != nil {
		return printError(stderr, err.Error())
	}
	return printAddress(stdout, stderr, key)
}

func runKeyAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("key address", keyUsage(), stderr)
	var keystorePath, keyHex string
	fs.StringVar(&keystorePath, "keystore", "", "Keystore holding the key")
	fs.StringVar(&keyHex, "key-hex", "", "Raw key in hex (testing only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadOwnerKey(keystorePath, keyHex)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return printAddress(stdout, stderr, key)
}

// printAddress writes both address encodings; either may be used in the
// controller's ownership.owners map.
func printAddress(stdout, stderr io.Writer, key *tbccrypto.PrivateKey) int {
	addr := key.Address()
	bech, err := tbccrypto.EncodeAddress(addr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Address: %s\n", addr.Hex())
	fmt.Fprintf(stdout, "Bech32:  %s\n", bech)
	return 0
}

func keyUsage() string {
	return strings.TrimSpace(`Usage:
  tbc key <command> [flags]

Commands:
  generate  Create a new owner key in an encrypted keystore
  address   Print the address of an existing key

The keystore passphrase is read from TBC_KEYSTORE_PASSPHRASE or prompted for.
`)
}
