// Package crypto holds the secp256k1 keys buyers use to prove receipt
// ownership, and the address formats that identify them.
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of bech32 owner addresses.
const AddressPrefix = "tbc"

// ErrInvalidAddress is returned for strings that are neither 0x-hex nor
// bech32 addresses.
var ErrInvalidAddress = errors.New("crypto: invalid address")

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

// Address returns the 20-byte address derived from the public key.
func (k *PrivateKey) Address() common.Address {
	return ethcrypto.PubkeyToAddress(k.PublicKey)
}

// EncodeAddress renders addr in bech32 with the tbc prefix.
func EncodeAddress(addr common.Address) (string, error) {
	conv, err := bech32.ConvertBits(addr.Bytes(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(AddressPrefix, conv)
}

// ParseAddress accepts a 0x-prefixed hex address or a tbc bech32 address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		return common.HexToAddress(s), nil
	}
	prefix, data, err := bech32.Decode(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w %q", ErrInvalidAddress, s)
	}
	if prefix != AddressPrefix {
		return common.Address{}, fmt.Errorf("%w: prefix %q", ErrInvalidAddress, prefix)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil || len(raw) != common.AddressLength {
		return common.Address{}, fmt.Errorf("%w %q", ErrInvalidAddress, s)
	}
	return common.BytesToAddress(raw), nil
}
