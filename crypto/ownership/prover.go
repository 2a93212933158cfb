// Package ownership proves that the holder of a secp256k1 key owns a
// settlement receipt. A proof is a recoverable signature over a digest bound
// to the receipt id; it verifies when the recovered address is the one
// registered for the receipt's buyer.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	tbccrypto "tbc/crypto"
	"tbc/storage/vault"
)

// ProofLength is the size of a proof: r || s || v.
const ProofLength = ethcrypto.SignatureLength

var (
	ErrMalformedProof = errors.New("ownership: malformed proof")
	ErrUnknownOwner   = errors.New("ownership: no key registered for receipt owner")
)

// Digest is the message signed for receiptID.
func Digest(receiptID string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte("tbc-receipt:" + receiptID))
}

// Prover signs and checks ownership proofs against the receipts in a vault.
type Prover struct {
	vault vault.Vault

	mu     sync.RWMutex
	owners map[string]common.Address
}

// NewProver returns a prover resolving receipt owners through owners, which
// maps buyer account ids to addresses. Buyers whose account id is itself an
// address need no entry.
func NewProver(v vault.Vault, owners map[string]string) (*Prover, error) {
	p := &Prover{vault: v, owners: make(map[string]common.Address, len(owners))}
	for account, raw := range owners {
		if err := p.Register(account, raw); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Register binds account to the address encoded in addr.
func (p *Prover) Register(account, addr string) error {
	parsed, err := tbccrypto.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("ownership: owner for %q: %w", account, err)
	}
	p.mu.Lock()
	p.owners[strings.TrimSpace(account)] = parsed
	p.mu.Unlock()
	return nil
}

// GenerateOwnershipProof signs the receipt digest with the 32-byte private
// key in secret.
func (p *Prover) GenerateOwnershipProof(ctx context.Context, receiptID string, secret []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := tbccrypto.PrivateKeyFromBytes(secret)
	if err != nil {
		return nil, err
	}
	return SignReceipt(receiptID, key)
}

// SignReceipt produces the ownership proof for receiptID without consulting a
// vault.
func SignReceipt(receiptID string, key *tbccrypto.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("ownership: nil key")
	}
	return ethcrypto.Sign(Digest(receiptID).Bytes(), key.PrivateKey)
}

// VerifyOwnershipProof reports whether proof was produced by the key
// registered for the receipt's buyer.
func (p *Prover) VerifyOwnershipProof(ctx context.Context, receiptID string, proof []byte) (bool, error) {
	if len(proof) != ProofLength {
		return false, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedProof, ProofLength, len(proof))
	}
	receipt, err := p.vault.Get(ctx, receiptID)
	if err != nil {
		return false, err
	}
	owner, err := p.ownerOf(receipt.Buyer)
	if err != nil {
		return false, err
	}
	pub, err := ethcrypto.SigToPub(Digest(receiptID).Bytes(), proof)
	if err != nil {
		return false, nil
	}
	return ethcrypto.PubkeyToAddress(*pub) == owner, nil
}

func (p *Prover) ownerOf(account string) (common.Address, error) {
	p.mu.RLock()
	addr, ok := p.owners[account]
	p.mu.RUnlock()
	if ok {
		return addr, nil
	}
	if addr, err := tbccrypto.ParseAddress(account); err == nil {
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownOwner, account)
}
