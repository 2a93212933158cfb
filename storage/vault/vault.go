// Package vault is the settlement ledger: it mints exactly one immutable
// Receipt per settled escrow and serves lookups by receipt id or order id.
package vault

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

var (
	// ErrNotFound is returned for unknown or not-yet-settled identifiers.
	ErrNotFound = errors.New("vault: receipt not found")
	// ErrInvalidReceipt is returned when a receipt is missing its binding fields.
	ErrInvalidReceipt = errors.New("vault: invalid receipt")
)

// Receipt is the immutable record of a completed settlement.
type Receipt struct {
	ID            string `json:"id"`
	OrderID       string `json:"order_id"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Amount        string `json:"amount"`
	CounterAmount string `json:"counter_amount,omitempty"`
	Mode          string `json:"mode"`
	ProofHash     string `json:"proof_hash"`
	Timestamp     int64  `json:"timestamp"`
}

// Vault stores receipts. Mint is idempotent per OrderID: a second mint for the
// same order returns the identifier of the first receipt and stores nothing.
type Vault interface {
	Mint(ctx context.Context, r Receipt) (string, error)
	Get(ctx context.Context, id string) (*Receipt, error)
	ByOrder(ctx context.Context, orderID string) (*Receipt, error)
	List(ctx context.Context) ([]Receipt, error)
	Close() error
}

// NewReceiptID returns a fresh receipt identifier.
func NewReceiptID() string { return "rcpt-" + uuid.NewString() }

// ProofHash binds the settlement terms of a receipt into a blake3 digest.
func ProofHash(r Receipt) [32]byte {
	buf := bytes.NewBuffer(nil)
	for _, field := range []string{r.OrderID, r.Buyer, r.Seller, r.Amount, r.CounterAmount, r.Mode} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		buf.Write(n[:])
		buf.WriteString(field)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.Timestamp))
	buf.Write(ts[:])
	return blake3.Sum256(buf.Bytes())
}

// prepare validates r and fills in ID and ProofHash when absent.
func prepare(r Receipt) (Receipt, error) {
	r.OrderID = strings.TrimSpace(r.OrderID)
	if r.OrderID == "" || r.Buyer == "" || r.Seller == "" || r.Amount == "" {
		return r, fmt.Errorf("%w: order, parties and amount required", ErrInvalidReceipt)
	}
	if r.ID == "" {
		r.ID = NewReceiptID()
	}
	if r.ProofHash == "" {
		sum := ProofHash(r)
		r.ProofHash = "0x" + hex.EncodeToString(sum[:])
	}
	return r, nil
}

// Verify reports whether the receipt's proof hash matches its contents.
func Verify(r Receipt) bool {
	sum := ProofHash(r)
	return strings.EqualFold(r.ProofHash, "0x"+hex.EncodeToString(sum[:]))
}
