package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// OrderID identifies a single escrow. It is the keccak256 hash of the buyer,
// seller and a caller-supplied nonce.
type OrderID [32]byte

// String returns the 0x-prefixed hex form of the identifier.
func (id OrderID) String() string { return "0x" + hex.EncodeToString(id[:]) }

// ParseOrderID decodes a hex identifier with or without the 0x prefix.
func ParseOrderID(s string) (OrderID, error) {
	var id OrderID
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("escrow: invalid order id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("escrow: invalid order id length %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// EscrowState is the lifecycle position of an escrow.
type EscrowState uint8

const (
	StateNone EscrowState = iota
	StateBuyerCommitted
	StateSellerCommitted
	StateBothCommitted
	StateSellerClaimed
	StateBuyerClaimed
	StateBothClaimed
	StateSettled
	StateDisputed
	StateExpired
	StateCancelled
)

var stateNames = [...]string{
	StateNone:            "None",
	StateBuyerCommitted:  "BuyerCommitted",
	StateSellerCommitted: "SellerCommitted",
	StateBothCommitted:   "BothCommitted",
	StateSellerClaimed:   "SellerClaimed",
	StateBuyerClaimed:    "BuyerClaimed",
	StateBothClaimed:     "BothClaimed",
	StateSettled:         "Settled",
	StateDisputed:        "Disputed",
	StateExpired:         "Expired",
	StateCancelled:       "Cancelled",
}

// Valid reports whether the state value is within the supported range.
func (s EscrowState) Valid() bool { return int(s) < len(stateNames) }

func (s EscrowState) String() string {
	if !s.Valid() {
		return fmt.Sprintf("EscrowState(%d)", uint8(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s EscrowState) Terminal() bool {
	switch s {
	case StateSettled, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// Committed reports whether both sides have committed.
func (s EscrowState) Committed() bool {
	switch s {
	case StateBothCommitted, StateSellerClaimed, StateBuyerClaimed, StateBothClaimed:
		return true
	default:
		return false
	}
}

func (s EscrowState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("escrow: invalid state %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *EscrowState) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState maps a state name back to its value. Matching is case-insensitive.
func ParseState(name string) (EscrowState, error) {
	trimmed := strings.TrimSpace(name)
	for i, n := range stateNames {
		if strings.EqualFold(n, trimmed) {
			return EscrowState(i), nil
		}
	}
	return StateNone, fmt.Errorf("escrow: unknown state %q", name)
}

// EscrowMode selects between a one-directional purchase and a two-sided swap.
type EscrowMode uint8

const (
	ModePurchase EscrowMode = iota
	ModeSwap
)

func (m EscrowMode) String() string {
	switch m {
	case ModePurchase:
		return "purchase"
	case ModeSwap:
		return "swap"
	default:
		return fmt.Sprintf("EscrowMode(%d)", uint8(m))
	}
}

func (m EscrowMode) MarshalText() ([]byte, error) {
	if m != ModePurchase && m != ModeSwap {
		return nil, fmt.Errorf("escrow: invalid mode %d", uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *EscrowMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "purchase":
		*m = ModePurchase
	case "swap":
		*m = ModeSwap
	default:
		return fmt.Errorf("escrow: unknown mode %q", string(text))
	}
	return nil
}

// Windows holds the time bounds of an escrow, in seconds.
type Windows struct {
	Commitment          int64
	Claim               int64
	TimedReleaseEnabled bool
	TimedRelease        int64
}

// Funding tracks which sides are currently held by the vault account.
type Funding struct {
	Buyer  bool
	Seller bool
}

// Escrow captures the immutable terms and the runtime state of a single
// escrow. Amounts never change after creation.
type Escrow struct {
	OrderID      OrderID
	Buyer        string
	Seller       string
	BuyerAmount  *big.Int
	SellerAmount *big.Int
	Mode         EscrowMode
	State        EscrowState
	CreatedAt    int64
	CommittedAt  int64
	DeliveredAt  int64
	Windows      Windows
	Funding      Funding
	DisputedFrom EscrowState
	ReceiptID    string
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.BuyerAmount = cloneBigInt(e.BuyerAmount)
	clone.SellerAmount = cloneBigInt(e.SellerAmount)
	return &clone
}

// CommitmentDeadline is the unix time after which an escrow that has not
// reached BothCommitted may be expired. Zero means no deadline.
func (e *Escrow) CommitmentDeadline() int64 {
	if e == nil || e.Windows.Commitment <= 0 {
		return 0
	}
	return e.CreatedAt + e.Windows.Commitment
}

// ClaimDeadline is the unix time after which a committed escrow that is not
// yet settle-eligible may be expired. Zero means no deadline.
func (e *Escrow) ClaimDeadline() int64 {
	if e == nil || e.Windows.Claim <= 0 || e.CommittedAt == 0 {
		return 0
	}
	return e.CommittedAt + e.Windows.Claim
}

// ReleaseAt is the unix time at which timed release confirms delivery. Zero
// means timed release is disabled or the escrow is not yet committed.
func (e *Escrow) ReleaseAt() int64 {
	if e == nil || !e.Windows.TimedReleaseEnabled || e.CommittedAt == 0 {
		return 0
	}
	return e.CommittedAt + e.Windows.TimedRelease
}

// SanitizeEscrow validates the supplied escrow definition and returns a cloned
// instance with non-nil amounts. The original value is not mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	clone.Buyer = strings.TrimSpace(clone.Buyer)
	clone.Seller = strings.TrimSpace(clone.Seller)
	if clone.Buyer == "" || clone.Seller == "" {
		return nil, fmt.Errorf("escrow: buyer and seller required")
	}
	if clone.Buyer == clone.Seller {
		return nil, fmt.Errorf("escrow: buyer and seller must differ")
	}
	if clone.BuyerAmount.Sign() < 0 || clone.SellerAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	switch clone.Mode {
	case ModePurchase:
		if clone.SellerAmount.Sign() != 0 {
			return nil, fmt.Errorf("escrow: purchase mode takes no seller amount")
		}
	case ModeSwap:
		if clone.SellerAmount.Sign() == 0 {
			return nil, fmt.Errorf("escrow: swap mode requires a seller amount")
		}
	default:
		return nil, fmt.Errorf("invalid escrow mode: %d", clone.Mode)
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid escrow state: %d", clone.State)
	}
	if clone.Windows.Commitment < 0 || clone.Windows.Claim < 0 || clone.Windows.TimedRelease < 0 {
		return nil, fmt.Errorf("escrow: negative window")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
