package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tbc/core/events"
	"tbc/core/types"
	"tbc/storage/vault"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
	errNilVault = errors.New("escrow engine: receipt vault not configured")

	// ErrNotFound is returned for unknown order identifiers.
	ErrNotFound = errors.New("escrow engine: escrow not found")
	// ErrUnauthorized is returned when the caller is not the party the action
	// belongs to.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrConflict is returned when Create is called for an existing identifier
	// with different terms.
	ErrConflict = errors.New("escrow: identifier already exists with different definition")
	// ErrInsufficientFunds is returned when a funding transfer cannot be covered.
	ErrInsufficientFunds = errors.New("escrow: insufficient balance")
)

// SystemActor is the caller identity used by scheduled transitions.
const SystemActor = "system://timed-release"

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id OrderID) (*Escrow, bool)
	EscrowIDs() []OrderID
	EscrowVaultAddress() string
	GetAccount(addr string) (*types.Account, error)
	PutAccount(addr string, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine applies lifecycle actions to escrows held in an arena indexed by
// OrderID. Every mutating call holds the escrow's own lock for its duration,
// so racing callers on one escrow observe each other's results in order.
type Engine struct {
	state   engineState
	vault   vault.Vault
	emitter events.Emitter
	nowFn   func() int64

	mu    sync.Mutex
	locks map[OrderID]*sync.Mutex
	// ledgerMu serialises balance moves across escrows sharing accounts.
	ledgerMu sync.Mutex
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   make(map[OrderID]*sync.Mutex),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVault configures the settlement ledger that mints receipts.
func (e *Engine) SetVault(v vault.Vault) { e.vault = v }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) lock(id OrderID) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) loadEscrow(id OrderID) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

func (e *Engine) transferToken(from, to string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	if from == to {
		return fmt.Errorf("escrow: transfer from %s to itself", from)
	}
	e.ledgerMu.Lock()
	defer e.ledgerMu.Unlock()
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc, from)
	toAcc = ensureAccount(toAcc, to)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from, fromAcc.Balance, amt)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

func ensureAccount(acc *types.Account, addr string) *types.Account {
	if acc == nil {
		return &types.Account{Address: addr, Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// apply runs the pure transition and records the new state on esc.
func apply(esc *Escrow, action Action) error {
	next, err := Transition(esc.State, esc.Mode, action)
	if err != nil {
		return err
	}
	esc.State = next
	return nil
}

func unauthorized(action Action, caller string) error {
	return fmt.Errorf("%w: %s by %q", ErrUnauthorized, action, caller)
}

// CreateParams describes a new escrow.
type CreateParams struct {
	Buyer        string
	Seller       string
	BuyerAmount  *big.Int
	SellerAmount *big.Int
	Mode         EscrowMode
	Windows      Windows
	Nonce        [32]byte
}

// DeriveOrderID computes the identifier Create assigns to an escrow.
func DeriveOrderID(buyer, seller string, nonce [32]byte) OrderID {
	return OrderID(ethcrypto.Keccak256Hash([]byte(buyer), []byte{0}, []byte(seller), []byte{0}, nonce[:]))
}

// Create initialises and persists a new escrow definition. Repeating the call
// with identical terms returns the stored escrow.
func (e *Engine) Create(p CreateParams) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	candidate, err := SanitizeEscrow(&Escrow{
		Buyer:        p.Buyer,
		Seller:       p.Seller,
		BuyerAmount:  p.BuyerAmount,
		SellerAmount: p.SellerAmount,
		Mode:         p.Mode,
		Windows:      p.Windows,
	})
	if err != nil {
		return nil, err
	}
	if candidate.BuyerAmount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive")
	}
	if vaultAddr := e.state.EscrowVaultAddress(); candidate.Buyer == vaultAddr || candidate.Seller == vaultAddr {
		return nil, fmt.Errorf("escrow: %s cannot be a party", vaultAddr)
	}
	id := DeriveOrderID(candidate.Buyer, candidate.Seller, p.Nonce)
	unlock := e.lock(id)
	defer unlock()
	if existing, ok := e.state.EscrowGet(id); ok {
		if !sameTerms(existing, candidate) {
			return nil, ErrConflict
		}
		return existing, nil
	}
	candidate.OrderID = id
	candidate.State = StateNone
	candidate.CreatedAt = e.now()
	if err := e.storeEscrow(candidate); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(candidate))
	return candidate.Clone(), nil
}

func sameTerms(a, b *Escrow) bool {
	return a.Buyer == b.Buyer && a.Seller == b.Seller &&
		a.BuyerAmount.Cmp(b.BuyerAmount) == 0 && a.SellerAmount.Cmp(b.SellerAmount) == 0 &&
		a.Mode == b.Mode && a.Windows == b.Windows
}

// Get returns a copy of the escrow.
func (e *Engine) Get(id OrderID) (*Escrow, error) {
	return e.loadEscrow(id)
}

// List returns copies of every escrow known to the engine.
func (e *Engine) List() ([]*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids := e.state.EscrowIDs()
	out := make([]*Escrow, 0, len(ids))
	for _, id := range ids {
		if esc, ok := e.state.EscrowGet(id); ok {
			out = append(out, esc)
		}
	}
	return out, nil
}

// SellerAccept records the seller's commitment. In swap mode the seller's
// counter amount moves into the vault.
func (e *Engine) SellerAccept(id OrderID, caller string) error {
	unlock := e.lock(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return unauthorized(ActionSellerCommit, caller)
	}
	if expired, err := e.expireIfDue(esc, e.now()); err != nil || expired {
		if err != nil {
			return err
		}
		return &TransitionError{From: StateExpired, Mode: esc.Mode, Action: ActionSellerCommit}
	}
	if err := apply(esc, ActionSellerCommit); err != nil {
		return err
	}
	if esc.Mode == ModeSwap {
		if err := e.transferToken(esc.Seller, e.state.EscrowVaultAddress(), esc.SellerAmount); err != nil {
			return err
		}
		esc.Funding.Seller = true
	}
	return e.commit(esc, NewAcceptedEvent, func() {
		if esc.Mode == ModeSwap {
			_ = e.transferToken(e.state.EscrowVaultAddress(), esc.Seller, esc.SellerAmount)
		}
	})
}

// BuyerFund moves the buyer amount into the vault and records the buyer's
// commitment.
func (e *Engine) BuyerFund(id OrderID, caller string) error {
	unlock := e.lock(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return unauthorized(ActionBuyerCommit, caller)
	}
	if expired, err := e.expireIfDue(esc, e.now()); err != nil || expired {
		if err != nil {
			return err
		}
		return &TransitionError{From: StateExpired, Mode: esc.Mode, Action: ActionBuyerCommit}
	}
	if err := apply(esc, ActionBuyerCommit); err != nil {
		return err
	}
	if err := e.transferToken(esc.Buyer, e.state.EscrowVaultAddress(), esc.BuyerAmount); err != nil {
		return err
	}
	esc.Funding.Buyer = true
	return e.commit(esc, NewFundedEvent, func() {
		_ = e.transferToken(e.state.EscrowVaultAddress(), esc.Buyer, esc.BuyerAmount)
	})
}

// commit stores a freshly committed escrow, stamping CommittedAt when both
// sides are in. undo reverses any transfer if the store fails.
func (e *Engine) commit(esc *Escrow, eventFn func(*Escrow) *types.Event, undo func()) error {
	joined := esc.State == StateBothCommitted
	if joined {
		esc.CommittedAt = e.now()
	}
	if err := e.storeEscrow(esc); err != nil {
		undo()
		return err
	}
	e.emit(eventFn(esc))
	if joined {
		e.emit(NewCommittedEvent(esc))
	}
	return nil
}

// ConfirmDelivery is the seller-side claim: the buyer (or timed release)
// confirms the goods arrived.
func (e *Engine) ConfirmDelivery(id OrderID, caller string) error {
	unlock := e.lock(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer && caller != SystemActor {
		return unauthorized(ActionSellerClaim, caller)
	}
	return e.confirmDeliveryLocked(esc)
}

func (e *Engine) confirmDeliveryLocked(esc *Escrow) error {
	if expired, err := e.expireIfDue(esc, e.now()); err != nil || expired {
		if err != nil {
			return err
		}
		return &TransitionError{From: StateExpired, Mode: esc.Mode, Action: ActionSellerClaim}
	}
	if err := apply(esc, ActionSellerClaim); err != nil {
		return err
	}
	esc.DeliveredAt = e.now()
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDeliveredEvent(esc))
	return nil
}

// ConfirmCounterDelivery is the buyer-side claim of a swap: the seller
// confirms receipt of the counter asset.
func (e *Engine) ConfirmCounterDelivery(id OrderID, caller string) error {
	unlock := e.lock(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return unauthorized(ActionBuyerClaim, caller)
	}
	if expired, err := e.expireIfDue(esc, e.now()); err != nil || expired {
		if err != nil {
			return err
		}
		return &TransitionError{From: StateExpired, Mode: esc.Mode, Action: ActionBuyerClaim}
	}
	if err := apply(esc, ActionBuyerClaim); err != nil {
		return err
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCounterDeliveredEvent(esc))
	return nil
}

// Settle pays out a settle-eligible escrow and mints its receipt. Settling an
// already settled escrow returns the original receipt id without moving funds.
// Anyone may trigger settlement.
func (e *Engine) Settle(ctx context.Context, id OrderID) (string, error) {
	unlock := e.lock(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return "", err
	}
	if esc.State == StateSettled && esc.ReceiptID != "" {
		return esc.ReceiptID, nil
	}
	return e.settleLocked(ctx, esc, ActionSettle)
}

func (e *Engine) settleLocked(ctx context.Context, esc *Escrow, action Action) (string, error) {
	if e.vault == nil {
		return "", errNilVault
	}
	next, err := Transition(esc.State, esc.Mode, action)
	if err != nil {
		return "", err
	}
	moved, err := e.payout(esc)
	if err != nil {
		return "", err
	}
	receiptID, err := e.vault.Mint(ctx, vault.Receipt{
		OrderID:       esc.OrderID.String(),
		Buyer:         esc.Buyer,
		Seller:        esc.Seller,
		Amount:        esc.BuyerAmount.String(),
		CounterAmount: counterAmount(esc),
		Mode:          esc.Mode.String(),
		Timestamp:     e.now(),
	})
	if err != nil {
		e.reverse(moved)
		return "", fmt.Errorf("escrow: mint receipt: %w", err)
	}
	prevFunding := esc.Funding
	esc.State = next
	esc.ReceiptID = receiptID
	esc.Funding = Funding{}
	if err := e.storeEscrow(esc); err != nil {
		esc.Funding = prevFunding
		e.reverse(moved)
		return "", err
	}
	e.emit(NewSettledEvent(esc))
	return receiptID, nil
}

func counterAmount(esc *Escrow) string {
	if esc.Mode != ModeSwap {
		return ""
	}
	return esc.SellerAmount.String()
}

type movement struct {
	from, to string
	amount   *big.Int
}

// payout releases held funds to their counterparties: the buyer amount to the
// seller and, for swaps, the seller amount to the buyer.
func (e *Engine) payout(esc *Escrow) ([]movement, error) {
	vaultAddr := e.state.EscrowVaultAddress()
	var plan []movement
	if esc.Funding.Buyer {
		plan = append(plan, movement{from: vaultAddr, to: esc.Seller, amount: esc.BuyerAmount})
	}
	if esc.Funding.Seller {
		plan = append(plan, movement{from: vaultAddr, to: esc.Buyer, amount: esc.SellerAmount})
	}
	return e.move(plan)
}

// refund returns held funds to the side that supplied them.
func (e *Engine) refund(esc *Escrow) ([]movement, error) {
	vaultAddr := e.state.EscrowVaultAddress()
	var plan []movement
	if esc.Funding.Buyer {
		plan = append(plan, movement{from: vaultAddr, to: esc.Buyer, amount: esc.BuyerAmount})
	}
	if esc.Funding.Seller {
		plan = append(plan, movement{from: vaultAddr, to: esc.Seller, amount: esc.SellerAmount})
	}
	return e.move(plan)
}

func (e *Engine) move(plan []movement) ([]movement, error) {
	done := make([]movement, 0, len(plan))
	for _, m := range plan {
		if err := e.transferToken(m.from, m.to, m.amount); err != nil {
			e.reverse(done)
			return nil, err
		}
		done = append(done, m)
	}
	return done, nil
}

func (e *Engine) reverse(done []movement) {
	for i := len(done) - 1; i >= 0; i-- {
		_ = e.transferToken(done[i].to, done[i].from, done[i].amount)
	}
}

// Dispute freezes the escrow pending external resolution. Only the buyer or
// seller may raise a dispute.
func (e *Engine) Dispute(id OrderID, caller string) error {
	unlock := e.lock(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer && caller != esc.Seller {
		return unauthorized(ActionDispute, caller)
	}
	from := esc.State
	if err := apply(esc, ActionDispute); err != nil {
		return err
	}
	esc.DisputedFrom = from
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(esc))
	return nil
}

// Resolution outcomes accepted by Resolve.
const (
	OutcomeSettle = "settle"
	OutcomeCancel = "cancel"
)

// Resolve closes a disputed escrow. "settle" (alias "release") pays out and
// mints a receipt; "cancel" (alias "refund") returns held funds. The returned
// receipt id is empty for cancellations.
func (e *Engine) Resolve(ctx context.Context, id OrderID, outcome string) (string, error) {
	unlock := e.lock(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case OutcomeSettle, "release":
		receiptID, err := e.settleLocked(ctx, esc, ActionResolveSettle)
		if err != nil {
			return "", err
		}
		e.emit(NewResolvedEvent(esc, OutcomeSettle))
		return receiptID, nil
	case OutcomeCancel, "refund":
		if err := e.closeWithRefund(esc, ActionResolveCancel, NewCancelledEvent); err != nil {
			return "", err
		}
		e.emit(NewResolvedEvent(esc, OutcomeCancel))
		return "", nil
	default:
		return "", fmt.Errorf("escrow: invalid resolution outcome %s", outcome)
	}
}

// Cancel aborts an escrow that has not reached BothCommitted and refunds any
// side already held.
func (e *Engine) Cancel(id OrderID, caller string) error {
	unlock := e.lock(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer && caller != esc.Seller {
		return unauthorized(ActionCancel, caller)
	}
	return e.closeWithRefund(esc, ActionCancel, NewCancelledEvent)
}

func (e *Engine) closeWithRefund(esc *Escrow, action Action, eventFn func(*Escrow) *types.Event) error {
	next, err := Transition(esc.State, esc.Mode, action)
	if err != nil {
		return err
	}
	moved, err := e.refund(esc)
	if err != nil {
		return err
	}
	prevFunding := esc.Funding
	esc.State = next
	esc.Funding = Funding{}
	if err := e.storeEscrow(esc); err != nil {
		esc.Funding = prevFunding
		e.reverse(moved)
		return err
	}
	e.emit(eventFn(esc))
	return nil
}
