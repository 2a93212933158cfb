package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"tbc/core/events"
	"tbc/core/types"
	"tbc/storage/vault"
)

const testVault = "vault://test"

type mockState struct {
	mu       sync.Mutex
	escrows  map[OrderID]*Escrow
	accounts map[string]*big.Int
	failPut  bool
}

func newMockState() *mockState {
	return &mockState{
		escrows:  make(map[OrderID]*Escrow),
		accounts: make(map[string]*big.Int),
	}
}

func (m *mockState) EscrowPut(e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("mock: put failed")
	}
	m.escrows[e.OrderID] = e.Clone()
	return nil
}

func (m *mockState) EscrowGet(id OrderID) (*Escrow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (m *mockState) EscrowIDs() []OrderID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]OrderID, 0, len(m.escrows))
	for id := range m.escrows {
		ids = append(ids, id)
	}
	return ids
}

func (m *mockState) EscrowVaultAddress() string { return testVault }

func (m *mockState) GetAccount(addr string) (*types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.accounts[addr]
	if !ok {
		bal = big.NewInt(0)
	}
	return &types.Account{Address: addr, Balance: new(big.Int).Set(bal)}, nil
}

func (m *mockState) PutAccount(addr string, acc *types.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[addr] = new(big.Int).Set(acc.Balance)
	return nil
}

func (m *mockState) balance(addr string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.accounts[addr]; ok {
		return bal.Int64()
	}
	return 0
}

func (m *mockState) setBalance(addr string, v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[addr] = big.NewInt(v)
}

type countingVault struct {
	*vault.KV
	mu    sync.Mutex
	mints int
	fail  error
}

func (c *countingVault) Mint(ctx context.Context, r vault.Receipt) (string, error) {
	c.mu.Lock()
	c.mints++
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return "", fail
	}
	return c.KV.Mint(ctx, r)
}

const (
	buyer  = "buyer://alice"
	seller = "seller://bob"
)

type harness struct {
	engine   *Engine
	state    *mockState
	vault    *countingVault
	recorder *events.Recorder
	now      int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		engine:   NewEngine(),
		state:    newMockState(),
		vault:    &countingVault{KV: vault.NewMemory()},
		recorder: &events.Recorder{},
		now:      1_700_000_000,
	}
	h.engine.SetState(h.state)
	h.engine.SetVault(h.vault)
	h.engine.SetEmitter(h.recorder)
	h.engine.SetNowFunc(func() int64 { return h.now })
	h.state.setBalance(buyer, 100_000_000)
	h.state.setBalance(seller, 100_000_000)
	return h
}

func pizzaParams() CreateParams {
	return CreateParams{
		Buyer:       buyer,
		Seller:      seller,
		BuyerAmount: big.NewInt(25_000_000),
		Windows: Windows{
			Commitment:          1800,
			Claim:               3600,
			TimedReleaseEnabled: true,
			TimedRelease:        3600,
		},
		Nonce: [32]byte{0x01},
	}
}

func swapParams() CreateParams {
	return CreateParams{
		Buyer:        buyer,
		Seller:       seller,
		BuyerAmount:  big.NewInt(10_000),
		SellerAmount: big.NewInt(4_000),
		Mode:         ModeSwap,
		Windows:      Windows{Commitment: 600, Claim: 600},
		Nonce:        [32]byte{0x02},
	}
}

func (h *harness) create(t *testing.T, p CreateParams) OrderID {
	t.Helper()
	esc, err := h.engine.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return esc.OrderID
}

func (h *harness) stateOf(t *testing.T, id OrderID) EscrowState {
	t.Helper()
	esc, err := h.engine.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return esc.State
}

func TestPurchaseLifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())

	if err := h.engine.SellerAccept(id, seller); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := h.stateOf(t, id); got != StateSellerCommitted {
		t.Fatalf("after accept: %s", got)
	}
	if err := h.engine.BuyerFund(id, buyer); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if got := h.state.balance(buyer); got != 75_000_000 {
		t.Fatalf("buyer balance after fund: %d", got)
	}
	if got := h.state.balance(testVault); got != 25_000_000 {
		t.Fatalf("vault balance after fund: %d", got)
	}
	if got := h.stateOf(t, id); got != StateBothCommitted {
		t.Fatalf("after fund: %s", got)
	}
	if err := h.engine.ConfirmDelivery(id, buyer); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	receiptID, err := h.engine.Settle(context.Background(), id)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := h.state.balance(seller); got != 125_000_000 {
		t.Fatalf("seller balance after settle: %d", got)
	}
	if got := h.state.balance(testVault); got != 0 {
		t.Fatalf("vault balance after settle: %d", got)
	}
	if got := h.stateOf(t, id); got != StateSettled {
		t.Fatalf("after settle: %s", got)
	}
	receipt, err := h.vault.Get(context.Background(), receiptID)
	if err != nil {
		t.Fatalf("receipt lookup: %v", err)
	}
	if receipt.Buyer != buyer || receipt.Seller != seller || receipt.Amount != "25000000" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if receipt.OrderID != id.String() {
		t.Fatalf("receipt bound to %s, want %s", receipt.OrderID, id)
	}

	want := []string{
		EventTypeEscrowCreated, EventTypeEscrowAccepted, EventTypeEscrowFunded,
		EventTypeEscrowCommitted, EventTypeEscrowDelivered, EventTypeEscrowSettled,
	}
	got := h.recorder.Types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer), h.engine.ConfirmDelivery(id, buyer))

	first, err := h.engine.Settle(context.Background(), id)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	second, err := h.engine.Settle(context.Background(), id)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if first != second {
		t.Fatalf("receipt ids differ: %s vs %s", first, second)
	}
	if got := h.state.balance(seller); got != 125_000_000 {
		t.Fatalf("seller paid twice: %d", got)
	}
	if h.vault.mints != 1 {
		t.Fatalf("expected one mint, got %d", h.vault.mints)
	}
}

func TestConcurrentSettleMintsOnce(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer), h.engine.ConfirmDelivery(id, buyer))

	const racers = 16
	ids := make([]string, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = h.engine.Settle(context.Background(), id)
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("racer %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("racer %d got %s, want %s", i, ids[i], ids[0])
		}
	}
	if h.vault.mints != 1 {
		t.Fatalf("expected exactly one mint, got %d", h.vault.mints)
	}
	receipts, _ := h.vault.List(context.Background())
	if len(receipts) != 1 {
		t.Fatalf("expected one receipt, got %d", len(receipts))
	}
	if got := h.state.balance(seller); got != 125_000_000 {
		t.Fatalf("seller balance %d", got)
	}
}

func TestSwapLifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, swapParams())

	mustRun(t, h.engine.BuyerFund(id, buyer), h.engine.SellerAccept(id, seller))
	if got := h.state.balance(testVault); got != 14_000 {
		t.Fatalf("vault holds %d", got)
	}
	if err := h.engine.ConfirmDelivery(id, buyer); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := h.engine.Settle(context.Background(), id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("swap settled with one claim: %v", err)
	}
	if err := h.engine.ConfirmCounterDelivery(id, seller); err != nil {
		t.Fatalf("counter delivery: %v", err)
	}
	if got := h.stateOf(t, id); got != StateBothClaimed {
		t.Fatalf("state %s", got)
	}
	receiptID, err := h.engine.Settle(context.Background(), id)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := h.state.balance(buyer); got != 100_000_000-10_000+4_000 {
		t.Fatalf("buyer balance %d", got)
	}
	if got := h.state.balance(seller); got != 100_000_000+10_000-4_000 {
		t.Fatalf("seller balance %d", got)
	}
	receipt, _ := h.vault.Get(context.Background(), receiptID)
	if receipt.CounterAmount != "4000" || receipt.Mode != "swap" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestPurchaseRejectsCounterClaim(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer))
	if err := h.engine.ConfirmCounterDelivery(id, seller); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestClaimRequiresBothCommitments(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	if err := h.engine.BuyerFund(id, buyer); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := h.engine.ConfirmDelivery(id, buyer); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := h.stateOf(t, id); got != StateBuyerCommitted {
		t.Fatalf("state changed to %s", got)
	}
}

func TestActorChecks(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	if err := h.engine.SellerAccept(id, buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer accepted as seller: %v", err)
	}
	if err := h.engine.BuyerFund(id, seller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller funded as buyer: %v", err)
	}
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer))
	if err := h.engine.ConfirmDelivery(id, seller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller confirmed own delivery: %v", err)
	}
	if err := h.engine.Dispute(id, "mallory"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider disputed: %v", err)
	}
}

func TestInsufficientFundsLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.state.setBalance(buyer, 10)
	id := h.create(t, pizzaParams())
	if err := h.engine.BuyerFund(id, buyer); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if got := h.stateOf(t, id); got != StateNone {
		t.Fatalf("state changed to %s", got)
	}
	if got := h.state.balance(buyer); got != 10 {
		t.Fatalf("buyer balance changed to %d", got)
	}
}

func TestMintFailureRollsBackPayout(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer), h.engine.ConfirmDelivery(id, buyer))

	h.vault.fail = errors.New("disk full")
	if _, err := h.engine.Settle(context.Background(), id); err == nil {
		t.Fatalf("expected mint failure")
	}
	if got := h.stateOf(t, id); got != StateSellerClaimed {
		t.Fatalf("state changed to %s", got)
	}
	if got := h.state.balance(testVault); got != 25_000_000 {
		t.Fatalf("vault balance %d after rollback", got)
	}
	h.vault.fail = nil
	if _, err := h.engine.Settle(context.Background(), id); err != nil {
		t.Fatalf("retry settle: %v", err)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, pizzaParams())
	second := h.create(t, pizzaParams())
	if first != second {
		t.Fatalf("ids differ")
	}
	conflicting := pizzaParams()
	conflicting.BuyerAmount = big.NewInt(1)
	if _, err := h.engine.Create(conflicting); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCancelRefundsHeldFunds(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	if err := h.engine.BuyerFund(id, buyer); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := h.engine.Cancel(id, buyer); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := h.state.balance(buyer); got != 100_000_000 {
		t.Fatalf("buyer not refunded: %d", got)
	}
	if got := h.stateOf(t, id); got != StateCancelled {
		t.Fatalf("state %s", got)
	}
}

func TestCancelAfterCommitmentFails(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer))
	if err := h.engine.Cancel(id, buyer); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDisputeAndResolve(t *testing.T) {
	for _, tc := range []struct {
		outcome     string
		wantState   EscrowState
		wantSeller  int64
		wantReceipt bool
	}{
		{OutcomeSettle, StateSettled, 125_000_000, true},
		{"refund", StateCancelled, 100_000_000, false},
	} {
		t.Run(tc.outcome, func(t *testing.T) {
			h := newHarness(t)
			id := h.create(t, pizzaParams())
			mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer))
			if err := h.engine.Dispute(id, buyer); err != nil {
				t.Fatalf("dispute: %v", err)
			}
			if err := h.engine.Dispute(id, seller); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("double dispute: %v", err)
			}
			if _, err := h.engine.Settle(context.Background(), id); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("settled a disputed escrow: %v", err)
			}
			receiptID, err := h.engine.Resolve(context.Background(), id, tc.outcome)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if (receiptID != "") != tc.wantReceipt {
				t.Fatalf("receipt id %q", receiptID)
			}
			if got := h.stateOf(t, id); got != tc.wantState {
				t.Fatalf("state %s", got)
			}
			if got := h.state.balance(seller); got != tc.wantSeller {
				t.Fatalf("seller balance %d", got)
			}
		})
	}
}

func TestResolveRejectsUnknownOutcome(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.Dispute(id, seller))
	if _, err := h.engine.Resolve(context.Background(), id, "split"); err == nil {
		t.Fatalf("expected invalid outcome error")
	}
}

func TestUnfundedEscrowExpires(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())

	expired, err := h.engine.TryExpire(id, h.now+1799)
	if err != nil || expired {
		t.Fatalf("expired early: %v %v", expired, err)
	}
	expired, err = h.engine.TryExpire(id, h.now+1800)
	if err != nil || !expired {
		t.Fatalf("expected expiry: %v %v", expired, err)
	}
	if got := h.stateOf(t, id); got != StateExpired {
		t.Fatalf("state %s", got)
	}
	if _, err := h.engine.Settle(context.Background(), id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	expired, err = h.engine.TryExpire(id, h.now+5000)
	if err != nil || expired {
		t.Fatalf("second expiry should be a no-op: %v %v", expired, err)
	}
}

func TestLateFundingExpiresAndRefunds(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	if err := h.engine.BuyerFund(id, buyer); err != nil {
		t.Fatalf("fund: %v", err)
	}
	h.now += 1800
	if err := h.engine.SellerAccept(id, seller); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if got := h.stateOf(t, id); got != StateExpired {
		t.Fatalf("state %s", got)
	}
	if got := h.state.balance(buyer); got != 100_000_000 {
		t.Fatalf("buyer not refunded: %d", got)
	}
}

func TestClaimWindowExpiry(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, swapParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer), h.engine.ConfirmDelivery(id, buyer))
	expired, err := h.engine.TryExpire(id, h.now+600)
	if err != nil || !expired {
		t.Fatalf("expected claim expiry: %v %v", expired, err)
	}
	if got := h.state.balance(buyer); got != 100_000_000 {
		t.Fatalf("buyer balance %d", got)
	}
	if got := h.state.balance(seller); got != 100_000_000 {
		t.Fatalf("seller balance %d", got)
	}
}

func TestSettleEligibleEscrowDoesNotExpire(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer), h.engine.ConfirmDelivery(id, buyer))
	expired, err := h.engine.TryExpire(id, h.now+100_000)
	if err != nil || expired {
		t.Fatalf("settle-eligible escrow expired: %v %v", expired, err)
	}
}

func TestTimedReleaseSettles(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer))

	if _, applied, err := h.engine.TimedRelease(context.Background(), id, h.now+3599); err != nil || applied {
		t.Fatalf("released early: %v %v", applied, err)
	}
	receiptID, applied, err := h.engine.TimedRelease(context.Background(), id, h.now+3600)
	if err != nil || !applied {
		t.Fatalf("expected release: %v %v", applied, err)
	}
	if receiptID == "" {
		t.Fatalf("expected receipt id")
	}
	if got := h.stateOf(t, id); got != StateSettled {
		t.Fatalf("state %s", got)
	}
	if got := h.state.balance(seller); got != 125_000_000 {
		t.Fatalf("seller balance %d", got)
	}
}

func TestTimedReleaseAfterExplicitConfirmationIsNoop(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer), h.engine.ConfirmDelivery(id, buyer))
	if _, err := h.engine.Settle(context.Background(), id); err != nil {
		t.Fatalf("settle: %v", err)
	}
	again, applied, err := h.engine.TimedRelease(context.Background(), id, h.now+10_000)
	if err != nil || applied || again != "" {
		t.Fatalf("timed release after settlement: %q %v %v", again, applied, err)
	}
	if h.vault.mints != 1 {
		t.Fatalf("mints %d", h.vault.mints)
	}
}

func TestTimedReleaseRacesConfirmation(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer))
	h.now += 3600

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, _ = h.engine.TimedRelease(context.Background(), id, h.now)
	}()
	go func() {
		defer wg.Done()
		if err := h.engine.ConfirmDelivery(id, buyer); err == nil {
			_, _ = h.engine.Settle(context.Background(), id)
		}
	}()
	wg.Wait()
	if got := h.stateOf(t, id); got != StateSettled {
		t.Fatalf("state %s", got)
	}
	if got := h.state.balance(seller); got != 125_000_000 {
		t.Fatalf("seller balance %d", got)
	}
	if h.vault.mints != 1 {
		t.Fatalf("expected one mint, got %d", h.vault.mints)
	}
}

func TestTimedReleaseOnDisputedEscrowIsNoop(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	mustRun(t, h.engine.SellerAccept(id, seller), h.engine.BuyerFund(id, buyer), h.engine.Dispute(id, buyer))
	if _, applied, err := h.engine.TimedRelease(context.Background(), id, h.now+10_000); err != nil || applied {
		t.Fatalf("timed release on dispute: %v %v", applied, err)
	}
}

func TestUnknownEscrow(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Settle(context.Background(), OrderID{0xff}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func mustRun(t *testing.T, errs ...error) {
	t.Helper()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestStoreFailureReversesFunding(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, pizzaParams())
	h.state.mu.Lock()
	h.state.failPut = true
	h.state.mu.Unlock()
	if err := h.engine.BuyerFund(id, buyer); err == nil {
		t.Fatalf("expected store failure")
	}
	if got := h.state.balance(buyer); got != 100_000_000 {
		t.Fatalf("buyer balance %d after failed fund", got)
	}
	if got := h.state.balance(testVault); got != 0 {
		t.Fatalf("vault balance %d after failed fund", got)
	}
}

func TestVaultCannotBeParty(t *testing.T) {
	for name, mutate := range map[string]func(*CreateParams){
		"buyer":  func(p *CreateParams) { p.Buyer = testVault },
		"seller": func(p *CreateParams) { p.Seller = testVault },
		"padded": func(p *CreateParams) { p.Buyer = "  " + testVault + " " },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			p := pizzaParams()
			mutate(&p)
			if _, err := h.engine.Create(p); err == nil {
				t.Fatalf("created an escrow with the vault as a party")
			}
			if ids := h.state.EscrowIDs(); len(ids) != 0 {
				t.Fatalf("stored %d escrows", len(ids))
			}
		})
	}
}

func TestTransferToSelfRejected(t *testing.T) {
	h := newHarness(t)
	h.state.setBalance(testVault, 25_000_000)
	if err := h.engine.transferToken(testVault, testVault, big.NewInt(25_000_000)); err == nil {
		t.Fatalf("expected self transfer to fail")
	}
	if got := h.state.balance(testVault); got != 25_000_000 {
		t.Fatalf("vault balance %d", got)
	}
}

// Every path through the lifecycle moves funds between the parties and the
// vault without creating or destroying any, and leaves the custody held for a
// second, untouched escrow intact.
func TestBalancesConserved(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name   string
		params func() CreateParams
		run    func(h *harness, id OrderID) error
		want   EscrowState
	}{
		{"purchase settle", pizzaParams, func(h *harness, id OrderID) error {
			if err := h.engine.SellerAccept(id, seller); err != nil {
				return err
			}
			if err := h.engine.BuyerFund(id, buyer); err != nil {
				return err
			}
			if err := h.engine.ConfirmDelivery(id, buyer); err != nil {
				return err
			}
			_, err := h.engine.Settle(ctx, id)
			return err
		}, StateSettled},
		{"purchase cancel", pizzaParams, func(h *harness, id OrderID) error {
			if err := h.engine.BuyerFund(id, buyer); err != nil {
				return err
			}
			return h.engine.Cancel(id, buyer)
		}, StateCancelled},
		{"purchase expiry", pizzaParams, func(h *harness, id OrderID) error {
			if err := h.engine.BuyerFund(id, buyer); err != nil {
				return err
			}
			_, err := h.engine.TryExpire(id, h.now+1800)
			return err
		}, StateExpired},
		{"dispute refund", pizzaParams, func(h *harness, id OrderID) error {
			if err := h.engine.SellerAccept(id, seller); err != nil {
				return err
			}
			if err := h.engine.BuyerFund(id, buyer); err != nil {
				return err
			}
			if err := h.engine.Dispute(id, seller); err != nil {
				return err
			}
			_, err := h.engine.Resolve(ctx, id, OutcomeCancel)
			return err
		}, StateCancelled},
		{"timed release", pizzaParams, func(h *harness, id OrderID) error {
			if err := h.engine.SellerAccept(id, seller); err != nil {
				return err
			}
			if err := h.engine.BuyerFund(id, buyer); err != nil {
				return err
			}
			_, _, err := h.engine.TimedRelease(ctx, id, h.now+3600)
			return err
		}, StateSettled},
		{"swap settle", swapParams, func(h *harness, id OrderID) error {
			if err := h.engine.BuyerFund(id, buyer); err != nil {
				return err
			}
			if err := h.engine.SellerAccept(id, seller); err != nil {
				return err
			}
			if err := h.engine.ConfirmDelivery(id, buyer); err != nil {
				return err
			}
			if err := h.engine.ConfirmCounterDelivery(id, seller); err != nil {
				return err
			}
			_, err := h.engine.Settle(ctx, id)
			return err
		}, StateSettled},
		{"swap claim expiry", swapParams, func(h *harness, id OrderID) error {
			if err := h.engine.BuyerFund(id, buyer); err != nil {
				return err
			}
			if err := h.engine.SellerAccept(id, seller); err != nil {
				return err
			}
			if err := h.engine.ConfirmCounterDelivery(id, seller); err != nil {
				return err
			}
			_, err := h.engine.TryExpire(id, h.now+600)
			return err
		}, StateExpired},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			held := pizzaParams()
			held.Nonce = [32]byte{0x09}
			heldID := h.create(t, held)
			mustRun(t, h.engine.BuyerFund(heldID, buyer))
			total := h.state.balance(buyer) + h.state.balance(seller) + h.state.balance(testVault)

			id := h.create(t, tc.params())
			if err := tc.run(h, id); err != nil {
				t.Fatalf("run: %v", err)
			}
			if got := h.stateOf(t, id); got != tc.want {
				t.Fatalf("state %s, want %s", got, tc.want)
			}
			after := h.state.balance(buyer) + h.state.balance(seller) + h.state.balance(testVault)
			if after != total {
				t.Fatalf("total balance %d, want %d", after, total)
			}
			if got := h.state.balance(testVault); got != 25_000_000 {
				t.Fatalf("vault holds %d, want only the untouched escrow's 25000000", got)
			}
		})
	}
}

func TestTimedReleaseAfterClaimDeadlineExpires(t *testing.T) {
	h := newHarness(t)
	p := swapParams()
	p.Windows.TimedReleaseEnabled = true
	p.Windows.TimedRelease = 3600
	id := h.create(t, p)
	mustRun(t,
		h.engine.BuyerFund(id, buyer),
		h.engine.SellerAccept(id, seller),
		h.engine.ConfirmCounterDelivery(id, seller),
	)
	receiptID, applied, err := h.engine.TimedRelease(context.Background(), id, h.now+3600)
	if err != nil || applied || receiptID != "" {
		t.Fatalf("released past the claim deadline: %q %v %v", receiptID, applied, err)
	}
	if got := h.stateOf(t, id); got != StateExpired {
		t.Fatalf("state %s", got)
	}
	if got := h.state.balance(buyer); got != 100_000_000 {
		t.Fatalf("buyer balance %d", got)
	}
	if h.vault.mints != 0 {
		t.Fatalf("minted %d receipts", h.vault.mints)
	}
}
