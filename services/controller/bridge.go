package controller

import (
	"context"
	"math/big"

	"tbc/native/escrow"
	"tbc/state"
)

// EscrowTerms describe an escrow to open. A zero Nonce lets the controller
// derive one from the session.
type EscrowTerms struct {
	Buyer         string
	Seller        string
	Amount        *big.Int
	CounterAmount *big.Int
	Mode          escrow.EscrowMode
	Windows       escrow.Windows
	Nonce         [32]byte
}

// EscrowView is the externally visible summary of an escrow.
type EscrowView struct {
	ID            string `json:"id"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Amount        string `json:"amount"`
	CounterAmount string `json:"counterAmount,omitempty"`
	Mode          string `json:"mode"`
	State         string `json:"state"`
	CreatedAt     int64  `json:"createdAt"`
	CommittedAt   int64  `json:"committedAt,omitempty"`
	DeliveredAt   int64  `json:"deliveredAt,omitempty"`
	ReceiptID     string `json:"receiptId,omitempty"`
}

// ViewOf summarises esc.
func ViewOf(esc *escrow.Escrow) *EscrowView {
	if esc == nil {
		return nil
	}
	view := &EscrowView{
		ID:          esc.OrderID.String(),
		Buyer:       esc.Buyer,
		Seller:      esc.Seller,
		Mode:        esc.Mode.String(),
		State:       esc.State.String(),
		CreatedAt:   esc.CreatedAt,
		CommittedAt: esc.CommittedAt,
		DeliveredAt: esc.DeliveredAt,
		ReceiptID:   esc.ReceiptID,
	}
	if esc.BuyerAmount != nil {
		view.Amount = esc.BuyerAmount.String()
	}
	if esc.Mode == escrow.ModeSwap && esc.SellerAmount != nil {
		view.CounterAmount = esc.SellerAmount.String()
	}
	return view
}

// Bridge is the custody layer the controller drives. Implementations act on
// behalf of the escrow's parties; Settle is idempotent and returns the
// receipt id of the settlement.
type Bridge interface {
	CreateEscrow(ctx context.Context, terms EscrowTerms) (escrow.OrderID, error)
	SellerAccept(ctx context.Context, id escrow.OrderID) error
	BuyerFund(ctx context.Context, id escrow.OrderID) error
	MarkDelivered(ctx context.Context, id escrow.OrderID) error
	MarkCounterDelivered(ctx context.Context, id escrow.OrderID) error
	Settle(ctx context.Context, id escrow.OrderID) (string, error)
	GetEscrowState(ctx context.Context, id escrow.OrderID) (escrow.EscrowState, error)
	GetEscrow(ctx context.Context, id escrow.OrderID) (*EscrowView, error)
	Dispute(ctx context.Context, id escrow.OrderID) error
	Cancel(ctx context.Context, id escrow.OrderID) error
	Resolve(ctx context.Context, id escrow.OrderID, outcome string) (string, error)
}

// LocalBridge drives an in-process escrow engine backed by a state book. It
// is used for development and simulation, where the controller also plays
// both parties.
type LocalBridge struct {
	engine *escrow.Engine
	book   *state.Book
}

// NewLocalBridge wires an engine to its book. The engine's state must be the
// same book.
func NewLocalBridge(engine *escrow.Engine, book *state.Book) *LocalBridge {
	return &LocalBridge{engine: engine, book: book}
}

// Engine exposes the underlying engine.
func (b *LocalBridge) Engine() *escrow.Engine { return b.engine }

// Book exposes the underlying account book.
func (b *LocalBridge) Book() *state.Book { return b.book }

func (b *LocalBridge) CreateEscrow(ctx context.Context, terms EscrowTerms) (escrow.OrderID, error) {
	if err := ctx.Err(); err != nil {
		return escrow.OrderID{}, err
	}
	esc, err := b.engine.Create(escrow.CreateParams{
		Buyer:        terms.Buyer,
		Seller:       terms.Seller,
		BuyerAmount:  terms.Amount,
		SellerAmount: terms.CounterAmount,
		Mode:         terms.Mode,
		Windows:      terms.Windows,
		Nonce:        terms.Nonce,
	})
	if err != nil {
		return escrow.OrderID{}, err
	}
	return esc.OrderID, nil
}

func (b *LocalBridge) parties(ctx context.Context, id escrow.OrderID) (*escrow.Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.engine.Get(id)
}

func (b *LocalBridge) SellerAccept(ctx context.Context, id escrow.OrderID) error {
	esc, err := b.parties(ctx, id)
	if err != nil {
		return err
	}
	return b.engine.SellerAccept(id, esc.Seller)
}

func (b *LocalBridge) BuyerFund(ctx context.Context, id escrow.OrderID) error {
	esc, err := b.parties(ctx, id)
	if err != nil {
		return err
	}
	return b.engine.BuyerFund(id, esc.Buyer)
}

func (b *LocalBridge) MarkDelivered(ctx context.Context, id escrow.OrderID) error {
	esc, err := b.parties(ctx, id)
	if err != nil {
		return err
	}
	return b.engine.ConfirmDelivery(id, esc.Buyer)
}

func (b *LocalBridge) MarkCounterDelivered(ctx context.Context, id escrow.OrderID) error {
	esc, err := b.parties(ctx, id)
	if err != nil {
		return err
	}
	return b.engine.ConfirmCounterDelivery(id, esc.Seller)
}

func (b *LocalBridge) Settle(ctx context.Context, id escrow.OrderID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.engine.Settle(ctx, id)
}

func (b *LocalBridge) GetEscrowState(ctx context.Context, id escrow.OrderID) (escrow.EscrowState, error) {
	esc, err := b.parties(ctx, id)
	if err != nil {
		return escrow.StateNone, err
	}
	return esc.State, nil
}

func (b *LocalBridge) GetEscrow(ctx context.Context, id escrow.OrderID) (*EscrowView, error) {
	esc, err := b.parties(ctx, id)
	if err != nil {
		return nil, err
	}
	return ViewOf(esc), nil
}

// Dispute is raised on the buyer's behalf.
func (b *LocalBridge) Dispute(ctx context.Context, id escrow.OrderID) error {
	esc, err := b.parties(ctx, id)
	if err != nil {
		return err
	}
	return b.engine.Dispute(id, esc.Buyer)
}

// Cancel is requested on the buyer's behalf.
func (b *LocalBridge) Cancel(ctx context.Context, id escrow.OrderID) error {
	esc, err := b.parties(ctx, id)
	if err != nil {
		return err
	}
	return b.engine.Cancel(id, esc.Buyer)
}

func (b *LocalBridge) Resolve(ctx context.Context, id escrow.OrderID, outcome string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.engine.Resolve(ctx, id, outcome)
}
