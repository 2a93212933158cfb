package escrow

import (
	"strconv"
	"strings"

	"tbc/core/events"
	"tbc/core/types"
)

const (
	EventTypeEscrowCreated          = "escrow.created"
	EventTypeEscrowAccepted         = "escrow.accepted"
	EventTypeEscrowFunded           = "escrow.funded"
	EventTypeEscrowCommitted        = "escrow.committed"
	EventTypeEscrowDelivered        = "escrow.delivered"
	EventTypeEscrowCounterDelivered = "escrow.counter_delivered"
	EventTypeEscrowSettled          = "escrow.settled"
	EventTypeEscrowDisputed         = "escrow.disputed"
	EventTypeEscrowResolved         = "escrow.resolved"
	EventTypeEscrowCancelled        = "escrow.cancelled"
	EventTypeEscrowExpired          = "escrow.expired"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e, "") }

// NewAcceptedEvent is emitted when the seller commits.
func NewAcceptedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowAccepted, e, "") }

// NewFundedEvent is emitted when the buyer's amount reaches the vault.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowFunded, e, "") }

// NewCommittedEvent is emitted once both sides have committed.
func NewCommittedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowCommitted, e, "")
}

func NewDeliveredEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowDelivered, e, "")
}

func NewCounterDeliveredEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowCounterDelivered, e, "")
}

// NewSettledEvent carries the receipt id of the settlement.
func NewSettledEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowSettled, e, "") }

func NewDisputedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowDisputed, e, "") }

// NewResolvedEvent returns the canonical event payload emitted when a dispute is
// resolved.
func NewResolvedEvent(e *Escrow, outcome string) *types.Event {
	return newEscrowEvent(EventTypeEscrowResolved, e, outcome)
}

func NewCancelledEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowCancelled, e, "")
}

// NewExpiredEvent returns the canonical event payload emitted when an escrow
// misses its commitment or claim window.
func NewExpiredEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowExpired, e, "") }

func newEscrowEvent(eventType string, e *Escrow, outcome string) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = e.OrderID.String()
	attrs["buyer"] = e.Buyer
	attrs["seller"] = e.Seller
	attrs["buyerAmount"] = cloneBigInt(e.BuyerAmount).String()
	attrs["mode"] = e.Mode.String()
	attrs["state"] = e.State.String()
	attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	if e.Mode == ModeSwap {
		attrs["sellerAmount"] = cloneBigInt(e.SellerAmount).String()
	}
	if e.CommittedAt != 0 {
		attrs["committedAt"] = strconv.FormatInt(e.CommittedAt, 10)
	}
	if deadline := e.CommitmentDeadline(); deadline != 0 && !e.State.Committed() {
		attrs["commitmentDeadline"] = strconv.FormatInt(deadline, 10)
	}
	if deadline := e.ClaimDeadline(); deadline != 0 {
		attrs["claimDeadline"] = strconv.FormatInt(deadline, 10)
	}
	if at := e.ReleaseAt(); at != 0 {
		attrs["releaseAt"] = strconv.FormatInt(at, 10)
	}
	if e.ReceiptID != "" {
		attrs["receiptId"] = e.ReceiptID
	}
	if strings.TrimSpace(outcome) != "" {
		attrs["outcome"] = outcome
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// EventPayload extracts the escrow payload from an emitted event.
func EventPayload(evt events.Event) (*types.Event, bool) {
	wrapped, ok := evt.(escrowEvent)
	if !ok || wrapped.evt == nil {
		return nil, false
	}
	return wrapped.evt, true
}
