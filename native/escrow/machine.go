package escrow

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an action is not legal from the
// escrow's current state. The escrow is left unchanged.
var ErrInvalidTransition = errors.New("escrow: invalid transition")

// Action is a lifecycle trigger applied to an escrow.
type Action uint8

const (
	ActionBuyerCommit Action = iota + 1
	ActionSellerCommit
	ActionSellerClaim
	ActionBuyerClaim
	ActionSettle
	ActionDispute
	ActionResolveSettle
	ActionResolveCancel
	ActionExpire
	ActionCancel
)

var actionNames = map[Action]string{
	ActionBuyerCommit:   "buyer_commit",
	ActionSellerCommit:  "seller_commit",
	ActionSellerClaim:   "seller_claim",
	ActionBuyerClaim:    "buyer_claim",
	ActionSettle:        "settle",
	ActionDispute:       "dispute",
	ActionResolveSettle: "resolve_settle",
	ActionResolveCancel: "resolve_cancel",
	ActionExpire:        "expire",
	ActionCancel:        "cancel",
}

// AllActions lists every action in declaration order.
var AllActions = []Action{
	ActionBuyerCommit, ActionSellerCommit, ActionSellerClaim, ActionBuyerClaim,
	ActionSettle, ActionDispute, ActionResolveSettle, ActionResolveCancel,
	ActionExpire, ActionCancel,
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// TransitionError describes a rejected action.
type TransitionError struct {
	From   EscrowState
	Mode   EscrowMode
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("escrow: cannot %s in state %s (%s)", e.Action, e.From, e.Mode)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Transition returns the state reached by applying action to an escrow in
// state from. It has no side effects.
//
// Purchase escrows still need both commitments (seller acceptance without
// funds, buyer funding) but settle straight from SellerClaimed; BuyerClaim is
// only meaningful for swaps.
func Transition(from EscrowState, mode EscrowMode, action Action) (EscrowState, error) {
	next, ok := transition(from, mode, action)
	if !ok {
		return from, &TransitionError{From: from, Mode: mode, Action: action}
	}
	return next, nil
}

func transition(from EscrowState, mode EscrowMode, action Action) (EscrowState, bool) {
	swap := mode == ModeSwap
	switch action {
	case ActionBuyerCommit:
		switch from {
		case StateNone:
			return StateBuyerCommitted, true
		case StateSellerCommitted:
			return StateBothCommitted, true
		}
	case ActionSellerCommit:
		switch from {
		case StateNone:
			return StateSellerCommitted, true
		case StateBuyerCommitted:
			return StateBothCommitted, true
		}
	case ActionSellerClaim:
		switch from {
		case StateBothCommitted:
			return StateSellerClaimed, true
		case StateBuyerClaimed:
			if swap {
				return StateBothClaimed, true
			}
		}
	case ActionBuyerClaim:
		if !swap {
			return from, false
		}
		switch from {
		case StateBothCommitted:
			return StateBuyerClaimed, true
		case StateSellerClaimed:
			return StateBothClaimed, true
		}
	case ActionSettle:
		switch from {
		case StateBothClaimed:
			return StateSettled, true
		case StateSellerClaimed:
			if !swap {
				return StateSettled, true
			}
		}
	case ActionDispute:
		if !from.Terminal() && from != StateDisputed && from.Valid() {
			return StateDisputed, true
		}
	case ActionResolveSettle:
		if from == StateDisputed {
			return StateSettled, true
		}
	case ActionResolveCancel:
		if from == StateDisputed {
			return StateCancelled, true
		}
	case ActionExpire:
		switch from {
		case StateNone, StateBuyerCommitted, StateSellerCommitted,
			StateBothCommitted, StateSellerClaimed, StateBuyerClaimed:
			return StateExpired, true
		}
	case ActionCancel:
		switch from {
		case StateNone, StateBuyerCommitted, StateSellerCommitted:
			return StateCancelled, true
		}
	}
	return from, false
}

// LegalActions enumerates the actions accepted from state in the given mode.
func LegalActions(state EscrowState, mode EscrowMode) []Action {
	var out []Action
	for _, a := range AllActions {
		if _, ok := transition(state, mode, a); ok {
			out = append(out, a)
		}
	}
	return out
}

// SettleEligible reports whether a settle action would succeed.
func SettleEligible(state EscrowState, mode EscrowMode) bool {
	_, ok := transition(state, mode, ActionSettle)
	return ok
}
