package escrow

import "context"

// ExpiryDue reports whether esc has missed a window at time now. Escrows that
// are resolved, disputed or already settle-eligible never expire. A committed
// escrow waiting on timed release is not subject to the claim window.
func ExpiryDue(esc *Escrow, now int64) bool {
	if esc == nil {
		return false
	}
	switch {
	case esc.State.Terminal(), esc.State == StateDisputed:
		return false
	case !esc.State.Committed():
		deadline := esc.CommitmentDeadline()
		return deadline > 0 && now >= deadline
	case SettleEligible(esc.State, esc.Mode):
		return false
	case esc.Windows.TimedReleaseEnabled && esc.State == StateBothCommitted:
		return false
	default:
		deadline := esc.ClaimDeadline()
		return deadline > 0 && now >= deadline
	}
}

// expireIfDue moves esc to Expired with refunds when a window has elapsed.
// The caller must hold the escrow lock.
func (e *Engine) expireIfDue(esc *Escrow, now int64) (bool, error) {
	if !ExpiryDue(esc, now) {
		return false, nil
	}
	if err := e.closeWithRefund(esc, ActionExpire, NewExpiredEvent); err != nil {
		return false, err
	}
	return true, nil
}

// TryExpire expires the escrow if one of its windows elapsed by now. It
// returns false without error when nothing was due, including for escrows
// that already resolved.
func (e *Engine) TryExpire(id OrderID, now int64) (bool, error) {
	unlock := e.lock(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return false, err
	}
	return e.expireIfDue(esc, now)
}

// TimedRelease confirms delivery on the buyer's behalf once the release window
// has passed, then settles if the escrow became eligible. An escrow whose claim
// window elapsed first is expired instead. It shares the
// guarded path with ConfirmDelivery and Settle, so whichever runs first wins
// and the other is a no-op. The bool reports whether the release applied.
func (e *Engine) TimedRelease(ctx context.Context, id OrderID, now int64) (string, bool, error) {
	unlock := e.lock(id)
	defer unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return "", false, err
	}
	releaseAt := esc.ReleaseAt()
	if releaseAt == 0 || now < releaseAt {
		return "", false, nil
	}
	// A missed claim window wins over a pending release.
	if expired, err := e.expireIfDue(esc, now); err != nil || expired {
		return "", false, err
	}
	if _, err := Transition(esc.State, esc.Mode, ActionSellerClaim); err != nil {
		return "", false, nil
	}
	if err := apply(esc, ActionSellerClaim); err != nil {
		return "", false, err
	}
	esc.DeliveredAt = now
	if err := e.storeEscrow(esc); err != nil {
		return "", false, err
	}
	e.emit(NewDeliveredEvent(esc))
	if !SettleEligible(esc.State, esc.Mode) {
		return "", true, nil
	}
	receiptID, err := e.settleLocked(ctx, esc, ActionSettle)
	if err != nil {
		return "", true, err
	}
	return receiptID, true, nil
}
