package controller

import (
	"context"
	"log/slog"
	"time"

	"tbc/native/escrow"
	"tbc/protocol/tgp"
)

// Watcher polls the bridge for bound sessions whose escrows closed without a
// SETTLE report, for example through timed release or expiry, and feeds a
// controller-watcher report through the controller so the session records
// the outcome.
type Watcher struct {
	controller   *Controller
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewWatcher constructs a watcher with a five second poll interval.
func NewWatcher(c *Controller, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{controller: c, pollInterval: interval, logger: logger}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if w == nil || w.controller == nil {
		return
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll checks every open session once and returns the number of reports it
// synthesized.
func (w *Watcher) Poll(ctx context.Context) int {
	reports := 0
	for _, sess := range w.controller.Sessions() {
		if !sess.Bound || sess.Closed {
			continue
		}
		st, err := w.controller.bridge.GetEscrowState(ctx, sess.EscrowID)
		if err != nil {
			w.logger.Warn("watcher: escrow state lookup failed", "session_id", sess.ID, "error", err)
			continue
		}
		if !st.Terminal() {
			continue
		}
		report := &tgp.Settle{
			ID:             "watch-" + sess.ID + "-" + st.String(),
			QueryOrOfferID: sess.OfferID,
			Success:        st == escrow.StateSettled,
			Source:         tgp.SourceControllerWatcher,
			SessionID:      tgp.String(sess.ID),
		}
		if _, err := w.controller.HandleSettle(ctx, report); err != nil {
			w.logger.Warn("watcher: settle report failed", "session_id", sess.ID, "error", err)
			continue
		}
		reports++
	}
	return reports
}
