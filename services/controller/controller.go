// Package controller negotiates TGP sessions and reconciles settlement
// reports against the escrow custody layer.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tbc/native/escrow"
	"tbc/observability"
	"tbc/protocol/tgp"
	"tbc/services/controller/policy"
	"tbc/storage/vault"
)

// Prover produces and checks proofs that a party owns a receipt.
type Prover interface {
	GenerateOwnershipProof(ctx context.Context, receiptID string, secret []byte) ([]byte, error)
	VerifyOwnershipProof(ctx context.Context, receiptID string, proof []byte) (bool, error)
}

// SettleOutcome is the controller's view of a session after a SETTLE report
// has been applied.
type SettleOutcome struct {
	SessionID string
	EscrowID  escrow.OrderID
	ReceiptID string
	State     escrow.EscrowState
}

// Controller turns QUERY messages into OFFERs and applies SETTLE reports to
// the escrows bound to each session.
type Controller struct {
	policy   *policy.GatewayPolicy
	bridge   Bridge
	vault    vault.Vault
	prover   Prover
	logger   *slog.Logger
	nowFn    func() time.Time
	sessions *sessionRegistry
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProver enables ownership proof verification.
func WithProver(p Prover) Option {
	return func(c *Controller) { c.prover = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// New builds a controller. A nil policy falls back to policy.DefaultPolicy.
func New(p *policy.GatewayPolicy, bridge Bridge, v vault.Vault, opts ...Option) *Controller {
	if p == nil {
		p = policy.DefaultPolicy()
	}
	c := &Controller{
		policy:   p,
		bridge:   bridge,
		vault:    v,
		logger:   slog.Default(),
		nowFn:    time.Now,
		sessions: newSessionRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the active gateway policy.
func (c *Controller) Policy() *policy.GatewayPolicy { return c.policy }

// Bridge returns the custody bridge.
func (c *Controller) Bridge() Bridge { return c.bridge }

func (c *Controller) now() time.Time { return c.nowFn().UTC() }

// HandleQuery synthesizes an OFFER for a QUERY. The offer is a pure function
// of the query and the policy; no escrow is touched.
func (c *Controller) HandleQuery(ctx context.Context, msg tgp.Message) (*tgp.Offer, error) {
	q, ok := msg.(*tgp.Query)
	if !ok || q == nil {
		err := wrongPhase(tgp.PhaseQuery, msg)
		observability.TGP().ObserveMessage(string(tgp.PhaseQuery), CodeWrongPhase)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := c.now()
	req := c.policy.RequestFromQuery(q, now)
	if err := c.policy.Check(req, now); err != nil {
		c.logger.Warn("rejected TGP QUERY", "query_id", q.ID, "error", err)
		observability.TGP().ObserveMessage(string(tgp.PhaseQuery), Code(err))
		return nil, err
	}

	sessionID := "sess-" + q.ID
	offer := &tgp.Offer{
		ID:                 "offer-" + q.ID,
		QueryID:            q.ID,
		Asset:              q.Asset,
		Amount:             q.Amount,
		CoreproverContract: cloneString(q.EscrowContractFrom402),
		SessionID:          tgp.String(sessionID),
		ZkRequired:         q.ZkProfile == tgp.ZkRequired,
		EconomicEnvelope:   tgp.EconomicEnvelope{MaxFeesBps: req.MaxFeesBps},
	}
	if !req.Expiry.IsZero() {
		offer.EconomicEnvelope.Expiry = tgp.String(req.Expiry.Format(time.RFC3339))
	}
	total, err := c.sessions.register(q, offer, sessionID, now)
	if err != nil {
		c.logger.Warn("rejected TGP QUERY", "query_id", q.ID, "error", err)
		observability.TGP().ObserveMessage(string(tgp.PhaseQuery), Code(err))
		return nil, err
	}
	observability.TGP().SetSessions(total)

	c.logger.Info("synthesized OFFER for TGP QUERY",
		"query_id", q.ID,
		"offer_id", offer.ID,
		"session_id", sessionID,
		"zk_required", offer.ZkRequired)
	observability.TGP().ObserveMessage(string(tgp.PhaseQuery), "ok")
	return offer, nil
}

// OpenEscrow creates the escrow for a negotiated session and binds it. The
// correlation id may be the query, offer or session id. Opening again with the
// same terms returns the bound escrow.
func (c *Controller) OpenEscrow(ctx context.Context, correlationID string, terms EscrowTerms) (escrow.OrderID, error) {
	entry := c.sessions.lookup(correlationID)
	if entry == nil {
		return escrow.OrderID{}, fmt.Errorf("%w: %s", ErrNoSuchSession, correlationID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if terms.Nonce == ([32]byte{}) {
		terms.Nonce = ethcrypto.Keccak256Hash([]byte(entry.s.ID))
	}
	if entry.s.Bound {
		candidate := escrow.DeriveOrderID(strings.TrimSpace(terms.Buyer), strings.TrimSpace(terms.Seller), terms.Nonce)
		if candidate != entry.s.EscrowID {
			return escrow.OrderID{}, fmt.Errorf("%w: session %s holds %s", ErrEscrowBound, entry.s.ID, entry.s.EscrowID)
		}
	}
	id, err := c.bridge.CreateEscrow(ctx, terms)
	if err != nil {
		return escrow.OrderID{}, err
	}
	if entry.s.Bound && entry.s.EscrowID != id {
		return escrow.OrderID{}, fmt.Errorf("%w: session %s holds %s", ErrEscrowBound, entry.s.ID, entry.s.EscrowID)
	}
	if !entry.s.Bound {
		entry.s.Bound = true
		entry.s.EscrowID = id
		entry.s.State = escrow.StateNone
		entry.s.UpdatedAt = c.now()
		c.sessions.bind(entry, id)
		c.logger.Info("bound escrow to session", "session_id", entry.s.ID, "escrow_id", id.String())
	}
	return id, nil
}

// HandleSettle applies a SETTLE report to the session's escrow. Reports for
// one session are serialised. A successful report settles the escrow through
// the bridge, and every later report returns the same receipt. A failed report
// cancels an escrow that is not yet committed and disputes one that is;
// reports against a closed escrow change nothing. Bridge errors are returned
// unchanged.
func (c *Controller) HandleSettle(ctx context.Context, msg tgp.Message) (*SettleOutcome, error) {
	s, ok := msg.(*tgp.Settle)
	if !ok || s == nil {
		observability.TGP().ObserveMessage(string(tgp.PhaseSettle), CodeWrongPhase)
		return nil, wrongPhase(tgp.PhaseSettle, msg)
	}
	outcome, err := c.handleSettle(ctx, s)
	if err != nil {
		c.logger.Warn("failed to apply TGP SETTLE",
			"settle_id", s.ID,
			"correlation", s.QueryOrOfferID,
			"error", err)
		observability.TGP().ObserveMessage(string(tgp.PhaseSettle), Code(err))
		return nil, err
	}
	observability.TGP().ObserveMessage(string(tgp.PhaseSettle), "ok")
	return outcome, nil
}

func (c *Controller) handleSettle(ctx context.Context, s *tgp.Settle) (*SettleOutcome, error) {
	if err := c.policy.CheckSettle(s.Source); err != nil {
		return nil, err
	}
	entry := c.sessions.lookup(s.QueryOrOfferID)
	if entry == nil && s.SessionID != nil {
		entry = c.sessions.lookup(*s.SessionID)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, s.QueryOrOfferID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	sess := &entry.s
	if !sess.Bound {
		return nil, fmt.Errorf("%w: %s", ErrNoEscrowBound, sess.ID)
	}
	c.logger.Info("received TGP SETTLE",
		"settle_id", s.ID,
		"correlation", s.QueryOrOfferID,
		"session_id", sess.ID,
		"success", s.Success,
		"source", string(s.Source))
	if s.Layer8Tx != nil {
		sess.Layer8Tx = *s.Layer8Tx
	}

	if s.Success {
		if sess.ReceiptID == "" {
			receiptID, err := c.bridge.Settle(ctx, sess.EscrowID)
			if err != nil {
				return nil, err
			}
			sess.ReceiptID = receiptID
			sess.State = escrow.StateSettled
			sess.Closed = true
			observability.TGP().RecordSettlement("settled")
			c.logger.Info("settled escrow", "session_id", sess.ID, "escrow_id", sess.EscrowID.String(), "receipt_id", receiptID)
		}
	} else {
		current, err := c.bridge.GetEscrowState(ctx, sess.EscrowID)
		if err != nil {
			return nil, err
		}
		switch {
		case current.Terminal() || current == escrow.StateDisputed:
			observability.TGP().RecordSettlement("noop")
		case current.Committed():
			if err := c.bridge.Dispute(ctx, sess.EscrowID); err != nil {
				return nil, err
			}
			observability.TGP().RecordSettlement("disputed")
		default:
			if err := c.bridge.Cancel(ctx, sess.EscrowID); err != nil {
				return nil, err
			}
			observability.TGP().RecordSettlement("cancelled")
		}
		if err := c.refresh(ctx, sess); err != nil {
			return nil, err
		}
	}
	sess.UpdatedAt = c.now()
	return &SettleOutcome{
		SessionID: sess.ID,
		EscrowID:  sess.EscrowID,
		ReceiptID: sess.ReceiptID,
		State:     sess.State,
	}, nil
}

// refresh reloads the escrow state into the session. Callers hold the entry
// lock.
func (c *Controller) refresh(ctx context.Context, sess *Session) error {
	st, err := c.bridge.GetEscrowState(ctx, sess.EscrowID)
	if err != nil {
		return err
	}
	sess.State = st
	if st.Terminal() {
		sess.Closed = true
	}
	return nil
}

// Session returns a snapshot of the session matching a query, offer or
// session id.
func (c *Controller) Session(id string) (Session, error) {
	entry := c.sessions.lookup(id)
	if entry == nil {
		return Session{}, fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	return entry.snapshot(), nil
}

// Sessions returns snapshots of every session ordered by session id.
func (c *Controller) Sessions() []Session {
	entries := c.sessions.entries()
	out := make([]Session, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.snapshot())
	}
	return out
}

// SessionForEscrow returns the session bound to an escrow.
func (c *Controller) SessionForEscrow(id escrow.OrderID) (Session, bool) {
	entry := c.sessions.byEscrowID(id)
	if entry == nil {
		return Session{}, false
	}
	return entry.snapshot(), true
}

// Receipt fetches a settlement receipt by id.
func (c *Controller) Receipt(ctx context.Context, id string) (*vault.Receipt, error) {
	if c.vault == nil {
		return nil, fmt.Errorf("%w: %s", vault.ErrNotFound, id)
	}
	return c.vault.Get(ctx, id)
}

// VerifyOwnership checks that the receipt exists, that its proof hash still
// binds its fields, and that proof demonstrates ownership of it.
func (c *Controller) VerifyOwnership(ctx context.Context, receiptID string, proof []byte) (bool, error) {
	if c.prover == nil {
		return false, ErrNoProver
	}
	receipt, err := c.Receipt(ctx, receiptID)
	if err != nil {
		return false, err
	}
	if !vault.Verify(*receipt) {
		return false, fmt.Errorf("%w: proof hash mismatch for %s", vault.ErrInvalidReceipt, receiptID)
	}
	ok, err := c.prover.VerifyOwnershipProof(ctx, receiptID, proof)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// GenerateOwnershipProof signs a proof for receiptID with secret.
func (c *Controller) GenerateOwnershipProof(ctx context.Context, receiptID string, secret []byte) ([]byte, error) {
	if c.prover == nil {
		return nil, ErrNoProver
	}
	if _, err := c.Receipt(ctx, receiptID); err != nil {
		return nil, err
	}
	return c.prover.GenerateOwnershipProof(ctx, receiptID, secret)
}

// IsClientError reports whether err was caused by the request rather than a
// collaborator.
func IsClientError(err error) bool {
	return Code(err) != CodeBridge
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
