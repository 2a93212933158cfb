// Package tgp implements the TGP control-plane messages: a closed set of
// QUERY, OFFER, SETTLE and ERROR variants tagged by a "phase" discriminator,
// plus a strict JSON codec.
package tgp

import (
	"encoding/json"
	"fmt"
)

// Phase is the discriminator carried in every message.
type Phase string

const (
	PhaseQuery  Phase = "QUERY"
	PhaseOffer  Phase = "OFFER"
	PhaseSettle Phase = "SETTLE"
	PhaseError  Phase = "ERROR"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseQuery, PhaseOffer, PhaseSettle, PhaseError:
		return true
	default:
		return false
	}
}

// Message is implemented only by *Query, *Offer, *Settle and *Error.
type Message interface {
	Phase() Phase
	MessageID() string
	isMessage()
}

// ZkProfile is the buyer's requested level of proof involvement.
type ZkProfile string

const (
	ZkNone     ZkProfile = "NONE"
	ZkOptional ZkProfile = "OPTIONAL"
	ZkRequired ZkProfile = "REQUIRED"
)

func (z ZkProfile) Valid() bool {
	switch z {
	case ZkNone, ZkOptional, ZkRequired:
		return true
	default:
		return false
	}
}

func (z *ZkProfile) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !ZkProfile(s).Valid() {
		return fmt.Errorf("unknown zk_profile %q", s)
	}
	*z = ZkProfile(s)
	return nil
}

// SettleSource names who is reporting a settlement.
type SettleSource string

const (
	SourceBuyerNotify       SettleSource = "buyer-notify"
	SourceControllerWatcher SettleSource = "controller-watcher"
	SourceCoreproverIndexer SettleSource = "coreprover-indexer"
)

func (s SettleSource) Valid() bool {
	switch s {
	case SourceBuyerNotify, SourceControllerWatcher, SourceCoreproverIndexer:
		return true
	default:
		return false
	}
}

func (s *SettleSource) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if !SettleSource(raw).Valid() {
		return fmt.Errorf("unknown settle source %q", raw)
	}
	*s = SettleSource(raw)
	return nil
}

// EconomicEnvelope bounds the economics of an offer. Expiry is RFC 3339.
type EconomicEnvelope struct {
	MaxFeesBps uint32  `json:"max_fees_bps"`
	Expiry     *string `json:"expiry"`
}

// Query asks a controller for an offer, usually after a 402 response.
type Query struct {
	ID                    string    `json:"id"`
	From                  string    `json:"from"`
	To                    string    `json:"to"`
	Asset                 string    `json:"asset"`
	Amount                uint64    `json:"amount"`
	EscrowFrom402         bool      `json:"escrow_from_402"`
	EscrowContractFrom402 *string   `json:"escrow_contract_from_402"`
	ZkProfile             ZkProfile `json:"zk_profile"`
}

// Offer answers a Query. QueryID correlates back to the query.
type Offer struct {
	ID                 string           `json:"id"`
	QueryID            string           `json:"query_id"`
	Asset              string           `json:"asset"`
	Amount             uint64           `json:"amount"`
	CoreproverContract *string          `json:"coreprover_contract"`
	SessionID          *string          `json:"session_id"`
	ZkRequired         bool             `json:"zk_required"`
	EconomicEnvelope   EconomicEnvelope `json:"economic_envelope"`
}

// Settle reports the outcome of a settlement for a query or offer.
type Settle struct {
	ID             string       `json:"id"`
	QueryOrOfferID string       `json:"query_or_offer_id"`
	Success        bool         `json:"success"`
	Source         SettleSource `json:"source"`
	Layer8Tx       *string      `json:"layer8_tx"`
	SessionID      *string      `json:"session_id"`
}

// Error reports a control-plane failure.
type Error struct {
	ID            string  `json:"id"`
	Code          string  `json:"code"`
	Message       string  `json:"message"`
	CorrelationID *string `json:"correlation_id"`
}

func (*Query) Phase() Phase  { return PhaseQuery }
func (*Offer) Phase() Phase  { return PhaseOffer }
func (*Settle) Phase() Phase { return PhaseSettle }
func (*Error) Phase() Phase  { return PhaseError }

func (m *Query) MessageID() string  { return m.ID }
func (m *Offer) MessageID() string  { return m.ID }
func (m *Settle) MessageID() string { return m.ID }
func (m *Error) MessageID() string  { return m.ID }

func (*Query) isMessage()  {}
func (*Offer) isMessage()  {}
func (*Settle) isMessage() {}
func (*Error) isMessage()  {}

// Correlation returns the id a message points back to, or "" for queries and
// uncorrelated errors.
func Correlation(m Message) string {
	switch v := m.(type) {
	case *Offer:
		return v.QueryID
	case *Settle:
		return v.QueryOrOfferID
	case *Error:
		if v.CorrelationID != nil {
			return *v.CorrelationID
		}
	}
	return ""
}

// String returns a pointer to s, for optional fields.
func String(s string) *string { return &s }
