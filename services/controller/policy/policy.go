// Package policy decides whether a gateway session may proceed under the
// controller's configured limits.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tbc/protocol/tgp"
)

// ErrPolicyRejected is wrapped by every *Rejection.
var ErrPolicyRejected = errors.New("policy: rejected")

// ProofNone is the proof type requested by queries that opt out of proofs.
const ProofNone = "none"

// Rejection names the request field that failed a policy rule.
type Rejection struct {
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("policy: %s: %s", r.Field, r.Reason)
}

func (r *Rejection) Unwrap() error { return ErrPolicyRejected }

func reject(field, format string, args ...any) error {
	return &Rejection{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// GatewayPolicy holds the limits applied to incoming sessions. Empty
// AllowedAssets accepts every asset and a zero MaxAmount disables the amount
// ceiling.
type GatewayPolicy struct {
	DefaultProofType     string
	SupportedProofTypes  []string
	DefaultFeesBps       uint32
	MaxFeesBps           uint32
	MinExpiry            time.Duration
	MaxExpiry            time.Duration
	OfferTTL             time.Duration
	AllowedAssets        []string
	MaxAmount            uint64
	AllowedSettleSources []tgp.SettleSource
}

// DefaultPolicy returns the policy used when no policy file is configured.
func DefaultPolicy() *GatewayPolicy {
	return &GatewayPolicy{
		DefaultProofType:    "secp256k1",
		SupportedProofTypes: []string{ProofNone, "secp256k1", "groth16"},
		DefaultFeesBps:      50,
		MaxFeesBps:          500,
		MinExpiry:           30 * time.Second,
		MaxExpiry:           24 * time.Hour,
		AllowedSettleSources: []tgp.SettleSource{
			tgp.SourceBuyerNotify,
			tgp.SourceControllerWatcher,
			tgp.SourceCoreproverIndexer,
		},
	}
}

// SessionRequest is the subset of a session the policy rules look at. A zero
// Expiry means the session does not expire.
type SessionRequest struct {
	ProofType  string
	Asset      string
	Amount     uint64
	MaxFeesBps uint32
	Expiry     time.Time
}

// DefaultSessionRequest is a request the default policy accepts.
func DefaultSessionRequest() SessionRequest {
	def := DefaultPolicy()
	return SessionRequest{
		ProofType:  def.DefaultProofType,
		Asset:      "USDC",
		Amount:     1,
		MaxFeesBps: def.DefaultFeesBps,
	}
}

// RequestFromQuery derives the session a query would open under p.
func (p *GatewayPolicy) RequestFromQuery(q *tgp.Query, now time.Time) SessionRequest {
	req := SessionRequest{
		ProofType:  p.DefaultProofType,
		Asset:      q.Asset,
		Amount:     q.Amount,
		MaxFeesBps: p.DefaultFeesBps,
	}
	if q.ZkProfile == tgp.ZkNone {
		req.ProofType = ProofNone
	}
	if p.OfferTTL > 0 {
		req.Expiry = now.Add(p.OfferTTL).UTC().Truncate(time.Second)
	}
	return req
}

// Check applies every rule to req. The first failing rule is returned as a
// *Rejection.
func (p *GatewayPolicy) Check(req SessionRequest, now time.Time) error {
	if !p.supportsProof(req.ProofType) {
		return reject("proof_type", "unsupported proof type %q", req.ProofType)
	}
	if strings.TrimSpace(req.Asset) == "" {
		return reject("asset", "asset required")
	}
	if len(p.AllowedAssets) > 0 && !containsFold(p.AllowedAssets, req.Asset) {
		return reject("asset", "asset %q not allowed", req.Asset)
	}
	if req.Amount == 0 {
		return reject("amount", "amount must be positive")
	}
	if p.MaxAmount > 0 && req.Amount > p.MaxAmount {
		return reject("amount", "amount %d exceeds limit %d", req.Amount, p.MaxAmount)
	}
	if req.MaxFeesBps > p.MaxFeesBps {
		return reject("max_fees_bps", "fees %d bps exceed limit %d", req.MaxFeesBps, p.MaxFeesBps)
	}
	if !req.Expiry.IsZero() {
		ttl := req.Expiry.Sub(now)
		if ttl < p.MinExpiry {
			return reject("expiry", "expiry %s is sooner than %s", req.Expiry.Format(time.RFC3339), p.MinExpiry)
		}
		if p.MaxExpiry > 0 && ttl > p.MaxExpiry {
			return reject("expiry", "expiry %s is later than %s", req.Expiry.Format(time.RFC3339), p.MaxExpiry)
		}
	}
	return nil
}

// CheckSettle rejects settlement reports from sources the policy does not
// trust.
func (p *GatewayPolicy) CheckSettle(source tgp.SettleSource) error {
	for _, allowed := range p.AllowedSettleSources {
		if allowed == source {
			return nil
		}
	}
	return reject("source", "settle source %q not allowed", source)
}

func (p *GatewayPolicy) supportsProof(proofType string) bool {
	if proofType == "" {
		return false
	}
	for _, supported := range p.SupportedProofTypes {
		if supported == proofType {
			return true
		}
	}
	return false
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
