package policy

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"tbc/protocol/tgp"
)

type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

type fileFormat struct {
	DefaultProofType     string    `toml:"DefaultProofType"`
	SupportedProofTypes  []string  `toml:"SupportedProofTypes"`
	DefaultFeesBps       *uint32   `toml:"DefaultFeesBps"`
	MaxFeesBps           *uint32   `toml:"MaxFeesBps"`
	MinExpiry            *duration `toml:"MinExpiry"`
	MaxExpiry            *duration `toml:"MaxExpiry"`
	OfferTTL             *duration `toml:"OfferTTL"`
	AllowedAssets        []string  `toml:"AllowedAssets"`
	MaxAmount            *uint64   `toml:"MaxAmount"`
	AllowedSettleSources []string  `toml:"AllowedSettleSources"`
}

// LoadFile reads a TOML policy file and lays it over DefaultPolicy. Keys the
// file leaves out keep their defaults; unknown keys are an error.
func LoadFile(path string) (*GatewayPolicy, error) {
	var raw fileFormat
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("policy: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("policy: %s: unknown key %s", path, undecoded[0])
	}
	p := DefaultPolicy()
	if raw.DefaultProofType != "" {
		p.DefaultProofType = raw.DefaultProofType
	}
	if raw.SupportedProofTypes != nil {
		p.SupportedProofTypes = raw.SupportedProofTypes
	}
	if raw.DefaultFeesBps != nil {
		p.DefaultFeesBps = *raw.DefaultFeesBps
	}
	if raw.MaxFeesBps != nil {
		p.MaxFeesBps = *raw.MaxFeesBps
	}
	if raw.MinExpiry != nil {
		p.MinExpiry = raw.MinExpiry.Duration
	}
	if raw.MaxExpiry != nil {
		p.MaxExpiry = raw.MaxExpiry.Duration
	}
	if raw.OfferTTL != nil {
		p.OfferTTL = raw.OfferTTL.Duration
	}
	if raw.AllowedAssets != nil {
		p.AllowedAssets = raw.AllowedAssets
	}
	if raw.MaxAmount != nil {
		p.MaxAmount = *raw.MaxAmount
	}
	if raw.AllowedSettleSources != nil {
		p.AllowedSettleSources = p.AllowedSettleSources[:0:0]
		for _, s := range raw.AllowedSettleSources {
			source := tgp.SettleSource(s)
			if !source.Valid() {
				return nil, fmt.Errorf("policy: %s: unknown settle source %q", path, s)
			}
			p.AllowedSettleSources = append(p.AllowedSettleSources, source)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return p, nil
}

// Validate checks that the policy is internally consistent.
func (p *GatewayPolicy) Validate() error {
	if !p.supportsProof(p.DefaultProofType) {
		return fmt.Errorf("default proof type %q is not supported", p.DefaultProofType)
	}
	if p.MaxFeesBps > tgp.MaxFeesBps {
		return fmt.Errorf("max fees %d bps exceed %d", p.MaxFeesBps, tgp.MaxFeesBps)
	}
	if p.DefaultFeesBps > p.MaxFeesBps {
		return fmt.Errorf("default fees %d bps exceed max %d", p.DefaultFeesBps, p.MaxFeesBps)
	}
	if p.MaxExpiry > 0 && p.MinExpiry > p.MaxExpiry {
		return fmt.Errorf("min expiry %s exceeds max expiry %s", p.MinExpiry, p.MaxExpiry)
	}
	if p.OfferTTL > 0 && (p.OfferTTL < p.MinExpiry || (p.MaxExpiry > 0 && p.OfferTTL > p.MaxExpiry)) {
		return fmt.Errorf("offer ttl %s outside [%s, %s]", p.OfferTTL, p.MinExpiry, p.MaxExpiry)
	}
	return nil
}
