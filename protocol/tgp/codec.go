package tgp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"
)

var (
	// ErrDecode matches every error returned by Decode.
	ErrDecode = errors.New("tgp: decode error")

	ErrInvalidUTF8   = errors.New("tgp: invalid utf-8")
	ErrMalformed     = errors.New("tgp: malformed message")
	ErrUnknownPhase  = errors.New("tgp: unknown phase")
	ErrPhaseMismatch = errors.New("tgp: fields do not match phase")
	ErrInvalidValue  = errors.New("tgp: invalid field value")
)

// MaxFeesBps is the upper bound of EconomicEnvelope.MaxFeesBps.
const MaxFeesBps = 10_000

// DecodeError describes why a payload was rejected. Kind is one of the
// sentinel errors above.
type DecodeError struct {
	Kind   error
	Phase  Phase
	Field  string
	Detail string
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Phase != "" {
		msg += " (" + string(e.Phase) + ")"
	}
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Kind }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// shape lists the wire fields of a variant; true marks a required field.
type shape struct {
	fields map[string]bool
	new    func() Message
}

var shapes = map[Phase]shape{
	PhaseQuery: {
		fields: map[string]bool{
			"id": true, "from": true, "to": true, "asset": true, "amount": true,
			"escrow_from_402": true, "escrow_contract_from_402": false, "zk_profile": true,
		},
		new: func() Message { return &Query{} },
	},
	PhaseOffer: {
		fields: map[string]bool{
			"id": true, "query_id": true, "asset": true, "amount": true,
			"coreprover_contract": false, "session_id": false, "zk_required": true,
			"economic_envelope": true,
		},
		new: func() Message { return &Offer{} },
	},
	PhaseSettle: {
		fields: map[string]bool{
			"id": true, "query_or_offer_id": true, "success": true, "source": true,
			"layer8_tx": false, "session_id": false,
		},
		new: func() Message { return &Settle{} },
	},
	PhaseError: {
		fields: map[string]bool{
			"id": true, "code": true, "message": true, "correlation_id": false,
		},
		new: func() Message { return &Error{} },
	},
}

var envelopeFields = map[string]bool{"max_fees_bps": true, "expiry": false}

// Decode parses a JSON payload into a Message. The payload must be valid
// UTF-8, carry a known phase, and contain exactly the field set of that
// phase's variant: unknown fields, missing required fields and nulls in
// required fields are rejected. Nothing is returned on failure.
func Decode(raw []byte) (Message, error) {
	if !utf8.Valid(raw) {
		return nil, &DecodeError{Kind: ErrInvalidUTF8}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Kind: ErrMalformed, Detail: err.Error()}
	}
	phaseRaw, ok := fields["phase"]
	if !ok {
		return nil, &DecodeError{Kind: ErrUnknownPhase, Detail: "missing phase"}
	}
	var phase Phase
	if err := json.Unmarshal(phaseRaw, &phase); err != nil {
		return nil, &DecodeError{Kind: ErrMalformed, Field: "phase", Detail: err.Error()}
	}
	sh, ok := shapes[phase]
	if !ok {
		return nil, &DecodeError{Kind: ErrUnknownPhase, Detail: fmt.Sprintf("%q", phase)}
	}
	delete(fields, "phase")
	if err := checkFields(phase, fields, sh.fields, ""); err != nil {
		return nil, err
	}
	if phase == PhaseOffer {
		var env map[string]json.RawMessage
		if err := json.Unmarshal(fields["economic_envelope"], &env); err != nil {
			return nil, &DecodeError{Kind: ErrMalformed, Phase: phase, Field: "economic_envelope", Detail: err.Error()}
		}
		if err := checkFields(phase, env, envelopeFields, "economic_envelope."); err != nil {
			return nil, err
		}
	}
	msg := sh.new()
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, &DecodeError{Kind: ErrMalformed, Phase: phase, Detail: err.Error()}
	}
	if err := Validate(msg); err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, &DecodeError{Kind: ErrInvalidValue, Phase: phase, Detail: err.Error()}
	}
	return msg, nil
}

func checkFields(phase Phase, fields map[string]json.RawMessage, allowed map[string]bool, prefix string) error {
	unknown := make([]string, 0)
	for name := range fields {
		if _, ok := allowed[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &DecodeError{Kind: ErrPhaseMismatch, Phase: phase, Field: prefix + unknown[0], Detail: "not part of this phase"}
	}
	names := make([]string, 0, len(allowed))
	for name := range allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !allowed[name] {
			continue
		}
		v, ok := fields[name]
		if !ok {
			return &DecodeError{Kind: ErrPhaseMismatch, Phase: phase, Field: prefix + name, Detail: "missing"}
		}
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return &DecodeError{Kind: ErrPhaseMismatch, Phase: phase, Field: prefix + name, Detail: "null"}
		}
	}
	return nil
}

// Validate checks the value constraints of a message that the type system
// cannot express: enum membership, fee bounds and expiry format.
func Validate(m Message) error {
	switch v := m.(type) {
	case *Query:
		if v == nil {
			return errNilMessage
		}
		if !v.ZkProfile.Valid() {
			return invalid(PhaseQuery, "zk_profile", fmt.Sprintf("%q", v.ZkProfile))
		}
	case *Offer:
		if v == nil {
			return errNilMessage
		}
		if v.EconomicEnvelope.MaxFeesBps > MaxFeesBps {
			return invalid(PhaseOffer, "economic_envelope.max_fees_bps", fmt.Sprintf("%d exceeds %d", v.EconomicEnvelope.MaxFeesBps, MaxFeesBps))
		}
		if exp := v.EconomicEnvelope.Expiry; exp != nil {
			if _, err := time.Parse(time.RFC3339, *exp); err != nil {
				return invalid(PhaseOffer, "economic_envelope.expiry", err.Error())
			}
		}
	case *Settle:
		if v == nil {
			return errNilMessage
		}
		if !v.Source.Valid() {
			return invalid(PhaseSettle, "source", fmt.Sprintf("%q", v.Source))
		}
	case *Error:
		if v == nil {
			return errNilMessage
		}
	default:
		return fmt.Errorf("tgp: unsupported message type %T", m)
	}
	return nil
}

var errNilMessage = errors.New("tgp: nil message")

func invalid(phase Phase, field, detail string) error {
	return &DecodeError{Kind: ErrInvalidValue, Phase: phase, Field: field, Detail: detail}
}

// Encode serialises m as JSON with the phase discriminator first and the
// variant's fields in declaration order. Absent optional fields encode as
// null. Invalid messages are refused so that every encoded payload decodes.
func Encode(m Message) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	var wire any
	switch v := m.(type) {
	case *Query:
		wire = struct {
			Phase Phase `json:"phase"`
			*Query
		}{PhaseQuery, v}
	case *Offer:
		wire = struct {
			Phase Phase `json:"phase"`
			*Offer
		}{PhaseOffer, v}
	case *Settle:
		wire = struct {
			Phase Phase `json:"phase"`
			*Settle
		}{PhaseSettle, v}
	case *Error:
		wire = struct {
			Phase Phase `json:"phase"`
			*Error
		}{PhaseError, v}
	}
	return json.Marshal(wire)
}
