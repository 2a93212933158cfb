package controller

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tbc/native/escrow"
	"tbc/protocol/tgp"
	"tbc/services/controller/policy"
	"tbc/storage/vault"
)

var (
	// ErrWrongPhase is returned when a handler receives a message of another
	// phase.
	ErrWrongPhase = errors.New("controller: wrong TGP phase for this handler")
	// ErrNoSuchSession is returned when a correlation id matches no query,
	// offer or session.
	ErrNoSuchSession = errors.New("controller: no such session")
	// ErrNoEscrowBound is returned when a settlement arrives for a session that
	// never opened an escrow.
	ErrNoEscrowBound = errors.New("controller: session has no escrow bound")
	// ErrEscrowBound is returned when a session is already bound to another
	// escrow.
	ErrEscrowBound = errors.New("controller: session already bound to a different escrow")
	// ErrSessionConflict is returned when a query id collides with another
	// session's correlation ids, or repeats a bound session's query with
	// different content.
	ErrSessionConflict = errors.New("controller: query conflicts with an existing session")
	// ErrNoProver is returned by ownership calls when no prover is configured.
	ErrNoProver = errors.New("controller: no prover configured")
)

// PhaseError reports the phase a handler expected.
type PhaseError struct {
	Want tgp.Phase
	Got  tgp.Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: expected %s message", ErrWrongPhase.Error(), e.Want)
}

func (e *PhaseError) Unwrap() error { return ErrWrongPhase }

func wrongPhase(want tgp.Phase, got tgp.Message) error {
	err := &PhaseError{Want: want}
	if got != nil {
		err.Got = got.Phase()
	}
	return err
}

// Machine-readable codes carried in TGP ERROR messages.
const (
	CodeDecode            = "DECODE_ERROR"
	CodeWrongPhase        = "WRONG_PHASE"
	CodePolicyRejected    = "POLICY_REJECTED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNoSuchSession     = "NO_SUCH_SESSION"
	CodeEscrowNotBound    = "ESCROW_NOT_BOUND"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeConflict          = "CONFLICT"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeBridge            = "BRIDGE_ERROR"
)

var codeSentinels = []struct {
	code string
	err  error
}{
	{CodeDecode, tgp.ErrDecode},
	{CodeWrongPhase, ErrWrongPhase},
	{CodePolicyRejected, policy.ErrPolicyRejected},
	{CodeInvalidTransition, escrow.ErrInvalidTransition},
	{CodeNoSuchSession, ErrNoSuchSession},
	{CodeEscrowNotBound, ErrNoEscrowBound},
	{CodeNotFound, escrow.ErrNotFound},
	{CodeNotFound, vault.ErrNotFound},
	{CodeUnauthorized, escrow.ErrUnauthorized},
	{CodeConflict, escrow.ErrConflict},
	{CodeConflict, ErrEscrowBound},
	{CodeConflict, ErrSessionConflict},
	{CodeInsufficientFunds, escrow.ErrInsufficientFunds},
}

// Code classifies err. Errors from collaborators that match no known
// sentinel are reported as CodeBridge.
func Code(err error) string {
	for _, entry := range codeSentinels {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeBridge
}

func sentinelFor(code string) error {
	for _, entry := range codeSentinels {
		if entry.code == code {
			return entry.err
		}
	}
	return nil
}

// ErrorMessage renders err as a TGP ERROR message correlated to the given id.
func ErrorMessage(err error, correlationID string) *tgp.Error {
	msg := &tgp.Error{
		ID:      "err-" + uuid.NewString(),
		Code:    Code(err),
		Message: err.Error(),
	}
	if correlationID != "" {
		msg.CorrelationID = tgp.String(correlationID)
	}
	return msg
}

// RemoteError carries a classified error returned by a remote bridge. It
// unwraps to the local sentinel of its code so errors.Is keeps working across
// the wire.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return sentinelFor(e.Code) }
