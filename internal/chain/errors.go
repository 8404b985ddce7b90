// Package chain - Error taxonomy for adapter operations.
package chain

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter failure. The orchestrator branches on Kind to
// decide between retry, escalation to cancellation, and termination.
type Kind string

const (
	// KindValidation marks malformed inputs. No state change occurred.
	KindValidation Kind = "validation"

	// KindChainUnavailable marks transport failures: RPC down, connection
	// refused. Retryable; never transitions the state machine.
	KindChainUnavailable Kind = "chain_unavailable"

	// KindContractReverted marks a deterministic on-chain rejection.
	KindContractReverted Kind = "contract_reverted"

	// KindInsufficientFunds marks a signer balance shortfall.
	KindInsufficientFunds Kind = "insufficient_funds"

	// KindInvalidSecret marks a local pre-image check failure. No
	// transaction was sent.
	KindInvalidSecret Kind = "invalid_secret"

	// KindTimelockNotExpired marks a refund attempted before the side's
	// cancellation deadline on the chain's own clock. Retry later.
	KindTimelockNotExpired Kind = "timelock_not_expired"

	// KindTimeout marks a call whose deadline elapsed; the outcome is
	// indeterminate until reconciled against chain state.
	KindTimeout Kind = "timeout"

	// KindReceiptIndeterminate marks a submitted transaction whose receipt
	// could not be resolved. The caller reconciles via GetEscrowByOrderID
	// before declaring failure.
	KindReceiptIndeterminate Kind = "receipt_indeterminate"

	// KindIntegrityViolation marks on-chain state contradicting stored
	// state. Surfaced loudly; no automatic recovery.
	KindIntegrityViolation Kind = "integrity_violation"
)

// Error is a classified adapter failure. All errors crossing the adapter
// boundary are wrapped in Error; wire-level causes stay inspectable via
// Unwrap.
type Error struct {
	Kind    Kind
	ChainID string
	Op      string // "lock", "claim", "refund", "balance", ...
	Reason  string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.ChainID, e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified adapter error.
func NewError(kind Kind, chainID, op, reason string, cause error) *Error {
	return &Error{Kind: kind, ChainID: chainID, Op: op, Reason: reason, Cause: cause}
}

// KindOf extracts the taxonomy kind from any error. Unclassified errors
// report KindChainUnavailable so callers default to retrying.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindChainUnavailable
}

// IsRetryable reports whether the failure may clear on retry without any
// state reconciliation.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindChainUnavailable, KindTimelockNotExpired:
		return true
	default:
		return false
	}
}

// IsIndeterminate reports whether the outcome is unknown and must be
// reconciled against chain state before progressing.
func IsIndeterminate(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindReceiptIndeterminate:
		return true
	default:
		return false
	}
}
