// Package swap implements the resolver core: order types, the swap state
// machine, and the orchestrator that drives two-sided HTLC escrows through
// chain adapters.
package swap

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/internal/secret"
	"github.com/unite-defi/resolver/internal/timelock"
)

// Common errors
var (
	ErrUnsupportedChain  = errors.New("unsupported chain")
	ErrSameChain         = errors.New("src and dst chain must differ")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrNotFound          = errors.New("swap not found")
	ErrExists            = errors.New("swap already exists")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTerminal          = errors.New("swap is in a terminal state")
	ErrNotCreated        = errors.New("swap is not in CREATED state")
	ErrPartCount         = errors.New("part count must be between 2 and 10")
	ErrIntegrity         = errors.New("on-chain state contradicts stored state")
)

// Status represents the aggregate state of a swap.
type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusSrcDeployed Status = "SRC_DEPLOYED"
	StatusDstDeployed Status = "DST_DEPLOYED"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
	StatusFailed      Status = "FAILED"
)

// transitions defines the legal edges of the swap state machine.
var transitions = map[Status][]Status{
	StatusCreated:     {StatusSrcDeployed, StatusFailed, StatusCancelled},
	StatusSrcDeployed: {StatusDstDeployed, StatusCancelled, StatusFailed},
	StatusDstDeployed: {StatusCompleted, StatusCancelled},
	StatusCompleted:   {},
	StatusCancelled:   {},
	StatusFailed:      {},
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// SafetyDeposit is the pair of amounts the resolver posts alongside each
// leg to discourage abandonment.
type SafetyDeposit struct {
	Src *big.Int `json:"src"`
	Dst *big.Int `json:"dst"`
}

// Part is one slice of a partially fillable order. Each part carries an
// independent secret, so revealing one discloses nothing about siblings.
type Part struct {
	PartID     int           `json:"part_id"`
	SrcAmount  *big.Int      `json:"src_amount"`
	DstAmount  *big.Int      `json:"dst_amount"`
	Secret     secret.Secret `json:"secret"`
	SecretHash secret.Hash   `json:"secret_hash"`

	Withdrawn bool `json:"withdrawn"`
	Cancelled bool `json:"cancelled"`

	SrcEscrow *chain.EscrowRecord `json:"src_escrow,omitempty"`
	DstEscrow *chain.EscrowRecord `json:"dst_escrow,omitempty"`
}

// Order is the immutable plan for a swap.
type Order struct {
	// OrderID is a 128-bit opaque identifier, hex-encoded.
	OrderID string `json:"order_id"`

	// Maker is the requesting user's address on the source chain.
	Maker string `json:"maker"`

	// MakerDstAddress is the maker's address on the destination chain,
	// the receiver of the destination escrow.
	MakerDstAddress string `json:"maker_dst_address"`

	SrcChain string `json:"src_chain"`
	DstChain string `json:"dst_chain"`

	SrcToken string `json:"src_token"`
	DstToken string `json:"dst_token"`

	SrcAmount *big.Int `json:"src_amount"`
	DstAmount *big.Int `json:"dst_amount"`

	// Secret is held by maker and resolver; never transmitted before
	// reveal and never logged.
	Secret     secret.Secret `json:"secret"`
	SecretHash secret.Hash   `json:"secret_hash"`

	Timelock timelock.Schedule `json:"timelock"`

	SafetyDeposit SafetyDeposit `json:"safety_deposit"`

	// Parts is populated for partial-fill orders; part amounts sum to
	// SrcAmount.
	Parts []*Part `json:"partial_fills,omitempty"`
}

// IsPartial reports whether the order fills in independent parts.
func (o *Order) IsPartial() bool {
	return len(o.Parts) > 0
}

// Validate checks the order invariants.
func (o *Order) Validate() error {
	if o.SrcChain == o.DstChain {
		return ErrSameChain
	}
	if o.SrcAmount == nil || o.SrcAmount.Sign() <= 0 {
		return fmt.Errorf("%w: src_amount", ErrInvalidAmount)
	}
	if o.DstAmount == nil || o.DstAmount.Sign() <= 0 {
		return fmt.Errorf("%w: dst_amount", ErrInvalidAmount)
	}
	if !secret.Verify(o.Secret, o.SecretHash) {
		return errors.New("secret_hash is not sha256 of secret")
	}
	if len(o.Parts) > 0 {
		sum := new(big.Int)
		for _, p := range o.Parts {
			if !secret.Verify(p.Secret, p.SecretHash) {
				return fmt.Errorf("part %d: secret_hash is not sha256 of secret", p.PartID)
			}
			sum.Add(sum, p.SrcAmount)
		}
		if sum.Cmp(o.SrcAmount) != 0 {
			return fmt.Errorf("part amounts sum to %s, want %s", sum, o.SrcAmount)
		}
	}
	return o.Timelock.Validate()
}

// NewOrderID generates a random 128-bit hex order identifier.
func NewOrderID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// State is the aggregate swap record: the immutable order plus everything
// the state machine has learned. Mutated only through store transitions.
type State struct {
	Order  *Order `json:"order"`
	Status Status `json:"status"`

	SrcEscrow *chain.EscrowRecord `json:"src_escrow,omitempty"`
	DstEscrow *chain.EscrowRecord `json:"dst_escrow,omitempty"`

	// FailureReason is set when Status is FAILED.
	FailureReason string `json:"failure_reason,omitempty"`

	// Wall clock, for observability only. Never compared to on-chain
	// deadlines.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Escrow returns the escrow record for a side.
func (s *State) Escrow(side chain.Side) *chain.EscrowRecord {
	if side == chain.SideSrc {
		return s.SrcEscrow
	}
	return s.DstEscrow
}

// SetEscrow stores the escrow record for its side.
func (s *State) SetEscrow(esc *chain.EscrowRecord) {
	if esc == nil {
		return
	}
	if esc.Side == chain.SideSrc {
		s.SrcEscrow = esc
	} else {
		s.DstEscrow = esc
	}
}

// ChainFor returns the chain id serving a side.
func (s *State) ChainFor(side chain.Side) string {
	if side == chain.SideSrc {
		return s.Order.SrcChain
	}
	return s.Order.DstChain
}
