// Package timelock computes the asymmetric deadline schedule for a swap and
// gates claim/refund operations against chain block timestamps. Host wall
// clock never enters any comparison here.
package timelock

import (
	"fmt"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/internal/config"
)

// Schedule holds the seven per-order offsets, in seconds, each relative to
// the lock time of the respective side.
type Schedule struct {
	// SrcWithdrawal is the finality lock: minimum wait after the src lock
	// before a claim is allowed.
	SrcWithdrawal uint64 `json:"src_withdrawal"`

	// SrcPublicWithdrawal opens the src claim to anyone holding the
	// revealed secret, not only the designated resolver.
	SrcPublicWithdrawal uint64 `json:"src_public_withdrawal"`

	// SrcCancellation is when the maker may refund src.
	SrcCancellation uint64 `json:"src_cancellation"`

	// SrcPublicCancellation opens the src refund to anyone.
	SrcPublicCancellation uint64 `json:"src_public_cancellation"`

	// DstWithdrawal is the finality lock on dst.
	DstWithdrawal uint64 `json:"dst_withdrawal"`

	// DstPublicWithdrawal opens the dst claim to anyone.
	DstPublicWithdrawal uint64 `json:"dst_public_withdrawal"`

	// DstCancellation is when the maker may refund dst. Strictly precedes
	// SrcCancellation so the maker can never be stuck.
	DstCancellation uint64 `json:"dst_cancellation"`
}

// FromConfig builds a Schedule from the configured defaults.
func FromConfig(tc config.TimelockConfig) Schedule {
	return Schedule{
		SrcWithdrawal:         tc.SrcWithdrawal,
		SrcPublicWithdrawal:   tc.SrcPublicWithdrawal,
		SrcCancellation:       tc.SrcCancellation,
		SrcPublicCancellation: tc.SrcPublicCancellation,
		DstWithdrawal:         tc.DstWithdrawal,
		DstPublicWithdrawal:   tc.DstPublicWithdrawal,
		DstCancellation:       tc.DstCancellation,
	}
}

// Validate checks the orderings the atomicity argument relies on.
func (s Schedule) Validate() error {
	if s.DstCancellation >= s.SrcCancellation {
		return fmt.Errorf("dst cancellation %d must precede src cancellation %d",
			s.DstCancellation, s.SrcCancellation)
	}
	if s.SrcWithdrawal >= s.SrcCancellation || s.DstWithdrawal >= s.DstCancellation {
		return fmt.Errorf("withdrawal offsets must precede cancellation offsets")
	}
	return nil
}

// Withdrawal returns the finality-lock offset for a side.
func (s Schedule) Withdrawal(side chain.Side) uint64 {
	if side == chain.SideSrc {
		return s.SrcWithdrawal
	}
	return s.DstWithdrawal
}

// Cancellation returns the cancellation offset for a side.
func (s Schedule) Cancellation(side chain.Side) uint64 {
	if side == chain.SideSrc {
		return s.SrcCancellation
	}
	return s.DstCancellation
}

// ClaimableAt returns the chain timestamp at which the side's claim opens,
// given the escrow's observed lock time.
func (s Schedule) ClaimableAt(side chain.Side, deployTime uint64) uint64 {
	return deployTime + s.Withdrawal(side)
}

// RefundableAt returns the chain timestamp at which the side's refund opens.
func (s Schedule) RefundableAt(side chain.Side, deployTime uint64) uint64 {
	return deployTime + s.Cancellation(side)
}

// CanClaim reports whether the side's finality lock has elapsed at the
// given chain block timestamp.
func (s Schedule) CanClaim(side chain.Side, escrow *chain.EscrowRecord, chainNow uint64) bool {
	if escrow == nil {
		return false
	}
	return chainNow >= s.ClaimableAt(side, escrow.DeployTime)
}

// CanRefund reports whether the side's cancellation deadline has passed at
// the given chain block timestamp.
func (s Schedule) CanRefund(side chain.Side, escrow *chain.EscrowRecord, chainNow uint64) bool {
	if escrow == nil {
		return false
	}
	return chainNow >= s.RefundableAt(side, escrow.DeployTime)
}

// ShouldPubliclyRefund reports whether the side has entered its public
// cancellation window, where anyone may refund to disincentivise griefing.
// Only the src side carries a public cancellation offset.
func (s Schedule) ShouldPubliclyRefund(side chain.Side, escrow *chain.EscrowRecord, chainNow uint64) bool {
	if escrow == nil || side != chain.SideSrc {
		return false
	}
	return chainNow >= escrow.DeployTime+s.SrcPublicCancellation
}

// PublicClaimOpen reports whether the side's public withdrawal window has
// opened, after which anyone holding the revealed secret may claim.
func (s Schedule) PublicClaimOpen(side chain.Side, escrow *chain.EscrowRecord, chainNow uint64) bool {
	if escrow == nil {
		return false
	}
	if side == chain.SideSrc {
		return chainNow >= escrow.DeployTime+s.SrcPublicWithdrawal
	}
	return chainNow >= escrow.DeployTime+s.DstPublicWithdrawal
}

// FinalityWaitRemaining returns how many seconds remain until the side's
// claim opens; zero when already claimable.
func (s Schedule) FinalityWaitRemaining(side chain.Side, escrow *chain.EscrowRecord, chainNow uint64) uint64 {
	if escrow == nil {
		return 0
	}
	at := s.ClaimableAt(side, escrow.DeployTime)
	if chainNow >= at {
		return 0
	}
	return at - chainNow
}
