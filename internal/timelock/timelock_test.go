package timelock

import (
	"testing"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/internal/config"
)

func testSchedule() Schedule {
	return FromConfig(config.DefaultTimelocks())
}

func lockedEscrow(side chain.Side, deployTime uint64) *chain.EscrowRecord {
	return &chain.EscrowRecord{
		Side:       side,
		Address:    "0xabc:1",
		DeployTime: deployTime,
		Status:     chain.EscrowLocked,
	}
}

func TestValidate(t *testing.T) {
	if err := testSchedule().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	bad := testSchedule()
	bad.DstCancellation = bad.SrcCancellation + 1
	if err := bad.Validate(); err == nil {
		t.Error("dst cancellation after src cancellation should fail")
	}
}

func TestCanClaimFinalityLock(t *testing.T) {
	s := testSchedule()
	esc := lockedEscrow(chain.SideSrc, 1000)

	if s.CanClaim(chain.SideSrc, esc, 1000) {
		t.Error("claim should be gated during the finality lock")
	}
	if s.CanClaim(chain.SideSrc, esc, 1000+s.SrcWithdrawal-1) {
		t.Error("claim should be gated one second before the finality lock elapses")
	}
	if !s.CanClaim(chain.SideSrc, esc, 1000+s.SrcWithdrawal) {
		t.Error("claim should open exactly at deploy_time + src_withdrawal")
	}
	if s.CanClaim(chain.SideSrc, nil, 2000) {
		t.Error("nil escrow is never claimable")
	}
}

func TestCanRefundGating(t *testing.T) {
	s := testSchedule()
	esc := lockedEscrow(chain.SideDst, 5000)

	if s.CanRefund(chain.SideDst, esc, 5000+s.DstCancellation-1) {
		t.Error("refund should be gated before the cancellation deadline")
	}
	if !s.CanRefund(chain.SideDst, esc, 5000+s.DstCancellation) {
		t.Error("refund should open at deploy_time + dst_cancellation")
	}
}

func TestDstCancellationPrecedesSrc(t *testing.T) {
	s := testSchedule()
	src := lockedEscrow(chain.SideSrc, 1000)
	dst := lockedEscrow(chain.SideDst, 1000)

	// Sweep the clock: whenever src is refundable, dst must already be.
	for now := uint64(1000); now < 1000+s.SrcPublicCancellation; now += 60 {
		if s.CanRefund(chain.SideSrc, src, now) && !s.CanRefund(chain.SideDst, dst, now) {
			t.Fatalf("at t=%d src refundable but dst not", now)
		}
	}
}

func TestShouldPubliclyRefund(t *testing.T) {
	s := testSchedule()
	src := lockedEscrow(chain.SideSrc, 100)
	dst := lockedEscrow(chain.SideDst, 100)

	if s.ShouldPubliclyRefund(chain.SideSrc, src, 100+s.SrcPublicCancellation-1) {
		t.Error("public refund should be gated before src_public_cancellation")
	}
	if !s.ShouldPubliclyRefund(chain.SideSrc, src, 100+s.SrcPublicCancellation) {
		t.Error("public refund should open at src_public_cancellation")
	}
	if s.ShouldPubliclyRefund(chain.SideDst, dst, 1<<40) {
		t.Error("dst side has no public cancellation window")
	}
}

func TestPublicClaimOpen(t *testing.T) {
	s := testSchedule()
	dst := lockedEscrow(chain.SideDst, 200)

	if s.PublicClaimOpen(chain.SideDst, dst, 200+s.DstPublicWithdrawal-1) {
		t.Error("public claim should be gated before dst_public_withdrawal")
	}
	if !s.PublicClaimOpen(chain.SideDst, dst, 200+s.DstPublicWithdrawal) {
		t.Error("public claim should open at dst_public_withdrawal")
	}
}

func TestFinalityWaitRemaining(t *testing.T) {
	s := testSchedule()
	esc := lockedEscrow(chain.SideDst, 1000)

	if got := s.FinalityWaitRemaining(chain.SideDst, esc, 1000); got != s.DstWithdrawal {
		t.Errorf("remaining = %d, want %d", got, s.DstWithdrawal)
	}
	if got := s.FinalityWaitRemaining(chain.SideDst, esc, 1000+s.DstWithdrawal+5); got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}
}
