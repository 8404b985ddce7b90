package swap

import (
	"context"
	"testing"
	"time"

	"github.com/unite-defi/resolver/internal/chain"
)

// srcDeployedSwap creates a swap whose src leg is locked on the mock
// chain and recorded in the store.
func srcDeployedSwap(t *testing.T, h *testHarness) *State {
	t.Helper()
	ctx := context.Background()

	state, err := h.orchestrator.CreateSwap(ctx, h.createRequest())
	if err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}

	rec, err := h.src.Lock(ctx, chain.LockParams{
		OrderID:     state.Order.OrderID,
		Side:        chain.SideSrc,
		Amount:      state.Order.SrcAmount,
		SecretHash:  state.Order.SecretHash,
		CancelAfter: state.Order.Timelock.SrcCancellation,
	})
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	state, err = h.store.UpdateStatus(state.Order.OrderID, StatusSrcDeployed, rec)
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	return state
}

func TestMonitorReclaimsExpiredSwap(t *testing.T) {
	h := newHarness(t)
	state := srcDeployedSwap(t, h)

	monitor := NewMonitor(h.orchestrator, MonitorConfig{PollInterval: time.Hour})
	defer monitor.cancel()

	// Sweep until the advancing mock clock crosses the deadline.
	for i := 0; i < 20; i++ {
		monitor.sweep()
		got, err := h.store.Get(state.Order.OrderID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status == StatusCancelled {
			if got.SrcEscrow.Status != chain.EscrowRefunded {
				t.Error("src escrow should be refunded")
			}
			return
		}
	}
	t.Fatal("monitor never reclaimed the expired swap")
}

func TestMonitorReclaimsFailedSwapEscrow(t *testing.T) {
	h := newHarness(t)
	state := srcDeployedSwap(t, h)

	// Park the swap in FAILED with the src leg still locked.
	if _, err := h.store.UpdateStatus(state.Order.OrderID, StatusFailed, nil); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	monitor := NewMonitor(h.orchestrator, MonitorConfig{PollInterval: time.Hour})
	defer monitor.cancel()

	for i := 0; i < 20; i++ {
		monitor.sweep()
		got, err := h.store.Get(state.Order.OrderID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.SrcEscrow.Status == chain.EscrowRefunded {
			// Terminal status is untouched; only the escrow settles.
			if got.Status != StatusFailed {
				t.Errorf("Status = %s, want FAILED", got.Status)
			}
			return
		}
	}
	t.Fatal("monitor never reclaimed the failed swap's escrow")
}

func TestMonitorLeavesFreshSwapsAlone(t *testing.T) {
	h := newHarness(t)
	h.src.clockStep = 0 // deadlines never arrive
	h.dst.clockStep = 0
	state := srcDeployedSwap(t, h)

	monitor := NewMonitor(h.orchestrator, MonitorConfig{PollInterval: time.Hour})
	defer monitor.cancel()
	monitor.sweep()

	got, err := h.store.Get(state.Order.OrderID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusSrcDeployed {
		t.Errorf("Status = %s, want SRC_DEPLOYED", got.Status)
	}
	if h.log.indexOf("refund:") >= 0 {
		t.Errorf("no refund should fire before the deadline: %v", h.log.snapshot())
	}
}

func TestRecoverMarksMissingEscrow(t *testing.T) {
	h := newHarness(t)
	state := srcDeployedSwap(t, h)

	// Simulate the chain losing the escrow (recorded state contradicts
	// chain state).
	h.src.mu.Lock()
	delete(h.src.escrows, h.src.key(state.Order.OrderID, chain.SideSrc))
	h.src.mu.Unlock()

	if err := h.orchestrator.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	got, err := h.store.Get(state.Order.OrderID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %s, want FAILED after integrity violation", got.Status)
	}
}

func TestRecoverSyncsEscrowStatus(t *testing.T) {
	h := newHarness(t)
	state := srcDeployedSwap(t, h)

	// The escrow was refunded on-chain while the resolver was down.
	h.src.mu.Lock()
	h.src.escrows[h.src.key(state.Order.OrderID, chain.SideSrc)].record.Status = chain.EscrowRefunded
	h.src.mu.Unlock()

	if err := h.orchestrator.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	got, err := h.store.Get(state.Order.OrderID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SrcEscrow.Status != chain.EscrowRefunded {
		t.Errorf("escrow status = %s, want refunded", got.SrcEscrow.Status)
	}
}
