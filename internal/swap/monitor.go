// Package swap - Background timeout monitor: the timelock path's last
// line of defence when nobody is driving a swap.
package swap

import (
	"context"
	"time"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/pkg/logging"
)

// MonitorConfig configures the timeout monitor.
type MonitorConfig struct {
	// PollInterval is how often the store is scanned for expired swaps.
	PollInterval time.Duration
}

// DefaultMonitorConfig returns the default configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval: 30 * time.Second,
	}
}

// Monitor periodically sweeps non-terminal swaps and escalates to
// cancellation once cancellation deadlines pass on-chain. It also
// reclaims src escrows of FAILED swaps whose refund window opened after
// the failure was recorded.
type Monitor struct {
	orchestrator *Orchestrator
	config       MonitorConfig
	log          *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a timeout monitor.
func NewMonitor(orchestrator *Orchestrator, cfg MonitorConfig) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		orchestrator: orchestrator,
		config:       cfg,
		log:          logging.GetDefault().Component("timeout-monitor"),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep examines every swap that may still hold locked funds.
func (m *Monitor) sweep() {
	states, err := m.orchestrator.List()
	if err != nil {
		m.log.Error("failed to list swaps", "error", err)
		return
	}

	for _, state := range states {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		switch state.Status {
		case StatusSrcDeployed, StatusDstDeployed:
			m.tryCancel(state)
		case StatusFailed:
			m.reclaimFailed(state)
		}
	}
}

// tryCancel attempts the timelock path for a stuck swap. CancelSwap only
// refunds sides whose deadlines have passed, so calling it early is
// harmless.
func (m *Monitor) tryCancel(state *State) {
	if m.refundableNow(state) == 0 {
		return
	}

	m.log.Info("cancellation deadline reached, reclaiming", "order_id", state.Order.OrderID, "status", state.Status)
	result, err := m.orchestrator.CancelSwap(m.ctx, state.Order.OrderID)
	if err != nil {
		m.log.Error("cancel sweep failed", "order_id", state.Order.OrderID, "error", err)
		return
	}
	if result.Success {
		m.log.Info("swap reclaimed by monitor", "order_id", state.Order.OrderID)
	}
}

// reclaimFailed refunds the src escrow of a FAILED swap once its window
// opens. The terminal status does not change; only the escrow record is
// settled.
func (m *Monitor) reclaimFailed(state *State) {
	escrow := state.SrcEscrow
	if escrow == nil || escrow.Status != chain.EscrowLocked {
		return
	}

	receipt, err := m.orchestrator.refundSide(m.ctx, state, chain.SideSrc, false)
	if err != nil {
		m.log.Error("failed-swap reclaim errored", "order_id", state.Order.OrderID, "error", err)
		return
	}
	if receipt == nil {
		return
	}

	if err := m.orchestrator.store.Put(state); err != nil {
		m.log.Error("failed to persist reclaimed escrow", "order_id", state.Order.OrderID, "error", err)
		return
	}
	if err := m.orchestrator.store.AppendReceipt(state.Order.OrderID, chain.SideSrc, "refund", receipt); err != nil {
		m.log.Error("failed to persist refund receipt", "order_id", state.Order.OrderID, "error", err)
		return
	}
	m.log.Info("failed swap src escrow reclaimed", "order_id", state.Order.OrderID, "tx", receipt.TxHash)
}

// refundableNow counts locked sides whose cancellation deadline has
// passed on their own chain.
func (m *Monitor) refundableNow(state *State) int {
	count := 0
	for _, side := range []chain.Side{chain.SideSrc, chain.SideDst} {
		escrow := state.Escrow(side)
		if escrow == nil || escrow.Status != chain.EscrowLocked {
			continue
		}
		adapter, ok := m.orchestrator.registry.Get(state.ChainFor(side))
		if !ok {
			continue
		}
		now, err := adapter.BlockTimestamp(m.ctx)
		if err != nil {
			continue
		}
		if state.Order.Timelock.CanRefund(side, escrow, now) {
			count++
		}
	}
	return count
}
