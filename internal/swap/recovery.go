// Package swap - Startup recovery: reconcile persisted swaps with chain
// state after a restart.
package swap

import (
	"context"

	"github.com/unite-defi/resolver/internal/chain"
)

// Recover reloads SRC_DEPLOYED and DST_DEPLOYED swaps and reconciles their
// locked escrow records against chain state. A recorded escrow that no
// longer exists on-chain is an integrity violation: a SRC_DEPLOYED swap is
// parked in FAILED, while a DST_DEPLOYED swap keeps its status (the state
// machine has no FAILED edge from there) and the rejected transition is
// logged. Everything else is left for the timeout monitor or a fresh
// execute call.
func (o *Orchestrator) Recover(ctx context.Context) error {
	states, err := o.store.List()
	if err != nil {
		return err
	}

	recovered := 0
	for _, state := range states {
		if state.Status.IsTerminal() || state.Status == StatusCreated {
			continue
		}
		recovered++

		for _, side := range []chain.Side{chain.SideSrc, chain.SideDst} {
			escrow := state.Escrow(side)
			if escrow == nil || escrow.Status != chain.EscrowLocked {
				continue
			}
			adapter, ok := o.registry.Get(state.ChainFor(side))
			if !ok {
				continue
			}

			onChain, err := adapter.GetEscrowByOrderID(ctx, state.Order.OrderID, side)
			if err != nil {
				o.log.Warn("recovery reconcile failed", "order_id", state.Order.OrderID, "side", side, "error", err)
				continue
			}
			if onChain == nil {
				if err := o.markIntegrityViolation(state,
					chain.NewError(chain.KindIntegrityViolation, state.ChainFor(side), "recover",
						"recorded escrow missing on chain", nil)); err != nil {
					o.log.Error("failed to mark integrity violation", "order_id", state.Order.OrderID, "error", err)
				}
				break
			}
			if onChain.Status != escrow.Status {
				escrow.Status = onChain.Status
				state.SetEscrow(escrow)
				if err := o.store.Put(state); err != nil {
					o.log.Error("failed to persist reconciled escrow", "order_id", state.Order.OrderID, "error", err)
				}
			}
		}
	}

	if recovered > 0 {
		o.log.Info("recovery sweep finished", "active_swaps", recovered)
	}
	return nil
}
