// Package swap - Partial-fill orders: independent escrows per part.
package swap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/internal/secret"
)

// Partial-fill bounds.
const (
	MinPartCount = 2
	MaxPartCount = 10
)

// partOrderID derives the per-part id used for adapter idempotency. Each
// part owns its own (id, side) escrow pair.
func partOrderID(orderID string, partID int) string {
	return fmt.Sprintf("%s-p%d", orderID, partID)
}

// splitAmount divides an amount into n parts; the remainder lands on the
// last part so the sum is exact.
func splitAmount(total *big.Int, n int) []*big.Int {
	count := big.NewInt(int64(n))
	base := new(big.Int).Div(total, count)
	rem := new(big.Int).Mod(total, count)

	parts := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		parts[i] = new(big.Int).Set(base)
	}
	parts[n-1].Add(parts[n-1], rem)
	return parts
}

// CreatePartialSwap creates an order that fills in partCount independent
// parts, each with its own secret and hash. Revealing one part's secret
// discloses nothing about the others.
func (o *Orchestrator) CreatePartialSwap(ctx context.Context, req *CreateRequest, partCount int) (*State, error) {
	if partCount < MinPartCount || partCount > MaxPartCount {
		return nil, fmt.Errorf("%w: got %d", ErrPartCount, partCount)
	}
	if err := o.validateRequest(req); err != nil {
		return nil, err
	}

	state, err := o.CreateSwap(ctx, req)
	if err != nil {
		return nil, err
	}

	secrets, hashes, err := secret.NewPairs(partCount)
	if err != nil {
		return nil, err
	}

	srcParts := splitAmount(state.Order.SrcAmount, partCount)
	dstParts := splitAmount(state.Order.DstAmount, partCount)
	for i := 0; i < partCount; i++ {
		state.Order.Parts = append(state.Order.Parts, &Part{
			PartID:     i + 1,
			SrcAmount:  srcParts[i],
			DstAmount:  dstParts[i],
			Secret:     secrets[i],
			SecretHash: hashes[i],
		})
	}

	if err := state.Order.Validate(); err != nil {
		return nil, err
	}
	if err := o.store.Put(state); err != nil {
		return nil, err
	}

	o.log.Info("partial swap created", "order_id", state.Order.OrderID, "parts", partCount)
	return state, nil
}

// ExecutePartialSwap drives the selected parts (all pending parts when
// partIDs is empty) through the escrow lifecycle. A part may be in any
// state while its siblings are in others; the aggregate stays
// DST_DEPLOYED while partially filled and completes only when every part
// has been claimed.
func (o *Orchestrator) ExecutePartialSwap(ctx context.Context, orderID string, partIDs []int) (*Result, error) {
	l := o.lockFor(orderID)
	l.Lock()
	defer l.Unlock()

	state, err := o.store.Get(orderID)
	if err != nil {
		return nil, err
	}
	if !state.Order.IsPartial() {
		return o.failResult(state, chain.KindValidation, "order has no parts"), nil
	}
	if state.Status.IsTerminal() {
		return o.failResult(state, chain.KindValidation,
			fmt.Sprintf("swap already terminal: %s", state.Status)), nil
	}

	selected, err := selectParts(state.Order, partIDs)
	if err != nil {
		return o.failResult(state, chain.KindValidation, err.Error()), nil
	}

	var firstErr error
	for _, part := range selected {
		if part.Withdrawn || part.Cancelled {
			continue
		}
		state, err = o.executePart(ctx, state, part.PartID)
		if err != nil {
			o.log.Warn("part execution failed", "order_id", orderID, "part_id", part.PartID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			// Siblings proceed regardless of this part's fate.
			continue
		}
	}

	state, err = o.settleAggregate(state)
	if err != nil {
		return nil, err
	}

	if firstErr != nil {
		return o.failResult(state, chain.KindOf(firstErr), firstErr.Error()), nil
	}
	return &Result{OrderID: orderID, Success: true, State: state}, nil
}

// selectParts resolves the requested part ids; empty means all.
func selectParts(order *Order, partIDs []int) ([]*Part, error) {
	if len(partIDs) == 0 {
		return order.Parts, nil
	}

	byID := make(map[int]*Part, len(order.Parts))
	for _, p := range order.Parts {
		byID[p.PartID] = p
	}

	selected := make([]*Part, 0, len(partIDs))
	for _, id := range partIDs {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown part id %d", id)
		}
		selected = append(selected, p)
	}
	return selected, nil
}

// executePart drives one part through lock src, lock dst, claim dst,
// claim src. The part's escrows are independent of its siblings'.
func (o *Orchestrator) executePart(ctx context.Context, state *State, partID int) (*State, error) {
	order := state.Order
	var part *Part
	for _, p := range order.Parts {
		if p.PartID == partID {
			part = p
			break
		}
	}
	if part == nil {
		return state, fmt.Errorf("unknown part id %d", partID)
	}

	partState := o.partView(state, part)

	srcEscrow, err := o.lockSide(ctx, partState, chain.SideSrc)
	if err != nil {
		return state, err
	}
	part.SrcEscrow = srcEscrow
	state, err = o.advanceAggregate(state, StatusSrcDeployed)
	if err != nil {
		return state, err
	}
	if err := o.store.AppendReceipt(order.OrderID, chain.SideSrc, "lock",
		&chain.TxReceipt{TxHash: srcEscrow.TxHash, BlockTime: srcEscrow.DeployTime}); err != nil {
		return state, err
	}

	dstEscrow, err := o.lockSide(ctx, partState, chain.SideDst)
	if err != nil {
		// Reclaim this part's src leg on its own schedule; siblings are
		// untouched.
		if receipt, rerr := o.refundSide(ctx, o.partView(state, part), chain.SideSrc, true); rerr == nil && receipt != nil {
			part.SrcEscrow.Status = chain.EscrowRefunded
			part.Cancelled = true
			if perr := o.store.Put(state); perr != nil {
				return state, perr
			}
			if perr := o.store.AppendReceipt(order.OrderID, chain.SideSrc, "refund", receipt); perr != nil {
				return state, perr
			}
		}
		return state, err
	}
	part.DstEscrow = dstEscrow
	state, err = o.advanceAggregate(state, StatusDstDeployed)
	if err != nil {
		return state, err
	}
	if err := o.store.AppendReceipt(order.OrderID, chain.SideDst, "lock",
		&chain.TxReceipt{TxHash: dstEscrow.TxHash, BlockTime: dstEscrow.DeployTime}); err != nil {
		return state, err
	}

	srcAdapter, _ := o.registry.Get(order.SrcChain)
	dstAdapter, _ := o.registry.Get(order.DstChain)
	schedule := order.Timelock

	// Destination first: revealing the part secret on dst is what makes
	// the src claim possible.
	if err := o.waitClaimable(ctx, dstAdapter, schedule, chain.SideDst, dstEscrow); err != nil {
		return state, err
	}
	dstReceipt, err := o.claimWithRetry(ctx, dstAdapter, dstEscrow, part.SecretHash, part.Secret)
	if err != nil {
		return state, err
	}
	if err := o.store.AppendReceipt(order.OrderID, chain.SideDst, "claim", dstReceipt); err != nil {
		return state, err
	}
	// Checkpoint the claimed dst leg before touching src.
	part.DstEscrow.Status = chain.EscrowClaimed
	if err := o.store.Put(state); err != nil {
		return state, err
	}

	if err := o.waitClaimable(ctx, srcAdapter, schedule, chain.SideSrc, srcEscrow); err != nil {
		return state, err
	}
	srcReceipt, err := o.claimWithRetry(ctx, srcAdapter, srcEscrow, part.SecretHash, part.Secret)
	if err != nil {
		return state, err
	}
	if err := o.store.AppendReceipt(order.OrderID, chain.SideSrc, "claim", srcReceipt); err != nil {
		return state, err
	}

	part.SrcEscrow.Status = chain.EscrowClaimed
	part.DstEscrow.Status = chain.EscrowClaimed
	part.Withdrawn = true
	if err := o.store.Put(state); err != nil {
		return state, err
	}

	o.log.Info("part filled", "order_id", order.OrderID, "part_id", part.PartID)
	o.emit(order.OrderID, "part_filled", map[string]interface{}{"part_id": part.PartID})
	return state, nil
}

// partView builds a per-part state projection so the shared lock/refund
// paths operate on the part's own amounts and escrows.
func (o *Orchestrator) partView(state *State, part *Part) *State {
	order := *state.Order
	order.OrderID = partOrderID(state.Order.OrderID, part.PartID)
	order.SrcAmount = part.SrcAmount
	order.DstAmount = part.DstAmount
	order.Secret = part.Secret
	order.SecretHash = part.SecretHash
	order.Parts = nil
	order.SafetyDeposit = SafetyDeposit{}

	view := &State{Order: &order, Status: state.Status}
	if part.SrcEscrow != nil {
		view.SrcEscrow = part.SrcEscrow
	}
	if part.DstEscrow != nil {
		view.DstEscrow = part.DstEscrow
	}
	return view
}

// advanceAggregate moves the aggregate status forward when the target is
// ahead of the current position; sibling parts may already have advanced
// it.
func (o *Orchestrator) advanceAggregate(state *State, target Status) (*State, error) {
	if state.Status == target || !CanTransition(state.Status, target) {
		return state, nil
	}
	updated, err := o.store.UpdateStatus(state.Order.OrderID, target, nil)
	if err != nil {
		return state, err
	}
	// Carry the in-memory parts forward; UpdateStatus reloaded from disk.
	updated.Order = state.Order
	if err := o.store.Put(updated); err != nil {
		return state, err
	}
	o.emit(state.Order.OrderID, "status_changed", string(target))
	return updated, nil
}

// settleAggregate completes the order once every part is withdrawn, or
// cancels it when every part is cancelled.
func (o *Orchestrator) settleAggregate(state *State) (*State, error) {
	withdrawn, cancelled := 0, 0
	for _, p := range state.Order.Parts {
		if p.Withdrawn {
			withdrawn++
		}
		if p.Cancelled {
			cancelled++
		}
	}

	total := len(state.Order.Parts)
	switch {
	case withdrawn == total && CanTransition(state.Status, StatusCompleted):
		updated, err := o.store.UpdateStatus(state.Order.OrderID, StatusCompleted, nil)
		if err != nil {
			return state, err
		}
		o.emit(state.Order.OrderID, "status_changed", string(StatusCompleted))
		return updated, nil
	case cancelled == total && CanTransition(state.Status, StatusCancelled):
		updated, err := o.store.UpdateStatus(state.Order.OrderID, StatusCancelled, nil)
		if err != nil {
			return state, err
		}
		o.emit(state.Order.OrderID, "status_changed", string(StatusCancelled))
		return updated, nil
	default:
		return state, nil
	}
}

// FilledAmount sums the withdrawn parts' source amounts.
func FilledAmount(order *Order) *big.Int {
	sum := new(big.Int)
	for _, p := range order.Parts {
		if p.Withdrawn {
			sum.Add(sum, p.SrcAmount)
		}
	}
	return sum
}
