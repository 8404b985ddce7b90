// Package swap - Resolver orchestrator: creates orders and drives the
// state machine by calling chain adapters.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/internal/config"
	"github.com/unite-defi/resolver/internal/secret"
	"github.com/unite-defi/resolver/internal/timelock"
	"github.com/unite-defi/resolver/pkg/logging"
)

// Event is a lifecycle notification emitted as the state machine advances.
type Event struct {
	OrderID   string      `json:"order_id"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventHandler receives lifecycle events.
type EventHandler func(event Event)

// Result is the user-visible outcome of an execute or cancel call.
// Terminal failures always carry the last persisted state so the caller
// can resume or investigate.
type Result struct {
	OrderID   string     `json:"order_id"`
	Success   bool       `json:"success"`
	ErrorKind chain.Kind `json:"error_kind,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	State     *State     `json:"state"`
}

// Options tunes orchestrator behavior.
type Options struct {
	// Timelocks is the default deadline schedule for new orders.
	Timelocks config.TimelockConfig

	// PollInterval is the cadence for chain-clock waits.
	PollInterval time.Duration

	// OnEvent, when set, receives lifecycle events.
	OnEvent EventHandler
}

// Orchestrator coordinates swap execution across chain adapters.
type Orchestrator struct {
	store     Store
	registry  *chain.Registry
	timelocks config.TimelockConfig
	poll      time.Duration
	onEvent   EventHandler
	log       *logging.Logger

	// inflight serialises execute/cancel per order id on top of the
	// store's per-key linearisation.
	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// NewOrchestrator wires the orchestrator to its store and adapters.
func NewOrchestrator(store Store, registry *chain.Registry, opts Options) *Orchestrator {
	poll := opts.PollInterval
	if poll == 0 {
		poll = 5 * time.Second
	}
	timelocks := opts.Timelocks
	if timelocks == (config.TimelockConfig{}) {
		timelocks = config.DefaultTimelocks()
	}

	return &Orchestrator{
		store:     store,
		registry:  registry,
		timelocks: timelocks,
		poll:      poll,
		onEvent:   opts.OnEvent,
		log:       logging.GetDefault().Component("orchestrator"),
		inflight:  make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lockFor(orderID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.inflight[orderID]
	if !ok {
		l = &sync.Mutex{}
		o.inflight[orderID] = l
	}
	return l
}

func (o *Orchestrator) emit(orderID, eventType string, data interface{}) {
	if o.onEvent == nil {
		return
	}
	o.onEvent(Event{OrderID: orderID, Type: eventType, Data: data, Timestamp: time.Now().UTC()})
}

// =============================================================================
// Create
// =============================================================================

// CreateRequest carries the inputs for a new swap order.
type CreateRequest struct {
	SrcChain string `json:"src_chain"`
	DstChain string `json:"dst_chain"`
	SrcToken string `json:"src_token"`
	DstToken string `json:"dst_token"`

	SrcAmount *big.Int `json:"src_amount"`
	DstAmount *big.Int `json:"dst_amount"`

	Maker string `json:"maker"`

	// MakerDstAddress is the maker's receive address on the destination
	// chain; defaults to Maker when empty.
	MakerDstAddress string `json:"maker_dst_address,omitempty"`

	// SafetyDeposit amounts per side; nil means none.
	SafetyDepositSrc *big.Int `json:"safety_deposit_src,omitempty"`
	SafetyDepositDst *big.Int `json:"safety_deposit_dst,omitempty"`
}

func (o *Orchestrator) validateRequest(req *CreateRequest) error {
	if req.SrcChain == req.DstChain {
		return ErrSameChain
	}
	if !o.registry.Supported(req.SrcChain) {
		return fmt.Errorf("%w: %s", ErrUnsupportedChain, req.SrcChain)
	}
	if !o.registry.Supported(req.DstChain) {
		return fmt.Errorf("%w: %s", ErrUnsupportedChain, req.DstChain)
	}
	if req.SrcAmount == nil || req.SrcAmount.Sign() <= 0 {
		return fmt.Errorf("%w: src_amount", ErrInvalidAmount)
	}
	if req.DstAmount == nil || req.DstAmount.Sign() <= 0 {
		return fmt.Errorf("%w: dst_amount", ErrInvalidAmount)
	}
	if req.Maker == "" {
		return errors.New("maker address is required")
	}
	return nil
}

// CreateSwap validates the request, mints the secret and deadline
// schedule, and persists the order as CREATED. No chain calls.
func (o *Orchestrator) CreateSwap(ctx context.Context, req *CreateRequest) (*State, error) {
	if err := o.validateRequest(req); err != nil {
		return nil, err
	}

	s, err := secret.New()
	if err != nil {
		return nil, err
	}

	makerDst := req.MakerDstAddress
	if makerDst == "" {
		makerDst = req.Maker
	}

	order := &Order{
		OrderID:         NewOrderID(),
		Maker:           req.Maker,
		MakerDstAddress: makerDst,
		SrcChain:        req.SrcChain,
		DstChain:        req.DstChain,
		SrcToken:        req.SrcToken,
		DstToken:        req.DstToken,
		SrcAmount:       new(big.Int).Set(req.SrcAmount),
		DstAmount:       new(big.Int).Set(req.DstAmount),
		Secret:          s,
		SecretHash:      secret.HashOf(s),
		Timelock:        timelock.FromConfig(o.timelocks),
		SafetyDeposit: SafetyDeposit{
			Src: req.SafetyDepositSrc,
			Dst: req.SafetyDepositDst,
		},
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	state := &State{Order: order, Status: StatusCreated}
	if err := o.store.Put(state); err != nil {
		return nil, err
	}

	o.log.Info("swap created", "order_id", order.OrderID,
		"src_chain", order.SrcChain, "dst_chain", order.DstChain)
	o.emit(order.OrderID, "swap_created", map[string]interface{}{
		"src_chain": order.SrcChain,
		"dst_chain": order.DstChain,
	})
	return state, nil
}

// =============================================================================
// Execute
// =============================================================================

// ExecuteSwap drives a CREATED order to a terminal state: lock src, lock
// dst, wait out finality, claim destination first, then source.
func (o *Orchestrator) ExecuteSwap(ctx context.Context, orderID string) (*Result, error) {
	l := o.lockFor(orderID)
	l.Lock()
	defer l.Unlock()

	state, err := o.store.Get(orderID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusCreated {
		return o.failResult(state, chain.KindValidation,
			fmt.Sprintf("execute requires CREATED, swap is %s", state.Status)), nil
	}
	if state.Order.IsPartial() {
		return o.failResult(state, chain.KindValidation, "partial orders execute via ExecutePartialSwap"), nil
	}

	// Step 2: lock source.
	srcEscrow, err := o.lockSide(ctx, state, chain.SideSrc)
	if err != nil {
		o.log.Error("src lock failed", "order_id", orderID, "error", err)
		failed, terr := o.store.UpdateStatus(orderID, StatusFailed, nil)
		if terr != nil {
			return nil, terr
		}
		failed.FailureReason = err.Error()
		if perr := o.store.Put(failed); perr != nil {
			return nil, perr
		}
		o.emit(orderID, "status_changed", string(StatusFailed))
		return o.failResult(failed, chain.KindOf(err), err.Error()), nil
	}

	state, err = o.store.UpdateStatus(orderID, StatusSrcDeployed, srcEscrow)
	if err != nil {
		return nil, err
	}
	if err := o.store.AppendReceipt(orderID, chain.SideSrc, "lock",
		&chain.TxReceipt{TxHash: srcEscrow.TxHash, ExplorerURL: srcEscrow.ExplorerURL, BlockTime: srcEscrow.DeployTime}); err != nil {
		return nil, err
	}
	o.emit(orderID, "escrow_locked", srcEscrow)

	// Step 3: lock destination. Failure here hands off to the refund
	// path; src is reclaimed at its earliest legal time.
	dstEscrow, err := o.lockSide(ctx, state, chain.SideDst)
	if err != nil {
		o.log.Warn("dst lock failed, reclaiming src", "order_id", orderID, "error", err)
		return o.abandonAfterSrc(ctx, state, err)
	}

	state, err = o.store.UpdateStatus(orderID, StatusDstDeployed, dstEscrow)
	if err != nil {
		return nil, err
	}
	if err := o.store.AppendReceipt(orderID, chain.SideDst, "lock",
		&chain.TxReceipt{TxHash: dstEscrow.TxHash, ExplorerURL: dstEscrow.ExplorerURL, BlockTime: dstEscrow.DeployTime}); err != nil {
		return nil, err
	}
	o.emit(orderID, "escrow_locked", dstEscrow)

	// Steps 4-6: finality waits, then claim dst before src.
	return o.claimOrder(ctx, state, state.Order.Secret, state.Order.SecretHash,
		state.SrcEscrow, state.DstEscrow)
}

// claimOrder waits out the finality locks and claims destination first.
// Revealing the secret on dst publishes it; only then may src be claimed.
func (o *Orchestrator) claimOrder(ctx context.Context, state *State, sec secret.Secret, hash secret.Hash, srcEscrow, dstEscrow *chain.EscrowRecord) (*Result, error) {
	orderID := state.Order.OrderID
	schedule := state.Order.Timelock

	srcAdapter, _ := o.registry.Get(state.Order.SrcChain)
	dstAdapter, _ := o.registry.Get(state.Order.DstChain)

	if err := o.waitClaimable(ctx, dstAdapter, schedule, chain.SideDst, dstEscrow); err != nil {
		return o.escalateCancel(ctx, state, err)
	}

	dstReceipt, err := o.claimWithRetry(ctx, dstAdapter, dstEscrow, hash, sec)
	if err != nil {
		o.log.Error("dst claim failed", "order_id", orderID, "error", err)
		return o.escalateCancel(ctx, state, err)
	}
	if err := o.store.AppendReceipt(orderID, chain.SideDst, "claim", dstReceipt); err != nil {
		return nil, err
	}
	// Checkpoint the claimed leg: a later cancellation must not try to
	// refund an escrow that is already spent.
	dstEscrow.Status = chain.EscrowClaimed
	state.SetEscrow(dstEscrow)
	if err := o.store.Put(state); err != nil {
		return nil, err
	}
	o.emit(orderID, "claimed", map[string]interface{}{"side": chain.SideDst, "tx": dstReceipt.TxHash})

	// The secret is now public on the destination chain.
	if err := o.waitClaimable(ctx, srcAdapter, schedule, chain.SideSrc, srcEscrow); err != nil {
		return o.escalateCancel(ctx, state, err)
	}

	srcReceipt, err := o.claimWithRetry(ctx, srcAdapter, srcEscrow, hash, sec)
	if err != nil {
		o.log.Error("src claim failed", "order_id", orderID, "error", err)
		return o.escalateCancel(ctx, state, err)
	}
	if err := o.store.AppendReceipt(orderID, chain.SideSrc, "claim", srcReceipt); err != nil {
		return nil, err
	}
	o.emit(orderID, "claimed", map[string]interface{}{"side": chain.SideSrc, "tx": srcReceipt.TxHash})

	srcEscrow.Status = chain.EscrowClaimed
	state.SetEscrow(srcEscrow)
	if err := o.store.Put(state); err != nil {
		return nil, err
	}

	state, err = o.store.UpdateStatus(orderID, StatusCompleted, nil)
	if err != nil {
		return nil, err
	}

	o.log.Info("swap completed", "order_id", orderID)
	o.emit(orderID, "status_changed", string(StatusCompleted))
	return &Result{OrderID: orderID, Success: true, State: state}, nil
}

// lockSide invokes the side's adapter lock, retrying transient failures
// and reconciling indeterminate outcomes against chain state.
func (o *Orchestrator) lockSide(ctx context.Context, state *State, side chain.Side) (*chain.EscrowRecord, error) {
	order := state.Order
	chainID := state.ChainFor(side)
	adapter, ok := o.registry.Get(chainID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chainID)
	}

	params := chain.LockParams{
		OrderID:     order.OrderID,
		Side:        side,
		SecretHash:  order.SecretHash,
		CancelAfter: order.Timelock.Cancellation(side),
	}
	if side == chain.SideSrc {
		params.Token = order.SrcToken
		params.Amount = order.SrcAmount
		// The resolver is the receiver of the source escrow.
		params.Receiver = adapter.ResolverAddress()
		params.SafetyDeposit = order.SafetyDeposit.Src
	} else {
		params.Token = order.DstToken
		params.Amount = order.DstAmount
		// The maker is the receiver of the destination escrow.
		params.Receiver = order.MakerDstAddress
		params.SafetyDeposit = order.SafetyDeposit.Dst
	}

	var escrow *chain.EscrowRecord
	op := func() error {
		rec, err := adapter.Lock(ctx, params)
		if err == nil {
			escrow = rec
			return nil
		}
		if chain.IsIndeterminate(err) {
			// Reconcile: the lock may have landed despite the lost
			// receipt.
			if rec, qerr := adapter.GetEscrowByOrderID(ctx, order.OrderID, side); qerr == nil && rec != nil {
				escrow = rec
				return nil
			} else if qerr == nil {
				// Confirmed absent on chain.
				return backoff.Permanent(err)
			}
			return err
		}
		if chain.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := o.retry(ctx, op); err != nil {
		return nil, err
	}
	return escrow, nil
}

func (o *Orchestrator) claimWithRetry(ctx context.Context, adapter chain.Adapter, escrow *chain.EscrowRecord, hash secret.Hash, sec secret.Secret) (*chain.TxReceipt, error) {
	var receipt *chain.TxReceipt
	op := func() error {
		r, err := adapter.Claim(ctx, escrow, [32]byte(hash), [32]byte(sec))
		if err == nil {
			receipt = r
			return nil
		}
		if chain.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := o.retry(ctx, op); err != nil {
		return nil, err
	}
	return receipt, nil
}

// retry runs op with exponential backoff while it reports transient
// failures.
func (o *Orchestrator) retry(ctx context.Context, op backoff.Operation) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.poll
	policy.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 6), ctx))
}

// waitClaimable blocks until the side's finality lock has elapsed on its
// own chain's clock.
func (o *Orchestrator) waitClaimable(ctx context.Context, adapter chain.Adapter, schedule timelock.Schedule, side chain.Side, escrow *chain.EscrowRecord) error {
	for {
		now, err := adapter.BlockTimestamp(ctx)
		if err != nil {
			return err
		}
		if schedule.CanClaim(side, escrow, now) {
			return nil
		}

		remaining := schedule.FinalityWaitRemaining(side, escrow, now)
		wait := o.poll
		if d := time.Duration(remaining) * time.Second; d < wait {
			wait = d
		}
		o.log.Debug("waiting for finality lock", "side", side, "remaining_s", remaining)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// abandonAfterSrc handles a fatal dst failure while src is locked: refund
// src once its cancellation deadline passes, or mark the swap FAILED when
// the deadline is unreachable within this invocation.
func (o *Orchestrator) abandonAfterSrc(ctx context.Context, state *State, cause error) (*Result, error) {
	orderID := state.Order.OrderID

	receipt, err := o.refundSide(ctx, state, chain.SideSrc, true)
	if err != nil {
		return nil, err
	}
	if receipt != nil {
		if err := o.store.AppendReceipt(orderID, chain.SideSrc, "refund", receipt); err != nil {
			return nil, err
		}
		state, err = o.store.UpdateStatus(orderID, StatusCancelled, state.SrcEscrow)
		if err != nil {
			return nil, err
		}
		o.emit(orderID, "status_changed", string(StatusCancelled))
		return o.failResult(state, chain.KindOf(cause), cause.Error()), nil
	}

	// Deadline not reached: record the failure; the timeout monitor
	// reclaims the src escrow on expiry.
	state, err = o.store.UpdateStatus(orderID, StatusFailed, nil)
	if err != nil {
		return nil, err
	}
	state.FailureReason = cause.Error()
	if err := o.store.Put(state); err != nil {
		return nil, err
	}
	o.emit(orderID, "status_changed", string(StatusFailed))
	return o.failResult(state, chain.KindOf(cause), cause.Error()), nil
}

// escalateCancel is the last line of defence when a claim fails: both
// locked sides fall back to the timelock path, waiting for each side's
// deadline.
func (o *Orchestrator) escalateCancel(ctx context.Context, state *State, cause error) (*Result, error) {
	o.log.Warn("escalating to cancellation", "order_id", state.Order.OrderID, "error", cause)
	result, err := o.cancelLocked(ctx, state.Order.OrderID, true)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return result, nil
	}
	result.Success = false
	result.ErrorKind = chain.KindOf(cause)
	result.Detail = cause.Error()
	return result, nil
}

// =============================================================================
// Cancel
// =============================================================================

// CancelSwap refunds every locked side whose cancellation deadline has
// passed on its own chain. The swap becomes CANCELLED once both locked
// sides are refunded (or were never locked).
func (o *Orchestrator) CancelSwap(ctx context.Context, orderID string) (*Result, error) {
	l := o.lockFor(orderID)
	l.Lock()
	defer l.Unlock()
	return o.cancelLocked(ctx, orderID, false)
}

// cancelLocked refunds the locked sides; with wait set it blocks until each
// side's deadline, otherwise sides not yet refundable stay locked.
func (o *Orchestrator) cancelLocked(ctx context.Context, orderID string, wait bool) (*Result, error) {
	state, err := o.store.Get(orderID)
	if err != nil {
		return nil, err
	}

	if state.Status.IsTerminal() {
		return o.failResult(state, chain.KindValidation,
			fmt.Sprintf("swap already terminal: %s", state.Status)), nil
	}

	// Nothing locked yet: a plain maker cancellation.
	if state.Status == StatusCreated {
		state, err = o.store.UpdateStatus(orderID, StatusCancelled, nil)
		if err != nil {
			return nil, err
		}
		o.emit(orderID, "status_changed", string(StatusCancelled))
		return &Result{OrderID: orderID, Success: true, State: state}, nil
	}

	// Refund whichever sides are locked, each against its own chain's
	// clock. Either side may become refundable independently.
	allRefunded := true
	for _, side := range []chain.Side{chain.SideDst, chain.SideSrc} {
		escrow := state.Escrow(side)
		if escrow == nil || escrow.Status != chain.EscrowLocked {
			continue
		}
		receipt, err := o.refundSide(ctx, state, side, wait)
		if err != nil {
			return nil, err
		}
		if receipt == nil {
			allRefunded = false
			continue
		}
		if err := o.store.Put(state); err != nil {
			return nil, err
		}
		if err := o.store.AppendReceipt(orderID, side, "refund", receipt); err != nil {
			return nil, err
		}
	}

	if !allRefunded {
		return o.failResult(state, chain.KindTimelockNotExpired,
			"cancellation deadlines not yet reached on every locked side"), nil
	}

	state, err = o.store.UpdateStatus(orderID, StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	o.log.Info("swap cancelled", "order_id", orderID)
	o.emit(orderID, "status_changed", string(StatusCancelled))
	return &Result{OrderID: orderID, Success: true, State: state}, nil
}

// refundSide waits (when wait is set) for the side's cancellation
// deadline on its own chain, then refunds and marks the escrow record.
// A nil receipt with nil error means the deadline was not reached.
// Persistence is the caller's responsibility.
func (o *Orchestrator) refundSide(ctx context.Context, state *State, side chain.Side, wait bool) (*chain.TxReceipt, error) {
	orderID := state.Order.OrderID
	escrow := state.Escrow(side)
	if escrow == nil || escrow.Status != chain.EscrowLocked {
		return nil, nil
	}

	adapter, ok := o.registry.Get(state.ChainFor(side))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, state.ChainFor(side))
	}
	schedule := state.Order.Timelock

	for {
		now, err := adapter.BlockTimestamp(ctx)
		if err != nil {
			return nil, err
		}
		if schedule.CanRefund(side, escrow, now) {
			break
		}
		if !wait {
			return nil, nil
		}

		remaining := schedule.RefundableAt(side, escrow.DeployTime) - now
		sleep := o.poll
		if d := time.Duration(remaining) * time.Second; d < sleep {
			sleep = d
		}
		o.log.Debug("waiting for cancellation deadline", "order_id", orderID, "side", side, "remaining_s", remaining)
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(sleep):
		}
	}

	var receipt *chain.TxReceipt
	op := func() error {
		r, err := adapter.Refund(ctx, escrow)
		if err == nil {
			receipt = r
			return nil
		}
		if chain.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := o.retry(ctx, op); err != nil {
		if chain.KindOf(err) == chain.KindIntegrityViolation {
			return nil, o.markIntegrityViolation(state, err)
		}
		return nil, err
	}

	escrow.Status = chain.EscrowRefunded
	state.SetEscrow(escrow)

	o.log.Info("escrow refunded", "order_id", orderID, "side", side, "tx", receipt.TxHash)
	o.emit(orderID, "refunded", map[string]interface{}{"side": side, "tx": receipt.TxHash})
	return receipt, nil
}

// markIntegrityViolation surfaces stored-vs-chain contradictions loudly
// and parks the swap in FAILED. DST_DEPLOYED has no FAILED edge, so for
// such a swap UpdateStatus rejects the transition and that error is
// returned with the status unchanged. No automatic recovery.
func (o *Orchestrator) markIntegrityViolation(state *State, cause error) error {
	o.log.Error("integrity violation", "order_id", state.Order.OrderID, "error", cause)
	if state.Status.IsTerminal() {
		return cause
	}
	failed, err := o.store.UpdateStatus(state.Order.OrderID, StatusFailed, nil)
	if err != nil {
		return err
	}
	failed.FailureReason = fmt.Sprintf("%v: %v", ErrIntegrity, cause)
	return o.store.Put(failed)
}

// =============================================================================
// Accessors
// =============================================================================

// Get returns a swap by order id.
func (o *Orchestrator) Get(orderID string) (*State, error) {
	return o.store.Get(orderID)
}

// List returns all swaps, newest first.
func (o *Orchestrator) List() ([]*State, error) {
	return o.store.List()
}

// Receipts returns an order's persisted receipts in insertion order.
func (o *Orchestrator) Receipts(orderID string) ([]*ReceiptEntry, error) {
	return o.store.Receipts(orderID)
}

// GetBalance queries a token balance through the chain's adapter.
func (o *Orchestrator) GetBalance(ctx context.Context, chainID, address, token string) (*big.Int, error) {
	adapter, ok := o.registry.Get(chainID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chainID)
	}
	return adapter.Balance(ctx, address, token)
}

// failResult builds a failure Result carrying the last persisted state.
func (o *Orchestrator) failResult(state *State, kind chain.Kind, detail string) *Result {
	return &Result{
		OrderID:   state.Order.OrderID,
		Success:   false,
		ErrorKind: kind,
		Detail:    detail,
		State:     state,
	}
}
