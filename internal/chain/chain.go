// Package chain lifts per-chain HTLC primitives to a uniform adapter
// capability set. Each adapter speaks its chain's native wire protocol;
// variants differ only in how they encode the same operations.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/unite-defi/resolver/internal/config"
)

// Side identifies which leg of a swap an escrow belongs to.
type Side string

const (
	SideSrc Side = "src"
	SideDst Side = "dst"
)

// EscrowStatus tracks the lifecycle of a single on-chain escrow.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowLocked   EscrowStatus = "locked"
	EscrowClaimed  EscrowStatus = "claimed"
	EscrowRefunded EscrowStatus = "refunded"
)

// EscrowRecord is the per-leg state after locking funds on a chain.
type EscrowRecord struct {
	Side Side `json:"side"`

	// Address is the chain-native escrow locator: contract address plus
	// escrow id on EVM, a shared object id on Move chains, and so on.
	Address string `json:"address"`

	// DeployTime is the chain block timestamp at which the lock was
	// observed finalised. All timelock math is relative to this.
	DeployTime uint64 `json:"deploy_time"`

	TxHash      string       `json:"tx_hash"`
	ExplorerURL string       `json:"explorer_url,omitempty"`
	Status      EscrowStatus `json:"status"`
}

// TxReceipt is the result of a claim or refund transaction.
type TxReceipt struct {
	TxHash      string `json:"tx_hash"`
	ExplorerURL string `json:"explorer_url,omitempty"`

	// BlockTime is the block timestamp of inclusion, when known.
	BlockTime uint64 `json:"block_time,omitempty"`
}

// LockParams carries everything an adapter needs to create one escrow.
// Lock MUST be idempotent by (OrderID, Side): retrying after an ambiguous
// timeout never creates a second escrow.
type LockParams struct {
	OrderID string
	Side    Side

	// Token identifies the asset; the chain's native sentinel selects a
	// value-bearing transaction instead of a token transfer.
	Token  string
	Amount *big.Int

	// Receiver is the counterparty address that may claim with the secret.
	// Locking src, the receiver is the resolver; locking dst, the maker.
	Receiver string

	SecretHash [32]byte

	// CancelAfter is the side's cancellation offset in seconds, committed
	// on-chain relative to the escrow's creation block time.
	CancelAfter uint64

	// SafetyDeposit is posted alongside the escrow where the chain's
	// contract accepts one; nil means none.
	SafetyDeposit *big.Int
}

// Adapter is the uniform capability set over one chain's HTLC primitive.
//
// All blocking operations take a context and carry a finite deadline; an
// expired deadline surfaces as KindTimeout and the caller reconciles via
// GetEscrowByOrderID.
type Adapter interface {
	// ChainID returns the chain identifier this adapter serves.
	ChainID() string

	// Supported reports whether the adapter is configured and usable.
	Supported() bool

	// ResolverAddress returns the taker-side signer's address on this
	// chain. It is the receiver of every src-side escrow.
	ResolverAddress() string

	// Lock binds the secret hash and timelock on-chain, transferring
	// params.Amount from the signer into the HTLC contract. The returned
	// record's Address resolves back to the same escrow in Claim/Refund.
	Lock(ctx context.Context, params LockParams) (*EscrowRecord, error)

	// Claim presents the pre-image and transfers the locked amount to the
	// receiver committed at lock time. Fails with KindInvalidSecret before
	// sending anything if sha256(secret) does not match the stored hash.
	Claim(ctx context.Context, escrow *EscrowRecord, secretHash [32]byte, secret [32]byte) (*TxReceipt, error)

	// Refund returns locked funds to the sender. Only permitted after the
	// side's cancellation deadline has passed on the chain's own clock;
	// fails with KindTimelockNotExpired otherwise.
	Refund(ctx context.Context, escrow *EscrowRecord) (*TxReceipt, error)

	// GetEscrowByOrderID resolves the escrow for (orderID, side), or nil
	// if none exists on-chain. Used to reconcile indeterminate locks.
	GetEscrowByOrderID(ctx context.Context, orderID string, side Side) (*EscrowRecord, error)

	// Balance returns the token balance of an address in smallest units.
	Balance(ctx context.Context, address, token string) (*big.Int, error)

	// BlockTimestamp returns the current chain block timestamp.
	BlockTimestamp(ctx context.Context) (uint64, error)
}

// RPCTimeout bounds every external chain call.
const RPCTimeout = 30 * time.Second

// =============================================================================
// Registry
// =============================================================================

// Registry maps chain ids to adapter instances. Adapters own their signer
// lifetime: keys are parsed at construction and held for the adapter's
// lifetime. Neither Registry nor the Adapter interface has a Close;
// EVMAdapter.Close closes only its RPC client.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its chain id.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ChainID()] = a
}

// Get returns the adapter for a chain id.
func (r *Registry) Get(chainID string) (Adapter, bool) {
	a, ok := r.adapters[chainID]
	return a, ok
}

// Supported reports whether the chain is registered and usable.
func (r *Registry) Supported(chainID string) bool {
	a, ok := r.adapters[chainID]
	return ok && a.Supported()
}

// ChainIDs lists registered chain ids.
func (r *Registry) ChainIDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// NativeToken returns the native-coin sentinel for a chain id.
func NativeToken(chainID string) string {
	p, ok := config.GetChain(chainID)
	if !ok {
		return config.NativeSentinel
	}
	return p.NativeToken
}
