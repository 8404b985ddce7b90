// Package swap - Store contract. Implementations live in internal/storage.
package swap

import (
	"time"

	"github.com/unite-defi/resolver/internal/chain"
)

// ReceiptEntry is one persisted transaction receipt. Seq is assigned by the
// store in insertion order, so claim ordering is auditable after the fact.
type ReceiptEntry struct {
	Seq       int64           `json:"seq"`
	OrderID   string          `json:"order_id"`
	Side      chain.Side      `json:"side"`
	Op        string          `json:"op"` // "lock", "claim", "refund"
	TxHash    string          `json:"tx_hash"`
	Receipt   chain.TxReceipt `json:"receipt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the single source of truth for swap state. It is the only
// serialization point for a given order id: concurrent mutations for the
// same id are linearised; different ids proceed in parallel.
//
// UpdateStatus is the ONLY mutator of Status and rejects edges outside the
// state machine with ErrIllegalTransition.
type Store interface {
	// Put inserts or updates a swap state. All field changes land
	// atomically or not at all. Put never changes Status on an existing
	// record; use UpdateStatus.
	Put(state *State) error

	// Get returns the state for an order id, or ErrNotFound.
	Get(orderID string) (*State, error)

	// List returns all swaps ordered by created_at descending.
	List() ([]*State, error)

	// UpdateStatus transitions a swap to newStatus, optionally attaching
	// an escrow record, and returns the updated state. Fails with
	// ErrIllegalTransition when the edge is not legal from the current
	// status.
	UpdateStatus(orderID string, newStatus Status, escrow *chain.EscrowRecord) (*State, error)

	// AppendReceipt records a transaction receipt in insertion order.
	AppendReceipt(orderID string, side chain.Side, op string, receipt *chain.TxReceipt) error

	// Receipts returns an order's receipts in insertion order.
	Receipts(orderID string) ([]*ReceiptEntry, error)

	Close() error
}
