// Package storage - In-memory swap.Store for test environments ONLY.
// Nothing here survives process restart; production deployments use the
// SQLite-backed Storage.
package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/internal/swap"
)

// Memory is a non-durable swap.Store. Test environments only.
type Memory struct {
	mu       sync.Mutex
	swaps    map[string]string // order_id -> state JSON
	receipts []*swap.ReceiptEntry
	nextSeq  int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		swaps:   make(map[string]string),
		nextSeq: 1,
	}
}

// encode/decode through JSON so the memory store exercises the same
// round-trip as the durable backend and hands out no aliased pointers.
func encodeState(state *swap.State) (string, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal swap state: %w", err)
	}
	return string(blob), nil
}

func decodeState(blob string) (*swap.State, error) {
	var state swap.State
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal swap state: %w", err)
	}
	return &state, nil
}

// Put inserts or updates a swap record.
func (m *Memory) Put(state *swap.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	if blob, ok := m.swaps[state.Order.OrderID]; ok {
		current, err := decodeState(blob)
		if err != nil {
			return err
		}
		if current.Status != state.Status {
			return fmt.Errorf("%w: Put cannot change status %s -> %s",
				swap.ErrIllegalTransition, current.Status, state.Status)
		}
	}

	blob, err := encodeState(state)
	if err != nil {
		return err
	}
	m.swaps[state.Order.OrderID] = blob
	return nil
}

// Get returns the state for an order id, or swap.ErrNotFound.
func (m *Memory) Get(orderID string) (*swap.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.swaps[orderID]
	if !ok {
		return nil, swap.ErrNotFound
	}
	return decodeState(blob)
}

// List returns all swaps ordered by created_at descending.
func (m *Memory) List() ([]*swap.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]*swap.State, 0, len(m.swaps))
	for _, blob := range m.swaps {
		state, err := decodeState(blob)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		if !states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].CreatedAt.After(states[j].CreatedAt)
		}
		return states[i].Order.OrderID < states[j].Order.OrderID
	})
	return states, nil
}

// UpdateStatus transitions a swap along a legal state-machine edge.
func (m *Memory) UpdateStatus(orderID string, newStatus swap.Status, escrow *chain.EscrowRecord) (*swap.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.swaps[orderID]
	if !ok {
		return nil, swap.ErrNotFound
	}
	state, err := decodeState(blob)
	if err != nil {
		return nil, err
	}

	if !swap.CanTransition(state.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", swap.ErrIllegalTransition, state.Status, newStatus)
	}

	state.Status = newStatus
	state.SetEscrow(escrow)
	state.UpdatedAt = time.Now().UTC()

	encoded, err := encodeState(state)
	if err != nil {
		return nil, err
	}
	m.swaps[orderID] = encoded
	return state, nil
}

// AppendReceipt records a transaction receipt in insertion order.
func (m *Memory) AppendReceipt(orderID string, side chain.Side, op string, receipt *chain.TxReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.receipts = append(m.receipts, &swap.ReceiptEntry{
		Seq:       m.nextSeq,
		OrderID:   orderID,
		Side:      side,
		Op:        op,
		TxHash:    receipt.TxHash,
		Receipt:   *receipt,
		CreatedAt: time.Now().UTC(),
	})
	m.nextSeq++
	return nil
}

// Receipts returns an order's receipts in insertion order.
func (m *Memory) Receipts(orderID string) ([]*swap.ReceiptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []*swap.ReceiptEntry
	for _, e := range m.receipts {
		if e.OrderID == orderID {
			copied := *e
			entries = append(entries, &copied)
		}
	}
	return entries, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
