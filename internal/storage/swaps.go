// Package storage - swap.Store implementation over SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/internal/swap"
)

// Put inserts or updates a swap record. The whole aggregate is written in
// one statement, so partial field changes cannot land.
//
// Status changes ride through UpdateStatus only: on conflict the stored
// status column is kept, and a Put whose in-memory status disagrees with
// the stored one is rejected below.
func (s *Storage) Put(state *swap.State) error {
	l := s.lockFor(state.Order.OrderID)
	l.Lock()
	defer l.Unlock()

	return s.putLocked(state)
}

func (s *Storage) putLocked(state *swap.State) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	current, err := s.getLocked(state.Order.OrderID)
	if err != nil && err != swap.ErrNotFound {
		return err
	}
	if current != nil && current.Status != state.Status {
		return fmt.Errorf("%w: Put cannot change status %s -> %s",
			swap.ErrIllegalTransition, current.Status, state.Status)
	}

	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal swap state: %w", err)
	}

	query := `
		INSERT INTO swaps (order_id, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`
	_, err = s.db.Exec(query,
		state.Order.OrderID,
		string(state.Status),
		string(blob),
		state.CreatedAt.UnixNano(),
		state.UpdatedAt.UnixNano(),
	)
	return err
}

// Get returns the state for an order id, or swap.ErrNotFound.
func (s *Storage) Get(orderID string) (*swap.State, error) {
	return s.getLocked(orderID)
}

func (s *Storage) getLocked(orderID string) (*swap.State, error) {
	var blob string
	err := s.db.QueryRow(`SELECT state FROM swaps WHERE order_id = ?`, orderID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, swap.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var state swap.State
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal swap state: %w", err)
	}
	return &state, nil
}

// List returns all swaps ordered by created_at descending.
func (s *Storage) List() ([]*swap.State, error) {
	rows, err := s.db.Query(`SELECT state FROM swaps ORDER BY created_at DESC, order_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*swap.State
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var state swap.State
		if err := json.Unmarshal([]byte(blob), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal swap state: %w", err)
		}
		states = append(states, &state)
	}
	return states, rows.Err()
}

// UpdateStatus transitions a swap along a legal state-machine edge,
// optionally attaching an escrow record, and persists atomically.
func (s *Storage) UpdateStatus(orderID string, newStatus swap.Status, escrow *chain.EscrowRecord) (*swap.State, error) {
	l := s.lockFor(orderID)
	l.Lock()
	defer l.Unlock()

	state, err := s.getLocked(orderID)
	if err != nil {
		return nil, err
	}

	if !swap.CanTransition(state.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", swap.ErrIllegalTransition, state.Status, newStatus)
	}

	state.Status = newStatus
	state.SetEscrow(escrow)
	state.UpdatedAt = time.Now().UTC()

	blob, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal swap state: %w", err)
	}

	_, err = s.db.Exec(
		`UPDATE swaps SET status = ?, state = ?, updated_at = ? WHERE order_id = ?`,
		string(newStatus), string(blob), state.UpdatedAt.UnixNano(), orderID,
	)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// AppendReceipt records a transaction receipt in insertion order.
func (s *Storage) AppendReceipt(orderID string, side chain.Side, op string, receipt *chain.TxReceipt) error {
	blob, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO receipts (order_id, side, op, tx_hash, receipt, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		orderID, string(side), op, receipt.TxHash, string(blob), time.Now().UTC().UnixNano(),
	)
	return err
}

// Receipts returns an order's receipts in insertion order.
func (s *Storage) Receipts(orderID string) ([]*swap.ReceiptEntry, error) {
	rows, err := s.db.Query(
		`SELECT seq, side, op, tx_hash, receipt, created_at FROM receipts WHERE order_id = ? ORDER BY seq`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*swap.ReceiptEntry
	for rows.Next() {
		var (
			e       swap.ReceiptEntry
			side    string
			blob    string
			created int64
		)
		if err := rows.Scan(&e.Seq, &side, &e.Op, &e.TxHash, &blob, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(blob), &e.Receipt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
		}
		e.OrderID = orderID
		e.Side = chain.Side(side)
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
