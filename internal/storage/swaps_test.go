package storage

import (
	"errors"
	"math/big"
	"os"
	"reflect"
	"testing"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/internal/config"
	"github.com/unite-defi/resolver/internal/secret"
	"github.com/unite-defi/resolver/internal/swap"
	"github.com/unite-defi/resolver/internal/timelock"
)

func testState(t *testing.T) *swap.State {
	t.Helper()
	s, err := secret.New()
	if err != nil {
		t.Fatalf("secret.New() error = %v", err)
	}

	amount := new(big.Int)
	amount.SetString("1000000000000000", 10)

	return &swap.State{
		Order: &swap.Order{
			OrderID:         swap.NewOrderID(),
			Maker:           "0x1111111111111111111111111111111111111111",
			MakerDstAddress: "GMAKER",
			SrcChain:        "base",
			DstChain:        "stellar",
			SrcToken:        config.EVMNativeSentinel,
			DstToken:        config.NativeSentinel,
			SrcAmount:       amount,
			DstAmount:       new(big.Int).Set(amount),
			Secret:          s,
			SecretHash:      secret.HashOf(s),
			Timelock:        timelock.FromConfig(config.DefaultTimelocks()),
			SafetyDeposit: swap.SafetyDeposit{
				Src: big.NewInt(1000),
				Dst: big.NewInt(2000),
			},
		},
		Status: swap.StatusCreated,
	}
}

// runStoreTests exercises the swap.Store contract against a backend.
func runStoreTests(t *testing.T, newStore func(t *testing.T) swap.Store) {
	t.Run("PutGetRoundTrip", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		state := testState(t)
		if err := store.Put(state); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		got, err := store.Get(state.Order.OrderID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}

		if !reflect.DeepEqual(got.Order, state.Order) {
			t.Errorf("order round trip mismatch:\ngot  %+v\nwant %+v", got.Order, state.Order)
		}
		if got.Status != swap.StatusCreated {
			t.Errorf("Status = %s, want CREATED", got.Status)
		}
		if got.Order.SrcAmount.String() != "1000000000000000" {
			t.Errorf("SrcAmount = %s, want 1000000000000000", got.Order.SrcAmount)
		}
		if got.Order.Secret != state.Order.Secret {
			t.Error("secret did not round trip")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		if _, err := store.Get("deadbeef"); !errors.Is(err, swap.ErrNotFound) {
			t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateStatusLegalPath", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		state := testState(t)
		if err := store.Put(state); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		esc := &chain.EscrowRecord{
			Side:       chain.SideSrc,
			Address:    "0xescrow:42",
			DeployTime: 1700000000,
			TxHash:     "0xaaa",
			Status:     chain.EscrowLocked,
		}
		got, err := store.UpdateStatus(state.Order.OrderID, swap.StatusSrcDeployed, esc)
		if err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
		if got.Status != swap.StatusSrcDeployed {
			t.Errorf("Status = %s, want SRC_DEPLOYED", got.Status)
		}
		if got.SrcEscrow == nil || got.SrcEscrow.Address != "0xescrow:42" {
			t.Errorf("SrcEscrow = %+v", got.SrcEscrow)
		}

		// Reload to confirm the transition persisted
		reloaded, err := store.Get(state.Order.OrderID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if reloaded.Status != swap.StatusSrcDeployed || reloaded.SrcEscrow == nil {
			t.Errorf("reloaded = %s, escrow %v", reloaded.Status, reloaded.SrcEscrow)
		}
	})

	t.Run("UpdateStatusIllegalTransition", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		state := testState(t)
		if err := store.Put(state); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		// CREATED -> COMPLETED is not a legal edge
		if _, err := store.UpdateStatus(state.Order.OrderID, swap.StatusCompleted, nil); !errors.Is(err, swap.ErrIllegalTransition) {
			t.Fatalf("UpdateStatus() error = %v, want ErrIllegalTransition", err)
		}

		// Store unchanged
		got, err := store.Get(state.Order.OrderID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status != swap.StatusCreated {
			t.Errorf("Status = %s, want CREATED after rejected transition", got.Status)
		}
	})

	t.Run("PutCannotChangeStatus", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		state := testState(t)
		if err := store.Put(state); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		sneaky, err := store.Get(state.Order.OrderID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		sneaky.Status = swap.StatusCompleted
		if err := store.Put(sneaky); !errors.Is(err, swap.ErrIllegalTransition) {
			t.Errorf("Put() with changed status error = %v, want ErrIllegalTransition", err)
		}
	})

	t.Run("ListOrdering", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		first := testState(t)
		second := testState(t)
		if err := store.Put(first); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if err := store.Put(second); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		states, err := store.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(states) != 2 {
			t.Fatalf("List() returned %d swaps, want 2", len(states))
		}
		if states[0].CreatedAt.Before(states[1].CreatedAt) {
			t.Error("List() should order by created_at descending")
		}
	})

	t.Run("ReceiptsInsertionOrder", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		state := testState(t)
		if err := store.Put(state); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		id := state.Order.OrderID

		if err := store.AppendReceipt(id, chain.SideDst, "claim", &chain.TxReceipt{TxHash: "0xdst"}); err != nil {
			t.Fatalf("AppendReceipt() error = %v", err)
		}
		if err := store.AppendReceipt(id, chain.SideSrc, "claim", &chain.TxReceipt{TxHash: "0xsrc"}); err != nil {
			t.Fatalf("AppendReceipt() error = %v", err)
		}

		entries, err := store.Receipts(id)
		if err != nil {
			t.Fatalf("Receipts() error = %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("Receipts() returned %d entries, want 2", len(entries))
		}
		if entries[0].Side != chain.SideDst || entries[1].Side != chain.SideSrc {
			t.Errorf("receipt order = %s, %s; want dst then src", entries[0].Side, entries[1].Side)
		}
		if entries[0].Seq >= entries[1].Seq {
			t.Error("receipt seq should be strictly increasing")
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) swap.Store {
		tmpDir, err := os.MkdirTemp("", "resolver-storage-test-*")
		if err != nil {
			t.Fatalf("failed to create temp dir: %v", err)
		}
		t.Cleanup(func() { os.RemoveAll(tmpDir) })

		store, err := New(&Config{DataDir: tmpDir})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		return store
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) swap.Store {
		return NewMemory()
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "resolver-storage-reopen-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	state := testState(t)
	if err := store.Put(state); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := store.UpdateStatus(state.Order.OrderID, swap.StatusSrcDeployed, &chain.EscrowRecord{
		Side: chain.SideSrc, Address: "0xe:1", Status: chain.EscrowLocked,
	}); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	store.Close()

	reopened, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(state.Order.OrderID)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got.Status != swap.StatusSrcDeployed {
		t.Errorf("Status after reopen = %s, want SRC_DEPLOYED", got.Status)
	}
	if got.Order.SecretHash != state.Order.SecretHash {
		t.Error("secret hash did not survive reopen")
	}
}
