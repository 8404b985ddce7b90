package rpc

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/internal/config"
	"github.com/unite-defi/resolver/internal/storage"
	"github.com/unite-defi/resolver/internal/swap"
)

// fakeAdapter is a success-only adapter for driving the RPC surface.
type fakeAdapter struct {
	id string

	mu      sync.Mutex
	now     uint64
	escrows map[string]*chain.EscrowRecord
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{id: id, now: 1_000_000, escrows: make(map[string]*chain.EscrowRecord)}
}

func (f *fakeAdapter) ChainID() string         { return f.id }
func (f *fakeAdapter) Supported() bool         { return true }
func (f *fakeAdapter) ResolverAddress() string { return "resolver@" + f.id }

func (f *fakeAdapter) Lock(ctx context.Context, params chain.LockParams) (*chain.EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := params.OrderID + "/" + string(params.Side)
	if rec, ok := f.escrows[key]; ok {
		out := *rec
		return &out, nil
	}
	rec := &chain.EscrowRecord{
		Side:       params.Side,
		Address:    f.id + ":" + key,
		DeployTime: f.now,
		TxHash:     "0xlock-" + key,
		Status:     chain.EscrowLocked,
	}
	f.escrows[key] = rec
	out := *rec
	return &out, nil
}

func (f *fakeAdapter) Claim(ctx context.Context, escrow *chain.EscrowRecord, secretHash [32]byte, secret [32]byte) (*chain.TxReceipt, error) {
	if sha256.Sum256(secret[:]) != secretHash {
		return nil, chain.NewError(chain.KindInvalidSecret, f.id, "claim", "hash mismatch", nil)
	}
	return &chain.TxReceipt{TxHash: "0xclaim-" + string(escrow.Side)}, nil
}

func (f *fakeAdapter) Refund(ctx context.Context, escrow *chain.EscrowRecord) (*chain.TxReceipt, error) {
	return &chain.TxReceipt{TxHash: "0xrefund-" + string(escrow.Side)}, nil
}

func (f *fakeAdapter) GetEscrowByOrderID(ctx context.Context, orderID string, side chain.Side) (*chain.EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.escrows[orderID+"/"+string(side)]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (f *fakeAdapter) Balance(ctx context.Context, address, token string) (*big.Int, error) {
	return big.NewInt(7), nil
}

func (f *fakeAdapter) BlockTimestamp(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += 25
	return f.now, nil
}

func testServer(t *testing.T) *Server {
	t.Helper()

	registry := chain.NewRegistry()
	registry.Register(newFakeAdapter("base"))
	registry.Register(newFakeAdapter("ton"))

	timelocks := config.DefaultTimelocks()
	timelocks.SrcWithdrawal = 0
	timelocks.DstWithdrawal = 0

	orchestrator := swap.NewOrchestrator(storage.NewMemory(), registry, swap.Options{
		Timelocks:    timelocks,
		PollInterval: time.Millisecond,
	})
	return NewServer(orchestrator)
}

func call(t *testing.T, s *Server, method string, params interface{}) *Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = b
	}
	return s.dispatch(context.Background(), &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raw,
		ID:      1,
	})
}

func TestDispatchUnknownMethod(t *testing.T) {
	s := testServer(t)
	resp := call(t, s, "swap_frobnicate", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("response = %+v, want method-not-found", resp)
	}
}

func TestDispatchInvalidVersion(t *testing.T) {
	s := testServer(t)
	resp := s.dispatch(context.Background(), &Request{JSONRPC: "1.0", Method: "swap_list", ID: 1})
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Errorf("response = %+v, want invalid-request", resp)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := testServer(t)

	resp := call(t, s, "swap_create", createParams{
		SrcChain:  "base",
		DstChain:  "ton",
		SrcToken:  config.EVMNativeSentinel,
		DstToken:  config.NativeSentinel,
		SrcAmount: "1000000000000000",
		DstAmount: "1000000000000000",
		Maker:     "0xmaker",
	})
	if resp.Error != nil {
		t.Fatalf("swap_create error = %+v", resp.Error)
	}

	created := resp.Result.(map[string]interface{})
	orderID := created["order_id"].(string)
	if created["status"] != swap.StatusCreated {
		t.Errorf("status = %v, want CREATED", created["status"])
	}
	// The unrevealed secret never leaves the process
	if _, leaked := created["secret"]; leaked {
		t.Error("secret must not be exposed before completion")
	}
	if created["secret_hash"] == "" {
		t.Error("secret_hash should be exposed")
	}

	resp = call(t, s, "swap_get", orderIDParams{OrderID: orderID})
	if resp.Error != nil {
		t.Fatalf("swap_get error = %+v", resp.Error)
	}
}

func TestExecuteOverRPC(t *testing.T) {
	s := testServer(t)

	resp := call(t, s, "swap_create", createParams{
		SrcChain:  "base",
		DstChain:  "ton",
		SrcToken:  config.EVMNativeSentinel,
		DstToken:  config.NativeSentinel,
		SrcAmount: "500",
		DstAmount: "400",
		Maker:     "0xmaker",
	})
	if resp.Error != nil {
		t.Fatalf("swap_create error = %+v", resp.Error)
	}
	orderID := resp.Result.(map[string]interface{})["order_id"].(string)

	resp = call(t, s, "swap_execute", orderIDParams{OrderID: orderID})
	if resp.Error != nil {
		t.Fatalf("swap_execute error = %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	if result["success"] != true {
		t.Fatalf("execute result = %+v", result)
	}

	state := result["state"].(map[string]interface{})
	if state["status"] != swap.StatusCompleted {
		t.Errorf("status = %v, want COMPLETED", state["status"])
	}
	// Once completed the secret is public anyway
	if state["secret"] == nil {
		t.Error("secret should be exposed after completion")
	}

	resp = call(t, s, "swap_balance", balanceParams{Chain: "base", Address: "0xabc", Token: config.EVMNativeSentinel})
	if resp.Error != nil {
		t.Fatalf("swap_balance error = %+v", resp.Error)
	}
	if resp.Result.(map[string]string)["balance"] != "7" {
		t.Errorf("balance = %+v", resp.Result)
	}
}

func TestListOverRPC(t *testing.T) {
	s := testServer(t)

	for i := 0; i < 2; i++ {
		resp := call(t, s, "swap_create", createParams{
			SrcChain:  "base",
			DstChain:  "ton",
			SrcToken:  config.EVMNativeSentinel,
			DstToken:  config.NativeSentinel,
			SrcAmount: fmt.Sprintf("%d", 100+i),
			DstAmount: "100",
			Maker:     "0xmaker",
		})
		if resp.Error != nil {
			t.Fatalf("swap_create error = %+v", resp.Error)
		}
	}

	resp := call(t, s, "swap_list", nil)
	if resp.Error != nil {
		t.Fatalf("swap_list error = %+v", resp.Error)
	}
	listing := resp.Result.(map[string]interface{})
	if listing["count"] != 2 {
		t.Errorf("count = %v, want 2", listing["count"])
	}
}
