package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/unite-defi/resolver/internal/config"
)

// evmTestKey is a throwaway secp256k1 private key.
const evmTestKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// fakeEthNode answers the read-only subset of the eth JSON-RPC surface
// the adapter's query paths use.
type fakeEthNode struct {
	t  *testing.T
	mu sync.Mutex

	// ethCallResults are consumed in order, one per eth_call.
	ethCallResults []string
	balance        string
	calls          []string
}

func (n *fakeEthNode) serve() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			n.t.Errorf("malformed request: %v", err)
			return
		}

		n.mu.Lock()
		n.calls = append(n.calls, req.Method)
		var result string
		switch req.Method {
		case "eth_chainId":
			result = "0x2105"
		case "eth_call":
			if len(n.ethCallResults) == 0 {
				n.t.Errorf("unexpected eth_call")
				result = "0x"
			} else {
				result = n.ethCallResults[0]
				n.ethCallResults = n.ethCallResults[1:]
			}
		case "eth_getBalance":
			result = n.balance
		default:
			n.t.Errorf("unexpected method %s", req.Method)
			result = "0x"
		}
		n.mu.Unlock()

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result}
		json.NewEncoder(w).Encode(resp)
	}))
}

func evmTestAdapter(t *testing.T, url string) *EVMAdapter {
	t.Helper()
	adapter, err := NewEVMAdapter(context.Background(), &config.ChainEntry{
		ChainID:             "base",
		RPCURL:              url,
		ContractAddress:     "0x1111111111111111111111111111111111111111",
		ExplorerURLTemplate: "https://basescan.org/tx/{tx}",
		SignerSecretPrimary: evmTestKey,
	})
	if err != nil {
		t.Fatalf("NewEVMAdapter() error = %v", err)
	}
	t.Cleanup(adapter.Close)
	return adapter
}

// word32 hex-encodes one 32-byte ABI word.
func word32(b []byte) string {
	word := make([]byte, 32)
	copy(word[32-len(b):], b)
	return hex.EncodeToString(word)
}

func TestEVMAdapterConstruction(t *testing.T) {
	node := &fakeEthNode{t: t}
	server := node.serve()
	defer server.Close()

	adapter := evmTestAdapter(t, server.URL)
	if adapter.ChainID() != "base" {
		t.Errorf("ChainID = %s, want base", adapter.ChainID())
	}
	if adapter.evmChainID.Int64() != 0x2105 {
		t.Errorf("evm chain id = %s, want 8453", adapter.evmChainID)
	}
	// Single signer: secondary falls back to primary
	if adapter.ResolverAddress() != adapter.primary.address.Hex() {
		t.Error("secondary should default to the primary signer")
	}

	if _, err := NewEVMAdapter(context.Background(), &config.ChainEntry{
		ChainID:             "base",
		RPCURL:              server.URL,
		SignerSecretPrimary: "not-a-key",
	}); err == nil {
		t.Error("malformed signer key should fail construction")
	}
}

func TestEVMGetEscrowByOrderIDAbsent(t *testing.T) {
	node := &fakeEthNode{t: t}
	// escrowByOrderKey returns the zero id: no escrow.
	node.ethCallResults = []string{"0x" + word32(nil)}
	server := node.serve()
	defer server.Close()

	adapter := evmTestAdapter(t, server.URL)
	rec, err := adapter.GetEscrowByOrderID(context.Background(), "cafebabe", SideSrc)
	if err != nil {
		t.Fatalf("GetEscrowByOrderID() error = %v", err)
	}
	if rec != nil {
		t.Errorf("record = %+v, want nil for absent escrow", rec)
	}
}

func TestEVMGetEscrowByOrderIDFound(t *testing.T) {
	node := &fakeEthNode{t: t}
	server := node.serve()
	defer server.Close()
	adapter := evmTestAdapter(t, server.URL)

	// Encode the getEscrow view result with the contract ABI itself.
	var escrowID [32]byte
	escrowID[31] = 0x07
	sender := common.HexToAddress("0xaaaa")
	receiver := common.HexToAddress("0xbbbb")
	packed, err := adapter.htlcABI.Methods["getEscrow"].Outputs.Pack(
		sender, receiver, common.Address{}, big.NewInt(1000), [32]byte{0x01},
		big.NewInt(1_700_000_000), big.NewInt(3600), evmEscrowActive,
	)
	if err != nil {
		t.Fatalf("pack getEscrow outputs: %v", err)
	}

	node.mu.Lock()
	node.ethCallResults = []string{
		"0x" + word32(escrowID[:]), // escrowByOrderKey
		"0x" + hex.EncodeToString(packed),
	}
	node.mu.Unlock()

	rec, err := adapter.GetEscrowByOrderID(context.Background(), "cafebabe", SideSrc)
	if err != nil {
		t.Fatalf("GetEscrowByOrderID() error = %v", err)
	}
	if rec == nil {
		t.Fatal("record should be found")
	}
	if rec.DeployTime != 1_700_000_000 {
		t.Errorf("DeployTime = %d, want 1700000000", rec.DeployTime)
	}
	if rec.Status != EscrowLocked {
		t.Errorf("Status = %s, want locked", rec.Status)
	}
	if rec.Address != adapter.escrowAddress(escrowID) {
		t.Errorf("Address = %q", rec.Address)
	}
}

func TestEVMNativeBalance(t *testing.T) {
	node := &fakeEthNode{t: t, balance: "0xde0b6b3a7640000"} // 1 ether
	server := node.serve()
	defer server.Close()

	adapter := evmTestAdapter(t, server.URL)
	bal, err := adapter.Balance(context.Background(), "0xcccc", config.EVMNativeSentinel)
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if bal.String() != "1000000000000000000" {
		t.Errorf("balance = %s, want 1e18", bal)
	}
}

func TestEVMClaimRejectsWrongSecretLocally(t *testing.T) {
	node := &fakeEthNode{t: t}
	server := node.serve()
	defer server.Close()
	adapter := evmTestAdapter(t, server.URL)

	before := len(node.calls)
	var wrong, committed [32]byte
	committed[0] = 0xff
	_, err := adapter.Claim(context.Background(), &EscrowRecord{
		Side:    SideSrc,
		Address: adapter.escrowAddress([32]byte{0x07}),
	}, committed, wrong)
	if KindOf(err) != KindInvalidSecret {
		t.Fatalf("error kind = %s, want invalid_secret", KindOf(err))
	}
	if len(node.calls) != before {
		t.Errorf("no RPC should be issued on invalid secret: %v", node.calls)
	}
}
