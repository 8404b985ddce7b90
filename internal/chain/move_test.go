package chain

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/unite-defi/resolver/internal/config"
)

const testSeedHex = "0101010101010101010101010101010101010101010101010101010101010101"

func moveTestAdapter(t *testing.T, url string) *MoveAdapter {
	t.Helper()
	adapter, err := NewMoveAdapter(&config.ChainEntry{
		ChainID:             "sui",
		RPCURL:              url,
		ContractAddress:     "0xpkg",
		ExplorerURLTemplate: "https://suiscan.xyz/tx/{tx}",
		SignerSecretPrimary: testSeedHex,
	})
	if err != nil {
		t.Fatalf("NewMoveAdapter() error = %v", err)
	}
	return adapter
}

func emptyEventPage() map[string]interface{} {
	return map[string]interface{}{"data": []interface{}{}}
}

func TestMoveSignerDerivation(t *testing.T) {
	a, err := newMoveSigner(testSeedHex)
	if err != nil {
		t.Fatalf("newMoveSigner() error = %v", err)
	}
	if !strings.HasPrefix(a.address, "0x") || len(a.address) != 66 {
		t.Errorf("address = %q, want 0x-prefixed 32-byte hex", a.address)
	}

	b, _ := newMoveSigner(testSeedHex)
	if a.address != b.address {
		t.Error("address derivation must be deterministic")
	}

	if _, err := newMoveSigner("abcd"); err == nil {
		t.Error("short seed should fail")
	}
}

func TestMoveLock(t *testing.T) {
	node := newFakeNode(t)
	node.result("suix_queryEvents", emptyEventPage())
	node.result("unsafe_moveCall", map[string]string{
		"txBytes": base64.StdEncoding.EncodeToString([]byte("tx-bytes")),
	})
	node.result("sui_executeTransactionBlock", map[string]interface{}{
		"digest":      "DIGEST1",
		"timestampMs": "1700000000000",
		"effects":     map[string]interface{}{"status": map[string]string{"status": "success"}},
		"events": []map[string]interface{}{{
			"type":       "0xpkg::htlc::EscrowCreated",
			"parsedJson": map[string]string{"escrow_id": "0xobject1"},
		}},
	})
	server := node.serve()
	defer server.Close()

	adapter := moveTestAdapter(t, server.URL)
	rec, err := adapter.Lock(context.Background(), LockParams{
		OrderID:     "cafebabe",
		Side:        SideSrc,
		Token:       config.NativeSentinel,
		Amount:      mustBig(t, "1000"),
		Receiver:    "0xreceiver",
		SecretHash:  sha256.Sum256([]byte("s")),
		CancelAfter: 3600,
	})
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	if rec.Address != "0xobject1" {
		t.Errorf("Address = %q, want the escrow object id", rec.Address)
	}
	if rec.DeployTime != 1700000000 {
		t.Errorf("DeployTime = %d, want seconds from timestampMs", rec.DeployTime)
	}
	if rec.TxHash != "DIGEST1" {
		t.Errorf("TxHash = %q", rec.TxHash)
	}
	if rec.ExplorerURL != "https://suiscan.xyz/tx/DIGEST1" {
		t.Errorf("ExplorerURL = %q", rec.ExplorerURL)
	}
	if rec.Status != EscrowLocked {
		t.Errorf("Status = %s, want locked", rec.Status)
	}
}

func TestMoveLockIdempotent(t *testing.T) {
	node := newFakeNode(t)
	// The event index already knows this (order, side).
	key := moveOrderKey("cafebabe", SideSrc)
	node.result("suix_queryEvents", map[string]interface{}{
		"data": []map[string]interface{}{{
			"type":       "0xpkg::htlc::EscrowCreated",
			"parsedJson": map[string]string{"escrow_id": "0xexisting", "order_key": key},
			"id":         map[string]string{"txDigest": "OLD"},
		}},
	})
	node.result("sui_getObject", map[string]interface{}{
		"data": map[string]interface{}{
			"content": map[string]interface{}{
				"fields": map[string]string{"created_at": "1700000000", "cancel_after": "3600", "state": "1"},
			},
		},
	})
	server := node.serve()
	defer server.Close()

	adapter := moveTestAdapter(t, server.URL)
	rec, err := adapter.Lock(context.Background(), LockParams{
		OrderID: "cafebabe",
		Side:    SideSrc,
		Amount:  mustBig(t, "1000"),
	})
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if rec.Address != "0xexisting" {
		t.Errorf("Address = %q, want the existing escrow", rec.Address)
	}
	// No moveCall was issued
	for _, m := range node.requests {
		if m == "unsafe_moveCall" || m == "sui_executeTransactionBlock" {
			t.Fatalf("retried lock must not submit a transaction: %v", node.requests)
		}
	}
}

func TestMoveClaimRejectsWrongSecretLocally(t *testing.T) {
	node := newFakeNode(t)
	server := node.serve()
	defer server.Close()

	adapter := moveTestAdapter(t, server.URL)
	var wrong [32]byte
	_, err := adapter.Claim(context.Background(), &EscrowRecord{Side: SideDst, Address: "0xobj"},
		sha256.Sum256([]byte("right")), wrong)
	if KindOf(err) != KindInvalidSecret {
		t.Fatalf("error kind = %s, want invalid_secret", KindOf(err))
	}
	if len(node.requests) != 0 {
		t.Errorf("no RPC should be issued on invalid secret: %v", node.requests)
	}
}

func TestMoveRefundGating(t *testing.T) {
	node := newFakeNode(t)
	node.result("sui_getObject", map[string]interface{}{
		"data": map[string]interface{}{
			"content": map[string]interface{}{
				"fields": map[string]string{"created_at": "1700000000", "cancel_after": "3600", "state": "1"},
			},
		},
	})
	node.result("sui_getLatestCheckpointSequenceNumber", "42")
	// Chain clock sits one second before the deadline.
	node.result("sui_getCheckpoint", map[string]string{"timestampMs": "1700003599000"})
	server := node.serve()
	defer server.Close()

	adapter := moveTestAdapter(t, server.URL)
	_, err := adapter.Refund(context.Background(), &EscrowRecord{Side: SideSrc, Address: "0xobj", DeployTime: 1700000000})
	if KindOf(err) != KindTimelockNotExpired {
		t.Fatalf("error kind = %s, want timelock_not_expired", KindOf(err))
	}
	// The refund never reached the chain
	for _, m := range node.requests {
		if m == "unsafe_moveCall" {
			t.Fatalf("refund must not be submitted before the deadline: %v", node.requests)
		}
	}
}

func TestMoveBalance(t *testing.T) {
	node := newFakeNode(t)
	node.handle("suix_getBalance", func(params []json.RawMessage) (interface{}, *jsonrpcError) {
		var coinType string
		if len(params) >= 2 {
			json.Unmarshal(params[1], &coinType)
		}
		if coinType != "0x2::sui::SUI" {
			return nil, &jsonrpcError{Code: -1, Message: "unexpected coin type " + coinType}
		}
		return map[string]string{"totalBalance": "123456789"}, nil
	})
	server := node.serve()
	defer server.Close()

	adapter := moveTestAdapter(t, server.URL)
	bal, err := adapter.Balance(context.Background(), "0xowner", config.NativeSentinel)
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if bal.String() != "123456789" {
		t.Errorf("balance = %s, want 123456789", bal)
	}
}
