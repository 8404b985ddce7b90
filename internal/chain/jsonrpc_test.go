package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeNode serves canned JSON-RPC responses keyed by method.
type fakeNode struct {
	t        *testing.T
	handlers map[string]func(params []json.RawMessage) (interface{}, *jsonrpcError)
	requests []string
}

func newFakeNode(t *testing.T) *fakeNode {
	return &fakeNode{
		t:        t,
		handlers: make(map[string]func(params []json.RawMessage) (interface{}, *jsonrpcError)),
	}
}

func (n *fakeNode) handle(method string, fn func(params []json.RawMessage) (interface{}, *jsonrpcError)) {
	n.handlers[method] = fn
}

func (n *fakeNode) result(method string, result interface{}) {
	n.handle(method, func([]json.RawMessage) (interface{}, *jsonrpcError) {
		return result, nil
	})
}

func (n *fakeNode) serve() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			n.t.Errorf("malformed request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n.requests = append(n.requests, req.Method)

		handler, ok := n.handlers[req.Method]
		if !ok {
			n.t.Errorf("unexpected method %s", req.Method)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		result, rpcErr := handler(req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = map[string]interface{}{"code": rpcErr.Code, "message": rpcErr.Message}
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestJSONRPCCall(t *testing.T) {
	node := newFakeNode(t)
	node.result("test_echo", map[string]string{"value": "hello"})
	server := node.serve()
	defer server.Close()

	client := newJSONRPCClient(server.URL)

	var out struct {
		Value string `json:"value"`
	}
	if err := client.call(context.Background(), "test_echo", nil, &out); err != nil {
		t.Fatalf("call() error = %v", err)
	}
	if out.Value != "hello" {
		t.Errorf("result = %q, want hello", out.Value)
	}
}

func TestJSONRPCApplicationError(t *testing.T) {
	node := newFakeNode(t)
	node.handle("test_fail", func([]json.RawMessage) (interface{}, *jsonrpcError) {
		return nil, &jsonrpcError{Code: -32000, Message: "escrow not active"}
	})
	server := node.serve()
	defer server.Close()

	client := newJSONRPCClient(server.URL)
	err := client.call(context.Background(), "test_fail", nil, nil)

	var rpcErr *jsonrpcError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *jsonrpcError", err)
	}
	if rpcErr.Code != -32000 {
		t.Errorf("code = %d, want -32000", rpcErr.Code)
	}

	// Application errors classify as deterministic rejections
	classified := classifyRPCError("sui", "claim", err)
	if classified.Kind != KindContractReverted {
		t.Errorf("kind = %s, want contract_reverted", classified.Kind)
	}
}

func TestJSONRPCTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newJSONRPCClient(server.URL)
	err := client.call(context.Background(), "test_any", nil, nil)
	if err == nil {
		t.Fatal("bad gateway should error")
	}

	classified := classifyRPCError("sui", "lock", err)
	if classified.Kind != KindChainUnavailable {
		t.Errorf("kind = %s, want chain_unavailable", classified.Kind)
	}
}

func TestJSONRPCContextDeadline(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	client := newJSONRPCClient(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := client.call(ctx, "test_slow", nil, nil)
	if err == nil {
		t.Fatal("deadline should interrupt the call")
	}
	classified := classifyRPCError("ton", "lock", err)
	if classified.Kind != KindTimeout {
		t.Errorf("kind = %s, want timeout", classified.Kind)
	}
}

func TestWaitFor(t *testing.T) {
	attempts := 0
	err := waitFor(context.Background(), time.Millisecond, 10, func(ctx context.Context) (bool, error) {
		attempts++
		return attempts >= 3, nil
	})
	if err != nil {
		t.Fatalf("waitFor() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	attempts = 0
	err = waitFor(context.Background(), time.Millisecond, 2, func(ctx context.Context) (bool, error) {
		attempts++
		return false, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("exhausted waitFor error = %v, want deadline exceeded", err)
	}
}
