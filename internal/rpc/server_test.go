package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func TestServerOverHTTP(t *testing.T) {
	s := testServer(t)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	url := "http://" + s.Addr()

	post := func(body string) *Response {
		t.Helper()
		httpResp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("POST error = %v", err)
		}
		defer httpResp.Body.Close()

		var resp Response
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return &resp
	}

	// Create a swap end to end through the HTTP surface
	resp := post(`{"jsonrpc":"2.0","id":1,"method":"swap_create","params":{
		"src_chain":"base","dst_chain":"ton",
		"src_token":"0x0000000000000000000000000000000000000000","dst_token":"native",
		"src_amount":"1000","dst_amount":"900","maker":"0xmaker"}}`)
	if resp.Error != nil {
		t.Fatalf("swap_create error = %+v", resp.Error)
	}
	created := resp.Result.(map[string]interface{})
	if created["status"] != "CREATED" {
		t.Errorf("status = %v, want CREATED", created["status"])
	}

	// Malformed JSON yields a parse error, not a broken connection
	resp = post(`{"jsonrpc":`)
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Errorf("response = %+v, want parse error", resp)
	}

	// GET is rejected
	httpResp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", httpResp.StatusCode)
	}
}
