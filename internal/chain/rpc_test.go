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

func blockRPCServer(t *testing.T, number, timestamp string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Method != "eth_getBlockByNumber" {
			t.Errorf("unexpected method %q", req.Method)
		}
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result": map[string]string{
				"number":    number,
				"hash":      "0xabc",
				"timestamp": timestamp,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestGetLatestBlock(t *testing.T) {
	srv := blockRPCServer(t, "0x10", "0x68a0f0f0")
	defer srv.Close()

	client := NewRPCClient([]Network{
		{Name: "ethereum", RPCEndpoints: []string{srv.URL}, BlockTime: 12 * time.Second},
	}, 5*time.Second)

	block, err := client.GetLatestBlock(context.Background(), "ethereum")
	if err != nil {
		t.Fatalf("get latest block: %v", err)
	}
	if block.Number != 16 {
		t.Errorf("number = %d, want 16", block.Number)
	}
	if block.Network != "ethereum" {
		t.Errorf("network = %q", block.Network)
	}
	if block.Hash != "0xabc" {
		t.Errorf("hash = %q", block.Hash)
	}
}

func TestGetLatestBlockUnknownNetwork(t *testing.T) {
	client := NewRPCClient(nil, time.Second)
	_, err := client.GetLatestBlock(context.Background(), "nope")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGetBlockNullResultIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()

	client := NewRPCClient([]Network{
		{Name: "ethereum", RPCEndpoints: []string{srv.URL}},
	}, time.Second)

	_, err := client.GetBlock(context.Background(), "ethereum", 999999999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewRPCClient([]Network{
		{Name: "ethereum", RPCEndpoints: []string{srv.URL}},
	}, time.Second)

	_, err := client.GetLatestBlock(context.Background(), "ethereum")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestEndpointFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer bad.Close()
	good := blockRPCServer(t, "0x20", "0x68a0f0f0")
	defer good.Close()

	client := NewRPCClient([]Network{
		{Name: "ethereum", RPCEndpoints: []string{bad.URL, good.URL}},
	}, time.Second)

	block, err := client.GetLatestBlock(context.Background(), "ethereum")
	if err != nil {
		t.Fatalf("expected fallback to second endpoint, got %v", err)
	}
	if block.Number != 32 {
		t.Errorf("number = %d, want 32", block.Number)
	}
}

func TestBlockFromEndpoint(t *testing.T) {
	srv := blockRPCServer(t, "0x5", "0x68a0f0f0")
	defer srv.Close()

	client := NewRPCClient(nil, time.Second)
	block, err := client.BlockFromEndpoint(context.Background(), "ethereum", srv.URL)
	if err != nil {
		t.Fatalf("block from endpoint: %v", err)
	}
	if block.Number != 5 {
		t.Errorf("number = %d, want 5", block.Number)
	}
}

func TestGetTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result": map[string]string{
				"hash":        "0xdead",
				"from":        "0x1111111111111111111111111111111111111111",
				"to":          "0x2222222222222222222222222222222222222222",
				"value":       "0xde0b6b3a7640000", // 1 ether in wei
				"gasPrice":    "0x3b9aca00",        // 1 gwei
				"blockNumber": "0x64",
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewRPCClient([]Network{
		{Name: "ethereum", RPCEndpoints: []string{srv.URL}},
	}, time.Second)

	tx, err := client.GetTransaction(context.Background(), "ethereum", "0xdead")
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if tx.Value != 1.0 {
		t.Errorf("value = %v, want 1.0", tx.Value)
	}
	if tx.BlockNumber != 100 {
		t.Errorf("block number = %d, want 100", tx.BlockNumber)
	}
}

func TestWeiToNative(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0xde0b6b3a7640000", 1.0},
		{"0x0", 0},
		{"0x", 0},
		{"not-hex", 0},
	}
	for _, tt := range tests {
		if got := weiToNative(tt.in); got != tt.want {
			t.Errorf("weiToNative(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := NewHTTPProber(map[string]string{"0xval": srv.URL}, time.Second)

	online, elapsed, err := prober.Probe(context.Background(), "0xval")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !online {
		t.Error("expected online")
	}
	if elapsed <= 0 {
		t.Error("expected positive response time")
	}

	if _, _, err := prober.Probe(context.Background(), "0xunknown"); err == nil {
		t.Error("expected error for unknown validator")
	}
}
