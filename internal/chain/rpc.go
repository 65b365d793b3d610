package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RPCClient reads blocks and transactions over Ethereum-style JSON-RPC. It
// implements ChainReader and EndpointDialer. ChainReader calls try the
// network's endpoints in order and return the first success.
type RPCClient struct {
	httpClient *http.Client
	endpoints  map[string][]string // network name -> RPC endpoints
}

// NewRPCClient creates an RPCClient for the given network catalog.
func NewRPCClient(networks []Network, timeout time.Duration) *RPCClient {
	endpoints := make(map[string][]string, len(networks))
	for _, n := range networks {
		endpoints[n.Name] = append([]string(nil), n.RPCEndpoints...)
	}
	return &RPCClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoints:  endpoints,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcBlock struct {
	Number    string `json:"number"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

type rpcTransaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	GasPrice    string `json:"gasPrice"`
	BlockNumber string `json:"blockNumber"`
}

// GetLatestBlock returns the head block of the network.
func (c *RPCClient) GetLatestBlock(ctx context.Context, network string) (*Block, error) {
	return c.blockByTag(ctx, network, "latest")
}

// GetBlock returns the block at the given height.
func (c *RPCClient) GetBlock(ctx context.Context, network string, number uint64) (*Block, error) {
	return c.blockByTag(ctx, network, "0x"+strconv.FormatUint(number, 16))
}

func (c *RPCClient) blockByTag(ctx context.Context, network, tag string) (*Block, error) {
	eps, ok := c.endpoints[network]
	if !ok || len(eps) == 0 {
		return nil, fmt.Errorf("%w: unknown network %q", ErrUnavailable, network)
	}

	var lastErr error
	for _, endpoint := range eps {
		block, err := c.blockFromEndpoint(ctx, network, endpoint, tag)
		if err == nil {
			return block, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// BlockFromEndpoint fetches the latest block through one specific endpoint.
func (c *RPCClient) BlockFromEndpoint(ctx context.Context, network, endpoint string) (*Block, error) {
	return c.blockFromEndpoint(ctx, network, endpoint, "latest")
}

func (c *RPCClient) blockFromEndpoint(ctx context.Context, network, endpoint, tag string) (*Block, error) {
	var raw rpcBlock
	found, err := c.call(ctx, endpoint, "eth_getBlockByNumber", []any{tag, false}, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: block %s on %s", ErrNotFound, tag, network)
	}

	number, err := parseHexUint(raw.Number)
	if err != nil {
		return nil, fmt.Errorf("%w: bad block number %q", ErrUnavailable, raw.Number)
	}
	ts, err := parseHexUint(raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad block timestamp %q", ErrUnavailable, raw.Timestamp)
	}

	return &Block{
		Network:   network,
		Number:    number,
		Hash:      raw.Hash,
		Timestamp: time.Unix(int64(ts), 0).UTC(),
	}, nil
}

// GetTransaction returns the transaction with the given hash.
func (c *RPCClient) GetTransaction(ctx context.Context, network, hash string) (*Transaction, error) {
	eps, ok := c.endpoints[network]
	if !ok || len(eps) == 0 {
		return nil, fmt.Errorf("%w: unknown network %q", ErrUnavailable, network)
	}

	var lastErr error
	for _, endpoint := range eps {
		var raw rpcTransaction
		found, err := c.call(ctx, endpoint, "eth_getTransactionByHash", []any{hash}, &raw)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !found {
			return nil, fmt.Errorf("%w: tx %s on %s", ErrNotFound, hash, network)
		}

		blockNumber, _ := parseHexUint(raw.BlockNumber)
		return &Transaction{
			Hash:        raw.Hash,
			Network:     network,
			From:        raw.From,
			To:          raw.To,
			Value:       weiToNative(raw.Value),
			GasPrice:    weiToNative(raw.GasPrice) * 1e9, // gwei
			BlockNumber: blockNumber,
			Timestamp:   time.Now().UTC(),
		}, nil
	}
	return nil, lastErr
}

// call performs one JSON-RPC request. It returns found=false when the node
// answered with a null result, and wraps transport failures in ErrUnavailable.
func (c *RPCClient) call(ctx context.Context, endpoint, method string, params []any, out any) (found bool, err error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: %s returned %d", ErrUnavailable, endpoint, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if rpcResp.Error != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, rpcResp.Error)
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return false, nil
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

// weiToNative converts a hex wei quantity to native units.
func weiToNative(hexWei string) float64 {
	trimmed := strings.TrimPrefix(hexWei, "0x")
	if trimmed == "" {
		return 0
	}
	wei, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return f
}

// HTTPProber probes validator liveness over HTTP. The validator catalog maps
// each validator address to a health endpoint.
type HTTPProber struct {
	httpClient *http.Client
	endpoints  map[string]string // validator address -> health URL
}

// NewHTTPProber creates an HTTPProber.
func NewHTTPProber(endpoints map[string]string, timeout time.Duration) *HTTPProber {
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &HTTPProber{
		httpClient: &http.Client{Timeout: timeout},
		endpoints:  eps,
	}
}

// Probe reports whether the validator's health endpoint answers.
func (p *HTTPProber) Probe(ctx context.Context, validatorAddress string) (bool, time.Duration, error) {
	url, ok := p.endpoints[validatorAddress]
	if !ok {
		return false, 0, fmt.Errorf("no health endpoint for validator %s", validatorAddress)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0, err
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return false, elapsed, err
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, elapsed, nil
}
