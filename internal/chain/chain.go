// Package chain defines the collaborator capabilities the monitoring core
// consumes: chain access, signature verification, optional ML scoring, and the
// monitored-network catalog. Implementations live outside the core.
package chain

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors. ChainReader implementations must return ErrNotFound for a
// missing block or transaction and ErrUnavailable for transport failures, so
// the liveness monitor can tell a stalled chain from a flaky RPC endpoint.
var (
	ErrNotFound    = errors.New("chain: not found")
	ErrUnavailable = errors.New("chain: unavailable")
)

// Block is the subset of block data the core needs.
type Block struct {
	Network   string    `json:"network"`
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// Transaction is the subset of transaction data the attack matcher inspects.
type Transaction struct {
	Hash          string         `json:"hash" validate:"required,eth_hash"`
	Network       string         `json:"network" validate:"required,max=64"`
	BridgeAddress string         `json:"bridge_address" validate:"omitempty,eth_addr"`
	From          string         `json:"from" validate:"required,eth_addr"`
	To            string         `json:"to" validate:"omitempty,eth_addr"`
	Value         float64        `json:"value"` // native units
	GasPrice      float64        `json:"gas_price,omitempty"`
	BlockNumber   uint64         `json:"block_number"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SignatureAnalysis is the optional result of an external signature check,
// consumed by signature-category detection rules.
type SignatureAnalysis struct {
	Signature        string  `json:"signature"`
	Valid            bool    `json:"valid"`
	Reused           bool    `json:"reused"`
	StructurallyOK   bool    `json:"structurally_ok"`
	BypassIndicators int     `json:"bypass_indicators"`
	Confidence       float64 `json:"confidence"`
}

// ChainReader supplies blocks and transactions from monitored networks.
type ChainReader interface {
	GetLatestBlock(ctx context.Context, network string) (*Block, error)
	GetBlock(ctx context.Context, network string, number uint64) (*Block, error)
	GetTransaction(ctx context.Context, network string, hash string) (*Transaction, error)
}

// EndpointDialer fetches the latest block through one specific RPC endpoint.
// The liveness monitor uses it to try a network's endpoints in order; plain
// ChainReader users never need it.
type EndpointDialer interface {
	BlockFromEndpoint(ctx context.Context, network, endpoint string) (*Block, error)
}

// SignatureVerifier checks a signature against an expected signer. Used by
// attestation validation, not by the anomaly detector itself.
type SignatureVerifier interface {
	Verify(ctx context.Context, messageHash, signature, expectedAddress string) (bool, error)
}

// MLScorer is an optional anomaly scorer. When present its output is merged
// into the rule-based anomaly list; it never replaces rule-based checks.
type MLScorer interface {
	Score(ctx context.Context, features map[string]float64) (confidence float64, explanation string, err error)
}

// ValidatorProber reports liveness for a single validator. The liveness
// monitor polls it on its validator cadence.
type ValidatorProber interface {
	Probe(ctx context.Context, validatorAddress string) (online bool, responseTime time.Duration, err error)
}

// Network describes one monitored network from the catalog.
type Network struct {
	Name         string        `yaml:"name" json:"name"`
	RPCEndpoints []string      `yaml:"rpc_endpoints" json:"rpc_endpoints"`
	BlockTime    time.Duration `yaml:"block_time" json:"block_time"`
}
