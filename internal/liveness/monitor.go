// Package liveness continuously scores the health of monitored networks and
// validators and tracks liveness gaps. Polling is driven by two independent
// loops; nothing in this package reacts to external events.
package liveness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bridge-sentinel/internal/chain"
	"bridge-sentinel/internal/queue"
	"bridge-sentinel/internal/schema"
)

// ErrGapNotFound is returned when resolving an unknown gap id.
var ErrGapNotFound = errors.New("liveness gap not found")

// GapHandler is called when a new gap opens. Handlers run in their own
// goroutine so a slow consumer cannot stall a poll cycle.
type GapHandler func(context.Context, *schema.LivenessGap)

// MonitorConfig configures the liveness monitor.
type MonitorConfig struct {
	NetworkPollInterval   time.Duration `yaml:"network_poll_interval"`
	ValidatorPollInterval time.Duration `yaml:"validator_poll_interval"`
	PollTimeout           time.Duration `yaml:"poll_timeout"`

	LatencyThreshold     time.Duration `yaml:"latency_threshold"`
	BlockStallMultiplier float64       `yaml:"block_stall_multiplier"`

	ResponseEMAAlpha  float64 `yaml:"response_ema_alpha"`
	UptimeSamples     int     `yaml:"uptime_samples"`
	MinUptimeSamples  int     `yaml:"min_uptime_samples"`
	UptimeThreshold   float64 `yaml:"uptime_threshold"`
	MaxConsecFailures int     `yaml:"max_consecutive_failures"`

	HistorySize int `yaml:"history_size"`
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		NetworkPollInterval:   30 * time.Second,
		ValidatorPollInterval: 60 * time.Second,
		PollTimeout:           10 * time.Second,
		LatencyThreshold:      5 * time.Second,
		BlockStallMultiplier:  5.0,
		ResponseEMAAlpha:      0.3,
		UptimeSamples:         100,
		MinUptimeSamples:      10,
		UptimeThreshold:       95.0,
		MaxConsecFailures:     3,
		HistorySize:           5000,
	}
}

// validatorState holds the rolling probe bookkeeping for one validator.
type validatorState struct {
	consecutiveFailures int
	emaResponse         time.Duration
	samples             []bool // probe outcomes, newest last
}

// Monitor polls networks and validators and maintains health state and gaps.
type Monitor struct {
	config     MonitorConfig
	networks   []chain.Network
	validators []string
	reader     chain.ChainReader
	dialer     chain.EndpointDialer // optional
	prober     chain.ValidatorProber

	mu              sync.RWMutex
	networkHealth   map[string]*schema.NetworkHealth
	validatorHealth map[string]*schema.ValidatorLiveness
	networkFails    map[string]int
	validatorState  map[string]*validatorState
	openGaps        map[string]*schema.LivenessGap // keyed by scope|issue
	gapsByID        map[string]*schema.LivenessGap
	handlers        []GapHandler

	networkHistory   *queue.History[schema.NetworkHealth]
	validatorHistory *queue.History[schema.ValidatorLiveness]
	closedGaps       *queue.History[schema.LivenessGap]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor over the given network catalog and validator
// set. dialer may be nil; the monitor then polls through reader alone.
func NewMonitor(config MonitorConfig, networks []chain.Network, validators []string, reader chain.ChainReader, dialer chain.EndpointDialer, prober chain.ValidatorProber) *Monitor {
	return &Monitor{
		config:           config,
		networks:         networks,
		validators:       validators,
		reader:           reader,
		dialer:           dialer,
		prober:           prober,
		networkHealth:    make(map[string]*schema.NetworkHealth),
		validatorHealth:  make(map[string]*schema.ValidatorLiveness),
		networkFails:     make(map[string]int),
		validatorState:   make(map[string]*validatorState),
		openGaps:         make(map[string]*schema.LivenessGap),
		gapsByID:         make(map[string]*schema.LivenessGap),
		networkHistory:   queue.NewHistory[schema.NetworkHealth](config.HistorySize),
		validatorHistory: queue.NewHistory[schema.ValidatorLiveness](config.HistorySize),
		closedGaps:       queue.NewHistory[schema.LivenessGap](config.HistorySize),
		stopCh:           make(chan struct{}),
	}
}

// AddHandler registers a gap handler.
func (m *Monitor) AddHandler(handler GapHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Start launches the network and validator poll loops.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.networkLoop(ctx)
	go m.validatorLoop(ctx)
	slog.Info("liveness monitor started",
		"networks", len(m.networks),
		"validators", len(m.validators),
		"network_interval", m.config.NetworkPollInterval,
		"validator_interval", m.config.ValidatorPollInterval)
}

// Stop stops both loops and waits for them to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	slog.Info("liveness monitor stopped")
}

func (m *Monitor) networkLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.NetworkPollInterval)
	defer ticker.Stop()

	m.pollNetworks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollNetworks(ctx)
		}
	}
}

func (m *Monitor) validatorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ValidatorPollInterval)
	defer ticker.Stop()

	m.pollValidators(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollValidators(ctx)
		}
	}
}

func (m *Monitor) pollNetworks(ctx context.Context) {
	for i := range m.networks {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}
		m.pollNetwork(ctx, &m.networks[i])
	}
}

// pollNetwork fetches the latest block for one network, tries endpoints in
// order with early exit on first success, then scores and records health.
func (m *Monitor) pollNetwork(ctx context.Context, net *chain.Network) {
	now := time.Now().UTC()

	var block *chain.Block
	var endpoint string
	var responseTime time.Duration
	var lastErr error

	if m.dialer != nil && len(net.RPCEndpoints) > 0 {
		for _, ep := range net.RPCEndpoints {
			pollCtx, cancel := context.WithTimeout(ctx, m.config.PollTimeout)
			start := time.Now()
			b, err := m.dialer.BlockFromEndpoint(pollCtx, net.Name, ep)
			cancel()
			if err == nil {
				block = b
				endpoint = ep
				responseTime = time.Since(start)
				break
			}
			lastErr = err
		}
	} else {
		pollCtx, cancel := context.WithTimeout(ctx, m.config.PollTimeout)
		start := time.Now()
		b, err := m.reader.GetLatestBlock(pollCtx, net.Name)
		cancel()
		if err == nil {
			block = b
			responseTime = time.Since(start)
		} else {
			lastErr = err
		}
	}

	health := m.scoreNetwork(net, block, endpoint, responseTime, lastErr, now)

	m.mu.Lock()
	m.networkHealth[net.Name] = health
	for _, issue := range health.Issues {
		m.openOrExtendGap(ctx, schema.GapScope{Kind: schema.ScopeNetwork, Name: net.Name}, issue, now)
	}
	m.mu.Unlock()

	m.networkHistory.Add(now, *health)

	if health.Status != schema.HealthHealthy {
		slog.Warn("network unhealthy",
			"network", net.Name,
			"status", health.Status,
			"score", health.HealthScore,
			"issues", health.Issues,
			"error", lastErr)
	}
}

// scoreNetwork classifies issues and applies the fixed penalty weights.
func (m *Monitor) scoreNetwork(net *chain.Network, block *chain.Block, endpoint string, responseTime time.Duration, pollErr error, now time.Time) *schema.NetworkHealth {
	health := &schema.NetworkHealth{
		Network:      net.Name,
		HealthScore:  1.0,
		ResponseTime: responseTime,
		Endpoint:     endpoint,
		CheckedAt:    now,
	}

	m.mu.Lock()
	if block == nil {
		m.networkFails[net.Name]++
	} else {
		m.networkFails[net.Name] = 0
	}
	health.ConsecutiveFailures = m.networkFails[net.Name]
	m.mu.Unlock()

	if block == nil {
		health.Issues = append(health.Issues, schema.IssueRPCUnavailable)
		health.HealthScore -= 0.5
		health.Status = schema.HealthDown
		_ = pollErr
	} else {
		health.BlockHeight = block.Number
		health.BlockTimestamp = block.Timestamp

		if net.BlockTime > 0 {
			stallLimit := time.Duration(float64(net.BlockTime) * m.config.BlockStallMultiplier)
			if now.Sub(block.Timestamp) > stallLimit {
				health.Issues = append(health.Issues, schema.IssueBlockStall)
				health.HealthScore -= 0.4
			}
		}
		if responseTime > m.config.LatencyThreshold {
			health.Issues = append(health.Issues, schema.IssueHighLatency)
			// Base deduction for exceeding the threshold plus the
			// high-latency issue weight.
			health.HealthScore -= 0.2
			health.HealthScore -= 0.3
		}
		health.Status = statusForScore(health.HealthScore)
	}

	if health.HealthScore < 0 {
		health.HealthScore = 0
	}
	return health
}

func statusForScore(score float64) schema.HealthStatus {
	switch {
	case score >= 0.9:
		return schema.HealthHealthy
	case score >= 0.6:
		return schema.HealthDegraded
	default:
		return schema.HealthUnhealthy
	}
}

// NetworkHealth returns the latest snapshot for a network.
func (m *Monitor) NetworkHealth(network string) (*schema.NetworkHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.networkHealth[network]
	if !ok {
		return nil, false
	}
	copied := *h
	return &copied, true
}

// NetworkHistory returns historical network snapshots at or after cutoff.
func (m *Monitor) NetworkHistory(cutoff time.Time, limit int) []schema.NetworkHealth {
	return m.networkHistory.Recent(cutoff, limit)
}
