package liveness

import (
	"context"
	"errors"
	"testing"
	"time"

	"bridge-sentinel/internal/chain"
	"bridge-sentinel/internal/schema"
)

type fakeReader struct {
	err    error
	height uint64
	age    time.Duration // how far behind the latest block timestamp is
}

func (f *fakeReader) GetLatestBlock(_ context.Context, network string) (*chain.Block, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &chain.Block{
		Network:   network,
		Number:    f.height,
		Hash:      "0x" + "00",
		Timestamp: time.Now().UTC().Add(-f.age),
	}, nil
}

func (f *fakeReader) GetBlock(ctx context.Context, network string, _ uint64) (*chain.Block, error) {
	return f.GetLatestBlock(ctx, network)
}

func (f *fakeReader) GetTransaction(context.Context, string, string) (*chain.Transaction, error) {
	return nil, chain.ErrNotFound
}

type fakeProber struct {
	online       bool
	responseTime time.Duration
	err          error
}

func (f *fakeProber) Probe(context.Context, string) (bool, time.Duration, error) {
	return f.online, f.responseTime, f.err
}

func testNetworks() []chain.Network {
	return []chain.Network{
		{Name: "ethereum", BlockTime: 12 * time.Second},
		{Name: "polygon", BlockTime: 2 * time.Second},
	}
}

func TestHealthyNetworkScoresFull(t *testing.T) {
	reader := &fakeReader{height: 100, age: time.Second}
	m := NewMonitor(DefaultMonitorConfig(), testNetworks(), nil, reader, nil, &fakeProber{online: true})

	m.pollNetworks(context.Background())

	h, ok := m.NetworkHealth("ethereum")
	if !ok {
		t.Fatal("no health snapshot recorded")
	}
	if h.Status != schema.HealthHealthy {
		t.Errorf("status = %s, want healthy", h.Status)
	}
	if h.HealthScore != 1.0 {
		t.Errorf("score = %v, want 1.0", h.HealthScore)
	}
	if h.BlockHeight != 100 {
		t.Errorf("block height = %d, want 100", h.BlockHeight)
	}
}

func TestUnavailableNetworkPenalized(t *testing.T) {
	reader := &fakeReader{err: chain.ErrUnavailable}
	m := NewMonitor(DefaultMonitorConfig(), testNetworks(), nil, reader, nil, &fakeProber{online: true})

	m.pollNetworks(context.Background())

	h, _ := m.NetworkHealth("ethereum")
	if h.Status != schema.HealthDown {
		t.Errorf("status = %s, want down", h.Status)
	}
	if h.HealthScore != 0.5 {
		t.Errorf("score = %v, want 0.5", h.HealthScore)
	}
	if len(h.Issues) != 1 || h.Issues[0] != schema.IssueRPCUnavailable {
		t.Errorf("issues = %v, want [rpc_unavailable]", h.Issues)
	}
}

func TestStalledNetworkPenalized(t *testing.T) {
	// 12s block time, 5x multiplier: anything older than 60s is a stall.
	reader := &fakeReader{height: 100, age: 2 * time.Minute}
	m := NewMonitor(DefaultMonitorConfig(), testNetworks(), nil, reader, nil, &fakeProber{online: true})

	m.pollNetworks(context.Background())

	h, _ := m.NetworkHealth("ethereum")
	if len(h.Issues) == 0 || h.Issues[0] != schema.IssueBlockStall {
		t.Fatalf("issues = %v, want [block_stall]", h.Issues)
	}
	if h.HealthScore != 0.6 {
		t.Errorf("score = %v, want 0.6", h.HealthScore)
	}
	if h.Status != schema.HealthDegraded {
		t.Errorf("status = %s, want degraded", h.Status)
	}
}

func TestHighLatencyPenalized(t *testing.T) {
	m := NewMonitor(DefaultMonitorConfig(), testNetworks(), nil, &fakeReader{}, nil, &fakeProber{})
	net := &chain.Network{Name: "ethereum", BlockTime: 12 * time.Second}
	block := &chain.Block{Network: "ethereum", Number: 1, Timestamp: time.Now().UTC()}

	h := m.scoreNetwork(net, block, "", 6*time.Second, nil, time.Now().UTC())

	found := false
	for _, issue := range h.Issues {
		if issue == schema.IssueHighLatency {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues = %v, want high_latency", h.Issues)
	}
	if h.HealthScore != 0.5 {
		t.Errorf("score = %v, want 0.5", h.HealthScore)
	}
}

func TestGapDeduplication(t *testing.T) {
	reader := &fakeReader{err: chain.ErrUnavailable}
	m := NewMonitor(DefaultMonitorConfig(), testNetworks()[:1], nil, reader, nil, &fakeProber{online: true})
	ctx := context.Background()

	var durations []time.Duration
	for i := 0; i < 5; i++ {
		m.pollNetworks(ctx)
		gaps := m.OpenGaps()
		if len(gaps) != 1 {
			t.Fatalf("after poll %d: open gaps = %d, want exactly 1", i+1, len(gaps))
		}
		durations = append(durations, gaps[0].Duration)
		time.Sleep(time.Millisecond)
	}

	for i := 1; i < len(durations); i++ {
		if durations[i] < durations[i-1] {
			t.Errorf("gap duration shrank: %v then %v", durations[i-1], durations[i])
		}
	}
	if durations[4] <= durations[0] {
		t.Errorf("gap duration did not grow: %v", durations)
	}
}

func TestHealthyPollDoesNotCloseGap(t *testing.T) {
	reader := &fakeReader{err: chain.ErrUnavailable}
	m := NewMonitor(DefaultMonitorConfig(), testNetworks()[:1], nil, reader, nil, &fakeProber{online: true})
	ctx := context.Background()

	m.pollNetworks(ctx)
	if len(m.OpenGaps()) != 1 {
		t.Fatal("gap not opened")
	}

	reader.err = nil
	reader.height = 10
	reader.age = time.Second
	m.pollNetworks(ctx)

	if len(m.OpenGaps()) != 1 {
		t.Error("healthy poll implicitly closed the gap")
	}
}

func TestResolveGap(t *testing.T) {
	reader := &fakeReader{err: chain.ErrUnavailable}
	m := NewMonitor(DefaultMonitorConfig(), testNetworks()[:1], nil, reader, nil, &fakeProber{online: true})
	ctx := context.Background()

	m.pollNetworks(ctx)
	gaps := m.OpenGaps()
	if len(gaps) != 1 {
		t.Fatal("gap not opened")
	}

	if err := m.ResolveGap(gaps[0].ID, []string{"endpoint restored"}); err != nil {
		t.Fatalf("ResolveGap() error = %v", err)
	}
	if len(m.OpenGaps()) != 0 {
		t.Error("gap still open after resolution")
	}

	closed := m.GapsSince(time.Time{}, 0)
	if len(closed) != 1 {
		t.Fatalf("closed gaps = %d, want 1", len(closed))
	}
	if closed[0].EndedAt == nil {
		t.Error("closed gap has no end time")
	}

	if err := m.ResolveGap(gaps[0].ID, nil); !errors.Is(err, ErrGapNotFound) {
		t.Errorf("second resolve error = %v, want ErrGapNotFound", err)
	}
	if err := m.ResolveGap("missing", nil); !errors.Is(err, ErrGapNotFound) {
		t.Errorf("unknown id error = %v, want ErrGapNotFound", err)
	}
}

func TestGapReopensAfterResolution(t *testing.T) {
	reader := &fakeReader{err: chain.ErrUnavailable}
	m := NewMonitor(DefaultMonitorConfig(), testNetworks()[:1], nil, reader, nil, &fakeProber{online: true})
	ctx := context.Background()

	m.pollNetworks(ctx)
	first := m.OpenGaps()[0]
	if err := m.ResolveGap(first.ID, nil); err != nil {
		t.Fatalf("ResolveGap() error = %v", err)
	}

	m.pollNetworks(ctx)
	gaps := m.OpenGaps()
	if len(gaps) != 1 {
		t.Fatalf("open gaps = %d, want 1 new gap", len(gaps))
	}
	if gaps[0].ID == first.ID {
		t.Error("resolved gap was reused instead of opening a new one")
	}
}

func TestValidatorOfflineScoring(t *testing.T) {
	addr := "0x00000000000000000000000000000000000000cc"
	m := NewMonitor(DefaultMonitorConfig(), nil, []string{addr}, &fakeReader{}, nil, &fakeProber{online: false})
	ctx := context.Background()

	// Four failed probes push consecutive failures past the limit of 3.
	for i := 0; i < 4; i++ {
		m.pollValidators(ctx)
	}

	h, ok := m.ValidatorHealth(addr)
	if !ok {
		t.Fatal("no validator snapshot")
	}
	if h.Status != schema.HealthDown {
		t.Errorf("status = %s, want down", h.Status)
	}
	if h.ConsecutiveFailures != 4 {
		t.Errorf("consecutive failures = %d, want 4", h.ConsecutiveFailures)
	}

	wantScore := 1.0 - 0.5 - 0.3
	if diff := h.HealthScore - wantScore; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want %v", h.HealthScore, wantScore)
	}
}

func TestValidatorRecoveryResetsFailures(t *testing.T) {
	addr := "0x00000000000000000000000000000000000000cc"
	prober := &fakeProber{online: false}
	m := NewMonitor(DefaultMonitorConfig(), nil, []string{addr}, &fakeReader{}, nil, prober)
	ctx := context.Background()

	m.pollValidators(ctx)
	m.pollValidators(ctx)

	prober.online = true
	prober.responseTime = 100 * time.Millisecond
	m.pollValidators(ctx)

	h, _ := m.ValidatorHealth(addr)
	if h.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after recovery", h.ConsecutiveFailures)
	}
	if h.Status == schema.HealthDown {
		t.Errorf("status = %s, want online", h.Status)
	}
}

func TestProberErrorTreatedAsOffline(t *testing.T) {
	addr := "0x00000000000000000000000000000000000000cc"
	m := NewMonitor(DefaultMonitorConfig(), nil, []string{addr}, &fakeReader{}, nil, &fakeProber{err: errors.New("timeout")})

	m.pollValidators(context.Background())

	h, _ := m.ValidatorHealth(addr)
	if h.Status != schema.HealthDown {
		t.Errorf("status = %s, want down", h.Status)
	}
}

func TestSummaryPercentagesExact(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		reader := &fakeReader{height: 1, age: time.Second}
		m := NewMonitor(DefaultMonitorConfig(), testNetworks(), nil, reader, nil, &fakeProber{online: true})
		m.pollNetworks(context.Background())

		s := m.Summary()
		if s.HealthyNetworksPercent != 100.0 {
			t.Errorf("healthy percent = %v, want exactly 100", s.HealthyNetworksPercent)
		}
	})

	t.Run("all unhealthy", func(t *testing.T) {
		reader := &fakeReader{err: chain.ErrUnavailable}
		m := NewMonitor(DefaultMonitorConfig(), testNetworks(), nil, reader, nil, &fakeProber{online: true})
		m.pollNetworks(context.Background())

		s := m.Summary()
		if s.HealthyNetworksPercent != 0.0 {
			t.Errorf("healthy percent = %v, want exactly 0", s.HealthyNetworksPercent)
		}
		if s.Overall != schema.HealthUnhealthy {
			t.Errorf("overall = %s, want unhealthy", s.Overall)
		}
	})
}

type fakeDialer struct {
	failFirst int
	calls     int
}

func (f *fakeDialer) BlockFromEndpoint(_ context.Context, network, _ string) (*chain.Block, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return nil, chain.ErrUnavailable
	}
	return &chain.Block{Network: network, Number: 5, Timestamp: time.Now().UTC()}, nil
}

func TestEndpointsTriedInOrder(t *testing.T) {
	networks := []chain.Network{{
		Name:         "ethereum",
		RPCEndpoints: []string{"https://rpc-a", "https://rpc-b", "https://rpc-c"},
		BlockTime:    12 * time.Second,
	}}
	dialer := &fakeDialer{failFirst: 1}
	m := NewMonitor(DefaultMonitorConfig(), networks, nil, &fakeReader{}, dialer, &fakeProber{online: true})

	m.pollNetworks(context.Background())

	if dialer.calls != 2 {
		t.Errorf("dialer calls = %d, want 2 (early exit on first success)", dialer.calls)
	}
	h, _ := m.NetworkHealth("ethereum")
	if h.Endpoint != "https://rpc-b" {
		t.Errorf("endpoint = %s, want https://rpc-b", h.Endpoint)
	}
	if h.Status != schema.HealthHealthy {
		t.Errorf("status = %s, want healthy", h.Status)
	}
}
