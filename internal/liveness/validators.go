package liveness

import (
	"context"
	"log/slog"
	"time"

	"bridge-sentinel/internal/schema"
)

func (m *Monitor) pollValidators(ctx context.Context) {
	for _, addr := range m.validators {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}
		m.pollValidator(ctx, addr)
	}
}

// pollValidator probes one validator and scores its liveness.
func (m *Monitor) pollValidator(ctx context.Context, addr string) {
	now := time.Now().UTC()

	probeCtx, cancel := context.WithTimeout(ctx, m.config.PollTimeout)
	online, responseTime, err := m.prober.Probe(probeCtx, addr)
	cancel()
	if err != nil {
		online = false
	}

	m.mu.Lock()
	st := m.validatorState[addr]
	if st == nil {
		st = &validatorState{}
		m.validatorState[addr] = st
	}

	if online {
		st.consecutiveFailures = 0
		if st.emaResponse == 0 {
			st.emaResponse = responseTime
		} else {
			alpha := m.config.ResponseEMAAlpha
			st.emaResponse = time.Duration(alpha*float64(responseTime) + (1-alpha)*float64(st.emaResponse))
		}
	} else {
		st.consecutiveFailures++
	}
	st.samples = append(st.samples, online)
	if len(st.samples) > m.config.UptimeSamples {
		st.samples = st.samples[len(st.samples)-m.config.UptimeSamples:]
	}

	health := m.scoreValidator(addr, st, online, now)
	m.validatorHealth[addr] = health
	for _, issue := range health.Issues {
		m.openOrExtendGap(ctx, schema.GapScope{Kind: schema.ScopeValidator, Name: addr}, issue, now)
	}
	m.mu.Unlock()

	m.validatorHistory.Add(now, *health)

	if health.Status != schema.HealthHealthy {
		slog.Warn("validator unhealthy",
			"validator", addr,
			"status", health.Status,
			"score", health.HealthScore,
			"issues", health.Issues,
			"error", err)
	}
}

// scoreValidator applies the fixed penalty weights. Callers hold m.mu.
func (m *Monitor) scoreValidator(addr string, st *validatorState, online bool, now time.Time) *schema.ValidatorLiveness {
	health := &schema.ValidatorLiveness{
		ValidatorAddress:    addr,
		HealthScore:         1.0,
		ResponseTimeEMA:     st.emaResponse,
		UptimePercent:       uptimePercent(st.samples),
		ConsecutiveFailures: st.consecutiveFailures,
		CheckedAt:           now,
	}

	if !online {
		health.Issues = append(health.Issues, schema.IssueValidatorOffline)
		health.HealthScore -= 0.5
	}
	if st.consecutiveFailures > m.config.MaxConsecFailures {
		health.Issues = append(health.Issues, schema.IssueConsecutiveFailures)
		health.HealthScore -= 0.3
	}
	if len(st.samples) >= m.config.MinUptimeSamples && health.UptimePercent < m.config.UptimeThreshold {
		health.Issues = append(health.Issues, schema.IssueLowUptime)
		health.HealthScore -= 0.2
	}
	if st.emaResponse > m.config.LatencyThreshold {
		health.Issues = append(health.Issues, schema.IssueHighLatency)
		health.HealthScore -= 0.1
	}

	if health.HealthScore < 0 {
		health.HealthScore = 0
	}
	if !online {
		health.Status = schema.HealthDown
	} else {
		health.Status = statusForScore(health.HealthScore)
	}
	return health
}

func uptimePercent(samples []bool) float64 {
	if len(samples) == 0 {
		return 100.0
	}
	up := 0
	for _, ok := range samples {
		if ok {
			up++
		}
	}
	return float64(up) / float64(len(samples)) * 100.0
}

// ValidatorHealth returns the latest snapshot for a validator.
func (m *Monitor) ValidatorHealth(addr string) (*schema.ValidatorLiveness, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.validatorHealth[addr]
	if !ok {
		return nil, false
	}
	copied := *h
	return &copied, true
}

// ValidatorHistory returns historical validator snapshots at or after cutoff.
func (m *Monitor) ValidatorHistory(cutoff time.Time, limit int) []schema.ValidatorLiveness {
	return m.validatorHistory.Recent(cutoff, limit)
}
