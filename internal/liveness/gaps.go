package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bridge-sentinel/internal/schema"

	"github.com/google/uuid"
)

// gapSeverities maps each issue type onto the gap severity vocabulary.
var gapSeverities = map[schema.IssueType]schema.GapSeverity{
	schema.IssueRPCUnavailable:      schema.GapSeverityHigh,
	schema.IssueBlockStall:          schema.GapSeverityHigh,
	schema.IssueHighLatency:         schema.GapSeverityMedium,
	schema.IssueValidatorOffline:    schema.GapSeverityHigh,
	schema.IssueConsecutiveFailures: schema.GapSeverityMedium,
	schema.IssueLowUptime:           schema.GapSeverityMedium,
}

// openOrExtendGap ensures at most one open gap per (scope, issue). A repeat
// observation only advances the gap's duration. Callers hold m.mu.
func (m *Monitor) openOrExtendGap(ctx context.Context, scope schema.GapScope, issue schema.IssueType, now time.Time) {
	key := scope.Key(issue)
	if gap, ok := m.openGaps[key]; ok {
		gap.Duration = now.Sub(gap.StartedAt)
		return
	}

	severity := gapSeverities[issue]
	if severity == "" {
		severity = schema.GapSeverityMedium
	}
	gap := &schema.LivenessGap{
		ID:                 uuid.NewString(),
		Scope:              scope,
		Issue:              issue,
		StartedAt:          now,
		Duration:           0,
		Severity:           severity,
		Description:        fmt.Sprintf("%s %s: %s", scope.Kind, scope.Name, issue),
		AffectedComponents: []string{scope.Name},
	}
	m.openGaps[key] = gap
	m.gapsByID[gap.ID] = gap

	slog.Warn("liveness gap opened",
		"gap_id", gap.ID,
		"scope", scope.Kind,
		"name", scope.Name,
		"issue", issue,
		"severity", severity)

	handlers := m.handlers
	copied := *gap
	for _, handler := range handlers {
		go handler(ctx, &copied)
	}
}

// ResolveGap explicitly closes an open gap. Healthy polls never close gaps on
// their own; closure always goes through here.
func (m *Monitor) ResolveGap(gapID string, actions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gap, ok := m.gapsByID[gapID]
	if !ok || !gap.Open() {
		return fmt.Errorf("%w: %s", ErrGapNotFound, gapID)
	}

	now := time.Now().UTC()
	gap.EndedAt = &now
	gap.Duration = now.Sub(gap.StartedAt)
	gap.ResolutionActions = actions

	delete(m.openGaps, gap.Scope.Key(gap.Issue))
	delete(m.gapsByID, gapID)
	m.closedGaps.Add(now, *gap)

	slog.Info("liveness gap resolved",
		"gap_id", gapID,
		"duration", gap.Duration,
		"actions", len(actions))
	return nil
}

// OpenGaps returns copies of all currently open gaps.
func (m *Monitor) OpenGaps() []schema.LivenessGap {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]schema.LivenessGap, 0, len(m.openGaps))
	for _, gap := range m.openGaps {
		out = append(out, *gap)
	}
	return out
}

// GapsSince returns closed gaps that ended at or after cutoff.
func (m *Monitor) GapsSince(cutoff time.Time, limit int) []schema.LivenessGap {
	return m.closedGaps.Recent(cutoff, limit)
}

// HealthSummary aggregates current network and validator health.
type HealthSummary struct {
	NetworksTotal           int                 `json:"networks_total"`
	NetworksHealthy         int                 `json:"networks_healthy"`
	HealthyNetworksPercent  float64             `json:"healthy_networks_percent"`
	ValidatorsTotal         int                 `json:"validators_total"`
	ValidatorsOnline        int                 `json:"validators_online"`
	OnlineValidatorsPercent float64             `json:"online_validators_percent"`
	OpenGaps                int                 `json:"open_gaps"`
	Overall                 schema.HealthStatus `json:"overall"`
}

// Summary computes the current health rollup.
func (m *Monitor) Summary() HealthSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := HealthSummary{OpenGaps: len(m.openGaps)}

	for _, h := range m.networkHealth {
		s.NetworksTotal++
		if h.Status == schema.HealthHealthy {
			s.NetworksHealthy++
		}
	}
	for _, h := range m.validatorHealth {
		s.ValidatorsTotal++
		if h.Status != schema.HealthDown && h.Status != schema.HealthUnhealthy {
			s.ValidatorsOnline++
		}
	}

	s.HealthyNetworksPercent = percent(s.NetworksHealthy, s.NetworksTotal)
	s.OnlineValidatorsPercent = percent(s.ValidatorsOnline, s.ValidatorsTotal)
	s.Overall = rollupStatus(s)
	return s
}

func percent(part, total int) float64 {
	if total == 0 {
		return 100.0
	}
	return float64(part) / float64(total) * 100.0
}

func rollupStatus(s HealthSummary) schema.HealthStatus {
	if s.NetworksTotal == 0 && s.ValidatorsTotal == 0 {
		return schema.HealthUnknown
	}
	switch {
	case s.HealthyNetworksPercent < 50 || s.OnlineValidatorsPercent < 50:
		return schema.HealthUnhealthy
	case s.HealthyNetworksPercent < 90 || s.OnlineValidatorsPercent < 90 || s.OpenGaps > 0:
		return schema.HealthDegraded
	default:
		return schema.HealthHealthy
	}
}

// CombinedHealthPercent is the average of network and validator health
// percentages, used by the dashboard score.
func (m *Monitor) CombinedHealthPercent() float64 {
	s := m.Summary()
	return (s.HealthyNetworksPercent + s.OnlineValidatorsPercent) / 2.0
}

// Stats returns monitor statistics.
func (m *Monitor) Stats() map[string]interface{} {
	s := m.Summary()

	m.mu.RLock()
	handlerCount := len(m.handlers)
	m.mu.RUnlock()

	return map[string]interface{}{
		"networks_total":            s.NetworksTotal,
		"networks_healthy":          s.NetworksHealthy,
		"healthy_networks_percent":  s.HealthyNetworksPercent,
		"validators_total":          s.ValidatorsTotal,
		"validators_online":         s.ValidatorsOnline,
		"online_validators_percent": s.OnlineValidatorsPercent,
		"open_gaps":                 s.OpenGaps,
		"closed_gaps_retained":      m.closedGaps.Len(),
		"overall":                   string(s.Overall),
		"handler_count":             handlerCount,
	}
}
