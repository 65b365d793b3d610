package schema

import (
	"fmt"
	"time"
)

// HealthStatus is the liveness state machine shared by networks and
// validators: unknown -> healthy <-> degraded <-> unhealthy/down.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDown      HealthStatus = "down"
)

// IsValid checks if the status is a known value.
func (s HealthStatus) IsValid() bool {
	switch s {
	case HealthUnknown, HealthHealthy, HealthDegraded, HealthUnhealthy, HealthDown:
		return true
	}
	return false
}

// IssueType categorizes health issues observed by the liveness monitor.
type IssueType string

const (
	IssueRPCUnavailable      IssueType = "rpc_unavailable"
	IssueBlockStall          IssueType = "block_stall"
	IssueHighLatency         IssueType = "high_latency"
	IssueValidatorOffline    IssueType = "validator_offline"
	IssueConsecutiveFailures IssueType = "consecutive_failures"
	IssueLowUptime           IssueType = "low_uptime"
)

// NetworkHealth is a point-in-time health snapshot for one network.
// Recomputed on every poll; only the latest plus a bounded history are kept.
type NetworkHealth struct {
	Network             string        `json:"network"`
	Status              HealthStatus  `json:"status"`
	HealthScore         float64       `json:"health_score"` // 0.0 to 1.0
	BlockHeight         uint64        `json:"block_height"`
	BlockTimestamp      time.Time     `json:"block_timestamp"`
	ResponseTime        time.Duration `json:"response_time"`
	Endpoint            string        `json:"endpoint,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Issues              []IssueType   `json:"issues,omitempty"`
	CheckedAt           time.Time     `json:"checked_at"`
}

// ValidatorLiveness is a point-in-time health snapshot for one validator.
type ValidatorLiveness struct {
	ValidatorAddress    string        `json:"validator_address"`
	Status              HealthStatus  `json:"status"`
	HealthScore         float64       `json:"health_score"` // 0.0 to 1.0
	ResponseTimeEMA     time.Duration `json:"response_time_ema"`
	UptimePercent       float64       `json:"uptime_percent"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Issues              []IssueType   `json:"issues,omitempty"`
	CheckedAt           time.Time     `json:"checked_at"`
}

// GapScopeKind distinguishes network gaps from validator gaps.
type GapScopeKind string

const (
	ScopeNetwork   GapScopeKind = "network"
	ScopeValidator GapScopeKind = "validator"
)

// GapScope identifies the subject of a liveness gap.
type GapScope struct {
	Kind GapScopeKind `json:"kind"`
	Name string       `json:"name"` // network name or validator address
}

// Key returns the de-duplication key for (scope, issue) gap tracking.
func (s GapScope) Key(issue IssueType) string {
	return fmt.Sprintf("%s|%s|%s", s.Kind, s.Name, issue)
}

// GapSeverity is the severity vocabulary of the liveness monitor.
type GapSeverity string

const (
	GapSeverityLow      GapSeverity = "low"
	GapSeverityMedium   GapSeverity = "medium"
	GapSeverityHigh     GapSeverity = "high"
	GapSeverityCritical GapSeverity = "critical"
)

// LivenessGap is an open-ended incident: a continuous interval during which a
// scope failed health checks. At most one open gap exists per (scope, issue);
// repeated unhealthy observations extend the gap, never duplicate it. Closure
// is always explicit, never implicit from a healthy poll.
type LivenessGap struct {
	ID                 string        `json:"id"`
	Scope              GapScope      `json:"scope"`
	Issue              IssueType     `json:"issue"`
	StartedAt          time.Time     `json:"started_at"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"` // nil while ongoing
	Duration           time.Duration `json:"duration"`
	Severity           GapSeverity   `json:"severity"`
	Description        string        `json:"description"`
	AffectedComponents []string      `json:"affected_components,omitempty"`
	ResolutionActions  []string      `json:"resolution_actions,omitempty"`
}

// Open reports whether the gap is still ongoing.
func (g *LivenessGap) Open() bool {
	return g.EndedAt == nil
}
