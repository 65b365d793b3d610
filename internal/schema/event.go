// Package schema defines the shared vocabulary for bridge-sentinel: attestations,
// anomalies, attack detections, health records, liveness gaps, security events
// and alerts. Every detector emits these types; the orchestrator consumes them.
package schema

import (
	"time"
)

// EventType categorizes security events by their originating detector.
type EventType string

const (
	EventAttestationAnomaly EventType = "attestation_anomaly"
	EventAttackDetected     EventType = "attack_detected"
	EventLivenessGap        EventType = "liveness_gap"
	EventBridgeCompromise   EventType = "bridge_compromise"
)

// EventSeverity is the shared five-level severity scale all detector
// vocabularies are translated onto.
type EventSeverity string

const (
	EventSeverityInfo     EventSeverity = "info"
	EventSeverityLow      EventSeverity = "low"
	EventSeverityMedium   EventSeverity = "medium"
	EventSeverityHigh     EventSeverity = "high"
	EventSeverityCritical EventSeverity = "critical"
)

// IsValid checks if the severity is a known value.
func (s EventSeverity) IsValid() bool {
	switch s {
	case EventSeverityInfo, EventSeverityLow, EventSeverityMedium, EventSeverityHigh, EventSeverityCritical:
		return true
	}
	return false
}

// Rank returns the severity as an ordinal for comparison, higher is worse.
func (s EventSeverity) Rank() int {
	switch s {
	case EventSeverityInfo:
		return 1
	case EventSeverityLow:
		return 2
	case EventSeverityMedium:
		return 3
	case EventSeverityHigh:
		return 4
	case EventSeverityCritical:
		return 5
	default:
		return 0
	}
}

// MaxEventSeverity returns the most severe of the given severities.
func MaxEventSeverity(severities ...EventSeverity) EventSeverity {
	max := EventSeverityInfo
	for _, s := range severities {
		if s.Rank() > max.Rank() {
			max = s
		}
	}
	return max
}

// EventStatus represents the lifecycle state of a security event.
type EventStatus string

const (
	EventStatusActive   EventStatus = "active"
	EventStatusResolved EventStatus = "resolved"
)

// SecurityEvent is the normalized output of any detector.
type SecurityEvent struct {
	ID                 string         `json:"id"`
	Type               EventType      `json:"type"`
	Severity           EventSeverity  `json:"severity"`
	Timestamp          time.Time      `json:"timestamp"`
	SourceComponent    string         `json:"source_component"`
	Bridge             string         `json:"bridge,omitempty"`
	Network            string         `json:"network,omitempty"`
	Description        string         `json:"description"`
	Evidence           map[string]any `json:"evidence,omitempty"`
	RecommendedActions []string       `json:"recommended_actions,omitempty"`
	Status             EventStatus    `json:"status"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	ResolutionNotes    string         `json:"resolution_notes,omitempty"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
}

// AlertStatus represents the lifecycle state of a security alert.
type AlertStatus string

const (
	AlertStatusOpen          AlertStatus = "open"
	AlertStatusAcknowledged  AlertStatus = "acknowledged"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusResolved      AlertStatus = "resolved"
)

// IsValid checks if the alert status is a known value.
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusInvestigating, AlertStatusResolved:
		return true
	}
	return false
}

// SecurityAlert is the operator-facing record derived from a high or critical
// security event.
type SecurityAlert struct {
	ID                      string      `json:"id"`
	EventID                 string      `json:"event_id"`
	Priority                int         `json:"priority"` // 1 is highest
	Title                   string      `json:"title"`
	Description             string      `json:"description"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
	RequiresImmediateAction bool        `json:"requires_immediate_action"`
	EscalationLevel         int         `json:"escalation_level"`
	AssignedTo              string      `json:"assigned_to,omitempty"`
	Status                  AlertStatus `json:"status"`
	AckedAt                 *time.Time  `json:"acked_at,omitempty"`
	AckedBy                 string      `json:"acked_by,omitempty"`
}
