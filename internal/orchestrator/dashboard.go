package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"bridge-sentinel/internal/liveness"
	"bridge-sentinel/internal/schema"
)

// Dashboard is a point-in-time snapshot of overall security posture.
type Dashboard struct {
	GeneratedAt time.Time `json:"generated_at"`

	// SecurityScore is 0-100, the equally weighted mean of the four inputs.
	SecurityScore      float64 `json:"security_score"`
	AttestationScore   float64 `json:"attestation_score"`
	DiversityScore     float64 `json:"diversity_score"`
	AttackVolumeScore  float64 `json:"attack_volume_score"`
	NetworkHealthScore float64 `json:"network_health_score"`

	ActiveEvents int `json:"active_events"`
	OpenAlerts   int `json:"open_alerts"`

	HealthSummary   liveness.HealthSummary `json:"health_summary"`
	Recommendations []string               `json:"recommendations"`

	ComponentStats map[string]map[string]interface{} `json:"component_stats"`
}

// BuildDashboard assembles the current dashboard. Each of the four score
// inputs contributes 25%. A missing or failing diversity scorer degrades to a
// neutral 100 rather than dragging the score down.
func (o *Orchestrator) BuildDashboard(ctx context.Context) *Dashboard {
	attestationScore := o.attestations.ValidityRate() * 100

	diversityScore := 100.0
	if o.diversity != nil {
		score, err := o.diversity.DiversityScore(ctx)
		if err != nil {
			slog.Warn("diversity scorer unavailable, using neutral score", "error", err)
		} else {
			diversityScore = clampScore(score * 100)
		}
	}

	volumeScore := attackVolumeScore(o.detections.DetectionRate(), o.config.AttackVolumeCeiling)
	healthScore := o.health.CombinedHealthPercent()

	d := &Dashboard{
		GeneratedAt:        time.Now().UTC(),
		AttestationScore:   attestationScore,
		DiversityScore:     diversityScore,
		AttackVolumeScore:  volumeScore,
		NetworkHealthScore: healthScore,
		HealthSummary:      o.health.Summary(),
		ComponentStats: map[string]map[string]interface{}{
			"attestation":  o.attestations.Stats(),
			"attack":       o.detections.Stats(),
			"liveness":     o.health.Stats(),
			"orchestrator": o.Stats(),
		},
	}
	d.SecurityScore = (attestationScore + diversityScore + volumeScore + healthScore) / 4

	o.mu.RLock()
	for _, event := range o.events {
		if event.Status == schema.EventStatusActive {
			d.ActiveEvents++
		}
	}
	for _, alert := range o.alerts {
		if alert.Status == schema.AlertStatusOpen {
			d.OpenAlerts++
		}
	}
	o.mu.RUnlock()

	d.Recommendations = recommendationsForDashboard(d)
	return d
}

// attackVolumeScore maps recent detection volume onto 0-100: zero detections
// scores 100, the ceiling or more scores 0.
func attackVolumeScore(rate, ceiling int) float64 {
	if ceiling <= 0 {
		ceiling = 1
	}
	score := (1 - float64(rate)/float64(ceiling)) * 100
	return clampScore(score)
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func recommendationsForDashboard(d *Dashboard) []string {
	var recs []string
	if d.SecurityScore < 50 {
		recs = append(recs, "overall security posture is degraded, review active events immediately")
	}
	if d.AttestationScore < 90 {
		recs = append(recs, "attestation validity is below normal, audit validator set")
	}
	if d.DiversityScore < 60 {
		recs = append(recs, "guardian diversity is low, single-operator failure risk is elevated")
	}
	if d.AttackVolumeScore < 50 {
		recs = append(recs, "attack detection volume is high, consider pausing affected bridges")
	}
	if d.NetworkHealthScore < 80 {
		recs = append(recs, "network or validator health is degraded, check open liveness gaps")
	}
	if d.OpenAlerts > 0 {
		recs = append(recs, "open alerts are awaiting acknowledgment")
	}
	if len(recs) == 0 {
		recs = append(recs, "no action required")
	}
	return recs
}
