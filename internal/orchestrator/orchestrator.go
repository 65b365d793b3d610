// Package orchestrator normalizes detector output into security events,
// correlates events across detectors into compound incidents, and manages the
// operator-facing alert lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bridge-sentinel/internal/liveness"
	"bridge-sentinel/internal/queue"
	"bridge-sentinel/internal/schema"

	"github.com/google/uuid"
)

// Typed not-found errors for operator actions.
var (
	ErrEventNotFound = errors.New("security event not found")
	ErrAlertNotFound = errors.New("security alert not found")
)

// EventSink receives every normalized security event. Sinks are export
// surfaces (message bus, archive); publishing runs off the ingestion path and
// a failing sink never blocks event processing.
type EventSink interface {
	Publish(ctx context.Context, event *schema.SecurityEvent) error
}

// AttestationSource is the read-only view the orchestrator needs from the
// anomaly detector.
type AttestationSource interface {
	ValidityRate() float64
	Stats() map[string]interface{}
}

// DetectionSource is the read-only view of the attack matcher.
type DetectionSource interface {
	DetectionRate() int
	Stats() map[string]interface{}
}

// HealthSource is the read-only view of the liveness monitor.
type HealthSource interface {
	CombinedHealthPercent() float64
	Summary() liveness.HealthSummary
	Stats() map[string]interface{}
}

// DiversityScorer is the external guardian/quorum diversity collaborator.
// When unavailable the dashboard degrades that input to a neutral score.
type DiversityScorer interface {
	DiversityScore(ctx context.Context) (float64, error)
}

// Config configures the orchestrator.
type Config struct {
	CorrelationInterval  time.Duration `yaml:"correlation_interval"`
	CorrelationWindow    time.Duration `yaml:"correlation_window"`
	CorrelationThreshold int           `yaml:"correlation_threshold"`

	EscalationInterval time.Duration `yaml:"escalation_interval"`
	EscalationDelay    time.Duration `yaml:"escalation_delay"`

	AttackVolumeCeiling int           `yaml:"attack_volume_ceiling"`
	RetentionWindow     time.Duration `yaml:"retention_window"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	MaxEventHistory     int           `yaml:"max_event_history"`
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		CorrelationInterval:  60 * time.Second,
		CorrelationWindow:    5 * time.Minute,
		CorrelationThreshold: 3,
		EscalationInterval:   60 * time.Second,
		EscalationDelay:      5 * time.Minute,
		AttackVolumeCeiling:  10,
		RetentionWindow:      24 * time.Hour,
		CleanupInterval:      15 * time.Minute,
		MaxEventHistory:      50000,
	}
}

// Orchestrator owns the event and alert tables and the correlation and
// escalation loops.
type Orchestrator struct {
	config       Config
	attestations AttestationSource
	detections   DetectionSource
	health       HealthSource
	diversity    DiversityScorer // optional
	sinks        []EventSink

	mu     sync.RWMutex
	events map[string]*schema.SecurityEvent
	alerts map[string]*schema.SecurityAlert

	eventHistory *queue.History[schema.SecurityEvent]
	alertHistory *queue.History[schema.SecurityAlert]

	eventsCreated uint64
	alertsCreated uint64
	correlations  uint64
	escalations   uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Orchestrator. diversity may be nil; sinks may be empty.
func New(config Config, attestations AttestationSource, detections DetectionSource, health HealthSource, diversity DiversityScorer, sinks ...EventSink) *Orchestrator {
	return &Orchestrator{
		config:       config,
		attestations: attestations,
		detections:   detections,
		health:       health,
		diversity:    diversity,
		sinks:        sinks,
		events:       make(map[string]*schema.SecurityEvent),
		alerts:       make(map[string]*schema.SecurityAlert),
		eventHistory: queue.NewHistory[schema.SecurityEvent](config.MaxEventHistory),
		alertHistory: queue.NewHistory[schema.SecurityAlert](config.MaxEventHistory),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the correlation, escalation and retention loops.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(3)
	go o.correlationLoop(ctx)
	go o.escalationLoop(ctx)
	go o.retentionLoop(ctx)
	slog.Info("security orchestrator started",
		"correlation_interval", o.config.CorrelationInterval,
		"escalation_delay", o.config.EscalationDelay,
		"sinks", len(o.sinks))
}

// Stop stops all loops and waits for them to exit.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
	slog.Info("security orchestrator stopped")
}

// Severity translations. Each mapping is total: unknown detector
// vocabularies land on medium instead of failing.

func severityFromAnomaly(s schema.AnomalySeverity) schema.EventSeverity {
	switch s {
	case schema.AnomalySeverityLow:
		return schema.EventSeverityLow
	case schema.AnomalySeverityMedium:
		return schema.EventSeverityMedium
	case schema.AnomalySeverityHigh:
		return schema.EventSeverityHigh
	case schema.AnomalySeverityCritical:
		return schema.EventSeverityCritical
	default:
		return schema.EventSeverityMedium
	}
}

func severityFromThreat(t schema.ThreatLevel) schema.EventSeverity {
	switch t {
	case schema.ThreatInfo:
		return schema.EventSeverityInfo
	case schema.ThreatLow:
		return schema.EventSeverityLow
	case schema.ThreatMedium:
		return schema.EventSeverityMedium
	case schema.ThreatHigh:
		return schema.EventSeverityHigh
	case schema.ThreatCritical:
		return schema.EventSeverityCritical
	default:
		return schema.EventSeverityMedium
	}
}

func severityFromGap(s schema.GapSeverity) schema.EventSeverity {
	switch s {
	case schema.GapSeverityLow:
		return schema.EventSeverityLow
	case schema.GapSeverityMedium:
		return schema.EventSeverityMedium
	case schema.GapSeverityHigh:
		return schema.EventSeverityHigh
	case schema.GapSeverityCritical:
		return schema.EventSeverityCritical
	default:
		return schema.EventSeverityMedium
	}
}

// IngestAnomaly translates one attestation anomaly into a security event.
// The signature matches attestation.AnomalyHandler.
func (o *Orchestrator) IngestAnomaly(ctx context.Context, a *schema.Attestation, anomaly *schema.AttestationAnomaly) {
	if anomaly == nil {
		return
	}

	event := &schema.SecurityEvent{
		ID:              uuid.NewString(),
		Type:            schema.EventAttestationAnomaly,
		Severity:        severityFromAnomaly(anomaly.Severity),
		Timestamp:       anomaly.DetectedAt,
		SourceComponent: "attestation-detector",
		Description:     anomaly.Description,
		Evidence: map[string]any{
			"anomaly_id":     anomaly.ID,
			"anomaly_type":   string(anomaly.Type),
			"attestation_id": anomaly.AttestationID,
			"confidence":     anomaly.Confidence,
		},
		RecommendedActions: []string{anomaly.RecommendedAction},
		Status:             schema.EventStatusActive,
	}
	if a != nil {
		event.Bridge = a.BridgeAddress
		event.Network = a.SourceNetwork
	}
	o.addEvent(ctx, event)
}

// IngestDetection translates one attack detection into a security event. The
// signature matches attack.DetectionHandler apart from the transaction, whose
// bridge address callers pass through the detection's affected components.
func (o *Orchestrator) IngestDetection(ctx context.Context, bridge, network string, det *schema.AttackDetection) {
	if det == nil {
		return
	}

	event := &schema.SecurityEvent{
		ID:              uuid.NewString(),
		Type:            schema.EventAttackDetected,
		Severity:        severityFromThreat(det.ThreatLevel),
		Timestamp:       det.DetectedAt,
		SourceComponent: "attack-matcher",
		Bridge:          bridge,
		Network:         network,
		Description:     det.Description,
		Evidence: map[string]any{
			"detection_id": det.ID,
			"rule_id":      det.RuleID,
			"pattern_id":   det.PatternID,
			"attack_type":  string(det.AttackType),
			"confidence":   det.Confidence,
		},
		RecommendedActions: det.RecommendedActions,
		Status:             schema.EventStatusActive,
	}
	o.addEvent(ctx, event)
}

// IngestGap translates one liveness gap into a security event. The signature
// matches liveness.GapHandler.
func (o *Orchestrator) IngestGap(ctx context.Context, gap *schema.LivenessGap) {
	if gap == nil {
		return
	}

	event := &schema.SecurityEvent{
		ID:              uuid.NewString(),
		Type:            schema.EventLivenessGap,
		Severity:        severityFromGap(gap.Severity),
		Timestamp:       gap.StartedAt,
		SourceComponent: "liveness-monitor",
		Description:     gap.Description,
		Evidence: map[string]any{
			"gap_id":     gap.ID,
			"scope_kind": string(gap.Scope.Kind),
			"scope_name": gap.Scope.Name,
			"issue":      string(gap.Issue),
		},
		RecommendedActions: gap.ResolutionActions,
		Status:             schema.EventStatusActive,
	}
	if gap.Scope.Kind == schema.ScopeNetwork {
		event.Network = gap.Scope.Name
	}
	o.addEvent(ctx, event)
}

// addEvent stores the event, fans it out to sinks, and opens an alert when
// severity warrants one.
func (o *Orchestrator) addEvent(ctx context.Context, event *schema.SecurityEvent) {
	o.mu.Lock()
	o.events[event.ID] = event
	o.mu.Unlock()
	o.eventHistory.Add(event.Timestamp, *event)
	atomic.AddUint64(&o.eventsCreated, 1)

	for _, sink := range o.sinks {
		go func(s EventSink, ev schema.SecurityEvent) {
			if err := s.Publish(ctx, &ev); err != nil {
				slog.Error("event sink publish failed", "event_id", ev.ID, "error", err)
			}
		}(sink, *event)
	}

	if event.Severity == schema.EventSeverityHigh || event.Severity == schema.EventSeverityCritical {
		o.createAlert(event)
	}
}

func (o *Orchestrator) correlationLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.CorrelationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.correlatePass(ctx)
		}
	}
}

// correlatePass groups recent uncorrelated events by bridge and synthesizes
// one bridge_compromise event per bridge that crosses the threshold. Source
// events are marked with the compromise event's id so the next pass never
// re-correlates them.
func (o *Orchestrator) correlatePass(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-o.config.CorrelationWindow)

	o.mu.Lock()
	groups := make(map[string][]*schema.SecurityEvent)
	for _, event := range o.events {
		if event.Bridge == "" ||
			event.Type == schema.EventBridgeCompromise ||
			event.CorrelationID != "" ||
			event.Status != schema.EventStatusActive ||
			event.Timestamp.Before(cutoff) {
			continue
		}
		groups[event.Bridge] = append(groups[event.Bridge], event)
	}

	var synthesized []*schema.SecurityEvent
	for bridge, group := range groups {
		if len(group) < o.config.CorrelationThreshold {
			continue
		}

		sourceIDs := make([]string, len(group))
		severities := make([]schema.EventSeverity, len(group))
		for i, ev := range group {
			sourceIDs[i] = ev.ID
			severities[i] = ev.Severity
		}

		compromise := &schema.SecurityEvent{
			ID:              uuid.NewString(),
			Type:            schema.EventBridgeCompromise,
			Severity:        escalateSeverity(schema.MaxEventSeverity(severities...)),
			Timestamp:       time.Now().UTC(),
			SourceComponent: "orchestrator",
			Bridge:          bridge,
			Description:     fmt.Sprintf("%d security events on bridge %s within %v", len(group), bridge, o.config.CorrelationWindow),
			Evidence: map[string]any{
				"source_event_ids": sourceIDs,
				"event_count":      len(group),
				"window":           o.config.CorrelationWindow.String(),
			},
			RecommendedActions: []string{
				"treat as potential bridge compromise",
				"pause bridge transfers pending investigation",
				"review all correlated events together",
			},
			Status: schema.EventStatusActive,
		}
		for _, ev := range group {
			ev.CorrelationID = compromise.ID
		}
		synthesized = append(synthesized, compromise)

		slog.Warn("correlated bridge compromise",
			"bridge", bridge,
			"events", len(group),
			"severity", compromise.Severity)
	}
	o.mu.Unlock()

	for _, event := range synthesized {
		atomic.AddUint64(&o.correlations, 1)
		o.addEvent(ctx, event)
	}
}

// escalateSeverity bumps the grouped maximum one level: a cluster of events
// is worse than its worst member.
func escalateSeverity(s schema.EventSeverity) schema.EventSeverity {
	switch s {
	case schema.EventSeverityInfo:
		return schema.EventSeverityLow
	case schema.EventSeverityLow:
		return schema.EventSeverityMedium
	case schema.EventSeverityMedium:
		return schema.EventSeverityHigh
	default:
		return schema.EventSeverityCritical
	}
}

func (o *Orchestrator) retentionLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sweep(time.Now().UTC())
		}
	}
}

func (o *Orchestrator) sweep(now time.Time) {
	cutoff := now.Add(-o.config.RetentionWindow)
	removed := o.eventHistory.PruneBefore(cutoff)
	removed += o.alertHistory.PruneBefore(cutoff)

	o.mu.Lock()
	for id, event := range o.events {
		if event.Timestamp.Before(cutoff) {
			delete(o.events, id)
			removed++
		}
	}
	for id, alert := range o.alerts {
		if alert.CreatedAt.Before(cutoff) && alert.Status == schema.AlertStatusResolved {
			delete(o.alerts, id)
			removed++
		}
	}
	o.mu.Unlock()

	if removed > 0 {
		slog.Debug("orchestrator retention sweep", "removed", removed)
	}
}

// GetEvent returns a copy of an event by id.
func (o *Orchestrator) GetEvent(id string) (*schema.SecurityEvent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	event, ok := o.events[id]
	if !ok {
		return nil, false
	}
	copied := *event
	return &copied, true
}

// RecentEvents returns events with timestamps at or after cutoff.
func (o *Orchestrator) RecentEvents(cutoff time.Time, limit int) []schema.SecurityEvent {
	return o.eventHistory.Recent(cutoff, limit)
}

// ActiveEvents returns copies of all unresolved events.
func (o *Orchestrator) ActiveEvents() []schema.SecurityEvent {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]schema.SecurityEvent, 0, len(o.events))
	for _, event := range o.events {
		if event.Status == schema.EventStatusActive {
			out = append(out, *event)
		}
	}
	return out
}

// Resolve transitions an event to resolved and records the notes. Repeated
// resolution overwrites the notes.
func (o *Orchestrator) Resolve(eventID, notes string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	event, ok := o.events[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}

	now := time.Now().UTC()
	event.Status = schema.EventStatusResolved
	event.ResolutionNotes = notes
	event.ResolvedAt = &now

	slog.Info("security event resolved", "event_id", eventID)
	return nil
}

// Stats returns orchestrator statistics.
func (o *Orchestrator) Stats() map[string]interface{} {
	o.mu.RLock()
	activeEvents := 0
	for _, event := range o.events {
		if event.Status == schema.EventStatusActive {
			activeEvents++
		}
	}
	openAlerts := 0
	for _, alert := range o.alerts {
		if alert.Status == schema.AlertStatusOpen {
			openAlerts++
		}
	}
	o.mu.RUnlock()

	return map[string]interface{}{
		"events_created": atomic.LoadUint64(&o.eventsCreated),
		"alerts_created": atomic.LoadUint64(&o.alertsCreated),
		"correlations":   atomic.LoadUint64(&o.correlations),
		"escalations":    atomic.LoadUint64(&o.escalations),
		"active_events":  activeEvents,
		"open_alerts":    openAlerts,
		"sink_count":     len(o.sinks),
	}
}
