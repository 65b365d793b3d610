package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"bridge-sentinel/internal/schema"

	"github.com/google/uuid"
)

// createAlert opens exactly one alert for a high or critical event. Critical
// events additionally demand immediate action.
func (o *Orchestrator) createAlert(event *schema.SecurityEvent) {
	now := time.Now().UTC()
	alert := &schema.SecurityAlert{
		ID:                      uuid.NewString(),
		EventID:                 event.ID,
		Priority:                priorityForSeverity(event.Severity),
		Title:                   fmt.Sprintf("[%s] %s", event.Severity, event.Type),
		Description:             event.Description,
		CreatedAt:               now,
		UpdatedAt:               now,
		RequiresImmediateAction: event.Severity == schema.EventSeverityCritical,
		Status:                  schema.AlertStatusOpen,
	}

	o.mu.Lock()
	o.alerts[alert.ID] = alert
	o.mu.Unlock()
	o.alertHistory.Add(now, *alert)
	atomic.AddUint64(&o.alertsCreated, 1)

	slog.Warn("security alert created",
		"alert_id", alert.ID,
		"event_id", event.ID,
		"priority", alert.Priority,
		"immediate", alert.RequiresImmediateAction)
}

func priorityForSeverity(s schema.EventSeverity) int {
	if s == schema.EventSeverityCritical {
		return 1
	}
	return 2
}

func (o *Orchestrator) escalationLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.EscalationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.escalatePass(time.Now().UTC())
		}
	}
}

// escalatePass raises the escalation level of every open immediate-action
// alert older than the delay. Each pass escalates again until the alert is
// acknowledged.
func (o *Orchestrator) escalatePass(now time.Time) {
	o.mu.Lock()
	var escalated []*schema.SecurityAlert
	for _, alert := range o.alerts {
		if alert.Status != schema.AlertStatusOpen || !alert.RequiresImmediateAction {
			continue
		}
		if now.Sub(alert.CreatedAt) <= o.config.EscalationDelay {
			continue
		}
		alert.EscalationLevel++
		alert.UpdatedAt = now
		escalated = append(escalated, alert)
	}
	o.mu.Unlock()

	for _, alert := range escalated {
		atomic.AddUint64(&o.escalations, 1)
		age := now.Sub(alert.CreatedAt)
		if alert.EscalationLevel <= 2 {
			slog.Warn("alert escalated",
				"alert_id", alert.ID,
				"level", alert.EscalationLevel,
				"age", age)
		} else {
			slog.Error("alert unacknowledged, escalating further",
				"alert_id", alert.ID,
				"level", alert.EscalationLevel,
				"age", age)
		}
	}
}

// Acknowledge transitions an open alert to acknowledged. Acknowledging an
// already-acknowledged alert is harmless.
func (o *Orchestrator) Acknowledge(alertID, who string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	alert, ok := o.alerts[alertID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if alert.Status != schema.AlertStatusOpen {
		return nil
	}

	now := time.Now().UTC()
	alert.Status = schema.AlertStatusAcknowledged
	alert.AckedAt = &now
	alert.AckedBy = who
	alert.AssignedTo = who
	alert.UpdatedAt = now

	slog.Info("alert acknowledged", "alert_id", alertID, "by", who)
	return nil
}

// GetAlert returns a copy of an alert by id.
func (o *Orchestrator) GetAlert(id string) (*schema.SecurityAlert, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	alert, ok := o.alerts[id]
	if !ok {
		return nil, false
	}
	copied := *alert
	return &copied, true
}

// ActiveAlerts returns copies of all alerts not yet resolved, most urgent
// first by priority then escalation level.
func (o *Orchestrator) ActiveAlerts() []schema.SecurityAlert {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]schema.SecurityAlert, 0, len(o.alerts))
	for _, alert := range o.alerts {
		if alert.Status != schema.AlertStatusResolved {
			out = append(out, *alert)
		}
	}
	sortAlerts(out)
	return out
}

func sortAlerts(alerts []schema.SecurityAlert) {
	// Insertion sort; active alert counts are small.
	for i := 1; i < len(alerts); i++ {
		for j := i; j > 0 && alertLess(&alerts[j], &alerts[j-1]); j-- {
			alerts[j], alerts[j-1] = alerts[j-1], alerts[j]
		}
	}
}

func alertLess(a, b *schema.SecurityAlert) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.EscalationLevel != b.EscalationLevel {
		return a.EscalationLevel > b.EscalationLevel
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
