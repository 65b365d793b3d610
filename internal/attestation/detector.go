// Package attestation implements anomaly detection over a live stream of
// validator attestations. The detector keeps per-route and per-validator
// rolling statistics in memory and evaluates every incoming attestation
// against timing, signature, quorum, duplicate and rate checks.
package attestation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bridge-sentinel/internal/chain"
	"bridge-sentinel/internal/queue"
	"bridge-sentinel/internal/schema"
)

// AnomalyHandler is called for every anomaly the detector emits, together
// with the attestation that produced it. Handlers run in their own goroutine
// so ingestion never blocks on downstream consumers.
type AnomalyHandler func(context.Context, *schema.Attestation, *schema.AttestationAnomaly)

// DetectorConfig configures the anomaly detector.
type DetectorConfig struct {
	// Timing analysis
	TimingMinSamples   int     `yaml:"timing_min_samples"`
	TimingMaxSamples   int     `yaml:"timing_max_samples"`
	DeviationThreshold float64 `yaml:"deviation_threshold"`

	// Quorum skew
	QuorumWindow          time.Duration `yaml:"quorum_window"`
	QuorumMinAttestations int           `yaml:"quorum_min_attestations"`
	QuorumSkewThreshold   float64       `yaml:"quorum_skew_threshold"`

	// Duplicates and rate limiting
	DuplicateWindow    time.Duration `yaml:"duplicate_window"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`

	// Signature reuse tracking
	SignatureWindow time.Duration `yaml:"signature_window"`

	// ML scoring (applies only when a scorer is attached)
	MLThreshold float64 `yaml:"ml_threshold"`

	// Retention
	RetentionWindow   time.Duration `yaml:"retention_window"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxAnomalyHistory int           `yaml:"max_anomaly_history"`
}

// DefaultDetectorConfig returns default detector configuration.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		TimingMinSamples:      10,
		TimingMaxSamples:      100,
		DeviationThreshold:    2.0,
		QuorumWindow:          10 * time.Minute,
		QuorumMinAttestations: 5,
		QuorumSkewThreshold:   2.0,
		DuplicateWindow:       5 * time.Minute,
		RateLimitPerMinute:    100,
		SignatureWindow:       1 * time.Hour,
		MLThreshold:           0.7,
		RetentionWindow:       24 * time.Hour,
		CleanupInterval:       10 * time.Minute,
		MaxAnomalyHistory:     50000,
	}
}

// routeObservation is one attestation's footprint in a route window, kept for
// quorum and duplicate analysis.
type routeObservation struct {
	attestationID string
	validator     string
	txHash        string
	seenAt        time.Time
}

// intervalStats tracks inter-attestation intervals for one route key.
type intervalStats struct {
	lastSeen  time.Time
	intervals []float64 // seconds, bounded by TimingMaxSamples
}

// Detector consumes attestations one at a time and emits anomalies.
type Detector struct {
	config    DetectorConfig
	validator *schema.Validator
	scorer    chain.MLScorer // optional, may be nil

	mu             sync.RWMutex
	attestations   map[string]*schema.Attestation
	routeWindows   map[string][]routeObservation
	intervals      map[string]*intervalStats
	signatures     map[string]map[string]time.Time // bridge -> signature -> first seen
	validatorRates map[string][]time.Time
	bridgeStats    map[string]*BridgeStats
	validatorStats map[string]*ValidatorStats
	handlers       []AnomalyHandler

	anomalies *queue.History[schema.AttestationAnomaly]

	processed uint64
	rejected  uint64
	flagged   uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDetector creates a Detector. scorer may be nil, in which case detection
// is rule-based only.
func NewDetector(config DetectorConfig, scorer chain.MLScorer) *Detector {
	return &Detector{
		config:         config,
		validator:      schema.NewValidator(),
		scorer:         scorer,
		attestations:   make(map[string]*schema.Attestation),
		routeWindows:   make(map[string][]routeObservation),
		intervals:      make(map[string]*intervalStats),
		signatures:     make(map[string]map[string]time.Time),
		validatorRates: make(map[string][]time.Time),
		bridgeStats:    make(map[string]*BridgeStats),
		validatorStats: make(map[string]*ValidatorStats),
		anomalies:      queue.NewHistory[schema.AttestationAnomaly](config.MaxAnomalyHistory),
		stopCh:         make(chan struct{}),
	}
}

// AddHandler registers an anomaly handler.
func (d *Detector) AddHandler(handler AnomalyHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// Start launches the retention sweep loop.
func (d *Detector) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.retentionLoop(ctx)
	slog.Info("attestation detector started",
		"retention", d.config.RetentionWindow,
		"ml_scoring", d.scorer != nil)
}

// Stop stops the retention loop and waits for it to exit.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	slog.Info("attestation detector stopped")
}

// Process validates and ingests one attestation, returning the stored record
// and any anomalies found. Malformed input fails with a validation error and
// is not stored or counted. Check failures never reach the caller: a panicking
// sub-check is logged and contributes no finding.
func (d *Detector) Process(ctx context.Context, a *schema.Attestation) (*schema.Attestation, []schema.AttestationAnomaly, error) {
	if err := d.validator.ValidateAttestation(a); err != nil {
		atomic.AddUint64(&d.rejected, 1)
		return nil, nil, err
	}

	stored := *a
	if stored.ID == "" {
		stored.ID = stored.DeriveID()
	}
	if stored.Status == "" {
		stored.Status = schema.AttestationPending
	}
	if stored.Confidence == 0 {
		stored.Confidence = 1.0
	}

	now := time.Now().UTC()
	var anomalies []schema.AttestationAnomaly

	d.mu.Lock()

	d.recordObservation(&stored, now)

	anomalies = append(anomalies, d.runCheck("timing", func() []schema.AttestationAnomaly {
		return d.checkTiming(&stored, now)
	})...)
	anomalies = append(anomalies, d.runCheck("signature", func() []schema.AttestationAnomaly {
		return d.checkSignature(&stored, now)
	})...)
	anomalies = append(anomalies, d.runCheck("quorum", func() []schema.AttestationAnomaly {
		return d.checkQuorumSkew(&stored, now)
	})...)
	anomalies = append(anomalies, d.runCheck("duplicate", func() []schema.AttestationAnomaly {
		return d.checkDuplicate(&stored, now)
	})...)
	anomalies = append(anomalies, d.runCheck("rate_limit", func() []schema.AttestationAnomaly {
		return d.checkRateLimit(&stored, now)
	})...)

	d.mu.Unlock()

	// ML scoring happens outside the lock: the scorer may do I/O.
	if d.scorer != nil {
		if ml := d.scoreWithML(ctx, &stored, now); ml != nil {
			anomalies = append(anomalies, *ml)
		}
	}

	d.mu.Lock()
	if len(anomalies) > 0 {
		stored.Status = schema.AttestationAnomalous
		stored.Confidence = adjustedConfidence(stored.Confidence, anomalies)
	}
	d.attestations[stored.ID] = &stored
	d.updateStats(&stored, len(anomalies), now)
	for i := range anomalies {
		d.anomalies.Add(anomalies[i].DetectedAt, anomalies[i])
	}
	handlers := d.handlers
	d.mu.Unlock()

	atomic.AddUint64(&d.processed, 1)
	if len(anomalies) > 0 {
		atomic.AddUint64(&d.flagged, uint64(len(anomalies)))
		slog.Info("attestation flagged",
			"attestation_id", stored.ID,
			"bridge", stored.BridgeAddress,
			"anomalies", len(anomalies))
	}

	for i := range anomalies {
		anomaly := anomalies[i]
		source := stored
		for _, handler := range handlers {
			go handler(ctx, &source, &anomaly)
		}
	}

	result := stored
	out := make([]schema.AttestationAnomaly, len(anomalies))
	copy(out, anomalies)
	return &result, out, nil
}

// runCheck runs one detection sub-check, converting a panic into an empty
// result so one faulty check cannot abort the others.
func (d *Detector) runCheck(name string, fn func() []schema.AttestationAnomaly) (result []schema.AttestationAnomaly) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("detection check failed", "check", name, "panic", fmt.Sprintf("%v", r))
			result = nil
		}
	}()
	return fn()
}

// recordObservation updates the route window and per-validator rate window
// with the new arrival. Callers hold d.mu.
func (d *Detector) recordObservation(a *schema.Attestation, now time.Time) {
	key := a.Key()
	d.routeWindows[key] = append(d.routeWindows[key], routeObservation{
		attestationID: a.ID,
		validator:     a.ValidatorAddress,
		txHash:        a.TxHash,
		seenAt:        now,
	})
	d.validatorRates[a.ValidatorAddress] = append(d.validatorRates[a.ValidatorAddress], now)
}

// GetAttestation returns a stored attestation by id.
func (d *Detector) GetAttestation(id string) (*schema.Attestation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.attestations[id]
	if !ok {
		return nil, false
	}
	copied := *a
	return &copied, true
}

// RecentAnomalies returns anomalies detected at or after cutoff, oldest first.
func (d *Detector) RecentAnomalies(cutoff time.Time, limit int) []schema.AttestationAnomaly {
	return d.anomalies.Recent(cutoff, limit)
}

func (d *Detector) retentionLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep(time.Now().UTC())
		}
	}
}

// sweep drops state older than the retention window.
func (d *Detector) sweep(now time.Time) {
	cutoff := now.Add(-d.config.RetentionWindow)
	sigCutoff := now.Add(-d.config.SignatureWindow)
	windowCutoff := now.Add(-d.config.QuorumWindow)
	rateCutoff := now.Add(-time.Minute)

	removed := d.anomalies.PruneBefore(cutoff)

	d.mu.Lock()
	for id, a := range d.attestations {
		if a.Timestamp.Before(cutoff) {
			delete(d.attestations, id)
			removed++
		}
	}
	for key, obs := range d.routeWindows {
		kept := trimObservations(obs, windowCutoff)
		if len(kept) == 0 {
			delete(d.routeWindows, key)
		} else {
			d.routeWindows[key] = kept
		}
	}
	for bridge, sigs := range d.signatures {
		for sig, seen := range sigs {
			if seen.Before(sigCutoff) {
				delete(sigs, sig)
			}
		}
		if len(sigs) == 0 {
			delete(d.signatures, bridge)
		}
	}
	for validator, times := range d.validatorRates {
		kept := trimTimes(times, rateCutoff)
		if len(kept) == 0 {
			delete(d.validatorRates, validator)
		} else {
			d.validatorRates[validator] = kept
		}
	}
	d.mu.Unlock()

	if removed > 0 {
		slog.Debug("attestation retention sweep", "removed", removed)
	}
}

func trimObservations(obs []routeObservation, cutoff time.Time) []routeObservation {
	idx := 0
	for idx < len(obs) && obs[idx].seenAt.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return obs
	}
	kept := make([]routeObservation, len(obs)-idx)
	copy(kept, obs[idx:])
	return kept
}

func trimTimes(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && times[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return times
	}
	kept := make([]time.Time, len(times)-idx)
	copy(kept, times[idx:])
	return kept
}

// adjustedConfidence lowers the attestation's confidence by the strongest
// anomaly found.
func adjustedConfidence(base float64, anomalies []schema.AttestationAnomaly) float64 {
	maxAnomaly := 0.0
	for i := range anomalies {
		if anomalies[i].Confidence > maxAnomaly {
			maxAnomaly = anomalies[i].Confidence
		}
	}
	adjusted := base * (1.0 - maxAnomaly)
	if adjusted < 0 {
		adjusted = 0
	}
	return adjusted
}
