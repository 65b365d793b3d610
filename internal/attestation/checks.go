package attestation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"bridge-sentinel/internal/schema"

	"github.com/google/uuid"
)

// Signature lengths in hex characters, without the 0x prefix. 65 bytes for
// ECDSA recoverable signatures, 96 bytes for BLS.
const (
	ecdsaSignatureHexLen = 130
	blsSignatureHexLen   = 192
)

func newAnomaly(a *schema.Attestation, typ schema.AnomalyType, severity schema.AnomalySeverity, confidence float64, description, action string, evidence map[string]any, now time.Time) schema.AttestationAnomaly {
	return schema.AttestationAnomaly{
		ID:                uuid.NewString(),
		AttestationID:     a.ID,
		Type:              typ,
		Severity:          severity,
		Confidence:        confidence,
		Description:       description,
		Evidence:          evidence,
		RecommendedAction: action,
		DetectedAt:        now,
	}
}

// checkTiming computes the z-score of the new inter-attestation interval
// against the route's historical intervals. Callers hold d.mu.
func (d *Detector) checkTiming(a *schema.Attestation, now time.Time) []schema.AttestationAnomaly {
	key := a.Key()
	st := d.intervals[key]
	if st == nil {
		d.intervals[key] = &intervalStats{lastSeen: a.Timestamp}
		return nil
	}

	interval := a.Timestamp.Sub(st.lastSeen).Seconds()
	st.lastSeen = a.Timestamp

	var out []schema.AttestationAnomaly
	if len(st.intervals) >= d.config.TimingMinSamples {
		mean, stddev := meanStddev(st.intervals)
		if stddev > 0 {
			z := (interval - mean) / stddev
			if math.Abs(z) > d.config.DeviationThreshold {
				severity := schema.AnomalySeverityMedium
				if math.Abs(z) > 3.0 {
					severity = schema.AnomalySeverityHigh
				}
				out = append(out, newAnomaly(a,
					schema.AnomalyTiming, severity,
					math.Min(math.Abs(z)/3.0, 1.0),
					fmt.Sprintf("attestation interval %.1fs deviates %.1f sigma from route mean %.1fs", interval, z, mean),
					"verify validator clock sync and bridge relay health",
					map[string]any{
						"interval_seconds": interval,
						"mean_seconds":     mean,
						"stddev_seconds":   stddev,
						"z_score":          z,
						"samples":          len(st.intervals),
					}, now))
			}
		}
	}

	st.intervals = append(st.intervals, interval)
	if len(st.intervals) > d.config.TimingMaxSamples {
		st.intervals = st.intervals[len(st.intervals)-d.config.TimingMaxSamples:]
	}
	return out
}

// checkSignature flags structurally invalid signatures and exact reuse of a
// previously seen signature on the same bridge. Callers hold d.mu.
func (d *Detector) checkSignature(a *schema.Attestation, now time.Time) []schema.AttestationAnomaly {
	var out []schema.AttestationAnomaly

	if !structurallyValidSignature(a.Signature) {
		out = append(out, newAnomaly(a,
			schema.AnomalySignatureMismatch, schema.AnomalySeverityCritical, 0.99,
			fmt.Sprintf("signature fails structural validation (len=%d)", len(a.Signature)),
			"reject attestation and audit the submitting validator",
			map[string]any{"signature_length": len(a.Signature)}, now))
	}

	sigs := d.signatures[a.BridgeAddress]
	if sigs == nil {
		sigs = make(map[string]time.Time)
		d.signatures[a.BridgeAddress] = sigs
	}
	if firstSeen, reused := sigs[a.Signature]; reused {
		out = append(out, newAnomaly(a,
			schema.AnomalySignatureMismatch, schema.AnomalySeverityHigh, 0.95,
			"signature exactly matches a previously seen signature on this bridge",
			"investigate possible replay or signature reuse attack",
			map[string]any{
				"bridge":     a.BridgeAddress,
				"first_seen": firstSeen,
				"validator":  a.ValidatorAddress,
			}, now))
	} else {
		sigs[a.Signature] = now
	}
	return out
}

// checkQuorumSkew measures how unevenly attestations on a route distribute
// across validators in the trailing window. Callers hold d.mu.
func (d *Detector) checkQuorumSkew(a *schema.Attestation, now time.Time) []schema.AttestationAnomaly {
	cutoff := now.Add(-d.config.QuorumWindow)
	counts := make(map[string]int)
	total := 0
	for _, obs := range d.routeWindows[a.Key()] {
		if obs.seenAt.Before(cutoff) {
			continue
		}
		counts[obs.validator]++
		total++
	}
	if total < d.config.QuorumMinAttestations || len(counts) == 0 {
		return nil
	}

	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}

	expected := float64(total) / float64(len(counts))
	ratio := float64(maxCount) / expected
	if ratio <= d.config.QuorumSkewThreshold {
		return nil
	}

	severity := schema.AnomalySeverityMedium
	if ratio >= 3.0 {
		severity = schema.AnomalySeverityHigh
	}
	return []schema.AttestationAnomaly{newAnomaly(a,
		schema.AnomalyQuorumSkew, severity,
		math.Min(ratio/3.0, 1.0),
		fmt.Sprintf("one validator supplied %d of %d attestations across %d validators (skew %.2f)", maxCount, total, len(counts), ratio),
		"check validator set participation and possible validator monopolization",
		map[string]any{
			"max_count":  maxCount,
			"total":      total,
			"validators": len(counts),
			"skew_ratio": ratio,
		}, now)}
}

// checkDuplicate flags a second attestation for the same transfer arriving
// under a distinct id within the duplicate window. Callers hold d.mu.
func (d *Detector) checkDuplicate(a *schema.Attestation, now time.Time) []schema.AttestationAnomaly {
	cutoff := now.Add(-d.config.DuplicateWindow)
	priorIDs := make([]string, 0, 2)
	for _, obs := range d.routeWindows[a.Key()] {
		if obs.seenAt.Before(cutoff) {
			continue
		}
		if obs.txHash == a.TxHash && obs.attestationID != a.ID {
			priorIDs = append(priorIDs, obs.attestationID)
		}
	}
	if len(priorIDs) == 0 {
		return nil
	}

	return []schema.AttestationAnomaly{newAnomaly(a,
		schema.AnomalyDuplicate, schema.AnomalySeverityHigh, 0.9,
		fmt.Sprintf("%d prior attestations for transaction %s within %v", len(priorIDs), a.TxHash, d.config.DuplicateWindow),
		"deduplicate submissions and check for double-attestation attempts",
		map[string]any{
			"tx_hash":   a.TxHash,
			"prior_ids": priorIDs,
		}, now)}
}

// checkRateLimit flags a validator exceeding the per-minute submission
// threshold. Callers hold d.mu.
func (d *Detector) checkRateLimit(a *schema.Attestation, now time.Time) []schema.AttestationAnomaly {
	cutoff := now.Add(-time.Minute)
	count := 0
	for _, t := range d.validatorRates[a.ValidatorAddress] {
		if !t.Before(cutoff) {
			count++
		}
	}
	if count <= d.config.RateLimitPerMinute {
		return nil
	}

	return []schema.AttestationAnomaly{newAnomaly(a,
		schema.AnomalyRateLimitExceeded, schema.AnomalySeverityMedium, 0.8,
		fmt.Sprintf("validator submitted %d attestations in the last minute (limit %d)", count, d.config.RateLimitPerMinute),
		"throttle the validator and verify it is not compromised",
		map[string]any{
			"validator": a.ValidatorAddress,
			"count":     count,
			"limit":     d.config.RateLimitPerMinute,
		}, now)}
}

// scoreWithML runs the optional external scorer over a small feature vector.
// Scorer failures degrade to no finding.
func (d *Detector) scoreWithML(ctx context.Context, a *schema.Attestation, now time.Time) *schema.AttestationAnomaly {
	d.mu.RLock()
	features := map[string]float64{
		"block_number":    float64(a.BlockNumber),
		"route_count":     float64(len(d.routeWindows[a.Key()])),
		"validator_rate":  float64(len(d.validatorRates[a.ValidatorAddress])),
		"bridge_sigs":     float64(len(d.signatures[a.BridgeAddress])),
		"age_seconds":     now.Sub(a.Timestamp).Seconds(),
		"base_confidence": a.Confidence,
	}
	d.mu.RUnlock()

	confidence, explanation, err := d.scorer.Score(ctx, features)
	if err != nil {
		slog.Warn("ml scorer unavailable, skipping", "error", err)
		return nil
	}
	if confidence < d.config.MLThreshold {
		return nil
	}

	severity := schema.AnomalySeverityMedium
	if confidence >= 0.9 {
		severity = schema.AnomalySeverityHigh
	}
	anomaly := newAnomaly(a,
		schema.AnomalyUnusualPattern, severity, confidence,
		fmt.Sprintf("ml scorer flagged unusual pattern: %s", explanation),
		"review attestation context manually",
		map[string]any{"explanation": explanation, "ml_confidence": confidence}, now)
	return &anomaly
}

// structurallyValidSignature checks hex encoding and the expected byte length
// for the signature's inferred type.
func structurallyValidSignature(sig string) bool {
	s := strings.TrimPrefix(sig, "0x")
	if len(s) != ecdsaSignatureHexLen && len(s) != blsSignatureHexLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func meanStddev(samples []float64) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, v := range samples {
		diff := v - mean
		sq += diff * diff
	}
	return mean, math.Sqrt(sq / float64(len(samples)))
}
