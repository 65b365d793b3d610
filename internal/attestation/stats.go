package attestation

import (
	"sync/atomic"
	"time"

	"bridge-sentinel/internal/schema"
)

// BridgeStats tracks rolling per-bridge counters used for health reporting.
type BridgeStats struct {
	BridgeAddress string    `json:"bridge_address"`
	Total         uint64    `json:"total"`
	Valid         uint64    `json:"valid"`
	Anomalous     uint64    `json:"anomalous"`
	LastSeen      time.Time `json:"last_seen"`
}

// ValidatorStats tracks rolling per-validator counters.
type ValidatorStats struct {
	ValidatorAddress string    `json:"validator_address"`
	Total            uint64    `json:"total"`
	Anomalous        uint64    `json:"anomalous"`
	LastSeen         time.Time `json:"last_seen"`
}

// updateStats records one processed attestation. Callers hold d.mu.
func (d *Detector) updateStats(a *schema.Attestation, anomalyCount int, now time.Time) {
	bs := d.bridgeStats[a.BridgeAddress]
	if bs == nil {
		bs = &BridgeStats{BridgeAddress: a.BridgeAddress}
		d.bridgeStats[a.BridgeAddress] = bs
	}
	bs.Total++
	if anomalyCount > 0 {
		bs.Anomalous++
	} else {
		bs.Valid++
	}
	bs.LastSeen = now

	vs := d.validatorStats[a.ValidatorAddress]
	if vs == nil {
		vs = &ValidatorStats{ValidatorAddress: a.ValidatorAddress}
		d.validatorStats[a.ValidatorAddress] = vs
	}
	vs.Total++
	if anomalyCount > 0 {
		vs.Anomalous++
	}
	vs.LastSeen = now
}

// BridgeStatsSnapshot returns a copy of the per-bridge counters.
func (d *Detector) BridgeStatsSnapshot() map[string]BridgeStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]BridgeStats, len(d.bridgeStats))
	for k, v := range d.bridgeStats {
		out[k] = *v
	}
	return out
}

// ValidatorStatsSnapshot returns a copy of the per-validator counters.
func (d *Detector) ValidatorStatsSnapshot() map[string]ValidatorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]ValidatorStats, len(d.validatorStats))
	for k, v := range d.validatorStats {
		out[k] = *v
	}
	return out
}

// ValidityRate returns the fraction of processed attestations without
// anomalies across all bridges, 1.0 when nothing has been processed.
func (d *Detector) ValidityRate() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var total, valid uint64
	for _, bs := range d.bridgeStats {
		total += bs.Total
		valid += bs.Valid
	}
	if total == 0 {
		return 1.0
	}
	return float64(valid) / float64(total)
}

// Stats returns detector statistics.
func (d *Detector) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byType := make(map[string]int)
	for _, a := range d.anomalies.Snapshot() {
		byType[string(a.Type)]++
	}

	return map[string]interface{}{
		"processed":          atomic.LoadUint64(&d.processed),
		"rejected":           atomic.LoadUint64(&d.rejected),
		"anomalies_emitted":  atomic.LoadUint64(&d.flagged),
		"anomalies_retained": d.anomalies.Len(),
		"anomalies_by_type":  byType,
		"tracked_bridges":    len(d.bridgeStats),
		"tracked_validators": len(d.validatorStats),
		"tracked_routes":     len(d.routeWindows),
		"handler_count":      len(d.handlers),
	}
}
