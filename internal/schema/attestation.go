package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AttestationStatus represents the validation state of an attestation.
type AttestationStatus string

const (
	AttestationPending   AttestationStatus = "pending"
	AttestationValid     AttestationStatus = "valid"
	AttestationInvalid   AttestationStatus = "invalid"
	AttestationExpired   AttestationStatus = "expired"
	AttestationAnomalous AttestationStatus = "anomalous"
)

// IsValid checks if the status is a known value.
func (s AttestationStatus) IsValid() bool {
	switch s {
	case AttestationPending, AttestationValid, AttestationInvalid, AttestationExpired, AttestationAnomalous:
		return true
	}
	return false
}

// Attestation is one validator's signed claim about a cross-chain transfer.
// Immutable once stored, except for Status and Confidence which validation and
// anomaly detection may downgrade.
type Attestation struct {
	ID               string            `json:"id"`
	BridgeAddress    string            `json:"bridge_address" validate:"required,eth_addr"`
	SourceNetwork    string            `json:"source_network" validate:"required,max=64"`
	TargetNetwork    string            `json:"target_network" validate:"required,max=64"`
	TxHash           string            `json:"tx_hash" validate:"required,eth_hash"`
	BlockNumber      uint64            `json:"block_number"`
	Timestamp        time.Time         `json:"timestamp" validate:"required"`
	ValidatorAddress string            `json:"validator_address" validate:"required,eth_addr"`
	Signature        string            `json:"signature" validate:"required,max=4096"`
	MessageHash      string            `json:"message_hash" validate:"required,eth_hash"`
	Status           AttestationStatus `json:"status"`
	Confidence       float64           `json:"confidence"` // 0.0 to 1.0
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// Key returns the rolling-statistics key for this attestation's route.
// Timing and quorum windows are tracked per (bridge, source, target).
func (a *Attestation) Key() string {
	return fmt.Sprintf("%s|%s|%s", a.BridgeAddress, a.SourceNetwork, a.TargetNetwork)
}

// DeriveID computes a deterministic identifier from the attestation's
// canonical identity fields. Resubmitting identical content yields the same
// ID, so duplicate submissions are detectable by ID equality.
func (a *Attestation) DeriveID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
		a.BridgeAddress, a.SourceNetwork, a.TargetNetwork,
		a.TxHash, a.ValidatorAddress, a.Signature)
	return hex.EncodeToString(h.Sum(nil))
}

// AnomalyType categorizes attestation anomalies.
type AnomalyType string

const (
	AnomalyTiming            AnomalyType = "timing"
	AnomalySignatureMismatch AnomalyType = "signature_mismatch"
	AnomalyQuorumSkew        AnomalyType = "quorum_skew"
	AnomalyDuplicate         AnomalyType = "duplicate"
	AnomalyUnusualPattern    AnomalyType = "unusual_pattern"
	AnomalyValidatorOffline  AnomalyType = "validator_offline"
	AnomalyRateLimitExceeded AnomalyType = "rate_limit_exceeded"
)

// AnomalySeverity is the four-level severity vocabulary of the anomaly
// detector. The orchestrator translates it onto EventSeverity.
type AnomalySeverity string

const (
	AnomalySeverityLow      AnomalySeverity = "low"
	AnomalySeverityMedium   AnomalySeverity = "medium"
	AnomalySeverityHigh     AnomalySeverity = "high"
	AnomalySeverityCritical AnomalySeverity = "critical"
)

// AttestationAnomaly is a single finding from one detection pass. Created
// once, never mutated.
type AttestationAnomaly struct {
	ID                string          `json:"id"`
	AttestationID     string          `json:"attestation_id"`
	Type              AnomalyType     `json:"type"`
	Severity          AnomalySeverity `json:"severity"`
	Confidence        float64         `json:"confidence"` // 0.0 to 1.0
	Description       string          `json:"description"`
	Evidence          map[string]any  `json:"evidence,omitempty"`
	RecommendedAction string          `json:"recommended_action"`
	DetectedAt        time.Time       `json:"detected_at"`
}
