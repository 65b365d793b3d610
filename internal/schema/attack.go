package schema

import (
	"fmt"
	"time"
)

// AttackType identifies the class of attack a pattern or detection refers to.
type AttackType string

const (
	AttackSignatureForgery    AttackType = "signature_forgery"
	AttackReplay              AttackType = "replay_attack"
	AttackEconomic            AttackType = "economic_attack"
	AttackValidatorCompromise AttackType = "validator_compromise"
	AttackTimeDelay           AttackType = "time_delay_attack"
	AttackUnknown             AttackType = "unknown"
)

// ThreatLevel is the five-level threat vocabulary of the attack matcher.
type ThreatLevel string

const (
	ThreatInfo     ThreatLevel = "info"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// MitigationPriority returns the response priority for a threat level,
// 1 being the most urgent.
func (t ThreatLevel) MitigationPriority() int {
	switch t {
	case ThreatCritical:
		return 1
	case ThreatHigh:
		return 2
	case ThreatMedium:
		return 3
	case ThreatLow:
		return 4
	default:
		return 5
	}
}

// RuleCategory is the closed set of detection-rule categories. Evaluation
// dispatches exhaustively on it.
type RuleCategory string

const (
	RuleCategorySignature   RuleCategory = "signature"
	RuleCategoryTransaction RuleCategory = "transaction"
	RuleCategoryEconomic    RuleCategory = "economic"
	RuleCategoryBehavioral  RuleCategory = "behavioral"
)

// IsValid checks if the category is a known value.
func (c RuleCategory) IsValid() bool {
	switch c {
	case RuleCategorySignature, RuleCategoryTransaction, RuleCategoryEconomic, RuleCategoryBehavioral:
		return true
	}
	return false
}

// RuleAction is what firing a rule should trigger.
type RuleAction string

const (
	ActionCriticalAlert RuleAction = "critical_alert"
	ActionBlock         RuleAction = "block"
	ActionAlert         RuleAction = "alert"
	ActionInvestigate   RuleAction = "investigate"
	ActionMonitor       RuleAction = "monitor"
)

// ThreatLevel maps a rule action onto the threat scale. The mapping is total:
// unknown actions rate as medium rather than failing.
func (a RuleAction) ThreatLevel() ThreatLevel {
	switch a {
	case ActionCriticalAlert:
		return ThreatCritical
	case ActionBlock:
		return ThreatHigh
	case ActionAlert, ActionInvestigate:
		return ThreatMedium
	case ActionMonitor:
		return ThreatLow
	default:
		return ThreatMedium
	}
}

// DetectionRule is a single parameterized check inside an attack pattern.
type DetectionRule struct {
	ID        string        `yaml:"id" json:"id"`
	Category  RuleCategory  `yaml:"category" json:"category"`
	Pattern   string        `yaml:"pattern" json:"pattern"`
	Threshold float64       `yaml:"threshold" json:"threshold"`
	Action    RuleAction    `yaml:"action" json:"action"`
	Window    time.Duration `yaml:"window,omitempty" json:"window,omitempty"`
}

// Validate checks the rule's required fields.
func (r *DetectionRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if !r.Category.IsValid() {
		return fmt.Errorf("rule %s: unknown category %q", r.ID, r.Category)
	}
	if r.Action == "" {
		return fmt.Errorf("rule %s: action is required", r.ID)
	}
	return nil
}

// SignatureFingerprint describes a signature-behavior indicator.
type SignatureFingerprint struct {
	Behavior string  `yaml:"behavior" json:"behavior"`
	Weight   float64 `yaml:"weight" json:"weight"`
}

// TransactionFingerprint describes a transaction-shape threshold.
type TransactionFingerprint struct {
	Field     string  `yaml:"field" json:"field"`
	Operator  string  `yaml:"operator" json:"operator"` // gt, gte, lt, lte, eq
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// TimingFingerprint describes a frequency-in-window indicator.
type TimingFingerprint struct {
	Window   time.Duration `yaml:"window" json:"window"`
	MinCount int           `yaml:"min_count" json:"min_count"`
}

// EconomicFingerprint describes a derived economic indicator threshold.
type EconomicFingerprint struct {
	Indicator string  `yaml:"indicator" json:"indicator"` // price_impact, volume_spike_ratio
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// AttackPattern is a named historical exploit profile. Patterns are data:
// loaded at startup from the builtin catalog or a YAML file, read-only at
// runtime.
type AttackPattern struct {
	ID                      string                   `yaml:"id" json:"id"`
	Name                    string                   `yaml:"name" json:"name"`
	AttackType              AttackType               `yaml:"attack_type" json:"attack_type"`
	Description             string                   `yaml:"description" json:"description"`
	SignatureFingerprints   []SignatureFingerprint   `yaml:"signature_fingerprints,omitempty" json:"signature_fingerprints,omitempty"`
	TransactionFingerprints []TransactionFingerprint `yaml:"transaction_fingerprints,omitempty" json:"transaction_fingerprints,omitempty"`
	TimingFingerprints      []TimingFingerprint      `yaml:"timing_fingerprints,omitempty" json:"timing_fingerprints,omitempty"`
	EconomicFingerprints    []EconomicFingerprint    `yaml:"economic_fingerprints,omitempty" json:"economic_fingerprints,omitempty"`
	HistoricalSuccessRate   float64                  `yaml:"historical_success_rate" json:"historical_success_rate"`
	DamageEstimateUSD       float64                  `yaml:"damage_estimate_usd" json:"damage_estimate_usd"`
	Mitigations             []string                 `yaml:"mitigations,omitempty" json:"mitigations,omitempty"`
	Rules                   []DetectionRule          `yaml:"rules" json:"rules"`
}

// Validate checks the pattern and all of its rules.
func (p *AttackPattern) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pattern id is required")
	}
	if p.AttackType == "" {
		return fmt.Errorf("pattern %s: attack type is required", p.ID)
	}
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return fmt.Errorf("pattern %s: %w", p.ID, err)
		}
	}
	return nil
}

// AttackDetection is a single rule firing against a transaction.
type AttackDetection struct {
	ID                 string         `json:"id"`
	RuleID             string         `json:"rule_id"`
	PatternID          string         `json:"pattern_id,omitempty"`
	AttackType         AttackType     `json:"attack_type"`
	ThreatLevel        ThreatLevel    `json:"threat_level"`
	Confidence         float64        `json:"confidence"`
	Description        string         `json:"description"`
	Evidence           map[string]any `json:"evidence,omitempty"`
	AffectedComponents []string       `json:"affected_components,omitempty"`
	RecommendedActions []string       `json:"recommended_actions,omitempty"`
	MitigationPriority int            `json:"mitigation_priority"` // 1 is highest
	DetectedAt         time.Time      `json:"detected_at"`
}
