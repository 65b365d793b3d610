// Package attack matches transactions against parameterized profiles of
// historical bridge exploits. The pattern catalog is data, loaded once at
// startup and read-only afterwards.
package attack

import (
	"fmt"
	"os"
	"strings"
	"time"

	"bridge-sentinel/internal/schema"

	"gopkg.in/yaml.v3"
)

// patternFile is the YAML shape of an external pattern catalog.
type patternFile struct {
	Patterns []schema.AttackPattern `yaml:"patterns"`
}

// ParsePatterns parses a YAML pattern catalog.
func ParsePatterns(data []byte) ([]*schema.AttackPattern, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse patterns: %w", err)
	}

	patterns := make([]*schema.AttackPattern, 0, len(file.Patterns))
	for i := range file.Patterns {
		p := file.Patterns[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		patterns = append(patterns, &p)
	}
	return patterns, nil
}

// LoadPatternsFile loads a pattern catalog from a YAML file.
func LoadPatternsFile(path string) ([]*schema.AttackPattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}
	return ParsePatterns(data)
}

// ruleAttackTypes maps known rule ids to attack types. Rules outside the
// table fall back to a prefix match, then to unknown.
var ruleAttackTypes = map[string]schema.AttackType{
	"vkc-large-withdrawal":   schema.AttackValidatorCompromise,
	"vkc-rapid-succession":   schema.AttackValidatorCompromise,
	"vkc-coordinated-timing": schema.AttackValidatorCompromise,
	"sfb-signature-reuse":    schema.AttackReplay,
	"sfb-structural-invalid": schema.AttackSignatureForgery,
	"sfb-bypass-indicators":  schema.AttackSignatureForgery,
	"sfb-rapid-minting":      schema.AttackSignatureForgery,
	"em-price-impact":        schema.AttackEconomic,
	"em-volume-spike":        schema.AttackEconomic,
	"em-large-value":         schema.AttackEconomic,
}

var rulePrefixAttackTypes = map[string]schema.AttackType{
	"vkc":    schema.AttackValidatorCompromise,
	"sfb":    schema.AttackSignatureForgery,
	"em":     schema.AttackEconomic,
	"replay": schema.AttackReplay,
	"tda":    schema.AttackTimeDelay,
}

// attackTypeForRule resolves the attack type for a rule id. The mapping is
// total: unmapped rules classify as unknown.
func attackTypeForRule(ruleID string) schema.AttackType {
	if t, ok := ruleAttackTypes[ruleID]; ok {
		return t
	}
	if idx := strings.Index(ruleID, "-"); idx > 0 {
		if t, ok := rulePrefixAttackTypes[ruleID[:idx]]; ok {
			return t
		}
	}
	return schema.AttackUnknown
}

// BuiltinPatterns returns the preloaded exploit profiles, modeled on the
// Ronin validator-key compromise, the Wormhole signature-verification bypass
// and the Nomad economic drain.
func BuiltinPatterns() []*schema.AttackPattern {
	return []*schema.AttackPattern{
		{
			ID:          "validator-key-compromise",
			Name:        "Validator Key Compromise",
			AttackType:  schema.AttackValidatorCompromise,
			Description: "Stolen validator keys draining the bridge through oversized withdrawals in rapid succession",
			TransactionFingerprints: []schema.TransactionFingerprint{
				{Field: "value", Operator: "gte", Threshold: 1_000_000},
			},
			TimingFingerprints: []schema.TimingFingerprint{
				{Window: 5 * time.Minute, MinCount: 5},
			},
			HistoricalSuccessRate: 0.8,
			DamageEstimateUSD:     625_000_000,
			Mitigations: []string{
				"rotate validator keys immediately",
				"raise the signature quorum threshold",
				"pause large withdrawals pending manual review",
			},
			Rules: []schema.DetectionRule{
				{ID: "vkc-large-withdrawal", Category: schema.RuleCategoryTransaction, Pattern: "value", Threshold: 1_000_000, Action: schema.ActionCriticalAlert},
				{ID: "vkc-rapid-succession", Category: schema.RuleCategoryTransaction, Pattern: "frequency", Threshold: 5, Action: schema.ActionBlock, Window: 5 * time.Minute},
				{ID: "vkc-coordinated-timing", Category: schema.RuleCategoryBehavioral, Pattern: "coordinated_timing", Threshold: 0.8, Action: schema.ActionInvestigate},
			},
		},
		{
			ID:          "signature-forgery-bypass",
			Name:        "Signature Verification Bypass",
			AttackType:  schema.AttackSignatureForgery,
			Description: "Forged or replayed signatures accepted by a flawed verifier, followed by rapid unauthorized minting",
			SignatureFingerprints: []schema.SignatureFingerprint{
				{Behavior: "reuse", Weight: 0.9},
				{Behavior: "structural_invalid", Weight: 1.0},
				{Behavior: "bypass_indicators", Weight: 0.7},
			},
			TimingFingerprints: []schema.TimingFingerprint{
				{Window: 10 * time.Minute, MinCount: 10},
			},
			HistoricalSuccessRate: 0.6,
			DamageEstimateUSD:     325_000_000,
			Mitigations: []string{
				"audit the signature verification path",
				"require fresh signatures per message hash",
				"halt minting until verification is confirmed",
			},
			Rules: []schema.DetectionRule{
				{ID: "sfb-signature-reuse", Category: schema.RuleCategorySignature, Pattern: "reuse", Threshold: 1, Action: schema.ActionCriticalAlert},
				{ID: "sfb-structural-invalid", Category: schema.RuleCategorySignature, Pattern: "structural", Threshold: 1, Action: schema.ActionBlock},
				{ID: "sfb-bypass-indicators", Category: schema.RuleCategorySignature, Pattern: "bypass", Threshold: 2, Action: schema.ActionAlert},
				{ID: "sfb-rapid-minting", Category: schema.RuleCategoryTransaction, Pattern: "frequency", Threshold: 10, Action: schema.ActionAlert, Window: 10 * time.Minute},
			},
		},
		{
			ID:          "economic-manipulation",
			Name:        "Economic Manipulation",
			AttackType:  schema.AttackEconomic,
			Description: "Price-oracle or liquidity manipulation producing outsized price impact and volume spikes around bridge transfers",
			EconomicFingerprints: []schema.EconomicFingerprint{
				{Indicator: "price_impact", Threshold: 0.10},
				{Indicator: "volume_spike_ratio", Threshold: 5.0},
			},
			TransactionFingerprints: []schema.TransactionFingerprint{
				{Field: "value", Operator: "gte", Threshold: 5_000_000},
			},
			HistoricalSuccessRate: 0.4,
			DamageEstimateUSD:     190_000_000,
			Mitigations: []string{
				"cross-check oracle prices against independent feeds",
				"rate-limit transfers during volume spikes",
				"add slippage bounds on bridge swaps",
			},
			Rules: []schema.DetectionRule{
				{ID: "em-price-impact", Category: schema.RuleCategoryEconomic, Pattern: "price_impact", Threshold: 0.10, Action: schema.ActionBlock},
				{ID: "em-volume-spike", Category: schema.RuleCategoryEconomic, Pattern: "volume_spike_ratio", Threshold: 5.0, Action: schema.ActionAlert},
				{ID: "em-large-value", Category: schema.RuleCategoryTransaction, Pattern: "value", Threshold: 5_000_000, Action: schema.ActionInvestigate},
			},
		},
	}
}

// genericRecommendations keys operator guidance by the firing rule's action.
var genericRecommendations = map[schema.RuleAction][]string{
	schema.ActionCriticalAlert: {
		"page the on-call security team immediately",
		"prepare to pause bridge operations",
	},
	schema.ActionBlock: {
		"block the transaction source pending review",
		"snapshot current bridge state for forensics",
	},
	schema.ActionAlert: {
		"notify the security channel",
	},
	schema.ActionInvestigate: {
		"open an investigation ticket with full transaction context",
	},
	schema.ActionMonitor: {
		"add the source address to the watchlist",
	},
}

// attackRecommendations adds attack-type-specific guidance.
var attackRecommendations = map[schema.AttackType][]string{
	schema.AttackValidatorCompromise: {
		"rotate validator keys and verify signer set integrity",
	},
	schema.AttackSignatureForgery: {
		"audit signature verification and invalidate affected message hashes",
	},
	schema.AttackReplay: {
		"enforce nonce uniqueness and reject reused signatures",
	},
	schema.AttackEconomic: {
		"verify oracle feeds and check liquidity pool balances",
	},
	schema.AttackTimeDelay: {
		"review timelock windows and pending queued transfers",
	},
}

func recommendationsFor(action schema.RuleAction, attackType schema.AttackType) []string {
	out := make([]string, 0, 4)
	out = append(out, genericRecommendations[action]...)
	out = append(out, attackRecommendations[attackType]...)
	return out
}
