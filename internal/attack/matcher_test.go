package attack

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bridge-sentinel/internal/chain"
	"bridge-sentinel/internal/schema"
)

const testBridge = "0x00000000000000000000000000000000000000bb"

func testTransaction(n int, value float64) *chain.Transaction {
	return &chain.Transaction{
		Hash:          fmt.Sprintf("0x%064x", n),
		Network:       "ethereum",
		BridgeAddress: testBridge,
		From:          fmt.Sprintf("0x%040x", n+1),
		Value:         value,
		BlockNumber:   1000,
		Timestamp:     time.Now().UTC(),
	}
}

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	m, err := NewMatcher(DefaultMatcherConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewMatcher() error = %v", err)
	}
	return m
}

func detectionsByRule(detections []schema.AttackDetection) map[string]schema.AttackDetection {
	out := make(map[string]schema.AttackDetection)
	for _, d := range detections {
		out[d.RuleID] = d
	}
	return out
}

func TestBuiltinPatternsValid(t *testing.T) {
	patterns := BuiltinPatterns()
	if len(patterns) != 3 {
		t.Fatalf("builtin patterns = %d, want 3", len(patterns))
	}
	for _, p := range patterns {
		if err := p.Validate(); err != nil {
			t.Errorf("pattern %s invalid: %v", p.ID, err)
		}
	}
}

func TestRuleActionThreatMappingIsTotal(t *testing.T) {
	tests := []struct {
		action schema.RuleAction
		want   schema.ThreatLevel
	}{
		{schema.ActionCriticalAlert, schema.ThreatCritical},
		{schema.ActionBlock, schema.ThreatHigh},
		{schema.ActionAlert, schema.ThreatMedium},
		{schema.ActionInvestigate, schema.ThreatMedium},
		{schema.ActionMonitor, schema.ThreatLow},
		{schema.RuleAction("something-new"), schema.ThreatMedium},
	}
	for _, tt := range tests {
		if got := tt.action.ThreatLevel(); got != tt.want {
			t.Errorf("ThreatLevel(%s) = %s, want %s", tt.action, got, tt.want)
		}
	}
}

func TestAttackTypeForRuleFallsBackToUnknown(t *testing.T) {
	if got := attackTypeForRule("vkc-large-withdrawal"); got != schema.AttackValidatorCompromise {
		t.Errorf("attackTypeForRule(vkc-large-withdrawal) = %s", got)
	}
	if got := attackTypeForRule("tda-delayed-release"); got != schema.AttackTimeDelay {
		t.Errorf("attackTypeForRule(tda-delayed-release) = %s", got)
	}
	if got := attackTypeForRule("custom-rule"); got != schema.AttackUnknown {
		t.Errorf("attackTypeForRule(custom-rule) = %s, want unknown", got)
	}
}

func TestMatchRejectsMalformedTransaction(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	tx := testTransaction(1, 100)
	tx.Hash = "not-a-hash"

	if _, err := m.Match(ctx, tx, nil); !errors.Is(err, schema.ErrInvalidInput) {
		t.Fatalf("Match() error = %v, want ErrInvalidInput", err)
	}
	if _, err := m.Match(ctx, nil, nil); !errors.Is(err, schema.ErrInvalidInput) {
		t.Fatalf("Match(nil) error = %v, want ErrInvalidInput", err)
	}
}

func TestLargeWithdrawalDetected(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	result, err := m.Match(ctx, testTransaction(1, 2_000_000), nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}

	byRule := detectionsByRule(result.Detections)
	det, ok := byRule["vkc-large-withdrawal"]
	if !ok {
		t.Fatalf("vkc-large-withdrawal not in detections: %v", result.Detections)
	}
	if det.ThreatLevel != schema.ThreatCritical {
		t.Errorf("threat level = %s, want critical", det.ThreatLevel)
	}
	if det.AttackType != schema.AttackValidatorCompromise {
		t.Errorf("attack type = %s, want validator_compromise", det.AttackType)
	}
	if det.MitigationPriority != 1 {
		t.Errorf("mitigation priority = %d, want 1", det.MitigationPriority)
	}
	if result.RiskScore == 0 {
		t.Error("risk score = 0, want > 0")
	}
	if len(result.Recommendations) == 0 {
		t.Error("no recommendations generated")
	}
}

func TestMatchIdempotence(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()
	tx := testTransaction(1, 2_000_000)

	first, err := m.Match(ctx, tx, nil)
	if err != nil {
		t.Fatalf("first Match() error = %v", err)
	}
	second, err := m.Match(ctx, tx, nil)
	if err != nil {
		t.Fatalf("second Match() error = %v", err)
	}

	if len(first.Detections) != len(second.Detections) {
		t.Fatalf("detection counts differ: %d vs %d", len(first.Detections), len(second.Detections))
	}
	a, b := detectionsByRule(first.Detections), detectionsByRule(second.Detections)
	for ruleID, da := range a {
		db, ok := b[ruleID]
		if !ok {
			t.Errorf("rule %s fired only on first match", ruleID)
			continue
		}
		if da.ThreatLevel != db.ThreatLevel || da.Confidence != db.Confidence || da.AttackType != db.AttackType {
			t.Errorf("rule %s results differ: %+v vs %+v", ruleID, da, db)
		}
	}
	if first.RiskScore != second.RiskScore {
		t.Errorf("risk scores differ: %v vs %v", first.RiskScore, second.RiskScore)
	}
}

func TestSignatureRules(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	sig := &chain.SignatureAnalysis{
		Signature:        "0xabc",
		Valid:            false,
		Reused:           true,
		StructurallyOK:   false,
		BypassIndicators: 3,
		Confidence:       0.95,
	}

	result, err := m.Match(ctx, testTransaction(1, 100), sig)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}

	byRule := detectionsByRule(result.Detections)

	reuse, ok := byRule["sfb-signature-reuse"]
	if !ok {
		t.Fatal("sfb-signature-reuse did not fire")
	}
	if reuse.ThreatLevel != schema.ThreatCritical {
		t.Errorf("reuse threat = %s, want critical", reuse.ThreatLevel)
	}
	if reuse.AttackType != schema.AttackReplay {
		t.Errorf("reuse attack type = %s, want replay_attack", reuse.AttackType)
	}

	structural, ok := byRule["sfb-structural-invalid"]
	if !ok {
		t.Fatal("sfb-structural-invalid did not fire")
	}
	if structural.ThreatLevel != schema.ThreatHigh {
		t.Errorf("structural threat = %s, want high", structural.ThreatLevel)
	}

	if _, ok := byRule["sfb-bypass-indicators"]; !ok {
		t.Error("sfb-bypass-indicators did not fire with 3 indicators")
	}
}

func TestSignatureRulesSkippedWithoutAnalysis(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	result, err := m.Match(ctx, testTransaction(1, 100), nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	for _, d := range result.Detections {
		if d.RuleID == "sfb-signature-reuse" || d.RuleID == "sfb-structural-invalid" {
			t.Errorf("signature rule %s fired without signature analysis", d.RuleID)
		}
	}
}

func TestEconomicRules(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	tx := testTransaction(1, 100)
	tx.Metadata = map[string]any{
		"price_impact":       0.15,
		"volume_spike_ratio": 6.0,
	}

	result, err := m.Match(ctx, tx, nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}

	byRule := detectionsByRule(result.Detections)
	impact, ok := byRule["em-price-impact"]
	if !ok {
		t.Fatal("em-price-impact did not fire")
	}
	if impact.ThreatLevel != schema.ThreatHigh {
		t.Errorf("price impact threat = %s, want high", impact.ThreatLevel)
	}
	if impact.AttackType != schema.AttackEconomic {
		t.Errorf("price impact attack type = %s, want economic_attack", impact.AttackType)
	}
	if _, ok := byRule["em-volume-spike"]; !ok {
		t.Error("em-volume-spike did not fire")
	}
}

func TestFrequencyRuleFiresAtThreshold(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	var last *AnalysisResult
	for i := 0; i < 5; i++ {
		var err error
		last, err = m.Match(ctx, testTransaction(i, 100), nil)
		if err != nil {
			t.Fatalf("Match(%d) error = %v", i, err)
		}
	}

	byRule := detectionsByRule(last.Detections)
	if _, ok := byRule["vkc-rapid-succession"]; !ok {
		t.Errorf("vkc-rapid-succession did not fire after 5 transactions: %v", last.Detections)
	}
}

type fakeBehavioral struct {
	matched    bool
	confidence float64
	err        error
}

func (f *fakeBehavioral) Analyze(context.Context, *schema.DetectionRule, *chain.Transaction) (bool, float64, error) {
	return f.matched, f.confidence, f.err
}

func TestBehavioralAnalyzerPluggable(t *testing.T) {
	m, err := NewMatcher(DefaultMatcherConfig(), nil, &fakeBehavioral{matched: true, confidence: 0.85})
	if err != nil {
		t.Fatalf("NewMatcher() error = %v", err)
	}

	result, err := m.Match(context.Background(), testTransaction(1, 100), nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}

	byRule := detectionsByRule(result.Detections)
	det, ok := byRule["vkc-coordinated-timing"]
	if !ok {
		t.Fatal("behavioral rule did not fire with matching analyzer")
	}
	if det.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", det.Confidence)
	}
}

func TestBehavioralAnalyzerFailureDegrades(t *testing.T) {
	m, err := NewMatcher(DefaultMatcherConfig(), nil, &fakeBehavioral{err: errors.New("unavailable")})
	if err != nil {
		t.Fatalf("NewMatcher() error = %v", err)
	}

	result, err := m.Match(context.Background(), testTransaction(1, 100), nil)
	if err != nil {
		t.Fatalf("Match() error = %v, analyzer failure must not propagate", err)
	}
	for _, d := range result.Detections {
		if d.RuleID == "vkc-coordinated-timing" {
			t.Error("behavioral rule fired despite analyzer failure")
		}
	}
}

func TestStatsAggregation(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Match(ctx, testTransaction(i, 2_000_000), nil); err != nil {
			t.Fatalf("Match(%d) error = %v", i, err)
		}
	}

	stats := m.Stats()
	byType := stats["by_attack_type"].(map[string]int)
	if byType[string(schema.AttackValidatorCompromise)] < 3 {
		t.Errorf("validator_compromise count = %d, want >= 3", byType[string(schema.AttackValidatorCompromise)])
	}
	if stats["most_common_attack"].(string) != string(schema.AttackValidatorCompromise) {
		t.Errorf("most_common_attack = %v", stats["most_common_attack"])
	}
	if stats["avg_confidence"].(float64) <= 0 {
		t.Error("avg_confidence not computed")
	}
}

func TestParsePatternsYAML(t *testing.T) {
	doc := `
patterns:
  - id: custom-profile
    name: Custom Profile
    attack_type: replay_attack
    rules:
      - id: replay-nonce-reuse
        category: signature
        pattern: reuse
        threshold: 1
        action: block
`
	patterns, err := ParsePatterns([]byte(doc))
	if err != nil {
		t.Fatalf("ParsePatterns() error = %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(patterns))
	}
	if patterns[0].Rules[0].Action.ThreatLevel() != schema.ThreatHigh {
		t.Errorf("parsed rule threat = %s, want high", patterns[0].Rules[0].Action.ThreatLevel())
	}
}

func TestParsePatternsRejectsInvalid(t *testing.T) {
	doc := `
patterns:
  - id: broken
    attack_type: replay_attack
    rules:
      - id: r1
        category: nonsense
        action: alert
`
	if _, err := ParsePatterns([]byte(doc)); err == nil {
		t.Fatal("ParsePatterns() accepted unknown rule category")
	}
}

func BenchmarkMatch(b *testing.B) {
	m, _ := NewMatcher(DefaultMatcherConfig(), nil, nil)
	ctx := context.Background()
	tx := testTransaction(1, 2_000_000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Match(ctx, tx, nil)
	}
}
