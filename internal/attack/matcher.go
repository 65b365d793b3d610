package attack

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

	"github.com/google/uuid"
)

// BehavioralAnalyzer evaluates behavioral rules (coordinated timing,
// validator clustering). It is an extension point: the default implementation
// reports no finding.
type BehavioralAnalyzer interface {
	Analyze(ctx context.Context, rule *schema.DetectionRule, tx *chain.Transaction) (matched bool, confidence float64, err error)
}

// NoopBehavioralAnalyzer is the default analyzer. It never matches.
type NoopBehavioralAnalyzer struct{}

// Analyze reports no finding.
func (NoopBehavioralAnalyzer) Analyze(context.Context, *schema.DetectionRule, *chain.Transaction) (bool, float64, error) {
	return false, 0, nil
}

// MatcherConfig configures the attack matcher.
type MatcherConfig struct {
	StatsWindow         time.Duration `yaml:"stats_window"`
	ObservationWindow   time.Duration `yaml:"observation_window"`
	MaxDetectionHistory int           `yaml:"max_detection_history"`
}

// DefaultMatcherConfig returns default matcher configuration.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		StatsWindow:         1 * time.Hour,
		ObservationWindow:   1 * time.Hour,
		MaxDetectionHistory: 20000,
	}
}

// AnalysisResult is the outcome of matching one transaction.
type AnalysisResult struct {
	TransactionHash string                   `json:"transaction_hash"`
	MatchedPatterns []string                 `json:"matched_patterns"`
	Detections      []schema.AttackDetection `json:"detections"`
	RiskScore       float64                  `json:"risk_score"` // 0.0 to 1.0
	Recommendations []string                 `json:"recommendations"`
	AnalyzedAt      time.Time                `json:"analyzed_at"`
}

// DetectionHandler is called for every detection the matcher emits. Handlers
// run in their own goroutine.
type DetectionHandler func(context.Context, *chain.Transaction, *schema.AttackDetection)

// Matcher evaluates transactions against the attack pattern catalog. The
// catalog is immutable after construction and safe for concurrent reads.
type Matcher struct {
	config     MatcherConfig
	patterns   []*schema.AttackPattern
	behavioral BehavioralAnalyzer
	validator  *schema.Validator

	mu       sync.RWMutex
	seenTx   map[string]map[string]time.Time // bridge -> tx hash -> first seen
	handlers []DetectionHandler

	detections *queue.History[schema.AttackDetection]

	processed uint64
	matched   uint64
}

// NewMatcher creates a Matcher. A nil patterns slice loads the builtin
// catalog; a nil analyzer installs the no-op behavioral analyzer.
func NewMatcher(config MatcherConfig, patterns []*schema.AttackPattern, behavioral BehavioralAnalyzer) (*Matcher, error) {
	if patterns == nil {
		patterns = BuiltinPatterns()
	}
	for _, p := range patterns {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	if behavioral == nil {
		behavioral = NoopBehavioralAnalyzer{}
	}

	return &Matcher{
		config:     config,
		patterns:   patterns,
		behavioral: behavioral,
		validator:  schema.NewValidator(),
		seenTx:     make(map[string]map[string]time.Time),
		detections: queue.NewHistory[schema.AttackDetection](config.MaxDetectionHistory),
	}, nil
}

// AddHandler registers a detection handler.
func (m *Matcher) AddHandler(handler DetectionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Patterns returns the loaded catalog.
func (m *Matcher) Patterns() []*schema.AttackPattern {
	return m.patterns
}

// Match validates and evaluates one transaction against the full catalog.
// sig may be nil, in which case signature rules are skipped.
func (m *Matcher) Match(ctx context.Context, tx *chain.Transaction, sig *chain.SignatureAnalysis) (*AnalysisResult, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction is nil", schema.ErrInvalidInput)
	}
	if err := m.validator.Struct(tx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m.recordTransaction(tx, now)

	detections := m.Evaluate(ctx, m.patterns, tx, sig)

	atomic.AddUint64(&m.processed, 1)
	matchedPatterns := make([]string, 0, len(detections))
	seen := make(map[string]bool)
	for i := range detections {
		m.detections.Add(detections[i].DetectedAt, detections[i])
		if detections[i].PatternID != "" && !seen[detections[i].PatternID] {
			seen[detections[i].PatternID] = true
			matchedPatterns = append(matchedPatterns, detections[i].PatternID)
		}
	}
	if len(detections) > 0 {
		atomic.AddUint64(&m.matched, uint64(len(detections)))
		slog.Info("transaction matched attack patterns",
			"tx_hash", tx.Hash,
			"patterns", matchedPatterns,
			"detections", len(detections))

		m.mu.RLock()
		handlers := m.handlers
		m.mu.RUnlock()
		for i := range detections {
			det := detections[i]
			for _, handler := range handlers {
				go handler(ctx, tx, &det)
			}
		}
	}

	return &AnalysisResult{
		TransactionHash: tx.Hash,
		MatchedPatterns: matchedPatterns,
		Detections:      detections,
		RiskScore:       riskScore(detections),
		Recommendations: combineRecommendations(detections),
		AnalyzedAt:      now,
	}, nil
}

// Evaluate runs every rule of every pattern against the transaction. A
// failing rule contributes no detection and never aborts the rest.
func (m *Matcher) Evaluate(ctx context.Context, patterns []*schema.AttackPattern, tx *chain.Transaction, sig *chain.SignatureAnalysis) []schema.AttackDetection {
	now := time.Now().UTC()
	var detections []schema.AttackDetection

	for _, pattern := range patterns {
		for i := range pattern.Rules {
			rule := &pattern.Rules[i]
			if det := m.evaluateRule(ctx, pattern, rule, tx, sig, now); det != nil {
				detections = append(detections, *det)
			}
		}
	}
	return detections
}

func (m *Matcher) evaluateRule(ctx context.Context, pattern *schema.AttackPattern, rule *schema.DetectionRule, tx *chain.Transaction, sig *chain.SignatureAnalysis, now time.Time) (det *schema.AttackDetection) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rule evaluation failed", "rule_id", rule.ID, "panic", fmt.Sprintf("%v", r))
			det = nil
		}
	}()

	var matched bool
	var confidence float64
	evidence := map[string]any{"rule_id": rule.ID, "threshold": rule.Threshold}

	switch rule.Category {
	case schema.RuleCategorySignature:
		matched, confidence = evaluateSignatureRule(rule, sig, evidence)
	case schema.RuleCategoryTransaction:
		matched, confidence = m.evaluateTransactionRule(rule, tx, now, evidence)
	case schema.RuleCategoryEconomic:
		matched, confidence = evaluateEconomicRule(rule, tx, evidence)
	case schema.RuleCategoryBehavioral:
		var err error
		matched, confidence, err = m.behavioral.Analyze(ctx, rule, tx)
		if err != nil {
			slog.Warn("behavioral analyzer unavailable", "rule_id", rule.ID, "error", err)
			return nil
		}
	default:
		return nil
	}

	if !matched {
		return nil
	}

	attackType := attackTypeForRule(rule.ID)
	threat := rule.Action.ThreatLevel()
	affected := []string{tx.Network}
	if tx.BridgeAddress != "" {
		affected = append(affected, tx.BridgeAddress)
	}

	return &schema.AttackDetection{
		ID:                 uuid.NewString(),
		RuleID:             rule.ID,
		PatternID:          pattern.ID,
		AttackType:         attackType,
		ThreatLevel:        threat,
		Confidence:         confidence,
		Description:        fmt.Sprintf("%s: rule %s matched transaction %s", pattern.Name, rule.ID, tx.Hash),
		Evidence:           evidence,
		AffectedComponents: affected,
		RecommendedActions: recommendationsFor(rule.Action, attackType),
		MitigationPriority: threat.MitigationPriority(),
		DetectedAt:         now,
	}
}

func evaluateSignatureRule(rule *schema.DetectionRule, sig *chain.SignatureAnalysis, evidence map[string]any) (bool, float64) {
	if sig == nil {
		return false, 0
	}
	confidence := sig.Confidence
	if confidence == 0 {
		confidence = 0.9
	}

	switch rule.Pattern {
	case "reuse":
		evidence["reused"] = sig.Reused
		return sig.Reused, confidence
	case "structural":
		evidence["structurally_ok"] = sig.StructurallyOK
		return !sig.StructurallyOK, confidence
	case "bypass":
		evidence["bypass_indicators"] = sig.BypassIndicators
		return float64(sig.BypassIndicators) >= rule.Threshold, confidence
	}
	return false, 0
}

func (m *Matcher) evaluateTransactionRule(rule *schema.DetectionRule, tx *chain.Transaction, now time.Time, evidence map[string]any) (bool, float64) {
	switch rule.Pattern {
	case "value", "amount":
		evidence["value"] = tx.Value
		return tx.Value >= rule.Threshold, 0.8
	case "gas_price":
		evidence["gas_price"] = tx.GasPrice
		return tx.GasPrice >= rule.Threshold, 0.7
	case "frequency":
		count := m.transactionCount(tx, now, rule.Window)
		evidence["frequency"] = count
		evidence["window"] = rule.Window.String()
		return float64(count) >= rule.Threshold, 0.75
	}
	return false, 0
}

func evaluateEconomicRule(rule *schema.DetectionRule, tx *chain.Transaction, evidence map[string]any) (bool, float64) {
	value, ok := metadataFloat(tx, rule.Pattern)
	if !ok {
		return false, 0
	}
	evidence[rule.Pattern] = value
	return value >= rule.Threshold, 0.8
}

// recordTransaction notes the transaction for frequency rules. Observations
// are keyed by hash so re-matching the same transaction never inflates
// frequency counts.
func (m *Matcher) recordTransaction(tx *chain.Transaction, now time.Time) {
	scope := frequencyScope(tx)

	m.mu.Lock()
	defer m.mu.Unlock()

	txs := m.seenTx[scope]
	if txs == nil {
		txs = make(map[string]time.Time)
		m.seenTx[scope] = txs
	}
	if _, ok := txs[tx.Hash]; !ok {
		txs[tx.Hash] = now
	}

	cutoff := now.Add(-m.config.ObservationWindow)
	for hash, seen := range txs {
		if seen.Before(cutoff) {
			delete(txs, hash)
		}
	}
}

// transactionCount returns how many distinct transactions were observed on
// the same scope within the window, the current one included.
func (m *Matcher) transactionCount(tx *chain.Transaction, now time.Time, window time.Duration) int {
	if window <= 0 {
		window = m.config.ObservationWindow
	}
	cutoff := now.Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, seen := range m.seenTx[frequencyScope(tx)] {
		if !seen.Before(cutoff) {
			count++
		}
	}
	return count
}

func frequencyScope(tx *chain.Transaction) string {
	if tx.BridgeAddress != "" {
		return tx.BridgeAddress
	}
	return tx.From
}

func metadataFloat(tx *chain.Transaction, key string) (float64, bool) {
	if tx.Metadata == nil {
		return 0, false
	}
	switch v := tx.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

var threatWeights = map[schema.ThreatLevel]float64{
	schema.ThreatInfo:     0.2,
	schema.ThreatLow:      0.4,
	schema.ThreatMedium:   0.6,
	schema.ThreatHigh:     0.8,
	schema.ThreatCritical: 1.0,
}

// riskScore is the strongest detection's confidence weighted by its threat
// level.
func riskScore(detections []schema.AttackDetection) float64 {
	score := 0.0
	for i := range detections {
		weighted := threatWeights[detections[i].ThreatLevel] * detections[i].Confidence
		if weighted > score {
			score = weighted
		}
	}
	return score
}

func combineRecommendations(detections []schema.AttackDetection) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range detections {
		for _, rec := range detections[i].RecommendedActions {
			if !seen[rec] {
				seen[rec] = true
				out = append(out, rec)
			}
		}
	}
	return out
}

// RecentDetections returns detections at or after cutoff, oldest first.
func (m *Matcher) RecentDetections(cutoff time.Time, limit int) []schema.AttackDetection {
	return m.detections.Recent(cutoff, limit)
}

// DetectionRate returns the number of detections within the stats window.
func (m *Matcher) DetectionRate() int {
	return m.detections.CountSince(time.Now().UTC().Add(-m.config.StatsWindow))
}

// Stats aggregates the detection history over the trailing stats window.
func (m *Matcher) Stats() map[string]interface{} {
	cutoff := time.Now().UTC().Add(-m.config.StatsWindow)
	recent := m.detections.Recent(cutoff, 0)

	byType := make(map[string]int)
	byLevel := make(map[string]int)
	var confidenceSum float64
	for i := range recent {
		byType[string(recent[i].AttackType)]++
		byLevel[string(recent[i].ThreatLevel)]++
		confidenceSum += recent[i].Confidence
	}

	avgConfidence := 0.0
	mostCommon := ""
	if len(recent) > 0 {
		avgConfidence = confidenceSum / float64(len(recent))
		best := 0
		for t, n := range byType {
			if n > best {
				best = n
				mostCommon = t
			}
		}
	}

	return map[string]interface{}{
		"processed":          atomic.LoadUint64(&m.processed),
		"matched":            atomic.LoadUint64(&m.matched),
		"pattern_count":      len(m.patterns),
		"window":             m.config.StatsWindow.String(),
		"recent_detections":  len(recent),
		"by_attack_type":     byType,
		"by_threat_level":    byLevel,
		"avg_confidence":     avgConfidence,
		"most_common_attack": mostCommon,
	}
}
