package manmode

import (
	"fmt"
	"sort"
	"strings"
)

// Dimension weights used by the triage engine. The final score is the
// maximum across dimensions, never the sum, so one strong signal is enough
// to gate an action and stacking weak ones cannot.
const (
	weightAffectsRights     = 1.00
	weightSensitiveData     = 0.90
	weightIrreversible      = 0.80
	weightSubjectiveWord    = 0.20
	weightMissingParams     = 0.30
	weightMissingStepID     = 0.20
	redMinimumFloor         = 0.80
	yellowMinimumFloor      = 0.50
	hardTriggerReason       = "Hard trigger activated"
	subjectiveLanguageScale = 1.00
)

// subjectiveVocabulary is the fixed word list scanned for the
// subjective_language dimension. Matching is lower-cased substring search,
// so "dangerous" counts for "danger".
var subjectiveVocabulary = []string{
	"exception", "vulnerability", "risk", "danger", "warning",
	"critical", "emergency", "urgent", "suspicious", "anomaly",
}

// EngineOptions configures the triage engine.
type EngineOptions struct {
	// Vocabulary replaces the subjective-language word list. Empty keeps the
	// built-in vocabulary.
	Vocabulary []string
}

// Engine evaluates ActionIntents against a ManPolicy. It holds no mutable
// state: Triage is a pure function of its arguments, and equal inputs yield
// byte-equal results including reason ordering.
type Engine struct {
	vocabulary []string
}

// NewEngine builds a triage engine.
func NewEngine(opts EngineOptions) *Engine {
	vocab := opts.Vocabulary
	if len(vocab) == 0 {
		vocab = subjectiveVocabulary
	}
	lowered := make([]string, len(vocab))
	for i, word := range vocab {
		lowered[i] = strings.ToLower(word)
	}
	return &Engine{vocabulary: lowered}
}

// Triage assigns a lane, a risk score and an ordered reason list to the
// intent. Hard triggers win outright; otherwise risk dimensions are scored,
// tool minimum lanes are applied, and thresholds map the score to a lane
// that is then promoted monotonically to at least the tool minimum.
func (e *Engine) Triage(policy ManPolicy, intent ActionIntent, workflowKey string, freeTextSignals []string) RiskTriageResult {
	if hardTriggered(policy.HardTriggers, intent, workflowKey) {
		return RiskTriageResult{Lane: LaneRed, RiskScore: 1.0, Reasons: []string{hardTriggerReason}}
	}

	score, reasons := e.scoreDimensions(intent, freeTextSignals)

	minLane, hasMin := policy.MinimumLane(intent.ToolName, workflowKey)
	if hasMin {
		reasons = append(reasons, fmt.Sprintf("Tool %s requires minimum %s", intent.ToolName, minLane))
		switch minLane {
		case LaneRed:
			// A RED floor is decisive: raise the score to the floor and stop.
			if score < redMinimumFloor {
				score = redMinimumFloor
			}
			return RiskTriageResult{Lane: LaneRed, RiskScore: score, Reasons: reasons}
		case LaneYellow:
			if score < yellowMinimumFloor {
				score = yellowMinimumFloor
			}
		}
	}

	thresholds := policy.EffectiveThresholds(workflowKey)
	lane := LaneGreen
	switch {
	case score >= thresholds.Red:
		lane = LaneRed
	case score >= thresholds.Yellow:
		lane = LaneYellow
	}
	if hasMin {
		lane = MaxLane(lane, minLane)
	}
	return RiskTriageResult{Lane: lane, RiskScore: score, Reasons: reasons}
}

func (e *Engine) scoreDimensions(intent ActionIntent, signals []string) (float64, []string) {
	score := 0.0
	reasons := make([]string, 0, 4)
	record := func(name string, value float64) {
		if value <= 0 {
			return
		}
		reasons = append(reasons, fmt.Sprintf("%s: %.2f", name, value))
		if value > score {
			score = value
		}
	}
	if intent.Flags.AffectsRights {
		record("affects_rights", weightAffectsRights)
	}
	if intent.Flags.ContainsSensitiveData {
		record("contains_sensitive_data", weightSensitiveData)
	}
	if intent.Flags.Irreversible {
		record("irreversible", weightIrreversible)
	}
	record("subjective_language", e.subjectiveLanguage(intent, signals))
	record("missing_fields", missingFields(intent))
	return score, reasons
}

// subjectiveLanguage counts how many distinct vocabulary words appear in the
// signals and the stringified parameter values. Parameter values are visited
// in sorted key order and joined with spaces so the haystack, and therefore
// the score, never depends on map iteration order.
func (e *Engine) subjectiveLanguage(intent ActionIntent, signals []string) float64 {
	parts := make([]string, 0, len(signals)+len(intent.ToolParams))
	parts = append(parts, signals...)
	keys := make([]string, 0, len(intent.ToolParams))
	for k := range intent.ToolParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%v", intent.ToolParams[k]))
	}
	haystack := strings.ToLower(strings.Join(parts, " "))
	count := 0
	for _, word := range e.vocabulary {
		if strings.Contains(haystack, word) {
			count++
		}
	}
	return min(float64(count)*weightSubjectiveWord, subjectiveLanguageScale)
}

func missingFields(intent ActionIntent) float64 {
	value := 0.0
	if len(intent.ToolParams) == 0 {
		value += weightMissingParams
	}
	if intent.StepID == "" {
		value += weightMissingStepID
	}
	return min(value, 1.0)
}

func hardTriggered(triggers HardTriggers, intent ActionIntent, workflowKey string) bool {
	for _, tool := range triggers.Tools {
		if tool == intent.ToolName {
			return true
		}
	}
	if workflowKey != "" {
		for _, wf := range triggers.Workflows {
			if wf == workflowKey {
				return true
			}
		}
	}
	for key, needles := range triggers.Params {
		raw, ok := intent.ToolParams[key]
		if !ok {
			continue
		}
		value := strings.ToLower(fmt.Sprintf("%v", raw))
		for _, needle := range needles {
			if needle != "" && strings.Contains(value, strings.ToLower(needle)) {
				return true
			}
		}
	}
	return false
}
