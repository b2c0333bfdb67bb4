package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"quorumlabs/quorum/pkg/providers"
)

// evalTemplate demands a strict JSON critique so parsing stays trivial.
const evalTemplate = `You are a strict reviewer. Rate the following answer to the question.
Respond with ONLY a JSON object of the form
{"coherence": 0.0, "technical_depth": 0.0, "strategic_value": 0.0, "uniqueness": 0.0}
where each value is between 0 and 1.

Question:
%s

Answer:
%s`

// EvaluateQuality scores one response by prompting an evaluator model.
// It prefers an OpenAI-family model, falls back to the first healthy
// one, and runs behind its own circuit breaker. When the evaluator is
// unavailable or returns unparseable output, zeroed metrics come back
// and the enclosing request is unaffected.
func (e *Engine) EvaluateQuality(ctx context.Context, subject, question, answer string) providers.QualityMetrics {
	evaluator, ok := e.pickEvaluator(subject)
	if !ok {
		return providers.QualityMetrics{}
	}

	br := e.breakers.GetOrCreate("quality_eval_" + evaluator)
	if err := br.Allow(); err != nil {
		return providers.QualityMetrics{}
	}

	entry, ok := e.registry.Get(evaluator)
	if !ok {
		return providers.QualityMetrics{}
	}

	prompt := fmt.Sprintf(evalTemplate, question, answer)
	resp, err := entry.Adapter.Generate(ctx, prompt, &providers.GenerateOptions{MaxTokens: 200})
	if err != nil {
		br.RecordFailure(providers.IsCountable(err))
		e.logger.Debug("quality evaluation failed", "evaluator", evaluator, "error", err)
		return providers.QualityMetrics{}
	}
	br.RecordSuccess()

	return parseQuality(resp.Content)
}

// pickEvaluator prefers an OpenAI-family model other than the subject,
// else the first healthy model.
func (e *Engine) pickEvaluator(subject string) (string, bool) {
	healthy := e.registry.Healthy()

	for _, id := range healthy {
		if id == subject {
			continue
		}
		if entry, ok := e.registry.Get(id); ok && entry.Config.Provider == providers.KindOpenAI {
			return id, true
		}
	}
	for _, id := range healthy {
		if id != subject {
			return id, true
		}
	}
	if len(healthy) > 0 {
		return healthy[0], true
	}
	return "", false
}

// parseQuality extracts the JSON critique from model output. Models
// often wrap JSON in prose or code fences, so scan for the outermost
// object. Unparseable output yields zeroed metrics.
func parseQuality(content string) providers.QualityMetrics {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return providers.QualityMetrics{}
	}

	var parsed struct {
		Coherence      float64 `json:"coherence"`
		TechnicalDepth float64 `json:"technical_depth"`
		StrategicValue float64 `json:"strategic_value"`
		Uniqueness     float64 `json:"uniqueness"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return providers.QualityMetrics{}
	}

	return providers.QualityMetrics{
		Coherence:      clamp01(parsed.Coherence),
		TechnicalDepth: clamp01(parsed.TechnicalDepth),
		StrategicValue: clamp01(parsed.StrategicValue),
		Uniqueness:     clamp01(parsed.Uniqueness),
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
