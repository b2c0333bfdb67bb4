package orchestrator

import (
	"context"
	"fmt"
	"sort"
)

// ProcessWithAnalysisMode runs the preset named by mode.
func (e *Engine) ProcessWithAnalysisMode(ctx context.Context, prompt, mode string) (*Result, error) {
	return e.Process(ctx, Request{Prompt: prompt, AnalysisMode: mode})
}

// Modes returns the configured analysis mode names, sorted.
func (e *Engine) Modes() []string {
	names := make([]string, 0, len(e.modes))
	for name := range e.modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QuickAnalyze runs the named mode and returns the single best answer
// from the last stage that produced responses: the highest-quality
// response when quality was scored, else the lead model's, else any.
func (e *Engine) QuickAnalyze(ctx context.Context, prompt, mode string) (string, error) {
	if mode == "" {
		mode = "quick"
	}

	result, err := e.ProcessWithAnalysisMode(ctx, prompt, mode)
	if err != nil {
		return "", err
	}

	final := result.Final()
	if final == nil {
		return "", fmt.Errorf("orchestrator: no stage produced a response")
	}
	return bestResponse(final), nil
}

// Comparison is the outcome of one mode inside CompareAnalyses.
type Comparison struct {
	Mode       string  `json:"mode"`
	Pattern    string  `json:"pattern"`
	Answer     string  `json:"answer"`
	DurationMs int64   `json:"duration_ms"`
	Tokens     int     `json:"tokens"`
	AvgQuality float64 `json:"avg_quality"`
	Error      string  `json:"error,omitempty"`
}

// CompareAnalyses runs several analysis modes over the same prompt and
// reports their answers side by side with cost and quality metrics. A
// mode that fails contributes an error entry instead of aborting the
// comparison.
func (e *Engine) CompareAnalyses(ctx context.Context, prompt string, modes []string) (map[string]Comparison, error) {
	if len(modes) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one mode is required")
	}

	out := make(map[string]Comparison, len(modes))
	for _, mode := range modes {
		result, err := e.ProcessWithAnalysisMode(ctx, prompt, mode)
		if err != nil {
			out[mode] = Comparison{Mode: mode, Error: err.Error()}
			continue
		}

		comparison := Comparison{
			Mode:       mode,
			Pattern:    result.Pattern,
			DurationMs: result.DurationMs,
		}

		var qualitySum float64
		var qualityCount int
		for _, stage := range result.Stages {
			for _, meta := range stage.Metadata {
				comparison.Tokens += meta.Tokens
				if meta.Quality != nil {
					qualitySum += meta.Quality.Average()
					qualityCount++
				}
			}
		}
		if qualityCount > 0 {
			comparison.AvgQuality = qualitySum / float64(qualityCount)
		}

		if final := result.Final(); final != nil {
			comparison.Answer = bestResponse(final)
		}
		out[mode] = comparison
	}
	return out, nil
}

// bestResponse picks one answer from a stage: highest quality average
// when scored, alphabetical-first model otherwise.
func bestResponse(stage *StageResult) string {
	models := make([]string, 0, len(stage.Responses))
	for model := range stage.Responses {
		models = append(models, model)
	}
	sort.Strings(models)

	best := ""
	bestScore := -1.0
	for _, model := range models {
		score := 0.0
		if meta, ok := stage.Metadata[model]; ok && meta.Quality != nil {
			score = meta.Quality.Average()
		}
		if score > bestScore {
			bestScore = score
			best = model
		}
	}
	return stage.Responses[best]
}
