package orchestrator

import (
	"time"

	"quorumlabs/quorum/pkg/progress"
	"quorumlabs/quorum/pkg/providers"
	"quorumlabs/quorum/pkg/strategy"
)

// Request is one orchestration call.
type Request struct {
	Prompt string `json:"prompt"`

	// Models restricts the run to these registry ids. Empty means every
	// healthy model.
	Models []string `json:"models,omitempty"`

	// Pattern names the analysis pattern. Default "gut".
	Pattern string `json:"pattern,omitempty"`

	// AnalysisMode names a preset bundle of pattern, strategy, and
	// flags. Mutually exclusive with Pattern; the mode wins.
	AnalysisMode string `json:"analysis_mode,omitempty"`

	// Strategy names the execution strategy. Default "simple".
	Strategy string `json:"strategy,omitempty"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	SkipCache bool `json:"skip_cache,omitempty"`

	// DeadlineMs bounds the whole run. 0 means no extra deadline.
	DeadlineMs int `json:"deadline_ms,omitempty"`
}

// ModelMeta is the per-response bookkeeping inside a stage.
type ModelMeta struct {
	Tokens    int                       `json:"tokens"`
	LatencyMs int64                     `json:"latency_ms"`
	Quality   *providers.QualityMetrics `json:"quality,omitempty"`
	Cached    bool                      `json:"cached,omitempty"`
	Fallback  bool                      `json:"fallback,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

// StageResult is one stage's outcome across models.
type StageResult struct {
	// Responses holds each successful model's answer.
	Responses map[string]string `json:"responses"`

	// Metadata covers every dispatched model, failed ones included.
	Metadata map[string]*ModelMeta `json:"metadata"`

	// Error is set when the whole stage produced zero responses.
	Error string `json:"error,omitempty"`

	DurationMs int64 `json:"duration_ms"`
}

// Result is the full outcome of one orchestration run.
type Result struct {
	ID             string                  `json:"id"`
	Pattern        string                  `json:"pattern"`
	Strategy       strategy.Strategy       `json:"strategy"`
	OriginalPrompt string                  `json:"original_prompt"`
	StageOrder     []string                `json:"stage_order"`
	Stages         map[string]*StageResult `json:"stages"`
	Progress       progress.Snapshot       `json:"progress"`
	StartedAt      time.Time               `json:"started_at"`
	DurationMs     int64                   `json:"duration_ms"`
}

// Final returns the last stage that produced responses, or nil.
func (r *Result) Final() *StageResult {
	for i := len(r.StageOrder) - 1; i >= 0; i-- {
		if stage, ok := r.Stages[r.StageOrder[i]]; ok && len(stage.Responses) > 0 {
			return stage
		}
	}
	return nil
}

// StreamUpdate is one element of a streaming run.
type StreamUpdate struct {
	Model    string `json:"model,omitempty"`
	Stage    string `json:"stage"`
	Content  string `json:"content,omitempty"`
	Done     bool   `json:"done"`
	Progress int    `json:"progress"`
	Cached   bool   `json:"cached,omitempty"`
	Pattern  string `json:"pattern"`
	Error    string `json:"error,omitempty"`
}

// AnalysisMode is a preset bundle of pattern, strategy, and flags.
type AnalysisMode struct {
	Name            string            `yaml:"name"`
	Pattern         string            `yaml:"pattern"`
	Strategy        strategy.Strategy `yaml:"strategy"`
	SkipCache       bool              `yaml:"skip_cache"`
	EvaluateQuality bool              `yaml:"evaluate_quality"`
}

// BuiltinModes returns the preset analysis modes.
func BuiltinModes() map[string]AnalysisMode {
	return map[string]AnalysisMode{
		"quick": {
			Name:     "quick",
			Pattern:  "gut",
			Strategy: strategy.SpeedOptimised,
		},
		"balanced": {
			Name:     "balanced",
			Pattern:  "confidence",
			Strategy: strategy.Balanced,
		},
		"thorough": {
			Name:            "thorough",
			Pattern:         "comparative",
			Strategy:        strategy.QualityOptimised,
			SkipCache:       true,
			EvaluateQuality: true,
		},
		"frugal": {
			Name:     "frugal",
			Pattern:  "gut",
			Strategy: strategy.CostOptimised,
		},
	}
}
