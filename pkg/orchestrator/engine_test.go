package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"quorumlabs/quorum/pkg/breaker"
	"quorumlabs/quorum/pkg/fallback"
	"quorumlabs/quorum/pkg/progress"
	"quorumlabs/quorum/pkg/providers"
	"quorumlabs/quorum/pkg/providers/mock"
	"quorumlabs/quorum/pkg/registry"
	"quorumlabs/quorum/pkg/strategy"
)

type engineFixture struct {
	registry *registry.Registry
	breakers *breaker.Registry
	engine   *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	reg := registry.New()
	t.Cleanup(reg.Close)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 3}, nil)

	service, err := fallback.NewService(fallback.Config{
		Registry: reg,
		Breakers: breakers,
		Retry:    fallback.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, Jitter: 1},
		Sleep:    func(ctx context.Context, d time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	engine, err := New(Config{
		Registry: reg,
		Breakers: breakers,
		Fallback: service,
		Selector: strategy.NewSelector(reg, nil, 3),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}

	return &engineFixture{registry: reg, breakers: breakers, engine: engine}
}

func (f *engineFixture) addMock(t *testing.T, id string, config providers.ModelConfig) *mock.Adapter {
	t.Helper()
	adapter := mock.New(config)
	if err := f.registry.RegisterAdapter(id, config, adapter); err != nil {
		t.Fatal(err)
	}
	return adapter
}

func mockModel(id string) providers.ModelConfig {
	return providers.ModelConfig{Provider: providers.KindMock, ModelID: id, Weight: 1}
}

// recordingAdapter captures every prompt the engine sends it.
type recordingAdapter struct {
	*mock.Adapter

	mu      sync.Mutex
	prompts []string
}

func (r *recordingAdapter) Generate(ctx context.Context, prompt string, opts *providers.GenerateOptions) (*providers.Response, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, prompt)
	r.mu.Unlock()
	return r.Adapter.Generate(ctx, prompt, opts)
}

func (r *recordingAdapter) StreamGenerate(ctx context.Context, prompt string, opts *providers.GenerateOptions) (<-chan providers.StreamChunk, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, prompt)
	r.mu.Unlock()
	return r.Adapter.StreamGenerate(ctx, prompt, opts)
}

func (r *recordingAdapter) Prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

func (f *engineFixture) addRecording(t *testing.T, id, answer string) *recordingAdapter {
	t.Helper()
	config := mockModel(id)
	inner := mock.New(config)
	inner.FixedResponse = answer
	adapter := &recordingAdapter{Adapter: inner}
	if err := f.registry.RegisterAdapter(id, config, adapter); err != nil {
		t.Fatal(err)
	}
	return adapter
}

func TestProcessSingleModelGutPattern(t *testing.T) {
	f := newEngineFixture(t)
	adapter := f.addMock(t, "mA", mockModel("mA"))
	adapter.FixedResponse = "pong"

	result, err := f.engine.Process(context.Background(), Request{
		Prompt:   "ping",
		Models:   []string{"mA"},
		Pattern:  "gut",
		Strategy: "speed",
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.ID == "" {
		t.Fatal("run id is empty")
	}
	if result.Pattern != "gut" {
		t.Fatalf("Pattern = %q, want gut", result.Pattern)
	}
	if len(result.StageOrder) != 1 || result.StageOrder[0] != "initial" {
		t.Fatalf("StageOrder = %v, want [initial]", result.StageOrder)
	}

	stage := result.Stages["initial"]
	if stage == nil {
		t.Fatal("initial stage missing")
	}
	if got := stage.Responses["mA"]; got != "pong" {
		t.Fatalf("Responses[mA] = %q, want pong", got)
	}
	if meta := stage.Metadata["mA"]; meta == nil || meta.Tokens == 0 {
		t.Fatalf("Metadata[mA] = %+v, want token accounting", meta)
	}

	if got := result.Progress.Overall; got != progress.StatusCompleted {
		t.Fatalf("Progress.Overall = %v, want completed", got)
	}
	if got := result.Progress.Stages["initial"]["mA"]; got != progress.StatusCompleted {
		t.Fatalf("progress cell = %v, want completed", got)
	}
}

func TestProcessRejectsEmptyPrompt(t *testing.T) {
	f := newEngineFixture(t)
	f.addMock(t, "mA", mockModel("mA"))

	if _, err := f.engine.Process(context.Background(), Request{}); err == nil {
		t.Fatal("Process accepted an empty prompt")
	}
}

func TestProcessRejectsUnknownPattern(t *testing.T) {
	f := newEngineFixture(t)
	f.addMock(t, "mA", mockModel("mA"))

	_, err := f.engine.Process(context.Background(), Request{
		Prompt:  "q",
		Pattern: "nonexistent",
	})
	if err == nil || !strings.Contains(err.Error(), "unknown pattern") {
		t.Fatalf("err = %v, want unknown pattern", err)
	}
}

func TestProcessRejectsEmptyRegistry(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Process(context.Background(), Request{Prompt: "q"})
	if err == nil || !strings.Contains(err.Error(), "no models") {
		t.Fatalf("err = %v, want no models available", err)
	}
}

func TestMultiStageCrossPollination(t *testing.T) {
	f := newEngineFixture(t)
	mA := f.addRecording(t, "mA", "answer from mA")
	mB := f.addRecording(t, "mB", "answer from mB")

	result, err := f.engine.Process(context.Background(), Request{
		Prompt:   "evaluate this design",
		Pattern:  "confidence",
		Strategy: "balanced",
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(result.StageOrder) != 2 || result.StageOrder[0] != "initial" || result.StageOrder[1] != "meta" {
		t.Fatalf("StageOrder = %v, want [initial meta]", result.StageOrder)
	}

	// Every named stage is present, and every model is accounted for in
	// each stage, either with a response or with an error.
	for _, stageName := range result.StageOrder {
		stage := result.Stages[stageName]
		if stage == nil {
			t.Fatalf("stage %q missing from Stages", stageName)
		}
		for _, model := range []string{"mA", "mB"} {
			_, responded := stage.Responses[model]
			meta := stage.Metadata[model]
			if !responded && (meta == nil || meta.Error == "") {
				t.Fatalf("model %s unaccounted for in stage %q", model, stageName)
			}
		}
	}

	// The meta prompt for each model carries the other model's initial
	// answer, and its own.
	promptsA := mA.Prompts()
	promptsB := mB.Prompts()
	if len(promptsA) != 2 || len(promptsB) != 2 {
		t.Fatalf("prompt counts = %d/%d, want 2 each", len(promptsA), len(promptsB))
	}

	if !strings.Contains(promptsA[1], "answer from mB") {
		t.Fatalf("mA meta prompt lacks mB's initial answer:\n%s", promptsA[1])
	}
	if !strings.Contains(promptsA[1], "answer from mA") {
		t.Fatalf("mA meta prompt lacks its own initial answer:\n%s", promptsA[1])
	}
	if !strings.Contains(promptsB[1], "answer from mA") {
		t.Fatalf("mB meta prompt lacks mA's initial answer:\n%s", promptsB[1])
	}
}

func TestFailingModelDoesNotAbortStage(t *testing.T) {
	f := newEngineFixture(t)
	mA := f.addMock(t, "mA", mockModel("mA"))
	mA.FixedResponse = "fine"
	mB := f.addMock(t, "mB", mockModel("mB"))
	mB.FailWith = providers.NewError("mB", providers.KindUnauthorized, "bad key")

	result, err := f.engine.Process(context.Background(), Request{
		Prompt:   "q",
		Pattern:  "gut",
		Strategy: "parallel",
	})
	if err != nil {
		t.Fatal(err)
	}

	stage := result.Stages["initial"]
	if got := stage.Responses["mA"]; got != "fine" {
		t.Fatalf("Responses[mA] = %q, want fine", got)
	}
	if meta := stage.Metadata["mB"]; meta == nil || meta.Error == "" {
		t.Fatalf("Metadata[mB] = %+v, want an error entry", meta)
	}
	if stage.Error != "" {
		t.Fatalf("stage.Error = %q for a partially successful stage", stage.Error)
	}
	if got := result.Progress.Overall; got != progress.StatusCompleted {
		t.Fatalf("Progress.Overall = %v, want completed (the stage still produced a response)", got)
	}
}

func TestAllModelsFailingMarksStage(t *testing.T) {
	f := newEngineFixture(t)
	mA := f.addMock(t, "mA", mockModel("mA"))
	mA.FailWith = providers.NewError("mA", providers.KindUnauthorized, "bad key")

	result, err := f.engine.Process(context.Background(), Request{
		Prompt:   "q",
		Pattern:  "gut",
		Strategy: "parallel",
	})
	if err != nil {
		t.Fatal(err)
	}

	stage := result.Stages["initial"]
	if stage.Error == "" {
		t.Fatal("stage.Error empty with zero responses")
	}
	if result.Final() != nil {
		t.Fatal("Final() found responses in a fully failed run")
	}
	if got := result.Progress.Overall; got != progress.StatusFailed {
		t.Fatalf("Progress.Overall = %v, want failed (no model produced a response)", got)
	}
}

func TestQualityEvaluationScoresResponses(t *testing.T) {
	f := newEngineFixture(t)
	subject := f.addMock(t, "mA", mockModel("mA"))
	subject.FixedResponse = "pong"

	judgeConfig := providers.ModelConfig{
		Provider: providers.KindOpenAI,
		ModelID:  "judge",
		Weight:   1,
	}
	judge := f.addMock(t, "judge", judgeConfig)
	judge.FixedResponse = `{"coherence": 0.9, "technical_depth": 0.8, "strategic_value": 0.7, "uniqueness": 0.6}`

	result, err := f.engine.Process(context.Background(), Request{
		Prompt:  "ping",
		Models:  []string{"mA"},
		Pattern: "gut",
		// Default strategy scores quality.
	})
	if err != nil {
		t.Fatal(err)
	}

	meta := result.Stages["initial"].Metadata["mA"]
	if meta == nil || meta.Quality == nil {
		t.Fatalf("Metadata[mA] = %+v, want quality metrics", meta)
	}
	if meta.Quality.Coherence != 0.9 || meta.Quality.Uniqueness != 0.6 {
		t.Fatalf("Quality = %+v", meta.Quality)
	}
	if judge.Calls() == 0 {
		t.Fatal("evaluator was never invoked")
	}
}

func TestEvaluateQualityZeroesOnGarbageOutput(t *testing.T) {
	f := newEngineFixture(t)
	f.addMock(t, "mA", mockModel("mA"))
	judge := f.addMock(t, "judge", mockModel("judge"))
	judge.FixedResponse = "I refuse to answer in JSON."

	got := f.engine.EvaluateQuality(context.Background(), "mA", "q", "a")
	if got != (providers.QualityMetrics{}) {
		t.Fatalf("EvaluateQuality = %+v, want zeroed metrics", got)
	}
}

func TestEvaluateQualityWithNoModels(t *testing.T) {
	f := newEngineFixture(t)

	got := f.engine.EvaluateQuality(context.Background(), "mA", "q", "a")
	if got != (providers.QualityMetrics{}) {
		t.Fatalf("EvaluateQuality = %+v, want zeroed metrics", got)
	}
}

func TestParseQuality(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    providers.QualityMetrics
	}{
		{
			name:    "bare json",
			content: `{"coherence": 0.5, "technical_depth": 0.4, "strategic_value": 0.3, "uniqueness": 0.2}`,
			want:    providers.QualityMetrics{Coherence: 0.5, TechnicalDepth: 0.4, StrategicValue: 0.3, Uniqueness: 0.2},
		},
		{
			name:    "fenced json with prose",
			content: "Here is my review:\n```json\n{\"coherence\": 1.0, \"technical_depth\": 0.5, \"strategic_value\": 0.5, \"uniqueness\": 0.5}\n```\nHope that helps.",
			want:    providers.QualityMetrics{Coherence: 1.0, TechnicalDepth: 0.5, StrategicValue: 0.5, Uniqueness: 0.5},
		},
		{
			name:    "values clamped to unit range",
			content: `{"coherence": 7, "technical_depth": -2, "strategic_value": 0.5, "uniqueness": 0}`,
			want:    providers.QualityMetrics{Coherence: 1, TechnicalDepth: 0, StrategicValue: 0.5},
		},
		{
			name:    "no json at all",
			content: "plain prose",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseQuality(tt.content); got != tt.want {
				t.Fatalf("parseQuality = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestQuickAnalyzeReturnsAnswer(t *testing.T) {
	f := newEngineFixture(t)
	adapter := f.addMock(t, "mA", mockModel("mA"))
	adapter.FixedResponse = "short answer"

	got, err := f.engine.QuickAnalyze(context.Background(), "ping", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "short answer" {
		t.Fatalf("QuickAnalyze = %q, want the model's answer", got)
	}
}

func TestProcessHonorsAnalysisMode(t *testing.T) {
	f := newEngineFixture(t)
	adapter := f.addMock(t, "mA", mockModel("mA"))
	adapter.FixedResponse = "pong"

	result, err := f.engine.Process(context.Background(), Request{
		Prompt:       "ping",
		Pattern:      "comparative",
		AnalysisMode: "quick",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Pattern != "gut" {
		t.Fatalf("Pattern = %q, want gut (the mode preset wins over Pattern)", result.Pattern)
	}
	if result.Strategy != strategy.SpeedOptimised {
		t.Fatalf("Strategy = %v, want %v", result.Strategy, strategy.SpeedOptimised)
	}

	if _, err := f.engine.Process(context.Background(), Request{
		Prompt:       "ping",
		AnalysisMode: "nope",
	}); err == nil {
		t.Fatal("unknown analysis mode accepted")
	}
}

func TestProcessWithAnalysisModeUnknown(t *testing.T) {
	f := newEngineFixture(t)
	f.addMock(t, "mA", mockModel("mA"))

	if _, err := f.engine.ProcessWithAnalysisMode(context.Background(), "q", "nope"); err == nil {
		t.Fatal("unknown mode accepted")
	}
}

func TestModesAreSorted(t *testing.T) {
	f := newEngineFixture(t)

	names := f.engine.Modes()
	want := []string{"balanced", "frugal", "quick", "thorough"}
	if len(names) != len(want) {
		t.Fatalf("Modes = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Modes = %v, want %v", names, want)
		}
	}
}

func TestCompareAnalysesToleratesFailingMode(t *testing.T) {
	f := newEngineFixture(t)
	adapter := f.addMock(t, "mA", mockModel("mA"))
	adapter.FixedResponse = "the answer"

	out, err := f.engine.CompareAnalyses(context.Background(), "ping", []string{"quick", "nope"})
	if err != nil {
		t.Fatal(err)
	}

	quick := out["quick"]
	if quick.Answer != "the answer" {
		t.Fatalf("quick.Answer = %q", quick.Answer)
	}
	if quick.Pattern != "gut" {
		t.Fatalf("quick.Pattern = %q, want gut", quick.Pattern)
	}
	if quick.Tokens == 0 {
		t.Fatal("quick.Tokens = 0, want token accounting")
	}

	if out["nope"].Error == "" {
		t.Fatal("failing mode has no error entry")
	}
}

func TestCompareAnalysesRequiresModes(t *testing.T) {
	f := newEngineFixture(t)

	if _, err := f.engine.CompareAnalyses(context.Background(), "q", nil); err == nil {
		t.Fatal("empty mode list accepted")
	}
}

func TestBestResponsePrefersHighestQuality(t *testing.T) {
	stage := &StageResult{
		Responses: map[string]string{"mA": "weak", "mB": "strong"},
		Metadata: map[string]*ModelMeta{
			"mA": {Quality: &providers.QualityMetrics{Coherence: 0.2}},
			"mB": {Quality: &providers.QualityMetrics{Coherence: 0.9}},
		},
	}
	if got := bestResponse(stage); got != "strong" {
		t.Fatalf("bestResponse = %q, want the higher-scored answer", got)
	}
}

func TestBestResponseAlphabeticalWithoutScores(t *testing.T) {
	stage := &StageResult{
		Responses: map[string]string{"zeta": "z", "alpha": "a"},
		Metadata:  map[string]*ModelMeta{},
	}
	if got := bestResponse(stage); got != "a" {
		t.Fatalf("bestResponse = %q, want the alphabetical-first answer", got)
	}
}

func TestEngineStatsAccumulate(t *testing.T) {
	f := newEngineFixture(t)
	adapter := f.addMock(t, "mA", mockModel("mA"))
	adapter.FixedResponse = "pong"

	if _, err := f.engine.Process(context.Background(), Request{
		Prompt:   "ping",
		Pattern:  "gut",
		Strategy: "speed",
	}); err != nil {
		t.Fatal(err)
	}

	stats := f.engine.Metrics()
	s, ok := stats["mA"]
	if !ok {
		t.Fatalf("Metrics() = %v, want an mA entry", stats)
	}
	if s.Successful != 1 || s.TokensUsed == 0 {
		t.Fatalf("stats = %+v, want one success with tokens", s)
	}
}
