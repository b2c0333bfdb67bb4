// Package orchestrator runs multi-model analysis patterns: it selects
// models, dispatches them concurrently through the fallback service, and
// threads each stage's responses into the next stage's prompts.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"quorumlabs/quorum/pkg/breaker"
	"quorumlabs/quorum/pkg/fallback"
	"quorumlabs/quorum/pkg/patterns"
	"quorumlabs/quorum/pkg/progress"
	"quorumlabs/quorum/pkg/providers"
	"quorumlabs/quorum/pkg/registry"
	"quorumlabs/quorum/pkg/resources"
	"quorumlabs/quorum/pkg/strategy"
	"quorumlabs/quorum/pkg/telemetry/metrics"
)

// Config assembles an engine.
type Config struct {
	Registry *registry.Registry
	Breakers *breaker.Registry
	Fallback *fallback.Service
	Patterns *patterns.Library
	Selector *strategy.Selector

	// Optimizer may be nil; concurrency then defaults to MaxWorkers.
	Optimizer *resources.Optimizer

	// Metrics may be nil.
	Metrics *metrics.Collector

	// Modes extends or overrides the builtin analysis modes.
	Modes map[string]AnalysisMode

	// MaxWorkers is the dispatch width when no optimizer is wired.
	// Default 4.
	MaxWorkers int

	// EvaluateQuality scores every response unless the plan overrides.
	EvaluateQuality bool

	Logger *slog.Logger
}

// Engine owns the components of one orchestration pipeline. Construct a
// fresh engine per deployment; it holds no global state.
type Engine struct {
	registry  *registry.Registry
	breakers  *breaker.Registry
	fallback  *fallback.Service
	patterns  *patterns.Library
	selector  *strategy.Selector
	optimizer *resources.Optimizer
	metrics   *metrics.Collector
	modes     map[string]AnalysisMode

	maxWorkers      int
	evaluateQuality bool
	logger          *slog.Logger
	tracer          trace.Tracer

	stats *statsBook
}

// New creates an engine. Registry, Breakers, Fallback, Patterns, and
// Selector are required.
func New(config Config) (*Engine, error) {
	if config.Registry == nil || config.Breakers == nil || config.Fallback == nil {
		return nil, fmt.Errorf("orchestrator: registry, breakers, and fallback are required")
	}
	if config.Patterns == nil {
		config.Patterns = patterns.NewLibrary()
	}
	if config.Selector == nil {
		return nil, fmt.Errorf("orchestrator: selector is required")
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	modes := BuiltinModes()
	for name, mode := range config.Modes {
		modes[name] = mode
	}

	return &Engine{
		registry:        config.Registry,
		breakers:        config.Breakers,
		fallback:        config.Fallback,
		patterns:        config.Patterns,
		selector:        config.Selector,
		optimizer:       config.Optimizer,
		metrics:         config.Metrics,
		modes:           modes,
		maxWorkers:      config.MaxWorkers,
		evaluateQuality: config.EvaluateQuality,
		logger:          config.Logger,
		tracer:          otel.Tracer("quorumlabs/quorum/orchestrator"),
		stats:           newStatsBook(),
	}, nil
}

// Process runs the full pattern for one request.
func (e *Engine) Process(ctx context.Context, req Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("orchestrator: prompt cannot be empty")
	}

	if req.AnalysisMode != "" {
		preset, ok := e.modes[req.AnalysisMode]
		if !ok {
			return nil, fmt.Errorf("orchestrator: unknown analysis mode %q", req.AnalysisMode)
		}
		req.Pattern = preset.Pattern
		req.Strategy = string(preset.Strategy)
		req.SkipCache = preset.SkipCache
	}

	if req.DeadlineMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMs)*time.Millisecond)
		defer cancel()
	}

	strat, err := strategy.Parse(req.Strategy)
	if err != nil {
		return nil, err
	}
	plan := e.selector.Select(strat, strategy.Hints{PromptLength: len(req.Prompt)})

	patternName := req.Pattern
	if plan.Pattern != "" {
		patternName = plan.Pattern
	}
	if patternName == "" {
		patternName = "gut"
	}
	pattern, ok := e.patterns.Get(patternName)
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown pattern %q", patternName)
	}

	models := e.selector.Models(plan, req.Models, req.Prompt)
	if len(models) == 0 {
		return nil, fmt.Errorf("orchestrator: no models available")
	}

	ctx, span := e.tracer.Start(ctx, "orchestrator.process", trace.WithAttributes(
		attribute.String("pattern", pattern.Name),
		attribute.String("strategy", string(plan.Strategy)),
		attribute.Int("models", len(models))))
	defer span.End()

	tracker := progress.NewTracker()
	defer tracker.Close()

	run := &Result{
		ID:             uuid.NewString(),
		Pattern:        pattern.Name,
		Strategy:       plan.Strategy,
		OriginalPrompt: req.Prompt,
		StageOrder:     append([]string(nil), pattern.Stages...),
		Stages:         make(map[string]*StageResult, len(pattern.Stages)),
		StartedAt:      time.Now(),
	}

	e.logger.Info("run started",
		"run_id", run.ID, "pattern", pattern.Name,
		"strategy", plan.Strategy, "models", models)

	stageCtx := patterns.NewStageContext(req.Prompt)
	prevResponses := map[string]string{}

	for i, stageName := range pattern.Stages {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		stage := e.runStage(ctx, stageParams{
			run:           run,
			pattern:       pattern,
			plan:          plan,
			stageName:     stageName,
			stageIndex:    i,
			models:        models,
			stageCtx:      stageCtx,
			prevResponses: prevResponses,
			tracker:       tracker,
			req:           req,
		})
		run.Stages[stageName] = stage

		stageCtx.AddStageResponses(stageName, stage.Responses)
		prevResponses = stage.Responses
	}

	run.Progress = tracker.Snapshot()
	run.DurationMs = time.Since(run.StartedAt).Milliseconds()

	e.logger.Info("run finished",
		"run_id", run.ID, "duration_ms", run.DurationMs,
		"overall", run.Progress.Overall)
	return run, nil
}

type stageParams struct {
	run           *Result
	pattern       *patterns.Pattern
	plan          strategy.Plan
	stageName     string
	stageIndex    int
	models        []string
	stageCtx      *patterns.StageContext
	prevResponses map[string]string
	tracker       *progress.Tracker
	req           Request
}

// runStage dispatches one stage across the selected models. Stages run
// strictly in order; dispatches within a stage are concurrent unless the
// plan is sequential.
func (e *Engine) runStage(ctx context.Context, p stageParams) *StageResult {
	ctx, span := e.tracer.Start(ctx, "orchestrator.stage",
		trace.WithAttributes(attribute.String("stage", p.stageName)))
	defer span.End()

	started := time.Now()
	stage := &StageResult{
		Responses: make(map[string]string, len(p.models)),
		Metadata:  make(map[string]*ModelMeta, len(p.models)),
	}

	template := p.pattern.Templates[p.stageName]

	if p.plan.Sequential {
		e.runSequential(ctx, p, stage, template)
	} else {
		e.runParallel(ctx, p, stage, template)
	}

	if len(stage.Responses) == 0 {
		stage.Error = fmt.Sprintf("stage %q produced no responses", p.stageName)
		e.logger.Warn("stage failed", "run_id", p.run.ID, "stage", p.stageName)
	}

	stage.DurationMs = time.Since(started).Milliseconds()
	e.metrics.RecordStageDuration(p.pattern.Name, p.stageName, time.Since(started))
	return stage
}

// runParallel dispatches every model under the adaptive semaphore. When
// the plan sets MinResponses, the stage finishes early once that many
// models have succeeded; still-running calls are cancelled.
func (e *Engine) runParallel(ctx context.Context, p stageParams, stage *StageResult, template string) {
	width := e.concurrency()
	e.metrics.SetConcurrency(width)
	sem := semaphore.NewWeighted(int64(width))

	stageDone, cancelStage := context.WithCancel(ctx)
	defer cancelStage()

	var mu sync.Mutex
	successes := 0

	g, gctx := errgroup.WithContext(stageDone)
	for _, model := range p.models {
		p.tracker.Update(model, p.stageName, progress.StatusPending, "")

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				stage.Metadata[model] = &ModelMeta{Error: "cancelled"}
				mu.Unlock()
				p.tracker.Update(model, p.stageName, progress.StatusCancelled, "")
				return nil
			}
			defer sem.Release(1)

			resp, meta := e.dispatch(gctx, p, model, template)

			mu.Lock()
			stage.Metadata[model] = meta
			if resp != nil {
				stage.Responses[model] = resp.Content
				successes++
				if p.plan.MinResponses > 0 && successes >= p.plan.MinResponses {
					cancelStage()
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// runSequential tries candidates one at a time, stopping at the first
// success.
func (e *Engine) runSequential(ctx context.Context, p stageParams, stage *StageResult, template string) {
	for _, model := range p.models {
		p.tracker.Update(model, p.stageName, progress.StatusPending, "")

		resp, meta := e.dispatch(ctx, p, model, template)
		stage.Metadata[model] = meta
		if resp != nil {
			stage.Responses[model] = resp.Content
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// dispatch renders the model's prompt and runs one fallback-wrapped call.
func (e *Engine) dispatch(ctx context.Context, p stageParams, model, template string) (*providers.Response, *ModelMeta) {
	renderCtx := p.stageCtx
	if p.stageIndex > 0 {
		renderCtx = p.stageCtx.ForModel(model, p.prevResponses)
	}
	prompt := renderCtx.Render(template)

	ctx, span := e.tracer.Start(ctx, "provider.call",
		trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	p.tracker.Update(model, p.stageName, progress.StatusInProgress, "")

	opts := &providers.GenerateOptions{
		MaxTokens:   p.req.MaxTokens,
		Temperature: p.req.Temperature,
	}

	started := time.Now()
	resp, err := e.fallback.Generate(ctx, prompt, model, fallback.CallOptions{
		Stage:     p.stageName,
		SkipCache: p.req.SkipCache,
		Generate:  opts,
	})
	latency := time.Since(started)

	if err != nil {
		if ctx.Err() != nil {
			p.tracker.Update(model, p.stageName, progress.StatusCancelled, "")
			e.metrics.RecordProviderCall(model, "cancelled", latency, 0)
			return nil, &ModelMeta{LatencyMs: latency.Milliseconds(), Error: "cancelled"}
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.tracker.Update(model, p.stageName, progress.StatusFailed, err.Error())
		e.metrics.RecordProviderCall(model, "error", latency, 0)
		e.stats.recordFailure(model)
		e.logger.Warn("model call failed",
			"run_id", p.run.ID, "model", model, "stage", p.stageName, "error", err)
		return nil, &ModelMeta{LatencyMs: latency.Milliseconds(), Error: err.Error()}
	}

	meta := &ModelMeta{
		Tokens:    resp.TokensUsed,
		LatencyMs: latency.Milliseconds(),
		Cached:    resp.Cached,
		Fallback:  resp.Fallback,
	}

	if e.qualityEnabled(p.plan) {
		quality := e.EvaluateQuality(ctx, model, prompt, resp.Content)
		meta.Quality = &quality
		resp.Quality = &quality
	}

	p.tracker.Update(model, p.stageName, progress.StatusCompleted, "")
	e.metrics.RecordProviderCall(model, outcomeLabel(resp), latency, resp.TokensUsed)
	e.metrics.RecordCacheHit(resp.Cached)
	e.stats.recordSuccess(model, resp.TokensUsed, latency, meta.Quality)
	return resp, meta
}

func (e *Engine) qualityEnabled(plan strategy.Plan) bool {
	return e.evaluateQuality || plan.EvaluateQuality
}

func (e *Engine) concurrency() int {
	if e.optimizer != nil {
		return e.optimizer.CurrentConcurrency()
	}
	return e.maxWorkers
}

func outcomeLabel(resp *providers.Response) string {
	switch {
	case resp.Cached:
		return "cached"
	case resp.Fallback:
		return "fallback"
	default:
		return "success"
	}
}
