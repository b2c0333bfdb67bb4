package orchestrator

import (
	"context"
	"fmt"

	"quorumlabs/quorum/pkg/fallback"
	"quorumlabs/quorum/pkg/patterns"
	"quorumlabs/quorum/pkg/providers"
	"quorumlabs/quorum/pkg/strategy"
)

// StreamProcess streams the first stage of the pattern from the highest
// priority selected model. Later stages run without streaming; the
// channel ends with a summary update at progress 100.
func (e *Engine) StreamProcess(ctx context.Context, req Request) (<-chan StreamUpdate, error) {
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
	lead := models[0]

	out := make(chan StreamUpdate, 16)
	go func() {
		defer close(out)

		firstStage := pattern.Stages[0]
		stageCtx := patterns.NewStageContext(req.Prompt)
		prompt := stageCtx.Render(pattern.Templates[firstStage])

		chunks, err := e.fallback.StreamGenerate(ctx, prompt, lead, fallback.CallOptions{
			Stage:     firstStage,
			SkipCache: req.SkipCache,
			Generate: &providers.GenerateOptions{
				MaxTokens:   req.MaxTokens,
				Temperature: req.Temperature,
			},
		})
		if err != nil {
			out <- StreamUpdate{
				Model: lead, Stage: firstStage, Pattern: pattern.Name,
				Error: err.Error(), Done: true, Progress: 100,
			}
			return
		}

		var content []byte
		perStage := 100 / len(pattern.Stages)
		for chunk := range chunks {
			if chunk.Err != nil {
				out <- StreamUpdate{
					Model: lead, Stage: firstStage, Pattern: pattern.Name,
					Error: chunk.Err.Error(), Done: true, Progress: 100,
				}
				return
			}
			if chunk.Done {
				break
			}
			content = append(content, chunk.Content...)

			select {
			case out <- StreamUpdate{
				Model: lead, Stage: firstStage, Pattern: pattern.Name,
				Content: chunk.Content, Progress: perStage / 2,
			}:
			case <-ctx.Done():
				return
			}
		}

		// Later stages run without streaming, reusing the lead's answer
		// as the first-stage response.
		if len(pattern.Stages) > 1 {
			e.runTrailingStages(ctx, req, pattern, models, lead, string(content), out)
		}

		out <- StreamUpdate{Stage: "summary", Pattern: pattern.Name, Done: true, Progress: 100}
	}()
	return out, nil
}

func (e *Engine) runTrailingStages(ctx context.Context, req Request, pattern *patterns.Pattern, models []string, lead, firstAnswer string, out chan<- StreamUpdate) {
	stageCtx := patterns.NewStageContext(req.Prompt)
	prev := map[string]string{lead: firstAnswer}
	stageCtx.AddStageResponses(pattern.Stages[0], prev)

	for i, stageName := range pattern.Stages[1:] {
		if ctx.Err() != nil {
			return
		}

		responses := make(map[string]string, len(models))
		for _, model := range models {
			prompt := stageCtx.ForModel(model, prev).Render(pattern.Templates[stageName])
			resp, err := e.fallback.Generate(ctx, prompt, model, fallback.CallOptions{
				Stage:     stageName,
				SkipCache: req.SkipCache,
				Generate: &providers.GenerateOptions{
					MaxTokens:   req.MaxTokens,
					Temperature: req.Temperature,
				},
			})
			if err != nil {
				continue
			}
			responses[model] = resp.Content
		}

		stageCtx.AddStageResponses(stageName, responses)
		prev = responses

		progress := (i + 2) * 100 / (len(pattern.Stages) + 1)
		out <- StreamUpdate{Stage: stageName, Pattern: pattern.Name, Progress: progress}
	}
}
