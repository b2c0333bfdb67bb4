package patterns

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// StageContext carries the variables available to one model's template
// render at one stage.
//
// Variable set:
//
//	original_prompt        the user's prompt
//	<stage>_responses      all responses from an earlier stage, labelled
//	<model>_<stage>        one model's response at an earlier stage
//	own_response           this model's response at the previous stage
//	other_responses        the previous-stage responses of every other model
type StageContext struct {
	vars map[string]string
}

// NewStageContext starts a context with the original prompt.
func NewStageContext(originalPrompt string) *StageContext {
	return &StageContext{
		vars: map[string]string{
			"original_prompt": originalPrompt,
		},
	}
}

// AddStageResponses records a completed stage's responses, keyed by
// model id, and derives the aggregate and per-model variables.
func (c *StageContext) AddStageResponses(stage string, responses map[string]string) {
	models := make([]string, 0, len(responses))
	for model := range responses {
		models = append(models, model)
	}
	sort.Strings(models)

	var b strings.Builder
	for _, model := range models {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", model, responses[model])
		c.vars[sanitize(model)+"_"+stage] = responses[model]
	}
	c.vars[stage+"_responses"] = strings.TrimRight(b.String(), "\n")
}

// ForModel derives the per-model view of the previous stage: the model's
// own response and everyone else's.
func (c *StageContext) ForModel(model string, prevResponses map[string]string) *StageContext {
	vars := make(map[string]string, len(c.vars)+2)
	for k, v := range c.vars {
		vars[k] = v
	}

	vars["own_response"] = prevResponses[model]

	others := make([]string, 0, len(prevResponses))
	for m := range prevResponses {
		if m != model {
			others = append(others, m)
		}
	}
	sort.Strings(others)

	var b strings.Builder
	for _, m := range others {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", m, prevResponses[m])
	}
	vars["other_responses"] = strings.TrimRight(b.String(), "\n")

	return &StageContext{vars: vars}
}

// Render expands ${var} placeholders in template. Unknown variables
// expand to the empty string, so a template never fails at render time.
func (c *StageContext) Render(template string) string {
	return os.Expand(template, func(name string) string {
		return c.vars[name]
	})
}

// sanitize makes a model id usable inside a ${var} name.
func sanitize(model string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, model)
}
