// Package patterns defines the analysis patterns the orchestrator can
// run: named stage sequences with a prompt template per stage.
package patterns

import (
	"fmt"
	"sort"
	"strings"
)

// StageInitial is the mandatory first stage of every pattern.
const StageInitial = "initial"

// Pattern is a named multi-stage analysis flow. Templates are rendered
// with ${var} placeholders; see Render for the variable set.
type Pattern struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Stages      []string          `yaml:"stages"`
	Templates   map[string]string `yaml:"templates"`
}

// Validate checks structural requirements: at least one stage, the first
// stage named "initial", no duplicate stages, and a template for every
// declared stage.
func (p *Pattern) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pattern: name cannot be empty")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pattern %q: must declare at least one stage", p.Name)
	}
	if p.Stages[0] != StageInitial {
		return fmt.Errorf("pattern %q: first stage must be %q, got %q",
			p.Name, StageInitial, p.Stages[0])
	}

	seen := make(map[string]bool, len(p.Stages))
	for _, stage := range p.Stages {
		if stage == "" {
			return fmt.Errorf("pattern %q: stage name cannot be empty", p.Name)
		}
		if seen[stage] {
			return fmt.Errorf("pattern %q: duplicate stage %q", p.Name, stage)
		}
		seen[stage] = true

		if _, ok := p.Templates[stage]; !ok {
			return fmt.Errorf("pattern %q: missing template for stage %q", p.Name, stage)
		}
	}
	return nil
}

// Previous returns the stage before the given one, or "" for the first.
func (p *Pattern) Previous(stage string) string {
	for i, s := range p.Stages {
		if s == stage && i > 0 {
			return p.Stages[i-1]
		}
	}
	return ""
}

// Library holds registered patterns by name.
type Library struct {
	patterns map[string]*Pattern
}

// NewLibrary creates a library preloaded with the builtin patterns.
func NewLibrary() *Library {
	lib := &Library{patterns: make(map[string]*Pattern)}
	for _, p := range Builtin() {
		// Builtins are known valid.
		lib.patterns[p.Name] = p
	}
	return lib
}

// Register validates and adds (or replaces) a pattern.
func (l *Library) Register(p *Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}
	l.patterns[p.Name] = p
	return nil
}

// Get returns the named pattern.
func (l *Library) Get(name string) (*Pattern, bool) {
	p, ok := l.patterns[name]
	return p, ok
}

// Names returns registered pattern names, sorted.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.patterns))
	for name := range l.patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered patterns, sorted by name.
func (l *Library) List() []*Pattern {
	out := make([]*Pattern, 0, len(l.patterns))
	for _, name := range l.Names() {
		out = append(out, l.patterns[name])
	}
	return out
}

// Builtin returns the canonical pattern set.
func Builtin() []*Pattern {
	return []*Pattern{
		{
			Name:        "gut",
			Description: "Single round, all models answer independently",
			Stages:      []string{"initial"},
			Templates: map[string]string{
				"initial": "${original_prompt}",
			},
		},
		{
			Name:        "confidence",
			Description: "Models critique and confirm each other's answers",
			Stages:      []string{"initial", "meta"},
			Templates: map[string]string{
				"initial": "${original_prompt}",
				"meta": strings.Join([]string{
					"The original question was:",
					"${original_prompt}",
					"",
					"Your previous answer:",
					"${own_response}",
					"",
					"Other answers to the same question:",
					"${other_responses}",
					"",
					"Critique the other answers, state where you agree or disagree, and give your revised answer with a confidence level.",
				}, "\n"),
			},
		},
		{
			Name:        "perspective",
			Description: "Multi-round divergence then reconciliation",
			Stages:      []string{"initial", "meta", "hyper"},
			Templates: map[string]string{
				"initial": "${original_prompt}",
				"meta": strings.Join([]string{
					"The original question was:",
					"${original_prompt}",
					"",
					"All first-round answers:",
					"${initial_responses}",
					"",
					"Take a deliberately different perspective from the answers above and argue it.",
				}, "\n"),
				"hyper": strings.Join([]string{
					"The original question was:",
					"${original_prompt}",
					"",
					"The divergent perspectives so far:",
					"${meta_responses}",
					"",
					"Reconcile these perspectives into a single balanced answer, noting which disagreements are substantive.",
				}, "\n"),
			},
		},
		{
			Name:        "comparative",
			Description: "Structured comparison then synthesis",
			Stages:      []string{"initial", "meta", "ultra"},
			Templates: map[string]string{
				"initial": "${original_prompt}",
				"meta": strings.Join([]string{
					"The original question was:",
					"${original_prompt}",
					"",
					"All first-round answers:",
					"${initial_responses}",
					"",
					"Compare the answers above point by point: strengths, weaknesses, and factual disagreements.",
				}, "\n"),
				"ultra": strings.Join([]string{
					"The original question was:",
					"${original_prompt}",
					"",
					"The structured comparisons:",
					"${meta_responses}",
					"",
					"Synthesise a final answer that keeps the strongest points and resolves the disagreements.",
				}, "\n"),
			},
		},
	}
}
