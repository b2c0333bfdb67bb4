// Package strategy maps logical execution strategies onto concrete
// dispatch plans: which models to call, in what order, and when to stop.
package strategy

import (
	"fmt"
	"math/rand"
	"sort"

	"quorumlabs/quorum/pkg/processing/costs"
	"quorumlabs/quorum/pkg/registry"
	"quorumlabs/quorum/pkg/resources"
)

// Strategy is a logical execution strategy.
type Strategy string

const (
	Simple           Strategy = "simple"
	Parallel         Strategy = "parallel"
	Waterfall        Strategy = "waterfall"
	Balanced         Strategy = "balanced"
	QualityOptimised Strategy = "quality"
	SpeedOptimised   Strategy = "speed"
	CostOptimised    Strategy = "cost"
	Adaptive         Strategy = "adaptive"
)

// Parse validates a strategy name. Empty means Simple.
func Parse(name string) (Strategy, error) {
	switch Strategy(name) {
	case "":
		return Simple, nil
	case Simple, Parallel, Waterfall, Balanced, QualityOptimised,
		SpeedOptimised, CostOptimised, Adaptive:
		return Strategy(name), nil
	default:
		return "", fmt.Errorf("strategy: unknown strategy %q", name)
	}
}

// SelectionMode picks which registered models take part in a stage.
type SelectionMode string

const (
	SelectAll      SelectionMode = "all"
	SelectBest     SelectionMode = "best"
	SelectWeighted SelectionMode = "weighted"
	SelectRandom   SelectionMode = "random"
)

// Plan is the concrete execution shape for one request.
type Plan struct {
	Strategy Strategy

	// Pattern overrides the requested pattern when non-empty.
	Pattern string

	Selection SelectionMode

	// MaxWorkers bounds best/random selection. 0 means no bound.
	MaxWorkers int

	// MinResponses is the early-stop threshold for parallel dispatch:
	// the stage may finish once this many models succeed. 0 means wait
	// for all.
	MinResponses int

	// Sequential dispatches candidates one at a time, stopping at the
	// first success.
	Sequential bool

	// CostOrdered sorts sequential candidates by estimated cost,
	// cheapest first.
	CostOrdered bool

	// EvaluateQuality scores each response with the quality evaluator.
	EvaluateQuality bool
}

// Hints carries the signals Adaptive uses to pick a concrete strategy.
type Hints struct {
	// PromptLength in characters.
	PromptLength int

	// Preference is a user hint: "speed", "quality", "cost", or "".
	Preference string
}

// Selector resolves strategies into plans against the live registry.
type Selector struct {
	registry  *registry.Registry
	optimizer *resources.Optimizer
	costs     *costs.Estimator

	// MaxWorkers is the default bound for best/random selection.
	MaxWorkers int

	// rng is injectable for deterministic random selection in tests.
	rng *rand.Rand
}

// NewSelector creates a selector. optimizer may be nil; Adaptive then
// ignores load.
func NewSelector(reg *registry.Registry, optimizer *resources.Optimizer, maxWorkers int) *Selector {
	if maxWorkers <= 0 {
		maxWorkers = 3
	}
	return &Selector{
		registry:   reg,
		optimizer:  optimizer,
		costs:      costs.NewEstimator(),
		MaxWorkers: maxWorkers,
	}
}

// SeedRandom fixes the random source for SelectRandom.
func (s *Selector) SeedRandom(seed int64) {
	s.rng = rand.New(rand.NewSource(seed))
}

// Select resolves a strategy into a plan.
func (s *Selector) Select(strategy Strategy, hints Hints) Plan {
	switch strategy {
	case Simple:
		return Plan{Strategy: Simple, Selection: SelectAll, EvaluateQuality: true}

	case Parallel:
		return Plan{Strategy: Parallel, Selection: SelectAll, MinResponses: s.MaxWorkers}

	case Waterfall:
		return Plan{Strategy: Waterfall, Selection: SelectWeighted, Sequential: true}

	case Balanced:
		return Plan{Strategy: Balanced, Selection: SelectAll, MinResponses: 2}

	case QualityOptimised:
		return Plan{
			Strategy:        QualityOptimised,
			Pattern:         "comparative",
			Selection:       SelectAll,
			EvaluateQuality: true,
		}

	case SpeedOptimised:
		return Plan{Strategy: SpeedOptimised, Selection: SelectAll, MinResponses: 1}

	case CostOptimised:
		return Plan{
			Strategy:    CostOptimised,
			Selection:   SelectWeighted,
			Sequential:  true,
			CostOrdered: true,
		}

	case Adaptive:
		return s.adapt(hints)

	default:
		return Plan{Strategy: Simple, Selection: SelectAll, EvaluateQuality: true}
	}
}

// adapt picks a concrete strategy from load and prompt shape. User
// preference wins; otherwise high load degrades toward waterfall and
// long prompts (expensive calls) toward cost order.
func (s *Selector) adapt(hints Hints) Plan {
	switch hints.Preference {
	case "speed":
		return s.Select(SpeedOptimised, hints)
	case "quality":
		return s.Select(QualityOptimised, hints)
	case "cost":
		return s.Select(CostOptimised, hints)
	}

	if s.optimizer != nil && s.optimizer.CurrentConcurrency() <= 1 {
		return s.Select(Waterfall, hints)
	}
	if hints.PromptLength > 8000 {
		return s.Select(CostOptimised, hints)
	}
	return s.Select(Balanced, hints)
}

// Models resolves the plan's selection against the registry, starting
// from the requested list (empty means every healthy model). The result
// is ordered: weight descending with alphabetical tiebreaks, reordered
// by estimated cost when the plan asks for it.
func (s *Selector) Models(plan Plan, requested []string, prompt string) []string {
	pool := requested
	if len(pool) == 0 {
		pool = s.registry.Healthy()
	}

	ordered := s.registry.Prioritized(pool...)

	switch plan.Selection {
	case SelectBest:
		k := plan.MaxWorkers
		if k <= 0 {
			k = s.MaxWorkers
		}
		if len(ordered) > k {
			ordered = ordered[:k]
		}

	case SelectRandom:
		k := plan.MaxWorkers
		if k <= 0 {
			k = s.MaxWorkers
		}
		ordered = s.randomSubset(ordered, k)

	case SelectAll, SelectWeighted:
		// Full ordered pool.
	}

	if plan.CostOrdered {
		ordered = s.orderByCost(ordered, prompt)
	}
	return ordered
}

// orderByCost sorts model ids by estimated call cost ascending, with
// alphabetical tiebreaks.
func (s *Selector) orderByCost(ids []string, prompt string) []string {
	type priced struct {
		id   string
		cost float64
	}

	pricedIDs := make([]priced, 0, len(ids))
	for _, id := range ids {
		cost := 0.0
		if entry, ok := s.registry.Get(id); ok {
			cost = s.costs.Estimate(entry.Config.Provider, entry.Config.ModelID,
				prompt, entry.Config.MaxTokens)
		}
		pricedIDs = append(pricedIDs, priced{id: id, cost: cost})
	}

	sort.SliceStable(pricedIDs, func(i, j int) bool {
		if pricedIDs[i].cost != pricedIDs[j].cost {
			return pricedIDs[i].cost < pricedIDs[j].cost
		}
		return pricedIDs[i].id < pricedIDs[j].id
	})

	out := make([]string, len(pricedIDs))
	for i, p := range pricedIDs {
		out[i] = p.id
	}
	return out
}

func (s *Selector) randomSubset(ids []string, k int) []string {
	if len(ids) <= k {
		return ids
	}

	shuffled := make([]string, len(ids))
	copy(shuffled, ids)

	shuffle := rand.Shuffle
	if s.rng != nil {
		shuffle = s.rng.Shuffle
	}
	shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	subset := shuffled[:k]
	sort.Strings(subset)
	return subset
}
