package core

import (
	"fmt"
	"log/slog"
	"maps"
)

// Strategy decides whether a flag is enabled for a context, given the
// parameters configured on one strategy instance. Constraints and segments
// are checked before IsEnabled is called.
//
// Implementations must be safe for concurrent use and must not block.
type Strategy interface {
	Name() string
	IsEnabled(params Parameters, ctx Context) bool
}

// ParameterValidator is implemented by strategies that can reject or warn
// about parameters when a definition is compiled.
type ParameterValidator interface {
	ValidateParameters(params Parameters) error
}

// StrategyFunc adapts a function to the [Strategy] interface.
type StrategyFunc struct {
	StrategyName string
	Fn           func(params Parameters, ctx Context) bool
}

// Name implements [Strategy].
func (f StrategyFunc) Name() string { return f.StrategyName }

// IsEnabled implements [Strategy].
func (f StrategyFunc) IsEnabled(params Parameters, ctx Context) bool {
	if f.Fn == nil {
		return false
	}
	return f.Fn(params, ctx)
}

// StrategyRegistry maps a strategy type name to its implementation.
type StrategyRegistry map[string]Strategy

// With returns a copy of r with the given strategies added. A strategy with
// the same name as an existing entry replaces it.
func (r StrategyRegistry) With(strategies ...Strategy) StrategyRegistry {
	next := make(StrategyRegistry, len(r)+len(strategies))
	maps.Copy(next, r)
	for _, strategy := range strategies {
		if strategy == nil {
			continue
		}
		next[strategy.Name()] = strategy
	}
	return next
}

// Names returns the registered strategy names in no particular order.
func (r StrategyRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}

const operatorMissingSegment Operator = "MISSING_SEGMENT"

// ResolveConstraints returns the strategy's own constraints followed by the
// constraints of each referenced segment, in order. A reference to an unknown
// segment contributes a constraint that never matches.
func ResolveConstraints(def StrategyDefinition, segments map[int]Segment) []Constraint {
	if len(def.Segments) == 0 {
		return def.Constraints
	}

	resolved := make([]Constraint, 0, len(def.Constraints)+len(def.Segments))
	resolved = append(resolved, def.Constraints...)
	for _, id := range def.Segments {
		segment, ok := segments[id]
		if !ok {
			resolved = append(resolved, Constraint{
				ContextName: fmt.Sprintf("segment:%d", id),
				Operator:    operatorMissingSegment,
			})
			continue
		}
		resolved = append(resolved, segment.Constraints...)
	}
	return resolved
}

// compiledStrategy is one strategy instance bound to its implementation and
// its fully resolved constraint list.
type compiledStrategy struct {
	name        string
	impl        Strategy
	params      Parameters
	constraints []Constraint
	variants    []Variant
	logger      *slog.Logger
}

// execute never panics; a panicking implementation counts as disabled.
func (s *compiledStrategy) execute(ctx Context) (enabled bool) {
	if s.impl == nil {
		return false
	}
	if !EvaluateConstraints(s.constraints, ctx) {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("strategy panicked", "strategy", s.name, "panic", r)
			enabled = false
		}
	}()

	return s.impl.IsEnabled(s.params, ctx)
}
