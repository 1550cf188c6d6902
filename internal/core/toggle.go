package core

import (
	"sync"
	"sync/atomic"
)

// Toggle is a compiled flag. It is immutable apart from its evaluation
// counters, which are safe for concurrent use.
type Toggle struct {
	name        string
	description string
	enabled     bool
	strategies  []*compiledStrategy
	variants    []Variant
	random      RandomSource

	yes atomic.Int64
	no  atomic.Int64

	variantMu     sync.Mutex
	variantCounts map[string]int64
}

// Counts is a snapshot of a toggle's evaluation counters.
type Counts struct {
	Yes      int64            `json:"yes"`
	No       int64            `json:"no"`
	Variants map[string]int64 `json:"variants,omitempty"`
}

// Empty reports whether nothing was counted.
func (c Counts) Empty() bool {
	return c.Yes == 0 && c.No == 0 && len(c.Variants) == 0
}

// Add returns the sum of c and other.
func (c Counts) Add(other Counts) Counts {
	sum := Counts{Yes: c.Yes + other.Yes, No: c.No + other.No}
	if len(c.Variants)+len(other.Variants) > 0 {
		sum.Variants = make(map[string]int64, len(c.Variants)+len(other.Variants))
		for name, n := range c.Variants {
			sum.Variants[name] += n
		}
		for name, n := range other.Variants {
			sum.Variants[name] += n
		}
	}
	return sum
}

// Name returns the flag name.
func (t *Toggle) Name() string { return t.name }

// Description returns the flag description.
func (t *Toggle) Description() string { return t.description }

// Enabled reports the flag's global on/off bit.
func (t *Toggle) Enabled() bool { return t.enabled }

// StrategyNames lists the strategy types attached to the flag, in order.
func (t *Toggle) StrategyNames() []string {
	names := make([]string, len(t.strategies))
	for i, s := range t.strategies {
		names[i] = s.name
	}
	return names
}

// VariantNames lists the flag-level variant names, in order.
func (t *Toggle) VariantNames() []string {
	names := make([]string, len(t.variants))
	for i, v := range t.variants {
		names[i] = v.Name
	}
	return names
}

// IsEnabled evaluates the flag for ctx and records the result.
func (t *Toggle) IsEnabled(ctx Context) bool {
	enabled, _ := t.evaluate(ctx)
	t.count(enabled)
	return enabled
}

// GetVariant evaluates the flag for ctx and selects a variant. Variants
// carried by the first satisfied strategy take precedence over the flag's own
// list.
func (t *Toggle) GetVariant(ctx Context) VariantResult {
	enabled, matched := t.evaluate(ctx)
	t.count(enabled)
	if !enabled {
		t.countVariant(DisabledVariantName)
		return DisabledVariant()
	}

	variants, groupID := t.variants, t.name
	if matched != nil && len(matched.variants) > 0 {
		variants = matched.variants
		if g := matched.params["groupId"]; g != "" {
			groupID = g
		}
	}

	selected := SelectVariant(variants, ctx, groupID, t.random)
	if selected == nil {
		t.countVariant(DisabledVariantName)
		result := DisabledVariant()
		result.FeatureEnabled = true
		return result
	}

	t.countVariant(selected.Name)
	return VariantResult{
		Name:           selected.Name,
		Payload:        selected.Payload,
		Enabled:        true,
		FeatureEnabled: true,
	}
}

// DrainCounts returns the counters accumulated since the last drain and
// resets them to zero.
func (t *Toggle) DrainCounts() Counts {
	counts := Counts{
		Yes: t.yes.Swap(0),
		No:  t.no.Swap(0),
	}

	t.variantMu.Lock()
	if len(t.variantCounts) > 0 {
		counts.Variants = t.variantCounts
		t.variantCounts = nil
	}
	t.variantMu.Unlock()

	return counts
}

// evaluate returns the OR over all strategies and the first strategy that
// matched. A flag with no strategies is enabled when its bit is set.
func (t *Toggle) evaluate(ctx Context) (bool, *compiledStrategy) {
	if !t.enabled {
		return false, nil
	}
	if len(t.strategies) == 0 {
		return true, nil
	}
	for _, s := range t.strategies {
		if s.execute(ctx) {
			return true, s
		}
	}
	return false, nil
}

func (t *Toggle) count(enabled bool) {
	if enabled {
		t.yes.Add(1)
		return
	}
	t.no.Add(1)
}

func (t *Toggle) countVariant(name string) {
	t.variantMu.Lock()
	if t.variantCounts == nil {
		t.variantCounts = make(map[string]int64)
	}
	t.variantCounts[name]++
	t.variantMu.Unlock()
}
