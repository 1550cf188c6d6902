package core

import "slices"

// SelectVariant picks one variant for ctx, or nil when none applies.
//
// Overrides are checked first in declaration order. Otherwise the variant is
// chosen by hashing the stickiness identifier into [1, totalWeight] and
// walking the cumulative weights in declaration order, so reordering variants
// changes assignments.
func SelectVariant(variants []Variant, ctx Context, groupID string, random RandomSource) *Variant {
	if len(variants) == 0 {
		return nil
	}

	if v := overriddenVariant(variants, ctx); v != nil {
		return v
	}

	totalWeight := 0
	for _, v := range variants {
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight <= 0 {
		return nil
	}

	target := variantTarget(variants[0].Stickiness, ctx, groupID, totalWeight, random)
	return pickVariant(variants, target)
}

func overriddenVariant(variants []Variant, ctx Context) *Variant {
	for i := range variants {
		for _, override := range variants[i].Overrides {
			value, ok := ctx.Value(override.ContextName)
			if ok && slices.Contains(override.Values, value) {
				return &variants[i]
			}
		}
	}
	return nil
}

func variantTarget(stickiness string, ctx Context, groupID string, totalWeight int, random RandomSource) int {
	identifier, useRandom, ok := resolveStickiness(stickiness, ctx, FieldUserID, FieldSessionID, FieldRemoteAddress)
	if !ok || useRandom {
		if random == nil {
			random = defaultRandom
		}
		return random(totalWeight)
	}
	return NormalizedHash(identifier, groupID, totalWeight)
}

// pickVariant returns the first variant whose cumulative weight reaches
// target, or nil when target lies beyond the summed weights.
func pickVariant(variants []Variant, target int) *Variant {
	counter := 0
	for i := range variants {
		if variants[i].Weight <= 0 {
			continue
		}
		counter += variants[i].Weight
		if counter >= target {
			return &variants[i]
		}
	}
	return nil
}
