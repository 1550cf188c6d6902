package core

import "testing"

func abcVariants(weights ...int) []Variant {
	names := []string{"A", "B", "C"}
	variants := make([]Variant, len(weights))
	for i, w := range weights {
		variants[i] = Variant{Name: names[i], Weight: w, Stickiness: StickinessDefault}
	}
	return variants
}

func variantName(v *Variant) string {
	if v == nil {
		return "<nil>"
	}
	return v.Name
}

func TestSelectVariantByStickiness(t *testing.T) {
	tests := []struct {
		name     string
		variants []Variant
		ctx      Context
		want     string
	}{
		{name: "user-1 into first", variants: abcVariants(33, 33, 34), ctx: Context{UserID: "user-1"}, want: "A"},
		{name: "user-2 into second", variants: abcVariants(33, 33, 34), ctx: Context{UserID: "user-2"}, want: "B"},
		{name: "user-3 into third", variants: abcVariants(33, 33, 34), ctx: Context{UserID: "user-3"}, want: "C"},
		{name: "user-4 into second", variants: abcVariants(33, 33, 34), ctx: Context{UserID: "user-4"}, want: "B"},
		{name: "weights summing to 99", variants: abcVariants(33, 33, 33), ctx: Context{UserID: "user-1"}, want: "C"},
		{name: "equal single weights", variants: abcVariants(1, 1, 1), ctx: Context{UserID: "user-4"}, want: "B"},
		{name: "sessionId fallback", variants: abcVariants(33, 33, 34), ctx: Context{SessionID: "sess-1"}, want: "B"},
		{name: "remoteAddress fallback", variants: abcVariants(33, 33, 34), ctx: Context{RemoteAddress: "10.0.0.1"}, want: "A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectVariant(tt.variants, tt.ctx, "variant-flag", fixedRandom(1))
			if variantName(got) != tt.want {
				t.Fatalf("SelectVariant() = %s, want %s", variantName(got), tt.want)
			}
		})
	}
}

func TestSelectVariantCustomStickiness(t *testing.T) {
	variants := abcVariants(33, 33, 34)
	for i := range variants {
		variants[i].Stickiness = "tenant"
	}
	ctx := Context{Properties: map[string]string{"tenant": "acme"}}

	if got := SelectVariant(variants, ctx, "variant-flag", fixedRandom(100)); variantName(got) != "A" {
		t.Fatalf("SelectVariant(tenant=acme) = %s, want A", variantName(got))
	}

	variants[2].Weight = 33
	if got := SelectVariant(variants, ctx, "variant-flag", fixedRandom(1)); variantName(got) != "C" {
		t.Fatalf("SelectVariant(tenant=acme, total 99) = %s, want C", variantName(got))
	}

	// Missing custom field draws randomly.
	if got := SelectVariant(variants, Context{UserID: "user-1"}, "variant-flag", fixedRandom(70)); variantName(got) != "C" {
		t.Fatalf("SelectVariant(missing tenant) = %s, want C", variantName(got))
	}
}

func TestSelectVariantRandomStickiness(t *testing.T) {
	variants := abcVariants(50, 50)
	variants[0].Stickiness = StickinessRandom

	if got := SelectVariant(variants, Context{UserID: "user-1"}, "g", fixedRandom(51)); variantName(got) != "B" {
		t.Fatalf("SelectVariant() = %s, want B", variantName(got))
	}
	if got := SelectVariant(variants, Context{UserID: "user-1"}, "g", fixedRandom(50)); variantName(got) != "A" {
		t.Fatalf("SelectVariant() = %s, want A", variantName(got))
	}
}

func TestSelectVariantOverridesWin(t *testing.T) {
	variants := abcVariants(33, 33, 34)
	variants[2].Overrides = []Override{{ContextName: "userId", Values: []string{"user-1", "user-9"}}}
	variants[1].Overrides = []Override{{ContextName: "plan", Values: []string{"pro"}}}

	if got := SelectVariant(variants, Context{UserID: "user-1"}, "variant-flag", nil); variantName(got) != "C" {
		t.Fatalf("SelectVariant(override userId) = %s, want C", variantName(got))
	}

	// Overrides are checked in declaration order.
	ctx := Context{UserID: "user-9", Properties: map[string]string{"plan": "pro"}}
	if got := SelectVariant(variants, ctx, "variant-flag", nil); variantName(got) != "B" {
		t.Fatalf("SelectVariant(two overrides) = %s, want B", variantName(got))
	}
}

func TestSelectVariantNoWeight(t *testing.T) {
	if got := SelectVariant(nil, Context{UserID: "u"}, "g", nil); got != nil {
		t.Fatalf("SelectVariant(nil) = %s, want nil", got.Name)
	}
	if got := SelectVariant(abcVariants(0, 0), Context{UserID: "u"}, "g", nil); got != nil {
		t.Fatalf("SelectVariant(zero weights) = %s, want nil", got.Name)
	}
}

func TestPickVariantBeyondTotal(t *testing.T) {
	variants := abcVariants(33, 33, 33)

	if got := pickVariant(variants, 100); got != nil {
		t.Fatalf("pickVariant(target 100) = %s, want nil", got.Name)
	}
	if got := pickVariant(variants, 99); variantName(got) != "C" {
		t.Fatalf("pickVariant(target 99) = %s, want C", variantName(got))
	}
	if got := pickVariant(variants, 33); variantName(got) != "A" {
		t.Fatalf("pickVariant(target 33) = %s, want A", variantName(got))
	}
	if got := pickVariant(variants, 34); variantName(got) != "B" {
		t.Fatalf("pickVariant(target 34) = %s, want B", variantName(got))
	}
}

func TestPickVariantSkipsZeroWeights(t *testing.T) {
	variants := abcVariants(0, 10, 0)
	if got := pickVariant(variants, 1); variantName(got) != "B" {
		t.Fatalf("pickVariant() = %s, want B", variantName(got))
	}
}

func TestSelectVariantDeterministic(t *testing.T) {
	variants := abcVariants(20, 30, 50)
	ctx := Context{UserID: "user-5"}
	first := SelectVariant(variants, ctx, "variant-flag", nil)
	for range 50 {
		if got := SelectVariant(variants, ctx, "variant-flag", nil); variantName(got) != variantName(first) {
			t.Fatalf("SelectVariant() = %s, want stable %s", variantName(got), variantName(first))
		}
	}
}
