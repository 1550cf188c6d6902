package core

import (
	"strconv"
	"testing"
)

func benchmarkSnapshot(b *testing.B) *Snapshot {
	b.Helper()
	features, err := ParseFeatures([]byte(featuresPayload))
	if err != nil {
		b.Fatalf("ParseFeatures() error = %v", err)
	}
	snapshot, err := Compile(features, WithStrategies(DefaultStrategies(WithHostname("bench"))))
	if err != nil {
		b.Fatalf("Compile() error = %v", err)
	}
	return snapshot
}

func BenchmarkNormalizedHash(b *testing.B) {
	for i := 0; b.Loop(); i++ {
		NormalizedHash(strconv.Itoa(i), "bench", 100)
	}
}

func BenchmarkRegistryIsEnabled(b *testing.B) {
	registry := NewRegistry()
	registry.Replace(benchmarkSnapshot(b))
	ctx := Context{UserID: "user-1", Environment: "prod", Properties: map[string]string{"region": "eu"}}

	b.ReportAllocs()
	for b.Loop() {
		registry.IsEnabled("new-ui", ctx, nil)
	}
}

func BenchmarkRegistryIsEnabledParallel(b *testing.B) {
	registry := NewRegistry()
	registry.Replace(benchmarkSnapshot(b))
	ctx := Context{UserID: "user-1", Environment: "prod", Properties: map[string]string{"region": "eu"}}

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			registry.IsEnabled("new-ui", ctx, nil)
		}
	})
}

func BenchmarkRegistryGetVariant(b *testing.B) {
	registry := NewRegistry()
	registry.Replace(benchmarkSnapshot(b))
	ctx := Context{UserID: "user-3"}

	b.ReportAllocs()
	for b.Loop() {
		registry.GetVariant("variant-flag", ctx)
	}
}

func BenchmarkCompile(b *testing.B) {
	features, err := ParseFeatures([]byte(featuresPayload))
	if err != nil {
		b.Fatalf("ParseFeatures() error = %v", err)
	}
	strategies := DefaultStrategies(WithHostname("bench"))

	b.ReportAllocs()
	for b.Loop() {
		if _, err := Compile(features, WithStrategies(strategies)); err != nil {
			b.Fatal(err)
		}
	}
}
