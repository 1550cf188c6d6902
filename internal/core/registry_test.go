package core

import (
	"sync"
	"testing"
)

func mustCompile(t *testing.T, features ...Feature) *Snapshot {
	t.Helper()
	snapshot, err := Compile(Features{Features: features})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return snapshot
}

func TestRegistryStartsEmpty(t *testing.T) {
	registry := NewRegistry()
	if registry.Snapshot().Len() != 0 {
		t.Fatalf("Len() = %d, want 0", registry.Snapshot().Len())
	}
	if registry.IsEnabled("missing", Context{}, nil) {
		t.Fatal("IsEnabled(missing, nil fallback) = true, want false")
	}
}

func TestRegistryFallback(t *testing.T) {
	registry := NewRegistry()

	if !registry.IsEnabled("missing", Context{}, FallbackValue(true)) {
		t.Fatal("IsEnabled(missing, fallback true) = false, want true")
	}

	var gotName string
	var gotUser string
	fallback := func(name string, ctx Context) bool {
		gotName, gotUser = name, ctx.UserID
		return false
	}
	registry.IsEnabled("other", Context{UserID: "u1"}, fallback)
	if gotName != "other" || gotUser != "u1" {
		t.Fatalf("fallback called with %q/%q, want other/u1", gotName, gotUser)
	}

	if got := registry.GetVariant("missing", Context{}); got != DisabledVariant() {
		t.Fatalf("GetVariant(missing) = %+v, want disabled sentinel", got)
	}
}

func TestRegistryFallbackNotUsedForKnownFlag(t *testing.T) {
	registry := NewRegistry()
	registry.Replace(mustCompile(t, Feature{Name: "off", Enabled: false}))

	if registry.IsEnabled("off", Context{}, FallbackValue(true)) {
		t.Fatal("IsEnabled(off) used fallback, want flag result false")
	}
}

func TestRegistryReplace(t *testing.T) {
	registry := NewRegistry()
	first := mustCompile(t, Feature{Name: "f", Enabled: true})
	second := mustCompile(t, Feature{Name: "f", Enabled: false})

	if prev := registry.Replace(first); prev.Len() != 0 {
		t.Fatalf("Replace() previous Len = %d, want 0", prev.Len())
	}
	if !registry.IsEnabled("f", Context{}, nil) {
		t.Fatal("IsEnabled(f) = false, want true after first generation")
	}

	if prev := registry.Replace(second); prev != first {
		t.Fatal("Replace() did not return the previous generation")
	}
	if registry.IsEnabled("f", Context{}, nil) {
		t.Fatal("IsEnabled(f) = true, want false after second generation")
	}

	counts := first.DrainCounts()
	if counts["f"].Yes != 1 {
		t.Fatalf("first generation counts = %+v, want one yes for f", counts)
	}

	if registry.Replace(nil).Len() != 1 {
		t.Fatal("Replace(nil) did not return the second generation")
	}
	if registry.Snapshot().Len() != 0 {
		t.Fatal("Replace(nil) did not publish an empty generation")
	}
}

func TestRegistryConcurrentReadersSeeWholeGenerations(t *testing.T) {
	registry := NewRegistry()
	on := mustCompile(t, Feature{Name: "a", Enabled: true}, Feature{Name: "b", Enabled: true})
	off := mustCompile(t, Feature{Name: "a", Enabled: false}, Feature{Name: "b", Enabled: false})
	registry.Replace(on)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snapshot := registry.Snapshot()
				a, _ := snapshot.Toggle("a")
				b, _ := snapshot.Toggle("b")
				if a.Enabled() != b.Enabled() {
					t.Error("reader saw a mixed generation")
					return
				}
			}
		}()
	}

	for i := range 200 {
		if i%2 == 0 {
			registry.Replace(off)
		} else {
			registry.Replace(on)
		}
	}
	close(stop)
	wg.Wait()
}

func TestSnapshotDrainCountsSkipsIdleFlags(t *testing.T) {
	snapshot := mustCompile(t, Feature{Name: "used", Enabled: true}, Feature{Name: "idle", Enabled: true})
	toggle, _ := snapshot.Toggle("used")
	toggle.IsEnabled(Context{})

	counts := snapshot.DrainCounts()
	if len(counts) != 1 || counts["used"].Yes != 1 {
		t.Fatalf("DrainCounts() = %+v, want only used with one yes", counts)
	}
}
