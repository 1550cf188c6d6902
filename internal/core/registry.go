package core

import (
	"sort"
	"sync/atomic"
	"time"
)

// Snapshot is one immutable generation of compiled flags and segments.
type Snapshot struct {
	toggles   map[string]*Toggle
	segments  map[int]Segment
	version   int
	etag      string
	source    string
	createdAt time.Time
}

// EmptySnapshot returns a generation with no flags.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		toggles:  map[string]*Toggle{},
		segments: map[int]Segment{},
		source:   "empty",
	}
}

// Toggle looks up a flag by name.
func (s *Snapshot) Toggle(name string) (*Toggle, bool) {
	t, ok := s.toggles[name]
	return t, ok
}

// Toggles returns every flag sorted by name.
func (s *Snapshot) Toggles() []*Toggle {
	toggles := make([]*Toggle, 0, len(s.toggles))
	for _, t := range s.toggles {
		toggles = append(toggles, t)
	}
	sort.Slice(toggles, func(i, j int) bool {
		return toggles[i].name < toggles[j].name
	})
	return toggles
}

// Len returns the number of flags.
func (s *Snapshot) Len() int { return len(s.toggles) }

// SegmentCount returns the number of segments.
func (s *Snapshot) SegmentCount() int { return len(s.segments) }

// Version is the payload schema version reported upstream.
func (s *Snapshot) Version() int { return s.version }

// ETag is the upstream ETag of the payload, if any.
func (s *Snapshot) ETag() string { return s.etag }

// Source describes where the generation was loaded from.
func (s *Snapshot) Source() string { return s.source }

// CreatedAt is when the generation was compiled.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// DrainCounts drains the counters of every flag that recorded evaluations.
func (s *Snapshot) DrainCounts() map[string]Counts {
	out := make(map[string]Counts)
	for name, t := range s.toggles {
		if counts := t.DrainCounts(); !counts.Empty() {
			out[name] = counts
		}
	}
	return out
}

// FallbackFunc decides the result for a flag that is not in the registry.
type FallbackFunc func(name string, ctx Context) bool

// FallbackValue returns a FallbackFunc that always yields value.
func FallbackValue(value bool) FallbackFunc {
	return func(string, Context) bool { return value }
}

// Registry publishes the current generation. Readers always see one whole
// generation; a refresh swaps the pointer.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry returns a registry holding an empty generation.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(EmptySnapshot())
	return r
}

// Snapshot returns the current generation.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Replace publishes next and returns the generation it replaced so the caller
// can drain its counters.
func (r *Registry) Replace(next *Snapshot) *Snapshot {
	if next == nil {
		next = EmptySnapshot()
	}
	return r.current.Swap(next)
}

// IsEnabled evaluates a flag by name. Unknown flags defer to fallback, or
// false when fallback is nil.
func (r *Registry) IsEnabled(name string, ctx Context, fallback FallbackFunc) bool {
	toggle, ok := r.Snapshot().Toggle(name)
	if !ok {
		if fallback == nil {
			return false
		}
		return fallback(name, ctx)
	}
	return toggle.IsEnabled(ctx)
}

// GetVariant evaluates a flag by name and selects a variant. Unknown flags
// return the disabled sentinel.
func (r *Registry) GetVariant(name string, ctx Context) VariantResult {
	toggle, ok := r.Snapshot().Toggle(name)
	if !ok {
		return DisabledVariant()
	}
	return toggle.GetVariant(ctx)
}
