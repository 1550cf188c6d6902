package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrInvalidDefinitions is returned when a definitions payload is not valid
// JSON or does not have the expected shape.
var ErrInvalidDefinitions = errors.New("invalid feature definitions")

// ParseFeatures decodes a /client/features payload. Absent or null lists are
// treated as empty and unknown fields are ignored.
//
// Only an envelope that is not a JSON object with list-valued features and
// segments fails the whole payload. Each feature and segment is decoded on
// its own: a feature that cannot be decoded is kept as a disabled flag when
// its name can be read and skipped otherwise, and a segment that cannot be
// decoded is skipped so strategies referencing it never match. These
// problems are recorded in [Features.Warnings] and reported by [Compile].
func ParseFeatures(data []byte) (Features, error) {
	var envelope struct {
		Version  int               `json:"version"`
		Features []json.RawMessage `json:"features"`
		Segments []json.RawMessage `json:"segments"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Features{}, fmt.Errorf("%w: %v", ErrInvalidDefinitions, err)
	}

	features := Features{Version: envelope.Version}
	if len(envelope.Features) > 0 {
		features.Features = make([]Feature, 0, len(envelope.Features))
	}
	for i, raw := range envelope.Features {
		var feature Feature
		err := json.Unmarshal(raw, &feature)
		if err == nil {
			features.Features = append(features.Features, feature)
			continue
		}
		if name, ok := rawFeatureName(raw); ok {
			features.Warnings = append(features.Warnings, fmt.Errorf("feature %q: %w: %v; serving it disabled", name, ErrInvalidDefinitions, err))
			features.Features = append(features.Features, Feature{Name: name})
			continue
		}
		features.Warnings = append(features.Warnings, fmt.Errorf("feature %d: %w: %v; skipped", i, ErrInvalidDefinitions, err))
	}

	for i, raw := range envelope.Segments {
		var segment Segment
		if err := json.Unmarshal(raw, &segment); err != nil {
			features.Warnings = append(features.Warnings, fmt.Errorf("segment %d: %w: %v; skipped", i, ErrInvalidDefinitions, err))
			continue
		}
		features.Segments = append(features.Segments, segment)
	}

	return features, nil
}

func rawFeatureName(raw json.RawMessage) (string, bool) {
	var named struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return "", false
	}
	name := strings.TrimSpace(named.Name)
	return name, name != ""
}

// CompileOption configures [Compile].
type CompileOption func(*compileConfig)

type compileConfig struct {
	strategies StrategyRegistry
	logger     *slog.Logger
	random     RandomSource
	etag       string
	source     string
}

// WithStrategies sets the strategy implementations available to flags. When
// not given, [DefaultStrategies] is used.
func WithStrategies(strategies StrategyRegistry) CompileOption {
	return func(c *compileConfig) { c.strategies = strategies }
}

// WithLogger sets the logger used for recovered strategy panics.
func WithLogger(logger *slog.Logger) CompileOption {
	return func(c *compileConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithVariantRandom sets the random source used when variant stickiness has
// no identifier to hash.
func WithVariantRandom(random RandomSource) CompileOption {
	return func(c *compileConfig) {
		if random != nil {
			c.random = random
		}
	}
}

// WithETag records the upstream ETag the definitions were fetched with.
func WithETag(etag string) CompileOption {
	return func(c *compileConfig) { c.etag = etag }
}

// WithSource records where the definitions came from, e.g. "upstream" or
// "backup".
func WithSource(source string) CompileOption {
	return func(c *compileConfig) { c.source = source }
}

// Compile builds a new generation from a definitions payload. It always
// returns a usable snapshot; problems with individual constraints, strategies
// or segments are returned as a *multierror.Error of warnings and the
// affected parts fail closed.
func Compile(features Features, opts ...CompileOption) (*Snapshot, error) {
	cfg := compileConfig{
		logger: slog.Default(),
		random: defaultRandom,
		source: "upstream",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.strategies == nil {
		cfg.strategies = DefaultStrategies()
	}

	var warnings *multierror.Error
	if len(features.Warnings) > 0 {
		warnings = multierror.Append(warnings, features.Warnings...)
	}

	segments := make(map[int]Segment, len(features.Segments))
	for _, segment := range features.Segments {
		if _, dup := segments[segment.ID]; dup {
			warnings = multierror.Append(warnings, fmt.Errorf("segment %d: duplicate id, keeping the first", segment.ID))
			continue
		}
		for _, err := range constraintWarnings(segment.Constraints) {
			warnings = multierror.Append(warnings, fmt.Errorf("segment %d: %w", segment.ID, err))
		}
		segments[segment.ID] = segment
	}

	toggles := make(map[string]*Toggle, len(features.Features))
	for _, feature := range features.Features {
		name := strings.TrimSpace(feature.Name)
		if name == "" {
			warnings = multierror.Append(warnings, errors.New("feature without a name skipped"))
			continue
		}
		if _, dup := toggles[name]; dup {
			warnings = multierror.Append(warnings, fmt.Errorf("feature %q: duplicate name, keeping the first", name))
			continue
		}

		toggle, errs := compileToggle(feature, segments, cfg)
		for _, err := range errs {
			warnings = multierror.Append(warnings, fmt.Errorf("feature %q: %w", name, err))
		}
		toggles[name] = toggle
	}

	snapshot := &Snapshot{
		toggles:   toggles,
		segments:  segments,
		version:   features.Version,
		etag:      cfg.etag,
		source:    cfg.source,
		createdAt: time.Now(),
	}
	return snapshot, warnings.ErrorOrNil()
}

func compileToggle(feature Feature, segments map[int]Segment, cfg compileConfig) (*Toggle, []error) {
	var errs []error

	toggle := &Toggle{
		name:        feature.Name,
		description: feature.Description,
		enabled:     feature.Enabled,
		variants:    validVariants(feature.Variants, &errs),
		random:      cfg.random,
	}

	for i, def := range feature.Strategies {
		compiled := &compiledStrategy{
			name:        def.Name,
			params:      strategyParameters(def, feature.Name),
			constraints: ResolveConstraints(def, segments),
			variants:    validVariants(def.Variants, &errs),
			logger:      cfg.logger,
		}

		impl, ok := cfg.strategies[def.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("strategy %d: unknown strategy %q", i, def.Name))
		} else {
			compiled.impl = impl
			if validator, ok := impl.(ParameterValidator); ok {
				if err := validator.ValidateParameters(compiled.params); err != nil {
					errs = append(errs, fmt.Errorf("strategy %d (%s): %w", i, def.Name, err))
				}
			}
		}

		for _, err := range constraintWarnings(def.Constraints) {
			errs = append(errs, fmt.Errorf("strategy %d (%s): %w", i, def.Name, err))
		}
		for _, id := range def.Segments {
			if _, ok := segments[id]; !ok {
				errs = append(errs, fmt.Errorf("strategy %d (%s): unknown segment %d", i, def.Name, id))
			}
		}

		toggle.strategies = append(toggle.strategies, compiled)
	}

	return toggle, errs
}

// strategyParameters copies the parameters and defaults groupId to the
// feature name so rollouts bucket per flag.
func strategyParameters(def StrategyDefinition, featureName string) Parameters {
	params := make(Parameters, len(def.Parameters)+1)
	maps.Copy(params, def.Parameters)
	if strings.TrimSpace(params["groupId"]) == "" {
		params["groupId"] = featureName
	}
	return params
}

func validVariants(variants []Variant, errs *[]error) []Variant {
	if len(variants) == 0 {
		return nil
	}
	out := make([]Variant, 0, len(variants))
	for _, v := range variants {
		if v.Weight < 0 {
			*errs = append(*errs, fmt.Errorf("variant %q: negative weight %d treated as 0", v.Name, v.Weight))
			v.Weight = 0
		}
		out = append(out, v)
	}
	return out
}

func constraintWarnings(constraints []Constraint) []error {
	var errs []error
	for _, c := range constraints {
		if !c.Operator.Known() {
			errs = append(errs, fmt.Errorf("constraint on %q: unknown operator %q", c.ContextName, c.Operator))
		}
	}
	return errs
}
