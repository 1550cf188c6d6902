package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Operator is a constraint operator as sent by the upstream server.
type Operator string

const (
	OperatorIn            Operator = "IN"
	OperatorNotIn         Operator = "NOT_IN"
	OperatorStrContains   Operator = "STR_CONTAINS"
	OperatorStrStartsWith Operator = "STR_STARTS_WITH"
	OperatorStrEndsWith   Operator = "STR_ENDS_WITH"
	OperatorNumEq         Operator = "NUM_EQ"
	OperatorNumGt         Operator = "NUM_GT"
	OperatorNumGte        Operator = "NUM_GTE"
	OperatorNumLt         Operator = "NUM_LT"
	OperatorNumLte        Operator = "NUM_LTE"
	OperatorDateAfter     Operator = "DATE_AFTER"
	OperatorDateBefore    Operator = "DATE_BEFORE"
	OperatorSemverEq      Operator = "SEMVER_EQ"
	OperatorSemverGt      Operator = "SEMVER_GT"
	OperatorSemverLt      Operator = "SEMVER_LT"
)

// Known reports whether the operator is one the evaluator understands.
func (o Operator) Known() bool {
	switch o {
	case OperatorIn, OperatorNotIn,
		OperatorStrContains, OperatorStrStartsWith, OperatorStrEndsWith,
		OperatorNumEq, OperatorNumGt, OperatorNumGte, OperatorNumLt, OperatorNumLte,
		OperatorDateAfter, OperatorDateBefore,
		OperatorSemverEq, OperatorSemverGt, OperatorSemverLt:
		return true
	default:
		return false
	}
}

// Features is the /client/features payload.
type Features struct {
	Version  int       `json:"version"`
	Features []Feature `json:"features"`
	Segments []Segment `json:"segments,omitempty"`

	// Warnings lists the entries [ParseFeatures] could not decode.
	Warnings []error `json:"-"`
}

// Feature is one flag definition.
type Feature struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Type        string               `json:"type,omitempty"`
	Enabled     bool                 `json:"enabled"`
	Strategies  []StrategyDefinition `json:"strategies"`
	Variants    []Variant            `json:"variants,omitempty"`
}

// StrategyDefinition is the configuration of one strategy attached to a flag.
type StrategyDefinition struct {
	Name        string       `json:"name"`
	Parameters  Parameters   `json:"parameters,omitempty"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Segments    []int        `json:"segments,omitempty"`
	Variants    []Variant    `json:"variants,omitempty"`
}

// Constraint is a single predicate over one context field.
type Constraint struct {
	ContextName     string   `json:"contextName"`
	Operator        Operator `json:"operator"`
	Values          []string `json:"values,omitempty"`
	Value           string   `json:"value,omitempty"`
	Inverted        bool     `json:"inverted,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty"`
}

// UnmarshalJSON implements [json.Unmarshaler]. Numeric and boolean values are
// accepted in value and values and kept in their string form.
func (c *Constraint) UnmarshalJSON(data []byte) error {
	type plain Constraint
	var raw struct {
		plain
		Values []json.RawMessage `json:"values,omitempty"`
		Value  json.RawMessage   `json:"value,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := Constraint(raw.plain)
	value, err := decodeScalar(raw.Value)
	if err != nil {
		return fmt.Errorf("constraint on %q: value: %w", out.ContextName, err)
	}
	out.Value = value
	if raw.Values != nil {
		out.Values = make([]string, 0, len(raw.Values))
		for _, item := range raw.Values {
			text, err := decodeScalar(item)
			if err != nil {
				return fmt.Errorf("constraint on %q: values: %w", out.ContextName, err)
			}
			out.Values = append(out.Values, text)
		}
	}
	*c = out
	return nil
}

// Segment is a reusable, id-addressed list of constraints.
type Segment struct {
	ID          int          `json:"id"`
	Name        string       `json:"name,omitempty"`
	Constraints []Constraint `json:"constraints"`
}

// Variant is one weighted branch of a flag.
type Variant struct {
	Name       string     `json:"name"`
	Weight     int        `json:"weight"`
	WeightType string     `json:"weightType,omitempty"`
	Stickiness string     `json:"stickiness,omitempty"`
	Payload    *Payload   `json:"payload,omitempty"`
	Overrides  []Override `json:"overrides,omitempty"`
}

// Payload is the opaque value attached to a variant.
type Payload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Override pins every context whose field matches one of Values to a variant.
type Override struct {
	ContextName string   `json:"contextName"`
	Values      []string `json:"values"`
}

// Parameters holds strategy parameters. Upstream servers send both strings
// and numbers; every value is normalised to its string form on decode.
type Parameters map[string]string

// UnmarshalJSON implements [json.Unmarshaler].
func (p *Parameters) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Parameters, len(raw))
	for key, value := range raw {
		text, err := decodeScalar(value)
		if err != nil {
			return fmt.Errorf("parameter %q: %w", key, err)
		}
		out[key] = text
	}
	*p = out
	return nil
}

// Int parses a numeric parameter. Fractional values are truncated; a missing
// or malformed value yields 0 and false.
func (p Parameters) Int(name string) (int, bool) {
	raw, ok := p[name]
	if !ok {
		return 0, false
	}
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return int(f), true
}

// VariantResult is the outcome of a variant lookup.
type VariantResult struct {
	Name           string   `json:"name"`
	Payload        *Payload `json:"payload,omitempty"`
	Enabled        bool     `json:"enabled"`
	FeatureEnabled bool     `json:"feature_enabled"`
}

// DisabledVariantName is the name of the sentinel returned when no variant
// applies.
const DisabledVariantName = "disabled"

// DisabledVariant returns the sentinel for a disabled or unknown flag.
func DisabledVariant() VariantResult {
	return VariantResult{Name: DisabledVariantName}
}
