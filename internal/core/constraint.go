package core

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// EvaluateConstraint reports whether ctx satisfies constraint. Lookup and
// parse failures evaluate to false before Inverted is applied. An unknown
// operator is false even when inverted.
func EvaluateConstraint(constraint Constraint, ctx Context) bool {
	if !constraint.Operator.Known() {
		return false
	}
	result := evaluateOperator(constraint, ctx)
	if constraint.Inverted {
		return !result
	}
	return result
}

// EvaluateConstraints reports whether ctx satisfies every constraint. An empty
// list is satisfied.
func EvaluateConstraints(constraints []Constraint, ctx Context) bool {
	for _, constraint := range constraints {
		if !EvaluateConstraint(constraint, ctx) {
			return false
		}
	}
	return true
}

func evaluateOperator(constraint Constraint, ctx Context) bool {
	value, found := ctx.Value(constraint.ContextName)

	switch constraint.Operator {
	case OperatorIn:
		return found && slices.Contains(constraint.Values, value)
	case OperatorNotIn:
		return !found || !slices.Contains(constraint.Values, value)
	}

	if !found {
		return false
	}

	switch constraint.Operator {
	case OperatorStrContains:
		return matchAnyString(constraint, value, strings.Contains)
	case OperatorStrStartsWith:
		return matchAnyString(constraint, value, strings.HasPrefix)
	case OperatorStrEndsWith:
		return matchAnyString(constraint, value, strings.HasSuffix)
	case OperatorNumEq, OperatorNumGt, OperatorNumGte, OperatorNumLt, OperatorNumLte:
		return compareNumbers(constraint.Operator, value, singleValue(constraint))
	case OperatorDateAfter, OperatorDateBefore:
		return compareDates(constraint.Operator, value, singleValue(constraint))
	case OperatorSemverEq, OperatorSemverGt, OperatorSemverLt:
		return compareVersions(constraint.Operator, value, singleValue(constraint))
	default:
		return false
	}
}

// singleValue returns the operand for single-value operators. Older servers
// send it as the first entry of Values.
func singleValue(constraint Constraint) string {
	if constraint.Value != "" {
		return constraint.Value
	}
	if len(constraint.Values) > 0 {
		return constraint.Values[0]
	}
	return ""
}

func matchAnyString(constraint Constraint, value string, match func(s, substr string) bool) bool {
	if constraint.CaseInsensitive {
		value = strings.ToLower(value)
	}
	for _, candidate := range constraint.Values {
		if constraint.CaseInsensitive {
			candidate = strings.ToLower(candidate)
		}
		if match(value, candidate) {
			return true
		}
	}
	return false
}

func compareNumbers(op Operator, contextValue, constraintValue string) bool {
	left, err := strconv.ParseFloat(strings.TrimSpace(contextValue), 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(strings.TrimSpace(constraintValue), 64)
	if err != nil {
		return false
	}

	switch op {
	case OperatorNumEq:
		return left == right
	case OperatorNumGt:
		return left > right
	case OperatorNumGte:
		return left >= right
	case OperatorNumLt:
		return left < right
	case OperatorNumLte:
		return left <= right
	default:
		return false
	}
}

func compareDates(op Operator, contextValue, constraintValue string) bool {
	left, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(contextValue))
	if err != nil {
		return false
	}
	right, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(constraintValue))
	if err != nil {
		return false
	}

	switch op {
	case OperatorDateAfter:
		return left.After(right)
	case OperatorDateBefore:
		return left.Before(right)
	default:
		return false
	}
}

func compareVersions(op Operator, contextValue, constraintValue string) bool {
	left, ok := canonicalVersion(contextValue)
	if !ok {
		return false
	}
	right, ok := canonicalVersion(constraintValue)
	if !ok {
		return false
	}

	cmp := semver.Compare(left, right)
	switch op {
	case OperatorSemverEq:
		return cmp == 0
	case OperatorSemverGt:
		return cmp > 0
	case OperatorSemverLt:
		return cmp < 0
	default:
		return false
	}
}

// canonicalVersion converts "1.2.3-beta.1" into the "v"-prefixed form the
// semver package expects. Shorthand versions such as "1.2" are rejected.
func canonicalVersion(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] == 'v' || raw[0] == 'V' {
		return "", false
	}

	release := raw
	if i := strings.IndexAny(release, "-+"); i >= 0 {
		release = release[:i]
	}
	if strings.Count(release, ".") != 2 {
		return "", false
	}

	version := "v" + raw
	if !semver.IsValid(version) {
		return "", false
	}
	return version, true
}
