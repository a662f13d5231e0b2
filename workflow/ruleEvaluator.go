package workflow

import (
	"strings"

	"bitbucket.org/mmdatafocus/qms_backend/models"
	"github.com/shopspring/decimal"
)

// equalityTolerance absorbs decimal round-trip noise when a target pins an
// exact numeric value.
var equalityTolerance = decimal.RequireFromString("0.0001")

// Evaluate compares one measured value against a standard's target
// expression and returns the verdict. It is total: any input yields a
// verdict, never an error.
//
// An empty target expression means the standard does not constrain the
// parameter: Not Applicable. TEXT values must equal the target exactly,
// byte for byte; no case folding, no whitespace trimming. Numeric
// expressions are classified in priority order, first match wins:
//
//  1. range "min-max"
//  2. upper bound containing "≤" or "<="
//  3. lower bound containing "≥" or ">="
//  4. labeled "max:" (case-insensitive)
//  5. labeled "min:" (case-insensitive)
//  6. exact value, equal within 0.0001
//
// A measured value that fails to parse when a numeric rule applies, or a
// target that fits no shape, is Non Compliant: an unjudgeable measurement
// is flagged for review rather than passed.
func Evaluate(dataType models.ParameterDataType, targetExpression string, actualValue string) models.VerificationResult {
	target := strings.TrimSpace(targetExpression)

	if target == "" {
		return models.VerificationResultNotApplicable
	}

	if !dataType.Numeric() {
		if actualValue == targetExpression {
			return models.VerificationResultCompliant
		}
		return models.VerificationResultNonCompliant
	}

	value, parsed := parseNumber(actualValue)

	if lower, upper, ok := parseRange(target); ok {
		return numericVerdict(parsed, value.Cmp(lower) >= 0 && value.Cmp(upper) <= 0)
	}
	if bound, ok := parseAfterOperator(target, "≤", "<="); ok {
		return numericVerdict(parsed, value.Cmp(bound) <= 0)
	}
	if bound, ok := parseAfterOperator(target, "≥", ">="); ok {
		return numericVerdict(parsed, value.Cmp(bound) >= 0)
	}
	if bound, ok := parseAfterLabel(target, "max:"); ok {
		return numericVerdict(parsed, value.Cmp(bound) <= 0)
	}
	if bound, ok := parseAfterLabel(target, "min:"); ok {
		return numericVerdict(parsed, value.Cmp(bound) >= 0)
	}
	if exact, ok := parseNumber(target); ok {
		return numericVerdict(parsed, value.Sub(exact).Abs().Cmp(equalityTolerance) <= 0)
	}

	// Target expression fits no recognized shape.
	return models.VerificationResultNonCompliant
}

func numericVerdict(parsed bool, compliant bool) models.VerificationResult {
	if parsed && compliant {
		return models.VerificationResultCompliant
	}
	return models.VerificationResultNonCompliant
}

// parseNumber reads a decimal, tolerating a trailing percent sign.
func parseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// parseRange reads "min-max". The separator search skips position zero so a
// leading minus sign is not mistaken for the separator.
func parseRange(s string) (decimal.Decimal, decimal.Decimal, bool) {
	for i := 1; i < len(s); i++ {
		if s[i] != '-' {
			continue
		}
		lower, ok := parseNumber(s[:i])
		if !ok {
			continue
		}
		upper, ok := parseNumber(s[i+1:])
		if !ok {
			continue
		}
		if lower.Cmp(upper) > 0 {
			return decimal.Decimal{}, decimal.Decimal{}, false
		}
		return lower, upper, true
	}
	return decimal.Decimal{}, decimal.Decimal{}, false
}

// parseAfterOperator reads the number following the first occurrence of any
// of the given operators anywhere in the expression.
func parseAfterOperator(s string, operators ...string) (decimal.Decimal, bool) {
	for _, op := range operators {
		idx := strings.Index(s, op)
		if idx < 0 {
			continue
		}
		return parseNumber(s[idx+len(op):])
	}
	return decimal.Decimal{}, false
}

// parseAfterLabel reads the number following a case-insensitive label such
// as "max:".
func parseAfterLabel(s string, label string) (decimal.Decimal, bool) {
	idx := strings.Index(strings.ToLower(s), label)
	if idx < 0 {
		return decimal.Decimal{}, false
	}
	return parseNumber(s[idx+len(label):])
}
