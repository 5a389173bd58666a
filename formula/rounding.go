package formula

import (
	"github.com/shopspring/decimal"
)

// decimalAssignable reports whether the decimal numeric type is
// assignable to dataType. Go has no user-defined implicit conversion
// operators, so this reduces to: dataType is itself TypeDecimal.
func decimalAssignable(t Type) bool {
	return t == TypeDecimal
}

// roundingApplies reports whether RoundingOptions should be applied to
// a formula's computed value.
func roundingApplies(opts *RoundingOptions, def *Definition) bool {
	if opts == nil || def == nil {
		return false
	}
	if def.IgnoreRoundingOptions {
		return false
	}
	return decimalAssignable(def.DataType)
}

// round applies opts to raw.
func round(raw decimal.Decimal, opts RoundingOptions) decimal.Decimal {
	places := int32(opts.RoundedDecimalsCount)
	switch opts.MidpointRounding {
	case ToEven:
		return raw.RoundBank(places)
	default:
		return raw.Round(places)
	}
}

// toDecimal coerces a CEL-evaluated numeric ref.Val's native Go value
// into a decimal.Decimal. CEL itself has no decimal type, so the
// adapter treats "decimal" as a double-valued CEL variable and applies
// decimal.Decimal rounding only as the value leaves the composite
// program, on its way into the EvaluationVariable.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.NewFromInt(int64(n)), true
	case decimal.Decimal:
		return n, true
	default:
		return decimal.Decimal{}, false
	}
}
