package formula

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundingApplies(t *testing.T) {
	opts := &RoundingOptions{RoundedDecimalsCount: 2, MidpointRounding: ToEven}

	cases := []struct {
		name string
		opts *RoundingOptions
		def  *Definition
		want bool
	}{
		{"no options", nil, &Definition{DataType: TypeDecimal}, false},
		{"non-decimal type", opts, &Definition{DataType: TypeInt}, false},
		{"ignore flag set", opts, &Definition{DataType: TypeDecimal, IgnoreRoundingOptions: true}, false},
		{"decimal applies", opts, &Definition{DataType: TypeDecimal}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := roundingApplies(c.opts, c.def); got != c.want {
				t.Errorf("roundingApplies() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestRound_Modes(t *testing.T) {
	raw := decimal.NewFromFloat(0.125)

	toEven := round(raw, RoundingOptions{RoundedDecimalsCount: 2, MidpointRounding: ToEven})
	if !toEven.Equal(raw.RoundBank(2)) {
		t.Errorf("ToEven: expected %s, got %s", raw.RoundBank(2), toEven)
	}

	awayFromZero := round(raw, RoundingOptions{RoundedDecimalsCount: 2, MidpointRounding: AwayFromZero})
	if !awayFromZero.Equal(raw.Round(2)) {
		t.Errorf("AwayFromZero: expected %s, got %s", raw.Round(2), awayFromZero)
	}
}
