package credits

import (
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/generic"
)

// CalculateCredits prices generated text at one credit per
// DefaultCharsPerCredit characters, rounded to cents. Characters are
// Unicode code points.
func CalculateCredits(text string) generic.Amount {
	return CostForChars(utf8.RuneCountInString(text), DefaultCharsPerCredit)
}

// CostForChars is round2(chars / perCredit), floored at zero.
func CostForChars(chars, perCredit int) generic.Amount {
	if chars <= 0 || perCredit <= 0 {
		return generic.Zero()
	}
	cost := decimal.NewFromInt(int64(chars)).Div(decimal.NewFromInt(int64(perCredit)))
	return generic.NewAmountFromDecimal(cost)
}
