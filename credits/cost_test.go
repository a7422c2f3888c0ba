package credits_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/credit-engine/credits"
)

func TestCalculateCredits(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"empty text is free", "", "0.00"},
		{"one character", "a", "0.05"},
		{"exactly one credit", strings.Repeat("x", 20), "1.00"},
		{"fractional credit", strings.Repeat("x", 25), "1.25"},
		{"long reply", strings.Repeat("x", 4321), "216.05"},
		{"counts code points not bytes", "héllo wörld ✓", "0.65"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := credits.CalculateCredits(tt.text)
			assert.Equal(t, tt.want, got.String())
			assert.False(t, got.IsNegative())
			assert.True(t, got.Equal(credits.CalculateCredits(tt.text)), "must be deterministic")
		})
	}
}

func TestCostForChars(t *testing.T) {
	tests := []struct {
		chars, perCredit int
		want             string
	}{
		{0, 20, "0.00"},
		{-5, 20, "0.00"},
		{1, 3, "0.33"},
		{2, 3, "0.67"},
		{10, 0, "0.00"},
		{1, 8, "0.13"}, // 0.125 rounds half away from zero
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, credits.CostForChars(tt.chars, tt.perCredit).String(),
			"chars=%d perCredit=%d", tt.chars, tt.perCredit)
	}
}
