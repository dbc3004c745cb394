package split

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSplit_DefaultConfig(t *testing.T) {
	allocs := Split(d("1.50"), DefaultConfig())

	got := make([]string, len(allocs))
	for i, a := range allocs {
		got[i] = a.Name + "=" + a.Amount.StringFixed(2)
	}
	want := []string{"Front Of House=0.90", "Back Of House=0.45", "Bar=0.15"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("allocations mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, Total(allocs).Equal(d("1.50")))
	assert.True(t, Drift(d("1.50"), allocs).IsZero())
}

func TestSplit_PreservesOrderAndAddress(t *testing.T) {
	shares := []Share{
		{Name: "Kitchen", Percentage: d("25"), Address: "0xkitchen"},
		{Name: "Floor", Percentage: d("75")},
	}
	allocs := Split(d("4.00"), shares)
	require.Len(t, allocs, 2)
	assert.Equal(t, "Kitchen", allocs[0].Name)
	assert.Equal(t, "0xkitchen", allocs[0].Address)
	assert.True(t, allocs[0].Amount.Equal(d("1.00")))
	assert.True(t, allocs[1].Amount.Equal(d("3.00")))
}

func TestSplit_RoundingDriftIsNotRebalanced(t *testing.T) {
	shares := []Share{
		{Name: "a", Percentage: d("33.33")},
		{Name: "b", Percentage: d("33.33")},
		{Name: "c", Percentage: d("33.34")},
	}
	allocs := Split(d("0.10"), shares)
	for _, a := range allocs[:2] {
		assert.True(t, a.Amount.Equal(d("0.03")), "got %s", a.Amount)
	}
	// 0.10 * 33.34% = 0.03334 rounds to 0.03, so a cent is lost
	assert.True(t, Total(allocs).Equal(d("0.09")))
	assert.True(t, Drift(d("0.10"), allocs).Equal(d("-0.01")))
}

func TestSplit_DriftBoundedByShareCount(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(8)
		shares := randomShares(rng, n)
		require.NoError(t, ValidateConfig(shares))

		tip := decimal.New(rng.Int63n(100000), -2)
		allocs := Split(tip, shares)

		require.Len(t, allocs, n)
		bound := decimal.New(int64(n), -2)
		assert.True(t, Drift(tip, allocs).Abs().LessThan(bound),
			"tip=%s shares=%v drift=%s", tip, shares, Drift(tip, allocs))
	}
}

// randomShares builds n shares with one-decimal percentages summing to exactly 100
func randomShares(rng *rand.Rand, n int) []Share {
	remaining := int64(1000)
	shares := make([]Share, n)
	for i := 0; i < n; i++ {
		var tenths int64
		if i == n-1 {
			tenths = remaining
		} else {
			tenths = rng.Int63n(remaining + 1)
		}
		remaining -= tenths
		shares[i] = Share{Name: string(rune('A' + i)), Percentage: decimal.New(tenths, -1)}
	}
	return shares
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		shares  []Share
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"within tolerance", []Share{{Name: "a", Percentage: d("50")}, {Name: "b", Percentage: d("50.01")}}, false},
		{"empty", nil, true},
		{"sum too low", []Share{{Name: "a", Percentage: d("50")}, {Name: "b", Percentage: d("49")}}, true},
		{"sum too high", []Share{{Name: "a", Percentage: d("60")}, {Name: "b", Percentage: d("40.02")}}, true},
		{"blank name", []Share{{Name: "  ", Percentage: d("100")}}, true},
		{"negative", []Share{{Name: "a", Percentage: d("-10")}, {Name: "b", Percentage: d("110")}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.shares)
			if tt.wantErr {
				var cfgErr *ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.NotEmpty(t, cfgErr.Problems)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateConfig_ReportsAllProblems(t *testing.T) {
	err := ValidateConfig([]Share{{Name: "", Percentage: d("120")}})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, cfgErr.Problems, 3)
}

func TestFormat(t *testing.T) {
	out := Format(d("1.5"), Split(d("1.5"), DefaultConfig()))
	assert.Equal(t, "$1.50 tip split:\nFront Of House: $0.90 (60%)\nBack Of House: $0.45 (30%)\nBar: $0.15 (10%)", out)
}
