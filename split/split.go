// Package split distributes a tip across named payee shares.
//
// Allocations are informational, not an accounting ledger entry. Each share is
// rounded to the cent on its own, so the sum of the allocations can differ from
// the tip by up to one cent per share. No remainder is moved between shares.
package split

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SumTolerance is the allowed distance of a configuration's total from 100%
var SumTolerance = decimal.RequireFromString("0.01")

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Share is one named slice of a merchant's tip split configuration
type Share struct {
	Name       string          `json:"name"`
	Percentage decimal.Decimal `json:"percentage"`
	Address    string          `json:"walletAddress,omitempty"`
}

// Allocation is the amount a share receives from a particular tip
type Allocation struct {
	Name       string          `json:"name"`
	Percentage decimal.Decimal `json:"percentage"`
	Amount     decimal.Decimal `json:"amount"`
	Address    string          `json:"walletAddress,omitempty"`
}

// DefaultConfig returns the configuration assigned to merchants that never set one
func DefaultConfig() []Share {
	return []Share{
		{Name: "Front Of House", Percentage: decimal.NewFromInt(60)},
		{Name: "Back Of House", Percentage: decimal.NewFromInt(30)},
		{Name: "Bar", Percentage: decimal.NewFromInt(10)},
	}
}

// Split returns one allocation per share, in share order.
// amount = round(tip * percentage / 100, 2). The configuration is assumed
// valid; it is checked when written, not here.
func Split(tip decimal.Decimal, shares []Share) []Allocation {
	out := make([]Allocation, 0, len(shares))
	for _, s := range shares {
		out = append(out, Allocation{
			Name:       s.Name,
			Percentage: s.Percentage,
			Amount:     tip.Mul(s.Percentage).Div(hundred).Round(2),
			Address:    s.Address,
		})
	}
	return out
}

// Total sums the allocated amounts
func Total(allocs []Allocation) decimal.Decimal {
	total := zero
	for _, a := range allocs {
		total = total.Add(a.Amount)
	}
	return total
}

// Drift is Total(allocs) - tip; bounded by len(allocs) cents
func Drift(tip decimal.Decimal, allocs []Allocation) decimal.Decimal {
	return Total(allocs).Sub(tip)
}

// ErrNoShares is returned for an empty configuration
var ErrNoShares = errors.New("at least one split is required")

// ConfigError lists every problem found in a configuration
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid split config: " + strings.Join(e.Problems, "; ")
}

// ValidateConfig checks that shares are named, each percentage lies in
// [0,100] and the percentages sum to 100 within SumTolerance.
func ValidateConfig(shares []Share) error {
	if len(shares) == 0 {
		return &ConfigError{Problems: []string{ErrNoShares.Error()}}
	}

	var problems []string
	sum := zero
	for i, s := range shares {
		if strings.TrimSpace(s.Name) == "" {
			problems = append(problems, fmt.Sprintf("split %d must have a name", i))
		}
		if s.Percentage.LessThan(zero) || s.Percentage.GreaterThan(hundred) {
			problems = append(problems, fmt.Sprintf("split %q percentage must be between 0 and 100", s.Name))
		}
		sum = sum.Add(s.Percentage)
	}

	if sum.Sub(hundred).Abs().GreaterThan(SumTolerance) {
		problems = append(problems, fmt.Sprintf("split percentages must sum to 100%% (currently %s%%)", sum.String()))
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// Format renders a split for receipts and logs
func Format(tip decimal.Decimal, allocs []Allocation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$%s tip split:", tip.StringFixed(2))
	for _, a := range allocs {
		fmt.Fprintf(&b, "\n%s: $%s (%s%%)", a.Name, a.Amount.StringFixed(2), a.Percentage.String())
	}
	return b.String()
}
