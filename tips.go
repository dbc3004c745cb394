package tipengine

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)

	// DefaultTipPercentages are the preset options offered for a bill
	DefaultTipPercentages = []int64{10, 15, 18, 20, 25}
)

// TipSelection is the payer's tip choice: an absolute amount or a percentage of the bill
type TipSelection struct {
	Amount     *decimal.Decimal
	Percentage *decimal.Decimal
}

// TipAmount selects an absolute tip
func TipAmount(amount decimal.Decimal) TipSelection {
	return TipSelection{Amount: &amount}
}

// TipPercent selects a percentage tip
func TipPercent(pct decimal.Decimal) TipSelection {
	return TipSelection{Percentage: &pct}
}

// DecimalFromFloat converts a float at an API boundary, rejecting NaN and infinities
func DecimalFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("non-finite amount: %v", f)
	}
	return decimal.NewFromFloat(f), nil
}

// ComputeTip resolves a selection against a bill into (tip, percentage, total).
//
//	percentage only: tip = round(bill * pct / 100, 2)
//	amount only:     pct = round(tip / bill * 100, 1)
//	both:            accepted only when they agree under the first rule
func ComputeTip(bill decimal.Decimal, sel TipSelection) (tip, pct, total decimal.Decimal, err error) {
	if !bill.IsPositive() {
		return tip, pct, total, ValidationError(CodeInvalidAmount, "bill amount must be positive")
	}

	switch {
	case sel.Amount == nil && sel.Percentage == nil:
		return tip, pct, total, ValidationError(CodeTipRequired, "tip amount or percentage is required")

	case sel.Amount != nil && sel.Percentage != nil:
		pct = *sel.Percentage
		tip = bill.Mul(pct).Div(hundred).Round(2)
		if !tip.Equal(sel.Amount.Round(2)) {
			return tip, pct, total, ValidationError(CodeAmbiguousTip,
				fmt.Sprintf("tip amount %s does not match %s%% of %s", sel.Amount.StringFixed(2), pct, bill.StringFixed(2)))
		}

	case sel.Percentage != nil:
		pct = *sel.Percentage
		tip = bill.Mul(pct).Div(hundred).Round(2)

	default:
		tip = sel.Amount.Round(2)
		pct = tip.Div(bill).Mul(hundred).Round(1)
	}

	if tip.IsNegative() || pct.IsNegative() {
		return tip, pct, total, ValidationError(CodeInvalidTip, "tip must not be negative")
	}
	return tip, pct, bill.Add(tip), nil
}

// TipOption is one preset percentage with its resulting amounts
type TipOption struct {
	Percentage decimal.Decimal `json:"percentage"`
	Amount     decimal.Decimal `json:"amount"`
	Total      decimal.Decimal `json:"total"`
}

// RoundUpOption rounds the total up to the next whole currency unit
type RoundUpOption struct {
	Total     decimal.Decimal `json:"amount"`
	TipAmount decimal.Decimal `json:"tipAmount"`
}

// TipOptionSet is the menu offered to a payer for a bill
type TipOptionSet struct {
	Options []TipOption   `json:"options"`
	RoundUp RoundUpOption `json:"roundUp"`
}

// TipOptions computes the preset tip menu for a bill
func TipOptions(bill decimal.Decimal) (TipOptionSet, error) {
	if !bill.IsPositive() {
		return TipOptionSet{}, ValidationError(CodeInvalidAmount, "bill amount must be positive")
	}

	set := TipOptionSet{Options: make([]TipOption, 0, len(DefaultTipPercentages))}
	for _, p := range DefaultTipPercentages {
		pct := decimal.NewFromInt(p)
		amount := bill.Mul(pct).Div(hundred).Round(2)
		set.Options = append(set.Options, TipOption{
			Percentage: pct,
			Amount:     amount,
			Total:      bill.Add(amount).Round(2),
		})
	}

	roundUp := bill.Ceil()
	set.RoundUp = RoundUpOption{
		Total:     roundUp,
		TipAmount: roundUp.Sub(bill).Round(2),
	}
	return set, nil
}

// TipOptions computes the preset tip menu for a session's bill
func (e *Engine) TipOptions(ctx context.Context, sessionID string) (TipOptionSet, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return TipOptionSet{}, err
	}
	return TipOptions(session.BillAmount)
}
