// Package conversion holds the pure decimal arithmetic shared by every ledger
// operation. Grams are rounded half-up to six places, USD to two.
package conversion

import (
	"fmt"
	"strings"

	"goldledger/internal/core/domain"

	"github.com/shopspring/decimal"
)

// USDScale is the number of decimal places USD amounts are held at.
const USDScale int32 = 2

var (
	hundred        = decimal.NewFromInt(100)
	quartersInYear = decimal.NewFromInt(4)
)

// USDToGrams converts usd at price USD/gram. Non-positive inputs yield zero.
func USDToGrams(usd, price decimal.Decimal) decimal.Decimal {
	if !usd.IsPositive() || !price.IsPositive() {
		return decimal.Zero
	}
	return usd.Div(price).Round(domain.GramsScale)
}

// GramsToUSD values grams at price USD/gram. Non-positive inputs yield zero.
func GramsToUSD(grams, price decimal.Decimal) decimal.Decimal {
	if !grams.IsPositive() || !price.IsPositive() {
		return decimal.Zero
	}
	return grams.Mul(price).Round(USDScale)
}

// PercentOf returns pct percent of grams, rounded to grams scale.
func PercentOf(grams, pct decimal.Decimal) decimal.Decimal {
	if !grams.IsPositive() || !pct.IsPositive() {
		return decimal.Zero
	}
	return grams.Mul(pct).Div(hundred).Round(domain.GramsScale)
}

// QuarterlyCoupon is the fixed USD payout of one BNSL quarter:
// principal value at the locked price times the annual rate, over four.
func QuarterlyCoupon(principalGrams, price, annualRatePercent decimal.Decimal) decimal.Decimal {
	if !principalGrams.IsPositive() || !price.IsPositive() || !annualRatePercent.IsPositive() {
		return decimal.Zero
	}
	return principalGrams.Mul(price).Mul(annualRatePercent).
		Div(hundred).Div(quartersInYear).Round(USDScale)
}

// WeightedAverage is the remaining-grams weighted acquisition price of lots.
// Exhausted lots are ignored; zero when nothing remains.
func WeightedAverage(lots []domain.Lot) decimal.Decimal {
	grams, value := decimal.Zero, decimal.Zero
	for _, l := range lots {
		if l.Exhausted() {
			continue
		}
		grams = grams.Add(l.RemainingGrams)
		value = value.Add(l.RemainingGrams.Mul(l.AcquiredPricePerGram))
	}
	if grams.IsZero() {
		return decimal.Zero
	}
	return value.Div(grams).Round(domain.GramsScale)
}

// FeeType selects how a fee value is interpreted.
type FeeType string

const (
	FeePercentage FeeType = "PERCENTAGE"
	FeeFlat       FeeType = "FLAT"
)

// FeeSpec describes a fee. Value is a percentage of grams for PERCENTAGE and
// a USD amount for FLAT. MinUSD and MaxUSD clamp the computed fee.
type FeeSpec struct {
	Type   FeeType
	Value  decimal.Decimal
	MinUSD *decimal.Decimal
	MaxUSD *decimal.Decimal
}

// Enabled reports whether the spec charges anything.
func (f FeeSpec) Enabled() bool {
	return f.Value.IsPositive()
}

// NeedsPrice reports whether computing the fee requires a spot price.
func (f FeeSpec) NeedsPrice() bool {
	return f.Enabled() && (f.Type == FeeFlat || f.MinUSD != nil || f.MaxUSD != nil)
}

// ParseFeeSpec builds a FeeSpec from its configuration strings. An empty
// value yields a disabled spec.
func ParseFeeSpec(feeType, value, minUSD, maxUSD string) (FeeSpec, error) {
	spec := FeeSpec{Type: FeeType(strings.ToUpper(strings.TrimSpace(feeType)))}
	if spec.Type == "" {
		spec.Type = FeePercentage
	}
	if spec.Type != FeePercentage && spec.Type != FeeFlat {
		return FeeSpec{}, fmt.Errorf("unknown fee type %q", feeType)
	}
	if strings.TrimSpace(value) == "" {
		return spec, nil
	}

	var err error
	if spec.Value, err = decimal.NewFromString(value); err != nil {
		return FeeSpec{}, fmt.Errorf("fee value: %w", err)
	}
	if spec.Value.IsNegative() {
		return FeeSpec{}, fmt.Errorf("fee value must not be negative")
	}
	if spec.MinUSD, err = optionalDecimal(minUSD); err != nil {
		return FeeSpec{}, fmt.Errorf("fee min_usd: %w", err)
	}
	if spec.MaxUSD, err = optionalDecimal(maxUSD); err != nil {
		return FeeSpec{}, fmt.Errorf("fee max_usd: %w", err)
	}
	if spec.MinUSD != nil && spec.MaxUSD != nil && spec.MinUSD.GreaterThan(*spec.MaxUSD) {
		return FeeSpec{}, fmt.Errorf("fee min_usd exceeds max_usd")
	}
	return spec, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ApplyFee returns the fee in grams charged on grams. The min and max bounds
// are converted to grams at price after the fee itself is computed. The fee
// never exceeds grams.
func ApplyFee(grams decimal.Decimal, spec FeeSpec, price decimal.Decimal) decimal.Decimal {
	if !grams.IsPositive() || !spec.Enabled() {
		return decimal.Zero
	}

	var fee decimal.Decimal
	switch spec.Type {
	case FeeFlat:
		fee = USDToGrams(spec.Value, price)
	default:
		fee = PercentOf(grams, spec.Value)
	}

	if spec.MinUSD != nil {
		if floor := USDToGrams(*spec.MinUSD, price); fee.LessThan(floor) {
			fee = floor
		}
	}
	if spec.MaxUSD != nil && price.IsPositive() {
		if ceil := USDToGrams(*spec.MaxUSD, price); fee.GreaterThan(ceil) {
			fee = ceil
		}
	}
	return decimal.Min(fee, grams)
}
