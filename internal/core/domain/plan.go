package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MonthsPerQuarter is the distribution period of a plan.
const MonthsPerQuarter = 3

// PlanStatus is the lifecycle state of a BNSL plan.
type PlanStatus string

const (
	PlanStatusActive          PlanStatus = "ACTIVE"
	PlanStatusMatured         PlanStatus = "MATURED"
	PlanStatusEarlyTerminated PlanStatus = "EARLY_TERMINATED"
)

// DistributionStatus is the settlement state of one quarterly payout.
type DistributionStatus string

const (
	DistributionStatusPending   DistributionStatus = "PENDING"
	DistributionStatusPaid      DistributionStatus = "PAID"
	DistributionStatusCancelled DistributionStatus = "CANCELLED"
)

// Plan is a BNSL savings plan. Principal grams are locked at a fixed price
// for the tenor; quarterly payouts are fixed in USD and settled in grams.
type Plan struct {
	ID                 uuid.UUID       `json:"id"`
	UserID             uuid.UUID       `json:"user_id"`
	WalletID           uuid.UUID       `json:"wallet_id"`
	SourceWalletID     uuid.UUID       `json:"source_wallet_id"`
	LotID              uuid.UUID       `json:"lot_id"`
	PrincipalGrams     decimal.Decimal `json:"principal_grams"`
	LockedPricePerGram decimal.Decimal `json:"locked_price_per_gram"`
	PriceAsOf          time.Time       `json:"price_as_of"`
	PriceSource        string          `json:"price_source"`
	TenorMonths        int             `json:"tenor_months"`
	AnnualRatePercent  decimal.Decimal `json:"annual_rate_percent"`
	StartDate          time.Time       `json:"start_date"`
	MaturityDate       time.Time       `json:"maturity_date"`
	Status             PlanStatus      `json:"status"`
	PenaltyGrams       decimal.Decimal `json:"penalty_grams"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Distributions      []Distribution  `json:"distributions"`
}

// Distribution is one quarterly payout of a plan.
type Distribution struct {
	PlanID                 uuid.UUID          `json:"plan_id"`
	Index                  int                `json:"index"`
	DueDate                time.Time          `json:"due_date"`
	FixedUSDAmount         decimal.Decimal    `json:"fixed_usd_amount"`
	SettledGrams           decimal.Decimal    `json:"settled_grams"`
	SettlementPricePerGram decimal.Decimal    `json:"settlement_price_per_gram"`
	SettlementPriceAsOf    *time.Time         `json:"settlement_price_as_of,omitempty"`
	SettlementPriceSource  string             `json:"settlement_price_source,omitempty"`
	Status                 DistributionStatus `json:"status"`
	PaidAt                 *time.Time         `json:"paid_at,omitempty"`
}

// ValidTenor reports whether months is a positive multiple of a quarter.
func ValidTenor(months int) bool {
	return months > 0 && months%MonthsPerQuarter == 0
}

// DistributionCount is the number of quarterly payouts over the tenor.
func DistributionCount(tenorMonths int) int {
	return tenorMonths / MonthsPerQuarter
}

// DueDate returns the due date of the distribution with the given zero-based index.
func DueDate(start time.Time, index int) time.Time {
	return start.AddDate(0, MonthsPerQuarter*(index+1), 0)
}

// IsDue reports whether a pending distribution may be settled at now.
func (d *Distribution) IsDue(now time.Time) bool {
	return !now.Before(d.DueDate)
}

// IsActive reports whether the plan still holds locked grams.
func (p *Plan) IsActive() bool {
	return p.Status == PlanStatusActive
}

// IsMature reports whether the tenor has elapsed at now.
func (p *Plan) IsMature(now time.Time) bool {
	return !now.Before(p.MaturityDate)
}

// Unpaid returns the distributions not yet PAID.
func (p *Plan) Unpaid() []Distribution {
	var out []Distribution
	for _, d := range p.Distributions {
		if d.Status != DistributionStatusPaid {
			out = append(out, d)
		}
	}
	return out
}

// Distribution returns the distribution with the given index.
func (p *Plan) Distribution(index int) (*Distribution, bool) {
	for i := range p.Distributions {
		if p.Distributions[i].Index == index {
			return &p.Distributions[i], true
		}
	}
	return nil, false
}
