package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// GramsScale is the number of decimal places grams are held at.
const GramsScale int32 = 6

// ValidGrams reports whether g is a positive quantity representable at
// GramsScale without rounding.
func ValidGrams(g decimal.Decimal) bool {
	return g.IsPositive() && g.Equal(g.Truncate(GramsScale))
}

// Bucket is one of the four mutually exclusive balance states of a wallet.
type Bucket string

const (
	BucketAvailable        Bucket = "AVAILABLE"
	BucketPending          Bucket = "PENDING"
	BucketLockedForPlan    Bucket = "LOCKED_FOR_PLAN"
	BucketReservedForTrade Bucket = "RESERVED_FOR_TRADE"
)

// Valid reports whether b names a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketAvailable, BucketPending, BucketLockedForPlan, BucketReservedForTrade:
		return true
	}
	return false
}

// BucketBalance partitions a wallet's grams. The mutators return a new value
// and leave the receiver untouched, so callers can validate a whole operation
// before persisting any of it.
type BucketBalance struct {
	Available        decimal.Decimal `json:"available"`
	Pending          decimal.Decimal `json:"pending"`
	LockedForPlan    decimal.Decimal `json:"locked_for_plan"`
	ReservedForTrade decimal.Decimal `json:"reserved_for_trade"`
}

// Get returns the grams held in bucket.
func (b BucketBalance) Get(bucket Bucket) decimal.Decimal {
	switch bucket {
	case BucketAvailable:
		return b.Available
	case BucketPending:
		return b.Pending
	case BucketLockedForPlan:
		return b.LockedForPlan
	case BucketReservedForTrade:
		return b.ReservedForTrade
	}
	return decimal.Zero
}

// Total is the sum of all four buckets.
func (b BucketBalance) Total() decimal.Decimal {
	return b.Available.Add(b.Pending).Add(b.LockedForPlan).Add(b.ReservedForTrade)
}

func (b BucketBalance) with(bucket Bucket, grams decimal.Decimal) BucketBalance {
	switch bucket {
	case BucketAvailable:
		b.Available = grams
	case BucketPending:
		b.Pending = grams
	case BucketLockedForPlan:
		b.LockedForPlan = grams
	case BucketReservedForTrade:
		b.ReservedForTrade = grams
	}
	return b
}

// Move shifts grams between two buckets without changing the total.
func (b BucketBalance) Move(from, to Bucket, grams decimal.Decimal) (BucketBalance, error) {
	if !from.Valid() || !to.Valid() {
		return b, ErrUnknownBucket
	}
	if !ValidGrams(grams) {
		return b, ErrInvalidGrams
	}
	if b.Get(from).LessThan(grams) {
		return b, fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBucketGrams, from, b.Get(from), grams)
	}
	out := b.with(from, b.Get(from).Sub(grams))
	return out.with(to, out.Get(to).Add(grams)), nil
}

// Credit adds grams to bucket.
func (b BucketBalance) Credit(bucket Bucket, grams decimal.Decimal) (BucketBalance, error) {
	if !bucket.Valid() {
		return b, ErrUnknownBucket
	}
	if !ValidGrams(grams) {
		return b, ErrInvalidGrams
	}
	return b.with(bucket, b.Get(bucket).Add(grams)), nil
}

// Debit removes grams from bucket.
func (b BucketBalance) Debit(bucket Bucket, grams decimal.Decimal) (BucketBalance, error) {
	if !bucket.Valid() {
		return b, ErrUnknownBucket
	}
	if !ValidGrams(grams) {
		return b, ErrInvalidGrams
	}
	if b.Get(bucket).LessThan(grams) {
		return b, fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBucketGrams, bucket, b.Get(bucket), grams)
	}
	return b.with(bucket, b.Get(bucket).Sub(grams)), nil
}
