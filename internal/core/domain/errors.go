package domain

import "errors"

// Sentinel errors raised by the in-memory validation of ledger mutations.
// Services translate them into apperror values.
var (
	ErrInvalidGrams            = errors.New("grams must be positive with at most 6 decimal places")
	ErrUnknownBucket           = errors.New("unknown bucket")
	ErrInsufficientBucketGrams = errors.New("insufficient grams in bucket")
	ErrInsufficientLotGrams    = errors.New("insufficient lot grams")
	ErrModeMismatch            = errors.New("valuation modes differ")
	ErrMissingPrice            = errors.New("fixed-mode credit requires a price snapshot")
)
