package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may safely repeat the whole operation
// after re-reading current state.
func (e *AppError) Retryable() bool {
	return e.Code == codeConcurrency || e.Code == codeOracleUnavailable
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// As extracts an *AppError from err, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

const (
	codeConcurrency       = "SYS_002"
	codeOracleUnavailable = "ORC_001"
)

// ---- Validation (VAL) ----

func ErrInvalidGrams() *AppError {
	return New("VAL_001", "Grams must be positive with at most 6 decimal places", http.StatusBadRequest)
}

func ErrInsufficientBalance() *AppError {
	return New("VAL_002", "Insufficient available gold balance", http.StatusUnprocessableEntity)
}

func ErrModeMismatch() *AppError {
	return New("VAL_003", "Source and destination wallets must share the same valuation mode", http.StatusBadRequest)
}

func ErrInvalidTenor() *AppError {
	return New("VAL_004", "Tenor must be a positive multiple of 3 months", http.StatusBadRequest)
}

func ErrDistributionNotDue() *AppError {
	return New("VAL_005", "Distribution is not yet due", http.StatusConflict)
}

func ErrInvalidState(message string) *AppError {
	return New("VAL_006", message, http.StatusConflict)
}

// Validation returns a generic validation error with a specific reason.
func Validation(message string) *AppError {
	return New("VAL_007", message, http.StatusBadRequest)
}

func ErrOutstandingDistributions() *AppError {
	return New("VAL_008", "Plan has unsettled distributions", http.StatusConflict)
}

func ErrForbidden() *AppError {
	return New("VAL_009", "Wallet or intent does not belong to caller", http.StatusForbidden)
}

func ErrNotFound(entity string) *AppError {
	return New("NF_001", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

// ---- Ledger consistency (LED) ----

// ErrConsistency signals a bucket/lot desync. The detail stays in server logs;
// the client only sees a generic message.
func ErrConsistency(err error) *AppError {
	return Wrap("LED_001", "Please try again later", http.StatusInternalServerError, err)
}

// ---- External dependencies (ORC) ----

func ErrOracleUnavailable(err error) *AppError {
	return Wrap(codeOracleUnavailable, "Gold price is currently unavailable", http.StatusServiceUnavailable, err)
}

// ---- Authentication (AUTH) ----

func ErrInvalidToken() *AppError {
	return New("AUTH_003", "Invalid or expired token", http.StatusUnauthorized)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

// ErrConcurrency covers lock timeouts, deadlocks and serialization failures.
func ErrConcurrency(err error) *AppError {
	return Wrap(codeConcurrency, "Concurrent update, please retry", http.StatusServiceUnavailable, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}
