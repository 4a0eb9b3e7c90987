package service

import (
	"errors"

	"goldledger/internal/core/domain"
	"goldledger/pkg/apperror"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes that mean "re-read and try again".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// ledgerError translates domain sentinels raised by balance validation.
func ledgerError(err error) error {
	if _, ok := apperror.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, domain.ErrInvalidGrams):
		return apperror.ErrInvalidGrams()
	case errors.Is(err, domain.ErrInsufficientBucketGrams):
		appErr := apperror.ErrInsufficientBalance()
		appErr.Err = err
		return appErr
	case errors.Is(err, domain.ErrModeMismatch):
		return apperror.ErrModeMismatch()
	case errors.Is(err, domain.ErrInsufficientLotGrams),
		errors.Is(err, domain.ErrUnknownBucket),
		errors.Is(err, domain.ErrMissingPrice):
		return apperror.ErrConsistency(err)
	}
	return storageError(err)
}

// storageError classifies a repository or driver error.
func storageError(err error) error {
	if _, ok := apperror.As(err); ok {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return apperror.ErrConcurrency(err)
		}
	}
	return apperror.InternalError(err)
}
