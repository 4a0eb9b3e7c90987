package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"
	"goldledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const idempotencyTTL = 24 * time.Hour

// idempotency is the two-layer replay guard: Redis first, then the
// idempotency_logs table written in the same transaction as the mutation.
// An empty key disables it.
type idempotency struct {
	repo  ports.IdempotencyRepository
	cache ports.IdempotencyCache
	log   zerolog.Logger
	now   func() time.Time
}

// lookup returns the stored response for key, or nil when the request is new.
func (i *idempotency) lookup(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}

	// Layer 1: Redis idempotency check
	if i.cache != nil {
		cached, err := i.cache.Get(ctx, key)
		if err != nil {
			i.log.Warn().Err(err).Str("key", key).Msg("redis idempotency check failed, falling through to DB")
		}
		if cached != nil {
			return cached, nil
		}
	}

	// Layer 2: DB idempotency check
	entry, err := i.repo.Get(ctx, key)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("db idempotency check: %w", err))
	}
	if entry != nil {
		return entry.ResponseJSON, nil
	}
	return nil, nil
}

// record stores the response inside tx and returns its encoding.
func (i *idempotency) record(ctx context.Context, tx pgx.Tx, key string, resourceID uuid.UUID, result any) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	respJSON, err := json.Marshal(result)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal response: %w", err))
	}
	if err := i.repo.Create(ctx, tx, &domain.IdempotencyLog{
		Key:          key,
		ResourceID:   resourceID,
		ResponseJSON: respJSON,
		CreatedAt:    i.now(),
	}); err != nil {
		return nil, storageError(fmt.Errorf("save idempotency log: %w", err))
	}
	return respJSON, nil
}

// remember caches a committed response. Best effort.
func (i *idempotency) remember(ctx context.Context, key string, respJSON []byte) {
	if key == "" || respJSON == nil || i.cache == nil {
		return
	}
	if err := i.cache.Set(ctx, key, respJSON, idempotencyTTL); err != nil {
		i.log.Warn().Err(err).Str("key", key).Msg("failed to cache idempotency in redis")
	}
}

func replay[T any](respJSON []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(respJSON, &out); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("unmarshal cached response: %w", err))
	}
	return &out, nil
}
