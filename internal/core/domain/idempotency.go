package domain

import (
	"time"

	"github.com/google/uuid"
)

// IdempotencyLog stores the committed result of a keyed mutation so a retried
// request returns the original response.
type IdempotencyLog struct {
	Key          string    `json:"key"` // Format: "user_id:operation:client_key"
	ResourceID   uuid.UUID `json:"resource_id"`
	ResponseJSON []byte    `json:"response_json"`
	CreatedAt    time.Time `json:"created_at"`
}

// BuildIdempotencyKey constructs the standard key format.
func BuildIdempotencyKey(userID uuid.UUID, operation, clientKey string) string {
	return userID.String() + ":" + operation + ":" + clientKey
}
