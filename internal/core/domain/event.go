package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a notification emitted after a committed state change.
type EventType string

const (
	EventTransferInitiated    EventType = "transfer.initiated"
	EventTransferAccepted     EventType = "transfer.accepted"
	EventTransferRejected     EventType = "transfer.rejected"
	EventTransferExpired      EventType = "transfer.expired"
	EventReservationCreated   EventType = "reservation.created"
	EventReservationConfirmed EventType = "reservation.confirmed"
	EventReservationReleased  EventType = "reservation.released"
	EventReservationExpired   EventType = "reservation.expired"
	EventPlanOpened           EventType = "plan.opened"
	EventDistributionSettled  EventType = "plan.distribution_settled"
	EventPlanMatured          EventType = "plan.matured"
	EventPlanEarlyTerminated  EventType = "plan.early_terminated"
	EventPurchaseCredited     EventType = "wallet.purchase_credited"
	EventPurchaseConfirmed    EventType = "wallet.purchase_confirmed"
	EventWithdrawalCompleted  EventType = "wallet.withdrawal_completed"
)

// Event is a committed state change delivered to notifiers.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	UserID     uuid.UUID `json:"user_id"`
	ResourceID uuid.UUID `json:"resource_id"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent stamps an event for userID about resourceID.
func NewEvent(typ EventType, userID, resourceID uuid.UUID, payload any, now time.Time) Event {
	return Event{ID: uuid.New(), Type: typ, UserID: userID, ResourceID: resourceID, Payload: payload, OccurredAt: now}
}
