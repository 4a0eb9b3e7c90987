package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of audited action.
type AuditAction string

const (
	AuditActionBuy                AuditAction = "BUY"
	AuditActionConfirmCredit      AuditAction = "CONFIRM_CREDIT"
	AuditActionWithdraw           AuditAction = "WITHDRAW"
	AuditActionConvert            AuditAction = "CONVERT"
	AuditActionTransferInitiate   AuditAction = "TRANSFER_INITIATE"
	AuditActionTransferAccept     AuditAction = "TRANSFER_ACCEPT"
	AuditActionTransferReject     AuditAction = "TRANSFER_REJECT"
	AuditActionReserve            AuditAction = "RESERVE"
	AuditActionReservationRelease AuditAction = "RESERVATION_RELEASE"
	AuditActionPlanOpen           AuditAction = "PLAN_OPEN"
	AuditActionPlanClose          AuditAction = "PLAN_CLOSE"
	AuditActionSettleDue          AuditAction = "SETTLE_DUE"
)

// AuditLog records a single audited action in the system.
type AuditLog struct {
	ID           uuid.UUID   `json:"id"`
	UserID       *uuid.UUID  `json:"user_id,omitempty"`
	Action       AuditAction `json:"action"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id,omitempty"`
	Details      string      `json:"details,omitempty"` // JSON string
	IPAddress    string      `json:"ip_address"`
	CreatedAt    time.Time   `json:"created_at"`
}
