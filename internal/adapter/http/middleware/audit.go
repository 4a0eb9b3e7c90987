package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuditLog creates an audit middleware that logs successful write operations.
// It maps the matched route pattern and method to an audit action.
func AuditLog(auditSvc ports.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only audit successful write operations (status 2xx)
		if c.Writer.Status() < 200 || c.Writer.Status() >= 300 {
			return
		}
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			return
		}

		action, resourceType := mapRouteToAction(c.FullPath(), c.Request.Method)
		if action == "" {
			return
		}

		var userID *uuid.UUID
		if id, ok := UserID(c); ok {
			userID = &id
		}

		details, _ := json.Marshal(map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"request_id": c.GetString(CtxRequestID),
		})

		auditSvc.Log(c.Request.Context(), &domain.AuditLog{
			ID:           uuid.New(),
			UserID:       userID,
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   c.Param("id"),
			IPAddress:    c.ClientIP(),
			Details:      string(details),
			CreatedAt:    time.Now(),
		})
	}
}

func mapRouteToAction(route, method string) (domain.AuditAction, string) {
	if method != http.MethodPost {
		return "", ""
	}
	switch route {
	case "/api/v1/wallets/buy":
		return domain.AuditActionBuy, "wallet"
	case "/internal/v1/purchases/:id/confirm":
		return domain.AuditActionConfirmCredit, "purchase"
	case "/api/v1/wallets/:id/withdraw":
		return domain.AuditActionWithdraw, "wallet"
	case "/api/v1/wallets/convert":
		return domain.AuditActionConvert, "wallet"
	case "/api/v1/transfers":
		return domain.AuditActionTransferInitiate, "intent"
	case "/api/v1/transfers/:id/accept":
		return domain.AuditActionTransferAccept, "intent"
	case "/api/v1/transfers/:id/reject":
		return domain.AuditActionTransferReject, "intent"
	case "/api/v1/reservations":
		return domain.AuditActionReserve, "intent"
	case "/api/v1/reservations/:id/release":
		return domain.AuditActionReservationRelease, "intent"
	case "/api/v1/plans":
		return domain.AuditActionPlanOpen, "plan"
	case "/api/v1/plans/:id/close":
		return domain.AuditActionPlanClose, "plan"
	case "/internal/v1/plans/settle-due":
		return domain.AuditActionSettleDue, "plan"
	}
	return "", ""
}
