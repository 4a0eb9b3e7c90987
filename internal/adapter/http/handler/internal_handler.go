package handler

import (
	"time"

	"goldledger/internal/adapter/http/dto"
	"goldledger/internal/core/ports"
	"goldledger/pkg/apperror"
	"goldledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// InternalHandler exposes hooks for the scheduler and the payment side.
type InternalHandler struct {
	planSvc   ports.PlanService
	walletSvc ports.WalletService
	log       zerolog.Logger
	now       func() time.Time
}

// NewInternalHandler creates a new InternalHandler.
func NewInternalHandler(planSvc ports.PlanService, walletSvc ports.WalletService, log zerolog.Logger) *InternalHandler {
	return &InternalHandler{
		planSvc:   planSvc,
		walletSvc: walletSvc,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SettleDue handles POST /internal/v1/plans/settle-due. Individual coupon
// failures are reported in the body; the batch itself only fails when no
// price could be read. An explicit cutoff may lie in the past, never in the
// future.
func (h *InternalHandler) SettleDue(c *gin.Context) {
	var req dto.SettleDueRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	at := h.now()
	if req.At != nil {
		if req.At.After(at) {
			response.Error(c, apperror.Validation("at must not be in the future"))
			return
		}
		at = req.At.UTC()
	}

	report, err := h.planSvc.SettleDueDistributions(c.Request.Context(), at)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.log.Info().
		Time("at", at).
		Int("settled", len(report.Settled)).
		Int("failed", len(report.Failed)).
		Msg("settle-due batch finished")
	response.OK(c, report)
}

// ConfirmPurchase handles POST /internal/v1/purchases/:id/confirm, called
// once the USD side of a purchase has settled.
func (h *InternalHandler) ConfirmPurchase(c *gin.Context) {
	purchaseID, ok := pathID(c)
	if !ok {
		return
	}

	wallet, err := h.walletSvc.ConfirmCredit(c.Request.Context(), ports.ConfirmCreditRequest{PurchaseID: purchaseID})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, wallet)
}
