package handler

import (
	"goldledger/internal/adapter/http/dto"
	"goldledger/internal/core/ports"
	"goldledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlanHandler handles BNSL plan endpoints.
type PlanHandler struct {
	planSvc ports.PlanService
}

// NewPlanHandler creates a new PlanHandler.
func NewPlanHandler(planSvc ports.PlanService) *PlanHandler {
	return &PlanHandler{planSvc: planSvc}
}

// Open handles POST /api/v1/plans.
func (h *PlanHandler) Open(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req dto.OpenPlanRequest
	if !bindJSON(c, &req) {
		return
	}
	grams, ok := gramsField(c, req.Grams)
	if !ok {
		return
	}
	rate, ok := decimalField(c, "annual_rate_percent", req.AnnualRatePercent)
	if !ok {
		return
	}

	plan, err := h.planSvc.OpenPlan(c.Request.Context(), ports.OpenPlanRequest{
		UserID:            userID,
		WalletID:          uuid.MustParse(req.WalletID),
		Grams:             grams,
		TenorMonths:       req.TenorMonths,
		AnnualRatePercent: rate,
		IdempotencyKey:    c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, plan)
}

// List handles GET /api/v1/plans.
func (h *PlanHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	plans, err := h.planSvc.ListPlans(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewList(plans))
}

// Get handles GET /api/v1/plans/:id.
func (h *PlanHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	planID, ok := pathID(c)
	if !ok {
		return
	}

	plan, err := h.planSvc.GetPlan(c.Request.Context(), userID, planID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, plan)
}

// Close handles POST /api/v1/plans/:id/close: maturity when every coupon is
// paid, early termination otherwise.
func (h *PlanHandler) Close(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	planID, ok := pathID(c)
	if !ok {
		return
	}

	var req dto.ClosePlanRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	var penalty *decimal.Decimal
	if req.PenaltyPercent != nil {
		p, ok := decimalField(c, "penalty_percent", *req.PenaltyPercent)
		if !ok {
			return
		}
		penalty = &p
	}

	plan, err := h.planSvc.MatureOrTerminate(c.Request.Context(), ports.ClosePlanRequest{
		UserID:         userID,
		PlanID:         planID,
		PenaltyPercent: penalty,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, plan)
}
