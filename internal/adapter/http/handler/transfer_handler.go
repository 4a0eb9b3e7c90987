package handler

import (
	"context"

	"goldledger/internal/adapter/http/dto"
	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"
	"goldledger/pkg/apperror"
	"goldledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TransferHandler handles peer transfers and trade reservations.
type TransferHandler struct {
	transferSvc ports.TransferService
}

// NewTransferHandler creates a new TransferHandler.
func NewTransferHandler(transferSvc ports.TransferService) *TransferHandler {
	return &TransferHandler{transferSvc: transferSvc}
}

// Initiate handles POST /api/v1/transfers.
func (h *TransferHandler) Initiate(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req dto.TransferRequest
	if !bindJSON(c, &req) {
		return
	}
	if !req.HasSingleRecipient() {
		response.Error(c, apperror.Validation("exactly one of to_wallet_id or to_user_id is required"))
		return
	}
	grams, ok := gramsField(c, req.Grams)
	if !ok {
		return
	}

	in := ports.TransferRequest{
		FromUserID:     userID,
		FromWalletID:   uuid.MustParse(req.FromWalletID),
		Grams:          grams,
		Reference:      req.Reference,
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
	}
	if req.ToWalletID != nil {
		id := uuid.MustParse(*req.ToWalletID)
		in.ToWalletID = &id
	}
	if req.ToUserID != nil {
		id := uuid.MustParse(*req.ToUserID)
		in.ToUserID = &id
	}

	intent, err := h.transferSvc.InitiateTransfer(c.Request.Context(), in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, intent)
}

// List handles GET /api/v1/transfers. Both directions are included.
func (h *TransferHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	intents, err := h.transferSvc.ListIntents(c.Request.Context(), userID, queryLimit(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewList(intents))
}

// Get handles GET /api/v1/transfers/:id.
func (h *TransferHandler) Get(c *gin.Context) {
	h.byID(c, h.transferSvc.GetIntent)
}

// Accept handles POST /api/v1/transfers/:id/accept.
func (h *TransferHandler) Accept(c *gin.Context) {
	h.byID(c, h.transferSvc.AcceptTransfer)
}

// Reject handles POST /api/v1/transfers/:id/reject.
func (h *TransferHandler) Reject(c *gin.Context) {
	h.byID(c, h.transferSvc.RejectTransfer)
}

// Reserve handles POST /api/v1/reservations.
func (h *TransferHandler) Reserve(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req dto.ReservationRequest
	if !bindJSON(c, &req) {
		return
	}
	grams, ok := gramsField(c, req.Grams)
	if !ok {
		return
	}

	intent, err := h.transferSvc.ReserveForTrade(c.Request.Context(), ports.ReservationRequest{
		UserID:         userID,
		WalletID:       uuid.MustParse(req.WalletID),
		Grams:          grams,
		TTL:            req.TTL(),
		Reference:      req.Reference,
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, intent)
}

// Release handles POST /api/v1/reservations/:id/release.
func (h *TransferHandler) Release(c *gin.Context) {
	h.byID(c, h.transferSvc.ReleaseReservation)
}

type intentAction func(ctx context.Context, intentID, actorID uuid.UUID) (*domain.Intent, error)

func (h *TransferHandler) byID(c *gin.Context, action intentAction) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	intentID, ok := pathID(c)
	if !ok {
		return
	}

	intent, err := action(c.Request.Context(), intentID, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, intent)
}
