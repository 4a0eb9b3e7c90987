package handler

import (
	"goldledger/internal/adapter/http/dto"
	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"
	"goldledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// WalletHandler handles wallet-related endpoints.
type WalletHandler struct {
	walletSvc ports.WalletService
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(walletSvc ports.WalletService) *WalletHandler {
	return &WalletHandler{walletSvc: walletSvc}
}

// GetSummary handles GET /api/v1/wallets/summary.
func (h *WalletHandler) GetSummary(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	summary, err := h.walletSvc.GetWalletSummary(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, summary)
}

// ListLots handles GET /api/v1/wallets/:id/lots.
func (h *WalletHandler) ListLots(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	walletID, ok := pathID(c)
	if !ok {
		return
	}

	lots, err := h.walletSvc.ListLots(c.Request.Context(), userID, walletID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewList(lots))
}

// ListEntries handles GET /api/v1/wallets/:id/entries.
func (h *WalletHandler) ListEntries(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	walletID, ok := pathID(c)
	if !ok {
		return
	}

	entries, err := h.walletSvc.ListEntries(c.Request.Context(), userID, walletID, queryLimit(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewList(entries))
}

// Buy handles POST /api/v1/wallets/buy.
func (h *WalletHandler) Buy(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req dto.BuyRequest
	if !bindJSON(c, &req) {
		return
	}
	usd, ok := decimalField(c, "usd_amount", req.USDAmount)
	if !ok {
		return
	}

	result, err := h.walletSvc.BuyGold(c.Request.Context(), ports.BuyRequest{
		UserID:         userID,
		Mode:           domain.ValuationMode(req.Mode),
		USDAmount:      usd,
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Withdraw handles POST /api/v1/wallets/:id/withdraw.
func (h *WalletHandler) Withdraw(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	walletID, ok := pathID(c)
	if !ok {
		return
	}

	var req dto.WithdrawRequest
	if !bindJSON(c, &req) {
		return
	}
	grams, ok := gramsField(c, req.Grams)
	if !ok {
		return
	}

	result, err := h.walletSvc.Withdraw(c.Request.Context(), ports.WithdrawRequest{
		UserID:         userID,
		WalletID:       walletID,
		Grams:          grams,
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// Convert handles POST /api/v1/wallets/convert.
func (h *WalletHandler) Convert(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req dto.ConvertRequest
	if !bindJSON(c, &req) {
		return
	}
	grams, ok := gramsField(c, req.Grams)
	if !ok {
		return
	}

	result, err := h.walletSvc.ConvertMode(c.Request.Context(), ports.ConvertRequest{
		UserID:         userID,
		From:           domain.ValuationMode(req.From),
		Grams:          grams,
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}
