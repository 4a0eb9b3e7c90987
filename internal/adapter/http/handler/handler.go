package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"goldledger/internal/adapter/http/dto"
	"goldledger/internal/adapter/http/middleware"
	"goldledger/internal/core/ports"
	"goldledger/pkg/apperror"
	"goldledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HeaderIdempotencyKey lets clients retry writes safely.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// currentUser returns the authenticated user or writes AUTH_003.
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return uuid.Nil, false
	}
	return id, true
}

// pathID parses the :id route parameter.
func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

// bindJSON binds and sanitizes a request body, writing VAL_007 on failure.
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, bindError(err))
		return false
	}
	dto.SanitizeStruct(req)
	return true
}

// bindError maps a binding failure to VAL_001 when a grams field was
// rejected and to VAL_007 otherwise.
func bindError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			if fe.Tag() == "grams" {
				return apperror.ErrInvalidGrams()
			}
		}
	}
	return apperror.Validation(err.Error())
}

// bindOptionalJSON is bindJSON for endpoints whose body may be empty.
func bindOptionalJSON(c *gin.Context, req interface{}) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, bindError(err))
		return false
	}
	dto.SanitizeStruct(req)
	return true
}

// decimalField parses a validated decimal string, writing VAL_007 on failure.
func decimalField(c *gin.Context, name, raw string) (decimal.Decimal, bool) {
	d, err := dto.ParseDecimal(raw)
	if err != nil {
		response.Error(c, apperror.Validation("invalid "+name))
		return decimal.Zero, false
	}
	return d, true
}

// gramsField parses a grams field, writing VAL_001 when it is not a
// positive quantity at ledger scale.
func gramsField(c *gin.Context, raw string) (decimal.Decimal, bool) {
	g, err := dto.ParseGrams(raw)
	if err != nil {
		response.Error(c, apperror.ErrInvalidGrams())
		return decimal.Zero, false
	}
	return g, true
}

// queryLimit reads ?limit=, clamped to (0, maxListLimit].
func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// HealthCheck handles GET /health: a deep check of every dependency.
func HealthCheck(checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus)
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Ping(c.Request.Context()); err != nil {
				deps[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name()] = depStatus{Status: "healthy"}
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}
