package handler

import (
	"goldledger/internal/adapter/http/middleware"
	"goldledger/internal/adapter/metrics"
	redisStore "goldledger/internal/adapter/storage/redis"
	"goldledger/internal/core/ports"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	WalletSvc      ports.WalletService
	TransferSvc    ports.TransferService
	PlanSvc        ports.PlanService
	TokenSvc       ports.TokenService
	RateLimitStore *redisStore.RateLimitStore // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	AuditSvc       ports.AuditService // nil = audit logging disabled
	Metrics        *metrics.Metrics   // nil = no /metrics endpoint
	InternalToken  string             // empty = internal routes reject every call
	Mode           string             // gin mode; empty = release
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	mode := deps.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(requestid.New(), middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit
	if deps.Metrics != nil {
		r.Use(deps.Metrics.GinMiddleware())
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// Audit logging (after response)
	if deps.AuditSvc != nil {
		r.Use(middleware.AuditLog(deps.AuditSvc))
	}

	// Health check (deep: PostgreSQL + Redis)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	// Rate limit rules
	rules := middleware.DefaultRateLimitRules()

	// Helper: return rate limiter middleware if store is available, else noop.
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	// --- JWT-authenticated user API ---
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	v1 := r.Group("/api/v1", jwtAuth)

	walletHandler := NewWalletHandler(deps.WalletSvc)
	wallets := v1.Group("/wallets")
	{
		wallets.GET("/summary", rl("reads"), walletHandler.GetSummary)
		wallets.GET("/:id/lots", rl("reads"), walletHandler.ListLots)
		wallets.GET("/:id/entries", rl("reads"), walletHandler.ListEntries)
		wallets.POST("/buy", rl("trades"), walletHandler.Buy)
		wallets.POST("/:id/withdraw", rl("trades"), walletHandler.Withdraw)
		wallets.POST("/convert", rl("trades"), walletHandler.Convert)
	}

	transferHandler := NewTransferHandler(deps.TransferSvc)
	transfers := v1.Group("/transfers")
	{
		transfers.POST("", rl("transfers"), transferHandler.Initiate)
		transfers.GET("", rl("reads"), transferHandler.List)
		transfers.GET("/:id", rl("reads"), transferHandler.Get)
		transfers.POST("/:id/accept", rl("transfers"), transferHandler.Accept)
		transfers.POST("/:id/reject", rl("transfers"), transferHandler.Reject)
	}

	reservations := v1.Group("/reservations")
	{
		reservations.POST("", rl("trades"), transferHandler.Reserve)
		reservations.POST("/:id/release", rl("trades"), transferHandler.Release)
	}

	planHandler := NewPlanHandler(deps.PlanSvc)
	plans := v1.Group("/plans")
	{
		plans.POST("", rl("plans"), planHandler.Open)
		plans.GET("", rl("reads"), planHandler.List)
		plans.GET("/:id", rl("reads"), planHandler.Get)
		plans.POST("/:id/close", rl("plans"), planHandler.Close)
	}

	// --- Operator and payment-settlement hooks (shared secret) ---
	internalHandler := NewInternalHandler(deps.PlanSvc, deps.WalletSvc, deps.Logger)
	internal := r.Group("/internal/v1", middleware.InternalAuth(deps.InternalToken))
	{
		internal.POST("/plans/settle-due", rl("internal"), internalHandler.SettleDue)
		internal.POST("/purchases/:id/confirm", rl("internal"), internalHandler.ConfirmPurchase)
	}

	return r
}
