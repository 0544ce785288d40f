// Package httpapi assembles the Gin transport: middleware chain, route
// table, and the dependency wiring from database and billing client up to
// the handlers. Machine surfaces (bot, server-to-server, webhooks) are
// authenticated per route group rather than globally, so the browser-facing
// linking endpoints stay open to the web app.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/averly/chatlink-backend/internal/billing"
	"github.com/averly/chatlink-backend/internal/config"
	"github.com/averly/chatlink-backend/internal/domain"
	"github.com/averly/chatlink-backend/internal/http/handlers"
	"github.com/averly/chatlink-backend/internal/http/middleware"
	"github.com/averly/chatlink-backend/internal/repo"
	"github.com/averly/chatlink-backend/internal/services"
)

// tokenRepoShim adapts the repository free functions to the
// services.TokenRepo interface expected by the LinkService. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type tokenRepoShim struct{}

// CreateToken proxies repo.CreateToken.
func (tokenRepoShim) CreateToken(ctx context.Context, db *gorm.DB, tok *domain.VerificationToken) error {
	return repo.CreateToken(ctx, db, tok)
}

// GetToken proxies repo.GetToken.
func (tokenRepoShim) GetToken(ctx context.Context, db *gorm.DB, nonce string) (*domain.VerificationToken, error) {
	return repo.GetToken(ctx, db, nonce)
}

// ActiveToken proxies repo.ActiveToken.
func (tokenRepoShim) ActiveToken(ctx context.Context, db *gorm.DB, channelID string, userID, userHandle *string, now time.Time) (*domain.VerificationToken, error) {
	return repo.ActiveToken(ctx, db, channelID, userID, userHandle, now)
}

// FinalizeToken proxies repo.FinalizeToken.
func (tokenRepoShim) FinalizeToken(ctx context.Context, db *gorm.DB, nonce, link string, now time.Time) (*domain.VerificationToken, *domain.ChannelLink, error) {
	return repo.FinalizeToken(ctx, db, nonce, link, now)
}

// BindTokenUser proxies repo.BindTokenUser.
func (tokenRepoShim) BindTokenUser(ctx context.Context, db *gorm.DB, nonce, userID string, now time.Time) error {
	return repo.BindTokenUser(ctx, db, nonce, userID, now)
}

// subscriptionRepoShim adapts repo free functions to services.SubscriptionRepo.
type subscriptionRepoShim struct{}

// Upsert proxies repo.UpsertSubscription.
func (subscriptionRepoShim) Upsert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return repo.UpsertSubscription(ctx, db, sub)
}

// Get proxies repo.GetSubscription.
func (subscriptionRepoShim) Get(ctx context.Context, db *gorm.DB, id string) (*domain.Subscription, error) {
	return repo.GetSubscription(ctx, db, id)
}

// LatestForUser proxies repo.LatestForUser.
func (subscriptionRepoShim) LatestForUser(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error) {
	return repo.LatestForUser(ctx, db, userID)
}

// SetCancelAtPeriodEnd proxies repo.SetCancelAtPeriodEnd.
func (subscriptionRepoShim) SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id string, v bool) error {
	return repo.SetCancelAtPeriodEnd(ctx, db, id, v)
}

// userRepoShim adapts repo free functions to services.UserRepo.
type userRepoShim struct{}

// Get proxies repo.GetUser.
func (userRepoShim) Get(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	return repo.GetUser(ctx, db, id)
}

// UpdateStripeCustomerID proxies repo.UpdateStripeCustomerID.
func (userRepoShim) UpdateStripeCustomerID(ctx context.Context, db *gorm.DB, userID, customerID string) error {
	return repo.UpdateStripeCustomerID(ctx, db, userID, customerID)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), rate limiting,
// CORS and security headers, health and metrics endpoints, then mounts the
// versioned API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured logs keyed to the correlation id
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per user/IP)
//  8. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, billingClient billing.Client, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB; webhook payloads stay well below)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per user/IP
	// Webhook redeliveries and probes must never be throttled.
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).
		Exempt("/webhooks/billing", "/health", "/metrics")
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Swagger UI (opt-in)
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/billing
	linkSvc := services.NewLinkService(db, tokenRepoShim{}, cfg.Channels, cfg.LinkTokenTTL, cfg.RegistrationTokenTTL)
	subSvc := services.NewSubscriptionService(db, subscriptionRepoShim{}, billingClient, cfg.Billing.PriceTiers)
	webhookSvc := services.NewWebhookService(cfg.Billing.StripeWebhookSecret, subSvc)
	custSvc := services.NewCustomerService(db, userRepoShim{}, billingClient)
	h := handlers.New(linkSvc, webhookSvc, subSvc, custSvc)

	// Webhooks live at the root: the provider URL is configured once and is
	// not versioned with the public API.
	r.POST("/webhooks/billing", h.BillingWebhook)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		// Browser-facing linking surface
		api.POST("/link/generate", h.GenerateLink)
		api.GET("/link/status", h.LinkStatus)

		// Bot integration (shared secret)
		bot := api.Group("", middleware.RequireBotSecret(cfg.BotSharedSecret))
		bot.POST("/link/validate", h.ValidateLink)

		// Server-to-server surface (internal key)
		internal := api.Group("", middleware.RequireInternalKey(cfg.InternalAPIKey))
		internal.POST("/link/generate-registration", h.GenerateRegistrationLink)
		internal.POST("/link/complete-signup", h.CompleteSignup)
		internal.GET("/subscription/status", h.SubscriptionStatus)
		internal.POST("/subscription/status", h.SubscriptionStatus)
		internal.POST("/subscription/cancel", h.CancelSubscription)
		internal.POST("/billing/customer/resolve", h.ResolveCustomer)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
