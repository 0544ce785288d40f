// Billing HTTP handlers.
//
// This file exposes the billing reconciliation endpoints:
//   - POST     /webhooks/billing     (provider webhooks, raw body + signature)
//   - GET|POST /subscription/status  (server-to-server, internal key)
//   - POST     /subscription/cancel  (server-to-server, internal key)
//   - POST     /billing/customer/resolve (server-to-server, internal key)
//
// The webhook handler answers 200 for every recognized-or-ignored event so
// the provider's retry policy only fires on signature failures and genuine
// processing errors.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/averly/chatlink-backend/internal/services"
)

// WebhookService defines the webhook ingestion operation consumed by HTTP
// handlers.
type WebhookService interface {
	// Ingest verifies and dispatches a raw webhook payload.
	Ingest(ctx context.Context, payload []byte, signatureHeader string) (*services.ProcessedEvent, error)
}

// SubscriptionService defines the subscription query/cancel operations
// consumed by HTTP handlers.
type SubscriptionService interface {
	// Status returns the normalized subscription status for a user.
	Status(ctx context.Context, userID string) (*services.SubscriptionStatus, error)
	// Cancel schedules cancel-at-period-end; repeated calls are idempotent.
	Cancel(ctx context.Context, userID string) (services.CancelOutcome, error)
}

// CustomerService defines billing-customer resolution.
type CustomerService interface {
	// Resolve returns the provider customer id for a user, or "" if none.
	Resolve(ctx context.Context, userID string) (string, error)
}

// signatureHeader is the provider's webhook signature header.
const signatureHeader = "Stripe-Signature"

//
// DTOs
//

// UserRef addresses a user in server-to-server calls.
type UserRef struct {
	UserID string `json:"userId" binding:"required" example:"user_123"`
}

// WebhookAck acknowledges a processed (or intentionally ignored) event.
type WebhookAck struct {
	Received bool `json:"received" example:"true"`
}

// CancelResponse reports the idempotent outcome of a cancellation request.
type CancelResponse struct {
	Status services.CancelOutcome `json:"status" example:"cancel_scheduled"`
}

// ResolveCustomerResponse carries the resolved provider customer id; null
// when no customer exists for the user.
type ResolveCustomerResponse struct {
	CustomerID *string `json:"customerId"`
}

// BillingWebhook godoc
// @ID          billingWebhook
// @Summary     Ingest a billing provider webhook
// @Description Verifies the payload signature and applies the event. Replays
// @Description converge to the same stored state; unrecognized event types
// @Description are acknowledged without processing.
// @Tags        Billing
// @Accept      json
// @Produce     json
// @Param       Stripe-Signature header string true "Webhook signature"
// @Success     200 {object} handlers.WebhookAck
// @Failure     400 {object} handlers.ErrorResponse "Invalid signature"
// @Failure     500 {object} handlers.ErrorResponse "Processing failure"
// @Router      /webhooks/billing [post]
func (h *Handlers) BillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable payload")
		return
	}

	_, err = h.webhookSvc.Ingest(c.Request.Context(), payload, c.GetHeader(signatureHeader))
	if err != nil {
		if errors.Is(err, services.ErrBadSignature) {
			fail(c, http.StatusBadRequest, ErrCodeBadSignature, "webhook signature verification failed")
			return
		}
		// Non-200 lets the provider redeliver.
		fail(c, http.StatusInternalServerError, ErrCodeUpstream, "event processing failed")
		return
	}
	ok(c, http.StatusOK, WebhookAck{Received: true})
}

// SubscriptionStatus godoc
// @ID          subscriptionStatus
// @Summary     Normalized subscription status for a user
// @Description Server-to-server lookup of the canonical subscription state.
// @Description Accepts the user id as a query parameter (GET) or JSON body
// @Description (POST). A user without a subscription is reported as
// @Description unsubscribed, not as an error.
// @Tags        Billing
// @Accept      json
// @Produce     json
// @Param       x-internal-api-key header string true "Internal API key"
// @Param       userId query string false "User ID (GET)"
// @Success     200 {object} services.SubscriptionStatus
// @Failure     400 {object} handlers.ErrorResponse "Missing user id"
// @Router      /subscription/status [get]
func (h *Handlers) SubscriptionStatus(c *gin.Context) {
	uid := strings.TrimSpace(c.Query("userId"))
	if uid == "" && c.Request.Method == http.MethodPost {
		var req UserRef
		if err := c.ShouldBindJSON(&req); err == nil {
			uid = strings.TrimSpace(req.UserID)
		}
	}
	if uid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "userId required")
		return
	}

	st, err := h.subSvc.Status(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not read subscription status")
		return
	}
	ok(c, http.StatusOK, st)
}

// CancelSubscription godoc
// @ID          cancelSubscription
// @Summary     Schedule cancellation at period end
// @Description Sets cancel_at_period_end on the user's authoritative
// @Description subscription. Idempotent: repeated calls report
// @Description already_cancelled_at_period_end, both HTTP 200.
// @Tags        Billing
// @Accept      json
// @Produce     json
// @Param       x-internal-api-key header string true "Internal API key"
// @Param       body body handlers.UserRef true "User"
// @Success     200 {object} handlers.CancelResponse
// @Failure     404 {object} handlers.ErrorResponse "No subscription on record"
// @Failure     502 {object} handlers.ErrorResponse "Provider call failed"
// @Router      /subscription/cancel [post]
func (h *Handlers) CancelSubscription(c *gin.Context) {
	var req UserRef
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "userId required")
		return
	}

	outcome, err := h.subSvc.Cancel(c.Request.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, services.ErrSubscriptionNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no subscription on record")
			return
		}
		fail(c, http.StatusBadGateway, ErrCodeUpstream, "could not schedule cancellation")
		return
	}
	ok(c, http.StatusOK, CancelResponse{Status: outcome})
}

// ResolveCustomer godoc
// @ID          resolveCustomer
// @Summary     Resolve a user to a billing customer id
// @Description Server-to-server fallback path reconciling a user to the
// @Description provider customer identity, self-healing a stale cached
// @Description mapping. Lookup only; never creates a customer.
// @Tags        Billing
// @Accept      json
// @Produce     json
// @Param       x-internal-api-key header string true "Internal API key"
// @Param       body body handlers.UserRef true "User"
// @Success     200 {object} handlers.ResolveCustomerResponse
// @Failure     404 {object} handlers.ErrorResponse "Unknown user"
// @Router      /billing/customer/resolve [post]
func (h *Handlers) ResolveCustomer(c *gin.Context) {
	var req UserRef
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "userId required")
		return
	}

	id, err := h.custSvc.Resolve(c.Request.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
			return
		}
		fail(c, http.StatusBadGateway, ErrCodeUpstream, "customer lookup failed")
		return
	}

	resp := ResolveCustomerResponse{}
	if id != "" {
		resp.CustomerID = &id
	}
	ok(c, http.StatusOK, resp)
}
