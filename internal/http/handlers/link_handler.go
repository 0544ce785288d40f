// Channel-linking HTTP handlers.
//
// This file exposes the linking handshake endpoints:
//   - POST /link/generate               (authenticated session)
//   - POST /link/generate-registration  (service role, pre-signup)
//   - POST /link/validate               (bot integration, shared secret)
//   - GET  /link/status                 (polling client)
//   - POST /link/complete-signup        (service role)
//
// Handlers are transport-thin: they validate input, call the link service,
// and translate domain outcomes into HTTP responses. Logical failures of the
// handshake (expired, consumed, collision) are 400s with stable codes, never
// 5xxs — they are expected outcomes of the protocol under concurrency.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/averly/chatlink-backend/internal/services"
)

// LinkService defines the channel-linking operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type LinkService interface {
	// Issue creates or re-returns a nonce for an authenticated user.
	Issue(ctx context.Context, userID, channel string) (*services.IssuedLink, error)
	// IssueRegistration creates or re-returns a nonce for a pre-signup flow.
	IssueRegistration(ctx context.Context, channel, handle, metadata string) (*services.IssuedLink, error)
	// Finalize atomically consumes a nonce presented by the bot.
	Finalize(ctx context.Context, nonce, link string) (*services.FinalizeResult, error)
	// Status reports the verification state of a nonce.
	Status(ctx context.Context, nonce string) (*services.LinkStatus, error)
	// CompleteSignup attributes a finished signup to a consumed nonce.
	CompleteSignup(ctx context.Context, nonce, userID string) error
}

// userID extracts the authenticated user id from Gin context (set by upstream
// session middleware). If absent, it falls back to "X-User-ID" header (tests
// use it). An empty result means the request is unauthenticated.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return ""
}

//
// DTOs
//

// GenerateLinkRequest is the JSON payload for authenticated link generation.
type GenerateLinkRequest struct {
	ChannelID string `json:"channelId" binding:"required" example:"telegram"`
}

// GenerateRegistrationRequest is the JSON payload for pre-signup link
// generation, initiated from the chat side by the bot integration.
type GenerateRegistrationRequest struct {
	ChannelID   string          `json:"channel_id" binding:"required" example:"whatsapp"`
	UserHandle  string          `json:"user_handle" binding:"required" example:"4915123456789"`
	MessageInfo json.RawMessage `json:"message_info,omitempty"`
}

// ValidateLinkRequest is the JSON payload the bot presents to finalize a
// nonce.
type ValidateLinkRequest struct {
	Nonce string `json:"nonce" binding:"required"`
	Link  string `json:"link"  binding:"required" example:"123456789"`
}

// CompleteSignupRequest attributes a completed signup to a nonce.
type CompleteSignupRequest struct {
	Nonce  string `json:"nonce"   binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

// linkFail translates link-service domain errors into HTTP responses.
func linkFail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrUnknownChannel):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown channel")
	case errors.Is(err, services.ErrInvalidHandle):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid user handle for channel")
	case errors.Is(err, services.ErrChannelNotConfigured):
		fail(c, http.StatusInternalServerError, ErrCodeConfiguration, "channel is not configured")
	case errors.Is(err, services.ErrNonceNotFound):
		fail(c, http.StatusBadRequest, ErrCodeNotFound, "nonce not found")
	case errors.Is(err, services.ErrNonceExpired):
		fail(c, http.StatusBadRequest, ErrCodeExpired, "nonce expired")
	case errors.Is(err, services.ErrNonceConsumed):
		fail(c, http.StatusBadRequest, ErrCodeConflict, "nonce already used")
	case errors.Is(err, services.ErrLinkTaken):
		fail(c, http.StatusBadRequest, ErrCodeConflict, "link already bound to another user")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not process link request")
	}
}

// GenerateLink godoc
// @ID          generateLink
// @Summary     Issue a channel-verification nonce
// @Description Creates (or re-returns) the active verification nonce for the
// @Description current user on the given channel, with the bot command and
// @Description deep link to present to the user.
// @Tags        Linking
// @Accept      json
// @Produce     json
// @Param       X-User-ID header string false "User ID (session shim)"
// @Param       body body handlers.GenerateLinkRequest true "Channel"
// @Success     200 {object} services.IssuedLink
// @Failure     400 {object} handlers.ErrorResponse "Unknown channel"
// @Failure     401 {object} handlers.ErrorResponse "No session"
// @Failure     500 {object} handlers.ErrorResponse "Channel not configured"
// @Router      /link/generate [post]
func (h *Handlers) GenerateLink(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	var req GenerateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "channelId required")
		return
	}

	issued, err := h.linkSvc.Issue(c.Request.Context(), uid, req.ChannelID)
	if err != nil {
		linkFail(c, err)
		return
	}
	ok(c, http.StatusOK, issued)
}

// GenerateRegistrationLink godoc
// @ID          generateRegistrationLink
// @Summary     Issue a pre-signup verification nonce
// @Description Service-role endpoint used by the bot integration when an
// @Description unknown chat identity asks to register. Re-issuing before the
// @Description prior nonce expires returns the same nonce.
// @Tags        Linking
// @Accept      json
// @Produce     json
// @Param       body body handlers.GenerateRegistrationRequest true "Channel and handle"
// @Success     200 {object} services.IssuedLink
// @Failure     400 {object} handlers.ErrorResponse "Invalid channel or handle"
// @Failure     401 {object} handlers.ErrorResponse "Bad service key"
// @Router      /link/generate-registration [post]
func (h *Handlers) GenerateRegistrationLink(c *gin.Context) {
	var req GenerateRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "channel_id and user_handle required")
		return
	}

	issued, err := h.linkSvc.IssueRegistration(c.Request.Context(), req.ChannelID, req.UserHandle, string(req.MessageInfo))
	if err != nil {
		linkFail(c, err)
		return
	}
	ok(c, http.StatusOK, issued)
}

// ValidateLink godoc
// @ID          validateLink
// @Summary     Finalize a verification nonce
// @Description Bot-to-server endpoint consuming a nonce found in a chat
// @Description message and binding the sender's channel address. At most one
// @Description finalize per nonce ever succeeds; logical failures are 400s
// @Description with stable codes and imply no side effect occurred.
// @Tags        Linking
// @Accept      json
// @Produce     json
// @Param       x-bot-secret header string true "Shared bot secret"
// @Param       body body handlers.ValidateLinkRequest true "Nonce and channel address"
// @Success     200 {object} services.FinalizeResult
// @Failure     400 {object} handlers.ErrorResponse "Expired, consumed, unknown, or collision"
// @Failure     401 {object} handlers.ErrorResponse "Bad bot secret"
// @Router      /link/validate [post]
func (h *Handlers) ValidateLink(c *gin.Context) {
	var req ValidateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "nonce and link required")
		return
	}

	res, err := h.linkSvc.Finalize(c.Request.Context(), req.Nonce, req.Link)
	if err != nil {
		linkFail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// LinkStatus godoc
// @ID          linkStatus
// @Summary     Poll the verification state of a nonce
// @Description Backs the client verification monitor. Returns pending,
// @Description verified, or expired; unknown nonces are 404.
// @Tags        Linking
// @Produce     json
// @Param       nonce query string true "Nonce"
// @Success     200 {object} services.LinkStatus
// @Failure     404 {object} handlers.ErrorResponse "Unknown nonce"
// @Router      /link/status [get]
func (h *Handlers) LinkStatus(c *gin.Context) {
	nonce := strings.TrimSpace(c.Query("nonce"))
	if nonce == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "nonce required")
		return
	}

	st, err := h.linkSvc.Status(c.Request.Context(), nonce)
	if err != nil {
		if errors.Is(err, services.ErrNonceNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "nonce not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not read link status")
		return
	}
	ok(c, http.StatusOK, st)
}

// CompleteSignup godoc
// @ID          completeSignup
// @Summary     Attribute a completed signup to a verified nonce
// @Description Service-role endpoint called when the signup a registration
// @Description nonce pointed at finishes, binding the new account to the
// @Description already-verified channel link.
// @Tags        Linking
// @Accept      json
// @Produce     json
// @Param       body body handlers.CompleteSignupRequest true "Nonce and new user id"
// @Success     204 {string} string "No Content"
// @Failure     400 {object} handlers.ErrorResponse "Unknown nonce or collision"
// @Router      /link/complete-signup [post]
func (h *Handlers) CompleteSignup(c *gin.Context) {
	var req CompleteSignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "nonce and user_id required")
		return
	}

	if err := h.linkSvc.CompleteSignup(c.Request.Context(), req.Nonce, req.UserID); err != nil {
		linkFail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
