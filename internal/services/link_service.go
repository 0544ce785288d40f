// Package services – LinkService
//
// This file implements the channel-linking handshake: nonce issuance for
// authenticated linking and pre-signup registration, atomic finalization by
// the bot integration, link-status lookup for the polling client, and the
// late user binding that completes a pre-signup flow.
//
// The issuer and the finalizer never call each other; they communicate only
// through the token store. Issuance is idempotent per (channel, identity):
// while an unconsumed, unexpired token exists it is returned unchanged so a
// user already acting on a deep link is never invalidated by a reissue.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/averly/chatlink-backend/internal/config"
	"github.com/averly/chatlink-backend/internal/domain"
	"github.com/averly/chatlink-backend/internal/repo"
	"golang.org/x/text/language"
)

// TokenRepo defines the token-store contract required by LinkService.
type TokenRepo interface {
	// CreateToken inserts a new verification token.
	CreateToken(ctx context.Context, db *gorm.DB, tok *domain.VerificationToken) error

	// GetToken fetches a token by nonce.
	GetToken(ctx context.Context, db *gorm.DB, nonce string) (*domain.VerificationToken, error)

	// ActiveToken returns the newest live token for a (channel, identity) pair.
	ActiveToken(ctx context.Context, db *gorm.DB, channelID string, userID, userHandle *string, now time.Time) (*domain.VerificationToken, error)

	// FinalizeToken atomically consumes a nonce and writes the channel link.
	FinalizeToken(ctx context.Context, db *gorm.DB, nonce, link string, now time.Time) (*domain.VerificationToken, *domain.ChannelLink, error)

	// BindTokenUser attributes a completed signup to a consumed pre-signup token.
	BindTokenUser(ctx context.Context, db *gorm.DB, nonce, userID string, now time.Time) error
}

// IssuedLink is the result of nonce issuance: everything the client needs to
// present the verification step to the user.
type IssuedLink struct {
	Nonce     string    `json:"nonce"`
	Command   string    `json:"command"`
	DeepLink  string    `json:"deep_link"`
	SignupURL string    `json:"signup_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FinalizeResult reports a successful consume-and-bind. UserID is nil for
// pre-signup tokens whose account does not exist yet.
type FinalizeResult struct {
	UserID    *string `json:"user_id"`
	ChannelID string  `json:"channel_id"`
	Link      string  `json:"link"`
}

// LinkStatus is the client-visible verification state of a nonce.
type LinkStatus struct {
	State  string  `json:"state"` // pending | verified | expired
	UserID *string `json:"user_id,omitempty"`
}

// LinkService issues and finalizes channel-verification nonces.
type LinkService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the token store used by this service.
	Repo TokenRepo

	// Channels carries the bot identities used to build deep links.
	Channels config.ChannelConfig
	// LinkTTL bounds authenticated-linking nonces.
	LinkTTL time.Duration
	// RegistrationTTL bounds pre-signup nonces; longer, because the user
	// still has a signup form to complete.
	RegistrationTTL time.Duration
	// SignupLocale selects the locale path segment of generated signup URLs.
	SignupLocale language.Tag

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

// NewLinkService constructs a LinkService with sane defaults.
func NewLinkService(db *gorm.DB, r TokenRepo, channels config.ChannelConfig, linkTTL, registrationTTL time.Duration) *LinkService {
	return &LinkService{
		DB:              db,
		Repo:            r,
		Channels:        channels,
		LinkTTL:         linkTTL,
		RegistrationTTL: registrationTTL,
		SignupLocale:    language.English,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates (or re-returns) a verification nonce for an authenticated
// user linking a channel to their existing account.
func (s *LinkService) Issue(ctx context.Context, userID, channel string) (*IssuedLink, error) {
	ch := domain.Channel(strings.ToLower(strings.TrimSpace(channel)))
	if !ch.Valid() {
		return nil, ErrUnknownChannel
	}
	if userID = strings.TrimSpace(userID); userID == "" {
		return nil, ErrUserNotFound
	}
	// Fail before touching the store if no deep link can be built.
	if _, _, err := s.deepLink(ch, "probe"); err != nil {
		return nil, err
	}

	now := s.Now()
	tok, err := s.Repo.ActiveToken(ctx, s.DB, string(ch), &userID, nil, now)
	if errors.Is(err, repo.ErrNotFound) {
		tok = &domain.VerificationToken{
			ChannelID: string(ch),
			UserID:    &userID,
			ExpiresAt: now.Add(s.LinkTTL),
			CreatedAt: now,
		}
		err = s.Repo.CreateToken(ctx, s.DB, tok)
	}
	if err != nil {
		return nil, err
	}
	return s.issued(ch, tok, false)
}

// IssueRegistration creates (or re-returns) a verification nonce for a
// pre-signup flow initiated from the chat side, identified by a
// channel-native handle. metadata is an opaque JSON blob captured from the
// originating chat.
func (s *LinkService) IssueRegistration(ctx context.Context, channel, handle, metadata string) (*IssuedLink, error) {
	ch := domain.Channel(strings.ToLower(strings.TrimSpace(channel)))
	if !ch.Valid() {
		return nil, ErrUnknownChannel
	}
	handle = strings.TrimSpace(handle)
	if !validHandle(ch, handle) {
		return nil, ErrInvalidHandle
	}
	if s.Channels.SignupBaseURL == "" {
		return nil, ErrChannelNotConfigured
	}

	now := s.Now()
	tok, err := s.Repo.ActiveToken(ctx, s.DB, string(ch), nil, &handle, now)
	if errors.Is(err, repo.ErrNotFound) {
		tok = &domain.VerificationToken{
			ChannelID:    string(ch),
			UserHandle:   &handle,
			ExpiresAt:    now.Add(s.RegistrationTTL),
			ChatMetadata: metadata,
			CreatedAt:    now,
		}
		err = s.Repo.CreateToken(ctx, s.DB, tok)
	}
	if err != nil {
		return nil, err
	}
	return s.issued(ch, tok, true)
}

// Finalize consumes a nonce presented by the bot integration and binds the
// channel address. It is atomic: either the token is consumed and the link
// written, or nothing happened. Domain outcomes are ErrNonceNotFound,
// ErrNonceExpired, ErrNonceConsumed, and ErrLinkTaken.
func (s *LinkService) Finalize(ctx context.Context, nonce, link string) (*FinalizeResult, error) {
	nonce = strings.TrimSpace(nonce)
	link = strings.TrimSpace(link)
	if nonce == "" || link == "" {
		return nil, ErrNonceNotFound
	}

	tok, cl, err := s.Repo.FinalizeToken(ctx, s.DB, nonce, link, s.Now())
	switch {
	case err == nil:
		finalizeOutcomes.WithLabelValues("success").Inc()
	case errors.Is(err, repo.ErrNotFound):
		finalizeOutcomes.WithLabelValues("not_found").Inc()
		return nil, ErrNonceNotFound
	case errors.Is(err, repo.ErrTokenExpired):
		finalizeOutcomes.WithLabelValues("expired").Inc()
		return nil, ErrNonceExpired
	case errors.Is(err, repo.ErrTokenConsumed):
		finalizeOutcomes.WithLabelValues("conflict").Inc()
		return nil, ErrNonceConsumed
	case errors.Is(err, repo.ErrDuplicate):
		finalizeOutcomes.WithLabelValues("conflict").Inc()
		return nil, ErrLinkTaken
	default:
		finalizeOutcomes.WithLabelValues("error").Inc()
		return nil, err
	}

	return &FinalizeResult{
		UserID:    tok.UserID,
		ChannelID: cl.ChannelID,
		Link:      cl.Link,
	}, nil
}

// Status reports the verification state of a nonce for the polling client.
// The monitor derives its whole state machine from this answer; nothing else
// is persisted server-side for an in-flight verification.
func (s *LinkService) Status(ctx context.Context, nonce string) (*LinkStatus, error) {
	tok, err := s.Repo.GetToken(ctx, s.DB, strings.TrimSpace(nonce))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNonceNotFound
	}
	if err != nil {
		return nil, err
	}

	switch {
	case tok.ConsumedAt != nil:
		return &LinkStatus{State: "verified", UserID: tok.UserID}, nil
	case !s.Now().Before(tok.ExpiresAt):
		return &LinkStatus{State: "expired"}, nil
	default:
		return &LinkStatus{State: "pending"}, nil
	}
}

// CompleteSignup attributes a newly created account to a consumed pre-signup
// token, re-binding both the token and its channel link to the user.
func (s *LinkService) CompleteSignup(ctx context.Context, nonce, userID string) error {
	if userID = strings.TrimSpace(userID); userID == "" {
		return ErrUserNotFound
	}
	err := s.Repo.BindTokenUser(ctx, s.DB, strings.TrimSpace(nonce), userID, s.Now())
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrNonceNotFound
	case errors.Is(err, repo.ErrDuplicate):
		return ErrLinkTaken
	}
	return err
}

// issued builds the client-facing issuance payload for a token.
func (s *LinkService) issued(ch domain.Channel, tok *domain.VerificationToken, registration bool) (*IssuedLink, error) {
	command, deepLink, err := s.deepLink(ch, tok.Nonce)
	if err != nil {
		return nil, err
	}
	out := &IssuedLink{
		Nonce:     tok.Nonce,
		Command:   command,
		DeepLink:  deepLink,
		ExpiresAt: tok.ExpiresAt,
	}
	if registration {
		out.SignupURL = s.signupURL(tok.Nonce)
	}
	return out, nil
}

// deepLink builds the channel-specific bot command and deep link carrying the
// nonce. Returns ErrChannelNotConfigured when the channel's bot identity is
// missing.
func (s *LinkService) deepLink(ch domain.Channel, nonce string) (command, link string, err error) {
	switch ch {
	case domain.ChannelTelegram:
		if s.Channels.TelegramBotUsername == "" {
			return "", "", ErrChannelNotConfigured
		}
		command = fmt.Sprintf("/verify %s", nonce)
		link = fmt.Sprintf("https://t.me/%s?start=%s", s.Channels.TelegramBotUsername, url.QueryEscape(nonce))
		return command, link, nil
	case domain.ChannelWhatsApp:
		if s.Channels.WhatsAppNumber == "" {
			return "", "", ErrChannelNotConfigured
		}
		command = fmt.Sprintf("VERIFY %s", nonce)
		link = fmt.Sprintf("https://wa.me/%s?text=%s", s.Channels.WhatsAppNumber, url.QueryEscape(command))
		return command, link, nil
	default:
		return "", "", ErrUnknownChannel
	}
}

// signupURL builds the locale-aware signup entry point carrying the nonce,
// so that a completed signup can be attributed to the verification
// explicitly rather than inferred afterwards.
func (s *LinkService) signupURL(nonce string) string {
	base, _ := s.SignupLocale.Base()
	return fmt.Sprintf("%s/%s/signup?nonce=%s", s.Channels.SignupBaseURL, base.String(), url.QueryEscape(nonce))
}

// Channel-native handle formats for pre-signup flows.
var (
	// telegramNameRE matches @username handles (5–32 word characters).
	telegramNameRE = regexp.MustCompile(`^@[A-Za-z0-9_]{5,32}$`)
	// telegramChatIDRE matches raw numeric chat ids (possibly negative).
	telegramChatIDRE = regexp.MustCompile(`^-?[0-9]+$`)
	// whatsappRE matches E.164-like digit strings.
	whatsappRE = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)
)

// validHandle reports whether handle matches the channel's native format.
func validHandle(ch domain.Channel, handle string) bool {
	if handle == "" {
		return false
	}
	switch ch {
	case domain.ChannelTelegram:
		return telegramNameRE.MatchString(handle) || telegramChatIDRE.MatchString(handle)
	case domain.ChannelWhatsApp:
		return whatsappRE.MatchString(handle)
	default:
		return false
	}
}
