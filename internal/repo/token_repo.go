// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// VerificationToken model — the token store at the heart of the
// channel-linking handshake.
//
// Error semantics:
//   - When a token is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - FinalizeToken returns ErrTokenExpired / ErrTokenConsumed / ErrDuplicate
//     for the domain outcomes of the consume-and-bind transaction.
//   - On other DB errors, the raw gorm error is propagated.
//
// Concurrency:
//
// FinalizeToken is the only mutation of a token after creation and executes
// as a single transaction: a guarded UPDATE marks the token consumed only if
// it is still unconsumed and unexpired, and the ChannelLink insert shares the
// same transaction. Two concurrent finalize attempts on the same nonce can
// therefore never both succeed; the loser observes zero affected rows and the
// whole transaction of the loser rolls back without side effects.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/averly/chatlink-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a unique-constraint violation, e.g. a channel link
// value already bound to a different user.
var ErrDuplicate = errors.New("duplicate")

// Token-specific finalize outcomes.
var (
	// ErrTokenExpired indicates the nonce was presented at or after its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenConsumed indicates the nonce was already used by an earlier
	// (possibly concurrent) finalize attempt.
	ErrTokenConsumed = errors.New("token already consumed")
)

// isUniqueViolation reports whether err is a unique-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// CreateToken inserts a new verification token. The caller is responsible
// for having checked ActiveToken first (idempotent issuance); a duplicate
// nonce is a programming error and surfaces as a DB error.
func CreateToken(ctx context.Context, db *gorm.DB, tok *domain.VerificationToken) error {
	if tok.Nonce == "" {
		tok.Nonce = uuid.NewString()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(tok).Error
}

// GetToken fetches a token by nonce, or ErrNotFound.
func GetToken(ctx context.Context, db *gorm.DB, nonce string) (*domain.VerificationToken, error) {
	var tok domain.VerificationToken
	err := db.WithContext(ctx).Where("nonce = ?", nonce).First(&tok).Error
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// ActiveToken returns the newest unconsumed, unexpired token for the given
// (channel, identity) pair, or ErrNotFound. Identity is either a user id
// (post-login linking) or a channel-native handle (pre-signup registration);
// exactly one of userID / userHandle should be non-nil.
func ActiveToken(ctx context.Context, db *gorm.DB, channelID string, userID, userHandle *string, now time.Time) (*domain.VerificationToken, error) {
	q := db.WithContext(ctx).
		Where("channel_id = ? AND consumed_at IS NULL AND expires_at > ?", channelID, now)
	switch {
	case userID != nil:
		q = q.Where("user_id = ?", *userID)
	case userHandle != nil:
		q = q.Where("user_handle = ?", *userHandle)
	default:
		return nil, ErrNotFound
	}

	var tok domain.VerificationToken
	err := q.Order("created_at desc").First(&tok).Error
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// FinalizeToken atomically consumes the nonce and writes the ChannelLink in
// one transaction. On success it returns the consumed token and the created
// link. Domain outcomes:
//
//   - ErrNotFound:      nonce does not exist
//   - ErrTokenExpired:  nonce past its expiry (boundary counts as expired)
//   - ErrTokenConsumed: nonce already used (including a lost race)
//   - ErrDuplicate:     link value already bound to another user, or the
//     user already holds a verified link on this channel
//
// Any non-success outcome leaves no side effects: the transaction rolls back
// and the token remains in its prior state.
func FinalizeToken(ctx context.Context, db *gorm.DB, nonce, link string, now time.Time) (*domain.VerificationToken, *domain.ChannelLink, error) {
	var (
		tok domain.VerificationToken
		cl  *domain.ChannelLink
	)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("nonce = ?", nonce).First(&tok).Error; err != nil {
			return err
		}
		if tok.ConsumedAt != nil {
			return ErrTokenConsumed
		}
		if !now.Before(tok.ExpiresAt) {
			return ErrTokenExpired
		}

		// Guarded consume: only one concurrent transaction can flip the row.
		res := tx.Model(&domain.VerificationToken{}).
			Where("nonce = ? AND consumed_at IS NULL AND expires_at > ?", nonce, now).
			Update("consumed_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTokenConsumed
		}
		consumed := now
		tok.ConsumedAt = &consumed

		cl = &domain.ChannelLink{
			ID:         uuid.NewString(),
			UserID:     tok.UserID,
			ChannelID:  tok.ChannelID,
			Link:       link,
			VerifiedAt: now,
		}
		if err := tx.Create(cl).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &tok, cl, nil
}

// BindTokenUser records the user id on a consumed pre-signup token and on its
// channel link, in one transaction. It is called when the signup that a
// registration token pointed at completes, attributing the new account to the
// already-verified link. Returns ErrNotFound if the nonce does not exist or
// was never consumed.
func BindTokenUser(ctx context.Context, db *gorm.DB, nonce, userID string, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tok domain.VerificationToken
		if err := tx.Where("nonce = ? AND consumed_at IS NOT NULL", nonce).First(&tok).Error; err != nil {
			return err
		}

		res := tx.Model(&domain.VerificationToken{}).
			Where("nonce = ?", nonce).
			Updates(map[string]any{"user_id": userID, "user_id_bound_at": now})
		if res.Error != nil {
			return res.Error
		}

		return bindLinkForToken(tx, &tok, userID)
	})
}

// bindLinkForToken attaches userID to the unbound link created when tok was
// finalized. The link is located by channel and handle-or-recency; a token
// finalized with a given link leaves exactly one unbound row per channel+link.
func bindLinkForToken(tx *gorm.DB, tok *domain.VerificationToken, userID string) error {
	res := tx.Model(&domain.ChannelLink{}).
		Where("channel_id = ? AND user_id IS NULL AND verified_at = ?", tok.ChannelID, tok.ConsumedAt).
		Update("user_id", userID)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredTokens hard-deletes tokens whose expiry is older than cutoff.
// Expired tokens are already inert; this is housekeeping only. Returns the
// number of rows removed.
func DeleteExpiredTokens(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at < ? AND consumed_at IS NULL", cutoff).
		Delete(&domain.VerificationToken{})
	return res.RowsAffected, res.Error
}
