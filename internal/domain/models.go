// Package domain defines the persistence models for channel verification
// tokens, channel links, billing subscriptions, and users. These types are
// mapped with GORM and form the core data layer of the reconciliation
// subsystem.
package domain

import (
	"time"
)

// Channel identifies an external messaging surface through which a user can
// be reached.
type Channel string

// Supported channels.
const (
	ChannelTelegram Channel = "telegram"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	return c == ChannelTelegram || c == ChannelWhatsApp
}

// VerificationToken is a single-use, time-bounded nonce authorizing one
// channel-linking operation. Tokens are created by the link service, consumed
// exactly once at finalization, and are inert once expired (lazy expiry — no
// background invalidation is required for correctness).
//
// Fields:
//   - Nonce: opaque unique token (UUID), primary key.
//   - ChannelID: telegram or whatsapp.
//   - UserID: owner for post-login linking; nil for pre-signup registration
//     flows where the account does not exist yet.
//   - UserHandle: channel-native identifier used by pre-signup flows.
//   - ExpiresAt: hard expiry; a token presented at or after this instant
//     always fails finalization.
//   - ChatMetadata: opaque JSON blob captured from the originating chat.
//   - ConsumedAt: set exactly once when the token is finalized.
//   - UserIDBoundAt: set when a pre-signup token is later bound to a user.
type VerificationToken struct {
	Nonce         string     `json:"nonce"           gorm:"type:char(36);primaryKey"`
	ChannelID     string     `json:"channel_id"      gorm:"type:varchar(16);not null;index:idx_tokens_identity,priority:1"`
	UserID        *string    `json:"user_id"         gorm:"type:varchar(64);index:idx_tokens_identity,priority:2"`
	UserHandle    *string    `json:"user_handle"     gorm:"type:varchar(128);index:idx_tokens_identity,priority:3"`
	ExpiresAt     time.Time  `json:"expires_at"      gorm:"not null;index"`
	ChatMetadata  string     `json:"chat_metadata"   gorm:"type:text"`
	ConsumedAt    *time.Time `json:"consumed_at"`
	UserIDBoundAt *time.Time `json:"user_id_bound_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TableName returns the database table name for VerificationToken.
func (VerificationToken) TableName() string { return "verification_tokens" }

// Active reports whether the token can still be finalized at the given
// instant. Exactly-at-expiry counts as expired.
func (t *VerificationToken) Active(now time.Time) bool {
	return t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}

// ChannelLink is the durable result of a successful finalization: a verified
// binding between a channel-native address and (eventually) a user account.
//
// Two uniqueness rules are enforced at the database level rather than in
// application code:
//   - a (user_id, channel_id) pair has at most one verified link;
//   - a given link value is bound to at most one user per channel.
type ChannelLink struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	UserID     *string   `json:"user_id"     gorm:"type:varchar(64);uniqueIndex:ux_links_user_channel,priority:1"`
	ChannelID  string    `json:"channel_id"  gorm:"type:varchar(16);not null;uniqueIndex:ux_links_user_channel,priority:2;uniqueIndex:ux_links_channel_link,priority:1"`
	Link       string    `json:"link"        gorm:"type:varchar(128);not null;uniqueIndex:ux_links_channel_link,priority:2"`
	VerifiedAt time.Time `json:"verified_at" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for ChannelLink.
func (ChannelLink) TableName() string { return "channel_links" }

// Subscription mirrors the latest known snapshot of a billing-provider
// subscription. Rows are keyed by the provider subscription id and only ever
// upserted, never deleted; repeated delivery of the same snapshot converges
// to the same stored state.
type Subscription struct {
	ID                 string     `json:"id"                   gorm:"type:varchar(64);primaryKey"`
	CustomerID         string     `json:"customer_id"          gorm:"type:varchar(64);not null;index"`
	UserID             string     `json:"user_id"              gorm:"type:varchar(64);not null;index"`
	Tier               string     `json:"tier"                 gorm:"type:varchar(32);not null"`
	Status             string     `json:"status"               gorm:"type:varchar(32);not null"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CurrentPeriodStart *time.Time `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end"`
	TrialStart         *time.Time `json:"trial_start"`
	TrialEnd           *time.Time `json:"trial_end"`
	Created            time.Time  `json:"created"              gorm:"not null;index"`
	Metadata           string     `json:"metadata"             gorm:"type:text"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string { return "subscriptions" }

// PeriodStarted reports whether any paid billing period has ever started for
// this subscription. It distinguishes a lapsed trial from a delinquent paid
// subscription.
func (s *Subscription) PeriodStarted() bool {
	return s.CurrentPeriodStart != nil && !s.CurrentPeriodStart.IsZero()
}

// User is the minimal projection of an account needed by the reconciliation
// subsystem: identity, billing email, and the cached provider customer id.
type User struct {
	ID               string    `json:"id"                 gorm:"type:varchar(64);primaryKey"`
	Email            string    `json:"email"              gorm:"type:varchar(255);not null;index"`
	StripeCustomerID string    `json:"stripe_customer_id" gorm:"type:varchar(64);index"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }
