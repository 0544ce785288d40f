// Package services – SubscriptionService
//
// This file implements the billing-subscription synchronizer. It normalizes a
// provider subscription snapshot into local state and upserts it keyed on the
// provider subscription id, which makes replayed or out-of-order deliveries
// converge to the same stored row. Out-of-order tolerance rests on the rule
// that every write carries a full snapshot (events that lack one, like
// invoices, trigger a re-fetch first), never an incremental diff.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v78"
	"gorm.io/gorm"

	"github.com/averly/chatlink-backend/internal/billing"
	"github.com/averly/chatlink-backend/internal/domain"
	"github.com/averly/chatlink-backend/internal/repo"
)

// userIDMetadataKey is the subscription metadata key carrying the local user
// correlation, set at subscription-creation time.
const userIDMetadataKey = "user_id"

// SubscriptionRepo defines the persistence contract required by
// SubscriptionService.
type SubscriptionRepo interface {
	// Upsert inserts or fully replaces the row for sub.ID.
	Upsert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error

	// Get fetches a subscription by provider id.
	Get(ctx context.Context, db *gorm.DB, id string) (*domain.Subscription, error)

	// LatestForUser returns the authoritative (most recently created)
	// subscription for a user.
	LatestForUser(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error)

	// SetCancelAtPeriodEnd flips the cancellation flag on a stored row.
	SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id string, v bool) error
}

// SubscriptionStatus is the normalized status payload served to internal
// callers.
type SubscriptionStatus struct {
	UserID                string                  `json:"userId"`
	NormalizedStatus      domain.NormalizedStatus `json:"normalized_status"`
	HasActiveSubscription bool                    `json:"has_active_subscription"`
	StripeStatus          string                  `json:"stripe_status,omitempty"`
	CancelAtPeriodEnd     bool                    `json:"cancel_at_period_end"`
	CurrentPeriodStart    *time.Time              `json:"current_period_start"`
	CurrentPeriodEnd      *time.Time              `json:"current_period_end"`
	TrialEnd              *time.Time              `json:"trial_end"`
}

// CancelOutcome reports what a cancellation request did.
type CancelOutcome string

// Cancellation outcomes. Repeated cancel calls are idempotent: the second
// and later calls report CancelAlreadyScheduled.
const (
	CancelScheduled        CancelOutcome = "cancel_scheduled"
	CancelAlreadyScheduled CancelOutcome = "already_cancelled_at_period_end"
)

// SubscriptionService keeps local subscription state consistent with the
// billing provider.
type SubscriptionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the subscription repository used by this service.
	Repo SubscriptionRepo
	// Billing is the provider client used for re-fetches and cancellation.
	Billing billing.Client
	// Tiers maps provider price ids onto local plan tiers.
	Tiers map[string]string
}

// NewSubscriptionService constructs a SubscriptionService.
func NewSubscriptionService(db *gorm.DB, r SubscriptionRepo, b billing.Client, tiers map[string]string) *SubscriptionService {
	return &SubscriptionService{DB: db, Repo: r, Billing: b, Tiers: tiers}
}

// Sync upserts the local record for a provider subscription snapshot.
//
// Snapshots without a user correlation or with an unknown price are skipped
// with a warning rather than failed: such events may belong to subscriptions
// outside this system's ownership, and a skip must not trigger the
// provider's webhook retry policy. A skipped event never corrupts previously
// stored state.
func (s *SubscriptionService) Sync(ctx context.Context, sub *stripe.Subscription) error {
	rec, ok := s.record(sub)
	if !ok {
		return nil
	}
	return s.Repo.Upsert(ctx, s.DB, rec)
}

// CancelSync records a provider-side deletion as the terminal canceled
// status. The row is never deleted; history remains as a single evolving row
// per subscription id.
func (s *SubscriptionService) CancelSync(ctx context.Context, sub *stripe.Subscription) error {
	rec, ok := s.record(sub)
	if !ok {
		// Fall back to transitioning an already-stored row; the deletion
		// event may lack metadata the creation event carried.
		if sub == nil || sub.ID == "" {
			return nil
		}
		stored, err := s.Repo.Get(ctx, s.DB, sub.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec = stored
	}
	rec.Status = string(stripe.SubscriptionStatusCanceled)
	return s.Repo.Upsert(ctx, s.DB, rec)
}

// Refresh fetches the current full snapshot from the provider and syncs it.
// Used for events that do not carry complete subscription state.
func (s *SubscriptionService) Refresh(ctx context.Context, subscriptionID string) error {
	sub, err := s.Billing.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	return s.Sync(ctx, sub)
}

// Status returns the normalized subscription status for a user. A user with
// no subscription on record is reported as unsubscribed, not as an error.
func (s *SubscriptionService) Status(ctx context.Context, userID string) (*SubscriptionStatus, error) {
	sub, err := s.Repo.LatestForUser(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return &SubscriptionStatus{
			UserID:           userID,
			NormalizedStatus: domain.StatusUnsubscribed,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	norm := sub.Normalized()
	return &SubscriptionStatus{
		UserID:                userID,
		NormalizedStatus:      norm,
		HasActiveSubscription: norm.Active(),
		StripeStatus:          sub.Status,
		CancelAtPeriodEnd:     sub.CancelAtPeriodEnd,
		CurrentPeriodStart:    sub.CurrentPeriodStart,
		CurrentPeriodEnd:      sub.CurrentPeriodEnd,
		TrialEnd:              sub.TrialEnd,
	}, nil
}

// Cancel schedules cancel-at-period-end for the user's authoritative
// subscription. Repeated calls are idempotent and report
// CancelAlreadyScheduled without another provider round trip.
func (s *SubscriptionService) Cancel(ctx context.Context, userID string) (CancelOutcome, error) {
	sub, err := s.Repo.LatestForUser(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrSubscriptionNotFound
	}
	if err != nil {
		return "", err
	}
	if sub.CancelAtPeriodEnd || sub.Normalized() == domain.StatusCanceled {
		return CancelAlreadyScheduled, nil
	}

	updated, err := s.Billing.CancelAtPeriodEnd(ctx, sub.ID)
	if err != nil {
		return "", err
	}

	// Record the flag directly so the local state reflects the scheduled
	// cancellation even if the snapshot sync below is skipped.
	if err := s.Repo.SetCancelAtPeriodEnd(ctx, s.DB, sub.ID, true); err != nil {
		return "", err
	}
	if err := s.Sync(ctx, updated); err != nil {
		return "", err
	}
	return CancelScheduled, nil
}

// record maps a provider snapshot onto a local row. The second return value
// is false when the snapshot must be skipped (no user correlation, unknown
// price, or malformed timestamps); the skip is logged.
func (s *SubscriptionService) record(sub *stripe.Subscription) (*domain.Subscription, bool) {
	if sub == nil || sub.ID == "" {
		return nil, false
	}

	userID := sub.Metadata[userIDMetadataKey]
	if userID == "" {
		log.Warn().Str("subscription_id", sub.ID).
			Msg("subscription sync skipped: no user correlation in metadata")
		return nil, false
	}

	priceID := subscriptionPriceID(sub)
	tier, ok := s.Tiers[priceID]
	if !ok {
		log.Warn().Str("subscription_id", sub.ID).Str("price_id", priceID).
			Msg("subscription sync skipped: no tier for price")
		return nil, false
	}

	created := epochTime(sub.Created)
	if created == nil {
		log.Warn().Str("subscription_id", sub.ID).Int64("created", sub.Created).
			Msg("subscription sync skipped: malformed creation timestamp")
		return nil, false
	}

	var customerID string
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	var meta string
	if len(sub.Metadata) > 0 {
		if b, err := json.Marshal(sub.Metadata); err == nil {
			meta = string(b)
		}
	}

	return &domain.Subscription{
		ID:                 sub.ID,
		CustomerID:         customerID,
		UserID:             userID,
		Tier:               tier,
		Status:             string(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: epochTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   epochTime(sub.CurrentPeriodEnd),
		TrialStart:         epochTime(sub.TrialStart),
		TrialEnd:           epochTime(sub.TrialEnd),
		Created:            *created,
		Metadata:           meta,
	}, true
}

// subscriptionPriceID extracts the price id of the first subscription item.
func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item == nil || item.Price == nil {
		return ""
	}
	return item.Price.ID
}

// epochTime converts a provider epoch value, rejecting non-positive values
// so a malformed payload can never write an invalid date.
func epochTime(epoch int64) *time.Time {
	if epoch <= 0 {
		return nil
	}
	t := time.Unix(epoch, 0).UTC()
	return &t
}
