// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Subscription model.
//
// Subscriptions are written exclusively through UpsertSubscription keyed on
// the provider subscription id. Replayed or out-of-order webhook deliveries
// of the same snapshot therefore converge to identical stored state without
// an event-dedup table.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/averly/chatlink-backend/internal/domain"
)

// UpsertSubscription inserts or fully replaces the row for sub.ID. The
// conflict target is the primary key, making the write idempotent: applying
// the same snapshot any number of times yields the same stored row.
func UpsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(sub).Error
}

// GetSubscription fetches a subscription by provider id, or ErrNotFound.
func GetSubscription(ctx context.Context, db *gorm.DB, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// LatestForUser returns the authoritative subscription for a user: the row
// with the most recent provider creation time. ErrNotFound if the user has
// never had a subscription.
func LatestForUser(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created desc").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// LatestForCustomer returns the authoritative subscription for a provider
// customer (most recent provider creation time), or ErrNotFound.
func LatestForCustomer(ctx context.Context, db *gorm.DB, customerID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created desc").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// SetCancelAtPeriodEnd flips the cancel-at-period-end flag on a stored
// subscription. Returns ErrNotFound when the row does not exist.
func SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id string, v bool) error {
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ?", id).
		Update("cancel_at_period_end", v)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
