// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model,
// limited to what the reconciliation subsystem needs: lookup by id and
// self-healing of the cached billing customer id.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/averly/chatlink-backend/internal/domain"
)

// GetUser fetches a user by id, or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateStripeCustomerID persists a discovered billing customer id onto the
// user record. Returns ErrNotFound when the user does not exist.
func UpdateStripeCustomerID(ctx context.Context, db *gorm.DB, userID, customerID string) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", userID).
		Update("stripe_customer_id", customerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
