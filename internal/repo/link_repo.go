// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the ChannelLink
// model — the durable result of a finalized verification.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/averly/chatlink-backend/internal/domain"
)

// GetLink fetches the verified link for a (user, channel) pair, or
// ErrNotFound. At most one such row can exist (unique index).
func GetLink(ctx context.Context, db *gorm.DB, userID, channelID string) (*domain.ChannelLink, error) {
	var cl domain.ChannelLink
	err := db.WithContext(ctx).
		Where("user_id = ? AND channel_id = ?", userID, channelID).
		First(&cl).Error
	if err != nil {
		return nil, err
	}
	return &cl, nil
}

// GetLinkByAddress fetches the link row for a channel-native address, or
// ErrNotFound. Used by the bot integration to look up who a chat identity
// belongs to.
func GetLinkByAddress(ctx context.Context, db *gorm.DB, channelID, link string) (*domain.ChannelLink, error) {
	var cl domain.ChannelLink
	err := db.WithContext(ctx).
		Where("channel_id = ? AND link = ?", channelID, link).
		First(&cl).Error
	if err != nil {
		return nil, err
	}
	return &cl, nil
}

// ListLinks returns all verified links for a user, newest first.
func ListLinks(ctx context.Context, db *gorm.DB, userID string) ([]domain.ChannelLink, error) {
	var out []domain.ChannelLink
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("verified_at desc").
		Find(&out).Error
	return out, err
}
