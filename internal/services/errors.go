// Package services defines the business logic for channel linking and
// billing-subscription reconciliation. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These are domain outcomes, not transport failures: an expired nonce or a
// link collision is a normal result of the protocol under concurrency, and
// callers (bot integration, UI, internal APIs) branch on these sentinels.
// Translation into HTTP status codes happens at the handler layer.
package services

import "errors"

// Channel-linking errors.
var (
	// ErrUnknownChannel is returned when a channel id is not one of the
	// supported messaging surfaces.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrInvalidHandle is returned when a pre-signup handle does not match
	// the channel's native identifier format.
	ErrInvalidHandle = errors.New("invalid user handle for channel")

	// ErrChannelNotConfigured is returned when the bot identity for a
	// channel is missing from configuration, making a deep link impossible.
	ErrChannelNotConfigured = errors.New("channel not configured")

	// ErrNonceNotFound indicates the presented nonce does not exist.
	ErrNonceNotFound = errors.New("nonce not found")

	// ErrNonceExpired indicates the nonce was presented at or after its
	// expiry. This is a normal domain outcome, surfaced to the user with a
	// retry affordance.
	ErrNonceExpired = errors.New("nonce expired")

	// ErrNonceConsumed indicates the nonce was already used, including by a
	// concurrent finalize attempt that won the race.
	ErrNonceConsumed = errors.New("nonce already used")

	// ErrLinkTaken indicates the channel address is already bound to a
	// different user, or the user already holds a link on this channel.
	ErrLinkTaken = errors.New("link already bound")
)

// Billing errors.
var (
	// ErrBadSignature indicates a webhook payload failed integrity
	// verification. No processing is attempted.
	ErrBadSignature = errors.New("invalid webhook signature")

	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionNotFound indicates the user has no subscription on
	// record.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)
