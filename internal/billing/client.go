// Package billing wraps the payments provider behind a narrow interface so
// services depend on the operations they use rather than on the provider SDK.
// The real implementation lives in stripe.go; tests substitute fakes.
package billing

import (
	"context"

	stripe "github.com/stripe/stripe-go/v78"
)

// Client is the set of provider calls the reconciliation subsystem performs.
//
// Implementations must be safe for concurrent use. All calls honor the given
// context for cancellation and timeouts.
type Client interface {
	// GetSubscription fetches the current full snapshot of a subscription.
	// Used to re-fetch state when an event (e.g. invoice.paid) does not
	// carry the complete subscription object.
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)

	// CancelAtPeriodEnd schedules the subscription to cancel when the
	// current period ends and returns the updated snapshot.
	CancelAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error)

	// GetCustomer fetches a customer by id.
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)

	// SearchCustomersByEmail lists customers whose email matches exactly,
	// in provider order. Deleted customers are included; callers filter.
	SearchCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error)
}
