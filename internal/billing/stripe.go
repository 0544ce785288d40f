// Package billing – Stripe implementation of the Client interface.
//
// The client is constructed once at startup with the secret key and injected
// into services; there is no package-level key or global client state.
package billing

import (
	"context"

	stripe "github.com/stripe/stripe-go/v78"
	stripeclient "github.com/stripe/stripe-go/v78/client"
)

// StripeClient implements Client against the Stripe REST API via the official
// SDK. The zero value is not usable; construct with NewStripeClient.
type StripeClient struct {
	api *stripeclient.API
}

// NewStripeClient builds a StripeClient bound to the given secret key.
func NewStripeClient(secretKey string) *StripeClient {
	api := &stripeclient.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api}
}

// GetSubscription fetches the current full subscription snapshot.
func (c *StripeClient) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return c.api.Subscriptions.Get(id, params)
}

// CancelAtPeriodEnd schedules cancellation at the end of the current period.
// Stripe treats setting the flag on an already-scheduled subscription as a
// no-op, so the call is itself idempotent.
func (c *StripeClient) CancelAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	return c.api.Subscriptions.Update(id, params)
}

// GetCustomer fetches a customer by id.
func (c *StripeClient) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	return c.api.Customers.Get(id, params)
}

// SearchCustomersByEmail lists customers with an exact email match in
// provider order. Duplicate customers per email are a known possible
// inconsistency upstream; callers take the first non-deleted match.
func (c *StripeClient) SearchCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error) {
	params := &stripe.CustomerListParams{
		Email: stripe.String(email),
	}
	params.Context = ctx

	var out []*stripe.Customer
	it := c.api.Customers.List(params)
	for it.Next() {
		out = append(out, it.Customer())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
