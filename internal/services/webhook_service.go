// Package services – WebhookService
//
// This file implements the billing webhook ingester: signature verification
// followed by a dispatch table keyed on event type. Handlers either apply a
// full subscription snapshot or trigger a provider re-fetch when the event
// does not carry one (invoices, checkout completion).
//
// There is no event-id dedup table. Idempotency comes from the synchronizer
// upserting on the subscription id: replaying an event converges to the same
// stored state. Unrecognized event types are logged and acknowledged so the
// provider's retry policy is never triggered by events we intentionally
// ignore.
package services

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// ProcessedEvent summarizes how an ingested webhook event was handled.
type ProcessedEvent struct {
	Type    string `json:"type"`
	Ignored bool   `json:"ignored"`
}

// eventHandler applies one event type. Handlers receive the verified event
// and must isolate failures to that event's write.
type eventHandler func(ctx context.Context, event *stripe.Event) error

// WebhookService validates and dispatches inbound billing webhook events.
type WebhookService struct {
	// Secret is the webhook signing secret shared with the provider.
	Secret string
	// Subs is the synchronizer events are dispatched to.
	Subs *SubscriptionService

	handlers map[string]eventHandler
}

// NewWebhookService constructs a WebhookService with its dispatch table.
func NewWebhookService(secret string, subs *SubscriptionService) *WebhookService {
	s := &WebhookService{Secret: secret, Subs: subs}
	s.handlers = map[string]eventHandler{
		"customer.subscription.created": s.onSubscriptionSnapshot,
		"customer.subscription.updated": s.onSubscriptionSnapshot,
		"customer.subscription.deleted": s.onSubscriptionDeleted,
		"invoice.paid":                  s.onInvoicePaid,
		"invoice.payment_succeeded":     s.onInvoicePaid,
		"checkout.session.completed":    s.onCheckoutCompleted,
	}
	return s
}

// Ingest verifies the payload signature and dispatches the event. A
// signature failure returns ErrBadSignature with no side effects. Handler
// errors propagate so the caller can answer non-200 and let the provider
// redeliver.
func (s *WebhookService) Ingest(ctx context.Context, payload []byte, signatureHeader string) (*ProcessedEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.Secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		webhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
		return nil, ErrBadSignature
	}

	kind := string(event.Type)
	handler, ok := s.handlers[kind]
	if !ok {
		log.Info().Str("event_type", kind).Msg("billing webhook event ignored")
		webhookEvents.WithLabelValues(kind, "ignored").Inc()
		return &ProcessedEvent{Type: kind, Ignored: true}, nil
	}

	if err := handler(ctx, &event); err != nil {
		webhookEvents.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	webhookEvents.WithLabelValues(kind, "processed").Inc()
	return &ProcessedEvent{Type: kind}, nil
}

// onSubscriptionSnapshot applies a full subscription snapshot carried by
// created/updated events.
func (s *WebhookService) onSubscriptionSnapshot(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}
	return s.Subs.Sync(ctx, &sub)
}

// onSubscriptionDeleted transitions the stored row to the terminal canceled
// status.
func (s *WebhookService) onSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}
	return s.Subs.CancelSync(ctx, &sub)
}

// onInvoicePaid re-fetches the subscription the invoice belongs to, since
// invoice events do not carry full subscription state.
func (s *WebhookService) onInvoicePaid(ctx context.Context, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return err
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		// One-off invoice; nothing to reconcile.
		return nil
	}
	return s.Subs.Refresh(ctx, inv.Subscription.ID)
}

// onCheckoutCompleted re-fetches the subscription created by a completed
// checkout session.
func (s *WebhookService) onCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return err
	}
	if sess.Subscription == nil || sess.Subscription.ID == "" {
		// Non-subscription checkout; nothing to reconcile.
		return nil
	}
	return s.Subs.Refresh(ctx, sess.Subscription.ID)
}
