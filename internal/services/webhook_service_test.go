package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload builds a Stripe-Signature header for payload using the v1 scheme.
func signPayload(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
		Scheme:    "v1",
	})
	return signed.Header
}

// eventPayload builds a raw webhook event body of the given type wrapping obj.
func eventPayload(t *testing.T, eventType string, obj any) []byte {
	t.Helper()
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"id":      "evt_test",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": json.RawMessage(raw)},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func newTestWebhookService(fr *fakeSubRepo, fb *fakeBilling) *WebhookService {
	return NewWebhookService(testWebhookSecret, NewSubscriptionService(nil, fr, fb, testTiers()))
}

// subscriptionObject is a provider subscription body that passes the
// synchronizer's correlation and tier checks.
func subscriptionObject(id, status string) map[string]any {
	return map[string]any{
		"id":                   id,
		"status":               status,
		"created":              1756728000,
		"current_period_start": 1756728000,
		"current_period_end":   1759320000,
		"customer":             map[string]any{"id": "cus_1"},
		"metadata":             map[string]string{"user_id": "u1"},
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": "price_pro"}},
			},
		},
	}
}

func TestIngest_BadSignature(t *testing.T) {
	fr := &fakeSubRepo{}
	s := newTestWebhookService(fr, &fakeBilling{})

	payload := eventPayload(t, "customer.subscription.created", subscriptionObject("sub_1", "active"))

	// Wrong secret.
	_, err := s.Ingest(context.Background(), payload, signPayload(payload, "whsec_other", time.Now()))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
	// Garbage header.
	if _, err := s.Ingest(context.Background(), payload, "not-a-signature"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
	// Tampered payload.
	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] ^= 0xff
	if _, err := s.Ingest(context.Background(), tampered, signPayload(payload, testWebhookSecret, time.Now())); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}

	if len(fr.upserted) != 0 {
		t.Fatalf("rejected events must have no side effects")
	}
}

func TestIngest_SubscriptionSnapshot(t *testing.T) {
	fr := &fakeSubRepo{}
	s := newTestWebhookService(fr, &fakeBilling{})

	for _, kind := range []string{"customer.subscription.created", "customer.subscription.updated"} {
		fr.upserted = nil
		payload := eventPayload(t, kind, subscriptionObject("sub_1", "active"))

		out, err := s.Ingest(context.Background(), payload, signPayload(payload, testWebhookSecret, time.Now()))
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if out.Ignored {
			t.Fatalf("%s must be processed", kind)
		}
		if len(fr.upserted) != 1 || fr.upserted[0].ID != "sub_1" || fr.upserted[0].Status != "active" {
			t.Fatalf("%s: upserted = %+v", kind, fr.upserted)
		}
	}
}

func TestIngest_SubscriptionDeleted(t *testing.T) {
	fr := &fakeSubRepo{}
	s := newTestWebhookService(fr, &fakeBilling{})

	payload := eventPayload(t, "customer.subscription.deleted", subscriptionObject("sub_1", "active"))
	if _, err := s.Ingest(context.Background(), payload, signPayload(payload, testWebhookSecret, time.Now())); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(fr.upserted) != 1 || fr.upserted[0].Status != "canceled" {
		t.Fatalf("deletion must store the terminal status: %+v", fr.upserted)
	}
}

func TestIngest_InvoicePaid_RefetchesSubscription(t *testing.T) {
	fr := &fakeSubRepo{}
	fb := &fakeBilling{}
	fb.getSub = providerSub("sub_9")
	s := newTestWebhookService(fr, fb)

	invoice := map[string]any{
		"id":           "in_1",
		"subscription": map[string]any{"id": "sub_9"},
	}
	for _, kind := range []string{"invoice.paid", "invoice.payment_succeeded"} {
		fb.getSubID = ""
		fr.upserted = nil
		payload := eventPayload(t, kind, invoice)

		if _, err := s.Ingest(context.Background(), payload, signPayload(payload, testWebhookSecret, time.Now())); err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if fb.getSubID != "sub_9" {
			t.Fatalf("%s: provider snapshot not re-fetched", kind)
		}
		if len(fr.upserted) != 1 {
			t.Fatalf("%s: refreshed snapshot not stored", kind)
		}
	}
}

func TestIngest_InvoiceWithoutSubscription(t *testing.T) {
	fr := &fakeSubRepo{}
	fb := &fakeBilling{}
	s := newTestWebhookService(fr, fb)

	payload := eventPayload(t, "invoice.paid", map[string]any{"id": "in_oneoff"})
	out, err := s.Ingest(context.Background(), payload, signPayload(payload, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatalf("one-off invoice must be acked: %v", err)
	}
	if out.Ignored {
		t.Fatalf("handled event reported as ignored")
	}
	if fb.getSubID != "" || len(fr.upserted) != 0 {
		t.Fatalf("one-off invoice must have no side effects")
	}
}

func TestIngest_CheckoutCompleted(t *testing.T) {
	fr := &fakeSubRepo{}
	fb := &fakeBilling{}
	fb.getSub = providerSub("sub_7")
	s := newTestWebhookService(fr, fb)

	session := map[string]any{
		"id":           "cs_1",
		"subscription": map[string]any{"id": "sub_7"},
	}
	payload := eventPayload(t, "checkout.session.completed", session)
	if _, err := s.Ingest(context.Background(), payload, signPayload(payload, testWebhookSecret, time.Now())); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if fb.getSubID != "sub_7" {
		t.Fatalf("checkout completion must re-fetch the subscription")
	}
}

func TestIngest_UnknownEventTypeAcked(t *testing.T) {
	fr := &fakeSubRepo{}
	s := newTestWebhookService(fr, &fakeBilling{})

	payload := eventPayload(t, "customer.created", map[string]any{"id": "cus_1"})
	out, err := s.Ingest(context.Background(), payload, signPayload(payload, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatalf("unknown event types must be acked: %v", err)
	}
	if !out.Ignored || out.Type != "customer.created" {
		t.Fatalf("out = %+v", out)
	}
	if len(fr.upserted) != 0 {
		t.Fatalf("ignored events must have no side effects")
	}
}

func TestIngest_HandlerErrorPropagates(t *testing.T) {
	fr := &fakeSubRepo{upsertErr: errors.New("disk full")}
	s := newTestWebhookService(fr, &fakeBilling{})

	payload := eventPayload(t, "customer.subscription.created", subscriptionObject("sub_1", "active"))
	if _, err := s.Ingest(context.Background(), payload, signPayload(payload, testWebhookSecret, time.Now())); err == nil {
		t.Fatalf("storage failures must propagate so the provider redelivers")
	}
}

func TestIngest_ReplayIsIdempotent(t *testing.T) {
	fr := &fakeSubRepo{}
	s := newTestWebhookService(fr, &fakeBilling{})

	payload := eventPayload(t, "customer.subscription.updated", subscriptionObject("sub_1", "active"))
	for i := 0; i < 3; i++ {
		if _, err := s.Ingest(context.Background(), payload, signPayload(payload, testWebhookSecret, time.Now())); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	// Every delivery produced an identical upsert of the same row.
	if len(fr.upserted) != 3 {
		t.Fatalf("upserts = %d", len(fr.upserted))
	}
	for _, rec := range fr.upserted {
		if rec.ID != "sub_1" || rec.Status != "active" {
			t.Fatalf("divergent replay write: %+v", rec)
		}
	}
}
