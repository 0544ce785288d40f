package services

import (
	"context"
	"errors"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v78"
	"gorm.io/gorm"

	"github.com/averly/chatlink-backend/internal/domain"
	"github.com/averly/chatlink-backend/internal/repo"
)

// ----- Fake subscription repo -----

type fakeSubRepo struct {
	// capture args
	upserted []*domain.Subscription
	upsertErr error

	getID  string
	getSub *domain.Subscription
	getErr error

	latestUserID string
	latestSub    *domain.Subscription
	latestErr    error

	cancelID   string
	cancelFlag bool
	cancelErr  error
}

func (r *fakeSubRepo) Upsert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	r.upserted = append(r.upserted, sub)
	return r.upsertErr
}

func (r *fakeSubRepo) Get(ctx context.Context, db *gorm.DB, id string) (*domain.Subscription, error) {
	r.getID = id
	return r.getSub, r.getErr
}

func (r *fakeSubRepo) LatestForUser(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error) {
	r.latestUserID = userID
	return r.latestSub, r.latestErr
}

func (r *fakeSubRepo) SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id string, v bool) error {
	r.cancelID, r.cancelFlag = id, v
	return r.cancelErr
}

// ----- Fake billing client -----

type fakeBilling struct {
	getSubID  string
	getSub    *stripe.Subscription
	getSubErr error

	cancelID  string
	cancelSub *stripe.Subscription
	cancelErr error

	getCustID  string
	getCust    *stripe.Customer
	getCustErr error

	searchEmail string
	searchOut   []*stripe.Customer
	searchErr   error
}

func (b *fakeBilling) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	b.getSubID = id
	return b.getSub, b.getSubErr
}

func (b *fakeBilling) CancelAtPeriodEnd(ctx context.Context, id string) (*stripe.Subscription, error) {
	b.cancelID = id
	return b.cancelSub, b.cancelErr
}

func (b *fakeBilling) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	b.getCustID = id
	return b.getCust, b.getCustErr
}

func (b *fakeBilling) SearchCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error) {
	b.searchEmail = email
	return b.searchOut, b.searchErr
}

// providerSub builds a complete provider snapshot suitable for Sync.
func providerSub(id string) *stripe.Subscription {
	return &stripe.Subscription{
		ID:                 id,
		Status:             stripe.SubscriptionStatusActive,
		Created:            1756728000, // 2025-09-01T12:00:00Z
		CurrentPeriodStart: 1756728000,
		CurrentPeriodEnd:   1759320000,
		Customer:           &stripe.Customer{ID: "cus_1"},
		Metadata:           map[string]string{"user_id": "u1"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{ID: "price_pro"}},
			},
		},
	}
}

func testTiers() map[string]string {
	return map[string]string{"price_pro": "pro", "price_basic": "basic"}
}

// ----- Sync -----

func TestSync_UpsertsNormalizedRecord(t *testing.T) {
	fr := &fakeSubRepo{}
	s := NewSubscriptionService(nil, fr, &fakeBilling{}, testTiers())

	if err := s.Sync(context.Background(), providerSub("sub_1")); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(fr.upserted) != 1 {
		t.Fatalf("upserts = %d, want 1", len(fr.upserted))
	}
	rec := fr.upserted[0]
	if rec.ID != "sub_1" || rec.UserID != "u1" || rec.CustomerID != "cus_1" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Tier != "pro" || rec.Status != "active" {
		t.Fatalf("tier/status = %s/%s", rec.Tier, rec.Status)
	}
	if rec.Created.IsZero() || rec.CurrentPeriodStart == nil || rec.CurrentPeriodEnd == nil {
		t.Fatalf("timestamps not mapped: %+v", rec)
	}
	if rec.TrialStart != nil || rec.TrialEnd != nil {
		t.Fatalf("absent trial epochs must map to nil")
	}
	if rec.Metadata == "" {
		t.Fatalf("metadata blob not captured")
	}
}

func TestSync_SkipsWithoutFailing(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*stripe.Subscription)
	}{
		{"no user metadata", func(s *stripe.Subscription) { s.Metadata = nil }},
		{"unknown price", func(s *stripe.Subscription) { s.Items.Data[0].Price.ID = "price_mystery" }},
		{"no items", func(s *stripe.Subscription) { s.Items = nil }},
		{"bad created epoch", func(s *stripe.Subscription) { s.Created = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fr := &fakeSubRepo{}
			s := NewSubscriptionService(nil, fr, &fakeBilling{}, testTiers())

			sub := providerSub("sub_skip")
			tc.mutate(sub)

			if err := s.Sync(context.Background(), sub); err != nil {
				t.Fatalf("skip must not error: %v", err)
			}
			if len(fr.upserted) != 0 {
				t.Fatalf("skipped snapshot must not be written")
			}
		})
	}

	// Nil or id-less snapshots are ignored outright.
	fr := &fakeSubRepo{}
	s := NewSubscriptionService(nil, fr, &fakeBilling{}, testTiers())
	if err := s.Sync(context.Background(), nil); err != nil {
		t.Fatalf("nil snapshot: %v", err)
	}
	if err := s.Sync(context.Background(), &stripe.Subscription{}); err != nil {
		t.Fatalf("empty snapshot: %v", err)
	}
	if len(fr.upserted) != 0 {
		t.Fatalf("nothing should be written")
	}
}

// ----- CancelSync -----

func TestCancelSync_ForcesCanceledStatus(t *testing.T) {
	fr := &fakeSubRepo{}
	s := NewSubscriptionService(nil, fr, &fakeBilling{}, testTiers())

	sub := providerSub("sub_1")
	sub.Status = stripe.SubscriptionStatusActive // deletion events may still say active
	if err := s.CancelSync(context.Background(), sub); err != nil {
		t.Fatalf("CancelSync: %v", err)
	}
	if len(fr.upserted) != 1 || fr.upserted[0].Status != "canceled" {
		t.Fatalf("upserted = %+v", fr.upserted)
	}
}

func TestCancelSync_FallsBackToStoredRow(t *testing.T) {
	stored := &domain.Subscription{ID: "sub_1", UserID: "u1", Tier: "pro", Status: "active", Created: time.Now().UTC()}
	fr := &fakeSubRepo{getSub: stored}
	s := NewSubscriptionService(nil, fr, &fakeBilling{}, testTiers())

	// Deletion event without the metadata the creation event carried.
	sub := &stripe.Subscription{ID: "sub_1"}
	if err := s.CancelSync(context.Background(), sub); err != nil {
		t.Fatalf("CancelSync: %v", err)
	}
	if fr.getID != "sub_1" {
		t.Fatalf("stored row not consulted")
	}
	if len(fr.upserted) != 1 || fr.upserted[0].Status != "canceled" {
		t.Fatalf("upserted = %+v", fr.upserted)
	}
}

func TestCancelSync_UnknownSubscriptionIsIgnored(t *testing.T) {
	fr := &fakeSubRepo{getErr: repo.ErrNotFound}
	s := NewSubscriptionService(nil, fr, &fakeBilling{}, testTiers())

	if err := s.CancelSync(context.Background(), &stripe.Subscription{ID: "sub_ghost"}); err != nil {
		t.Fatalf("unknown deletion must not error: %v", err)
	}
	if len(fr.upserted) != 0 {
		t.Fatalf("nothing should be written")
	}
}

// ----- Refresh -----

func TestRefresh_FetchesThenSyncs(t *testing.T) {
	fr := &fakeSubRepo{}
	fb := &fakeBilling{getSub: providerSub("sub_1")}
	s := NewSubscriptionService(nil, fr, fb, testTiers())

	if err := s.Refresh(context.Background(), "sub_1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fb.getSubID != "sub_1" {
		t.Fatalf("provider not queried")
	}
	if len(fr.upserted) != 1 {
		t.Fatalf("snapshot not synced")
	}

	fb = &fakeBilling{getSubErr: errors.New("provider down")}
	s = NewSubscriptionService(nil, fr, fb, testTiers())
	if err := s.Refresh(context.Background(), "sub_1"); err == nil {
		t.Fatalf("expected provider error to propagate")
	}
}

// ----- Status -----

func TestStatus_NoSubscriptionMeansUnsubscribed(t *testing.T) {
	fr := &fakeSubRepo{latestErr: repo.ErrNotFound}
	s := NewSubscriptionService(nil, fr, &fakeBilling{}, testTiers())

	st, err := s.Status(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.NormalizedStatus != domain.StatusUnsubscribed || st.HasActiveSubscription {
		t.Fatalf("status = %+v", st)
	}
}

func TestStatus_NormalizesStoredRow(t *testing.T) {
	start := time.Now().UTC().Add(-time.Hour)
	end := start.Add(30 * 24 * time.Hour)
	fr := &fakeSubRepo{latestSub: &domain.Subscription{
		ID: "sub_1", UserID: "u1", Status: "active",
		CurrentPeriodStart: &start, CurrentPeriodEnd: &end,
		CancelAtPeriodEnd: true,
	}}
	s := NewSubscriptionService(nil, fr, &fakeBilling{}, testTiers())

	st, err := s.Status(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.NormalizedStatus != domain.StatusSubscribed || !st.HasActiveSubscription {
		t.Fatalf("status = %+v", st)
	}
	if st.StripeStatus != "active" || !st.CancelAtPeriodEnd {
		t.Fatalf("raw fields = %+v", st)
	}
	if st.CurrentPeriodEnd == nil || !st.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("period end = %v", st.CurrentPeriodEnd)
	}
}

// ----- Cancel -----

func TestCancel_SchedulesAndSyncs(t *testing.T) {
	fr := &fakeSubRepo{latestSub: &domain.Subscription{ID: "sub_1", UserID: "u1", Status: "active", Created: time.Now().UTC()}}
	updated := providerSub("sub_1")
	updated.CancelAtPeriodEnd = true
	fb := &fakeBilling{cancelSub: updated}
	s := NewSubscriptionService(nil, fr, fb, testTiers())

	out, err := s.Cancel(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out != CancelScheduled {
		t.Fatalf("outcome = %q", out)
	}
	if fb.cancelID != "sub_1" {
		t.Fatalf("provider cancel not called")
	}
	if fr.cancelID != "sub_1" || !fr.cancelFlag {
		t.Fatalf("local flag not recorded")
	}
	if len(fr.upserted) != 1 || !fr.upserted[0].CancelAtPeriodEnd {
		t.Fatalf("updated snapshot not synced: %+v", fr.upserted)
	}
}

func TestCancel_SecondCallIsIdempotent(t *testing.T) {
	fr := &fakeSubRepo{latestSub: &domain.Subscription{ID: "sub_1", UserID: "u1", Status: "active", CancelAtPeriodEnd: true}}
	fb := &fakeBilling{}
	s := NewSubscriptionService(nil, fr, fb, testTiers())

	out, err := s.Cancel(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out != CancelAlreadyScheduled {
		t.Fatalf("outcome = %q, want already scheduled", out)
	}
	if fb.cancelID != "" {
		t.Fatalf("no provider round trip expected")
	}
}

func TestCancel_AlreadyCanceledRow(t *testing.T) {
	fr := &fakeSubRepo{latestSub: &domain.Subscription{ID: "sub_1", UserID: "u1", Status: "canceled"}}
	s := NewSubscriptionService(nil, fr, &fakeBilling{}, testTiers())

	out, err := s.Cancel(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out != CancelAlreadyScheduled {
		t.Fatalf("outcome = %q", out)
	}
}

func TestCancel_NoSubscription(t *testing.T) {
	fr := &fakeSubRepo{latestErr: repo.ErrNotFound}
	s := NewSubscriptionService(nil, fr, &fakeBilling{}, testTiers())

	if _, err := s.Cancel(context.Background(), "u1"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("err = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestCancel_ProviderFailure(t *testing.T) {
	fr := &fakeSubRepo{latestSub: &domain.Subscription{ID: "sub_1", UserID: "u1", Status: "active"}}
	fb := &fakeBilling{cancelErr: errors.New("provider down")}
	s := NewSubscriptionService(nil, fr, fb, testTiers())

	if _, err := s.Cancel(context.Background(), "u1"); err == nil {
		t.Fatalf("expected provider error")
	}
	if fr.cancelID != "" {
		t.Fatalf("local flag must not be set when provider call fails")
	}
}

// ----- helpers -----

func TestEpochTime(t *testing.T) {
	if epochTime(0) != nil || epochTime(-5) != nil {
		t.Fatalf("non-positive epochs must map to nil")
	}
	got := epochTime(1756728000)
	if got == nil || got.Unix() != 1756728000 {
		t.Fatalf("got %v", got)
	}
}
