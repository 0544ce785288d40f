// Package services – CustomerService
//
// This file implements the billing-customer resolver: the fallback path that
// reconciles a local user to a provider customer identity when the cached
// mapping is stale or missing. Account creation and the asynchronous
// provider-side customer creation can complete out of order; resolution
// exists to recover from that race. It is lookup-only — it never creates a
// customer — so it is safe to call redundantly.
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v78"
	"gorm.io/gorm"

	"github.com/averly/chatlink-backend/internal/billing"
	"github.com/averly/chatlink-backend/internal/domain"
	"github.com/averly/chatlink-backend/internal/repo"
)

// UserRepo defines the persistence contract required by CustomerService.
type UserRepo interface {
	// Get fetches a user by id.
	Get(ctx context.Context, db *gorm.DB, id string) (*domain.User, error)

	// UpdateStripeCustomerID persists a discovered customer id.
	UpdateStripeCustomerID(ctx context.Context, db *gorm.DB, userID, customerID string) error
}

// CustomerService resolves local users to billing-provider customers.
type CustomerService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Users is the user repository used by this service.
	Users UserRepo
	// Billing is the provider client used for lookups.
	Billing billing.Client
}

// NewCustomerService constructs a CustomerService.
func NewCustomerService(db *gorm.DB, users UserRepo, b billing.Client) *CustomerService {
	return &CustomerService{DB: db, Users: users, Billing: b}
}

// Resolve returns the provider customer id for a user, or "" when none can
// be found. The stored id is trusted only while the customer's email still
// matches the user's; otherwise the provider is searched by email and the
// first non-deleted match wins. A freshly discovered id is persisted back
// onto the user record to self-heal drift.
//
// Duplicate customers per email are a known possible inconsistency upstream;
// the resolver tolerates them rather than repairs them.
func (s *CustomerService) Resolve(ctx context.Context, userID string) (string, error) {
	user, err := s.Users.Get(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}

	if user.StripeCustomerID != "" {
		cust, err := s.Billing.GetCustomer(ctx, user.StripeCustomerID)
		if err == nil && !cust.Deleted && emailsMatch(cust.Email, user.Email) {
			return user.StripeCustomerID, nil
		}
		// Stale mapping (customer gone, deleted, or email rotated):
		// fall through to the search path.
		log.Warn().Str("user_id", userID).Str("customer_id", user.StripeCustomerID).
			Msg("stored billing customer no longer matches; searching by email")
	}

	customers, err := s.Billing.SearchCustomersByEmail(ctx, user.Email)
	if err != nil {
		return "", err
	}
	found := firstLiveCustomer(customers)
	if found == "" {
		return "", nil
	}

	if found != user.StripeCustomerID {
		if err := s.Users.UpdateStripeCustomerID(ctx, s.DB, userID, found); err != nil {
			return "", err
		}
	}
	return found, nil
}

// firstLiveCustomer selects the first non-deleted result, else "".
func firstLiveCustomer(customers []*stripe.Customer) string {
	for _, c := range customers {
		if c != nil && !c.Deleted {
			return c.ID
		}
	}
	return ""
}

// emailsMatch compares emails case-insensitively.
func emailsMatch(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
