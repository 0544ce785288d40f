// Package domain – subscription status normalization.
//
// The billing provider reports a raw subscription status plus auxiliary
// fields. The application collapses these into a single canonical
// NormalizedStatus so that the rest of the system (entitlement checks,
// dashboards, internal APIs) never branches on raw provider values.
package domain

// NormalizedStatus is the application's canonical subscription state.
type NormalizedStatus string

// Canonical states. trial_expired is distinguished from past_due by whether
// any paid billing period has ever started.
const (
	StatusTrialing     NormalizedStatus = "trialing"
	StatusTrialExpired NormalizedStatus = "trial_expired"
	StatusSubscribed   NormalizedStatus = "subscribed"
	StatusPastDue      NormalizedStatus = "past_due"
	StatusCanceled     NormalizedStatus = "canceled"
	StatusUnsubscribed NormalizedStatus = "unsubscribed"
)

// Active reports whether the status grants access to paid features.
func (s NormalizedStatus) Active() bool {
	return s == StatusTrialing || s == StatusSubscribed
}

// NormalizeStatus maps a raw provider status, the cancel-at-period-end flag,
// and whether a paid period has ever started onto exactly one canonical
// state. It is a total function: unknown provider statuses map to
// unsubscribed rather than failing.
func NormalizeStatus(providerStatus string, cancelAtPeriodEnd, periodStarted bool) NormalizedStatus {
	switch providerStatus {
	case "trialing":
		return StatusTrialing
	case "active":
		// A subscription scheduled to cancel at period end is still
		// subscribed until the period actually ends.
		return StatusSubscribed
	case "past_due", "unpaid":
		if periodStarted {
			return StatusPastDue
		}
		return StatusTrialExpired
	case "canceled":
		return StatusCanceled
	case "incomplete", "incomplete_expired", "paused":
		return StatusUnsubscribed
	default:
		return StatusUnsubscribed
	}
}

// Normalized derives the canonical state of a stored subscription row.
func (s *Subscription) Normalized() NormalizedStatus {
	return NormalizeStatus(s.Status, s.CancelAtPeriodEnd, s.PeriodStarted())
}
