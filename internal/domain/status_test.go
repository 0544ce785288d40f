package domain

import (
	"testing"
	"time"
)

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		name              string
		providerStatus    string
		cancelAtPeriodEnd bool
		periodStarted     bool
		want              NormalizedStatus
	}{
		{"trialing", "trialing", false, false, StatusTrialing},
		{"trialing with pending cancel", "trialing", true, false, StatusTrialing},
		{"active", "active", false, true, StatusSubscribed},
		{"active pending cancel stays subscribed", "active", true, true, StatusSubscribed},
		{"past_due after paid period", "past_due", false, true, StatusPastDue},
		{"past_due without any paid period is a lapsed trial", "past_due", false, false, StatusTrialExpired},
		{"unpaid after paid period", "unpaid", false, true, StatusPastDue},
		{"unpaid without paid period", "unpaid", false, false, StatusTrialExpired},
		{"canceled", "canceled", false, true, StatusCanceled},
		{"incomplete", "incomplete", false, false, StatusUnsubscribed},
		{"incomplete_expired", "incomplete_expired", false, false, StatusUnsubscribed},
		{"paused", "paused", false, true, StatusUnsubscribed},
		{"unknown provider status", "some_future_status", false, true, StatusUnsubscribed},
		{"empty provider status", "", false, false, StatusUnsubscribed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeStatus(tc.providerStatus, tc.cancelAtPeriodEnd, tc.periodStarted)
			if got != tc.want {
				t.Fatalf("NormalizeStatus(%q, %v, %v) = %q, want %q",
					tc.providerStatus, tc.cancelAtPeriodEnd, tc.periodStarted, got, tc.want)
			}
		})
	}
}

func TestNormalizedStatus_Active(t *testing.T) {
	active := []NormalizedStatus{StatusTrialing, StatusSubscribed}
	inactive := []NormalizedStatus{StatusTrialExpired, StatusPastDue, StatusCanceled, StatusUnsubscribed}

	for _, s := range active {
		if !s.Active() {
			t.Fatalf("%q should be active", s)
		}
	}
	for _, s := range inactive {
		if s.Active() {
			t.Fatalf("%q should not be active", s)
		}
	}
}

func TestSubscription_Normalized(t *testing.T) {
	start := time.Now().Add(-24 * time.Hour)

	paid := &Subscription{Status: "past_due", CurrentPeriodStart: &start}
	if got := paid.Normalized(); got != StatusPastDue {
		t.Fatalf("got %q, want past_due", got)
	}

	trial := &Subscription{Status: "past_due"}
	if got := trial.Normalized(); got != StatusTrialExpired {
		t.Fatalf("got %q, want trial_expired", got)
	}
}

func TestVerificationToken_Active(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Minute)

	tok := &VerificationToken{ExpiresAt: exp}
	if !tok.Active(now) {
		t.Fatalf("fresh token should be active")
	}
	// Exactly at expiry counts as expired.
	if tok.Active(exp) {
		t.Fatalf("token at its expiry instant must be inactive")
	}
	if tok.Active(exp.Add(time.Second)) {
		t.Fatalf("token past expiry must be inactive")
	}

	consumed := now
	tok = &VerificationToken{ExpiresAt: exp, ConsumedAt: &consumed}
	if tok.Active(now) {
		t.Fatalf("consumed token must be inactive")
	}
}

func TestChannel_Valid(t *testing.T) {
	if !ChannelTelegram.Valid() || !ChannelWhatsApp.Valid() {
		t.Fatalf("supported channels must be valid")
	}
	if Channel("sms").Valid() || Channel("").Valid() {
		t.Fatalf("unsupported channels must be invalid")
	}
}
