package authsvc

import (
	"testing"
	"time"
)

func newTestService(t *testing.T, enrollTTL, credTTL time.Duration) *Service {
	t.Helper()
	key, err := GenerateECKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return New(key, enrollTTL, credTTL)
}

func TestRedeemEnrollmentHappyPathAndDoubleRedeem(t *testing.T) {
	s := newTestService(t, 30*time.Second, time.Hour)

	et, err := s.IssueEnrollment()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cred, err := s.RedeemEnrollment(et.Token, "D1")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if cred.DeviceID != "D1" || cred.Key == "" {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	_, err = s.RedeemEnrollment(et.Token, "D1")
	if err == nil {
		t.Fatal("expected error on second redemption")
	}
	authErr, ok := err.(*Error)
	if !ok || authErr.Kind != ErrAlreadyConsumed {
		t.Fatalf("expected already_consumed, got %v", err)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	s := newTestService(t, 30*time.Second, time.Hour)
	_, err := s.RedeemEnrollment("nope", "D1")
	authErr, ok := err.(*Error)
	if !ok || authErr.Kind != ErrUnknown {
		t.Fatalf("expected unknown, got %v", err)
	}
}

func TestValidateAndRevoke(t *testing.T) {
	s := newTestService(t, 30*time.Second, time.Hour)
	et, _ := s.IssueEnrollment()
	cred, err := s.RedeemEnrollment(et.Token, "D1")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if _, err := s.Validate(cred.Key); err != nil {
		t.Fatalf("expected valid credential: %v", err)
	}

	if err := s.Revoke(cred.Key); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err = s.Validate(cred.Key)
	authErr, ok := err.(*Error)
	if !ok || authErr.Kind != ErrRevoked {
		t.Fatalf("expected revoked, got %v", err)
	}

	select {
	case ev := <-s.Revoked():
		if ev.CredID != cred.CredID {
			t.Fatalf("unexpected revoked event: %+v", ev)
		}
	default:
		t.Fatal("expected a revoked event")
	}
}

func TestRefreshExtendsExpiry(t *testing.T) {
	s := newTestService(t, 30*time.Second, time.Hour)
	et, _ := s.IssueEnrollment()
	cred, _ := s.RedeemEnrollment(et.Token, "D1")

	refreshed, err := s.Refresh(cred.Key)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !refreshed.ExpiresAt.After(cred.ExpiresAt) {
		t.Fatalf("expected extended expiry, got %v vs %v", refreshed.ExpiresAt, cred.ExpiresAt)
	}
}

func TestEnrollmentExpiryBoundary(t *testing.T) {
	s := newTestService(t, 30*time.Second, time.Hour)
	et, _ := s.IssueEnrollment()

	// Simulate expiry by directly manipulating the stored token's ExpiresAt,
	// then redeem after forcing expiry.
	s.mu.Lock()
	s.enrollments[et.Token].ExpiresAt = time.Now().Add(-time.Millisecond)
	s.mu.Unlock()

	_, err := s.RedeemEnrollment(et.Token, "D1")
	authErr, ok := err.(*Error)
	if !ok || authErr.Kind != ErrExpired {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	s := newTestService(t, 30*time.Second, time.Hour)
	et, _ := s.IssueEnrollment()
	cred, _ := s.RedeemEnrollment(et.Token, "D1")

	s.mu.Lock()
	s.credentials[cred.CredID].ExpiresAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.Sweep(time.Now())

	_, err := s.Validate(cred.Key)
	authErr, ok := err.(*Error)
	if !ok || authErr.Kind != ErrUnknown {
		t.Fatalf("expected unknown after sweep, got %v", err)
	}
}
