package authsvc

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// credentialClaims are the JWT claims embedded in a DeviceCredential's key.
// Deliberately carries no exp claim: freshness is governed entirely by the
// server-side credentials table (CredID -> DeviceCredential), so that
// refresh() can extend validity without re-signing, and revoke() takes
// effect immediately regardless of what the token itself claims. The JWT's
// only job is to prove the key names a CredID this server actually minted.
type credentialClaims struct {
	jwt.RegisteredClaims
	CredID string `json:"cred_id"`
}

// RevokedEvent is broadcast on revoke so C8 can terminate any client still
// holding the credential.
type RevokedEvent struct {
	CredID string
}

// Service is the Auth Service. All operations are serialized through a
// single mutex — the enrollment/credential tables are small and
// short-lived, so a coarse lock is simpler than per-key striping and still
// satisfies the spec's linearizability requirement.
type Service struct {
	enrollmentTTL time.Duration
	credentialTTL time.Duration
	signingKey    *ecdsa.PrivateKey

	mu          sync.Mutex
	enrollments map[string]*EnrollmentToken
	credentials map[string]*DeviceCredential

	revoked chan RevokedEvent
}

// New creates a Service. signingKey signs/verifies credential keys; pass a
// key from ParseECKeyFromEnv or GenerateECKey.
func New(signingKey *ecdsa.PrivateKey, enrollmentTTL, credentialTTL time.Duration) *Service {
	if enrollmentTTL <= 0 {
		enrollmentTTL = DefaultEnrollmentTTL
	}
	if credentialTTL <= 0 {
		credentialTTL = DefaultCredentialTTL
	}
	return &Service{
		enrollmentTTL: enrollmentTTL,
		credentialTTL: credentialTTL,
		signingKey:    signingKey,
		enrollments:   make(map[string]*EnrollmentToken),
		credentials:   make(map[string]*DeviceCredential),
		revoked:       make(chan RevokedEvent, 64),
	}
}

// Revoked returns the channel on which credential-revoked events are
// delivered to C8.
func (s *Service) Revoked() <-chan RevokedEvent {
	return s.revoked
}

// IssueEnrollment generates a cryptographically random opaque token.
func (s *Service) IssueEnrollment() (EnrollmentToken, error) {
	tok, err := randomToken(16) // 128 bits
	if err != nil {
		return EnrollmentToken{}, err
	}
	now := time.Now()
	et := &EnrollmentToken{
		Token:     tok,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.enrollmentTTL),
	}

	s.mu.Lock()
	s.enrollments[tok] = et
	s.mu.Unlock()

	return *et, nil
}

// RedeemEnrollment atomically verifies and consumes an enrollment token,
// minting a new DeviceCredential. This is the sole path by which an
// enrollment may be consumed — callers (C10 handlers) must never touch the
// enrollments table directly (spec §9 open question 2).
func (s *Service) RedeemEnrollment(token, deviceID string) (DeviceCredential, error) {
	s.mu.Lock()
	et, ok := s.enrollments[token]
	if !ok {
		s.mu.Unlock()
		return DeviceCredential{}, newError(ErrUnknown, "unknown enrollment token")
	}
	if et.Consumed {
		s.mu.Unlock()
		return DeviceCredential{}, newError(ErrAlreadyConsumed, "enrollment token already consumed")
	}
	if time.Now().After(et.ExpiresAt) {
		s.mu.Unlock()
		return DeviceCredential{}, newError(ErrExpired, "enrollment token expired")
	}
	et.Consumed = true
	s.mu.Unlock()

	cred, key, err := s.mintCredential(deviceID)
	if err != nil {
		return DeviceCredential{}, err
	}

	s.mu.Lock()
	s.credentials[cred.CredID] = cred
	s.mu.Unlock()

	out := *cred
	out.Key = key
	return out, nil
}

func (s *Service) mintCredential(deviceID string) (*DeviceCredential, string, error) {
	credID := uuid.NewString()
	now := time.Now()
	claims := credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  deviceID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		CredID: credID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return nil, "", fmt.Errorf("sign credential: %w", err)
	}

	cred := &DeviceCredential{
		Key:       signed,
		CredID:    credID,
		DeviceID:  deviceID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.credentialTTL),
	}
	return cred, signed, nil
}

// credIDFromKey verifies the JWT signature and extracts the CredID claim,
// without relying on any expiry embedded in the token itself.
func (s *Service) credIDFromKey(key string) (string, error) {
	token, err := jwt.ParseWithClaims(key, &credentialClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return &s.signingKey.PublicKey, nil
	})
	if err != nil {
		return "", newError(ErrUnknown, "malformed credential key")
	}
	claims, ok := token.Claims.(*credentialClaims)
	if !ok || !token.Valid || claims.CredID == "" {
		return "", newError(ErrUnknown, "malformed credential key")
	}
	return claims.CredID, nil
}

// Validate verifies a credential key is live: unrevoked and unexpired per
// the server-side table (invariant 4), and bumps last_used_at.
func (s *Service) Validate(key string) (DeviceCredential, error) {
	credID, err := s.credIDFromKey(key)
	if err != nil {
		return DeviceCredential{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[credID]
	if !ok {
		return DeviceCredential{}, newError(ErrUnknown, "unknown credential")
	}
	if cred.Revoked {
		return DeviceCredential{}, newError(ErrRevoked, "credential revoked")
	}
	if time.Now().After(cred.ExpiresAt) {
		return DeviceCredential{}, newError(ErrExpired, "credential expired")
	}
	now := time.Now()
	cred.LastUsedAt = &now
	out := *cred
	out.Key = key
	return out, nil
}

// Refresh extends a valid credential's expiry by credentialTTL.
func (s *Service) Refresh(key string) (DeviceCredential, error) {
	credID, err := s.credIDFromKey(key)
	if err != nil {
		return DeviceCredential{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[credID]
	if !ok {
		return DeviceCredential{}, newError(ErrUnknown, "unknown credential")
	}
	if cred.Revoked {
		return DeviceCredential{}, newError(ErrRevoked, "credential revoked")
	}
	if time.Now().After(cred.ExpiresAt) {
		return DeviceCredential{}, newError(ErrExpired, "credential expired")
	}
	cred.ExpiresAt = cred.ExpiresAt.Add(s.credentialTTL)
	out := *cred
	out.Key = key
	return out, nil
}

// Revoke marks a credential revoked; subsequent validations fail, and a
// RevokedEvent is broadcast so C8 can terminate any connected client.
func (s *Service) Revoke(key string) error {
	credID, err := s.credIDFromKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cred, ok := s.credentials[credID]
	if ok {
		cred.Revoked = true
	}
	s.mu.Unlock()

	if !ok {
		return newError(ErrUnknown, "unknown credential")
	}

	select {
	case s.revoked <- RevokedEvent{CredID: credID}:
	default:
	}
	return nil
}

// Sweep deletes expired enrollments and credentials. Called on
// DefaultSweepInterval by the composition root.
func (s *Service) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, et := range s.enrollments {
		if now.After(et.ExpiresAt) {
			delete(s.enrollments, tok)
		}
	}
	for id, cred := range s.credentials {
		if now.After(cred.ExpiresAt) {
			delete(s.credentials, id)
		}
	}
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
