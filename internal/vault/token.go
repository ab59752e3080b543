package vault

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the OIDC identity carried by an ID token. (Issuer, Subject)
// is the unique account key; Email seeds the primary address on first
// contact.
type Identity struct {
	Issuer  string
	Subject string
	Email   string
}

// ParseIdentity extracts the identity claims from an OIDC ID token.
// Signature and audience validation happen at the HTTP edge before the
// token reaches the core; this only maps an already-validated token to
// the account key used for provisioning.
func ParseIdentity(raw string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %v", err)
	}

	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return nil, fmt.Errorf("token has no issuer")
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	email, _ := claims["email"].(string)

	return &Identity{Issuer: issuer, Subject: subject, Email: email}, nil
}
