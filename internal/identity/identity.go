// Package identity verifies bearer tokens (OIDC or a development HMAC
// mode) and answers role-membership questions for authorization checks.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is a member of the ordered role set: admin implies all, approver
// can submit approval decisions, viewer can call the simulator and read
// metrics.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleApprover Role = "approver"
	RoleViewer   Role = "viewer"
)

// ErrUnauthorized is returned when a bearer token fails verification.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the verified principal behind a request.
type Identity struct {
	Subject string
	Tenant  string
	Roles   []Role
}

// HasRole reports whether the identity holds role, honoring admin's
// implicit superset.
func (id Identity) HasRole(role Role) bool {
	for _, r := range id.Roles {
		if r == RoleAdmin || r == role {
			return true
		}
	}
	return false
}

// Claims is the JWT claim set this gateway understands, covering both
// OIDC tokens and the development HMAC mode.
type Claims struct {
	jwt.RegisteredClaims
	Tenant string   `json:"tenant"`
	Roles  []string `json:"roles"`
}

// KeyFunc resolves the key used to verify a token's signature, given its
// claims (so a JWKS-backed implementation can pick the key by `kid`).
type KeyFunc func(ctx context.Context, token *jwt.Token) (interface{}, error)

// Verifier verifies bearer tokens against a configured issuer/audience
// and a key source (JWKS in OIDC mode, a shared secret in dev mode).
type Verifier struct {
	issuer   string
	audience string
	keyFunc  KeyFunc
}

// NewOIDCVerifier constructs a Verifier that resolves keys via keyFunc
// (typically backed by a JWKS cache) and checks iss/aud/exp/nbf.
func NewOIDCVerifier(issuer, audience string, keyFunc KeyFunc) *Verifier {
	return &Verifier{issuer: issuer, audience: audience, keyFunc: keyFunc}
}

// NewDevVerifier constructs a Verifier for the development HMAC mode: a
// single shared secret, no JWKS fetch.
func NewDevVerifier(issuer, secret string) *Verifier {
	key := []byte(secret)
	return &Verifier{
		issuer: issuer,
		keyFunc: func(_ context.Context, token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return key, nil
		},
	}
}

// Verify parses and validates raw as a bearer token, checking signature,
// issuer, audience (when configured), and standard time claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return v.keyFunc(ctx, t)
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	roles := make([]Role, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		roles = append(roles, Role(r))
	}
	return Identity{
		Subject: claims.Subject,
		Tenant:  claims.Tenant,
		Roles:   roles,
	}, nil
}

// IssueDevToken mints a short-lived HMAC token for local/dev use, mirroring
// the shape Verify expects. Not used in OIDC mode.
func IssueDevToken(secret, issuer, subject, tenant string, roles []Role, ttl time.Duration) (string, error) {
	roleStrs := make([]string, 0, len(roles))
	for _, r := range roles {
		roleStrs = append(roleStrs, string(r))
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Tenant: tenant,
		Roles:  roleStrs,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
