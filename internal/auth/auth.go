// Package auth identifies the human approving or rejecting a remediation.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const DevApproverHeader = "X-Dev-Approver"

var ErrUnauthenticated = errors.New("approver authentication required")

type Config struct {
	// HMACSecret signs approver tokens (HS256).
	HMACSecret string
	// Scope must appear in the token's scope claim or roles.
	Scope  string
	Issuer string
	// AllowDevApprover trusts DevApproverHeader. Never enable outside local
	// development.
	AllowDevApprover bool
}

type Verifier struct {
	cfg Config
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.HMACSecret == "" && !cfg.AllowDevApprover {
		return nil, errors.New("auth: approver secret is required unless dev approver is allowed")
	}
	return &Verifier{cfg: cfg}, nil
}

// Approver returns the verified identity behind the request.
func (v *Verifier) Approver(r *http.Request) (string, error) {
	if v.cfg.AllowDevApprover {
		if who := strings.TrimSpace(r.Header.Get(DevApproverHeader)); who != "" {
			return who, nil
		}
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrUnauthenticated
	}
	return v.VerifyToken(strings.TrimPrefix(header, "Bearer "))
}

// VerifyToken checks signature, expiry, issuer and scope and returns the
// subject.
func (v *Verifier) VerifyToken(raw string) (string, error) {
	if v.cfg.HMACSecret == "" {
		return "", fmt.Errorf("%w: no approver secret configured", ErrUnauthenticated)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.HMACSecret), nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	if v.cfg.Scope != "" && !hasScope(claims, v.cfg.Scope) {
		return "", fmt.Errorf("%w: missing scope %q", ErrUnauthenticated, v.cfg.Scope)
	}
	return sub, nil
}

func hasScope(claims jwt.MapClaims, want string) bool {
	if scope, ok := claims["scope"].(string); ok && slices.Contains(strings.Fields(scope), want) {
		return true
	}
	roles, _ := claims["roles"].([]any)
	for _, r := range roles {
		if s, ok := r.(string); ok && s == want {
			return true
		}
	}
	return false
}

// IssueToken signs an approver token. Used by tooling and tests.
func IssueToken(secret string, claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
