package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/privatebeach/beach-manager/internal/logger"
)

// UserVerifier validates user JWTs against the identity provider's JWKS.
// The remote key set caches keys and refreshes on unknown key ids, so it
// doubles as the process-wide JWKS cache.
type UserVerifier struct {
	verifier *oidc.IDTokenVerifier
	bypass   bool
}

// NewUserVerifier builds a verifier for the configured issuer and
// audience. With bypass enabled, Verify returns a static development
// principal without touching the network; publish tokens are never
// bypassed.
func NewUserVerifier(ctx context.Context, jwksURL, issuer, audience string, bypass bool) *UserVerifier {
	if bypass {
		logger.Auth().Warn().Msg("AUTH_BYPASS enabled: user JWT verification disabled")
		return &UserVerifier{bypass: true}
	}
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	return &UserVerifier{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: audience}),
	}
}

// userClaims is the subset of the identity provider's claims the Manager
// consumes.
type userClaims struct {
	Email   string   `json:"email"`
	Beaches []string `json:"private_beaches"`
}

// Verify checks signature, issuer, audience and expiry, returning the
// user principal. Token contents are never logged.
func (v *UserVerifier) Verify(ctx context.Context, rawToken string) (*UserPrincipal, error) {
	if v.bypass {
		return &UserPrincipal{AccountID: "dev-bypass", Beaches: nil}, nil
	}

	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify user token: %w", err)
	}

	var claims userClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode user claims: %w", err)
	}

	return &UserPrincipal{
		AccountID: idToken.Subject,
		Email:     claims.Email,
		Beaches:   claims.Beaches,
	}, nil
}

// BypassMember reports whether membership checks should pass
// unconditionally. Only true in dev bypass mode, where tokens carry no
// membership claim to check.
func (v *UserVerifier) BypassMember() bool { return v.bypass }
