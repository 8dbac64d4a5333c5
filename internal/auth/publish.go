package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/privatebeach/beach-manager/internal/models"
)

// PublishTokenTTL bounds publish token lifetime. Tokens are re-minted on
// attach transitions, lease renewals, and the rotation cron.
const PublishTokenTTL = 30 * time.Minute

// PublishTokens mints and verifies the session-scoped bearer tokens
// hosts use to publish state and health. Verification is strict even in
// dev bypass mode: signature, expiry, and the sid claim must all hold.
type PublishTokens struct {
	secret []byte
}

// NewPublishTokens creates a minter over the server-side HMAC secret.
func NewPublishTokens(secret string) *PublishTokens {
	return &PublishTokens{secret: []byte(secret)}
}

type publishClaims struct {
	SID    string   `json:"sid"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Mint issues a publish token scoped to exactly one session.
func (p *PublishTokens) Mint(sessionID string) (models.PublishTokenGrant, error) {
	now := time.Now()
	expires := now.Add(PublishTokenTTL)
	scopes := []string{ScopePublishState, ScopePublishHealth, ScopeAttachSelf}

	claims := publishClaims{
		SID:    sessionID,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    "beach-manager",
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return models.PublishTokenGrant{}, fmt.Errorf("sign publish token: %w", err)
	}

	return models.PublishTokenGrant{
		Token:       signed,
		ExpiresAtMS: expires.UnixMilli(),
		Scopes:      scopes,
	}, nil
}

// Verify checks the token and returns the harness principal. The caller
// must still compare the principal's SessionID against the route.
func (p *PublishTokens) Verify(raw string) (*HarnessPrincipal, error) {
	var claims publishClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("verify publish token: %w", err)
	}
	if !token.Valid || claims.SID == "" {
		return nil, fmt.Errorf("publish token invalid")
	}
	return &HarnessPrincipal{SessionID: claims.SID, Scopes: claims.Scopes}, nil
}
