// Package auth verifies bearer credentials for the Manager.
//
// Two disjoint principal kinds flow through the API and are never
// merged: users (JWTs minted by the identity provider, bounded by beach
// membership) and harnesses (publish tokens minted by the Manager,
// bounded to a single session id). Routes that accept either must check
// which kind they received.
package auth

// UserPrincipal is a caller authenticated by a user JWT.
type UserPrincipal struct {
	AccountID string
	Email     string
	// Beaches lists private beach ids the account is a member of, from
	// the token's membership claim.
	Beaches []string
}

// Member reports whether the user may address the given private beach.
func (u *UserPrincipal) Member(privateBeachID string) bool {
	for _, b := range u.Beaches {
		if b == privateBeachID {
			return true
		}
	}
	return false
}

// HarnessPrincipal is a caller authenticated by a publish token. It may
// only act on its own session id, regardless of any other claim.
type HarnessPrincipal struct {
	SessionID string
	Scopes    []string
}

// HasScope reports whether the publish token carries the given scope.
func (h *HarnessPrincipal) HasScope(scope string) bool {
	for _, s := range h.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Publish token scopes.
const (
	ScopePublishState  = "state:publish"
	ScopePublishHealth = "health:publish"
	ScopeAttachSelf    = "attach:self"
)
