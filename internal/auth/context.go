// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the verified token subject

package auth

import (
	"context"
	"time"
)

// AuthContext holds the identity extracted from a verified bearer token.
type AuthContext struct {
	Subject    string // operator name from the token "sub" claim
	VerifiedAt time.Time
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// SubjectFromContext returns the authenticated subject, or "" for
// unauthenticated requests.
func SubjectFromContext(ctx context.Context) string {
	if auth := FromContext(ctx); auth != nil {
		return auth.Subject
	}
	return ""
}
