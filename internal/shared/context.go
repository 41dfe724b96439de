package shared

import "context"

// AuthContext identifies the authenticated platform user behind a request.
type AuthContext struct {
	PartnerID int64  `json:"partner_id"`
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email"`
}

type authContextKey struct{}

// ContextWithAuth stores the authentication context in ctx.
func ContextWithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// AuthFromContext extracts the authentication context, or nil when absent.
func AuthFromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
