// Package requestctx carries the authenticated caller through request
// contexts.
package requestctx

import "context"

type userContextKey struct{}

// User is the caller resolved from the access token.
type User struct {
	ID   string
	Name string
}

// WithUser stores the caller in context.
func WithUser(ctx context.Context, user User) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the caller stored in context.
func UserFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return User{}, false
	}
	user, ok := ctx.Value(userContextKey{}).(User)
	return user, ok && user.ID != ""
}

// UserIDFromContext returns the caller's id, or "" when unauthenticated.
func UserIDFromContext(ctx context.Context) string {
	user, _ := UserFromContext(ctx)
	return user.ID
}
