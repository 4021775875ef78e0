package auth

import (
	"context"
	"net/http"
	"strings"
)

// TokenFromRequest extracts the bearer credential from the Authorization
// header, falling back to the "token" and "auth" query parameters that
// browser websocket clients use.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	q := r.URL.Query()
	if t := strings.TrimSpace(q.Get("token")); t != "" {
		return t
	}
	t := strings.TrimSpace(q.Get("auth"))
	return strings.TrimPrefix(strings.TrimPrefix(t, "Bearer "), "bearer ")
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}
