package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/educredentials/badgekit/pkg/auth"
	"github.com/educredentials/badgekit/pkg/contextkeys"
)

// AuthMiddleware resolves the requester to a user, from a bearer token or
// the browser session. With optional set, anonymous requests pass through
// without an auth context.
type AuthMiddleware struct {
	tokens   *auth.TokenManager
	sessions *auth.SessionStore
	users    *auth.UserStore
	optional bool
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokens *auth.TokenManager, sessions *auth.SessionStore, users *auth.UserStore, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:   tokens,
		sessions: sessions,
		users:    users,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := m.resolveUserID(r)
		if !ok {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			m.unauthorizedResponse(w, "authentication required")
			return
		}

		user, err := m.users.GetByID(r.Context(), userID)
		if err != nil {
			m.unauthorizedResponse(w, "invalid or expired credentials")
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), &auth.AuthContext{User: user})
		ctx = contextkeys.WithUserID(ctx, strconv.FormatInt(user.ID, 10))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveUserID extracts the authenticated user id from a bearer token,
// falling back to the session cookie.
func (m *AuthMiddleware) resolveUserID(r *http.Request) (int64, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return 0, false
		}
		userID, err := m.tokens.Verify(r.Context(), parts[1])
		if err != nil {
			return 0, false
		}
		return userID, true
	}

	if cookie, err := r.Cookie(auth.SessionCookie); err == nil && cookie.Value != "" {
		session, err := m.sessions.Get(r.Context(), cookie.Value)
		if err == nil && session.Authenticated() {
			return session.UserID, true
		}
	}
	return 0, false
}

func (m *AuthMiddleware) unauthorizedResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

// GetAuthContext extracts auth context from a request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, ok := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}
