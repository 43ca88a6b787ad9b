package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// SessionCookie is the session cookie name
const SessionCookie = "badgekit_session"

// DefaultSessionTTL bounds how long an idle session survives
const DefaultSessionTTL = 12 * time.Hour

// LTIPayload is the pending LTI launch data carried in the session while the
// user completes federated login.
type LTIPayload struct {
	ContextID string `json:"lti_context_id"`
	UserID    string `json:"lti_user_id"`
	Roles     string `json:"lti_roles"`
	TenantKey string `json:"lti_tenant"`
}

// Session is the server-side per-browser state. UserID 0 means anonymous.
type Session struct {
	ID        string      `json:"id"`
	UserID    int64       `json:"user_id"`
	AppID     string      `json:"app_id,omitempty"`
	AuthCode  string      `json:"auth_code,omitempty"` // pre-login auth token for the connect process
	LTI       *LTIPayload `json:"lti,omitempty"`
	LTIUserID string      `json:"lti_user_id,omitempty"`
	LTIRoles  string      `json:"lti_roles,omitempty"`

	// LoginNonce is the anti-forgery code for an in-flight federated
	// login, cleared when the callback completes.
	LoginNonce string `json:"login_nonce,omitempty"`
}

// Authenticated reports whether the session carries a logged-in user
func (s *Session) Authenticated() bool {
	return s.UserID != 0
}

// SessionStore keeps sessions in Redis
type SessionStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSessionStore creates a Redis-backed session store
func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{redis: client, ttl: DefaultSessionTTL}
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

// Get retrieves a session by id; unknown ids return a fresh anonymous session
// with that id so callers can save state onto it.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.redis.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return &Session{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}

	session := &Session{}
	if err := json.Unmarshal([]byte(data), session); err != nil {
		// Corrupt entry: discard it rather than poisoning the request
		s.redis.Del(ctx, sessionKey(id))
		return &Session{ID: id}, nil
	}
	return session, nil
}

// Save persists a session, refreshing its TTL
func (s *SessionStore) Save(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.redis.Set(ctx, sessionKey(session.ID), data, s.ttl).Err()
}

// Delete removes a session
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	return s.redis.Del(ctx, sessionKey(id)).Err()
}

// Logout clears the authenticated user from a session but keeps the login
// bookkeeping (app id, LTI payload) so an in-progress federated login is not
// corrupted by a forced logout.
func (s *SessionStore) Logout(ctx context.Context, session *Session) error {
	session.UserID = 0
	return s.Save(ctx, session)
}

// FromRequest resolves the request's session, creating one (and setting the
// cookie) when none exists.
func (s *SessionStore) FromRequest(w http.ResponseWriter, r *http.Request) (*Session, error) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return s.Get(r.Context(), cookie.Value)
	}

	session := &Session{ID: uuid.NewString()}
	if err := s.Save(r.Context(), session); err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.ttl / time.Second),
	})
	return session, nil
}
