package sso

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/educredentials/badgekit/pkg/auth"
	"github.com/educredentials/badgekit/pkg/config"
	"github.com/educredentials/badgekit/pkg/httputil"
	"github.com/educredentials/badgekit/pkg/institution"
	"github.com/educredentials/badgekit/pkg/lti"
	"github.com/educredentials/badgekit/pkg/observability"
)

// Handlers handles federated login HTTP requests
type Handlers struct {
	provider     *Provider
	sessions     *auth.SessionStore
	users        *auth.UserStore
	tokens       *auth.TokenManager
	institutions *institution.Service
	provisioner  *Provisioner
	ltiStore     *lti.Store
	apps         *config.AppRegistry
	termsVersion int
	callbackPath string
	metrics      *observability.Metrics
	logger       *observability.Logger
}

// HandlersConfig collects the collaborators of the login flow
type HandlersConfig struct {
	Provider     *Provider
	Sessions     *auth.SessionStore
	Users        *auth.UserStore
	Tokens       *auth.TokenManager
	Institutions *institution.Service
	Provisioner  *Provisioner
	LTIStore     *lti.Store
	Apps         *config.AppRegistry
	TermsVersion int
	CallbackPath string
	Metrics      *observability.Metrics
	Logger       *observability.Logger
}

// NewHandlers creates a new login Handlers
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		provider:     cfg.Provider,
		sessions:     cfg.Sessions,
		users:        cfg.Users,
		tokens:       cfg.Tokens,
		institutions: cfg.Institutions,
		provisioner:  cfg.Provisioner,
		ltiStore:     cfg.LTIStore,
		apps:         cfg.Apps,
		termsVersion: cfg.TermsVersion,
		callbackPath: cfg.CallbackPath,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// RegisterRoutes registers login routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/account/openid/login/", h.Login).Methods("GET")
	router.HandleFunc(h.callbackPath, h.Callback).Methods("GET")
}

// Login redirects to the federation provider's authorization endpoint,
// carrying the in-progress login context in the state parameter.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.FromRequest(w, r)
	if err != nil {
		h.logger.WithError(err).Error("failed to resolve session")
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	process := r.URL.Query().Get("process")
	if process != "connect" {
		process = "login"
	}
	appID := r.URL.Query().Get("app")
	if appID == "" {
		appID = session.AppID
	}

	state := LoginState{
		Process:  process,
		AuthCode: session.AuthCode,
		AppID:    appID,
		Referer:  refererSegment(r.Header.Get("Referer")),
		Nonce:    uuid.NewString(),
	}
	if session.LTI != nil {
		state.LTIContextID = session.LTI.ContextID
		state.LTIUserID = session.LTI.UserID
		state.LTIRoles = session.LTI.Roles
	}

	session.AppID = appID
	session.LoginNonce = state.Nonce
	if err := h.sessions.Save(r.Context(), session); err != nil {
		h.logger.WithError(err).Error("failed to save session")
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	encoded, err := encodeState(&state)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode login state")
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, h.provider.AuthCodeURL(encoded), http.StatusFound)
}

// Callback completes the federated login: exchanges the code, decodes the
// identity claims, establishes or updates the local user, applies pending
// invitations, and redirects back to the front end.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	session, err := h.sessions.FromRequest(w, r)
	if err != nil {
		h.logger.WithError(err).Error("failed to resolve session")
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	// A login during an authenticated session breaks the procedure, so
	// force a logout first.
	if session.Authenticated() {
		if err := h.sessions.Logout(ctx, session); err != nil {
			h.logger.WithError(err).Error("failed to log out existing session")
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
	}

	state, err := decodeState(r.URL.Query().Get("state"))
	if err != nil || state.Nonce == "" || state.Nonce != session.LoginNonce {
		h.loginFailed(r, "invalid_state")
		h.renderAuthError(w, authError{Message: "Invalid login state, please try again"})
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.loginFailed(r, "missing_code")
		h.renderAuthError(w, authError{Message: "Server error: No userToken found in callback"})
		return
	}

	idToken, err := h.provider.Exchange(ctx, code)
	if err != nil {
		h.loginFailed(r, "token_exchange_failed")
		h.logger.WithError(err).Warn("token exchange failed")
		h.renderAuthError(w, authError{
			Message: "Server error: Token endpoint error, try alternative login methods",
		})
		return
	}

	claims, err := h.provider.DecodeClaims(idToken)
	if err != nil {
		h.loginFailed(r, "invalid_id_token")
		h.logger.WithError(err).Warn("id token decode failed")
		h.renderAuthError(w, authError{Message: "Server error: Malformed id_token, try alternative login methods"})
		return
	}
	if missing := claims.MissingRequiredClaim(); missing != "" {
		h.loginFailed(r, "missing_claim")
		message := fmt.Sprintf("Sorry, your account does not have a %s attribute. Login via %s and then try again",
			missing, h.provider.ID())
		h.logger.WithField("claim", missing).Error("required claim missing from id token")
		h.renderAuthError(w, authError{Message: message})
		return
	}

	user, created, err := h.resolveUser(r, session, state, claims)
	if err != nil {
		h.loginFailed(r, "user_resolution_failed")
		h.logger.WithError(err).Error("failed to resolve user")
		h.renderAuthError(w, authError{Message: "Server error: Could not complete login, try again later"})
		return
	}

	if failed := h.bindInstitution(r, user, claims); failed != nil {
		h.loginFailed(r, failed.outcome)
		h.renderAuthError(w, failed.authError)
		return
	}

	// Record the agreement only on first acceptance so agreed_at keeps the
	// original timestamp.
	accepted, err := h.users.HasAcceptedTerms(ctx, user.ID, h.termsVersion)
	if err != nil {
		h.logger.WithError(err).Warn("failed to check terms agreement")
	} else if !accepted {
		if err := h.users.AcceptTerms(ctx, user.ID, h.termsVersion); err != nil {
			h.logger.WithError(err).Warn("failed to record terms agreement")
		}
	}
	if err := h.users.TouchLastLogin(ctx, user.ID); err != nil {
		h.logger.WithError(err).Warn("failed to record login time")
	}

	h.recordLTILaunch(r, session, state, user)

	session.UserID = user.ID
	session.AppID = state.AppID
	session.LoginNonce = ""
	session.LTIUserID = state.LTIUserID
	session.LTIRoles = state.LTIRoles
	if err := h.sessions.Save(ctx, session); err != nil {
		h.logger.WithError(err).Error("failed to save session")
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	h.metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	h.metrics.LoginDuration.Observe(time.Since(start).Seconds())
	h.logger.FromContext(ctx).WithFields(map[string]interface{}{
		"user":    user.EntityID,
		"created": created,
	}).Info("federated login completed")

	if state.Referer == "staff" {
		http.Redirect(w, r, "/admin/", http.StatusFound)
		return
	}

	token, err := h.tokens.Issue(ctx, user.ID)
	if err != nil {
		h.logger.WithError(err).Error("failed to issue auth token")
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}

	app := h.apps.Get(state.AppID)
	if app == nil {
		h.logger.WithField("app", state.AppID).Error("no front-end app configured")
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	redirect := fmt.Sprintf("%s?authToken=%s&role=teacher", app.LoginCompleteURL, url.QueryEscape(token))
	http.Redirect(w, r, redirect, http.StatusFound)
}

// resolveUser finds the user for the asserted identity: an existing linked
// account, the pre-login token user for the connect process, or a freshly
// created record.
func (h *Handlers) resolveUser(r *http.Request, session *auth.Session, state *LoginState, claims *Claims) (*auth.User, bool, error) {
	ctx := r.Context()

	account, err := h.users.GetSocialAccount(ctx, h.provider.ID(), claims.Sub)
	if err == nil {
		user, err := h.users.GetByID(ctx, account.UserID)
		if err != nil {
			return nil, false, err
		}
		if err := h.users.LinkSocialAccount(ctx, h.provider.ID(), claims.Sub, user.ID); err != nil {
			return nil, false, err
		}
		return user, false, nil
	}
	if !errors.Is(err, auth.ErrUserNotFound) {
		return nil, false, err
	}

	if state.Process == "connect" && !session.Authenticated() && state.AuthCode != "" {
		userID, err := h.tokens.Verify(ctx, state.AuthCode)
		if err == nil {
			user, err := h.users.GetByID(ctx, userID)
			if err != nil {
				return nil, false, err
			}
			if err := h.users.LinkSocialAccount(ctx, h.provider.ID(), claims.Sub, user.ID); err != nil {
				return nil, false, err
			}
			return user, false, nil
		}
		h.logger.WithError(err).Warn("connect process with invalid pre-login token")
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	user := &auth.User{
		Username:  username,
		Email:     claims.Email,
		FirstName: claims.GivenName,
		LastName:  claims.FamilyName,
	}
	if state.AppID != "" {
		user.AppID = &state.AppID
	}
	if err := h.users.Create(ctx, user); err != nil {
		return nil, false, err
	}
	if err := h.users.LinkSocialAccount(ctx, h.provider.ID(), claims.Sub, user.ID); err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// loginFailure couples an auth-error page with its metric outcome label
type loginFailure struct {
	authError
	outcome string
}

// bindInstitution associates the user with the asserted institution and
// applies pending invitations. A nil return means the login may proceed.
func (h *Handlers) bindInstitution(r *http.Request, user *auth.User, claims *Claims) *loginFailure {
	ctx := r.Context()

	inst, err := h.institutions.GetByIdentifier(ctx, claims.SchacHomeOrganization)
	if errors.Is(err, institution.ErrNotFound) {
		return &loginFailure{
			outcome: "unknown_institution",
			authError: authError{
				Message: "Sorry, your institution has not been created yet.",
				Code:    AuthErrorRegisterWithoutInvite,
			},
		}
	}
	if err != nil {
		h.logger.WithError(err).Error("institution lookup failed")
		return &loginFailure{
			outcome:   "institution_lookup_failed",
			authError: authError{Message: "Server error: Could not complete login, try again later"},
		}
	}

	if user.Invited {
		// Invited before: re-run matching so later invitations still
		// get applied.
		provisionments, err := h.provisioner.Match(ctx, user.Email, inst.ID)
		if errors.Is(err, ErrNoProvisionment) {
			return nil
		}
		if err != nil {
			h.logger.WithError(err).Warn("provisionment matching failed")
			return nil
		}
		if err := h.provisioner.ApplyAll(ctx, provisionments, user); err != nil {
			h.logger.WithError(err).Warn("provisionment application failed")
		}
		return nil
	}

	user.InstitutionID = &inst.ID
	user.IsTeacher = true
	user.Invited = true

	provisionments, err := h.provisioner.Match(ctx, user.Email, inst.ID)
	if err != nil && !errors.Is(err, ErrNoProvisionment) {
		h.logger.WithError(err).Error("provisionment matching failed")
		return &loginFailure{
			outcome:   "provisionment_match_failed",
			authError: authError{Message: "Server error: Could not complete login, try again later"},
		}
	}
	if errors.Is(err, ErrNoProvisionment) {
		failure := &loginFailure{
			outcome: "no_invite",
			authError: authError{
				Message:    "Sorry, you can not register without an invite.",
				Code:       AuthErrorRegisterWithoutInvite,
				AdminEmail: h.institutions.AdminContact(ctx, inst.ID),
			},
		}
		// Only remove the record when it was created today, as extra
		// protection against deleting an established account.
		if user.JoinedOn(time.Now().UTC()) {
			if err := h.users.Delete(ctx, user.ID); err != nil {
				h.logger.WithError(err).Warn("failed to delete uninvited user")
			}
		}
		return failure
	}

	if err := h.users.Update(ctx, user); err != nil {
		h.logger.WithError(err).Error("failed to bind institution")
		return &loginFailure{
			outcome:   "user_update_failed",
			authError: authError{Message: "Server error: Could not complete login, try again later"},
		}
	}
	if err := h.provisioner.ApplyAll(ctx, provisionments, user); err != nil {
		h.logger.WithError(err).Error("provisionment application failed")
		return &loginFailure{
			outcome:   "provisionment_apply_failed",
			authError: authError{Message: "Server error: Could not complete login, try again later"},
		}
	}
	return nil
}

// recordLTILaunch persists the LTI tenant membership and current context
// when the login originated from an LTI launch. Failures are logged only.
func (h *Handlers) recordLTILaunch(r *http.Request, session *auth.Session, state *LoginState, user *auth.User) {
	if session.LTI == nil || session.LTI.UserID == "" {
		return
	}
	ctx := r.Context()

	isStaff := strings.Contains(strings.ToLower(session.LTI.Roles), "instructor")
	if err := h.ltiStore.UpsertUserTenant(ctx, session.LTI.UserID, user.ID, session.LTI.TenantKey, isStaff); err != nil {
		h.logger.WithError(err).Warn("failed to record lti tenant membership")
	}
	if session.LTI.ContextID != "" {
		if err := h.ltiStore.SetCurrentContext(ctx, user.ID, session.LTI.ContextID); err != nil {
			h.logger.WithError(err).Warn("failed to record current lti context")
		}
	}
}

func (h *Handlers) loginFailed(r *http.Request, outcome string) {
	h.metrics.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
	h.logger.FromContext(r.Context()).WithFields(map[string]interface{}{
		"outcome": outcome,
		"client":  httputil.ClientIP(r),
	}).Info("federated login failed")
}

// encodeState serializes the login state for the OAuth2 state parameter
func encodeState(state *LoginState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decodeState parses the state parameter, failing closed on any anomaly
func decodeState(encoded string) (*LoginState, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty state")
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed state: %w", err)
	}
	state := &LoginState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("malformed state: %w", err)
	}
	return state, nil
}

// refererSegment extracts the first path segment of the referring page, used
// to route staff logins back to the admin area.
func refererSegment(referer string) string {
	u, err := url.Parse(referer)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
