package lti

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/educredentials/badgekit/pkg/auth"
	"github.com/educredentials/badgekit/pkg/contextkeys"
	"github.com/educredentials/badgekit/pkg/httputil"
	"github.com/educredentials/badgekit/pkg/issuer"
	"github.com/educredentials/badgekit/pkg/observability"
)

// Handlers handles LTI context association HTTP requests
type Handlers struct {
	store  *Store
	badges *issuer.Store
	logger *observability.Logger
}

// NewHandlers creates a new Handlers
func NewHandlers(store *Store, badges *issuer.Store, logger *observability.Logger) *Handlers {
	return &Handlers{
		store:  store,
		badges: badges,
		logger: logger,
	}
}

// RegisterRoutes registers LTI routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/lti_edu/context/{contextID}/badgeclasses", h.ListContextBadgeClasses).Methods("GET")
	router.HandleFunc("/lti_edu/context/badgeclass", h.AddContextBadgeClass).Methods("POST")
	router.HandleFunc("/lti_edu/context/badgeclass", h.RemoveContextBadgeClass).Methods("DELETE")
	router.HandleFunc("/lti_edu/currentcontext", h.GetCurrentContext).Methods("GET")
}

func authUser(r *http.Request) *auth.User {
	authCtx, ok := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	if !ok || authCtx == nil || authCtx.User == nil {
		return nil
	}
	return authCtx.User
}

// ListContextBadgeClasses returns the badge classes linked to an LTI
// course context.
func (h *Handlers) ListContextBadgeClasses(w http.ResponseWriter, r *http.Request) {
	if authUser(r) == nil {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	contextID := mux.Vars(r)["contextID"]
	associations, err := h.store.ListBadgeClassesForContext(r.Context(), contextID)
	if err != nil {
		h.logger.WithError(err).Error("failed to list context badge classes")
		httputil.WriteInternalError(w, err)
		return
	}
	if associations == nil {
		associations = []*ContextBadgeClass{}
	}
	httputil.WriteSuccess(w, associations)
}

type contextBadgeClassRequest struct {
	ContextID          string `json:"contextId"`
	BadgeClassEntityID string `json:"badgeClassEntityId"`
}

// AddContextBadgeClass links a badge class to an LTI course context
func (h *Handlers) AddContextBadgeClass(w http.ResponseWriter, r *http.Request) {
	if authUser(r) == nil {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req contextBadgeClassRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ContextID == "" || req.BadgeClassEntityID == "" {
		httputil.WriteBadRequest(w, "contextId and badgeClassEntityId are required")
		return
	}

	badgeClass, err := h.badges.GetByEntityID(r.Context(), req.BadgeClassEntityID)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.WriteNotFoundError(w, "Badge class not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to load badge class")
		httputil.WriteInternalError(w, err)
		return
	}

	if err := h.store.AddBadgeClassToContext(r.Context(), req.ContextID, badgeClass.ID); err != nil {
		h.logger.WithError(err).Error("failed to add badge class to context")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, "Succesfully added badgeclass")
}

// RemoveContextBadgeClass unlinks a badge class from an LTI course context
func (h *Handlers) RemoveContextBadgeClass(w http.ResponseWriter, r *http.Request) {
	if authUser(r) == nil {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req contextBadgeClassRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	badgeClass, err := h.badges.GetByEntityID(r.Context(), req.BadgeClassEntityID)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.WriteNotFoundError(w, "Badge class not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to load badge class")
		httputil.WriteInternalError(w, err)
		return
	}

	err = h.store.RemoveBadgeClassFromContext(r.Context(), req.ContextID, badgeClass.ID)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.WriteNotFoundError(w, "Association not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to remove badge class from context")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, "Succesfully deleted badgeclass")
}

type currentContextResponse struct {
	LoggedIn   bool    `json:"loggedin"`
	LtiContext *string `json:"lticontext"`
}

// GetCurrentContext reports the requester's last launched LTI context.
// Anonymous requests and lookup failures both yield a null context rather
// than an error, so front ends can poll this unconditionally.
func (h *Handlers) GetCurrentContext(w http.ResponseWriter, r *http.Request) {
	resp := currentContextResponse{}
	user := authUser(r)
	if user != nil {
		resp.LoggedIn = true
		contextID, err := h.store.GetCurrentContext(r.Context(), user.ID)
		if err == nil {
			resp.LtiContext = &contextID
		} else if !errors.Is(err, sql.ErrNoRows) {
			h.logger.WithError(err).Warn("failed to load current lti context")
		}
	}
	httputil.WriteSuccess(w, resp)
}
