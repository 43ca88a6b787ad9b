package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/educredentials/badgekit/pkg/auth"
	"github.com/educredentials/badgekit/pkg/contextkeys"
	"github.com/educredentials/badgekit/pkg/httputil"
	"github.com/educredentials/badgekit/pkg/issuer"
	"github.com/educredentials/badgekit/pkg/observability"
)

// Notifier delivers enrollment lifecycle emails. Delivery failures are
// logged but never fail the request.
type Notifier interface {
	EnrollmentRequested(ctx context.Context, user *auth.User, badgeClass *issuer.BadgeClass) error
	EnrollmentDenied(ctx context.Context, user *auth.User, badgeClass *issuer.BadgeClass) error
}

// Handlers handles enrollment lifecycle HTTP requests
type Handlers struct {
	store    *Store
	badges   *issuer.Store
	cache    *issuer.Cache
	users    *auth.UserStore
	notifier Notifier
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewHandlers creates a new Handlers
func NewHandlers(store *Store, badges *issuer.Store, cache *issuer.Cache, users *auth.UserStore, notifier Notifier, metrics *observability.Metrics, logger *observability.Logger) *Handlers {
	return &Handlers{
		store:    store,
		badges:   badges,
		cache:    cache,
		users:    users,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// RegisterRoutes registers enrollment routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/lti_edu/student/enrollments", h.ListEnrollments).Methods("GET")
	router.HandleFunc("/lti_edu/student/enrollments", h.WithdrawEnrollment).Methods("DELETE")
	router.HandleFunc("/lti_edu/enroll", h.CreateEnrollment).Methods("POST")
	router.HandleFunc("/lti_edu/enrollment/{entityID}/deny", h.DenyEnrollment).Methods("PUT")
	router.HandleFunc("/lti_edu/badgeclass/{slug}/enrollments", h.ListPendingEnrollments).Methods("GET")
}

func authUser(r *http.Request) *auth.User {
	authCtx, ok := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	if !ok || authCtx == nil || authCtx.User == nil {
		return nil
	}
	return authCtx.User
}

// ListEnrollments returns the requester's own enrollments, annotated with
// badge class name and identifier.
func (h *Handlers) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	user := authUser(r)
	if user == nil {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	enrollments, err := h.store.ListByUser(r.Context(), user.ID)
	if err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to list enrollments")
		httputil.WriteInternalError(w, err)
		return
	}
	if enrollments == nil {
		enrollments = []*WithRelations{}
	}
	httputil.WriteSuccess(w, enrollments)
}

type withdrawRequest struct {
	EnrollmentID string `json:"enrollmentID"`
}

// WithdrawEnrollment deletes the requester's own pending enrollment.
// Only the owner may withdraw, and never after an award.
func (h *Handlers) WithdrawEnrollment(w http.ResponseWriter, r *http.Request) {
	user := authUser(r)
	if user == nil {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req withdrawRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}
	if _, err := uuid.Parse(req.EnrollmentID); err != nil {
		httputil.WriteAPIError(w, httputil.BadRequestError(CodeInvalidEnrollmentID, "Invalid enrollment id"))
		return
	}

	enrollment, err := h.store.GetByEntityID(r.Context(), req.EnrollmentID)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.WriteAPIError(w, httputil.BadRequestError(CodeEnrollmentNotFound, "Enrollment not found"))
		return
	}
	if err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to load enrollment")
		httputil.WriteInternalError(w, err)
		return
	}

	// Ownership is checked before the awarded state so a foreign
	// identifier never leaks whether the enrollment was awarded.
	if enrollment.UserID != user.ID {
		httputil.WriteAPIError(w, httputil.BadRequestError(CodeNotOwner, "Users can only withdraw their own enrollments"))
		return
	}
	if enrollment.Awarded() {
		httputil.WriteAPIError(w, httputil.BadRequestError(CodeWithdrawAwarded, "Awarded enrollments cannot be withdrawn"))
		return
	}

	if err := h.store.Delete(r.Context(), enrollment.ID); err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to withdraw enrollment")
		httputil.WriteInternalError(w, err)
		return
	}
	h.metrics.EnrollmentTransitionsTotal.WithLabelValues("withdrawn").Inc()
	h.invalidateViews(r.Context(), enrollment.BadgeClassID)

	httputil.WriteSuccess(w, "Enrollment withdrawn")
}

type createRequest struct {
	BadgeClassSlug string `json:"badgeclass_slug"`
}

type createResponse struct {
	Status   string `json:"status"`
	EntityID string `json:"entity_id"`
}

// CreateEnrollment records a self-enrollment request for a badge class.
// Requires prior acceptance of the badge class terms; duplicate open
// requests and enrollments for already-held badges are rejected.
func (h *Handlers) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	user := authUser(r)
	if user == nil {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req createRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.BadgeClassSlug == "" {
		httputil.WriteAPIError(w, httputil.BadRequestError(CodeMissingBadgeClass, "Missing badgeclass id"))
		return
	}

	badgeClass, err := h.badges.GetByEntityID(r.Context(), req.BadgeClassSlug)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.WriteNotFoundError(w, "Badge class not found")
		return
	}
	if err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to load badge class")
		httputil.WriteInternalError(w, err)
		return
	}

	accepted, err := h.badges.TermsAccepted(r.Context(), badgeClass.ID, user.ID)
	if err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to check badge class terms")
		httputil.WriteInternalError(w, err)
		return
	}
	if !accepted {
		httputil.WriteAPIError(w, httputil.BadRequestError(CodeTermsNotAccepted, "Cannot enroll, must accept terms first"))
		return
	}

	if err := h.mayEnroll(r.Context(), badgeClass.ID, user.ID); err != nil {
		httputil.WriteAPIError(w, err)
		return
	}

	enrollment, err := h.store.Create(r.Context(), badgeClass.ID, user.ID, time.Now())
	if err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to create enrollment")
		httputil.WriteInternalError(w, err)
		return
	}
	h.metrics.EnrollmentTransitionsTotal.WithLabelValues("created").Inc()
	h.invalidateViews(r.Context(), badgeClass.ID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.notifier.EnrollmentRequested(ctx, user, badgeClass); err != nil {
			h.logger.WithError(err).WithField("enrollment", enrollment.EntityID).
				Warn("failed to send enrollment confirmation email")
		}
	}()

	httputil.WriteCreated(w, createResponse{Status: "enrolled", EntityID: enrollment.EntityID})
}

// mayEnroll checks eligibility beyond terms acceptance
func (h *Handlers) mayEnroll(ctx context.Context, badgeClassID, userID int64) error {
	open, err := h.store.HasOpenEnrollment(ctx, badgeClassID, userID)
	if err != nil {
		return err
	}
	if open {
		return httputil.BadRequestError(CodeCannotEnroll, "Cannot enroll")
	}
	holds, err := h.store.HoldsBadge(ctx, badgeClassID, userID)
	if err != nil {
		return err
	}
	if holds {
		return httputil.BadRequestError(CodeCannotEnroll, "Cannot enroll")
	}
	return nil
}

// DenyEnrollment marks a pending enrollment as denied. Requires award
// permission on the badge class; awarded and already-denied enrollments
// are terminal.
func (h *Handlers) DenyEnrollment(w http.ResponseWriter, r *http.Request) {
	user := authUser(r)
	if user == nil {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	entityID := mux.Vars(r)["entityID"]
	enrollment, err := h.store.GetByEntityID(r.Context(), entityID)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.WriteAPIError(w, httputil.BadRequestError(CodeEnrollmentNotFound, "Enrollment not found"))
		return
	}
	if err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to load enrollment")
		httputil.WriteInternalError(w, err)
		return
	}

	mayAward, err := h.badges.MayAward(r.Context(), enrollment.BadgeClassID, user.ID)
	if err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to check award permission")
		httputil.WriteInternalError(w, err)
		return
	}
	if !mayAward {
		httputil.WriteAPIError(w, httputil.BadRequestError(CodeNoPermission, "You do not have permission"))
		return
	}
	if enrollment.Denied {
		httputil.WriteAPIError(w, httputil.BadRequestError(CodeAlreadyDenied, "Enrollment already denied"))
		return
	}
	if enrollment.Awarded() {
		httputil.WriteAPIError(w, httputil.BadRequestError(CodeDenyAwarded, "Awarded enrollments cannot be denied"))
		return
	}

	if err := h.store.MarkDenied(r.Context(), enrollment.ID); err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to deny enrollment")
		httputil.WriteInternalError(w, err)
		return
	}
	h.metrics.EnrollmentTransitionsTotal.WithLabelValues("denied").Inc()
	h.invalidateViews(r.Context(), enrollment.BadgeClassID)

	student, err := h.users.GetByID(r.Context(), enrollment.UserID)
	if err != nil {
		h.logger.WithError(err).WithField("enrollment", enrollment.EntityID).
			Warn("failed to load student for denial email")
	} else {
		badgeClass, err := h.badges.GetByID(r.Context(), enrollment.BadgeClassID)
		if err != nil {
			h.logger.WithError(err).Warn("failed to load badge class for denial email")
		} else {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := h.notifier.EnrollmentDenied(ctx, student, badgeClass); err != nil {
					h.logger.WithError(err).WithField("enrollment", enrollment.EntityID).
						Warn("failed to send denial email")
				}
			}()
		}
	}

	httputil.WriteSuccess(w, "Succesfully denied enrollment")
}

// ListPendingEnrollments returns the open enrollment requests for a badge
// class, served from the derived-view cache when fresh. Staff only.
func (h *Handlers) ListPendingEnrollments(w http.ResponseWriter, r *http.Request) {
	user := authUser(r)
	if user == nil {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	slug := mux.Vars(r)["slug"]
	badgeClass, err := h.badges.GetByEntityID(r.Context(), slug)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.WriteNotFoundError(w, "Badge class not found")
		return
	}
	if err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to load badge class")
		httputil.WriteInternalError(w, err)
		return
	}

	mayAward, err := h.badges.MayAward(r.Context(), badgeClass.ID, user.ID)
	if err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to check award permission")
		httputil.WriteInternalError(w, err)
		return
	}
	if !mayAward {
		httputil.WriteForbidden(w, "You do not have permission")
		return
	}

	includeDenied := r.URL.Query().Get("include_denied") == "true"
	view := issuer.ViewPendingEnrollments
	if includeDenied {
		view = issuer.ViewPendingEnrollmentsIncludingDenied
	}

	var enrollments []*Enrollment
	hit, err := h.cache.GetView(r.Context(), badgeClass.ID, view, &enrollments)
	if err != nil {
		h.logger.WithError(err).Warn("derived view cache read failed")
	}
	if hit {
		h.metrics.CacheHitsTotal.WithLabelValues(string(view)).Inc()
		httputil.WriteSuccess(w, enrollments)
		return
	}
	h.metrics.CacheMissesTotal.WithLabelValues(string(view)).Inc()

	enrollments, err = h.store.ListPendingForBadgeClass(r.Context(), badgeClass.ID, includeDenied)
	if err != nil {
		h.logger.FromContext(r.Context()).WithError(err).Error("failed to list pending enrollments")
		httputil.WriteInternalError(w, err)
		return
	}
	if enrollments == nil {
		enrollments = []*Enrollment{}
	}
	if err := h.cache.SetView(r.Context(), badgeClass.ID, view, enrollments); err != nil {
		h.logger.WithError(err).Warn("derived view cache write failed")
	}
	httputil.WriteSuccess(w, enrollments)
}

// invalidateViews drops both derived enrollment views for a badge class.
// Invalidation is at-least-once: a failure is logged, and the short view
// TTL bounds staleness.
func (h *Handlers) invalidateViews(ctx context.Context, badgeClassID int64) {
	if err := h.cache.InvalidateBadgeClass(ctx, badgeClassID); err != nil {
		h.logger.FromContext(ctx).WithError(err).WithField("badge_class_id", badgeClassID).
			Warn("failed to invalidate derived enrollment views")
	}
	h.metrics.CacheInvalidationsTotal.WithLabelValues("badge_class").Inc()
}
