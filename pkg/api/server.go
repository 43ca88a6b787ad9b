package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/educredentials/badgekit/pkg/auth"
	"github.com/educredentials/badgekit/pkg/config"
	"github.com/educredentials/badgekit/pkg/enrollment"
	"github.com/educredentials/badgekit/pkg/httputil"
	"github.com/educredentials/badgekit/pkg/institution"
	"github.com/educredentials/badgekit/pkg/issuer"
	"github.com/educredentials/badgekit/pkg/lti"
	"github.com/educredentials/badgekit/pkg/middleware"
	"github.com/educredentials/badgekit/pkg/observability"
	"github.com/educredentials/badgekit/pkg/sso"
)

// Server represents our API server
type Server struct {
	router  *mux.Router
	db      *sql.DB
	redis   *redis.Client
	metrics *observability.Metrics
	logger  *observability.Logger
}

// Dependencies collects the externally constructed collaborators of the
// server. Stores and handlers are built internally from these.
type Dependencies struct {
	DB       *sql.DB
	Redis    *redis.Client
	Provider *sso.Provider
	Apps     *config.AppRegistry
	Notifier enrollment.Notifier
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		db:      deps.DB,
		redis:   deps.Redis,
		metrics: deps.Metrics,
		logger:  deps.Logger,
	}

	users := auth.NewUserStore(deps.DB)
	tokens := auth.NewTokenManager(deps.DB)
	sessions := auth.NewSessionStore(deps.Redis)
	institutions := institution.NewService(deps.DB, deps.Redis)
	badges := issuer.NewStore(deps.DB)
	badgeCache := issuer.NewCache(deps.Redis)

	ltiStore := lti.NewStore(deps.DB)

	ssoHandlers := sso.NewHandlers(sso.HandlersConfig{
		Provider:     deps.Provider,
		Sessions:     sessions,
		Users:        users,
		Tokens:       tokens,
		Institutions: institutions,
		Provisioner:  sso.NewProvisioner(deps.DB),
		LTIStore:     ltiStore,
		Apps:         deps.Apps,
		TermsVersion: cfg.TermsVersion,
		CallbackPath: cfg.OIDC.CallbackPath,
		Metrics:      deps.Metrics,
		Logger:       deps.Logger,
	})

	enrollmentHandlers := enrollment.NewHandlers(
		enrollment.NewStore(deps.DB), badges, badgeCache, users,
		deps.Notifier, deps.Metrics, deps.Logger)

	ltiHandlers := lti.NewHandlers(ltiStore, badges, deps.Logger)

	// Auth runs in optional mode: the login flow and the LTI current
	// context endpoint are reachable anonymously, and each handler
	// enforces its own authentication requirement.
	authn := middleware.NewAuthMiddleware(tokens, sessions, users, true)

	s.router.Use(mux.MiddlewareFunc(deps.Metrics.HTTPMiddleware))
	s.router.Use(mux.MiddlewareFunc(middleware.RequestID))
	s.router.Use(mux.MiddlewareFunc(authn.Handler))

	ssoHandlers.RegisterRoutes(s.router)
	enrollmentHandlers.RegisterRoutes(s.router)
	ltiHandlers.RegisterRoutes(s.router)

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router for additional route registration
func (s *Server) Router() *mux.Router {
	return s.router
}

type healthStatus struct {
	Status   string `json:"status"`
	Postgres string `json:"postgres"`
	Redis    string `json:"redis"`
}

// HealthHandler reports connectivity of the backing stores. Served on the
// health port rather than the API port so probes bypass the middleware chain.
func (s *Server) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := healthStatus{Status: "ok", Postgres: "ok", Redis: "ok"}
		code := http.StatusOK

		if err := s.db.PingContext(ctx); err != nil {
			s.logger.WithError(err).Error("postgres health check failed")
			status.Status = "degraded"
			status.Postgres = "unreachable"
			code = http.StatusServiceUnavailable
		}
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.WithError(err).Error("redis health check failed")
			status.Status = "degraded"
			status.Redis = "unreachable"
			code = http.StatusServiceUnavailable
		}

		stats := s.db.Stats()
		s.metrics.DBConnectionsActive.Set(float64(stats.InUse))
		s.metrics.DBConnectionsIdle.Set(float64(stats.Idle))

		httputil.WriteJSON(w, code, status)
	})
}
