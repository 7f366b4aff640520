// Package gateway exposes the authorization decision, the protected asset and the
// allowlist management API over HTTP.
package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/assetgate/internal/governance"
	"github.com/polisai/assetgate/pkg/asset"
	"github.com/polisai/assetgate/pkg/authz"
	"github.com/polisai/assetgate/pkg/domain"
	"github.com/polisai/assetgate/pkg/management"
	"github.com/polisai/assetgate/pkg/telemetry"
)

// Options carries the HTTP-level settings of the gateway.
type Options struct {
	// AssetPath is where the protected asset is served; empty disables the route.
	AssetPath string
	// ClientKey is returned by /v1/validate-domain on allowed requests.
	ClientKey string
	// RevealKeyOnDenial also returns ClientKey on denied requests.
	RevealKeyOnDenial bool
	// AdminKey enables /v1/domains on the admin server.
	AdminKey    string
	CORSOrigins []string
	// TrustedProxies counts the X-Forwarded-For entries appended by proxies
	// in front of the gateway.
	TrustedProxies int
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Engine    *authz.Engine
	Manager   *management.Manager
	Admission *governance.AdmissionController
	// Fetcher may be nil when no upstream is configured.
	Fetcher *asset.Fetcher
	// Metrics may be nil.
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Server builds the data and admin handlers.
type Server struct {
	deps       Deps
	opts       Options
	source     func(*http.Request) string
	domainOnly *authz.Engine
	adminKey   [sha256.Size]byte
}

// NewServer wires the handlers. Engine, Manager and Admission are required.
func NewServer(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		deps:       deps,
		opts:       opts,
		source:     governance.SourceIP(opts.TrustedProxies),
		domainOnly: deps.Engine.WithPolicy(domain.RequireDomain),
		adminKey:   sha256.Sum256([]byte(opts.AdminKey)),
	}
}

// DataHandler serves the public routes.
func (s *Server) DataHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.MetricsMiddleware)
	}
	origins := newCORS(s.opts.CORSOrigins)
	r.Use(origins.Headers)
	r.Use(s.admit)
	r.Use(origins.Preflight)

	r.Get("/healthz", healthz)
	r.Get("/v1/validate", s.handleValidate)
	r.Post("/v1/validate-domain", s.handleValidateDomain)
	if s.opts.AssetPath != "" && s.deps.Fetcher != nil {
		r.Get(s.opts.AssetPath, s.handleAsset)
	}

	return otelhttp.NewHandler(r, "assetgate.data")
}

// AdminHandler serves health, metrics and, with an admin key, allowlist management.
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.admit)

	r.Get("/healthz", healthz)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	if s.opts.AdminKey != "" && s.deps.Manager != nil {
		r.Route("/v1/domains", func(r chi.Router) {
			r.Use(s.requireAdminKey)
			r.Get("/", s.handleListDomains)
			r.Post("/", s.handleAddDomains)
			r.Delete("/", s.handleRemoveDomains)
		})
	}

	return otelhttp.NewHandler(r, "assetgate.admin")
}

// admit charges every request except health probes, preflights and unknown
// paths included, to its source's admission budget.
func (s *Server) admit(next http.Handler) http.Handler {
	charged := s.deps.Admission.Middleware(s.source)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		charged.ServeHTTP(w, r)
	})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := sha256.Sum256([]byte(r.Header.Get("x-admin-key")))
		if r.Header.Get("x-admin-key") == "" || subtle.ConstantTimeCompare(got[:], s.adminKey[:]) != 1 {
			s.deps.Logger.Info("Admin request denied", "source", s.source(r), "path", r.URL.Path)
			writeError(w, r, &domain.DomainError{
				Err:     domain.ErrAuthorizationDenied,
				Code:    domain.CodeForbidden,
				Message: "invalid admin key",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
