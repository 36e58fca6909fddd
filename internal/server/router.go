package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/config"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/httputil"
)

// HTTPServer wraps MCP HTTP routing state.
type HTTPServer struct {
	cfg      config.Config
	version  string
	commit   string
	build    string
	contract []byte
	dispatch *dispatcher
	authn    SessionAuthenticator
	ready    func() error
	logger   zerolog.Logger
}

// NewHTTPServer creates an HTTP transport server with health and MCP routes.
func NewHTTPServer(
	cfg config.Config,
	version, commit, buildDate string,
	contract []byte,
	registry *ToolRegistry,
	authorizer ToolAuthorizer,
	authn SessionAuthenticator,
	caller ToolCaller,
	logger zerolog.Logger,
) *HTTPServer {
	return &HTTPServer{
		cfg:      cfg,
		version:  version,
		commit:   commit,
		build:    buildDate,
		contract: contract,
		dispatch: newDispatcher(registry, authorizer, caller, logger),
		authn:    authn,
		logger:   logger,
	}
}

// WithReadiness sets the check behind /readiness.
func (s *HTTPServer) WithReadiness(check func() error) *HTTPServer {
	s.ready = check
	return s
}

// Router builds the MCP HTTP router.
func (s *HTTPServer) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestLogger(s.logger))
	r.Use(httputil.Recoverer(s.logger))
	r.Use(httputil.SecureHeaders)
	r.Use(httputil.BodyLimit(1 << 20))

	registerHealthRoutes(r, s.version, s.commit, s.build, s.cfg.MetricsEnabled, s.ready)
	registerMCPHTTPRoutes(r, s.dispatch, s.authn, s.version)

	r.Get("/api/tools.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(s.contract)
	})

	return r
}
