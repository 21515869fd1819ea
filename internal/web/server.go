package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jjudge-oj/usermanagement/config"
	"github.com/jjudge-oj/usermanagement/internal/apiclient"
	"github.com/jjudge-oj/usermanagement/internal/bridge"
	"github.com/jjudge-oj/usermanagement/internal/handlers"
	"github.com/jjudge-oj/usermanagement/internal/logging"
	"github.com/jjudge-oj/usermanagement/internal/metrics"
	"github.com/jjudge-oj/usermanagement/internal/session"
	"github.com/sirupsen/logrus"
)

// Deps are the collaborators of the web router.
type Deps struct {
	Bridge       *bridge.Bridge
	API          UserAPI
	Metrics      *metrics.Metrics
	Logger       logrus.FieldLogger
	CookieSecure bool
}

// NewRouter builds the page routes and middleware chain.
func NewRouter(d Deps) (*chi.Mux, error) {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New("web")
	}

	h, err := NewHandler(d.Bridge, d.API, d.CookieSecure, d.Logger)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.Middleware(d.Logger),
		middleware.Recoverer,
		d.Metrics.Middleware,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	router.Group(h.Routes)
	return router, nil
}

// Server wraps the web front-end HTTP server and its session store.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	log        logrus.FieldLogger
	closeStore func() error
}

// New wires the session store, API client and cookie signer selected by cfg.
func New(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*Server, error) {
	cookies, err := bridge.NewCookieSigner(cfg.Web.CookieSecret)
	if err != nil {
		return nil, fmt.Errorf("COOKIE_SECRET: %w", err)
	}

	m := metrics.New("web")
	api, err := apiclient.New(cfg.Web.APIBaseURL, cfg.Web.UpstreamTimeout, m)
	if err != nil {
		return nil, err
	}

	sessions, closeStore, err := session.Open(ctx, cfg.Web)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	router, err := NewRouter(Deps{
		Bridge:       bridge.New(api, sessions, cookies, m, logger),
		API:          api,
		Metrics:      m,
		Logger:       logger,
		CookieSecure: cfg.Web.CookieSecure,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	port := cfg.Web.Port
	if port == 0 {
		port = 8081
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router:     router,
		log:        logger,
		closeStore: closeStore,
	}, nil
}

// Router exposes the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("web server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the session store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if cerr := s.closeStore(); cerr != nil {
		s.log.WithError(cerr).Warn("close session store")
	}
	return err
}
