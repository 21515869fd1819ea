package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jjudge-oj/usermanagement/config"
	"github.com/jjudge-oj/usermanagement/internal/db"
	"github.com/jjudge-oj/usermanagement/internal/handlers"
	"github.com/jjudge-oj/usermanagement/internal/logging"
	"github.com/jjudge-oj/usermanagement/internal/metrics"
	"github.com/jjudge-oj/usermanagement/internal/mq"
	"github.com/jjudge-oj/usermanagement/internal/services"
	"github.com/jjudge-oj/usermanagement/internal/storage"
	"github.com/jjudge-oj/usermanagement/internal/store"
	"github.com/jjudge-oj/usermanagement/internal/token"
	"github.com/sirupsen/logrus"
)

// Deps are the collaborators of the API router.
type Deps struct {
	Users              *services.UserService
	Auth               *services.AuthService
	Verifier           handlers.TokenVerifier
	Metrics            *metrics.Metrics
	Logger             logrus.FieldLogger
	Dev                bool
	PublicBaseURL      string
	CORSAllowedOrigins []string
}

// NewRouter builds the API routes and middleware chain.
func NewRouter(d Deps) *chi.Mux {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New("api")
	}
	opts := handlers.Options{Logger: d.Logger, Dev: d.Dev}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.Middleware(d.Logger),
		handlers.Recover(opts),
		d.Metrics.Middleware,
		middleware.Timeout(60*time.Second),
	)
	if len(d.CORSAllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	authHandler := handlers.NewAuthHandler(d.Auth, d.Users, d.Metrics, opts)
	userHandler := handlers.NewUserHandler(d.Users, d.PublicBaseURL, opts)

	router.Get("/healthz", handlers.Healthz)
	router.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authHandler, d.Verifier)
	})
	router.Route("/users", func(r chi.Router) {
		handlers.UsersRouter(r, userHandler, d.Verifier)
	})
	router.Route("/uploads", func(r chi.Router) {
		handlers.UploadsRouter(r, userHandler)
	})
	return router
}

// Server wraps the API HTTP server and the resources it owns.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	log        logrus.FieldLogger
	closers    []func() error
}

// New wires the store, storage, broker and token issuer selected by cfg.
func New(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*Server, error) {
	s := &Server{log: logger}

	users, roles, err := s.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	files, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	broker, err := mq.Open(ctx, cfg.MQ)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open mq: %w", err)
	}
	var events services.EventPublisher
	if broker != nil {
		events = broker
		s.closers = append(s.closers, broker.Close)
		logger.WithField("backend", broker.Name()).Info("publishing user events")
	}

	issuer, err := token.NewIssuer(token.Options{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		TTL:      cfg.JWT.TTL,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("JWT_SECRET: %w", err)
	}

	hasher := services.NewBcryptHasher(0)
	userService := services.NewUserService(users, roles, services.UserServiceOptions{
		Hasher:        hasher,
		Storage:       files,
		Events:        events,
		EventsChannel: cfg.MQ.UserChannel,
		Logger:        logger,
	})
	authService, err := services.NewAuthService(users, hasher, issuer)
	if err != nil {
		s.close()
		return nil, err
	}

	s.router = NewRouter(Deps{
		Users:              userService,
		Auth:               authService,
		Verifier:           issuer,
		Metrics:            metrics.New("api"),
		Logger:             logger,
		Dev:                cfg.IsDev(),
		PublicBaseURL:      cfg.Storage.PublicBaseURL,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) openStore(ctx context.Context, cfg config.Config) (services.UserRepository, services.RoleRepository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreBackend)) {
	case "", "postgres":
		conn, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		s.closers = append(s.closers, conn.Close)
		return store.NewUserRepository(conn), store.NewRoleRepository(conn), nil
	case "memory":
		s.log.Warn("using in-memory user store; accounts are lost on restart")
		mem := store.NewMemoryStore()
		return mem.Users(), mem.Roles(), nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.close()
	return err
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.WithError(err).Warn("close failed")
		}
	}
	s.closers = nil
}
