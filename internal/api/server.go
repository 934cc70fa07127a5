package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/auth"
	"github.com/dcclite-server/dcclite-broker/internal/broker"
	"github.com/dcclite-server/dcclite-broker/internal/config"
	"github.com/dcclite-server/dcclite-broker/internal/decoder"
	"github.com/dcclite-server/dcclite-broker/internal/device"
	"github.com/dcclite-server/dcclite-broker/internal/storage"
	"github.com/dcclite-server/dcclite-broker/internal/validation"
)

// Broker is the read side of broker.Service used by the API
type Broker interface {
	Name() string
	Devices() []device.View
	DeviceView(name string) (device.View, bool)
	Device(name string) (*device.Device, bool)
	Decoder(addr decoder.Address) (decoder.Entry, bool)
	Decoders() []decoder.Entry
	Signals() []*decoder.Decoder
	Stats() broker.Stats
}

type contextKey string

const claimsKey contextKey = "claims"

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	broker    Broker
	store     storage.Store
	users     *auth.Users
	auth      *auth.JWTManager
	validator *validation.Validator
	hub       *EventHub
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server; store and hub may be nil
func NewRESTServer(cfg *config.Config, b Broker, store storage.Store, hub *EventHub) *RESTServer {
	users := auth.NewUsers(cfg.Admins)
	s := &RESTServer{
		config:    cfg,
		broker:    b,
		store:     store,
		users:     users,
		auth:      auth.NewJWTManager(&cfg.JWT, users),
		validator: validation.NewValidator(),
		hub:       hub,
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr

	if s.users.Len() == 0 {
		log.Warn().Msg("No admin users configured, protected endpoints will reject every request")
	}

	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	// Hijacked websocket connections are not tracked by http.Server
	if s.hub != nil {
		s.hub.Close()
	}
	return s.server.Shutdown(ctx)
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from header
		authHeader := r.Header.Get("Authorization")

		// Browsers cannot set headers on a websocket handshake
		if authHeader == "" && websocket.IsWebSocketUpgrade(r) {
			if token := r.URL.Query().Get("access_token"); token != "" {
				authHeader = "Bearer " + token
			}
		}

		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Parse Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
