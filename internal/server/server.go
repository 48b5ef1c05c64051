package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pagecraft/abtest/internal/config"
	"github.com/pagecraft/abtest/internal/engine"
)

type Server struct {
	svc       *engine.Service
	cfg       config.ServerConfig
	token     string
	router    *mux.Router
	handler   http.Handler
	logger    *zap.Logger
	recorder  HTTPRecorder
	gatherer  prometheus.Gatherer
	startTime time.Time

	// stops the rate limiter sweeper
	cancel context.CancelFunc
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request metrics on rec and serves g on /metrics.
func WithMetrics(rec HTTPRecorder, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.recorder = rec
		s.gatherer = g
	}
}

// New builds the server. When cfg.AdminToken is empty a random token is
// generated for the admin API.
func New(svc *engine.Service, cfg config.ServerConfig, opts ...Option) *Server {
	srv := &Server{
		svc:       svc,
		cfg:       cfg,
		token:     cfg.AdminToken,
		router:    mux.NewRouter(),
		logger:    zap.NewNop(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.logger = srv.logger.With(zap.String("component", "server"))
	if srv.token == "" {
		srv.token = generateToken()
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.cancel = cancel
	srv.setupRoutes(ctx)
	srv.handler = Chain(srv.router, Recovery(srv.logger), RequestLogger(srv.logger))
	return srv
}

func (s *Server) setupRoutes(ctx context.Context) {
	r := s.router
	if s.recorder != nil {
		r.Use(asMux(Metrics(s.recorder)))
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/abt.js", s.handleClientJS).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Public endpoints called from rendered pages
	public := r.PathPrefix("/api/tests/{id}").Subrouter()
	public.Use(asMux(CORS(s.cfg.AllowedOrigins)))
	if s.cfg.RateLimitRPS > 0 {
		public.Use(asMux(RateLimiter(ctx, s.cfg.RateLimitRPS, s.cfg.RateLimitBurst, s.logger)))
	}
	public.HandleFunc("/assign", s.handleAssign).Methods(http.MethodPost, http.MethodOptions)
	public.HandleFunc("/convert", s.handleConvert).Methods(http.MethodPost, http.MethodOptions)

	// Admin API (protected)
	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.authMiddleware)
	admin.HandleFunc("/tests", s.handleListTests).Methods(http.MethodGet)
	admin.HandleFunc("/tests", s.handleCreateTest).Methods(http.MethodPost)
	admin.HandleFunc("/tests/{id}", s.handleGetTest).Methods(http.MethodGet)
	admin.HandleFunc("/tests/{id}", s.handleUpdateTest).Methods(http.MethodPatch)
	admin.HandleFunc("/tests/{id}", s.handleDeleteTest).Methods(http.MethodDelete)
	admin.HandleFunc("/tests/{id}/{action:start|pause|complete|archive}", s.handleTransition).Methods(http.MethodPost)
	admin.HandleFunc("/tests/{id}/results", s.handleResults).Methods(http.MethodGet)
	admin.HandleFunc("/tests/{id}/analytics", s.handleAnalytics).Methods(http.MethodGet)
	admin.HandleFunc("/tests/{id}/summary", s.handleSummary).Methods(http.MethodGet)
	admin.HandleFunc("/tests/{id}/export", s.handleExport).Methods(http.MethodGet)
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.TokenFile != "" {
		if err := os.WriteFile(s.cfg.TokenFile, []byte(s.token), 0600); err != nil {
			s.logger.Warn("failed to write token file", zap.String("path", s.cfg.TokenFile), zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.Int("port", s.cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down")
	err := httpServer.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close releases background resources. It does not stop a running Run.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("failed to generate admin token: %v", err))
	}
	return hex.EncodeToString(bytes)
}
