// Package server exposes the gateway over an OpenAI-compatible HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/chatgw/config"
	"github.com/aschepis/backscratcher/chatgw/credentials"
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/metrics"
	"github.com/aschepis/backscratcher/chatgw/ratelimit"
	"github.com/aschepis/backscratcher/chatgw/tools"
	"github.com/aschepis/backscratcher/chatgw/usage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-ID"

// Config holds server configuration options.
type Config struct {
	Provider     string
	DefaultModel string
	AdminToken   string
	Agent        config.AgentConfig
	// ModelsTimeout bounds each upstream /models call.
	ModelsTimeout time.Duration
	Logger        zerolog.Logger
}

// Deps are the process-wide singletons shared by every request.
type Deps struct {
	Pool      *credentials.Pool
	Limiter   *ratelimit.Limiter
	Tools     *tools.Registry
	Providers *llm.ProviderRegistry
	// Usage and Metrics are optional.
	Usage   *usage.Store
	Metrics *metrics.Metrics
}

// Server is the HTTP front end of the gateway.
type Server struct {
	cfg       Config
	pool      *credentials.Pool
	limiter   *ratelimit.Limiter
	tools     *tools.Registry
	providers *llm.ProviderRegistry
	usage     *usage.Store
	metrics   *metrics.Metrics
	now       func() time.Time
	startedAt time.Time
	logger    zerolog.Logger
	router    http.Handler
}

// New creates a server. Pool, Limiter and Providers are required.
func New(cfg Config, deps Deps) *Server {
	if cfg.ModelsTimeout <= 0 {
		cfg.ModelsTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		pool:      deps.Pool,
		limiter:   deps.Limiter,
		tools:     deps.Tools,
		providers: deps.Providers,
		usage:     deps.Usage,
		metrics:   deps.Metrics,
		now:       time.Now,
		startedAt: time.Now(),
		logger:    cfg.Logger.With().Str("component", "http-server").Logger(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Post("/chat/completions", s.handleChatCompletions)
	r.Route("/v1", func(api chi.Router) {
		api.Post("/chat/completions", s.handleChatCompletions)
		api.Get("/models", s.handleModels)
		api.Get("/models/{urlIdx}", s.handleSlotModels)
		api.Get("/tools", s.handleTools)

		api.Group(func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Get("/keys", s.handleGetKeys)
			admin.Post("/keys/update", s.handleUpdateKeys)
			admin.Get("/urls", s.handleGetURLs)
			admin.Post("/urls/update", s.handleUpdateURLs)
			admin.Get("/usage", s.handleUsage)
			admin.Get("/usage/summary", s.handleUsageSummary)
			admin.Get("/system", s.handleInfo)
		})
	})
	return r
}

// Run serves on addr until ctx is done, then drains in-flight requests for
// up to shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Gracefully stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// requestLogger logs each request with its chi request id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := s.logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}

// userID returns the caller's id from UserHeader, falling back to the
// remote address.
func userID(r *http.Request) string {
	if id := r.Header.Get(UserHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes err in the gateway error shape and returns the status.
func respondError(w http.ResponseWriter, err error) int {
	status, kind := classify(err)
	respondJSON(w, status, errorBody{Detail: err.Error(), Type: kind})
	return status
}

type errorBody struct {
	Detail string `json:"detail"`
	Type   string `json:"type"`
}
