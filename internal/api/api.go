// Package api is the operator HTTP surface: health, run and notification
// inspection, manual skip/retry, correction forecasts and on-demand
// passes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/engine"
	"github.com/roach88/reajuste/internal/notify"
	"github.com/roach88/reajuste/internal/store"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Store is the slice of the installment store the API reads and edits.
// *store.Store implements it.
type Store interface {
	Ping(ctx context.Context) error
	ListRuns(ctx context.Context, f store.RunFilter) ([]domain.ReadjustmentRun, error)
	SkipRun(ctx context.Context, runID, reason string) (domain.ReadjustmentRun, error)
	ResetRun(ctx context.Context, runID string) (domain.ReadjustmentRun, error)
	ListNotifications(ctx context.Context, f store.NotificationFilter) ([]domain.NotificationRecord, error)
	ResetNotification(ctx context.Context, id string) (domain.NotificationRecord, error)
}

// Passes runs passes on demand under the job locks. *runner.Runner
// implements it.
type Passes interface {
	RunReadjustmentPass(ctx context.Context, asOf time.Time) (engine.PassReport, error)
	RunNotificationPass(ctx context.Context, asOf time.Time) (notify.PassReport, error)
}

// Forecaster previews corrections without applying them.
// *engine.Readjuster implements it.
type Forecaster interface {
	Preview(ctx context.Context, asOf time.Time, days int) ([]engine.Forecast, error)
}

// Config configures a Server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Now and Location decide the default as-of date of on-demand passes.
	Now      func() time.Time
	Location *time.Location

	Logger *slog.Logger

	// Forecaster serves /v1/corrections/upcoming; nil answers 501.
	Forecaster Forecaster
}

// Server serves the operator API.
type Server struct {
	store  Store
	passes Passes
	cfg    Config
	logger *slog.Logger

	// base is cancelled on shutdown; on-demand passes end with it.
	base context.Context
}

// New creates a Server.
func New(s Store, p Passes, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 40 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 120 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{store: s, passes: p, cfg: cfg, logger: cfg.Logger, base: context.Background()}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/{id}/skip", s.handleSkipRun)
			r.Post("/{id}/retry", s.handleRetryRun)
		})
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Post("/{id}/retry", s.handleRetryNotification)
		})
		r.Get("/corrections/upcoming", s.handleUpcoming)
		r.Post("/passes/{kind}", s.handleRunPass)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.base = ctx
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// today is the default as-of date: the current calendar day in Location.
func (s *Server) today() time.Time {
	y, m, d := s.cfg.Now().In(s.cfg.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
