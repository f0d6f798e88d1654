package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/fieldgate/internal/alerting"
	"github.com/opensource-finance/fieldgate/internal/datasource"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/metrics"
	"github.com/opensource-finance/fieldgate/internal/polling"
	"github.com/opensource-finance/fieldgate/internal/subscription"
	"github.com/opensource-finance/fieldgate/internal/supervisor"
)

// Services are the gateway components the control surface drives.
// Rules and Metrics may be nil.
type Services struct {
	Repo          domain.Repository
	Sink          domain.EventSink
	Pool          *datasource.Pool
	Polling       *polling.Service
	Subscriptions *subscription.Manager
	Tasks         *supervisor.Supervisor
	Rules         *alerting.Engine
	Metrics       *metrics.Metrics
	MetricsPath   string
	Version       string
}

// Server is the HTTP control surface.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer builds the router.
func NewServer(cfg domain.ServerConfig, svc Services) *Server {
	h := NewHandler(svc)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)

	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)
	if svc.Metrics != nil {
		path := svc.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Method(http.MethodGet, path, svc.Metrics.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Streams flush per event and stay uncompressed.
		r.Get("/readings/stream", h.StreamReadings)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5))

			r.Get("/datasources/status", h.DataSourceStatus)
			r.Delete("/datasources/cache", h.ClearCache)
			r.Route("/datasources/{id}", func(r chi.Router) {
				r.Post("/test", h.TestDataSource)
				r.Post("/read", h.ReadNodes)
				r.Post("/write", h.WriteNode)
				r.Post("/query", h.Query)
				r.Delete("/cache", h.InvalidateDataSource)
			})

			r.Get("/polling", h.ListPolling)
			r.Post("/polling", h.AddPolling)
			r.Delete("/polling", h.RemovePolling)
			r.Post("/polling/pause", h.PausePolling)
			r.Post("/polling/resume", h.ResumePolling)

			r.Get("/subscriptions", h.ListSubscriptions)
			r.Post("/subscriptions", h.CreateSubscription)
			r.Delete("/subscriptions", h.RemoveSubscription)

			r.Get("/tasks", h.Tasks)
			r.Get("/tags/{id}/readings", h.ListReadings)

			r.Get("/alert-rules", h.ListAlertRules)
			r.Post("/alert-rules", h.CreateAlertRule)
			r.Get("/alerts", h.ListAlerts)
		})
	})

	return &Server{router: router, handler: h, config: cfg}
}

// Start serves until Shutdown. A graceful shutdown returns nil.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
