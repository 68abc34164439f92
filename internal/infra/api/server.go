package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	apiv1 "telegram-session-bot/internal/infra/api/apiv1"
)

// AdminServer exposes health, Prometheus metrics and the v1 admin API.
type AdminServer struct {
	port   int
	router chi.Router
	server *http.Server
	log    *zerolog.Logger
}

// NewAdminServer builds the router. A nil gatherer means the default registry.
func NewAdminServer(port int, flows apiv1.FlowCounter, gatherer prometheus.Gatherer, logger *zerolog.Logger) *AdminServer {
	l := logger.With().Str("component", "admin").Logger()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(TraceID, RequestLog(&l), Recover(&l), middleware.Timeout(10*time.Second))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	apiv1.RegisterAPIV1(r, apiv1.NewServer(flows, &l))

	return &AdminServer{
		port:   port,
		router: r,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: &l,
	}
}

func (s *AdminServer) Handler() http.Handler { return s.router }

// Start serves on ln, or on the configured port when ln is nil. It blocks
// until Shutdown and then returns nil.
func (s *AdminServer) Start(ln net.Listener) error {
	s.log.Info().Int("port", s.port).Msg("admin server listening")

	var err error
	if ln != nil {
		err = s.server.Serve(ln)
	} else {
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
