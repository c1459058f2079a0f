// Package server exposes the lookup pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"libria/internal/config"
	"libria/internal/device"
	"libria/internal/logger"
	"libria/internal/lookup"
	"libria/internal/metrics"
	"libria/internal/quota"
	"libria/pkg/models"
)

const (
	readHeaderTimeout = 10 * time.Second
	// writeTimeout covers a model call plus the research webhook.
	writeTimeout    = 90 * time.Second
	shutdownTimeout = 15 * time.Second
	// multipartOverhead is allowed on top of the image limit for form framing.
	multipartOverhead = 1 << 20
	maxJSONBody       = 4 << 20
)

// LookupService is the part of lookup.Service the handlers use.
type LookupService interface {
	Quota(ctx context.Context, device, token string) (quota.Decision, error)
	Scan(ctx context.Context, req lookup.ScanRequest) (*lookup.ScanResult, error)
	Deliver(ctx context.Context, req lookup.DeliverRequest) error
	Report(d *models.Dossier, title, author string) ([]byte, string, error)
	ResearchEnabled() bool
	DeliveryEnabled() bool
}

var _ LookupService = (*lookup.Service)(nil)

// Server is the LibrIA HTTP API.
type Server struct {
	svc           LookupService
	addr          string
	debug         bool
	maxImageBytes int64
	origins       []string
	log           zerolog.Logger
}

// New creates a Server from configuration.
func New(svc LookupService, cfg *config.Config) *Server {
	return &Server{
		svc:           svc,
		addr:          cfg.ListenAddr,
		debug:         cfg.Debug,
		maxImageBytes: cfg.MaxImageBytes(),
		origins:       cfg.CORSAllowedOrigins,
		log:           logger.WithComponent("server"),
	}
}

// Handler returns the routed API wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID, device.Middleware, s.accessLog)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/quota", s.handleQuota).Methods(http.MethodGet)
	api.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	api.HandleFunc("/deliver", s.handleDeliver).Methods(http.MethodPost)
	api.HandleFunc("/report", s.handleReport).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{RequestIDHeader, "Content-Disposition"},
		AllowCredentials: explicitOrigins(s.origins),
	})
	return c.Handler(r)
}

// explicitOrigins reports whether origins names every allowed site. The
// device cookie is only sent cross-site to origins listed this way.
func explicitOrigins(origins []string) bool {
	if len(origins) == 0 {
		return false
	}
	for _, o := range origins {
		if strings.Contains(o, "*") {
			return false
		}
	}
	return true
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	const op = "Run"

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: listen: %w", op, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s: shutdown: %w", op, err)
	}
	return nil
}
