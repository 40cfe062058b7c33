// Package api serves the conversion engine to the presentation layer over HTTP
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/monitor"
	"github.com/wrapbridge/engine/internal/types"
)

// Conversions is the user-facing half of the orchestrator
type Conversions interface {
	StartConversion(ctx context.Context, draft types.Draft) (types.Transaction, error)
	Cancel(ctx context.Context, id string) (types.Transaction, error)
	RequestAllowance(ctx context.Context, id string) (types.Transaction, error)
}

// Quoter prices a conversion without opening it
type Quoter interface {
	Quote(ctx context.Context, source, dest types.Asset, amount decimal.Decimal) (types.Fees, error)
}

// Server provides the HTTP API
type Server struct {
	conversions Conversions
	quoter      Quoter
	ledger      *ledger.Ledger
	hub         *hub
	upgrader    websocket.Upgrader
	logger      logrus.FieldLogger
	http        *http.Server
}

// NewServer wires the routes and subscribes the live feed to the ledger
func NewServer(addr string, l *ledger.Ledger, conversions Conversions, quoter Quoter, logger logrus.FieldLogger) *Server {
	s := &Server{
		conversions: conversions,
		quoter:      quoter,
		ledger:      l,
		hub:         newHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	l.Subscribe(s.hub.broadcast)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/quotes", s.handleQuote)

		r.Post("/conversions", s.handleCreate)
		r.Get("/conversions/{id}", s.handleGet)
		r.Post("/conversions/{id}/cancel", s.handleCancel)
		r.Post("/conversions/{id}/allowance", s.handleAllowance)

		r.Get("/owners/{owner}/conversions", s.handleList)
		r.Get("/owners/{owner}/stream", s.handleStream)
	})
	return r
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Infof("🌐 HTTP API listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and disconnects stream clients
func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	return s.http.Shutdown(ctx)
}

// Warn pushes a monitor warning to the transaction owner's stream clients
func (s *Server) Warn(w monitor.Warning) {
	s.hub.warn(w)
}

// StreamClients returns the number of live feed connections for owner
func (s *Server) StreamClients(owner string) int {
	return s.hub.count(types.NormalizeOwner(owner))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
			"request":  middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}
