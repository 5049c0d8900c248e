package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"i4.energy/across/smsbridge/delivery"
	"i4.energy/across/smsbridge/metrics"
)

// Server exposes health, status and metrics of the running bridge.
type Server struct {
	Logger  *slog.Logger
	Gateway interface {
		Ready() bool
		Operator() string
		Generation() int64
	}
	Broker interface{ IsConnected() bool }
	Store  interface {
		Count() (int, error)
		Capacity() int
	}
	Worker  interface{ Status() delivery.Status }
	Metrics *metrics.Metrics

	once   sync.Once
	router http.Handler
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	ModemReady      bool            `json:"modem_ready"`
	ModemGeneration int64           `json:"modem_generation"`
	Operator        string          `json:"operator"`
	BrokerConnected bool            `json:"broker_connected"`
	StoredMessages  int             `json:"stored_messages"`
	StoreCapacity   int             `json:"store_capacity"`
	Retry           delivery.Status `json:"retry"`
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.once.Do(func() {
		s.router = s.routes()
	})
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	return r
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

// handleHealth reports 200 while a modem is listening, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.Gateway.Ready() {
		s.sendError(w, "modem not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stored, err := s.Store.Count()
	if err != nil {
		s.Logger.Error("Failed to read overflow store", "error", err)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, StatusResponse{
		ModemReady:      s.Gateway.Ready(),
		ModemGeneration: s.Gateway.Generation(),
		Operator:        s.Gateway.Operator(),
		BrokerConnected: s.Broker.IsConnected(),
		StoredMessages:  stored,
		StoreCapacity:   s.Store.Capacity(),
		Retry:           s.Worker.Status(),
	}, http.StatusOK)
}
