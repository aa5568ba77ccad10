// Package api exposes the coordinator over HTTP. Routes cover the whole
// task lifecycle: submission, miner outputs, validator evaluations,
// consensus processing and the human selection and payment endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/taskmesh/taskmesh-backend/internal/coordinator"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/metrics"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 60 * time.Second
)

type Server struct {
	router    *mux.Router
	coord     *coordinator.Coordinator
	collector *metrics.Collector
	cors      *cors.Cors
	logger    logging.Logger
	srv       *http.Server
}

// NewServer wires the task routes onto a fresh router. The collector is
// optional; without one the /metrics endpoint is not registered.
func NewServer(coord *coordinator.Coordinator, collector *metrics.Collector, logger logging.Logger) *Server {
	router := mux.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Accept", "Content-Length", "Accept-Encoding", "Origin", "X-Requested-With"},
	})

	s := &Server{
		router:    router,
		coord:     coord,
		collector: collector,
		cors:      corsHandler,
		logger:    logger,
	}

	s.routes()
	s.srv = &http.Server{
		Handler:      s.cors.Handler(s.router),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

func (s *Server) routes() {
	handler := NewHandler(s.coord, s.logger)

	s.router.Use(RequestLogger(s.logger))
	s.router.Use(Recovery(s.logger))

	// Add the base /api prefix to all task routes
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(mux.CORSMethodMiddleware(api)) // For preflight requests

	// Task lifecycle routes
	api.HandleFunc("/tasks", handler.SubmitTask).Methods("POST")
	api.HandleFunc("/tasks", handler.ListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", handler.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/outputs", handler.SubmitOutput).Methods("POST")
	api.HandleFunc("/tasks/{id}/evaluations", handler.SubmitEvaluation).Methods("POST")
	api.HandleFunc("/tasks/{id}/process", handler.ProcessTask).Methods("POST")

	// Settlement routes
	api.HandleFunc("/tasks/{id}/selection", handler.SelectOutput).Methods("POST")
	api.HandleFunc("/tasks/{id}/reject", handler.RejectTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/paid", handler.MarkPaid).Methods("POST")
	api.HandleFunc("/tasks/{id}/anchor", handler.GetAnchor).Methods("GET")

	s.router.HandleFunc("/healthz", handler.Health).Methods("GET")
	if s.collector != nil {
		s.router.Handle("/metrics", s.collector.Handler()).Methods("GET")
	}
}

// Start serves until the listener fails or Stop is called. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start(port string) error {
	s.logger.Infof("Starting coordinator API on port %s", port)
	s.srv.Addr = fmt.Sprintf(":%s", port)
	return s.srv.ListenAndServe()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
