package api

import (
	"net/http"
	"time"

	"modelplane/internal/agent/discovery"
	"modelplane/internal/agent/logs"
	"modelplane/internal/agent/resources"
	"modelplane/internal/config"
	"modelplane/internal/logger"

	"github.com/gorilla/mux"
)

// Server represents the worker API server
type Server struct {
	config    config.WorkerConfig
	logger    *logger.Logger
	discovery *discovery.Service
	resources *resources.Service
	logs      *logs.Service
	router    *mux.Router
	startedAt time.Time
}

// New creates a new API server. disc may be nil for a worker that does
// not register itself.
func New(cfg config.WorkerConfig, log *logger.Logger, disc *discovery.Service, res *resources.Service, logSvc *logs.Service) *Server {
	server := &Server{
		config:    cfg,
		logger:    log,
		discovery: disc,
		resources: res,
		logs:      logSvc,
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}

	server.setupRoutes()
	return server
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes sets up the API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/node", s.handleNodeInfo).Methods("GET")
	s.router.HandleFunc("/resources", s.handleResources).Methods("GET")
	s.router.HandleFunc("/serveLogs/{id}", s.handleServeLogs).Methods("GET")
}
