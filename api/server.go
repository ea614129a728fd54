// Package api provides the Instant API Server (C14): an HTTP/1.1 front
// door over the fleet and replication primitives, one JSON endpoint per
// instant operation plus an SSE preflight stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/i0mja/dell-infra-sync-sub002/api/handlers"
)

// Server is the Instant API Server.
type Server struct {
	config   *Config
	router   *mux.Router
	handlers *handlers.Handlers
}

// Config contains server configuration.
type Config struct {
	Port        int
	SSLEnabled  bool
	SSLCertPath string
	SSLKeyPath  string
	Debug       bool
}

// NewServer builds a Server wired to deps.
func NewServer(config *Config, deps *handlers.Deps) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("server config is required")
	}
	if deps == nil {
		return nil, fmt.Errorf("server deps are required")
	}

	server := &Server{
		config:   config,
		router:   mux.NewRouter(),
		handlers: handlers.NewHandlers(deps),
	}
	server.setupRoutes()
	return server, nil
}

// setupRoutes mounts every Instant API Server endpoint.
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)
	if s.config.Debug {
		s.router.Use(s.loggingMiddleware)
	}

	s.router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handlers.Health).Methods("GET", "OPTIONS")
	api.HandleFunc("/preflight-check-stream", s.handlers.PreflightCheckStream).Methods("GET", "OPTIONS")
	api.HandleFunc("/preflight-check", s.handlers.PreflightCheck).Methods("POST", "OPTIONS")

	api.HandleFunc("/console-launch", s.handlers.ConsoleLaunch).Methods("POST", "OPTIONS")
	api.HandleFunc("/power-control", s.handlers.PowerControl).Methods("POST", "OPTIONS")
	api.HandleFunc("/connectivity-test", s.handlers.ConnectivityTest).Methods("POST", "OPTIONS")
	api.HandleFunc("/browse-datastore", s.handlers.BrowseDatastore).Methods("POST", "OPTIONS")
	api.HandleFunc("/idm-authenticate", s.handlers.IdmAuthenticate).Methods("POST", "OPTIONS")
	api.HandleFunc("/network-config-read", s.handlers.NetworkConfigRead).Methods("POST", "OPTIONS")
	api.HandleFunc("/network-config-write", s.handlers.NetworkConfigWrite).Methods("POST", "OPTIONS")
	api.HandleFunc("/health-check", s.handlers.HealthCheck).Methods("POST", "OPTIONS")
	api.HandleFunc("/event-logs", s.handlers.EventLogs).Methods("POST", "OPTIONS")
	api.HandleFunc("/boot-config-read", s.handlers.BootConfigRead).Methods("POST", "OPTIONS")
	api.HandleFunc("/bios-config-read", s.handlers.BiosConfigRead).Methods("POST", "OPTIONS")
	api.HandleFunc("/firmware-inventory", s.handlers.FirmwareInventory).Methods("POST", "OPTIONS")
	api.HandleFunc("/idrac-jobs", s.handlers.IdracJobs).Methods("POST", "OPTIONS")

	api.HandleFunc("/zerfaux/batch-storage-vmotion", s.handlers.BatchStorageVMotion).Methods("POST", "OPTIONS")

	api.HandleFunc("/replication/targets", s.handlers.ListReplicationTargets).Methods("GET", "OPTIONS")
	api.HandleFunc("/replication/targets", s.handlers.CreateReplicationTarget).Methods("POST", "OPTIONS")
	api.HandleFunc("/replication/targets/{id}", s.handlers.DeleteReplicationTarget).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/replication/groups", s.handlers.ListProtectionGroups).Methods("GET", "OPTIONS")
	api.HandleFunc("/replication/groups", s.handlers.CreateProtectionGroup).Methods("POST", "OPTIONS")
	api.HandleFunc("/replication/groups/{id}", s.handlers.UpdateProtectionGroup).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/replication/groups/{id}", s.handlers.DeleteProtectionGroup).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/replication/protected-vms", s.handlers.ListProtectedVMs).Methods("GET", "OPTIONS")
	api.HandleFunc("/replication/protected-vms", s.handlers.AddProtectedVM).Methods("POST", "OPTIONS")
	api.HandleFunc("/replication/protected-vms/{id}", s.handlers.RemoveProtectedVM).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/replication/protection-plan", s.handlers.ProtectionPlan).Methods("POST", "OPTIONS")
	api.HandleFunc("/replication/dr-shell-plan", s.handlers.DrShellPlan).Methods("POST", "OPTIONS")
	api.HandleFunc("/replication/move-to-protection-datastore", s.handlers.MoveToProtectionDatastore).Methods("POST", "OPTIONS")
	api.HandleFunc("/replication/create-dr-shell", s.handlers.CreateDrShell).Methods("POST", "OPTIONS")

	log.WithField("endpoints", 31).Info("instant API routes configured")
}

// corsMiddleware sets the fixed CORS policy every instant endpoint shares.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs every request's method, path and outcome.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		fields := log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": wrapped.statusCode,
			"duration_ms": duration.Milliseconds(),
			"remote":      r.RemoteAddr,
		}
		switch {
		case wrapped.statusCode >= 500:
			log.WithFields(fields).Error("instant API request failed")
		case wrapped.statusCode >= 400:
			log.WithFields(fields).Warn("instant API request rejected")
		default:
			log.WithFields(fields).Info("instant API request completed")
		}
		if duration > 5*time.Second {
			log.WithFields(fields).Warn("slow instant API request")
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start runs the Instant API Server with graceful shutdown. TLS is used
// when SSLEnabled is set and both certificate files exist; otherwise it
// falls back to plaintext HTTP with a logged warning, never refusing to
// start over a missing certificate.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE preflight stream can run far longer than 15s
		IdleTimeout:  60 * time.Second,
	}

	useTLS := s.config.SSLEnabled
	if useTLS {
		if _, err := os.Stat(s.config.SSLCertPath); err != nil {
			log.WithError(err).Warn("SSL enabled but certificate file is missing, falling back to plaintext HTTP")
			useTLS = false
		} else if _, err := os.Stat(s.config.SSLKeyPath); err != nil {
			log.WithError(err).Warn("SSL enabled but key file is missing, falling back to plaintext HTTP")
			useTLS = false
		}
	}

	go func() {
		log.WithFields(log.Fields{"port": s.config.Port, "tls": useTLS}).Info("starting instant API server")

		var err error
		if useTLS {
			err = server.ListenAndServeTLS(s.config.SSLCertPath, s.config.SSLKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("instant API server failed to start")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info("shutting down instant API server gracefully...")
	return server.Shutdown(shutdownCtx)
}

// GetHandlers returns the handlers instance the server's routes dispatch to.
func (s *Server) GetHandlers() *handlers.Handlers {
	return s.handlers
}
