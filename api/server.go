// Package api serves the instant operations surface: synchronous iDRAC and
// vCenter calls the UI needs answered now, next to the queue for long work.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dsm-platform/dsm-executor/common/logging"
	"github.com/dsm-platform/dsm-executor/config"
	"github.com/dsm-platform/dsm-executor/credentials"
	"github.com/dsm-platform/dsm-executor/database"
	"github.com/dsm-platform/dsm-executor/discovery"
	"github.com/dsm-platform/dsm-executor/identity"
	"github.com/dsm-platform/dsm-executor/middleware"
	"github.com/dsm-platform/dsm-executor/vcenter"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the instant API server.
type Server struct {
	cfg       *config.Config
	router    *mux.Router
	repo      *database.Repository
	resolver  *credentials.Resolver
	sessions  *vcenter.SessionManager
	preflight *discovery.PreflightChecker
	idm       *identity.IDMClient
	activity  *logging.ActivityLogger

	powerLimiter *middleware.RateLimiter
}

// NewServer wires the instant API over the shared components.
func NewServer(cfg *config.Config, repo *database.Repository, resolver *credentials.Resolver,
	sessions *vcenter.SessionManager, preflight *discovery.PreflightChecker,
	idm *identity.IDMClient, activity *logging.ActivityLogger) *Server {
	s := &Server{
		cfg:          cfg,
		router:       mux.NewRouter(),
		repo:         repo,
		resolver:     resolver,
		sessions:     sessions,
		preflight:    preflight,
		idm:          idm,
		activity:     activity,
		powerLimiter: middleware.NewRateLimiter(10, time.Minute),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.cors)
	s.router.Use(middleware.RequestLogger)

	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	// Server-scoped iDRAC operations.
	s.router.HandleFunc("/api/console-launch", s.handleConsoleLaunch).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/power-control", s.powerLimiter.Wrap(s.handlePowerControl)).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/connectivity-test", s.handleConnectivityTest).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/health-check", s.handleHealthCheck).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/event-logs", s.handleEventLogs).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/network-config-read", s.handleNetworkConfigRead).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/network-config-write", s.handleNetworkConfigWrite).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/boot-config-read", s.handleBootConfigRead).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/bios-config-read", s.handleBIOSConfigRead).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/firmware-inventory", s.handleFirmwareInventory).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/idrac-jobs", s.handleIdracJobs).Methods("POST", "OPTIONS")

	// Fleet preflight, batch and streaming.
	s.router.HandleFunc("/api/preflight-check", s.handlePreflightCheck).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/preflight-check-stream", s.handlePreflightStream).Methods("GET")

	// Directory authentication.
	s.router.HandleFunc("/api/idm-authenticate", s.handleIDMAuthenticate).Methods("POST", "OPTIONS")

	// vCenter helpers.
	s.router.HandleFunc("/api/browse-datastore", s.handleBrowseDatastore).Methods("POST", "OPTIONS")

	// Replication configuration and wizards.
	s.router.HandleFunc("/api/replication/targets", s.handleListTargets).Methods("GET")
	s.router.HandleFunc("/api/replication/targets", s.handleCreateTarget).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/replication/targets/{id}", s.handleDeleteTarget).Methods("DELETE", "OPTIONS")
	s.router.HandleFunc("/api/replication/groups", s.handleListGroups).Methods("GET")
	s.router.HandleFunc("/api/replication/groups", s.handleCreateGroup).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/replication/groups/{id}", s.handlePatchGroup).Methods("PATCH", "OPTIONS")
	s.router.HandleFunc("/api/replication/groups/{id}", s.handleDeleteGroup).Methods("DELETE", "OPTIONS")
	s.router.HandleFunc("/api/replication/protected-vms", s.handleListProtectedVMs).Methods("GET")
	s.router.HandleFunc("/api/replication/protected-vms", s.handleCreateProtectedVM).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/replication/protected-vms/{id}", s.handleDeleteProtectedVM).Methods("DELETE", "OPTIONS")
	s.router.HandleFunc("/api/replication/protection-plan", s.handleProtectionPlan).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/replication/dr-shell-plan", s.handleDrShellPlan).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/replication/move-to-protection-datastore", s.handleMoveToProtectionDatastore).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/replication/create-dr-shell", s.handleCreateDrShell).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/zerfaux/batch-storage-vmotion", s.handleBatchStorageVMotion).Methods("POST", "OPTIONS")
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the context ends. TLS is attempted when enabled; missing
// cert or key files fall back to plaintext with a warning instead of refusing
// to start.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.APIPort),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}

	useTLS := s.cfg.APISSLEnabled
	if useTLS && !fileExists(s.cfg.APISSLCert) {
		log.WithField("cert", s.cfg.APISSLCert).Warn("TLS certificate missing, falling back to plaintext HTTP")
		useTLS = false
	}
	if useTLS && !fileExists(s.cfg.APISSLKey) {
		log.WithField("key", s.cfg.APISSLKey).Warn("TLS key missing, falling back to plaintext HTTP")
		useTLS = false
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"port": s.cfg.APIPort,
			"tls":  useTLS,
		}).Info("🚀 Instant API server listening")

		var err error
		if useTLS {
			err = server.ListenAndServeTLS(s.cfg.APISSLCert, s.cfg.APISSLKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("Shutting down instant API server")
	return server.Shutdown(shutdownCtx)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": Version,
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
	}
}

// ok writes the success envelope with the payload merged in.
func ok(w http.ResponseWriter, payload map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// decodeBody parses the JSON request body, answering 400 on garbage.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
