// Package api is the coordinator's HTTP façade: thin handlers binding the
// queue, resource, server and agent stores to the JSON API. Agent
// endpoints are expected to be network-restricted; operator endpoints
// require the X-API-Key header.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reconmc/reconmc/internal/config"
	"github.com/reconmc/reconmc/internal/database"
	"github.com/reconmc/reconmc/internal/logsink"
)

// Server wires the stores into the router.
type Server struct {
	cfg       *config.Config
	queue     *database.QueueStore
	servers   *database.ServerStore
	resources *database.ResourceStore
	agents    *database.AgentStore
	logs      *logsink.Sink

	http *http.Server
}

func NewServer(cfg *config.Config, queue *database.QueueStore, servers *database.ServerStore,
	resources *database.ResourceStore, agents *database.AgentStore, logs *logsink.Sink) *Server {
	return &Server{
		cfg:       cfg,
		queue:     queue,
		servers:   servers,
		resources: resources,
		agents:    agents,
		logs:      logs,
	}
}

// Handler is the complete HTTP stack. CORS wraps outside the router so
// preflight OPTIONS requests are answered even for method-restricted
// routes.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.Router())
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Agent-facing. Restricted by network policy, not by API key.
	r.HandleFunc("/api/agents/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/queue/claim", s.handleClaim).Methods(http.MethodPost)
	r.HandleFunc("/api/queue/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	r.HandleFunc("/api/queue/{id}/fail", s.handleFail).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}/logs", s.handleTaskLogs).Methods(http.MethodPost)

	// Operator-facing, behind the API key.
	op := r.PathPrefix("/api").Subrouter()
	op.Use(s.authMiddleware)
	op.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	op.HandleFunc("/queue", s.handleQueueStats).Methods(http.MethodGet)
	op.HandleFunc("/servers/add", s.handleAddServers).Methods(http.MethodPost)
	op.HandleFunc("/servers", s.handleListServers).Methods(http.MethodGet)
	op.HandleFunc("/servers/by-address/{address}", s.handleServerByAddress).Methods(http.MethodGet)
	op.HandleFunc("/servers/{id}", s.handleGetServer).Methods(http.MethodGet)
	op.HandleFunc("/servers/{id}", s.handleDeleteServer).Methods(http.MethodDelete)
	op.HandleFunc("/servers/{id}/scan/{timestamp}", s.handleDeleteScan).Methods(http.MethodDelete)
	op.HandleFunc("/proxies", s.handleListProxies).Methods(http.MethodGet)
	op.HandleFunc("/proxies", s.handleAddProxy).Methods(http.MethodPost)
	op.HandleFunc("/proxies/import", s.handleImportProxies).Methods(http.MethodPost)
	op.HandleFunc("/proxies/{id}", s.handleDeleteProxy).Methods(http.MethodDelete)
	op.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	op.HandleFunc("/accounts", s.handleAddAccount).Methods(http.MethodPost)
	op.HandleFunc("/accounts/import", s.handleImportAccounts).Methods(http.MethodPost)
	op.HandleFunc("/accounts/{id}", s.handleDeleteAccount).Methods(http.MethodDelete)
	op.HandleFunc("/accounts/{id}/invalidate", s.handleInvalidateAccount).Methods(http.MethodPost)

	return r
}

// Start serves until the listener fails.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	slog.Info("coordinator API listening", "addr", s.cfg.ListenAddr())
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.Server.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// authMiddleware gates operator routes on X-API-Key. The comparison is
// constant-time so the key cannot be probed byte by byte.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.Disabled {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		want := s.cfg.Auth.APIKey
		if want == "" || subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeStoreError maps store errors onto the HTTP taxonomy.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrValidation), errors.Is(err, database.ErrBadAgentID):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
