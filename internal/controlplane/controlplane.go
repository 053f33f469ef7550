// Package controlplane exposes the engine's HTTP control surface: health,
// configuration inspection and hot reload, statistics, and shutdown.
package controlplane

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/observability"
	"github.com/tidemark-io/tidemark/internal/supervisor"
)

const (
	maxConfigBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath = "/health"
	configPath = "/config"
	statsPath  = "/stats"
	stopPath   = "/stop"

	readHeaderTimeout = 5 * time.Second
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type controlServer struct {
	sup *supervisor.Supervisor
}

// NewHandler builds the control plane routes over the supervisor.
func NewHandler(sup *supervisor.Supervisor) http.Handler {
	server := &controlServer{sup: sup}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(configPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.getConfig,
		http.MethodPost: server.postConfig,
	}))
	mux.Handle(statsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStats,
	}))
	mux.Handle(stopPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.postStop,
	}))

	return mux
}

// NewServer wraps the handler in an http.Server bound to addr.
func NewServer(addr string, sup *supervisor.Supervisor) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(sup),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func (s *controlServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func (s *controlServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.sup.Health(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(s.sup.CurrentState()),
	})
}

func (s *controlServer) getConfig(w http.ResponseWriter, _ *http.Request) {
	if s.sup.CurrentState() == supervisor.StateStopped {
		writeError(w, http.StatusServiceUnavailable, "engine is stopped")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.sup.Document())
}

func (s *controlServer) postConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxConfigBodyBytes)
	defer func() {
		_ = r.Body.Close()
	}()
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read configuration document: "+err.Error())
		return
	}

	if err := s.sup.Reconfigure(r.Context(), doc); err != nil {
		observability.Log().Error("reconfiguration rejected",
			observability.F("error", err.Error()))
		switch {
		case errs.HasCode(err, errs.CodeUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			// Validation and deployment failures alike leave the previous
			// configuration active.
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "accepted",
		"generation": s.sup.Stats().Generation,
	})
}

func (s *controlServer) getStats(w http.ResponseWriter, _ *http.Request) {
	if s.sup.CurrentState() == supervisor.StateStopped {
		writeError(w, http.StatusServiceUnavailable, "engine is stopped")
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Stats())
}

func (s *controlServer) postStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.Log().Error("control response encode failed",
			observability.F("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
