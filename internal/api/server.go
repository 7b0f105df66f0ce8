// Package api serves the local HTTP admin surface of a node: liveness and
// readiness probes, the control state, Prometheus metrics and the archived
// event history. It is an observer only; mutations go through the control
// bridge.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"pqlink/internal/control"
	"pqlink/internal/database"
	"pqlink/internal/metrics"
	"pqlink/internal/policy"
	"pqlink/internal/preflight"
	"pqlink/internal/telemetry"
)

// Server bundles the read-only views the admin API exposes. Nil fields
// disable the corresponding endpoints.
type Server struct {
	State     *control.State
	Window    *telemetry.Window
	Now       func() time.Duration
	DB        *database.Store
	Metrics   *metrics.Store
	Preflight preflight.Config
	Log       *logrus.Entry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// NewHandler returns the admin router.
func (s *Server) NewHandler() http.Handler {
	mux := http.NewServeMux()
	s.register(mux, "/healthz", s.handleHealth)
	s.register(mux, "/readyz", s.handleReady)
	s.register(mux, "/status", s.handleStatus)
	s.register(mux, "/metrics", s.handleMetrics)
	s.register(mux, "/events/rekeys", s.handleRekeyEvents)
	s.register(mux, "/events/decisions", s.handleDecisionTraces)
	s.register(mux, "/replay/decisions", s.handleDecisionReplay)
	return mux
}

func (s *Server) register(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)
		if s.Log != nil {
			s.Log.WithFields(logrus.Fields{
				"path":       path,
				"status":     rec.status,
				"elapsed_ms": time.Since(start).Milliseconds(),
			}).Debug("admin request")
		}
	})
}

// Start launches the admin server and returns a stop function for graceful
// shutdown.
func (s *Server) Start(host string, port int) (func(), error) {
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.NewHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.Log != nil {
				s.Log.WithField("error", err).Warn("admin server stopped")
			}
			errCh <- err
		}
	}()
	// Give an immediate bind failure a moment to surface.
	select {
	case err := <-errCh:
		return nil, err
	case <-time.After(50 * time.Millisecond):
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks, healthy := preflight.Probe(s.Preflight)
	payload := map[string]any{
		"status": "ready",
		"checks": checks,
	}
	if !healthy {
		payload["status"] = "not-ready"
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if s.State != nil {
		payload["control"] = s.State.StatusSnapshot()
	}
	if s.Window != nil {
		now := time.Duration(0)
		if s.Now != nil {
			now = s.Now()
		}
		payload["window"] = s.Window.Summarize(now)
		payload["flight"] = s.Window.FlightState()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.Metrics == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "metrics disabled"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = fmt.Fprint(w, s.Metrics.Prometheus())
}

func (s *Server) handleRekeyEvents(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive disabled"})
		return
	}
	events, err := s.DB.RecentRekeyEvents(queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events, "count": len(events)})
}

func (s *Server) handleDecisionTraces(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive disabled"})
		return
	}
	traces, err := s.DB.RecentDecisionTraces(queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": traces, "count": len(traces)})
}

// handleDecisionReplay re-verifies the replay digest of recent decision
// traces and reports per-trace outcomes plus a status tally.
func (s *Server) handleDecisionReplay(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive disabled"})
		return
	}
	traces, err := s.DB.RecentDecisionTraces(queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	type traceVerification struct {
		TraceID int64                     `json:"trace_id"`
		Result  policy.ReplayVerification `json:"result"`
	}
	items := make([]traceVerification, 0, len(traces))
	tally := map[string]int{}
	for _, trace := range traces {
		in := policy.ReplayInput{
			Action:       trace.Action,
			Reasons:      trace.Reasons,
			TargetSuite:  trace.TargetSuite,
			CurrentSuite: trace.CurrentSuite,
			Confidence:   trace.Confidence,
		}
		res := policy.VerifyReplay(trace.ReplayDigest, in)
		items = append(items, traceVerification{TraceID: trace.ID, Result: res})
		tally[res.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contract_version": policy.ReplayContractVersion,
		"items":            items,
		"tally":            tally,
	})
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
