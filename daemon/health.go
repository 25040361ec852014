package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"scalewatch"
	"scalewatch/internal/signal/ntp"
	"scalewatch/internal/supervisor"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const healthShutdownTimeout = 5 * time.Second

// StatusSource reports the supervisor's task state.
// Production: supervisor.Supervisor
// Testing: fixed status
type StatusSource interface {
	Status() supervisor.Status
}

// ClockStatus reports the local clock's offset check.
// Production: ntp.Checker
type ClockStatus interface {
	Status() ntp.Status
}

type healthResponse struct {
	Healthy bool `json:"healthy"`
	supervisor.Status
	NTP *ntp.Status `json:"ntp,omitempty"`
}

// Health serves GET /health and GET /ready.
type Health struct {
	Supervisor StatusSource
	Clock      ClockStatus // nil when the NTP check is disabled
	StaleAfter time.Duration
	Now        scalewatch.Clock
}

func (h *Health) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now.Now()
}

// Handler returns the routes, traced with otelhttp.
func (h *Health) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	return otelhttp.NewHandler(mux, "scalewatch.health")
}

// healthy is true while the last successful cycle is younger than
// StaleAfter. A node holding no lease has nothing to go stale.
func (h *Health) healthy(st supervisor.Status) bool {
	if !st.Leased() {
		return true
	}
	if st.LastSuccessfulCycle.IsZero() {
		return false
	}
	return h.now().Sub(st.LastSuccessfulCycle) < h.StaleAfter
}

func (h *Health) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := h.Supervisor.Status()
	resp := healthResponse{Healthy: h.healthy(st), Status: st}
	if h.Clock != nil {
		ntpStatus := h.Clock.Status()
		resp.NTP = &ntpStatus
	}
	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Health) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := h.Supervisor.Status().Ready
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"ready": ready})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ListenAndServe serves the health routes on addr until ctx is cancelled.
func (h *Health) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Health server shutdown failed.", "err", err)
		}
	}()

	slog.Info("Serving health endpoint.", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve health: %w", err)
	}
	return nil
}
