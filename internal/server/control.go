// Package server exposes the HTTP control surface: lifecycle commands,
// state inspection and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paneltrader/internal/config"
	"paneltrader/internal/core"
	"paneltrader/internal/meeting"
	"paneltrader/pkg/cli"
	apperrors "paneltrader/pkg/errors"
	"paneltrader/pkg/liveserver"
	"paneltrader/pkg/tradingutils"
)

// Control is the scheduler surface the server drives
type Control interface {
	Start(ctx context.Context) error
	Stop() error
	Pause()
	Resume()
	Trigger(reason string) bool
	State() core.SchedulerState
	Stats() core.SchedulerStats
}

// ConfigAdmin exposes the running configuration for inspection and update
type ConfigAdmin interface {
	Current() config.Config
	Apply(u config.RuntimeUpdate) (config.Config, error)
}

// PhaseReporter reports the meeting phase in progress
type PhaseReporter interface {
	CurrentPhase() meeting.Phase
}

// Historian serves bounded history queries
type Historian interface {
	History(limit int) []core.CycleRecord
}

// Ledger serves account, position and trade history reads
type Ledger interface {
	GetAccount() core.Account
	GetPosition() *core.Position
	GetTrades(limit int) []core.TradeRecord
	GetEquityHistory(limit int) []core.EquityPoint
	Close(ctx context.Context, reason string) (*core.CloseResult, error)
}

// ControlServer is the HTTP control plane for the trading loop
type ControlServer struct {
	port    string
	logger  core.ILogger
	srv     *http.Server
	control Control
	ledger  Ledger
	cycles  Historian
	breaker core.ICircuitBreaker
	stream  *liveserver.Hub
	cfg     ConfigAdmin
	phases  PhaseReporter
}

// AttachStream mounts the live event stream at /ws
func (s *ControlServer) AttachStream(hub *liveserver.Hub) {
	s.stream = hub
}

// AttachConfig mounts the runtime config endpoint at /config
func (s *ControlServer) AttachConfig(admin ConfigAdmin) {
	s.cfg = admin
}

// AttachMeeting surfaces the meeting phase on /status
func (s *ControlServer) AttachMeeting(pr PhaseReporter) {
	s.phases = pr
}

// NewControlServer wires the control plane over the running components
func NewControlServer(port string, control Control, ledger Ledger, cycles Historian, breaker core.ICircuitBreaker, logger core.ILogger) *ControlServer {
	return &ControlServer{
		port:    port,
		logger:  logger.WithField("component", "control_server"),
		control: control,
		ledger:  ledger,
		cycles:  cycles,
		breaker: breaker,
	}
}

// Start begins serving in the background
func (s *ControlServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/account", s.handleAccount)
	mux.HandleFunc("/position", s.handlePosition)
	mux.HandleFunc("/trades", s.handleTrades)
	mux.HandleFunc("/equity", s.handleEquity)
	mux.HandleFunc("/cycles", s.handleCycles)
	mux.HandleFunc("/control/start", s.handleStart)
	mux.HandleFunc("/control/stop", s.handleStop)
	mux.HandleFunc("/control/pause", s.handlePause)
	mux.HandleFunc("/control/resume", s.handleResume)
	mux.HandleFunc("/control/trigger", s.handleTrigger)
	mux.HandleFunc("/control/close", s.handleClose)
	mux.HandleFunc("/control/cooldown/reset", s.handleCooldownReset)
	if s.cfg != nil {
		mux.HandleFunc("/config", s.handleConfig)
	}
	mux.Handle("/metrics", promhttp.Handler())
	if s.stream != nil {
		mux.HandleFunc("/ws", s.stream.ServeWS)
	}

	s.srv = &http.Server{
		Addr:    ":" + s.port,
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting control server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control server failed", "error", err)
		}
	}()
}

// Stop shuts the server down
func (s *ControlServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *ControlServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now(),
		"state":  s.control.State(),
	})
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"state":       s.control.State(),
		"scheduler":   s.control.Stats(),
		"account":     s.ledger.GetAccount(),
		"position":    s.ledger.GetPosition(),
		"cooldown":    s.breaker.Status(),
		"performance": tradingutils.Summarize(s.ledger.GetTrades(0), s.ledger.GetEquityHistory(0)),
	}
	if s.phases != nil {
		status["meeting_phase"] = s.phases.CurrentPhase()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *ControlServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Current().Sanitized())
	case http.MethodPatch:
		var u config.RuntimeUpdate
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid update body: " + err.Error()})
			return
		}
		applied, err := s.cfg.Apply(u)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Info("Runtime config updated")
		writeJSON(w, http.StatusOK, applied.Sanitized())
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *ControlServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.GetAccount())
}

func (s *ControlServer) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos := s.ledger.GetPosition()
	if pos == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"has_position": false})
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *ControlServer) handleTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.GetTrades(limitParam(r)))
}

func (s *ControlServer) handleEquity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.GetEquityHistory(limitParam(r)))
}

func (s *ControlServer) handleCycles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cycles.History(limitParam(r)))
}

func (s *ControlServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.control.Start(context.Background()); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "started"})
}

func (s *ControlServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if st := s.control.State(); st == core.SchedulerStopped || st == core.SchedulerIdle {
		writeJSON(w, http.StatusConflict, map[string]string{"error": apperrors.ErrSchedulerStopped.Error()})
		return
	}
	if err := s.control.Stop(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "stopped"})
}

func (s *ControlServer) handlePause(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.control.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"result": "paused"})
}

func (s *ControlServer) handleResume(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.control.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"result": "resumed"})
}

func (s *ControlServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual_trigger"
	}
	if err := cli.ValidateReason(reason); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	// A triggered cycle would be skipped during cooldown anyway; reject it
	// upfront so the caller sees why.
	if s.breaker.IsTripped() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": apperrors.ErrCooldownActive.Error()})
		return
	}
	if !s.control.Trigger(reason) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": apperrors.ErrCycleInProgress.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "triggered", "reason": reason})
}

func (s *ControlServer) handleClose(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	res, err := s.ledger.Close(r.Context(), "manual_close")
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *ControlServer) handleCooldownReset(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.breaker.Reset()
	writeJSON(w, http.StatusOK, s.breaker.Status())
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
