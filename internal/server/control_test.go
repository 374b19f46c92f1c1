package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paneltrader/internal/config"
	"paneltrader/internal/core"
	"paneltrader/internal/logging"
	"paneltrader/internal/meeting"
)

type stubControl struct {
	state     core.SchedulerState
	stats     core.SchedulerStats
	triggered []string
	paused    bool
	inFlight  bool
}

func (c *stubControl) Start(_ context.Context) error { return nil }
func (c *stubControl) Stop() error                   { return nil }
func (c *stubControl) Pause()                        { c.paused = true }
func (c *stubControl) Resume()                       { c.paused = false }
func (c *stubControl) State() core.SchedulerState    { return c.state }

func (c *stubControl) Stats() core.SchedulerStats {
	st := c.stats
	st.State = c.state
	return st
}

func (c *stubControl) Trigger(reason string) bool {
	if c.inFlight {
		return false
	}
	c.triggered = append(c.triggered, reason)
	return true
}

type stubLedger struct {
	account  core.Account
	position *core.Position
	trades   []core.TradeRecord
	equity   []core.EquityPoint
	closeErr error
}

func (l *stubLedger) GetAccount() core.Account                  { return l.account }
func (l *stubLedger) GetPosition() *core.Position               { return l.position }
func (l *stubLedger) GetTrades(_ int) []core.TradeRecord        { return l.trades }
func (l *stubLedger) GetEquityHistory(_ int) []core.EquityPoint { return l.equity }

func (l *stubLedger) Close(_ context.Context, reason string) (*core.CloseResult, error) {
	if l.closeErr != nil {
		return nil, l.closeErr
	}
	return &core.CloseResult{PnL: decimal.NewFromInt(100)}, nil
}

type stubHistorian struct {
	records []core.CycleRecord
}

func (h *stubHistorian) History(_ int) []core.CycleRecord { return h.records }

type stubBreaker struct {
	status core.CooldownStatus
	reset  bool
}

func (b *stubBreaker) RecordTrade(_ decimal.Decimal) {}
func (b *stubBreaker) IsTripped() bool               { return b.status.Active }
func (b *stubBreaker) Reset()                        { b.reset = true; b.status.Active = false }
func (b *stubBreaker) Status() core.CooldownStatus   { return b.status }

func newTestServer() (*ControlServer, *stubControl, *stubLedger, *stubBreaker) {
	control := &stubControl{state: core.SchedulerRunning}
	ledger := &stubLedger{account: core.Account{Balance: decimal.NewFromInt(10000)}}
	breaker := &stubBreaker{}
	srv := NewControlServer("0", control, ledger, &stubHistorian{}, breaker, logging.NewNop())
	return srv, control, ledger, breaker
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type stubPhases struct {
	phase meeting.Phase
}

func (p *stubPhases) CurrentPhase() meeting.Phase { return p.phase }

func TestHandleStatus(t *testing.T) {
	srv, control, _, _ := newTestServer()
	control.stats = core.SchedulerStats{
		LastRun:    time.Now().Add(-time.Minute),
		NextRun:    time.Now().Add(59 * time.Minute),
		CycleCount: 7,
	}
	srv.AttachMeeting(&stubPhases{phase: meeting.PhaseVoting})

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "running", body["state"])
	assert.Contains(t, body, "account")
	assert.Contains(t, body, "cooldown")
	assert.Contains(t, body, "performance")
	assert.Equal(t, "signal_voting", body["meeting_phase"])

	sched, ok := body["scheduler"].(map[string]interface{})
	require.True(t, ok, "status must carry the scheduler stats")
	assert.Equal(t, float64(7), sched["cycle_count"])
	assert.Contains(t, sched, "last_run")
	assert.Contains(t, sched, "next_run")
}

func TestHandlePosition(t *testing.T) {
	srv, _, ledger, _ := newTestServer()

	t.Run("flat", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.handlePosition(rec, httptest.NewRequest(http.MethodGet, "/position", nil))
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["has_position"])
	})

	t.Run("open position", func(t *testing.T) {
		ledger.position = &core.Position{ID: "pos-1", Direction: core.DirectionLong}
		rec := httptest.NewRecorder()
		srv.handlePosition(rec, httptest.NewRequest(http.MethodGet, "/position", nil))
		body := decodeBody(t, rec)
		assert.Equal(t, "pos-1", body["id"])
	})
}

func TestHandleTrigger(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		srv, control, _, _ := newTestServer()
		rec := httptest.NewRecorder()
		srv.handleTrigger(rec, httptest.NewRequest(http.MethodPost, "/control/trigger?reason=price_spike", nil))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{"price_spike"}, control.triggered)
	})

	t.Run("default reason", func(t *testing.T) {
		srv, control, _, _ := newTestServer()
		rec := httptest.NewRecorder()
		srv.handleTrigger(rec, httptest.NewRequest(http.MethodPost, "/control/trigger", nil))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{"manual_trigger"}, control.triggered)
	})

	t.Run("invalid reason rejected", func(t *testing.T) {
		srv, control, _, _ := newTestServer()
		rec := httptest.NewRecorder()
		srv.handleTrigger(rec, httptest.NewRequest(http.MethodPost, "/control/trigger?reason=bad%3Breason", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, control.triggered)
	})

	t.Run("conflict while in flight", func(t *testing.T) {
		srv, control, _, _ := newTestServer()
		control.inFlight = true
		rec := httptest.NewRecorder()
		srv.handleTrigger(rec, httptest.NewRequest(http.MethodPost, "/control/trigger", nil))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "cycle already in progress")
	})

	t.Run("rejected during cooldown", func(t *testing.T) {
		srv, control, _, breaker := newTestServer()
		breaker.status = core.CooldownStatus{Active: true, ConsecutiveLosses: 3}
		rec := httptest.NewRecorder()
		srv.handleTrigger(rec, httptest.NewRequest(http.MethodPost, "/control/trigger", nil))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "cooldown active")
		assert.Empty(t, control.triggered)
	})

	t.Run("GET not allowed", func(t *testing.T) {
		srv, _, _, _ := newTestServer()
		rec := httptest.NewRecorder()
		srv.handleTrigger(rec, httptest.NewRequest(http.MethodGet, "/control/trigger", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandlePauseResume(t *testing.T) {
	srv, control, _, _ := newTestServer()

	rec := httptest.NewRecorder()
	srv.handlePause(rec, httptest.NewRequest(http.MethodPost, "/control/pause", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, control.paused)

	rec = httptest.NewRecorder()
	srv.handleResume(rec, httptest.NewRequest(http.MethodPost, "/control/resume", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, control.paused)
}

func TestHandleStopWhenNotRunning(t *testing.T) {
	srv, control, _, _ := newTestServer()
	control.state = core.SchedulerStopped

	rec := httptest.NewRecorder()
	srv.handleStop(rec, httptest.NewRequest(http.MethodPost, "/control/stop", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "scheduler not running")
}

func TestHandleConfig(t *testing.T) {
	newConfigServer := func(t *testing.T) (*ControlServer, *config.Manager) {
		t.Helper()
		srv, _, _, _ := newTestServer()
		cfg := config.Default()
		cfg.Alerts.SlackWebhookURL = "https://hooks.example.com/secret"
		mgr := config.NewManager(cfg)
		srv.AttachConfig(mgr)
		return srv, mgr
	}

	t.Run("get returns sanitized config", func(t *testing.T) {
		srv, _ := newConfigServer(t)
		rec := httptest.NewRecorder()
		srv.handleConfig(rec, httptest.NewRequest(http.MethodGet, "/config", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		trading, ok := body["trading"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(20), trading["max_leverage"])
		alerts := body["alerts"].(map[string]interface{})
		assert.Equal(t, "***", alerts["slack_webhook_url"])
	})

	t.Run("patch applies updatable fields", func(t *testing.T) {
		srv, mgr := newConfigServer(t)
		payload := `{"max_leverage": 10, "cooldown_duration": "2h"}`
		rec := httptest.NewRecorder()
		srv.handleConfig(rec, httptest.NewRequest(http.MethodPatch, "/config", strings.NewReader(payload)))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(10), mgr.Current().Trading.MaxLeverage)
		assert.Equal(t, 2*time.Hour, mgr.Current().Risk.CooldownDuration)
	})

	t.Run("invalid patch is rejected without applying", func(t *testing.T) {
		srv, mgr := newConfigServer(t)
		rec := httptest.NewRecorder()
		srv.handleConfig(rec, httptest.NewRequest(http.MethodPatch, "/config", strings.NewReader(`{"max_leverage": 500}`)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, float64(20), mgr.Current().Trading.MaxLeverage)
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		srv, _ := newConfigServer(t)
		rec := httptest.NewRecorder()
		srv.handleConfig(rec, httptest.NewRequest(http.MethodPatch, "/config", strings.NewReader("{")))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("other methods not allowed", func(t *testing.T) {
		srv, _ := newConfigServer(t)
		rec := httptest.NewRecorder()
		srv.handleConfig(rec, httptest.NewRequest(http.MethodDelete, "/config", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandleCooldownReset(t *testing.T) {
	srv, _, _, breaker := newTestServer()
	breaker.status = core.CooldownStatus{Active: true, ConsecutiveLosses: 3}

	rec := httptest.NewRecorder()
	srv.handleCooldownReset(rec, httptest.NewRequest(http.MethodPost, "/control/cooldown/reset", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, breaker.reset)
}

func TestLimitParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 0},
		{"limit=10", 10},
		{"limit=-5", 0},
		{"limit=abc", 0},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/trades?"+tt.query, nil)
		assert.Equal(t, tt.want, limitParam(r), "query %q", tt.query)
	}
}
