// Package risk holds the loss-streak circuit breaker that gates new
// orchestration cycles.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"paneltrader/internal/core"
	"paneltrader/pkg/telemetry"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitConfig bounds the losing streak and the cooldown that follows it
type CircuitConfig struct {
	MaxConsecutiveLosses int
	CooldownDuration     time.Duration
}

// CircuitBreaker trips after a configured run of consecutive losing trades
// and stays open for a fixed cooldown window. A winning trade resets the
// streak; breakeven counts as a win, not a loss.
type CircuitBreaker struct {
	mu                sync.RWMutex
	state             CircuitState
	config            CircuitConfig
	logger            core.ILogger
	consecutiveLosses int
	lastTripped       time.Time
	onTrip            func(core.CooldownStatus)

	now func() time.Time // injectable for tests
}

// SetLimits adjusts the trip threshold and cooldown length at runtime
func (cb *CircuitBreaker) SetLimits(maxLosses int, cooldown time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if maxLosses > 0 {
		cb.config.MaxConsecutiveLosses = maxLosses
	}
	if cooldown > 0 {
		cb.config.CooldownDuration = cooldown
	}
	cb.checkThresholds()
}

// SetTripCallback registers an observer notified when the breaker trips
func (cb *CircuitBreaker) SetTripCallback(fn func(core.CooldownStatus)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = fn
}

func NewCircuitBreaker(config CircuitConfig, logger core.ILogger) *CircuitBreaker {
	return &CircuitBreaker{
		state:  CircuitClosed,
		config: config,
		logger: logger.WithField("component", "circuit_breaker"),
		now:    time.Now,
	}
}

// RecordTrade feeds one realized trade outcome into the streak counter
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}

	cb.checkThresholds()
}

func (cb *CircuitBreaker) checkThresholds() {
	if cb.state == CircuitOpen {
		return
	}
	if cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.trip("max consecutive losses reached")
	}
}

func (cb *CircuitBreaker) trip(reason string) {
	cb.state = CircuitOpen
	cb.lastTripped = cb.now()
	cb.logger.Warn("Circuit breaker tripped",
		"reason", reason, "consecutive_losses", cb.consecutiveLosses,
		"cooldown_until", cb.lastTripped.Add(cb.config.CooldownDuration))

	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", true)

	if cb.onTrip != nil {
		go cb.onTrip(core.CooldownStatus{
			Active:            true,
			ConsecutiveLosses: cb.consecutiveLosses,
			CooldownUntil:     cb.lastTripped.Add(cb.config.CooldownDuration),
		})
	}
}

// IsTripped reports whether new cycles are gated. An expired cooldown
// closes the breaker and clears the streak on the way out.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return false
	}
	if cb.config.CooldownDuration > 0 && cb.now().Sub(cb.lastTripped) > cb.config.CooldownDuration {
		cb.state = CircuitClosed
		cb.consecutiveLosses = 0
		cb.logger.Info("Circuit breaker cooldown expired, resuming")
		telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", false)
		return false
	}
	return true
}

// Reset is the manual override: it closes the breaker and clears the streak
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveLosses = 0
	cb.logger.Info("Circuit breaker manually reset")

	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", false)
}

// Open manually trips the circuit breaker
func (cb *CircuitBreaker) Open(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(reason)
}

// Status reports the breaker state for control surfaces
func (cb *CircuitBreaker) Status() core.CooldownStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	st := core.CooldownStatus{
		ConsecutiveLosses: cb.consecutiveLosses,
	}
	if cb.state == CircuitOpen {
		until := cb.lastTripped.Add(cb.config.CooldownDuration)
		if cb.config.CooldownDuration <= 0 || cb.now().Before(until) {
			st.Active = true
			st.CooldownUntil = until
		}
	}
	return st
}

var _ core.ICircuitBreaker = (*CircuitBreaker)(nil)
