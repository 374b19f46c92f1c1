// Package scheduler owns the top-level control loop: periodic cycles,
// trigger watching and the cooldown gate.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"paneltrader/internal/alert"
	"paneltrader/internal/core"
	apperrors "paneltrader/pkg/errors"
	"paneltrader/pkg/telemetry"
)

// Config holds the loop cadence
type Config struct {
	CycleInterval time.Duration // spacing between scheduled cycles
	CycleTimeout  time.Duration // hard bound on one cycle end to end
	WatchInterval time.Duration // trigger polling cadence
}

// Scheduler drives the cycle runner on a fixed cadence and watches
// protective triggers between cycles. Scheduled deadlines are computed from
// the previous deadline, not from cycle completion, so long cycles do not
// drift the cadence.
type Scheduler struct {
	cfg      Config
	runner   core.CycleRunner
	triggers core.TriggerChecker
	breaker  core.ICircuitBreaker
	logger   core.ILogger

	mu         sync.Mutex
	state      core.SchedulerState
	lastRun    time.Time
	nextRun    time.Time
	cycleCount int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	cycleInFlight int32 // atomic: a cycle is running right now
	triggerCh     chan string
	alerts        *alert.Manager
}

// SetAlerts attaches the optional notification manager
func (s *Scheduler) SetAlerts(m *alert.Manager) {
	s.alerts = m
}

// NewScheduler creates a scheduler in the idle state
func NewScheduler(cfg Config, runner core.CycleRunner, triggers core.TriggerChecker, breaker core.ICircuitBreaker, logger core.ILogger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		runner:    runner,
		triggers:  triggers,
		breaker:   breaker,
		logger:    logger.WithField("component", "scheduler"),
		state:     core.SchedulerIdle,
		triggerCh: make(chan string, 1),
	}
}

// Start launches the cycle and watch loops. Calling Start on a running
// scheduler is a warned no-op: the existing loops keep their cadence and no
// second set is spawned.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == core.SchedulerRunning || s.state == core.SchedulerAnalyzing {
		s.logger.Warn("Start called while already running, ignoring")
		return apperrors.ErrSchedulerRunning
	}
	// A previous run that was never cleanly stopped leaves a live cancel
	// behind. Cancel it before launching fresh loops.
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = core.SchedulerRunning
	s.logger.Info("Scheduler starting",
		"cycle_interval", s.cfg.CycleInterval, "watch_interval", s.cfg.WatchInterval)

	s.wg.Add(1)
	go s.cycleLoop(s.ctx)

	if s.triggers != nil && s.cfg.WatchInterval > 0 {
		s.wg.Add(1)
		go s.watchLoop(s.ctx)
	}
	return nil
}

// Stop cancels the loops and waits for them to drain
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.state == core.SchedulerStopped || s.state == core.SchedulerIdle {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("Scheduler stopping")
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn("Scheduler stop timed out waiting for loops")
	}

	s.mu.Lock()
	s.state = core.SchedulerStopped
	s.mu.Unlock()
	s.logger.Info("Scheduler stopped")
	return nil
}

// Pause suspends scheduled and triggered cycles without tearing the loops
// down. The watch loop keeps checking triggers; protective closes still
// happen inside the trigger checker itself.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == core.SchedulerRunning || s.state == core.SchedulerAnalyzing {
		s.state = core.SchedulerPaused
		s.logger.Info("Scheduler paused")
	}
}

// Resume lifts a pause
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == core.SchedulerPaused {
		s.state = core.SchedulerRunning
		s.logger.Info("Scheduler resumed")
	}
}

// State reports the current loop state
func (s *Scheduler) State() core.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats reports loop progress for the status surface
func (s *Scheduler) Stats() core.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.SchedulerStats{
		State:      s.state,
		LastRun:    s.lastRun,
		NextRun:    s.nextRun,
		CycleCount: s.cycleCount,
	}
}

// SetCycleInterval adjusts the cadence. The change takes effect when the
// next deadline is computed; the deadline already in flight keeps its time.
func (s *Scheduler) SetCycleInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.CycleInterval = d
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.CycleInterval
}

func (s *Scheduler) setNextRun(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRun = at
}

// Trigger requests an immediate out-of-band cycle. While a cycle is already
// in flight the request is dropped: the running meeting will see the same
// state the trigger reacted to.
func (s *Scheduler) Trigger(reason string) bool {
	if atomic.LoadInt32(&s.cycleInFlight) == 1 {
		s.logger.Info("Trigger ignored, cycle already in flight", "reason", reason)
		return false
	}
	select {
	case s.triggerCh <- reason:
		return true
	default:
		s.logger.Info("Trigger ignored, one already queued", "reason", reason)
		return false
	}
}

// cycleLoop runs the startup cycle immediately, then keeps a deadline
// cadence of CycleInterval. Sleeping happens in bounded slices so a trigger
// or cancellation never waits out a long interval.
func (s *Scheduler) cycleLoop(ctx context.Context) {
	defer s.wg.Done()

	s.runCycle(ctx, "startup")
	deadline := time.Now().Add(s.interval())
	s.setNextRun(deadline)

	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			s.runCycle(ctx, "scheduled")
			deadline = deadline.Add(s.interval())
			// After a stall longer than the interval, realign forward
			// instead of firing a burst of catch-up cycles.
			if time.Now().After(deadline) {
				deadline = time.Now().Add(s.interval())
			}
			s.setNextRun(deadline)
			continue
		}
		if wait > time.Second {
			wait = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case reason := <-s.triggerCh:
			s.runCycle(ctx, reason)
		case <-time.After(wait):
		}
	}
}

// watchLoop polls protective triggers between cycles. A fired trigger has
// already closed the position when CheckTriggers returns; the follow-up
// cycle convenes the panel on the flat state.
func (s *Scheduler) watchLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if atomic.LoadInt32(&s.cycleInFlight) == 1 {
			continue
		}

		kind, res, err := s.triggers.CheckTriggers(ctx)
		if err != nil {
			s.logger.Warn("Trigger check failed", "error", err)
			continue
		}
		if kind == core.TriggerNone {
			continue
		}

		// The close callback has already fed the realized PnL to the
		// breaker; here we only notify and convene the follow-up cycle.
		s.logger.Info("Protective trigger fired", "kind", kind, "pnl", res.PnL)
		if s.alerts != nil {
			level := alert.Warning
			if kind == core.TriggerLiquidation {
				level = alert.Critical
			}
			s.alerts.Notify(level, "Protective trigger fired",
				"Position closed by "+string(kind), map[string]string{
					"pnl":  res.PnL.String(),
					"exit": res.Trade.ExitPrice.String(),
				})
		}
		s.Trigger(string(kind) + "_triggered")
	}
}

func (s *Scheduler) runCycle(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.state == core.SchedulerPaused {
		s.mu.Unlock()
		s.logger.Info("Cycle skipped, scheduler paused", "reason", reason)
		telemetry.GetGlobalMetrics().RecordCycle(ctx, string(core.CycleSkipped))
		return
	}
	s.mu.Unlock()

	if s.breaker != nil && s.breaker.IsTripped() {
		st := s.breaker.Status()
		s.logger.Warn("Cycle skipped, cooldown active",
			"reason", reason, "consecutive_losses", st.ConsecutiveLosses, "cooldown_until", st.CooldownUntil)
		telemetry.GetGlobalMetrics().RecordCycle(ctx, string(core.CycleSkipped))
		return
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.cycleCount++
	s.mu.Unlock()

	atomic.StoreInt32(&s.cycleInFlight, 1)
	s.setAnalyzing(true)
	defer func() {
		s.setAnalyzing(false)
		atomic.StoreInt32(&s.cycleInFlight, 0)
	}()

	cctx := ctx
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	rec, err := s.runner.RunCycle(cctx, reason)
	if rec != nil {
		telemetry.GetGlobalMetrics().RecordCycle(ctx, string(rec.Outcome))
	}
	if err != nil {
		s.logger.Error("Cycle ended with error", "reason", reason, "error", err)
	}
}

func (s *Scheduler) setAnalyzing(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case on && s.state == core.SchedulerRunning:
		s.state = core.SchedulerAnalyzing
	case !on && s.state == core.SchedulerAnalyzing:
		s.state = core.SchedulerRunning
	}
}
