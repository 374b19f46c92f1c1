package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"paneltrader/internal/core"
	"paneltrader/internal/meeting"
	"paneltrader/internal/position"
)

// Meeting is the consensus stage of a cycle, satisfied by the orchestrator
type Meeting interface {
	Run(ctx context.Context, pc core.PositionContext) (*core.TradingSignal, error)
}

// PipelineConfig holds cycle-level parameters
type PipelineConfig struct {
	Symbol            string
	Builder           position.BuilderConfig
	CycleHistoryLimit int
}

// Pipeline is the cycle runner: it builds a fresh position context, convenes
// a meeting, executes the resulting signal, and records the outcome. One
// cycle runs at a time; concurrency control lives in the scheduler.
type Pipeline struct {
	cfg      PipelineConfig
	feed     core.PriceFeed
	backend  core.Backend
	meeting  Meeting
	executor *Executor
	logger   core.ILogger

	mu       sync.Mutex
	history  []core.CycleRecord
	observer func(core.CycleRecord)
}

// SetObserver registers a callback invoked with every recorded cycle
func (p *Pipeline) SetObserver(fn func(core.CycleRecord)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = fn
}

// NewPipeline creates a cycle pipeline
func NewPipeline(cfg PipelineConfig, feed core.PriceFeed, backend core.Backend, mt Meeting, executor *Executor, logger core.ILogger) *Pipeline {
	if cfg.CycleHistoryLimit <= 0 {
		cfg.CycleHistoryLimit = 200
	}
	return &Pipeline{
		cfg:      cfg,
		feed:     feed,
		backend:  backend,
		meeting:  mt,
		executor: executor,
		logger:   logger.WithField("component", "pipeline"),
	}
}

// RunCycle runs one full orchestration cycle. The returned record is always
// appended to the bounded history, whatever the outcome.
func (p *Pipeline) RunCycle(ctx context.Context, reason string) (*core.CycleRecord, error) {
	started := time.Now()
	rec := core.CycleRecord{
		ID:        uuid.NewString(),
		Reason:    reason,
		StartedAt: started,
	}
	p.logger.Info("Cycle started", "cycle_id", rec.ID, "reason", reason)

	outcome, detail, err := p.runOnce(ctx)
	rec.Outcome = outcome
	rec.Detail = detail
	rec.Duration = time.Since(started)

	p.record(rec)
	if err != nil {
		p.logger.Error("Cycle failed", "cycle_id", rec.ID, "error", err, "duration", rec.Duration)
		return &rec, err
	}
	p.logger.Info("Cycle finished",
		"cycle_id", rec.ID, "outcome", rec.Outcome, "detail", rec.Detail, "duration", rec.Duration)
	return &rec, nil
}

func (p *Pipeline) runOnce(ctx context.Context) (core.CycleOutcome, string, error) {
	price, err := p.feed.GetPrice(ctx, p.cfg.Symbol)
	if err != nil {
		return core.CycleError, "price unavailable", fmt.Errorf("fetch price: %w", err)
	}

	pc := position.Build(p.cfg.Builder, p.backend.GetAccount(), p.backend.GetPosition(), price, time.Now())

	sig, err := p.meeting.Run(ctx, pc)
	if err != nil {
		return core.CycleError, "meeting failed", fmt.Errorf("run meeting: %w", err)
	}
	if sig.Direction == core.SignalHold {
		return core.CycleHold, sig.Rationale, nil
	}

	// The context may be stale by the time the meeting ends; rebuild it so
	// validation and sizing see the position as it is now.
	price, err = p.feed.GetPrice(ctx, p.cfg.Symbol)
	if err != nil {
		return core.CycleError, "price unavailable before execution", fmt.Errorf("refresh price: %w", err)
	}
	pc = position.Build(p.cfg.Builder, p.backend.GetAccount(), p.backend.GetPosition(), price, time.Now())

	res := p.executor.Execute(ctx, sig, pc)
	switch res.Status {
	case core.ExecRejected:
		return core.CycleRejected, fmt.Sprintf("%s: %s", res.Action, res.Details), nil
	case core.ExecError:
		return core.CycleError, fmt.Sprintf("%s: %s", res.Action, res.Details), nil
	default:
		return core.CycleExecuted, fmt.Sprintf("%s: %s", res.Action, res.Details), nil
	}
}

func (p *Pipeline) record(rec core.CycleRecord) {
	p.mu.Lock()
	p.history = append(p.history, rec)
	if len(p.history) > p.cfg.CycleHistoryLimit {
		p.history = p.history[len(p.history)-p.cfg.CycleHistoryLimit:]
	}
	observer := p.observer
	p.mu.Unlock()

	if observer != nil {
		observer(rec)
	}
}

// History returns up to limit most recent cycle records, newest last.
// limit <= 0 returns everything retained.
func (p *Pipeline) History(limit int) []core.CycleRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]core.CycleRecord, n)
	copy(out, p.history[len(p.history)-n:])
	return out
}

var _ core.CycleRunner = (*Pipeline)(nil)
var _ Meeting = (*meeting.Orchestrator)(nil)
