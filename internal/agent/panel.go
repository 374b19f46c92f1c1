package agent

import (
	"context"
	"sync"

	"paneltrader/internal/core"
	"paneltrader/internal/meeting"
	"paneltrader/pkg/concurrency"
)

// PanelRunner fans participant turns out over a worker pool. Result order
// matches request order regardless of completion order.
type PanelRunner struct {
	runner core.AgentRunner
	pool   *concurrency.WorkerPool
	logger core.ILogger
}

// NewPanelRunner creates the parallel panel used by the orchestrator
func NewPanelRunner(runner core.AgentRunner, workers int, logger core.ILogger) *PanelRunner {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "panel",
		MaxWorkers: workers,
	}, logger)
	return &PanelRunner{
		runner: runner,
		pool:   pool,
		logger: logger.WithField("component", "panel"),
	}
}

// RunAll runs every turn in parallel and waits for all of them. A failed
// turn is reported in its slot; it never blocks the others.
func (p *PanelRunner) RunAll(ctx context.Context, reqs []core.TurnRequest) []meeting.TurnResult {
	results := make([]meeting.TurnResult, len(reqs))
	var wg sync.WaitGroup

	for i, req := range reqs {
		i, req := i, req
		wg.Add(1)
		if err := p.pool.Submit(func() {
			defer wg.Done()
			resp, err := p.runner.RunTurn(ctx, req)
			results[i] = meeting.TurnResult{ParticipantID: req.ParticipantID, Response: resp, Err: err}
		}); err != nil {
			results[i] = meeting.TurnResult{ParticipantID: req.ParticipantID, Err: err}
			wg.Done()
		}
	}

	wg.Wait()
	return results
}

// Chair runs the single chair turn
func (p *PanelRunner) Chair(ctx context.Context, req core.TurnRequest) (string, error) {
	return p.runner.RunTurn(ctx, req)
}

// Stop drains the worker pool
func (p *PanelRunner) Stop() {
	p.pool.Stop()
}

var _ meeting.Panel = (*PanelRunner)(nil)
