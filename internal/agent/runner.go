package agent

import (
	"context"
	"errors"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"paneltrader/internal/core"
	"paneltrader/pkg/telemetry"
)

// RunnerConfig bounds one agent turn
type RunnerConfig struct {
	TurnTimeout     time.Duration
	TurnMaxAttempts int
}

// Runner executes single agent turns with a per-turn deadline and retries
// on transient failures. Context cancellation is terminal and never retried.
type Runner struct {
	cfg      RunnerConfig
	model    model.BaseChatModel
	logger   core.ILogger
	pipeline failsafe.Executor[string]
}

// NewRunner creates a turn runner around the given chat model
func NewRunner(cfg RunnerConfig, chatModel model.BaseChatModel, logger core.ILogger) *Runner {
	if cfg.TurnMaxAttempts <= 0 {
		cfg.TurnMaxAttempts = 3
	}

	retryPolicy := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool {
			if err == nil {
				return false
			}
			return ctxAlive(err)
		}).
		WithBackoff(500*time.Millisecond, 5*time.Second).
		WithMaxRetries(cfg.TurnMaxAttempts - 1).
		Build()

	return &Runner{
		cfg:      cfg,
		model:    chatModel,
		logger:   logger.WithField("component", "agent_runner"),
		pipeline: failsafe.With[string](retryPolicy),
	}
}

func ctxAlive(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// RunTurn runs one prompt through the model and returns its raw text
func (r *Runner) RunTurn(ctx context.Context, req core.TurnRequest) (string, error) {
	tctx := ctx
	if r.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, r.cfg.TurnTimeout)
		defer cancel()
	}

	started := time.Now()
	out, err := r.pipeline.GetWithExecution(func(exec failsafe.Execution[string]) (string, error) {
		if exec.Attempts() > 1 {
			r.logger.Warn("Retrying agent turn",
				"participant", req.ParticipantID, "attempt", exec.Attempts(), "last_error", exec.LastError())
		}
		resp, err := r.model.Generate(tctx, []*schema.Message{
			schema.SystemMessage(req.SystemPrompt),
			schema.UserMessage(req.Prompt),
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	})

	elapsed := time.Since(started)
	telemetry.GetGlobalMetrics().RecordAgentTurn(ctx, req.ParticipantID, float64(elapsed.Milliseconds()))
	if err != nil {
		r.logger.Error("Agent turn failed",
			"participant", req.ParticipantID, "error", err, "elapsed", elapsed)
		return "", err
	}
	r.logger.Debug("Agent turn complete", "participant", req.ParticipantID, "elapsed", elapsed)
	return out, nil
}

var _ core.AgentRunner = (*Runner)(nil)
