package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paneltrader/internal/core"
	"paneltrader/internal/logging"
)

// scriptedModel returns the queued errors in order, then succeeds
type scriptedModel struct {
	errs  []error
	calls int
	reply string
}

func (m *scriptedModel) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *scriptedModel) Stream(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func testRequest() core.TurnRequest {
	return core.TurnRequest{ParticipantID: "market", SystemPrompt: "sys", Prompt: "go"}
}

func TestRunTurnReturnsContent(t *testing.T) {
	m := &scriptedModel{reply: "HOLD"}
	r := NewRunner(RunnerConfig{TurnMaxAttempts: 2}, m, logging.NewNop())

	out, err := r.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "HOLD", out)
	assert.Equal(t, 1, m.calls)
}

func TestRunTurnRetriesTransientErrors(t *testing.T) {
	m := &scriptedModel{errs: []error{errors.New("rate limited")}, reply: "SELL"}
	r := NewRunner(RunnerConfig{TurnMaxAttempts: 2}, m, logging.NewNop())

	out, err := r.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "SELL", out)
	assert.Equal(t, 2, m.calls)
}

func TestRunTurnStopsOnCancellation(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"bare cancellation", context.Canceled},
		{"wrapped cancellation", fmt.Errorf("turn aborted: %w", context.Canceled)},
		{"wrapped deadline", fmt.Errorf("model call: %w", context.DeadlineExceeded)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &scriptedModel{errs: []error{tt.err}}
			r := NewRunner(RunnerConfig{TurnMaxAttempts: 3}, m, logging.NewNop())

			_, err := r.RunTurn(context.Background(), testRequest())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, m.calls, "cancellation must not be retried")
		})
	}
}

func TestCtxAlive(t *testing.T) {
	assert.True(t, ctxAlive(errors.New("connection reset")))
	assert.False(t, ctxAlive(context.Canceled))
	assert.False(t, ctxAlive(fmt.Errorf("outer: %w", context.Canceled)))
	assert.False(t, ctxAlive(fmt.Errorf("outer: %w", context.DeadlineExceeded)))
}
