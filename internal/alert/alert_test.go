package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paneltrader/internal/logging"
)

type recordingChannel struct {
	mu       sync.Mutex
	payloads []Payload
	err      error
	received chan struct{}
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{received: make(chan struct{}, 8)}
}

func (c *recordingChannel) Send(_ context.Context, payload Payload) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	c.received <- struct{}{}
	return c.err
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) wait(t *testing.T) Payload {
	t.Helper()
	select {
	case <-c.received:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never received the alert")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloads[len(c.payloads)-1]
}

func TestNotifyDeliversToAllChannels(t *testing.T) {
	m := NewManager(logging.NewNop())
	first := newRecordingChannel()
	second := newRecordingChannel()
	m.AddChannel(first)
	m.AddChannel(second)

	m.Notify(Critical, "Circuit breaker tripped", "cooldown active", map[string]string{
		"consecutive_losses": "3",
	})

	p1 := first.wait(t)
	p2 := second.wait(t)

	assert.Equal(t, Critical, p1.Level)
	assert.Equal(t, "Circuit breaker tripped", p1.Title)
	assert.Equal(t, "3", p1.Fields["consecutive_losses"])
	assert.Equal(t, p1.Title, p2.Title)
	assert.False(t, p1.Timestamp.IsZero())
}

func TestNotifyWithoutChannelsIsNoop(t *testing.T) {
	m := NewManager(logging.NewNop())
	assert.NotPanics(t, func() {
		m.Notify(Info, "nothing listening", "", nil)
	})
}

func TestNotifySurvivesChannelFailure(t *testing.T) {
	m := NewManager(logging.NewNop())
	failing := newRecordingChannel()
	failing.err = errors.New("webhook down")
	healthy := newRecordingChannel()
	m.AddChannel(failing)
	m.AddChannel(healthy)

	m.Notify(Warning, "Protective trigger fired", "stop loss", nil)

	failing.wait(t)
	p := healthy.wait(t)
	require.Equal(t, Warning, p.Level)
}
