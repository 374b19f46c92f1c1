// Package alert fans operational notifications out to configured channels:
// circuit breaker trips, protective closes, liquidations.
package alert

import (
	"context"
	"sync"
	"time"

	"paneltrader/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Critical Level = "CRITICAL"
)

// Payload is one notification
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a notification to one destination
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager delivers alerts to all channels. Delivery failures are logged and
// never block or fail the caller.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Notify sends the payload to every channel asynchronously
func (m *Manager) Notify(level Level, title, message string, fields map[string]string) {
	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	if len(channels) == 0 {
		return
	}
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	for _, ch := range channels {
		ch := ch
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := ch.Send(ctx, payload); err != nil {
				m.logger.Warn("Alert delivery failed", "channel", ch.Name(), "title", title, "error", err)
			}
		}()
	}
}
