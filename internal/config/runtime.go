package config

import (
	"sync"
	"time"
)

// RuntimeUpdate carries the fields adjustable through the control surface.
// Pointer fields distinguish "leave unchanged" from an explicit zero value;
// durations arrive as strings like "2h" or "30m".
type RuntimeUpdate struct {
	CycleInterval        *string  `json:"cycle_interval,omitempty"`
	MaxLeverage          *float64 `json:"max_leverage,omitempty"`
	MinPositionPercent   *float64 `json:"min_position_percent,omitempty"`
	MaxPositionPercent   *float64 `json:"max_position_percent,omitempty"`
	DefaultSizePercent   *float64 `json:"default_size_percent,omitempty"`
	MaxConsecutiveLosses *int     `json:"max_consecutive_losses,omitempty"`
	CooldownDuration     *string  `json:"cooldown_duration,omitempty"`
}

// Apply returns a copy of c with the update applied. The result is validated
// as a whole, so an update that would break a cross-field constraint is
// rejected without touching the running config.
func (c Config) Apply(u RuntimeUpdate) (*Config, error) {
	next := c

	if u.CycleInterval != nil {
		d, err := time.ParseDuration(*u.CycleInterval)
		if err != nil {
			return nil, ValidationError{Field: "meeting.cycle_interval", Value: *u.CycleInterval, Message: "invalid duration"}
		}
		next.Meeting.CycleInterval = d
	}
	if u.CooldownDuration != nil {
		d, err := time.ParseDuration(*u.CooldownDuration)
		if err != nil {
			return nil, ValidationError{Field: "risk.cooldown_duration", Value: *u.CooldownDuration, Message: "invalid duration"}
		}
		next.Risk.CooldownDuration = d
	}
	if u.MaxLeverage != nil {
		next.Trading.MaxLeverage = *u.MaxLeverage
	}
	if u.MinPositionPercent != nil {
		next.Trading.MinPositionPercent = *u.MinPositionPercent
	}
	if u.MaxPositionPercent != nil {
		next.Trading.MaxPositionPercent = *u.MaxPositionPercent
	}
	if u.DefaultSizePercent != nil {
		next.Trading.DefaultSizePercent = *u.DefaultSizePercent
	}
	if u.MaxConsecutiveLosses != nil {
		next.Risk.MaxConsecutiveLosses = *u.MaxConsecutiveLosses
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}
	return &next, nil
}

// Sanitized returns a copy safe to expose over the control surface, with
// channel secrets masked.
func (c Config) Sanitized() Config {
	if c.Alerts.SlackWebhookURL != "" {
		c.Alerts.SlackWebhookURL = "***"
	}
	if c.Alerts.TelegramBotToken != "" {
		c.Alerts.TelegramBotToken = "***"
	}
	return c
}

// Manager guards the running configuration and pushes applied updates to
// registered listeners.
type Manager struct {
	mu        sync.RWMutex
	cfg       *Config
	listeners []func(*Config)
}

// NewManager wraps the loaded configuration for runtime access
func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: cfg}
}

// Current returns a copy of the running configuration
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// OnApply registers a listener called with every successfully applied update
func (m *Manager) OnApply(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Apply validates the update against the running config and, on success,
// swaps it in and notifies listeners.
func (m *Manager) Apply(u RuntimeUpdate) (Config, error) {
	m.mu.Lock()
	next, err := m.cfg.Apply(u)
	if err != nil {
		m.mu.Unlock()
		return Config{}, err
	}
	m.cfg = next
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return *next, nil
}
