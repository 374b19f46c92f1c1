// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App     AppConfig     `yaml:"app" json:"app"`
	Trading TradingConfig `yaml:"trading" json:"trading"`
	Risk    RiskConfig    `yaml:"risk" json:"risk"`
	Meeting MeetingConfig `yaml:"meeting" json:"meeting"`
	Agents  AgentsConfig  `yaml:"agents" json:"agents"`
	Feed    FeedConfig    `yaml:"feed" json:"feed"`
	Alerts  AlertsConfig  `yaml:"alerts" json:"alerts"`
	System  SystemConfig  `yaml:"system" json:"system"`
}

// AlertsConfig contains optional notification channel settings
type AlertsConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url" json:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token" json:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id" json:"telegram_chat_id"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Symbol         string  `yaml:"symbol" json:"symbol"`
	InitialBalance float64 `yaml:"initial_balance" json:"initial_balance"`
	StatePath      string  `yaml:"state_path" json:"state_path"`     // sqlite file, empty for in-memory
	ControlPort    int     `yaml:"control_port" json:"control_port"` // HTTP control surface
}

// TradingConfig contains position sizing and execution parameters
type TradingConfig struct {
	MaxLeverage          float64 `yaml:"max_leverage" json:"max_leverage"`
	MinPositionPercent   float64 `yaml:"min_position_percent" json:"min_position_percent"`
	MaxPositionPercent   float64 `yaml:"max_position_percent" json:"max_position_percent"`
	DefaultSizePercent   float64 `yaml:"default_size_percent" json:"default_size_percent"`
	MinConfidence        int     `yaml:"min_confidence" json:"min_confidence"`               // minimum avg confidence to act
	HighConfidence       int     `yaml:"high_confidence" json:"high_confidence"`             // threshold for reversals
	DefaultTPPercent     float64 `yaml:"default_tp_percent" json:"default_tp_percent"`       // vs entry price
	DefaultSLPercent     float64 `yaml:"default_sl_percent" json:"default_sl_percent"`       // vs entry price
	MinAddAmount         float64 `yaml:"min_add_amount" json:"min_add_amount"`               // smallest margin add
	LiquidationThreshold float64 `yaml:"liquidation_threshold" json:"liquidation_threshold"` // fraction of margin lost at liquidation
	MaxLossPercent       float64 `yaml:"max_loss_percent" json:"max_loss_percent"`           // cap for auto-tightened stops
	TradeHistoryLimit    int     `yaml:"trade_history_limit" json:"trade_history_limit"`     // bounded trade log
	EquityHistoryLimit   int     `yaml:"equity_history_limit" json:"equity_history_limit"`   // bounded equity log
}

// RiskConfig contains circuit breaker settings
type RiskConfig struct {
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses" json:"max_consecutive_losses"`
	CooldownDuration     time.Duration `yaml:"cooldown_duration" json:"cooldown_duration"`
}

// MeetingConfig contains scheduler and meeting timing settings
type MeetingConfig struct {
	CycleInterval   time.Duration `yaml:"cycle_interval" json:"cycle_interval"`
	CycleTimeout    time.Duration `yaml:"cycle_timeout" json:"cycle_timeout"`
	WatchInterval   time.Duration `yaml:"watch_interval" json:"watch_interval"`
	TurnTimeout     time.Duration `yaml:"turn_timeout" json:"turn_timeout"`
	TurnMaxAttempts int           `yaml:"turn_max_attempts" json:"turn_max_attempts"`
	PanelWorkers    int           `yaml:"panel_workers" json:"panel_workers"`
}

// AgentsConfig contains panel participant and model settings
type AgentsConfig struct {
	Participants    []string `yaml:"participants" json:"participants"`
	BaseURL         string   `yaml:"base_url" json:"base_url"`
	Model           string   `yaml:"model" json:"model"`
	APIKeyEnv       string   `yaml:"api_key_env" json:"api_key_env"`
	BullishKeywords []string `yaml:"bullish_keywords" json:"bullish_keywords"`
	BearishKeywords []string `yaml:"bearish_keywords" json:"bearish_keywords"`
}

// FeedConfig contains price feed settings
type FeedConfig struct {
	WSURL             string        `yaml:"ws_url" json:"ws_url"`
	RESTURL           string        `yaml:"rest_url" json:"rest_url"`
	StaleAfter        time.Duration `yaml:"stale_after" json:"stale_after"`
	MaxJumpPercent    float64       `yaml:"max_jump_percent" json:"max_jump_percent"` // vs recent average
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. Values outside their valid range are rejected, not clamped.
func LoadConfig(filename string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	config := Default()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns the baseline configuration before file overrides
func Default() *Config {
	return &Config{
		App: AppConfig{
			Symbol:         "BTCUSDT",
			InitialBalance: 10000,
			ControlPort:    8690,
		},
		Trading: TradingConfig{
			MaxLeverage:          20,
			MinPositionPercent:   0.05,
			MaxPositionPercent:   0.5,
			DefaultSizePercent:   0.2,
			MinConfidence:        60,
			HighConfidence:       80,
			DefaultTPPercent:     0.1,
			DefaultSLPercent:     0.05,
			MinAddAmount:         100,
			LiquidationThreshold: 0.8,
			MaxLossPercent:       0.5,
			TradeHistoryLimit:    200,
			EquityHistoryLimit:   500,
		},
		Risk: RiskConfig{
			MaxConsecutiveLosses: 3,
			CooldownDuration:     4 * time.Hour,
		},
		Meeting: MeetingConfig{
			CycleInterval:   time.Hour,
			CycleTimeout:    20 * time.Minute,
			WatchInterval:   30 * time.Second,
			TurnTimeout:     2 * time.Minute,
			TurnMaxAttempts: 3,
			PanelWorkers:    4,
		},
		Agents: AgentsConfig{
			Participants: []string{"market", "momentum", "macro", "contrarian"},
			Model:        "gpt-4o-mini",
			APIKeyEnv:    "OPENAI_API_KEY",
			BullishKeywords: []string{
				"bullish", "upside", "breakout", "accumulate", "uptrend", "support holding",
			},
			BearishKeywords: []string{
				"bearish", "downside", "breakdown", "distribute", "downtrend", "resistance holding",
			},
		},
		Feed: FeedConfig{
			StaleAfter:        15 * time.Second,
			MaxJumpPercent:    0.1,
			RequestsPerSecond: 2,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	for _, err := range []error{
		c.validateApp(),
		c.validateTrading(),
		c.validateRisk(),
		c.validateMeeting(),
		c.validateAgents(),
		c.validateFeed(),
		c.validateSystem(),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	if c.App.Symbol == "" {
		return ValidationError{Field: "app.symbol", Message: "trading symbol is required"}
	}
	if c.App.InitialBalance <= 0 {
		return ValidationError{Field: "app.initial_balance", Value: c.App.InitialBalance, Message: "must be positive"}
	}
	if c.App.ControlPort <= 0 || c.App.ControlPort > 65535 {
		return ValidationError{Field: "app.control_port", Value: c.App.ControlPort, Message: "must be a valid port"}
	}
	return nil
}

func (c *Config) validateTrading() error {
	t := c.Trading
	if t.MaxLeverage < 1 || t.MaxLeverage > 125 {
		return ValidationError{Field: "trading.max_leverage", Value: t.MaxLeverage, Message: "must be between 1 and 125"}
	}
	if t.MinPositionPercent <= 0 || t.MinPositionPercent > 1 {
		return ValidationError{Field: "trading.min_position_percent", Value: t.MinPositionPercent, Message: "must be in (0, 1]"}
	}
	if t.MaxPositionPercent <= 0 || t.MaxPositionPercent > 1 {
		return ValidationError{Field: "trading.max_position_percent", Value: t.MaxPositionPercent, Message: "must be in (0, 1]"}
	}
	if t.MinPositionPercent > t.MaxPositionPercent {
		return ValidationError{Field: "trading.min_position_percent", Value: t.MinPositionPercent, Message: "must not exceed max_position_percent"}
	}
	if t.DefaultSizePercent < t.MinPositionPercent || t.DefaultSizePercent > t.MaxPositionPercent {
		return ValidationError{Field: "trading.default_size_percent", Value: t.DefaultSizePercent, Message: "must be within position bounds"}
	}
	if t.MinConfidence < 0 || t.MinConfidence > 100 {
		return ValidationError{Field: "trading.min_confidence", Value: t.MinConfidence, Message: "must be between 0 and 100"}
	}
	if t.HighConfidence < t.MinConfidence || t.HighConfidence > 100 {
		return ValidationError{Field: "trading.high_confidence", Value: t.HighConfidence, Message: "must be between min_confidence and 100"}
	}
	if t.DefaultTPPercent <= 0 || t.DefaultTPPercent > 5 {
		return ValidationError{Field: "trading.default_tp_percent", Value: t.DefaultTPPercent, Message: "must be in (0, 5]"}
	}
	if t.DefaultSLPercent <= 0 || t.DefaultSLPercent > 1 {
		return ValidationError{Field: "trading.default_sl_percent", Value: t.DefaultSLPercent, Message: "must be in (0, 1]"}
	}
	if t.LiquidationThreshold <= 0 || t.LiquidationThreshold >= 1 {
		return ValidationError{Field: "trading.liquidation_threshold", Value: t.LiquidationThreshold, Message: "must be in (0, 1)"}
	}
	if t.MaxLossPercent <= 0 || t.MaxLossPercent > 1 {
		return ValidationError{Field: "trading.max_loss_percent", Value: t.MaxLossPercent, Message: "must be in (0, 1]"}
	}
	if t.TradeHistoryLimit < 1 || t.TradeHistoryLimit > 10000 {
		return ValidationError{Field: "trading.trade_history_limit", Value: t.TradeHistoryLimit, Message: "must be between 1 and 10000"}
	}
	if t.EquityHistoryLimit < 1 || t.EquityHistoryLimit > 100000 {
		return ValidationError{Field: "trading.equity_history_limit", Value: t.EquityHistoryLimit, Message: "must be between 1 and 100000"}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxConsecutiveLosses < 1 || c.Risk.MaxConsecutiveLosses > 20 {
		return ValidationError{Field: "risk.max_consecutive_losses", Value: c.Risk.MaxConsecutiveLosses, Message: "must be between 1 and 20"}
	}
	if c.Risk.CooldownDuration < time.Minute {
		return ValidationError{Field: "risk.cooldown_duration", Value: c.Risk.CooldownDuration, Message: "must be at least 1m"}
	}
	return nil
}

func (c *Config) validateMeeting() error {
	m := c.Meeting
	if m.CycleInterval < time.Minute {
		return ValidationError{Field: "meeting.cycle_interval", Value: m.CycleInterval, Message: "must be at least 1m"}
	}
	if m.CycleTimeout < time.Minute || m.CycleTimeout > m.CycleInterval {
		return ValidationError{Field: "meeting.cycle_timeout", Value: m.CycleTimeout, Message: "must be at least 1m and not exceed cycle_interval"}
	}
	if m.WatchInterval < time.Second || m.WatchInterval > m.CycleInterval {
		return ValidationError{Field: "meeting.watch_interval", Value: m.WatchInterval, Message: "must be between 1s and cycle_interval"}
	}
	if m.TurnTimeout < time.Second {
		return ValidationError{Field: "meeting.turn_timeout", Value: m.TurnTimeout, Message: "must be at least 1s"}
	}
	if m.TurnMaxAttempts < 1 || m.TurnMaxAttempts > 10 {
		return ValidationError{Field: "meeting.turn_max_attempts", Value: m.TurnMaxAttempts, Message: "must be between 1 and 10"}
	}
	if m.PanelWorkers < 1 || m.PanelWorkers > 32 {
		return ValidationError{Field: "meeting.panel_workers", Value: m.PanelWorkers, Message: "must be between 1 and 32"}
	}
	return nil
}

func (c *Config) validateAgents() error {
	if len(c.Agents.Participants) == 0 {
		return ValidationError{Field: "agents.participants", Message: "at least one participant is required"}
	}
	seen := make(map[string]bool)
	for _, p := range c.Agents.Participants {
		if p == "" {
			return ValidationError{Field: "agents.participants", Message: "participant id must not be empty"}
		}
		if seen[p] {
			return ValidationError{Field: "agents.participants", Value: p, Message: "duplicate participant id"}
		}
		seen[p] = true
	}
	return nil
}

func (c *Config) validateFeed() error {
	if c.Feed.MaxJumpPercent <= 0 || c.Feed.MaxJumpPercent > 1 {
		return ValidationError{Field: "feed.max_jump_percent", Value: c.Feed.MaxJumpPercent, Message: "must be in (0, 1]"}
	}
	if c.Feed.StaleAfter < time.Second {
		return ValidationError{Field: "feed.stale_after", Value: c.Feed.StaleAfter, Message: "must be at least 1s"}
	}
	if c.Feed.RequestsPerSecond <= 0 {
		return ValidationError{Field: "feed.requests_per_second", Value: c.Feed.RequestsPerSecond, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	for _, l := range validLevels {
		if strings.ToUpper(c.System.LogLevel) == l {
			return nil
		}
	}
	return ValidationError{
		Field:   "system.log_level",
		Value:   c.System.LogLevel,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
	}
}
