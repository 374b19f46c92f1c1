package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func intPtr(i int) *int         { return &i }

func TestApplyRuntimeUpdate(t *testing.T) {
	base := Default()

	next, err := base.Apply(RuntimeUpdate{
		CycleInterval:        strPtr("2h"),
		MaxLeverage:          f64Ptr(10),
		MaxConsecutiveLosses: intPtr(5),
		CooldownDuration:     strPtr("1h"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, next.Meeting.CycleInterval)
	assert.Equal(t, float64(10), next.Trading.MaxLeverage)
	assert.Equal(t, 5, next.Risk.MaxConsecutiveLosses)
	assert.Equal(t, time.Hour, next.Risk.CooldownDuration)

	// Untouched fields keep their values, and the source is unchanged
	assert.Equal(t, base.Trading.DefaultSizePercent, next.Trading.DefaultSizePercent)
	assert.Equal(t, time.Hour, base.Meeting.CycleInterval)
}

func TestApplyRejectsInvalidValues(t *testing.T) {
	base := Default()

	t.Run("unparseable duration", func(t *testing.T) {
		_, err := base.Apply(RuntimeUpdate{CycleInterval: strPtr("soon")})
		assert.Error(t, err)
	})

	t.Run("out of range leverage", func(t *testing.T) {
		_, err := base.Apply(RuntimeUpdate{MaxLeverage: f64Ptr(500)})
		assert.Error(t, err)
	})

	t.Run("cross field constraint", func(t *testing.T) {
		// Shrinking the interval below the cycle timeout must fail whole
		_, err := base.Apply(RuntimeUpdate{CycleInterval: strPtr("5m")})
		assert.Error(t, err)
	})
}

func TestManagerApplyNotifiesListeners(t *testing.T) {
	m := NewManager(Default())

	var seen []float64
	m.OnApply(func(c *Config) { seen = append(seen, c.Trading.MaxLeverage) })

	applied, err := m.Apply(RuntimeUpdate{MaxLeverage: f64Ptr(12)})
	require.NoError(t, err)
	assert.Equal(t, float64(12), applied.Trading.MaxLeverage)
	assert.Equal(t, float64(12), m.Current().Trading.MaxLeverage)
	assert.Equal(t, []float64{12}, seen)

	// A rejected update neither swaps the config nor notifies
	_, err = m.Apply(RuntimeUpdate{MaxLeverage: f64Ptr(-1)})
	assert.Error(t, err)
	assert.Equal(t, float64(12), m.Current().Trading.MaxLeverage)
	assert.Len(t, seen, 1)
}

func TestSanitizedMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Alerts.SlackWebhookURL = "https://hooks.example.com/secret"
	cfg.Alerts.TelegramBotToken = "123:abc"
	cfg.Alerts.TelegramChatID = "-100"

	out := cfg.Sanitized()
	assert.Equal(t, "***", out.Alerts.SlackWebhookURL)
	assert.Equal(t, "***", out.Alerts.TelegramBotToken)
	assert.Equal(t, "-100", out.Alerts.TelegramChatID)

	// Masking never touches the original
	assert.Equal(t, "https://hooks.example.com/secret", cfg.Alerts.SlackWebhookURL)
}
