// Package agent runs panel participant turns against an OpenAI-compatible
// chat model.
package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/openai"
)

// ModelConfig selects the chat endpoint shared by all participants
type ModelConfig struct {
	BaseURL   string
	APIKeyEnv string // environment variable holding the key
	Model     string
	MaxTokens int
}

// NewChatModel builds the eino chat model from config. The key is read from
// the environment at construction time, never stored in config files.
func NewChatModel(ctx context.Context, cfg ModelConfig) (*openai.ChatModel, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("api key environment variable %q is empty", cfg.APIKeyEnv)
	}

	mc := &openai.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  apiKey,
		Model:   cfg.Model,
	}
	if cfg.MaxTokens > 0 {
		mc.MaxTokens = &cfg.MaxTokens
	}

	cm, err := openai.NewChatModel(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return cm, nil
}
