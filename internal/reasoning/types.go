package reasoning

import (
	"time"

	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/update"
)

// Providers accepted by New.
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
	ProviderGRPC   = "grpc"
)

// #region strategy
// Strategy proposes memory deltas and calibration advice.
type Strategy interface {
	update.Proposer
	eval.Advisor
	Name() string
	Close() error
}
// #endregion strategy

// #region config
// Config selects and tunes the strategy. It is read once at start-up.
type Config struct {
	Provider      string        `koanf:"provider" validate:"oneof=none openai grpc"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	RatePerMinute float64       `koanf:"rate_per_minute" validate:"gte=0"` // 0 disables limiting
	Burst         int           `koanf:"burst" validate:"gte=1"`
	OpenAI        OpenAIConfig  `koanf:"openai"`
	GRPC          GRPCConfig    `koanf:"grpc"`
}

// OpenAIConfig addresses an OpenAI-compatible chat endpoint (OpenAI, Groq).
type OpenAIConfig struct {
	BaseURL     string  `koanf:"base_url" validate:"omitempty,url"`
	APIKey      string  `koanf:"api_key"`
	Model       string  `koanf:"model"`
	MaxTokens   int     `koanf:"max_tokens" validate:"gte=0"`
	Temperature float32 `koanf:"temperature" validate:"gte=0,lte=2"`
}

// GRPCConfig addresses a remote reasoning service.
type GRPCConfig struct {
	Addr string `koanf:"addr"`
}

// DefaultConfig returns the deterministic configuration.
func DefaultConfig() Config {
	return Config{
		Provider:      ProviderNone,
		Timeout:       10 * time.Second,
		RatePerMinute: 30,
		Burst:         3,
		OpenAI: OpenAIConfig{
			BaseURL:   "https://api.groq.com/openai/v1",
			Model:     "llama-3.3-70b-versatile",
			MaxTokens: 600,
		},
	}
}
// #endregion config
