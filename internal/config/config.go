package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danielpatrickdp/opsiq/internal/detect"
	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/gate"
	"github.com/danielpatrickdp/opsiq/internal/logging"
	"github.com/danielpatrickdp/opsiq/internal/reasoning"
	"github.com/danielpatrickdp/opsiq/internal/scoring"
	"github.com/danielpatrickdp/opsiq/internal/update"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks the environment variables read by Load. A double
// underscore separates levels: OPSIQ_REASONING__TIMEOUT -> reasoning.timeout.
const EnvPrefix = "OPSIQ_"

const maxConfigFileSize = 1024 * 1024

// #region config
// Config is the whole process configuration.
type Config struct {
	DBPath    string           `koanf:"db_path" validate:"required"`
	DataDir   string           `koanf:"data_dir"`
	Log       logging.Config   `koanf:"log"`
	Detect    detect.Config    `koanf:"detect"`
	Scoring   scoring.Config   `koanf:"scoring"`
	Update    update.Config    `koanf:"update"`
	Gate      gate.Config      `koanf:"gate"`
	Eval      eval.Config      `koanf:"eval"`
	Reasoning reasoning.Config `koanf:"reasoning"`
	Watch     WatchConfig      `koanf:"watch"`
}

// WatchConfig tunes the long-running watch mode.
type WatchConfig struct {
	MetricsAddr string        `koanf:"metrics_addr"`
	Debounce    time.Duration `koanf:"debounce" validate:"gte=0"`
	Trace       bool          `koanf:"trace"` // export spans to stdout
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DBPath:    "opsiq.db",
		DataDir:   "data",
		Log:       logging.DefaultConfig(),
		Detect:    detect.DefaultConfig(),
		Scoring:   scoring.DefaultConfig(),
		Update:    update.DefaultConfig(),
		Gate:      gate.DefaultConfig(),
		Eval:      eval.DefaultConfig(),
		Reasoning: reasoning.DefaultConfig(),
		Watch: WatchConfig{
			MetricsAddr: ":9464",
			Debounce:    500 * time.Millisecond,
		},
	}
}
// #endregion config

// #region load
// Load layers defaults, the YAML file at path (skipped when path is empty)
// and OPSIQ_ environment variables, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps OPSIQ_REASONING__OPENAI__API_KEY to reasoning.openai.api_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// applyDefaults fills values that have a conventional source outside the
// OPSIQ_ namespace.
func applyDefaults(cfg *Config) {
	if cfg.Reasoning.OpenAI.APIKey == "" {
		for _, name := range []string{"GROQ_API_KEY", "OPENAI_API_KEY"} {
			if v := os.Getenv(name); v != "" {
				cfg.Reasoning.OpenAI.APIKey = v
				break
			}
		}
	}
	if cfg.Reasoning.Provider == "" {
		cfg.Reasoning.Provider = reasoning.ProviderNone
	}
}
// #endregion load

// #region validate
var validate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Reasoning.Provider {
	case reasoning.ProviderOpenAI:
		if c.Reasoning.OpenAI.APIKey == "" {
			return fmt.Errorf("invalid config: reasoning.openai.api_key is required for provider openai")
		}
	case reasoning.ProviderGRPC:
		if c.Reasoning.GRPC.Addr == "" {
			return fmt.Errorf("invalid config: reasoning.grpc.addr is required for provider grpc")
		}
	}
	return nil
}
// #endregion validate
