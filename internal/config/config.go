package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"dev.helix.consensus/internal/models"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host    string
	Port    int
	GinMode string
}

// Address returns the host:port the server binds to.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds the log output settings.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// ProviderConfig holds one provider's credentials and throttle.
type ProviderConfig struct {
	APIKey            string
	RequestsPerMinute int
	MaxConcurrent     int
}

// Config is the process-wide configuration assembled at startup.
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Anthropic ProviderConfig

	// Defaults applies when a start request omits options.
	Defaults models.DiscussionOptions

	MetricsEnabled bool
}

// Load reads configuration from the environment, with an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:    getEnv("SERVER_HOST", "0.0.0.0"),
			Port:    getEnvInt("SERVER_PORT", 8585),
			GinMode: getEnv("GIN_MODE", "release"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Anthropic: ProviderConfig{
			APIKey:            getEnv("ANTHROPIC_API_KEY", ""),
			RequestsPerMinute: getEnvInt("ANTHROPIC_RPM", 50),
			MaxConcurrent:     getEnvInt("ANTHROPIC_MAX_CONCURRENT", 4),
		},
		Defaults:       models.DefaultDiscussionOptions(),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
	}

	cfg.Defaults.MaxIterations = getEnvInt("DISCUSSION_MAX_ITERATIONS", cfg.Defaults.MaxIterations)
	cfg.Defaults.Temperature = getEnvFloat("DISCUSSION_TEMPERATURE", cfg.Defaults.Temperature)
	cfg.Defaults.MaxTokensPerTurn = getEnvInt("DISCUSSION_MAX_TOKENS_PER_TURN", cfg.Defaults.MaxTokensPerTurn)
	cfg.Defaults.TurnTimeout = getEnvDuration("DISCUSSION_TURN_TIMEOUT", cfg.Defaults.TurnTimeout)
	cfg.Defaults.TotalTimeout = getEnvDuration("DISCUSSION_TOTAL_TIMEOUT", cfg.Defaults.TotalTimeout)
	cfg.Defaults.MinRoundsBeforeConsensus = getEnvInt("DISCUSSION_MIN_ROUNDS", cfg.Defaults.MinRoundsBeforeConsensus)

	if preset := getEnv("DISCUSSION_PRESET_FILE", ""); preset != "" {
		options, err := LoadPreset(preset)
		if err != nil {
			return nil, fmt.Errorf("failed to load discussion preset: %w", err)
		}
		cfg.Defaults = options
	}

	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default discussion options: %w", err)
	}

	return cfg, nil
}

// presetFile mirrors the YAML preset layout. Timeouts are milliseconds.
type presetFile struct {
	Discussion struct {
		MaxIterations            *int     `yaml:"max_iterations"`
		Temperature              *float64 `yaml:"temperature"`
		MaxTokensPerTurn         *int     `yaml:"max_tokens_per_turn"`
		TurnTimeoutMs            *int64   `yaml:"turn_timeout_ms"`
		TotalTimeoutMs           *int64   `yaml:"total_timeout_ms"`
		RequireBothConsensus     *bool    `yaml:"require_both_consensus"`
		MinRoundsBeforeConsensus *int     `yaml:"min_rounds_before_consensus"`
	} `yaml:"discussion"`
}

// LoadPreset reads a YAML preset of discussion options. Absent fields keep
// their defaults.
func LoadPreset(path string) (models.DiscussionOptions, error) {
	options := models.DefaultDiscussionOptions()

	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return options, err
	}

	var preset presetFile
	if err := yaml.Unmarshal(data, &preset); err != nil {
		return options, fmt.Errorf("invalid preset YAML: %w", err)
	}

	d := preset.Discussion
	if d.MaxIterations != nil {
		options.MaxIterations = *d.MaxIterations
	}
	if d.Temperature != nil {
		options.Temperature = *d.Temperature
	}
	if d.MaxTokensPerTurn != nil {
		options.MaxTokensPerTurn = *d.MaxTokensPerTurn
	}
	if d.TurnTimeoutMs != nil {
		options.TurnTimeout = time.Duration(*d.TurnTimeoutMs) * time.Millisecond
	}
	if d.TotalTimeoutMs != nil {
		options.TotalTimeout = time.Duration(*d.TotalTimeoutMs) * time.Millisecond
	}
	if d.RequireBothConsensus != nil {
		options.RequireBothConsensus = *d.RequireBothConsensus
	}
	if d.MinRoundsBeforeConsensus != nil {
		options.MinRoundsBeforeConsensus = *d.MinRoundsBeforeConsensus
	}

	return options, options.Validate()
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
