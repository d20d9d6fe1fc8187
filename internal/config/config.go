package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends accepted by STORAGE_BACKEND.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	AppPort         int           `mapstructure:"APP_PORT"`
	StorageBackend  string        `mapstructure:"STORAGE_BACKEND"`
	DatabasePath    string        `mapstructure:"DATABASE_PATH"`
	BoltPath        string        `mapstructure:"BOLT_PATH"`
	RedisAddr       string        `mapstructure:"REDIS_ADDR"`
	RedisPrefix     string        `mapstructure:"REDIS_PREFIX"`
	CompletionsURL  string        `mapstructure:"COMPLETIONS_URL"`
	APIKey          string        `mapstructure:"API_KEY"`
	DefaultModel    string        `mapstructure:"DEFAULT_MODEL"`
	Models          []string      `mapstructure:"MODELS"`
	SystemPrompt    string        `mapstructure:"SYSTEM_PROMPT"`
	StreamResponses bool          `mapstructure:"STREAM_RESPONSES"`
	FrameInterval   time.Duration `mapstructure:"FRAME_INTERVAL"`
	TitleLength     int           `mapstructure:"TITLE_LENGTH"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
}

func LoadConfig() (*Config, error) {
	v := viper.GetViper()

	v.SetDefault("APP_PORT", 8000)
	v.SetDefault("STORAGE_BACKEND", BackendSQLite)
	v.SetDefault("DATABASE_PATH", "./data/flowchat.db")
	v.SetDefault("BOLT_PATH", "./data/flowchat.bolt")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PREFIX", "flowchat")
	v.SetDefault("COMPLETIONS_URL", "https://api.chatanywhere.tech/v1")
	v.SetDefault("API_KEY", "")
	v.SetDefault("DEFAULT_MODEL", "gpt-3.5-turbo")
	v.SetDefault("MODELS", []string{"gpt-3.5-turbo", "gpt-4o-mini", "deepseek-v3", "deepseek-r1"})
	v.SetDefault("SYSTEM_PROMPT", "")
	v.SetDefault("STREAM_RESPONSES", true)
	v.SetDefault("FRAME_INTERVAL", 16*time.Millisecond)
	v.SetDefault("TITLE_LENGTH", 50)
	v.SetDefault("REQUEST_TIMEOUT", 60*time.Second)
	v.SetDefault("LOG_LEVEL", "INFO")

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Models = splitList(cfg.Models)
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))

	return &cfg, nil
}

// splitList accepts both a real list and a single comma-separated value, which
// is what an environment variable yields.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
