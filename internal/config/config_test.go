package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		viper.Reset()
		t.Cleanup(viper.Reset)
		t.Chdir(t.TempDir())

		cfg, err := LoadConfig()

		require.NoError(t, err)
		assert.Equal(t, 8000, cfg.AppPort)
		assert.Equal(t, BackendSQLite, cfg.StorageBackend)
		assert.Equal(t, "https://api.chatanywhere.tech/v1", cfg.CompletionsURL)
		assert.Equal(t, []string{"gpt-3.5-turbo", "gpt-4o-mini", "deepseek-v3", "deepseek-r1"}, cfg.Models)
		assert.True(t, cfg.StreamResponses)
		assert.Equal(t, 16*time.Millisecond, cfg.FrameInterval)
		assert.Equal(t, 50, cfg.TitleLength)
	})

	t.Run("Environment overrides", func(t *testing.T) {
		viper.Reset()
		t.Cleanup(viper.Reset)
		t.Chdir(t.TempDir())
		t.Setenv("STORAGE_BACKEND", " Bolt ")
		t.Setenv("MODELS", "gpt-4o-mini, local-llama")
		t.Setenv("STREAM_RESPONSES", "false")
		t.Setenv("FRAME_INTERVAL", "50ms")
		t.Setenv("API_KEY", "sk-test")

		cfg, err := LoadConfig()

		require.NoError(t, err)
		assert.Equal(t, BackendBolt, cfg.StorageBackend)
		assert.Equal(t, []string{"gpt-4o-mini", "local-llama"}, cfg.Models)
		assert.False(t, cfg.StreamResponses)
		assert.Equal(t, 50*time.Millisecond, cfg.FrameInterval)
		assert.Equal(t, "sk-test", cfg.APIKey)
	})
}
