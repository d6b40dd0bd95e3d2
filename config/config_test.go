package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/realtime-bridge/shared"
)

func TestDefaultValidatesWithKey(t *testing.T) {
	cfg := Default()
	cfg.Provider.APIKey = "sk-test"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingKey(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.Validate(), shared.ErrNoAPIKey)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "bridged.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider:
  api_key: sk-from-file
  reconnect_delay: 1s
session:
  voice: marin
display:
  ack_window: 2s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-file", cfg.Provider.APIKey)
	assert.Equal(t, time.Second, cfg.Provider.ReconnectDelay)
	assert.Equal(t, "marin", cfg.Session.Voice)
	assert.Equal(t, 2*time.Second, cfg.Display.AckWindow)
	// Untouched sections keep their defaults.
	assert.Equal(t, "gpt-realtime", cfg.Provider.Model)
	assert.Equal(t, ":8080", cfg.Listen.Signaling)
	assert.True(t, cfg.Session.VAD.Enabled)
}

func TestLoadEnvironmentKeyWins(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	path := filepath.Join(t.TempDir(), "bridged.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  api_key: sk-from-file\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Provider.APIKey)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	tests := []struct {
		name string
		yaml string
	}{
		{"zero attempts", "provider:\n  reconnect_max_attempts: 0\n"},
		{"negative ack window", "display:\n  ack_window: -1s\n"},
		{"zero sample rate", "session:\n  sample_rate: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bridged.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
