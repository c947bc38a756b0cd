package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/ssrport/internal/model"
)

// chdir moves into dir for the duration of the test so the implicit
// ssrport.* lookup does not pick up files from the package directory.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 13714, cfg.StartPort)
	assert.Equal(t, 100, cfg.MaxAttempts)
	assert.Equal(t, "fail", cfg.Policy)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, time.Duration(0), cfg.Timeout)
	assert.Equal(t, DefaultKey, cfg.Key)
	assert.Equal(t, DefaultKey, cfg.Env)
	assert.Empty(t, cfg.Reserved)
	assert.False(t, cfg.AvoidDocker)
	assert.False(t, cfg.PassListener)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	content := `start_port: 3000
max_attempts: 10
policy: fallback
timeout: 2s
reserved: [3001, 3002]
avoid_docker: true
persist: .env
key: VITE_SSR_PORT
clear_cache: php artisan config:clear
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ssrport.yaml"), []byte(content), 0o644))

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.StartPort)
	assert.Equal(t, 10, cfg.MaxAttempts)
	assert.Equal(t, "fallback", cfg.Policy)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, []int{3001, 3002}, cfg.Reserved)
	assert.True(t, cfg.AvoidDocker)
	assert.Equal(t, ".env", cfg.Persist)
	assert.Equal(t, "VITE_SSR_PORT", cfg.Key)
	assert.Equal(t, "php artisan config:clear", cfg.ClearCache)

	probeCfg, err := cfg.ProbeConfig()
	require.NoError(t, err)
	assert.Equal(t, model.ProbeConfig{StartPort: 3000, MaxAttempts: 10, Policy: model.PolicyFallback}, probeCfg)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "custom.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"start_port": 4000, "max_attempts": 5}`), 0o644))

	t.Setenv("SSRPORT_START_PORT", "5000")
	t.Setenv("SSRPORT_POLICY", "FALLBACK")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.StartPort, "environment beats the config file")
	assert.Equal(t, 5, cfg.MaxAttempts)

	probeCfg, err := cfg.ProbeConfig()
	require.NoError(t, err)
	assert.Equal(t, model.PolicyFallback, probeCfg.Policy)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load(viper.New(), "does-not-exist.yaml")
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "start port too large", env: map[string]string{"SSRPORT_START_PORT": "70000"}},
		{name: "zero attempts", env: map[string]string{"SSRPORT_MAX_ATTEMPTS": "0"}},
		{name: "unknown policy", env: map[string]string{"SSRPORT_POLICY": "pray"}},
		{name: "persist without key", env: map[string]string{"SSRPORT_PERSIST": ".env", "SSRPORT_KEY": " "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(viper.New(), "")
			assert.ErrorIs(t, err, model.ErrInvalidConfig)
		})
	}
}

func TestValidate_ReservedOutOfRange(t *testing.T) {
	cfg := Config{StartPort: 3000, MaxAttempts: 1, Reserved: []int{0}}
	assert.ErrorIs(t, cfg.Validate(), model.ErrInvalidConfig)
}
