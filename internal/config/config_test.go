package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		yaml        string
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with no file",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultPort, cfg.Server.Port)
				assert.Equal(t, 24*time.Hour, cfg.Session.RefreshInterval)
				assert.Equal(t, 7*24*time.Hour, cfg.Session.StalenessWindow)
				assert.Equal(t, StorageDriverFile, cfg.Storage.Driver)
				assert.Equal(t, DefaultVerifyURL, cfg.Verifier.VerifyURL)
			},
		},
		{
			name: "yaml overrides defaults",
			yaml: "server:\n  port: 9100\nsession:\n  refresh_interval: 1h\nstorage:\n  driver: sqlite\n",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9100, cfg.Server.Port)
				assert.Equal(t, time.Hour, cfg.Session.RefreshInterval)
				assert.Equal(t, StorageDriverSQLite, cfg.Storage.Driver)
				assert.Equal(t, filepath.Join(cfg.Paths.DataDir, "session.db"), cfg.StorePath())
			},
		},
		{
			name: "env wins over yaml",
			yaml: "server:\n  port: 9100\n",
			env: map[string]string{
				"ENTITLEMENT_SERVER_PORT":         "9200",
				"ENTITLEMENT_VERIFIER_VERIFY_URL": "http://127.0.0.1:8181/verify",
				"ENTITLEMENT_STORAGE_DRIVER":      "SQLITE",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9200, cfg.Server.Port)
				assert.Equal(t, "http://127.0.0.1:8181/verify", cfg.Verifier.VerifyURL)
				assert.Equal(t, StorageDriverSQLite, cfg.Storage.Driver)
			},
		},
		{
			name:    "invalid port",
			env:     map[string]string{"ENTITLEMENT_SERVER_PORT": "70000"},
			wantErr: true,
		},
		{
			name:    "unknown storage driver",
			env:     map[string]string{"ENTITLEMENT_STORAGE_DRIVER": "redis"},
			wantErr: true,
		},
		{
			name:    "invalid verify url",
			env:     map[string]string{"ENTITLEMENT_VERIFIER_VERIFY_URL": "not a url"},
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "server: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			t.Setenv("ENTITLEMENT_PATHS_BASE_DIR", base)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			var file string
			if tt.yaml != "" {
				file = filepath.Join(base, "entitlement.yaml")
				require.NoError(t, os.WriteFile(file, []byte(tt.yaml), 0600))
			}

			cfg, err := LoadFrom(file)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, base, cfg.Paths.BaseDir)
			assert.Equal(t, filepath.Join(base, "data"), cfg.Paths.DataDir)
			if tt.validateCfg != nil {
				tt.validateCfg(t, cfg)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	t.Setenv("ENTITLEMENT_PATHS_BASE_DIR", base)

	cfg, err := LoadFrom("")
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDirectories())

	assert.True(t, FileExists(cfg.Paths.DataDir))
	assert.True(t, FileExists(cfg.Paths.LogsDir))
}

func TestAddr(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:47820", cfg.Addr())
}
