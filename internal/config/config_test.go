package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/tracex/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, time.Second, cfg.Discovery.ListenWindow)
	assert.Equal(t, "1-65535", cfg.Scanning.Ports)
	assert.Equal(t, 200, cfg.Scanning.PortConcurrency)
	assert.Equal(t, 40, cfg.Scanning.HostConcurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Scanning.Timeout)
	assert.Equal(t, 16, cfg.Discovery.MaxPrefixBits)
	assert.Equal(t, "@weekly", cfg.Vendor.RefreshSchedule)
	assert.Equal(t, "127.0.0.1:5000", cfg.GetAPIAddress())
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		file     string
		wantErr  bool
		wantCode errors.ErrorCode
		check    func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid yaml config",
			file: "config.yaml",
			content: `
discovery:
  method: nmap
  listen_window: 2s
scanning:
  ports: "22,80,443"
  port_concurrency: 50
  timeout: 250ms
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "nmap", cfg.Discovery.Method)
				assert.Equal(t, 2*time.Second, cfg.Discovery.ListenWindow)
				assert.Equal(t, "22,80,443", cfg.Scanning.Ports)
				assert.Equal(t, 50, cfg.Scanning.PortConcurrency)
				assert.Equal(t, 250*time.Millisecond, cfg.Scanning.Timeout)
				// untouched sections keep defaults
				assert.Equal(t, 40, cfg.Scanning.HostConcurrency)
			},
		},
		{
			name:    "valid json config",
			file:    "config.json",
			content: `{"scanning": {"host_concurrency": 8}, "api": {"port": 9000}}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8, cfg.Scanning.HostConcurrency)
				assert.Equal(t, 9000, cfg.API.Port)
			},
		},
		{
			name:     "invalid yaml syntax",
			file:     "config.yaml",
			content:  "scanning: [unclosed",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "unknown discovery method",
			file:     "config.yaml",
			content:  "discovery:\n  method: icmp\n",
			wantErr:  true,
			wantCode: errors.CodeValidation,
		},
		{
			name:     "bad cron expression",
			file:     "config.yaml",
			content:  "schedule:\n  scan_cron: \"every tuesday\"\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, errors.GetCode(err))
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{"zero port concurrency", func(c *Config) { c.Scanning.PortConcurrency = 0 }, "scanning.port_concurrency"},
		{"zero host concurrency", func(c *Config) { c.Scanning.HostConcurrency = 0 }, "scanning.host_concurrency"},
		{"zero timeout", func(c *Config) { c.Scanning.Timeout = 0 }, "scanning.timeout"},
		{"api port out of range", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"default range not cidr", func(c *Config) { c.Discovery.DefaultRange = "10.0.0.1" }, "discovery.default_range"},
		{"default range too large", func(c *Config) { c.Discovery.DefaultRange = "10.0.0.0/8" }, "discovery.default_range"},
		{"scan range too large", func(c *Config) { c.Schedule.ScanRange = "10.0.0.0/12" }, "schedule.scan_range"},
		{"negative status interval", func(c *Config) { c.Daemon.StatusInterval = -time.Second }, "daemon.status_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tracex.yaml")

	cfg := Default()
	cfg.Scanning.Ports = "1-1024"
	cfg.Schedule.ScanCron = "0 3 * * *"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoggerConfig(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	lc := cfg.LoggerConfig()
	assert.EqualValues(t, "debug", lc.Level)
	assert.EqualValues(t, "json", lc.Format)
	assert.Equal(t, "stderr", lc.Output)
}
