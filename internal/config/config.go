// Package config holds the tracex configuration: defaults, YAML load/save
// and validation. The same structs are filled by viper in the CLI, so every
// field carries yaml, json and mapstructure tags.
package config

import (
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/logging"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete tracex configuration
type Config struct {
	// Host discovery configuration
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery" mapstructure:"discovery"`

	// Port scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning" mapstructure:"scanning"`

	// Vendor (OUI) table configuration
	Vendor VendorConfig `yaml:"vendor" json:"vendor" mapstructure:"vendor"`

	// API configuration
	API APIConfig `yaml:"api" json:"api" mapstructure:"api"`

	// Scheduled jobs
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule" mapstructure:"schedule"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging" mapstructure:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" mapstructure:"metrics"`

	// Long-running server process settings
	Daemon DaemonConfig `yaml:"daemon" json:"daemon" mapstructure:"daemon"`
}

// DiscoveryConfig holds host discovery settings
type DiscoveryConfig struct {
	// Discovery backend: arp (raw frames) or nmap (ping scan)
	Method string `yaml:"method" json:"method" mapstructure:"method" validate:"oneof=arp nmap"`

	// Interface to send probes on; empty picks the one inside the range
	Interface string `yaml:"interface" json:"interface" mapstructure:"interface"`

	// How long to collect replies after the last probe is sent
	ListenWindow time.Duration `yaml:"listen_window" json:"listen_window" mapstructure:"listen_window" validate:"gt=0"`

	// Smallest accepted prefix length; 16 means ranges up to /16
	MaxPrefixBits int `yaml:"max_prefix_bits" json:"max_prefix_bits" mapstructure:"max_prefix_bits" validate:"min=8,max=32"`

	// Range used when none is given; empty means auto-detect
	DefaultRange string `yaml:"default_range" json:"default_range" mapstructure:"default_range" validate:"omitempty,cidrv4"`
}

// ScanningConfig holds port scanning settings
type ScanningConfig struct {
	// Port specification, e.g. "1-65535" or "22,80,443"
	Ports string `yaml:"ports" json:"ports" mapstructure:"ports" validate:"required"`

	// Concurrent connect attempts per host
	PortConcurrency int `yaml:"port_concurrency" json:"port_concurrency" mapstructure:"port_concurrency" validate:"min=1,max=10000"`

	// Concurrent host scans per session
	HostConcurrency int `yaml:"host_concurrency" json:"host_concurrency" mapstructure:"host_concurrency" validate:"min=1,max=1024"`

	// Per-attempt connect timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout" validate:"gt=0"`

	// Look up PTR names for scanned hosts
	ResolveHostnames bool `yaml:"resolve_hostnames" json:"resolve_hostnames" mapstructure:"resolve_hostnames"`

	// DNS server for PTR lookups (host:port); empty uses /etc/resolv.conf
	DNSServer string `yaml:"dns_server" json:"dns_server" mapstructure:"dns_server" validate:"omitempty,hostname_port"`
}

// VendorConfig holds vendor table settings
type VendorConfig struct {
	// Local OUI table path
	File string `yaml:"file" json:"file" mapstructure:"file" validate:"required"`

	// Download source for refreshes
	SourceURL string `yaml:"source_url" json:"source_url" mapstructure:"source_url" validate:"required,url"`

	// Download the table when the local file is missing
	AutoDownload bool `yaml:"auto_download" json:"auto_download" mapstructure:"auto_download"`

	// Cron expression for scheduled refreshes; empty disables
	RefreshSchedule string `yaml:"refresh_schedule" json:"refresh_schedule" mapstructure:"refresh_schedule"`

	// Age after which the local file is considered stale
	MaxAge time.Duration `yaml:"max_age" json:"max_age" mapstructure:"max_age" validate:"gt=0"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`

	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" mapstructure:"listen_addr" validate:"required"`

	// Listen port
	Port int `yaml:"port" json:"port" mapstructure:"port" validate:"min=1,max=65535"`

	// bcrypt hash of the API key; empty disables authentication
	APIKeyHash string `yaml:"api_key_hash" json:"api_key_hash" mapstructure:"api_key_hash"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors" mapstructure:"cors"`

	// Server timeouts
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gt=0"`

	// Maximum request body size
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size" mapstructure:"max_request_size" validate:"min=1"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers" mapstructure:"allowed_headers"`
}

// ScheduleConfig holds periodic scan settings
type ScheduleConfig struct {
	// Cron expression for full scans; empty disables
	ScanCron string `yaml:"scan_cron" json:"scan_cron" mapstructure:"scan_cron"`

	// Range for scheduled scans; empty means auto-detect
	ScanRange string `yaml:"scan_range" json:"scan_range" mapstructure:"scan_range" validate:"omitempty,cidrv4"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" mapstructure:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" mapstructure:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output" mapstructure:"output"`
}

// MetricsConfig holds metrics exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" json:"path" mapstructure:"path" validate:"required,startswith=/"`
}

// DaemonConfig holds settings for the serve process
type DaemonConfig struct {
	// PID file path; empty disables
	PIDFile string `yaml:"pid_file" json:"pid_file" mapstructure:"pid_file"`

	// How often a status line is logged; zero disables
	StatusInterval time.Duration `yaml:"status_interval" json:"status_interval" mapstructure:"status_interval" validate:"gte=0"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Method:        "arp",
			ListenWindow:  1 * time.Second,
			MaxPrefixBits: 16,
		},
		Scanning: ScanningConfig{
			Ports:           "1-65535",
			PortConcurrency: 200,
			HostConcurrency: 40,
			Timeout:         500 * time.Millisecond,
		},
		Vendor: VendorConfig{
			File:            "oui.txt",
			SourceURL:       "https://standards-oui.ieee.org/oui/oui.txt",
			AutoDownload:    true,
			RefreshSchedule: "@weekly",
			MaxAge:          30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1",
			Port:       5000,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-API-Key"},
			},
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxRequestSize:  1024 * 1024, // 1MB
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Daemon: DaemonConfig{
			StatusInterval: 10 * time.Minute,
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// JSON is a subset of YAML, so one decoder covers both extensions.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML key so errors match the config file.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate validates the configuration. Struct tags are checked first, then
// the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.ErrConfigInvalid(fieldPath(fe.Namespace()), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "configuration validation failed", err)
	}

	if c.Vendor.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Vendor.RefreshSchedule); err != nil {
			return errors.WrapConfigError(errors.CodeConfiguration,
				"invalid vendor.refresh_schedule cron expression", err)
		}
	}
	if c.Schedule.ScanCron != "" {
		if _, err := cron.ParseStandard(c.Schedule.ScanCron); err != nil {
			return errors.WrapConfigError(errors.CodeConfiguration,
				"invalid schedule.scan_cron cron expression", err)
		}
	}

	if c.Discovery.DefaultRange != "" && !c.rangeWithinLimit(c.Discovery.DefaultRange) {
		return errors.ErrConfigInvalid("discovery.default_range", c.Discovery.DefaultRange)
	}
	if c.Schedule.ScanRange != "" && !c.rangeWithinLimit(c.Schedule.ScanRange) {
		return errors.ErrConfigInvalid("schedule.scan_range", c.Schedule.ScanRange)
	}

	return nil
}

func (c *Config) rangeWithinLimit(cidr string) bool {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	ones, _ := ipNet.Mask.Size()
	return ones >= c.Discovery.MaxPrefixBits
}

// fieldPath turns "Config.scanning.port_concurrency" into "scanning.port_concurrency".
func fieldPath(namespace string) string {
	if idx := strings.IndexByte(namespace, '.'); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}

// LoggerConfig converts the logging section into a logger configuration.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:  logging.LogLevel(c.Logging.Level),
		Format: logging.LogFormat(c.Logging.Format),
		Output: c.Logging.Output,
	}
}
