// Package config loads the bridge configuration and persists runtime state.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mzyy94/esclbridge/internal/escl"
)

// EnvPrefix prefixes every environment override, e.g. ESCLBRIDGE_BASE_PORT.
const EnvPrefix = "ESCLBRIDGE"

// Device drivers accepted in the devices list.
const (
	DriverTestPattern = "testpattern"
	DriverRemote      = "escl"
)

// Config is the daemon configuration.
type Config struct {
	LogLevel  string         `mapstructure:"log_level"`
	Host      string         `mapstructure:"host"`
	BasePort  int            `mapstructure:"base_port"`
	AdminPort int            `mapstructure:"admin_port"`
	Security  string         `mapstructure:"security"`
	TLSCert   string         `mapstructure:"tls_cert"`
	TLSKey    string         `mapstructure:"tls_key"`
	DataDir   string         `mapstructure:"data_dir"`
	Devices   []DeviceConfig `mapstructure:"devices"`
	USB       USBConfig      `mapstructure:"usb"`
}

// DeviceConfig publishes one scanner at startup.
type DeviceConfig struct {
	Driver string `mapstructure:"driver"`
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	// URL is the eSCL root of a network scanner, for the escl driver.
	URL string `mapstructure:"url"`
	// Pages per scan, for the testpattern driver.
	Pages int `mapstructure:"pages"`
}

// USBConfig controls IPP-USB scanners.
type USBConfig struct {
	Publish      bool          `mapstructure:"publish"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("host", "")
	v.SetDefault("base_port", 8090)
	v.SetDefault("admin_port", 8080)
	v.SetDefault("security", "auto")
	v.SetDefault("tls_cert", "")
	v.SetDefault("tls_key", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("usb.publish", false)
	v.SetDefault("usb.poll_interval", 5*time.Second)
}

// Load reads path (optional, YAML) and ESCLBRIDGE_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be fixed by defaults.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.BasePort < 0 || c.BasePort > 65535 {
		errs = append(errs, fmt.Errorf("config: base_port %d out of range", c.BasePort))
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("config: admin_port %d out of range", c.AdminPort))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("config: tls_cert and tls_key must be set together"))
	}
	for i, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("config: devices[%d]: empty id", i))
		}
		switch d.Driver {
		case DriverTestPattern:
		case DriverRemote:
			if _, err := d.Root(); err != nil {
				errs = append(errs, fmt.Errorf("config: devices[%d]: %w", i, err))
			}
		default:
			errs = append(errs, fmt.Errorf("config: devices[%d]: unknown driver %q", i, d.Driver))
		}
	}
	return errors.Join(errs...)
}

// Policy parses the security preset.
func (c *Config) Policy() (escl.SecurityPolicy, error) {
	return escl.ParseSecurityPolicy(c.Security)
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// Root splits URL into the client options for the escl driver.
func (d DeviceConfig) Root() (escl.Options, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return escl.Options{}, fmt.Errorf("url: %w", err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return escl.Options{}, fmt.Errorf("url %q: want http(s)://host[:port]/root", d.URL)
	}
	return escl.Options{
		Host:    u.Host,
		RootURL: strings.Trim(u.Path, "/"),
		TLS:     u.Scheme == "https",
	}, nil
}

// ParseLogLevel maps a level name to slog. Unknown names give info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
