// Package config loads and validates smartproxy's startup configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// PortMapping pairs a proxy-facing listen port with the backend port it
// forwards to. On the wire (config JSON) it is the two-element array
// `[listen_port, backend_port]` spec.md specifies, not an object.
type PortMapping struct {
	ListenPort  uint16
	BackendPort uint16
}

// decodePortMappingHook converts a JSON `[u16, u16]` pair into a PortMapping.
func decodePortMappingHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(PortMapping{}) {
		return data, nil
	}
	pair, ok := data.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("port mapping must be a [listen_port, backend_port] pair, got %v", data)
	}
	listen, err := toUint16(pair[0])
	if err != nil {
		return nil, fmt.Errorf("invalid listen_port: %w", err)
	}
	backend, err := toUint16(pair[1])
	if err != nil {
		return nil, fmt.Errorf("invalid backend_port: %w", err)
	}
	return PortMapping{ListenPort: listen, BackendPort: backend}, nil
}

func toUint16(v interface{}) (uint16, error) {
	switch n := v.(type) {
	case float64:
		return uint16(n), nil
	case int:
		return uint16(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// Config is the full, validated startup configuration. It is immutable once
// loaded: nothing in the supervisor ever writes back to it.
type Config struct {
	ProxyHost   string        `mapstructure:"proxy_host"`
	PortMaps    []PortMapping `mapstructure:"port_mappings"`
	TargetHost  string        `mapstructure:"target_host"`
	IPMIHost    string        `mapstructure:"ipmi_host"`
	IPMIUser    string        `mapstructure:"ipmi_user"`
	IPMIPass    string        `mapstructure:"ipmi_password"`
	IPMIPath    string        `mapstructure:"ipmi_path"`
	InactivityTimeout time.Duration `mapstructure:"-"`
	StartupTimeout    time.Duration `mapstructure:"-"`
	CheckInterval     time.Duration `mapstructure:"-"`
	MaxQueueSize      uint32        `mapstructure:"max_queue_size"`
	RequestTimeout    time.Duration `mapstructure:"-"`

	IPMITimeout  time.Duration `mapstructure:"-"`
	ProbeTimeout time.Duration `mapstructure:"-"`
	AcceptBackoffMax time.Duration `mapstructure:"-"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	// raw seconds/millis fields backing the time.Duration ones above; viper
	// decodes these directly from JSON, and Load() folds them into the
	// Duration fields so the rest of the program only ever deals in
	// time.Duration.
	InactivityTimeoutSeconds int `mapstructure:"inactivity_timeout"`
	StartupTimeoutSeconds    int `mapstructure:"startup_timeout"`
	CheckIntervalSeconds     int `mapstructure:"check_interval"`
	RequestTimeoutSeconds    int `mapstructure:"request_timeout"`
	IPMITimeoutSeconds       int `mapstructure:"ipmi_timeout"`
	ProbeTimeoutSeconds      int `mapstructure:"probe_timeout"`
	AcceptBackoffMaxMillis   int `mapstructure:"accept_backoff_max"`
}

// Load reads configuration from configPath (JSON) with defaults applied for
// anything the file omits, then validates the result. The IPMITOOL
// environment variable, when set, overrides ipmi_path (used by the test
// harness to point at a fake ipmitool).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	setDefaults(v)

	if configPath == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("config file not accessible: %w", err)
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(decodePortMappingHook)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if override := os.Getenv("IPMITOOL"); override != "" {
		cfg.IPMIPath = override
	}

	cfg.foldDurations()

	if len(cfg.PortMaps) == 0 {
		cfg.PortMaps = []PortMapping{{ListenPort: 8080, BackendPort: 80}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy_host", "0.0.0.0")
	v.SetDefault("inactivity_timeout", 3600)
	v.SetDefault("startup_timeout", 300)
	v.SetDefault("check_interval", 30)
	v.SetDefault("max_queue_size", 1000)
	v.SetDefault("request_timeout", 60)
	v.SetDefault("ipmi_timeout", 15)
	v.SetDefault("probe_timeout", 2)
	v.SetDefault("accept_backoff_max", 1000)
	v.SetDefault("metrics_addr", "127.0.0.1:9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

func (c *Config) foldDurations() {
	c.InactivityTimeout = time.Duration(c.InactivityTimeoutSeconds) * time.Second
	c.StartupTimeout = time.Duration(c.StartupTimeoutSeconds) * time.Second
	c.CheckInterval = time.Duration(c.CheckIntervalSeconds) * time.Second
	c.RequestTimeout = time.Duration(c.RequestTimeoutSeconds) * time.Second
	c.IPMITimeout = time.Duration(c.IPMITimeoutSeconds) * time.Second
	c.ProbeTimeout = time.Duration(c.ProbeTimeoutSeconds) * time.Second
	c.AcceptBackoffMax = time.Duration(c.AcceptBackoffMaxMillis) * time.Millisecond
}

// Validate checks required fields and internal consistency. It never mutates
// fields beyond what Load already folded in.
func (c *Config) Validate() error {
	if c.TargetHost == "" {
		return fmt.Errorf("target_host is required")
	}
	if c.IPMIHost == "" {
		return fmt.Errorf("ipmi_host is required")
	}
	if c.IPMIUser == "" {
		return fmt.Errorf("ipmi_user is required")
	}
	if c.IPMIPass == "" {
		return fmt.Errorf("ipmi_password is required")
	}
	if c.IPMIPath == "" {
		return fmt.Errorf("ipmi_path is required")
	}

	seen := make(map[uint16]struct{}, len(c.PortMaps))
	for _, m := range c.PortMaps {
		if m.ListenPort == 0 || m.BackendPort == 0 {
			return fmt.Errorf("port mapping must specify non-zero listen_port and backend_port")
		}
		if _, dup := seen[m.ListenPort]; dup {
			return fmt.Errorf("duplicate listen_port %d in port_mappings", m.ListenPort)
		}
		seen[m.ListenPort] = struct{}{}
	}

	if c.MaxQueueSize == 0 {
		return fmt.Errorf("max_queue_size must be positive")
	}

	return nil
}

// BackendAddr returns the dialable host:port for a given mapping's backend port.
func (c *Config) BackendAddr(backendPort uint16) string {
	return net.JoinHostPort(c.TargetHost, fmt.Sprintf("%d", backendPort))
}

// Redacted returns a copy of the IPMI credentials replaced with a fixed
// placeholder, safe to include in log output.
func (c *Config) Redacted() string {
	return fmt.Sprintf("ipmi_host=%s ipmi_user=%s ipmi_password=*** ipmi_path=%s", c.IPMIHost, c.IPMIUser, c.IPMIPath)
}
