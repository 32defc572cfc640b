package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "READINESS_CONFIG"
	envListen         = "READINESS_LISTEN"
	envDataDir        = "READINESS_DATA_DIR"
	envAdminToken     = "READINESS_ADMIN_TOKEN"
	DefaultConfigPath = "/etc/readiness/readinessd.yaml"
)

// Config is the static daemon configuration. Runtime-editable values live
// in Settings instead.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	History  HistoryConfig  `yaml:"history"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Probes   ProbeConfig    `yaml:"probes"`
	Security SecurityConfig `yaml:"security"`
	Signing  SigningConfig  `yaml:"signing"`
	Device   DeviceConfig   `yaml:"device"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	DataDir         string        `yaml:"data_dir"`
	ExportsDir      string        `yaml:"exports_dir"`
	LogLevel        string        `yaml:"log_level"`
	AdminToken      string        `yaml:"admin_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// StartRatePerMinute caps POST /api/start; zero disables the limit.
	StartRatePerMinute int `yaml:"start_rate_per_minute"`
}

type HistoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Limit  int    `yaml:"limit"`
}

type JobsConfig struct {
	Retention time.Duration `yaml:"retention"`
	MaxKept   int           `yaml:"max_kept"`
}

type ProbeConfig struct {
	DNSTimeout     time.Duration `yaml:"dns_timeout"`
	TCPTimeout     time.Duration `yaml:"tcp_timeout"`
	QUICTimeout    time.Duration `yaml:"quic_timeout"`
	PingCount      int           `yaml:"ping_count"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	PingPrivileged bool          `yaml:"ping_privileged"`
	NTPTimeout     time.Duration `yaml:"ntp_timeout"`
	SpeedtestBin   string        `yaml:"speedtest_bin"`
	SpeedtestURL   string        `yaml:"speedtest_url"`
	DownloadBytes  int64         `yaml:"download_bytes"`
	UploadBytes    int64         `yaml:"upload_bytes"`
}

type SecurityConfig struct {
	TLSProbeHosts     []string `yaml:"tls_probe_hosts"`
	InspectionVendors []string `yaml:"inspection_vendors"`
}

type SigningConfig struct {
	PublicKey string `yaml:"public_key"`
}

type DeviceConfig struct {
	PublicIPURL         string        `yaml:"public_ip_url"`
	PublicIPTTL         time.Duration `yaml:"public_ip_ttl"`
	PreferredInterfaces []string      `yaml:"preferred_interfaces"`
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by READINESS_CONFIG, falling back to
// defaults when no file exists at the default path.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
	}
	return Load(ctx, path)
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envListen); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv(envAdminToken); v != "" {
		cfg.Server.AdminToken = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":5001"
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "/var/lib/readiness"
	}
	if cfg.Server.ExportsDir == "" {
		cfg.Server.ExportsDir = filepath.Join(cfg.Server.DataDir, "exports")
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.History.Driver == "" {
		cfg.History.Driver = "sqlite"
	}
	if cfg.History.DSN == "" && cfg.History.Driver == "sqlite" {
		cfg.History.DSN = filepath.Join(cfg.Server.DataDir, "history.db")
	}
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = 100
	}
	if cfg.Jobs.Retention <= 0 {
		cfg.Jobs.Retention = time.Hour
	}
	if cfg.Jobs.MaxKept <= 0 {
		cfg.Jobs.MaxKept = 50
	}
	p := &cfg.Probes
	if p.DNSTimeout <= 0 {
		p.DNSTimeout = 3 * time.Second
	}
	if p.TCPTimeout <= 0 {
		p.TCPTimeout = 5 * time.Second
	}
	if p.QUICTimeout <= 0 {
		p.QUICTimeout = 5 * time.Second
	}
	if p.PingCount <= 0 {
		p.PingCount = 2
	}
	if p.PingTimeout <= 0 {
		p.PingTimeout = 8 * time.Second
	}
	if p.NTPTimeout <= 0 {
		p.NTPTimeout = 3 * time.Second
	}
	if p.SpeedtestBin == "" {
		p.SpeedtestBin = "speedtest"
	}
	if p.SpeedtestURL == "" {
		p.SpeedtestURL = "https://speed.cloudflare.com"
	}
	if p.DownloadBytes <= 0 {
		p.DownloadBytes = 25_000_000
	}
	if p.UploadBytes <= 0 {
		p.UploadBytes = 10_000_000
	}
	if len(cfg.Security.TLSProbeHosts) == 0 {
		cfg.Security.TLSProbeHosts = []string{"www.google.com:443", "www.cloudflare.com:443"}
	}
	if len(cfg.Security.InspectionVendors) == 0 {
		cfg.Security.InspectionVendors = []string{"Zscaler", "Palo Alto", "Fortinet", "Netskope", "Blue Coat", "Symantec", "Cisco Umbrella", "Sophos", "Forcepoint", "Check Point"}
	}
	if cfg.Device.PublicIPURL == "" {
		cfg.Device.PublicIPURL = "https://api.ipify.org?format=json"
	}
	if cfg.Device.PublicIPTTL <= 0 {
		cfg.Device.PublicIPTTL = 5 * time.Minute
	}
	if len(cfg.Device.PreferredInterfaces) == 0 {
		cfg.Device.PreferredInterfaces = []string{"eth0", "wlan0", "en0", "en1"}
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
	}
	switch c.History.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.History.DSN == "" {
			return errors.New("history.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("history.driver %q is not supported", c.History.Driver)
	}
	if c.Server.StartRatePerMinute < 0 {
		return errors.New("server.start_rate_per_minute must not be negative")
	}
	return nil
}
