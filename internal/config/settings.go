package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/readiness/pkg/types"
)

const SettingsFileName = "settings.yaml"

var ErrUnknownSection = errors.New("unknown settings section")

// Sections accepted by UpdateSection.
const (
	SectionTest       = "test"
	SectionExport     = "export"
	SectionNetwork    = "network"
	SectionDatabricks = "databricks"
	SectionAPI        = "api"
	SectionRedis      = "redis"
)

// DefaultSettings returns the settings of a freshly installed appliance.
func DefaultSettings() types.Settings {
	return types.Settings{
		MaxAutoTests:        3,
		TestIntervalSeconds: 300,
		NetworkCheckSeconds: 10,
		AutoExportFormat:    "pdf",
		WebPort:             5001,
		Databricks: types.DatabricksSettings{
			Database: "network_tests",
			Table:    "test_results",
		},
		Redis: types.RedisSettings{
			Addr:    "127.0.0.1:6379",
			Channel: "readiness:runs",
		},
		Network: types.NetworkSettings{
			Interface: "eth0",
			Mode:      "dhcp",
		},
		Targets: types.Targets{
			DNS:       []string{"google.com", "cloudflare.com", "8.8.8.8"},
			Resolvers: []string{"system"},
			TCP: []types.Endpoint{
				{Host: "google.com", Port: 443, Label: "Google HTTPS"},
				{Host: "cloudflare.com", Port: 443, Label: "Cloudflare HTTPS"},
			},
			QUIC: []types.Endpoint{
				{Host: "google.com", Port: 443, Label: "Google QUIC"},
				{Host: "cloudflare.com", Port: 443, Label: "Cloudflare QUIC"},
			},
			Ping: []string{"8.8.8.8", "1.1.1.1"},
			NTP:  "pool.ntp.org",
		},
	}
}

// SettingsStore persists Settings as YAML in the data directory.
type SettingsStore struct {
	path string

	mu      sync.RWMutex
	current types.Settings
}

// OpenSettings loads the settings file in dir, or starts from defaults when
// it does not exist yet.
func OpenSettings(dir string) (*SettingsStore, error) {
	s := &SettingsStore{path: filepath.Join(dir, SettingsFileName)}
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.current = DefaultSettings()
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read settings %q: %w", s.path, err)
	}
	settings, err := ParseSettings(data)
	if err != nil {
		return nil, fmt.Errorf("load settings %q: %w", s.path, err)
	}
	s.current = settings
	return s, nil
}

// ParseSettings decodes YAML settings, filling missing keys from defaults.
func ParseSettings(data []byte) (types.Settings, error) {
	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return types.Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	normalizeSettings(&settings)
	if err := ValidateSettings(settings); err != nil {
		return types.Settings{}, err
	}
	return settings, nil
}

// Path is where the settings are persisted.
func (s *SettingsStore) Path() string {
	return s.path
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() types.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSettings(s.current)
}

// UpdateSection applies a JSON body to one section. Keys missing from the
// body keep their current value, and masked secrets are left unchanged.
func (s *SettingsStore) UpdateSection(section string, body []byte) (types.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := cloneSettings(s.current)
	incoming := cloneSettings(s.current)
	var target any
	switch section {
	case SectionTest, SectionExport:
		target = &incoming
	case SectionNetwork:
		target = &incoming.Network
	case SectionDatabricks:
		target = &incoming.Databricks
	case SectionAPI:
		target = &incoming.API
	case SectionRedis:
		target = &incoming.Redis
	default:
		return types.Settings{}, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return types.Settings{}, fmt.Errorf("decode %s settings: %w", section, err)
	}
	incoming = incoming.KeepSecrets(cur)

	next := cur
	switch section {
	case SectionTest:
		next.AutoTestEnabled = incoming.AutoTestEnabled
		next.MaxAutoTests = incoming.MaxAutoTests
		next.TestIntervalSeconds = incoming.TestIntervalSeconds
		next.NetworkCheckSeconds = incoming.NetworkCheckSeconds
		next.Targets = incoming.Targets
	case SectionExport:
		next.AutoExportEnabled = incoming.AutoExportEnabled
		next.AutoExportFormat = incoming.AutoExportFormat
		next.WebhookEnabled = incoming.WebhookEnabled
		next.WebhookURL = incoming.WebhookURL
		next.WebhookAuth = incoming.WebhookAuth
		next.SiteLabel = incoming.SiteLabel
		next.CloudPush = incoming.CloudPush
	case SectionNetwork:
		next.Network = incoming.Network
	case SectionDatabricks:
		next.Databricks = incoming.Databricks
	case SectionAPI:
		next.API = incoming.API
	case SectionRedis:
		next.Redis = incoming.Redis
	}
	normalizeSettings(&next)
	if err := ValidateSettings(next); err != nil {
		return types.Settings{}, err
	}
	if err := s.persistLocked(next); err != nil {
		return types.Settings{}, err
	}
	return cloneSettings(next), nil
}

// Replace swaps in a complete settings document, as used by restore.
func (s *SettingsStore) Replace(settings types.Settings) error {
	normalizeSettings(&settings)
	if err := ValidateSettings(settings); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(cloneSettings(settings))
}

// Reset returns to factory defaults and removes the settings file.
func (s *SettingsStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove settings %q: %w", s.path, err)
	}
	s.current = DefaultSettings()
	return nil
}

// Backup renders the current settings, secrets included, as YAML.
func (s *SettingsStore) Backup() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := yaml.Marshal(s.current)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	return data, nil
}

func (s *SettingsStore) persistLocked(settings types.Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	s.current = settings
	return nil
}

func normalizeSettings(s *types.Settings) {
	def := DefaultSettings()
	if s.MaxAutoTests <= 0 {
		s.MaxAutoTests = def.MaxAutoTests
	}
	if s.TestIntervalSeconds <= 0 {
		s.TestIntervalSeconds = def.TestIntervalSeconds
	}
	if s.NetworkCheckSeconds <= 0 {
		s.NetworkCheckSeconds = def.NetworkCheckSeconds
	}
	if s.AutoExportFormat == "" {
		s.AutoExportFormat = def.AutoExportFormat
	}
	if s.WebPort == 0 {
		s.WebPort = def.WebPort
	}
	if s.Databricks.Database == "" {
		s.Databricks.Database = def.Databricks.Database
	}
	if s.Databricks.Table == "" {
		s.Databricks.Table = def.Databricks.Table
	}
	if s.Redis.Channel == "" {
		s.Redis.Channel = def.Redis.Channel
	}
	if s.Targets.NTP == "" {
		s.Targets.NTP = def.Targets.NTP
	}
	for i := range s.Targets.TCP {
		if s.Targets.TCP[i].Port == 0 {
			s.Targets.TCP[i].Port = 443
		}
	}
	for i := range s.Targets.QUIC {
		if s.Targets.QUIC[i].Port == 0 {
			s.Targets.QUIC[i].Port = 443
		}
	}
}

// ValidateSettings reports the first invalid value.
func ValidateSettings(s types.Settings) error {
	if s.MaxAutoTests > 100 {
		return fmt.Errorf("max_auto_tests %d exceeds 100", s.MaxAutoTests)
	}
	if s.TestIntervalSeconds < 10 {
		return fmt.Errorf("test_interval_seconds %d is below 10", s.TestIntervalSeconds)
	}
	switch s.AutoExportFormat {
	case "csv", "json", "pdf":
	default:
		return fmt.Errorf("auto_export_format %q is not one of csv, json, pdf", s.AutoExportFormat)
	}
	for name, raw := range map[string]string{
		"webhook_url":              s.WebhookURL,
		"cloud_push.api_url":       s.CloudPush.APIURL,
		"databricks.workspace_url": s.Databricks.WorkspaceURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s %q is not an absolute URL", name, raw)
		}
	}
	for _, group := range [][]types.Endpoint{s.Targets.TCP, s.Targets.QUIC} {
		for _, ep := range group {
			if ep.Host == "" {
				return errors.New("target endpoint host is required")
			}
			if ep.Port < 1 || ep.Port > 65535 {
				return fmt.Errorf("target %s port %d out of range", ep.Host, ep.Port)
			}
		}
	}
	switch s.Network.Mode {
	case "", "dhcp", "static":
	default:
		return fmt.Errorf("network.mode %q is not dhcp or static", s.Network.Mode)
	}
	return nil
}

func cloneSettings(s types.Settings) types.Settings {
	out := s
	out.Targets.DNS = append([]string(nil), s.Targets.DNS...)
	out.Targets.Resolvers = append([]string(nil), s.Targets.Resolvers...)
	out.Targets.TCP = append([]types.Endpoint(nil), s.Targets.TCP...)
	out.Targets.QUIC = append([]types.Endpoint(nil), s.Targets.QUIC...)
	out.Targets.Ping = append([]string(nil), s.Targets.Ping...)
	out.Network.DNS = append([]string(nil), s.Network.DNS...)
	return out
}
