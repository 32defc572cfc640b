package types

import (
	"strconv"
	"strings"
)

// SecretMask replaces secret values when settings leave the appliance.
const SecretMask = "********"

// Endpoint is a host and port probed by TCP or QUIC checks.
type Endpoint struct {
	Host  string `json:"host" yaml:"host"`
	Port  int    `json:"port" yaml:"port"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Address renders the endpoint as host:port.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = 443
	}
	return e.Host + ":" + strconv.Itoa(port)
}

// Targets lists what a diagnostic run probes.
type Targets struct {
	DNS       []string   `json:"dns" yaml:"dns"`
	Resolvers []string   `json:"resolvers,omitempty" yaml:"resolvers,omitempty"`
	TCP       []Endpoint `json:"tcp" yaml:"tcp"`
	QUIC      []Endpoint `json:"quic" yaml:"quic"`
	Ping      []string   `json:"ping" yaml:"ping"`
	NTP       string     `json:"ntp" yaml:"ntp"`
}

// IsPlaceholder reports whether a target host is a leftover from an import
// rather than a real target: empty, "N/A", or containing "error" or "name".
func IsPlaceholder(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	return h == "" || h == "n/a" || strings.Contains(h, "error") || strings.Contains(h, "name")
}

// Usable returns a copy of t without placeholder hosts in the list kinds.
func (t Targets) Usable() Targets {
	out := t
	out.DNS = usableHosts(t.DNS)
	out.Ping = usableHosts(t.Ping)
	out.TCP = usableEndpoints(t.TCP)
	out.QUIC = usableEndpoints(t.QUIC)
	return out
}

func usableHosts(in []string) []string {
	var out []string
	for _, h := range in {
		if !IsPlaceholder(h) {
			out = append(out, h)
		}
	}
	return out
}

func usableEndpoints(in []Endpoint) []Endpoint {
	var out []Endpoint
	for _, ep := range in {
		if !IsPlaceholder(ep.Host) {
			out = append(out, ep)
		}
	}
	return out
}

type CloudPushSettings struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	APIURL    string `json:"api_url" yaml:"api_url"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	SiteLabel string `json:"site_label" yaml:"site_label"`
}

type DatabricksSettings struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	WorkspaceURL string `json:"workspace_url" yaml:"workspace_url"`
	AccessToken  string `json:"access_token" yaml:"access_token"`
	WarehouseID  string `json:"warehouse_id" yaml:"warehouse_id"`
	Database     string `json:"database" yaml:"database"`
	Table        string `json:"table" yaml:"table"`
	AutoPush     bool   `json:"auto_push" yaml:"auto_push"`
}

type RedisSettings struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type APISettings struct {
	AllowRemoteAdmin bool   `json:"allow_remote_admin" yaml:"allow_remote_admin"`
	AdminToken       string `json:"admin_token,omitempty" yaml:"admin_token,omitempty"`
}

// NetworkSettings is stored for the host's network manager; the appliance
// does not apply it itself.
type NetworkSettings struct {
	Interface string   `json:"interface" yaml:"interface"`
	Mode      string   `json:"mode" yaml:"mode"`
	Address   string   `json:"address,omitempty" yaml:"address,omitempty"`
	Gateway   string   `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	DNS       []string `json:"dns,omitempty" yaml:"dns,omitempty"`
}

// Settings is the mutable runtime configuration of the appliance.
type Settings struct {
	AutoTestEnabled      bool   `json:"auto_test_enabled" yaml:"auto_test_enabled"`
	MaxAutoTests         int    `json:"max_auto_tests" yaml:"max_auto_tests"`
	TestIntervalSeconds  int    `json:"test_interval_seconds" yaml:"test_interval_seconds"`
	NetworkCheckSeconds  int    `json:"network_check_interval" yaml:"network_check_interval"`
	AutoExportEnabled    bool   `json:"auto_export_enabled" yaml:"auto_export_enabled"`
	AutoExportFormat     string `json:"auto_export_format" yaml:"auto_export_format"`
	WebhookEnabled       bool   `json:"webhook_enabled" yaml:"webhook_enabled"`
	WebhookURL           string `json:"webhook_url" yaml:"webhook_url"`
	WebhookAuth          string `json:"webhook_auth,omitempty" yaml:"webhook_auth,omitempty"`
	WebPort              int    `json:"web_port" yaml:"web_port"`
	SiteLabel            string `json:"site_label" yaml:"site_label"`
	MDNSEnabled          bool   `json:"mdns_enabled" yaml:"mdns_enabled"`
	ConfigSigningEnabled bool   `json:"config_signing_enabled" yaml:"config_signing_enabled"`

	CloudPush  CloudPushSettings  `json:"cloud_push" yaml:"cloud_push"`
	Databricks DatabricksSettings `json:"databricks" yaml:"databricks"`
	Redis      RedisSettings      `json:"redis" yaml:"redis"`
	API        APISettings        `json:"api" yaml:"api"`
	Network    NetworkSettings    `json:"network" yaml:"network"`
	Targets    Targets            `json:"targets" yaml:"targets"`
}

// Features enumerates optional behaviour toggled by settings.
type Features struct {
	SiteLabel      bool `json:"site_label" yaml:"site_label"`
	DatabricksPush bool `json:"databricks_push" yaml:"databricks_push"`
	CloudPush      bool `json:"cloud_push" yaml:"cloud_push"`
	Webhook        bool `json:"webhook" yaml:"webhook"`
	RedisNotify    bool `json:"redis_notify" yaml:"redis_notify"`
	MDNS           bool `json:"mdns" yaml:"mdns"`
	AutoExport     bool `json:"auto_export" yaml:"auto_export"`
}

// Features derives the feature set from the settings.
func (s Settings) Features() Features {
	return Features{
		SiteLabel:      s.SiteLabel != "" || s.CloudPush.SiteLabel != "",
		DatabricksPush: s.Databricks.Enabled && s.Databricks.WorkspaceURL != "",
		CloudPush:      s.CloudPush.Enabled && s.CloudPush.APIURL != "",
		Webhook:        s.WebhookEnabled && s.WebhookURL != "",
		RedisNotify:    s.Redis.Enabled && s.Redis.Addr != "",
		MDNS:           s.MDNSEnabled,
		AutoExport:     s.AutoExportEnabled,
	}
}

// Redacted returns a copy with secrets replaced by SecretMask.
func (s Settings) Redacted() Settings {
	s.CloudPush.APIKey = mask(s.CloudPush.APIKey)
	s.Databricks.AccessToken = mask(s.Databricks.AccessToken)
	s.Redis.Password = mask(s.Redis.Password)
	s.API.AdminToken = mask(s.API.AdminToken)
	s.WebhookAuth = mask(s.WebhookAuth)
	return s
}

// KeepSecrets restores secrets in s that arrived masked, taking them from prev.
func (s Settings) KeepSecrets(prev Settings) Settings {
	s.CloudPush.APIKey = unmask(s.CloudPush.APIKey, prev.CloudPush.APIKey)
	s.Databricks.AccessToken = unmask(s.Databricks.AccessToken, prev.Databricks.AccessToken)
	s.Redis.Password = unmask(s.Redis.Password, prev.Redis.Password)
	s.API.AdminToken = unmask(s.API.AdminToken, prev.API.AdminToken)
	s.WebhookAuth = unmask(s.WebhookAuth, prev.WebhookAuth)
	return s
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return SecretMask
}

func unmask(v, prev string) string {
	if v == SecretMask {
		return prev
	}
	return v
}
