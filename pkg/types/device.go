package types

type InterfaceInfo struct {
	IP      string `json:"ip" yaml:"ip"`
	Netmask string `json:"netmask" yaml:"netmask"`
	Status  string `json:"status" yaml:"status"`
}

// DeviceInfo describes the appliance and its network identity.
type DeviceInfo struct {
	Hostname     string                   `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	PrivateIP    string                   `json:"private_ip" yaml:"private_ip"`
	PublicIP     string                   `json:"public_ip" yaml:"public_ip"`
	Platform     string                   `json:"platform,omitempty" yaml:"platform,omitempty"`
	Architecture string                   `json:"architecture,omitempty" yaml:"architecture,omitempty"`
	Version      string                   `json:"version,omitempty" yaml:"version,omitempty"`
	Uptime       string                   `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	MemoryUsage  *float64                 `json:"memory_usage,omitempty" yaml:"memory_usage,omitempty"`
	DiskUsage    *float64                 `json:"disk_usage,omitempty" yaml:"disk_usage,omitempty"`
	Temperature  string                   `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Interfaces   map[string]InterfaceInfo `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`
	Error        string                   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Info is the short identity returned by /api/info.
type Info struct {
	DeviceName string `json:"device_name" yaml:"device_name"`
	PublicIP   string `json:"public_ip" yaml:"public_ip"`
	PrivateIP  string `json:"private_ip" yaml:"private_ip"`
}

// SystemStatus is the resource snapshot returned by /api/system-status.
type SystemStatus struct {
	Uptime        string   `json:"uptime" yaml:"uptime"`
	UptimeSeconds int64    `json:"uptime_seconds" yaml:"uptime_seconds"`
	Load1         float64  `json:"load_1" yaml:"load_1"`
	Load5         float64  `json:"load_5" yaml:"load_5"`
	Load15        float64  `json:"load_15" yaml:"load_15"`
	MemoryUsage   *float64 `json:"memory_usage,omitempty" yaml:"memory_usage,omitempty"`
	DiskUsage     *float64 `json:"disk_usage,omitempty" yaml:"disk_usage,omitempty"`
	Temperature   string   `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

type AccessInfo struct {
	IsLocal          bool `json:"is_local" yaml:"is_local"`
	AllowRemoteAdmin bool `json:"allow_remote_admin" yaml:"allow_remote_admin"`
}
