package types

type LabelValue struct {
	Label string `json:"label" yaml:"label"`
	Value string `json:"value" yaml:"value"`
}

type ProxyInfo struct {
	Configured bool     `json:"configured" yaml:"configured"`
	Sources    []string `json:"sources,omitempty" yaml:"sources,omitempty"`
}

type TLSInfo struct {
	Suspected bool         `json:"suspected" yaml:"suspected"`
	Details   []LabelValue `json:"details" yaml:"details"`
}

type Listener struct {
	Proto   string `json:"proto" yaml:"proto"`
	Local   string `json:"local" yaml:"local"`
	Process string `json:"process,omitempty" yaml:"process,omitempty"`
	PID     int    `json:"pid,omitempty" yaml:"pid,omitempty"`
}

// SecurityReport is the posture summary behind /api/security. OK is nil when
// the posture could not be determined.
type SecurityReport struct {
	Software  string     `json:"software" yaml:"software"`
	Proxy     ProxyInfo  `json:"proxy" yaml:"proxy"`
	TLS       TLSInfo    `json:"tls" yaml:"tls"`
	Listeners []Listener `json:"listeners" yaml:"listeners"`
	Outbound  []string   `json:"outbound" yaml:"outbound"`
	OK        *bool      `json:"ok" yaml:"ok"`
}
