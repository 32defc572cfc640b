package types

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Status is the outcome of a single probe.
type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// Kind identifies a family of probes in a results map.
type Kind string

const (
	KindDNS       Kind = "dns"
	KindTCP       Kind = "tcp"
	KindQUIC      Kind = "quic"
	KindPing      Kind = "ping"
	KindNTP       Kind = "ntp"
	KindSpeedtest Kind = "speedtest"
)

// Kinds lists every kind in display and execution order.
var Kinds = []Kind{KindDNS, KindTCP, KindQUIC, KindPing, KindNTP, KindSpeedtest}

// Singleton reports whether the kind carries a single object instead of an array.
func (k Kind) Singleton() bool {
	return k == KindNTP || k == KindSpeedtest
}

// TestResult is one probe outcome. Fields that do not apply to a kind stay empty.
type TestResult struct {
	Status       Status   `json:"status" yaml:"status"`
	Error        string   `json:"error,omitempty" yaml:"error,omitempty"`
	Hint         string   `json:"hint,omitempty" yaml:"hint,omitempty"`
	Note         string   `json:"note,omitempty" yaml:"note,omitempty"`
	Target       string   `json:"target,omitempty" yaml:"target,omitempty"`
	Host         string   `json:"host,omitempty" yaml:"host,omitempty"`
	Port         int      `json:"port,omitempty" yaml:"port,omitempty"`
	Label        string   `json:"label,omitempty" yaml:"label,omitempty"`
	IP           string   `json:"ip,omitempty" yaml:"ip,omitempty"`
	LatencyMs    *float64 `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	Protocol     string   `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Output       string   `json:"output,omitempty" yaml:"output,omitempty"`
	AvgMs        *float64 `json:"avg_ms,omitempty" yaml:"avg_ms,omitempty"`
	MinMs        *float64 `json:"min_ms,omitempty" yaml:"min_ms,omitempty"`
	MaxMs        *float64 `json:"max_ms,omitempty" yaml:"max_ms,omitempty"`
	PacketLoss   *float64 `json:"packet_loss,omitempty" yaml:"packet_loss,omitempty"`
	OffsetMs     *float64 `json:"offset_ms,omitempty" yaml:"offset_ms,omitempty"`
	Source       string   `json:"source,omitempty" yaml:"source,omitempty"`
	Server       string   `json:"server,omitempty" yaml:"server,omitempty"`
	DownloadMbps *float64 `json:"download_mbps,omitempty" yaml:"download_mbps,omitempty"`
	UploadMbps   *float64 `json:"upload_mbps,omitempty" yaml:"upload_mbps,omitempty"`
}

// UnmarshalJSON decodes field by field so a single field with an unexpected
// type is dropped instead of failing the whole snapshot.
func (r *TestResult) UnmarshalJSON(data []byte) error {
	*r = TestResult{}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	f := fields(raw)
	r.Status = Status(f.str("status"))
	r.Error = f.str("error")
	r.Hint = f.str("hint")
	r.Note = f.str("note")
	r.Target = f.str("target")
	r.Host = f.str("host")
	if port := f.num("port"); port != nil {
		r.Port = int(*port)
	}
	r.Label = f.str("label")
	r.IP = f.str("ip")
	r.LatencyMs = f.num("latency_ms")
	r.Protocol = f.str("protocol")
	r.Output = f.str("output")
	r.AvgMs = f.num("avg_ms")
	r.MinMs = f.num("min_ms")
	r.MaxMs = f.num("max_ms")
	r.PacketLoss = f.num("packet_loss")
	r.OffsetMs = f.num("offset_ms")
	r.Source = f.str("source")
	r.Server = f.str("server")
	r.DownloadMbps = f.num("download_mbps")
	r.UploadMbps = f.num("upload_mbps")
	return nil
}

type fields map[string]json.RawMessage

func (f fields) str(key string) string {
	v, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

func (f fields) num(key string) *float64 {
	v, ok := f[key]
	if !ok {
		return nil
	}
	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return &n
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if parsed, err := strconv.ParseFloat(s, 64); err == nil {
			return &parsed
		}
	}
	return nil
}

// Float returns a pointer to v for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}

// RunMeta identifies the device that produced a results map.
type RunMeta struct {
	DeviceName string `json:"device_name,omitempty" yaml:"device_name,omitempty"`
	PrivateIP  string `json:"private_ip,omitempty" yaml:"private_ip,omitempty"`
	PublicIP   string `json:"public_ip,omitempty" yaml:"public_ip,omitempty"`
	SiteLabel  string `json:"site_label,omitempty" yaml:"site_label,omitempty"`
}

// Results is the partial, growing map of kind to probe outcomes.
type Results struct {
	DNS       []TestResult `json:"dns,omitempty" yaml:"dns,omitempty"`
	TCP       []TestResult `json:"tcp,omitempty" yaml:"tcp,omitempty"`
	QUIC      []TestResult `json:"quic,omitempty" yaml:"quic,omitempty"`
	Ping      []TestResult `json:"ping,omitempty" yaml:"ping,omitempty"`
	NTP       *TestResult  `json:"ntp,omitempty" yaml:"ntp,omitempty"`
	Speedtest *TestResult  `json:"speedtest,omitempty" yaml:"speedtest,omitempty"`
	Meta      *RunMeta     `json:"_meta,omitempty" yaml:"_meta,omitempty"`
}

// UnmarshalJSON treats a kind whose value has the wrong shape as absent.
func (r *Results) UnmarshalJSON(data []byte) error {
	*r = Results{}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	r.DNS = decodeArray(raw[string(KindDNS)])
	r.TCP = decodeArray(raw[string(KindTCP)])
	r.QUIC = decodeArray(raw[string(KindQUIC)])
	r.Ping = decodeArray(raw[string(KindPing)])
	r.NTP = decodeObject(raw[string(KindNTP)])
	r.Speedtest = decodeObject(raw[string(KindSpeedtest)])
	if v, ok := raw["_meta"]; ok {
		var meta RunMeta
		if err := json.Unmarshal(v, &meta); err == nil {
			r.Meta = &meta
		}
	}
	return nil
}

func decodeArray(v json.RawMessage) []TestResult {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '[' {
		return nil
	}
	var out []TestResult
	if err := json.Unmarshal(v, &out); err != nil {
		return nil
	}
	return out
}

func decodeObject(v json.RawMessage) *TestResult {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '{' {
		return nil
	}
	var out TestResult
	if err := json.Unmarshal(v, &out); err != nil {
		return nil
	}
	return &out
}

// Entries returns the results for kind as a slice. Singleton kinds are
// normalized to a slice of length zero or one.
func (r Results) Entries(kind Kind) []TestResult {
	switch kind {
	case KindDNS:
		return r.DNS
	case KindTCP:
		return r.TCP
	case KindQUIC:
		return r.QUIC
	case KindPing:
		return r.Ping
	case KindNTP:
		if r.NTP != nil {
			return []TestResult{*r.NTP}
		}
	case KindSpeedtest:
		if r.Speedtest != nil {
			return []TestResult{*r.Speedtest}
		}
	}
	return nil
}

// Add records a result under kind. Array kinds append; singleton kinds replace.
func (r *Results) Add(kind Kind, result TestResult) {
	switch kind {
	case KindDNS:
		r.DNS = append(r.DNS, result)
	case KindTCP:
		r.TCP = append(r.TCP, result)
	case KindQUIC:
		r.QUIC = append(r.QUIC, result)
	case KindPing:
		r.Ping = append(r.Ping, result)
	case KindNTP:
		r.NTP = &result
	case KindSpeedtest:
		r.Speedtest = &result
	}
}

// Clone returns a copy that shares no slices with r.
func (r Results) Clone() Results {
	out := Results{
		DNS:  append([]TestResult(nil), r.DNS...),
		TCP:  append([]TestResult(nil), r.TCP...),
		QUIC: append([]TestResult(nil), r.QUIC...),
		Ping: append([]TestResult(nil), r.Ping...),
	}
	if r.NTP != nil {
		ntp := *r.NTP
		out.NTP = &ntp
	}
	if r.Speedtest != nil {
		st := *r.Speedtest
		out.Speedtest = &st
	}
	if r.Meta != nil {
		meta := *r.Meta
		out.Meta = &meta
	}
	return out
}

// Summary counts outcomes across every kind.
func (r Results) Summary() HistorySummary {
	var s HistorySummary
	for _, kind := range Kinds {
		for _, entry := range r.Entries(kind) {
			s.TotalTests++
			switch entry.Status {
			case StatusPass:
				s.Passed++
			case StatusWarn:
				s.Warnings++
			case StatusFail:
				s.Failed++
			}
		}
	}
	return s
}
