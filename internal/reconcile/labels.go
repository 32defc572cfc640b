package reconcile

import (
	"fmt"
	"strconv"

	"github.com/pingsantohq/readiness/pkg/types"
)

var titles = map[types.Kind]string{
	types.KindDNS:       "DNS Resolution",
	types.KindTCP:       "TCP Connectivity",
	types.KindQUIC:      "QUIC Protocol",
	types.KindPing:      "Ping Tests",
	types.KindNTP:       "Time Sync",
	types.KindSpeedtest: "Speed Test",
}

var fallbackNames = map[types.Kind]string{
	types.KindDNS:  "DNS",
	types.KindTCP:  "TCP",
	types.KindQUIC: "QUIC",
	types.KindPing: "Ping",
}

// Title is the card heading for kind.
func Title(kind types.Kind) string {
	if title, ok := titles[kind]; ok {
		return title
	}
	return string(kind)
}

// Label names one entry of kind for detail rendering. index is the entry's
// position in the kind's array and is only used when the entry carries no
// identifying field.
func Label(kind types.Kind, result types.TestResult, index int) string {
	switch kind {
	case types.KindTCP, types.KindQUIC:
		if result.Label != "" {
			return result.Label
		}
		if result.Target != "" {
			return result.Target
		}
		if result.Host != "" && result.Port != 0 {
			return result.Host + ":" + strconv.Itoa(result.Port)
		}
	case types.KindDNS, types.KindPing:
		if result.Target != "" {
			return result.Target
		}
	case types.KindNTP:
		if result.Target != "" {
			return result.Target
		}
		return "NTP Server"
	case types.KindSpeedtest:
		if result.Source != "" {
			return result.Source
		}
		return "Speed Test"
	}
	name, ok := fallbackNames[kind]
	if !ok {
		name = string(kind)
	}
	return fmt.Sprintf("%s Test %d", name, index+1)
}

// Lines returns the detail lines shown beneath an entry's label.
func Lines(kind types.Kind, result types.TestResult) []string {
	var lines []string
	switch kind {
	case types.KindDNS:
		if result.IP != "" {
			lines = append(lines, "Resolved to: "+result.IP)
		}
		lines = appendLatency(lines, result.LatencyMs)
	case types.KindTCP:
		lines = appendLatency(lines, result.LatencyMs)
	case types.KindQUIC:
		lines = appendLatency(lines, result.LatencyMs)
		if result.Protocol != "" {
			lines = append(lines, "Protocol: "+result.Protocol)
		}
	case types.KindPing:
		if result.AvgMs != nil {
			lines = append(lines, fmt.Sprintf("Avg: %.1fms", *result.AvgMs))
		}
		if result.MinMs != nil && result.MaxMs != nil {
			lines = append(lines, fmt.Sprintf("Min/Max: %.1f/%.1fms", *result.MinMs, *result.MaxMs))
		}
		if result.PacketLoss != nil {
			lines = append(lines, fmt.Sprintf("Packet loss: %.0f%%", *result.PacketLoss))
		}
		if len(lines) == 0 && result.Output != "" {
			lines = append(lines, result.Output)
		}
	case types.KindNTP:
		if result.OffsetMs != nil {
			lines = append(lines, fmt.Sprintf("Offset: %.0fms", *result.OffsetMs))
		}
	case types.KindSpeedtest:
		if result.DownloadMbps != nil {
			lines = append(lines, fmt.Sprintf("Download: %.1f Mbps", *result.DownloadMbps))
		}
		if result.UploadMbps != nil {
			lines = append(lines, fmt.Sprintf("Upload: %.1f Mbps", *result.UploadMbps))
		}
		if result.Server != "" {
			lines = append(lines, "Server: "+result.Server)
		}
	}
	if result.Note != "" {
		lines = append(lines, result.Note)
	}
	if result.Error != "" {
		lines = append(lines, "Error: "+result.Error)
	}
	return lines
}

func appendLatency(lines []string, latency *float64) []string {
	if latency == nil {
		return lines
	}
	return append(lines, fmt.Sprintf("Latency: %.0fms", *latency))
}
