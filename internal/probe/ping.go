package probe

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/pingsantohq/readiness/pkg/types"
)

type pingStats struct {
	Sent int
	Recv int
	Loss float64
	Min  time.Duration
	Avg  time.Duration
	Max  time.Duration
}

// Ping sends echo requests. All replies is PASS, partial loss WARN, no replies FAIL.
func (r *Runner) Ping(ctx context.Context, host string) types.TestResult {
	res := types.TestResult{Target: host}
	stats, err := r.ping(ctx, host)
	if err != nil {
		res.Status = types.StatusFail
		res.Error = err.Error()
		res.Hint = "ICMP may be blocked upstream or the daemon lacks CAP_NET_RAW"
		return res
	}

	res.Output = pingSummary(host, stats)
	res.PacketLoss = types.Float(stats.Loss)
	switch {
	case stats.Recv == 0:
		res.Status = types.StatusFail
		res.Error = "no echo replies received"
		return res
	case stats.Recv < stats.Sent:
		res.Status = types.StatusWarn
	default:
		res.Status = types.StatusPass
	}
	res.AvgMs = types.Float(durationMs(stats.Avg))
	res.MinMs = types.Float(durationMs(stats.Min))
	res.MaxMs = types.Float(durationMs(stats.Max))
	return res
}

func (r *Runner) icmpPing(ctx context.Context, host string) (pingStats, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return pingStats{}, fmt.Errorf("create pinger: %w", err)
	}
	pinger.SetPrivileged(r.cfg.PingPrivileged)
	pinger.Count = r.cfg.PingCount
	pinger.Timeout = r.cfg.PingTimeout
	pinger.Interval = 500 * time.Millisecond
	if err := pinger.RunWithContext(ctx); err != nil {
		return pingStats{}, fmt.Errorf("ping %s: %w", host, err)
	}
	s := pinger.Statistics()
	return pingStats{
		Sent: s.PacketsSent,
		Recv: s.PacketsRecv,
		Loss: s.PacketLoss,
		Min:  s.MinRtt,
		Avg:  s.AvgRtt,
		Max:  s.MaxRtt,
	}, nil
}

// pingSummary mirrors the closing lines of the system ping utility.
func pingSummary(host string, s pingStats) string {
	out := fmt.Sprintf("--- %s ping statistics ---\n%d packets transmitted, %d received, %.0f%% packet loss",
		host, s.Sent, s.Recv, s.Loss)
	if s.Recv > 0 {
		out += fmt.Sprintf("\nrtt min/avg/max = %.3f/%.3f/%.3f ms", durationMs(s.Min), durationMs(s.Avg), durationMs(s.Max))
	}
	return out
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
