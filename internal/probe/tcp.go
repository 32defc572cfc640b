package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pingsantohq/readiness/pkg/types"
)

// TCP dials the endpoint and records the connect latency.
func (r *Runner) TCP(ctx context.Context, ep types.Endpoint) types.TestResult {
	res := types.TestResult{Target: ep.Address(), Label: ep.Label}
	dialer := net.Dialer{Timeout: r.cfg.TCPTimeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		res.Status = types.StatusFail
		res.Error = err.Error()
		res.Hint = fmt.Sprintf("Check firewall rules for outbound TCP %d", portOf(ep))
		return res
	}
	res.LatencyMs = elapsedMs(start)
	_ = conn.Close()
	res.Status = types.StatusPass
	return res
}

func portOf(ep types.Endpoint) int {
	if ep.Port == 0 {
		return 443
	}
	return ep.Port
}
