package probe

import (
	"context"
	"time"

	"github.com/beevik/ntp"

	"github.com/pingsantohq/readiness/pkg/types"
)

// NTP queries the server and records the local clock offset.
func (r *Runner) NTP(ctx context.Context, server string) types.TestResult {
	res := types.TestResult{Target: server}
	if err := ctx.Err(); err != nil {
		res.Status = types.StatusFail
		res.Error = err.Error()
		return res
	}
	offset, err := r.ntpQuery(server)
	if err != nil {
		res.Status = types.StatusFail
		res.Error = err.Error()
		res.Hint = "Check that outbound UDP 123 is allowed"
		return res
	}
	res.Status = types.StatusPass
	res.OffsetMs = types.Float(float64(offset.Milliseconds()))
	return res
}

func (r *Runner) queryNTP(host string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: r.cfg.NTPTimeout, Version: 3})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}
