package security

import (
	"context"
	"net"
	"sort"
	"strconv"
	"syscall"

	"github.com/shirou/gopsutil/v4/common"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/pingsantohq/readiness/pkg/types"
)

const tcpListen = "LISTEN"

// Listeners lists listening TCP sockets and unconnected UDP sockets with
// their owning process where permissions allow.
func (r *Reporter) Listeners(ctx context.Context) ([]types.Listener, error) {
	ctx = r.hostContext(ctx)
	conns, err := r.connections(ctx)
	if err != nil {
		return nil, err
	}
	out := listeningSockets(conns)
	names := map[int]string{}
	for i := range out {
		pid := out[i].PID
		if pid <= 0 {
			continue
		}
		name, ok := names[pid]
		if !ok {
			name, err = r.processName(ctx, int32(pid))
			if err != nil {
				r.logger.Debugw("process name unavailable", "pid", pid, "err", err)
			}
			names[pid] = name
		}
		out[i].Process = name
	}
	return out, nil
}

// hostContext points gopsutil at an alternate proc mount when configured.
func (r *Reporter) hostContext(ctx context.Context) context.Context {
	if r.cfg.ProcRoot == "" {
		return ctx
	}
	return context.WithValue(ctx, common.EnvKey, common.EnvMap{common.HostProcEnvKey: r.cfg.ProcRoot})
}

func listeningSockets(conns []gnet.ConnectionStat) []types.Listener {
	var out []types.Listener
	for _, c := range conns {
		var proto string
		switch {
		case c.Type == syscall.SOCK_STREAM && c.Status == tcpListen:
			proto = "tcp"
		case c.Type == syscall.SOCK_DGRAM && c.Raddr.Port == 0:
			proto = "udp"
		default:
			continue
		}
		if c.Family == syscall.AF_INET6 {
			proto += "6"
		}
		out = append(out, types.Listener{
			Proto: proto,
			Local: net.JoinHostPort(c.Laddr.IP, strconv.FormatUint(uint64(c.Laddr.Port), 10)),
			PID:   int(c.Pid),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Proto != out[j].Proto {
			return out[i].Proto < out[j].Proto
		}
		return out[i].Local < out[j].Local
	})
	return out
}

func inetConnections(ctx context.Context) ([]gnet.ConnectionStat, error) {
	return gnet.ConnectionsWithContext(ctx, "inet")
}

func processName(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}
