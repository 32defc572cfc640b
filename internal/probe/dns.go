package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/pingsantohq/readiness/pkg/types"
)

// explicitResolvers drops the "system" placeholder and adds port 53 where missing.
func explicitResolvers(in []string) []string {
	var out []string
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" || strings.EqualFold(r, "system") {
			continue
		}
		if _, _, err := net.SplitHostPort(r); err != nil {
			r = net.JoinHostPort(r, "53")
		}
		out = append(out, r)
	}
	return out
}

// DNS resolves name to an IPv4 address. With no explicit resolvers the system
// resolver is used; otherwise each resolver is asked in turn until one answers.
func (r *Runner) DNS(ctx context.Context, name string, resolvers []string) types.TestResult {
	res := types.TestResult{Target: name}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DNSTimeout)
	defer cancel()

	var (
		ip  string
		err error
	)
	if len(resolvers) == 0 {
		ip, err = r.systemLookup(ctx, name)
	} else {
		for _, server := range resolvers {
			ip, err = r.exchange(ctx, name, server)
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		res.Status = types.StatusFail
		res.Error = err.Error()
		res.Hint = "Check the configured DNS servers and upstream reachability"
		return res
	}
	res.Status = types.StatusPass
	res.IP = ip
	res.LatencyMs = elapsedMs(start)
	return res
}

func (r *Runner) systemLookup(ctx context.Context, name string) (string, error) {
	addrs, err := r.resolver.LookupIPAddr(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP.String(), nil
	}
	return "", fmt.Errorf("resolve %s: no addresses", name)
}

func (r *Runner) exchange(ctx context.Context, name, server string) (string, error) {
	if ip := net.ParseIP(name); ip != nil {
		return ip.String(), nil
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	client := &dns.Client{Timeout: r.cfg.DNSTimeout}
	in, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", fmt.Errorf("query %s via %s: %w", name, server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("query %s via %s: %s", name, server, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", errors.New("no A record for " + name + " via " + server)
}
