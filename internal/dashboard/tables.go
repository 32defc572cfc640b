package dashboard

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/pingsantohq/readiness/internal/discovery"
	"github.com/pingsantohq/readiness/pkg/types"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func HistoryTable(w io.Writer, entries []types.HistoryEntry) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "TIMESTAMP\tDATETIME\tDEVICE\tPUBLIC IP\tTOTAL\tPASS\tWARN\tFAIL")
	for _, e := range entries {
		s := e.Summary
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			e.Timestamp, e.Datetime, e.DeviceName, e.PublicIP, s.TotalTests, s.Passed, s.Warnings, s.Failed)
	}
	return tw.Flush()
}

// ResultsTable lists every entry of a run, one row per target.
func ResultsTable(w io.Writer, r types.Results) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "KIND\tTARGET\tSTATUS\tDETAIL")
	for _, kind := range types.Kinds {
		for _, e := range r.Entries(kind) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kind, target(e), e.Status, detail(e))
		}
	}
	return tw.Flush()
}

func target(e types.TestResult) string {
	switch {
	case e.Label != "":
		return e.Label
	case e.Target != "":
		return e.Target
	case e.Host != "":
		if e.Port != 0 {
			return fmt.Sprintf("%s:%d", e.Host, e.Port)
		}
		return e.Host
	case e.Source != "":
		return e.Source
	}
	return "-"
}

func detail(e types.TestResult) string {
	var parts []string
	if e.LatencyMs != nil {
		parts = append(parts, fmt.Sprintf("%.1f ms", *e.LatencyMs))
	}
	if e.Error != "" {
		parts = append(parts, e.Error)
	}
	if e.Note != "" {
		parts = append(parts, e.Note)
	}
	return strings.Join(parts, "; ")
}

func SecurityTable(w io.Writer, r types.SecurityReport) error {
	tw := newTable(w)
	posture := "unknown"
	if r.OK != nil {
		posture = "ok"
		if !*r.OK {
			posture = "attention"
		}
	}
	fmt.Fprintf(tw, "Software:\t%s\n", r.Software)
	fmt.Fprintf(tw, "Posture:\t%s\n", posture)
	proxy := "none"
	if r.Proxy.Configured {
		proxy = strings.Join(r.Proxy.Sources, ", ")
	}
	fmt.Fprintf(tw, "Proxy:\t%s\n", proxy)
	fmt.Fprintf(tw, "TLS inspection suspected:\t%t\n", r.TLS.Suspected)
	for _, d := range r.TLS.Details {
		fmt.Fprintf(tw, "  %s:\t%s\n", d.Label, d.Value)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "PROTO\tLOCAL\tPROCESS\tPID")
	for _, l := range r.Listeners {
		pid := "-"
		if l.PID > 0 {
			pid = fmt.Sprint(l.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Proto, l.Local, orDash(l.Process), pid)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "OUTBOUND")
	for _, o := range r.Outbound {
		fmt.Fprintln(tw, o)
	}
	return tw.Flush()
}

func DeviceTable(w io.Writer, d types.DeviceInfo) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "Hostname:\t%s\n", orDash(d.Hostname))
	fmt.Fprintf(tw, "Private IP:\t%s\n", d.PrivateIP)
	fmt.Fprintf(tw, "Public IP:\t%s\n", d.PublicIP)
	fmt.Fprintf(tw, "Platform:\t%s\n", orDash(d.Platform))
	fmt.Fprintf(tw, "Architecture:\t%s\n", orDash(d.Architecture))
	fmt.Fprintf(tw, "Version:\t%s\n", orDash(d.Version))
	fmt.Fprintf(tw, "Uptime:\t%s\n", orDash(d.Uptime))
	fmt.Fprintf(tw, "Memory:\t%s\n", pct(d.MemoryUsage))
	fmt.Fprintf(tw, "Disk:\t%s\n", pct(d.DiskUsage))
	fmt.Fprintf(tw, "Temperature:\t%s\n", orDash(d.Temperature))
	if d.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", d.Error)
	}
	if len(d.Interfaces) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "INTERFACE\tIP\tNETMASK\tSTATUS")
		for _, name := range slices.Sorted(maps.Keys(d.Interfaces)) {
			i := d.Interfaces[name]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, i.IP, i.Netmask, i.Status)
		}
	}
	return tw.Flush()
}

func SystemStatusTable(w io.Writer, s types.SystemStatus) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "Uptime:\t%s\n", s.Uptime)
	fmt.Fprintf(tw, "Load:\t%.2f %.2f %.2f\n", s.Load1, s.Load5, s.Load15)
	fmt.Fprintf(tw, "Memory:\t%s\n", pct(s.MemoryUsage))
	fmt.Fprintf(tw, "Disk:\t%s\n", pct(s.DiskUsage))
	fmt.Fprintf(tw, "Temperature:\t%s\n", orDash(s.Temperature))
	return tw.Flush()
}

func AccessTable(w io.Writer, a types.AccessInfo) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "Local peer:\t%t\n", a.IsLocal)
	fmt.Fprintf(tw, "Remote admin allowed:\t%t\n", a.AllowRemoteAdmin)
	return tw.Flush()
}

func AppliancesTable(w io.Writer, list []discovery.Appliance) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "HOST\tADDR\tPORT\tVERSION")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", a.Host, a.Addr, a.Port, orDash(a.Version))
	}
	return tw.Flush()
}

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
