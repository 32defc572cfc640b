// Package dashboard projects poller views and API payloads into terminal
// text. Nothing here performs I/O beyond writing to the given writer.
package dashboard

import (
	"fmt"
	"strings"

	"github.com/pingsantohq/readiness/internal/poller"
	"github.com/pingsantohq/readiness/internal/reconcile"
)

const barWidth = 30

var marks = map[reconcile.CardStatus]string{
	reconcile.CardPending: "·",
	reconcile.CardRunning: "…",
	reconcile.CardPass:    "✓",
	reconcile.CardWarn:    "!",
	reconcile.CardFail:    "✗",
}

// Render returns the full dashboard for v. It is a pure function of v.
func Render(v poller.View) string {
	var b strings.Builder
	b.WriteString(Header(v))
	b.WriteByte('\n')
	if meta, ok := v.Model.Meta(); ok {
		fmt.Fprintf(&b, "Device: %s  private %s  public %s", meta.DeviceName, meta.PrivateIP, meta.PublicIP)
		if meta.SiteLabel != "" {
			fmt.Fprintf(&b, "  site %s", meta.SiteLabel)
		}
		b.WriteByte('\n')
	}
	for _, card := range v.Model.Cards() {
		b.WriteByte('\n')
		b.WriteString(RenderCard(card))
	}
	if v.Err != nil {
		fmt.Fprintf(&b, "\nerror: %v\n", v.Err)
	}
	if v.State == poller.Unknown {
		b.WriteString("job state unknown: the appliance could not be reached. Retry to resume polling.\n")
	}
	return b.String()
}

// Header is the one-line state and progress bar.
func Header(v poller.View) string {
	p := v.Progress
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	filled := p * barWidth / 100
	bar := strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled)
	line := fmt.Sprintf("[%s] %3d%%  %s", bar, p, v.State)
	if v.JobID != "" {
		line += "  " + v.JobID
	}
	if v.Stale > 0 {
		line += fmt.Sprintf("  (%d stale)", v.Stale)
	}
	return line
}

// RenderCard renders one card with its details indented below it.
func RenderCard(c reconcile.Card) string {
	var b strings.Builder
	mark := marks[c.Status]
	if mark == "" {
		mark = "?"
	}
	fmt.Fprintf(&b, "%s %s [%s]", mark, c.Title, strings.ToUpper(string(c.Status)))
	if c.Count > 0 {
		fmt.Fprintf(&b, "  %d pass / %d warn / %d fail", c.Passed, c.Warned, c.Failed)
	}
	if c.Shrunk {
		b.WriteString("  (fewer results than before)")
	}
	b.WriteByte('\n')
	for _, d := range c.Details {
		fmt.Fprintf(&b, "    %-4s %s\n", d.Status, d.Label)
		for _, line := range d.Lines {
			fmt.Fprintf(&b, "         %s\n", line)
		}
	}
	return b.String()
}
