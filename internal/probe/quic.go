package probe

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/pingsantohq/readiness/pkg/types"
)

const (
	quicProtocol  = "QUIC/UDP"
	http3Protocol = "QUIC/HTTP3"
	quicNoReply   = "Port accessible but no QUIC response"

	// Servers drop client Initials smaller than this.
	quicMinDatagram = 1200
	// Reserved version from the 0x?a?a?a?a range. A server must answer it
	// with a Version Negotiation packet.
	quicGreaseVersion = 0x1a2a3a4a
)

// QUIC attempts an HTTP/3 handshake and falls back to a UDP probe that
// only shows whether something answers on the port.
func (r *Runner) QUIC(ctx context.Context, ep types.Endpoint) types.TestResult {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, r.cfg.QUICTimeout)
	err := r.handshake(hctx, ep)
	cancel()
	if err == nil {
		return types.TestResult{
			Target:    ep.Address(),
			Label:     ep.Label,
			Status:    types.StatusPass,
			Protocol:  http3Protocol,
			LatencyMs: elapsedMs(start),
		}
	}
	r.logger.Debugw("quic handshake failed, probing udp", "target", ep.Address(), "err", err)
	return r.quicDatagram(ctx, ep)
}

func (r *Runner) quicHandshake(ctx context.Context, ep types.Endpoint) error {
	conn, err := quic.DialAddr(ctx, ep.Address(), &tls.Config{
		ServerName: ep.Host,
		NextProtos: []string{"h3"},
		MinVersion: tls.VersionTLS13,
	}, &quic.Config{HandshakeIdleTimeout: r.cfg.QUICTimeout})
	if err != nil {
		return err
	}
	return conn.CloseWithError(0, "")
}

func (r *Runner) quicDatagram(ctx context.Context, ep types.Endpoint) types.TestResult {
	res := types.TestResult{Target: ep.Address(), Label: ep.Label, Protocol: quicProtocol}
	fail := func(err error) types.TestResult {
		res.Status = types.StatusFail
		res.Error = err.Error()
		res.Hint = fmt.Sprintf("Check firewall rules for outbound UDP %d", portOf(ep))
		return res
	}

	start := time.Now()
	dialer := net.Dialer{Timeout: r.cfg.QUICTimeout}
	conn, err := dialer.DialContext(ctx, "udp", ep.Address())
	if err != nil {
		return fail(err)
	}
	defer conn.Close()

	wait := r.replyWait
	if wait > r.cfg.QUICTimeout {
		wait = r.cfg.QUICTimeout
	}
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fail(err)
	}
	packet, err := quicProbePacket()
	if err != nil {
		return fail(err)
	}
	if _, err := conn.Write(packet); err != nil {
		return fail(err)
	}

	buf := make([]byte, 1500)
	_, err = conn.Read(buf)
	res.LatencyMs = elapsedMs(start)
	switch {
	case err == nil:
		res.Status = types.StatusPass
	case errors.Is(err, os.ErrDeadlineExceeded):
		res.Status = types.StatusWarn
		res.Note = quicNoReply
	default:
		res.LatencyMs = nil
		return fail(err)
	}
	return res
}

// quicProbePacket builds a padded long-header Initial carrying a reserved
// version and a random 8-byte destination connection id.
func quicProbePacket() ([]byte, error) {
	p := make([]byte, quicMinDatagram)
	p[0] = 0xc0
	binary.BigEndian.PutUint32(p[1:5], quicGreaseVersion)
	p[5] = 8
	if _, err := rand.Read(p[6:14]); err != nil {
		return nil, fmt.Errorf("connection id: %w", err)
	}
	// p[14] is the empty source connection id length.
	return p, nil
}
