// Package command runs the autopilot command channel: inbound lines on any
// data connection are parsed, rate limited and applied, and every command
// gets an ACK or a NAK back on the connection it came in on.
package command

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nmea-bridge/internal/nmea"
	"nmea-bridge/internal/telemetry"
)

var commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_commands_total",
	Help: "Autopilot commands received, by outcome.",
}, []string{"result"})

// Applier applies a validated autopilot command to the running simulation.
type Applier interface {
	ApplyAutopilot(ctx context.Context, cmd telemetry.AutopilotCommand) error
}

// Channel is shared by every client connection, so the rate limit is global:
// one command per second with a burst of one, exactly the cadence a pilot
// head accepts. DISENGAGE is a safety action and always goes through.
type Channel struct {
	applier Applier
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewChannel builds the command channel around an applier.
func NewChannel(applier Applier, log *zap.SugaredLogger) *Channel {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Channel{
		applier: applier,
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		log:     log,
	}
}

// HandleLine processes one inbound line. The reply is non-nil whenever the
// line was addressed to the command channel; other traffic returns (nil,
// false) and the caller drops it.
func (c *Channel) HandleLine(ctx context.Context, line string) (reply []byte, handled bool) {
	cmd, err := nmea.ParseCommand(line)
	if errors.Is(err, nmea.ErrNotCommand) {
		return nil, false
	}
	if err != nil {
		c.log.Warnw("rejecting command", "line", line, "reason", err)
		commandsTotal.WithLabelValues("nak_invalid").Inc()
		return nmea.Nak(cmd.Verb, err.Error()), true
	}

	if cmd.Verb != telemetry.VerbDisengage && !c.limiter.Allow() {
		c.log.Debugw("command rate limited", "verb", cmd.Verb)
		commandsTotal.WithLabelValues("nak_rate_limited").Inc()
		return nmea.Nak(cmd.Verb, "rate limited"), true
	}

	if err := c.applier.ApplyAutopilot(ctx, cmd); err != nil {
		c.log.Warnw("command not applied", "verb", cmd.Verb, "reason", err)
		commandsTotal.WithLabelValues("nak_rejected").Inc()
		return nmea.Nak(cmd.Verb, err.Error()), true
	}
	c.log.Infow("command applied", "verb", cmd.Verb, "mode", cmd.Mode, "heading", cmd.Heading)
	commandsTotal.WithLabelValues("ack").Inc()
	return nmea.Ack(cmd.Verb), true
}
