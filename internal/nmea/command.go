package nmea

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"nmea-bridge/internal/telemetry"
)

// Autopilot commands ride the data connection as proprietary sentences:
//
//	$PBRC,1,AP,MODE,<mode>*hh       engage or change pilot mode
//	$PBRC,1,AP,HDG,<degrees>*hh     set target heading
//	$PBRC,1,AP,DISENGAGE*hh         drop to standby, never rate limited
//
// The bridge answers on the same connection:
//
//	$PBRA,1,ACK,<verb>*hh
//	$PBRA,1,NAK,<verb>,<reason>*hh
const (
	commandPrefix = "$PBRC,"
	dialectV      = "1"
)

// ErrNotCommand marks inbound lines that are not bridge commands at all.
// Such lines are ignored rather than NAKed.
var ErrNotCommand = errors.New("not a bridge command")

// ParseCommand validates a received line as an autopilot command.
func ParseCommand(line string) (telemetry.AutopilotCommand, error) {
	var cmd telemetry.AutopilotCommand
	if !strings.HasPrefix(line, commandPrefix) {
		return cmd, ErrNotCommand
	}
	body, err := Verify(line)
	if err != nil {
		return cmd, fmt.Errorf("bad checksum")
	}
	fields := strings.Split(body, ",")
	if len(fields) < 4 {
		return cmd, fmt.Errorf("too few fields")
	}
	if fields[1] != dialectV {
		return cmd, fmt.Errorf("unsupported dialect version %s", fields[1])
	}
	if fields[2] != "AP" {
		return cmd, fmt.Errorf("unknown subsystem %s", fields[2])
	}
	// The verb survives argument errors so NAK replies can name it.
	switch fields[3] {
	case telemetry.VerbMode:
		cmd.Verb = telemetry.VerbMode
		if len(fields) != 5 {
			return cmd, fmt.Errorf("MODE needs one argument")
		}
		mode := strings.ToLower(fields[4])
		if !telemetry.ValidMode(mode) {
			return cmd, fmt.Errorf("unknown mode %s", fields[4])
		}
		cmd.Mode = mode
		return cmd, nil
	case telemetry.VerbHeading:
		cmd.Verb = telemetry.VerbHeading
		if len(fields) != 5 {
			return cmd, fmt.Errorf("HDG needs one argument")
		}
		deg, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return cmd, fmt.Errorf("heading %s is not a number", fields[4])
		}
		if deg < 0 || deg >= 360 {
			return cmd, fmt.Errorf("heading %s out of range 0-359.9", fields[4])
		}
		cmd.Heading = deg
		return cmd, nil
	case telemetry.VerbDisengage:
		cmd.Verb = telemetry.VerbDisengage
		if len(fields) != 4 {
			return cmd, fmt.Errorf("DISENGAGE takes no argument")
		}
		return cmd, nil
	default:
		return cmd, fmt.Errorf("unknown verb %s", fields[3])
	}
}

// EncodeCommand renders a command as a wire line, the inverse of
// ParseCommand. Used when forwarding commands to an upstream bridge.
func EncodeCommand(cmd telemetry.AutopilotCommand) []byte {
	var body string
	switch cmd.Verb {
	case telemetry.VerbMode:
		body = fmt.Sprintf("%s%s,AP,%s,%s", commandPrefix, dialectV, telemetry.VerbMode, cmd.Mode)
	case telemetry.VerbHeading:
		body = fmt.Sprintf("%s%s,AP,%s,%.1f", commandPrefix, dialectV, telemetry.VerbHeading, cmd.Heading)
	default:
		body = fmt.Sprintf("%s%s,AP,%s", commandPrefix, dialectV, telemetry.VerbDisengage)
	}
	return []byte(Format(body))
}

// Ack renders the positive reply for a verb.
func Ack(verb string) []byte {
	return []byte(Format(fmt.Sprintf("$PBRA,%s,ACK,%s", dialectV, verb)))
}

// Nak renders the negative reply. Commas in the reason would break the field
// layout, so they become semicolons.
func Nak(verb, reason string) []byte {
	if verb == "" {
		verb = "?"
	}
	reason = strings.ReplaceAll(reason, ",", ";")
	return []byte(Format(fmt.Sprintf("$PBRA,%s,NAK,%s,%s", dialectV, verb, reason)))
}
