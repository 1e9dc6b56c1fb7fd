package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"nmea-bridge/internal/nmea"
	"nmea-bridge/internal/telemetry"
)

type fakeApplier struct {
	applied []telemetry.AutopilotCommand
	err     error
}

func (f *fakeApplier) ApplyAutopilot(_ context.Context, cmd telemetry.AutopilotCommand) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, cmd)
	return nil
}

func line(body string) string {
	return strings.TrimRight(nmea.Format(body), "\r\n")
}

func TestHandleLineAcksValidCommand(t *testing.T) {
	ap := &fakeApplier{}
	ch := NewChannel(ap, nil)

	reply, handled := ch.HandleLine(context.Background(), line("$PBRC,1,AP,MODE,auto"))
	if !handled {
		t.Fatal("command not handled")
	}
	if !strings.HasPrefix(string(reply), "$PBRA,1,ACK,MODE") {
		t.Fatalf("reply = %q, want ACK", reply)
	}
	if len(ap.applied) != 1 || ap.applied[0].Mode != telemetry.ModeAuto {
		t.Fatalf("applied = %+v", ap.applied)
	}
}

func TestHandleLineIgnoresDataTraffic(t *testing.T) {
	ch := NewChannel(&fakeApplier{}, nil)
	for _, l := range []string{"", "$GPRMC,120000.00,A", "hello there"} {
		if reply, handled := ch.HandleLine(context.Background(), l); handled {
			t.Errorf("HandleLine(%q) handled with reply %q", l, reply)
		}
	}
}

func TestHandleLineRateLimit(t *testing.T) {
	ap := &fakeApplier{}
	ch := NewChannel(ap, nil)

	var acks, rateNaks int
	for i := 0; i < 5; i++ {
		reply, handled := ch.HandleLine(context.Background(), line("$PBRC,1,AP,HDG,090.0"))
		if !handled {
			t.Fatal("command not handled")
		}
		switch {
		case strings.Contains(string(reply), "ACK"):
			acks++
		case strings.Contains(string(reply), "rate limited"):
			rateNaks++
		default:
			t.Fatalf("unexpected reply %q", reply)
		}
	}
	if acks != 1 || rateNaks != 4 {
		t.Fatalf("acks = %d, rate NAKs = %d; want 1 and 4", acks, rateNaks)
	}
	if len(ap.applied) != 1 {
		t.Fatalf("applied %d commands, want 1", len(ap.applied))
	}
}

func TestDisengageBypassesRateLimit(t *testing.T) {
	ap := &fakeApplier{}
	ch := NewChannel(ap, nil)

	// Burn the bucket.
	ch.HandleLine(context.Background(), line("$PBRC,1,AP,MODE,auto"))

	for i := 0; i < 3; i++ {
		reply, _ := ch.HandleLine(context.Background(), line("$PBRC,1,AP,DISENGAGE"))
		if !strings.Contains(string(reply), "ACK,DISENGAGE") {
			t.Fatalf("DISENGAGE reply = %q, want ACK", reply)
		}
	}
	if len(ap.applied) != 4 {
		t.Fatalf("applied %d commands, want 4", len(ap.applied))
	}
}

func TestHandleLineNaksInvalidCommand(t *testing.T) {
	ch := NewChannel(&fakeApplier{}, nil)

	reply, handled := ch.HandleLine(context.Background(), line("$PBRC,1,AP,HDG,999"))
	if !handled {
		t.Fatal("command not handled")
	}
	if !strings.Contains(string(reply), "NAK,HDG") || !strings.Contains(string(reply), "out of range") {
		t.Fatalf("reply = %q, want NAK with reason", reply)
	}

	// Invalid commands must not burn the rate bucket.
	reply, _ = ch.HandleLine(context.Background(), line("$PBRC,1,AP,MODE,auto"))
	if !strings.Contains(string(reply), "ACK") {
		t.Fatalf("valid command after invalid one = %q, want ACK", reply)
	}
}

func TestHandleLineNaksWhenApplierRejects(t *testing.T) {
	ch := NewChannel(&fakeApplier{err: errors.New("no scenario running")}, nil)

	reply, handled := ch.HandleLine(context.Background(), line("$PBRC,1,AP,MODE,auto"))
	if !handled {
		t.Fatal("command not handled")
	}
	if !strings.Contains(string(reply), "NAK,MODE,no scenario running") {
		t.Fatalf("reply = %q", reply)
	}
}
