package nmea

import (
	"errors"
	"strings"
	"testing"

	"nmea-bridge/internal/telemetry"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    telemetry.AutopilotCommand
		wantErr string
	}{
		{
			name: "engage auto",
			line: Format("$PBRC,1,AP,MODE,auto"),
			want: telemetry.AutopilotCommand{Verb: telemetry.VerbMode, Mode: telemetry.ModeAuto},
		},
		{
			name: "mode is case insensitive",
			line: Format("$PBRC,1,AP,MODE,AUTO"),
			want: telemetry.AutopilotCommand{Verb: telemetry.VerbMode, Mode: telemetry.ModeAuto},
		},
		{
			name: "set heading",
			line: Format("$PBRC,1,AP,HDG,085.0"),
			want: telemetry.AutopilotCommand{Verb: telemetry.VerbHeading, Heading: 85},
		},
		{
			name: "disengage",
			line: Format("$PBRC,1,AP,DISENGAGE"),
			want: telemetry.AutopilotCommand{Verb: telemetry.VerbDisengage},
		},
		{
			name:    "bad checksum",
			line:    "$PBRC,1,AP,MODE,auto*00\r\n",
			wantErr: "checksum",
		},
		{
			name:    "unknown mode",
			line:    Format("$PBRC,1,AP,MODE,warp"),
			wantErr: "unknown mode",
		},
		{
			name:    "heading out of range",
			line:    Format("$PBRC,1,AP,HDG,400"),
			wantErr: "out of range",
		},
		{
			name:    "heading not numeric",
			line:    Format("$PBRC,1,AP,HDG,north"),
			wantErr: "not a number",
		},
		{
			name:    "unknown verb",
			line:    Format("$PBRC,1,AP,GYBE"),
			wantErr: "unknown verb",
		},
		{
			name:    "wrong version",
			line:    Format("$PBRC,9,AP,DISENGAGE"),
			wantErr: "version",
		},
		{
			name:    "disengage with argument",
			line:    Format("$PBRC,1,AP,DISENGAGE,now"),
			wantErr: "no argument",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(strings.TrimRight(tt.line, "\r\n"))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got command %+v", tt.wantErr, got)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error %q does not contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEncodeCommandRoundTrip(t *testing.T) {
	cmds := []telemetry.AutopilotCommand{
		{Verb: telemetry.VerbMode, Mode: telemetry.ModeWind},
		{Verb: telemetry.VerbHeading, Heading: 247.5},
		{Verb: telemetry.VerbDisengage},
	}
	for _, want := range cmds {
		line := strings.TrimRight(string(EncodeCommand(want)), "\r\n")
		got, err := ParseCommand(line)
		if err != nil {
			t.Fatalf("ParseCommand(%q): %v", line, err)
		}
		if got != want {
			t.Errorf("round trip of %+v came back as %+v", want, got)
		}
	}
}

func TestParseCommandIgnoresNonCommands(t *testing.T) {
	for _, line := range []string{"", "hello", "$GPRMC,123519,A", "$PBRA,1,ACK,MODE*26"} {
		if _, err := ParseCommand(line); !errors.Is(err, ErrNotCommand) {
			t.Errorf("ParseCommand(%q) err = %v, want ErrNotCommand", line, err)
		}
	}
}

func TestAckNakFraming(t *testing.T) {
	ack := string(Ack(telemetry.VerbMode))
	if !strings.HasPrefix(ack, "$PBRA,1,ACK,MODE*") {
		t.Errorf("Ack = %q", ack)
	}
	if _, err := Verify(ack); err != nil {
		t.Errorf("Ack framing: %v", err)
	}

	nak := string(Nak(telemetry.VerbHeading, "rate limited, slow down"))
	if !strings.Contains(nak, "NAK,HDG,rate limited; slow down") {
		t.Errorf("Nak = %q", nak)
	}
	if _, err := Verify(nak); err != nil {
		t.Errorf("Nak framing: %v", err)
	}

	nak = string(Nak("", "unparseable"))
	if !strings.Contains(nak, "NAK,?,") {
		t.Errorf("Nak with empty verb = %q", nak)
	}
}
