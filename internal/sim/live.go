package sim

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	gonmea "github.com/adrianmo/go-nmea"
	"go.uber.org/zap"

	"nmea-bridge/internal/nmea"
	"nmea-bridge/internal/telemetry"
)

const liveWriteTimeout = 5 * time.Second

// liveDriver bridges an upstream NMEA 0183 feed: inbound sentences pass
// through to the hub unchanged, autopilot commands go back up the same
// socket. A reader goroutine scans the socket; the engine drains its feed
// once per tick so emission stays on the engine goroutine.
type liveDriver struct {
	conn net.Conn
	log  *zap.SugaredLogger

	feed chan []byte
	errc chan error

	pos *Position // last valid RMC position seen, engine-owned
}

func newLiveDriver(conn net.Conn, log *zap.SugaredLogger) *liveDriver {
	d := &liveDriver{
		conn: conn,
		log:  log,
		feed: make(chan []byte, 256),
		errc: make(chan error, 1),
	}
	go d.read()
	return d
}

// read scans upstream lines into the feed. If the engine falls behind, the
// oldest buffered line is shed, same policy as the client queues.
func (d *liveDriver) read() {
	sc := bufio.NewScanner(d.conn)
	sc.Buffer(make([]byte, 4096), 4096)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		b := []byte(line + "\r\n")
		select {
		case d.feed <- b:
			continue
		default:
		}
		select {
		case <-d.feed:
		default:
		}
		select {
		case d.feed <- b:
		default:
		}
	}
	d.errc <- sc.Err()
}

func (d *liveDriver) step(vt, dt time.Duration, now time.Time) ([][]byte, bool) {
	var out [][]byte
	for {
		select {
		case b := <-d.feed:
			d.observe(b)
			out = append(out, b)
		case err := <-d.errc:
			if err != nil {
				d.log.Warnw("upstream read failed", "error", err)
			} else {
				d.log.Infow("upstream closed the connection")
			}
			return out, true
		default:
			return out, false
		}
	}
}

// observe keeps the last reported position for the status endpoint.
func (d *liveDriver) observe(b []byte) {
	line := strings.TrimRight(string(b), "\r\n")
	if !strings.Contains(line, "RMC,") {
		return
	}
	msg, err := gonmea.Parse(line)
	if err != nil {
		return
	}
	if rmc, ok := msg.(gonmea.RMC); ok && rmc.Validity == "A" {
		d.pos = &Position{Lat: rmc.Latitude, Lon: rmc.Longitude}
	}
}

// forward sends a validated command to the upstream bridge.
func (d *liveDriver) forward(cmd telemetry.AutopilotCommand) error {
	d.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	if _, err := d.conn.Write(nmea.EncodeCommand(cmd)); err != nil {
		return fmt.Errorf("upstream write: %w", err)
	}
	return nil
}

func (d *liveDriver) length() time.Duration { return 0 }

func (d *liveDriver) rewind() {}

func (d *liveDriver) close() error { return d.conn.Close() }
