package sim

import (
	"time"

	"go.uber.org/zap"

	"nmea-bridge/internal/config"
	"nmea-bridge/internal/nmea"
	"nmea-bridge/internal/scenario"
	"nmea-bridge/internal/telemetry"
)

// A driver produces the outbound frames while the engine is running. Three
// implementations sit behind the same lifecycle: generated scenarios,
// recorded sessions, and live upstream passthrough. Drivers are owned by the
// engine goroutine and never called concurrently.
type driver interface {
	// step returns the frames covering virtual time up to vt and reports
	// whether the pass is complete.
	step(vt, dt time.Duration, now time.Time) (frames [][]byte, done bool)
	// length is the duration of one pass; zero means open-ended (never
	// looped).
	length() time.Duration
	// rewind restarts the pass for a loop wrap.
	rewind()
	// close releases driver resources.
	close() error
}

// scenarioDriver runs a scripted voyage: the generator advances on virtual
// time while scenario events swap patterns and flip simulator state.
type scenarioDriver struct {
	def   *scenario.Definition
	gen   *telemetry.Generator
	enc   *nmea.Encoder
	proto string
	log   *zap.SugaredLogger

	ap   telemetry.AutopilotState
	next int // index of the next unfired event
}

func newScenarioDriver(def *scenario.Definition, seed int64, proto string, enc *nmea.Encoder, log *zap.SugaredLogger) *scenarioDriver {
	if def.Seed != 0 {
		seed = def.Seed
	}
	return &scenarioDriver{
		def:   def,
		gen:   telemetry.NewGenerator(seed, def.Vessel, log),
		enc:   enc,
		proto: proto,
		log:   log,
		ap:    telemetry.AutopilotState{Mode: telemetry.ModeStandby},
	}
}

func (d *scenarioDriver) step(vt, dt time.Duration, now time.Time) ([][]byte, bool) {
	d.fire(vt, now)
	rec := d.gen.Generate(vt, dt, now, d.ap)
	return d.encode(rec), vt >= d.def.Duration()
}

// fire applies every event the virtual clock has passed, in order.
func (d *scenarioDriver) fire(vt time.Duration, now time.Time) {
	for d.next < len(d.def.Events) && d.def.Events[d.next].At() <= vt {
		ev := d.def.Events[d.next]
		d.next++
		for raw, spec := range ev.Patterns {
			key, inst, err := scenario.ParseSlot(raw)
			if err == nil {
				err = d.gen.SetPattern(key, inst, spec)
			}
			if err != nil {
				d.log.Warnw("scenario pattern rejected", "slot", raw, "error", err)
			}
		}
		d.transition(ev.Transition, now)
		d.log.Infow("scenario event fired",
			"scenario", d.def.Name, "at_s", ev.AtS, "patterns", len(ev.Patterns), "transition", ev.Transition)
	}
}

func (d *scenarioDriver) transition(name string, now time.Time) {
	switch name {
	case "":
	case scenario.TransitionEngage:
		d.ap.Mode = telemetry.ModeAuto
		d.ap.TargetHeading = d.gen.Heading()
		d.ap.LastCommand = now
	case scenario.TransitionStandby:
		d.ap.Mode = telemetry.ModeStandby
		d.ap.LastCommand = now
	case scenario.TransitionGPSDrop:
		d.gen.SetNoFix(true)
	case scenario.TransitionGPSRestore:
		d.gen.SetNoFix(false)
	}
}

func (d *scenarioDriver) encode(rec telemetry.Record) [][]byte {
	switch d.proto {
	case config.Proto2000:
		return d.enc.Frames(rec)
	case config.ProtoBoth:
		return append(d.enc.Sentences(rec), d.enc.Frames(rec)...)
	default:
		return d.enc.Sentences(rec)
	}
}

// apply mutates the pilot head for a validated command.
func (d *scenarioDriver) apply(cmd telemetry.AutopilotCommand, now time.Time) error {
	switch cmd.Verb {
	case telemetry.VerbMode:
		wasEngaged := d.ap.Engaged()
		d.ap.Mode = cmd.Mode
		if d.ap.Engaged() && !wasEngaged {
			d.ap.TargetHeading = d.gen.Heading()
		}
	case telemetry.VerbHeading:
		if !d.ap.Engaged() {
			return errAutopilotStandby
		}
		d.ap.TargetHeading = cmd.Heading
	case telemetry.VerbDisengage:
		d.ap.Mode = telemetry.ModeStandby
	}
	d.ap.LastCommand = now
	return nil
}

func (d *scenarioDriver) length() time.Duration { return d.def.Duration() }

// rewind replays the pass: patterns restart from their seeds and the pilot
// head returns to standby so scripted engagements fire identically.
func (d *scenarioDriver) rewind() {
	d.gen.Reset()
	d.gen.SetNoFix(false)
	d.ap = telemetry.AutopilotState{Mode: telemetry.ModeStandby}
	d.next = 0
}

func (d *scenarioDriver) close() error { return nil }
