package telemetry

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// MaxTurnRate caps how fast the simulated vessel answers the helm when the
// autopilot is engaged, in degrees per second of virtual time.
const MaxTurnRate = 10.0

// MaxInstance is the highest addressable device instance on the bus.
const MaxInstance = 252

type slot struct {
	key      string
	instance int
}

// Generator produces instrument records from a set of running patterns. It is
// not safe for concurrent use; the engine goroutine owns it.
type Generator struct {
	seed   int64
	layout Layout
	log    *zap.SugaredLogger

	patterns map[slot]*patternState
	pending  map[slot]float64 // one-shot injected readings

	heading  float64
	lat, lon float64
	noFix    bool
	lastTime time.Time
}

// NewGenerator builds a generator with the default instrument profile for the
// given vessel layout. The seed fixes every random stream for the session.
func NewGenerator(seed int64, layout Layout, log *zap.SugaredLogger) *Generator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if layout.Engines < 1 {
		layout.Engines = 1
	}
	if layout.Batteries < 1 {
		layout.Batteries = 1
	}
	if layout.Tanks < 1 {
		layout.Tanks = 1
	}
	g := &Generator{
		seed:     seed,
		layout:   layout,
		log:      log,
		patterns: make(map[slot]*patternState),
		pending:  make(map[slot]float64),
		heading:  47,
		lat:      59.4370,
		lon:      24.7536,
	}
	for s, spec := range defaultProfile(layout) {
		g.patterns[s] = newPatternState(spec, seed, s.key, s.instance)
	}
	return g
}

// defaultProfile is the free-running instrument set: a motor vessel on a
// gentle coastal cruise. Scenario events overlay individual slots.
func defaultProfile(layout Layout) map[slot]PatternSpec {
	p := map[slot]PatternSpec{
		{KeySOG, NoInstance}:     {Kind: PatternSine, Offset: 6.5, Amplitude: 0.8, PeriodS: 120},
		{KeySTW, NoInstance}:     {Kind: PatternSine, Offset: 6.3, Amplitude: 0.8, PeriodS: 120, Phase: 0.3},
		{KeyHeading, NoInstance}: {Kind: PatternWalk, Start: 47, Step: 1.2, Min: 0, Max: 360},
		{KeySats, NoInstance}:    {Kind: PatternConstant, Value: 10},
		{KeyDepth, NoInstance}:   {Kind: PatternWalk, Start: 14, Step: 0.4, Min: 3, Max: 60},
		{KeyWTemp, NoInstance}:   {Kind: PatternSine, Offset: 18.4, Amplitude: 0.3, PeriodS: 600},
		{KeyAWA, NoInstance}:     {Kind: PatternWalk, Start: 35, Step: 4, Min: -180, Max: 180},
		{KeyAWS, NoInstance}:     {Kind: PatternWalk, Start: 14, Step: 0.8, Min: 0, Max: 45},
		{KeyTWA, NoInstance}:     {Kind: PatternWalk, Start: 50, Step: 4, Min: -180, Max: 180},
		{KeyTWS, NoInstance}:     {Kind: PatternWalk, Start: 12, Step: 0.6, Min: 0, Max: 40},
	}
	for i := 0; i < layout.Engines; i++ {
		p[slot{KeyRPM, i}] = PatternSpec{Kind: PatternSine, Offset: 1850, Amplitude: 120, PeriodS: 90, Phase: 0.4 * float64(i)}
		p[slot{KeyECT, i}] = PatternSpec{Kind: PatternWalk, Start: 82, Step: 0.3, Min: 60, Max: 110}
		p[slot{KeyEOP, i}] = PatternSpec{Kind: PatternWalk, Start: 420, Step: 4, Min: 150, Max: 600}
		p[slot{KeyAltern, i}] = PatternSpec{Kind: PatternNoise, Mean: 14.1, StdDev: 0.05}
	}
	for i := 0; i < layout.Batteries; i++ {
		p[slot{KeyVolts, i}] = PatternSpec{Kind: PatternWalk, Start: 12.9, Step: 0.02, Min: 11.4, Max: 14.6}
		p[slot{KeyAmps, i}] = PatternSpec{Kind: PatternNoise, Mean: -8, StdDev: 3}
		p[slot{KeySOC, i}] = PatternSpec{Kind: PatternWalk, Start: 86 - 4*float64(i), Step: 0.05, Min: 20, Max: 100}
	}
	for i := 0; i < layout.Tanks; i++ {
		p[slot{KeyLevel, i}] = PatternSpec{Kind: PatternWalk, Start: 72 - 10*float64(i), Step: 0.05, Min: 0, Max: 100}
	}
	return p
}

// ValidKey reports whether key names a known instrument.
func ValidKey(key string) bool {
	_, ok := ranges[key]
	return ok
}

// SetPattern replaces the running pattern for one instrument slot.
func (g *Generator) SetPattern(key string, instance int, spec PatternSpec) error {
	if !ValidKey(key) {
		return fmt.Errorf("unknown instrument %q", key)
	}
	if instance != NoInstance && (instance < 0 || instance > MaxInstance) {
		return fmt.Errorf("instrument %s: instance %d out of range 0-%d", key, instance, MaxInstance)
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("instrument %s: %w", key, err)
	}
	g.patterns[slot{key, instance}] = newPatternState(spec, g.seed, key, instance)
	return nil
}

// Inject queues a one-shot reading that replaces the instrument's value in
// the next record only.
func (g *Generator) Inject(key string, instance int, value float64) error {
	if !ValidKey(key) {
		return fmt.Errorf("unknown instrument %q", key)
	}
	if instance != NoInstance && (instance < 0 || instance > MaxInstance) {
		return fmt.Errorf("instrument %s: instance %d out of range 0-%d", key, instance, MaxInstance)
	}
	g.pending[slot{key, instance}] = value
	return nil
}

// SetNoFix drops or restores the GPS fix. While dropped, position and ground
// speed disappear from records and the satellite count reads zero.
func (g *Generator) SetNoFix(v bool) { g.noFix = v }

// NoFix reports whether the GPS fix is currently dropped.
func (g *Generator) NoFix() bool { return g.noFix }

// Heading returns the vessel's current heading, the engage target for
// autopilot commands.
func (g *Generator) Heading() float64 { return g.heading }

// Position returns the dead-reckoned vessel position in decimal degrees.
func (g *Generator) Position() (lat, lon float64) { return g.lat, g.lon }

// Reset rewinds every pattern and the dead-reckoned position for a scenario
// loop. Injected one-shots and the fix state survive the wrap.
func (g *Generator) Reset() {
	for s, p := range g.patterns {
		p.reset(g.seed, s.key, s.instance)
	}
	g.heading = 47
	g.lat, g.lon = 59.4370, 24.7536
}

// Generate advances all instruments to virtual time vt and returns the
// record. dt is the virtual time elapsed since the previous call and bounds
// the autopilot turn; now stamps the record and never runs backwards.
func (g *Generator) Generate(vt, dt time.Duration, now time.Time, ap AutopilotState) Record {
	if now.Before(g.lastTime) {
		now = g.lastTime
	}
	g.lastTime = now

	t := vt.Seconds()
	rec := Record{Time: now, Readings: make([]Reading, 0, 32)}

	for i := 0; i < g.layout.Engines; i++ {
		g.emit(&rec, KeyRPM, i, t)
		g.emit(&rec, KeyECT, i, t)
		g.emit(&rec, KeyEOP, i, t)
		g.emit(&rec, KeyAltern, i, t)
	}
	for i := 0; i < g.layout.Batteries; i++ {
		g.emit(&rec, KeyVolts, i, t)
		g.emit(&rec, KeyAmps, i, t)
		g.emit(&rec, KeySOC, i, t)
	}
	for i := 0; i < g.layout.Tanks; i++ {
		g.emit(&rec, KeyLevel, i, t)
	}

	g.emit(&rec, KeyDepth, NoInstance, t)
	g.emit(&rec, KeyWTemp, NoInstance, t)
	g.emit(&rec, KeyAWA, NoInstance, t)
	g.emit(&rec, KeyAWS, NoInstance, t)
	g.emit(&rec, KeyTWA, NoInstance, t)
	g.emit(&rec, KeyTWS, NoInstance, t)

	rot := g.steer(t, dt.Seconds(), ap)
	rec.Readings = append(rec.Readings,
		Reading{Key: KeyHeading, Instance: NoInstance, Value: g.heading},
		Reading{Key: KeyROT, Instance: NoInstance, Value: rot},
	)
	g.emit(&rec, KeySTW, NoInstance, t)

	if g.noFix {
		rec.Readings = append(rec.Readings, Reading{Key: KeySats, Instance: NoInstance, Value: 0})
		return g.applyPending(rec)
	}

	sog := g.value(KeySOG, NoInstance, t)
	cog := g.heading
	if !ap.Engaged() {
		cog, _ = Clamp(KeyCOG, g.heading+g.value(KeyTWA, NoInstance, t)*0.02)
	}
	g.advance(sog, cog, dt.Seconds())
	rec.Readings = append(rec.Readings,
		Reading{Key: KeySOG, Instance: NoInstance, Value: sog},
		Reading{Key: KeyCOG, Instance: NoInstance, Value: cog},
		Reading{Key: KeyLat, Instance: NoInstance, Value: g.lat},
		Reading{Key: KeyLon, Instance: NoInstance, Value: g.lon},
	)
	g.emit(&rec, KeySats, NoInstance, t)
	return g.applyPending(rec)
}

// emit evaluates and clamps one slot, appending it to the record.
func (g *Generator) emit(rec *Record, key string, instance int, t float64) {
	rec.Readings = append(rec.Readings, Reading{Key: key, Instance: instance, Value: g.value(key, instance, t)})
}

func (g *Generator) value(key string, instance int, t float64) float64 {
	p, ok := g.patterns[slot{key, instance}]
	if !ok {
		return 0
	}
	v, clamped := Clamp(key, p.eval(t))
	if clamped {
		g.log.Warnw("reading clamped to instrument range", "key", key, "instance", instance, "value", v)
	}
	return v
}

// steer updates the heading for this tick and returns the rate of turn in
// degrees per minute. With the pilot engaged the heading converges on the
// target no faster than MaxTurnRate; otherwise the heading pattern drives.
func (g *Generator) steer(t, dtSec float64, ap AutopilotState) float64 {
	prev := g.heading
	if ap.Engaged() {
		diff := math.Mod(ap.TargetHeading-g.heading+540, 360) - 180
		maxStep := MaxTurnRate * dtSec
		if math.Abs(diff) <= maxStep {
			g.heading = ap.TargetHeading
		} else {
			g.heading += math.Copysign(maxStep, diff)
		}
	} else {
		g.heading = g.value(KeyHeading, NoInstance, t)
	}
	g.heading, _ = Clamp(KeyHeading, g.heading)
	if dtSec <= 0 {
		return 0
	}
	turned := math.Mod(g.heading-prev+540, 360) - 180
	rot, _ := Clamp(KeyROT, turned/dtSec*60)
	return rot
}

// advance dead-reckons the position from speed over ground and course.
func (g *Generator) advance(sogKn, cogDeg, dtSec float64) {
	if dtSec <= 0 {
		return
	}
	ms := sogKn * 0.514444
	rad := cogDeg * math.Pi / 180
	g.lat += (ms * dtSec * math.Cos(rad)) / 111000
	g.lon += (ms * dtSec * math.Sin(rad)) / (111000 * math.Cos(g.lat*math.Pi/180))
	g.lat, _ = Clamp(KeyLat, g.lat)
	g.lon, _ = Clamp(KeyLon, g.lon)
}

// applyPending folds queued one-shot injections into the record and clears
// the queue.
func (g *Generator) applyPending(rec Record) Record {
	if len(g.pending) == 0 {
		return rec
	}
	for i, rd := range rec.Readings {
		if v, ok := g.pending[slot{rd.Key, rd.Instance}]; ok {
			rec.Readings[i].Value = v
			delete(g.pending, slot{rd.Key, rd.Instance})
		}
	}
	for s, v := range g.pending {
		rec.Readings = append(rec.Readings, Reading{Key: s.key, Instance: s.instance, Value: v})
		delete(g.pending, s)
	}
	return rec
}
