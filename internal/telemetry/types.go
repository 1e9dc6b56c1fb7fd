// Marine instrument records produced by the generator and fed to the encoders.
package telemetry

import "time"

// Instrument mnemonics, following the bridge's sensor registry. Engine,
// battery and tank keys are instance-indexed (0-252 per NMEA convention).
const (
	KeyLat     = "LAT"  // latitude, decimal degrees
	KeyLon     = "LON"  // longitude, decimal degrees
	KeySOG     = "SOG"  // speed over ground, knots
	KeyCOG     = "COG"  // course over ground, degrees true
	KeySTW     = "STW"  // speed through water, knots
	KeyHeading = "HDG"  // magnetic heading, degrees
	KeyROT     = "ROT"  // rate of turn, degrees/minute
	KeySats    = "SATS" // satellites in fix
	KeyDepth   = "DPT"  // depth below transducer, metres
	KeyWTemp   = "WTMP" // water temperature, celsius
	KeyAWA     = "AWA"  // apparent wind angle, degrees off bow
	KeyAWS     = "AWS"  // apparent wind speed, knots
	KeyTWA     = "TWA"  // true wind angle, degrees off bow
	KeyTWS     = "TWS"  // true wind speed, knots
	KeyRPM     = "RPM"  // engine revolutions, per instance
	KeyECT     = "ECT"  // engine coolant temperature, celsius, per instance
	KeyEOP     = "EOP"  // engine oil pressure, kPa, per instance
	KeyAltern  = "ALT"  // alternator voltage, volts, per instance
	KeyVolts   = "VLT"  // battery voltage, volts, per instance
	KeyAmps    = "AMP"  // battery current, amps, per instance
	KeySOC     = "SOC"  // battery state of charge, percent, per instance
	KeyLevel   = "LVL"  // tank level, percent, per instance
)

// NoInstance marks readings from singleton instruments.
const NoInstance = -1

// Reading is one instrument value inside a record.
type Reading struct {
	Key      string  `json:"key"`
	Instance int     `json:"instance"`
	Value    float64 `json:"value"`
}

// Record is the full instrument set for one generation tick. Readings keep
// the fixed emission order (engine, battery, tank, environment, nav) so every
// subscriber observes the same relative sentence order.
type Record struct {
	Time     time.Time `json:"ts"`
	Readings []Reading `json:"readings"`
}

// Get returns the value for a key/instance pair.
func (r Record) Get(key string, instance int) (float64, bool) {
	for _, rd := range r.Readings {
		if rd.Key == key && rd.Instance == instance {
			return rd.Value, true
		}
	}
	return 0, false
}

// Range bounds the physically valid values of an instrument. Wrapping ranges
// (headings, wind angles) fold into [Min,Max) instead of clamping.
type Range struct {
	Min  float64
	Max  float64
	Wrap bool
}

var ranges = map[string]Range{
	KeyLat:     {Min: -90, Max: 90},
	KeyLon:     {Min: -180, Max: 180, Wrap: true},
	KeySOG:     {Min: 0, Max: 80},
	KeyCOG:     {Min: 0, Max: 360, Wrap: true},
	KeySTW:     {Min: 0, Max: 80},
	KeyHeading: {Min: 0, Max: 360, Wrap: true},
	KeyROT:     {Min: -720, Max: 720},
	KeySats:    {Min: 0, Max: 24},
	KeyDepth:   {Min: 0, Max: 12000},
	KeyWTemp:   {Min: -5, Max: 45},
	KeyAWA:     {Min: -180, Max: 180, Wrap: true},
	KeyAWS:     {Min: 0, Max: 120},
	KeyTWA:     {Min: -180, Max: 180, Wrap: true},
	KeyTWS:     {Min: 0, Max: 120},
	KeyRPM:     {Min: 0, Max: 8000},
	KeyECT:     {Min: -10, Max: 150},
	KeyEOP:     {Min: 0, Max: 1000},
	KeyAltern:  {Min: 0, Max: 36},
	KeyVolts:   {Min: 0, Max: 36},
	KeyAmps:    {Min: -500, Max: 500},
	KeySOC:     {Min: 0, Max: 100},
	KeyLevel:   {Min: 0, Max: 100},
}

// RangeFor returns the valid range for an instrument key.
func RangeFor(key string) (Range, bool) {
	r, ok := ranges[key]
	return r, ok
}

// Clamp folds v into the instrument's valid range. The second return reports
// whether v had to be adjusted.
func Clamp(key string, v float64) (float64, bool) {
	r, ok := ranges[key]
	if !ok {
		return v, false
	}
	if r.Wrap {
		if v >= r.Min && v < r.Max {
			return v, false
		}
		span := r.Max - r.Min
		w := v
		for w < r.Min {
			w += span
		}
		for w >= r.Max {
			w -= span
		}
		return w, true
	}
	if v < r.Min {
		return r.Min, true
	}
	if v > r.Max {
		return r.Max, true
	}
	return v, false
}

// Layout describes how many instances of each multi-unit instrument the
// simulated vessel carries.
type Layout struct {
	Engines   int `yaml:"engines" json:"engines"`
	Batteries int `yaml:"batteries" json:"batteries"`
	Tanks     int `yaml:"tanks" json:"tanks"`
}

// DefaultLayout is a twin-engine motor yacht: two engines, two battery
// banks, fuel and water tanks.
func DefaultLayout() Layout {
	return Layout{Engines: 2, Batteries: 2, Tanks: 2}
}

// Autopilot modes.
const (
	ModeOff     = "off"
	ModeStandby = "standby"
	ModeAuto    = "auto"
	ModeWind    = "wind"
	ModeTrack   = "track"
)

// AutopilotState is the simulated pilot head. It is owned by the engine
// goroutine; everything else reaches it through engine messages.
type AutopilotState struct {
	Mode          string    `json:"mode"`
	TargetHeading float64   `json:"target_heading"`
	LastCommand   time.Time `json:"last_command"`
}

// Engaged reports whether the pilot is actively steering.
func (s AutopilotState) Engaged() bool {
	switch s.Mode {
	case ModeAuto, ModeWind, ModeTrack:
		return true
	}
	return false
}

// ValidMode reports whether m is a recognised autopilot mode.
func ValidMode(m string) bool {
	switch m {
	case ModeOff, ModeStandby, ModeAuto, ModeWind, ModeTrack:
		return true
	}
	return false
}

// Autopilot command verbs carried over the command channel.
const (
	VerbMode      = "MODE"
	VerbHeading   = "HDG"
	VerbDisengage = "DISENGAGE"
)

// AutopilotCommand is a validated request to change pilot state.
type AutopilotCommand struct {
	Verb    string
	Mode    string
	Heading float64
}
