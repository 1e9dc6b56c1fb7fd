// Package scenario loads and validates timed instrument scripts.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nmea-bridge/internal/telemetry"
)

// Definition is one scripted voyage: a vessel layout, a duration, and a
// sorted series of events that swap instrument patterns or flip simulator
// state while the clock runs.
type Definition struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	DurationS   float64          `yaml:"duration_s"`
	Loop        bool             `yaml:"loop,omitempty"`
	Seed        int64            `yaml:"seed,omitempty"`
	Vessel      telemetry.Layout `yaml:"vessel,omitempty"`
	Events      []Event          `yaml:"events"`
}

// Event fires once the virtual clock passes its offset. Pattern keys address
// instrument slots, with an optional #N instance suffix ("RPM#1").
type Event struct {
	AtS        float64                          `yaml:"at_s"`
	Patterns   map[string]telemetry.PatternSpec `yaml:"patterns,omitempty"`
	Transition string                           `yaml:"transition,omitempty"`
}

// Duration returns the scripted length of the voyage.
func (d *Definition) Duration() time.Duration {
	return time.Duration(d.DurationS * float64(time.Second))
}

// At returns the event offset from scenario start.
func (e Event) At() time.Duration {
	return time.Duration(e.AtS * float64(time.Second))
}

// State transitions an event may request.
const (
	TransitionEngage     = "autopilot_engage"
	TransitionStandby    = "autopilot_standby"
	TransitionGPSDrop    = "gps_dropout"
	TransitionGPSRestore = "gps_restore"
)

// ValidTransition reports whether s names a known transition.
func ValidTransition(s string) bool {
	switch s {
	case TransitionEngage, TransitionStandby, TransitionGPSDrop, TransitionGPSRestore:
		return true
	}
	return false
}

// ParseSlot splits an event pattern key into instrument key and instance.
// "RPM#1" addresses engine 1; a bare "SOG" addresses the singleton.
func ParseSlot(s string) (key string, instance int, err error) {
	key, suffix, found := strings.Cut(s, "#")
	if !found {
		return key, telemetry.NoInstance, nil
	}
	instance, err = strconv.Atoi(suffix)
	if err != nil {
		return "", 0, fmt.Errorf("slot %q: instance %q is not a number", s, suffix)
	}
	if instance < 0 || instance > telemetry.MaxInstance {
		return "", 0, fmt.Errorf("slot %q: instance out of range 0-%d", s, telemetry.MaxInstance)
	}
	return key, instance, nil
}

// Validate runs the semantic checks that the schema cannot express. The
// first problem found is returned; a definition that passes is safe to hand
// to the engine.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("scenario name missing")
	}
	if d.DurationS <= 0 {
		return fmt.Errorf("scenario %s: duration_s must be > 0, got %v", d.Name, d.DurationS)
	}
	if err := validateLayout(d.Vessel); err != nil {
		return fmt.Errorf("scenario %s: %w", d.Name, err)
	}
	for i, ev := range d.Events {
		if ev.AtS < 0 || ev.AtS > d.DurationS {
			return fmt.Errorf("scenario %s: event %d at_s %v outside 0-%v", d.Name, i, ev.AtS, d.DurationS)
		}
		if len(ev.Patterns) == 0 && ev.Transition == "" {
			return fmt.Errorf("scenario %s: event %d has neither patterns nor transition", d.Name, i)
		}
		if ev.Transition != "" && !ValidTransition(ev.Transition) {
			return fmt.Errorf("scenario %s: event %d unknown transition %q", d.Name, i, ev.Transition)
		}
		for slot, spec := range ev.Patterns {
			key, _, err := ParseSlot(slot)
			if err != nil {
				return fmt.Errorf("scenario %s: event %d: %w", d.Name, i, err)
			}
			if !telemetry.ValidKey(key) {
				return fmt.Errorf("scenario %s: event %d: unknown instrument %q", d.Name, i, key)
			}
			if err := spec.Validate(); err != nil {
				return fmt.Errorf("scenario %s: event %d slot %s: %w", d.Name, i, slot, err)
			}
		}
	}
	return nil
}

func validateLayout(l telemetry.Layout) error {
	for _, c := range []struct {
		name  string
		count int
	}{{"engines", l.Engines}, {"batteries", l.Batteries}, {"tanks", l.Tanks}} {
		if c.count < 0 || c.count > 8 {
			return fmt.Errorf("vessel %s count %d outside 0-8", c.name, c.count)
		}
	}
	return nil
}

// Load reads a YAML definition from disk, validates it against the CUE
// schema and the semantic rules, and returns it with events sorted by
// offset.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(path, data)
}

// Parse validates and decodes an in-memory YAML definition. The name is
// used in schema error messages only.
func Parse(name string, data []byte) (*Definition, error) {
	if err := ValidateCUE(name, data); err != nil {
		return nil, err
	}
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	sort.SliceStable(d.Events, func(i, j int) bool { return d.Events[i].AtS < d.Events[j].AtS })
	return &d, nil
}

// Resolve turns a scenario reference into a definition: built-in names win,
// then the reference is tried as a file path, then as <dir>/<name>.yaml.
func Resolve(nameOrPath, dir string) (*Definition, error) {
	if d, ok := BuiltIn()[nameOrPath]; ok {
		return &d, nil
	}
	if _, err := os.Stat(nameOrPath); err == nil {
		return Load(nameOrPath)
	}
	if dir != "" {
		if p := filepath.Join(dir, nameOrPath+".yaml"); fileExists(p) {
			return Load(p)
		}
	}
	return nil, fmt.Errorf("scenario %q: not a built-in and not a file", nameOrPath)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
