package telemetry

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
)

// Pattern kinds. The set is closed: the evaluator switches over these tags
// and rejects anything else at validation time.
const (
	PatternConstant = "constant"
	PatternSine     = "sine"
	PatternNoise    = "gaussianNoise"
	PatternWalk     = "randomWalk"
	PatternOverride = "override"
)

// PatternSpec describes how one instrument evolves over virtual time. Which
// fields matter depends on Kind:
//
//	constant:      value
//	sine:          offset, amplitude, period_s, phase
//	gaussianNoise: mean, std_dev
//	randomWalk:    start, step, min, max
//	override:      value (pins the instrument to exactly this reading)
type PatternSpec struct {
	Kind      string  `yaml:"kind" json:"kind"`
	Value     float64 `yaml:"value,omitempty" json:"value,omitempty"`
	Offset    float64 `yaml:"offset,omitempty" json:"offset,omitempty"`
	Amplitude float64 `yaml:"amplitude,omitempty" json:"amplitude,omitempty"`
	PeriodS   float64 `yaml:"period_s,omitempty" json:"period_s,omitempty"`
	Phase     float64 `yaml:"phase,omitempty" json:"phase,omitempty"`
	Mean      float64 `yaml:"mean,omitempty" json:"mean,omitempty"`
	StdDev    float64 `yaml:"std_dev,omitempty" json:"std_dev,omitempty"`
	Start     float64 `yaml:"start,omitempty" json:"start,omitempty"`
	Step      float64 `yaml:"step,omitempty" json:"step,omitempty"`
	Min       float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max       float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Validate rejects specs the evaluator cannot run.
func (p PatternSpec) Validate() error {
	switch p.Kind {
	case PatternConstant, PatternOverride:
		return nil
	case PatternSine:
		if p.PeriodS <= 0 {
			return fmt.Errorf("sine pattern: period_s must be > 0, got %v", p.PeriodS)
		}
		return nil
	case PatternNoise:
		if p.StdDev < 0 {
			return fmt.Errorf("gaussianNoise pattern: std_dev must be >= 0, got %v", p.StdDev)
		}
		return nil
	case PatternWalk:
		if p.Step <= 0 {
			return fmt.Errorf("randomWalk pattern: step must be > 0, got %v", p.Step)
		}
		if p.Min >= p.Max {
			return fmt.Errorf("randomWalk pattern: min %v must be below max %v", p.Min, p.Max)
		}
		return nil
	case "":
		return fmt.Errorf("pattern kind missing")
	default:
		return fmt.Errorf("unknown pattern kind %q", p.Kind)
	}
}

// patternState is a running pattern bound to one key/instance pair. Constant,
// override and sine are pure functions of virtual time; noise and walk draw
// from a private seeded source so two instances of the same instrument never
// share a sequence.
type patternState struct {
	spec PatternSpec
	rng  *rand.Rand
	walk float64
}

func newPatternState(spec PatternSpec, seed int64, key string, instance int) *patternState {
	return &patternState{
		spec: spec,
		rng:  rand.New(rand.NewSource(instrumentSeed(seed, key, instance))),
		walk: spec.Start,
	}
}

// instrumentSeed mixes the session seed with the key/instance identity so
// every instrument gets a distinct but reproducible stream.
func instrumentSeed(seed int64, key string, instance int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s#%d", key, instance)
	return seed ^ int64(h.Sum64())
}

// eval advances the pattern to virtual time t (seconds) and returns its value.
func (p *patternState) eval(t float64) float64 {
	switch p.spec.Kind {
	case PatternConstant, PatternOverride:
		return p.spec.Value
	case PatternSine:
		return p.spec.Offset + p.spec.Amplitude*math.Sin(2*math.Pi*t/p.spec.PeriodS+p.spec.Phase)
	case PatternNoise:
		return p.spec.Mean + p.rng.NormFloat64()*p.spec.StdDev
	case PatternWalk:
		p.walk += (p.rng.Float64()*2 - 1) * p.spec.Step
		if p.walk < p.spec.Min {
			p.walk = p.spec.Min
		}
		if p.walk > p.spec.Max {
			p.walk = p.spec.Max
		}
		return p.walk
	}
	return 0
}

// reset rewinds the pattern for a scenario loop: the walk returns to its
// start value and the random source replays the same sequence.
func (p *patternState) reset(seed int64, key string, instance int) {
	p.rng = rand.New(rand.NewSource(instrumentSeed(seed, key, instance)))
	p.walk = p.spec.Start
}
