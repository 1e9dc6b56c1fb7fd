package scenario

import "nmea-bridge/internal/telemetry"

// BuiltIn returns the voyages shipped with the bridge, keyed by the name
// clients use to start them.
func BuiltIn() map[string]Definition {
	return map[string]Definition{
		"harbor-cruise": {
			Name:        "harbor-cruise",
			Description: "A slow lap of the harbor in flat water, with the autopilot taking the middle leg.",
			DurationS:   600,
			Seed:        101,
			Vessel:      telemetry.Layout{Engines: 2, Batteries: 2, Tanks: 2},
			Events: []Event{
				{
					AtS: 0,
					Patterns: map[string]telemetry.PatternSpec{
						"SOG": {Kind: "sine", Offset: 5.2, Amplitude: 0.6, PeriodS: 300},
						"STW": {Kind: "sine", Offset: 5.0, Amplitude: 0.6, PeriodS: 300, Phase: 0.2},
						"DPT": {Kind: "randomWalk", Start: 9, Step: 0.3, Min: 4, Max: 18},
						"AWS": {Kind: "randomWalk", Start: 8, Step: 0.5, Min: 2, Max: 16},
						"TWS": {Kind: "randomWalk", Start: 7, Step: 0.4, Min: 2, Max: 14},
					},
				},
				{AtS: 120, Transition: TransitionEngage},
				{AtS: 420, Transition: TransitionStandby},
				{
					AtS: 540,
					Patterns: map[string]telemetry.PatternSpec{
						"SOG":   {Kind: "sine", Offset: 3.0, Amplitude: 0.3, PeriodS: 120},
						"RPM#0": {Kind: "constant", Value: 1100},
						"RPM#1": {Kind: "constant", Value: 1100},
					},
				},
			},
		},
		"offshore-passage": {
			Name:        "offshore-passage",
			Description: "An overnight passage in building wind, pilot engaged throughout; loops until stopped.",
			DurationS:   1800,
			Loop:        true,
			Seed:        202,
			Vessel:      telemetry.Layout{Engines: 1, Batteries: 2, Tanks: 2},
			Events: []Event{
				{
					AtS:        0,
					Transition: TransitionEngage,
					Patterns: map[string]telemetry.PatternSpec{
						"SOG": {Kind: "sine", Offset: 7.4, Amplitude: 0.9, PeriodS: 240},
						"STW": {Kind: "sine", Offset: 7.1, Amplitude: 0.9, PeriodS: 240, Phase: 0.4},
						"DPT": {Kind: "sine", Offset: 46, Amplitude: 3, PeriodS: 9},
						"TWS": {Kind: "randomWalk", Start: 16, Step: 0.8, Min: 10, Max: 26},
						"AWS": {Kind: "randomWalk", Start: 19, Step: 0.9, Min: 12, Max: 30},
					},
				},
				{
					AtS: 600,
					Patterns: map[string]telemetry.PatternSpec{
						"TWS": {Kind: "randomWalk", Start: 22, Step: 1.2, Min: 16, Max: 36},
						"AWS": {Kind: "randomWalk", Start: 26, Step: 1.3, Min: 18, Max: 42},
						"TWA": {Kind: "randomWalk", Start: 120, Step: 6, Min: 60, Max: 170},
					},
				},
				{
					AtS: 1200,
					Patterns: map[string]telemetry.PatternSpec{
						"TWS": {Kind: "gaussianNoise", Mean: 28, StdDev: 4},
						"AWS": {Kind: "gaussianNoise", Mean: 33, StdDev: 5},
						"SOG": {Kind: "sine", Offset: 6.2, Amplitude: 1.4, PeriodS: 180},
					},
				},
			},
		},
		"engine-stress": {
			Name:        "engine-stress",
			Description: "Wide-open throttle until the port engine overheats, then a limp home on reduced power.",
			DurationS:   900,
			Seed:        303,
			Vessel:      telemetry.Layout{Engines: 2, Batteries: 2, Tanks: 2},
			Events: []Event{
				{
					AtS: 0,
					Patterns: map[string]telemetry.PatternSpec{
						"RPM#0": {Kind: "sine", Offset: 3400, Amplitude: 150, PeriodS: 60},
						"RPM#1": {Kind: "sine", Offset: 3400, Amplitude: 150, PeriodS: 60, Phase: 0.5},
						"ECT#0": {Kind: "randomWalk", Start: 86, Step: 0.6, Min: 82, Max: 118},
						"ECT#1": {Kind: "randomWalk", Start: 85, Step: 0.4, Min: 80, Max: 102},
						"SOG":   {Kind: "sine", Offset: 21, Amplitude: 1.5, PeriodS: 120},
					},
				},
				{
					AtS: 300,
					Patterns: map[string]telemetry.PatternSpec{
						"ECT#0": {Kind: "sine", Offset: 104, Amplitude: 6, PeriodS: 90},
						"EOP#0": {Kind: "randomWalk", Start: 300, Step: 8, Min: 120, Max: 380},
					},
				},
				{
					AtS: 600,
					Patterns: map[string]telemetry.PatternSpec{
						"RPM#0": {Kind: "override", Value: 1200},
						"RPM#1": {Kind: "override", Value: 2200},
						"ECT#0": {Kind: "randomWalk", Start: 102, Step: 0.5, Min: 84, Max: 104},
						"SOG":   {Kind: "sine", Offset: 8.5, Amplitude: 0.8, PeriodS: 180},
					},
				},
			},
		},
		"gps-dropout": {
			Name:        "gps-dropout",
			Description: "A normal coastal run that loses the GPS fix for two minutes and gets it back.",
			DurationS:   480,
			Seed:        404,
			Vessel:      telemetry.Layout{Engines: 1, Batteries: 1, Tanks: 1},
			Events: []Event{
				{
					AtS: 0,
					Patterns: map[string]telemetry.PatternSpec{
						"SOG": {Kind: "sine", Offset: 6.8, Amplitude: 0.5, PeriodS: 200},
						"DPT": {Kind: "randomWalk", Start: 22, Step: 0.6, Min: 8, Max: 40},
					},
				},
				{AtS: 180, Transition: TransitionGPSDrop},
				{AtS: 300, Transition: TransitionGPSRestore},
			},
		},
		"autopilot-sea-trial": {
			Name:        "autopilot-sea-trial",
			Description: "Repeated engage and standby cycles against a wandering heading, for watching the helm answer.",
			DurationS:   720,
			Seed:        505,
			Vessel:      telemetry.Layout{Engines: 2, Batteries: 1, Tanks: 1},
			Events: []Event{
				{
					AtS: 0,
					Patterns: map[string]telemetry.PatternSpec{
						"HDG": {Kind: "randomWalk", Start: 60, Step: 3, Min: 0, Max: 360},
						"SOG": {Kind: "sine", Offset: 9.5, Amplitude: 0.7, PeriodS: 180},
					},
				},
				{AtS: 60, Transition: TransitionEngage},
				{AtS: 240, Transition: TransitionStandby},
				{
					AtS: 300,
					Patterns: map[string]telemetry.PatternSpec{
						"HDG": {Kind: "override", Value: 120},
					},
				},
				{AtS: 360, Transition: TransitionEngage},
				{AtS: 600, Transition: TransitionStandby},
			},
		},
	}
}
