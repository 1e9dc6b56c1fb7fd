package nmea

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"nmea-bridge/internal/telemetry"
)

// Encoder turns records into wire frames. One encoder serves all subscribers,
// so the sentence order within a record is fixed and identical for everyone.
type Encoder struct {
	log *zap.SugaredLogger
	sid byte
}

// NewEncoder returns an encoder logging dropped readings through log.
func NewEncoder(log *zap.SugaredLogger) *Encoder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Encoder{log: log}
}

// Sentences renders rec as NMEA 0183 lines: navigation first, then
// environment, then one RPM and XDR group per device instance. Readings the
// encoder does not understand are dropped with a warning; the rest of the
// record still goes out.
func (e *Encoder) Sentences(rec telemetry.Record) [][]byte {
	v := newView(rec)
	for _, rd := range rec.Readings {
		if !telemetry.ValidKey(rd.Key) {
			e.log.Warnw("dropping reading with unknown instrument", "key", rd.Key, "instance", rd.Instance)
		}
	}

	out := make([][]byte, 0, 16)
	add := func(body string) {
		out = append(out, []byte(Format(body)))
	}

	if v.fix() {
		lat, _ := v.get(telemetry.KeyLat)
		lon, _ := v.get(telemetry.KeyLon)
		sog, _ := v.get(telemetry.KeySOG)
		cog, _ := v.get(telemetry.KeyCOG)
		sats, _ := v.get(telemetry.KeySats)
		add(fmt.Sprintf("$GPRMC,%s,A,%s,%s,%.1f,%.1f,%s,,,A",
			nmeaTime(rec.Time), nmeaLat(lat), nmeaLon(lon), sog, cog, nmeaDate(rec.Time)))
		add(fmt.Sprintf("$GPGGA,%s,%s,%s,1,%02.0f,1.2,0.0,M,0.0,M,,",
			nmeaTime(rec.Time), nmeaLat(lat), nmeaLon(lon), sats))
	} else {
		add(fmt.Sprintf("$GPRMC,%s,V,,,,,,,%s,,,N", nmeaTime(rec.Time), nmeaDate(rec.Time)))
		add(fmt.Sprintf("$GPGGA,%s,,,,,0,00,,,,,,,", nmeaTime(rec.Time)))
	}

	if hdg, ok := v.get(telemetry.KeyHeading); ok {
		stw, _ := v.get(telemetry.KeySTW)
		add(fmt.Sprintf("$IIVHW,%.1f,T,%.1f,M,%.1f,N,%.1f,K", hdg, hdg, stw, stw*1.852))
		add(fmt.Sprintf("$HCHDG,%.1f,0.0,E,0.0,E", hdg))
	}
	if rot, ok := v.get(telemetry.KeyROT); ok {
		add(fmt.Sprintf("$IIROT,%.1f,A", rot))
	}
	if dpt, ok := v.get(telemetry.KeyDepth); ok {
		add(fmt.Sprintf("$SDDPT,%.1f,0.0", dpt))
	}
	if wtmp, ok := v.get(telemetry.KeyWTemp); ok {
		add(fmt.Sprintf("$IIMTW,%.1f,C", wtmp))
	}
	if awa, ok := v.get(telemetry.KeyAWA); ok {
		aws, _ := v.get(telemetry.KeyAWS)
		add(fmt.Sprintf("$WIMWV,%.1f,R,%.1f,N,A", wrap360(awa), aws))
	}
	if twa, ok := v.get(telemetry.KeyTWA); ok {
		tws, _ := v.get(telemetry.KeyTWS)
		add(fmt.Sprintf("$WIMWV,%.1f,T,%.1f,N,A", wrap360(twa), tws))
	}

	for _, inst := range v.instances(telemetry.KeyRPM) {
		rpm, _ := v.at(telemetry.KeyRPM, inst)
		add(fmt.Sprintf("$ERRPM,E,%d,%.0f,0.0,A", inst, rpm))
	}
	for _, inst := range v.instances(telemetry.KeyECT) {
		ect, _ := v.at(telemetry.KeyECT, inst)
		eop, _ := v.at(telemetry.KeyEOP, inst)
		alt, _ := v.at(telemetry.KeyAltern, inst)
		add(fmt.Sprintf("$IIXDR,C,%.1f,C,ECT%d,P,%.0f,P,EOP%d,U,%.2f,V,ALT%d",
			ect, inst, eop*1000, inst, alt, inst))
	}
	for _, inst := range v.instances(telemetry.KeyVolts) {
		vlt, _ := v.at(telemetry.KeyVolts, inst)
		amp, _ := v.at(telemetry.KeyAmps, inst)
		soc, _ := v.at(telemetry.KeySOC, inst)
		add(fmt.Sprintf("$IIXDR,U,%.2f,V,VLT%d,I,%.1f,A,AMP%d,G,%.1f,P,SOC%d",
			vlt, inst, amp, inst, soc, inst))
	}
	for _, inst := range v.instances(telemetry.KeyLevel) {
		lvl, _ := v.at(telemetry.KeyLevel, inst)
		add(fmt.Sprintf("$IIXDR,G,%.1f,P,LVL%d", lvl, inst))
	}
	return out
}

// view indexes a record for encoding without re-scanning it per lookup.
type view struct {
	values map[vkey]float64
	insts  map[string][]int
}

type vkey struct {
	key  string
	inst int
}

func newView(rec telemetry.Record) *view {
	v := &view{
		values: make(map[vkey]float64, len(rec.Readings)),
		insts:  make(map[string][]int),
	}
	for _, rd := range rec.Readings {
		v.values[vkey{rd.Key, rd.Instance}] = rd.Value
		if rd.Instance != telemetry.NoInstance {
			v.insts[rd.Key] = append(v.insts[rd.Key], rd.Instance)
		}
	}
	return v
}

func (v *view) get(key string) (float64, bool) {
	val, ok := v.values[vkey{key, telemetry.NoInstance}]
	return val, ok
}

func (v *view) at(key string, instance int) (float64, bool) {
	val, ok := v.values[vkey{key, instance}]
	return val, ok
}

func (v *view) instances(key string) []int { return v.insts[key] }

// fix reports whether the record carries a GPS position.
func (v *view) fix() bool {
	_, ok := v.get(telemetry.KeyLat)
	return ok
}

// nmeaTime renders UTC time as HHMMSS.hh.
func nmeaTime(t time.Time) string {
	return t.UTC().Format("150405.00")
}

// nmeaDate renders UTC date as DDMMYY.
func nmeaDate(t time.Time) string {
	return t.UTC().Format("020106")
}

// nmeaLat converts decimal degrees to DDMM.MMMM,h.
func nmeaLat(lat float64) string {
	hem := "N"
	if lat < 0 {
		hem = "S"
	}
	deg := int(math.Abs(lat))
	min := (math.Abs(lat) - float64(deg)) * 60
	return fmt.Sprintf("%02d%07.4f,%s", deg, min, hem)
}

// nmeaLon converts decimal degrees to DDDMM.MMMM,h.
func nmeaLon(lon float64) string {
	hem := "E"
	if lon < 0 {
		hem = "W"
	}
	deg := int(math.Abs(lon))
	min := (math.Abs(lon) - float64(deg)) * 60
	return fmt.Sprintf("%03d%07.4f,%s", deg, min, hem)
}

func wrap360(deg float64) float64 {
	w := math.Mod(deg, 360)
	if w < 0 {
		w += 360
	}
	return w
}
