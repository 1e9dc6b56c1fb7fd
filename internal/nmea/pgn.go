package nmea

import (
	"encoding/binary"
	"fmt"
	"math"

	"nmea-bridge/internal/telemetry"
)

// Binary frame envelope. Every NMEA 2000 message goes out as
//
//	magic(1) version(1) priority(1) pgn(3, little endian) source(1)
//	length(1) payload(length) xor(1)
//
// with the XOR taken over everything between magic and the checksum byte.
const (
	FrameMagic   = 0xB5
	FrameVersion = 0x01

	frameHeaderLen = 8
)

// PGNs the bridge emits.
const (
	PGNHeading       = 127250
	PGNRateOfTurn    = 127251
	PGNEngineRapid   = 127488
	PGNEngineDynamic = 127489
	PGNFluidLevel    = 127505
	PGNDCStatus      = 127506
	PGNBattery       = 127508
	PGNWaterDepth    = 128267
	PGNPositionRapid = 129025
	PGNCOGSOGRapid   = 129026
	PGNWindData      = 130306
	PGNEnvParams     = 130310
)

// Source addresses of the simulated bus devices.
const (
	srcGPS     = 3
	srcCompass = 4
	srcWind    = 7
	srcSounder = 8
	srcEngine  = 20 // +instance
	srcBattery = 40 // +instance
	srcTank    = 50 // +instance
)

// Frame is one NMEA 2000 message ready for the envelope.
type Frame struct {
	Priority byte
	PGN      uint32
	Source   byte
	Data     []byte
}

// Marshal renders the frame in the wire envelope.
func (f Frame) Marshal() []byte {
	out := make([]byte, frameHeaderLen+len(f.Data)+1)
	out[0] = FrameMagic
	out[1] = FrameVersion
	out[2] = f.Priority
	out[3] = byte(f.PGN)
	out[4] = byte(f.PGN >> 8)
	out[5] = byte(f.PGN >> 16)
	out[6] = f.Source
	out[7] = byte(len(f.Data))
	copy(out[frameHeaderLen:], f.Data)
	var sum byte
	for _, b := range out[1 : len(out)-1] {
		sum ^= b
	}
	out[len(out)-1] = sum
	return out
}

// UnmarshalFrame decodes one frame from the front of buf, returning the frame
// and the number of bytes consumed.
func UnmarshalFrame(buf []byte) (Frame, int, error) {
	if len(buf) < frameHeaderLen+1 {
		return Frame{}, 0, fmt.Errorf("frame truncated: %d bytes", len(buf))
	}
	if buf[0] != FrameMagic {
		return Frame{}, 0, fmt.Errorf("bad frame magic 0x%02X", buf[0])
	}
	if buf[1] != FrameVersion {
		return Frame{}, 0, fmt.Errorf("unsupported frame version %d", buf[1])
	}
	n := frameHeaderLen + int(buf[7]) + 1
	if len(buf) < n {
		return Frame{}, 0, fmt.Errorf("frame truncated: want %d bytes, have %d", n, len(buf))
	}
	var sum byte
	for _, b := range buf[1 : n-1] {
		sum ^= b
	}
	if sum != buf[n-1] {
		return Frame{}, 0, fmt.Errorf("frame checksum mismatch: got 0x%02X, want 0x%02X", buf[n-1], sum)
	}
	f := Frame{
		Priority: buf[2],
		PGN:      uint32(buf[3]) | uint32(buf[4])<<8 | uint32(buf[5])<<16,
		Source:   buf[6],
		Data:     append([]byte(nil), buf[frameHeaderLen:n-1]...),
	}
	return f, n, nil
}

// Frames renders rec as NMEA 2000 messages. All frames of one record share a
// sequence ID so consumers can correlate them.
func (e *Encoder) Frames(rec telemetry.Record) [][]byte {
	e.sid++
	sid := e.sid
	v := newView(rec)

	out := make([][]byte, 0, 16)
	add := func(prio byte, pgn uint32, src byte, data []byte) {
		out = append(out, Frame{Priority: prio, PGN: pgn, Source: src, Data: data}.Marshal())
	}

	if v.fix() {
		lat, _ := v.get(telemetry.KeyLat)
		lon, _ := v.get(telemetry.KeyLon)
		sog, _ := v.get(telemetry.KeySOG)
		cog, _ := v.get(telemetry.KeyCOG)

		data := make([]byte, 8)
		binary.LittleEndian.PutUint32(data[0:4], uint32(int32(math.Round(lat*1e7))))
		binary.LittleEndian.PutUint32(data[4:8], uint32(int32(math.Round(lon*1e7))))
		add(2, PGNPositionRapid, srcGPS, data)

		data = make([]byte, 8)
		data[0] = sid
		data[1] = 0 // true reference
		binary.LittleEndian.PutUint16(data[2:4], radU16(cog))
		binary.LittleEndian.PutUint16(data[4:6], uint16(math.Round(sog*0.514444*100)))
		data[6], data[7] = 0xFF, 0xFF
		add(2, PGNCOGSOGRapid, srcGPS, data)
	}

	if hdg, ok := v.get(telemetry.KeyHeading); ok {
		data := make([]byte, 8)
		data[0] = sid
		binary.LittleEndian.PutUint16(data[1:3], radU16(hdg))
		binary.LittleEndian.PutUint16(data[3:5], 0x7FFF) // deviation unavailable
		binary.LittleEndian.PutUint16(data[5:7], 0x7FFF) // variation unavailable
		data[7] = 1                                      // magnetic
		add(2, PGNHeading, srcCompass, data)
	}
	if rot, ok := v.get(telemetry.KeyROT); ok {
		data := make([]byte, 8)
		data[0] = sid
		radPerSec := rot * math.Pi / 180 / 60
		binary.LittleEndian.PutUint32(data[1:5], uint32(int32(math.Round(radPerSec/3.125e-8))))
		data[5], data[6], data[7] = 0xFF, 0xFF, 0xFF
		add(2, PGNRateOfTurn, srcCompass, data)
	}

	if dpt, ok := v.get(telemetry.KeyDepth); ok {
		data := make([]byte, 8)
		data[0] = sid
		binary.LittleEndian.PutUint32(data[1:5], uint32(math.Round(dpt*100)))
		binary.LittleEndian.PutUint16(data[5:7], 0) // transducer offset
		data[7] = 0xFF
		add(3, PGNWaterDepth, srcSounder, data)
	}
	if wtmp, ok := v.get(telemetry.KeyWTemp); ok {
		data := make([]byte, 8)
		data[0] = sid
		binary.LittleEndian.PutUint16(data[1:3], kelvinU16(wtmp))
		binary.LittleEndian.PutUint16(data[3:5], 0xFFFF) // outside temp unavailable
		binary.LittleEndian.PutUint16(data[5:7], 0xFFFF) // pressure unavailable
		data[7] = 0xFF
		add(5, PGNEnvParams, srcSounder, data)
	}

	if awa, ok := v.get(telemetry.KeyAWA); ok {
		aws, _ := v.get(telemetry.KeyAWS)
		add(2, PGNWindData, srcWind, windData(sid, aws, awa, 2)) // apparent
	}
	if twa, ok := v.get(telemetry.KeyTWA); ok {
		tws, _ := v.get(telemetry.KeyTWS)
		add(2, PGNWindData, srcWind, windData(sid, tws, twa, 3)) // true, boat referenced
	}

	for _, inst := range v.instances(telemetry.KeyRPM) {
		rpm, _ := v.at(telemetry.KeyRPM, inst)
		data := make([]byte, 8)
		data[0] = byte(inst)
		binary.LittleEndian.PutUint16(data[1:3], uint16(math.Round(rpm*4)))
		binary.LittleEndian.PutUint16(data[3:5], 0xFFFF) // boost unavailable
		data[5] = 0x7F                                   // tilt unavailable
		data[6], data[7] = 0xFF, 0xFF
		add(2, PGNEngineRapid, srcEngine+byte(inst), data)
	}
	for _, inst := range v.instances(telemetry.KeyECT) {
		ect, _ := v.at(telemetry.KeyECT, inst)
		eop, _ := v.at(telemetry.KeyEOP, inst)
		alt, _ := v.at(telemetry.KeyAltern, inst)
		data := make([]byte, 26)
		data[0] = byte(inst)
		binary.LittleEndian.PutUint16(data[1:3], uint16(math.Round(eop*10))) // 100 Pa units
		binary.LittleEndian.PutUint16(data[3:5], 0xFFFF)                     // oil temp unavailable
		binary.LittleEndian.PutUint16(data[5:7], kelvinU16(ect))
		binary.LittleEndian.PutUint16(data[7:9], uint16(int16(math.Round(alt*100))))
		binary.LittleEndian.PutUint16(data[9:11], 0x7FFF) // fuel rate unavailable
		binary.LittleEndian.PutUint32(data[11:15], 0xFFFFFFFF)
		binary.LittleEndian.PutUint16(data[15:17], 0xFFFF)
		binary.LittleEndian.PutUint16(data[17:19], 0xFFFF)
		data[19] = 0xFF
		binary.LittleEndian.PutUint16(data[20:22], 0) // discrete status 1
		binary.LittleEndian.PutUint16(data[22:24], 0) // discrete status 2
		data[24], data[25] = 0x7F, 0x7F
		add(5, PGNEngineDynamic, srcEngine+byte(inst), data)
	}

	for _, inst := range v.instances(telemetry.KeyVolts) {
		vlt, _ := v.at(telemetry.KeyVolts, inst)
		amp, _ := v.at(telemetry.KeyAmps, inst)
		data := make([]byte, 8)
		data[0] = byte(inst)
		binary.LittleEndian.PutUint16(data[1:3], uint16(int16(math.Round(vlt*100))))
		binary.LittleEndian.PutUint16(data[3:5], uint16(int16(math.Round(amp*10))))
		binary.LittleEndian.PutUint16(data[5:7], 0xFFFF) // case temp unavailable
		data[7] = sid
		add(6, PGNBattery, srcBattery+byte(inst), data)
	}
	for _, inst := range v.instances(telemetry.KeySOC) {
		soc, _ := v.at(telemetry.KeySOC, inst)
		data := make([]byte, 9)
		data[0] = sid
		data[1] = byte(inst)
		data[2] = 0 // DC type battery
		data[3] = byte(math.Round(soc))
		data[4] = 0xFF // state of health unavailable
		binary.LittleEndian.PutUint16(data[5:7], 0xFFFF)
		binary.LittleEndian.PutUint16(data[7:9], 0xFFFF)
		add(6, PGNDCStatus, srcBattery+byte(inst), data)
	}

	for _, inst := range v.instances(telemetry.KeyLevel) {
		lvl, _ := v.at(telemetry.KeyLevel, inst)
		data := make([]byte, 8)
		data[0] = byte(inst) & 0x0F // fluid type 0 (fuel) in the high nibble
		binary.LittleEndian.PutUint16(data[1:3], uint16(int16(math.Round(lvl/0.004))))
		binary.LittleEndian.PutUint32(data[3:7], 4000) // capacity, 0.1 l units
		data[7] = 0xFF
		add(6, PGNFluidLevel, srcTank+byte(inst), data)
	}
	return out
}

func windData(sid byte, speedKn, angleDeg float64, ref byte) []byte {
	data := make([]byte, 8)
	data[0] = sid
	binary.LittleEndian.PutUint16(data[1:3], uint16(math.Round(speedKn*0.514444*100)))
	binary.LittleEndian.PutUint16(data[3:5], radU16(angleDeg))
	data[5] = ref
	data[6], data[7] = 0xFF, 0xFF
	return data
}

// radU16 converts degrees to the bus angle unit, 1e-4 radians, folding
// negatives into [0, 2pi).
func radU16(deg float64) uint16 {
	rad := deg * math.Pi / 180
	for rad < 0 {
		rad += 2 * math.Pi
	}
	for rad >= 2*math.Pi {
		rad -= 2 * math.Pi
	}
	return uint16(math.Round(rad * 10000))
}

// kelvinU16 converts celsius to the bus temperature unit, 0.01 K.
func kelvinU16(c float64) uint16 {
	return uint16(math.Round((c + 273.15) * 100))
}
