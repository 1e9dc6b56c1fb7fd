package sim

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"nmea-bridge/internal/nmea"
)

// Run drives the engine until ctx is cancelled. It is the only goroutine
// that touches engine state; exported methods reach it through messages.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	e.log.Infow("engine started",
		"tick_ms", e.cfg.TickMS, "proto", e.cfg.Proto, "seed", e.cfg.Seed)
	ticker := time.NewTicker(e.cfg.Tick())
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			e.tick(ctx, now)
		case m := <-e.msgs:
			e.handle(ctx, m)
		case <-ctx.Done():
			e.shutdown()
			e.log.Infow("engine shut down")
			return nil
		}
	}
}

// tick advances the active driver by one interval and broadcasts its frames.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	switch e.fsm.Current() {
	case StateRunning, StateLooping:
	default:
		return
	}
	timer := prometheus.NewTimer(tickDuration)
	defer timer.ObserveDuration()

	vt := e.clock.Elapsed(now)
	dt := vt - e.lastVT
	if dt < 0 {
		dt = 0
	}
	e.lastVT = vt

	frames, done := e.drv.step(vt, dt, now)
	e.emit(now, frames)
	if !done {
		return
	}
	if e.loop && e.drv.length() > 0 {
		e.wrap(ctx, now)
		return
	}
	e.fsm.Event(ctx, eventStop)
	e.log.Infow("run complete", "mode", e.mode, "source", e.name, "loops", e.loops)
	e.teardown()
}

// wrap starts the next loop pass. Clients stay connected; the clock keeps
// the overshoot past the wrap point so passes stay phase-accurate.
func (e *Engine) wrap(ctx context.Context, now time.Time) {
	e.fsm.Event(ctx, eventWrap)
	e.loops++
	loopsTotal.Inc()
	e.clock.Rewind(now, e.drv.length())
	e.lastVT = e.clock.Elapsed(now)
	e.drv.rewind()
	e.fsm.Event(ctx, eventAdvance)
	e.log.Infow("loop wrapped",
		"source", e.name, "loops", e.loops, "carry_ms", e.lastVT.Milliseconds())
}

// emit is the single exit for outbound frames: faults apply here, the
// recorder taps here, then the hub fans out.
func (e *Engine) emit(now time.Time, frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	if !e.muteUntil.IsZero() {
		if now.Before(e.muteUntil) {
			return
		}
		e.muteUntil = time.Time{}
		e.log.Infow("transmission resumed after timeout fault")
	}
	for i := 0; e.corrupt > 0 && i < len(frames); i++ {
		frames[i] = corruptFrame(frames[i])
		e.corrupt--
	}
	if e.rec != nil {
		for _, f := range frames {
			if err := e.rec.Record(now, f); err != nil {
				e.log.Warnw("recording failed, closing session", "error", err)
				e.recordStop()
				break
			}
		}
	}
	e.hub.PublishBatch(frames)
}

// shutdown finalizes the recording and releases the driver on process exit.
func (e *Engine) shutdown() {
	if _, err := e.recordStop(); err != nil {
		e.log.Warnw("finalizing recording failed", "error", err)
	}
	e.teardown()
}

// corruptFrame returns a copy of f with a deliberately wrong checksum, for
// client-side error-path tests. Text sentences get their hex checksum
// flipped, binary frames their trailing XOR byte.
func corruptFrame(f []byte) []byte {
	out := append([]byte(nil), f...)
	if len(out) == 0 {
		return out
	}
	if out[0] == nmea.FrameMagic {
		out[len(out)-1] ^= 0xFF
		return out
	}
	if i := bytes.LastIndexByte(out, '*'); i >= 0 && i+3 <= len(out) {
		if v, err := strconv.ParseUint(string(out[i+1:i+3]), 16, 8); err == nil {
			copy(out[i+1:i+3], fmt.Sprintf("%02X", byte(v)^0x5A))
		}
	}
	return out
}
