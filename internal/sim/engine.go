// Package sim is the scenario engine. One goroutine owns the virtual clock,
// the active driver and the simulated autopilot; commands and control-plane
// calls reach that goroutine only through messages.
package sim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"nmea-bridge/internal/config"
	"nmea-bridge/internal/nmea"
	"nmea-bridge/internal/scenario"
	"nmea-bridge/internal/telemetry"
)

// Lifecycle states of the engine.
const (
	StateIdle    = "idle"
	StateLoading = "loading"
	StateRunning = "running"
	StateLooping = "looping"
	StatePaused  = "paused"
	StateStopped = "stopped"
)

// Lifecycle events. wrap and advance bracket a loop pass: wrap enters
// looping when virtual time passes the driver length, advance returns to
// running within the same tick.
const (
	eventLoad    = "load"
	eventStart   = "start"
	eventFail    = "fail"
	eventWrap    = "wrap"
	eventAdvance = "advance"
	eventPause   = "pause"
	eventResume  = "resume"
	eventStop    = "stop"
)

// Run modes, reported in status and session headers.
const (
	ModeScenario = "scenario"
	ModePlayback = "playback"
	ModeLive     = "live"
)

// Fault types accepted by InjectFault.
const (
	FaultChecksum   = "checksum"
	FaultTimeout    = "timeout"
	FaultDisconnect = "disconnect"
)

// defaultMute is how long a timeout fault suppresses the outbound stream
// when the request does not say.
const defaultMute = 5 * time.Second

var (
	// ErrActive reports a load attempt while a run is already active.
	ErrActive = errors.New("scenario already active")
	// ErrBadSentence reports an injected sentence that failed validation.
	ErrBadSentence = errors.New("invalid sentence")
	// ErrNoClient reports a disconnect fault aimed at an unknown client id.
	ErrNoClient = errors.New("no such client")
	// ErrRecording reports a recording start while one is in progress.
	ErrRecording = errors.New("recording already in progress")

	errNoScenario       = errors.New("no scenario running")
	errAutopilotStandby = errors.New("autopilot not engaged")
	errEngineDown       = errors.New("engine is not running")
)

// Broadcaster is the outbound side of the bridge, implemented by the server
// hub.
type Broadcaster interface {
	Publish(frame []byte)
	PublishBatch(frames [][]byte)
	Kick(id string) bool
	KickAll() int
	Len() int
}

// Position is a vessel position surfaced through the status endpoint.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Fault is a control-plane request to degrade the outbound stream.
type Fault struct {
	Type       string `json:"type"`
	Target     string `json:"target,omitempty"`
	Count      int    `json:"count,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	State         string                   `json:"state"`
	Mode          string                   `json:"mode,omitempty"`
	Scenario      string                   `json:"scenario,omitempty"`
	Source        string                   `json:"source,omitempty"`
	VirtualTimeMS int64                    `json:"virtualTimeMs"`
	Speed         float64                  `json:"speed,omitempty"`
	Loop          bool                     `json:"loop,omitempty"`
	LoopCount     int                      `json:"loopCount"`
	Autopilot     telemetry.AutopilotState `json:"autopilot"`
	Position      *Position                `json:"position,omitempty"`
	Recording     string                   `json:"recording,omitempty"`
}

// Engine drives the simulation. Construct with NewEngine, then call Run once;
// every other method is safe from any goroutine.
type Engine struct {
	cfg config.Config
	hub Broadcaster
	enc *nmea.Encoder
	log *zap.SugaredLogger

	fsm  *fsm.FSM
	msgs chan any
	done chan struct{}

	// Owned by the Run goroutine.
	drv       driver
	clock     *Clock
	mode      string
	name      string
	loop      bool
	loops     int
	lastVT    time.Duration
	rec       *Recorder
	corrupt   int
	muteUntil time.Time
}

// NewEngine wires an engine to its broadcast hub.
func NewEngine(cfg config.Config, hub Broadcaster, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:  cfg,
		hub:  hub,
		enc:  nmea.NewEncoder(log),
		log:  log,
		fsm:  newLifecycle(log),
		msgs: make(chan any, 16),
		done: make(chan struct{}),
	}
}

func newLifecycle(log *zap.SugaredLogger) *fsm.FSM {
	return fsm.NewFSM(StateIdle,
		fsm.Events{
			{Name: eventLoad, Src: []string{StateIdle, StateStopped}, Dst: StateLoading},
			{Name: eventStart, Src: []string{StateLoading}, Dst: StateRunning},
			{Name: eventFail, Src: []string{StateLoading}, Dst: StateIdle},
			{Name: eventWrap, Src: []string{StateRunning}, Dst: StateLooping},
			{Name: eventAdvance, Src: []string{StateLooping}, Dst: StateRunning},
			{Name: eventPause, Src: []string{StateRunning}, Dst: StatePaused},
			{Name: eventResume, Src: []string{StatePaused}, Dst: StateRunning},
			{Name: eventStop, Src: []string{StateLoading, StateRunning, StateLooping, StatePaused}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				log.Debugw("lifecycle transition", "event", ev.Event, "from", ev.Src, "to", ev.Dst)
			},
		})
}

// Messages exchanged with the Run goroutine.
type (
	loadMsg struct {
		def   *scenario.Definition
		loop  bool
		speed float64
		reply chan error
	}
	playMsg struct {
		sess   *Session
		source string
		speed  float64
		loop   bool
		reply  chan error
	}
	attachMsg struct {
		conn   net.Conn
		remote string
		reply  chan error
	}
	stopMsg struct {
		name  string
		reply chan error
	}
	pauseMsg  struct{ reply chan error }
	resumeMsg struct{ reply chan error }
	statusMsg struct{ reply chan Status }
	applyMsg  struct {
		cmd   telemetry.AutopilotCommand
		reply chan error
	}
	injectMsg struct {
		frame []byte
		reply chan error
	}
	faultMsg struct {
		f     Fault
		reply chan error
	}
	recordStartMsg struct {
		path  string
		reply chan pathReply
	}
	recordStopMsg struct {
		reply chan pathReply
	}
	pathReply struct {
		path string
		err  error
	}
)

func (e *Engine) post(ctx context.Context, m any) error {
	select {
	case e.msgs <- m:
		return nil
	case <-e.done:
		return errEngineDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) roundTrip(ctx context.Context, m any, reply <-chan error) error {
	if err := e.post(ctx, m); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return errEngineDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadScenario starts a scripted voyage. The loop flag is ORed with the
// definition's own, speed <= 0 means real time.
func (e *Engine) LoadScenario(ctx context.Context, def *scenario.Definition, loop bool, speed float64) error {
	reply := make(chan error, 1)
	return e.roundTrip(ctx, loadMsg{def: def, loop: loop, speed: speed, reply: reply}, reply)
}

// PlaySession starts replaying a recorded session.
func (e *Engine) PlaySession(ctx context.Context, sess *Session, source string, speed float64, loop bool) error {
	reply := make(chan error, 1)
	return e.roundTrip(ctx, playMsg{sess: sess, source: source, speed: speed, loop: loop, reply: reply}, reply)
}

// AttachLive starts passing an upstream feed through. The engine owns conn
// from here on.
func (e *Engine) AttachLive(ctx context.Context, conn net.Conn, remote string) error {
	reply := make(chan error, 1)
	return e.roundTrip(ctx, attachMsg{conn: conn, remote: remote, reply: reply}, reply)
}

// Stop ends the active run. name, when non-empty, must match the active
// scenario. Stopping an already-stopped engine is a no-op success.
func (e *Engine) Stop(ctx context.Context, name string) error {
	reply := make(chan error, 1)
	return e.roundTrip(ctx, stopMsg{name: name, reply: reply}, reply)
}

// Pause freezes the virtual clock.
func (e *Engine) Pause(ctx context.Context) error {
	reply := make(chan error, 1)
	return e.roundTrip(ctx, pauseMsg{reply: reply}, reply)
}

// Resume unfreezes the virtual clock.
func (e *Engine) Resume(ctx context.Context) error {
	reply := make(chan error, 1)
	return e.roundTrip(ctx, resumeMsg{reply: reply}, reply)
}

// ScenarioDir returns the directory scenario names resolve against. The
// configuration never changes after construction, so this is safe from any
// goroutine.
func (e *Engine) ScenarioDir() string { return e.cfg.ScenarioDir }

// Status snapshots the engine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := e.post(ctx, statusMsg{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-e.done:
		return Status{}, errEngineDown
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// ApplyAutopilot mutates the simulated pilot, or forwards the command
// upstream in live mode. Satisfies the command channel's Applier.
func (e *Engine) ApplyAutopilot(ctx context.Context, cmd telemetry.AutopilotCommand) error {
	reply := make(chan error, 1)
	return e.roundTrip(ctx, applyMsg{cmd: cmd, reply: reply}, reply)
}

// InjectSentence broadcasts one raw sentence immediately, bypassing the
// active driver. The sentence must carry a valid checksum.
func (e *Engine) InjectSentence(ctx context.Context, sentence string) error {
	line := strings.TrimRight(sentence, "\r\n")
	if _, err := nmea.Verify(line); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSentence, err)
	}
	reply := make(chan error, 1)
	return e.roundTrip(ctx, injectMsg{frame: []byte(line + "\r\n"), reply: reply}, reply)
}

// InjectFault degrades the outbound stream for test assertions.
func (e *Engine) InjectFault(ctx context.Context, f Fault) error {
	reply := make(chan error, 1)
	return e.roundTrip(ctx, faultMsg{f: f, reply: reply}, reply)
}

// StartRecording begins capturing the broadcast stream. An empty path picks
// a timestamped file under the configured recording directory. Returns the
// session file path.
func (e *Engine) StartRecording(ctx context.Context, path string) (string, error) {
	reply := make(chan pathReply, 1)
	if err := e.post(ctx, recordStartMsg{path: path, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.path, r.err
	case <-e.done:
		return "", errEngineDown
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// StopRecording finalizes the session file and returns its path. Stopping
// when not recording is a no-op.
func (e *Engine) StopRecording(ctx context.Context) (string, error) {
	reply := make(chan pathReply, 1)
	if err := e.post(ctx, recordStopMsg{reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.path, r.err
	case <-e.done:
		return "", errEngineDown
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// handle runs one control message on the engine goroutine.
func (e *Engine) handle(ctx context.Context, m any) {
	now := time.Now()
	switch m := m.(type) {
	case loadMsg:
		m.reply <- e.handleLoad(ctx, m, now)
	case playMsg:
		m.reply <- e.handlePlay(ctx, m, now)
	case attachMsg:
		m.reply <- e.handleAttach(ctx, m, now)
	case stopMsg:
		m.reply <- e.handleStop(ctx, m.name)
	case pauseMsg:
		m.reply <- e.handlePause(ctx, now)
	case resumeMsg:
		m.reply <- e.handleResume(ctx, now)
	case statusMsg:
		m.reply <- e.snapshot(now)
	case applyMsg:
		m.reply <- e.handleApply(m.cmd, now)
	case injectMsg:
		e.emit(now, [][]byte{m.frame})
		m.reply <- nil
	case faultMsg:
		m.reply <- e.handleFault(m.f, now)
	case recordStartMsg:
		path, err := e.recordStart(m.path, now)
		m.reply <- pathReply{path: path, err: err}
	case recordStopMsg:
		path, err := e.recordStop()
		m.reply <- pathReply{path: path, err: err}
	}
}

// enterLoading guards the idle/stopped to loading edge shared by all modes.
func (e *Engine) enterLoading(ctx context.Context) error {
	switch e.fsm.Current() {
	case StateIdle, StateStopped:
		return e.fsm.Event(ctx, eventLoad)
	}
	return fmt.Errorf("%w: %s %s", ErrActive, e.mode, e.name)
}

func (e *Engine) handleLoad(ctx context.Context, m loadMsg, now time.Time) error {
	if err := e.enterLoading(ctx); err != nil {
		return err
	}
	if err := m.def.Validate(); err != nil {
		e.fsm.Event(ctx, eventFail)
		return fmt.Errorf("scenario %q: %w", m.def.Name, err)
	}
	drv := newScenarioDriver(m.def, e.cfg.Seed, e.cfg.Proto, e.enc, e.log)
	e.start(ctx, ModeScenario, m.def.Name, drv, m.loop || m.def.Loop, m.speed, now)
	return nil
}

func (e *Engine) handlePlay(ctx context.Context, m playMsg, now time.Time) error {
	if err := e.enterLoading(ctx); err != nil {
		return err
	}
	if len(m.sess.Entries) == 0 {
		e.fsm.Event(ctx, eventFail)
		return errors.New("session has no entries")
	}
	e.start(ctx, ModePlayback, m.source, newPlaybackDriver(m.sess), m.loop, m.speed, now)
	return nil
}

func (e *Engine) handleAttach(ctx context.Context, m attachMsg, now time.Time) error {
	if err := e.enterLoading(ctx); err != nil {
		m.conn.Close()
		return err
	}
	e.start(ctx, ModeLive, m.remote, newLiveDriver(m.conn, e.log), false, 1, now)
	return nil
}

// start moves a loaded driver into running. Infallible by construction; the
// fallible work happens before enterLoading succeeds.
func (e *Engine) start(ctx context.Context, mode, name string, drv driver, loop bool, speed float64, now time.Time) {
	e.drv = drv
	e.mode = mode
	e.name = name
	e.loop = loop
	e.loops = 0
	e.lastVT = 0
	e.clock = NewClock(speed)
	e.clock.Start(now)
	e.fsm.Event(ctx, eventStart)
	e.log.Infow("engine running",
		"mode", mode, "source", name, "loop", loop, "speed", e.clock.Speed())
}

func (e *Engine) handleStop(ctx context.Context, name string) error {
	switch e.fsm.Current() {
	case StateIdle, StateStopped:
		return nil // stop is idempotent
	}
	if name != "" && e.mode == ModeScenario && e.name != name {
		return fmt.Errorf("scenario %q is not active (running %q)", name, e.name)
	}
	e.fsm.Event(ctx, eventStop)
	e.log.Infow("engine stopped", "mode", e.mode, "source", e.name, "loops", e.loops)
	e.teardown()
	return nil
}

func (e *Engine) handlePause(ctx context.Context, now time.Time) error {
	if err := e.fsm.Event(ctx, eventPause); err != nil {
		return err
	}
	e.clock.Pause(now)
	e.log.Infow("paused", "virtual_ms", e.clock.Elapsed(now).Milliseconds())
	return nil
}

func (e *Engine) handleResume(ctx context.Context, now time.Time) error {
	if err := e.fsm.Event(ctx, eventResume); err != nil {
		return err
	}
	e.clock.Resume(now)
	e.log.Infow("resumed", "virtual_ms", e.clock.Elapsed(now).Milliseconds())
	return nil
}

func (e *Engine) handleApply(cmd telemetry.AutopilotCommand, now time.Time) error {
	switch d := e.drv.(type) {
	case *scenarioDriver:
		return d.apply(cmd, now)
	case *liveDriver:
		return d.forward(cmd)
	default:
		// Disengage must always succeed; with nothing driving it is
		// already true.
		if cmd.Verb == telemetry.VerbDisengage {
			return nil
		}
		return errNoScenario
	}
}

func (e *Engine) handleFault(f Fault, now time.Time) error {
	switch f.Type {
	case FaultChecksum:
		n := f.Count
		if n <= 0 {
			n = 1
		}
		e.corrupt += n
		e.log.Infow("fault armed", "type", f.Type, "frames", e.corrupt)
	case FaultTimeout:
		d := time.Duration(f.DurationMS) * time.Millisecond
		if d <= 0 {
			d = defaultMute
		}
		e.muteUntil = now.Add(d)
		e.log.Infow("fault armed", "type", f.Type, "mute_ms", d.Milliseconds())
	case FaultDisconnect:
		if f.Target != "" {
			if !e.hub.Kick(f.Target) {
				return fmt.Errorf("%w: %q", ErrNoClient, f.Target)
			}
			e.log.Infow("fault applied", "type", f.Type, "target", f.Target)
		} else {
			n := e.hub.KickAll()
			e.log.Infow("fault applied", "type", f.Type, "clients", n)
		}
	default:
		return fmt.Errorf("unknown fault type %q", f.Type)
	}
	faultsTotal.WithLabelValues(f.Type).Inc()
	return nil
}

func (e *Engine) recordStart(path string, now time.Time) (string, error) {
	if e.rec != nil {
		return "", fmt.Errorf("%w: %s", ErrRecording, e.rec.Path())
	}
	if path == "" {
		if err := os.MkdirAll(e.cfg.RecordDir, 0o755); err != nil {
			return "", fmt.Errorf("recording dir: %w", err)
		}
		// Timestamp for humans, uuid fragment so rapid stop/start cycles
		// cannot collide within the same second.
		name := fmt.Sprintf("session-%s-%s.jsonl",
			now.UTC().Format("20060102-150405"), uuid.NewString()[:8])
		path = filepath.Join(e.cfg.RecordDir, name)
	}
	hdr := Header{Mode: e.mode, Proto: e.cfg.Proto, Started: now.UTC()}
	if e.mode == ModeScenario {
		hdr.Scenario = e.name
	}
	rec, err := NewRecorder(path, hdr)
	if err != nil {
		return "", err
	}
	e.rec = rec
	e.log.Infow("recording started", "path", path)
	return path, nil
}

func (e *Engine) recordStop() (string, error) {
	if e.rec == nil {
		return "", nil
	}
	path := e.rec.Path()
	err := e.rec.Close()
	e.rec = nil
	e.log.Infow("recording stopped", "path", path)
	return path, err
}

// snapshot builds the status view on the engine goroutine.
func (e *Engine) snapshot(now time.Time) Status {
	st := Status{
		State:     e.fsm.Current(),
		Mode:      e.mode,
		Loop:      e.loop,
		LoopCount: e.loops,
	}
	if e.clock != nil {
		st.VirtualTimeMS = e.clock.Elapsed(now).Milliseconds()
		st.Speed = e.clock.Speed()
	}
	if e.rec != nil {
		st.Recording = e.rec.Path()
	}
	switch e.mode {
	case ModeScenario:
		st.Scenario = e.name
	case ModePlayback, ModeLive:
		st.Source = e.name
	}
	switch d := e.drv.(type) {
	case *scenarioDriver:
		st.Autopilot = d.ap
		if !d.gen.NoFix() {
			lat, lon := d.gen.Position()
			st.Position = &Position{Lat: lat, Lon: lon}
		}
	case *liveDriver:
		st.Position = d.pos
	}
	return st
}

// teardown releases the driver after a stop. The hub and servers stay up.
func (e *Engine) teardown() {
	if e.drv != nil {
		if err := e.drv.close(); err != nil {
			e.log.Warnw("driver close failed", "error", err)
		}
		e.drv = nil
	}
	e.clock = nil
}
