package sim

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nmea-bridge/internal/config"
	"nmea-bridge/internal/nmea"
	"nmea-bridge/internal/scenario"
	"nmea-bridge/internal/server"
	"nmea-bridge/internal/telemetry"
)

// captureHub records everything the engine publishes.
type captureHub struct {
	mu     sync.Mutex
	frames [][]byte
	kicked int
}

func (h *captureHub) Publish(f []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, f)
	h.mu.Unlock()
}

func (h *captureHub) PublishBatch(fs [][]byte) {
	for _, f := range fs {
		h.Publish(f)
	}
}

func (h *captureHub) Kick(string) bool { return false }

func (h *captureHub) KickAll() int {
	h.mu.Lock()
	h.kicked++
	h.mu.Unlock()
	return 0
}

func (h *captureHub) Len() int { return 0 }

func (h *captureHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *captureHub) snapshot() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.frames))
	copy(out, h.frames)
	return out
}

func (h *captureHub) kicks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kicked
}

func startEngine(t *testing.T, hub Broadcaster) (*Engine, context.Context) {
	t.Helper()
	cfg := config.Default()
	cfg.TickMS = 10
	cfg.Seed = 7
	e := NewEngine(cfg, hub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return e, ctx
}

func testScenario(name string, durS float64, loop bool) *scenario.Definition {
	return &scenario.Definition{
		Name:      name,
		DurationS: durS,
		Loop:      loop,
		Seed:      11,
		Vessel:    telemetry.Layout{Engines: 1, Batteries: 1, Tanks: 1},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func engineState(t *testing.T, ctx context.Context, e *Engine) string {
	t.Helper()
	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st.State
}

func TestScenarioRunsToCompletion(t *testing.T) {
	hub := &captureHub{}
	e, ctx := startEngine(t, hub)

	if err := e.LoadScenario(ctx, testScenario("short-hop", 0.3, false), false, 1); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if got := engineState(t, ctx, e); got != StateRunning {
		t.Fatalf("state after load = %s, want %s", got, StateRunning)
	}

	waitFor(t, "scenario to finish", func() bool { return engineState(t, ctx, e) == StateStopped })

	frames := hub.snapshot()
	if len(frames) == 0 {
		t.Fatal("no frames broadcast")
	}
	if !bytes.HasPrefix(frames[0], []byte("$GPRMC,")) {
		t.Errorf("first frame = %q, want an RMC sentence", frames[0])
	}
	for _, f := range frames {
		if _, err := nmea.Verify(strings.TrimRight(string(f), "\r\n")); err != nil {
			t.Fatalf("broadcast frame %q failed verification: %v", f, err)
		}
	}

	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Mode != ModeScenario || st.Scenario != "short-hop" {
		t.Errorf("status = %+v, want scenario short-hop", st)
	}
}

func TestLoopWrapsWithoutDroppingSubscribers(t *testing.T) {
	hub := server.NewHub(256, nil)
	e, ctx := startEngine(t, hub)

	// No drain: the hub sheds a slow client's oldest frames instead of
	// blocking or kicking it.
	sub := hub.Subscribe("tcp", "test")
	defer hub.Unsubscribe(sub.ID)

	if err := e.LoadScenario(ctx, testScenario("merry-go-round", 0.15, true), false, 1); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}

	waitFor(t, "two loop wraps", func() bool {
		st, err := e.Status(ctx)
		return err == nil && st.LoopCount >= 2
	})

	select {
	case <-sub.Kicked():
		t.Fatal("subscriber was kicked across loop wraps")
	default:
	}
	if got := hub.Len(); got != 1 {
		t.Errorf("hub.Len() = %d, want 1", got)
	}
	if got := engineState(t, ctx, e); got != StateRunning {
		t.Errorf("state during loop = %s, want %s", got, StateRunning)
	}

	if err := e.Stop(ctx, ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	e, ctx := startEngine(t, &captureHub{})

	// Stop with nothing ever loaded.
	if err := e.Stop(ctx, ""); err != nil {
		t.Fatalf("Stop while idle: %v", err)
	}

	if err := e.LoadScenario(ctx, testScenario("holding-pattern", 3600, false), false, 1); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if err := e.Stop(ctx, "holding-pattern"); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := e.Stop(ctx, "holding-pattern"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := engineState(t, ctx, e); got != StateStopped {
		t.Errorf("state = %s, want %s", got, StateStopped)
	}
}

func TestStopRejectsWrongName(t *testing.T) {
	e, ctx := startEngine(t, &captureHub{})
	if err := e.LoadScenario(ctx, testScenario("active-one", 3600, false), false, 1); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	err := e.Stop(ctx, "some-other")
	if err == nil || !strings.Contains(err.Error(), "not active") {
		t.Errorf("Stop with wrong name err = %v", err)
	}
}

func TestLoadWhileActiveConflicts(t *testing.T) {
	e, ctx := startEngine(t, &captureHub{})
	if err := e.LoadScenario(ctx, testScenario("first", 3600, false), false, 1); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	err := e.LoadScenario(ctx, testScenario("second", 10, false), false, 1)
	if !errors.Is(err, ErrActive) {
		t.Errorf("second load err = %v, want ErrActive", err)
	}
}

func TestLoadRejectsInvalidDefinition(t *testing.T) {
	e, ctx := startEngine(t, &captureHub{})
	def := testScenario("busted", -5, false)
	if err := e.LoadScenario(ctx, def, false, 1); err == nil {
		t.Fatal("expected validation error")
	}
	// The failed load must leave the engine loadable.
	if err := e.LoadScenario(ctx, testScenario("fine", 3600, false), false, 1); err != nil {
		t.Fatalf("load after failed load: %v", err)
	}
}

func TestPauseFreezesVirtualTime(t *testing.T) {
	hub := &captureHub{}
	e, ctx := startEngine(t, hub)
	if err := e.LoadScenario(ctx, testScenario("drifting", 3600, false), false, 1); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	waitFor(t, "first frames", func() bool { return hub.count() > 0 })

	if err := e.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	st1, _ := e.Status(ctx)
	n1 := hub.count()
	time.Sleep(50 * time.Millisecond)
	st2, _ := e.Status(ctx)
	if st1.VirtualTimeMS != st2.VirtualTimeMS {
		t.Errorf("virtual time advanced while paused: %d -> %d", st1.VirtualTimeMS, st2.VirtualTimeMS)
	}
	if n2 := hub.count(); n2 != n1 {
		t.Errorf("frames flowed while paused: %d -> %d", n1, n2)
	}
	if st2.State != StatePaused {
		t.Errorf("state = %s, want %s", st2.State, StatePaused)
	}

	if err := e.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "frames after resume", func() bool { return hub.count() > n1 })
}

func TestPauseWhenIdleFails(t *testing.T) {
	e, ctx := startEngine(t, &captureHub{})
	if err := e.Pause(ctx); err == nil {
		t.Error("Pause while idle should fail")
	}
	if err := e.Resume(ctx); err == nil {
		t.Error("Resume while idle should fail")
	}
}

func TestAutopilotCommandFlow(t *testing.T) {
	e, ctx := startEngine(t, &captureHub{})

	// No scenario: everything but disengage is refused.
	err := e.ApplyAutopilot(ctx, telemetry.AutopilotCommand{Verb: telemetry.VerbMode, Mode: telemetry.ModeAuto})
	if err == nil || !strings.Contains(err.Error(), "no scenario running") {
		t.Errorf("MODE with no scenario err = %v", err)
	}
	if err := e.ApplyAutopilot(ctx, telemetry.AutopilotCommand{Verb: telemetry.VerbDisengage}); err != nil {
		t.Errorf("DISENGAGE with no scenario err = %v", err)
	}

	if err := e.LoadScenario(ctx, testScenario("sea-trial", 3600, false), false, 1); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}

	// Heading before engagement is refused.
	err = e.ApplyAutopilot(ctx, telemetry.AutopilotCommand{Verb: telemetry.VerbHeading, Heading: 90})
	if err == nil || !strings.Contains(err.Error(), "not engaged") {
		t.Errorf("HDG while standby err = %v", err)
	}

	if err := e.ApplyAutopilot(ctx, telemetry.AutopilotCommand{Verb: telemetry.VerbMode, Mode: telemetry.ModeAuto}); err != nil {
		t.Fatalf("MODE auto: %v", err)
	}
	st, _ := e.Status(ctx)
	if st.Autopilot.Mode != telemetry.ModeAuto {
		t.Errorf("autopilot mode = %s, want auto", st.Autopilot.Mode)
	}

	if err := e.ApplyAutopilot(ctx, telemetry.AutopilotCommand{Verb: telemetry.VerbHeading, Heading: 90}); err != nil {
		t.Fatalf("HDG 90: %v", err)
	}
	st, _ = e.Status(ctx)
	if st.Autopilot.TargetHeading != 90 {
		t.Errorf("target heading = %v, want 90", st.Autopilot.TargetHeading)
	}

	if err := e.ApplyAutopilot(ctx, telemetry.AutopilotCommand{Verb: telemetry.VerbDisengage}); err != nil {
		t.Fatalf("DISENGAGE: %v", err)
	}
	st, _ = e.Status(ctx)
	if st.Autopilot.Mode != telemetry.ModeStandby {
		t.Errorf("mode after disengage = %s, want standby", st.Autopilot.Mode)
	}
}

func TestInjectSentence(t *testing.T) {
	hub := &captureHub{}
	e, ctx := startEngine(t, hub)

	line := nmea.Format("$SDDPT,5.5,0.0")
	if err := e.InjectSentence(ctx, line); err != nil {
		t.Fatalf("InjectSentence: %v", err)
	}
	waitFor(t, "injected frame", func() bool { return hub.count() == 1 })
	if got := string(hub.snapshot()[0]); got != line {
		t.Errorf("broadcast %q, want %q", got, line)
	}

	if err := e.InjectSentence(ctx, "$SDDPT,5.5,0.0*00"); !errors.Is(err, ErrBadSentence) {
		t.Errorf("bad checksum err = %v, want ErrBadSentence", err)
	}
}

func TestChecksumFaultCorruptsExactlyOneFrame(t *testing.T) {
	hub := &captureHub{}
	e, ctx := startEngine(t, hub)
	if err := e.LoadScenario(ctx, testScenario("steady", 3600, false), false, 1); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	waitFor(t, "first frames", func() bool { return hub.count() > 0 })

	invalid := func() int {
		n := 0
		for _, f := range hub.snapshot() {
			if _, err := nmea.Verify(strings.TrimRight(string(f), "\r\n")); err != nil {
				n++
			}
		}
		return n
	}

	if err := e.InjectFault(ctx, Fault{Type: FaultChecksum}); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	waitFor(t, "a corrupted frame", func() bool { return invalid() == 1 })

	// A few more ticks: still exactly one.
	time.Sleep(50 * time.Millisecond)
	if got := invalid(); got != 1 {
		t.Errorf("invalid frames = %d, want 1", got)
	}
}

func TestTimeoutFaultMutesBroadcast(t *testing.T) {
	hub := &captureHub{}
	e, ctx := startEngine(t, hub)
	if err := e.LoadScenario(ctx, testScenario("gap", 3600, false), false, 1); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	waitFor(t, "first frames", func() bool { return hub.count() > 0 })

	if err := e.InjectFault(ctx, Fault{Type: FaultTimeout, DurationMS: 250}); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	n1 := hub.count()
	time.Sleep(100 * time.Millisecond)
	if n2 := hub.count(); n2 != n1 {
		t.Errorf("frames flowed during mute window: %d -> %d", n1, n2)
	}
	waitFor(t, "stream to resume", func() bool { return hub.count() > n1 })
}

func TestDisconnectFault(t *testing.T) {
	hub := &captureHub{}
	e, ctx := startEngine(t, hub)

	if err := e.InjectFault(ctx, Fault{Type: FaultDisconnect}); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	if got := hub.kicks(); got != 1 {
		t.Errorf("KickAll calls = %d, want 1", got)
	}

	err := e.InjectFault(ctx, Fault{Type: FaultDisconnect, Target: "nope"})
	if !errors.Is(err, ErrNoClient) {
		t.Errorf("disconnect unknown target err = %v, want ErrNoClient", err)
	}

	if err := e.InjectFault(ctx, Fault{Type: "gremlins"}); err == nil {
		t.Error("unknown fault type should fail")
	}
}

func TestRecordReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")

	recHub := &captureHub{}
	e1, ctx1 := startEngine(t, recHub)
	if _, err := e1.StartRecording(ctx1, path); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := e1.LoadScenario(ctx1, testScenario("capture-run", 0.3, false), false, 1); err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	waitFor(t, "capture run to finish", func() bool { return engineState(t, ctx1, e1) == StateStopped })
	if _, err := e1.StopRecording(ctx1); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	recorded := recHub.snapshot()
	sess, err := LoadSession(path)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(sess.Entries) != len(recorded) {
		t.Fatalf("session has %d entries, hub saw %d frames", len(sess.Entries), len(recorded))
	}

	playHub := &captureHub{}
	e2, ctx2 := startEngine(t, playHub)
	if err := e2.PlaySession(ctx2, sess, path, 4, false); err != nil {
		t.Fatalf("PlaySession: %v", err)
	}
	waitFor(t, "replay to finish", func() bool { return engineState(t, ctx2, e2) == StateStopped })

	replayed := playHub.snapshot()
	if len(replayed) != len(recorded) {
		t.Fatalf("replayed %d frames, recorded %d", len(replayed), len(recorded))
	}
	for i := range recorded {
		if !bytes.Equal(replayed[i], recorded[i]) {
			t.Fatalf("frame %d differs: %q vs %q", i, replayed[i], recorded[i])
		}
	}
}

func TestStatusWhenIdle(t *testing.T) {
	e, ctx := startEngine(t, &captureHub{})
	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateIdle || st.Mode != "" || st.LoopCount != 0 || st.Recording != "" {
		t.Errorf("idle status = %+v", st)
	}
}
