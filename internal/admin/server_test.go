package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nmea-bridge/internal/config"
	"nmea-bridge/internal/nmea"
	"nmea-bridge/internal/server"
	"nmea-bridge/internal/sim"
)

func newTestServer(t *testing.T) (*Server, *server.Hub) {
	t.Helper()
	cfg := config.Default()
	cfg.TickMS = 10
	cfg.Seed = 3
	hub := server.NewHub(64, nil)
	engine := sim.NewEngine(cfg, hub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)
	return NewServer("127.0.0.1:0", engine, hub, nil), hub
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) sim.Status {
	t.Helper()
	var st sim.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status %q: %v", w.Body.String(), err)
	}
	return st
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return e.Error
}

func TestHealthReportsConnections(t *testing.T) {
	s, hub := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	var body struct {
		Status        string `json:"status"`
		UptimeMS      int64  `json:"uptimeMs"`
		LastBroadcast string `json:"lastBroadcast"`
		Connections   struct {
			TCP int `json:"tcp"`
			WS  int `json:"ws"`
		} `json:"connections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || body.Connections.TCP != 0 || body.Connections.WS != 0 {
		t.Errorf("health = %+v", body)
	}
	if body.LastBroadcast != "" {
		t.Errorf("lastBroadcast = %q before any publish", body.LastBroadcast)
	}

	a := hub.Subscribe("tcp", "a")
	b := hub.Subscribe("tcp", "b")
	c := hub.Subscribe("ws", "c")
	defer hub.Unsubscribe(a.ID)
	defer hub.Unsubscribe(b.ID)
	defer hub.Unsubscribe(c.ID)
	hub.Publish([]byte("x"))

	w = doJSON(t, h, http.MethodGet, "/api/health", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Connections.TCP != 2 || body.Connections.WS != 1 {
		t.Errorf("connections = %+v, want tcp=2 ws=1", body.Connections)
	}
	if _, err := time.Parse(time.RFC3339Nano, body.LastBroadcast); err != nil {
		t.Errorf("lastBroadcast %q not RFC3339: %v", body.LastBroadcast, err)
	}
}

func TestScenarioLifecycleOverAPI(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/scenarios", map[string]any{"name": "harbor-cruise"})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", w.Code, w.Body.String())
	}
	st := decodeStatus(t, w)
	if st.State != sim.StateRunning || st.Scenario != "harbor-cruise" {
		t.Fatalf("status after start = %+v", st)
	}

	// A second start conflicts while the first is active.
	w = doJSON(t, h, http.MethodPost, "/api/scenarios", map[string]any{"name": "gps-dropout"})
	if w.Code != http.StatusConflict {
		t.Errorf("second start status = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/scenarios/harbor-cruise/pause", nil)
	if st = decodeStatus(t, w); w.Code != http.StatusOK || st.State != sim.StatePaused {
		t.Fatalf("pause: code %d state %s", w.Code, st.State)
	}
	w = doJSON(t, h, http.MethodPost, "/api/scenarios/harbor-cruise/resume", nil)
	if st = decodeStatus(t, w); w.Code != http.StatusOK || st.State != sim.StateRunning {
		t.Fatalf("resume: code %d state %s", w.Code, st.State)
	}

	// Stopping a scenario that is not running is refused.
	w = doJSON(t, h, http.MethodPost, "/api/scenarios/offshore-passage/stop", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("wrong-name stop status = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/scenarios/harbor-cruise/stop", nil)
	if st = decodeStatus(t, w); w.Code != http.StatusOK || st.State != sim.StateStopped {
		t.Fatalf("stop: code %d state %s", w.Code, st.State)
	}

	// Stop twice: same success, same answer.
	w = doJSON(t, h, http.MethodPost, "/api/scenarios/harbor-cruise/stop", nil)
	if st = decodeStatus(t, w); w.Code != http.StatusOK || st.State != sim.StateStopped {
		t.Fatalf("repeated stop: code %d state %s", w.Code, st.State)
	}

	w = doJSON(t, h, http.MethodGet, "/api/status", nil)
	if st = decodeStatus(t, w); st.State != sim.StateStopped {
		t.Errorf("final status state = %s", st.State)
	}
}

func TestScenarioStartRejections(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/scenarios", map[string]any{"name": "atlantis-run"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown scenario status = %d", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/api/scenarios", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing name status = %d", w.Code)
	}
	if msg := errorBody(t, w); !strings.Contains(msg, "name missing") {
		t.Errorf("missing name error = %q", msg)
	}
}

func TestInjectData(t *testing.T) {
	s, hub := newTestServer(t)
	h := s.Handler()

	sub := hub.Subscribe("tcp", "probe")
	defer hub.Unsubscribe(sub.ID)

	line := strings.TrimRight(nmea.Format("$SDDPT,7.5,0.0"), "\r\n")
	w := doJSON(t, h, http.MethodPost, "/api/inject-data", map[string]string{"sentence": line})
	if w.Code != http.StatusAccepted {
		t.Fatalf("inject status = %d, body %s", w.Code, w.Body.String())
	}
	select {
	case f := <-sub.Frames():
		if string(f) != line+"\r\n" {
			t.Errorf("broadcast %q, want %q", f, line+"\r\n")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("injected sentence never reached the hub")
	}

	// Bad checksum.
	w = doJSON(t, h, http.MethodPost, "/api/inject-data", map[string]string{"sentence": "$SDDPT,7.5,0.0*00"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad checksum status = %d", w.Code)
	}

	// Valid sentence of a type the bridge does not carry.
	zda := strings.TrimRight(nmea.Format("$GPZDA,160012.71,11,03,2026,00,00"), "\r\n")
	w = doJSON(t, h, http.MethodPost, "/api/inject-data", map[string]string{"sentence": zda})
	if w.Code != http.StatusBadRequest {
		t.Errorf("disallowed type status = %d", w.Code)
	}
	if msg := errorBody(t, w); !strings.Contains(msg, "unsupported sentence type") {
		t.Errorf("disallowed type error = %q", msg)
	}

	// Not a sentence at all.
	w = doJSON(t, h, http.MethodPost, "/api/inject-data", map[string]string{"sentence": "hello sailor"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("garbage status = %d", w.Code)
	}
}

func TestSimulateError(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/simulate-error", map[string]string{"type": "gremlins"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown fault status = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/simulate-error", map[string]string{"type": "checksum"})
	if w.Code != http.StatusAccepted {
		t.Errorf("checksum fault status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPost, "/api/simulate-error", map[string]string{"type": "disconnect"})
	if w.Code != http.StatusAccepted {
		t.Errorf("disconnect-all status = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/simulate-error",
		map[string]string{"type": "disconnect", "target": "no-such-id"})
	if w.Code != http.StatusNotFound {
		t.Errorf("disconnect unknown target status = %d", w.Code)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	path := filepath.Join(t.TempDir(), "api-capture.jsonl")

	w := doJSON(t, h, http.MethodPost, "/api/recordings", map[string]string{"path": path})
	if w.Code != http.StatusCreated {
		t.Fatalf("record start status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Path != path {
		t.Fatalf("record start body = %s (err %v)", w.Body.String(), err)
	}

	// Starting again while recording conflicts.
	w = doJSON(t, h, http.MethodPost, "/api/recordings", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second record start status = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/recordings/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("record stop status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Path != path {
		t.Errorf("record stop body = %s (err %v)", w.Body.String(), err)
	}

	// Stopping with no recording in flight is a no-op.
	w = doJSON(t, h, http.MethodPost, "/api/recordings/stop", nil)
	if w.Code != http.StatusOK {
		t.Errorf("idle record stop status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bridge_broadcast_frames_total") {
		t.Error("metrics output missing bridge counters")
	}
}

func TestUnknownRouteIsJSON(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/api/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if msg := errorBody(t, w); msg != "not found" {
		t.Errorf("body = %q", msg)
	}
}
