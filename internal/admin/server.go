// Package admin serves the control API: scenario lifecycle, sentence
// injection, fault simulation and recording control as JSON over HTTP, plus
// the Prometheus metrics endpoint.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	gonmea "github.com/adrianmo/go-nmea"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"nmea-bridge/internal/logging"
	"nmea-bridge/internal/scenario"
	"nmea-bridge/internal/server"
	"nmea-bridge/internal/sim"
)

const shutdownGrace = 3 * time.Second

// injectable lists the sentence types the bridge understands; inject-data
// refuses everything else so operators cannot slip arbitrary traffic into
// the broadcast stream.
var injectable = map[string]bool{
	"RMC": true, "GGA": true, "GLL": true, "VTG": true,
	"VHW": true, "HDG": true, "HDT": true, "ROT": true,
	"DPT": true, "DBT": true, "MTW": true, "MWV": true,
	"RPM": true, "XDR": true,
}

// Server is the control-plane HTTP server. It talks to the engine through
// the same message interface as every other caller, so API requests never
// race the simulation.
type Server struct {
	addr    string
	engine  *sim.Engine
	hub     *server.Hub
	log     *zap.SugaredLogger
	router  *mux.Router
	started time.Time
	ln      net.Listener
}

// NewServer wires the control API around an engine and its hub.
func NewServer(addr string, engine *sim.Engine, hub *server.Hub, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		addr:    addr,
		engine:  engine,
		hub:     hub,
		log:     log,
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusNotFound, errors.New("not found"))
	})

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/scenarios", s.handleScenarioStart).Methods(http.MethodPost)
	api.HandleFunc("/scenarios/{name}/stop", s.handleScenarioStop).Methods(http.MethodPost)
	api.HandleFunc("/scenarios/{name}/pause", s.handleScenarioPause).Methods(http.MethodPost)
	api.HandleFunc("/scenarios/{name}/resume", s.handleScenarioResume).Methods(http.MethodPost)
	api.HandleFunc("/inject-data", s.handleInject).Methods(http.MethodPost)
	api.HandleFunc("/simulate-error", s.handleFault).Methods(http.MethodPost)
	api.HandleFunc("/recordings", s.handleRecordStart).Methods(http.MethodPost)
	api.HandleFunc("/recordings/stop", s.handleRecordStop).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r
}

// Listen binds the API address. Kept separate from Start so bind failures
// surface before the process commits to running.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: api %s: %v", server.ErrBind, s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start serves the API until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	s.log.Infow("api server listening", "addr", s.ln.Addr().String())
	if err := srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(logging.NewContext(r.Context(), s.log)))
		s.log.Debugw("api request",
			"method", r.Method, "path", r.URL.Path, "took_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conns := struct {
		TCP int `json:"tcp"`
		WS  int `json:"ws"`
	}{}
	for _, c := range s.hub.Clients() {
		switch c.Proto {
		case "tcp":
			conns.TCP++
		case "ws":
			conns.WS++
		}
	}
	body := map[string]any{
		"status":      "ok",
		"uptimeMs":    time.Since(s.started).Milliseconds(),
		"connections": conns,
	}
	if last := s.hub.LastBroadcast(); !last.IsZero() {
		body["lastBroadcast"] = last.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleScenarioStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string  `json:"name"`
		Loop  bool    `json:"loop,omitempty"`
		Speed float64 `json:"speed,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		writeErr(w, http.StatusBadRequest, errors.New("scenario name missing"))
		return
	}
	def, err := scenario.Resolve(req.Name, s.engine.ScenarioDir())
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err := s.engine.LoadScenario(r.Context(), def, req.Loop, req.Speed); err != nil {
		switch {
		case errors.Is(err, sim.ErrActive):
			writeErr(w, http.StatusConflict, err)
		default:
			writeErr(w, http.StatusBadRequest, err)
		}
		return
	}
	logging.FromContext(r.Context()).Infow("scenario started via api",
		"scenario", def.Name, "loop", req.Loop, "speed", req.Speed)
	s.respondStatus(w, r, http.StatusCreated)
}

func (s *Server) handleScenarioStop(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.Stop(r.Context(), name); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	s.respondStatus(w, r, http.StatusOK)
}

func (s *Server) handleScenarioPause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(r.Context()); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	s.respondStatus(w, r, http.StatusOK)
}

func (s *Server) handleScenarioResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(r.Context()); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	s.respondStatus(w, r, http.StatusOK)
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sentence string `json:"sentence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}
	line := strings.TrimSpace(req.Sentence)
	if line == "" {
		writeErr(w, http.StatusBadRequest, errors.New("sentence missing"))
		return
	}
	parsed, err := gonmea.Parse(line)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid sentence: %v", err))
		return
	}
	if !injectable[parsed.DataType()] {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("unsupported sentence type %q", parsed.DataType()))
		return
	}
	if err := s.engine.InjectSentence(r.Context(), line); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sim.ErrBadSentence) {
			code = http.StatusBadRequest
		}
		writeErr(w, code, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"type": parsed.DataType()})
}

func (s *Server) handleFault(w http.ResponseWriter, r *http.Request) {
	var f sim.Fault
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}
	switch f.Type {
	case sim.FaultChecksum, sim.FaultTimeout, sim.FaultDisconnect:
	default:
		writeErr(w, http.StatusBadRequest, fmt.Errorf("unknown fault type %q", f.Type))
		return
	}
	if err := s.engine.InjectFault(r.Context(), f); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sim.ErrNoClient) {
			code = http.StatusNotFound
		}
		writeErr(w, code, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"fault": f.Type})
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	// The body is optional: an empty POST records into the default directory.
	var req struct {
		Path string `json:"path,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}
	path, err := s.engine.StartRecording(r.Context(), req.Path)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sim.ErrRecording) {
			code = http.StatusConflict
		}
		writeErr(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	path, err := s.engine.StopRecording(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// respondStatus answers a successful mutation with the resulting engine
// state, so callers see what their request did without a second round trip.
func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, code int) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, code, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
