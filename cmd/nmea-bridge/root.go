package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nmea-bridge/internal/admin"
	"nmea-bridge/internal/command"
	"nmea-bridge/internal/config"
	"nmea-bridge/internal/logging"
	"nmea-bridge/internal/scenario"
	"nmea-bridge/internal/server"
	"nmea-bridge/internal/sim"
	"nmea-bridge/internal/tui"
)

var (
	flagLive      string
	flagFile      string
	flagScenario  string
	flagRate      float64
	flagSpeed     float64
	flagLoop      bool
	flagConfig    string
	flagTCPAddr   string
	flagWSAddr    string
	flagAPIAddr   string
	flagProto     string
	flagTick      time.Duration
	flagSeed      int64
	flagRecord    string
	flagTUI       bool
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "nmea-bridge",
	Short: "Multi-protocol marine instrument simulator",
	Long: "nmea-bridge serves simulated NMEA 0183 and NMEA 2000 instrument data\n" +
		"over TCP and WebSocket, replays recorded sessions, bridges live feeds\n" +
		"and exposes a REST control plane for test harnesses.",
	SilenceUsage: true,
	RunE:         run,
}

// Execute runs the root command and maps fatal errors to the documented exit
// codes: 2 when a listener cannot bind, 1 for everything else.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, server.ErrBind) {
		return 2
	}
	return 1
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagLive, "live", "", "Bridge a live upstream feed at host:port")
	f.StringVar(&flagFile, "file", "", "Replay a recorded session file")
	f.StringVar(&flagScenario, "scenario", "", "Run a built-in scenario or a scenario YAML file")
	f.Float64Var(&flagRate, "rate", 1.0, "Playback speed multiplier for --file")
	f.Float64Var(&flagSpeed, "speed", 1.0, "Virtual clock speed multiplier for --scenario")
	f.BoolVar(&flagLoop, "loop", false, "Restart the source when it ends")
	f.StringVar(&flagConfig, "config", "", "Path to bridge configuration YAML")
	f.StringVar(&flagTCPAddr, "tcp-addr", "", "TCP data listen address (overrides config)")
	f.StringVar(&flagWSAddr, "ws-addr", "", "WebSocket data listen address (overrides config)")
	f.StringVar(&flagAPIAddr, "api-addr", "", "Control API listen address (overrides config)")
	f.StringVar(&flagProto, "proto", "", "Wire protocol: 0183, 2000 or both (overrides config)")
	f.DurationVar(&flagTick, "tick", 0, "Generation interval, e.g. 500ms (overrides config)")
	f.Int64Var(&flagSeed, "seed", 0, "Deterministic seed (overrides config)")
	f.StringVar(&flagRecord, "record", "", "Record the broadcast to this session file from startup")
	f.BoolVar(&flagTUI, "tui", false, "Show the interactive console")
	f.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")
	f.StringVar(&flagLogFormat, "log-format", "", "Log format: console or json (overrides config)")
}

// overlay applies explicitly set flags on top of the file configuration.
func overlay(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("tcp-addr") {
		cfg.TCPAddr = flagTCPAddr
	}
	if set("ws-addr") {
		cfg.WSAddr = flagWSAddr
	}
	if set("api-addr") {
		cfg.APIAddr = flagAPIAddr
	}
	if set("proto") {
		cfg.Proto = flagProto
	}
	if set("tick") {
		cfg.TickMS = int(flagTick.Milliseconds())
	}
	if set("seed") {
		cfg.Seed = flagSeed
	}
	if set("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if set("log-format") {
		cfg.LogFormat = flagLogFormat
	}
}

// sourceStarter attaches the selected run mode once the engine is up.
type sourceStarter func(ctx context.Context, engine *sim.Engine) error

// resolveSource validates the run mode before any port is bound, so a typoed
// scenario name or an unreachable upstream fails fast without a half-started
// bridge.
func resolveSource(cfg config.Config) (sourceStarter, error) {
	switch {
	case flagScenario != "":
		def, err := scenario.Resolve(flagScenario, cfg.ScenarioDir)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, engine *sim.Engine) error {
			return engine.LoadScenario(ctx, def, flagLoop, flagSpeed)
		}, nil
	case flagFile != "":
		sess, err := sim.LoadSession(flagFile)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, engine *sim.Engine) error {
			return engine.PlaySession(ctx, sess, flagFile, flagRate, flagLoop)
		}, nil
	case flagLive != "":
		conn, err := net.Dial("tcp", flagLive)
		if err != nil {
			return nil, fmt.Errorf("dial upstream %s: %w", flagLive, err)
		}
		return func(ctx context.Context, engine *sim.Engine) error {
			return engine.AttachLive(ctx, conn, flagLive)
		}, nil
	}
	// No mode flag: start idle and wait for the control API.
	return nil, nil
}

func run(cmd *cobra.Command, args []string) error {
	modes := 0
	for _, name := range []string{"live", "file", "scenario"} {
		if cmd.Flags().Changed(name) {
			modes++
		}
	}
	if modes > 1 {
		return errors.New("--live, --file and --scenario are mutually exclusive")
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	overlay(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	source, err := resolveSource(cfg)
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if flagTUI {
		// The console owns the terminal; keep zap off it.
		log = logging.Nop()
	}
	defer log.Sync()

	hub := server.NewHub(cfg.QueueSize, log)
	engine := sim.NewEngine(cfg, hub, log)
	cmds := command.NewChannel(engine, log)

	tcpSrv := server.NewTCPServer(cfg.TCPAddr, hub, cmds, log)
	wsSrv := server.NewWSServer(cfg.WSAddr, hub, cmds, log)
	apiSrv := admin.NewServer(cfg.APIAddr, engine, hub, log)
	for _, listen := range []func() error{tcpSrv.Listen, wsSrv.Listen, apiSrv.Listen} {
		if err := listen(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error {
		return server.NewManager(log, tcpSrv, wsSrv, apiSrv).Start(ctx)
	})

	fail := func(err error) error {
		stop()
		_ = g.Wait()
		return err
	}
	if source != nil {
		if err := source(ctx, engine); err != nil {
			return fail(err)
		}
	}
	if flagRecord != "" {
		path, err := engine.StartRecording(ctx, flagRecord)
		if err != nil {
			return fail(err)
		}
		log.Infow("recording session", "path", path)
	}

	if flagTUI {
		console := tui.NewMonitor(engine, hub)
		defer console.Close()
	}

	return g.Wait()
}
