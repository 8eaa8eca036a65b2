package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"swapmesh/internal/adapter/discovery"
	"swapmesh/internal/adapter/gateway"
	"swapmesh/internal/adapter/mcpserver"
	"swapmesh/internal/infra/config"
	"swapmesh/internal/infra/logger"
	"swapmesh/internal/infra/metrics"
	"swapmesh/internal/infra/tracer"
	"swapmesh/internal/usecase/eventbus"
	"swapmesh/internal/usecase/multiagent"
)

const version = "0.4.0"

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "--version", "version":
			fmt.Println("swapmesh", version)
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var err error
	switch os.Args[1] {
	case "mcp":
		err = runMCP()
	case "doctor":
		err = runDoctor()
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "discover":
		err = runDiscover()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'swapmesh --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`swapmesh - multi-agent consensus for cross-chain swap routes

USAGE:
    swapmesh [COMMAND] [FLAGS]

COMMANDS:
    mcp         Serve the coordinator as MCP tools over stdio
    doctor      Check config, chain RPC and gateway address
    encrypt     Encrypt a secret for use as an enc: config value
    discover    List meshes advertising on the local network (mdns builds)
    version     Print the version

    (no command) - Run the agent mesh and the ops gateway

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (or SWAPMESH_CONFIG)
    Environment: SWAPMESH_* variables override config
    Secrets:     SWAPMESH_CONFIG_KEY decrypts enc: values

EXAMPLES:
    swapmesh                                  # Run with config.yaml
    swapmesh --config /etc/swapmesh.yaml      # Run with a custom config
    SWAPMESH_CONFIG_KEY=... swapmesh encrypt https://rpc.example/key
    swapmesh doctor`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("SWAPMESH_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// recorderFor avoids handing the coordinator a typed nil.
func recorderFor(rec *metrics.Recorder) multiagent.Recorder {
	if rec == nil {
		return nil
	}
	return rec
}

func run() error {
	// 1. Config
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()
	if _, statErr := os.Stat(cfgPath); errors.Is(statErr, os.ErrNotExist) {
		log.Warn("config file not found, running with defaults", "path", cfgPath)
	}

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Chain gas oracle
	oracle, closeOracle, err := initOracle(ctx, cfg.Chain, log)
	if err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	defer closeOracle()

	// 5. Metrics & mesh
	rec := initMetrics(cfg.Metrics)
	mesh, err := initMesh(ctx, cfg, oracle, bus, recorderFor(rec), log)
	if err != nil {
		return fmt.Errorf("mesh: %w", err)
	}

	// 6. Runtime (gateway, notifier, scheduler)
	runtime, runtimeCleanup, err := initRuntime(cfg, mesh, rec, bus, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	// 7. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := runtimeCleanup(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
		if err := mesh.Coordinator.Stop(shutdownCtx); err != nil {
			log.Error("coordinator stop error", "error", err)
		}
	}()

	// 8. Start
	if err := mesh.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	if runtime.Scheduler != nil {
		if err := runtime.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	if runtime.Gateway != nil {
		go func() {
			if err := runtime.Gateway.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
				cancel()
			}
		}()
		if cfg.Gateway.Advertise {
			go advertise(ctx, runtime.Gateway, cfg, mesh, log)
		}
	}

	health := mesh.Coordinator.GetSystemHealth()
	log.Info("swapmesh started",
		"version", version,
		"agents", health.TotalAgents,
		"active", health.ActiveAgents,
		"demo_mode", cfg.Consensus.DemoMode,
		"gateway", runtime.Gateway != nil,
		"notifiers", sinkNames(runtime.Notifiers),
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// advertise announces the gateway once it is listening.
func advertise(ctx context.Context, gw *gateway.Server, cfg *config.Config, mesh *MeshComponents, log *slog.Logger) {
	select {
	case <-gw.Ready():
	case <-ctx.Done():
		return
	}
	port, err := discovery.PortOf(gw.BoundAddr())
	if err != nil {
		log.Warn("mdns: cannot advertise gateway", "error", err)
		return
	}
	host, _ := os.Hostname()
	ann := discovery.Announcement{
		Instance:      cfg.MCP.Name + "-" + host,
		Port:          port,
		Version:       version,
		Agents:        len(mesh.Agents),
		TokenRequired: cfg.Gateway.Token != "",
	}
	if err := buildDiscoverer(log).Advertise(ctx, ann); err != nil {
		log.Warn("mdns advertise failed", "error", err)
	}
}

func runDiscover() error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	peers, err := buildDiscoverer(log).Scan(context.Background())
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("no meshes found (mDNS needs a binary built with -tags mdns)")
		return nil
	}
	for _, p := range peers {
		auth := "open"
		if p.TokenRequired {
			auth = "token"
		}
		fmt.Printf("%-32s %-22s agents=%d auth=%s version=%s\n", p.Instance, p.Address, p.Agents, auth, p.Version)
	}
	return nil
}

func sinkNames(sinks []alertSink) []string {
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	return names
}

// runMCP serves the mesh over stdio. Stdout carries the protocol, so logs
// always go to stderr.
func runMCP() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Logger.Output == "" || cfg.Logger.Output == "stdout" {
		cfg.Logger.Output = "stderr"
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.New(log)
	defer bus.Close()

	oracle, closeOracle, err := initOracle(ctx, cfg.Chain, log)
	if err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	defer closeOracle()

	mesh, err := initMesh(ctx, cfg, oracle, bus, nil, log)
	if err != nil {
		return fmt.Errorf("mesh: %w", err)
	}
	if err := mesh.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = mesh.Coordinator.Stop(stopCtx)
	}()

	srv, err := mcpserver.New(cfg.MCP.Name, version, mesh.Coordinator, log)
	if err != nil {
		return err
	}
	return srv.ServeStdio()
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: swapmesh encrypt <value>")
	}
	key := os.Getenv(config.EnvConfigKey)
	if key == "" {
		return fmt.Errorf("%s must be set", config.EnvConfigKey)
	}
	enc, err := config.EncryptValue(args[0], key)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
