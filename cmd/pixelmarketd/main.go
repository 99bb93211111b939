// pixelmarketd runs the pixel bounty marketplace: creators escrow pay for
// a pixel color, workers reserve the task, paint the canvas, and are paid
// once the canvas authority confirms the color.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/vinayprograms/pixelmarket/bus"
	"github.com/vinayprograms/pixelmarket/canvas"
	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/config"
	"github.com/vinayprograms/pixelmarket/credentials"
	"github.com/vinayprograms/pixelmarket/httpapi"
	"github.com/vinayprograms/pixelmarket/ledger"
	"github.com/vinayprograms/pixelmarket/logging"
	"github.com/vinayprograms/pixelmarket/market"
	"github.com/vinayprograms/pixelmarket/notify"
	"github.com/vinayprograms/pixelmarket/ratelimit"
	"github.com/vinayprograms/pixelmarket/scheduler"
	"github.com/vinayprograms/pixelmarket/shutdown"
	"github.com/vinayprograms/pixelmarket/state"
	"github.com/vinayprograms/pixelmarket/tasks"
	"github.com/vinayprograms/pixelmarket/telemetry"
	"github.com/vinayprograms/pixelmarket/verify"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, credentialsPath, listen, logLevel string

	flagSet := pflag.NewFlagSet("pixelmarketd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to pixelmarket.toml (default: built-in defaults)")
	flagSet.StringVar(&credentialsPath, "credentials", "", "path to credentials.toml (default: standard locations)")
	flagSet.StringVar(&listen, "listen", "", "HTTP listen address, overrides [http] listen")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error, overrides [log] level")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("pixelmarketd", version)
		return nil
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.HTTP.Listen = listen
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger := logging.New()
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	creds, credsPath, err := loadCredentials(credentialsPath)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	if credsPath != "" {
		logger.Info("credentials loaded", map[string]any{"path": credsPath})
	}

	ctx := context.Background()
	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout: cfg.HTTP.ShutdownTimeout.D(),
		Logger:  logger,
	})
	d, err := wire(ctx, cfg, creds, logger, coord)
	if err != nil {
		// Release whatever was opened before the failure.
		coord.ShutdownWithTimeout()
		return err
	}

	if err := d.svc.Start(ctx); err != nil {
		coord.ShutdownWithTimeout()
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	coord.Register("http", shutdown.PhaseFrontend, shutdown.Func(srv.Shutdown))
	coord.HandleSignals()

	logger.Info("listening", map[string]any{"addr": cfg.HTTP.Listen, "version": version})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			coord.ShutdownWithTimeout()
			return fmt.Errorf("http: %w", err)
		}
		<-coord.Done()
	case <-coord.Done():
	}

	if r := coord.Result(); r != nil && r.Failed() {
		return r.Err
	}
	return nil
}

func loadCredentials(path string) (*credentials.Credentials, string, error) {
	if path != "" {
		creds, err := credentials.LoadFile(path)
		return creds, path, err
	}
	return credentials.Load()
}

type daemon struct {
	svc     *market.Service
	handler http.Handler
}

// wire builds every component and registers its shutdown with coord.
func wire(ctx context.Context, cfg *config.Config, creds *credentials.Credentials, logger *logging.Logger, coord *shutdown.Coordinator) (*daemon, error) {
	clk := clock.Real()
	if cfg.Bus.NodeID == "" {
		cfg.Bus.NodeID = uuid.NewString()
	}

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRatio:    cfg.Telemetry.SampleRatio,
			InstanceID:     cfg.Bus.NodeID,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		tracer = provider.Tracer()
		telemetry.SetGlobalTracer(tracer)
		coord.Register("telemetry", shutdown.PhaseBackend+10, shutdown.Func(provider.Shutdown))
	}

	msgBus, natsBus, err := openBus(cfg.Bus)
	if err != nil {
		return nil, err
	}
	if msgBus != nil {
		coord.Register("bus", shutdown.PhaseBackend+10, shutdown.Closer(msgBus))
	}

	store, err := openStore(cfg.Store, natsBus)
	if err != nil {
		return nil, err
	}
	coord.Register("store", shutdown.PhaseBackend+10, shutdown.Closer(store))

	hub := httpapi.NewEventHub(httpapi.EventHubConfig{
		HeartbeatInterval: 30 * time.Second,
		Logger:            logger,
	})
	coord.Register("events", shutdown.PhaseFrontend, shutdown.Closer(hub))

	notifiers := notify.Fanout{hub}
	if cfg.Bus.PublishEvents {
		n := notify.NewBusNotifier(msgBus, cfg.Bus.EventBufferSize, logger)
		notifiers = append(notifiers, n)
		coord.Register("bus-events", shutdown.PhaseBackend, shutdown.Closer(n))
	}
	if cfg.Log.EventsFile != "" {
		n, err := notify.NewFileNotifier(cfg.Log.EventsFile, cfg.Bus.EventBufferSize, logger)
		if err != nil {
			return nil, fmt.Errorf("events file: %w", err)
		}
		notifiers = append(notifiers, n)
		coord.Register("file-events", shutdown.PhaseBackend, shutdown.Closer(n))
	}

	l := ledger.New(store, ledger.WithClock(clk), ledger.WithLogger(logger))
	mgr := tasks.NewManager(store, l,
		tasks.WithClock(clk),
		tasks.WithLogger(logger),
		tasks.WithTracer(tracer),
		tasks.WithNotifier(notifiers),
		tasks.WithReservationWindow(cfg.Market.ReservationWindow.D()),
	)
	sched := scheduler.New(clk, mgr.Expire, scheduler.WithLogger(logger))
	mgr.UseTimers(sched)
	coord.Register("tasks", shutdown.PhaseTimers, shutdown.Closer(mgr))
	coord.Register("scheduler", shutdown.PhaseTimers, shutdown.Closer(sched))

	authority, err := canvas.NewHTTPAuthority(canvas.HTTPConfig{
		BaseURL: cfg.Canvas.BaseURL,
		Token:   creds.CanvasToken(),
		Timeout: cfg.Canvas.Timeout.D(),
		Logger:  logger,
		Tracer:  tracer,
	})
	if err != nil {
		return nil, err
	}

	gate := ratelimit.NewGate(ratelimit.GateConfig{
		MinInterval: cfg.Canvas.MinInterval.D(),
		Clock:       clk,
		Logger:      logger,
	})
	var limiter ratelimit.Limiter = gate
	if cfg.Bus.ShareCooldowns {
		dg, err := ratelimit.NewDistributedGate(gate, ratelimit.DistributedConfig{
			Bus:    msgBus,
			NodeID: cfg.Bus.NodeID,
			Logger: logger,
		})
		if err != nil {
			gate.Close()
			return nil, fmt.Errorf("shared cooldowns: %w", err)
		}
		limiter = dg
	}
	coord.Register("gate", shutdown.PhaseTimers, shutdown.Closer(limiter))

	verifier := verify.New(mgr, authority, limiter, verify.Config{
		MaxAttempts:  cfg.Verify.MaxAttempts,
		RetryBackoff: cfg.Verify.RetryBackoff.D(),
		Clock:        clk,
		Logger:       logger,
		Tracer:       tracer,
	})

	svc := market.New(market.Deps{
		Ledger:    l,
		Tasks:     mgr,
		Scheduler: sched,
		Verifier:  verifier,
		Sizes:     canvas.NewSizeCache(ratelimit.Guard(authority, limiter), cfg.Canvas.SizeTTL.D(), clk, logger),
	}, market.Config{
		MinimumPay:      cfg.Market.MinimumPay,
		ListingLimit:    cfg.Market.ListingLimit,
		TokenMaxLength:  cfg.Market.TokenMaxLength,
		PrivilegedToken: creds.PrivilegedToken(),
		PrivilegedSeed:  cfg.Market.PrivilegedSeed,
		Clock:           clk,
		Logger:          logger,
		Notifier:        notifiers,
	})
	if creds.PrivilegedToken() == "" {
		logger.Warn("no privileged token configured; balance adjustments are disabled", nil)
	}

	api := httpapi.New(svc, httpapi.Config{Logger: logger, Events: hub})
	return &daemon{svc: svc, handler: api.Handler()}, nil
}

// openBus returns the configured bus, or nil for "none". The second
// result is set when the bus is NATS so the store can share its
// connection.
func openBus(cfg config.BusConfig) (bus.MessageBus, *bus.NATSBus, error) {
	switch cfg.Backend {
	case "memory":
		return bus.NewMemoryBus(bus.DefaultConfig()), nil, nil
	case "nats":
		natsCfg := bus.DefaultNATSConfig()
		if cfg.URL != "" {
			natsCfg.URL = cfg.URL
		}
		b, err := bus.NewNATSBus(natsCfg)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	default:
		return nil, nil, nil
	}
}

func openStore(cfg config.StoreConfig, natsBus *bus.NATSBus) (state.StateStore, error) {
	switch cfg.Backend {
	case "sqlite":
		return state.NewSQLiteStore(state.SQLiteStoreConfig{Path: cfg.Path})
	case "nats":
		if natsBus == nil {
			return nil, fmt.Errorf("nats store requires the nats bus")
		}
		natsCfg := state.DefaultNATSStoreConfig()
		natsCfg.Conn = natsBus.Conn()
		if cfg.Bucket != "" {
			natsCfg.Bucket = cfg.Bucket
		}
		return state.NewNATSStore(natsCfg)
	default:
		return state.NewMemoryStore(), nil
	}
}
