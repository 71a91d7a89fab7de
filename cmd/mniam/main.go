// mniam - headless game host
//
// mniam accepts player connections over TCP, runs request/response
// transactions against them, exposes a REST API for remote management and
// publishes client telemetry via MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lkrzak/mniam-headless/internal/api"
	"github.com/lkrzak/mniam-headless/internal/cli"
	"github.com/lkrzak/mniam-headless/internal/config"
	"github.com/lkrzak/mniam-headless/internal/db"
	"github.com/lkrzak/mniam-headless/internal/events"
	"github.com/lkrzak/mniam-headless/internal/health"
	"github.com/lkrzak/mniam-headless/internal/network"
	"github.com/lkrzak/mniam-headless/internal/scheduler"
	"github.com/lkrzak/mniam-headless/internal/telemetry"
	"github.com/lkrzak/mniam-headless/internal/util"
)

const (
	AppName    = "mniam"
	AppVersion = api.Version

	shutdownGrace = 30 * time.Second
	bindAttempts  = 6
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	noCLI := flag.Bool("no-cli", false, "disable the interactive console and the setup wizard")
	flag.Parse()

	fmt.Printf("%s v%s - headless game host\n\n", AppName, AppVersion)

	if err := run(*configDir, !*noCLI); err != nil {
		log.Error().Err(err).Msg("mniam exited with error")
		os.Exit(1)
	}
}

func run(configDir string, interactive bool) error {
	runID := uuid.NewString()

	// Console-only logging until the config names a log directory.
	boot := util.DefaultLogConfig()
	boot.RunID = runID
	if _, err := util.InitLogger(boot); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log.Info().
		Str("version", AppVersion).
		Str("run_id", runID).
		Str("platform", runtime.GOOS+"/"+runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting mniam")

	cfg, err := loadConfig(configDir, interactive, runID)
	if err != nil {
		return err
	}
	appData := cfg.GetApplicationData()
	serverCfg := cfg.GetServer()

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		log.Info().Msg("shutdown requested")
		cancel()
		return nil
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gameServer := network.NewServer(network.ServerOptions{
		ListenAddress:  serverCfg.ListenAddress,
		Port:           serverCfg.Port,
		ClientLimit:    serverCfg.ClientLimit,
		ReadTimeout:    serverCfg.ReadTimeout(),
		WriteTimeout:   serverCfg.WriteTimeout(),
		RTTWindow:      serverCfg.RTTWindow,
		StartRejecting: !serverCfg.AcceptOnStart,
	}, eventBus, network.NewMetrics(registry))

	var sessions *db.SessionStore
	if appData.Database.Enabled {
		if sessions, err = db.NewSessionStore(appData.Database.Path, runID); err != nil {
			log.Warn().Err(err).Msg("session store unavailable, history disabled")
		} else {
			sessions.Subscribe(eventBus)
		}
	}

	var alerts scheduler.AlertStore
	if sessions != nil {
		alerts = sessions
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := retryBind(gctx, "game server", gameServer.Listen); err != nil {
			return fmt.Errorf("game server: %w", err)
		}
		return gameServer.Serve(gctx)
	})

	if appData.API.Enabled {
		apiServer := api.NewServer(cfg, eventBus, gameServer, sessions, registry, runID)
		g.Go(func() error {
			if err := retryBind(gctx, "API server", apiServer.Start); err != nil && gctx.Err() == nil {
				log.Warn().Err(err).Msg("REST API unavailable, continuing without it")
			}
			return nil
		})
	}

	if appData.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(appData.MQTT, eventBus, runID)
		if err != nil {
			log.Warn().Err(err).Msg("MQTT telemetry unavailable")
		} else {
			g.Go(func() error {
				if err := mqttHandler.Start(gctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry stopped")
				}
				return nil
			})
		}
	}

	healthMgr := health.NewManager(cfg, eventBus, gameServer, ".")
	g.Go(func() error {
		healthMgr.Start(gctx)
		return nil
	})

	sched := scheduler.NewScheduler(cfg, alerts)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	if interactive {
		console := cli.NewCLI(cfg, eventBus, gameServer, sessions, os.Stdin, os.Stdout)
		// Outside the group: a stdin read cannot be interrupted.
		go console.Start(gctx)
	}

	<-gctx.Done()
	log.Info().Msg("shutting down")
	cancel()
	if err := gameServer.Close(); err != nil {
		log.Warn().Err(err).Msg("game server close failed")
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-time.After(shutdownGrace):
		log.Warn().Dur("grace", shutdownGrace).Msg("services did not stop in time")
	}

	// The bus drains before the store closes so queued session writes land.
	eventBus.Stop()
	if sessions != nil {
		sessions.Close()
	}

	log.Info().Msg("mniam stopped")
	return runErr
}

// loadConfig loads and validates the configuration, running the setup wizard
// on first start when a console is attached. It then switches logging to
// the configured file.
func loadConfig(dir string, interactive bool, runID string) (*config.Config, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if cfg.IsFirstRun() && interactive {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			return nil, fmt.Errorf("setup wizard: %w", err)
		}
	}

	logging := cfg.GetApplicationData().Logging
	logPath, err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		Console:    true,
		RunID:      runID,
	})
	if err != nil {
		log.Warn().Err(err).Msg("keeping console logging")
	} else {
		log.Info().Str("file", logPath).Msg("logging to file")
	}

	result := config.Validate(cfg)
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	for _, e := range result.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	host := util.GetSystemInfo()
	log.Info().
		Str("hostname", host.Hostname).
		Str("cpu", host.CPUModel).
		Int("cores", host.CPUCores).
		Uint64("memory_mb", host.TotalMemory).
		Msg("host")
	return cfg, nil
}

// retryBind calls bind until it succeeds, ctx ends or bindAttempts are used
// up. The wait between attempts doubles from one second.
func retryBind(ctx context.Context, name string, bind func(context.Context) error) error {
	wait := time.Second
	var err error
	for attempt := 1; attempt <= bindAttempts; attempt++ {
		if err = bind(ctx); err == nil || ctx.Err() != nil {
			return err
		}
		if attempt == bindAttempts {
			break
		}
		log.Warn().Err(err).
			Str("component", name).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("bind failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
