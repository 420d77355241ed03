// Detonator - four-player bomber arena server.
//
// Detonator admits exactly four players over TCP, collects their game
// actions over UDP, and multicasts board snapshots and deltas to the
// match group. An admin API, a spectator stream, a match journal and
// MQTT telemetry hang off the internal event bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/api"
	"github.com/detonator-project/detonator/internal/cli"
	"github.com/detonator-project/detonator/internal/config"
	"github.com/detonator-project/detonator/internal/db"
	"github.com/detonator-project/detonator/internal/engine"
	"github.com/detonator-project/detonator/internal/events"
	"github.com/detonator-project/detonator/internal/health"
	"github.com/detonator-project/detonator/internal/match"
	"github.com/detonator-project/detonator/internal/network"
	"github.com/detonator-project/detonator/internal/scheduler"
	"github.com/detonator-project/detonator/internal/telemetry"
	"github.com/detonator-project/detonator/internal/util"
)

const (
	AppName    = "Detonator"
	AppVersion = "1.0.0"
	Banner     = `
  ____       _                    _
 |  _ \  ___| |_ ___  _ __   __ _| |_ ___  _ __
 | | | |/ _ \ __/ _ \| '_ \ / _' | __/ _ \| '__|
 | |_| |  __/ || (_) | | | | (_| | || (_) | |
 |____/ \___|\__\___/|_| |_|\__,_|\__\___/|_|
                                         v%s
 Four-player arena server
`
)

func main() {
	port := flag.Int("p", -1, "TCP handshake port (default: random)")
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults until the config is loaded
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Detonator")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *port >= 0 {
		srv := cfg.GetServer()
		srv.TCPPort = *port
		cfg.SetServer(srv)
	}

	appData := cfg.GetApplicationData()
	logCfg := util.LogConfig{
		Level:      appData.Logging.Level,
		Directory:  appData.Logging.Directory,
		MaxBackups: appData.Logging.MaxBackups,
		Console:    appData.Logging.Console,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	srv := cfg.GetServer()
	mode := srv.Mode()

	// Sockets are bound before admission so ConnectionInfo can carry them.
	actionConn, err := network.ListenUDP(ctx, srv.BindAddress, srv.PortAttempts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind action socket")
	}
	ingest := network.NewActionListener(actionConn, mode)

	multicaster, err := network.NewMulticaster(network.MulticastConfig{Interface: srv.MulticastInterface})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open multicast socket")
	}

	arena := engine.NewArena(engine.ArenaConfig{Seed: srv.Seed})
	broadcaster := scheduler.NewBroadcaster(arena, multicaster, eventBus, srv.SnapshotInterval(), srv.DeltaInterval())

	mgr := match.NewManager(match.ManagerConfig{
		Mode: mode,
		Dims: engine.Dimensions{
			Height: uint8(srv.BoardHeight),
			Width:  uint8(srv.BoardWidth),
		},
		ActionPort:    ingest.Port(),
		MulticastAddr: net.JoinHostPort(multicaster.Group().String(), strconv.Itoa(int(multicaster.Port()))),
	}, arena, eventBus, ingest, broadcaster.SnapshotLoop(), broadcaster.DeltaLoop())

	registry := network.NewConnectionRegistry()
	admission := network.NewAdmission(network.AdmissionConfig{
		Mode:           mode,
		BindAddress:    srv.BindAddress,
		Port:           srv.TCPPort,
		PortAttempts:   srv.PortAttempts,
		ActionPort:     ingest.Port(),
		MulticastPort:  multicaster.Port(),
		MulticastGroup: multicaster.Group(),
	}, mgr, eventBus, registry)
	if err := admission.Listen(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bind handshake port")
	}

	log.Info().
		Str("mode", mode.String()).
		Str("handshake", admission.Addr().String()).
		Uint16("action_port", ingest.Port()).
		Str("multicast", multicaster.Group().String()).
		Uint16("multicast_port", multicaster.Port()).
		Msg("sockets bound, waiting for players")

	var journal *db.Journal
	if appData.Journal.Enabled {
		journal, err = db.NewJournal(appData.Journal.Path, appData.Journal.SnapshotEvery)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open match journal, journaling disabled")
		} else {
			journal.Attach(eventBus)
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(appData.MQTT, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	healthMgr := health.NewManager(appData.Health, eventBus, mgr, admission)

	var apiServer *api.Server
	if appData.API.Enabled {
		apiServer = api.NewServer(cfg, eventBus, mgr, registry)
		apiServer.SetDependencies(healthMgr, admission)
		if journal != nil {
			apiServer.SetJournal(journal)
		}
	}

	cliHandler := cli.NewCLI(eventBus, mgr, registry, multicaster, os.Stdin, os.Stdout)

	// CLI quit arrives as a shutdown event
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, event events.Event) error {
		select {
		case quitCh <- struct{}{}:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting handshake listener")
		if err := admission.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("handshake listener: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", appData.API.Port).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting health check manager")
		healthMgr.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// The CLI blocks on stdin, so it is not waited for.
	go func() {
		log.Info().Msg("starting interactive CLI")
		cliHandler.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from CLI")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
		exitCode = 1
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	if err := eventBus.EmitSync(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	}); err != nil {
		log.Warn().Err(err).Msg("shutdown handlers reported errors")
	}

	registry.CloseAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		mgr.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	if err := multicaster.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close multicast socket")
	}
	actionConn.Close()

	eventBus.Stop()

	if mqttHandler != nil {
		mqttHandler.PublishShutdown()
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close match journal")
		}
	}

	log.Info().Msg("Detonator stopped")
	os.Exit(exitCode)
}
