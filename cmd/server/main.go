// Package main is the entry point for the upsguard server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jamesprial/upsguard/internal/auth"
	"github.com/jamesprial/upsguard/internal/config"
	"github.com/jamesprial/upsguard/internal/discovery"
	"github.com/jamesprial/upsguard/internal/events"
	"github.com/jamesprial/upsguard/internal/history"
	"github.com/jamesprial/upsguard/internal/hostctl"
	"github.com/jamesprial/upsguard/internal/logging"
	"github.com/jamesprial/upsguard/internal/nut"
	"github.com/jamesprial/upsguard/internal/safety"
	"github.com/jamesprial/upsguard/internal/shutdown"
	"github.com/jamesprial/upsguard/internal/tools"
	"github.com/jamesprial/upsguard/internal/ups"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	version        = "1.0.0"
	journalSize    = 200
	stopTimeout    = 15 * time.Second
	connectTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "upsguard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loadErr := config.LoadConfig(config.Path())
	if loadErr != nil {
		cfg = config.DefaultConfig()
	}
	if err := applyOverrides(cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	if loadErr != nil {
		log.Warn().Err(loadErr).Str("path", config.Path()).Msg("could not load config, using defaults")
	} else {
		log.Info().Str("path", config.Path()).Msg("loaded config")
	}

	tokenBefore := cfg.Server.AuthToken
	token, err := config.EnsureAuthToken(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("could not generate auth token, running without authentication")
	} else if tokenBefore == "" {
		log.Info().Str("token", token).Msg("generated auth token (set UPSGUARD_AUTH_TOKEN to persist)")
	}

	var audit *safety.AuditLogger
	if cfg.Audit.Enabled {
		a, closer, err := safety.OpenAuditFile(cfg.Audit.LogPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Audit.LogPath).Msg("audit logging disabled")
		} else {
			audit = a
			defer closer.Close()
		}
	}

	store, err := history.OpenSQLite(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close history store")
		}
	}()

	journal := events.NewJournal(journalSize)
	sinks := []events.Sink{events.NewLogSink(log), journal}
	if cfg.MQTT.Enabled {
		mq, err := events.ConnectMQTT(events.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("mqtt publishing disabled")
		} else {
			go mq.Run(ctx)
			defer mq.Close()
			sinks = append(sinks, mq)
		}
	}
	bus := events.NewBus(sinks...)

	host, closeHost := hostController(cfg, log)
	defer closeHost()

	action, err := hostctl.ParseAction(cfg.Shutdown.Action)
	if err != nil {
		return fmt.Errorf("shutdown action: %w", err)
	}
	monitor := shutdown.NewMonitor(shutdown.Policy{
		Enabled:          cfg.Shutdown.Enabled,
		BatteryThreshold: cfg.Shutdown.BatteryThreshold,
		RuntimeThreshold: cfg.Shutdown.RuntimeThreshold,
		Countdown:        cfg.Shutdown.Countdown.D(),
		Action:           action,
		Delay:            cfg.Shutdown.Delay.D(),
	}, host, bus, log,
		shutdown.WithAudit(audit),
		shutdown.WithActionTimeout(cfg.Shutdown.HostTimeout.D()),
	)

	recorder := history.NewLogger(store, history.DefaultSamplingPolicy(), log)
	publisher := events.NewPublisher(bus)

	watchdog := ups.NewWatchdog(ups.Config{
		Device:       cfg.NUT.UPSName,
		Interval:     cfg.NUT.PollInterval.D(),
		FetchTimeout: cfg.NUT.FetchTimeout.D(),
	}, ups.NUTDialer(nut.Options{
		DialTimeout: cfg.NUT.DialTimeout.D(),
		ReadGuard:   cfg.NUT.ReadGuard.D(),
	}), log, monitor, recorder, publisher)

	target := nut.Target{
		Host:     cfg.NUT.Host,
		Port:     cfg.NUT.Port,
		Username: cfg.NUT.Username,
		Password: cfg.NUT.Password,
	}
	connectCtx, cancelConnect := context.WithTimeout(ctx, connectTimeout)
	if err := watchdog.Connect(connectCtx, target, cfg.NUT.UPSName); err != nil {
		log.Warn().Err(err).Str("server", target.Address()).Msg("initial connect failed, use ups_connect to retry")
	}
	cancelConnect()

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		watchdog.Run(ctx)
	}()
	pruneDone := history.SchedulePrune(ctx, store, cfg.History.RetentionDays, cfg.History.PruneDelay.D(), log)

	registrations := buildTools(cfg, watchdog, monitor, store, journal, audit)
	mcpServer := server.NewMCPServer("upsguard", version, server.WithToolCapabilities(false))
	tools.RegisterAll(mcpServer, registrations)
	log.Info().Strs("tools", tools.Names(registrations)).Msg("registered tools")

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           auth.NewAuthMiddleware(cfg.Server.AuthToken, log)(server.NewStreamableHTTPServer(mcpServer)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("upsguard listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		log.Error().Err(err).Msg("http server failed")
		stop()
	}

	<-pollDone
	<-pruneDone
	monitor.Wait()
	watchdog.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}

// applyOverrides layers an optional .env file and UPSGUARD_* variables over
// the file config.
func applyOverrides(cfg *config.Config) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	return config.ApplyEnvOverrides(cfg)
}

// hostController builds the controller named by cfg.Host.Controller. The
// returned func releases any hypervisor connection.
func hostController(cfg *config.Config, log zerolog.Logger) (hostctl.Controller, func()) {
	noClose := func() {}
	switch cfg.Host.Controller {
	case "none":
		return hostctl.NewNoop(log), noClose
	case "libvirt":
		commands := hostctl.NewCommandController(hostctl.ExecRunner, log)
		hv, err := hostctl.DialLibvirt(cfg.Paths.LibvirtSocket)
		if err != nil {
			log.Warn().Err(err).Msg("libvirt unavailable, guests will not be secured before host actions")
			return commands, noClose
		}
		return hostctl.NewGuestController(hv, commands, cfg.Host.GuestTimeout.D(), log), func() {
			if err := hv.Close(); err != nil {
				log.Warn().Err(err).Msg("close libvirt connection")
			}
		}
	default:
		return hostctl.NewCommandController(hostctl.ExecRunner, log), noClose
	}
}

func buildTools(
	cfg *config.Config,
	watchdog *ups.Watchdog,
	monitor *shutdown.Monitor,
	store history.Store,
	journal *events.Journal,
	audit *safety.AuditLogger,
) []tools.Registration {
	confirm := safety.NewConfirmationTracker(history.DestructiveTools)

	var limiter *rate.Limiter
	if n := cfg.Rate.CommandsPerMinute; n > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}

	var regs []tools.Registration
	regs = append(regs, ups.UPSTools(watchdog, ups.ToolDeps{
		Filter:  safety.NewFilter(cfg.Safety.Commands.Allowlist, cfg.Safety.Commands.Denylist),
		Confirm: confirm,
		Audit:   audit,
		Limiter: limiter,
	})...)
	regs = append(regs, shutdown.ShutdownTools(monitor, hostctl.Describe, audit)...)
	regs = append(regs, history.HistoryTools(store, confirm, audit)...)
	regs = append(regs, events.EventTools(journal, audit)...)
	regs = append(regs, discovery.DiscoveryTools(discovery.Options{
		Port:         cfg.NUT.Port,
		ProbeTimeout: cfg.Discovery.ProbeTimeout.D(),
		Concurrency:  cfg.Discovery.Concurrency,
	}, audit)...)
	return regs
}
