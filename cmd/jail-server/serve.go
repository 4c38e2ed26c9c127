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

	"github.com/spf13/cobra"

	"github.com/MRamiBalles/devjails/internal/api"
	"github.com/MRamiBalles/devjails/internal/bail"
	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/economy"
	"github.com/MRamiBalles/devjails/internal/engine"
	"github.com/MRamiBalles/devjails/internal/events"
	"github.com/MRamiBalles/devjails/internal/infra/storage"
	"github.com/MRamiBalles/devjails/internal/jails"
	"github.com/MRamiBalles/devjails/internal/network"
	"github.com/MRamiBalles/devjails/internal/platform/clock"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
	"github.com/MRamiBalles/devjails/internal/platform/optimization"
	"github.com/MRamiBalles/devjails/internal/prisoners"
	"github.com/MRamiBalles/devjails/internal/world"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the jail server (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	tuning := optimization.Profile(cfg.Tuning.Profile)
	m := metrics.Get()

	log.Info("Initializing storage...", "backend", cfg.Storage.Backend)
	gw, err := storage.Open(cfg.Storage, tuning, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if cerr := gw.Close(); cerr != nil {
			log.Error("Failed to close storage", "error", cerr)
		}
	}()

	var persister events.EventPersister
	if cfg.Audit.Enabled {
		audit := events.NewAuditWriter(cfg.Audit.Dir, "devjails")
		defer func() {
			if cerr := audit.Close(); cerr != nil {
				log.Error("Failed to close audit log", "error", cerr)
			}
		}()
		persister = audit
	}
	eventLog := events.NewEventLog(persister)
	eventLog.SetLogger(log.With("component", "events"))
	// Runs before the audit writer closes, so queued events are flushed.
	defer eventLog.Close()
	bus := events.NewBus(eventLog)

	regions := world.NewStaticRegions(cfg.World.ExternalEnabled)
	for _, er := range cfg.World.ExternalRegions {
		regions.Define(er.Name, er.World, region.New(er.Min, er.Max))
	}
	host := world.NewMemory(cfg.World.DefaultWorld, cfg.World.Spawns)
	ledger := economy.NewLedger()
	if err := ledger.Seed(cfg.Economy.Accounts); err != nil {
		return fmt.Errorf("seed economy: %w", err)
	}

	log.Info("Bootstrapping engine subsystems...", "profile", cfg.Tuning.Profile)
	loop := engine.NewLoop(tuning.LoopQueueBuffer, m, log)
	hub := network.NewHub(tuning.BroadcastChannelBuffer, tuning.ClientSendBuffer, m, log)

	jailReg := jails.NewRegistry(gw, regions, bus, log)
	prisonerReg := prisoners.NewRegistry(prisoners.Deps{
		Store:   gw,
		Jails:   jailReg,
		World:   host,
		Loop:    loop,
		Bus:     bus,
		Clock:   clock.Real{},
		Metrics: m,
		Log:     log,
	}, prisoners.Options{
		DefaultWorld:      cfg.World.DefaultWorld,
		ReleasePoint:      cfg.Release.Spawn,
		PersistOnlineTime: cfg.PersistOnlineTime,
		RestrainOnAdmit:   cfg.Restraints.OnAdmit,
	})

	escape := engine.NewEscapeSystem(cfg.Escape, engine.EscapeDeps{
		Jails:       jailReg,
		Prisoners:   prisonerReg,
		World:       host,
		Commands:    host,
		Economy:     ledger,
		Loop:        loop,
		Bus:         bus,
		Broadcaster: hub,
		Clock:       clock.Real{},
		Metrics:     m,
		Logger:      log,
	})
	expiration := engine.NewExpirationSystem(prisonerReg, cfg.Expiration.SweepPeriod.Std(), tuning.SweepWorkers, m, log)
	eng := engine.NewEngine(loop, escape, expiration, prisonerReg, jailReg, host, bus, log)
	eng.UseRestrictions(engine.NewRestrictionSystem(cfg.Restrictions, prisonerReg, host, clock.Real{}, m))
	bailSvc := bail.NewService(cfg.Bail, prisonerReg, ledger, bus, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	eng.Start(ctx)
	go hub.Run(ctx)
	hub.StartEventPoller(ctx, eventLog, network.DefaultPollInterval)

	handler := api.NewHandler(api.HandlerDeps{
		Engine:  eng,
		Bail:    bailSvc,
		Hub:     hub,
		Store:   gw,
		Effects: host,
		Economy: ledger,
		Log:     log,
	})
	handler.DefaultTempDuration = cfg.Jail.DefaultTempDuration.Std()
	srv := &http.Server{
		Addr:        cfg.Server.Listen,
		Handler:     api.NewRouter(handler),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP API & WS server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		eng.Stop()
		return fmt.Errorf("http server: %w", err)
	}
	stop()

	log.Info("Shutting down gracefully...")
	eng.Stop()

	timeout := cfg.Server.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := loop.Flush(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("World loop did not drain", "error", err)
	}

	log.Info("Server stopped")
	return nil
}
