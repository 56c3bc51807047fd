package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/discord"
	"github.com/nextlevelbuilder/clawgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/coordinator"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/models"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/telemetry"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (channels, coordinator, cron, RPC server)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry init failed, continuing without export", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTelemetry(shutdownCtx)
		}()
	}

	msgBus := bus.New()

	catalog, err := models.NewFileCatalog(cfg.ModelCatalogPath()).LoadCatalog(ctx)
	if err != nil {
		slog.Warn("model catalog load failed, using builtin snapshot", "error", err)
		catalog = models.DefaultCatalog()
	}
	selector := models.NewSelector(cfg.ToModelConfig(), catalog)

	store, err := sessions.NewStore(cfg.SessionsDir(), cfg.Sessions.MainKey, selector)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}

	engine := agent.NewCLIEngine("")
	coord := coordinator.New(store, selector, engine, &busDeliverer{bus: msgBus}, coordinator.Options{
		QueueMode:    coordinator.QueueMode(cfg.Sessions.QueueMode),
		BlockTimeout: time.Duration(cfg.Sessions.BlockTimeoutMs) * time.Millisecond,
	})

	cronStore, err := cron.NewStore(cfg.CronStorePath())
	if err != nil {
		slog.Error("failed to open cron store", "error", err)
		os.Exit(1)
	}
	scheduler := cron.NewScheduler(cronStore, &cronRunner{coord: coord, store: store, cfg: cfg})

	server := gateway.NewServer(cfg, msgBus, coord, store, selector, &gateway.CronService{
		Store:     cronStore,
		Scheduler: scheduler,
	})

	manager := channels.NewManager(msgBus)
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			manager.Register(tg)
		}
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			manager.Register(dc)
		}
	}

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		manager.StopAll(stopCtx)
	}()

	if err := scheduler.Start(ctx); err != nil {
		slog.Error("cron scheduler start failed", "error", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		consumeInbound(gctx, msgBus, cfg, coord)
		return nil
	})
	g.Go(func() error {
		heartbeatLoop(gctx, cfg, coord)
		return nil
	})
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, cfg, func(fresh *config.Config) {
			slog.Info("config reloaded; restart to apply channel or storage changes")
		})
		if err == context.Canceled {
			return nil
		}
		return err
	})

	slog.Info("clawgate gateway running", "version", Version)
	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}
