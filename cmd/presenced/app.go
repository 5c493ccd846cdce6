package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cmlabs-hris/presence-sync/internal/config"
	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	appHTTP "github.com/cmlabs-hris/presence-sync/internal/handler/http"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/apiclient"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/backoff"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/clock"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/cron"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/database"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/jwt"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/netwatch"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/pubsub"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/sse"
	"github.com/cmlabs-hris/presence-sync/internal/repository/memory"
	"github.com/cmlabs-hris/presence-sync/internal/repository/postgresql"
	"github.com/cmlabs-hris/presence-sync/internal/repository/sqlite"
	presenceService "github.com/cmlabs-hris/presence-sync/internal/service/presence"
	"github.com/cmlabs-hris/presence-sync/internal/service/queue"
	"github.com/cmlabs-hris/presence-sync/internal/service/realtime"
	"github.com/cmlabs-hris/presence-sync/internal/service/syncengine"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v3"
)

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     presence.QueueStore
	engine    *syncengine.Engine
	channels  *realtime.Group
	monitor   *netwatch.Monitor
	scheduler *cron.Scheduler
	facade    *presenceService.PresenceServiceImpl
	router    *chi.Mux
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.App.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	logFormat := httplog.SchemaECS.Concise(false)
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: logFormat.ReplaceAttr,
	})).With(
		slog.String("app", "presenced"),
		slog.String("device", cfg.Device.ID),
		slog.String("env", cfg.App.Env),
	)
}

func openStore(ctx context.Context, cfg *config.Config) (presence.QueueStore, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		db, err := database.NewSQLiteDB(ctx, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return sqlite.NewQueueStore(ctx, db)
	case "postgres":
		db, err := database.NewPostgreSQLDB(ctx, cfg.DatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("connect to postgres store: %w", err)
		}
		return postgresql.NewQueueStore(ctx, db)
	case "memory":
		slog.Warn("Memory queue store selected, queued actions will not survive a restart")
		return memory.NewQueueStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func newDialer(cfg *config.Config, client *apiclient.Client) realtime.Dialer {
	if cfg.Realtime.Transport == "mqtt" {
		return realtime.NewMQTTDialer(realtime.MQTTConfig{
			Broker:   cfg.Realtime.MQTT.Broker,
			ClientID: "presenced-" + cfg.Device.ID,
			Username: cfg.Realtime.MQTT.Username,
			Password: cfg.Realtime.MQTT.Password,
			QoS:      byte(cfg.Realtime.MQTT.QoS),
		})
	}
	return realtime.NewHTTPDialer(client)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	clk := clock.Real()
	registry := pubsub.NewRegistry()

	httpClient := apiclient.NewHTTPClient(ctx, apiclient.AuthConfig{
		Token:        cfg.Backend.Token,
		ClientID:     cfg.Backend.ClientID,
		ClientSecret: cfg.Backend.ClientSecret,
		TokenURL:     cfg.Backend.TokenURL,
		Scopes:       cfg.Backend.Scopes,
	})
	client := apiclient.NewClient(httpClient, apiclient.Config{
		BaseURL:     cfg.Backend.BaseURL,
		Timeout:     cfg.Backend.Timeout,
		BulkTimeout: cfg.Backend.BulkTimeout,
		MaxAttempts: cfg.Backend.MaxAttempts,
	}, clk, registry)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	q := queue.New(store, clk, queue.Config{
		DeviceID:   cfg.Device.ID,
		MaxRetries: cfg.Sync.MaxRetries,
		Retention:  cfg.Sync.Retention,
	})
	if err := q.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	engine := syncengine.NewEngine(q, client, clk, registry, syncengine.Config{
		Interval: cfg.Sync.Interval,
		Mode:     syncengine.Mode(cfg.Sync.Mode),
		Backoff:  backoff.Policy{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax},
	})

	dialer := newDialer(cfg, client)
	managers := make([]*realtime.Manager, 0, len(cfg.Device.Employees))
	for _, employeeID := range cfg.Device.Employees {
		managers = append(managers, realtime.NewManager(employeeID, dialer, client, clk, registry, realtime.Config{
			HeartbeatInterval:    cfg.Realtime.HeartbeatInterval,
			ReconnectMaxAttempts: cfg.Realtime.ReconnectMaxAttempts,
			ReconnectBackoff:     backoff.Policy{Base: cfg.Realtime.ReconnectBase, Max: cfg.Realtime.ReconnectMax},
		}))
	}
	channels := realtime.NewGroup(managers...)
	// Channels open once the first probe reports the backend reachable.
	channels.SetOnline(false)

	facade := presenceService.NewPresenceService(presenceService.Deps{
		Engine:   engine,
		Backlog:  q,
		Client:   client,
		Channels: channels,
		Registry: registry,
		Clock:    clk,
	}, presenceService.Config{
		Employees: cfg.Device.Employees,
		Location:  cfg.Location(),
	})

	monitor := netwatch.New(client, cfg.Network.FailureThreshold, false)
	monitor.OnChange(func(online bool) {
		engine.SetOnline(online)
		channels.SetOnline(online)
		if online {
			go refreshAll(ctx, facade, cfg.Device.Employees)
		}
	})

	hub := sse.NewHub()
	registry.Subscribe(hub.Forward, nil)
	registry.Subscribe(func(event presence.Event) {
		failed := event.(presence.RequestFailed)
		slog.Warn("Backend request failed", "endpoint", failed.Endpoint, "reason", failed.Reason, "terminal", failed.Terminal)
	}, pubsub.OfKind(presence.RequestFailed{}.Kind()))

	scheduler := cron.NewScheduler(clk)
	cron.NewPresenceJobs(q, monitor).RegisterJobs(scheduler, cfg.Sync.CleanupInterval, cfg.Network.ProbeInterval)

	JWTService := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.AccessExpiration, cfg.Device.ID)
	router := appHTTP.NewRouter(
		appHTTP.RouterConfig{AllowedOrigins: cfg.App.AllowedOrigins, Employees: cfg.Device.Employees},
		logger,
		JWTService,
		appHTTP.NewPresenceHandler(facade),
		appHTTP.NewEventHandler(JWTService, hub, cfg.Device.Employees),
		appHTTP.NewAuthHandler(JWTService),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		engine:    engine,
		channels:  channels,
		monitor:   monitor,
		scheduler: scheduler,
		facade:    facade,
		router:    router,
	}, nil
}

// Start arms the sync interval and the cron jobs. The first network probe
// runs right away and brings everything online.
func (a *app) Start(ctx context.Context) {
	a.engine.Start(ctx)
	a.scheduler.Start()

	a.logger.Info("Presence daemon started",
		"employees", len(a.cfg.Device.Employees),
		"store", a.cfg.Store.Driver,
		"transport", a.cfg.Realtime.Transport,
		"sync_mode", a.cfg.Sync.Mode)
}

func (a *app) Close() {
	a.scheduler.Stop()
	a.engine.Stop()
	a.channels.Stop()
	a.facade.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close queue store", "error", err)
	}
}

func refreshAll(ctx context.Context, facade presence.Service, employees []string) {
	for _, employeeID := range employees {
		if _, err := facade.Refresh(ctx, employeeID); err != nil {
			slog.Warn("Refresh after reconnect failed", "employee_id", employeeID, "error", err)
		}
	}
}
