package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"swapmesh/internal/adapter/gateway"
	"swapmesh/internal/adapter/notify"
	"swapmesh/internal/domain"
	"swapmesh/internal/infra/config"
	"swapmesh/internal/infra/metrics"
	"swapmesh/internal/infra/middleware"
	"swapmesh/internal/usecase/scheduling"
	"swapmesh/internal/usecase/specialist"
)

const marketRefreshJob = "market-refresh"

// alertSink forwards security alerts from the bus to an external channel.
type alertSink interface {
	Name() string
	Start(bus domain.EventBus)
	Stop()
}

// RuntimeComponents holds the outer surfaces around the mesh.
type RuntimeComponents struct {
	Gateway   *gateway.Server
	Scheduler *scheduling.Scheduler
	Notifiers []alertSink
}

// initMetrics returns nil when metrics are disabled.
func initMetrics(cfg config.MetricsConfig) *metrics.Recorder {
	if !cfg.Enabled {
		return nil
	}
	return metrics.NewRecorder(cfg.Namespace)
}

// initRuntime wires metrics, the gateway, notifiers and the market refresh
// job around an assembled mesh.
func initRuntime(cfg *config.Config, mesh *MeshComponents, rec *metrics.Recorder, bus domain.EventBus, log *slog.Logger) (*RuntimeComponents, func(context.Context) error, error) {
	comp := &RuntimeComponents{}
	var unsubs []func()
	stopLimiter := func() {}

	if rec != nil {
		unsubs = append(unsubs, bus.Subscribe(domain.EventSecurityAlert, func(_ context.Context, ev domain.Event) {
			var alert domain.SecurityAlert
			if err := json.Unmarshal(ev.Payload, &alert); err == nil {
				rec.SecurityAlert(alert.Severity)
			}
		}))
	}

	if cfg.Gateway.Enabled {
		api, err := gateway.NewAPI(mesh.Coordinator)
		if err != nil {
			return nil, nil, fmt.Errorf("gateway api: %w", err)
		}
		gw := gateway.NewServer(bus, gateway.NewTokenAuth(cfg.Gateway.Token), cfg.Gateway.Addr, log)
		api.Mount(gw)
		gw.Use(middleware.Headers, middleware.RequestLog(log))
		if cfg.Gateway.RateLimitPerMin > 0 {
			var limiterCtx context.Context
			limiterCtx, stopLimiter = context.WithCancel(context.Background())
			limiter := middleware.NewLimiter(limiterCtx, middleware.RateLimitConfig{
				RequestsPerMin: cfg.Gateway.RateLimitPerMin,
				Burst:          cfg.Gateway.RateBurst,
				TrustedProxies: cfg.Gateway.TrustedProxies,
			})
			gw.Use(limiter.Wrap)
		}
		if rec != nil {
			gw.RegisterPublicRoute("/metrics", rec.Handler())
		}
		if cfg.Gateway.Token == "" {
			log.Warn("gateway token not set, every caller is admitted", "addr", cfg.Gateway.Addr)
		}
		comp.Gateway = gw
		log.Info("gateway enabled", "addr", cfg.Gateway.Addr, "metrics", rec != nil)
	}

	if s := cfg.Notify.Slack; s.Enabled {
		comp.Notifiers = append(comp.Notifiers, notify.NewSlackNotifier(s.Token, s.Channel, log,
			notify.WithMinSeverity(domain.Severity(s.MinSeverity))))
	}
	if d := cfg.Notify.Discord; d.Enabled {
		dn, err := notify.NewDiscordNotifier(d.Token, d.ChannelID, log,
			notify.WithDiscordMinSeverity(domain.Severity(d.MinSeverity)))
		if err != nil {
			stopLimiter()
			return nil, nil, err
		}
		comp.Notifiers = append(comp.Notifiers, dn)
	}
	for _, n := range comp.Notifiers {
		n.Start(bus)
	}

	if cfg.Market.RefreshSchedule != "" && mesh.Market != nil {
		sched := scheduling.NewScheduler(log)
		sched.RegisterAction(scheduling.ActionMarketRefresh, marketRefresh(mesh.Market, cfg.Agents.Runtime.Timeout))
		err := sched.AddJob(scheduling.Job{
			Name:     marketRefreshJob,
			Schedule: cfg.Market.RefreshSchedule,
			Action:   scheduling.ActionMarketRefresh,
		})
		if err != nil {
			stopLimiter()
			for _, n := range comp.Notifiers {
				n.Stop()
			}
			return nil, nil, err
		}
		comp.Scheduler = sched
	}

	cleanup := func(ctx context.Context) error {
		// Gateway first so no new consensus rounds start during shutdown.
		if comp.Gateway != nil {
			if err := comp.Gateway.Stop(ctx); err != nil {
				log.Warn("gateway stop error", "error", err)
			}
		}
		if comp.Scheduler != nil {
			_ = comp.Scheduler.Stop()
		}
		for _, n := range comp.Notifiers {
			n.Stop()
		}
		stopLimiter()
		for _, u := range unsubs {
			u()
		}
		return nil
	}
	return comp, cleanup, nil
}

// marketRefresh publishes a fresh market snapshot to the mesh.
func marketRefresh(market *specialist.MarketIntelligence, timeout time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := market.ExecuteTask(ctx, domain.Task{
			ID:   domain.NewID(),
			Type: specialist.TaskPublishMarketData,
		}, timeout)
		return err
	}
}
