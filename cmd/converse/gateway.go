package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/conversehq/converse/internal/audit"
	"github.com/conversehq/converse/internal/bus"
	"github.com/conversehq/converse/internal/config"
	"github.com/conversehq/converse/internal/gateway"
	"github.com/conversehq/converse/internal/gateway/adapters"
	"github.com/conversehq/converse/internal/server"
	"github.com/conversehq/converse/internal/stream"
	"github.com/conversehq/converse/internal/tenant"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the channel gateway (inbound webhooks + outbound worker)",
		Run: func(cmd *cobra.Command, args []string) {
			runApp(
				fx.Provide(
					provideDBPool,
					provideOutboundStreams,
					provideEventProducer,
					provideTenantService,
					audit.NewService,
					provideForwarder,
					provideInboundHandler,
					provideAdapterRegistry,
					provideCredentialCache,
					provideOutboundWorker,
					provideGatewayServer,
				),
				fx.Invoke(startOutboundWorker, startBufferDrain, startRotationListener, startServer),
			)
		},
	}
}

func provideForwarder(log *slog.Logger, cfg config.Config, streams *stream.Client) *gateway.Forwarder {
	return gateway.NewForwarder(log, cfg.Gateway.OrchestratorURL, streams)
}

func provideInboundHandler(log *slog.Logger, cfg config.Config, tenants *tenant.Service, forwarder *gateway.Forwarder, audits *audit.Service) *gateway.InboundHandler {
	return gateway.NewInboundHandler(log, tenants, forwarder, audits, cfg.Gateway.WebhookSecrets)
}

func provideAdapterRegistry(log *slog.Logger) *adapters.Registry {
	registry := adapters.NewRegistry()
	registry.MustRegister(adapters.NewInstagramAdapter(log, 10*time.Second))
	registry.MustRegister(adapters.NewWhatsAppAdapter(log, 10*time.Second))
	registry.MustRegister(adapters.NewTelegramAdapter(log))
	registry.MustRegister(adapters.NewWebAdapter(log, 10*time.Second))
	return registry
}

func provideCredentialCache(log *slog.Logger, cfg config.Config, tenants *tenant.Service) *gateway.CredentialCache {
	ttl := config.ParseDuration(cfg.Gateway.CredentialCacheTTL, config.DefaultCredentialTTL)
	return gateway.NewCredentialCache(log, tenants, ttl)
}

func provideOutboundWorker(log *slog.Logger, cfg config.Config, streams *stream.Client, registry *adapters.Registry, credentials *gateway.CredentialCache, events bus.Publisher) *gateway.OutboundWorker {
	return gateway.NewOutboundWorker(log, streams, registry, credentials, events, cfg.Gateway.MaxDeliveryAttempts)
}

func provideGatewayServer(log *slog.Logger, cfg config.Config, inbound *gateway.InboundHandler) *server.Server {
	return server.New(log, cfg.Server.GatewayAddr, inbound)
}

func startOutboundWorker(lc fx.Lifecycle, worker *gateway.OutboundWorker, log *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("outbound worker stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error { cancel(); return nil },
	})
}

func startBufferDrain(lc fx.Lifecycle, forwarder *gateway.Forwarder, log *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := forwarder.RunBufferDrain(ctx); err != nil && ctx.Err() == nil {
					log.Error("buffer drain stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error { cancel(); return nil },
	})
}

// startRotationListener invalidates cached credentials on secret rotation
// events from the bus.
func startRotationListener(lc fx.Lifecycle, cfg config.Config, log *slog.Logger, credentials *gateway.CredentialCache) {
	consumer := bus.NewConsumer(log, cfg.Kafka.EventBusURL, cfg.Kafka.EventsTopic, "gateway-credentials")
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := consumer.Run(ctx, credentials.HandleEvent); err != nil && ctx.Err() == nil {
					log.Error("rotation listener stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return consumer.Close()
		},
	})
}
