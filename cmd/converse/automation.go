package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/conversehq/converse/internal/automation"
	"github.com/conversehq/converse/internal/automation/connectors"
	"github.com/conversehq/converse/internal/bus"
	"github.com/conversehq/converse/internal/config"
	"github.com/conversehq/converse/internal/server"
)

func newAutomationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "automation",
		Short: "Run the automation scheduler and dispatcher",
		Run: func(cmd *cobra.Command, args []string) {
			runApp(
				fx.Provide(
					provideDBPool,
					automation.NewStore,
					provideConnectorRegistry,
					automation.NewScheduler,
					provideAutomationWorker,
					automation.NewEventSubscriber,
					provideAutomationServer,
				),
				fx.Invoke(startScheduler, startAutomationWorker, startEventSubscriber, startServer),
			)
		},
	}
}

func provideAutomationWorker(log *slog.Logger, cfg config.Config, store *automation.Store, registry *connectors.Registry) *automation.Worker {
	return automation.NewWorker(log, store, registry, cfg.Automation.MaxConcurrencyPerTenant)
}

func provideAutomationServer(log *slog.Logger, cfg config.Config) *server.Server {
	return server.New(log, cfg.Server.AutomationAddr)
}

func startScheduler(lc fx.Lifecycle, scheduler *automation.Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			scheduler.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error { cancel(); return nil },
	})
}

func startAutomationWorker(lc fx.Lifecycle, worker *automation.Worker, log *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("automation worker stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error { cancel(); return nil },
	})
}

func startEventSubscriber(lc fx.Lifecycle, cfg config.Config, log *slog.Logger, subscriber *automation.EventSubscriber) {
	consumer := bus.NewConsumer(log, cfg.Kafka.EventBusURL, cfg.Kafka.EventsTopic, "automation")
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := consumer.Run(ctx, subscriber.Handle); err != nil && ctx.Err() == nil {
					log.Error("event subscriber stopped", slog.Any("error", err))
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
