package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/conversehq/converse/internal/audit"
	"github.com/conversehq/converse/internal/auth"
	"github.com/conversehq/converse/internal/automation"
	"github.com/conversehq/converse/internal/automation/connectors"
	"github.com/conversehq/converse/internal/bus"
	"github.com/conversehq/converse/internal/config"
	"github.com/conversehq/converse/internal/conversation"
	"github.com/conversehq/converse/internal/guardrails"
	"github.com/conversehq/converse/internal/handlers"
	"github.com/conversehq/converse/internal/knowledge"
	"github.com/conversehq/converse/internal/llm"
	"github.com/conversehq/converse/internal/objectstore"
	"github.com/conversehq/converse/internal/orchestrator"
	"github.com/conversehq/converse/internal/policy"
	"github.com/conversehq/converse/internal/retrieval"
	"github.com/conversehq/converse/internal/server"
	"github.com/conversehq/converse/internal/stream"
	"github.com/conversehq/converse/internal/tenant"
)

func newOrchestratorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the message orchestration service",
		Run: func(cmd *cobra.Command, args []string) {
			runApp(
				fx.Provide(
					provideDBPool,
					provideOutboundStreams,
					provideEventProducer,
					provideTenantService,
					provideEmbeddingsResolver,
					provideVectorStore,
					provideDedupe,
					conversation.NewService,
					providePolicyCache,
					policy.NewService,
					retrieval.NewConfigStore,
					retrieval.NewRetriever,
					provideLLMClient,
					guardrails.NewChain,
					audit.NewService,
					knowledge.NewStore,
					provideObjectStore,
					automation.NewStore,
					provideConnectorRegistry,
					providePipeline,
					handlers.NewInboundHandler,
					handlers.NewAdminPoliciesHandler,
					handlers.NewAdminKnowledgeHandler,
					handlers.NewAdminAutomationHandler,
					handlers.NewAdminConversationsHandler,
					handlers.NewAdminChannelsHandler,
					provideOrchestratorServer,
				),
				fx.Invoke(startPublishRetries, startServer),
			)
		},
	}
}

func provideDedupe(cfg config.Config, streams *stream.Client) *stream.Dedupe {
	ttl := config.ParseDuration(cfg.Pipeline.DedupeTTL, 10*time.Minute)
	return stream.NewDedupe(streams, "converse:seen", ttl)
}

func providePolicyCache(cfg config.Config) *policy.Cache {
	return policy.NewCache(config.ParseDuration(cfg.Pipeline.PolicyCacheTTL, config.DefaultPolicyCacheTTL))
}

func provideLLMClient(log *slog.Logger, cfg config.Config) llm.Client {
	return llm.NewOpenAIClient(log, cfg.LLM)
}

func provideObjectStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*objectstore.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return objectstore.New(ctx, log, cfg.ObjectStore)
}

func provideConnectorRegistry(log *slog.Logger) *connectors.Registry {
	registry := connectors.NewRegistry()
	registry.MustRegister(connectors.NewWebhookConnector(log, connectors.DefaultTimeout))
	registry.MustRegister(connectors.NewCRMConnector(log, connectors.DefaultTimeout))
	registry.MustRegister(connectors.NewEmailConnector(log))
	return registry
}

func providePipeline(
	log *slog.Logger,
	cfg config.Config,
	dedupe *stream.Dedupe,
	tenants *tenant.Service,
	conversations *conversation.Service,
	policies *policy.Service,
	configs *retrieval.ConfigStore,
	retriever *retrieval.Retriever,
	llmClient llm.Client,
	chain *guardrails.Chain,
	streams *stream.Client,
	events bus.Publisher,
	pool *pgxpool.Pool,
) *orchestrator.Pipeline {
	return orchestrator.NewPipeline(log, dedupe, tenants, conversations, policies, configs,
		retriever, llmClient, chain, streams, events, pool, cfg.Pipeline.RequestDeadline())
}

func provideOrchestratorServer(
	log *slog.Logger,
	cfg config.Config,
	inbound *handlers.InboundHandler,
	adminPolicies *handlers.AdminPoliciesHandler,
	adminKnowledge *handlers.AdminKnowledgeHandler,
	adminAutomation *handlers.AdminAutomationHandler,
	adminConversations *handlers.AdminConversationsHandler,
	adminChannels *handlers.AdminChannelsHandler,
) *server.Server {
	srv := server.New(log, cfg.Server.OrchestratorAddr,
		inbound, adminPolicies, adminKnowledge, adminAutomation, adminConversations, adminChannels)

	tokenCfg := auth.TokenConfig{
		Secret:   cfg.Admin.JWTSecret,
		Issuer:   cfg.Admin.JWTIssuer,
		Audience: cfg.Admin.JWTAudience,
		TTL:      time.Duration(cfg.Admin.JWTTTLSeconds) * time.Second,
	}
	srv.Echo().Use(auth.JWTMiddleware(tokenCfg, adminOnlySkipper))
	return srv
}

// adminOnlySkipper restricts JWT auth to the /admin surface; the inbound
// path authenticates upstream via webhook signatures.
func adminOnlySkipper(c echo.Context) bool {
	return !strings.HasPrefix(c.Request().URL.Path, "/admin/")
}

func startPublishRetries(lc fx.Lifecycle, pipeline *orchestrator.Pipeline, log *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := pipeline.RunPublishRetries(ctx); err != nil && ctx.Err() == nil {
					log.Error("publish retry loop stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error { cancel(); return nil },
	})
}

func startServer(lc fx.Lifecycle, srv *server.Server, cfg config.Config, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			drain := config.ParseDuration(cfg.Server.DrainDeadline, config.DefaultDrainDeadline)
			shutdownCtx, cancel := context.WithTimeout(ctx, drain)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
