package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/agent"
	"github.com/eleven-am/call-orchestrator/internal/knowledge"
	"github.com/eleven-am/call-orchestrator/internal/llm"
	"github.com/eleven-am/call-orchestrator/internal/orchestrator"
	"github.com/eleven-am/call-orchestrator/internal/room"
	"github.com/eleven-am/call-orchestrator/internal/session"
	"github.com/eleven-am/call-orchestrator/internal/shared"
	"github.com/eleven-am/call-orchestrator/internal/synthesis"
	"github.com/eleven-am/call-orchestrator/internal/transcription"
	"github.com/eleven-am/call-orchestrator/internal/worker"
	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvideWorkerRegistry(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) *worker.Registry {
	registry := worker.NewRegistry(worker.RegistryConfig{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Log:              logger,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			registry.StartSweep(cfg.SweepInterval)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			registry.Close()
			return nil
		},
	})
	return registry
}

func ProvideSessionRegistry(logger *slog.Logger) *session.Registry {
	return session.NewRegistry(session.RegistryConfig{Log: logger})
}

func StartHeartbeatSubscriber(lc fx.Lifecycle, redisClient *redis.Client, registry *worker.Registry, logger *slog.Logger) {
	sub := worker.NewHeartbeatSubscriber(redisClient, registry, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sub.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			sub.Stop()
			return nil
		},
	})
}

func ProvideLLMClient(cfg *Config) *llm.Client {
	return llm.New(llm.Config{
		BaseURL:        cfg.LLMBaseURL,
		APIKey:         cfg.LLMAPIKey,
		EmbeddingModel: cfg.LLMEmbeddingModel,
	})
}

// Sidecar retries stay short: a turn is already on a deadline, so waiting
// longer than a couple of seconds for a restart is not worth it.
var sidecarBackoff = shared.BackoffConfig{
	Initial: 250 * time.Millisecond,
	Max:     2 * time.Second,
}

func ProvideSynthesisClient(cfg *Config) *synthesis.Client {
	return synthesis.New(synthesis.Config{
		Address: cfg.TTSAddress,
		Token:   cfg.SidecarToken,
		Backoff: sidecarBackoff,
	})
}

func ProvideTranscriptionClient(cfg *Config) *transcription.Client {
	return transcription.New(transcription.Config{
		Address: cfg.STTAddress,
		Token:   cfg.SidecarToken,
		Backoff: sidecarBackoff,
	})
}

func ProvideRoomProvider(cfg *Config) *room.LiveKitProvider {
	return room.NewLiveKitProvider(room.LiveKitConfig{
		Host:      cfg.LiveKitHost,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		PublicURL: cfg.LiveKitPublicURL,
	})
}

// The knowledge providers are nil when qdrant is not configured; agents
// then run on instructions alone and ingestion is skipped.
func ProvideKnowledgeProvider(cfg *Config, qdrantClient *qdrant.Client, llmClient *llm.Client, logger *slog.Logger) knowledge.Provider {
	if qdrantClient == nil {
		return nil
	}
	retriever := knowledge.NewRetriever(knowledge.RetrieverConfig{
		Qdrant:     qdrantClient,
		Embedder:   llmClient,
		Collection: cfg.KnowledgeCollection,
		Log:        logger,
	})
	return knowledge.NewCachedRetriever(knowledge.NewCache(cfg.KnowledgeCacheSize), retriever)
}

func ProvideIngestor(cfg *Config, qdrantClient *qdrant.Client, llmClient *llm.Client, logger *slog.Logger) *knowledge.Ingestor {
	if qdrantClient == nil {
		return nil
	}
	return knowledge.NewIngestor(qdrantClient, llmClient, cfg.KnowledgeCollection, logger)
}

func ProvideBus(redisClient *redis.Client, logger *slog.Logger) *orchestrator.Bus {
	return orchestrator.NewBus(redisClient, logger)
}

func ProvideOrchestrator(
	lc fx.Lifecycle,
	cfg *Config,
	agents *agent.Store,
	workers *worker.Registry,
	sessions *session.Registry,
	archive *session.ArchiveStore,
	rooms *room.LiveKitProvider,
	recognizer *transcription.Client,
	llmClient *llm.Client,
	synthesizer *synthesis.Client,
	provider knowledge.Provider,
	ingestor *knowledge.Ingestor,
	bus *orchestrator.Bus,
	logger *slog.Logger,
) (*orchestrator.Orchestrator, error) {
	orch, err := orchestrator.New(orchestrator.Config{
		Agents:           agents,
		Workers:          workers,
		Sessions:         sessions,
		Archive:          archive,
		Rooms:            rooms,
		Recognizer:       recognizer,
		Generator:        llmClient,
		Synthesizer:      synthesizer,
		Knowledge:        provider,
		Ingestor:         ingestor,
		Bus:              bus,
		Log:              logger,
		FailureThreshold: cfg.FailureThreshold,
		TurnTimeout:      cfg.TurnTimeout,
		WatchdogInterval: cfg.WatchdogInterval,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			orch.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			orch.Shutdown(ctx)
			return nil
		},
	})
	return orch, nil
}

var OrchestratorModule = fx.Options(
	fx.Provide(
		ProvideWorkerRegistry,
		ProvideSessionRegistry,
		ProvideLLMClient,
		ProvideSynthesisClient,
		ProvideTranscriptionClient,
		ProvideRoomProvider,
		ProvideKnowledgeProvider,
		ProvideIngestor,
		ProvideBus,
		ProvideOrchestrator,
	),
	fx.Invoke(StartHeartbeatSubscriber),
)
