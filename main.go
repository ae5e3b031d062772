package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/bridgeway-ai/bridgeway/gateway"
	"github.com/bridgeway-ai/bridgeway/gateway/providers"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file loaded:", err)
	}
	logger := gateway.NewZerologLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())

	if err := run(logger); err != nil {
		logger.Error(context.Background(), "gateway exited", gateway.F("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger gateway.Logger) error {
	env, err := gateway.LoadEnvironment()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := gateway.NewCacheServiceFromURL(env.RedisURL)
	if err != nil {
		return err
	}
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	store, err := gateway.NewMongoStore(env.MongoURL, env.MongoDatabase, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	catalogSnapshot, err := store.LoadModelCatalog(ctx)
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}
	catalog := gateway.NewCatalogHolder(catalogSnapshot)
	go gateway.RunCatalogWatcher(ctx, catalog, store, logger)

	cipher := gateway.NewCipher(env.EncryptionKey, env.SecretIV)
	ledger := gateway.NewLedger(cache, logger)
	deliverer := gateway.NewDeliverer(logger)
	alerts := gateway.NewAlertDispatcher(store, deliverer, logger, env.Environment)
	memory := gateway.NewMemoryService(gateway.MemoryConfig{
		FetchURL:              env.MemoryFetchURL,
		HippocampusURL:        env.HippocampusURL,
		HippocampusKey:        env.HippocampusKey,
		CanonicalizerBridgeID: env.CanonicalizerBridgeID,
	}, cache, logger)
	guardrails := gateway.NewGuardrailsChecker(env.OpenAIAPIKey, logger)

	providerOpts := providers.Options{
		OpenAIBaseURL:     env.OpenAIBaseURL,
		GroqBaseURL:       env.GroqBaseURL,
		GrokBaseURL:       env.GrokBaseURL,
		OpenRouterBaseURL: env.OpenRouterBaseURL,
		MistralBaseURL:    env.MistralBaseURL,
		AiMlBaseURL:       env.AiMlBaseURL,
		Logger:            logger,
	}
	adapters := providers.Factory(providerOpts)
	batchServices := providers.BatchFactory(providerOpts)

	resolver := gateway.NewResolver(store, cache, ledger, cipher, catalog, gateway.ResolverConfig{
		AiMlAPIKey:       env.AiMlAPIKey,
		ChatbotOpenAIKey: env.ChatbotOpenAIKey,
	}, logger)

	queueClient := gateway.NewQueueClient(env.QueueURL, logger)
	defer queueClient.Close()

	postProcessor := gateway.NewPostProcessor(store, cache, memory, alerts, deliverer, nil, logger)

	engineCfg := gateway.EngineConfig{
		MaxToolWorkers:   env.MaxToolWorkers,
		VectorServiceURL: env.VectorServiceURL,
		VectorServiceKey: env.VectorServiceKey,
		FirecrawlKey:     env.FirecrawlKey,
		AiMlAPIKey:       env.AiMlAPIKey,
	}

	var workers *gateway.QueueWorkers
	engine := gateway.NewEngine(store, cache, ledger, catalog, adapters, guardrails, memory,
		deliverer, alerts, postPublisher(func() *gateway.QueueWorkers { return workers }), engineCfg, logger)

	submitter := gateway.NewBatchSubmitter(cache, catalog, batchServices, alerts, logger)
	limiter := gateway.NewRateLimiter(cache)

	images := map[string]gateway.ImageGenerator{
		gateway.ServiceOpenAI: providers.NewOpenAIImage(env.OpenAIBaseURL),
		gateway.ServiceAiMl:   providers.NewAiMlImage(env.AiMlBaseURL),
	}

	server := gateway.NewServer(resolver, engine, submitter, limiter, nil, adapters, images, logger)
	workers = gateway.NewQueueWorkers(queueClient, env.PrimaryQueue, env.SubQueue, env.PrefetchCount,
		server.HandleQueuedChat, postProcessor, logger)
	server = gateway.NewServer(resolver, engine, submitter, limiter, workers, adapters, images, logger)

	go workers.Run(ctx)

	reconciler := gateway.NewBatchReconciler(cache, batchServices, deliverer, logger)
	go reconciler.Run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", env.Port),
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	logger.Info(ctx, "gateway listening", gateway.F("port", env.Port), gateway.F("environment", env.Environment))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// postPublisher defers the workers reference so the engine can be built
// before the queue consumers that depend on it.
type postPublisher func() *gateway.QueueWorkers

func (p postPublisher) PublishPost(ctx context.Context, bundle *gateway.PostProcessBundle) error {
	if workers := p(); workers != nil {
		return workers.PublishPost(ctx, bundle)
	}
	return nil
}
