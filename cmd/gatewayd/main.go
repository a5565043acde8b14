package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/manifold-run/gatewaycore/internal/blobstore"
	"github.com/manifold-run/gatewaycore/internal/cache"
	"github.com/manifold-run/gatewaycore/internal/chatorch"
	"github.com/manifold-run/gatewaycore/internal/contextbuild"
	"github.com/manifold-run/gatewaycore/internal/dialogue"
	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/gatewayhttp"
	"github.com/manifold-run/gatewaycore/internal/gatewaylog"
	"github.com/manifold-run/gatewaycore/internal/gatewaymetrics"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
	"github.com/manifold-run/gatewaycore/internal/memorypipe"
	"github.com/manifold-run/gatewaycore/internal/ratelimit"
	"github.com/manifold-run/gatewaycore/internal/relate"
	"github.com/manifold-run/gatewaycore/internal/summarize"
	"github.com/manifold-run/gatewaycore/internal/tenant"
	"github.com/manifold-run/gatewaycore/internal/tokencount"
	"github.com/manifold-run/gatewaycore/internal/usage"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	configPath := flag.String("config", "gatewaycore.yaml", "path to gateway config file")
	flag.Parse()

	cfg, err := gatewayconfig.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	gatewaylog.Init(cfg.Logging.Path, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := gatewaymetrics.InitOTel(ctx, cfg.Obs)
	if err != nil {
		log.Fatal().Err(err).Msg("otel init failed")
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	pool, err := newPgPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	tenants := tenant.NewPostgresStore(pool)
	knowledgeStore := knowledge.NewPostgresStore(pool)
	dialogueStore := dialogue.NewPostgresStore(pool)
	usageStore := usage.NewPostgresStore(pool)
	if err := tenants.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("tenant store init failed")
	}
	if err := knowledgeStore.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("knowledge store init failed")
	}
	if err := dialogueStore.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("dialogue store init failed")
	}
	if err := usageStore.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("usage store init failed")
	}

	vectorStore, err := vectorstore.Build(ctx, cfg.VectorStore, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("vector store init failed")
	}

	kvCache := cache.Build(ctx, cfg.Cache)

	blobs, err := blobstore.Build(ctx, cfg.BlobStore)
	if err != nil {
		log.Fatal().Err(err).Msg("blob store init failed")
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	llm, err := llmprovider.Build(cfg.LLM, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("llm provider init failed")
	}
	embed := embedprovider.New(cfg.Embedding, httpClient)

	tokens := tokencount.EstimateCounter{}

	metrics := gatewaymetrics.NewOtelSink("gatewaycore")

	contextBuilder := contextbuild.New(contextbuild.Dependencies{
		Knowledge: knowledgeStore, Vectors: vectorStore, Embeddings: embed, Dialogue: dialogueStore, Tokens: tokens,
		Blob: blobs,
	}, cfg.ContextBudget)

	summarizer := summarize.New(summarize.Dependencies{
		Knowledge: knowledgeStore, Vectors: vectorStore, Embeddings: embed, Dialogue: dialogueStore,
		Provider: llm, Tokens: tokens,
	}, cfg.Summarize)
	summaryDispatcher := summarize.NewDispatcher(summarizer, 64, 2)
	defer summaryDispatcher.Close()

	memPipe := memorypipe.New(memorypipe.Dependencies{
		Knowledge: knowledgeStore, Vectors: vectorStore, Embeddings: embed, Dialogue: dialogueStore,
		Locker: dialogue.NewInProcessLocker(), Tokens: tokens,
		Extractor: memorypipe.HeuristicExtractor{}, Summarizer: summaryDispatcher, Metrics: metrics,
		Blob: blobs,
	}, cfg.MemoryPipe, cfg.ContextBudget.ShortVariantCap)
	memPipe.Start(ctx)

	tracker := usage.NewTracker(usageStore, usage.NewPricingTable(nil))

	orchestrator := chatorch.New(chatorch.Dependencies{
		Context: contextBuilder, Provider: llm, Memory: memPipe, Usage: tracker, Tokens: tokens,
	})

	limiter := ratelimit.New(kvCache, cfg.RateLimit)

	discoverer := relate.New(relate.Dependencies{Knowledge: knowledgeStore, Vectors: vectorStore}, cfg.Relationships)

	auth := tenant.NewAuthenticator(tenants)

	healthChecks := []gatewayhttp.HealthCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return pool.Ping(ctx) }},
		{Name: "cache", Check: func(ctx context.Context) error { _, _, err := kvCache.Get(ctx, "health_check"); return err }},
	}

	server := gatewayhttp.New(gatewayhttp.Dependencies{
		Auth: auth, RateLimiter: limiter, Orchestrator: orchestrator, Memory: memPipe,
		Knowledge: knowledgeStore, Vectors: vectorStore, Embeddings: embed, LLM: llm,
		Relate: discoverer, Summarize: summarizer, HealthChecks: healthChecks,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("gatewaycore listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
	}
}

func newPgPool(ctx context.Context, cfg gatewayconfig.PostgresConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = cfg.MaxConns
	pcfg.MinConns = cfg.MinConns
	pcfg.MaxConnLifetime = cfg.MaxLifetime
	pcfg.MaxConnIdleTime = cfg.MaxIdle

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
