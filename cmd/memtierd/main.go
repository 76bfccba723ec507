package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bricksllm/memtier/internal/api"
	"github.com/bricksllm/memtier/internal/breaker"
	"github.com/bricksllm/memtier/internal/config"
	"github.com/bricksllm/memtier/internal/domain"
	"github.com/bricksllm/memtier/internal/embedding"
	"github.com/bricksllm/memtier/internal/lexical"
	"github.com/bricksllm/memtier/internal/llm"
	"github.com/bricksllm/memtier/internal/rerank"
	"github.com/bricksllm/memtier/internal/service"
	"github.com/bricksllm/memtier/internal/store"
	"github.com/bricksllm/memtier/internal/vector"
	"go.uber.org/zap"
)

func main() {
	if err := config.Load(); err != nil {
		// Logger is not up yet.
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := newLogger(config.LogLevel())
	defer func() { _ = logger.Sync() }()

	dbURL := config.DatabaseURL()
	if dbURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()

	pool, err := store.NewPool(ctx, dbURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := store.Migrate(ctx, pool, config.MigrationsPath(), logger); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	domain.SetTierTTLs(config.WorkingTTL(), config.HistoryTTL(), config.PatternsTTL())
	domain.SetHighQualityThreshold(config.HighQualityThreshold())

	// Stores
	records := store.NewRecordStore(pool)
	ghostStore := store.NewGhostStore(pool)
	outcomeLog := store.NewOutcomeLogStore(pool)
	actionStore := store.NewActionOutcomeStore(pool)
	checkpoints := store.NewCheckpointStore(pool)
	consistencyLogs := store.NewConsistencyLogStore(pool)
	profiles := store.NewProfileStore(pool)

	// External clients
	embedClient, err := embedding.NewClient(
		config.EmbeddingProvider(), config.OpenAIAPIKey(),
		config.EmbeddingModel(), config.EmbeddingDim(), config.EmbedTimeout())
	if err != nil {
		logger.Fatal("embedding client initialization failed", zap.Error(err))
	}
	cachedEmbedder := embedding.NewCachedEmbedder(embedClient, config.EmbedCacheSize(), config.EmbedCacheTTL())

	var reranker domain.Reranker
	if url := config.RerankerURL(); url != "" {
		reranker = rerank.NewClient(url, config.RerankerAPIKey(), config.RerankerModel(),
			config.RerankMaxChars(), config.RerankMaxBatch(), config.RerankTimeout())
		logger.Info("reranker enabled", zap.String("model", config.RerankerModel()))
	} else {
		logger.Info("reranker disabled, no RERANKER_URL set")
	}

	vectors, err := vector.NewQdrantIndex(vector.Config{
		Host:       config.QdrantHost(),
		Port:       config.QdrantPort(),
		APIKey:     config.QdrantAPIKey(),
		UseTLS:     config.QdrantUseTLS(),
		Collection: config.QdrantCollection(),
	}, logger)
	if err != nil {
		logger.Fatal("qdrant client initialization failed", zap.Error(err))
	}

	summarizer := llm.NewSummarizer(
		config.OpenAIAPIKey(), config.SummarizerModel(), config.SummarizerTimeout(),
		config.PrefixCacheSize(), config.PrefixCacheTTL(),
		newBreaker("summarizer"), logger)

	lexIndex := lexical.NewIndex(records, logger)
	ghosts := service.NewGhostRegistry(ghostStore, logger)

	pipeline := service.NewPipeline(
		records, vectors, lexIndex, cachedEmbedder, reranker, ghosts,
		newBreaker("embedder"), newBreaker("vector"), newBreaker("reranker"),
		pipelineOptions(), logger)

	// Startup schema validation. A mismatched collection either downgrades
	// retrieval to lexical-only or refuses to start, per policy.
	if config.SchemaValidationEnabled() && config.SchemaValidateOnStartup() {
		if err := vectors.EnsureSchema(ctx, cachedEmbedder.Dim()); err != nil {
			if errors.Is(err, domain.ErrSchemaMismatch) && config.SchemaMismatchPolicy() == "disable_vector_stage" {
				pipeline.DisableVectorStage(err.Error())
				logger.Warn("vector schema mismatch, serving lexical-only", zap.Error(err))
			} else {
				logger.Fatal("vector schema validation failed", zap.Error(err))
			}
		}
	}

	recorder := service.NewOutcomeRecorder(records, outcomeLog, actionStore, lexIndex, logger)
	prompts := service.NewStaticPrompts()
	assembler := service.NewContextAssembler(outcomeLog, actionStore, profiles, prompts, logger)

	promoter := service.NewPromoter(records, vectors, lexIndex, logger)
	promoter.SetInterval(config.PromoterInterval())

	reindexer := service.NewReindexer(records, vectors, cachedEmbedder, checkpoints, logger)
	reindexer.SetLimits(config.ReindexBatchSize(), config.ReindexConcurrency(), config.ReindexRateLimit())

	checker := service.NewConsistencyChecker(records, vectors, cachedEmbedder, consistencyLogs, logger)
	checker.SetSchedule(config.ConsistencyInterval(), config.ConsistencyWarmup(), config.ConsistencySampleSize())
	checker.SetSkipFunc(reindexer.InFlight)
	if config.SchemaValidationEnabled() {
		checker.SetSchemaCheck(func(ctx context.Context) error {
			err := vectors.EnsureSchema(ctx, cachedEmbedder.Dim())
			if errors.Is(err, domain.ErrSchemaMismatch) && config.SchemaMismatchPolicy() == "disable_vector_stage" {
				pipeline.DisableVectorStage(err.Error())
				return nil
			}
			return err
		}, config.SchemaValidateEvery())
	}

	backup := service.NewBackupService(records, vectors, lexIndex, outcomeLog, ghostStore, store.NewKgStore(pool), profiles, logger)

	engine := service.NewEngine(service.EngineDeps{
		Pipeline:   pipeline,
		Assembler:  assembler,
		Recorder:   recorder,
		Ghosts:     ghosts,
		Promoter:   promoter,
		Reindexer:  reindexer,
		Checker:    checker,
		Backup:     backup,
		Records:    records,
		Vectors:    vectors,
		Lexical:    lexIndex,
		Embedder:   cachedEmbedder,
		Summarizer: summarizer,
		Outcomes:   outcomeLog,
		Actions:    actionStore,
		Profiles:   profiles,
		CacheStats: cachedEmbedder,
	}, service.EngineOptions{
		PrefetchTimeout:  config.PrefetchTimeout(),
		SearchTimeout:    config.SearchTimeout(),
		DefaultSortBy:    domain.SortBy(config.DefaultSortBy()),
		MessageTrigger:   config.PromotionMessageTrigger(),
		TemporalKeywords: config.TemporalKeywords(),
		ColdStartLimit:   config.ColdStartLimit(),
		ColdStartQuery:   config.ColdStartQuery(),
		ColdStartHeader:  config.ColdStartHeader(),
		ColdStartFooter:  config.ColdStartFooter(),
	}, logger)

	// Background services
	promoter.Start()
	checker.Start()

	app := api.NewApp(pool, engine, api.Options{
		RateLimitRPS:   config.RateLimitRPS(),
		RateLimitBurst: config.RateLimitBurst(),
	}, logger)

	addr := config.OpsAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: app.Router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("ops server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down")

	promoter.Stop()
	checker.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("ops server forced to shutdown", zap.Error(err))
	}

	logger.Info("stopped")
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func newBreaker(dep string) *breaker.Breaker {
	return breaker.New(dep, breaker.Config{
		FailureThreshold:       config.BreakerFailures(dep),
		SuccessThreshold:       config.BreakerSuccesses(dep),
		OpenDuration:           config.BreakerOpenDuration(dep),
		HalfOpenMaxConcurrency: config.BreakerHalfOpenMax(dep),
	})
}

func pipelineOptions() service.PipelineOptions {
	opts := service.DefaultPipelineOptions()
	opts.SearchLimitDefault = config.SearchLimitDefault()
	opts.SearchLimitMax = config.SearchLimitMax()
	opts.CandidateFetchMultiplier = config.CandidateFetchMultiplier()
	opts.RerankK = config.RerankK()
	opts.VectorMinScore = config.VectorMinScore()
	opts.CEMultiplierMax = config.CEMultiplierMax()
	opts.DistanceReductionMax = config.DistanceReductionMax()
	opts.EntityFilterLimit = config.EntityFilterLimit()
	opts.EmbedTimeout = config.EmbedTimeout()
	opts.VectorTimeout = config.VectorTimeout()
	opts.LexicalTimeout = config.LexicalTimeout()
	opts.RerankTimeout = config.RerankTimeout()
	opts.Bands = service.RRFBands{
		KShort:           config.RRFKShort(),
		KMedium:          config.RRFKMedium(),
		KLong:            config.RRFKLong(),
		ShortMaxLen:      config.RRFShortMaxLen(),
		MediumMaxLen:     config.RRFMediumMaxLen(),
		SpecificDiscount: config.RRFSpecificDiscount(),
		KFloor:           config.RRFKFloor(),
	}
	return opts
}
