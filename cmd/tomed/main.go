// Command tomed is the knowledge server daemon. It serves the tool surface
// over MCP stdio, a diagnostics HTTP sidecar, and runs the background
// workers: git sync scheduler, file watchers, event dispatcher and the cache
// and bucket sweepers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tomehq/tome/internal/config"
	"github.com/tomehq/tome/internal/doctype"
	"github.com/tomehq/tome/internal/embedder"
	"github.com/tomehq/tome/internal/events"
	"github.com/tomehq/tome/internal/extractor"
	"github.com/tomehq/tome/internal/gitsync"
	"github.com/tomehq/tome/internal/graphstore"
	"github.com/tomehq/tome/internal/ingestion"
	"github.com/tomehq/tome/internal/linkgraph"
	"github.com/tomehq/tome/internal/llm"
	"github.com/tomehq/tome/internal/metrics"
	"github.com/tomehq/tome/internal/rag"
	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/repository/postgres"
	"github.com/tomehq/tome/internal/reranker"
	"github.com/tomehq/tome/internal/resilience"
	"github.com/tomehq/tome/internal/server"
	"github.com/tomehq/tome/internal/session"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/vectorstore"
	"github.com/tomehq/tome/internal/watcher"
)

func main() {
	// Stdout carries the MCP stdio transport, so logs go to stderr.
	logLevel := slog.LevelInfo
	if os.Getenv("TOME_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting knowledge server",
		"http_addr", cfg.HTTPAddr,
		"environment", cfg.Environment,
	)

	m := metrics.New("tome")

	// PostgreSQL.
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	projectRepo := postgres.NewProjectRepo(db)
	branchRepo := postgres.NewBranchRepo(db)
	repoPathRepo := postgres.NewRepoPathRepo(db)
	documentRepo := postgres.NewDocumentRepo(db)
	docTypeRepo := postgres.NewDocTypeRepo(db)
	syncRunRepo := postgres.NewSyncRunRepo(db)

	// Qdrant, one collection per corpus.
	qdrantClient, err := vectorstore.NewQdrantClient(cfg.QdrantHost, cfg.QdrantPort)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer qdrantClient.Close()
	vectors := vectorstore.NewQdrantStore(qdrantClient, cfg.QdrantCollection)
	external := vectorstore.NewQdrantStore(qdrantClient, cfg.ExternalCollection)
	if err := vectors.EnsureCollection(ctx, cfg.EmbeddingDim); err != nil {
		return fmt.Errorf("failed to ensure documents collection: %w", err)
	}
	if err := external.EnsureCollection(ctx, cfg.EmbeddingDim); err != nil {
		return fmt.Errorf("failed to ensure external collection: %w", err)
	}
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	// Neo4j.
	graph, err := graphstore.NewNeo4jStore(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		return fmt.Errorf("failed to connect to Neo4j: %w", err)
	}
	defer graph.Close(context.Background())
	slog.Info("connected to Neo4j")

	// Resilience pipelines around provider calls.
	retry := resilience.RetryConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Jitter:       cfg.RetryJitter,
	}
	breaker := resilience.BreakerConfig{
		FailureRatio:  cfg.BreakerFailureRatio,
		MinThroughput: cfg.BreakerMinThroughput,
		Sampling:      cfg.BreakerSampling,
		Break:         cfg.BreakerBreak,
	}
	embedPipeline := resilience.NewPipeline(resilience.PipelineConfig{
		Name:                "embedding",
		Timeout:             cfg.TimeoutEmbedding,
		Retry:               retry,
		Breaker:             breaker,
		OnRetry:             func() { m.RetryAttempts.WithLabelValues("embedding").Inc() },
		OnBreakerTransition: func(state string) { m.BreakerTransitions.WithLabelValues("embedding", state).Inc() },
	}, logger)
	genPipeline := resilience.NewPipeline(resilience.PipelineConfig{
		Name:                "generation",
		Timeout:             cfg.TimeoutDefault,
		Retry:               retry,
		Breaker:             breaker,
		OnRetry:             func() { m.RetryAttempts.WithLabelValues("generation").Inc() },
		OnBreakerTransition: func(state string) { m.BreakerTransitions.WithLabelValues("generation", state).Inc() },
	}, logger)

	// Embedding with content-hash memoisation.
	provider := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:   cfg.OllamaURL,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDim,
	})
	cache := embedder.NewCache(embedder.CacheConfig{
		Enabled:  cfg.CacheEnabled,
		MaxItems: cfg.CacheMaxItems,
		TTL:      cfg.CacheTTL,
		OnHit:    m.CacheHits.Inc,
		OnMiss:   m.CacheMisses.Inc,
		OnSize:   func(n int) { m.CacheEntries.Set(float64(n)) },
	})
	cache.StartSweeper(ctx, 5*time.Minute)
	embed := embedder.NewService(provider, cache, embedPipeline, logger)
	slog.Info("initialized embedder", "model", cfg.EmbeddingModel, "dimension", cfg.EmbeddingDim)

	// Generation.
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.LLMModel),
	)
	extract := extractor.New(llmClient, cfg.LLMModel, genPipeline, logger)

	// Doc types.
	registry := doctype.NewRegistry(docTypeRepo)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load doc types: %w", err)
	}
	validator := doctype.NewValidator(registry)

	// Lifecycle events and the link index.
	bus := events.NewBus(cfg.EventBuffer, logger)
	bus.SetDropHook(m.EventsDropped.Inc)
	bus.Start(ctx)
	defer bus.Close()
	links := linkgraph.New()

	// Indexing, one indexer per corpus sharing everything but the vector
	// collection.
	indexerConfig := ingestion.IndexerConfig{
		Chunker: ingestion.ChunkerConfig{
			ChunkSize:         cfg.ChunkSize,
			Overlap:           cfg.ChunkOverlap,
			RespectParagraphs: cfg.RespectParagraphs,
		},
	}
	indexer, err := ingestion.NewIndexer(indexerConfig, validator, documentRepo, embed, vectors, graph, extract, links, bus, m, logger)
	if err != nil {
		return fmt.Errorf("failed to build indexer: %w", err)
	}
	externalIndexer, err := ingestion.NewIndexer(indexerConfig, validator, documentRepo, embed, external, graph, extract, links, bus, m, logger)
	if err != nil {
		return fmt.Errorf("failed to build external indexer: %w", err)
	}

	// Query pipelines.
	var rerank reranker.Reranker
	if cfg.RerankerEnabled {
		rerank = reranker.NewLLMReranker(llmClient)
	}
	ragConfig := rag.Config{
		MaxChunks:    cfg.RAGMaxChunks,
		GraphHops:    cfg.RAGGraphHops,
		MinScore:     cfg.RAGMinScore,
		VectorWeight: float32(cfg.RAGVectorWeight),
		GraphWeight:  float32(cfg.RAGGraphWeight),
		Model:        cfg.LLMModel,
		UseReranker:  cfg.RerankerEnabled,
	}
	ragPipeline := rag.New(ragConfig, embed, vectors, graph, documentRepo, llmClient, rerank, genPipeline, logger)
	externalRAG := rag.New(ragConfig, embed, external, graph, documentRepo, llmClient, rerank, genPipeline, logger)

	// Sessions.
	sessions := session.NewStore(cfg.SessionTTL)
	sessions.StartSweeper(ctx, 15*time.Minute)
	activator := session.NewActivator(projectRepo, branchRepo, repoPathRepo, sessions, logger)

	// Rate limiting.
	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{
		PerMinute: cfg.RatePerMinute,
		PerHour:   cfg.RatePerHour,
		Burst:     cfg.RateBurst,
	})
	limiter.StartSweeper(ctx, 10*time.Minute)

	// Git sync. External repos land in the shared corpus via the external
	// indexer.
	repoList, err := config.LoadRepos(cfg.ReposConfig)
	if err != nil {
		return fmt.Errorf("failed to load repositories config: %w", err)
	}
	runner := gitsync.NewRunner(cfg.SyncWorkspace, repoList, &routingIndexer{
		project:  indexer,
		external: externalIndexer,
	}, graph, documentRepo, syncRunRepo, m, logger)
	if len(repoList) > 0 {
		scheduler := gitsync.NewScheduler(cfg.SyncInterval, runner, logger)
		go scheduler.Run(ctx)
		slog.Info("sync scheduler started", "repositories", len(repoList), "interval", cfg.SyncInterval)
	}

	probes := map[string]server.Probe{
		"postgres": func(ctx context.Context) error {
			return db.Pool.Ping(ctx)
		},
		"qdrant": func(ctx context.Context) error {
			_, err := qdrantClient.HealthCheck(ctx)
			return err
		},
		"neo4j": func(ctx context.Context) error {
			_, err := graph.GetSyncState(ctx, "healthcheck")
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return err
		},
	}

	deps := server.Deps{
		Config:      cfg,
		Sessions:    sessions,
		Activator:   activator,
		Registry:    registry,
		Indexer:     indexer,
		Embedder:    embed,
		Docs:        documentRepo,
		Vectors:     vectors,
		External:    external,
		RAG:         ragPipeline,
		ExternalRAG: externalRAG,
		Graph:       graph,
		SyncRuns:    syncRunRepo,
		Limiter:     limiter,
		Metrics:     m,
		Probes:      probes,
		Logger:      logger,
	}

	// Watchers follow project activation.
	if cfg.WatchEnabled {
		watchers := newWatcherSet(ctx, watcher.Config{
			Debounce:          cfg.WatchDebounce,
			ReconcileInterval: cfg.WatchReconcileInterval,
		}, indexer, documentRepo, m, logger)
		defer watchers.closeAll()
		deps.OnActivate = watchers.follow
	}

	mcpServer := server.NewServer(deps)
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Addr:     cfg.HTTPAddr,
		Registry: m.Registry,
		Probes:   probes,
		Logger:   logger,
	})

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := mcpServer.Run(ctx); err != nil {
			errCh <- err
		}
		// Client disconnect on stdio ends the process.
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			cancel()
			return err
		}
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown: stop workers first, then the HTTP sidecar.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// routingIndexer sends external-corpus tenants to the external collection's
// indexer and everything else to the project one.
type routingIndexer struct {
	project  gitsync.DocumentIndexer
	external gitsync.DocumentIndexer
}

func (r *routingIndexer) pick(key tenant.Key) gitsync.DocumentIndexer {
	if key == tenant.ExternalKey() {
		return r.external
	}
	return r.project
}

func (r *routingIndexer) Index(ctx context.Context, key tenant.Key, filePath, content string) (*ingestion.IndexResult, error) {
	return r.pick(key).Index(ctx, key, filePath, content)
}

func (r *routingIndexer) Delete(ctx context.Context, key tenant.Key, filePath string) (bool, error) {
	return r.pick(key).Delete(ctx, key, filePath)
}

// watcherSet starts one file watcher per activated working tree and keeps it
// running until shutdown.
type watcherSet struct {
	ctx     context.Context
	config  watcher.Config
	indexer *ingestion.Indexer
	docs    repository.DocumentRepository
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher.Watcher
}

func newWatcherSet(ctx context.Context, cfg watcher.Config, indexer *ingestion.Indexer, docs repository.DocumentRepository, m *metrics.Metrics, logger *slog.Logger) *watcherSet {
	return &watcherSet{
		ctx:      ctx,
		config:   cfg,
		indexer:  indexer,
		docs:     docs,
		metrics:  m,
		logger:   logger,
		watchers: make(map[string]*watcher.Watcher),
	}
}

// follow starts a watcher for the session's working tree if one is not
// already running.
func (ws *watcherSet) follow(sess *session.Session) {
	if sess.RepoPath == "" {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, ok := ws.watchers[sess.RepoPath]; ok {
		return
	}

	w, err := watcher.New(sess.RepoPath, sess.Key(), ws.config, ws.indexer, ws.docs, ws.metrics, ws.logger)
	if err != nil {
		ws.logger.Warn("failed to create watcher", "root", sess.RepoPath, "error", err)
		return
	}
	if err := w.Start(ws.ctx); err != nil {
		ws.logger.Warn("failed to start watcher", "root", sess.RepoPath, "error", err)
		return
	}
	ws.watchers[sess.RepoPath] = w
	ws.logger.Info("watching working tree", "root", sess.RepoPath)
}

func (ws *watcherSet) closeAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for root, w := range ws.watchers {
		if err := w.Close(); err != nil {
			ws.logger.Warn("failed to close watcher", "root", root, "error", err)
		}
	}
}

// Interface conformance for the storage and provider implementations.
var (
	_ repository.DocumentRepository = (*postgres.DocumentRepo)(nil)
	_ vectorstore.Store             = (*vectorstore.QdrantStore)(nil)
	_ graphstore.Store              = (*graphstore.Neo4jStore)(nil)
	_ embedder.Embedder             = (*embedder.Service)(nil)
	_ llm.LLM                       = (*llm.OllamaClient)(nil)
	_ gitsync.DocumentIndexer       = (*routingIndexer)(nil)
)
