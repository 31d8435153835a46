// Command tomesync runs one sync cycle for one configured repository, or for
// all of them, and exits. Exit codes: 0 on success, 1 for unknown
// repositories or configuration errors, 2 for transient sync failures.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tomehq/tome/internal/config"
	"github.com/tomehq/tome/internal/doctype"
	"github.com/tomehq/tome/internal/embedder"
	"github.com/tomehq/tome/internal/extractor"
	"github.com/tomehq/tome/internal/gitsync"
	"github.com/tomehq/tome/internal/graphstore"
	"github.com/tomehq/tome/internal/ingestion"
	"github.com/tomehq/tome/internal/linkgraph"
	"github.com/tomehq/tome/internal/llm"
	"github.com/tomehq/tome/internal/metrics"
	"github.com/tomehq/tome/internal/repository/postgres"
	"github.com/tomehq/tome/internal/resilience"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/tomeerr"
	"github.com/tomehq/tome/internal/vectorstore"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitTransient = 2
)

func main() {
	repoName := flag.String("repo", "", "repository to sync (default: all configured repositories)")
	reposPath := flag.String("repos", "", "path to the repositories YAML (default: TOME_REPOS_CONFIG)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	os.Exit(run(*repoName, *reposPath, logger))
}

func run(repoName, reposPath string, logger *slog.Logger) int {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return exitConfig
	}
	if reposPath == "" {
		reposPath = cfg.ReposConfig
	}
	repoList, err := config.LoadRepos(reposPath)
	if err != nil {
		logger.Error("failed to load repositories config", "error", err)
		return exitConfig
	}
	if len(repoList) == 0 {
		logger.Error("no repositories configured", "path", reposPath)
		return exitConfig
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return exitTransient
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		return exitTransient
	}

	qdrantClient, err := vectorstore.NewQdrantClient(cfg.QdrantHost, cfg.QdrantPort)
	if err != nil {
		logger.Error("failed to connect to Qdrant", "error", err)
		return exitTransient
	}
	defer qdrantClient.Close()
	stores := &corpusStores{
		vectors:  vectorstore.NewQdrantStore(qdrantClient, cfg.QdrantCollection),
		external: vectorstore.NewQdrantStore(qdrantClient, cfg.ExternalCollection),
	}

	graph, err := graphstore.NewNeo4jStore(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		logger.Error("failed to connect to Neo4j", "error", err)
		return exitTransient
	}
	defer graph.Close(context.Background())

	m := metrics.New("tome")
	indexer, err := buildIndexer(ctx, cfg, db, stores, graph, m, logger)
	if err != nil {
		logger.Error("failed to build indexer", "error", err)
		return exitTransient
	}

	runner := gitsync.NewRunner(cfg.SyncWorkspace, repoList, indexer,
		graph, postgres.NewDocumentRepo(db), postgres.NewSyncRunRepo(db), m, logger)

	if repoName != "" {
		err = syncOne(ctx, runner, repoName)
	} else {
		err = runner.SyncAll(ctx)
	}
	if err != nil {
		logger.Error("sync failed", "error", err)
		switch tomeerr.KindOf(err) {
		case tomeerr.KindNotFound, tomeerr.KindInvalidArgument:
			return exitConfig
		}
		return exitTransient
	}

	logger.Info("sync complete")
	return exitOK
}

func syncOne(ctx context.Context, runner *gitsync.Runner, repoName string) error {
	result, err := runner.Sync(ctx, repoName)
	if err != nil {
		return err
	}
	slog.Info("repository synced",
		"repo", result.RepoName,
		"head", result.HeadCommit,
		"indexed", result.FilesIndexed,
		"deleted", result.FilesDeleted,
		"skipped", result.FilesSkipped,
	)
	return nil
}

// corpusStores pairs the per-project and external collections over one
// client connection.
type corpusStores struct {
	vectors  *vectorstore.QdrantStore
	external *vectorstore.QdrantStore
}

func buildIndexer(ctx context.Context, cfg *config.Config, db *postgres.DB, stores *corpusStores, graph graphstore.Store, m *metrics.Metrics, logger *slog.Logger) (gitsync.DocumentIndexer, error) {
	if err := stores.vectors.EnsureCollection(ctx, cfg.EmbeddingDim); err != nil {
		return nil, fmt.Errorf("failed to ensure documents collection: %w", err)
	}
	if err := stores.external.EnsureCollection(ctx, cfg.EmbeddingDim); err != nil {
		return nil, fmt.Errorf("failed to ensure external collection: %w", err)
	}

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
	embed := embedder.NewService(provider, cache, embedPipeline, logger)

	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.LLMModel),
	)
	extract := extractor.New(llmClient, cfg.LLMModel, genPipeline, logger)

	registry := doctype.NewRegistry(postgres.NewDocTypeRepo(db))
	if err := registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load doc types: %w", err)
	}

	documentRepo := postgres.NewDocumentRepo(db)
	indexerConfig := ingestion.IndexerConfig{
		Chunker: ingestion.ChunkerConfig{
			ChunkSize:         cfg.ChunkSize,
			Overlap:           cfg.ChunkOverlap,
			RespectParagraphs: cfg.RespectParagraphs,
		},
	}
	validator := doctype.NewValidator(registry)
	links := linkgraph.New()

	project, err := ingestion.NewIndexer(indexerConfig, validator, documentRepo, embed, stores.vectors, graph, extract, links, nil, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build indexer: %w", err)
	}
	external, err := ingestion.NewIndexer(indexerConfig, validator, documentRepo, embed, stores.external, graph, extract, links, nil, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build external indexer: %w", err)
	}
	return &routingIndexer{project: project, external: external}, nil
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
