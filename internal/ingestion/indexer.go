package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tomehq/tome/internal/docparse"
	"github.com/tomehq/tome/internal/doctype"
	"github.com/tomehq/tome/internal/embedder"
	"github.com/tomehq/tome/internal/events"
	"github.com/tomehq/tome/internal/extractor"
	"github.com/tomehq/tome/internal/graphstore"
	"github.com/tomehq/tome/internal/linkgraph"
	"github.com/tomehq/tome/internal/metrics"
	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/tomeerr"
	"github.com/tomehq/tome/internal/vectorstore"
)

// IndexResult reports the outcome of indexing one file.
type IndexResult struct {
	Success        bool
	DocumentID     uuid.UUID
	FilePath       string
	Title          string
	DocType        string
	ChunkCount     int
	ContentChanged bool
	ProcessingMS   int64
	EmbeddingMS    int64
	Warnings       []string
	Errors         []string
}

// IndexerConfig tunes the indexer.
type IndexerConfig struct {
	Chunker ChunkerConfig
	// StrictValidation turns unknown doc types into errors instead of
	// warnings.
	StrictValidation bool
	// EmbedConcurrency bounds parallel chunk embedding. Defaults to 4.
	EmbedConcurrency int
}

// Indexer orchestrates parse, validation, chunking, embedding and the fan-out
// to Postgres, the vector store, the knowledge graph and the link graph.
// Writes to one (tenant, file_path) are serialised through a keyed mutex.
type Indexer struct {
	config    IndexerConfig
	chunker   *Chunker
	validator *doctype.Validator
	docs      repository.DocumentRepository
	embed     embedder.Embedder
	vectors   vectorstore.Store
	graph     graphstore.Store
	extract   *extractor.Extractor
	links     *linkgraph.Graph
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*pathLock
}

// pathLock serialises writers on one (tenant, file_path). Entries are
// reference-counted and dropped when the last holder releases, so the map
// stays bounded by in-flight work rather than every path ever indexed.
type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewIndexer wires the indexer. Graph store, extractor, link graph, bus and
// metrics are optional; a nil value skips that stage. An invalid chunker
// configuration fails construction.
func NewIndexer(
	config IndexerConfig,
	validator *doctype.Validator,
	docs repository.DocumentRepository,
	embed embedder.Embedder,
	vectors vectorstore.Store,
	graph graphstore.Store,
	extract *extractor.Extractor,
	links *linkgraph.Graph,
	bus *events.Bus,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Indexer, error) {
	if config.EmbedConcurrency <= 0 {
		config.EmbedConcurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	chunker, err := NewChunker(config.Chunker)
	if err != nil {
		return nil, err
	}
	return &Indexer{
		config:    config,
		chunker:   chunker,
		validator: validator,
		docs:      docs,
		embed:     embed,
		vectors:   vectors,
		graph:     graph,
		extract:   extract,
		links:     links,
		bus:       bus,
		metrics:   m,
		logger:    logger.With("component", "indexer"),
	}, nil
}

// acquire locks the path for writing and returns the release function.
func (ix *Indexer) acquire(key tenant.Key, filePath string) func() {
	id := key.String() + "|" + filePath

	ix.mu.Lock()
	if ix.locks == nil {
		ix.locks = make(map[string]*pathLock)
	}
	l, ok := ix.locks[id]
	if !ok {
		l = &pathLock{}
		ix.locks[id] = l
	}
	l.refs++
	ix.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		ix.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(ix.locks, id)
		}
		ix.mu.Unlock()
	}
}

// Index ingests one markdown file into the tenant. Parse and validation
// failures return a result with Success=false and a classified error;
// storage or provider failures return the underlying error.
func (ix *Indexer) Index(ctx context.Context, key tenant.Key, filePath, content string) (*IndexResult, error) {
	start := time.Now()
	result := &IndexResult{FilePath: filePath}

	if err := key.Filter().Validate(); err != nil {
		return result, err
	}

	release := ix.acquire(key, filePath)
	defer release()

	// Parse.
	parseStart := time.Now()
	parsed, err := docparse.Parse(content)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}
	ix.observeStage("parse", parseStart)

	result.Title = parsed.Title(filePath)
	result.DocType = parsed.DocType()

	// Validate frontmatter against the declared type. Files that never
	// declare a doc_type stay plain documents and skip validation, so bare
	// markdown from synced repos still indexes.
	if _, declared := parsed.Frontmatter["doc_type"]; declared {
		validation := ix.validator.Validate(parsed.Frontmatter, result.DocType, ix.config.StrictValidation)
		for _, w := range validation.Warnings {
			result.Warnings = append(result.Warnings, w.String())
		}
		if !validation.Valid {
			for _, e := range validation.Errors {
				result.Errors = append(result.Errors, e.String())
			}
			ix.countIndexed(result.DocType, "validation_failed")
			return result, tomeerr.Newf(tomeerr.KindValidationFailed,
				"document %s failed %s validation", filePath, result.DocType)
		}
	}

	bodyHash := embedder.ContentHash(parsed.Body)
	promotion := ix.promotionFor(parsed, result.DocType)

	existing, err := ix.docs.GetByPath(ctx, key.Filter(), filePath)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return result, fmt.Errorf("failed to look up document: %w", err)
	}

	doc := &repository.Document{
		ProjectName:    key.ProjectName,
		BranchName:     key.BranchName,
		PathHash:       key.PathHash,
		FilePath:       filePath,
		Title:          result.Title,
		DocType:        result.DocType,
		PromotionLevel: promotion,
		Frontmatter:    parsed.Frontmatter,
		BodyHash:       bodyHash,
	}

	eventType := events.TypeCreated
	if existing != nil {
		doc.ID = existing.ID
		doc.CommitHash = existing.CommitHash
		eventType = events.TypeUpdated

		if existing.BodyHash == bodyHash {
			// Metadata-only path: frontmatter or promotion changed, the body
			// did not. No re-chunk, no re-embed.
			doc.ChunkCount = existing.ChunkCount
			doc.Embedding = existing.Embedding
			if err := ix.docs.Upsert(ctx, doc); err != nil {
				return result, fmt.Errorf("failed to update document metadata: %w", err)
			}
			ix.updateLinkGraph(filePath, parsed)
			ix.publish(eventType, key, filePath, doc.ID, false)

			result.Success = true
			result.DocumentID = doc.ID
			result.ChunkCount = existing.ChunkCount
			result.ProcessingMS = time.Since(start).Milliseconds()
			ix.countIndexed(result.DocType, "metadata_only")
			return result, nil
		}
	}

	// Chunk.
	chunkStart := time.Now()
	chunks := ix.chunker.Chunk(parsed.Body)
	ix.observeStage("chunk", chunkStart)

	// Embed, in parallel, reassembled by index.
	embedStart := time.Now()
	vectors, err := ix.embedChunks(ctx, chunks)
	if err != nil {
		ix.countIndexed(result.DocType, "embed_failed")
		return result, err
	}
	result.EmbeddingMS = time.Since(embedStart).Milliseconds()
	if ix.metrics != nil {
		ix.metrics.ChunksEmbedded.Add(float64(len(chunks)))
	}

	// A body that fits in one chunk carries its vector on the document row
	// as well; multi-chunk documents keep the vectors on the chunks alone.
	if len(chunks) == 1 {
		doc.Embedding = vectors[0]
	}

	// Persist document and chunks in one transaction.
	storeStart := time.Now()
	docChunks := make([]*repository.DocumentChunk, len(chunks))
	for i, c := range chunks {
		docChunks[i] = &repository.DocumentChunk{
			ID:          uuid.New(),
			ChunkIndex:  c.Index,
			HeaderPath:  HeaderPathString(c.HeaderPath),
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			Content:     c.Content,
			ContentHash: embedder.ContentHash(c.Content),
			TokenCount:  c.TokenCount,
		}
	}
	if err := ix.docs.ReplaceChunks(ctx, doc, docChunks); err != nil {
		ix.countIndexed(result.DocType, "store_failed")
		return result, fmt.Errorf("failed to store document: %w", err)
	}
	ix.observeStage("store", storeStart)

	// Replace the document's vectors.
	vectorStart := time.Now()
	if err := ix.vectors.DeleteByDocumentID(ctx, key.Filter(), doc.ID.String()); err != nil {
		return result, fmt.Errorf("failed to clear old vectors: %w", err)
	}
	points := make([]vectorstore.Point, len(docChunks))
	for i, c := range docChunks {
		points[i] = vectorstore.Point{
			ChunkID:    c.ID.String(),
			DocumentID: doc.ID.String(),
			FilePath:   filePath,
			HeaderPath: c.HeaderPath,
			Content:    c.Content,
			Vector:     vectors[i],
			Filter:     key.Filter(),
			Promotion:  doc.PromotionLevel,
		}
	}
	if len(points) > 0 {
		if err := ix.vectors.Upsert(ctx, points); err != nil {
			return result, fmt.Errorf("failed to index vectors: %w", err)
		}
	}
	ix.observeStage("vectors", vectorStart)

	// Mirror into the knowledge graph; best-effort concept extraction.
	if ix.graph != nil {
		graphStart := time.Now()
		if err := ix.mirrorToGraph(ctx, key, doc, parsed, docChunks); err != nil {
			ix.logger.Warn("failed to mirror document into graph",
				"file_path", filePath, "error", err)
		}
		ix.observeStage("graph", graphStart)
	}

	ix.updateLinkGraph(filePath, parsed)
	ix.publish(eventType, key, filePath, doc.ID, true)

	result.Success = true
	result.ContentChanged = true
	result.DocumentID = doc.ID
	result.ChunkCount = len(docChunks)
	result.ProcessingMS = time.Since(start).Milliseconds()
	ix.countIndexed(result.DocType, "indexed")

	ix.logger.Info("indexed document",
		"file_path", filePath,
		"doc_type", result.DocType,
		"chunks", result.ChunkCount,
		"processing_ms", result.ProcessingMS)
	return result, nil
}

// embedChunks embeds chunk contents with bounded parallelism and returns the
// vectors in chunk-index order.
func (ix *Indexer) embedChunks(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	if len(chunks) == 0 {
		return vectors, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.config.EmbedConcurrency)
	for i, c := range chunks {
		g.Go(func() error {
			vec, err := ix.embed.Embed(gctx, c.Content)
			if err != nil {
				return fmt.Errorf("failed to embed chunk %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// mirrorToGraph upserts the document, its sections and chunks, then runs
// best-effort concept extraction per chunk.
func (ix *Indexer) mirrorToGraph(ctx context.Context, key tenant.Key, doc *repository.Document, parsed *docparse.Document, chunks []*repository.DocumentChunk) error {
	docID := doc.ID.String()
	if err := ix.graph.DeleteDocumentCascade(ctx, docID); err != nil {
		return fmt.Errorf("failed to clear graph document: %w", err)
	}
	if err := ix.graph.UpsertDocument(ctx, graphstore.DocumentNode{
		ID:       docID,
		Tenant:   key.String(),
		FilePath: doc.FilePath,
		Title:    doc.Title,
		DocType:  doc.DocType,
	}); err != nil {
		return fmt.Errorf("failed to upsert document node: %w", err)
	}

	for i, h := range parsed.Headers {
		section := graphstore.SectionNode{
			ID:         fmt.Sprintf("%s#s%d", docID, i),
			DocumentID: docID,
			Title:      h.Text,
			Level:      h.Level,
		}
		if err := ix.graph.UpsertSection(ctx, section); err != nil {
			return fmt.Errorf("failed to upsert section node: %w", err)
		}
		if err := ix.graph.CreateRelationship(ctx, graphstore.Relationship{
			Type: graphstore.RelHasSection, SourceID: docID, TargetID: section.ID,
		}); err != nil {
			return fmt.Errorf("failed to link section: %w", err)
		}
	}

	for _, c := range chunks {
		node := graphstore.ChunkNode{ID: c.ID.String(), DocumentID: docID, Index: c.ChunkIndex}
		if err := ix.graph.UpsertChunk(ctx, node); err != nil {
			return fmt.Errorf("failed to upsert chunk node: %w", err)
		}
		if err := ix.graph.CreateRelationship(ctx, graphstore.Relationship{
			Type: graphstore.RelHasChunk, SourceID: docID, TargetID: node.ID,
		}); err != nil {
			return fmt.Errorf("failed to link chunk: %w", err)
		}

		if ix.extract == nil {
			continue
		}
		ex := ix.extract.Extract(ctx, key, c.Content)
		for _, concept := range ex.Concepts {
			if err := ix.graph.UpsertConcept(ctx, concept); err != nil {
				return fmt.Errorf("failed to upsert concept: %w", err)
			}
			if err := ix.graph.CreateRelationship(ctx, graphstore.Relationship{
				Type: graphstore.RelMentions, SourceID: node.ID, TargetID: concept.ID,
			}); err != nil {
				return fmt.Errorf("failed to link concept: %w", err)
			}
		}
		for _, rel := range ex.Relationships {
			if err := ix.graph.CreateRelationship(ctx, graphstore.Relationship{
				Type: graphstore.RelRelatesTo, SourceID: rel.SourceID, TargetID: rel.TargetID,
			}); err != nil {
				return fmt.Errorf("failed to relate concepts: %w", err)
			}
		}
	}
	return nil
}

func (ix *Indexer) updateLinkGraph(filePath string, parsed *docparse.Document) {
	if ix.links == nil {
		return
	}
	ix.links.AddDocument(filePath)
	ix.links.ClearLinksFrom(filePath)
	for _, l := range parsed.Links {
		ix.links.AddLink(filePath, linkgraph.Resolve(filePath, l.URL))
	}
}

// Delete removes a document everywhere. Deleting an unknown document returns
// false without error.
func (ix *Indexer) Delete(ctx context.Context, key tenant.Key, filePath string) (bool, error) {
	if err := key.Filter().Validate(); err != nil {
		return false, err
	}

	release := ix.acquire(key, filePath)
	defer release()

	doc, err := ix.docs.GetByPath(ctx, key.Filter(), filePath)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up document: %w", err)
	}

	docID := doc.ID.String()
	if err := ix.vectors.DeleteByDocumentID(ctx, key.Filter(), docID); err != nil {
		return false, fmt.Errorf("failed to delete vectors: %w", err)
	}
	if ix.graph != nil {
		if err := ix.graph.DeleteDocumentCascade(ctx, docID); err != nil {
			ix.logger.Warn("failed to delete graph document", "file_path", filePath, "error", err)
		}
	}
	if _, err := ix.docs.Delete(ctx, key.Filter(), filePath); err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	if ix.links != nil {
		ix.links.RemoveDocument(filePath)
	}
	ix.publish(events.TypeDeleted, key, filePath, doc.ID, true)
	if ix.metrics != nil {
		ix.metrics.DocumentsDeleted.WithLabelValues("requested").Inc()
	}

	ix.logger.Info("deleted document", "file_path", filePath)
	return true, nil
}

// BatchResult pairs a file with its independent outcome.
type BatchResult struct {
	FilePath string
	Result   *IndexResult
	Err      error
}

// IndexBatch indexes files sequentially with per-file isolation: one failed
// file never aborts the rest.
func (ix *Indexer) IndexBatch(ctx context.Context, key tenant.Key, files map[string]string) []BatchResult {
	results := make([]BatchResult, 0, len(files))
	for path, content := range files {
		if ctx.Err() != nil {
			break
		}
		res, err := ix.Index(ctx, key, path, content)
		results = append(results, BatchResult{FilePath: path, Result: res, Err: err})
	}
	return results
}

// promotionFor resolves the promotion level: explicit frontmatter value
// first, then the doc type's default.
func (ix *Indexer) promotionFor(parsed *docparse.Document, docType string) repository.PromotionLevel {
	if raw, ok := parsed.Frontmatter["promotion_level"].(string); ok {
		if level, valid := repository.ParsePromotionLevel(raw); valid {
			return level
		}
	}
	if def, ok := ix.validator.Registry().Get(docType); ok {
		return def.DefaultPromotionLevel
	}
	return repository.PromotionStandard
}

func (ix *Indexer) publish(t events.Type, key tenant.Key, filePath string, docID uuid.UUID, contentChanged bool) {
	if ix.bus == nil {
		return
	}
	ix.bus.Publish(events.Event{
		Type:      t,
		FilePath:  filePath,
		Tenant:    key,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"document_id":     docID.String(),
			"content_changed": contentChanged,
		},
	})
	if ix.metrics != nil {
		ix.metrics.EventsPublished.WithLabelValues(string(t)).Inc()
	}
}

func (ix *Indexer) observeStage(stage string, start time.Time) {
	if ix.metrics != nil {
		ix.metrics.ObserveStage(stage, time.Since(start))
	}
}

func (ix *Indexer) countIndexed(docType, status string) {
	if ix.metrics != nil {
		ix.metrics.DocumentsIndexed.WithLabelValues(docType, status).Inc()
	}
}
