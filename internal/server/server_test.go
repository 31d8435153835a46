package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomehq/tome/internal/doctype"
	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/session"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/tomeerr"
	"github.com/tomehq/tome/internal/vectorstore"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEmbedder returns a fixed vector for any input.
type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int    { return 3 }
func (f *fakeEmbedder) ModelName() string { return "fake" }

// fakeVectors serves canned hits and records deletions.
type fakeVectors struct {
	hits           []vectorstore.SearchResult
	deletedTenants []tenant.Filter
	lastFilter     tenant.Filter
	lastTopK       int
}

func (f *fakeVectors) EnsureCollection(context.Context, int) error { return nil }

func (f *fakeVectors) Upsert(context.Context, []vectorstore.Point) error { return nil }

func (f *fakeVectors) Search(_ context.Context, filter tenant.Filter, _ []float32, topK int, _ vectorstore.SearchOptions) ([]vectorstore.SearchResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	f.lastFilter = filter
	f.lastTopK = topK
	if topK < len(f.hits) {
		return f.hits[:topK], nil
	}
	return f.hits, nil
}

func (f *fakeVectors) DeleteByDocumentID(context.Context, tenant.Filter, string) error { return nil }

func (f *fakeVectors) UpdatePromotion(context.Context, tenant.Filter, string, repository.PromotionLevel) error {
	return nil
}

func (f *fakeVectors) DeleteByTenant(_ context.Context, filter tenant.Filter) error {
	f.deletedTenants = append(f.deletedTenants, filter)
	return nil
}

var _ vectorstore.Store = (*fakeVectors)(nil)

// fakeDocs is an in-memory DocumentRepository keyed by filter and path.
type fakeDocs struct {
	docs map[tenant.Filter]map[string]*repository.Document
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[tenant.Filter]map[string]*repository.Document)}
}

func (r *fakeDocs) add(filter tenant.Filter, path string) *repository.Document {
	doc := &repository.Document{
		ID:             uuid.New(),
		ProjectName:    filter.ProjectName,
		BranchName:     filter.BranchName,
		PathHash:       filter.PathHash,
		FilePath:       path,
		PromotionLevel: repository.PromotionStandard,
	}
	if r.docs[filter] == nil {
		r.docs[filter] = make(map[string]*repository.Document)
	}
	r.docs[filter][path] = doc
	return doc
}

func (r *fakeDocs) GetByPath(_ context.Context, f tenant.Filter, filePath string) (*repository.Document, error) {
	doc, ok := r.docs[f][filePath]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return doc, nil
}

func (r *fakeDocs) GetByID(_ context.Context, f tenant.Filter, id uuid.UUID) (*repository.Document, error) {
	for _, doc := range r.docs[f] {
		if doc.ID == id {
			return doc, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeDocs) Upsert(_ context.Context, doc *repository.Document) error {
	f := tenant.Filter{ProjectName: doc.ProjectName, BranchName: doc.BranchName, PathHash: doc.PathHash}
	if r.docs[f] == nil {
		r.docs[f] = make(map[string]*repository.Document)
	}
	r.docs[f][doc.FilePath] = doc
	return nil
}

func (r *fakeDocs) Delete(_ context.Context, f tenant.Filter, filePath string) (bool, error) {
	if _, ok := r.docs[f][filePath]; !ok {
		return false, nil
	}
	delete(r.docs[f], filePath)
	return true, nil
}

func (r *fakeDocs) ListByTenant(_ context.Context, f tenant.Filter) ([]*repository.Document, error) {
	out := make([]*repository.Document, 0, len(r.docs[f]))
	for _, doc := range r.docs[f] {
		out = append(out, doc)
	}
	return out, nil
}

func (r *fakeDocs) CountByTenant(_ context.Context, f tenant.Filter) (int64, error) {
	return int64(len(r.docs[f])), nil
}

func (r *fakeDocs) DeleteByTenant(_ context.Context, f tenant.Filter) (int64, error) {
	n := int64(len(r.docs[f]))
	delete(r.docs, f)
	return n, nil
}

func (r *fakeDocs) GetStale(context.Context, tenant.Filter, time.Time) ([]*repository.Document, error) {
	return nil, nil
}

func (r *fakeDocs) UpdatePromotion(_ context.Context, f tenant.Filter, filePath string, level repository.PromotionLevel) (repository.PromotionLevel, error) {
	doc, ok := r.docs[f][filePath]
	if !ok {
		return "", repository.ErrNotFound
	}
	previous := doc.PromotionLevel
	doc.PromotionLevel = level
	return previous, nil
}

func (r *fakeDocs) CreateChunks(context.Context, []*repository.DocumentChunk) error { return nil }

func (r *fakeDocs) GetChunks(context.Context, uuid.UUID) ([]*repository.DocumentChunk, error) {
	return nil, nil
}

func (r *fakeDocs) GetChunksByIDs(context.Context, []uuid.UUID) ([]*repository.DocumentChunk, error) {
	return nil, nil
}

func (r *fakeDocs) DeleteChunks(context.Context, uuid.UUID) error { return nil }

func (r *fakeDocs) ReplaceChunks(context.Context, *repository.Document, []*repository.DocumentChunk) error {
	return nil
}

var _ repository.DocumentRepository = (*fakeDocs)(nil)

func testFilter() tenant.Filter {
	return tenant.Filter{
		ProjectName: "tome",
		BranchName:  "main",
		PathHash:    strings.Repeat("a", 64),
	}
}

// testServer builds a Server with an activated session bound to the empty
// session id, which is what a nil request resolves to.
func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Sessions == nil {
		deps.Sessions = session.NewStore(time.Hour)
	}
	deps.Logger = quietLogger()
	f := testFilter()
	deps.Sessions.Set("", &session.Session{
		ProjectName:  f.ProjectName,
		ActiveBranch: f.BranchName,
		PathHash:     f.PathHash,
		ActivatedAt:  time.Now(),
	})
	return NewServer(deps)
}

func TestSemanticSearchReturnsMatches(t *testing.T) {
	vectors := &fakeVectors{hits: []vectorstore.SearchResult{
		{ChunkID: "c1", DocumentID: "d1", FilePath: "docs/a.md", Content: "alpha", Score: 0.9},
		{ChunkID: "c2", DocumentID: "d1", FilePath: "docs/a.md", Content: "beta", Score: 0.5},
	}}
	s := testServer(t, Deps{Embedder: &fakeEmbedder{}, Vectors: vectors})

	out, err := s.handleSemanticSearch(context.Background(), nil, SemanticSearchInput{Query: "alpha"})
	if err != nil {
		t.Fatalf("handleSemanticSearch: %v", err)
	}
	if len(out.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(out.Matches))
	}
	if out.Matches[0].ChunkID != "c1" || out.Matches[0].Score != 0.9 {
		t.Errorf("unexpected first match: %+v", out.Matches[0])
	}
	if vectors.lastTopK != defaultSearchTopK {
		t.Errorf("expected default top_k %d, got %d", defaultSearchTopK, vectors.lastTopK)
	}
	if vectors.lastFilter != testFilter() {
		t.Errorf("search ran with filter %+v", vectors.lastFilter)
	}
}

func TestSemanticSearchRequiresActiveProject(t *testing.T) {
	s := testServer(t, Deps{Embedder: &fakeEmbedder{}, Vectors: &fakeVectors{}})
	s.deps.Sessions.Clear("")

	_, err := s.handleSemanticSearch(context.Background(), nil, SemanticSearchInput{Query: "q"})
	if tomeerr.KindOf(err) != tomeerr.KindNoActiveProject {
		t.Fatalf("expected NO_ACTIVE_PROJECT, got %v", err)
	}
}

func TestSemanticSearchRejectsEmptyQuery(t *testing.T) {
	s := testServer(t, Deps{Embedder: &fakeEmbedder{}, Vectors: &fakeVectors{}})

	_, err := s.handleSemanticSearch(context.Background(), nil, SemanticSearchInput{Query: "   "})
	if tomeerr.KindOf(err) != tomeerr.KindInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestSearchExternalUsesSharedTenant(t *testing.T) {
	external := &fakeVectors{hits: []vectorstore.SearchResult{
		{ChunkID: "x1", FilePath: "go/context.md", Content: "ctx", Score: 0.8},
	}}
	s := testServer(t, Deps{Embedder: &fakeEmbedder{}, Vectors: &fakeVectors{}, External: external})
	// No activation needed for the shared corpus.
	s.deps.Sessions.Clear("")

	out, err := s.handleSearchExternal(context.Background(), nil, SearchExternalInput{Query: "context"})
	if err != nil {
		t.Fatalf("handleSearchExternal: %v", err)
	}
	if len(out.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(out.Matches))
	}
	if external.lastFilter != tenant.ExternalKey().Filter() {
		t.Errorf("external search ran with filter %+v", external.lastFilter)
	}
}

func TestDeleteDocumentsDryRunCountsWithoutDeleting(t *testing.T) {
	docs := newFakeDocs()
	f := testFilter()
	docs.add(f, "docs/a.md")
	docs.add(f, "docs/b.md")
	vectors := &fakeVectors{}
	s := testServer(t, Deps{Docs: docs, Vectors: vectors})

	out, err := s.handleDeleteDocuments(context.Background(), nil, DeleteDocumentsInput{
		Project: f.ProjectName,
		DryRun:  true,
	})
	if err != nil {
		t.Fatalf("handleDeleteDocuments: %v", err)
	}
	if !out.DryRun || out.DocumentsDeleted != 2 {
		t.Fatalf("unexpected dry run result: %+v", out)
	}
	if len(docs.docs[f]) != 2 {
		t.Error("dry run must not delete documents")
	}
	if len(vectors.deletedTenants) != 0 {
		t.Error("dry run must not touch the vector store")
	}
}

func TestDeleteDocumentsRemovesTenantScope(t *testing.T) {
	docs := newFakeDocs()
	f := testFilter()
	docs.add(f, "docs/a.md")
	vectors := &fakeVectors{}
	s := testServer(t, Deps{Docs: docs, Vectors: vectors})

	out, err := s.handleDeleteDocuments(context.Background(), nil, DeleteDocumentsInput{
		Project: f.ProjectName,
	})
	if err != nil {
		t.Fatalf("handleDeleteDocuments: %v", err)
	}
	if out.DocumentsDeleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", out.DocumentsDeleted)
	}
	if len(vectors.deletedTenants) != 1 || vectors.deletedTenants[0] != f {
		t.Errorf("vector delete ran with %+v", vectors.deletedTenants)
	}
}

func TestDeleteDocumentsOutsideActiveProjectNeedsFullScope(t *testing.T) {
	s := testServer(t, Deps{Docs: newFakeDocs(), Vectors: &fakeVectors{}})

	_, err := s.handleDeleteDocuments(context.Background(), nil, DeleteDocumentsInput{
		Project: "someone-else",
	})
	if tomeerr.KindOf(err) != tomeerr.KindInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestUpdatePromotionTransitions(t *testing.T) {
	docs := newFakeDocs()
	f := testFilter()
	docs.add(f, "docs/runbook.md")
	s := testServer(t, Deps{Docs: docs, Vectors: &fakeVectors{}})

	out, err := s.handleUpdatePromotion(context.Background(), nil, UpdatePromotionInput{
		DocumentPath: "docs/runbook.md",
		Level:        "critical",
	})
	if err != nil {
		t.Fatalf("handleUpdatePromotion: %v", err)
	}
	if out.PreviousLevel != "standard" || out.NewLevel != "critical" {
		t.Errorf("unexpected transition: %+v", out)
	}
	if docs.docs[f]["docs/runbook.md"].PromotionLevel != repository.PromotionCritical {
		t.Error("promotion level not persisted")
	}
}

func TestUpdatePromotionRejectsUnknownLevel(t *testing.T) {
	s := testServer(t, Deps{Docs: newFakeDocs(), Vectors: &fakeVectors{}})

	_, err := s.handleUpdatePromotion(context.Background(), nil, UpdatePromotionInput{
		DocumentPath: "docs/a.md",
		Level:        "urgent",
	})
	if tomeerr.KindOf(err) != tomeerr.KindInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestUpdatePromotionMissingDocument(t *testing.T) {
	s := testServer(t, Deps{Docs: newFakeDocs(), Vectors: &fakeVectors{}})

	_, err := s.handleUpdatePromotion(context.Background(), nil, UpdatePromotionInput{
		DocumentPath: "docs/missing.md",
		Level:        "important",
	})
	if tomeerr.KindOf(err) != tomeerr.KindNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestListDocTypesIncludesBuiltIns(t *testing.T) {
	registry := doctype.NewRegistry(nil)
	if err := registry.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := testServer(t, Deps{Registry: registry})

	out, err := s.handleListDocTypes(context.Background(), nil, ListDocTypesInput{})
	if err != nil {
		t.Fatalf("handleListDocTypes: %v", err)
	}
	if len(out.DocTypes) == 0 {
		t.Fatal("expected built-in doc types")
	}
	found := false
	for _, dt := range out.DocTypes {
		if dt.ID == "adr" && dt.IsBuiltIn {
			found = true
		}
	}
	if !found {
		t.Error("built-in adr type missing from listing")
	}
}

func TestRegisterDocTypeDuplicateSurfacesCode(t *testing.T) {
	registry := doctype.NewRegistry(nil)
	if err := registry.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := testServer(t, Deps{Registry: registry})

	in := RegisterDocTypeInput{ID: "postmortem-lite", Name: "Postmortem Lite"}
	if _, err := s.handleRegisterDocType(context.Background(), nil, in); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	_, err := s.handleRegisterDocType(context.Background(), nil, in)
	if tomeerr.KindOf(err) != tomeerr.KindDuplicateDocType {
		t.Fatalf("expected DUPLICATE_DOC_TYPE, got %v", err)
	}
}

func TestEnvelopeFailureCarriesErrorCode(t *testing.T) {
	result, env, err := failure[struct{}](tomeerr.New(tomeerr.KindNotFound, "gone"))
	if err != nil {
		t.Fatalf("failure returned transport error: %v", err)
	}
	if env.Success || env.ErrorCode != "NOT_FOUND" || env.Error != "gone" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if !result.IsError {
		t.Error("result should be flagged as an error")
	}
}

func TestReadinessHandlerReportsFailingProbe(t *testing.T) {
	probes := map[string]Probe{
		"postgres": func(context.Context) error { return nil },
		"qdrant":   func(context.Context) error { return context.DeadlineExceeded },
	}
	handler := readinessCheckHandler(probes)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "not ready" || body.Components["postgres"] != "ok" {
		t.Errorf("unexpected body: %+v", body)
	}
}
