package gitsync

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomehq/tome/internal/config"
	"github.com/tomehq/tome/internal/graphstore"
	"github.com/tomehq/tome/internal/ingestion"
	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/tomeerr"
)

type fakeIndexer struct {
	mu      sync.Mutex
	docs    map[string]string
	indexed []string
	deleted []string
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{docs: make(map[string]string)}
}

func (f *fakeIndexer) Index(_ context.Context, _ tenant.Key, filePath, content string) (*ingestion.IndexResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[filePath] = content
	f.indexed = append(f.indexed, filePath)
	return &ingestion.IndexResult{Success: true, FilePath: filePath}, nil
}

func (f *fakeIndexer) Delete(_ context.Context, _ tenant.Key, filePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, had := f.docs[filePath]
	delete(f.docs, filePath)
	f.deleted = append(f.deleted, filePath)
	return had, nil
}

// syncStateStore implements graphstore.Store but only the sync-state methods
// do anything.
type syncStateStore struct {
	mu    sync.Mutex
	state map[string]string
}

func newSyncStateStore() *syncStateStore {
	return &syncStateStore{state: make(map[string]string)}
}

func (s *syncStateStore) UpsertDocument(context.Context, graphstore.DocumentNode) error { return nil }
func (s *syncStateStore) UpsertSection(context.Context, graphstore.SectionNode) error   { return nil }
func (s *syncStateStore) UpsertChunk(context.Context, graphstore.ChunkNode) error       { return nil }
func (s *syncStateStore) UpsertConcept(context.Context, graphstore.ConceptNode) error   { return nil }
func (s *syncStateStore) CreateRelationship(context.Context, graphstore.Relationship) error {
	return nil
}

func (s *syncStateStore) GetRelatedConcepts(context.Context, string, int) ([]graphstore.RelatedConcept, error) {
	return nil, nil
}

func (s *syncStateStore) GetChunksByConcept(context.Context, string) ([]graphstore.ChunkNode, error) {
	return nil, nil
}

func (s *syncStateStore) GetConceptsForChunks(context.Context, []string) ([]graphstore.ConceptNode, error) {
	return nil, nil
}

func (s *syncStateStore) DeleteDocumentCascade(context.Context, string) error { return nil }

func (s *syncStateStore) GetSyncState(_ context.Context, repoName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, ok := s.state[repoName]
	if !ok {
		return "", repository.ErrNotFound
	}
	return head, nil
}

func (s *syncStateStore) SetSyncState(_ context.Context, repoName, headCommit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[repoName] = headCommit
	return nil
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newOrigin creates a local repository with an initial commit of markdown and
// non-markdown files.
func newOrigin(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	writeFile(t, dir, "docs/guide.md", "# Guide\n\nA guide document.")
	writeFile(t, dir, "docs/Setup.md", "# Setup\n\nSetup notes.")
	writeFile(t, dir, "docs/diagram.png", "not markdown")
	writeFile(t, dir, "internal/secret.md", "# Secret\n\nOutside monitored paths.")
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial")
	return dir
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSyncFullWalkThenIncremental(t *testing.T) {
	origin := newOrigin(t)
	workspace := t.TempDir()

	indexer := newFakeIndexer()
	graph := newSyncStateStore()
	runner := NewRunner(workspace, []config.RepoConfig{{
		Name:           "handbook",
		URL:            origin,
		Branch:         "main",
		MonitoredPaths: []string{"docs"},
	}}, indexer, graph, nil, nil, nil, testLogger())

	ctx := context.Background()

	res, err := runner.Sync(ctx, "handbook")
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if res.FilesIndexed != 2 {
		t.Errorf("indexed = %d, want 2 markdown files under docs/", res.FilesIndexed)
	}
	if _, ok := indexer.docs["handbook:docs/guide.md"]; !ok {
		t.Errorf("guide.md not indexed under lowercased doc path, got %v", indexer.indexed)
	}
	if _, ok := indexer.docs["handbook:docs/setup.md"]; !ok {
		t.Errorf("Setup.md doc path must be lowercased, got %v", indexer.indexed)
	}
	if _, ok := indexer.docs["handbook:internal/secret.md"]; ok {
		t.Error("file outside monitored paths must not be indexed")
	}
	head, err := graph.GetSyncState(ctx, "handbook")
	if err != nil || head != res.HeadCommit {
		t.Errorf("sync state = %q (%v), want head %q persisted", head, err, res.HeadCommit)
	}

	// No new commits: nothing to do.
	res, err = runner.Sync(ctx, "handbook")
	if err != nil {
		t.Fatalf("idle sync: %v", err)
	}
	if res.FilesIndexed != 0 || res.FilesDeleted != 0 {
		t.Errorf("idle sync touched files: %+v", res)
	}

	// Modify one file, delete another, add a third.
	writeFile(t, origin, "docs/guide.md", "# Guide\n\nUpdated content.")
	writeFile(t, origin, "docs/faq.md", "# FAQ\n\nQuestions.")
	gitRun(t, origin, "rm", "-q", "docs/Setup.md")
	gitRun(t, origin, "add", ".")
	gitRun(t, origin, "commit", "-m", "update")

	res, err = runner.Sync(ctx, "handbook")
	if err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	if res.FilesIndexed != 2 {
		t.Errorf("indexed = %d, want guide.md + faq.md", res.FilesIndexed)
	}
	if res.FilesDeleted != 1 {
		t.Errorf("deleted = %d, want 1", res.FilesDeleted)
	}
	if _, ok := indexer.docs["handbook:docs/setup.md"]; ok {
		t.Error("removed file must be deleted from the index")
	}
	if indexer.docs["handbook:docs/guide.md"] != "# Guide\n\nUpdated content." {
		t.Error("modified file must be reindexed with new content")
	}
}

func TestSyncUnknownRepoFailsBeforeGit(t *testing.T) {
	runner := NewRunner(t.TempDir(), nil, newFakeIndexer(), newSyncStateStore(), nil, nil, nil, testLogger())
	_, err := runner.Sync(context.Background(), "nope")
	if tomeerr.KindOf(err) != tomeerr.KindNotFound {
		t.Fatalf("err kind = %v, want NotFound", tomeerr.KindOf(err))
	}
}

func TestSyncRepoNameIsCaseInsensitive(t *testing.T) {
	origin := newOrigin(t)
	runner := NewRunner(t.TempDir(), []config.RepoConfig{{
		Name:   "Handbook",
		URL:    origin,
		Branch: "main",
	}}, newFakeIndexer(), newSyncStateStore(), nil, nil, nil, testLogger())

	if _, err := runner.Sync(context.Background(), "HANDBOOK"); err != nil {
		t.Fatalf("case-insensitive lookup: %v", err)
	}
}

type fakeStaleLister struct {
	stale []*repository.Document
}

func (f *fakeStaleLister) GetStale(context.Context, tenant.Filter, time.Time) ([]*repository.Document, error) {
	return f.stale, nil
}

func TestFullWalkPrunesVanishedDocuments(t *testing.T) {
	origin := newOrigin(t)
	indexer := newFakeIndexer()
	lister := &fakeStaleLister{stale: []*repository.Document{
		{FilePath: "handbook:docs/gone.md"},
		{FilePath: "otherrepo:docs/keep.md"}, // shared tenant, other repo's doc
	}}
	runner := NewRunner(t.TempDir(), []config.RepoConfig{{
		Name:   "handbook",
		URL:    origin,
		Branch: "main",
	}}, indexer, newSyncStateStore(), lister, nil, nil, testLogger())

	res, err := runner.Sync(context.Background(), "handbook")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.FilesDeleted != 1 {
		t.Errorf("deleted = %d, want only the vanished doc pruned", res.FilesDeleted)
	}
	deleted := map[string]bool{}
	for _, p := range indexer.deleted {
		deleted[p] = true
	}
	if !deleted["handbook:docs/gone.md"] {
		t.Error("vanished document was not pruned")
	}
	if deleted["otherrepo:docs/keep.md"] {
		t.Error("another repo's document must never be pruned")
	}
}

func TestSyncAllIsolatesFailingRepo(t *testing.T) {
	origin := newOrigin(t)
	indexer := newFakeIndexer()
	runner := NewRunner(t.TempDir(), []config.RepoConfig{
		{Name: "handbook", URL: origin, Branch: "main"},
		{Name: "broken", URL: filepath.Join(t.TempDir(), "does-not-exist"), Branch: "main"},
	}, indexer, newSyncStateStore(), nil, nil, nil, testLogger())

	err := runner.SyncAll(context.Background())
	if err == nil {
		t.Fatal("expected joined error from the broken repo")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error = %v, want it to name the failing repo", err)
	}
	indexer.mu.Lock()
	indexed := len(indexer.indexed)
	indexer.mu.Unlock()
	if indexed == 0 {
		t.Error("healthy repo must still be synced when a sibling fails")
	}
}

func TestMonitoredPrefixes(t *testing.T) {
	tests := []struct {
		name     string
		prefixes []string
		path     string
		want     bool
	}{
		{"empty list admits all", nil, "anything/at/all.md", true},
		{"direct prefix", []string{"docs"}, "docs/guide.md", true},
		{"nested prefix", []string{"docs/api"}, "docs/api/v2/ref.md", true},
		{"no partial segment match", []string{"doc"}, "docs/guide.md", false},
		{"outside prefix", []string{"docs"}, "internal/secret.md", false},
		{"leading slash tolerated", []string{"/docs/"}, "docs/guide.md", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := monitored(tt.prefixes, tt.path); got != tt.want {
				t.Errorf("monitored(%v, %q) = %v, want %v", tt.prefixes, tt.path, got, tt.want)
			}
		})
	}
}

type countingSyncer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSyncer) SyncAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *countingSyncer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSchedulerRunsImmediatePassAndStops(t *testing.T) {
	syncer := &countingSyncer{}
	sched := NewScheduler(time.Hour, syncer, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for syncer.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("scheduler never ran the initial pass")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancellation")
	}
}
