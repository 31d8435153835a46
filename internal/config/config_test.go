package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ChunkSize != 1000 {
		t.Errorf("ChunkSize = %d, want 1000", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap != 200 {
		t.Errorf("ChunkOverlap = %d, want 200", cfg.ChunkOverlap)
	}
	if cfg.EmbeddingDim != 1024 {
		t.Errorf("EmbeddingDim = %d, want 1024", cfg.EmbeddingDim)
	}
	if cfg.RAGVectorWeight != 0.7 || cfg.RAGGraphWeight != 0.3 {
		t.Errorf("blend weights = %v/%v, want 0.7/0.3", cfg.RAGVectorWeight, cfg.RAGGraphWeight)
	}
	if !cfg.CacheEnabled {
		t.Error("cache should default to enabled")
	}
}

func TestLoadRejectsBadOverlap(t *testing.T) {
	t.Setenv("TOME_CHUNK_SIZE", "100")
	t.Setenv("TOME_CHUNK_OVERLAP", "100")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when overlap >= chunk size")
	}
}

func TestLoadRepos(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repos.yml")
	content := `repositories:
  - name: docs
    url: https://example.com/docs.git
    monitored_paths:
      - docs/
      - guides/
  - name: api-reference
    url: https://example.com/api.git
    branch: release
    external: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	repos, err := LoadRepos(path)
	if err != nil {
		t.Fatalf("LoadRepos() error = %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("got %d repos, want 2", len(repos))
	}
	if repos[0].Branch != "main" {
		t.Errorf("missing branch must default to main, got %q", repos[0].Branch)
	}
	if len(repos[0].MonitoredPaths) != 2 {
		t.Errorf("monitored paths = %v", repos[0].MonitoredPaths)
	}
	if !repos[1].External {
		t.Error("external flag not parsed")
	}
}

func TestLoadReposEmptyPath(t *testing.T) {
	repos, err := LoadRepos("")
	if err != nil {
		t.Fatalf("LoadRepos(\"\") error = %v", err)
	}
	if repos != nil {
		t.Errorf("expected nil repos, got %v", repos)
	}
}

func TestLoadReposMissingName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repos.yml")
	if err := os.WriteFile(path, []byte("repositories:\n  - url: https://x.git\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRepos(path); err == nil {
		t.Fatal("expected error for repo without name")
	}
}
