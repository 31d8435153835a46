package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tomehq/tome/internal/tomeerr"
)

func TestStoreGetUnknownSession(t *testing.T) {
	store := NewStore(time.Hour)
	if _, err := store.Get("nope"); !errors.Is(err, ErrNoActiveProject) {
		t.Fatalf("err = %v, want ErrNoActiveProject", err)
	}
}

func TestStoreSetGetClear(t *testing.T) {
	store := NewStore(time.Hour)
	store.Set("sid", &Session{ProjectName: "demo", ActiveBranch: "main", PathHash: "abc"})

	got, err := store.Get("sid")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProjectName != "demo" || got.Key().BranchName != "main" {
		t.Errorf("session = %+v", got)
	}

	store.Clear("sid")
	if _, err := store.Get("sid"); !errors.Is(err, ErrNoActiveProject) {
		t.Errorf("cleared session must not resolve, got %v", err)
	}
}

func TestStoreExpiry(t *testing.T) {
	store := NewStore(10 * time.Millisecond)
	store.Set("sid", &Session{ProjectName: "demo"})
	time.Sleep(30 * time.Millisecond)
	if _, err := store.Get("sid"); !errors.Is(err, ErrNoActiveProject) {
		t.Fatalf("expired session must not resolve, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("expired entry must be evicted on read")
	}
}

func TestActivateWithDirectoryDefaults(t *testing.T) {
	root := t.TempDir()
	store := NewStore(time.Hour)
	activator := NewActivator(nil, nil, nil, store, nil)

	sess, err := activator.Activate(context.Background(), "sid", root, "")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if sess.ProjectName != filepath.Base(root) {
		t.Errorf("project = %q, want directory name", sess.ProjectName)
	}
	if sess.ActiveBranch != "main" {
		t.Errorf("branch = %q, want main default", sess.ActiveBranch)
	}
	if len(sess.PathHash) != 64 {
		t.Errorf("path hash must be full sha256 hex, got %q", sess.PathHash)
	}

	// The session resolves afterwards.
	if got, err := store.Get("sid"); err != nil || got.ProjectName != sess.ProjectName {
		t.Errorf("session not bound: %v %+v", err, got)
	}
}

func TestActivateReadsProjectConfig(t *testing.T) {
	root := t.TempDir()
	cfgDir := filepath.Join(root, ".tome")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := "name: handbook\nbranch: develop\n"
	if err := os.WriteFile(filepath.Join(cfgDir, "project.yml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	activator := NewActivator(nil, nil, nil, NewStore(time.Hour), nil)
	sess, err := activator.Activate(context.Background(), "sid", root, "")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if sess.ProjectName != "handbook" || sess.ActiveBranch != "develop" {
		t.Errorf("session = %+v, want config values", sess)
	}
}

func TestActivateBranchOverridesConfig(t *testing.T) {
	root := t.TempDir()
	cfgDir := filepath.Join(root, ".tome")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "project.yml"), []byte("name: handbook\nbranch: develop\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	activator := NewActivator(nil, nil, nil, NewStore(time.Hour), nil)
	sess, err := activator.Activate(context.Background(), "sid", root, "feature/x")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if sess.ActiveBranch != "feature/x" {
		t.Errorf("branch = %q, want override", sess.ActiveBranch)
	}
}

func TestActivateMissingPath(t *testing.T) {
	activator := NewActivator(nil, nil, nil, NewStore(time.Hour), nil)
	_, err := activator.Activate(context.Background(), "sid", "/does/not/exist", "")
	if tomeerr.KindOf(err) != tomeerr.KindNotFound {
		t.Fatalf("err kind = %v, want NotFound", tomeerr.KindOf(err))
	}
}

func TestUpdateClaudeMDIsIdempotent(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "CLAUDE.md")
	if err := os.WriteFile(path, []byte("# Project notes\n\nKeep these.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := updateClaudeMD(root); err != nil {
		t.Fatalf("first update: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(first), "Keep these.") {
		t.Error("existing content must survive")
	}
	if strings.Count(string(first), claudeMDBegin) != 1 {
		t.Error("block must be inserted exactly once")
	}

	if err := updateClaudeMD(root); err != nil {
		t.Fatalf("second update: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("repeated activation must not change the file")
	}
}

func TestUpdateClaudeMDReplacesStaleBlock(t *testing.T) {
	root := t.TempDir()
	stale := "intro\n" + claudeMDBegin + "\nold text\n" + claudeMDEnd + "\noutro\n"
	path := filepath.Join(root, "CLAUDE.md")
	if err := os.WriteFile(path, []byte(stale), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := updateClaudeMD(root); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(got)
	if strings.Contains(text, "old text") {
		t.Error("stale block content must be replaced")
	}
	if !strings.HasPrefix(text, "intro\n") || !strings.Contains(text, "outro") {
		t.Error("content outside the block must be untouched")
	}
}
