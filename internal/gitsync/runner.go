// Package gitsync keeps configured git repositories mirrored into the index.
// The runner clones or updates each repository, diffs the tree against the
// last processed head, and fans the changed markdown files into the indexer.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/utils/merkletrie"
	"golang.org/x/sync/errgroup"

	"github.com/tomehq/tome/internal/config"
	"github.com/tomehq/tome/internal/graphstore"
	"github.com/tomehq/tome/internal/ingestion"
	"github.com/tomehq/tome/internal/metrics"
	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/tomeerr"
)

// DocumentIndexer is the slice of the indexer the runner needs.
type DocumentIndexer interface {
	Index(ctx context.Context, key tenant.Key, filePath, content string) (*ingestion.IndexResult, error)
	Delete(ctx context.Context, key tenant.Key, filePath string) (bool, error)
}

// StaleLister finds documents a full walk did not touch, so files removed
// upstream while no sync state existed can be pruned.
type StaleLister interface {
	GetStale(ctx context.Context, filter tenant.Filter, before time.Time) ([]*repository.Document, error)
}

// Result summarises one sync run for one repository.
type Result struct {
	RepoName     string
	HeadCommit   string
	FilesIndexed int
	FilesDeleted int
	FilesSkipped int
}

// Runner syncs configured repositories into the index. Each repository is
// cloned under the workspace directory by name; runs for the same repository
// are mutually exclusive.
type Runner struct {
	workspace string
	repos     map[string]config.RepoConfig
	indexer   DocumentIndexer
	graph     graphstore.Store
	docs      StaleLister
	syncRuns  repository.SyncRunRepository
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunner creates a runner over the configured repositories. Repository
// names are matched case-insensitively. The stale lister, sync-run
// repository, and metrics are optional.
func NewRunner(
	workspace string,
	repos []config.RepoConfig,
	indexer DocumentIndexer,
	graph graphstore.Store,
	docs StaleLister,
	syncRuns repository.SyncRunRepository,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]config.RepoConfig, len(repos))
	for _, repo := range repos {
		byName[strings.ToLower(repo.Name)] = repo
	}
	return &Runner{
		workspace: workspace,
		repos:     byName,
		indexer:   indexer,
		graph:     graph,
		docs:      docs,
		syncRuns:  syncRuns,
		metrics:   m,
		logger:    logger.With("component", "gitsync"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Repos returns the configured repository names.
func (r *Runner) Repos() []string {
	names := make([]string, 0, len(r.repos))
	for _, repo := range r.repos {
		names = append(names, repo.Name)
	}
	return names
}

// lockFor serialises cycles per repository. The map is bounded by the
// configured repo set, so entries are never evicted.
func (r *Runner) lockFor(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[name] = mu
	}
	return mu
}

// Sync runs one sync cycle for the named repository. Unknown names fail
// before any git call.
func (r *Runner) Sync(ctx context.Context, repoName string) (*Result, error) {
	repo, ok := r.repos[strings.ToLower(repoName)]
	if !ok {
		return nil, tomeerr.Newf(tomeerr.KindNotFound, "repository %q is not configured", repoName)
	}

	mu := r.lockFor(strings.ToLower(repo.Name))
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	run := &repository.SyncRun{RepoName: repo.Name}
	if r.syncRuns != nil {
		if err := r.syncRuns.Create(ctx, run); err != nil {
			r.logger.Warn("failed to record sync run", "repo", repo.Name, "error", err)
		}
	}

	result, err := r.sync(ctx, repo)

	status := repository.SyncSucceeded
	if err != nil {
		status = repository.SyncFailed
	}
	if r.metrics != nil {
		r.metrics.SyncRuns.WithLabelValues(repo.Name, status).Inc()
		r.metrics.SyncRunSeconds.Observe(time.Since(start).Seconds())
	}
	if r.syncRuns != nil {
		run.Status = status
		if err != nil {
			run.ErrorMessage = err.Error()
		}
		if result != nil {
			run.HeadCommit = result.HeadCommit
			run.FilesIndexed = result.FilesIndexed
			run.FilesDeleted = result.FilesDeleted
		}
		if ferr := r.syncRuns.Finish(ctx, run); ferr != nil {
			r.logger.Warn("failed to finish sync run", "repo", repo.Name, "error", ferr)
		}
	}
	return result, err
}

func (r *Runner) sync(ctx context.Context, repo config.RepoConfig) (*Result, error) {
	local := filepath.Join(r.workspace, repo.Name)

	gitRepo, err := r.openOrClone(ctx, repo, local)
	if err != nil {
		return nil, err
	}

	head, err := gitRepo.Head()
	if err != nil {
		return nil, tomeerr.Wrapf(tomeerr.KindStorageFailed, err, "failed to resolve HEAD of %s", repo.Name)
	}
	headCommit, err := gitRepo.CommitObject(head.Hash())
	if err != nil {
		return nil, tomeerr.Wrapf(tomeerr.KindStorageFailed, err, "failed to load head commit of %s", repo.Name)
	}

	lastHash, err := r.graph.GetSyncState(ctx, repo.Name)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to read sync state for %s: %w", repo.Name, err)
	}

	result := &Result{RepoName: repo.Name, HeadCommit: head.Hash().String()}
	if lastHash == head.Hash().String() {
		r.logger.Debug("repository unchanged", "repo", repo.Name, "head", result.HeadCommit)
		return result, nil
	}

	changes, err := r.changedFiles(ctx, gitRepo, headCommit, lastHash)
	if err != nil {
		return nil, err
	}

	key, err := r.keyFor(repo, local)
	if err != nil {
		return nil, err
	}

	fullWalk := lastHash == ""
	walkStart := time.Now()
	var fileErrs []error
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !isMarkdown(ch.path) || !monitored(repo.MonitoredPaths, ch.path) {
			result.FilesSkipped++
			continue
		}
		docPath := strings.ToLower(repo.Name + ":" + ch.path)
		if ch.deleted {
			if _, err := r.indexer.Delete(ctx, key, docPath); err != nil {
				fileErrs = append(fileErrs, fmt.Errorf("delete %s: %w", ch.path, err))
				continue
			}
			result.FilesDeleted++
			continue
		}
		content, err := os.ReadFile(filepath.Join(local, filepath.FromSlash(ch.path)))
		if err != nil {
			fileErrs = append(fileErrs, fmt.Errorf("read %s: %w", ch.path, err))
			continue
		}
		if _, err := r.indexer.Index(ctx, key, docPath, string(content)); err != nil {
			fileErrs = append(fileErrs, fmt.Errorf("index %s: %w", ch.path, err))
			continue
		}
		result.FilesIndexed++
	}

	if len(fileErrs) > 0 {
		// Head stays put so the failed files are retried next run.
		return result, fmt.Errorf("sync of %s completed with %d failures: %w",
			repo.Name, len(fileErrs), errors.Join(fileErrs...))
	}

	if fullWalk && r.docs != nil {
		pruned, err := r.pruneVanished(ctx, repo, key, walkStart)
		if err != nil {
			r.logger.Warn("failed to prune vanished documents", "repo", repo.Name, "error", err)
		}
		result.FilesDeleted += pruned
	}

	if err := r.graph.SetSyncState(ctx, repo.Name, result.HeadCommit); err != nil {
		return result, fmt.Errorf("failed to persist sync state for %s: %w", repo.Name, err)
	}

	r.logger.Info("repository synced",
		"repo", repo.Name,
		"head", result.HeadCommit,
		"indexed", result.FilesIndexed,
		"deleted", result.FilesDeleted,
		"skipped", result.FilesSkipped)
	return result, nil
}

// openOrClone opens the local mirror, cloning it on first contact, and brings
// the configured branch up to date with the remote.
func (r *Runner) openOrClone(ctx context.Context, repo config.RepoConfig, local string) (*git.Repository, error) {
	gitRepo, err := git.PlainOpen(local)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		gitRepo, err = git.PlainCloneContext(ctx, local, &git.CloneOptions{
			URL:           repo.URL,
			ReferenceName: plumbing.NewBranchReferenceName(repo.Branch),
			SingleBranch:  true,
		})
		if err != nil {
			return nil, tomeerr.Wrapf(tomeerr.KindProviderUnavailable, err, "failed to clone %s", repo.Name)
		}
		return gitRepo, nil
	}
	if err != nil {
		return nil, tomeerr.Wrapf(tomeerr.KindStorageFailed, err, "failed to open local mirror of %s", repo.Name)
	}

	worktree, err := gitRepo.Worktree()
	if err != nil {
		return nil, tomeerr.Wrapf(tomeerr.KindStorageFailed, err, "failed to open worktree of %s", repo.Name)
	}
	err = worktree.PullContext(ctx, &git.PullOptions{
		ReferenceName: plumbing.NewBranchReferenceName(repo.Branch),
		SingleBranch:  true,
		Force:         true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, tomeerr.Wrapf(tomeerr.KindProviderUnavailable, err, "failed to pull %s", repo.Name)
	}
	return gitRepo, nil
}

// change is one path touched between the last processed head and HEAD.
type change struct {
	path    string
	deleted bool
}

// changedFiles diffs the last processed commit against HEAD. Without prior
// state, or when the old commit is no longer reachable, it walks the full
// head tree.
func (r *Runner) changedFiles(ctx context.Context, gitRepo *git.Repository, head *object.Commit, lastHash string) ([]change, error) {
	headTree, err := head.Tree()
	if err != nil {
		return nil, tomeerr.Wrap(tomeerr.KindStorageFailed, err, "failed to load head tree")
	}

	if lastHash != "" && lastHash != head.Hash.String() {
		last, err := gitRepo.CommitObject(plumbing.NewHash(lastHash))
		if err == nil {
			lastTree, err := last.Tree()
			if err != nil {
				return nil, tomeerr.Wrap(tomeerr.KindStorageFailed, err, "failed to load previous tree")
			}
			diff, err := object.DiffTreeWithOptions(ctx, lastTree, headTree, object.DefaultDiffTreeOptions)
			if err != nil {
				return nil, tomeerr.Wrap(tomeerr.KindStorageFailed, err, "failed to diff trees")
			}
			changes := make([]change, 0, len(diff))
			for _, d := range diff {
				action, err := d.Action()
				if err != nil {
					return nil, tomeerr.Wrap(tomeerr.KindStorageFailed, err, "failed to classify tree change")
				}
				switch action {
				case merkletrie.Delete:
					changes = append(changes, change{path: d.From.Name, deleted: true})
				case merkletrie.Insert:
					changes = append(changes, change{path: d.To.Name})
				case merkletrie.Modify:
					// A rename surfaces as modify with differing names.
					if d.From.Name != "" && d.From.Name != d.To.Name {
						changes = append(changes, change{path: d.From.Name, deleted: true})
					}
					changes = append(changes, change{path: d.To.Name})
				}
			}
			return changes, nil
		}
		r.logger.Warn("previous head not found, reindexing full tree", "commit", lastHash)
	}

	var changes []change
	err = headTree.Files().ForEach(func(f *object.File) error {
		changes = append(changes, change{path: f.Name})
		return nil
	})
	if err != nil {
		return nil, tomeerr.Wrap(tomeerr.KindStorageFailed, err, "failed to walk head tree")
	}
	return changes, nil
}

// pruneVanished deletes documents a full walk did not touch: files removed
// upstream while no sync state was recorded. The doc-path prefix keeps repos
// that share the external tenant out of each other's scope.
func (r *Runner) pruneVanished(ctx context.Context, repo config.RepoConfig, key tenant.Key, before time.Time) (int, error) {
	stale, err := r.docs.GetStale(ctx, key.Filter(), before)
	if err != nil {
		return 0, err
	}
	prefix := strings.ToLower(repo.Name) + ":"
	pruned := 0
	for _, doc := range stale {
		if !strings.HasPrefix(doc.FilePath, prefix) {
			continue
		}
		if _, err := r.indexer.Delete(ctx, key, doc.FilePath); err != nil {
			return pruned, err
		}
		r.logger.Info("pruned vanished document", "repo", repo.Name, "doc_path", doc.FilePath)
		pruned++
	}
	return pruned, nil
}

// keyFor resolves the tenant for a repository: external repos share the
// reserved external corpus, everything else is scoped per repo and branch.
func (r *Runner) keyFor(repo config.RepoConfig, local string) (tenant.Key, error) {
	if repo.External {
		return tenant.ExternalKey(), nil
	}
	return tenant.NewKey(repo.Name, repo.Branch, local)
}

// SyncAll syncs every configured repository concurrently. One repository's
// failure never stops the others; the joined error carries every failure.
func (r *Runner) SyncAll(ctx context.Context) error {
	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for name := range r.repos {
		g.Go(func() error {
			if _, err := r.Sync(ctx, name); err != nil {
				r.logger.Error("repository sync failed", "repo", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func isMarkdown(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// monitored applies the configured path prefixes. An empty list admits the
// whole tree.
func monitored(prefixes []string, path string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		p = strings.Trim(filepath.ToSlash(p), "/")
		if p == "" || path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
