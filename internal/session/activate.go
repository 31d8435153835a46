package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/tomeerr"
)

// ProjectConfig is the optional .tome/project.yml inside a working tree.
type ProjectConfig struct {
	Name   string `yaml:"name"`
	Branch string `yaml:"branch"`
}

const (
	projectConfigDir  = ".tome"
	projectConfigFile = "project.yml"

	claudeMDName    = "CLAUDE.md"
	claudeMDBegin   = "<!-- tome:begin -->"
	claudeMDEnd     = "<!-- tome:end -->"
	claudeMDContent = `## Knowledge server

This project is indexed by a knowledge server. Use its tools instead of
grepping documentation: semantic_search finds relevant passages,
rag_query answers questions with citations, index_document adds or
refreshes a document. The index is scoped to this project and branch.`
)

// Activator registers projects on activation and binds sessions to them.
type Activator struct {
	projects  repository.ProjectRepository
	branches  repository.BranchRepository
	repoPaths repository.RepoPathRepository
	store     *Store
	logger    *slog.Logger
}

// NewActivator wires the activation flow. The Postgres repositories may be
// nil, in which case activation skips registration and only binds the session.
func NewActivator(
	projects repository.ProjectRepository,
	branches repository.BranchRepository,
	repoPaths repository.RepoPathRepository,
	store *Store,
	logger *slog.Logger,
) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activator{
		projects:  projects,
		branches:  branches,
		repoPaths: repoPaths,
		store:     store,
		logger:    logger.With("component", "session"),
	}
}

// Activate resolves the project at configPath, registers it, updates the
// project's CLAUDE.md, and binds the session to the resulting tenant.
// configPath may be the working tree root or a path to the project config
// file; branch overrides the configured branch when non-empty.
func (a *Activator) Activate(ctx context.Context, sessionID, configPath, branch string) (*Session, error) {
	if strings.TrimSpace(configPath) == "" {
		return nil, tomeerr.New(tomeerr.KindInvalidArgument, "config path is required")
	}

	root, cfg, err := resolveProject(configPath)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = filepath.Base(root)
	}
	if branch == "" {
		branch = cfg.Branch
	}
	if branch == "" {
		branch = "main"
	}

	key, err := tenant.NewKey(name, branch, root)
	if err != nil {
		return nil, err
	}

	if a.projects != nil {
		project, err := a.projects.GetOrCreate(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to register project: %w", err)
		}
		if _, err := a.branches.GetOrCreate(ctx, project.ID, branch); err != nil {
			return nil, fmt.Errorf("failed to register branch: %w", err)
		}
		if _, err := a.repoPaths.GetOrCreate(ctx, root, key.PathHash); err != nil {
			return nil, fmt.Errorf("failed to register repo path: %w", err)
		}
	}

	if err := updateClaudeMD(root); err != nil {
		// Activation succeeds regardless; the file may be read-only.
		a.logger.Warn("failed to update CLAUDE.md", "root", root, "error", err)
	}

	session := &Session{
		ProjectName:  name,
		ActiveBranch: branch,
		RepoPath:     root,
		PathHash:     key.PathHash,
		ActivatedAt:  time.Now(),
	}
	a.store.Set(sessionID, session)

	a.logger.Info("project activated",
		"session", sessionID,
		"project", name,
		"branch", branch,
		"tenant", key.String())
	return session, nil
}

// resolveProject finds the working tree root and its optional config. The
// path may point at the root directory, the .tome directory, or the config
// file itself.
func resolveProject(configPath string) (string, ProjectConfig, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return "", ProjectConfig{}, tomeerr.Wrapf(tomeerr.KindInvalidArgument, err, "failed to resolve path %q", configPath)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", ProjectConfig{}, tomeerr.Wrapf(tomeerr.KindNotFound, err, "project path %q does not exist", configPath)
	}

	root := abs
	cfgFile := ""
	if info.IsDir() {
		if filepath.Base(abs) == projectConfigDir {
			root = filepath.Dir(abs)
		}
		candidate := filepath.Join(root, projectConfigDir, projectConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			cfgFile = candidate
		}
	} else {
		cfgFile = abs
		root = filepath.Dir(abs)
		if filepath.Base(root) == projectConfigDir {
			root = filepath.Dir(root)
		}
	}

	var cfg ProjectConfig
	if cfgFile != "" {
		data, err := os.ReadFile(cfgFile)
		if err != nil {
			return "", ProjectConfig{}, tomeerr.Wrapf(tomeerr.KindInvalidArgument, err, "failed to read %s", cfgFile)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return "", ProjectConfig{}, tomeerr.Wrapf(tomeerr.KindParseFailed, err, "failed to parse %s", cfgFile)
		}
	}
	return root, cfg, nil
}

// updateClaudeMD inserts or replaces the marker-bounded block in the
// project's CLAUDE.md. Writing the same content twice is a no-op.
func updateClaudeMD(root string) error {
	path := filepath.Join(root, claudeMDName)
	block := claudeMDBegin + "\n" + claudeMDContent + "\n" + claudeMDEnd

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var updated []byte
	begin := bytes.Index(existing, []byte(claudeMDBegin))
	end := bytes.Index(existing, []byte(claudeMDEnd))
	switch {
	case begin >= 0 && end > begin:
		var buf bytes.Buffer
		buf.Write(existing[:begin])
		buf.WriteString(block)
		buf.Write(existing[end+len(claudeMDEnd):])
		updated = buf.Bytes()
	case len(existing) == 0:
		updated = []byte(block + "\n")
	default:
		var buf bytes.Buffer
		buf.Write(bytes.TrimRight(existing, "\n"))
		buf.WriteString("\n\n" + block + "\n")
		updated = buf.Bytes()
	}

	if bytes.Equal(existing, updated) {
		return nil
	}
	return os.WriteFile(path, updated, 0o644)
}
