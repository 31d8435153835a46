// Package tenant derives the (project, branch, path-hash) triple that scopes
// every read and write in the system, and the filter form storage adapters
// consume. Two tenants never share a triple, so filtering on all three
// components is what delivers isolation.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tomehq/tome/internal/tomeerr"
)

// Metadata keys attached to every vector and row.
const (
	MetaProjectName    = "project_name"
	MetaBranchName     = "branch_name"
	MetaPathHash       = "path_hash"
	MetaPromotionLevel = "promotion_level"
)

// ErrIncompleteFilter is returned when a storage operation receives a filter
// with fewer than three components. That is a programmer error, not user input.
var ErrIncompleteFilter = tomeerr.New(tomeerr.KindInvalidArgument, "tenant filter must carry project, branch and path hash")

// Key identifies a tenant. The zero value is not a valid key.
type Key struct {
	ProjectName string
	BranchName  string
	PathHash    string
}

// NewKey builds a Key from the project name, branch and the absolute path of
// the repository working tree. The path is canonicalised before hashing so
// the same tree always yields the same hash regardless of trailing slashes
// or relative segments.
func NewKey(projectName, branchName, repoPath string) (Key, error) {
	if strings.TrimSpace(projectName) == "" {
		return Key{}, tomeerr.New(tomeerr.KindInvalidArgument, "project name is required")
	}
	if strings.TrimSpace(branchName) == "" {
		return Key{}, tomeerr.New(tomeerr.KindInvalidArgument, "branch name is required")
	}
	if strings.TrimSpace(repoPath) == "" {
		return Key{}, tomeerr.New(tomeerr.KindInvalidArgument, "repository path is required")
	}

	hash, err := HashPath(repoPath)
	if err != nil {
		return Key{}, err
	}

	return Key{
		ProjectName: projectName,
		BranchName:  branchName,
		PathHash:    hash,
	}, nil
}

// HashPath returns the lower-hex SHA-256 of the canonicalised absolute path.
func HashPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", tomeerr.Wrapf(tomeerr.KindInvalidArgument, err, "failed to canonicalise path %q", path)
	}
	canonical := filepath.ToSlash(filepath.Clean(abs))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.ProjectName == "" && k.BranchName == "" && k.PathHash == ""
}

// String returns the display form project:branch:hash[:8] used in logs.
// The full triple is never truncated for filtering.
func (k Key) String() string {
	short := k.PathHash
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s:%s:%s", k.ProjectName, k.BranchName, short)
}

// Filter returns the storage predicate for this tenant.
func (k Key) Filter() Filter {
	return Filter{
		ProjectName: k.ProjectName,
		BranchName:  k.BranchName,
		PathHash:    k.PathHash,
	}
}

// Filter is the typed predicate storage adapters apply to every operation.
type Filter struct {
	ProjectName string
	BranchName  string
	PathHash    string
}

// Validate rejects filters missing any component. Storage adapters call this
// at their boundary before touching the backend.
func (f Filter) Validate() error {
	if f.ProjectName == "" || f.BranchName == "" || f.PathHash == "" {
		return ErrIncompleteFilter
	}
	return nil
}

// Metadata renders the filter as the metadata key set carried on vectors.
func (f Filter) Metadata() map[string]string {
	return map[string]string{
		MetaProjectName: f.ProjectName,
		MetaBranchName:  f.BranchName,
		MetaPathHash:    f.PathHash,
	}
}

// Matches reports whether row metadata satisfies the filter exactly.
func (f Filter) Matches(meta map[string]string) bool {
	return meta[MetaProjectName] == f.ProjectName &&
		meta[MetaBranchName] == f.BranchName &&
		meta[MetaPathHash] == f.PathHash
}

// External documentation is indexed under one reserved tenant shared by all
// projects. The triple is fixed so the usual filter plumbing applies.
const (
	externalProject = "externals"
	externalBranch  = "shared"
	externalSeed    = "external-docs"
)

// ExternalKey returns the reserved tenant for the shared external-docs corpus.
func ExternalKey() Key {
	sum := sha256.Sum256([]byte(externalSeed))
	return Key{
		ProjectName: externalProject,
		BranchName:  externalBranch,
		PathHash:    hex.EncodeToString(sum[:]),
	}
}

// IsExternal reports whether the key addresses the shared external corpus.
func (k Key) IsExternal() bool {
	return k.ProjectName == externalProject && k.BranchName == externalBranch
}
