// Package linkgraph maintains an in-memory directed graph of relative
// markdown links between indexed documents, with forward and reverse
// adjacency and broken-link derivation.
package linkgraph

import (
	"path"
	"sort"
	"strings"
	"sync"
)

// Graph is safe for concurrent readers with writer exclusion. Paths are
// relative, POSIX-normalised document paths.
type Graph struct {
	mu        sync.RWMutex
	documents map[string]struct{}
	forward   map[string]map[string]struct{}
	reverse   map[string]map[string]struct{}
}

// New creates an empty link graph.
func New() *Graph {
	return &Graph{
		documents: make(map[string]struct{}),
		forward:   make(map[string]map[string]struct{}),
		reverse:   make(map[string]map[string]struct{}),
	}
}

// AddDocument registers a document node. Adding an existing document is a
// no-op; its edges are preserved.
func (g *Graph) AddDocument(docPath string) {
	docPath = Normalize(docPath)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.documents[docPath] = struct{}{}
}

// RemoveDocument removes the node and every incident edge, in both
// directions.
func (g *Graph) RemoveDocument(docPath string) {
	docPath = Normalize(docPath)
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.documents, docPath)

	for target := range g.forward[docPath] {
		delete(g.reverse[target], docPath)
		if len(g.reverse[target]) == 0 {
			delete(g.reverse, target)
		}
	}
	delete(g.forward, docPath)

	for source := range g.reverse[docPath] {
		delete(g.forward[source], docPath)
		if len(g.forward[source]) == 0 {
			delete(g.forward, source)
		}
	}
	delete(g.reverse, docPath)
}

// AddLink records a directed edge. Both endpoints are normalised; the target
// need not be a known document, which is what makes broken links detectable.
func (g *Graph) AddLink(source, target string) {
	source = Normalize(source)
	target = Normalize(target)
	if source == "" || target == "" || source == target {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.forward[source] == nil {
		g.forward[source] = make(map[string]struct{})
	}
	g.forward[source][target] = struct{}{}

	if g.reverse[target] == nil {
		g.reverse[target] = make(map[string]struct{})
	}
	g.reverse[target][source] = struct{}{}
}

// ClearLinksFrom drops all outgoing edges of a source. Used when a document
// is re-indexed and its link set is rebuilt.
func (g *Graph) ClearLinksFrom(source string) {
	source = Normalize(source)
	g.mu.Lock()
	defer g.mu.Unlock()

	for target := range g.forward[source] {
		delete(g.reverse[target], source)
		if len(g.reverse[target]) == 0 {
			delete(g.reverse, target)
		}
	}
	delete(g.forward, source)
}

// Links returns the outgoing targets of a document, sorted.
func (g *Graph) Links(source string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.forward[Normalize(source)])
}

// Backlinks returns the documents linking to the given target, sorted.
func (g *Graph) Backlinks(target string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.reverse[Normalize(target)])
}

// Contains reports whether the document is registered.
func (g *Graph) Contains(docPath string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.documents[Normalize(docPath)]
	return ok
}

// Len returns the number of registered documents.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.documents)
}

// BrokenLink is an edge whose target is not a registered document.
type BrokenLink struct {
	Source string
	Target string
}

// BrokenLinks returns all edges pointing outside the document set, sorted by
// source then target.
func (g *Graph) BrokenLinks() []BrokenLink {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var broken []BrokenLink
	for source, targets := range g.forward {
		for target := range targets {
			if _, ok := g.documents[target]; !ok {
				broken = append(broken, BrokenLink{Source: source, Target: target})
			}
		}
	}
	sort.Slice(broken, func(i, j int) bool {
		if broken[i].Source != broken[j].Source {
			return broken[i].Source < broken[j].Source
		}
		return broken[i].Target < broken[j].Target
	})
	return broken
}

// Resolve turns a link URL found in sourcePath into a repository-relative
// document path. Anchors and queries are stripped; "./" and "../" segments
// resolve against the source's directory; a leading "/" is repo-rooted.
func Resolve(sourcePath, linkURL string) string {
	linkURL = strings.TrimSpace(linkURL)
	if idx := strings.IndexAny(linkURL, "#?"); idx >= 0 {
		linkURL = linkURL[:idx]
	}
	if linkURL == "" {
		return ""
	}
	if strings.HasPrefix(linkURL, "/") {
		return Normalize(strings.TrimPrefix(linkURL, "/"))
	}
	dir := path.Dir(Normalize(sourcePath))
	if dir == "." {
		dir = ""
	}
	return Normalize(path.Join(dir, linkURL))
}

// Normalize canonicalises a document path: backslashes to slashes, cleaned,
// no leading "./".
func Normalize(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	p = path.Clean(p)
	if p == "." || p == "/" {
		return ""
	}
	return strings.TrimPrefix(p, "/")
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
