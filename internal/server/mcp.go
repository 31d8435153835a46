// Package server exposes the knowledge server over MCP stdio plus an HTTP
// sidecar for health probes and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tomehq/tome/internal/config"
	"github.com/tomehq/tome/internal/doctype"
	"github.com/tomehq/tome/internal/embedder"
	"github.com/tomehq/tome/internal/graphstore"
	"github.com/tomehq/tome/internal/ingestion"
	"github.com/tomehq/tome/internal/metrics"
	"github.com/tomehq/tome/internal/rag"
	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/resilience"
	"github.com/tomehq/tome/internal/session"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/tomeerr"
	"github.com/tomehq/tome/internal/vectorstore"
)

const (
	serverName    = "tome"
	serverVersion = "1.0.0"
)

// Tool names.
const (
	ToolActivateProject  = "activate_project"
	ToolListDocTypes     = "list_doc_types"
	ToolIndexDocument    = "index_document"
	ToolSemanticSearch   = "semantic_search"
	ToolRAGQuery         = "rag_query"
	ToolSearchExternal   = "search_external_docs"
	ToolRAGQueryExternal = "rag_query_external"
	ToolDeleteDocuments  = "delete_documents"
	ToolUpdatePromotion  = "update_promotion_level"
	ToolRegisterDocType  = "register_doc_type"
	ToolGetHealth        = "get_health"
	ToolGetMetrics       = "get_metrics"
	ToolGetStatus        = "get_status"
)

// Probe checks one backing service for health reporting.
type Probe func(ctx context.Context) error

// Deps bundles everything the tool handlers touch. Optional fields are
// documented per field; the rest must be set.
type Deps struct {
	Config    *config.Config
	Sessions  *session.Store
	Activator *session.Activator
	Registry  *doctype.Registry
	Indexer   *ingestion.Indexer
	Embedder  embedder.Embedder
	Docs      repository.DocumentRepository

	// Vectors serves the per-project corpus, External the shared read-only one.
	Vectors  vectorstore.Store
	External vectorstore.Store

	// RAG answers over the project corpus, ExternalRAG over the external one.
	RAG         *rag.Pipeline
	ExternalRAG *rag.Pipeline

	// Graph is used for cascade deletes. Optional.
	Graph graphstore.Store
	// SyncRuns feeds get_status. Optional.
	SyncRuns repository.SyncRunRepository
	// Limiter throttles tool calls. Optional.
	Limiter *resilience.RateLimiter
	// Metrics records tool invocations. Optional.
	Metrics *metrics.Metrics
	// Probes are the named health checks behind get_health and /readyz.
	Probes map[string]Probe
	// OnActivate runs after each successful activation, e.g. to start a
	// file watcher on the working tree. Optional.
	OnActivate func(sess *session.Session)

	Logger *slog.Logger
}

// Server is the MCP tool surface.
type Server struct {
	inner     *mcpsdk.Server
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates the MCP server with every tool registered.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp")

	inner := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	s := &Server{
		inner:     inner,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until the context is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting", "transport", "stdio")
	if err := s.inner.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// RunWithTransport serves MCP over the given transport. Tests use an
// in-memory transport here.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	return s.inner.Run(ctx, transport)
}

func (s *Server) registerTools() {
	registerTool(s, ToolActivateProject,
		"Activate a project for this session. Reads .tome/project.yml or directory defaults, registers the project, and scopes all subsequent tools to it.",
		s.handleActivateProject)
	registerTool(s, ToolListDocTypes,
		"List the registered document types with their required fields and default promotion levels.",
		s.handleListDocTypes)
	registerTool(s, ToolIndexDocument,
		"Index or refresh one markdown document in the active project.",
		s.handleIndexDocument)
	registerTool(s, ToolSemanticSearch,
		"Vector search over the active project's documents.",
		s.handleSemanticSearch)
	registerTool(s, ToolRAGQuery,
		"Answer a question over the active project's documents with cited sources.",
		s.handleRAGQuery)
	registerTool(s, ToolSearchExternal,
		"Vector search over the shared external documentation corpus.",
		s.handleSearchExternal)
	registerTool(s, ToolRAGQueryExternal,
		"Answer a question over the shared external documentation corpus.",
		s.handleRAGQueryExternal)
	registerTool(s, ToolDeleteDocuments,
		"Delete every document in a tenant scope. Set dry_run to preview the count.",
		s.handleDeleteDocuments)
	registerTool(s, ToolUpdatePromotion,
		"Change a document's promotion level (standard, important, critical).",
		s.handleUpdatePromotion)
	registerTool(s, ToolRegisterDocType,
		"Register a custom document type definition.",
		s.handleRegisterDocType)
	registerTool(s, ToolGetHealth,
		"Report the health of the backing services.",
		s.handleGetHealth)
	registerTool(s, ToolGetMetrics,
		"Return a snapshot of the server's counters and gauges.",
		s.handleGetMetrics)
	registerTool(s, ToolGetStatus,
		"Report the session's active project, document counts and recent sync runs.",
		s.handleGetStatus)
}

// Envelope is the uniform response wrapper every tool returns.
type Envelope[Out any] struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Data      Out    `json:"data,omitzero"`
}

// registerTool wires one typed handler behind the rate limiter, metrics and
// the response envelope.
func registerTool[In, Out any](
	s *Server,
	name, description string,
	handler func(ctx context.Context, req *mcpsdk.CallToolRequest, in In) (Out, error),
) {
	wrapped := func(ctx context.Context, req *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, Envelope[Out], error) {
		client := sessionID(req)

		if s.deps.Limiter != nil {
			if v := s.deps.Limiter.TryAcquire(name, client); !v.Allowed {
				if s.deps.Metrics != nil {
					s.deps.Metrics.RateLimitRejections.WithLabelValues(name, "minute").Inc()
					s.deps.Metrics.ToolInvocations.WithLabelValues(name, "rate_limited").Inc()
				}
				return failure[Out](tomeerr.Newf(tomeerr.KindRateLimited,
					"%s (retry after %s)", v.Reason, v.RetryAfter.Round(time.Millisecond)))
			}
		}

		out, err := handler(ctx, req, in)
		if err != nil {
			if s.deps.Metrics != nil {
				s.deps.Metrics.ToolInvocations.WithLabelValues(name, "error").Inc()
			}
			s.logger.Warn("tool call failed", "tool", name, "error", err)
			return failure[Out](err)
		}

		if s.deps.Metrics != nil {
			s.deps.Metrics.ToolInvocations.WithLabelValues(name, "ok").Inc()
		}
		return success(out)
	}

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{Name: name, Description: description}, wrapped)
}

func success[Out any](out Out) (*mcpsdk.CallToolResult, Envelope[Out], error) {
	env := Envelope[Out]{Success: true, Data: out}
	return textResult(env, false), env, nil
}

func failure[Out any](err error) (*mcpsdk.CallToolResult, Envelope[Out], error) {
	env := Envelope[Out]{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: string(tomeerr.KindOf(err)),
	}
	return textResult(env, true), env, nil
}

func textResult(env any, isError bool) *mcpsdk.CallToolResult {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		IsError: isError,
	}
}

// sessionID identifies the calling session for rate limiting and session
// resolution.
func sessionID(req *mcpsdk.CallToolRequest) string {
	if req == nil || req.Session == nil {
		return ""
	}
	return req.Session.ID()
}

// activeSession resolves the caller's activation or fails with
// NO_ACTIVE_PROJECT.
func (s *Server) activeSession(req *mcpsdk.CallToolRequest) (*session.Session, error) {
	return s.deps.Sessions.Get(sessionID(req))
}

// activeFilter is activeSession reduced to the tenant filter.
func (s *Server) activeFilter(req *mcpsdk.CallToolRequest) (tenant.Filter, error) {
	sess, err := s.activeSession(req)
	if err != nil {
		return tenant.Filter{}, err
	}
	return sess.Key().Filter(), nil
}
