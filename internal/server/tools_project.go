package server

import (
	"context"
	"fmt"
	"sort"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	dto "github.com/prometheus/client_model/go"

	"github.com/tomehq/tome/internal/tomeerr"
)

// ActivateProjectInput selects the project to activate for this session.
type ActivateProjectInput struct {
	ConfigPath string `json:"config_path" jsonschema:"path to the working tree root or its .tome/project.yml"`
	BranchName string `json:"branch_name,omitempty" jsonschema:"branch to scope the index to (default from config, then main)"`
}

// ActivateProjectOutput reports the tenant the session is now scoped to.
type ActivateProjectOutput struct {
	ProjectName string `json:"project_name"`
	BranchName  string `json:"branch_name"`
	PathHash    string `json:"path_hash"`
	Status      string `json:"status"`
}

func (s *Server) handleActivateProject(ctx context.Context, req *mcpsdk.CallToolRequest, in ActivateProjectInput) (ActivateProjectOutput, error) {
	sess, err := s.deps.Activator.Activate(ctx, sessionID(req), in.ConfigPath, in.BranchName)
	if err != nil {
		return ActivateProjectOutput{}, err
	}
	if s.deps.OnActivate != nil {
		s.deps.OnActivate(sess)
	}
	return ActivateProjectOutput{
		ProjectName: sess.ProjectName,
		BranchName:  sess.ActiveBranch,
		PathHash:    sess.PathHash,
		Status:      "activated",
	}, nil
}

// GetHealthInput has no fields.
type GetHealthInput struct{}

// GetHealthOutput reports per-component health.
type GetHealthOutput struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func (s *Server) handleGetHealth(ctx context.Context, _ *mcpsdk.CallToolRequest, _ GetHealthInput) (GetHealthOutput, error) {
	out := GetHealthOutput{
		Status:     "ok",
		Components: make(map[string]string, len(s.deps.Probes)),
	}
	for name, probe := range s.deps.Probes {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := probe(probeCtx)
		cancel()
		if err != nil {
			out.Status = "degraded"
			out.Components[name] = err.Error()
		} else {
			out.Components[name] = "ok"
		}
	}
	return out, nil
}

// GetMetricsInput has no fields.
type GetMetricsInput struct{}

// GetMetricsOutput is a flat snapshot of every counter and gauge. Labelled
// series render as name{label="value"}.
type GetMetricsOutput struct {
	Metrics map[string]float64 `json:"metrics"`
}

func (s *Server) handleGetMetrics(_ context.Context, _ *mcpsdk.CallToolRequest, _ GetMetricsInput) (GetMetricsOutput, error) {
	if s.deps.Metrics == nil {
		return GetMetricsOutput{Metrics: map[string]float64{}}, nil
	}
	families, err := s.deps.Metrics.Registry.Gather()
	if err != nil {
		return GetMetricsOutput{}, tomeerr.Wrap(tomeerr.KindInternal, err, "failed to gather metrics")
	}

	snapshot := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			name := family.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				name += renderLabels(labels)
			}
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				snapshot[name] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				snapshot[name] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				snapshot[name+"_count"] = float64(m.GetHistogram().GetSampleCount())
				snapshot[name+"_sum"] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return GetMetricsOutput{Metrics: snapshot}, nil
}

func renderLabels(labels []*dto.LabelPair) string {
	pairs := make([]string, len(labels))
	for i, l := range labels {
		pairs[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	sort.Strings(pairs)
	out := "{"
	for i, p := range pairs {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out + "}"
}

// GetStatusInput has no fields.
type GetStatusInput struct{}

// SyncRunSummary is one recent sync cycle.
type SyncRunSummary struct {
	RepoName     string `json:"repo_name"`
	Status       string `json:"status"`
	HeadCommit   string `json:"head_commit,omitempty"`
	FilesIndexed int    `json:"files_indexed"`
	FilesDeleted int    `json:"files_deleted"`
	StartedAt    string `json:"started_at"`
	Error        string `json:"error,omitempty"`
}

// GetStatusOutput reports the session scope and server activity.
type GetStatusOutput struct {
	ActiveProject string           `json:"active_project,omitempty"`
	ActiveBranch  string           `json:"active_branch,omitempty"`
	DocumentCount int64            `json:"document_count"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	RecentSyncs   []SyncRunSummary `json:"recent_syncs,omitempty"`
}

func (s *Server) handleGetStatus(ctx context.Context, req *mcpsdk.CallToolRequest, _ GetStatusInput) (GetStatusOutput, error) {
	out := GetStatusOutput{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}

	// Status works without an activation; the scope fields stay empty.
	if sess, err := s.activeSession(req); err == nil {
		out.ActiveProject = sess.ProjectName
		out.ActiveBranch = sess.ActiveBranch
		count, err := s.deps.Docs.CountByTenant(ctx, sess.Key().Filter())
		if err != nil {
			return GetStatusOutput{}, fmt.Errorf("failed to count documents: %w", err)
		}
		out.DocumentCount = count
	}

	if s.deps.SyncRuns != nil {
		runs, err := s.deps.SyncRuns.ListRecent(ctx, 10)
		if err != nil {
			s.logger.Warn("failed to list sync runs", "error", err)
		} else {
			for _, run := range runs {
				out.RecentSyncs = append(out.RecentSyncs, SyncRunSummary{
					RepoName:     run.RepoName,
					Status:       run.Status,
					HeadCommit:   run.HeadCommit,
					FilesIndexed: run.FilesIndexed,
					FilesDeleted: run.FilesDeleted,
					StartedAt:    run.StartedAt.Format(time.RFC3339),
					Error:        run.ErrorMessage,
				})
			}
		}
	}
	return out, nil
}
