package api

import (
	"time"

	"github.com/labelport/labelport/internal/content"
	"github.com/labelport/labelport/internal/runs"
)

type HealthResponse struct {
	Status  string                `json:"status"`
	Version string                `json:"version"`
	UptimeS int64                 `json:"uptime_s"`
	Frames  *content.Capabilities `json:"frames,omitempty"`
}

type StatusResponse struct {
	State       string       `json:"state"`
	LastError   string       `json:"last_error,omitempty"`
	RunsPending int          `json:"runs_pending"`
	RunsRunning int          `json:"runs_running"`
	ActiveRun   *RunResponse `json:"active_run,omitempty"`
}

// CreateExportRequest is the body of POST /exports.
type CreateExportRequest struct {
	ProjectID   string   `json:"project_id"`
	Format      string   `json:"format"`
	Layout      string   `json:"layout,omitempty"`
	SingleFile  bool     `json:"single_file,omitempty"`
	WithAssets  bool     `json:"with_assets,omitempty"`
	AssetIDs    []string `json:"asset_ids,omitempty"`
	ExternalIDs []string `json:"external_ids,omitempty"`
}

type CreateExportResponse struct {
	RunID string `json:"run_id"`
}

type RunResponse struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Format         string   `json:"format"`
	Layout         string   `json:"layout"`
	SingleFile     bool     `json:"single_file"`
	WithAssets     bool     `json:"with_assets"`
	AssetIDs       []string `json:"asset_ids,omitempty"`
	ExternalIDs    []string `json:"external_ids,omitempty"`
	Status         string   `json:"status"`
	Progress       int      `json:"progress"`
	AssetsExported int      `json:"assets_exported"`
	AssetsSkipped  int      `json:"assets_skipped"`
	Error          string   `json:"error,omitempty"`
	ArchiveURL     string   `json:"archive_url,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

type RunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (req CreateExportRequest) Run() *runs.Run {
	return &runs.Run{
		ProjectID:   req.ProjectID,
		Format:      req.Format,
		Layout:      req.Layout,
		SingleFile:  req.SingleFile,
		WithAssets:  req.WithAssets,
		AssetIDs:    req.AssetIDs,
		ExternalIDs: req.ExternalIDs,
	}
}

func RunToResponse(r *runs.Run) RunResponse {
	resp := RunResponse{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		Format:         r.Format,
		Layout:         r.Layout,
		SingleFile:     r.SingleFile,
		WithAssets:     r.WithAssets,
		AssetIDs:       r.AssetIDs,
		ExternalIDs:    r.ExternalIDs,
		Status:         r.Status,
		Progress:       r.Progress,
		AssetsExported: r.AssetsExported,
		AssetsSkipped:  r.AssetsSkipped,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      r.UpdatedAt.Format(time.RFC3339),
	}
	if r.Status == runs.StatusCompleted {
		resp.ArchiveURL = "/exports/" + r.ID + "/archive"
	}
	return resp
}
