package runs

import (
	"time"

	"github.com/google/uuid"

	"github.com/labelport/labelport/internal/export"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is an export queued through the local service.
type Run struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Format         string    `json:"format"`
	Layout         string    `json:"layout"`
	SingleFile     bool      `json:"single_file"`
	WithAssets     bool      `json:"with_assets"`
	AssetIDs       []string  `json:"asset_ids,omitempty"`
	ExternalIDs    []string  `json:"external_ids,omitempty"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	AssetsExported int       `json:"assets_exported"`
	AssetsSkipped  int       `json:"assets_skipped"`
	OutputPath     string    `json:"output_path,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func NewID() string {
	return uuid.NewString()
}

// Request builds the export request of the run.
func (r *Run) Request(outputFile string) export.Request {
	return export.Request{
		ProjectID:   r.ProjectID,
		Format:      export.LabelFormat(r.Format),
		Layout:      export.SplitOption(r.Layout),
		OutputFile:  outputFile,
		AssetIDs:    r.AssetIDs,
		ExternalIDs: r.ExternalIDs,
		SingleFile:  r.SingleFile,
		WithAssets:  r.WithAssets,
	}
}

func (r *Run) Finished() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}
