// Package platform talks to the labeling platform: project and job
// definitions, paginated assets with their labels, and data connections.
package platform

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/labelport/labelport/internal/labeling"
)

// PageSize is the number of assets requested per GraphQL call.
const PageSize = 100

var (
	ErrProjectNotFound   = errors.New("project not found")
	ErrUnknownExternalID = errors.New("unknown external id")
)

// DataSource is the read side of the platform used by exports.
type DataSource interface {
	Project(ctx context.Context, projectID string, fields []string) (*labeling.Project, error)
	Jobs(ctx context.Context, projectID string) ([]labeling.Job, error)
	// Assets yields the matching assets in creation order, fetching lazily
	// page by page. Iteration stops after the first error.
	Assets(ctx context.Context, projectID string, where AssetWhere, fields []string, opts QueryOptions) iter.Seq2[labeling.Asset, error]
	CountAssets(ctx context.Context, projectID string, where AssetWhere) (int, error)
	CloudStorageConnections(ctx context.Context, projectID string) ([]DataConnection, error)
}

// QueryOptions bounds a paginated query. Zero First means no bound.
type QueryOptions struct {
	First int
	Skip  int
}

type DataConnection struct {
	ID              string `json:"id"`
	DataIntegration struct {
		ID       string `json:"id"`
		Platform string `json:"platform"`
	} `json:"dataIntegration"`
}

// AssetWhere filters the assets of a project.
type AssetWhere struct {
	ProjectID            string
	AssetIDs             []string
	ExternalIDIn         []string
	ExternalIDStrictlyIn []string
	StatusIn             []string
	CreatedAtGte         time.Time
	CreatedAtLte         time.Time
	LabelAuthorIn        []string
	LabelReviewerIn      []string
	LabelCategorySearch  string
	ConsensusMarkGte     *float64
	ConsensusMarkLte     *float64
	HoneypotMarkGte      *float64
	HoneypotMarkLte      *float64
	InferenceMarkGte     *float64
	InferenceMarkLte     *float64
	Skipped              *bool
	IssueType            string
	IssueStatus          string
	MetadataWhere        map[string]any
}

// Variables renders the filter as the GraphQL AssetWhere input.
func (w AssetWhere) Variables() map[string]any {
	v := map[string]any{
		"project": map[string]any{"id": w.ProjectID},
	}
	setStrings(v, "idIn", w.AssetIDs)
	setStrings(v, "externalIdIn", w.ExternalIDIn)
	setStrings(v, "externalIdStrictlyIn", w.ExternalIDStrictlyIn)
	setStrings(v, "statusIn", w.StatusIn)
	if !w.CreatedAtGte.IsZero() {
		v["createdAtGte"] = w.CreatedAtGte.UTC().Format(time.RFC3339)
	}
	if !w.CreatedAtLte.IsZero() {
		v["createdAtLte"] = w.CreatedAtLte.UTC().Format(time.RFC3339)
	}
	setFloat(v, "honeypotMarkGte", w.HoneypotMarkGte)
	setFloat(v, "honeypotMarkLte", w.HoneypotMarkLte)
	setFloat(v, "consensusMarkGte", w.ConsensusMarkGte)
	setFloat(v, "consensusMarkLte", w.ConsensusMarkLte)
	setFloat(v, "inferenceMarkGte", w.InferenceMarkGte)
	setFloat(v, "inferenceMarkLte", w.InferenceMarkLte)
	if w.Skipped != nil {
		v["skipped"] = *w.Skipped
	}
	if len(w.MetadataWhere) > 0 {
		v["metadata"] = w.MetadataWhere
	}

	label := map[string]any{}
	setStrings(label, "authorIn", w.LabelAuthorIn)
	setStrings(label, "reviewerIn", w.LabelReviewerIn)
	if w.LabelCategorySearch != "" {
		label["search"] = w.LabelCategorySearch
	}
	if len(label) > 0 {
		v["label"] = label
	}

	if w.IssueType != "" || w.IssueStatus != "" {
		issue := map[string]any{}
		if w.IssueType != "" {
			issue["type"] = w.IssueType
		}
		if w.IssueStatus != "" {
			issue["status"] = w.IssueStatus
		}
		v["issue"] = issue
	}
	return v
}

func setStrings(m map[string]any, key string, values []string) {
	if len(values) > 0 {
		m[key] = values
	}
}

func setFloat(m map[string]any, key string, value *float64) {
	if value != nil {
		m[key] = *value
	}
}

// Paginate turns a page fetcher into a lazy sequence honouring opts.
func Paginate[T any](ctx context.Context, opts QueryOptions, fetch func(ctx context.Context, first, skip int) ([]T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		skip := opts.Skip
		remaining := opts.First
		for {
			if err := ctx.Err(); err != nil {
				yield(zero, err)
				return
			}
			size := PageSize
			if remaining > 0 && remaining < size {
				size = remaining
			}
			page, err := fetch(ctx, size, skip)
			if err != nil {
				yield(zero, err)
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			skip += len(page)
			if remaining > 0 {
				remaining -= len(page)
				if remaining <= 0 {
					return
				}
			}
		}
	}
}
