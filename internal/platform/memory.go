package platform

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/labelport/labelport/internal/labeling"
)

// MemorySource is an in-memory DataSource holding a single project. It
// applies the id and external id filters; other filters are ignored.
type MemorySource struct {
	ProjectData     labeling.Project
	AssetData       []labeling.Asset
	DataConnections []DataConnection

	// AssetErr, when set, is returned after AssetErrAfter assets were yielded.
	AssetErr      error
	AssetErrAfter int

	// Calls counts Assets page fetches.
	Calls int
}

func NewMemorySource(project labeling.Project, assets ...labeling.Asset) *MemorySource {
	return &MemorySource{ProjectData: project, AssetData: assets}
}

func (m *MemorySource) Project(ctx context.Context, projectID string, fields []string) (*labeling.Project, error) {
	if projectID != m.ProjectData.ID {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	p := m.ProjectData
	return &p, nil
}

func (m *MemorySource) Jobs(ctx context.Context, projectID string) ([]labeling.Job, error) {
	p, err := m.Project(ctx, projectID, nil)
	if err != nil {
		return nil, err
	}
	return p.JSONInterface.Jobs, nil
}

func (m *MemorySource) filter(projectID string, where AssetWhere) ([]labeling.Asset, error) {
	if projectID != m.ProjectData.ID {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	var out []labeling.Asset
	for _, a := range m.AssetData {
		if len(where.AssetIDs) > 0 && !slices.Contains(where.AssetIDs, a.ID) {
			continue
		}
		if len(where.ExternalIDStrictlyIn) > 0 && !slices.Contains(where.ExternalIDStrictlyIn, a.ExternalID) {
			continue
		}
		if len(where.ExternalIDIn) > 0 && !slices.Contains(where.ExternalIDIn, a.ExternalID) {
			continue
		}
		if len(where.StatusIn) > 0 && !slices.Contains(where.StatusIn, a.Status) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *MemorySource) Assets(ctx context.Context, projectID string, where AssetWhere, fields []string, opts QueryOptions) iter.Seq2[labeling.Asset, error] {
	pages := Paginate(ctx, opts, func(ctx context.Context, first, skip int) ([]labeling.Asset, error) {
		m.Calls++
		all, err := m.filter(projectID, where)
		if err != nil {
			return nil, err
		}
		if skip >= len(all) {
			return nil, nil
		}
		return all[skip:min(skip+first, len(all))], nil
	})
	if m.AssetErr == nil {
		return pages
	}
	return func(yield func(labeling.Asset, error) bool) {
		n := 0
		for a, err := range pages {
			if err == nil && n == m.AssetErrAfter {
				yield(labeling.Asset{}, m.AssetErr)
				return
			}
			if !yield(a, err) || err != nil {
				return
			}
			n++
		}
	}
}

func (m *MemorySource) CountAssets(ctx context.Context, projectID string, where AssetWhere) (int, error) {
	all, err := m.filter(projectID, where)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (m *MemorySource) CloudStorageConnections(ctx context.Context, projectID string) ([]DataConnection, error) {
	return m.DataConnections, nil
}
