// Package export converts the labels of a project into an archive in one
// of the supported formats.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/labelport/labelport/internal/logging"
	"github.com/labelport/labelport/internal/observability"
	"github.com/labelport/labelport/internal/platform"
)

type Exporter interface {
	ExportLabels(ctx context.Context, req Request) (*Report, error)
}

type Service struct {
	source  platform.DataSource
	fetcher ContentFetcher
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(source platform.DataSource, fetcher ContentFetcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{source: source, fetcher: fetcher, logger: logger, now: time.Now}
}

// ExportLabels writes the archive described by req to req.OutputFile.
//
// Assets that fail are left out and listed in the report. Validation
// errors, a project without compatible jobs and platform errors abort the
// export before the output file is touched.
func (s *Service) ExportLabels(ctx context.Context, req Request) (report *Report, err error) {
	req.Normalize()
	ctx, span := observability.StartSpan(ctx, "export.labels",
		attribute.String("project_id", req.ProjectID),
		attribute.String("format", string(req.Format)),
		attribute.String("layout", string(req.Layout)),
	)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	logger := s.runLogger(req)

	conv, err := ValidateOptions(req)
	if err != nil {
		return nil, err
	}

	assetIDs := req.AssetIDs
	if len(req.ExternalIDs) > 0 {
		assetIDs, err = platform.InferIDsFromExternalIDs(ctx, s.source, req.ProjectID, req.ExternalIDs)
		if err != nil {
			return nil, err
		}
	}

	project, err := s.source.Project(ctx, req.ProjectID, platform.ProjectFields)
	if err != nil {
		return nil, fmt.Errorf("fetch project: %w", err)
	}
	jobs, incompatible := FilterJobs(conv, *project)
	for _, job := range incompatible {
		logger.Warn("job not exported", "job", job.Name, "reason", job.Reason)
	}
	if len(jobs) == 0 {
		return nil, &NoCompatibleJobError{ProjectID: req.ProjectID, Format: req.Format, Jobs: incompatible}
	}

	if req.WithAssets {
		conns, err := s.source.CloudStorageConnections(ctx, req.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("fetch data connections: %w", err)
		}
		if err := checkCloudStorage(conns, conv, req.WithAssets); err != nil {
			return nil, err
		}
	}

	staging, err := os.MkdirTemp(req.Run.StagingRoot, "labelport-export-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	opts := EncoderOptions{
		Project:    *project,
		Layout:     req.Layout,
		SingleFile: req.SingleFile,
		ExportType: req.ExportType,
		Modifier:   req.AnnotationModifier,
	}
	proc := newProcessor(conv, conv.Units(jobs, opts), opts, staging, s.fetcher, req.WithAssets, logger)
	if err := proc.prepare(); err != nil {
		return nil, err
	}

	report = &Report{
		OutputPath:       req.OutputFile,
		Format:           req.Format,
		Layout:           req.Layout,
		IncompatibleJobs: incompatible,
	}

	where := platform.AssetWhere{ProjectID: req.ProjectID, AssetIDs: assetIDs}
	if req.AssetFilter != nil {
		where = *req.AssetFilter
		where.ProjectID = req.ProjectID
		if len(assetIDs) > 0 {
			where.AssetIDs = assetIDs
		}
	}
	if err := s.processAssets(ctx, req, where, proc, report, logger); err != nil {
		return nil, err
	}

	if err := proc.finalize(); err != nil {
		return nil, fmt.Errorf("finalize export: %w", err)
	}
	tx := &stagingTx{root: staging}
	if err := tx.write(readmeFile, readme(*project, req, report, s.now())); err != nil {
		return nil, err
	}

	size, err := writeArchiveFile(staging, req.OutputFile)
	if err != nil {
		return nil, err
	}
	report.ArchiveBytes = size

	logger.Info("export completed",
		"output", logging.SanitizePath(req.OutputFile),
		"assets", report.AssetsExported,
		"frames", report.FramesExported,
		"skipped", len(report.Skipped),
	)
	return report, nil
}

func (s *Service) processAssets(ctx context.Context, req Request, where platform.AssetWhere, proc *processor, report *Report, logger *slog.Logger) error {
	total, err := s.source.CountAssets(ctx, req.ProjectID, where)
	if err != nil {
		return fmt.Errorf("count assets: %w", err)
	}
	total = pagedTotal(total, req.Skip, req.First)
	logger.Info("exporting assets", "total", total)

	fields := platform.AssetFields
	if req.ExportType == ExportTypeNormal {
		fields = append(append([]string{}, platform.AssetFields...), platform.AllLabelsFields...)
	}

	done := 0
	for asset, err := range s.source.Assets(ctx, req.ProjectID, where, fields, platform.QueryOptions{First: req.First, Skip: req.Skip}) {
		if err != nil {
			return fmt.Errorf("fetch assets: %w", err)
		}
		frames, perr := proc.process(ctx, asset)
		// A failure caused by cancellation is not the asset's fault.
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("export interrupted: %w", err)
		}
		var aerr *AssetError
		switch {
		case perr == nil:
			report.AssetsExported++
			report.FramesExported += frames
		case errors.Is(perr, errUnlabeled):
			report.AssetsUnlabeled++
			logging.WithAsset(logger, asset.ID, asset.ExternalID).Debug("asset has no label")
		case errors.As(perr, &aerr):
			report.Skipped = append(report.Skipped, aerr)
		default:
			return perr
		}

		done++
		if req.Run.Progress != nil {
			req.Run.Progress(done, max(total, done))
		}
	}
	return nil
}

// pagedTotal is the number of assets a first/skip window keeps out of count.
func pagedTotal(count, skip, first int) int {
	n := max(count-skip, 0)
	if first > 0 {
		n = min(n, first)
	}
	return n
}

func (s *Service) runLogger(req Request) *slog.Logger {
	logger := req.Run.Logger
	if logger == nil {
		logger = s.logger
	}
	logger = logging.WithProjectID(logging.WithComponent(logger, "export"), req.ProjectID)
	if !req.Run.Verbose {
		logger = logging.WithMinLevel(logger, slog.LevelWarn)
	}
	return logger
}

// SetClock replaces the clock used for the export date.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}
