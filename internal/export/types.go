package export

import (
	"log/slog"

	"github.com/labelport/labelport/internal/platform"
)

type LabelFormat string

const (
	FormatRaw       LabelFormat = "raw"
	FormatKili      LabelFormat = "kili"
	FormatYOLOv4    LabelFormat = "yolo_v4"
	FormatYOLOv5    LabelFormat = "yolo_v5"
	FormatYOLOv7    LabelFormat = "yolo_v7"
	FormatCOCO      LabelFormat = "coco"
	FormatPascalVOC LabelFormat = "pascal_voc"
)

// Formats lists the accepted values of LabelFormat.
var Formats = []LabelFormat{FormatRaw, FormatKili, FormatYOLOv4, FormatYOLOv5, FormatYOLOv7, FormatCOCO, FormatPascalVOC}

type SplitOption string

const (
	SplitOptionMerged SplitOption = "merged"
	SplitOptionSplit  SplitOption = "split"
)

type ExportType string

const (
	ExportTypeLatest ExportType = "latest"
	ExportTypeNormal ExportType = "normal"
)

// ProgressFunc is called after each asset with the number of processed
// assets and the expected total.
type ProgressFunc func(done, total int)

// RunConfig is the per-run execution state.
type RunConfig struct {
	// Logger receives run logs; nil uses the service logger.
	Logger *slog.Logger
	// Verbose lets info and debug records through. Otherwise only
	// warnings and errors are logged.
	Verbose     bool
	Progress    ProgressFunc
	StagingRoot string
}

// Request describes one export.
type Request struct {
	ProjectID  string
	Format     LabelFormat
	Layout     SplitOption
	OutputFile string

	AssetIDs    []string
	ExternalIDs []string
	AssetFilter *platform.AssetWhere

	// First caps the number of assets exported; zero means all. Skip
	// drops that many matching assets first.
	First int
	Skip  int

	SingleFile bool
	WithAssets bool
	ExportType ExportType

	// AnnotationModifier post-processes every COCO annotation.
	AnnotationModifier CocoAnnotationModifier

	Run RunConfig
}

// IncompatibleJob is a job left out of an export.
type IncompatibleJob struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Report summarises a finished export. The archive itself is written to
// OutputPath.
type Report struct {
	OutputPath       string            `json:"output_path"`
	ArchiveBytes     int64             `json:"archive_bytes"`
	Format           LabelFormat       `json:"format"`
	Layout           SplitOption       `json:"layout"`
	AssetsExported   int               `json:"assets_exported"`
	FramesExported   int               `json:"frames_exported"`
	AssetsUnlabeled  int               `json:"assets_unlabeled"`
	Skipped          []*AssetError     `json:"skipped,omitempty"`
	IncompatibleJobs []IncompatibleJob `json:"incompatible_jobs,omitempty"`
}
