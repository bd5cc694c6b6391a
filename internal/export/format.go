package export

import (
	"fmt"
	"path"

	"github.com/labelport/labelport/internal/labeling"
)

// Unit is one output scope of a conversion: every compatible job under the
// archive root, or a single job under its own directory.
type Unit struct {
	Dir     string
	Jobs    []labeling.Job
	Classes *labeling.CategoryIndex
}

func (u Unit) join(elem ...string) string {
	return path.Join(append([]string{u.Dir}, elem...)...)
}

// FrameInput is what an encoder sees of one frame.
type FrameInput struct {
	Asset labeling.Asset
	Label *labeling.Label
	Frame labeling.Frame
	// Stem is the file name of the frame without extension.
	Stem string
	// ImageRef is the archive path of the embedded image, or the remote
	// URL when assets are not embedded.
	ImageRef   string
	Resolution *labeling.Resolution
}

// OutputFile is a file to create in the staging tree. Path is relative
// and slash separated.
type OutputFile struct {
	Path string
	Data []byte
}

// Encoded is the result of converting one frame. Files are written by the
// processor; State is handed back through Accept once they are on disk.
type Encoded struct {
	Files []OutputFile
	State any
}

// Encoder converts the frames of one unit. Encode must not retain
// anything: an asset that fails later is dropped without a trace.
type Encoder interface {
	Dirs() []string
	Encode(in FrameInput) (Encoded, error)
	Accept(e Encoded)
	Finalize() ([]OutputFile, error)
}

// EncoderOptions carries the request options encoders depend on.
type EncoderOptions struct {
	Project    labeling.Project
	Layout     SplitOption
	SingleFile bool
	ExportType ExportType
	Modifier   CocoAnnotationModifier
}

// Converter is the strategy for one output format.
type Converter interface {
	Format() LabelFormat
	// Compatible reports whether a job can be written, and why not.
	Compatible(inputType labeling.InputType, job labeling.Job) (bool, string)
	SupportsSingleFile() bool
	// AssetDir is where embedded assets go; empty when the format never
	// embeds assets.
	AssetDir() string
	// Manifest reports whether non-embedded assets are listed in
	// remote_assets.csv, and the extension of the label files it points to.
	Manifest() (bool, string)
	// PerFrame reports whether videos are expanded into frames.
	PerFrame() bool
	Units(jobs []labeling.Job, opts EncoderOptions) []Unit
	NewEncoder(unit Unit, opts EncoderOptions) Encoder
}

// ConverterFor returns the converter of a format.
func ConverterFor(format LabelFormat) (Converter, error) {
	switch format {
	case FormatRaw, FormatKili:
		return rawConverter{format: format}, nil
	case FormatYOLOv4, FormatYOLOv5, FormatYOLOv7:
		return yoloConverter{version: format}, nil
	case FormatCOCO:
		return cocoConverter{}, nil
	case FormatPascalVOC:
		return vocConverter{}, nil
	default:
		return nil, fmt.Errorf("unknown label format %q", format)
	}
}

// layoutUnits groups jobs the way merged and split layouts do.
func layoutUnits(jobs []labeling.Job, layout SplitOption) []Unit {
	if layout != SplitOptionSplit {
		return []Unit{{Jobs: jobs, Classes: labeling.NewCategoryIndex(jobs)}}
	}
	units := make([]Unit, 0, len(jobs))
	for _, job := range jobs {
		one := []labeling.Job{job}
		units = append(units, Unit{Dir: jobDir(job.Name), Jobs: one, Classes: labeling.NewCategoryIndex(one)})
	}
	return units
}

func jobDir(name string) string {
	if dir := SanitizeName(name, 200); dir != "" && dir != "." && dir != ".." {
		return dir
	}
	return "job"
}

// isVideo reports whether the assets of a project are videos.
func isVideo(inputType labeling.InputType) bool {
	return inputType == labeling.InputTypeVideo
}

// objectDetection checks the common requirements of the geometry formats.
// Child jobs are never written on their own.
func objectDetection(inputType labeling.InputType, job labeling.Job, tools ...string) (bool, string) {
	if job.IsChild {
		return false, "child job"
	}
	if inputType != labeling.InputTypeImage && inputType != labeling.InputTypeVideo {
		return false, fmt.Sprintf("input type %s is not supported", inputType)
	}
	if job.MLTask != labeling.MLTaskObjectDetection {
		return false, fmt.Sprintf("ml task %s is not supported", job.MLTask)
	}
	if !job.HasTool(tools...) {
		return false, fmt.Sprintf("job has none of the tools %v", tools)
	}
	return true, ""
}
