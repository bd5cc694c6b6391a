package export

import (
	"fmt"
	"strings"

	"github.com/labelport/labelport/internal/labeling"
	"github.com/labelport/labelport/internal/platform"
)

// Normalize fills the defaults of a request in place.
func (r *Request) Normalize() {
	r.Format = LabelFormat(strings.ToLower(strings.TrimSpace(string(r.Format))))
	if r.Layout == "" {
		r.Layout = SplitOptionMerged
	}
	if r.ExportType == "" {
		r.ExportType = ExportTypeLatest
	}
}

// ValidateOptions checks a normalized request before anything is fetched.
func ValidateOptions(req Request) (Converter, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	if err := ValidateOutputFile(req.OutputFile); err != nil {
		return nil, err
	}
	conv, err := ConverterFor(req.Format)
	if err != nil {
		return nil, err
	}
	switch req.Layout {
	case SplitOptionMerged, SplitOptionSplit:
	default:
		return nil, fmt.Errorf("unknown layout %q", req.Layout)
	}
	switch req.ExportType {
	case ExportTypeLatest, ExportTypeNormal:
	default:
		return nil, fmt.Errorf("unknown export type %q", req.ExportType)
	}

	if req.First < 0 || req.Skip < 0 {
		return nil, fmt.Errorf("first and skip must not be negative")
	}

	if req.SingleFile && !conv.SupportsSingleFile() {
		return nil, notCompatible("single_file is only supported by the coco and raw formats, not %s", req.Format)
	}
	if req.ExportType == ExportTypeNormal && req.Format != FormatRaw && req.Format != FormatKili {
		return nil, notCompatible("the normal export type exports every label and is only supported by the raw format")
	}
	if req.AnnotationModifier != nil && req.Format != FormatCOCO {
		return nil, notCompatible("an annotation modifier only applies to coco exports")
	}
	if len(req.AssetIDs) > 0 && len(req.ExternalIDs) > 0 {
		return nil, notCompatible("asset ids and external ids cannot be combined")
	}
	if req.AssetFilter != nil && req.AssetFilter.LabelCategorySearch != "" {
		if err := platform.ValidateCategorySearch(req.AssetFilter.LabelCategorySearch); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// FilterJobs splits the jobs of a project into those the converter can
// write and those it cannot.
func FilterJobs(conv Converter, project labeling.Project) (compatible []labeling.Job, incompatible []IncompatibleJob) {
	for _, job := range project.JSONInterface.Jobs {
		ok, reason := conv.Compatible(project.InputType, job)
		if !ok {
			incompatible = append(incompatible, IncompatibleJob{Name: job.Name, Reason: reason})
			continue
		}
		compatible = append(compatible, job)
	}
	return compatible, incompatible
}

// checkCloudStorage rejects embedding assets that live in a customer
// bucket the platform cannot hand out.
func checkCloudStorage(conns []platform.DataConnection, conv Converter, withAssets bool) error {
	if len(conns) == 0 || !withAssets || conv.AssetDir() == "" {
		return nil
	}
	return notCompatible("the project reads its assets from cloud storage (%s); export without assets",
		conns[0].DataIntegration.Platform)
}
