package export

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/labelport/labelport/internal/labeling"
)

// rawConverter writes assets and labels as the platform returns them.
type rawConverter struct {
	format LabelFormat
}

func (c rawConverter) Format() LabelFormat { return c.format }

func (rawConverter) Compatible(labeling.InputType, labeling.Job) (bool, string) { return true, "" }

func (rawConverter) SupportsSingleFile() bool { return true }
func (rawConverter) AssetDir() string { return "" }
func (rawConverter) Manifest() (bool, string) { return false, "" }
func (rawConverter) PerFrame() bool { return false }

func (rawConverter) Units(jobs []labeling.Job, opts EncoderOptions) []Unit {
	return layoutUnits(jobs, opts.Layout)
}

func (rawConverter) NewEncoder(unit Unit, opts EncoderOptions) Encoder {
	enc := &rawEncoder{
		unit:       unit,
		singleFile: opts.SingleFile,
		exportType: opts.ExportType,
		video:      isVideo(opts.Project.InputType),
		assets:     []labeling.Asset{},
	}
	if unit.Dir != "" {
		enc.keep = make(map[string]bool, len(unit.Jobs))
		for _, job := range unit.Jobs {
			enc.keep[job.Name] = true
		}
	}
	return enc
}

type rawEncoder struct {
	unit       Unit
	singleFile bool
	exportType ExportType
	video      bool
	// keep restricts label responses to the jobs of the unit; nil keeps all.
	keep   map[string]bool
	assets []labeling.Asset
}

func (e *rawEncoder) Dirs() []string {
	if e.singleFile {
		if e.unit.Dir == "" {
			return nil
		}
		return []string{e.unit.Dir}
	}
	return []string{e.unit.join("labels")}
}

func (e *rawEncoder) Encode(in FrameInput) (Encoded, error) {
	asset, err := e.shape(in.Asset)
	if err != nil {
		return Encoded{}, err
	}
	if e.singleFile {
		return Encoded{State: asset}, nil
	}
	data, err := json.MarshalIndent(asset, "", "  ")
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Files: []OutputFile{{Path: e.unit.join("labels", in.Stem+".json"), Data: data}}}, nil
}

// shape keeps the labels the export type asks for, restricted to the
// jobs of the unit.
func (e *rawEncoder) shape(asset labeling.Asset) (labeling.Asset, error) {
	out := asset
	if e.exportType == ExportTypeNormal {
		out.LatestLabel = nil
		out.Labels = make([]labeling.Label, 0, len(asset.Labels))
		for _, label := range asset.Labels {
			restricted, err := e.restrict(label)
			if err != nil {
				return out, err
			}
			out.Labels = append(out.Labels, restricted)
		}
		return out, nil
	}

	out.Labels = nil
	if asset.LatestLabel != nil {
		restricted, err := e.restrict(*asset.LatestLabel)
		if err != nil {
			return out, err
		}
		out.LatestLabel = &restricted
	}
	return out, nil
}

func (e *rawEncoder) restrict(label labeling.Label) (labeling.Label, error) {
	if e.keep == nil || len(label.JSONResponse) == 0 {
		return label, nil
	}
	filtered, err := filterResponse(label.JSONResponse, e.keep, e.video)
	if err != nil {
		return label, fmt.Errorf("label %s: %w", label.ID, err)
	}
	label.JSONResponse = filtered
	return label, nil
}

// filterResponse drops the jobs not in keep. Video responses are keyed by
// frame index and filtered frame by frame.
func filterResponse(data labeling.RawJSON, keep map[string]bool, video bool) (labeling.RawJSON, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode json response: %w", err)
	}
	out := make(map[string]json.RawMessage, len(raw))
	for key, value := range raw {
		if video {
			if _, err := strconv.Atoi(key); err == nil {
				frame, err := filterResponse(labeling.RawJSON(value), keep, false)
				if err != nil {
					return nil, fmt.Errorf("frame %s: %w", key, err)
				}
				out[key] = json.RawMessage(frame)
				continue
			}
		}
		if keep[key] {
			out[key] = value
		}
	}
	return json.Marshal(out)
}

func (e *rawEncoder) Accept(enc Encoded) {
	if asset, ok := enc.State.(labeling.Asset); ok {
		e.assets = append(e.assets, asset)
	}
}

func (e *rawEncoder) Finalize() ([]OutputFile, error) {
	if !e.singleFile {
		return nil, nil
	}
	data, err := json.MarshalIndent(e.assets, "", "  ")
	if err != nil {
		return nil, err
	}
	return []OutputFile{{Path: e.unit.join("data.json"), Data: data}}, nil
}
