package export

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"path"

	"github.com/labelport/labelport/internal/labeling"
)

type vocConverter struct{}

func (vocConverter) Format() LabelFormat { return FormatPascalVOC }

func (vocConverter) Compatible(inputType labeling.InputType, job labeling.Job) (bool, string) {
	return objectDetection(inputType, job, labeling.ToolRectangle, labeling.ToolPolygon)
}

func (vocConverter) SupportsSingleFile() bool { return false }
func (vocConverter) AssetDir() string { return "images" }
func (vocConverter) Manifest() (bool, string) { return true, ".xml" }
func (vocConverter) PerFrame() bool { return true }

func (vocConverter) Units(jobs []labeling.Job, opts EncoderOptions) []Unit {
	return layoutUnits(jobs, opts.Layout)
}

func (vocConverter) NewEncoder(unit Unit, opts EncoderOptions) Encoder {
	return &vocEncoder{unit: unit, writeEmpty: opts.Layout != SplitOptionSplit}
}

type vocAnnotation struct {
	XMLName   xml.Name    `xml:"annotation"`
	Folder    string      `xml:"folder"`
	Filename  string      `xml:"filename"`
	Path      string      `xml:"path"`
	Source    vocSource   `xml:"source"`
	Size      vocSize     `xml:"size"`
	Segmented int         `xml:"segmented"`
	Objects   []vocObject `xml:"object"`
}

type vocSource struct {
	Database string `xml:"database"`
}

type vocSize struct {
	Width  int `xml:"width"`
	Height int `xml:"height"`
	Depth  int `xml:"depth"`
}

type vocObject struct {
	Name      string `xml:"name"`
	Job       string `xml:"job"`
	Pose      string `xml:"pose"`
	Truncated int    `xml:"truncated"`
	Difficult int    `xml:"difficult"`
	Occluded  int    `xml:"occluded"`
	BndBox    vocBox `xml:"bndbox"`
}

type vocBox struct {
	XMin int `xml:"xmin"`
	YMin int `xml:"ymin"`
	XMax int `xml:"xmax"`
	YMax int `xml:"ymax"`
}

type vocEncoder struct {
	unit       Unit
	writeEmpty bool
}

func (e *vocEncoder) Dirs() []string {
	return []string{e.unit.join("labels")}
}

func (e *vocEncoder) Encode(in FrameInput) (Encoded, error) {
	if in.Resolution == nil || in.Resolution.Width <= 0 || in.Resolution.Height <= 0 {
		return Encoded{}, errUnknownResolution
	}
	w, h := float64(in.Resolution.Width), float64(in.Resolution.Height)

	doc := vocAnnotation{
		Folder:   "images",
		Filename: path.Base(in.ImageRef),
		Path:     in.ImageRef,
		Source:   vocSource{Database: "Kili Technology"},
		Size:     vocSize{Width: in.Resolution.Width, Height: in.Resolution.Height, Depth: 3},
	}
	for _, job := range e.unit.Jobs {
		for _, ann := range in.Frame.Jobs[job.Name].Annotations {
			cat, ok := ann.Category()
			if !ok {
				continue
			}
			if _, known := e.unit.Classes.Lookup(job.Name, cat); !known {
				continue
			}
			minX, minY, maxX, maxY, ok := ann.Bounds()
			if !ok {
				continue
			}
			doc.Objects = append(doc.Objects, vocObject{
				Name: cat,
				Job:  job.Name,
				Pose: "Unspecified",
				BndBox: vocBox{
					XMin: int(math.Round(minX * w)),
					YMin: int(math.Round(minY * h)),
					XMax: int(math.Round(maxX * w)),
					YMax: int(math.Round(maxY * h)),
				},
			})
		}
	}
	if len(doc.Objects) == 0 && !e.writeEmpty {
		return Encoded{}, nil
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return Encoded{}, fmt.Errorf("encode voc annotation: %w", err)
	}
	buf.WriteByte('\n')
	return Encoded{Files: []OutputFile{{Path: e.unit.join("labels", in.Stem+".xml"), Data: buf.Bytes()}}}, nil
}

func (e *vocEncoder) Accept(Encoded) {}

func (e *vocEncoder) Finalize() ([]OutputFile, error) { return nil, nil }
