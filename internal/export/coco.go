package export

import (
	"encoding/json"
	"errors"
	"math"

	"github.com/labelport/labelport/internal/labeling"
)

// CocoAnnotationModifier rewrites an annotation before it is stored. It
// sees the final ids and the image the annotation belongs to.
type CocoAnnotationModifier func(ann CocoAnnotation, img CocoImage, src labeling.Annotation) CocoAnnotation

type CocoInfo struct {
	Description string `json:"description"`
	Version     string `json:"version"`
	Contributor string `json:"contributor"`
}

type CocoLicense struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type CocoCategory struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory"`
}

type CocoImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type CocoAnnotation struct {
	ID           int            `json:"id"`
	ImageID      int            `json:"image_id"`
	CategoryID   int            `json:"category_id"`
	BBox         []float64      `json:"bbox"`
	Segmentation [][]float64    `json:"segmentation"`
	Area         float64        `json:"area"`
	IsCrowd      int            `json:"iscrowd"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

type CocoDocument struct {
	Info        CocoInfo         `json:"info"`
	Licenses    []CocoLicense    `json:"licenses"`
	Categories  []CocoCategory   `json:"categories"`
	Images      []CocoImage      `json:"images"`
	Annotations []CocoAnnotation `json:"annotations"`
}

var errUnknownResolution = errors.New("asset resolution is unknown")

type cocoConverter struct{}

func (cocoConverter) Format() LabelFormat { return FormatCOCO }

func (cocoConverter) Compatible(inputType labeling.InputType, job labeling.Job) (bool, string) {
	return objectDetection(inputType, job, labeling.ToolRectangle, labeling.ToolPolygon, labeling.ToolSemantic)
}

func (cocoConverter) SupportsSingleFile() bool { return true }
func (cocoConverter) AssetDir() string { return "data" }
func (cocoConverter) Manifest() (bool, string) { return false, "" }
func (cocoConverter) PerFrame() bool { return true }

// Units gives one labels.json per job, or a single one at the root.
func (cocoConverter) Units(jobs []labeling.Job, opts EncoderOptions) []Unit {
	if opts.SingleFile {
		return layoutUnits(jobs, SplitOptionMerged)
	}
	return layoutUnits(jobs, SplitOptionSplit)
}

func (cocoConverter) NewEncoder(unit Unit, opts EncoderOptions) Encoder {
	doc := CocoDocument{
		Info: CocoInfo{
			Description: "Exported from project " + opts.Project.Title,
			Version:     "1.0",
			Contributor: "labelport",
		},
		Licenses:    []CocoLicense{},
		Categories:  []CocoCategory{},
		Images:      []CocoImage{},
		Annotations: []CocoAnnotation{},
	}
	for _, entry := range unit.Classes.Entries() {
		doc.Categories = append(doc.Categories, CocoCategory{ID: entry.ID, Name: entry.Category, Supercategory: entry.Job})
	}
	return &cocoEncoder{unit: unit, modifier: opts.Modifier, doc: doc}
}

type cocoEncoder struct {
	unit     Unit
	modifier CocoAnnotationModifier
	doc      CocoDocument
}

type cocoFrame struct {
	image       CocoImage
	annotations []CocoAnnotation
	sources     []labeling.Annotation
}

func (e *cocoEncoder) Dirs() []string {
	if e.unit.Dir == "" {
		return nil
	}
	return []string{e.unit.Dir}
}

// Encode converts the frame to pixel coordinates. Ids are assigned in
// Accept, so they stay dense when assets are dropped.
func (e *cocoEncoder) Encode(in FrameInput) (Encoded, error) {
	if in.Resolution == nil || in.Resolution.Width <= 0 || in.Resolution.Height <= 0 {
		return Encoded{}, errUnknownResolution
	}
	w, h := float64(in.Resolution.Width), float64(in.Resolution.Height)

	frame := cocoFrame{image: CocoImage{FileName: in.ImageRef, Width: in.Resolution.Width, Height: in.Resolution.Height}}
	for _, job := range e.unit.Jobs {
		for _, ann := range in.Frame.Jobs[job.Name].Annotations {
			cat, ok := ann.Category()
			if !ok {
				continue
			}
			id, ok := e.unit.Classes.Lookup(job.Name, cat)
			if !ok {
				continue
			}
			minX, minY, maxX, maxY, ok := ann.Bounds()
			if !ok {
				continue
			}
			coco := CocoAnnotation{
				CategoryID:   id,
				BBox:         []float64{minX * w, minY * h, (maxX - minX) * w, (maxY - minY) * h},
				Segmentation: [][]float64{},
			}
			for _, poly := range ann.BoundingPoly {
				if len(poly.NormalizedVertices) == 0 {
					continue
				}
				seg := make([]float64, 0, 2*len(poly.NormalizedVertices))
				for _, v := range poly.NormalizedVertices {
					seg = append(seg, v.X*w, v.Y*h)
				}
				coco.Segmentation = append(coco.Segmentation, seg)
				coco.Area += polygonArea(seg)
			}
			frame.annotations = append(frame.annotations, coco)
			frame.sources = append(frame.sources, ann)
		}
	}
	return Encoded{State: frame}, nil
}

func (e *cocoEncoder) Accept(enc Encoded) {
	frame, ok := enc.State.(cocoFrame)
	if !ok {
		return
	}
	frame.image.ID = len(e.doc.Images)
	e.doc.Images = append(e.doc.Images, frame.image)
	for i, ann := range frame.annotations {
		ann.ID = len(e.doc.Annotations)
		ann.ImageID = frame.image.ID
		if e.modifier != nil {
			ann = e.modifier(ann, frame.image, frame.sources[i])
		}
		e.doc.Annotations = append(e.doc.Annotations, ann)
	}
}

func (e *cocoEncoder) Finalize() ([]OutputFile, error) {
	data, err := json.MarshalIndent(e.doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return []OutputFile{{Path: e.unit.join("labels.json"), Data: data}}, nil
}

// polygonArea is the shoelace area of a flat x0,y0,x1,y1,... ring.
func polygonArea(flat []float64) float64 {
	n := len(flat) / 2
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += flat[2*i]*flat[2*j+1] - flat[2*j]*flat[2*i+1]
	}
	return math.Abs(sum) / 2
}
