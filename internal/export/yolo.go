package export

import (
	"bytes"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/labelport/labelport/internal/labeling"
)

type yoloConverter struct {
	version LabelFormat
}

func (c yoloConverter) Format() LabelFormat { return c.version }

func (yoloConverter) Compatible(inputType labeling.InputType, job labeling.Job) (bool, string) {
	return objectDetection(inputType, job, labeling.ToolRectangle, labeling.ToolPolygon, labeling.ToolSemantic)
}

func (yoloConverter) SupportsSingleFile() bool { return false }
func (yoloConverter) AssetDir() string { return "images" }
func (yoloConverter) Manifest() (bool, string) { return true, ".txt" }
func (yoloConverter) PerFrame() bool { return true }

func (yoloConverter) Units(jobs []labeling.Job, opts EncoderOptions) []Unit {
	return layoutUnits(jobs, opts.Layout)
}

func (c yoloConverter) NewEncoder(unit Unit, opts EncoderOptions) Encoder {
	return &yoloEncoder{version: c.version, unit: unit, writeEmpty: opts.Layout != SplitOptionSplit}
}

type yoloEncoder struct {
	version    LabelFormat
	unit       Unit
	writeEmpty bool
}

func (e *yoloEncoder) Dirs() []string {
	return []string{e.unit.join("labels")}
}

// Encode writes one line per annotation:
// "<class> <x_center> <y_center> <width> <height>", normalised to [0, 1].
func (e *yoloEncoder) Encode(in FrameInput) (Encoded, error) {
	var buf bytes.Buffer
	for _, job := range e.unit.Jobs {
		for _, ann := range in.Frame.Jobs[job.Name].Annotations {
			line, ok := yoloLine(e.unit.Classes, job.Name, ann)
			if !ok {
				continue
			}
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	if buf.Len() == 0 && !e.writeEmpty {
		return Encoded{}, nil
	}
	return Encoded{Files: []OutputFile{{Path: e.unit.join("labels", in.Stem+".txt"), Data: buf.Bytes()}}}, nil
}

func yoloLine(classes *labeling.CategoryIndex, job string, ann labeling.Annotation) (string, bool) {
	cat, ok := ann.Category()
	if !ok {
		return "", false
	}
	id, ok := classes.Lookup(job, cat)
	if !ok {
		return "", false
	}
	minX, minY, maxX, maxY, ok := ann.Bounds()
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%d %s %s %s %s", id,
		formatFloat((minX+maxX)/2), formatFloat((minY+maxY)/2),
		formatFloat(maxX-minX), formatFloat(maxY-minY)), true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (e *yoloEncoder) Accept(Encoded) {}

func (e *yoloEncoder) Finalize() ([]OutputFile, error) {
	entries := e.unit.Classes.Entries()
	if e.version == FormatYOLOv4 {
		var buf bytes.Buffer
		for _, entry := range entries {
			fmt.Fprintf(&buf, "%d %s\n", entry.ID, entry.Category)
		}
		return []OutputFile{{Path: e.unit.join("classes.txt"), Data: buf.Bytes()}}, nil
	}

	data, err := yoloDataYAML(e.version, e.unit, entries)
	if err != nil {
		return nil, err
	}
	return []OutputFile{{Path: e.unit.join("data.yaml"), Data: data}}, nil
}

// yoloDataYAML renders data.yaml with names as a flow sequence of quoted
// strings, the form YOLO training scripts expect.
func yoloDataYAML(version LabelFormat, unit Unit, entries []labeling.ClassEntry) ([]byte, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, value *yaml.Node) {
		doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, value)
	}

	if version == FormatYOLOv7 {
		images := "images"
		if unit.Dir != "" {
			images = "../images"
		}
		for _, split := range []string{"train", "val", "test"} {
			add(split, &yaml.Node{Kind: yaml.ScalarNode, Value: images})
		}
	}
	add("nc", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(len(entries))})

	names := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, entry := range entries {
		names.Content = append(names.Content, &yaml.Node{
			Kind:  yaml.ScalarNode,
			Style: yaml.SingleQuotedStyle,
			Value: entry.Category,
		})
	}
	add("names", names)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode data.yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode data.yaml: %w", err)
	}
	return buf.Bytes(), nil
}
