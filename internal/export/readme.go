package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/labelport/labelport/internal/labeling"
)

const readmeFile = "README.kili.txt"

func formatNote(format LabelFormat) string {
	const yolo = "Labels are stored in YOLO format, one .txt file per image under labels/. " +
		"Each line is: class x_center y_center width height, normalised to [0, 1]."
	switch format {
	case FormatRaw, FormatKili:
		return "Labels are stored in the platform's JSON format, one file per asset under labels/."
	case FormatYOLOv4:
		return yolo + " classes.txt maps class ids to category names."
	case FormatYOLOv5, FormatYOLOv7:
		return yolo + " data.yaml lists the category names."
	case FormatCOCO:
		return "Labels are stored in COCO format in labels.json. Coordinates are in pixels."
	case FormatPascalVOC:
		return "Labels are stored in Pascal VOC format, one .xml file per image under labels/."
	}
	return ""
}

func readme(project labeling.Project, req Request, report *Report, exportedAt time.Time) []byte {
	var b strings.Builder
	b.WriteString("Exported Labels from Kili\n")
	b.WriteString("=========================\n\n")
	fmt.Fprintf(&b, "- Project name: %s\n", project.Title)
	fmt.Fprintf(&b, "- Project identifier: %s\n", project.ID)
	if project.Description != "" {
		fmt.Fprintf(&b, "- Project description: %s\n", project.Description)
	}
	fmt.Fprintf(&b, "- Export date: %s\n", exportedAt.UTC().Format("20060102-150405"))
	fmt.Fprintf(&b, "- Exported format: %s\n", req.Format)
	fmt.Fprintf(&b, "- Layout: %s\n", req.Layout)
	fmt.Fprintf(&b, "- Exported labels: %s\n", req.ExportType)
	fmt.Fprintf(&b, "- Exported assets: %d\n", report.AssetsExported)
	if len(report.Skipped) > 0 {
		fmt.Fprintf(&b, "- Skipped assets: %d\n", len(report.Skipped))
	}
	if len(report.IncompatibleJobs) > 0 {
		names := make([]string, 0, len(report.IncompatibleJobs))
		for _, job := range report.IncompatibleJobs {
			names = append(names, job.Name)
		}
		fmt.Fprintf(&b, "- Jobs not exported: %s\n", strings.Join(names, ", "))
	}
	if note := formatNote(req.Format); note != "" {
		b.WriteString("\n")
		b.WriteString(note)
		b.WriteString("\n")
	}
	return []byte(b.String())
}
