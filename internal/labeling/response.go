package labeling

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Vertex struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Polygon struct {
	NormalizedVertices []Vertex `json:"normalizedVertices"`
}

type CategoryRef struct {
	Name       string `json:"name"`
	Confidence *int   `json:"confidence,omitempty"`
}

type Annotation struct {
	MID          string          `json:"mid,omitempty"`
	Type         string          `json:"type,omitempty"`
	Categories   []CategoryRef   `json:"categories,omitempty"`
	BoundingPoly []Polygon       `json:"boundingPoly,omitempty"`
	Children     json.RawMessage `json:"children,omitempty"`
}

// Category returns the first category of the annotation.
func (a Annotation) Category() (string, bool) {
	if len(a.Categories) == 0 || a.Categories[0].Name == "" {
		return "", false
	}
	return a.Categories[0].Name, true
}

// Bounds returns the extrema over every vertex of every polygon.
func (a Annotation) Bounds() (minX, minY, maxX, maxY float64, ok bool) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, poly := range a.BoundingPoly {
		for _, v := range poly.NormalizedVertices {
			minX = math.Min(minX, v.X)
			minY = math.Min(minY, v.Y)
			maxX = math.Max(maxX, v.X)
			maxY = math.Max(maxY, v.Y)
			ok = true
		}
	}
	if !ok {
		return 0, 0, 0, 0, false
	}
	return minX, minY, maxX, maxY, true
}

type JobResponse struct {
	Annotations []Annotation  `json:"annotations,omitempty"`
	Categories  []CategoryRef `json:"categories,omitempty"`
	Text        string        `json:"text,omitempty"`
}

// JobResponses maps a job name to its answer on one asset or frame.
type JobResponses map[string]JobResponse

// Jobs decodes the response of a non-video label. Bookkeeping keys the
// platform adds next to jobs (ANNOTATION_*) are ignored.
func (l Label) Jobs() (JobResponses, error) {
	return decodeJobResponses(l.JSONResponse)
}

// Frames decodes the response of a video label, keyed by frame index.
func (l Label) Frames() (map[int]JobResponses, error) {
	if len(l.JSONResponse) == 0 {
		return map[int]JobResponses{}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(l.JSONResponse, &raw); err != nil {
		return nil, fmt.Errorf("decode video response: %w", err)
	}
	frames := make(map[int]JobResponses, len(raw))
	for key, value := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			continue
		}
		jobs, err := decodeJobResponses(value)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", idx, err)
		}
		frames[idx] = jobs
	}
	return frames, nil
}

func decodeJobResponses(data []byte) (JobResponses, error) {
	out := JobResponses{}
	if len(data) == 0 {
		return out, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode json response: %w", err)
	}
	for job, value := range raw {
		if strings.HasPrefix(job, "ANNOTATION_") {
			continue
		}
		var jr JobResponse
		if err := json.Unmarshal(value, &jr); err != nil {
			return nil, fmt.Errorf("job %s: %w", job, err)
		}
		out[job] = jr
	}
	return out, nil
}
