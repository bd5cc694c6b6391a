package labeling

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type LabelType string

const (
	LabelTypeDefault    LabelType = "DEFAULT"
	LabelTypeReview     LabelType = "REVIEW"
	LabelTypePrediction LabelType = "PREDICTION"
	LabelTypeInference  LabelType = "INFERENCE"
	LabelTypeAutosave   LabelType = "AUTOSAVE"
)

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type User struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

type Label struct {
	ID           string    `json:"id,omitempty"`
	Author       *User     `json:"author,omitempty"`
	CreatedAt    string    `json:"createdAt,omitempty"`
	LabelType    LabelType `json:"labelType,omitempty"`
	JSONResponse RawJSON   `json:"jsonResponse,omitempty"`
}

type Asset struct {
	ID           string      `json:"id"`
	ExternalID   string      `json:"externalId"`
	Content      string      `json:"content,omitempty"`
	JSONContent  RawJSON     `json:"jsonContent,omitempty"`
	Status       string      `json:"status,omitempty"`
	CreatedAt    string      `json:"createdAt,omitempty"`
	Resolution   *Resolution `json:"resolution,omitempty"`
	JSONMetadata RawJSON     `json:"jsonMetadata,omitempty"`
	LatestLabel  *Label      `json:"latestLabel,omitempty"`
	Labels       []Label     `json:"labels,omitempty"`
}

// FrameURLs returns the per-frame content URLs of a video uploaded as a
// list of frames, or nil when the asset has no such list.
func (a Asset) FrameURLs() []string {
	if len(a.JSONContent) == 0 {
		return nil
	}
	var urls []string
	if err := json.Unmarshal(a.JSONContent, &urls); err != nil {
		return nil
	}
	return urls
}

// RawJSON holds a JSON document the platform may deliver either inline
// or as a string containing the encoded document.
type RawJSON []byte

func (r *RawJSON) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s2 := bytes.TrimSpace([]byte(s))
		if len(s2) == 0 {
			*r = nil
			return nil
		}
		if !json.Valid(s2) {
			return fmt.Errorf("string does not hold a JSON document")
		}
		*r = append((*r)[:0], s2...)
		return nil
	}
	*r = append((*r)[:0], data...)
	return nil
}

func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
