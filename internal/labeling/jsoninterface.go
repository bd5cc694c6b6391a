// Package labeling holds the platform's data model: projects and their
// JSON interface (jobs and categories), assets, labels and annotations.
package labeling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type InputType string

const (
	InputTypeImage InputType = "IMAGE"
	InputTypeVideo InputType = "VIDEO"
	InputTypeText  InputType = "TEXT"
	InputTypePDF   InputType = "PDF"
)

type MLTask string

const (
	MLTaskClassification  MLTask = "CLASSIFICATION"
	MLTaskObjectDetection MLTask = "OBJECT_DETECTION"
	MLTaskNER             MLTask = "NAMED_ENTITIES_RECOGNITION"
	MLTaskTranscription   MLTask = "TRANSCRIPTION"
)

const (
	ToolRectangle = "rectangle"
	ToolPolygon   = "polygon"
	ToolSemantic  = "semantic"
	ToolMarker    = "marker"
)

type Project struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	InputType     InputType     `json:"inputType"`
	JSONInterface JSONInterface `json:"jsonInterface"`
}

type Category struct {
	Key      string   `json:"key"`
	Name     string   `json:"name"`
	Color    string   `json:"color,omitempty"`
	Children []string `json:"children,omitempty"`
}

type Job struct {
	Name        string     `json:"name"`
	MLTask      MLTask     `json:"mlTask"`
	Tools       []string   `json:"tools,omitempty"`
	Required    bool       `json:"required"`
	IsChild     bool       `json:"isChild"`
	Instruction string     `json:"instruction,omitempty"`
	Categories  []Category `json:"categories"`
}

// HasTool reports whether the job offers any of the given tools.
func (j Job) HasTool(tools ...string) bool {
	for _, have := range j.Tools {
		for _, want := range tools {
			if have == want {
				return true
			}
		}
	}
	return false
}

// JSONInterface is the ordered set of jobs of a project. Job order and
// category order follow the key order of the platform document.
type JSONInterface struct {
	Jobs []Job
}

// Job returns the job with the given name.
func (ji JSONInterface) Job(name string) (Job, bool) {
	for _, j := range ji.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

type rawJob struct {
	MLTask      MLTask          `json:"mlTask"`
	Tools       []string        `json:"tools"`
	Required    flexBool        `json:"required"`
	IsChild     flexBool        `json:"isChild"`
	Instruction string          `json:"instruction"`
	Content     json.RawMessage `json:"content"`
}

type rawCategory struct {
	Name     string   `json:"name"`
	Color    string   `json:"color"`
	Children []string `json:"children"`
}

// UnmarshalJSON accepts the interface either as an object or as a string
// holding the encoded object, which is how the API returns it.
func (ji *JSONInterface) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*ji = JSONInterface{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode json interface string: %w", err)
		}
		return ji.UnmarshalJSON([]byte(s))
	}

	var root struct {
		Jobs json.RawMessage `json:"jobs"`
	}
	if err := json.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("decode json interface: %w", err)
	}
	if len(root.Jobs) == 0 {
		*ji = JSONInterface{}
		return nil
	}

	names, values, err := decodeOrderedObject(root.Jobs)
	if err != nil {
		return fmt.Errorf("decode jobs: %w", err)
	}

	jobs := make([]Job, 0, len(names))
	for _, name := range names {
		var rj rawJob
		if err := json.Unmarshal(values[name], &rj); err != nil {
			return fmt.Errorf("decode job %s: %w", name, err)
		}
		job := Job{
			Name:        name,
			MLTask:      rj.MLTask,
			Tools:       rj.Tools,
			Required:    bool(rj.Required),
			IsChild:     bool(rj.IsChild),
			Instruction: rj.Instruction,
		}
		cats, err := decodeCategories(rj.Content)
		if err != nil {
			return fmt.Errorf("decode categories of job %s: %w", name, err)
		}
		job.Categories = cats
		jobs = append(jobs, job)
	}

	ji.Jobs = jobs
	return nil
}

// MarshalJSON writes the interface back in platform shape, keeping order.
func (ji JSONInterface) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"jobs":{`)
	for i, j := range ji.Jobs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(j.Name)
		buf.Write(key)
		buf.WriteString(`:{"mlTask":`)
		v, _ := json.Marshal(j.MLTask)
		buf.Write(v)
		if len(j.Tools) > 0 {
			buf.WriteString(`,"tools":`)
			v, _ = json.Marshal(j.Tools)
			buf.Write(v)
		}
		fmt.Fprintf(&buf, `,"required":%t,"isChild":%t`, j.Required, j.IsChild)
		if j.Instruction != "" {
			buf.WriteString(`,"instruction":`)
			v, _ = json.Marshal(j.Instruction)
			buf.Write(v)
		}
		buf.WriteString(`,"content":{"categories":{`)
		for k, c := range j.Categories {
			if k > 0 {
				buf.WriteByte(',')
			}
			key, _ = json.Marshal(c.Key)
			buf.Write(key)
			buf.WriteByte(':')
			v, _ = json.Marshal(rawCategory{Name: c.Name, Color: c.Color, Children: c.Children})
			buf.Write(v)
		}
		buf.WriteString(`}}}`)
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

func decodeCategories(content json.RawMessage) ([]Category, error) {
	if len(content) == 0 {
		return nil, nil
	}
	var c struct {
		Categories json.RawMessage `json:"categories"`
	}
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, err
	}
	if len(c.Categories) == 0 || bytes.Equal(bytes.TrimSpace(c.Categories), []byte("null")) {
		return nil, nil
	}

	keys, values, err := decodeOrderedObject(c.Categories)
	if err != nil {
		return nil, err
	}
	cats := make([]Category, 0, len(keys))
	for _, key := range keys {
		var rc rawCategory
		if err := json.Unmarshal(values[key], &rc); err != nil {
			return nil, fmt.Errorf("category %s: %w", key, err)
		}
		name := rc.Name
		if name == "" {
			name = key
		}
		cats = append(cats, Category{Key: key, Name: name, Color: rc.Color, Children: rc.Children})
	}
	return cats, nil
}

// decodeOrderedObject decodes a JSON object keeping the order of its keys.
// A repeated key keeps its first position and its last value.
func decodeOrderedObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}

	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected string key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("value of %s: %w", key, err)
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

// flexBool accepts true/false as well as the 0/1 integers the platform
// uses for some flags.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := string(bytes.TrimSpace(data))
	switch s {
	case "null", "":
		*b = false
		return nil
	case "true", "false":
		*b = s == "true"
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid boolean %s", s)
	}
	*b = n != 0
	return nil
}
