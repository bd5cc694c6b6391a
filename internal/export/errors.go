package export

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNoCompatibleJob      = errors.New("no compatible job")
	ErrNotCompatibleOptions = errors.New("not compatible options")
)

// NoCompatibleJobError means no job of the project can be written in the
// requested format. It is raised before anything is written.
type NoCompatibleJobError struct {
	ProjectID string
	Format    LabelFormat
	Jobs      []IncompatibleJob
}

func (e *NoCompatibleJobError) Error() string {
	return fmt.Sprintf("project %s has no job compatible with the %s format", e.ProjectID, e.Format)
}

func (e *NoCompatibleJobError) Is(target error) bool {
	return target == ErrNoCompatibleJob
}

// NotCompatibleOptionsError rejects a combination of export options.
type NotCompatibleOptionsError struct {
	Reason string
}

func (e *NotCompatibleOptionsError) Error() string {
	return "incompatible export options: " + e.Reason
}

func (e *NotCompatibleOptionsError) Is(target error) bool {
	return target == ErrNotCompatibleOptions
}

func notCompatible(format string, args ...any) error {
	return &NotCompatibleOptionsError{Reason: fmt.Sprintf(format, args...)}
}

// AssetError is a failure confined to one asset. The asset is left out of
// the archive and the export goes on.
type AssetError struct {
	AssetID    string
	ExternalID string
	Stage      string
	Err        error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset %s (%s): %s: %v", e.ExternalID, e.AssetID, e.Stage, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

func (e *AssetError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AssetID    string `json:"asset_id"`
		ExternalID string `json:"external_id"`
		Stage      string `json:"stage"`
		Error      string `json:"error"`
	}{e.AssetID, e.ExternalID, e.Stage, fmt.Sprint(e.Err)})
}
