package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ModelPreference is the operator's chosen model, stored as
// {"model": "..."}. An empty value means the backend default.
type ModelPreference struct {
	path         string
	defaultModel string
}

type modelFile struct {
	Model string `json:"model"`
}

// NewModelPreference returns a preference stored at path. defaultModel is
// used until a value has been set.
func NewModelPreference(path, defaultModel string) *ModelPreference {
	return &ModelPreference{path: path, defaultModel: strings.TrimSpace(defaultModel)}
}

// Get reads the current preference from disk on every call.
func (m *ModelPreference) Get() string {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return m.defaultModel
	}
	var f modelFile
	if err := json.Unmarshal(data, &f); err != nil {
		return m.defaultModel
	}
	return strings.TrimSpace(f.Model)
}

// Set trims and persists model and returns the stored value.
func (m *ModelPreference) Set(model string) (string, error) {
	model = strings.TrimSpace(model)
	data, err := json.MarshalIndent(modelFile{Model: model}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode model preference: %w", err)
	}
	if err := writeFileAtomic(m.path, data); err != nil {
		return "", err
	}
	return model, nil
}

