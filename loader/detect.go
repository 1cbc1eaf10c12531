// Package loader reads workflow definition files in JSON or YAML. A
// definition holds the same nodes and connections the HTTP API stores, so a
// workflow exported from GET /api/workflows/{id} loads unchanged.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a definition file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat picks the encoding from the file extension. Files without a
// known extension are JSON when they start with '{', YAML otherwise.
func DetectFormat(data []byte, filePath string) Format {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return FormatJSON
	}
	return FormatYAML
}

// toJSON converts data to JSON bytes. YAML is decoded to generic values and
// re-encoded so that one set of json tags describes both formats.
func toJSON(data []byte, format Format) ([]byte, error) {
	if format == FormatJSON {
		return data, nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("converting YAML: %w", err)
	}
	return out, nil
}

// checkDocument rejects documents that are not a workflow definition.
func checkDocument(jsonData []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(jsonData, &raw); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}
	if _, ok := raw["nodes"]; !ok {
		return fmt.Errorf("not a workflow definition: missing \"nodes\"")
	}
	return nil
}

// DecodeObject decodes a JSON or YAML document that must be an object, such
// as a file of initial data.
func DecodeObject(data []byte, format Format) (map[string]any, error) {
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("document must be an object")
	}
	return out, nil
}
