package uploader

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Manifest records the last confirmed upload batch. It is advisory: the
// state database holds the authoritative high-water marks, the manifest
// exists for operators and for cross-checking after a restart.
type Manifest struct {
	BatchID     string    `json:"batch_id"`
	Object      string    `json:"object"`
	SinkPath    string    `json:"sink_path"`
	FromOffset  int64     `json:"from_offset"`
	ToOffset    int64     `json:"to_offset"`
	Destination string    `json:"destination"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["batch_id", "object", "sink_path", "from_offset", "to_offset", "uploaded_at"],
	"properties": {
		"batch_id":    {"type": "string", "minLength": 1},
		"object":      {"type": "string", "minLength": 1},
		"sink_path":   {"type": "string", "minLength": 1},
		"from_offset": {"type": "integer", "minimum": 0},
		"to_offset":   {"type": "integer", "minimum": 0},
		"destination": {"type": "string"},
		"uploaded_at": {"type": "string"}
	},
	"additionalProperties": false
}`

var compiledManifestSchema = jsonschema.MustCompileString("manifest.json", manifestSchema)

// WriteManifest atomically replaces the manifest file.
func WriteManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// LoadManifest reads and schema-validates the manifest. A missing or
// invalid manifest returns nil: recovery falls back to the state database.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	// Schema validation wants json numbers, not floats with precision loss.
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, nil
	}

	if err := compiledManifestSchema.Validate(raw); err != nil {
		return nil, nil
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil
	}
	return &m, nil
}
