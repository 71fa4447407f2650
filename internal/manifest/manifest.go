// Package manifest decodes dependency manifests and computes the structural
// difference between two manifest snapshots.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode parses a manifest document into a generic snapshot.
// Numbers are kept as json.Number, their textual representation is what the
// manifest contains and what comparisons must operate on.
func Decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var snapshot map[string]any
	if err := dec.Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decoding manifest document failed: %w", err)
	}

	return snapshot, nil
}
