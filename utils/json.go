package utils

import (
	"encoding/json"
)

// MustJSON marshals v, falling back to an empty object. Used for metadata columns
// where a bad payload must not fail the write.
func MustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil || len(b) == 0 {
		return []byte("{}")
	}
	return b
}
