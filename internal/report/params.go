package report

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
)

// MergeParameters overlays override onto base, key by key. Either may be
// empty. Both must be JSON objects.
func MergeParameters(base, override json.RawMessage) (json.RawMessage, error) {
	if len(override) == 0 {
		return base, nil
	}
	if len(base) == 0 {
		return override, nil
	}

	merged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, fmt.Errorf("report parameters are not an object: %w", err)
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(override, &extra); err != nil {
		return nil, fmt.Errorf("parameters are not an object: %w", err)
	}
	for k, v := range extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ValidateParameters checks that params is empty or a JSON object
func ValidateParameters(field string, params json.RawMessage) error {
	if len(params) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return apperrors.NewValidationError(field, "must be a JSON object")
	}
	return nil
}
