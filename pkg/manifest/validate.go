package manifest

import (
	"encoding/json"

	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
)

// ValidateInput checks a task input document against the manifest's input
// schema. Manifests without an input schema accept any input.
func (c *Compiled) ValidateInput(input map[string]interface{}) error {
	if c.InputSchema == nil {
		return nil
	}
	decoded, err := decodedCopy(input)
	if err != nil {
		return taskmesherrors.NewValidationError("input", err.Error())
	}
	if err := c.InputSchema.Validate(decoded); err != nil {
		return taskmesherrors.NewValidationError("input", err.Error())
	}
	return nil
}

// ValidateOutput checks a miner output payload against the manifest's
// output schema. Manifests without an output schema accept any payload.
func (c *Compiled) ValidateOutput(payload map[string]interface{}) error {
	if c.OutputSchema == nil {
		return nil
	}
	decoded, err := decodedCopy(payload)
	if err != nil {
		return taskmesherrors.NewValidationError("payload", err.Error())
	}
	if err := c.OutputSchema.Validate(decoded); err != nil {
		return taskmesherrors.NewValidationError("payload", err.Error())
	}
	return nil
}

// decodedCopy round-trips a value through encoding/json so the schema
// validator only ever sees the types json.Unmarshal produces.
func decodedCopy(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
