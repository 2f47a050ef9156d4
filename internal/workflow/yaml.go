package workflow

import (
	"gopkg.in/yaml.v3"

	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// ParseYAML decodes and validates a workflow definition. Definitions round
// trip: ParseYAML(MarshalYAML(def)) yields an equal model.
func ParseYAML(data []byte) (*v1.WorkflowDefinition, error) {
	var def v1.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, apperrors.InvalidArgumentf("malformed workflow yaml: %v", err)
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// MarshalYAML serializes a workflow definition.
func MarshalYAML(def *v1.WorkflowDefinition) ([]byte, error) {
	return yaml.Marshal(def)
}
