package web

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// statusUpdateSchema constrains the client callback body beyond struct
// tags: the response payload must be an object when present, and no
// unknown fields are accepted.
var statusUpdateSchema = map[string]any{
	"type":                 "object",
	"required":             []string{"status"},
	"additionalProperties": false,
	"properties": map[string]any{
		"status": map[string]any{
			"type": "string",
			"enum": []string{"processing", "complete", "errored"},
		},
		"response": map[string]any{
			"type": "object",
		},
	},
}

func validateStatusUpdate(body map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(statusUpdateSchema)
	dataLoader := gojsonschema.NewGoLoader(body)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}

		return fmt.Errorf("validation errors: %s", strings.Join(descriptions, "; "))
	}

	return nil
}
