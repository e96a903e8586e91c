package models

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// workflowDocumentSchema is the structural contract for workflow definition
// documents, checked before any graph-level validation so shape errors come
// back with field paths instead of parse panics.
const workflowDocumentSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name", "steps"],
	"properties": {
		"name": {"type": "string", "minLength": 3},
		"expiry": {"type": ["string", "integer"]},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "type"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"type": {"enum": ["http", "sleep", "wait"]},
					"url": {"type": "string"},
					"method": {"type": "string"},
					"headers": {"type": "object", "additionalProperties": {"type": "string"}},
					"body": {"type": "string"},
					"duration": {"type": ["string", "integer"]},
					"timeout": {"type": ["string", "integer"]},
					"needs": {"type": "array", "items": {"type": "string"}},
					"if": {"type": "string"}
				}
			}
		}
	}
}`

// ValidateWorkflowDocument checks a raw definition document against the
// structural schema. Returns a single error joining every violation.
func ValidateWorkflowDocument(raw []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(workflowDocumentSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidWorkflow, err.Error())
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		details = append(details, violation.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidWorkflow, strings.Join(details, "; "))
}
