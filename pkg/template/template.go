// Package template resolves {{...}} references in workflow step fields
// against the run's trigger payload and prior step outputs.
//
// Resolution is strict: a reference that does not resolve fails the render
// with an UnresolvedReferenceError instead of substituting an empty value.
// Silently sending a request with a blank URL segment or body field is worse
// than failing the step.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hookcron/hookcron/pkg/models"
)

var referencePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_\-]+(?:\.[a-zA-Z0-9_\-]+)*)\s*\}\}`)

// UnresolvedReferenceError names the specific reference that failed so the
// step error can surface it verbatim.
type UnresolvedReferenceError struct {
	Reference string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved template reference %q", e.Reference)
}

// NeedsTemplating reports whether the input contains any {{...}} reference.
func NeedsTemplating(input string) bool {
	return referencePattern.MatchString(input)
}

// Render substitutes every {{...}} reference in input with its value from
// data. String values are inserted as-is; everything else is inserted as
// JSON. The first unresolved reference aborts the render.
func Render(input string, data map[string]any) (string, error) {
	var unresolved *UnresolvedReferenceError

	out := referencePattern.ReplaceAllStringFunc(input, func(match string) string {
		if unresolved != nil {
			return match
		}

		reference := strings.TrimSpace(match[2 : len(match)-2])

		value := models.LookupPath(data, reference)
		if value == nil {
			unresolved = &UnresolvedReferenceError{Reference: reference}

			return match
		}

		return stringify(value)
	})

	if unresolved != nil {
		return "", unresolved
	}

	return out, nil
}

// RenderMap renders every value of a string map, preserving keys.
func RenderMap(input map[string]string, data map[string]any) (map[string]string, error) {
	if len(input) == 0 {
		return input, nil
	}

	out := make(map[string]string, len(input))

	for key, value := range input {
		rendered, err := Render(value, data)
		if err != nil {
			return nil, err
		}

		out[key] = rendered
	}

	return out, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}

		return string(raw)
	}
}
