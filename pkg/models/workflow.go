package models

import (
	"errors"
	"fmt"
	"time"
)

// StepType is the kind of a workflow step.
type StepType string

const (
	StepTypeHTTP  StepType = "http"
	StepTypeSleep StepType = "sleep"
	StepTypeWait  StepType = "wait" // wait-for-callback
)

var (
	ErrCyclicWorkflow  = errors.New("workflow dependency graph contains a cycle")
	ErrDanglingNeeds   = errors.New("needs references an undeclared step")
	ErrDuplicateStep   = errors.New("duplicate step name")
	ErrInvalidStep     = errors.New("invalid step configuration")
	ErrInvalidWorkflow = errors.New("invalid workflow definition")
)

// Step is one node of a workflow DAG. URL, headers and body may carry
// {{...}} template references resolved at dispatch time against the trigger
// payload and prior step outputs.
type Step struct {
	Name string   `json:"name" validate:"required,min=1"`
	Type StepType `json:"type" validate:"required,oneof=http sleep wait"`

	// http
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// sleep
	Duration time.Duration `json:"duration,omitempty"`

	// wait
	Timeout time.Duration `json:"timeout,omitempty"`

	Needs []string `json:"needs,omitempty"`
	If    string   `json:"if,omitempty"`
}

// WorkflowDefinition is a named DAG of steps owned by an organization.
type WorkflowDefinition struct {
	ID             string        `json:"id"              validate:"required"`
	OrganizationID string        `json:"organization_id" validate:"required"`
	Name           string        `json:"name"            validate:"required,min=3"`
	Steps          []*Step       `json:"steps"           validate:"required,min=1"`
	Expiry         time.Duration `json:"expiry,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Validate enforces the definition-time invariants: unique step names, every
// needs reference resolving to a declared step, an acyclic graph, parseable
// conditions, and per-type required fields. Definition errors are rejected
// here so they never reach the engine.
func (d *WorkflowDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return ErrInvalidWorkflow
	}

	names := make(map[string]*Step, len(d.Steps))

	for _, step := range d.Steps {
		if _, dup := names[step.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, step.Name)
		}

		names[step.Name] = step

		if err := step.validate(); err != nil {
			return err
		}
	}

	for _, step := range d.Steps {
		for _, dep := range step.Needs {
			if dep == step.Name {
				return fmt.Errorf("%w: step %s", ErrCyclicWorkflow, step.Name)
			}

			if _, ok := names[dep]; !ok {
				return fmt.Errorf("%w: %s needs %s", ErrDanglingNeeds, step.Name, dep)
			}
		}
	}

	return d.checkAcyclic(names)
}

func (s *Step) validate() error {
	switch s.Type {
	case StepTypeHTTP:
		if s.URL == "" {
			return fmt.Errorf("%w: http step %s has no url", ErrInvalidStep, s.Name)
		}
	case StepTypeSleep:
		if s.Duration <= 0 {
			return fmt.Errorf("%w: sleep step %s has no duration", ErrInvalidStep, s.Name)
		}
	case StepTypeWait:
		if s.Timeout <= 0 {
			return fmt.Errorf("%w: wait step %s has no timeout", ErrInvalidStep, s.Name)
		}
	default:
		return fmt.Errorf("%w: step %s has unknown type %q", ErrInvalidStep, s.Name, s.Type)
	}

	if s.If != "" {
		if _, err := ParseCondition(s.If); err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
	}

	return nil
}

// checkAcyclic runs a three-color depth-first search over the needs edges.
func (d *WorkflowDefinition) checkAcyclic(names map[string]*Step) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	colors := make(map[string]int, len(names))

	var visit func(name string) error

	visit = func(name string) error {
		switch colors[name] {
		case gray:
			return fmt.Errorf("%w: via step %s", ErrCyclicWorkflow, name)
		case black:
			return nil
		}

		colors[name] = gray

		for _, dep := range names[name].Needs {
			if err := visit(dep); err != nil {
				return err
			}
		}

		colors[name] = black

		return nil
	}

	for name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}

	return nil
}
