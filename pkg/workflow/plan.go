package workflow

import (
	"fmt"

	"github.com/hookcron/hookcron/pkg/models"
)

// stepSkip is a planned transition of a pending step to skipped.
type stepSkip struct {
	Step   *models.Step
	Reason string
}

// evaluationData builds the data tree exposed to conditions and templates:
// `trigger.*` from the run payload and `tasks.<step>.*` from step results.
// Skipped steps are present with status "skipped" and a nil output so
// conditions over them evaluate instead of erroring.
func evaluationData(run *models.WorkflowRun, steps map[string]*models.StepRun) map[string]any {
	tasks := make(map[string]any, len(steps))

	for name, step := range steps {
		entry := map[string]any{
			"status": string(step.Status),
		}

		if step.Output != nil {
			entry["output"] = step.Output
		} else {
			entry["output"] = nil
		}

		tasks[name] = entry
	}

	return map[string]any{
		"trigger": run.TriggerPayload,
		"tasks":   tasks,
	}
}

// plan decides which pending steps dispatch and which skip, given the
// current step states. Skips cascade within one call: a step skipped here
// can skip its own dependents in the same planning pass. Dispatches do not
// cascade; a dispatched step only unblocks dependents once its outcome is
// recorded.
//
// Rules, in order, for each pending step:
//   - no `if`, any dependency terminal without success: skip (cascade).
//     Template resolution is never attempted for these.
//   - all dependencies terminal, `if` present: evaluate the comparison and
//     dispatch or skip on its outcome.
//   - all dependencies terminal and successful, no `if`: dispatch.
//   - otherwise: stay pending.
func plan(def *models.WorkflowDefinition, run *models.WorkflowRun, stepRuns map[string]*models.StepRun) (dispatch []*models.Step, skips []stepSkip, err error) {
	status := make(map[string]models.StepStatus, len(stepRuns))
	for name, step := range stepRuns {
		status[name] = step.Status
	}

	data := evaluationData(run, stepRuns)

	for changed := true; changed; {
		changed = false

		for _, step := range def.Steps {
			if status[step.Name] != models.StepStatusPending {
				continue
			}

			if step.If == "" {
				if dep, blocked := blockingDependency(step, status); blocked {
					status[step.Name] = models.StepStatusSkipped
					skips = append(skips, stepSkip{
						Step:   step,
						Reason: fmt.Sprintf("dependency %s %s", dep, status[dep]),
					})

					// Re-expose the skip to conditions downstream.
					data["tasks"].(map[string]any)[step.Name] = map[string]any{
						"status": string(models.StepStatusSkipped),
						"output": nil,
					}

					changed = true

					continue
				}
			}

			if !dependenciesTerminal(step, status) {
				continue
			}

			if step.If != "" {
				ok, evalErr := evaluateCondition(step.If, data)
				if evalErr != nil {
					return nil, nil, fmt.Errorf("step %s: %w", step.Name, evalErr)
				}

				if !ok {
					status[step.Name] = models.StepStatusSkipped
					skips = append(skips, stepSkip{Step: step, Reason: "condition not met"})

					data["tasks"].(map[string]any)[step.Name] = map[string]any{
						"status": string(models.StepStatusSkipped),
						"output": nil,
					}

					changed = true

					continue
				}
			}

			dispatch = append(dispatch, step)
			// Mark in-flight so the fixpoint loop does not revisit it.
			status[step.Name] = models.StepStatusRunning
		}
	}

	return dispatch, skips, nil
}

func evaluateCondition(expr string, data map[string]any) (bool, error) {
	cond, err := models.ParseCondition(expr)
	if err != nil {
		return false, err
	}

	return cond.Evaluate(data)
}

// blockingDependency returns the first dependency that already ended in a
// non-success terminal state. Only unconditioned steps cascade on it.
func blockingDependency(step *models.Step, status map[string]models.StepStatus) (string, bool) {
	for _, dep := range step.Needs {
		s := status[dep]
		if s.IsTerminal() && s != models.StepStatusSuccess {
			return dep, true
		}
	}

	return "", false
}

func dependenciesTerminal(step *models.Step, status map[string]models.StepStatus) bool {
	for _, dep := range step.Needs {
		if !status[dep].IsTerminal() {
			return false
		}
	}

	return true
}

// runOutcome reports whether the run is finished and with what status. A
// run completes when every step is terminal; it fails only when some step's
// failure went unhandled, meaning no `if`-guarded dependent of it was
// dispatched to deal with the outcome.
func runOutcome(def *models.WorkflowDefinition, stepRuns map[string]*models.StepRun) (models.RunStatus, bool) {
	for _, step := range stepRuns {
		if !step.Status.IsTerminal() {
			return models.RunStatusRunning, false
		}
	}

	for _, step := range def.Steps {
		sr := stepRuns[step.Name]
		if sr == nil || !stepFailed(sr.Status) {
			continue
		}

		if !failureHandled(def, stepRuns, step.Name) {
			return models.RunStatusFailed, true
		}
	}

	return models.RunStatusCompleted, true
}

func stepFailed(s models.StepStatus) bool {
	return s == models.StepStatusFailed || s == models.StepStatusTimeout || s == models.StepStatusTemplateError
}

// failureHandled reports whether any conditioned dependent of the failed
// step actually ran. Branches the author wrote to handle failure count as
// success for the run.
func failureHandled(def *models.WorkflowDefinition, stepRuns map[string]*models.StepRun, failed string) bool {
	for _, step := range def.Steps {
		if step.If == "" || !needsStep(step, failed) {
			continue
		}

		sr := stepRuns[step.Name]
		if sr != nil && sr.Status != models.StepStatusSkipped && sr.Status != models.StepStatusPending {
			return true
		}
	}

	return false
}

func needsStep(step *models.Step, name string) bool {
	for _, dep := range step.Needs {
		if dep == name {
			return true
		}
	}

	return false
}
