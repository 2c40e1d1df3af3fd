// Package workflow runs named sequences of idempotent UI steps against a
// browser tab.
//
// A step first asks its completion predicate whether the page already shows
// the desired state; if so it is skipped without touching the page. Otherwise
// the step's target is resolved through the ordered locator strategies. A
// target that cannot be found is reported as not available and the workflow
// moves on, unless the step is marked Required. Found targets receive the
// step's action, retried within the step's budget, followed by an optional
// follow-on wait.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airdrop-automation/browser"
	"airdrop-automation/ratelimit"
)

var (
	// ErrActionNotAvailable marks a step whose target could not be found.
	ErrActionNotAvailable = errors.New("action not available")
	// ErrAbort stops the workflow; wrap step errors with Abort to use it.
	ErrAbort = errors.New("workflow aborted")
)

// Abort wraps err so that the engine stops the workflow instead of
// retrying or skipping the step.
func Abort(err error) error {
	if err == nil {
		return ErrAbort
	}
	return fmt.Errorf("%w: %w", ErrAbort, err)
}

// Predicate reports whether a step's effect is already present on the tab.
type Predicate func(ctx context.Context, tab browser.Tab) (bool, error)

// Action acts on a resolved element. el is nil for steps without a target.
type Action func(ctx context.Context, tab browser.Tab, el browser.Element) error

// Wait blocks until the page reflects a performed step.
type Wait func(ctx context.Context, tab browser.Tab) error

// Step is a stateless description of one UI action.
type Step struct {
	Name string

	// Scope narrows the target lookup to a container element.
	Scope []browser.Strategy
	// Target lists the strategies tried in order. Empty means the action
	// runs without an element.
	Target []browser.Strategy
	// Lookup overrides the engine's element wait.
	Lookup time.Duration

	Done   Predicate
	Action Action
	Then   Wait

	// Retries is the number of extra action attempts after a failure.
	Retries int
	// Required turns a missing target into a workflow failure.
	Required bool
	// Terminal ends the workflow once the step is performed.
	Terminal bool
	// Pace names the rate-limited action this step counts as.
	Pace ratelimit.ActionType
}

// Workflow is a named ordered list of steps bound to one tab.
type Workflow struct {
	Name    string
	Profile string
	Tab     browser.Tab
	Steps   []Step

	// CheckChallenge runs the bot challenge check before the first step.
	CheckChallenge bool
}

// Outcome is the result of one step.
type Outcome string

const (
	Performed    Outcome = "performed"
	Skipped      Outcome = "skipped"
	NotAvailable Outcome = "not_available"
	Failed       Outcome = "failed"
)

// StepResult records what happened to one step.
type StepResult struct {
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Strategy string        `json:"strategy,omitempty"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
	Error    string        `json:"error,omitempty"`
}

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusFailed    = "failed"
)

// Report is the outcome of one workflow run.
type Report struct {
	RunID    string       `json:"run_id"`
	Workflow string       `json:"workflow"`
	Profile  string       `json:"profile"`
	Status   string       `json:"status"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Steps    []StepResult `json:"steps"`
	Error    string       `json:"error,omitempty"`
}

// Step returns the result recorded for name.
func (r *Report) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Count returns how many steps ended with outcome.
func (r *Report) Count(outcome Outcome) int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome == outcome {
			n++
		}
	}
	return n
}

// Elapsed is the wall time of the run.
func (r *Report) Elapsed() time.Duration {
	return r.Finished.Sub(r.Started)
}
