package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"airdrop-automation/browser"
	"airdrop-automation/challenge"
	"airdrop-automation/poll"
	"airdrop-automation/ratelimit"
)

// Pacer gates rate-limited actions.
type Pacer interface {
	WaitForPermission(ctx context.Context, action ratelimit.ActionType) error
}

// Delayer inserts a humanised pause between performed steps.
type Delayer interface {
	Pause(ctx context.Context) error
}

// ChallengeChecker clears bot interstitials.
type ChallengeChecker interface {
	Check(ctx context.Context) (challenge.State, error)
}

// Recorder persists run reports.
type Recorder interface {
	RecordRun(report *Report) error
}

// Options configures an Engine. Only Resolver is required.
type Options struct {
	Resolver  *browser.Resolver
	Pacer     Pacer
	Delayer   Delayer
	Challenge ChallengeChecker
	Recorder  Recorder

	// RetryInterval separates action attempts.
	RetryInterval time.Duration
	// FollowTimeout bounds each step's follow-on wait.
	FollowTimeout time.Duration
}

// Engine executes workflows. It is safe to share between goroutines that
// drive different tabs.
type Engine struct {
	opts   Options
	logger logrus.FieldLogger
}

// NewEngine creates an engine.
func NewEngine(opts Options, logger logrus.FieldLogger) *Engine {
	if opts.Resolver == nil {
		opts.Resolver = browser.NewResolver(5*time.Second, 0)
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.FollowTimeout <= 0 {
		opts.FollowTimeout = 10 * time.Second
	}
	return &Engine{opts: opts, logger: logger}
}

// Resolver returns the engine's element resolver.
func (e *Engine) Resolver() *browser.Resolver { return e.opts.Resolver }

// Stopping reports whether err must end the workflow rather than the step.
func Stopping(err error) bool {
	return errors.Is(err, ErrAbort) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, browser.ErrNewTabTimeout) ||
		errors.Is(err, challenge.ErrUnresolved) ||
		errors.Is(err, ratelimit.ErrLimitExceeded)
}

// Run executes wf step by step. The returned report is never nil; the error
// is non-nil when the workflow stopped early.
func (e *Engine) Run(ctx context.Context, wf Workflow) (*Report, error) {
	report := &Report{
		RunID:    uuid.NewString(),
		Workflow: wf.Name,
		Profile:  wf.Profile,
		Started:  time.Now(),
	}
	log := e.logger.WithFields(logrus.Fields{
		"workflow": wf.Name,
		"profile":  wf.Profile,
		"run_id":   report.RunID,
	})
	log.Info("Starting workflow")

	err := e.run(ctx, wf, report, log)

	report.Finished = time.Now()
	switch {
	case err == nil:
		report.Status = StatusCompleted
	case errors.Is(err, ErrAbort), errors.Is(err, context.Canceled):
		report.Status = StatusAborted
		report.Error = err.Error()
	default:
		report.Status = StatusFailed
		report.Error = err.Error()
	}

	fields := logrus.Fields{
		"status":        report.Status,
		"performed":     report.Count(Performed),
		"skipped":       report.Count(Skipped),
		"not_available": report.Count(NotAvailable),
		"failed":        report.Count(Failed),
		"elapsed":       report.Elapsed().Round(time.Millisecond),
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("Workflow stopped")
	} else {
		log.WithFields(fields).Info("Workflow completed")
	}

	if e.opts.Recorder != nil {
		if rerr := e.opts.Recorder.RecordRun(report); rerr != nil {
			log.WithError(rerr).Warn("Failed to record workflow run")
		}
	}
	return report, err
}

func (e *Engine) run(ctx context.Context, wf Workflow, report *Report, log logrus.FieldLogger) error {
	if wf.Tab == nil {
		return fmt.Errorf("workflow %s: no tab", wf.Name)
	}

	if wf.CheckChallenge && e.opts.Challenge != nil {
		if _, err := e.opts.Challenge.Check(ctx); err != nil {
			return err
		}
	}

	for i, step := range wf.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		stepLog := log.WithFields(logrus.Fields{"step": step.Name, "index": i})
		result, err := e.runStep(ctx, wf.Tab, step, stepLog)
		report.Steps = append(report.Steps, result)
		if err != nil {
			return fmt.Errorf("step %s: %w", step.Name, err)
		}

		if result.Outcome != Performed {
			continue
		}
		if step.Terminal {
			stepLog.Info("Terminal step performed, ending workflow")
			return nil
		}
		if e.opts.Delayer != nil && i < len(wf.Steps)-1 {
			if err := e.opts.Delayer.Pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, tab browser.Tab, step Step, log logrus.FieldLogger) (StepResult, error) {
	start := time.Now()
	result := StepResult{Name: step.Name}
	finish := func(outcome Outcome, err error) (StepResult, error) {
		result.Outcome = outcome
		result.Elapsed = time.Since(start)
		if err != nil {
			result.Error = err.Error()
		}
		return result, nil
	}
	fail := func(err error) (StepResult, error) {
		result.Outcome = Failed
		result.Elapsed = time.Since(start)
		result.Error = err.Error()
		return result, err
	}

	if step.Done != nil {
		done, err := step.Done(ctx, tab)
		if err != nil && Stopping(err) {
			return fail(err)
		}
		if err != nil {
			log.WithError(err).Debug("Completion check failed, running step")
		}
		if done {
			log.Info("Already done, skipping")
			return finish(Skipped, nil)
		}
	}

	el, strategy, err := e.locate(ctx, tab, step)
	if err != nil {
		if !errors.Is(err, browser.ErrElementNotFound) {
			return fail(err)
		}
		err = fmt.Errorf("%w: %w", ErrActionNotAvailable, err)
		log.WithField("lookup", e.lookup(step)).Warn("Target not found")
		if step.Required {
			result.Outcome = NotAvailable
			result.Elapsed = time.Since(start)
			result.Error = err.Error()
			return result, err
		}
		return finish(NotAvailable, err)
	}
	if strategy != nil {
		result.Strategy = strategy.String()
	}

	if step.Pace != "" && e.opts.Pacer != nil {
		if err := e.opts.Pacer.WaitForPermission(ctx, step.Pace); err != nil {
			return fail(err)
		}
	}

	action := step.Action
	if action == nil {
		action = Click
	}
	var lastErr error
	err = poll.Until(ctx, step.Retries+1, e.opts.RetryInterval, func(ctx context.Context, attempt int) (bool, error) {
		result.Attempts = attempt
		if attempt > 1 && len(step.Target) > 0 {
			if fresh, _, ferr := e.find(tab, step); ferr == nil {
				el = fresh
			}
		}
		aerr := action(ctx, tab, el)
		if aerr == nil {
			return true, nil
		}
		if Stopping(aerr) {
			return false, aerr
		}
		log.WithError(aerr).WithField("attempt", attempt).Warn("Step action failed")
		lastErr = aerr
		return false, nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		err = fmt.Errorf("after %d attempts: %w", result.Attempts, lastErr)
	}
	if err != nil {
		if Stopping(err) || step.Required {
			return fail(err)
		}
		return finish(Failed, err)
	}

	if step.Then != nil {
		wctx, cancel := context.WithTimeout(ctx, e.opts.FollowTimeout)
		werr := step.Then(wctx, tab)
		cancel()
		if werr != nil {
			// The follow-on budget expiring is a step failure; anything else
			// that stops a workflow still does.
			if ctx.Err() != nil || (Stopping(werr) && !errors.Is(werr, context.DeadlineExceeded)) {
				return fail(werr)
			}
			log.WithError(werr).WithField("budget", e.opts.FollowTimeout).Warn("Follow-on wait did not complete")
			if step.Required {
				return fail(werr)
			}
			return finish(Failed, werr)
		}
	}

	log.WithField("strategy", result.Strategy).Info("Step performed")
	return finish(Performed, nil)
}

func (e *Engine) lookup(step Step) time.Duration {
	if step.Lookup > 0 {
		return step.Lookup
	}
	return e.opts.Resolver.Wait()
}

// locate resolves the scope and then the target within it.
func (e *Engine) locate(ctx context.Context, tab browser.Tab, step Step) (browser.Element, *browser.Strategy, error) {
	if len(step.Target) == 0 {
		return nil, nil, nil
	}
	wait := e.lookup(step)
	var scope browser.Scope = tab
	if len(step.Scope) > 0 {
		container, _, err := e.opts.Resolver.ResolveWithin(ctx, wait, tab, step.Scope...)
		if err != nil {
			return nil, nil, fmt.Errorf("scope: %w", err)
		}
		scope = container
	}
	el, s, err := e.opts.Resolver.ResolveWithin(ctx, wait, scope, step.Target...)
	if err != nil {
		return nil, nil, err
	}
	return el, &s, nil
}

// find is a single lookup pass used when re-resolving between attempts.
func (e *Engine) find(tab browser.Tab, step Step) (browser.Element, browser.Strategy, error) {
	var scope browser.Scope = tab
	if len(step.Scope) > 0 {
		container, _, err := browser.Find(tab, step.Scope...)
		if err != nil {
			return nil, browser.Strategy{}, err
		}
		scope = container
	}
	return browser.Find(scope, step.Target...)
}
