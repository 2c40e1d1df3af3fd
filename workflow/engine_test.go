package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"airdrop-automation/browser"
	"airdrop-automation/browser/browsertest"
	"airdrop-automation/challenge"
	"airdrop-automation/ratelimit"
	"airdrop-automation/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct{ reports []*workflow.Report }

func (r *recorder) RecordRun(rep *workflow.Report) error {
	r.reports = append(r.reports, rep)
	return nil
}

type pacer struct {
	calls []ratelimit.ActionType
	err   error
}

func (p *pacer) WaitForPermission(_ context.Context, a ratelimit.ActionType) error {
	p.calls = append(p.calls, a)
	return p.err
}

type delayer struct{ pauses int }

func (d *delayer) Pause(context.Context) error {
	d.pauses++
	return nil
}

type checker struct {
	state challenge.State
	err   error
	calls int
}

func (c *checker) Check(context.Context) (challenge.State, error) {
	c.calls++
	return c.state, c.err
}

type fixture struct {
	engine   *workflow.Engine
	recorder *recorder
	pacer    *pacer
	delayer  *delayer
	checker  *checker
	hook     *test.Hook
}

func newFixture() *fixture {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	f := &fixture{
		recorder: &recorder{},
		pacer:    &pacer{},
		delayer:  &delayer{},
		checker:  &checker{state: challenge.Clear},
		hook:     hook,
	}
	f.engine = workflow.NewEngine(workflow.Options{
		Resolver:      browser.NewResolver(20*time.Millisecond, time.Millisecond),
		Pacer:         f.pacer,
		Delayer:       f.delayer,
		Challenge:     f.checker,
		Recorder:      f.recorder,
		RetryInterval: time.Millisecond,
		FollowTimeout: 30 * time.Millisecond,
	}, log)
	return f
}

func TestRun_SkipWhenAlreadyDone(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "X", "https://x.com/elonmusk")
	follow := browsertest.El("button", "Follow", "data-testid", "123-follow")
	unfollow := browsertest.El("button", "Following", "data-testid", "123-unfollow")
	tab.Root.With(follow, unfollow)

	report, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "follow",
		Tab:  tab,
		Steps: []workflow.Step{{
			Name:   "follow",
			Done:   workflow.Present(browser.ByAttribute("data-testid", "123-unfollow")),
			Target: []browser.Strategy{browser.ByAttribute("data-testid", "123-follow")},
			Pace:   ratelimit.ActionFollow,
		}},
	})
	require.NoError(t, err)

	res, ok := report.Step("follow")
	require.True(t, ok)
	assert.Equal(t, workflow.Skipped, res.Outcome)
	assert.Zero(t, res.Attempts)
	assert.Zero(t, follow.Clicks(), "a skipped step performs no UI action")
	assert.Zero(t, unfollow.Clicks())
	assert.Empty(t, tab.Evals())
	assert.Empty(t, tab.Navigations())
	assert.Empty(t, f.pacer.calls, "a skipped step does not consume rate budget")
}

func TestRun_NotAvailableContinues(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "MetaMask", "")
	next := browsertest.El("button", "Next", "data-testid", "onboarding-next")
	tab.Root.With(next)

	report, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "onboarding",
		Tab:  tab,
		Steps: []workflow.Step{
			{Name: "terms", Target: []browser.Strategy{browser.ByAttribute("data-testid", "onboarding-terms-checkbox")}},
			{Name: "next", Target: []browser.Strategy{browser.ByAttribute("data-testid", "onboarding-next")}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, report.Status)

	terms, _ := report.Step("terms")
	assert.Equal(t, workflow.NotAvailable, terms.Outcome)
	assert.Contains(t, terms.Error, workflow.ErrActionNotAvailable.Error())
	nextRes, _ := report.Step("next")
	assert.Equal(t, workflow.Performed, nextRes.Outcome)
	assert.Equal(t, 1, next.Clicks())
}

func TestRun_RequiredStepStops(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "MetaMask", "")
	after := browsertest.El("button", "Done")
	tab.Root.With(after)

	report, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "unlock",
		Tab:  tab,
		Steps: []workflow.Step{
			{Name: "password", Target: []browser.Strategy{browser.ByAttribute("id", "password")}, Required: true},
			{Name: "done", Target: []browser.Strategy{browser.ByTagAndText("button", "Done")}},
		},
	})
	assert.ErrorIs(t, err, workflow.ErrActionNotAvailable)
	assert.ErrorIs(t, err, browser.ErrElementNotFound)
	assert.Equal(t, workflow.StatusFailed, report.Status)
	assert.Len(t, report.Steps, 1)
	assert.Zero(t, after.Clicks())
}

func TestRun_RetriesAction(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "", "")
	tab.Root.With(browsertest.El("button", "Like", "data-testid", "like"))

	calls := 0
	flaky := func(ctx context.Context, tab browser.Tab, el browser.Element) error {
		calls++
		if calls < 3 {
			return errors.New("element detached")
		}
		return el.Click()
	}

	report, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "like",
		Tab:  tab,
		Steps: []workflow.Step{{
			Name:    "like",
			Target:  []browser.Strategy{browser.ByTestID("like")},
			Action:  flaky,
			Retries: 2,
		}},
	})
	require.NoError(t, err)
	res, _ := report.Step("like")
	assert.Equal(t, workflow.Performed, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "", "")
	btn := browsertest.El("button", "Post")
	btn.ClickErr = errors.New("not clickable")
	other := browsertest.El("a", "Home")
	tab.Root.With(btn, other)

	report, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "post",
		Tab:  tab,
		Steps: []workflow.Step{
			{Name: "post", Target: []browser.Strategy{browser.ByTagAndText("button", "Post")}, Retries: 1},
			{Name: "home", Target: []browser.Strategy{browser.ByTagAndText("a", "Home")}},
		},
	})
	require.NoError(t, err, "a failed optional step does not stop the workflow")
	res, _ := report.Step("post")
	assert.Equal(t, workflow.Failed, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.Error, "not clickable")
	assert.Equal(t, 1, other.Clicks())
}

func TestRun_DriverTimeoutFailsStepOnly(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "", "")
	btn := browsertest.El("button", "Claim")
	btn.ClickErr = &browser.TimeoutError{Op: "click", Budget: time.Second, Elapsed: time.Second, Err: browser.ErrOperationTimeout}
	other := browsertest.El("a", "Home")
	tab.Root.With(btn, other)

	report, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "claim",
		Tab:  tab,
		Steps: []workflow.Step{
			{Name: "claim", Target: []browser.Strategy{browser.ByTagAndText("button", "Claim")}},
			{Name: "home", Target: []browser.Strategy{browser.ByTagAndText("a", "Home")}},
		},
	})
	require.NoError(t, err)
	assert.False(t, workflow.Stopping(btn.ClickErr))
	res, _ := report.Step("claim")
	assert.Equal(t, workflow.Failed, res.Outcome)
	assert.Contains(t, res.Error, "browser operation timed out")
	assert.Equal(t, 1, other.Clicks())
}

func TestRun_TerminalEndsWorkflow(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "", "")
	sheet := browsertest.El("button", "Confirm", "data-testid", "confirmationSheetConfirm")
	like := browsertest.El("button", "Like", "data-testid", "like")
	tab.Root.With(sheet, like)

	report, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "like",
		Tab:  tab,
		Steps: []workflow.Step{
			{Name: "confirmation sheet", Target: []browser.Strategy{browser.ByTestID("confirmationSheetConfirm")}, Lookup: time.Millisecond, Terminal: true},
			{Name: "like", Target: []browser.Strategy{browser.ByTestID("like")}},
		},
	})
	require.NoError(t, err)
	assert.Len(t, report.Steps, 1)
	assert.Equal(t, 1, sheet.Clicks())
	assert.Zero(t, like.Clicks())
}

func TestRun_AbortStops(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "", "")
	later := browsertest.El("button", "Later")
	tab.Root.With(later)

	report, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "login",
		Tab:  tab,
		Steps: []workflow.Step{
			{Name: "2fa", Retries: 3, Action: func(context.Context, browser.Tab, browser.Element) error {
				return workflow.Abort(errors.New("code service down"))
			}},
			{Name: "later", Target: []browser.Strategy{browser.ByTag("button")}},
		},
	})
	assert.ErrorIs(t, err, workflow.ErrAbort)
	assert.Equal(t, workflow.StatusAborted, report.Status)
	res, _ := report.Step("2fa")
	assert.Equal(t, 1, res.Attempts, "aborts are not retried")
	assert.Zero(t, later.Clicks())
}

func TestRun_NewTabTimeoutSurfaces(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "", "")

	timeout := &browser.TimeoutError{Op: "wait for new tab", Budget: time.Second, Elapsed: time.Second, Err: browser.ErrNewTabTimeout}
	_, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "connect",
		Tab:  tab,
		Steps: []workflow.Step{{Name: "popup", Action: func(context.Context, browser.Tab, browser.Element) error {
			return timeout
		}}},
	})
	assert.ErrorIs(t, err, browser.ErrNewTabTimeout)
	var te *browser.TimeoutError
	assert.ErrorAs(t, err, &te)
}

func TestRun_ChallengeUnresolvedSurfaces(t *testing.T) {
	f := newFixture()
	f.checker.err = fmt.Errorf("%w after 5 attempts", challenge.ErrUnresolved)
	tab := browsertest.NewTab("t", "Just a moment...", "")

	report, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name:           "login",
		Tab:            tab,
		CheckChallenge: true,
		Steps:          []workflow.Step{{Name: "noop", Action: func(context.Context, browser.Tab, browser.Element) error { return nil }}},
	})
	assert.ErrorIs(t, err, challenge.ErrUnresolved)
	assert.Empty(t, report.Steps)
	assert.Equal(t, 1, f.checker.calls)
}

func TestRun_PacingAndDelays(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "", "")
	tab.Root.With(browsertest.El("button", "Like", "data-testid", "like"), browsertest.El("button", "Repost", "data-testid", "retweet"))

	_, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "engage",
		Tab:  tab,
		Steps: []workflow.Step{
			{Name: "like", Target: []browser.Strategy{browser.ByTestID("like")}, Pace: ratelimit.ActionLike},
			{Name: "retweet", Target: []browser.Strategy{browser.ByTestID("retweet")}, Pace: ratelimit.ActionRetweet},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []ratelimit.ActionType{ratelimit.ActionLike, ratelimit.ActionRetweet}, f.pacer.calls)
	assert.Equal(t, 1, f.delayer.pauses, "pause only between performed steps")
}

func TestRun_RateLimitStops(t *testing.T) {
	f := newFixture()
	f.pacer.err = fmt.Errorf("daily limit for like: %w", ratelimit.ErrLimitExceeded)
	tab := browsertest.NewTab("t", "", "")
	like := browsertest.El("button", "Like", "data-testid", "like")
	tab.Root.With(like)

	_, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name:  "like",
		Tab:   tab,
		Steps: []workflow.Step{{Name: "like", Target: []browser.Strategy{browser.ByTestID("like")}, Pace: ratelimit.ActionLike}},
	})
	assert.ErrorIs(t, err, ratelimit.ErrLimitExceeded)
	assert.Zero(t, like.Clicks())
}

func TestRun_FollowOnWait(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "", "")
	popover := browsertest.El("div", "", "class", "popover")
	closeBtn := browsertest.El("button", "", "data-testid", "popover-close")
	popover.With(closeBtn)
	tab.Root.With(popover)
	closeBtn.OnClick = func() { tab.Root.Remove(popover) }

	stuck := browsertest.El("button", "Stuck", "data-testid", "stuck")
	tab.Root.With(stuck)

	report, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name: "popovers",
		Tab:  tab,
		Steps: []workflow.Step{
			{
				Name:   "close popover",
				Scope:  []browser.Strategy{browser.ByTagAndAttribute("div", "class", "popover")},
				Target: []browser.Strategy{browser.ByTestID("popover-close")},
				Then:   workflow.Gone(browser.ByTestID("popover-close")),
			},
			{
				Name:   "stuck",
				Target: []browser.Strategy{browser.ByTestID("stuck")},
				Then:   workflow.Gone(browser.ByTestID("stuck")),
			},
		},
	})
	require.NoError(t, err)

	closed, _ := report.Step("close popover")
	assert.Equal(t, workflow.Performed, closed.Outcome)
	stuckRes, _ := report.Step("stuck")
	assert.Equal(t, workflow.Failed, stuckRes.Outcome, "a follow-on wait that times out fails the step only")
	assert.Less(t, stuckRes.Elapsed, time.Second)
}

func TestRun_CanceledContext(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine.Run(ctx, workflow.Workflow{
		Name:  "any",
		Tab:   browsertest.NewTab("t", "", ""),
		Steps: []workflow.Step{{Name: "noop", Action: func(context.Context, browser.Tab, browser.Element) error { return nil }}},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, workflow.StatusAborted, report.Status)
}

func TestRun_RecordsEveryRun(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "", "")

	r1, err := f.engine.Run(context.Background(), workflow.Workflow{Name: "a", Profile: "/profiles/1", Tab: tab})
	require.NoError(t, err)
	_, err = f.engine.Run(context.Background(), workflow.Workflow{Name: "b", Profile: "/profiles/1"})
	require.Error(t, err)

	require.Len(t, f.recorder.reports, 2)
	assert.Equal(t, r1.RunID, f.recorder.reports[0].RunID)
	assert.NotEqual(t, f.recorder.reports[0].RunID, f.recorder.reports[1].RunID)
	assert.Equal(t, workflow.StatusFailed, f.recorder.reports[1].Status)
	assert.Equal(t, "/profiles/1", f.recorder.reports[0].Profile)
}

func TestRun_LogsStepContext(t *testing.T) {
	f := newFixture()
	tab := browsertest.NewTab("t", "", "")

	_, err := f.engine.Run(context.Background(), workflow.Workflow{
		Name:    "wallet",
		Profile: "/profiles/7",
		Tab:     tab,
		Steps:   []workflow.Step{{Name: "missing", Target: []browser.Strategy{browser.ByTestID("nope")}}},
	})
	require.NoError(t, err)

	var found bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Target not found" {
			found = true
			assert.Equal(t, "missing", e.Data["step"])
			assert.Equal(t, "wallet", e.Data["workflow"])
			assert.Equal(t, "/profiles/7", e.Data["profile"])
		}
	}
	assert.True(t, found)
}
