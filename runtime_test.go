package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airdrop-automation/browser"
	"airdrop-automation/browser/browsertest"
	"airdrop-automation/challenge"
	"airdrop-automation/config"
)

type stubChecker struct {
	state challenge.State
	err   error
}

func (s stubChecker) Check(context.Context) (challenge.State, error) { return s.state, s.err }

func newTestRuntime(checker stubChecker) (*runtime, *browsertest.Browser) {
	log, _ := test.NewNullLogger()
	b := browsertest.NewBrowser(browsertest.NewTab("anchor", "Home", "about:blank"))
	return &runtime{cfg: config.Default(), log: log, br: b, detector: checker}, b
}

func TestWithTab_ClosesAfterAction(t *testing.T) {
	rt, b := newTestRuntime(stubChecker{state: challenge.Clear})

	var seen browser.Tab
	for i := 0; i < 3; i++ {
		err := rt.withTab(context.Background(), "https://x.com/someone", func(tab browser.Tab) error {
			seen = tab
			assert.Equal(t, 2, b.Len())
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, b.Len(), "chained actions leave only the anchor tab")
	assert.True(t, seen.(*browsertest.Tab).Closed())
}

func TestWithTab_ClosesOnFailure(t *testing.T) {
	rt, b := newTestRuntime(stubChecker{state: challenge.Clear})

	boom := errors.New("step failed")
	err := rt.withTab(context.Background(), "https://x.com/home", func(browser.Tab) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.Len())
}

func TestWithTab_ActionClosedTabItself(t *testing.T) {
	rt, b := newTestRuntime(stubChecker{state: challenge.Clear})

	err := rt.withTab(context.Background(), "chrome-extension://abc/home.html", func(tab browser.Tab) error {
		return tab.Close()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
}

func TestOpenTab_UnresolvedChallengeClosesTab(t *testing.T) {
	rt, b := newTestRuntime(stubChecker{state: challenge.Unresolved, err: challenge.ErrUnresolved})

	called := false
	err := rt.withTab(context.Background(), "https://galxe.com", func(browser.Tab) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, challenge.ErrUnresolved)
	assert.True(t, retryable(err))
	assert.False(t, called)
	assert.Equal(t, 1, b.Len())
}

func TestOpenTab_NoBrowser(t *testing.T) {
	rt, _ := newTestRuntime(stubChecker{})
	rt.br = nil
	_, err := rt.openTab(context.Background(), "https://x.com")
	assert.Error(t, err)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(&browser.TimeoutError{Op: "new tab", Budget: time.Second, Err: browser.ErrNewTabTimeout}))
	assert.False(t, retryable(&browser.TimeoutError{Op: "click", Budget: time.Second, Err: browser.ErrOperationTimeout}))
	assert.False(t, retryable(errors.New("other")))
}
