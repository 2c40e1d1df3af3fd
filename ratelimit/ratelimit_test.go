package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newLimiter(cfg Config, start time.Time) (*RateLimiter, *fakeClock) {
	log, _ := test.NewNullLogger()
	clock := &fakeClock{now: start}
	return NewRateLimiter(cfg, log, WithClock(clock.Now, clock.Sleep)), clock
}

func TestWaitForPermission_SpacesActions(t *testing.T) {
	cfg := Config{MinDelay: time.Second, Actions: map[ActionType]Limit{ActionLike: {Delay: 10 * time.Second}}}
	rl, clock := newLimiter(cfg, time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local))
	ctx := context.Background()

	require.NoError(t, rl.WaitForPermission(ctx, ActionLike))
	assert.Empty(t, clock.sleeps, "first action does not wait")

	clock.now = clock.now.Add(4 * time.Second)
	require.NoError(t, rl.WaitForPermission(ctx, ActionLike))
	assert.Equal(t, []time.Duration{6 * time.Second}, clock.sleeps)

	require.NoError(t, rl.WaitForPermission(ctx, ActionFollow), "other action types are spaced independently")
	assert.Len(t, clock.sleeps, 1)
}

func TestWaitForPermission_HourlySlidingWindow(t *testing.T) {
	cfg := Config{Actions: map[ActionType]Limit{ActionFollow: {Hourly: 2}}}
	rl, clock := newLimiter(cfg, time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local))
	ctx := context.Background()

	require.NoError(t, rl.WaitForPermission(ctx, ActionFollow))
	clock.now = clock.now.Add(40 * time.Minute)
	require.NoError(t, rl.WaitForPermission(ctx, ActionFollow))

	clock.now = clock.now.Add(10 * time.Minute)
	err := rl.WaitForPermission(ctx, ActionFollow)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	// The first action leaves the window an hour after it happened.
	clock.now = clock.now.Add(11 * time.Minute)
	assert.NoError(t, rl.WaitForPermission(ctx, ActionFollow))
}

func TestWaitForPermission_DailyCapResetsAtMidnight(t *testing.T) {
	cfg := Config{Actions: map[ActionType]Limit{ActionPost: {Daily: 1}}}
	rl, clock := newLimiter(cfg, time.Date(2026, 3, 1, 23, 0, 0, 0, time.Local))
	ctx := context.Background()

	require.NoError(t, rl.WaitForPermission(ctx, ActionPost))
	clock.now = clock.now.Add(30 * time.Minute)
	assert.ErrorIs(t, rl.WaitForPermission(ctx, ActionPost), ErrLimitExceeded)

	clock.now = time.Date(2026, 3, 2, 0, 0, 1, 0, time.Local)
	assert.NoError(t, rl.WaitForPermission(ctx, ActionPost))

	stats, reset := rl.GetStats()
	assert.Equal(t, 1, stats[ActionPost].Daily)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.Local), reset)
}

func TestWaitForPermission_Canceled(t *testing.T) {
	cfg := Config{MinDelay: time.Minute}
	rl, clock := newLimiter(cfg, time.Now())

	require.NoError(t, rl.WaitForPermission(context.Background(), ActionWallet))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rl.WaitForPermission(ctx, ActionWallet), context.Canceled)

	stats, _ := rl.GetStats()
	assert.Equal(t, 1, stats[ActionWallet].Daily, "a canceled wait is not recorded")
	assert.Empty(t, clock.sleeps)
}

func TestWaitForPermission_Burst(t *testing.T) {
	cfg := Config{BurstLimit: 2, BurstWindow: 40 * time.Millisecond}
	log, _ := test.NewNullLogger()
	rl := NewRateLimiter(cfg, log)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.WaitForPermission(ctx, ActionLike))
	}
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "the third action waits for a token")
}

func TestAddJitter_Bounds(t *testing.T) {
	cfg := Config{RandomizeDelay: true, JitterPercent: 20}
	rl, _ := newLimiter(cfg, time.Now())

	for i := 0; i < 100; i++ {
		d := rl.addJitter(10 * time.Second)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
	assert.Zero(t, rl.addJitter(0))
}

func TestDefaultConfig_CoversEveryAction(t *testing.T) {
	cfg := DefaultConfig()
	for _, a := range []ActionType{ActionLike, ActionFollow, ActionRetweet, ActionPost, ActionLogin, ActionWallet} {
		_, ok := cfg.Actions[a]
		assert.True(t, ok, a)
	}
}
