package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrLimitExceeded is returned when an hourly or daily cap is reached.
// Waiting does not help within the current window.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter paces account actions so a profile never acts faster than a
// person would.
type RateLimiter struct {
	logger     logrus.FieldLogger
	config     Config
	mu         sync.Mutex
	lastAction map[ActionType]time.Time
	history    map[ActionType][]time.Time
	daily      map[ActionType]int
	dailyReset time.Time
	bursts     map[ActionType]*rate.Limiter
	rng        *rand.Rand

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Limit caps one action type. Zero values disable a check.
type Limit struct {
	Delay  time.Duration `yaml:"delay" mapstructure:"delay"`
	Hourly int           `yaml:"hourly" mapstructure:"hourly"`
	Daily  int           `yaml:"daily" mapstructure:"daily"`
}

// Config defines rate limiting behavior
type Config struct {
	// Minimum delay between any two actions of the same type
	MinDelay time.Duration `yaml:"min_delay" mapstructure:"min_delay"`

	Actions map[ActionType]Limit `yaml:"actions" mapstructure:"actions"`

	// Burst protection
	BurstLimit  int           `yaml:"burst_limit" mapstructure:"burst_limit"`
	BurstWindow time.Duration `yaml:"burst_window" mapstructure:"burst_window"`

	// Humanization
	RandomizeDelay bool    `yaml:"randomize_delay" mapstructure:"randomize_delay"`
	JitterPercent  float64 `yaml:"jitter_percent" mapstructure:"jitter_percent"`
}

// ActionType represents an account action that counts against a budget.
type ActionType string

const (
	ActionLike    ActionType = "like"
	ActionFollow  ActionType = "follow"
	ActionRetweet ActionType = "retweet"
	ActionPost    ActionType = "post"
	ActionLogin   ActionType = "login"
	ActionWallet  ActionType = "wallet"
)

// Option adjusts a RateLimiter.
type Option func(*RateLimiter)

// WithClock replaces the wall clock and the sleeper, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(rl *RateLimiter) {
		rl.now = now
		rl.sleep = sleep
	}
}

// WithRand fixes the jitter source.
func WithRand(rng *rand.Rand) Option {
	return func(rl *RateLimiter) { rl.rng = rng }
}

// NewRateLimiter creates a new rate limiter with the given configuration.
// Counters reset lazily; no background goroutines are started.
func NewRateLimiter(config Config, logger logrus.FieldLogger, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		logger:     logger,
		config:     config,
		lastAction: make(map[ActionType]time.Time),
		history:    make(map[ActionType][]time.Time),
		daily:      make(map[ActionType]int),
		bursts:     make(map[ActionType]*rate.Limiter),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.dailyReset = nextMidnight(rl.now())
	return rl
}

// WaitForPermission waits until the action can be performed and records it.
// Exhausted hourly or daily budgets fail immediately with ErrLimitExceeded.
func (rl *RateLimiter) WaitForPermission(ctx context.Context, action ActionType) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.rollDaily(now)

	if err := rl.checkDailyLimit(action); err != nil {
		return err
	}
	if err := rl.checkHourlyLimit(action, now); err != nil {
		return err
	}

	delay := rl.calculateDelay(action, now)
	if rl.config.RandomizeDelay {
		delay = rl.addJitter(delay)
	}
	if delay > 0 {
		rl.logger.WithFields(logrus.Fields{
			"action": string(action),
			"delay":  delay,
		}).Info("Rate limiting - waiting")
		if err := rl.sleep(ctx, delay); err != nil {
			return err
		}
	}

	if lim := rl.burst(action); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("burst limit for %s: %w", action, err)
		}
	}

	rl.record(action, rl.now())
	return nil
}

func (rl *RateLimiter) limit(action ActionType) Limit {
	return rl.config.Actions[action]
}

func (rl *RateLimiter) checkDailyLimit(action ActionType) error {
	limit := rl.limit(action).Daily
	if limit > 0 && rl.daily[action] >= limit {
		return fmt.Errorf("daily limit for %s: %d/%d: %w", action, rl.daily[action], limit, ErrLimitExceeded)
	}
	return nil
}

// checkHourlyLimit counts actions in the sliding hour before now.
func (rl *RateLimiter) checkHourlyLimit(action ActionType, now time.Time) error {
	limit := rl.limit(action).Hourly
	rl.prune(action, now)
	if limit > 0 && len(rl.history[action]) >= limit {
		return fmt.Errorf("hourly limit for %s: %d/%d: %w", action, len(rl.history[action]), limit, ErrLimitExceeded)
	}
	return nil
}

func (rl *RateLimiter) prune(action ActionType, now time.Time) {
	cutoff := now.Add(-time.Hour)
	h := rl.history[action]
	i := 0
	for i < len(h) && !h[i].After(cutoff) {
		i++
	}
	rl.history[action] = h[i:]
}

// burst lazily builds the token bucket for action.
func (rl *RateLimiter) burst(action ActionType) *rate.Limiter {
	if rl.config.BurstLimit <= 0 || rl.config.BurstWindow <= 0 {
		return nil
	}
	lim, ok := rl.bursts[action]
	if !ok {
		every := rl.config.BurstWindow / time.Duration(rl.config.BurstLimit)
		lim = rate.NewLimiter(rate.Every(every), rl.config.BurstLimit)
		rl.bursts[action] = lim
	}
	return lim
}

// calculateDelay determines how long to wait before the next action
func (rl *RateLimiter) calculateDelay(action ActionType, now time.Time) time.Duration {
	last := rl.lastAction[action]
	if last.IsZero() {
		return 0
	}

	required := rl.limit(action).Delay
	if rl.config.MinDelay > required {
		required = rl.config.MinDelay
	}

	since := now.Sub(last)
	if since >= required {
		return 0
	}
	return required - since
}

// addJitter adds +/- JitterPercent randomness to delay.
func (rl *RateLimiter) addJitter(delay time.Duration) time.Duration {
	if rl.config.JitterPercent <= 0 || delay <= 0 {
		return delay
	}
	jitter := float64(delay) * rl.config.JitterPercent / 100.0
	d := float64(delay) + (rl.rng.Float64()*2-1)*jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (rl *RateLimiter) record(action ActionType, at time.Time) {
	rl.lastAction[action] = at
	rl.history[action] = append(rl.history[action], at)
	rl.daily[action]++
}

// rollDaily clears daily counts once local midnight has passed.
func (rl *RateLimiter) rollDaily(now time.Time) {
	if now.Before(rl.dailyReset) {
		return
	}
	rl.daily = make(map[ActionType]int)
	rl.dailyReset = nextMidnight(now)
	rl.logger.Info("Daily rate limits reset")
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a snapshot of one action type's usage.
type Stats struct {
	Hourly int       `json:"hourly"`
	Daily  int       `json:"daily"`
	Last   time.Time `json:"last,omitempty"`
}

// GetStats returns current usage per action type and the next daily reset.
func (rl *RateLimiter) GetStats() (map[ActionType]Stats, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.rollDaily(now)
	stats := make(map[ActionType]Stats)
	for action := range rl.lastAction {
		rl.prune(action, now)
		stats[action] = Stats{
			Hourly: len(rl.history[action]),
			Daily:  rl.daily[action],
			Last:   rl.lastAction[action],
		}
	}
	return stats, rl.dailyReset
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MinDelay: 2 * time.Second,
		Actions: map[ActionType]Limit{
			ActionLike:    {Delay: 10 * time.Second, Hourly: 30, Daily: 150},
			ActionFollow:  {Delay: 30 * time.Second, Hourly: 15, Daily: 50},
			ActionRetweet: {Delay: 20 * time.Second, Hourly: 15, Daily: 60},
			ActionPost:    {Delay: 60 * time.Second, Hourly: 5, Daily: 20},
			ActionLogin:   {Delay: 30 * time.Second, Hourly: 4, Daily: 10},
			ActionWallet:  {Delay: 5 * time.Second},
		},
		BurstLimit:     3,
		BurstWindow:    30 * time.Second,
		RandomizeDelay: true,
		JitterPercent:  20.0,
	}
}
