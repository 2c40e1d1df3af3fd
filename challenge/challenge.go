// Package challenge detects and clicks through bot-verification
// interstitials.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"airdrop-automation/browser"
	"airdrop-automation/poll"
)

// ErrUnresolved is returned when the interstitial is still up after every
// attempt. Further retries rarely help; the usual cause is IP reputation or
// a stale fingerprint.
var ErrUnresolved = errors.New("bot challenge unresolved")

// State is the detector's position in the check.
type State int

const (
	Unchecked State = iota
	Checking
	Clear
	ChallengePresent
	Resolved
	Unresolved
)

func (s State) String() string {
	return [...]string{"unchecked", "checking", "clear", "challenge_present", "resolved", "unresolved"}[s]
}

// Config bounds the check. FrameIndex is 0-based over the tab's iframes.
type Config struct {
	Title      string
	Attempts   int
	Interval   time.Duration
	FrameIndex int
}

// DefaultConfig matches the Cloudflare interstitial.
func DefaultConfig() Config {
	return Config{
		Title:      "Just a moment...",
		Attempts:   5,
		Interval:   time.Second,
		FrameIndex: 0,
	}
}

// TabFinder looks tabs up by title; *browser.TabCoordinator implements it.
type TabFinder interface {
	TabByTitle(title string) (browser.Tab, error)
}

var checkbox = browser.ByTagAndAttribute("input", "type", "checkbox")

// Detector runs the bounded challenge check.
type Detector struct {
	cfg    Config
	tabs   TabFinder
	logger logrus.FieldLogger
}

// NewDetector creates a detector. Zero config fields take the defaults.
func NewDetector(cfg Config, tabs TabFinder, logger logrus.FieldLogger) *Detector {
	def := DefaultConfig()
	if cfg.Title == "" {
		cfg.Title = def.Title
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Detector{cfg: cfg, tabs: tabs, logger: logger}
}

// Check returns Clear when no interstitial is open, Resolved once its frame
// has loaded and the checkbox (if any) was clicked, and ErrUnresolved with
// state Unresolved when the attempts run out.
func (d *Detector) Check(ctx context.Context) (State, error) {
	state := Checking
	start := time.Now()

	err := poll.Until(ctx, d.cfg.Attempts, d.cfg.Interval, func(ctx context.Context, attempt int) (bool, error) {
		log := d.logger.WithField("attempt", attempt)

		tab, err := d.tabs.TabByTitle(d.cfg.Title)
		if errors.Is(err, browser.ErrTabNotFound) {
			state = Clear
			return true, nil
		}
		if err != nil {
			log.WithError(err).Warn("Challenge tab lookup failed")
			return false, nil
		}
		state = ChallengePresent

		frame, err := tab.Frame(d.cfg.FrameIndex)
		if err != nil {
			log.WithError(err).Debug("Challenge frame not available yet")
			return false, nil
		}
		ready, err := frame.ReadyState()
		if err != nil || ready != "complete" {
			log.WithField("ready_state", ready).Debug("Challenge frame still loading")
			return false, nil
		}

		if title, err := tab.Title(); err == nil && title != d.cfg.Title {
			state = Clear
			return true, nil
		}

		box, found, err := frame.Has(checkbox.Query())
		if err != nil {
			log.WithError(err).Debug("Checkbox lookup failed")
			return false, nil
		}
		if found {
			if err := box.Click(); err != nil {
				log.WithError(err).Warn("Failed to click challenge checkbox")
				return false, nil
			}
			if err := tab.WaitLoad(); err != nil {
				log.WithError(err).Debug("Page load after challenge did not settle")
			}
		}
		state = Resolved
		return true, nil
	})

	if errors.Is(err, poll.ErrExhausted) {
		d.logger.WithFields(logrus.Fields{
			"attempts": d.cfg.Attempts,
			"elapsed":  time.Since(start).Round(time.Millisecond),
		}).Error("Bot challenge unresolved")
		return Unresolved, fmt.Errorf("%w after %d attempts", ErrUnresolved, d.cfg.Attempts)
	}
	if err != nil {
		return state, err
	}

	d.logger.WithField("state", state.String()).Info("Bot challenge check finished")
	return state, nil
}
