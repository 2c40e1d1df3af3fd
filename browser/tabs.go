package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"airdrop-automation/poll"
)

// TabCoordinator tracks the tabs of one browser. The anchor tab is the one
// workflows return to and the one CloseOthers keeps alive.
type TabCoordinator struct {
	browser  Browser
	interval time.Duration
	log      logrus.FieldLogger

	mu     sync.Mutex
	anchor string
}

// NewTabCoordinator creates a coordinator anchored on the tab with id
// anchorID. interval is the polling step of every wait.
func NewTabCoordinator(b Browser, anchorID string, interval time.Duration, log logrus.FieldLogger) *TabCoordinator {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TabCoordinator{browser: b, anchor: anchorID, interval: interval, log: log}
}

// Anchor returns the anchor tab.
func (c *TabCoordinator) Anchor() (Tab, error) {
	c.mu.Lock()
	id := c.anchor
	c.mu.Unlock()

	tabs, err := c.browser.Tabs()
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	for _, t := range tabs {
		if t.ID() == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("anchor %s: %w", id, ErrTabNotFound)
}

// SetAnchor moves the anchor to tab.
func (c *TabCoordinator) SetAnchor(tab Tab) {
	c.mu.Lock()
	c.anchor = tab.ID()
	c.mu.Unlock()
}

// CloseOthers closes every tab except the anchor. Close failures are
// logged and do not stop the sweep.
func (c *TabCoordinator) CloseOthers() error {
	c.mu.Lock()
	anchor := c.anchor
	c.mu.Unlock()

	tabs, err := c.browser.Tabs()
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	for _, t := range tabs {
		if t.ID() == anchor {
			continue
		}
		if err := t.Close(); err != nil {
			c.log.WithError(err).WithField("tab", t.ID()).Warn("Failed to close tab")
		}
	}
	return nil
}

// WaitForNewTab waits up to timeout for a tab that was not open when the
// call started. With closeOthers, every tab except the anchor is closed
// first so a popup that closed itself is never mistaken for a live one.
func (c *TabCoordinator) WaitForNewTab(ctx context.Context, timeout time.Duration, closeOthers bool) (Tab, error) {
	start := time.Now()

	if closeOthers {
		if err := c.CloseOthers(); err != nil {
			return nil, err
		}
	}

	tabs, err := c.browser.Tabs()
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	known := make(map[string]struct{}, len(tabs))
	for _, t := range tabs {
		known[t.ID()] = struct{}{}
	}

	var found Tab
	err = poll.Within(ctx, timeout, c.interval, func(ctx context.Context, attempt int) (bool, error) {
		tabs, err := c.browser.Tabs()
		if err != nil {
			c.log.WithError(err).Debug("Listing tabs failed, retrying")
			return false, nil
		}
		for _, t := range tabs {
			if _, ok := known[t.ID()]; !ok {
				found = t
				return true, nil
			}
		}
		return false, nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		terr := &TimeoutError{
			Op:      "wait for new tab",
			Budget:  timeout,
			Elapsed: time.Since(start),
			Err:     ErrNewTabTimeout,
		}
		c.log.WithFields(logrus.Fields{
			"budget":  terr.Budget,
			"elapsed": terr.Elapsed,
		}).Warn("No new tab appeared")
		return nil, terr
	}
	if err != nil {
		return nil, err
	}

	c.log.WithField("tab", found.ID()).Debug("New tab opened")
	return found, nil
}

// TabByTitle returns the first open tab whose title equals title.
func (c *TabCoordinator) TabByTitle(title string) (Tab, error) {
	tabs, err := c.browser.Tabs()
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	for _, t := range tabs {
		got, err := t.Title()
		if err != nil {
			continue
		}
		if got == title {
			return t, nil
		}
	}
	return nil, fmt.Errorf("title %q: %w", title, ErrTabNotFound)
}
