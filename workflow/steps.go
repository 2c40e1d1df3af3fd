package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"airdrop-automation/browser"
	"airdrop-automation/poll"
)

const (
	defaultWaitBudget = 10 * time.Second
	waitInterval      = 250 * time.Millisecond
)

// Click clicks the resolved element.
func Click(_ context.Context, _ browser.Tab, el browser.Element) error {
	if el == nil {
		return errors.New("click: no element")
	}
	return el.Click()
}

// ClickJS clicks through the DOM, for elements covered by overlays.
func ClickJS(_ context.Context, _ browser.Tab, el browser.Element) error {
	if el == nil {
		return errors.New("click: no element")
	}
	return el.ClickJS()
}

// Type enters text into the resolved element.
func Type(text string) Action {
	return func(_ context.Context, _ browser.Tab, el browser.Element) error {
		if el == nil {
			return errors.New("type: no element")
		}
		return el.Input(text)
	}
}

// ClickWhenEnabled waits up to budget for the element to become enabled
// before clicking it.
func ClickWhenEnabled(budget time.Duration) Action {
	return func(ctx context.Context, tab browser.Tab, el browser.Element) error {
		if el == nil {
			return errors.New("click: no element")
		}
		err := poll.Within(ctx, budget, waitInterval, func(context.Context, int) (bool, error) {
			ok, err := el.Enabled()
			return err == nil && ok, nil
		})
		if errors.Is(err, poll.ErrExhausted) {
			return fmt.Errorf("element still disabled after %s", budget)
		}
		if err != nil {
			return err
		}
		return el.Click()
	}
}

// Navigate loads url in the workflow tab.
func Navigate(url string) Action {
	return func(_ context.Context, tab browser.Tab, _ browser.Element) error {
		if err := tab.Navigate(url); err != nil {
			return err
		}
		return tab.WaitLoad()
	}
}

// Sequence runs actions in order against the same element.
func Sequence(actions ...Action) Action {
	return func(ctx context.Context, tab browser.Tab, el browser.Element) error {
		for _, a := range actions {
			if err := a(ctx, tab, el); err != nil {
				return err
			}
		}
		return nil
	}
}

// Present is satisfied when any strategy matches on the tab right now.
func Present(strategies ...browser.Strategy) Predicate {
	return func(_ context.Context, tab browser.Tab) (bool, error) {
		_, _, err := browser.Find(tab, strategies...)
		if errors.Is(err, browser.ErrElementNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}

// URLContains is satisfied when the tab URL contains sub.
func URLContains(sub string) Predicate {
	return func(_ context.Context, tab browser.Tab) (bool, error) {
		u, err := tab.URL()
		if err != nil {
			return false, err
		}
		return strings.Contains(u, sub), nil
	}
}

// Any is satisfied when one of the predicates is.
func Any(preds ...Predicate) Predicate {
	return func(ctx context.Context, tab browser.Tab) (bool, error) {
		var errs []error
		for _, p := range preds {
			ok, err := p(ctx, tab)
			if ok {
				return true, nil
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
		return false, errors.Join(errs...)
	}
}

// WaitLoad waits for the tab's page load.
func WaitLoad(_ context.Context, tab browser.Tab) error {
	return tab.WaitLoad()
}

// Gone waits until none of the strategies match.
func Gone(strategies ...browser.Strategy) Wait {
	return waitUntil("element gone", func(ctx context.Context, tab browser.Tab) (bool, error) {
		ok, err := Present(strategies...)(ctx, tab)
		return !ok, err
	})
}

// Appears waits until one of the strategies matches.
func Appears(strategies ...browser.Strategy) Wait {
	return waitUntil("element appears", Present(strategies...))
}

// URLChanges waits until the tab URL contains sub.
func URLChanges(sub string) Wait {
	return waitUntil("url contains "+sub, URLContains(sub))
}

// waitUntil polls pred until it holds or ctx's deadline passes.
func waitUntil(what string, pred Predicate) Wait {
	return func(ctx context.Context, tab browser.Tab) error {
		budget := defaultWaitBudget
		if dl, ok := ctx.Deadline(); ok {
			budget = time.Until(dl)
		}
		err := poll.Within(ctx, budget, waitInterval, func(ctx context.Context, _ int) (bool, error) {
			ok, err := pred(ctx, tab)
			return err == nil && ok, nil
		})
		if errors.Is(err, poll.ErrExhausted) {
			return fmt.Errorf("wait for %s: %w", what, context.DeadlineExceeded)
		}
		return err
	}
}
