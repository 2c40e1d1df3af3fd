// Package browser defines the small driver surface the automation needs
// from a live browser (tabs, frames, elements), its go-rod implementation,
// the ordered-fallback element locator and the tab coordinator.
package browser

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrElementNotFound means no locator strategy matched. It is an
	// expected outcome, not a driver failure.
	ErrElementNotFound = errors.New("element not found")
	// ErrTabNotFound means no open tab matched the lookup.
	ErrTabNotFound = errors.New("tab not found")
	// ErrNewTabTimeout means no new tab appeared within the wait budget.
	ErrNewTabTimeout = errors.New("timed out waiting for new tab")
	// ErrOperationTimeout means a single driver call (click, input,
	// navigation) ran past its deadline. It fails the step, not the
	// workflow.
	ErrOperationTimeout = errors.New("browser operation timed out")
)

// TimeoutError carries the budget of a bounded wait that ran out.
type TimeoutError struct {
	Op      string
	Budget  time.Duration
	Elapsed time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v (budget %s, elapsed %s)", e.Op, e.Err, e.Budget, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Scope is anything elements can be searched in: a tab, a frame or an
// element's subtree.
type Scope interface {
	// Has performs a single non-waiting lookup and reports whether q matched.
	Has(q Query) (Element, bool, error)
	// All returns every match of q in document order.
	All(q Query) ([]Element, error)
}

// Element is a located DOM node.
type Element interface {
	Scope
	Click() error
	// ClickJS dispatches the click from page script, for controls covered
	// by overlays.
	ClickJS() error
	Input(text string) error
	Attribute(name string) (string, bool, error)
	Text() (string, error)
	Visible() (bool, error)
	Enabled() (bool, error)
}

// Frame is an embedded document.
type Frame interface {
	Scope
	ReadyState() (string, error)
}

// Tab is one top-level page of the browser.
type Tab interface {
	Scope
	ID() string
	Title() (string, error)
	URL() (string, error)
	Navigate(url string) error
	Reload() error
	WaitLoad() error
	// Eval runs a JS function expression, e.g. "() => { ... }".
	Eval(js string) error
	// Frame returns the index-th iframe of the page.
	Frame(index int) (Frame, error)
	SetCookie(c Cookie) error
	Close() error
}

// Cookie is a browser cookie set through the devtools protocol, so
// HttpOnly cookies can be written too.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	Secure   bool
	HTTPOnly bool
}

// Browser is the tab-level view of a running browser process.
type Browser interface {
	Tabs() ([]Tab, error)
	NewTab(url string) (Tab, error)
}
