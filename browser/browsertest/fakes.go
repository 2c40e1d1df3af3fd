// Package browsertest provides in-memory fakes of the browser driver
// interfaces. Element trees are searched the same way the real driver
// searches a page: CSS tag and attribute, then a text regexp.
package browsertest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"airdrop-automation/browser"
)

// Element is a fake DOM node.
type Element struct {
	Tag       string
	Attrs     map[string]string
	TextValue string
	Children  []*Element
	Hidden    bool
	Disabled  bool

	ClickErr error
	InputErr error
	// OnClick runs after every successful click, to mutate the tree the
	// way a real page reacts.
	OnClick func()

	mu       sync.Mutex
	clicks   int
	jsClicks int
	inputs   []string
}

// El builds an element from a tag, its text and attribute name/value pairs.
func El(tag, text string, attrs ...string) *Element {
	e := &Element{Tag: tag, TextValue: text, Attrs: map[string]string{}}
	for i := 0; i+1 < len(attrs); i += 2 {
		e.Attrs[attrs[i]] = attrs[i+1]
	}
	return e
}

// tree guards every Children slice so a test may grow a page while the
// code under test polls it.
var tree sync.RWMutex

// With appends children and returns e.
func (e *Element) With(children ...*Element) *Element {
	tree.Lock()
	e.Children = append(e.Children, children...)
	tree.Unlock()
	return e
}

// Remove detaches child from e.
func (e *Element) Remove(child *Element) {
	tree.Lock()
	defer tree.Unlock()
	for i, c := range e.Children {
		if c == child {
			e.Children = append(e.Children[:i], e.Children[i+1:]...)
			return
		}
	}
}

// Clicks counts native and script clicks.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks + e.jsClicks
}

// JSClicks counts script clicks only.
func (e *Element) JSClicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jsClicks
}

// Inputs returns every text typed into the element.
func (e *Element) Inputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.inputs...)
}

func (e *Element) Has(q browser.Query) (browser.Element, bool, error) {
	tree.RLock()
	defer tree.RUnlock()
	if m := first(e.Children, q); m != nil {
		return m, true, nil
	}
	return nil, false, nil
}

func (e *Element) All(q browser.Query) ([]browser.Element, error) {
	tree.RLock()
	defer tree.RUnlock()
	return all(e.Children, q), nil
}

func (e *Element) Click() error {
	if e.ClickErr != nil {
		return e.ClickErr
	}
	e.mu.Lock()
	e.clicks++
	e.mu.Unlock()
	if e.OnClick != nil {
		e.OnClick()
	}
	return nil
}

func (e *Element) ClickJS() error {
	if e.ClickErr != nil {
		return e.ClickErr
	}
	e.mu.Lock()
	e.jsClicks++
	e.mu.Unlock()
	if e.OnClick != nil {
		e.OnClick()
	}
	return nil
}

func (e *Element) Input(text string) error {
	if e.InputErr != nil {
		return e.InputErr
	}
	e.mu.Lock()
	e.inputs = append(e.inputs, text)
	e.mu.Unlock()
	return nil
}

func (e *Element) Attribute(name string) (string, bool, error) {
	v, ok := e.Attrs[name]
	return v, ok, nil
}

func (e *Element) Text() (string, error) { return strings.TrimSpace(e.TextValue), nil }

func (e *Element) Visible() (bool, error) { return !e.Hidden, nil }

func (e *Element) Enabled() (bool, error) { return !e.Disabled, nil }

func (e *Element) matches(q browser.Query) bool {
	if q.Tag != "" && !strings.EqualFold(q.Tag, e.Tag) {
		return false
	}
	if q.Attr != "" {
		v, ok := e.Attrs[q.Attr]
		if !ok {
			return false
		}
		if q.AttrContains {
			if !strings.Contains(v, q.Value) {
				return false
			}
		} else if v != q.Value {
			return false
		}
	}
	if q.TextPattern != "" {
		re, err := regexp.Compile(q.TextPattern)
		if err != nil || !re.MatchString(e.TextValue) {
			return false
		}
	}
	return true
}

// first is a pre-order search, which is document order.
func first(nodes []*Element, q browser.Query) *Element {
	for _, n := range nodes {
		if n.matches(q) {
			return n
		}
		if m := first(n.Children, q); m != nil {
			return m
		}
	}
	return nil
}

func all(nodes []*Element, q browser.Query) []browser.Element {
	var out []browser.Element
	for _, n := range nodes {
		if n.matches(q) {
			out = append(out, n)
		}
		out = append(out, all(n.Children, q)...)
	}
	return out
}

// Frame is a fake iframe document. ReadyStates is consumed one value per
// ReadyState call; the last value repeats.
type Frame struct {
	Root        *Element
	ReadyStates []string

	mu    sync.Mutex
	reads int
}

func (f *Frame) Has(q browser.Query) (browser.Element, bool, error) {
	if f.Root == nil {
		return nil, false, nil
	}
	return f.Root.Has(q)
}

func (f *Frame) All(q browser.Query) ([]browser.Element, error) {
	if f.Root == nil {
		return nil, nil
	}
	return f.Root.All(q)
}

func (f *Frame) ReadyState() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ReadyStates) == 0 {
		return "complete", nil
	}
	i := f.reads
	if i >= len(f.ReadyStates) {
		i = len(f.ReadyStates) - 1
	}
	f.reads++
	return f.ReadyStates[i], nil
}

// Tab is a fake page.
type Tab struct {
	IDValue string
	Root    *Element
	Frames  []*Frame

	// EvalErr fails every Eval call.
	EvalErr error
	// OnEval runs after each successful Eval.
	OnEval func(js string)
	// OnNavigate runs after each Navigate.
	OnNavigate func(url string)
	// OnWaitLoad runs on each WaitLoad.
	OnWaitLoad func()

	mu          sync.Mutex
	title       string
	url         string
	evals       []string
	navigations []string
	reloads     int
	cookies     []browser.Cookie
	closed      bool
	owner       *Browser
}

// NewTab builds a tab with a title, a URL and a body element.
func NewTab(id, title, url string) *Tab {
	return &Tab{IDValue: id, title: title, url: url, Root: El("body", "")}
}

func (t *Tab) ID() string { return t.IDValue }

func (t *Tab) SetTitle(title string) {
	t.mu.Lock()
	t.title = title
	t.mu.Unlock()
}

func (t *Tab) SetURL(url string) {
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
}

func (t *Tab) Title() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title, nil
}

func (t *Tab) URL() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url, nil
}

func (t *Tab) Has(q browser.Query) (browser.Element, bool, error) {
	if t.Root == nil {
		return nil, false, nil
	}
	if t.Root.matches(q) {
		return t.Root, true, nil
	}
	return t.Root.Has(q)
}

func (t *Tab) All(q browser.Query) ([]browser.Element, error) {
	if t.Root == nil {
		return nil, nil
	}
	tree.RLock()
	defer tree.RUnlock()
	return all([]*Element{t.Root}, q), nil
}

func (t *Tab) Navigate(url string) error {
	t.mu.Lock()
	t.url = url
	t.navigations = append(t.navigations, url)
	t.mu.Unlock()
	if t.OnNavigate != nil {
		t.OnNavigate(url)
	}
	return nil
}

func (t *Tab) Reload() error {
	t.mu.Lock()
	t.reloads++
	t.mu.Unlock()
	return nil
}

func (t *Tab) WaitLoad() error {
	if t.OnWaitLoad != nil {
		t.OnWaitLoad()
	}
	return nil
}

func (t *Tab) Eval(js string) error {
	if t.EvalErr != nil {
		return t.EvalErr
	}
	t.mu.Lock()
	t.evals = append(t.evals, js)
	t.mu.Unlock()
	if t.OnEval != nil {
		t.OnEval(js)
	}
	return nil
}

func (t *Tab) Frame(index int) (browser.Frame, error) {
	if index < 0 || index >= len(t.Frames) {
		return nil, fmt.Errorf("frame %d: %w", index, browser.ErrElementNotFound)
	}
	return t.Frames[index], nil
}

func (t *Tab) SetCookie(c browser.Cookie) error {
	t.mu.Lock()
	t.cookies = append(t.cookies, c)
	t.mu.Unlock()
	return nil
}

// Cookies returns every cookie set on the tab.
func (t *Tab) Cookies() []browser.Cookie {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]browser.Cookie(nil), t.cookies...)
}

func (t *Tab) Close() error {
	t.mu.Lock()
	t.closed = true
	owner := t.owner
	t.mu.Unlock()
	if owner != nil {
		owner.remove(t.IDValue)
	}
	return nil
}

// Closed reports whether Close was called.
func (t *Tab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Evals returns every script passed to Eval.
func (t *Tab) Evals() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.evals...)
}

// Navigations returns every URL passed to Navigate.
func (t *Tab) Navigations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.navigations...)
}

// Reloads counts Reload calls.
func (t *Tab) Reloads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reloads
}

// ErrBrowserClosed is returned by a Browser after Fail is set.
var ErrBrowserClosed = errors.New("browser closed")

// Browser is a fake browser holding an ordered set of tabs.
type Browser struct {
	mu   sync.Mutex
	tabs []*Tab
	next int
	fail bool
}

// NewBrowser creates a browser with the given tabs open.
func NewBrowser(tabs ...*Tab) *Browser {
	b := &Browser{}
	for _, t := range tabs {
		b.Add(t)
	}
	return b
}

// Add opens t, as a popup or a link with target=_blank would.
func (b *Browser) Add(t *Tab) {
	t.mu.Lock()
	t.owner = b
	t.mu.Unlock()
	b.mu.Lock()
	b.tabs = append(b.tabs, t)
	b.mu.Unlock()
}

// Fail makes every later call return ErrBrowserClosed.
func (b *Browser) Fail() {
	b.mu.Lock()
	b.fail = true
	b.mu.Unlock()
}

func (b *Browser) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.tabs {
		if t.IDValue == id {
			b.tabs = append(b.tabs[:i], b.tabs[i+1:]...)
			return
		}
	}
}

func (b *Browser) Tabs() ([]browser.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return nil, ErrBrowserClosed
	}
	out := make([]browser.Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		out = append(out, t)
	}
	return out, nil
}

func (b *Browser) NewTab(url string) (browser.Tab, error) {
	b.mu.Lock()
	if b.fail {
		b.mu.Unlock()
		return nil, ErrBrowserClosed
	}
	b.next++
	id := fmt.Sprintf("new-%d", b.next)
	b.mu.Unlock()

	t := NewTab(id, "", url)
	b.Add(t)
	return t, nil
}

// Len counts open tabs.
func (b *Browser) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tabs)
}
