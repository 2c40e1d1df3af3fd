package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// rodSearcher is what *rod.Page and *rod.Element share for lookups.
type rodSearcher interface {
	Has(selector string) (bool, *rod.Element, error)
	HasR(selector, jsRegex string) (bool, *rod.Element, error)
	Elements(selector string) (rod.Elements, error)
}

// DefaultOpTimeout bounds a single driver call when no timeout is given.
// rod retries clicks on covered or disabled elements without limit.
const DefaultOpTimeout = 15 * time.Second

// bounded runs fn and reports a rod deadline as a *TimeoutError wrapping
// ErrOperationTimeout.
func bounded(op string, budget time.Duration, fn func() error) error {
	start := time.Now()
	err := fn()
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Budget: budget, Elapsed: time.Since(start), Err: ErrOperationTimeout}
	}
	return err
}

func opTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultOpTimeout
	}
	return d
}

func rodHas(s rodSearcher, q Query, timeout time.Duration) (Element, bool, error) {
	var (
		ok  bool
		el  *rod.Element
		err error
	)
	if q.TextPattern != "" {
		ok, el, err = s.HasR(q.Selector(), "/"+q.TextPattern+"/")
	} else {
		ok, el, err = s.Has(q.Selector())
	}
	if err != nil || !ok {
		return nil, false, err
	}
	return &RodElement{el: el, timeout: timeout}, true, nil
}

func rodAll(s rodSearcher, q Query, timeout time.Duration) ([]Element, error) {
	els, err := s.Elements(q.Selector())
	if err != nil {
		return nil, err
	}
	var re *regexp.Regexp
	if q.TextPattern != "" {
		if re, err = regexp.Compile(q.TextPattern); err != nil {
			return nil, fmt.Errorf("text pattern: %w", err)
		}
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		if re != nil {
			text, err := el.Text()
			if err != nil || !re.MatchString(text) {
				continue
			}
		}
		out = append(out, &RodElement{el: el, timeout: timeout})
	}
	return out, nil
}

// RodBrowser adapts *rod.Browser. Every blocking call on its tabs and
// elements is bounded by timeout.
type RodBrowser struct {
	b       *rod.Browser
	timeout time.Duration
}

// NewRodBrowser wraps a connected rod browser. A zero timeout means
// DefaultOpTimeout.
func NewRodBrowser(b *rod.Browser, timeout time.Duration) *RodBrowser {
	return &RodBrowser{b: b, timeout: opTimeout(timeout)}
}

func (r *RodBrowser) Tabs() ([]Tab, error) {
	pages, err := r.b.Pages()
	if err != nil {
		return nil, err
	}
	tabs := make([]Tab, 0, len(pages))
	for _, p := range pages {
		tabs = append(tabs, NewRodTab(p, r.timeout))
	}
	return tabs, nil
}

// NewTab opens a blank tab and navigates it, so the navigation is bounded
// like any other tab call.
func (r *RodBrowser) NewTab(url string) (Tab, error) {
	p, err := r.b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	tab := NewRodTab(p, r.timeout)
	if url == "" {
		return tab, nil
	}
	if err := tab.Navigate(url); err != nil {
		_ = tab.Close()
		return nil, fmt.Errorf("create tab: %w", err)
	}
	return tab, nil
}

// RodTab adapts *rod.Page.
type RodTab struct {
	page    *rod.Page
	timeout time.Duration
}

// NewRodTab wraps a rod page. A zero timeout means DefaultOpTimeout.
func NewRodTab(p *rod.Page, timeout time.Duration) *RodTab {
	return &RodTab{page: p, timeout: opTimeout(timeout)}
}

// Page exposes the underlying page for stealth setup.
func (t *RodTab) Page() *rod.Page { return t.page }

func (t *RodTab) do(op string, fn func(p *rod.Page) error) error {
	return bounded(op, t.timeout, func() error {
		p := t.page.Timeout(t.timeout)
		defer p.CancelTimeout()
		return fn(p)
	})
}

func (t *RodTab) ID() string { return string(t.page.TargetID) }

func (t *RodTab) Has(q Query) (Element, bool, error) { return rodHas(t.page, q, t.timeout) }

func (t *RodTab) All(q Query) ([]Element, error) { return rodAll(t.page, q, t.timeout) }

func (t *RodTab) info() (*proto.TargetTargetInfo, error) {
	var info *proto.TargetTargetInfo
	err := t.do("page info", func(p *rod.Page) error {
		var err error
		info, err = p.Info()
		return err
	})
	return info, err
}

func (t *RodTab) Title() (string, error) {
	info, err := t.info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (t *RodTab) URL() (string, error) {
	info, err := t.info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (t *RodTab) Navigate(url string) error {
	return t.do("navigate", func(p *rod.Page) error { return p.Navigate(url) })
}

func (t *RodTab) Reload() error {
	return t.do("reload", func(p *rod.Page) error { return p.Reload() })
}

func (t *RodTab) WaitLoad() error {
	return t.do("wait load", func(p *rod.Page) error { return p.WaitLoad() })
}

func (t *RodTab) Eval(js string) error {
	return t.do("eval", func(p *rod.Page) error {
		_, err := p.Eval(js)
		return err
	})
}

func (t *RodTab) Frame(index int) (Frame, error) {
	frames, err := t.page.Elements("iframe")
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(frames) {
		return nil, fmt.Errorf("frame %d of %d: %w", index, len(frames), ErrElementNotFound)
	}
	fp, err := frames[index].Frame()
	if err != nil {
		return nil, err
	}
	return &rodFrame{page: fp, timeout: t.timeout}, nil
}

func (t *RodTab) SetCookie(c Cookie) error {
	param := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if !c.Expires.IsZero() {
		param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
	}
	return t.do("set cookie", func(p *rod.Page) error {
		return p.SetCookies([]*proto.NetworkCookieParam{param})
	})
}

func (t *RodTab) Close() error {
	return t.do("close", func(p *rod.Page) error { return p.Close() })
}

type rodFrame struct {
	page    *rod.Page
	timeout time.Duration
}

func (f *rodFrame) Has(q Query) (Element, bool, error) { return rodHas(f.page, q, f.timeout) }

func (f *rodFrame) All(q Query) ([]Element, error) { return rodAll(f.page, q, f.timeout) }

func (f *rodFrame) ReadyState() (string, error) {
	var state string
	err := bounded("ready state", f.timeout, func() error {
		p := f.page.Timeout(f.timeout)
		defer p.CancelTimeout()
		res, err := p.Eval(`() => document.readyState`)
		if err != nil {
			return err
		}
		state = res.Value.Str()
		return nil
	})
	return state, err
}

// RodElement adapts *rod.Element.
type RodElement struct {
	el      *rod.Element
	timeout time.Duration
}

func (e *RodElement) do(op string, fn func(el *rod.Element) error) error {
	return bounded(op, e.timeout, func() error {
		el := e.el.Timeout(e.timeout)
		defer el.CancelTimeout()
		return fn(el)
	})
}

func (e *RodElement) Has(q Query) (Element, bool, error) { return rodHas(e.el, q, e.timeout) }

func (e *RodElement) All(q Query) ([]Element, error) { return rodAll(e.el, q, e.timeout) }

func (e *RodElement) Click() error {
	return e.do("click", func(el *rod.Element) error { return el.Click(proto.InputMouseButtonLeft, 1) })
}

func (e *RodElement) ClickJS() error {
	return e.do("click", func(el *rod.Element) error {
		_, err := el.Eval(`() => this.click()`)
		return err
	})
}

func (e *RodElement) Input(text string) error {
	return e.do("input", func(el *rod.Element) error { return el.Input(text) })
}

func (e *RodElement) Attribute(name string) (string, bool, error) {
	var v *string
	err := e.do("attribute", func(el *rod.Element) error {
		var err error
		v, err = el.Attribute(name)
		return err
	})
	if err != nil || v == nil {
		return "", false, err
	}
	return *v, true, nil
}

func (e *RodElement) Text() (string, error) {
	var text string
	err := e.do("text", func(el *rod.Element) error {
		var err error
		text, err = el.Text()
		return err
	})
	return strings.TrimSpace(text), err
}

func (e *RodElement) Visible() (bool, error) {
	var ok bool
	err := e.do("visible", func(el *rod.Element) error {
		var err error
		ok, err = el.Visible()
		return err
	})
	return ok, err
}

func (e *RodElement) Enabled() (bool, error) {
	var ok bool
	err := e.do("enabled", func(el *rod.Element) error {
		res, err := el.Eval(`() => !this.disabled`)
		if err != nil {
			return err
		}
		ok = res.Value.Bool()
		return nil
	})
	return ok, err
}
