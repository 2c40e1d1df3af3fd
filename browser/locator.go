package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"airdrop-automation/poll"
)

// StrategyKind tags the lookup method of a Strategy.
type StrategyKind int

const (
	KindAttribute StrategyKind = iota
	KindTagAndAttribute
	KindTagAndText
	KindTagContainingText
	KindAriaLabelSubstring
)

// Strategy is one way of finding a UI affordance. Build them with the By*
// constructors and pass several to the resolver in fallback order.
type Strategy struct {
	Kind  StrategyKind
	Tag   string
	Name  string
	Value string
	Text  string
}

// ByAttribute matches any element whose attribute name equals value.
func ByAttribute(name, value string) Strategy {
	return Strategy{Kind: KindAttribute, Name: name, Value: value}
}

// ByTestID is ByAttribute on data-testid, the identifier most wallet and
// social UIs expose.
func ByTestID(id string) Strategy {
	return ByAttribute("data-testid", id)
}

// ByTagAndAttribute matches tag elements whose attribute name equals value.
func ByTagAndAttribute(tag, name, value string) Strategy {
	return Strategy{Kind: KindTagAndAttribute, Tag: tag, Name: name, Value: value}
}

// ByTag matches the first tag element, mostly as a container scope.
func ByTag(tag string) Strategy {
	return Strategy{Kind: KindTagAndAttribute, Tag: tag}
}

// ByTagAndText matches tag elements whose trimmed text equals text.
func ByTagAndText(tag, text string) Strategy {
	return Strategy{Kind: KindTagAndText, Tag: tag, Text: text}
}

// ByTagContainingText matches tag elements whose text contains text.
func ByTagContainingText(tag, text string) Strategy {
	return Strategy{Kind: KindTagContainingText, Tag: tag, Text: text}
}

// ByAriaLabelSubstring matches elements whose aria-label contains text.
// tag may be empty.
func ByAriaLabelSubstring(tag, text string) Strategy {
	return Strategy{Kind: KindAriaLabelSubstring, Tag: tag, Name: "aria-label", Text: text}
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindAttribute:
		return fmt.Sprintf("@%s=%s", s.Name, s.Value)
	case KindTagAndAttribute:
		if s.Name == "" {
			return s.Tag
		}
		return fmt.Sprintf("%s@%s=%s", s.Tag, s.Name, s.Value)
	case KindTagAndText:
		return fmt.Sprintf("%s@text()=%s", s.Tag, s.Text)
	case KindTagContainingText:
		return fmt.Sprintf("%s@text():%s", s.Tag, s.Text)
	case KindAriaLabelSubstring:
		return fmt.Sprintf("%s@aria-label:%s", s.Tag, s.Text)
	}
	return "unknown strategy"
}

// Query is the driver-level form of a Strategy: a CSS selector built from
// tag and attribute, plus an optional regexp applied to element text.
type Query struct {
	Tag          string
	Attr         string
	Value        string
	AttrContains bool
	TextPattern  string
}

// Query compiles the strategy for the driver.
func (s Strategy) Query() Query {
	switch s.Kind {
	case KindAttribute, KindTagAndAttribute:
		return Query{Tag: s.Tag, Attr: s.Name, Value: s.Value}
	case KindTagAndText:
		return Query{Tag: s.Tag, TextPattern: `^\s*` + regexp.QuoteMeta(s.Text) + `\s*$`}
	case KindTagContainingText:
		return Query{Tag: s.Tag, TextPattern: regexp.QuoteMeta(s.Text)}
	case KindAriaLabelSubstring:
		return Query{Tag: s.Tag, Attr: s.Name, Value: s.Text, AttrContains: true}
	}
	return Query{}
}

// Selector renders the CSS part of the query.
func (q Query) Selector() string {
	var b strings.Builder
	b.WriteString(q.Tag)
	if q.Attr != "" {
		op := "="
		if q.AttrContains {
			op = "*="
		}
		fmt.Fprintf(&b, `[%s%s"%s"]`, q.Attr, op, cssEscape(q.Value))
	}
	if b.Len() == 0 {
		return "*"
	}
	return b.String()
}

func cssEscape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}

// Find makes one pass over strategies in order and returns the first
// match together with the strategy that produced it. Lookup errors of one
// strategy do not stop the pass; when nothing matches the result wraps
// ErrElementNotFound (joined with the last lookup error, if any).
func Find(scope Scope, strategies ...Strategy) (Element, Strategy, error) {
	var lastErr error
	for _, s := range strategies {
		el, ok, err := scope.Has(s.Query())
		if err != nil {
			lastErr = fmt.Errorf("lookup %s: %w", s, err)
			continue
		}
		if ok {
			return el, s, nil
		}
	}
	if lastErr != nil {
		return nil, Strategy{}, errors.Join(ErrElementNotFound, lastErr)
	}
	return nil, Strategy{}, ErrElementNotFound
}

// Resolver repeats Find until an element shows up or the lookup budget is
// spent. Order precedence holds within every pass.
type Resolver struct {
	wait     time.Duration
	interval time.Duration
}

// NewResolver creates a resolver that waits up to wait for an element,
// re-checking every interval.
func NewResolver(wait, interval time.Duration) *Resolver {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Resolver{wait: wait, interval: interval}
}

// Wait reports the default lookup budget.
func (r *Resolver) Wait() time.Duration { return r.wait }

// Resolve waits up to the default budget.
func (r *Resolver) Resolve(ctx context.Context, scope Scope, strategies ...Strategy) (Element, Strategy, error) {
	return r.ResolveWithin(ctx, r.wait, scope, strategies...)
}

// ResolveWithin waits up to wait. A zero wait performs exactly one pass.
func (r *Resolver) ResolveWithin(ctx context.Context, wait time.Duration, scope Scope, strategies ...Strategy) (Element, Strategy, error) {
	if len(strategies) == 0 {
		return nil, Strategy{}, fmt.Errorf("no locator strategies: %w", ErrElementNotFound)
	}
	if wait <= 0 {
		return Find(scope, strategies...)
	}

	var (
		found   Element
		matched Strategy
		lastErr error
	)
	err := poll.Within(ctx, wait, r.interval, func(ctx context.Context, attempt int) (bool, error) {
		el, s, err := Find(scope, strategies...)
		if err != nil {
			lastErr = err
			return false, nil
		}
		found, matched = el, s
		return true, nil
	})
	switch {
	case err == nil:
		return found, matched, nil
	case errors.Is(err, poll.ErrExhausted):
		if lastErr != nil {
			return nil, Strategy{}, lastErr
		}
		return nil, Strategy{}, ErrElementNotFound
	default:
		return nil, Strategy{}, err
	}
}
