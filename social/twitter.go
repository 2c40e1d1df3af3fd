// Package social runs Twitter (X) and Discord account workflows.
package social

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"airdrop-automation/browser"
	"airdrop-automation/profile"
	"airdrop-automation/ratelimit"
	"airdrop-automation/workflow"
)

// HomeURL is where Twitter sessions start.
const HomeURL = "https://x.com"

const tokenLifetime = 365 * 24 * time.Hour

var (
	// ErrNoScreenName is returned by Follow on a page that is not a user page.
	ErrNoScreenName = errors.New("no screen name in page url")
	// ErrNoCredentials is returned when the account lacks what a login needs.
	ErrNoCredentials = errors.New("missing account credentials")
)

// CodeSource returns the current one-time code for a 2FA secret.
type CodeSource interface {
	Code(ctx context.Context, secret string) (string, error)
}

// Twitter runs account workflows on an open tab.
type Twitter struct {
	engine  *workflow.Engine
	codes   CodeSource
	profile string
	logger  logrus.FieldLogger
}

// NewTwitter creates the workflows for one profile. codes may be nil when
// 2FA logins are not used.
func NewTwitter(engine *workflow.Engine, codes CodeSource, profileName string, logger logrus.FieldLogger) *Twitter {
	return &Twitter{
		engine:  engine,
		codes:   codes,
		profile: profileName,
		logger:  logger.WithField("site", "twitter"),
	}
}

func (t *Twitter) run(ctx context.Context, name string, tab browser.Tab, steps ...workflow.Step) error {
	_, err := t.engine.Run(ctx, workflow.Workflow{
		Name:    "twitter." + name,
		Profile: t.profile,
		Tab:     tab,
		Steps:   steps,
	})
	return err
}

// open loads the home page and reports whether the session is already
// logged in, which the site signals by redirecting to /home.
func (t *Twitter) open(tab browser.Tab) (bool, error) {
	if err := tab.Navigate(HomeURL); err != nil {
		return false, fmt.Errorf("open %s: %w", HomeURL, err)
	}
	if err := tab.WaitLoad(); err != nil {
		return false, err
	}
	return onHome(tab)
}

func onHome(tab browser.Tab) (bool, error) {
	raw, err := tab.URL()
	if err != nil {
		return false, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false, nil
	}
	return u.Path == "/home", nil
}

// LoginByToken logs in by setting the auth_token cookie and reloading.
func (t *Twitter) LoginByToken(ctx context.Context, tab browser.Tab, token string) error {
	if token == "" {
		return fmt.Errorf("twitter token: %w", ErrNoCredentials)
	}
	home, err := t.open(tab)
	if err != nil {
		return err
	}
	if home {
		t.logger.Info("Already logged in")
		return nil
	}

	return t.run(ctx, "login-token", tab, workflow.Step{
		Name: "set token",
		Action: func(_ context.Context, tab browser.Tab, _ browser.Element) error {
			err := tab.SetCookie(browser.Cookie{
				Name:    "auth_token",
				Value:   token,
				Domain:  "x.com",
				Path:    "/",
				Expires: time.Now().Add(tokenLifetime),
				Secure:  true,
			})
			if err != nil {
				return fmt.Errorf("set auth cookie: %w", err)
			}
			if err := tab.Navigate(HomeURL); err != nil {
				return err
			}
			return tab.WaitLoad()
		},
		Pace:     ratelimit.ActionLogin,
		Required: true,
	})
}

// LoginWith2FA logs in with username and password, answering the code
// prompt from the account's 2FA secret when the site asks for one.
func (t *Twitter) LoginWith2FA(ctx context.Context, tab browser.Tab, acct *profile.Twitter) error {
	if acct == nil || acct.Username == "" || acct.Password == "" {
		return fmt.Errorf("twitter login: %w", ErrNoCredentials)
	}
	home, err := t.open(tab)
	if err != nil {
		return err
	}
	if home {
		t.logger.Info("Already logged in")
		return nil
	}

	return t.run(ctx, "login-2fa", tab,
		workflow.Step{
			Name:   "login button",
			Target: []browser.Strategy{browser.ByTagAndAttribute("a", "data-testid", "loginButton")},
		},
		workflow.Step{
			Name:     "username",
			Target:   []browser.Strategy{browser.ByTagAndAttribute("input", "autocomplete", "username")},
			Action:   workflow.Type(acct.Username),
			Required: true,
		},
		workflow.Step{
			Name:     "next",
			Target:   []browser.Strategy{browser.ByTagAndText("span", "Next")},
			Required: true,
		},
		workflow.Step{
			Name:     "password",
			Target:   []browser.Strategy{browser.ByTagAndAttribute("input", "autocomplete", "current-password")},
			Action:   workflow.Type(acct.Password),
			Required: true,
		},
		workflow.Step{
			Name:     "log in",
			Target:   []browser.Strategy{browser.ByTagAndAttribute("button", "data-testid", "LoginForm_Login_Button")},
			Pace:     ratelimit.ActionLogin,
			Required: true,
		},
		workflow.Step{
			Name:   "2fa code",
			Target: []browser.Strategy{browser.ByTagAndAttribute("input", "data-testid", "ocfEnterTextTextInput")},
			Action: t.enterCode(acct.P2FA),
		},
		workflow.Step{
			Name:   "2fa next",
			Target: []browser.Strategy{browser.ByTagAndAttribute("button", "data-testid", "ocfEnterTextNextButton")},
		},
	)
}

func (t *Twitter) enterCode(secret string) workflow.Action {
	return func(ctx context.Context, _ browser.Tab, el browser.Element) error {
		if t.codes == nil {
			return errors.New("no 2fa code source configured")
		}
		code, err := t.codes.Code(ctx, secret)
		if err != nil {
			return err
		}
		return el.Input(code)
	}
}

// confirmSheet clicks the confirmation sheet intent pages open with. When
// it is there it is the whole action.
func confirmSheet(pace ratelimit.ActionType) workflow.Step {
	return workflow.Step{
		Name:     "confirmation sheet",
		Target:   []browser.Strategy{browser.ByTestID("confirmationSheetConfirm")},
		Pace:     pace,
		Terminal: true,
	}
}

// Like likes the tweet on tab unless it already is.
func (t *Twitter) Like(ctx context.Context, tab browser.Tab) error {
	return t.run(ctx, "like", tab,
		confirmSheet(ratelimit.ActionLike),
		workflow.Step{
			Name:   "like",
			Done:   workflow.Present(browser.ByTestID("unlike")),
			Target: []browser.Strategy{browser.ByTestID("like")},
			Pace:   ratelimit.ActionLike,
		},
	)
}

// Follow follows the user whose page, or follow intent, is open on tab.
func (t *Twitter) Follow(ctx context.Context, tab browser.Tab) error {
	raw, err := tab.URL()
	if err != nil {
		return err
	}
	name := ScreenNameFromURL(raw)
	if name == "" {
		return fmt.Errorf("%w: %s", ErrNoScreenName, raw)
	}
	button := browser.ByAriaLabelSubstring("button", "@"+name)

	return t.run(ctx, "follow", tab,
		confirmSheet(ratelimit.ActionFollow),
		workflow.Step{
			Name:   "follow " + name,
			Done:   following(button),
			Target: []browser.Strategy{button},
			Pace:   ratelimit.ActionFollow,
		},
	)
}

// following holds when the user's button has already flipped to unfollow.
func following(button browser.Strategy) workflow.Predicate {
	return func(_ context.Context, tab browser.Tab) (bool, error) {
		el, _, err := browser.Find(tab, button)
		if errors.Is(err, browser.ErrElementNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		id, _, err := el.Attribute("data-testid")
		if err != nil {
			return false, err
		}
		return strings.Contains(id, "unfollow"), nil
	}
}

// ScreenNameFromURL extracts the user a profile or follow-intent URL
// points at, or "" when the URL is not one.
func ScreenNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "x.com" || strings.HasSuffix(host, ".x.com"):
		if names := u.Query()["screen_name"]; len(names) > 0 {
			return strings.TrimPrefix(names[0], "@")
		}
	case host == "twitter.com" || strings.HasSuffix(host, ".twitter.com"):
	default:
		return ""
	}
	first, _, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	first = strings.TrimPrefix(first, "@")
	if reservedPaths[strings.ToLower(first)] {
		return ""
	}
	return first
}

// reservedPaths are site sections that share the user-page URL shape.
var reservedPaths = map[string]bool{
	"home": true, "i": true, "intent": true, "search": true, "explore": true,
	"notifications": true, "messages": true, "settings": true, "compose": true,
}

// Retweet retweets the tweet on tab unless it already is.
func (t *Twitter) Retweet(ctx context.Context, tab browser.Tab) error {
	retweeted := workflow.Present(browser.ByTestID("unretweet"))
	return t.run(ctx, "retweet", tab,
		confirmSheet(ratelimit.ActionRetweet),
		workflow.Step{
			Name:   "retweet",
			Done:   retweeted,
			Target: []browser.Strategy{browser.ByTestID("retweet")},
			Pace:   ratelimit.ActionRetweet,
		},
		workflow.Step{
			Name:   "confirm retweet",
			Done:   retweeted,
			Target: []browser.Strategy{browser.ByTestID("retweetConfirm")},
		},
	)
}

// Post publishes text from the compose box on tab. Empty text posts
// whatever the page prefilled.
func (t *Twitter) Post(ctx context.Context, tab browser.Tab, text string) error {
	steps := []workflow.Step{confirmSheet(ratelimit.ActionPost)}
	if text != "" {
		steps = append(steps, workflow.Step{
			Name:     "text",
			Target:   []browser.Strategy{browser.ByTestID("tweetTextarea_0RichTextInputContainer")},
			Action:   workflow.Type(text),
			Required: true,
		})
	}
	steps = append(steps, tweetButton("post"))
	return t.run(ctx, "post", tab, steps...)
}

// Comment sends the reply prepared on tab.
func (t *Twitter) Comment(ctx context.Context, tab browser.Tab) error {
	return t.run(ctx, "comment", tab, confirmSheet(ratelimit.ActionPost), tweetButton("comment"))
}

func tweetButton(name string) workflow.Step {
	return workflow.Step{
		Name:   name,
		Target: []browser.Strategy{browser.ByTestID("tweetButton")},
		Pace:   ratelimit.ActionPost,
	}
}

// Authorize grants a third-party app access on an OAuth consent page.
func (t *Twitter) Authorize(ctx context.Context, tab browser.Tab) error {
	return t.run(ctx, "authorize", tab, workflow.Step{
		Name: "consent",
		Target: []browser.Strategy{
			browser.ByTagAndAttribute("button", "data-testid", "OAuth_Consent_Button"),
			browser.ByTagAndAttribute("input", "id", "allow"),
		},
		Required: true,
	})
}
