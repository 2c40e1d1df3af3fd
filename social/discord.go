package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"airdrop-automation/browser"
	"airdrop-automation/poll"
	"airdrop-automation/ratelimit"
	"airdrop-automation/workflow"
)

const (
	DiscordLoginURL = "https://discord.com/login"
	DiscordAppURL   = "https://discord.com/channels/@me"

	appPath = "/channels/@me"
)

// The app reads its token from localStorage, which the page hides from
// scripts; a fresh iframe hands back a usable handle.
const tokenScript = `() => {
	window.t = %s;
	window.localStorage = document.body.appendChild(document.createElement('iframe')).contentWindow.localStorage;
	window.setInterval(() => window.localStorage.token = JSON.stringify(window.t));
	window.setTimeout(() => window.location.reload(), 0);
}`

// Discord runs account workflows on an open tab.
type Discord struct {
	engine   *workflow.Engine
	profile  string
	redirect time.Duration
	logger   logrus.FieldLogger
}

// NewDiscord creates the workflows for one profile. redirect bounds the
// wait for a logged-in session to leave the login page; zero means 10s.
func NewDiscord(engine *workflow.Engine, profileName string, redirect time.Duration, logger logrus.FieldLogger) *Discord {
	if redirect <= 0 {
		redirect = 10 * time.Second
	}
	return &Discord{
		engine:   engine,
		profile:  profileName,
		redirect: redirect,
		logger:   logger.WithField("site", "discord"),
	}
}

// LoginByToken opens the login page and, unless the session is already
// logged in, injects token and opens the app.
func (d *Discord) LoginByToken(ctx context.Context, tab browser.Tab, token string) error {
	if token == "" {
		return fmt.Errorf("discord token: %w", ErrNoCredentials)
	}
	quoted, err := json.Marshal(token)
	if err != nil {
		return err
	}

	_, err = d.engine.Run(ctx, workflow.Workflow{
		Name:    "discord.login-token",
		Profile: d.profile,
		Tab:     tab,
		Steps: []workflow.Step{
			{Name: "open login", Action: workflow.Navigate(DiscordLoginURL), Required: true},
			{
				Name: "inject token",
				Done: d.redirected,
				Action: workflow.Sequence(
					func(_ context.Context, tab browser.Tab, _ browser.Element) error {
						return tab.Eval(fmt.Sprintf(tokenScript, quoted))
					},
					workflow.Navigate(DiscordAppURL),
				),
				Pace:     ratelimit.ActionLogin,
				Required: true,
			},
		},
	})
	return err
}

// redirected waits for the login page to forward a live session to the app.
func (d *Discord) redirected(ctx context.Context, tab browser.Tab) (bool, error) {
	err := poll.Within(ctx, d.redirect, 250*time.Millisecond, func(ctx context.Context, _ int) (bool, error) {
		return workflow.URLContains(appPath)(ctx, tab)
	})
	if err == nil {
		d.logger.Info("Already logged in")
		return true, nil
	}
	if errors.Is(err, poll.ErrExhausted) {
		return false, nil
	}
	return false, err
}
