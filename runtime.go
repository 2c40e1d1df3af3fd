package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"airdrop-automation/browser"
	"airdrop-automation/challenge"
	"airdrop-automation/config"
	"airdrop-automation/logger"
	"airdrop-automation/poll"
	"airdrop-automation/profile"
	"airdrop-automation/ratelimit"
	"airdrop-automation/session"
	"airdrop-automation/social"
	"airdrop-automation/stealth"
	"airdrop-automation/storage"
	"airdrop-automation/twofa"
	"airdrop-automation/wallet"
	"airdrop-automation/workflow"
)

// runtime is everything a command needs once the profile's browser is up.
type runtime struct {
	cfg       *config.Config
	log       logrus.FieldLogger
	profile   *profile.Profile
	mgr       *session.Manager
	br        browser.Browser
	detector  workflow.ChallengeChecker
	engine    *workflow.Engine
	wallet    *wallet.MetaMask
	twitter   *social.Twitter
	discord   *social.Discord
	sessionID string
}

// withSession loads config and profile, launches the browser on startURL,
// runs fn and closes everything, recording the session in the database.
func withSession(cmd *cobra.Command, startURL string, fn func(ctx context.Context, rt *runtime) error) (err error) {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if profileFile == "" {
		return fmt.Errorf("--profile is required")
	}
	base := logger.GetLogger()

	fs := afero.NewOsFs()
	p, err := profile.Load(fs, profileFile)
	if err != nil {
		return err
	}
	log := base.WithField("profile", p.UserDataPath)

	db, err := storage.NewDatabase(cfg.Storage.Path, base)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	var tz stealth.TimezoneResolver
	if cfg.Stealth.GeoIPPath != "" {
		geo, err := stealth.OpenGeoIP(cfg.Stealth.GeoIPPath)
		if err != nil {
			log.WithError(err).Warn("GeoIP database unavailable, timezones come from the candidate set")
		} else {
			defer geo.Close()
			tz = geo
		}
	}

	sm := stealth.NewStealthManager(stealth.StealthConfig{
		Enabled:        cfg.Stealth.Enabled,
		MinDelay:       cfg.Stealth.MinDelay,
		MaxDelay:       cfg.Stealth.MaxDelay,
		AcceptLanguage: cfg.Browser.AcceptLanguages,
	}, base)
	store := profile.NewStore(fs)
	mgr := session.NewManager(sessionOptions(cmd, cfg), store, stealth.NewFingerprintGenerator(nil, tz, base), sm, base)

	if err := mgr.Open(p); err != nil {
		return err
	}
	if err := mgr.Launch(ctx, startURL); err != nil {
		return err
	}
	defer func() {
		if cerr := mgr.Close(); cerr != nil {
			log.WithError(cerr).Error("Failed to close session")
		}
	}()

	rt := &runtime{cfg: cfg, log: log, profile: p, mgr: mgr}
	if rt.sessionID, err = db.StartSession(p.UserDataPath, mgr.Config().DebugPort, mgr.Config().Headless); err != nil {
		log.WithError(err).Warn("Failed to record session")
	} else {
		defer func() {
			if eerr := db.EndSession(rt.sessionID, exitStatus(err)); eerr != nil {
				log.WithError(eerr).Warn("Failed to close session record")
			}
		}()
	}

	rt.br = mgr.Browser()
	rt.detector = challenge.NewDetector(cfg.Challenge.Detector(), mgr.Tabs(), base)
	rt.engine = workflow.NewEngine(workflow.Options{
		Resolver:      mgr.Resolver(),
		Pacer:         ratelimit.NewRateLimiter(cfg.Limits, base),
		Delayer:       sm,
		Challenge:     rt.detector,
		Recorder:      db,
		FollowTimeout: cfg.Browser.TabTimeout,
	}, base)
	rt.wallet = wallet.NewMetaMask(rt.engine, store, p.UserDataPath, cfg.Wallet.Password, base)
	rt.twitter = social.NewTwitter(rt.engine, twofa.NewClient(cfg.TwoFA.URL, cfg.TwoFA.Timeout, base), p.UserDataPath, base)
	rt.discord = social.NewDiscord(rt.engine, p.UserDataPath, 0, base)

	return fn(ctx, rt)
}

func sessionOptions(cmd *cobra.Command, cfg *config.Config) session.Options {
	b := cfg.Browser
	opts := session.Options{
		BrowserBin:      b.ExecutablePath,
		Headless:        b.Headless,
		Language:        b.Language,
		AcceptLanguages: b.AcceptLanguages,
		ExtensionsDir:   b.ExtensionsDir,
		WalletExtension: b.WalletExtension,
		ExtraArgs:       b.ExtraArgs,
		DisableProxy:    b.DisableProxy,
		LaunchTimeout:   b.LaunchTimeout,
		PollInterval:    b.PollInterval,
		ElementWait:     b.ElementWait,
		TabTimeout:      b.TabTimeout,
		ActionTimeout:   b.ActionTimeout,
	}
	if cmd.Flags().Changed("headless") {
		opts.Headless = headless
	}
	return opts
}

// openTab opens url in a new tab and clears any interstitial challenge.
func (rt *runtime) openTab(ctx context.Context, url string) (browser.Tab, error) {
	if rt.br == nil {
		return nil, errors.New("browser is not running")
	}
	tab, err := rt.br.NewTab(url)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	if err := tab.WaitLoad(); err != nil {
		rt.log.WithError(err).WithField("url", url).Warn("Page did not finish loading")
	}
	if _, err := rt.detector.Check(ctx); err != nil {
		_ = tab.Close()
		return nil, err
	}
	return tab, nil
}

// withTab runs fn on a fresh tab at url and closes the tab afterwards. Actions
// that close the tab themselves are fine; the second close is only logged.
func (rt *runtime) withTab(ctx context.Context, url string, fn func(tab browser.Tab) error) error {
	tab, err := rt.openTab(ctx, url)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := tab.Close(); cerr != nil {
			rt.log.WithError(cerr).WithField("url", url).Debug("Tab already closed")
		}
	}()
	return fn(tab)
}

// onboardingTab finds the page the wallet extension opens after install and
// remembers its URL.
func (rt *runtime) onboardingTab(ctx context.Context) (browser.Tab, error) {
	tab, err := rt.wallet.OnboardingTab(ctx, rt.mgr.Tabs(), rt.mgr.TabTimeout(), rt.cfg.Browser.PollInterval)
	if err != nil {
		return nil, err
	}
	if err := rt.wallet.SaveExtensionURL(tab); err != nil {
		rt.log.WithError(err).Warn("Failed to save extension URL")
	}
	return tab, nil
}

// retry reruns fn after a new-tab timeout or an unresolved challenge, up to
// the configured number of times. Other errors end it.
func (rt *runtime) retry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var last error
	err := poll.Until(ctx, rt.cfg.Browser.ActionRetries+1, rt.cfg.Browser.PollInterval, func(ctx context.Context, attempt int) (bool, error) {
		err := fn(ctx)
		if err == nil {
			return true, nil
		}
		if !retryable(err) {
			return false, err
		}
		rt.log.WithError(err).WithFields(logrus.Fields{"action": name, "attempt": attempt}).Warn("Retrying action")
		last = err
		if cerr := rt.mgr.Tabs().CloseOthers(); cerr != nil {
			rt.log.WithError(cerr).Debug("Failed to close extra tabs")
		}
		return false, nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		return fmt.Errorf("%s: %w", name, last)
	}
	return err
}

func retryable(err error) bool {
	return errors.Is(err, browser.ErrNewTabTimeout) || errors.Is(err, challenge.ErrUnresolved)
}
