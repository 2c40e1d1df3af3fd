// Package session owns the lifecycle of one browser bound to a profile
// directory: configuration, launch, tabs and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"airdrop-automation/browser"
	"airdrop-automation/poll"
	"airdrop-automation/profile"
	"airdrop-automation/stealth"
)

var (
	// ErrLaunchTimeout means the browser never became responsive within the
	// launch grace period.
	ErrLaunchTimeout = errors.New("browser launch timed out")
	// ErrExtensionMissing means a required extension directory is absent.
	ErrExtensionMissing = errors.New("extension missing")
	// ErrProfileLocked means another session holds the profile directory.
	ErrProfileLocked = errors.New("profile is locked by another session")
)

// LockFile is created inside the profile directory while a session is
// active.
const LockFile = ".automation.lock"

// State is the lifecycle stage of a Manager.
type State int

const (
	Unconfigured State = iota
	Configured
	Launched
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Launched:
		return "launched"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configures how sessions are built and launched.
type Options struct {
	BrowserBin         string
	Headless           bool
	Language           string
	AcceptLanguages    string
	ExtensionsDir      string
	FallbackExtensions []string
	// WalletExtension is loaded last and must exist. Empty disables it.
	WalletExtension string
	ExtraArgs       []string
	// DisableProxy launches without --proxy-server, for profiles whose
	// egress is handled by an extension.
	DisableProxy bool

	LaunchTimeout time.Duration
	PollInterval  time.Duration
	ElementWait   time.Duration
	TabTimeout    time.Duration
	// ActionTimeout bounds each driver call (click, input, navigation).
	ActionTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Language == "" {
		o.Language = "en"
	}
	if o.AcceptLanguages == "" {
		o.AcceptLanguages = "en-US,en"
	}
	if o.ExtensionsDir == "" {
		o.ExtensionsDir = "extensions"
	}
	if o.FallbackExtensions == nil {
		o.FallbackExtensions = []string{
			filepath.Join("..", "tools-extension"),
			filepath.Join("..", "webrtc-control"),
		}
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.ElementWait <= 0 {
		o.ElementWait = 5 * time.Second
	}
	if o.TabTimeout <= 0 {
		o.TabTimeout = 10 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = browser.DefaultOpTimeout
	}
}

// Manager drives one session through Unconfigured, Configured, Launched,
// Active and Closed. It is not reusable after Close.
type Manager struct {
	opts      Options
	store     *profile.Store
	generator *stealth.FingerprintGenerator
	stealth   *stealth.StealthManager
	logger    logrus.FieldLogger

	mu       sync.Mutex
	state    State
	profile  *profile.Profile
	cfg      *profile.SessionConfig
	fp       *stealth.Fingerprint
	lock     *flock.Flock
	launcher *launcher.Launcher
	rod      *rod.Browser
	browser  browser.Browser
	tabs     *browser.TabCoordinator
	main     browser.Tab
	resolver *browser.Resolver
}

// NewManager creates a manager in the Unconfigured state.
func NewManager(opts Options, store *profile.Store, generator *stealth.FingerprintGenerator, sm *stealth.StealthManager, logger logrus.FieldLogger) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:      opts,
		store:     store,
		generator: generator,
		stealth:   sm,
		logger:    logger,
		resolver:  browser.NewResolver(opts.ElementWait, opts.PollInterval),
	}
}

// Open configures the session for p. A persisted browser config is reused
// with its fingerprint; otherwise a fingerprint is generated (or an orphan
// left by a crash is reused) and persisted right away.
func (m *Manager) Open(p *profile.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Unconfigured {
		return fmt.Errorf("open: session is %s", m.state)
	}
	dir := p.UserDataPath
	log := m.logger.WithField("profile", dir)

	var (
		cfg *profile.SessionConfig
		fp  *stealth.Fingerprint
		err error
	)
	if m.store.HasPersistedConfig(dir) {
		if cfg, err = m.store.LoadSessionConfig(dir); err != nil {
			return err
		}
		if fp, err = m.store.LoadFingerprint(dir); err != nil {
			return err
		}
		cfg.Headless = m.opts.Headless
		if m.opts.BrowserBin != "" {
			cfg.BrowserBinary = m.opts.BrowserBin
		}
		log.WithField("debug_port", cfg.DebugPort).Info("Reusing persisted browser config")
	} else {
		if fp, err = m.firstFingerprint(p, log); err != nil {
			return err
		}
		if cfg, err = m.freshConfig(dir, fp); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"debug_port": cfg.DebugPort,
			"extensions": len(cfg.Extensions),
		}).Info("Created browser config")
	}

	if p.Fingerprint != nil {
		override := *p.Fingerprint
		fp = &override
		cfg.UserAgent = fp.UserAgent
		log.Info("Using fingerprint override from profile")
	}

	m.profile = p
	m.cfg = cfg
	m.fp = fp
	m.state = Configured
	return nil
}

func (m *Manager) firstFingerprint(p *profile.Profile, log logrus.FieldLogger) (*stealth.Fingerprint, error) {
	dir := p.UserDataPath
	if m.store.HasFingerprint(dir) {
		fp, err := m.store.LoadFingerprint(dir)
		if err != nil {
			return nil, err
		}
		log.Warn("Browser config missing, reusing existing fingerprint")
		return fp, nil
	}

	version, platform := m.generator.RandomAgent()
	fp, err := m.generator.Generate(p.Proxy().Endpoint(), version, platform)
	if err != nil {
		return nil, fmt.Errorf("generate fingerprint: %w", err)
	}
	if err := m.store.SaveFingerprint(dir, fp); err != nil {
		return nil, fmt.Errorf("persist fingerprint: %w", err)
	}
	log.WithFields(logrus.Fields{
		"platform":   fp.Platform,
		"user_agent": fp.UserAgent,
	}).Info("Generated fingerprint")
	return fp, nil
}

func (m *Manager) freshConfig(dir string, fp *stealth.Fingerprint) (*profile.SessionConfig, error) {
	exts, err := discoverExtensions(m.store.Fs(), m.opts.ExtensionsDir, m.opts.FallbackExtensions, m.opts.WalletExtension)
	if err != nil {
		return nil, err
	}
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate debug port: %w", err)
	}

	args := append([]string{"--hide-crash-restore-bubble"}, m.opts.ExtraArgs...)
	return &profile.SessionConfig{
		UserDataPath:    dir,
		Language:        m.opts.Language,
		AcceptLanguages: m.opts.AcceptLanguages,
		Preferences: map[string]any{
			"credentials_enable_service":            false,
			"settings.language.preferred_languages": "en-US",
			"intl.accept_languages":                 m.opts.AcceptLanguages,
		},
		Arguments:       args,
		UserAgent:       fp.UserAgent,
		Extensions:      exts,
		DebugPort:       port,
		Headless:        m.opts.Headless,
		FingerprintFile: profile.FingerprintFile,
		BrowserBinary:   m.opts.BrowserBin,
	}, nil
}

// debugPort keeps port when nothing listens on it and picks a fresh one
// otherwise, so a stale config never attaches to someone else's browser.
func debugPort(port int) (int, bool, error) {
	if port > 0 {
		if l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port))); err == nil {
			l.Close()
			return port, false, nil
		}
	}
	fresh, err := freePort()
	if err != nil {
		return 0, false, err
	}
	return fresh, true, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// LockProfile takes the exclusive lock of a profile directory without
// waiting.
func LockProfile(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, LockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock profile: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileLocked, dir)
	}
	return lock, nil
}

// Launch starts the browser, waits for it to answer, applies the
// fingerprint to the first tab and navigates it to startURL.
func (m *Manager) Launch(ctx context.Context, startURL string) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Configured {
		return fmt.Errorf("launch: session is %s", m.state)
	}
	dir := m.cfg.UserDataPath
	log := m.logger.WithField("profile", dir)
	start := time.Now()

	lock, err := LockProfile(dir)
	if err != nil {
		return err
	}
	m.lock = lock
	defer func() {
		if err != nil {
			m.teardownLocked(log)
			m.state = Configured
		}
	}()

	port, changed, err := debugPort(m.cfg.DebugPort)
	if err != nil {
		return fmt.Errorf("allocate debug port: %w", err)
	}
	if changed {
		log.WithFields(logrus.Fields{"stale_port": m.cfg.DebugPort, "debug_port": port}).Warn("Debug port in use, switching")
		m.cfg.DebugPort = port
	}

	prefsPath := filepath.Join(dir, "Default", "Preferences")
	if err := MergePreferences(m.store.Fs(), prefsPath, m.cfg.Preferences); err != nil {
		log.WithError(err).Warn("Failed to merge browser preferences")
	}

	launchCtx, cancel := context.WithTimeout(ctx, m.opts.LaunchTimeout)
	defer cancel()

	l := m.newLauncher(launchCtx)
	u, err := l.Launch()
	if err != nil {
		if errors.Is(launchCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrLaunchTimeout, m.opts.LaunchTimeout, err)
		}
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	m.launcher = l

	rb := rod.New().ControlURL(u)
	if err := rb.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	m.rod = rb

	remaining := m.opts.LaunchTimeout - time.Since(start)
	err = poll.Within(ctx, remaining, m.opts.PollInterval, func(ctx context.Context, attempt int) (bool, error) {
		_, verr := rb.Version()
		return verr == nil, nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		return fmt.Errorf("%w: no response within %s", ErrLaunchTimeout, m.opts.LaunchTimeout)
	}
	if err != nil {
		return err
	}
	m.state = Launched
	log.WithField("control_url", u).Info("Browser launched")

	if proxy := m.profile.Proxy(); proxy.Username != "" {
		go m.handleProxyAuth(rb, proxy, log)
	}

	page, err := m.firstPage(rb)
	if err != nil {
		return err
	}
	if err := m.stealth.ApplyStealth(page, m.fp); err != nil {
		return fmt.Errorf("apply stealth: %w", err)
	}

	m.attach(browser.NewRodBrowser(rb, m.opts.ActionTimeout), browser.NewRodTab(page, m.opts.ActionTimeout), log)

	if startURL != "" {
		if err := m.main.Navigate(startURL); err != nil {
			return fmt.Errorf("navigate to %s: %w", startURL, err)
		}
		if err := m.main.WaitLoad(); err != nil {
			log.WithError(err).Warn("Start page did not finish loading")
		}
	}

	m.state = Active
	log.WithFields(logrus.Fields{
		"start_url": startURL,
		"elapsed":   time.Since(start).Round(time.Millisecond),
	}).Info("Session active")
	return nil
}

func (m *Manager) newLauncher(ctx context.Context) *launcher.Launcher {
	cfg := m.cfg
	l := launcher.New().
		Context(ctx).
		Leakless(false).
		Headless(cfg.Headless).
		UserDataDir(cfg.UserDataPath).
		RemoteDebuggingPort(cfg.DebugPort).
		Delete("enable-automation").
		Delete("no-startup-window").
		Delete("disable-extensions").
		Set(flags.Flag("lang"), cfg.Language).
		Set(flags.Flag("accept-lang"), cfg.AcceptLanguages).
		Set(flags.Flag("user-agent"), cfg.UserAgent).
		Set(flags.Flag("disable-blink-features"), "AutomationControlled")

	if !m.opts.DisableProxy {
		l = l.Proxy(m.profile.Proxy().Server())
	}

	for _, arg := range cfg.Arguments {
		name, value := splitArg(arg)
		if value == "" {
			l = l.Set(flags.Flag(name))
		} else {
			l = l.Set(flags.Flag(name), value)
		}
	}
	if len(cfg.Extensions) > 0 {
		l = l.Set(flags.Flag("load-extension"), strings.Join(cfg.Extensions, ",")).
			Set(flags.Flag("disable-extensions-except"), strings.Join(cfg.Extensions, ","))
	}
	if cfg.BrowserBinary != "" {
		l = l.Bin(cfg.BrowserBinary)
	}
	return l
}

// attach binds the driver view of a running browser. Callers hold m.mu.
func (m *Manager) attach(b browser.Browser, main browser.Tab, log logrus.FieldLogger) {
	m.browser = b
	m.main = main
	m.tabs = browser.NewTabCoordinator(b, main.ID(), m.opts.PollInterval, log)
}

func (m *Manager) firstPage(rb *rod.Browser) (*rod.Page, error) {
	pages, err := rb.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err == nil && info.Type == proto.TargetTargetInfoTypePage {
			return p, nil
		}
	}
	page, err := rb.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open first page: %w", err)
	}
	return page, nil
}

func (m *Manager) handleProxyAuth(rb *rod.Browser, proxy profile.Proxy, log logrus.FieldLogger) {
	for {
		wait := rb.HandleAuth(proxy.Username, proxy.Password)
		if err := wait(); err != nil {
			log.WithError(err).Debug("Proxy auth handler stopped")
			return
		}
	}
}

// Close persists the session config and fingerprint, then shuts the
// browser down and releases the profile lock. It is safe before Launch and
// idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return nil
	}
	if m.state == Unconfigured {
		m.state = Closed
		return nil
	}

	dir := m.cfg.UserDataPath
	log := m.logger.WithField("profile", dir)

	var errs []error
	if err := m.store.SaveSessionConfig(dir, m.cfg); err != nil {
		errs = append(errs, fmt.Errorf("persist session config: %w", err))
	}
	if err := m.store.SaveFingerprint(dir, m.fp); err != nil {
		errs = append(errs, fmt.Errorf("persist fingerprint: %w", err))
	}

	m.teardownLocked(log)
	m.state = Closed

	if err := errors.Join(errs...); err != nil {
		log.WithError(err).Error("Failed to persist session")
		return err
	}
	log.Info("Session closed")
	return nil
}

func (m *Manager) teardownLocked(log logrus.FieldLogger) {
	if m.rod != nil {
		if err := m.rod.Close(); err != nil {
			log.WithError(err).Debug("Browser close failed")
		}
		m.rod = nil
	}
	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher = nil
	}
	if m.lock != nil {
		if err := m.lock.Unlock(); err != nil {
			log.WithError(err).Warn("Failed to release profile lock")
		}
		m.lock = nil
	}
	m.browser, m.main, m.tabs = nil, nil, nil
}

// State returns the current lifecycle stage.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the session config; nil before Open.
func (m *Manager) Config() *profile.SessionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Fingerprint returns the fingerprint in use; nil before Open.
func (m *Manager) Fingerprint() *stealth.Fingerprint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fp
}

// Profile returns the opened profile.
func (m *Manager) Profile() *profile.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Browser returns the live browser; nil unless Active.
func (m *Manager) Browser() browser.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser
}

// MainTab returns the tab navigated at launch.
func (m *Manager) MainTab() browser.Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.main
}

// Tabs returns the tab coordinator; nil unless Active.
func (m *Manager) Tabs() *browser.TabCoordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tabs
}

// Resolver returns the element resolver configured for this session.
func (m *Manager) Resolver() *browser.Resolver { return m.resolver }

// Store returns the profile store.
func (m *Manager) Store() *profile.Store { return m.store }

// TabTimeout is the default new-tab wait.
func (m *Manager) TabTimeout() time.Duration { return m.opts.TabTimeout }

func splitArg(arg string) (string, string) {
	name, value, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
	return name, value
}
