// Package wallet drives the MetaMask browser extension and generates
// wallets for new profiles.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"

	"airdrop-automation/browser"
	"airdrop-automation/poll"
	"airdrop-automation/profile"
	"airdrop-automation/ratelimit"
	"airdrop-automation/workflow"
)

// ErrInvalidMnemonic is returned before any UI action when a recovery
// phrase is not 12 valid BIP-39 words.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

const (
	// DefaultPassword unlocks the extension in every profile.
	DefaultPassword = "localpwd"
	// TabTitle is the title of every extension page.
	TabTitle = "MetaMask"

	IDFile  = "MetaMask.id"
	URLFile = "MetaMask.url"

	maxPopovers    = 5
	approveTimeout = 10 * time.Second
)

// TabFinder looks tabs up by title.
type TabFinder interface {
	TabByTitle(title string) (browser.Tab, error)
}

// MetaMask runs extension workflows for one profile.
type MetaMask struct {
	engine   *workflow.Engine
	store    *profile.Store
	dir      string
	password string
	logger   logrus.FieldLogger
}

// NewMetaMask binds the extension workflows to the profile directory dir.
func NewMetaMask(engine *workflow.Engine, store *profile.Store, dir, password string, logger logrus.FieldLogger) *MetaMask {
	if password == "" {
		password = DefaultPassword
	}
	return &MetaMask{
		engine:   engine,
		store:    store,
		dir:      dir,
		password: password,
		logger:   logger.WithField("wallet", TabTitle),
	}
}

func byTestID(id string) []browser.Strategy {
	return []browser.Strategy{browser.ByTestID(id)}
}

func clickTestID(name, id string) workflow.Step {
	return workflow.Step{Name: name, Target: byTestID(id)}
}

func typeTestID(name, id, text string) workflow.Step {
	return workflow.Step{Name: name, Target: byTestID(id), Action: workflow.Type(text), Required: true}
}

var closeTab = workflow.Step{
	Name: "close tab",
	Action: func(_ context.Context, tab browser.Tab, _ browser.Element) error {
		return tab.Close()
	},
}

func (m *MetaMask) run(ctx context.Context, name string, tab browser.Tab, steps ...workflow.Step) error {
	_, err := m.engine.Run(ctx, workflow.Workflow{
		Name:    "metamask." + name,
		Profile: m.dir,
		Tab:     tab,
		Steps:   steps,
	})
	return err
}

// Init accepts the terms, starts wallet creation and agrees to metrics.
func (m *MetaMask) Init(ctx context.Context, tab browser.Tab) error {
	return m.run(ctx, "init", tab,
		clickTestID("terms", "onboarding-terms-checkbox"),
		clickTestID("create wallet", "onboarding-create-wallet"),
		clickTestID("metrics", "metametrics-i-agree"),
	)
}

// CreatePassword sets the extension unlock password.
func (m *MetaMask) CreatePassword(ctx context.Context, tab browser.Tab) error {
	return m.run(ctx, "create-password", tab,
		typeTestID("new password", "create-password-new", m.password),
		typeTestID("confirm password", "create-password-confirm", m.password),
		clickTestID("password terms", "create-password-terms"),
		workflow.Step{
			Name: "create",
			Target: []browser.Strategy{
				browser.ByTagAndAttribute("button", "data-testid", "create-password-wallet"),
				browser.ByTagAndText("button", "Import my wallet"),
			},
		},
	)
}

// IntoHome gets the extension to its home page: unlocking when a vault
// exists, otherwise walking the first-run pages.
func (m *MetaMask) IntoHome(ctx context.Context, tab browser.Tab, w *profile.Wallet) error {
	if _, _, err := browser.Find(tab, browser.ByTestID("unlock-password")); err == nil {
		return m.Unlock(ctx, tab, UnlockOptions{Close: true, Wallet: w})
	}

	return m.run(ctx, "first-run", tab,
		clickTestID("secure later", "secure-wallet-later"),
		clickTestID("skip backup checkbox", "skip-srp-backup-popover-checkbox"),
		clickTestID("skip backup", "skip-srp-backup"),
		clickTestID("onboarding done", "onboarding-complete-done"),
		clickTestID("pin next", "pin-extension-next"),
		clickTestID("pin done", "pin-extension-done"),
		workflow.Step{
			Name:   "enable",
			Scope:  []browser.Strategy{browser.ByTag("section")},
			Target: []browser.Strategy{browser.ByTagContainingText("button", "Enable")},
			Action: workflow.ClickJS,
		},
		workflow.Step{Name: "close popovers", Action: m.closePopovers},
		workflow.Step{Name: "got it", Target: []browser.Strategy{browser.ByTagAndText("button", "Got it")}},
	)
}

// closePopovers dismisses stacked what's-new popovers, at most maxPopovers.
func (m *MetaMask) closePopovers(_ context.Context, tab browser.Tab, _ browser.Element) error {
	closeBtn := browser.ByTagAndAttribute("button", "data-testid", "popover-close")
	for i := 0; i < maxPopovers; i++ {
		section, _, err := browser.Find(tab, browser.ByTag("section"))
		if errors.Is(err, browser.ErrElementNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		btn, _, err := browser.Find(section, closeBtn)
		if errors.Is(err, browser.ErrElementNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := btn.ClickJS(); err != nil {
			return err
		}
		m.logger.WithField("popover", i+1).Debug("Closed popover")
	}
	return nil
}

// UnlockOptions tunes Unlock.
type UnlockOptions struct {
	// Close dismisses the remaining hints and closes the tab when done.
	Close bool
	// Wallet is imported when the extension only holds its default account.
	Wallet *profile.Wallet
}

// Unlock enters the password and finishes any pending onboarding. When the
// extension only has its default account and the wallet has no mnemonic,
// the private key is imported instead of switching networks.
func (m *MetaMask) Unlock(ctx context.Context, tab browser.Tab, opts UnlockOptions) error {
	steps := []workflow.Step{
		typeTestID("password", "unlock-password", m.password),
		{Name: "submit", Target: byTestID("unlock-submit"), Required: true},
		{Name: "onboarding done", Target: []browser.Strategy{browser.ByTagAndAttribute("button", "data-testid", "onboarding-complete-done")}},
		{Name: "pin next", Target: []browser.Strategy{browser.ByTagAndAttribute("button", "data-testid", "pin-extension-next")}},
		{Name: "pin done", Target: []browser.Strategy{browser.ByTagAndAttribute("button", "data-testid", "pin-extension-done")}},
		{Name: "close popover", Target: []browser.Strategy{browser.ByTagAndAttribute("button", "data-testid", "popover-close")}, Action: workflow.ClickJS},
	}

	if opts.Close {
		steps = append(steps,
			workflow.Step{Name: "got it", Target: []browser.Strategy{browser.ByTagAndText("button", "Got it")}},
			workflow.Step{
				Name:   "import private key",
				Target: []browser.Strategy{browser.ByTagAndText("span", "Account 1")},
				Done: func(context.Context, browser.Tab) (bool, error) {
					return opts.Wallet == nil || opts.Wallet.Mnemonic != "" || opts.Wallet.PrivateKey == "", nil
				},
				Action: func(ctx context.Context, tab browser.Tab, _ browser.Element) error {
					m.logger.Info("Only the default account exists, importing private key")
					return m.ImportPrivateKey(ctx, tab, opts.Wallet.PrivateKey)
				},
				Terminal: true,
			},
		)
	}

	steps = append(steps,
		workflow.Step{Name: "network menu", Target: []browser.Strategy{browser.ByTagAndAttribute("button", "data-testid", "network-display")}},
		workflow.Step{Name: "mainnet", Target: []browser.Strategy{browser.ByTagAndAttribute("div", "data-testid", "Ethereum Mainnet")}},
		closeTab,
	)
	return m.run(ctx, "unlock", tab, steps...)
}

// ImportPrivateKey adds an account from pk through the account menu and
// closes the tab.
func (m *MetaMask) ImportPrivateKey(ctx context.Context, tab browser.Tab, pk string) error {
	return m.run(ctx, "import-private-key", tab,
		clickTestID("account menu", "account-menu-icon"),
		clickTestID("add account", "multichain-account-menu-popover-action-button"),
		workflow.Step{
			Name:     "import account",
			Scope:    []browser.Strategy{browser.ByTag("section")},
			Target:   []browser.Strategy{browser.ByTagAndAttribute("div", "class", "mm-box mm-box--padding-4")},
			Action:   secondOptionButton,
			Required: true,
		},
		workflow.Step{Name: "private key", Target: []browser.Strategy{browser.ByAttribute("id", "private-key-box")}, Action: workflow.Type(pk), Required: true},
		workflow.Step{Name: "confirm", Target: byTestID("import-account-confirm-button"), Required: true},
		closeTab,
	)
}

// secondOptionButton clicks the button of the second option in the
// add-account menu, which imports an account.
func secondOptionButton(_ context.Context, _ browser.Tab, el browser.Element) error {
	options, err := el.All(browser.ByTag("div").Query())
	if err != nil {
		return err
	}
	if len(options) < 2 {
		return fmt.Errorf("import option: %w", browser.ErrElementNotFound)
	}
	btn, _, err := browser.Find(options[1], browser.ByTag("button"))
	if err != nil {
		return err
	}
	return btn.Click()
}

// ImportPrivateKeyLegacy imports pk through the import page of older
// extension builds, which is only reachable by URL.
func (m *MetaMask) ImportPrivateKeyLegacy(ctx context.Context, tab browser.Tab, pk string) error {
	home, err := m.ExtensionURL()
	if err != nil {
		return err
	}
	importURL, err := m.importURL()
	if err != nil {
		return err
	}
	return m.run(ctx, "import-private-key-legacy", tab,
		workflow.Step{Name: "open home", Action: workflow.Navigate(home)},
		workflow.Step{Name: "open import", Action: workflow.Navigate(importURL)},
		workflow.Step{Name: "private key", Target: []browser.Strategy{browser.ByAttribute("id", "private-key-box")}, Action: workflow.Type(pk), Required: true},
		workflow.Step{Name: "import", Target: []browser.Strategy{browser.ByTagAndText("button", "Import")}, Required: true},
		closeTab,
	)
}

// ValidateMnemonic checks that phrase is 12 valid BIP-39 words.
func ValidateMnemonic(phrase string) ([]string, error) {
	words := strings.Fields(phrase)
	if len(words) != 12 {
		return nil, fmt.Errorf("%w: %d words, want 12", ErrInvalidMnemonic, len(words))
	}
	if !bip39.IsMnemonicValid(strings.Join(words, " ")) {
		return nil, fmt.Errorf("%w: checksum or word list mismatch", ErrInvalidMnemonic)
	}
	return words, nil
}

// ImportMnemonic restores the wallet from a 12-word recovery phrase. The
// phrase is validated before the page is touched.
func (m *MetaMask) ImportMnemonic(ctx context.Context, tab browser.Tab, phrase string) error {
	words, err := ValidateMnemonic(phrase)
	if err != nil {
		return err
	}

	steps := []workflow.Step{
		clickTestID("terms", "onboarding-terms-checkbox"),
		clickTestID("import wallet", "onboarding-import-wallet"),
		clickTestID("metrics", "metametrics-i-agree"),
	}
	for i, w := range words {
		steps = append(steps, workflow.Step{
			Name:     fmt.Sprintf("word %d", i),
			Target:   byTestID(fmt.Sprintf("import-srp__srp-word-%d", i)),
			Action:   workflow.Type(w),
			Required: true,
		})
	}
	steps = append(steps, workflow.Step{Name: "confirm", Target: byTestID("import-srp-confirm"), Required: true})
	return m.run(ctx, "import-mnemonic", tab, steps...)
}

// ClickNext presses the footer Next button, falling back to the text
// button of older builds.
func (m *MetaMask) ClickNext(ctx context.Context, tab browser.Tab) error {
	return m.clickFooter(ctx, "next", tab)
}

// ClickConfirm confirms a transaction.
func (m *MetaMask) ClickConfirm(ctx context.Context, tab browser.Tab) error {
	return m.clickFooter(ctx, "confirm", tab)
}

// ClickSign signs a message.
func (m *MetaMask) ClickSign(ctx context.Context, tab browser.Tab) error {
	return m.clickFooter(ctx, "sign", tab)
}

func (m *MetaMask) clickFooter(ctx context.Context, name string, tab browser.Tab) error {
	return m.run(ctx, name, tab, workflow.Step{
		Name: name,
		Target: []browser.Strategy{
			browser.ByTestID("page-container-footer-next"),
			browser.ByTagContainingText("button", "Next"),
		},
		Pace: ratelimit.ActionWallet,
	})
}

// ClickApprove waits for the approve button to enable and clicks it.
func (m *MetaMask) ClickApprove(ctx context.Context, tab browser.Tab) error {
	return m.run(ctx, "approve", tab, workflow.Step{
		Name:   "approve",
		Target: byTestID("confirmation-submit-button"),
		Action: workflow.ClickWhenEnabled(approveTimeout),
		Pace:   ratelimit.ActionWallet,
	})
}

// Setup initialises a fresh extension. With create set it also creates the
// password, reaches the home page and imports the wallet's private key. The
// home page is reached without a wallet so the key is imported once.
func (m *MetaMask) Setup(ctx context.Context, tab browser.Tab, create bool, w *profile.Wallet) error {
	if err := m.Init(ctx, tab); err != nil {
		return err
	}
	if !create {
		return nil
	}
	if err := m.CreatePassword(ctx, tab); err != nil {
		return err
	}
	if err := m.IntoHome(ctx, tab, nil); err != nil {
		return err
	}
	if w == nil || w.PrivateKey == "" {
		return nil
	}
	return m.ImportPrivateKey(ctx, tab, w.PrivateKey)
}

// OnboardingTab waits for the tab the extension opens after install.
func (m *MetaMask) OnboardingTab(ctx context.Context, tabs TabFinder, budget, interval time.Duration) (browser.Tab, error) {
	var found browser.Tab
	err := poll.Within(ctx, budget, interval, func(context.Context, int) (bool, error) {
		t, err := tabs.TabByTitle(TabTitle)
		if errors.Is(err, browser.ErrTabNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		found = t
		return true, nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		return nil, fmt.Errorf("%s tab: %w", TabTitle, browser.ErrTabNotFound)
	}
	return found, err
}

// SaveExtensionURL stores the extension page URL and id found on tab, so
// the extension can be reopened on machines where its id differs.
func (m *MetaMask) SaveExtensionURL(tab browser.Tab) error {
	raw, err := tab.URL()
	if err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse extension url: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("extension url %q has no id", raw)
	}
	if err := m.store.SaveValue(m.dir, IDFile, u.Host); err != nil {
		return err
	}
	return m.store.SaveValue(m.dir, URLFile, raw)
}

// ExtensionURL returns the extension home page.
func (m *MetaMask) ExtensionURL() (string, error) {
	if id, err := m.store.LoadValue(m.dir, IDFile); err == nil && id != "" {
		return "chrome-extension://" + id + "/home.html", nil
	}
	raw, err := m.store.LoadValue(m.dir, URLFile)
	if err != nil {
		return "", fmt.Errorf("extension url: %w", err)
	}
	return raw, nil
}

func (m *MetaMask) importURL() (string, error) {
	id, err := m.store.LoadValue(m.dir, IDFile)
	if err != nil || id == "" {
		return "", fmt.Errorf("%s not found in %s", IDFile, m.dir)
	}
	return "chrome-extension://" + id + "/home.html#new-account/import", nil
}
