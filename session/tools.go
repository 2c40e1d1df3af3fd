package session

import (
	"context"
	"errors"
	"fmt"

	"airdrop-automation/browser"
	"airdrop-automation/poll"
)

const (
	// ToolsTabTitle is the title of the fingerprint tool extension page.
	ToolsTabTitle = "A9Tools"
	// ToolsURLFile stores the tool page URL inside the profile directory.
	ToolsURLFile = "tools_extension_url"

	fingerprintCheckURL = "https://web.uutool.cn"
)

var errNotActive = errors.New("session is not active")

// SyncFingerprintExtension waits for the fingerprint tool page the
// extension opens on first run, saves its URL, imports the fingerprint and
// closes the page.
func (m *Manager) SyncFingerprintExtension(ctx context.Context) error {
	tabs, fp, dir := m.Tabs(), m.Fingerprint(), m.Config()
	if tabs == nil {
		return fmt.Errorf("sync fingerprint extension: %w", errNotActive)
	}
	log := m.logger.WithField("profile", dir.UserDataPath)

	var tool browser.Tab
	err := poll.Within(ctx, m.opts.TabTimeout, m.opts.PollInterval, func(ctx context.Context, attempt int) (bool, error) {
		t, err := tabs.TabByTitle(ToolsTabTitle)
		if errors.Is(err, browser.ErrTabNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		tool = t
		return true, nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		return fmt.Errorf("fingerprint tool tab: %w", browser.ErrTabNotFound)
	}
	if err != nil {
		return err
	}

	if url, err := tool.URL(); err == nil {
		if err := m.store.SaveValue(dir.UserDataPath, ToolsURLFile, url); err != nil {
			log.WithError(err).Warn("Failed to save fingerprint tool URL")
		}
	}

	payload, err := fp.ExtensionPayload()
	if err != nil {
		return fmt.Errorf("encode fingerprint payload: %w", err)
	}
	input, _, err := m.resolver.Resolve(ctx, tool, browser.ByAttribute("id", "fpi"))
	if err != nil {
		return fmt.Errorf("fingerprint input: %w", err)
	}
	if err := input.Input(payload); err != nil {
		return fmt.Errorf("type fingerprint: %w", err)
	}
	button, _, err := m.resolver.Resolve(ctx, tool, browser.ByAttribute("id", "ibtn"))
	if err != nil {
		return fmt.Errorf("fingerprint import button: %w", err)
	}
	if err := button.Click(); err != nil {
		return fmt.Errorf("import fingerprint: %w", err)
	}

	log.Info("Imported fingerprint into tool extension")
	return tool.Close()
}

// OpenFingerprintCheck opens a fingerprint test site in a new tab.
func (m *Manager) OpenFingerprintCheck() (browser.Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, errNotActive
	}
	return b.NewTab(fingerprintCheckURL)
}
