package session

import (
	"context"
	"math/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"airdrop-automation/browser/browsertest"
	"airdrop-automation/profile"
	"airdrop-automation/stealth"
)

const (
	profileDir = "/profiles/0001"
	extDir     = "/opt/airdrop/extensions"
	walletDir  = "/opt/airdrop/metamask"
)

var fallbacks = []string{"/opt/airdrop/tools-extension", "/opt/airdrop/webrtc-control"}

func testOptions() Options {
	return Options{
		ExtensionsDir:      extDir,
		FallbackExtensions: fallbacks,
		WalletExtension:    walletDir,
		PollInterval:       5 * time.Millisecond,
		ElementWait:        50 * time.Millisecond,
		TabTimeout:         200 * time.Millisecond,
		LaunchTimeout:      time.Second,
	}
}

func newTestManager(t *testing.T, fs afero.Fs, opts Options) *Manager {
	t.Helper()
	log, _ := test.NewNullLogger()
	gen := stealth.NewFingerprintGenerator(rand.New(rand.NewSource(1)), nil, log)
	sm := stealth.NewStealthManager(stealth.StealthConfig{}, log)
	return NewManager(opts, profile.NewStore(fs), gen, sm, log)
}

func newFS(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(walletDir, 0o755))
	for _, f := range fallbacks {
		require.NoError(t, fs.MkdirAll(f, 0o755))
	}
	return fs
}

func testProfile(dir string) *profile.Profile {
	return &profile.Profile{
		UserDataPath: dir,
		ProxyScheme:  "socks5",
		ProxyHost:    "127.0.0.1",
		ProxyPort:    1080,
		Wallet:       &profile.Wallet{Address: "0x1"},
	}
}

func TestOpen_FreshProfile(t *testing.T) {
	fs := newFS(t)
	m := newTestManager(t, fs, testOptions())
	assert.Equal(t, Unconfigured, m.State())

	require.NoError(t, m.Open(testProfile(profileDir)))
	assert.Equal(t, Configured, m.State())

	cfg := m.Config()
	assert.Equal(t, append(append([]string{}, fallbacks...), walletDir), cfg.Extensions)
	assert.Greater(t, cfg.DebugPort, 0)
	assert.Equal(t, m.Fingerprint().UserAgent, cfg.UserAgent)
	assert.Equal(t, profile.FingerprintFile, cfg.FingerprintFile)
	assert.Contains(t, cfg.Arguments, "--hide-crash-restore-bubble")

	store := profile.NewStore(fs)
	require.True(t, store.HasFingerprint(profileDir), "first generation is persisted immediately")
	require.False(t, store.HasPersistedConfig(profileDir), "config is written only at close")

	persisted, err := store.LoadFingerprint(profileDir)
	require.NoError(t, err)
	assert.Equal(t, m.Fingerprint(), persisted)
}

func TestOpen_Twice(t *testing.T) {
	m := newTestManager(t, newFS(t), testOptions())
	require.NoError(t, m.Open(testProfile(profileDir)))
	assert.Error(t, m.Open(testProfile(profileDir)))
}

func TestClose_WithoutLaunch(t *testing.T) {
	fs := newFS(t)
	m := newTestManager(t, fs, testOptions())
	require.NoError(t, m.Open(testProfile(profileDir)))

	require.NoError(t, m.Close())
	assert.Equal(t, Closed, m.State())
	assert.True(t, profile.NewStore(fs).HasPersistedConfig(profileDir))

	require.NoError(t, m.Close(), "close is idempotent")
}

func TestClose_BeforeOpen(t *testing.T) {
	fs := newFS(t)
	m := newTestManager(t, fs, testOptions())
	require.NoError(t, m.Close())
	assert.Equal(t, Closed, m.State())
	assert.False(t, profile.NewStore(fs).HasPersistedConfig(profileDir))
}

func TestRoundTrip_ReopenReproducesLaunchConfig(t *testing.T) {
	fs := newFS(t)

	first := newTestManager(t, fs, testOptions())
	require.NoError(t, first.Open(testProfile(profileDir)))
	wantCfg := *first.Config()
	wantFP := *first.Fingerprint()
	require.NoError(t, first.Close())

	fpBytes, err := afero.ReadFile(fs, filepath.Join(profileDir, profile.FingerprintFile))
	require.NoError(t, err)

	// extensions added later must not change a persisted profile
	require.NoError(t, fs.MkdirAll(filepath.Join(extDir, "new-extension"), 0o755))

	second := newTestManager(t, fs, testOptions())
	require.NoError(t, second.Open(testProfile(profileDir)))
	assert.Equal(t, wantCfg.Extensions, second.Config().Extensions)
	assert.Equal(t, wantCfg.DebugPort, second.Config().DebugPort)
	assert.Equal(t, wantCfg.FingerprintFile, second.Config().FingerprintFile)
	assert.Equal(t, wantCfg.Preferences, second.Config().Preferences)
	assert.Equal(t, wantFP, *second.Fingerprint())
	require.NoError(t, second.Close())

	after, err := afero.ReadFile(fs, filepath.Join(profileDir, profile.FingerprintFile))
	require.NoError(t, err)
	assert.Equal(t, fpBytes, after, "fingerprint file is byte-for-byte stable")
}

func TestOpen_ReusesOrphanFingerprint(t *testing.T) {
	fs := newFS(t)
	first := newTestManager(t, fs, testOptions())
	require.NoError(t, first.Open(testProfile(profileDir)))
	orphan := *first.Fingerprint()
	// crash: no Close, so no browser config

	second := newTestManager(t, fs, testOptions())
	require.NoError(t, second.Open(testProfile(profileDir)))
	assert.Equal(t, orphan, *second.Fingerprint())
}

func TestOpen_CorruptFingerprint(t *testing.T) {
	fs := newFS(t)
	first := newTestManager(t, fs, testOptions())
	require.NoError(t, first.Open(testProfile(profileDir)))
	require.NoError(t, first.Close())

	require.NoError(t, afero.WriteFile(fs, filepath.Join(profileDir, profile.FingerprintFile), []byte(`{"platform":"win`), 0o644))

	second := newTestManager(t, fs, testOptions())
	err := second.Open(testProfile(profileDir))
	assert.ErrorIs(t, err, profile.ErrCorruptProfile)
	assert.Equal(t, Unconfigured, second.State())
}

func TestOpen_WalletExtensionMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(t, fs, testOptions())
	err := m.Open(testProfile(profileDir))
	assert.ErrorIs(t, err, ErrExtensionMissing)
}

func TestOpen_ExtensionsDirDiscovery(t *testing.T) {
	fs := newFS(t)
	for _, name := range []string{"webrtc", "a9tools", "metamask"} {
		require.NoError(t, fs.MkdirAll(filepath.Join(extDir, name), 0o755))
	}
	require.NoError(t, afero.WriteFile(fs, filepath.Join(extDir, "README"), []byte("x"), 0o644))

	m := newTestManager(t, fs, testOptions())
	require.NoError(t, m.Open(testProfile(profileDir)))
	assert.Equal(t, []string{
		filepath.Join(extDir, "a9tools"),
		filepath.Join(extDir, "webrtc"),
		walletDir,
	}, m.Config().Extensions)
}

func TestOpen_FingerprintOverride(t *testing.T) {
	fs := newFS(t)
	p := testProfile(profileDir)
	p.Fingerprint = &stealth.Fingerprint{
		Platform:       "macos",
		BrowserVersion: "126.0.0.0",
		WebGLRenderer:  "ANGLE (Apple, ANGLE Metal Renderer: Apple M1, Unspecified Version)",
		WebGLVendor:    "Google Inc. (Apple)",
		Timezone:       "Asia/Tokyo",
		UserAgent:      "override-ua",
	}

	m := newTestManager(t, fs, testOptions())
	require.NoError(t, m.Open(p))
	assert.Equal(t, "override-ua", m.Fingerprint().UserAgent)
	assert.Equal(t, "override-ua", m.Config().UserAgent)
}

func TestLaunch_FailsFastWhenLocked(t *testing.T) {
	dir := t.TempDir()
	held, err := LockProfile(dir)
	require.NoError(t, err)
	defer held.Unlock()

	m := newTestManager(t, newFS(t), testOptions())
	require.NoError(t, m.Open(testProfile(dir)))

	start := time.Now()
	err = m.Launch(context.Background(), "https://x.com")
	assert.ErrorIs(t, err, ErrProfileLocked)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Configured, m.State())
}

func TestLockProfile_ReleasedLockCanBeRetaken(t *testing.T) {
	dir := t.TempDir()
	first, err := LockProfile(dir)
	require.NoError(t, err)

	_, err = LockProfile(dir)
	assert.ErrorIs(t, err, ErrProfileLocked)

	require.NoError(t, first.Unlock())
	second, err := LockProfile(dir)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())
}

func TestLaunch_RequiresOpen(t *testing.T) {
	m := newTestManager(t, newFS(t), testOptions())
	assert.Error(t, m.Launch(context.Background(), ""))
}

func TestMergePreferences(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/profiles/0001/Default/Preferences"
	require.NoError(t, afero.WriteFile(fs, path, []byte(`{"profile":{"name":"Person 1"},"intl":{"accept_languages":"fr"}}`), 0o644))

	require.NoError(t, MergePreferences(fs, path, map[string]any{
		"credentials_enable_service":            false,
		"intl.accept_languages":                 "en-US,en",
		"settings.language.preferred_languages": "en-US",
	}))

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "Person 1", gjson.GetBytes(data, "profile.name").String())
	assert.Equal(t, "en-US,en", gjson.GetBytes(data, "intl.accept_languages").String())
	assert.Equal(t, "en-US", gjson.GetBytes(data, "settings.language.preferred_languages").String())
	assert.False(t, gjson.GetBytes(data, "credentials_enable_service").Bool())
	assert.True(t, gjson.GetBytes(data, "credentials_enable_service").Exists())
}

func TestMergePreferences_ReplacesGarbage(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/p/Default/Preferences"
	require.NoError(t, afero.WriteFile(fs, path, []byte(`{not json`), 0o644))
	require.NoError(t, MergePreferences(fs, path, map[string]any{"intl.accept_languages": "en-US,en"}))

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.True(t, gjson.ValidBytes(data))
}

func activate(t *testing.T, m *Manager, b *browsertest.Browser, main *browsertest.Tab) {
	t.Helper()
	log, _ := test.NewNullLogger()
	m.mu.Lock()
	m.attach(b, main, log)
	m.state = Active
	m.mu.Unlock()
}

func TestSyncFingerprintExtension(t *testing.T) {
	fs := newFS(t)
	m := newTestManager(t, fs, testOptions())
	require.NoError(t, m.Open(testProfile(profileDir)))

	main := browsertest.NewTab("main", "New Tab", "about:blank")
	tool := browsertest.NewTab("tool", "A9Tools", "chrome-extension://abc/options.html")
	input := browsertest.El("textarea", "", "id", "fpi")
	button := browsertest.El("button", "Import", "id", "ibtn")
	tool.Root.With(input, button)
	b := browsertest.NewBrowser(main, tool)
	activate(t, m, b, main)

	require.NoError(t, m.SyncFingerprintExtension(context.Background()))

	require.Len(t, input.Inputs(), 1)
	assert.Equal(t, m.Fingerprint().UserAgent, gjson.Get(input.Inputs()[0], "user_agent").String())
	assert.Equal(t, 1, button.Clicks())
	assert.True(t, tool.Closed())

	url, err := profile.NewStore(fs).LoadValue(profileDir, ToolsURLFile)
	require.NoError(t, err)
	assert.Equal(t, "chrome-extension://abc/options.html", url)
}

func TestSyncFingerprintExtension_NoToolTab(t *testing.T) {
	m := newTestManager(t, newFS(t), testOptions())
	require.NoError(t, m.Open(testProfile(profileDir)))
	main := browsertest.NewTab("main", "New Tab", "about:blank")
	activate(t, m, browsertest.NewBrowser(main), main)

	err := m.SyncFingerprintExtension(context.Background())
	assert.Error(t, err)
}

func TestSyncFingerprintExtension_NotActive(t *testing.T) {
	m := newTestManager(t, newFS(t), testOptions())
	require.NoError(t, m.Open(testProfile(profileDir)))
	assert.ErrorIs(t, m.SyncFingerprintExtension(context.Background()), errNotActive)
}

func TestDebugPort_SwitchesWhenTaken(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	taken := l.Addr().(*net.TCPAddr).Port

	port, changed, err := debugPort(taken)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, taken, port)

	require.NoError(t, l.Close())
	port, changed, err = debugPort(taken)
	require.NoError(t, err)
	assert.False(t, changed, "a free persisted port is kept")
	assert.Equal(t, taken, port)

	port, changed, err = debugPort(0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Greater(t, port, 0)
}
