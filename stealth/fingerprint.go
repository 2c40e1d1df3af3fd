package stealth

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// ErrUnsupportedPlatform is returned for any platform other than windows
// or macos. It is fatal to session creation.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

const (
	PlatformWindows = "windows"
	PlatformMacOS   = "macos"

	// JitterLimit bounds every color jitter component to [-JitterLimit, JitterLimit].
	JitterLimit = 10
)

// ColorJitter perturbs canvas and WebGL readback.
type ColorJitter struct {
	Red   int `json:"red" yaml:"red" validate:"min=-10,max=10"`
	Green int `json:"green" yaml:"green" validate:"min=-10,max=10"`
	Blue  int `json:"blue" yaml:"blue" validate:"min=-10,max=10"`
	Alpha int `json:"alpha" yaml:"alpha" validate:"min=-10,max=10"`
}

// Fingerprint is the spoofed device identity of one profile. Once
// persisted it is loaded verbatim on every launch.
type Fingerprint struct {
	Platform       string      `json:"platform" yaml:"platform" validate:"oneof=windows macos"`
	BrowserVersion string      `json:"browser_version" yaml:"browser_version" validate:"required"`
	ColorJitter    ColorJitter `json:"color_jitter" yaml:"color_jitter"`
	WebGLRenderer  string      `json:"webgl_renderer" yaml:"webgl_renderer" validate:"required"`
	WebGLVendor    string      `json:"webgl_vendor" yaml:"webgl_vendor" validate:"required"`
	Timezone       string      `json:"timezone" yaml:"timezone" validate:"required"`
	UserAgent      string      `json:"user_agent" yaml:"user_agent" validate:"required"`
}

var validate = validator.New()

// Validate checks field ranges and that the WebGL pair belongs to the
// platform.
func (f *Fingerprint) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("invalid fingerprint: %w", err)
	}
	for _, gpu := range platforms[f.Platform].gpus {
		if gpu.vendor == f.WebGLVendor {
			return nil
		}
	}
	return fmt.Errorf("invalid fingerprint: webgl vendor %q not used on %s", f.WebGLVendor, f.Platform)
}

// ExtensionPayload renders the flat JSON document the fingerprint tool
// extension imports.
func (f *Fingerprint) ExtensionPayload() (string, error) {
	payload := struct {
		Red           int    `json:"red"`
		Green         int    `json:"green"`
		Blue          int    `json:"blue"`
		Alpha         int    `json:"alpha"`
		Platform      string `json:"platform"`
		ChromeVersion string `json:"chrome_version"`
		WebGLRenderer string `json:"webgl_renderer"`
		WebGLVendor   string `json:"webgl_vendor"`
		Timezone      string `json:"timezone"`
		UserAgent     string `json:"user_agent"`
	}{
		Red:           f.ColorJitter.Red,
		Green:         f.ColorJitter.Green,
		Blue:          f.ColorJitter.Blue,
		Alpha:         f.ColorJitter.Alpha,
		Platform:      f.Platform,
		ChromeVersion: f.BrowserVersion,
		WebGLRenderer: f.WebGLRenderer,
		WebGLVendor:   f.WebGLVendor,
		Timezone:      f.Timezone,
		UserAgent:     f.UserAgent,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NormalizePlatform maps a raw platform string (navigator.platform, an OS
// name) to windows or macos.
func NormalizePlatform(raw string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(p, "win"):
		return PlatformWindows, nil
	case strings.HasPrefix(p, "mac"):
		return PlatformMacOS, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, raw)
}

// Endpoint is the proxy a fingerprint is derived for.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// TimezoneResolver maps a proxy host to the IANA timezone of its egress.
type TimezoneResolver interface {
	Timezone(host string) (string, error)
}

type gpu struct {
	vendor   string
	renderer string
}

type platformProfile struct {
	raw       string
	uaFormat  string
	gpus      []gpu
	timezones []string
}

var platforms = map[string]platformProfile{
	PlatformWindows: {
		raw:      "Win32",
		uaFormat: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36",
		gpus: []gpu{
			{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 SUPER Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{"Google Inc. (AMD)", "ANGLE (AMD, AMD Radeon RX 580 Series Direct3D11 vs_5_0 ps_5_0, D3D11)"},
		},
		timezones: []string{
			"America/New_York", "America/Chicago", "America/Los_Angeles",
			"Europe/London", "Europe/Berlin", "Asia/Singapore",
		},
	},
	PlatformMacOS: {
		raw:      "MacIntel",
		uaFormat: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36",
		gpus: []gpu{
			{"Google Inc. (Apple)", "ANGLE (Apple, ANGLE Metal Renderer: Apple M1, Unspecified Version)"},
			{"Google Inc. (Apple)", "ANGLE (Apple, ANGLE Metal Renderer: Apple M2, Unspecified Version)"},
			{"Google Inc. (Intel Inc.)", "ANGLE (Intel Inc., Intel(R) Iris(TM) Plus Graphics OpenGL Engine, OpenGL 4.1)"},
		},
		timezones: []string{
			"America/New_York", "America/Los_Angeles", "Europe/London",
			"Europe/Paris", "Asia/Tokyo", "Asia/Hong_Kong",
		},
	},
}

// first Chrome major generated agents may report
const minChromeMajor = 120

// FingerprintGenerator derives fingerprints. It is safe for concurrent use.
type FingerprintGenerator struct {
	mu       sync.Mutex
	rng      *rand.Rand
	tz       TimezoneResolver
	maxMajor int
	logger   logrus.FieldLogger
}

// NewFingerprintGenerator creates a generator. rng may be nil for a time
// seeded source; tz may be nil to always pick from the candidate set.
func NewFingerprintGenerator(rng *rand.Rand, tz TimezoneResolver, logger logrus.FieldLogger) *FingerprintGenerator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FingerprintGenerator{rng: rng, tz: tz, maxMajor: 131, logger: logger}
}

// Generate derives a fingerprint for proxy on the given browser version and
// raw platform.
func (g *FingerprintGenerator) Generate(proxy Endpoint, browserVersion, platform string) (*Fingerprint, error) {
	norm, err := NormalizePlatform(platform)
	if err != nil {
		return nil, err
	}
	if browserVersion == "" {
		return nil, fmt.Errorf("browser version is required")
	}
	pp := platforms[norm]

	g.mu.Lock()
	jitter := ColorJitter{
		Red:   g.jitter(),
		Green: g.jitter(),
		Blue:  g.jitter(),
		Alpha: g.jitter(),
	}
	chosen := pp.gpus[g.rng.Intn(len(pp.gpus))]
	timezone := pp.timezones[g.rng.Intn(len(pp.timezones))]
	g.mu.Unlock()

	if g.tz != nil && proxy.Host != "" {
		resolved, err := g.tz.Timezone(proxy.Host)
		if err != nil {
			g.logger.WithError(err).WithField("proxy_host", proxy.Host).Debug("Timezone lookup failed, using candidate set")
		} else if resolved != "" {
			timezone = resolved
		}
	}

	return &Fingerprint{
		Platform:       norm,
		BrowserVersion: browserVersion,
		ColorJitter:    jitter,
		WebGLRenderer:  chosen.renderer,
		WebGLVendor:    chosen.vendor,
		Timezone:       timezone,
		UserAgent:      fmt.Sprintf(pp.uaFormat, browserVersion),
	}, nil
}

// RandomAgent picks a browser version and a raw navigator.platform value
// for a fresh profile.
func (g *FingerprintGenerator) RandomAgent() (version, rawPlatform string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	major := minChromeMajor + g.rng.Intn(g.maxMajor-minChromeMajor+1)
	if g.rng.Intn(2) == 0 {
		rawPlatform = platforms[PlatformWindows].raw
	} else {
		rawPlatform = platforms[PlatformMacOS].raw
	}
	return fmt.Sprintf("%d.0.0.0", major), rawPlatform
}

// UserAgent renders the user agent string for a normalized platform.
func UserAgent(platform, browserVersion string) (string, error) {
	norm, err := NormalizePlatform(platform)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(platforms[norm].uaFormat, browserVersion), nil
}

func (g *FingerprintGenerator) jitter() int {
	return g.rng.Intn(2*JitterLimit+1) - JitterLimit
}
