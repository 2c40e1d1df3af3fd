// Package stealth derives per-profile browser fingerprints and applies them
// to live pages, together with the humanised delays used between actions.
package stealth

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	rodstealth "github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"
)

// StealthManager implements anti-bot detection techniques
type StealthManager struct {
	config StealthConfig
	logger logrus.FieldLogger

	mu  sync.Mutex
	rng *rand.Rand
}

// StealthConfig contains stealth configuration
type StealthConfig struct {
	Enabled        bool
	MinDelay       time.Duration
	MaxDelay       time.Duration
	AcceptLanguage string
}

// NewStealthManager creates a new stealth manager
func NewStealthManager(config StealthConfig, logger logrus.FieldLogger) *StealthManager {
	if config.AcceptLanguage == "" {
		config.AcceptLanguage = "en-US,en"
	}
	return &StealthManager{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ApplyStealth applies the fingerprint to page. Every technique is
// optional: failures are logged and the page is used as is.
func (s *StealthManager) ApplyStealth(page *rod.Page, fp *Fingerprint) error {
	if !s.config.Enabled {
		s.logger.Info("Stealth features disabled, proceeding normally")
		return nil
	}
	if fp == nil {
		return fmt.Errorf("apply stealth: no fingerprint")
	}

	s.logger.Info("Applying stealth techniques")

	var stealthErrors []string

	if err := s.disableAutomationIndicators(page); err != nil {
		s.logger.WithError(err).Warn("Failed to disable automation indicators")
		stealthErrors = append(stealthErrors, "automation indicators")
	}

	if err := s.applyUserAgent(page, fp); err != nil {
		s.logger.WithError(err).Warn("Failed to override user agent")
		stealthErrors = append(stealthErrors, "user agent")
	}

	if err := proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}.Call(page); err != nil {
		s.logger.WithError(err).Warn("Failed to override timezone")
		stealthErrors = append(stealthErrors, "timezone")
	}

	if err := s.applyFingerprintMasking(page, fp); err != nil {
		s.logger.WithError(err).Warn("Failed to apply fingerprint masking")
		stealthErrors = append(stealthErrors, "fingerprint masking")
	}

	if len(stealthErrors) > 0 {
		s.logger.WithField("failed_features", stealthErrors).Warn("Failed to apply some stealth features")
	} else {
		s.logger.Info("Stealth techniques applied successfully")
	}

	return nil
}

// RandomDelay implements random timing patterns
func (s *StealthManager) RandomDelay() time.Duration {
	if s.config.MinDelay >= s.config.MaxDelay {
		return s.config.MinDelay
	}

	s.mu.Lock()
	span := s.rng.Int63n(int64(s.config.MaxDelay - s.config.MinDelay))
	s.mu.Unlock()

	delay := (s.config.MinDelay + time.Duration(span)).Truncate(time.Millisecond)
	s.logger.WithField("delay", delay).Debug("Applied random delay")
	return delay
}

// Pause sleeps for a random delay or until ctx is done.
func (s *StealthManager) Pause(ctx context.Context) error {
	d := s.RandomDelay()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *StealthManager) disableAutomationIndicators(page *rod.Page) error {
	if _, err := page.EvalOnNewDocument(rodstealth.JS); err != nil {
		return fmt.Errorf("failed to inject stealth script: %w", err)
	}
	s.logger.Debug("Disabled automation indicators")
	return nil
}

func (s *StealthManager) applyUserAgent(page *rod.Page, fp *Fingerprint) error {
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      fp.UserAgent,
		AcceptLanguage: s.config.AcceptLanguage,
		Platform:       platforms[fp.Platform].raw,
	}); err != nil {
		return fmt.Errorf("failed to set user agent: %w", err)
	}
	s.logger.WithField("user_agent", fp.UserAgent).Debug("Set user agent")
	return nil
}

// maskingScript overrides the WebGL debug renderer info and shifts canvas
// readback by the color jitter. The placeholder is a JSON object.
const maskingScript = `(() => {
	const fp = %s;
	const patch = (proto) => {
		const getParameter = proto.getParameter;
		proto.getParameter = function (p) {
			if (p === 37445) return fp.vendor;
			if (p === 37446) return fp.renderer;
			return getParameter.call(this, p);
		};
	};
	patch(WebGLRenderingContext.prototype);
	if (window.WebGL2RenderingContext) patch(WebGL2RenderingContext.prototype);

	const getImageData = CanvasRenderingContext2D.prototype.getImageData;
	CanvasRenderingContext2D.prototype.getImageData = function (...args) {
		const data = getImageData.apply(this, args);
		for (let i = 0; i < data.data.length; i += 4) {
			data.data[i] = Math.min(255, Math.max(0, data.data[i] + fp.red));
			data.data[i + 1] = Math.min(255, Math.max(0, data.data[i + 1] + fp.green));
			data.data[i + 2] = Math.min(255, Math.max(0, data.data[i + 2] + fp.blue));
			data.data[i + 3] = Math.min(255, Math.max(0, data.data[i + 3] + fp.alpha));
		}
		return data;
	};
})();`

// MaskingScript renders the page script for fp.
func MaskingScript(fp *Fingerprint) (string, error) {
	params, err := json.Marshal(map[string]any{
		"vendor":   fp.WebGLVendor,
		"renderer": fp.WebGLRenderer,
		"red":      fp.ColorJitter.Red,
		"green":    fp.ColorJitter.Green,
		"blue":     fp.ColorJitter.Blue,
		"alpha":    fp.ColorJitter.Alpha,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(maskingScript, params), nil
}

func (s *StealthManager) applyFingerprintMasking(page *rod.Page, fp *Fingerprint) error {
	script, err := MaskingScript(fp)
	if err != nil {
		return err
	}
	if _, err := page.EvalOnNewDocument(script); err != nil {
		return fmt.Errorf("failed to inject masking script: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"webgl_vendor": fp.WebGLVendor,
		"timezone":     fp.Timezone,
	}).Debug("Applied fingerprint masking")
	return nil
}
