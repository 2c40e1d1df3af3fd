// Package twofa fetches one-time login codes from a TOTP code service.
package twofa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DefaultURL is the public code service.
const DefaultURL = "https://2fa.zone/app/2fa.php"

// ErrNoCode is returned when the service answers without a usable code.
var ErrNoCode = errors.New("2fa service returned no code")

const maxBody = 64 << 10

// Client asks the code service for the current code of a shared secret.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logrus.FieldLogger
}

// NewClient creates a client. An empty baseURL uses DefaultURL.
func NewClient(baseURL string, timeout time.Duration, logger logrus.FieldLogger) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Code returns the current code for secret.
func (c *Client) Code(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("empty 2fa secret: %w", ErrNoCode)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse 2fa url: %w", err)
	}
	q := u.Query()
	q.Set("secret", secret)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build 2fa request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("2fa request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.WithField("status", resp.StatusCode).Debug("2fa service responded")
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("2fa service status %d: %w", resp.StatusCode, ErrNoCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("read 2fa response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("2fa response is not JSON: %w", ErrNoCode)
	}

	code := gjson.GetBytes(body, "newCode")
	if !code.Exists() || code.String() == "" {
		return "", fmt.Errorf("2fa response has no newCode: %w", ErrNoCode)
	}
	return code.String(), nil
}
