// Package profile holds the account model and the files persisted under a
// profile directory.
package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"airdrop-automation/stealth"
)

// ErrInvalidProfile is returned when a profile file is malformed or fails
// validation.
var ErrInvalidProfile = errors.New("invalid profile")

// Wallet is the account's EVM wallet.
type Wallet struct {
	PrivateKey string `yaml:"private_key" json:"private_key"`
	PublicKey  string `yaml:"public_key,omitempty" json:"public_key,omitempty"`
	Address    string `yaml:"address" json:"address"`
	Name       string `yaml:"name" json:"name"`
	Mnemonic   string `yaml:"mnemonic" json:"mnemonic"`
}

type Twitter struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Email    string `yaml:"email" json:"email"`
	Token    string `yaml:"token" json:"token"`
	P2FA     string `yaml:"p2fa" json:"p2fa"`
}

type Discord struct {
	Account  string `yaml:"account" json:"account"`
	Password string `yaml:"password" json:"password"`
	Token    string `yaml:"discord_token" json:"discord_token"`
}

type Email struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	Server   string `yaml:"server" json:"server"`
}

// Profile is one automated account. It is loaded once and never mutated.
type Profile struct {
	UserDataPath string `yaml:"user_data_path" json:"user_data_path" validate:"required"`

	ProxyScheme   string `yaml:"proxy_scheme" json:"proxy_scheme" validate:"oneof=socks5 socks4 http https"`
	ProxyHost     string `yaml:"proxy_host" json:"proxy_host" validate:"required"`
	ProxyPort     int    `yaml:"proxy_port" json:"proxy_port" validate:"min=1,max=65535"`
	ProxyUsername string `yaml:"proxy_username" json:"proxy_username"`
	ProxyPassword string `yaml:"proxy_password" json:"proxy_password"`

	Wallet       *Wallet              `yaml:"wallet" json:"wallet" validate:"required"`
	Twitter      *Twitter             `yaml:"twitter" json:"twitter"`
	TwitterToken string               `yaml:"twitter_token" json:"twitter_token"`
	Discord      *Discord             `yaml:"discord" json:"discord"`
	Email        *Email               `yaml:"email" json:"email"`
	Fingerprint  *stealth.Fingerprint `yaml:"fingerprint" json:"fingerprint"`
}

// Proxy is the egress endpoint of a profile.
type Proxy struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// Server renders the endpoint for --proxy-server, without credentials.
func (p Proxy) Server() string {
	return p.Scheme + "://" + p.Host + ":" + strconv.Itoa(p.Port)
}

// Endpoint converts the proxy into the fingerprint derivation input.
func (p Proxy) Endpoint() stealth.Endpoint {
	return stealth.Endpoint{Scheme: p.Scheme, Host: p.Host, Port: p.Port}
}

// Proxy returns the profile's proxy endpoint.
func (p *Profile) Proxy() Proxy {
	return Proxy{
		Scheme:   p.ProxyScheme,
		Host:     p.ProxyHost,
		Port:     p.ProxyPort,
		Username: p.ProxyUsername,
		Password: p.ProxyPassword,
	}
}

// TwitterAuthToken prefers the nested twitter token over the top-level one.
func (p *Profile) TwitterAuthToken() string {
	if p.Twitter != nil && p.Twitter.Token != "" {
		return p.Twitter.Token
	}
	return p.TwitterToken
}

var validate = validator.New()

func (p *Profile) applyDefaults() {
	if p.ProxyScheme == "" {
		p.ProxyScheme = "socks5"
	}
	if p.ProxyHost == "" {
		p.ProxyHost = "127.0.0.1"
	}
	if p.ProxyPort == 0 {
		p.ProxyPort = 1080
	}
}

// Validate checks the profile schema, including an explicit fingerprint.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if p.Fingerprint != nil {
		if err := p.Fingerprint.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
	}
	return nil
}

// Parse decodes a JSON or YAML profile document.
func Parse(data []byte) (*Profile, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidProfile)
	}
	var (
		p   Profile
		err error
	)
	if trimmed[0] == '{' {
		// tab-indented JSON is not valid YAML
		err = json.Unmarshal(trimmed, &p)
	} else {
		err = yaml.Unmarshal(trimmed, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and validates the profile file at path.
func Load(fs afero.Fs, path string) (*Profile, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidProfile, path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}
