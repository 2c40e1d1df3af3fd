package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"airdrop-automation/stealth"
)

// ErrCorruptProfile is returned when a persisted file exists but does not
// parse into a valid value. A torn write is corruption, never a partial
// success.
var ErrCorruptProfile = errors.New("corrupt profile")

const (
	FingerprintFile   = "fingerprint.json"
	SessionConfigFile = "browser-config.yaml"
)

// SessionConfig is the launch configuration of a profile's browser. It is
// rebuilt on every launch and persisted at clean teardown.
type SessionConfig struct {
	UserDataPath    string         `yaml:"user_data_path"`
	Language        string         `yaml:"language"`
	AcceptLanguages string         `yaml:"accept_languages"`
	Preferences     map[string]any `yaml:"preferences"`
	Arguments       []string       `yaml:"arguments"`
	UserAgent       string         `yaml:"user_agent"`
	Extensions      []string       `yaml:"extensions"`
	DebugPort       int            `yaml:"debug_port"`
	Headless        bool           `yaml:"headless"`
	FingerprintFile string         `yaml:"fingerprint_file"`
	BrowserBinary   string         `yaml:"browser_binary,omitempty"`
}

// Store reads and writes the files of profile directories.
type Store struct {
	fs afero.Fs
}

// NewStore creates a store on fs.
func NewStore(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// Fs exposes the underlying filesystem.
func (s *Store) Fs() afero.Fs { return s.fs }

// HasPersistedConfig reports whether dir holds a browser-config file.
func (s *Store) HasPersistedConfig(dir string) bool {
	ok, err := afero.Exists(s.fs, filepath.Join(dir, SessionConfigFile))
	return err == nil && ok
}

// HasFingerprint reports whether dir holds a fingerprint file.
func (s *Store) HasFingerprint(dir string) bool {
	ok, err := afero.Exists(s.fs, filepath.Join(dir, FingerprintFile))
	return err == nil && ok
}

// LoadFingerprint parses and validates the persisted fingerprint.
func (s *Store) LoadFingerprint(dir string) (*stealth.Fingerprint, error) {
	path := filepath.Join(dir, FingerprintFile)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read fingerprint: %w", err)
	}
	fp, err := DecodeFingerprint(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fp, nil
}

// DecodeFingerprint parses one strict fingerprint document: unknown
// fields, trailing data and invalid values are all corruption.
func DecodeFingerprint(data []byte) (*stealth.Fingerprint, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var fp stealth.Fingerprint
	if err := dec.Decode(&fp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptProfile, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after fingerprint", ErrCorruptProfile)
	}
	if err := fp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptProfile, err)
	}
	return &fp, nil
}

// SaveFingerprint atomically replaces the fingerprint file.
func (s *Store) SaveFingerprint(dir string, fp *stealth.Fingerprint) error {
	if err := fp.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fingerprint: %w", err)
	}
	return s.writeAtomic(dir, FingerprintFile, append(data, '\n'))
}

// LoadSessionConfig parses the persisted browser config.
func (s *Store) LoadSessionConfig(dir string) (*SessionConfig, error) {
	path := filepath.Join(dir, SessionConfigFile)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read session config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg SessionConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrCorruptProfile, err)
	}
	if cfg.UserDataPath == "" || cfg.FingerprintFile == "" {
		return nil, fmt.Errorf("%s: %w: missing user data path or fingerprint reference", path, ErrCorruptProfile)
	}
	return &cfg, nil
}

// SaveSessionConfig atomically replaces the browser config file.
func (s *Store) SaveSessionConfig(dir string, cfg *SessionConfig) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	return s.writeAtomic(dir, SessionConfigFile, buf.Bytes())
}

// SaveValue stores a small single-line value such as an extension URL.
func (s *Store) SaveValue(dir, name, value string) error {
	return s.writeAtomic(dir, name, []byte(value))
}

// LoadValue returns a value stored with SaveValue. A missing value is
// os.ErrNotExist.
func (s *Store) LoadValue(dir, name string) (string, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// writeAtomic writes to a temp file in dir, syncs it and renames it over
// name, so readers see either the old or the new content.
func (s *Store) writeAtomic(dir, name string, data []byte) error {
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := s.fs.Chmod(tmpName, 0o644); err != nil && !errors.Is(err, os.ErrNotExist) {
		cleanup()
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := s.fs.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
