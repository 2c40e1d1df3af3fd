package session

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// discoverExtensions lists the unpacked extensions to load: every
// directory under dir when it exists, otherwise the fallbacks. The wallet
// extension is appended last and must exist when configured.
func discoverExtensions(fs afero.Fs, dir string, fallbacks []string, wallet string) ([]string, error) {
	var exts []string

	walletBase := ""
	if wallet != "" {
		walletBase = filepath.Base(wallet)
	}

	if ok, _ := afero.DirExists(fs, dir); ok {
		entries, err := afero.ReadDir(fs, dir)
		if err != nil {
			return nil, fmt.Errorf("read extensions dir: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() || e.Name() == walletBase {
				continue
			}
			exts = append(exts, absPath(filepath.Join(dir, e.Name())))
		}
		sort.Strings(exts)
	} else {
		for _, f := range fallbacks {
			exts = append(exts, absPath(f))
		}
	}

	if wallet != "" {
		if ok, _ := afero.DirExists(fs, wallet); !ok {
			return nil, fmt.Errorf("%w: wallet extension not found at %s", ErrExtensionMissing, wallet)
		}
		exts = append(exts, absPath(wallet))
	}
	return exts, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// MergePreferences writes prefs into the Chromium Preferences file at path,
// keeping every other setting. Dotted keys address nested objects, the
// way Chromium stores them. An unreadable file is replaced.
func MergePreferences(fs afero.Fs, path string, prefs map[string]any) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil || !gjson.ValidBytes(data) {
		data = []byte("{}")
	}

	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if data, err = sjson.SetBytes(data, k, prefs[k]); err != nil {
			return fmt.Errorf("set preference %s: %w", k, err)
		}
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}
	return afero.WriteFile(fs, path, data, 0o644)
}
