package boot

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/wnxd/microloader/filesystem"
)

// ModuleEntry names one module image to load at start-up.
type ModuleEntry struct {
	Path  string   `yaml:"path"`
	Args  []string `yaml:"args,omitempty"`
	Modes []string `yaml:"modes,omitempty"`
}

// Manifest is the start-up module set. Entries load in order; an entry
// without modes applies to every boot mode.
type Manifest struct {
	Modules []ModuleEntry `yaml:"modules"`
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("boot: parse manifest: %w", err)
	}
	for i, entry := range m.Modules {
		if entry.Path == "" {
			return nil, fmt.Errorf("boot: manifest module %d: missing path", i)
		}
		for _, mode := range entry.Modes {
			if ParseMode(mode) == Mode_Unknown {
				return nil, fmt.Errorf("boot: manifest module %d: unknown mode %q", i, mode)
			}
		}
	}
	return &m, nil
}

func ReadManifest(fsys filesystem.FS, name string) (*Manifest, error) {
	f, err := fsys.OpenFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// Matches reports whether the entry applies to mode.
func (e ModuleEntry) Matches(mode Mode) bool {
	if len(e.Modes) == 0 {
		return true
	}
	for _, s := range e.Modes {
		if ParseMode(s) == mode {
			return true
		}
	}
	return false
}

// Select returns the entries applying to mode, in manifest order.
func (m *Manifest) Select(mode Mode) []ModuleEntry {
	entries := make([]ModuleEntry, 0, len(m.Modules))
	for _, entry := range m.Modules {
		if entry.Matches(mode) {
			entries = append(entries, entry)
		}
	}
	return entries
}
