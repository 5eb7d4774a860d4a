package definitions

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// KBEntry is the metadata describing one knowledge-base item.
type KBEntry struct {
	Name        string   `yaml:"-"`
	Title       string   `yaml:"title"`
	RiskRating  string   `yaml:"risk_rating"`
	ShortDesc   string   `yaml:"short_description"`
	References  []string `yaml:"references"`
	Privacy     bool     `yaml:"privacy_issue"`
	Security    bool     `yaml:"security_issue"`
	Categories  []string `yaml:"categories"`
	Description string   `yaml:"-"`
}

// KBNotFoundError is returned when a knowledge-base name is not loaded.
type KBNotFoundError struct {
	Name string
}

func (e *KBNotFoundError) Error() string {
	return fmt.Sprintf("knowledge base entry %q not found", e.Name)
}

// KB maps entry names to metadata. It is populated once at startup.
type KB struct {
	entries map[string]KBEntry
}

// LoadKB walks fsys for <NAME>/meta.yaml files. The directory name, upper
// cased, becomes the lookup name.
func LoadKB(fsys fs.FS) (*KB, error) {
	kb := &KB{entries: make(map[string]KBEntry)}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Base(p) != "meta.yaml" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		var entry KBEntry
		if err := yaml.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		entry.Name = strings.ToUpper(path.Base(path.Dir(p)))
		if desc, err := fs.ReadFile(fsys, path.Join(path.Dir(p), "description.md")); err == nil {
			entry.Description = string(desc)
		}
		kb.entries[entry.Name] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load kb: %w", err)
	}
	return kb, nil
}

// Lookup returns the entry registered under name.
func (kb *KB) Lookup(name string) (KBEntry, error) {
	entry, ok := kb.entries[strings.ToUpper(name)]
	if !ok {
		return KBEntry{}, &KBNotFoundError{Name: name}
	}
	return entry, nil
}

// Names lists the loaded entries in sorted order.
func (kb *KB) Names() []string {
	names := make([]string, 0, len(kb.entries))
	for n := range kb.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
