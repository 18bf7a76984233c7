// Package caseconfig implements the layered INI configuration shared by
// components, tasks and steps.
//
// A Config is a stack of layers (built-in defaults, package defaults, shared
// overlays, the user file and programmatic overrides). Lookups walk the stack
// from the most local layer down, then expand ${section:key} references
// against the merged view. Typed getters parse on every call, so a Set is
// visible to the next read.
package caseconfig

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config is a layered key/value store with interpolation and typed accessors.
type Config struct {
	mu       sync.RWMutex
	layers   []*layer
	override *layer
	filepath string
	frozen   bool
}

// New creates an empty config.
func New() *Config {
	c := &Config{override: newLayer("overrides", TierOverride)}
	c.layers = []*layer{c.override}
	return c
}

// NewFromFile creates a config whose first layer is the user file at path.
func NewFromFile(path string) (*Config, error) {
	c := New()
	if err := c.AddUserConfig(path); err != nil {
		return nil, err
	}
	return c, nil
}

// AddFromPackage appends a bundled default file as a package-tier layer. The
// file system is usually an embed.FS owned by the component or task package.
// Anything already set in a higher tier keeps its precedence.
func (c *Config) AddFromPackage(pkg fs.FS, filename string) error {
	data, err := fs.ReadFile(pkg, filename)
	if err != nil {
		return fmt.Errorf("read package config %s: %w", filename, err)
	}
	return c.addLayer(filename, TierPackage, data)
}

// AddDefaults appends a built-in defaults layer from INI text.
func (c *Config) AddDefaults(name, text string) error {
	return c.addLayer(name, TierDefault, []byte(text))
}

// AddFromString appends a layer from INI text at the given tier.
func (c *Config) AddFromString(name string, tier Tier, text string) error {
	return c.addLayer(name, tier, []byte(text))
}

// AddFromFile appends a defaults file read from disk as a package-tier layer.
func (c *Config) AddFromFile(path string) error {
	return c.addFile(path, TierPackage)
}

// AddSharedFile appends a shared overlay file (one .cfg used by several tasks).
func (c *Config) AddSharedFile(path string) error {
	return c.addFile(path, TierShared)
}

// AddUserConfig appends the user-supplied config file. It outranks every
// default and shared layer, including ones added after it.
func (c *Config) AddUserConfig(path string) error {
	return c.addFile(path, TierUser)
}

func (c *Config) addFile(path string, tier Tier) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return c.addLayer(path, tier, data)
}

func (c *Config) addLayer(name string, tier Tier, data []byte) error {
	l, err := parseLayer(name, tier, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrFrozen
	}
	c.layers = append(c.layers, l)
	return nil
}

// Set writes value into the override layer. Defaults are never mutated.
func (c *Config) Set(section, key, value, comment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return fmt.Errorf("set [%s] %s: %w", section, key, ErrFrozen)
	}
	c.override.set(section, key, value, comment)
	return nil
}

// Freeze rejects further mutation. The orchestrator freezes every config
// before the first step runs.
func (c *Config) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// Frozen reports whether Freeze has been called.
func (c *Config) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Filepath is the canonical location of this config on disk, if any.
func (c *Config) Filepath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filepath
}

// SetFilepath sets the canonical location used by WriteFile callers.
func (c *Config) SetFilepath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filepath = path
}

// Clone returns an independent, unfrozen copy of every layer.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &Config{filepath: c.filepath}
	for _, l := range c.layers {
		cl := l.clone()
		if l == c.override {
			out.override = cl
		}
		out.layers = append(out.layers, cl)
	}
	return out
}

// raw returns the uninterpolated merged value and the layer that supplied it.
func (c *Config) raw(section, key string) (string, *layer, bool) {
	ordered := orderLayers(c.layers)
	for i := len(ordered) - 1; i >= 0; i-- {
		if v, ok := ordered[i].get(section, key); ok {
			return v, ordered[i], true
		}
	}
	return "", nil, false
}

// Has reports whether any layer defines the option.
func (c *Config) Has(section, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, _, ok := c.raw(section, normalizeKey(key))
	return ok
}

// HasSection reports whether any layer defines the section.
func (c *Config) HasSection(section string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, l := range c.layers {
		if _, ok := l.values[section]; ok {
			return true
		}
	}
	return false
}

// Sections returns section names in order of first appearance from the
// lowest-precedence layer up.
func (c *Config) Sections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sectionsLocked()
}

func (c *Config) sectionsLocked() []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range orderLayers(c.layers) {
		for _, s := range l.sections {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Keys returns the keys of a section across all layers.
func (c *Config) Keys(section string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keysLocked(section)
}

func (c *Config) keysLocked(section string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range orderLayers(c.layers) {
		for _, k := range l.keys[section] {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// Source names the layer that supplies the merged value of an option.
func (c *Config) Source(section, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, l, ok := c.raw(section, normalizeKey(key))
	if !ok {
		return "", &MissingOptionError{Section: section, Key: key}
	}
	return fmt.Sprintf("%s (%s)", l.name, l.tier), nil
}

// Write persists the merged, uninterpolated configuration with comments.
func (c *Config) Write(w io.Writer) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bw := bufio.NewWriter(w)
	for i, section := range c.sectionsLocked() {
		if i > 0 {
			bw.WriteString("\n")
		}
		fmt.Fprintf(bw, "[%s]\n", section)
		for _, key := range c.keysLocked(section) {
			value, l, _ := c.raw(section, key)
			if comment := l.comments[section][key]; comment != "" {
				bw.WriteString("\n")
				for _, line := range strings.Split(comment, "\n") {
					line = strings.TrimSpace(line)
					if !strings.HasPrefix(line, "#") && !strings.HasPrefix(line, ";") {
						line = "# " + line
					}
					bw.WriteString(line + "\n")
				}
			}
			lines := strings.Split(value, "\n")
			fmt.Fprintf(bw, "%s = %s\n", key, lines[0])
			for _, cont := range lines[1:] {
				fmt.Fprintf(bw, "\t%s\n", cont)
			}
		}
	}
	return bw.Flush()
}

// WriteFile writes the config to path, creating parent directories.
func (c *Config) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	if err := c.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return f.Close()
}
