package caseconfig

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// Tier orders layers by precedence. Higher tiers win regardless of the order
// in which layers were added; within a tier the last added layer wins.
type Tier int

const (
	// TierDefault holds built-in defaults.
	TierDefault Tier = iota
	// TierPackage holds defaults bundled with a component or task package.
	TierPackage
	// TierShared holds a shared or task overlay file.
	TierShared
	// TierUser holds the user-supplied config file.
	TierUser
	// TierOverride holds values written with Set.
	TierOverride
)

func (t Tier) String() string {
	switch t {
	case TierDefault:
		return "default"
	case TierPackage:
		return "package"
	case TierShared:
		return "shared"
	case TierUser:
		return "user"
	case TierOverride:
		return "override"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// layer is one source of section/key/value triples.
type layer struct {
	name     string
	tier     Tier
	values   map[string]map[string]string
	comments map[string]map[string]string
	sections []string
	keys     map[string][]string
}

func newLayer(name string, tier Tier) *layer {
	return &layer{
		name:     name,
		tier:     tier,
		values:   make(map[string]map[string]string),
		comments: make(map[string]map[string]string),
		keys:     make(map[string][]string),
	}
}

var loadOptions = ini.LoadOptions{
	InsensitiveKeys:            true,
	AllowPythonMultilineValues: true,
	IgnoreInlineComment:        true,
	SpaceBeforeInlineComment:   true,
}

// parseLayer reads INI text into a layer.
func parseLayer(name string, tier Tier, data []byte) (*layer, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	l := newLayer(name, tier)
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		for _, k := range sec.Keys() {
			l.set(sec.Name(), k.Name(), k.Value(), strings.TrimSpace(k.Comment))
		}
	}
	return l, nil
}

func (l *layer) set(section, key, value, comment string) {
	key = normalizeKey(key)
	sec, ok := l.values[section]
	if !ok {
		sec = make(map[string]string)
		l.values[section] = sec
		l.comments[section] = make(map[string]string)
		l.sections = append(l.sections, section)
	}
	if _, exists := sec[key]; !exists {
		l.keys[section] = append(l.keys[section], key)
	}
	sec[key] = value
	if comment != "" {
		l.comments[section][key] = comment
	}
}

func (l *layer) get(section, key string) (string, bool) {
	sec, ok := l.values[section]
	if !ok {
		return "", false
	}
	v, ok := sec[key]
	return v, ok
}

func (l *layer) clone() *layer {
	c := newLayer(l.name, l.tier)
	for _, section := range l.sections {
		for _, key := range l.keys[section] {
			c.set(section, key, l.values[section][key], l.comments[section][key])
		}
	}
	return c
}

// orderLayers returns layers from lowest to highest precedence.
func orderLayers(layers []*layer) []*layer {
	ordered := append([]*layer(nil), layers...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].tier < ordered[j].tier
	})
	return ordered
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
