package step

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
)

// AddModelConfig appends a YAML fragment of model options. Fragments are Go
// templates; {{config "section" "key"}} reads the merged config. Later
// fragments override earlier ones key by key.
func (s *Step) AddModelConfig(fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelFiles = append(s.modelFiles, fragment)
}

// ModelConfig returns the options last written to the model config file.
func (s *Step) ModelConfig() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelPlan
}

// ModelConfigFile is the name of the rendered model config file.
func (s *Step) ModelConfigFile() string {
	return s.modelOutFile
}

func (s *Step) hasModelConfig() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.modelFiles) > 0 || s.configurer != nil
}

// renderModelConfig merges every fragment, rendered against cfg, into one map.
func (s *Step) renderModelConfig(cfg *caseconfig.Config) (map[string]any, error) {
	s.mu.Lock()
	fragments := append([]string(nil), s.modelFiles...)
	s.mu.Unlock()

	funcs := template.FuncMap{
		"config": func(section, key string) (string, error) {
			if cfg == nil {
				return "", fmt.Errorf("no config for [%s] %s", section, key)
			}
			return cfg.Get(section, key)
		},
	}

	merged := map[string]any{}
	for i, fragment := range fragments {
		tmpl, err := template.New(fmt.Sprintf("%s-%d", s.name, i)).Funcs(funcs).Option("missingkey=error").Parse(fragment)
		if err != nil {
			return nil, fmt.Errorf("parse model config fragment %d: %w", i, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, nil); err != nil {
			return nil, fmt.Errorf("render model config fragment %d: %w", i, err)
		}
		var values map[string]any
		if err := yaml.Unmarshal(buf.Bytes(), &values); err != nil {
			return nil, fmt.Errorf("decode model config fragment %d: %w", i, err)
		}
		mergeOptions(merged, values)
	}
	return merged, nil
}

// writeModelConfig stores options and writes them to the step directory.
func (s *Step) writeModelConfig(dir string, options map[string]any) error {
	data, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, s.modelOutFile), data, 0644); err != nil {
		return fmt.Errorf("write model config: %w", err)
	}
	s.mu.Lock()
	s.modelPlan = options
	s.mu.Unlock()
	return nil
}

// mergeOptions overlays src onto dst, recursing into nested maps.
func mergeOptions(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeOptions(existing, sub)
				continue
			}
			cp := map[string]any{}
			mergeOptions(cp, sub)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}

func cloneOptions(src map[string]any) map[string]any {
	out := map[string]any{}
	mergeOptions(out, src)
	return out
}
