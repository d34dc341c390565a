package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Specs []Spec `toml:"spec" yaml:"spec"`
}

// Load builds the catalog from the builtin table plus files. A file spec
// replaces the builtin spec of the same type.
func Load(paths ...string) (*Catalog, error) {
	order := make([]string, 0)
	merged := make(map[string]Spec)
	add := func(s Spec) {
		if _, ok := merged[s.Type]; !ok {
			order = append(order, s.Type)
		}
		merged[s.Type] = s
	}
	for _, s := range Builtin() {
		add(s)
	}
	for _, path := range paths {
		specs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(specs))
		for _, s := range specs {
			if seen[s.Type] {
				return nil, fmt.Errorf("%w: %s: duplicate type %q", ErrInvalidSpec, path, s.Type)
			}
			seen[s.Type] = true
			add(s)
		}
	}
	out := make([]Spec, 0, len(order))
	for _, typ := range order {
		out = append(out, merged[typ])
	}
	return NewCatalog(out)
}

// LoadFile decodes one catalog file; the format follows the extension
// (.toml, .yaml, .yml). Unknown keys are rejected.
func LoadFile(path string) ([]Spec, error) {
	var f catalogFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &f)
		if err != nil {
			return nil, fmt.Errorf("catalog parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("%w: %s: unknown keys %s", ErrInvalidSpec, path, strings.Join(keys, ", "))
		}
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("catalog load failed (%s): %w", path, err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("catalog parse failed (%s): %w", path, err)
		}
	default:
		return nil, fmt.Errorf("catalog %s: unsupported extension", path)
	}
	for i := range f.Specs {
		normalizeSpec(&f.Specs[i])
		if err := Validate(f.Specs[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Specs, nil
}

// normalizeSpec maps decoder-specific number types onto the JSON model.
func normalizeSpec(s *Spec) {
	if s.Defaults != nil {
		s.Defaults = normalizeValue(s.Defaults).(map[string]any)
	}
	for i := range s.Fields {
		s.Fields[i].Default = normalizeValue(s.Fields[i].Default)
	}
	for i := range s.Presets {
		if s.Presets[i].Data != nil {
			s.Presets[i].Data = normalizeValue(s.Presets[i].Data).(map[string]any)
		}
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i])
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i])
		}
		return out
	default:
		return v
	}
}
