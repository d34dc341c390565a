// Package spec holds the process-wide, read-only block type catalog.
package spec

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/blocksync/internal/blocks"
)

var (
	ErrUnknownType   = errors.New("spec: unknown block type")
	ErrUnknownPreset = errors.New("spec: unknown preset")
	ErrInvalidSpec   = errors.New("spec: invalid spec")
)

// Field kinds understood by the catalog.
const (
	KindBool     = "bool"
	KindNumber   = "number"
	KindString   = "string"
	KindQuantity = "quantity"
	KindDuration = "duration"
	KindDatetime = "datetime"
	KindLink     = "link"
	KindObject   = "object"
)

var validKinds = map[string]bool{
	KindBool: true, KindNumber: true, KindString: true, KindQuantity: true,
	KindDuration: true, KindDatetime: true, KindLink: true, KindObject: true,
}

// Spec is the static schema for one block type.
type Spec struct {
	Type     string         `toml:"type" yaml:"type" json:"type"`
	Title    string         `toml:"title" yaml:"title" json:"title"`
	Role     string         `toml:"role" yaml:"role" json:"role,omitempty"`
	Fields   []Field        `toml:"fields" yaml:"fields" json:"fields"`
	Presets  []Preset       `toml:"presets" yaml:"presets" json:"presets,omitempty"`
	Defaults map[string]any `toml:"defaults" yaml:"defaults" json:"defaults"`
}

// Field describes one editable key of a block's data.
type Field struct {
	Key      string `toml:"key" yaml:"key" json:"key"`
	Title    string `toml:"title" yaml:"title" json:"title"`
	Kind     string `toml:"kind" yaml:"kind" json:"kind"`
	LinkType string `toml:"link_type" yaml:"link_type" json:"linkType,omitempty"`
	Default  any    `toml:"default" yaml:"default" json:"default,omitempty"`
	Readonly bool   `toml:"readonly" yaml:"readonly" json:"readonly,omitempty"`
}

// Preset is a named partial payload applied over a block's data.
type Preset struct {
	Name string         `toml:"name" yaml:"name" json:"name"`
	Data map[string]any `toml:"data" yaml:"data" json:"data"`
}

// Catalog is immutable after construction and safe for concurrent reads.
type Catalog struct {
	byType map[string]Spec
	types  []string
}

// NewCatalog validates specs and freezes them. Duplicate types are rejected.
func NewCatalog(specs []Spec) (*Catalog, error) {
	c := &Catalog{byType: make(map[string]Spec, len(specs))}
	for i, s := range specs {
		if err := Validate(s); err != nil {
			return nil, fmt.Errorf("spec[%d]: %w", i, err)
		}
		if _, ok := c.byType[s.Type]; ok {
			return nil, fmt.Errorf("%w: duplicate type %q", ErrInvalidSpec, s.Type)
		}
		c.byType[s.Type] = freeze(s)
		c.types = append(c.types, s.Type)
	}
	sort.Strings(c.types)
	return c, nil
}

// MustNewCatalog is NewCatalog for tables known to be valid, such as Builtin.
func MustNewCatalog(specs []Spec) *Catalog {
	c, err := NewCatalog(specs)
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks one spec in isolation.
func Validate(s Spec) error {
	if strings.TrimSpace(s.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidSpec)
	}
	keys := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if strings.TrimSpace(f.Key) == "" {
			return fmt.Errorf("%w: %s: field key is required", ErrInvalidSpec, s.Type)
		}
		if keys[f.Key] {
			return fmt.Errorf("%w: %s: duplicate field %q", ErrInvalidSpec, s.Type, f.Key)
		}
		keys[f.Key] = true
		if !validKinds[f.Kind] {
			return fmt.Errorf("%w: %s.%s: unknown kind %q", ErrInvalidSpec, s.Type, f.Key, f.Kind)
		}
		if f.Kind == KindLink && strings.TrimSpace(f.LinkType) == "" {
			return fmt.Errorf("%w: %s.%s: link field requires link_type", ErrInvalidSpec, s.Type, f.Key)
		}
	}
	names := make(map[string]bool, len(s.Presets))
	for _, p := range s.Presets {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: %s: preset name is required", ErrInvalidSpec, s.Type)
		}
		if names[p.Name] {
			return fmt.Errorf("%w: %s: duplicate preset %q", ErrInvalidSpec, s.Type, p.Name)
		}
		names[p.Name] = true
	}
	return nil
}

// Types lists catalog types in sorted order.
func (c *Catalog) Types() []string {
	return append([]string(nil), c.types...)
}

// ByType returns a copy of the spec for typ.
func (c *Catalog) ByType(typ string) (Spec, bool) {
	s, ok := c.byType[typ]
	if !ok {
		return Spec{}, false
	}
	return freeze(s), true
}

// Field resolves the field spec for a field address. The address must carry a type.
func (c *Catalog) Field(addr blocks.FieldAddress) (Field, bool) {
	if addr.Type == "" || addr.Field == "" {
		return Field{}, false
	}
	s, ok := c.byType[addr.Type]
	if !ok {
		return Field{}, false
	}
	for _, f := range s.Fields {
		if f.Key == addr.Field {
			return f, true
		}
	}
	return Field{}, false
}

// Generate returns a fresh default payload for typ.
func (c *Catalog) Generate(typ string) (map[string]any, error) {
	s, ok := c.byType[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	data := blocks.CloneData(s.Defaults)
	if data == nil {
		data = make(map[string]any, len(s.Fields))
	}
	for _, f := range s.Fields {
		if _, ok := data[f.Key]; ok {
			continue
		}
		data[f.Key] = fieldDefault(f)
	}
	return data, nil
}

// NewBlock builds an unsaved block of typ with generated defaults.
func (c *Catalog) NewBlock(serviceID, id, typ string) (blocks.Block, error) {
	data, err := c.Generate(typ)
	if err != nil {
		return blocks.Block{}, err
	}
	return blocks.Block{
		ServiceID: serviceID,
		ID:        id,
		Type:      typ,
		Groups:    []int{0},
		Data:      data,
	}, nil
}

// ApplyPreset returns a copy of b with the named preset merged into its data.
func (c *Catalog) ApplyPreset(b blocks.Block, name string) (blocks.Block, error) {
	s, ok := c.byType[b.Type]
	if !ok {
		return blocks.Block{}, fmt.Errorf("%w: %q", ErrUnknownType, b.Type)
	}
	for _, p := range s.Presets {
		if p.Name != name {
			continue
		}
		out := b.Clone()
		if out.Data == nil {
			out.Data = make(map[string]any, len(p.Data))
		}
		for k, v := range blocks.CloneData(p.Data) {
			out.Data[k] = v
		}
		return out, nil
	}
	return blocks.Block{}, fmt.Errorf("%w: %s/%q", ErrUnknownPreset, b.Type, name)
}

func fieldDefault(f Field) any {
	if f.Default != nil {
		if m, ok := f.Default.(map[string]any); ok {
			return blocks.CloneData(m)
		}
		return f.Default
	}
	switch f.Kind {
	case KindLink:
		return blocks.NullLink(f.LinkType).Value()
	case KindBool:
		return false
	case KindNumber:
		return 0.0
	case KindString:
		return ""
	default:
		return nil
	}
}

// freeze deep copies the mutable parts of s.
func freeze(s Spec) Spec {
	out := s
	out.Fields = append([]Field(nil), s.Fields...)
	for i := range out.Fields {
		if m, ok := out.Fields[i].Default.(map[string]any); ok {
			out.Fields[i].Default = blocks.CloneData(m)
		}
	}
	out.Presets = make([]Preset, len(s.Presets))
	for i, p := range s.Presets {
		out.Presets[i] = Preset{Name: p.Name, Data: blocks.CloneData(p.Data)}
	}
	out.Defaults = blocks.CloneData(s.Defaults)
	return out
}
