package blocks

import (
	"encoding/json"
	"strings"
)

// Doc is anything mirrored by revision-aware reconciliation.
type Doc interface {
	Key() string
	Revision() string
}

// Block is one typed record owned by a controller service.
type Block struct {
	ServiceID string         `json:"serviceId"`
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Groups    []int          `json:"groups"`
	Data      map[string]any `json:"data"`
	Rev       string         `json:"_rev,omitempty"`
}

func (b Block) Key() string      { return b.ID }
func (b Block) Revision() string { return b.Rev }

// WithRevision returns b carrying rev.
func (b Block) WithRevision(rev string) Block {
	b.Rev = rev
	return b
}

// Address returns the non-owning reference for b.
func (b Block) Address() Address {
	return Address{ServiceID: b.ServiceID, ID: b.ID, Type: b.Type}
}

// Clone returns a deep copy; mutating the copy never touches b.
func (b Block) Clone() Block {
	out := b
	if b.Groups != nil {
		out.Groups = append([]int(nil), b.Groups...)
	}
	out.Data = CloneData(b.Data)
	return out
}

// Address references a block by identity.
type Address struct {
	ServiceID string `json:"serviceId"`
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
}

func (a Address) String() string {
	return a.ServiceID + "/" + a.ID
}

// Valid reports whether both identity parts are set.
func (a Address) Valid() bool {
	return strings.TrimSpace(a.ServiceID) != "" && strings.TrimSpace(a.ID) != ""
}

// FieldAddress points at one key inside a block's data.
// Nested keys are separated by '/'.
type FieldAddress struct {
	ServiceID string `json:"serviceId"`
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Field     string `json:"field"`
}

func (f FieldAddress) Address() Address {
	return Address{ServiceID: f.ServiceID, ID: f.ID, Type: f.Type}
}

// FieldValue resolves a nested data key. Missing keys yield (nil, false).
func (b Block) FieldValue(field string) (any, bool) {
	field = strings.Trim(field, "/")
	if field == "" {
		return nil, false
	}
	var cur any = b.Data
	for _, part := range strings.Split(field, "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// CloneData deep copies a JSON-shaped payload.
func CloneData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case Link:
		return t.clone()
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}
