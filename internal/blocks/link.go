package blocks

import "encoding/json"

const linkTypeTag = "Link"

// Link is an address embedded inside block data. A nil ID is an absent reference.
type Link struct {
	ID   *string `json:"id"`
	Type string  `json:"type,omitempty"`
}

// LinkTo builds a link to id constrained to typ (typ may be empty).
func LinkTo(id, typ string) Link {
	return Link{ID: &id, Type: typ}
}

// NullLink builds an absent link constrained to typ.
func NullLink(typ string) Link {
	return Link{Type: typ}
}

func (l Link) IsNull() bool {
	return l.ID == nil || *l.ID == ""
}

// Target returns the linked id, or "" when null.
func (l Link) Target() string {
	if l.IsNull() {
		return ""
	}
	return *l.ID
}

func (l Link) clone() Link {
	if l.ID == nil {
		return l
	}
	id := *l.ID
	return Link{ID: &id, Type: l.Type}
}

// Value returns the wire shape stored inside block data.
func (l Link) Value() map[string]any {
	out := map[string]any{"__bloxtype": linkTypeTag, "id": nil}
	if !l.IsNull() {
		out["id"] = *l.ID
	}
	if l.Type != "" {
		out["type"] = l.Type
	}
	return out
}

// ParseLink accepts a Link value or its decoded wire shape.
func ParseLink(v any) (Link, bool) {
	switch t := v.(type) {
	case Link:
		return t, true
	case *Link:
		if t == nil {
			return Link{}, false
		}
		return *t, true
	case map[string]any:
		if tag, _ := t["__bloxtype"].(string); tag != linkTypeTag {
			return Link{}, false
		}
		var l Link
		if id, ok := t["id"].(string); ok {
			l.ID = &id
		}
		l.Type, _ = t["type"].(string)
		return l, true
	default:
		return Link{}, false
	}
}

// MarshalJSON writes the tagged wire shape so links survive a round trip
// through block data.
func (l Link) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Value())
}
