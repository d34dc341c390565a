package blocks

// Preset is a stored data preset for one block type.
type Preset struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
	Rev  string         `json:"_rev,omitempty"`
}

func (p Preset) Key() string      { return p.ID }
func (p Preset) Revision() string { return p.Rev }

func (p Preset) WithRevision(rev string) Preset {
	p.Rev = rev
	return p
}

func (p Preset) Clone() Preset {
	p.Data = CloneData(p.Data)
	return p
}

// Layout is a builder process diagram stored in the datastore.
type Layout struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Parts  []Part `json:"parts"`
	Rev    string `json:"_rev,omitempty"`
}

func (l Layout) Key() string      { return l.ID }
func (l Layout) Revision() string { return l.Rev }

func (l Layout) WithRevision(rev string) Layout {
	l.Rev = rev
	return l
}

func (l Layout) WithID(id string) Layout {
	l.ID = id
	return l
}

func (l Layout) Clone() Layout {
	if l.Parts != nil {
		parts := make([]Part, len(l.Parts))
		for i, part := range l.Parts {
			part.Settings = CloneData(part.Settings)
			parts[i] = part
		}
		l.Parts = parts
	}
	return l
}

// Part is one placed element in a Layout.
type Part struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	X        int            `json:"x"`
	Y        int            `json:"y"`
	Rotate   int            `json:"rotate"`
	Flipped  bool           `json:"flipped,omitempty"`
	Settings map[string]any `json:"settings"`
}

// Process is an automation process definition stored in the datastore.
// Steps are kept as opaque data; running them belongs to the automation
// service on the device.
type Process struct {
	ID    string        `json:"id"`
	Title string        `json:"title"`
	Steps []ProcessStep `json:"steps"`
	Rev   string        `json:"_rev,omitempty"`
}

type ProcessStep struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Actions     []map[string]any `json:"actions"`
	Transitions []map[string]any `json:"transitions"`
}

func (p Process) Key() string      { return p.ID }
func (p Process) Revision() string { return p.Rev }

func (p Process) WithRevision(rev string) Process {
	p.Rev = rev
	return p
}

func (p Process) WithID(id string) Process {
	p.ID = id
	return p
}

func (p Process) Clone() Process {
	if p.Steps != nil {
		steps := make([]ProcessStep, len(p.Steps))
		for i, step := range p.Steps {
			step.Actions = cloneList(step.Actions)
			step.Transitions = cloneList(step.Transitions)
			steps[i] = step
		}
		p.Steps = steps
	}
	return p
}

func cloneList(in []map[string]any) []map[string]any {
	if in == nil {
		return nil
	}
	out := make([]map[string]any, len(in))
	for i, m := range in {
		out[i] = CloneData(m)
	}
	return out
}
