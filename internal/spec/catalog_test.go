package spec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/testutil/testlog"
)

func TestBuiltinCatalogValid(t *testing.T) {
	testlog.Start(t)
	c, err := NewCatalog(Builtin())
	if err != nil {
		t.Fatalf("builtin catalog invalid: %v", err)
	}
	if len(c.Types()) != len(Builtin()) {
		t.Fatalf("types=%v", c.Types())
	}
	if _, ok := c.ByType(TypePid); !ok {
		t.Fatalf("missing Pid")
	}
}

func TestGenerateIsIndependentAndComplete(t *testing.T) {
	testlog.Start(t)
	c, err := NewCatalog(Builtin())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	a, err := c.Generate(TypePid)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a["kp"].(map[string]any)["value"] = 99.0

	b, err := c.Generate(TypePid)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if b["kp"].(map[string]any)["value"] != 0.0 {
		t.Fatalf("generated defaults leaked between calls: %v", b["kp"])
	}
	link, ok := blocks.ParseLink(b["inputId"])
	if !ok || !link.IsNull() || link.Type != InterfaceSetpoint {
		t.Fatalf("link default not generated: %#v", b["inputId"])
	}
	if _, err := c.Generate("Nope"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
}

func TestApplyPresetAndFieldLookup(t *testing.T) {
	testlog.Start(t)
	c, err := NewCatalog(Builtin())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	b, err := c.NewBlock("spark-one", "pid-1", TypePid)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	out, err := c.ApplyPreset(b, "Kettle")
	if err != nil {
		t.Fatalf("apply preset: %v", err)
	}
	if out.Data["kp"].(map[string]any)["value"] != 10.0 {
		t.Fatalf("preset not applied: %v", out.Data["kp"])
	}
	if b.Data["kp"].(map[string]any)["value"] != 0.0 {
		t.Fatalf("preset mutated the input block")
	}
	if _, err := c.ApplyPreset(b, "missing"); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("expected unknown preset, got %v", err)
	}

	f, ok := c.Field(blocks.FieldAddress{ServiceID: "spark-one", ID: "pid-1", Type: TypePid, Field: "outputId"})
	if !ok || f.Kind != KindLink || f.LinkType != InterfaceActuatorAnalog {
		t.Fatalf("field lookup: %+v ok=%v", f, ok)
	}
	if _, ok := c.Field(blocks.FieldAddress{ID: "pid-1", Field: "outputId"}); ok {
		t.Fatalf("typeless address must not resolve")
	}
}

func TestValidateRejectsBadSpecs(t *testing.T) {
	testlog.Start(t)
	cases := []Spec{
		{Type: ""},
		{Type: "A", Fields: []Field{{Key: "x", Kind: KindBool}, {Key: "x", Kind: KindBool}}},
		{Type: "A", Fields: []Field{{Key: "x", Kind: "colour"}}},
		{Type: "A", Fields: []Field{{Key: "x", Kind: KindLink}}},
		{Type: "A", Presets: []Preset{{Name: "p"}, {Name: "p"}}},
	}
	for i, s := range cases {
		if err := Validate(s); !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("case %d: expected invalid spec, got %v", i, err)
		}
	}
	if _, err := NewCatalog([]Spec{{Type: "A"}, {Type: "A"}}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected duplicate type rejection, got %v", err)
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadTomlOverridesBuiltin(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "catalog.toml", `
[[spec]]
type = "Pid"
title = "PID (site)"

[[spec.fields]]
key = "enabled"
title = "Enabled"
kind = "bool"
default = true

[[spec]]
type = "Spark3Pins"
title = "Spark 3 IO"

[spec.defaults]
channels = 5
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	pid, _ := c.ByType(TypePid)
	if pid.Title != "PID (site)" || len(pid.Fields) != 1 {
		t.Fatalf("override not applied: %+v", pid)
	}
	data, err := c.Generate("Spark3Pins")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if data["channels"] != 5.0 {
		t.Fatalf("toml integers should normalize to float64, got %#v", data["channels"])
	}
}

func TestLoadTomlRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "catalog.toml", `
[[spec]]
type = "X"
colour = "red"
`)
	if _, err := Load(path); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected unknown key rejection, got %v", err)
	}
}

func TestLoadYaml(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "catalog.yaml", `
spec:
  - type: Valve
    title: Motor Valve
    fields:
      - key: hwDevice
        title: Target
        kind: link
        link_type: IoArrayInterface
    presets:
      - name: closed
        data:
          desiredState: 0
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := c.NewBlock("spark-one", "valve-1", "Valve")
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	out, err := c.ApplyPreset(b, "closed")
	if err != nil || out.Data["desiredState"] != 0.0 {
		t.Fatalf("yaml preset: %#v err=%v", out.Data, err)
	}

	bad := writeFile(t, "bad.yaml", "spec:\n  - type: X\n    colour: red\n")
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected unknown yaml key rejection")
	}
	if _, err := Load(writeFile(t, "catalog.json", "{}")); err == nil {
		t.Fatalf("expected unsupported extension")
	}
}
