package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/remote"
	"github.com/danmuck/blocksync/internal/spec"
	"github.com/danmuck/blocksync/internal/testutil/testlog"
)

func TestPresetsSyncThroughRegistry(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	blockMem := remote.NewMemory[blocks.Block]()
	presetMem := remote.NewMemory[blocks.Preset]()
	presetMem.Put(DefaultPresetScope, blocks.Preset{ID: "p-cold", Type: spec.TypePid, Name: "Cold crash", Data: map[string]any{"kp": 40.0}})

	reg := NewRegistry(Config{
		Blocks:     blockMem,
		BlockFeed:  blockMem,
		Presets:    presetMem,
		PresetFeed: presetMem,
		Backoff:    testBackoff(),
	})
	t.Cleanup(reg.Close)
	if err := reg.StartPresets(ctx); err != nil {
		t.Fatalf("start presets: %v", err)
	}
	if err := reg.StartPresets(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	if got := reg.PresetsOfType(spec.TypePid); len(got) != 1 || got[0].Name != "Cold crash" {
		t.Fatalf("presets=%+v", got)
	}

	created, err := reg.CreatePreset(ctx, blocks.Preset{ID: "p-warm", Type: spec.TypePid, Name: "Warm", Data: map[string]any{"kp": 5.0}})
	if err != nil {
		t.Fatalf("create preset: %v", err)
	}
	if created.Rev == "" {
		t.Fatalf("created preset without rev")
	}
	presetMem.Delete(DefaultPresetScope, "p-cold")
	waitFor(t, "preset delete", func() bool {
		_, ok := reg.PresetByID("p-cold")
		return !ok
	})

	blockMem.Put(testService, pidBlock("pid"))
	if err := reg.AddService(ctx, testService); err != nil {
		t.Fatalf("add service: %v", err)
	}
	applied, err := reg.ApplyStoredPreset(ctx, blocks.Address{ServiceID: testService, ID: "pid"}, "p-warm")
	if err != nil {
		t.Fatalf("apply preset: %v", err)
	}
	if applied.Data["kp"] != 5.0 || applied.Data["enabled"] != true {
		t.Fatalf("applied data=%v", applied.Data)
	}

	if err := reg.RemovePreset(ctx, "p-warm"); err != nil {
		t.Fatalf("remove preset: %v", err)
	}
	if err := reg.RemovePreset(ctx, "p-warm"); err != nil {
		t.Fatalf("second remove preset: %v", err)
	}
}

func TestPresetsUnconfigured(t *testing.T) {
	testlog.Start(t)
	reg, _ := newTestRegistry(t)
	if err := reg.StartPresets(context.Background()); err != nil {
		t.Fatalf("start presets: %v", err)
	}
	if _, err := reg.CreatePreset(context.Background(), blocks.Preset{ID: "x"}); !errors.Is(err, ErrNoPresets) {
		t.Fatalf("expected ErrNoPresets, got %v", err)
	}
	if got := reg.Presets(); got != nil {
		t.Fatalf("presets=%v", got)
	}
}

func TestLayoutCollectionLifecycle(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	mem := remote.NewMemory[blocks.Layout]()
	hub := NewHub()
	changes, cancel := hub.Watch(8)
	defer cancel()

	layouts := NewCollection(CollectionConfig[blocks.Layout]{
		Name:    "layouts",
		Scope:   "layouts",
		Store:   mem,
		Feed:    mem,
		Backoff: testBackoff(),
		Hub:     hub,
	})
	if _, err := layouts.Create(ctx, blocks.Layout{ID: "l1"}); !errors.Is(err, blocks.ErrStateConflict) {
		t.Fatalf("create before start: %v", err)
	}
	if err := layouts.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := layouts.Start(ctx); !errors.Is(err, blocks.ErrStateConflict) {
		t.Fatalf("double start: %v", err)
	}
	if _, err := layouts.Create(ctx, blocks.Layout{Title: "no id"}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("create without id: %v", err)
	}
	if _, err := layouts.Save(ctx, blocks.Layout{ID: "  "}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("save without id: %v", err)
	}
	if err := layouts.SetVolatile(blocks.Layout{}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("volatile without id: %v", err)
	}
	if items, _ := mem.FetchAll(ctx, "layouts"); len(items) != 0 {
		t.Fatalf("layout without id reached the store: %+v", items)
	}

	created, err := layouts.Create(ctx, blocks.Layout{
		ID:     "l1",
		Title:  "Fermenter",
		Width:  10,
		Height: 8,
		Parts:  []blocks.Part{{ID: "p1", Type: "Kettle", Settings: map[string]any{"color": "blue"}}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ch := <-changes; ch.Kind != ChangeUpsert || ch.ID != "l1" || ch.Collection != "layouts" {
		t.Fatalf("change=%+v", ch)
	}
	if _, err := layouts.Create(ctx, blocks.Layout{ID: "l1"}); !errors.Is(err, blocks.ErrConflict) {
		t.Fatalf("duplicate create: %v", err)
	}

	got, _ := layouts.Get("l1")
	got.Parts[0].Settings["color"] = "red"
	again, _ := layouts.Get("l1")
	if again.Parts[0].Settings["color"] != "blue" {
		t.Fatalf("Get leaked internal state")
	}

	created.Title = "Fermenter 2"
	if _, err := layouts.Save(ctx, created); err != nil {
		t.Fatalf("save: %v", err)
	}
	mem.Put("layouts", blocks.Layout{ID: "l2", Title: "Other"})
	waitFor(t, "feed upsert", func() bool { return layouts.Len() == 2 })
	if ids := layouts.IDs(); len(ids) != 2 || ids[0] != "l1" || ids[1] != "l2" {
		t.Fatalf("ids=%v", ids)
	}

	mem.Put("layouts", blocks.Layout{ID: "l3"})
	if err := layouts.Refresh(ctx, "l3"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := layouts.Get("l3"); !ok {
		t.Fatalf("refresh did not pick up l3")
	}

	layouts.Stop()
	layouts.Stop()
	if layouts.State() != StateUnregistered || layouts.Len() != 0 {
		t.Fatalf("state=%s len=%d", layouts.State(), layouts.Len())
	}
	waitFor(t, "stream closed", func() bool { return mem.StreamCount("layouts") == 0 })
}

func TestCollectionStartsWhenFeedIsDown(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	mem := remote.NewMemory[blocks.Preset]()
	mem.Put("presets", blocks.Preset{ID: "a"})
	mem.FailNext(remote.OpOpen, errors.New("feed offline"))

	c := NewCollection(CollectionConfig[blocks.Preset]{Name: "presets", Scope: "presets", Store: mem, Feed: mem, Backoff: testBackoff()})
	defer c.Stop()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("snapshot missing")
	}
	waitFor(t, "background subscribe", func() bool { return mem.StreamCount("presets") == 1 })
	mem.Put("presets", blocks.Preset{ID: "b"})
	waitFor(t, "event after late subscribe", func() bool {
		_, ok := c.Get("b")
		return ok
	})
}

func TestCollectionWithoutStoreIsNotConfigured(t *testing.T) {
	testlog.Start(t)
	c := NewCollection(CollectionConfig[blocks.Preset]{Scope: "presets"})
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if c.Name() != "documents" {
		t.Fatalf("name=%q", c.Name())
	}
}
