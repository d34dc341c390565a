package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/remote"
	"github.com/danmuck/blocksync/internal/spec"
	"github.com/rs/zerolog/log"
)

// ErrNoPresets is returned by preset writes when no preset store is wired.
var ErrNoPresets = errors.New("mirror: presets not configured")

const (
	presetsCollection  = "presets"
	DefaultPresetScope = "presets"
)

// Config wires a Registry. Blocks and BlockFeed are shared by every service
// module; the service id is the scope. Presets is optional.
type Config struct {
	Catalog     *spec.Catalog
	Blocks      remote.Store[blocks.Block]
	BlockFeed   remote.Feed[blocks.Block]
	Presets     remote.Store[blocks.Preset]
	PresetFeed  remote.Feed[blocks.Preset]
	PresetScope string
	Backoff     remote.BackoffConfig
	Hub         *Hub
}

// Registry is the set of service modules plus the shared catalog and presets.
type Registry struct {
	catalog  *spec.Catalog
	store    remote.Store[blocks.Block]
	feed     remote.Feed[blocks.Block]
	backoff  remote.BackoffConfig
	hub      *Hub
	presets  *Collection[blocks.Preset]
	presetMu sync.Mutex

	mu      sync.RWMutex
	modules map[string]*ServiceModule
}

func NewRegistry(cfg Config) *Registry {
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = spec.MustNewCatalog(spec.Builtin())
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	r := &Registry{
		catalog: catalog,
		store:   cfg.Blocks,
		feed:    cfg.BlockFeed,
		backoff: cfg.Backoff,
		hub:     hub,
		modules: make(map[string]*ServiceModule),
	}
	if cfg.Presets != nil && cfg.PresetFeed != nil {
		scope := cfg.PresetScope
		if scope == "" {
			scope = DefaultPresetScope
		}
		r.presets = NewCollection(CollectionConfig[blocks.Preset]{
			Name:    presetsCollection,
			Scope:   scope,
			Store:   cfg.Presets,
			Feed:    cfg.PresetFeed,
			Backoff: cfg.Backoff,
			Hub:     hub,
		})
	}
	return r
}

func (r *Registry) Catalog() *spec.Catalog { return r.catalog }
func (r *Registry) Hub() *Hub              { return r.hub }

// Watch subscribes to changes of every module and collection sharing the hub.
func (r *Registry) Watch(buffer int) (<-chan Change, func()) {
	return r.hub.Watch(buffer)
}

// StartPresets fetches and subscribes the preset collection. It is a no-op
// when presets are not configured or already live.
func (r *Registry) StartPresets(ctx context.Context) error {
	if r.presets == nil {
		return nil
	}
	r.presetMu.Lock()
	defer r.presetMu.Unlock()
	if r.presets.State().Live() {
		return nil
	}
	return r.presets.Start(ctx)
}

// Close stops every module and the preset collection.
func (r *Registry) Close() {
	for _, id := range r.ServiceIDs() {
		r.RemoveService(id)
	}
	if r.presets != nil {
		r.presets.Stop()
	}
}

// AddService registers and starts a module for id. It fails with a
// StateError while a module for id exists in any state.
func (r *Registry) AddService(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty service id", ErrInvalidID)
	}
	r.mu.Lock()
	if existing, ok := r.modules[id]; ok {
		st := existing.State()
		r.mu.Unlock()
		return &blocks.StateError{ServiceID: id, State: string(st), Op: "add_service"}
	}
	mod := NewServiceModule(ModuleConfig{
		ServiceID: id,
		Store:     r.store,
		Feed:      r.feed,
		Backoff:   r.backoff,
		Hub:       r.hub,
	})
	if err := mod.prepare(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.modules[id] = mod
	r.mu.Unlock()

	if err := mod.start(ctx); err != nil {
		r.mu.Lock()
		if r.modules[id] == mod {
			delete(r.modules, id)
		}
		r.mu.Unlock()
		log.Warn().Msgf("mirror.Registry.AddService failed service_id=%q err=%v", id, err)
		return err
	}
	log.Info().Msgf("mirror.Registry.AddService service_id=%q", id)
	return nil
}

// RemoveService stops and forgets the module for id. Unknown ids are ignored.
func (r *Registry) RemoveService(id string) {
	r.mu.RLock()
	mod := r.modules[id]
	r.mu.RUnlock()
	if mod == nil {
		return
	}
	mod.Stop()
	r.mu.Lock()
	if r.modules[id] == mod {
		delete(r.modules, id)
	}
	r.mu.Unlock()
	log.Info().Msgf("mirror.Registry.RemoveService service_id=%q", id)
}

// ValidateService probes the block API for id without registering it.
func (r *Registry) ValidateService(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty service id", ErrInvalidID)
	}
	probe := NewServiceModule(ModuleConfig{ServiceID: id, Store: r.store, Feed: r.feed})
	return probe.Probe(ctx)
}

// Module returns the module for id in any state.
func (r *Registry) Module(id string) (*ServiceModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[id]
	return mod, ok
}

func (r *Registry) ServiceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for id := range r.modules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ServiceState reports StateUnregistered for unknown ids.
func (r *Registry) ServiceState(id string) State {
	if mod, ok := r.Module(id); ok {
		return mod.State()
	}
	return StateUnregistered
}

func (r *Registry) ServiceBlocks(id string) []blocks.Block {
	if mod, ok := r.Module(id); ok {
		return mod.Blocks()
	}
	return nil
}

func (r *Registry) FindByID(serviceID, id string) (blocks.Block, bool) {
	if mod, ok := r.Module(serviceID); ok {
		return mod.FindByID(id)
	}
	return blocks.Block{}, false
}

func (r *Registry) FindByAddress(addr blocks.Address) (blocks.Block, bool) {
	if mod, ok := r.Module(addr.ServiceID); ok {
		return mod.FindByAddress(addr)
	}
	return blocks.Block{}, false
}

// FindByLink resolves a link relative to serviceID, where links always point.
func (r *Registry) FindByLink(serviceID string, link blocks.Link) (blocks.Block, bool) {
	if mod, ok := r.Module(serviceID); ok {
		return mod.FindByLink(link)
	}
	return blocks.Block{}, false
}

func (r *Registry) Field(addr blocks.FieldAddress) (any, bool) {
	if mod, ok := r.Module(addr.ServiceID); ok {
		return mod.Field(addr)
	}
	return nil, false
}

// FieldSpec returns the catalog entry describing addr. The block type is
// taken from the address or, if empty, from the resolved block.
func (r *Registry) FieldSpec(addr blocks.FieldAddress) (spec.Field, bool) {
	if addr.Type == "" {
		b, ok := r.FindByAddress(addr.Address())
		if !ok {
			return spec.Field{}, false
		}
		addr.Type = b.Type
	}
	return r.catalog.Field(addr)
}

// Create routes to the module for b.ServiceID. A routing miss is a no-op.
func (r *Registry) Create(ctx context.Context, b blocks.Block) (blocks.Block, error) {
	mod, ok := r.Module(b.ServiceID)
	if !ok {
		return blocks.Block{}, nil
	}
	return mod.Create(ctx, b)
}

func (r *Registry) Save(ctx context.Context, b blocks.Block) (blocks.Block, error) {
	mod, ok := r.Module(b.ServiceID)
	if !ok {
		return blocks.Block{}, nil
	}
	return mod.Save(ctx, b)
}

func (r *Registry) Modify(ctx context.Context, addr blocks.Address, fn func(*blocks.Block) error) (blocks.Block, error) {
	mod, ok := r.Module(addr.ServiceID)
	if !ok {
		return blocks.Block{}, nil
	}
	return mod.Modify(ctx, addr.ID, fn)
}

func (r *Registry) Remove(ctx context.Context, addr blocks.Address) error {
	mod, ok := r.Module(addr.ServiceID)
	if !ok {
		return nil
	}
	return mod.Remove(ctx, addr.ID)
}

func (r *Registry) Rename(ctx context.Context, serviceID, oldID, newID string) (blocks.Block, error) {
	mod, ok := r.Module(serviceID)
	if !ok {
		return blocks.Block{}, nil
	}
	return mod.Rename(ctx, oldID, newID)
}

func (r *Registry) SetVolatile(b blocks.Block) error {
	mod, ok := r.Module(b.ServiceID)
	if !ok {
		return nil
	}
	return mod.SetVolatile(b)
}

func (r *Registry) RemoveVolatile(addr blocks.Address) {
	if mod, ok := r.Module(addr.ServiceID); ok {
		mod.RemoveVolatile(addr.ID)
	}
}

// NewBlock builds a block of typ with catalog defaults. It is not persisted.
func (r *Registry) NewBlock(serviceID, id, typ string) (blocks.Block, error) {
	return r.catalog.NewBlock(serviceID, id, typ)
}

func (r *Registry) Presets() []blocks.Preset {
	if r.presets == nil {
		return nil
	}
	return r.presets.List()
}

// PresetsOfType returns the stored presets for one block type.
func (r *Registry) PresetsOfType(typ string) []blocks.Preset {
	var out []blocks.Preset
	for _, p := range r.Presets() {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) PresetByID(id string) (blocks.Preset, bool) {
	if r.presets == nil {
		return blocks.Preset{}, false
	}
	return r.presets.Get(id)
}

func (r *Registry) CreatePreset(ctx context.Context, p blocks.Preset) (blocks.Preset, error) {
	if r.presets == nil {
		return blocks.Preset{}, ErrNoPresets
	}
	return r.presets.Create(ctx, p)
}

func (r *Registry) SavePreset(ctx context.Context, p blocks.Preset) (blocks.Preset, error) {
	if r.presets == nil {
		return blocks.Preset{}, ErrNoPresets
	}
	return r.presets.Save(ctx, p)
}

func (r *Registry) RemovePreset(ctx context.Context, id string) error {
	if r.presets == nil {
		return ErrNoPresets
	}
	return r.presets.Remove(ctx, id)
}

// ApplyStoredPreset copies the data of a stored preset onto a block and saves it.
func (r *Registry) ApplyStoredPreset(ctx context.Context, addr blocks.Address, presetID string) (blocks.Block, error) {
	p, ok := r.PresetByID(presetID)
	if !ok {
		return blocks.Block{}, &blocks.NotFoundError{Op: "apply_preset", Scope: DefaultPresetScope, ID: presetID}
	}
	return r.Modify(ctx, addr, func(b *blocks.Block) error {
		if p.Type != "" && p.Type != b.Type {
			return fmt.Errorf("%w: preset %s is for %s, block is %s", spec.ErrUnknownPreset, p.ID, p.Type, b.Type)
		}
		if b.Data == nil {
			b.Data = map[string]any{}
		}
		for k, v := range blocks.CloneData(p.Data) {
			b.Data[k] = v
		}
		return nil
	})
}
