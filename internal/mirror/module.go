package mirror

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/remote"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

const blocksCollection = "blocks"

// ServiceModule mirrors the blocks of one controller service.
type ServiceModule struct {
	*Collection[blocks.Block]
}

// ModuleConfig wires a ServiceModule to the block API of its service.
type ModuleConfig struct {
	ServiceID string
	Store     remote.Store[blocks.Block]
	Feed      remote.Feed[blocks.Block]
	Backoff   remote.BackoffConfig
	Hub       *Hub
}

func NewServiceModule(cfg ModuleConfig) *ServiceModule {
	serviceID := cfg.ServiceID
	return &ServiceModule{
		Collection: NewCollection(CollectionConfig[blocks.Block]{
			Name:    blocksCollection,
			Scope:   serviceID,
			Store:   cfg.Store,
			Feed:    cfg.Feed,
			Backoff: cfg.Backoff,
			Hub:     cfg.Hub,
			Normalize: func(b blocks.Block) blocks.Block {
				b.ServiceID = serviceID
				return b
			},
		}),
	}
}

func (m *ServiceModule) ID() string { return m.Scope() }

func (m *ServiceModule) FindByID(id string) (blocks.Block, bool) {
	return m.Get(id)
}

// FindByAddress resolves addr if it belongs to this service.
func (m *ServiceModule) FindByAddress(addr blocks.Address) (blocks.Block, bool) {
	if addr.ServiceID != m.ID() {
		return blocks.Block{}, false
	}
	return m.Get(addr.ID)
}

// FindByLink resolves a link within this service. Null and dangling links
// yield false.
func (m *ServiceModule) FindByLink(link blocks.Link) (blocks.Block, bool) {
	if link.IsNull() {
		return blocks.Block{}, false
	}
	return m.Get(link.Target())
}

// Field resolves a nested data value of a block in this service.
func (m *ServiceModule) Field(addr blocks.FieldAddress) (any, bool) {
	b, ok := m.FindByAddress(addr.Address())
	if !ok {
		return nil, false
	}
	return b.FieldValue(addr.Field)
}

func (m *ServiceModule) Blocks() []blocks.Block {
	return m.List()
}

// BlocksOfType returns blocks whose type equals typ.
func (m *ServiceModule) BlocksOfType(typ string) []blocks.Block {
	var out []blocks.Block
	for _, b := range m.List() {
		if b.Type == typ {
			out = append(out, b)
		}
	}
	return out
}

func (m *ServiceModule) Create(ctx context.Context, b blocks.Block) (blocks.Block, error) {
	b, err := m.own(b)
	if err != nil {
		return blocks.Block{}, err
	}
	return m.Collection.Create(ctx, b)
}

func (m *ServiceModule) Save(ctx context.Context, b blocks.Block) (blocks.Block, error) {
	b, err := m.own(b)
	if err != nil {
		return blocks.Block{}, err
	}
	return m.Collection.Save(ctx, b)
}

func (m *ServiceModule) SetVolatile(b blocks.Block) error {
	b, err := m.own(b)
	if err != nil {
		return err
	}
	return m.Collection.SetVolatile(b)
}

// Modify applies fn to a copy of block id and saves the result.
func (m *ServiceModule) Modify(ctx context.Context, id string, fn func(*blocks.Block) error) (blocks.Block, error) {
	current, ok := m.FindByID(id)
	if !ok {
		return blocks.Block{}, &blocks.NotFoundError{Op: "modify", Scope: m.ID(), ID: id}
	}
	if err := fn(&current); err != nil {
		return blocks.Block{}, fmt.Errorf("mirror: modify %s/%s: %w", m.ID(), id, err)
	}
	if current.ID != id {
		return blocks.Block{}, fmt.Errorf("%w: modify %s/%s changed id to %q", ErrInvalidID, m.ID(), id, current.ID)
	}
	return m.Save(ctx, current)
}

// Rename moves a block to newID by removing it and creating a copy.
//
// The two calls are not atomic. Once the remove has succeeded, any failure
// before the create is confirmed, including the module stopping, returns a
// RenameFailedError carrying the payload under newID. The old id is then
// gone locally and remotely. A create that lands while the module stops
// leaves the block stored under newID and returns a StateError.
func (m *ServiceModule) Rename(ctx context.Context, oldID, newID string) (blocks.Block, error) {
	newID = strings.TrimSpace(newID)
	if newID == "" || newID == oldID {
		return blocks.Block{}, fmt.Errorf("%w: rename %s/%s to %q", ErrInvalidID, m.ID(), oldID, newID)
	}
	if err := m.requireActive("rename"); err != nil {
		return blocks.Block{}, err
	}

	m.mu.RLock()
	persisted, isPersisted := m.items[oldID]
	volatile, isVolatile := m.volatile[oldID]
	_, takenPersisted := m.items[newID]
	_, takenVolatile := m.volatile[newID]
	m.mu.RUnlock()

	if takenPersisted || takenVolatile {
		return blocks.Block{}, &blocks.ConflictError{Op: "rename", Scope: m.ID(), ID: newID}
	}
	if !isPersisted && isVolatile {
		return m.renameVolatile(oldID, newID, volatile)
	}
	if !isPersisted {
		return blocks.Block{}, &blocks.NotFoundError{Op: "rename", Scope: m.ID(), ID: oldID}
	}

	opID := ulid.Make().String()
	if err := m.removeRemote(ctx, oldID); err != nil {
		log.Warn().Str("op_id", opID).Msgf("mirror.ServiceModule.Rename remove failed service_id=%q id=%q err=%v", m.ID(), oldID, err)
		return blocks.Block{}, err
	}
	next := persisted.Clone()
	next.ID = newID
	next.Rev = ""
	if err := m.commitDelete("rename", oldID); err != nil {
		log.Error().Str("op_id", opID).Msgf("mirror.ServiceModule.Rename stopped after remove service_id=%q from=%q to=%q err=%v", m.ID(), oldID, newID, err)
		return blocks.Block{}, &blocks.RenameFailedError{From: oldID, Block: next, Err: err}
	}
	created, err := m.call(remote.OpCreate, func() (blocks.Block, error) { return m.store.Create(ctx, m.ID(), next) })
	if err != nil {
		log.Error().Str("op_id", opID).Msgf("mirror.ServiceModule.Rename create failed service_id=%q from=%q to=%q err=%v", m.ID(), oldID, newID, err)
		return blocks.Block{}, &blocks.RenameFailedError{From: oldID, Block: next, Err: err}
	}
	if err := m.commit("rename", created); err != nil {
		return blocks.Block{}, err
	}
	log.Info().Str("op_id", opID).Msgf("mirror.ServiceModule.Rename ok service_id=%q from=%q to=%q rev=%q", m.ID(), oldID, newID, created.Rev)
	return created.Clone(), nil
}

func (m *ServiceModule) renameVolatile(oldID, newID string, b blocks.Block) (blocks.Block, error) {
	next := b.Clone()
	next.ID = newID
	m.mu.Lock()
	if _, ok := m.volatile[oldID]; !ok {
		m.mu.Unlock()
		return blocks.Block{}, &blocks.NotFoundError{Op: "rename", Scope: m.ID(), ID: oldID}
	}
	delete(m.volatile, oldID)
	m.volatile[newID] = next
	m.mu.Unlock()

	m.hub.publish(
		Change{Kind: ChangeDelete, Collection: m.name, Scope: m.ID(), ID: oldID, Volatile: true},
		Change{Kind: ChangeUpsert, Collection: m.name, Scope: m.ID(), ID: newID, Volatile: true},
	)
	return next.Clone(), nil
}

// own stamps the service id onto b and rejects blocks of other services.
func (m *ServiceModule) own(b blocks.Block) (blocks.Block, error) {
	if strings.TrimSpace(b.ID) == "" {
		return b, fmt.Errorf("%w: block without id in %s", ErrInvalidID, m.ID())
	}
	switch b.ServiceID {
	case "":
		b.ServiceID = m.ID()
	case m.ID():
	default:
		return b, fmt.Errorf("%w: block %s belongs to %q, not %q", ErrInvalidID, b.ID, b.ServiceID, m.ID())
	}
	return b, nil
}
