package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/observability"
	"github.com/danmuck/blocksync/internal/remote"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotConfigured is returned when a collection lacks a store or feed.
	ErrNotConfigured = errors.New("mirror: collection not configured")
	// ErrInvalidID is returned for empty ids and no-op renames.
	ErrInvalidID = errors.New("mirror: invalid id")
)

// Entity is the constraint for mirrored values.
type Entity[T any] interface {
	blocks.Doc
	Clone() T
}

// CollectionConfig wires a Collection to its remote side.
type CollectionConfig[T Entity[T]] struct {
	// Name labels logs, metrics and changes ("blocks", "presets", "layouts").
	Name    string
	Scope   string
	Store   remote.Store[T]
	Feed    remote.Feed[T]
	Backoff remote.BackoffConfig
	Hub     *Hub
	// Normalize runs on every value received from the remote side.
	Normalize func(T) T
}

// Collection mirrors one remote scope.
//
// Mutations are serialized by mu. Remote calls run outside the lock and
// their results are applied only while the collection is still active.
type Collection[T Entity[T]] struct {
	name      string
	scope     string
	store     remote.Store[T]
	feed      remote.Feed[T]
	backoff   remote.BackoffConfig
	hub       *Hub
	normalize func(T) T

	mu       sync.RWMutex
	state    State
	items    map[string]T
	volatile map[string]T
	cancel   context.CancelFunc
	runCtx   context.Context
	done     chan struct{}
}

func NewCollection[T Entity[T]](cfg CollectionConfig[T]) *Collection[T] {
	name := cfg.Name
	if name == "" {
		name = "documents"
	}
	return &Collection[T]{
		name:      name,
		scope:     cfg.Scope,
		store:     cfg.Store,
		feed:      cfg.Feed,
		backoff:   cfg.Backoff.WithDefaults(),
		hub:       cfg.Hub,
		normalize: cfg.Normalize,
		state:     StateUnregistered,
		items:     make(map[string]T),
		volatile:  make(map[string]T),
	}
}

func (c *Collection[T]) Name() string  { return c.name }
func (c *Collection[T]) Scope() string { return c.scope }

func (c *Collection[T]) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start fetches the remote snapshot and subscribes to the feed. A feed that
// cannot be opened yet is retried in the background; a failed fetch returns
// the collection to unregistered.
func (c *Collection[T]) Start(ctx context.Context) error {
	if err := c.prepare(); err != nil {
		return err
	}
	return c.start(ctx)
}

// prepare moves unregistered to starting so that concurrent starts fail fast.
func (c *Collection[T]) prepare() error {
	if c.store == nil || c.feed == nil {
		return fmt.Errorf("%w: %s %q", ErrNotConfigured, c.name, c.scope)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnregistered {
		return &blocks.StateError{ServiceID: c.scope, State: string(c.state), Op: "start"}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.state = StateStarting
	c.runCtx = runCtx
	c.cancel = cancel
	c.done = make(chan struct{})
	return nil
}

func (c *Collection[T]) start(ctx context.Context) error {
	c.mu.RLock()
	runCtx, cancel, done := c.runCtx, c.cancel, c.done
	c.mu.RUnlock()

	startCtx, stopStart := context.WithCancel(ctx)
	defer stopStart()
	unlink := context.AfterFunc(runCtx, stopStart)
	defer unlink()

	stream, err := c.feed.Open(startCtx, c.scope)
	if err != nil {
		stream = nil
		log.Warn().Msgf("mirror.%s.Start feed deferred scope=%q err=%v", c.name, c.scope, err)
	}

	snapshot, err := c.fetch(startCtx)
	if err != nil {
		if stream != nil {
			_ = stream.Close()
		}
		c.abortStart(cancel, done)
		log.Error().Msgf("mirror.%s.Start fetch failed scope=%q err=%v", c.name, c.scope, err)
		return err
	}

	c.mu.Lock()
	if c.state != StateStarting {
		st := c.state
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		close(done)
		return &blocks.StateError{ServiceID: c.scope, State: string(st), Op: "start"}
	}
	changes := c.reconcileLocked(snapshot)
	c.state = StateActive
	n := len(c.items)
	c.mu.Unlock()

	observability.SetMirroredEntities(c.name, c.scope, n)
	c.hub.publish(changes...)
	go c.run(runCtx, stream, done)
	log.Info().Msgf("mirror.%s.Start active scope=%q entities=%d feed=%t", c.name, c.scope, n, stream != nil)
	return nil
}

func (c *Collection[T]) abortStart(cancel context.CancelFunc, done chan struct{}) {
	c.mu.Lock()
	if c.state == StateStarting {
		c.state = StateUnregistered
	}
	c.mu.Unlock()
	cancel()
	close(done)
}

// Stop cancels any in-flight fetch, closes the feed and waits for the feed
// goroutine. Local entities are discarded. Stop is idempotent.
func (c *Collection[T]) Stop() {
	c.mu.Lock()
	switch c.state {
	case StateUnregistered:
		c.mu.Unlock()
		return
	case StateStopping:
		done := c.done
		c.mu.Unlock()
		<-done
		return
	}
	c.state = StateStopping
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	removed := make([]Change, 0, len(c.items)+len(c.volatile))
	for id := range c.items {
		removed = append(removed, Change{Kind: ChangeDelete, Collection: c.name, Scope: c.scope, ID: id})
	}
	for id := range c.volatile {
		removed = append(removed, Change{Kind: ChangeDelete, Collection: c.name, Scope: c.scope, ID: id, Volatile: true})
	}
	c.items = make(map[string]T)
	c.volatile = make(map[string]T)
	c.state = StateUnregistered
	c.mu.Unlock()

	observability.ForgetScope(c.name, c.scope)
	c.hub.publish(removed...)
	log.Info().Msgf("mirror.%s.Stop unregistered scope=%q", c.name, c.scope)
}

// Get returns a copy of the persisted or volatile entity for id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.items[id]; ok {
		return v.Clone(), true
	}
	if v, ok := c.volatile[id]; ok {
		return v.Clone(), true
	}
	var zero T
	return zero, false
}

// IsVolatile reports whether id is held only locally.
func (c *Collection[T]) IsVolatile(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.volatile[id]
	return ok
}

// List returns copies of all entities, persisted and volatile, ordered by id.
func (c *Collection[T]) List() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, len(c.items)+len(c.volatile))
	for _, v := range c.items {
		out = append(out, v.Clone())
	}
	for _, v := range c.volatile {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (c *Collection[T]) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.items)+len(c.volatile))
	for id := range c.items {
		out = append(out, id)
	}
	for id := range c.volatile {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items) + len(c.volatile)
}

// Create persists a new entity and stores the server result.
func (c *Collection[T]) Create(ctx context.Context, v T) (T, error) {
	var zero T
	if err := c.requireActive("create"); err != nil {
		return zero, err
	}
	if err := c.checkKey("create", v); err != nil {
		return zero, err
	}
	opID := ulid.Make().String()
	out, err := c.call(remote.OpCreate, func() (T, error) { return c.store.Create(ctx, c.scope, v) })
	if err != nil {
		log.Warn().Str("op_id", opID).Msgf("mirror.%s.Create failed scope=%q id=%q err=%v", c.name, c.scope, v.Key(), err)
		return zero, err
	}
	if err := c.commit("create", out); err != nil {
		return zero, err
	}
	log.Info().Str("op_id", opID).Msgf("mirror.%s.Create ok scope=%q id=%q rev=%q", c.name, c.scope, out.Key(), out.Revision())
	return out.Clone(), nil
}

// Save replaces the entity remotely and then locally. Volatile entities are
// only replaced locally.
func (c *Collection[T]) Save(ctx context.Context, v T) (T, error) {
	var zero T
	if err := c.requireActive("save"); err != nil {
		return zero, err
	}
	if err := c.checkKey("save", v); err != nil {
		return zero, err
	}
	if c.IsVolatile(v.Key()) {
		if err := c.SetVolatile(v); err != nil {
			return zero, err
		}
		return v.Clone(), nil
	}
	opID := ulid.Make().String()
	out, err := c.call(remote.OpPersist, func() (T, error) { return c.store.Persist(ctx, c.scope, v) })
	if err != nil {
		log.Warn().Str("op_id", opID).Msgf("mirror.%s.Save failed scope=%q id=%q err=%v", c.name, c.scope, v.Key(), err)
		return zero, err
	}
	if err := c.commit("save", out); err != nil {
		return zero, err
	}
	log.Info().Str("op_id", opID).Msgf("mirror.%s.Save ok scope=%q id=%q rev=%q", c.name, c.scope, out.Key(), out.Revision())
	return out.Clone(), nil
}

// Remove deletes the entity remotely and then locally. A remote 404 counts
// as success; any other failure leaves local state untouched.
func (c *Collection[T]) Remove(ctx context.Context, id string) error {
	if err := c.requireActive("remove"); err != nil {
		return err
	}
	if c.IsVolatile(id) {
		c.RemoveVolatile(id)
		return nil
	}
	opID := ulid.Make().String()
	if err := c.removeRemote(ctx, id); err != nil {
		log.Warn().Str("op_id", opID).Msgf("mirror.%s.Remove failed scope=%q id=%q err=%v", c.name, c.scope, id, err)
		return err
	}
	if err := c.commitDelete("remove", id); err != nil {
		return err
	}
	log.Info().Str("op_id", opID).Msgf("mirror.%s.Remove ok scope=%q id=%q", c.name, c.scope, id)
	return nil
}

// Refresh fetches the scope and reconciles the single entity id.
func (c *Collection[T]) Refresh(ctx context.Context, id string) error {
	if err := c.requireActive("refresh"); err != nil {
		return err
	}
	snapshot, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	var found *T
	for i := range snapshot {
		if snapshot[i].Key() == id {
			found = &snapshot[i]
			break
		}
	}

	c.mu.Lock()
	if c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		return &blocks.StateError{ServiceID: c.scope, State: string(st), Op: "refresh"}
	}
	var changes []Change
	if found != nil {
		if c.upsertLocked(*found) {
			changes = append(changes, c.change(ChangeUpsert, id))
		}
	} else if c.deleteLocked(id) {
		changes = append(changes, c.change(ChangeDelete, id))
	}
	n := len(c.items)
	c.mu.Unlock()

	observability.SetMirroredEntities(c.name, c.scope, n)
	c.hub.publish(changes...)
	return nil
}

// SetVolatile stores v locally only. It fails if a persisted entity already
// uses the id.
func (c *Collection[T]) SetVolatile(v T) error {
	if err := c.checkKey("set_volatile", v); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateStarting && c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		return &blocks.StateError{ServiceID: c.scope, State: string(st), Op: "set_volatile"}
	}
	if _, ok := c.items[v.Key()]; ok {
		c.mu.Unlock()
		return &blocks.ConflictError{Op: "set_volatile", Scope: c.scope, ID: v.Key()}
	}
	c.volatile[v.Key()] = v.Clone()
	c.mu.Unlock()

	c.hub.publish(Change{Kind: ChangeUpsert, Collection: c.name, Scope: c.scope, ID: v.Key(), Volatile: true})
	return nil
}

// RemoveVolatile drops a volatile entity; persisted entities are not touched.
func (c *Collection[T]) RemoveVolatile(id string) bool {
	c.mu.Lock()
	_, ok := c.volatile[id]
	delete(c.volatile, id)
	c.mu.Unlock()
	if ok {
		c.hub.publish(Change{Kind: ChangeDelete, Collection: c.name, Scope: c.scope, ID: id, Volatile: true})
	}
	return ok
}

// Probe fetches the scope without touching local state.
func (c *Collection[T]) Probe(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("%w: %s %q", ErrNotConfigured, c.name, c.scope)
	}
	_, err := c.fetch(ctx)
	return err
}

func (c *Collection[T]) requireActive(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateActive {
		return &blocks.StateError{ServiceID: c.scope, State: string(c.state), Op: op}
	}
	return nil
}

// checkKey rejects entities that could never be addressed by id again.
func (c *Collection[T]) checkKey(op string, v T) error {
	if strings.TrimSpace(v.Key()) == "" {
		return fmt.Errorf("%w: %s %s without id in %q", ErrInvalidID, op, c.name, c.scope)
	}
	return nil
}

func (c *Collection[T]) fetch(ctx context.Context) ([]T, error) {
	start := time.Now()
	items, err := c.store.FetchAll(ctx, c.scope)
	observability.RecordRemoteOp(c.name, remote.OpFetch, err, time.Since(start))
	if err != nil {
		return nil, c.classify(remote.OpFetch, err)
	}
	for i := range items {
		items[i] = c.inbound(items[i])
	}
	return items, nil
}

func (c *Collection[T]) call(op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()
	observability.RecordRemoteOp(c.name, op, err, time.Since(start))
	if err != nil {
		var zero T
		return zero, c.classify(op, err)
	}
	return c.inbound(out), nil
}

func (c *Collection[T]) removeRemote(ctx context.Context, id string) error {
	start := time.Now()
	err := c.store.Remove(ctx, c.scope, id)
	observability.RecordRemoteOp(c.name, remote.OpRemove, err, time.Since(start))
	if err != nil && !errors.Is(err, blocks.ErrNotFound) {
		return c.classify(remote.OpRemove, err)
	}
	return nil
}

// classify keeps taxonomy errors and wraps the rest as transport failures.
func (c *Collection[T]) classify(op string, err error) error {
	if errors.Is(err, blocks.ErrNotFound) || errors.Is(err, blocks.ErrConflict) || errors.Is(err, blocks.ErrTransport) {
		return err
	}
	return &blocks.TransportError{Op: op, Scope: c.scope, Err: err}
}

func (c *Collection[T]) inbound(v T) T {
	if c.normalize != nil {
		return c.normalize(v)
	}
	return v
}

// commit stores a server result unconditionally.
func (c *Collection[T]) commit(op string, v T) error {
	c.mu.Lock()
	if c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		log.Debug().Msgf("mirror.%s.%s discarded scope=%q id=%q state=%s", c.name, op, c.scope, v.Key(), st)
		return &blocks.StateError{ServiceID: c.scope, State: string(st), Op: op}
	}
	c.items[v.Key()] = v
	delete(c.volatile, v.Key())
	n := len(c.items)
	c.mu.Unlock()

	observability.SetMirroredEntities(c.name, c.scope, n)
	c.hub.publish(c.change(ChangeUpsert, v.Key()))
	return nil
}

func (c *Collection[T]) commitDelete(op, id string) error {
	c.mu.Lock()
	if c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		return &blocks.StateError{ServiceID: c.scope, State: string(st), Op: op}
	}
	removed := c.deleteLocked(id)
	n := len(c.items)
	c.mu.Unlock()

	observability.SetMirroredEntities(c.name, c.scope, n)
	if removed {
		c.hub.publish(c.change(ChangeDelete, id))
	}
	return nil
}

// upsertLocked applies v unless the stored revision already matches.
func (c *Collection[T]) upsertLocked(v T) bool {
	if current, ok := c.items[v.Key()]; ok && current.Revision() == v.Revision() {
		return false
	}
	c.items[v.Key()] = v
	delete(c.volatile, v.Key())
	return true
}

func (c *Collection[T]) deleteLocked(id string) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	return true
}

// reconcileLocked applies a full snapshot: upsert by revision, then prune
// persisted ids the snapshot no longer has. Volatile entities survive.
func (c *Collection[T]) reconcileLocked(snapshot []T) []Change {
	var changes []Change
	seen := make(map[string]struct{}, len(snapshot))
	for _, v := range snapshot {
		seen[v.Key()] = struct{}{}
		if c.upsertLocked(v) {
			changes = append(changes, c.change(ChangeUpsert, v.Key()))
		}
	}
	for id := range c.items {
		if _, ok := seen[id]; !ok {
			delete(c.items, id)
			changes = append(changes, c.change(ChangeDelete, id))
		}
	}
	return changes
}

func (c *Collection[T]) change(kind ChangeKind, id string) Change {
	return Change{Kind: kind, Collection: c.name, Scope: c.scope, ID: id}
}
